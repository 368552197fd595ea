package service

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/astroconnect/consult-service/internal/errs"
	"github.com/astroconnect/consult-service/internal/model"
	"github.com/astroconnect/consult-service/internal/presence"
	"github.com/astroconnect/consult-service/pkg/constants"
)

type requestState string

const (
	requestPending  requestState = "pending"
	requestAccepted requestState = "accepted"
	requestRejected requestState = "rejected"
	requestExpired  requestState = "expired"
)

type pairKey struct {
	userID       string
	astrologerID string
}

type chatRequest struct {
	ID           string
	UserID       string
	AstrologerID string
	UserName     string
	CreatedAt    time.Time
	state        requestState
	sessionID    string // set once accepted and a session exists
	timer        *time.Timer
}

// Matcher pairs a user's chat request with a target astrologer. Requests are
// ephemeral like presence: held in memory with a bounded pending lifetime.
// The session store's per-pair uniqueness is the durable backstop for races.
type Matcher struct {
	mu      sync.Mutex
	byID    map[string]*chatRequest
	byPair  map[pairKey]*chatRequest
	reg     *presence.Registry
	timeout time.Duration
	log     *zap.Logger
}

// NewMatcher creates a request matcher. timeout bounds how long a request
// stays pending before it expires.
func NewMatcher(reg *presence.Registry, timeout time.Duration, log *zap.Logger) *Matcher {
	return &Matcher{
		byID:    make(map[string]*chatRequest),
		byPair:  make(map[pairKey]*chatRequest),
		reg:     reg,
		timeout: timeout,
		log:     log,
	}
}

// Submit registers a chat request from userID to astrologerID and notifies
// the astrologer's current connection. At most one pending request exists per
// (user, astrologer) pair: resubmission returns the existing request id with
// no second notification. Fails with ErrUnreachable when the astrologer has
// no presence entry.
func (m *Matcher) Submit(userID, astrologerID, userName string) (string, error) {
	key := pairKey{userID: userID, astrologerID: astrologerID}

	m.mu.Lock()
	if existing, ok := m.byPair[key]; ok && existing.state == requestPending {
		id := existing.ID
		m.mu.Unlock()
		return id, nil
	}

	if !m.reg.Online(astrologerID) {
		m.mu.Unlock()
		return "", errs.ErrUnreachable
	}

	req := &chatRequest{
		ID:           uuid.New().String(),
		UserID:       userID,
		AstrologerID: astrologerID,
		UserName:     userName,
		CreatedAt:    time.Now(),
		state:        requestPending,
	}
	req.timer = time.AfterFunc(m.timeout, func() { m.expire(req.ID) })
	m.byID[req.ID] = req
	m.byPair[key] = req
	m.mu.Unlock()

	m.reg.Send(astrologerID, constants.EventIncomingChatRequest, model.IncomingChatRequestPayload{
		RequestID: req.ID,
		UserID:    userID,
		UserName:  userName,
	})
	m.log.Info("matcher: request submitted",
		zap.String("request_id", req.ID),
		zap.String("user_id", userID),
		zap.String("astrologer_id", astrologerID))
	return req.ID, nil
}

// accept transitions the request to Accepted if it is still pending and
// targeted at this astrologer. Exactly one acceptance wins; a racing
// duplicate gets ErrStaleRequest.
func (m *Matcher) accept(astrologerID, requestID string) (*chatRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	req, ok := m.byID[requestID]
	if !ok {
		return nil, errs.ErrRequestNotFound
	}
	if req.AstrologerID != astrologerID || req.state != requestPending {
		return nil, errs.ErrStaleRequest
	}
	req.state = requestAccepted
	req.timer.Stop()
	// Retained for sessionID lookup by race losers; dropped after the same
	// bound as the pending lifetime.
	req.timer = time.AfterFunc(m.timeout, func() { m.drop(req.ID) })
	delete(m.byPair, pairKey{userID: req.UserID, astrologerID: req.AstrologerID})
	return req, nil
}

// Reject marks the request Rejected and notifies the requesting user.
func (m *Matcher) Reject(astrologerID, requestID string) error {
	m.mu.Lock()
	req, ok := m.byID[requestID]
	if !ok {
		m.mu.Unlock()
		return errs.ErrRequestNotFound
	}
	if req.AstrologerID != astrologerID || req.state != requestPending {
		m.mu.Unlock()
		return errs.ErrStaleRequest
	}
	req.state = requestRejected
	req.timer.Stop()
	req.timer = time.AfterFunc(m.timeout, func() { m.drop(req.ID) })
	delete(m.byPair, pairKey{userID: req.UserID, astrologerID: req.AstrologerID})
	userID := req.UserID
	m.mu.Unlock()

	m.reg.Send(userID, constants.EventRequestRejected, model.RequestRejectedPayload{RequestID: requestID})
	return nil
}

// bindSession records the session created for an accepted request so a race
// loser can recover the winning sessionID.
func (m *Matcher) bindSession(requestID, sessionID string) {
	m.mu.Lock()
	if req, ok := m.byID[requestID]; ok {
		req.sessionID = sessionID
	}
	m.mu.Unlock()
}

// abort discards an accepted request whose session could not be created
// (for example the user's balance fell below one minute's rate).
func (m *Matcher) abort(requestID string) {
	m.mu.Lock()
	if req, ok := m.byID[requestID]; ok {
		req.state = requestRejected
		req.timer.Stop()
		delete(m.byID, requestID)
	}
	m.mu.Unlock()
}

// ResolvedSession returns the session id an accepted request resolved to.
func (m *Matcher) ResolvedSession(requestID string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	req, ok := m.byID[requestID]
	if !ok || req.sessionID == "" {
		return "", false
	}
	return req.sessionID, true
}

func (m *Matcher) expire(requestID string) {
	m.mu.Lock()
	req, ok := m.byID[requestID]
	if !ok || req.state != requestPending {
		m.mu.Unlock()
		return
	}
	req.state = requestExpired
	delete(m.byPair, pairKey{userID: req.UserID, astrologerID: req.AstrologerID})
	// Kept in byID so a late accept sees StaleRequest rather than not-found.
	req.timer = time.AfterFunc(m.timeout, func() { m.drop(req.ID) })
	m.mu.Unlock()
	m.log.Info("matcher: request expired", zap.String("request_id", requestID))
}

func (m *Matcher) drop(requestID string) {
	m.mu.Lock()
	delete(m.byID, requestID)
	m.mu.Unlock()
}
