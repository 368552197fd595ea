package service

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/astroconnect/consult-service/internal/errs"
	"github.com/astroconnect/consult-service/internal/model"
	"github.com/astroconnect/consult-service/internal/presence"
	"github.com/astroconnect/consult-service/internal/wallet"
	"github.com/astroconnect/consult-service/pkg/constants"
)

// SessionService owns the chat session lifecycle: creation on acceptance,
// the active -> ended transition, message relay, history, and the fan-out of
// session events to both participants. All state transitions are
// compare-and-set against the stored session row, so concurrent accept/end
// races resolve to a single winner and losers observe the settled result.
type SessionService struct {
	db      *gorm.DB
	reg     *presence.Registry
	wallet  *wallet.Service
	matcher *Matcher
	clock   *BillingClock
	log     *zap.Logger
}

// NewSessionService creates the session service and binds the billing clock
// to it for forced terminations.
func NewSessionService(db *gorm.DB, reg *presence.Registry, w *wallet.Service, m *Matcher, clock *BillingClock, log *zap.Logger) *SessionService {
	s := &SessionService{db: db, reg: reg, wallet: w, matcher: m, clock: clock, log: log}
	clock.bind(s)
	return s
}

// SubmitRequest validates the astrologer is reachable and available, then
// registers the chat request. Idempotent per (user, astrologer) pair.
func (s *SessionService) SubmitRequest(ctx context.Context, userID, astrologerID, userName string) (string, error) {
	profile, err := s.profile(ctx, astrologerID)
	if err != nil {
		return "", err
	}
	if profile.Availability != "online" {
		return "", errs.ErrUnreachable
	}
	return s.matcher.Submit(userID, astrologerID, userName)
}

// AcceptRequest resolves a pending request into an active session. Exactly
// one acceptance wins; duplicates get ErrStaleRequest and can recover the
// winning session id via the matcher. Emits chat-accepted to the user and
// session-created to the astrologer so both entry points converge on the
// same sessionId.
func (s *SessionService) AcceptRequest(ctx context.Context, astrologerID, requestID string) (*model.Session, error) {
	req, err := s.matcher.accept(astrologerID, requestID)
	if err != nil {
		return nil, err
	}

	sess, err := s.CreateOrGetActiveSession(ctx, req.UserID, astrologerID)
	if err != nil {
		s.matcher.abort(requestID)
		if errors.Is(err, errs.ErrInsufficientFunds) {
			s.notifyInsufficientStart(ctx, req.UserID, astrologerID)
		}
		return nil, err
	}
	s.matcher.bindSession(requestID, sess.ID)

	s.reg.Send(req.UserID, constants.EventChatAccepted, model.ChatAcceptedPayload{SessionID: sess.ID})
	s.reg.Send(astrologerID, constants.EventSessionCreated, model.SessionCreatedPayload{SessionID: sess.ID})
	return sess, nil
}

// RejectRequest marks the request Rejected and notifies the user.
func (s *SessionService) RejectRequest(astrologerID, requestID string) error {
	return s.matcher.Reject(astrologerID, requestID)
}

// ResolvedSession exposes the session id an accepted request resolved to,
// for clients that lost the acceptance race.
func (s *SessionService) ResolvedSession(requestID string) (string, bool) {
	return s.matcher.ResolvedSession(requestID)
}

// CreateOrGetActiveSession returns the pair's active session, creating one if
// none exists. The rate is captured from the astrologer's current profile and
// stays fixed for the session lifetime. Creation is rejected with
// ErrInsufficientFunds when the user cannot afford one minute. The partial
// unique index on (user_id, astrologer_id) for active rows makes creation
// first-committed-wins under races.
func (s *SessionService) CreateOrGetActiveSession(ctx context.Context, userID, astrologerID string) (*model.Session, error) {
	if existing, err := s.activeForPair(ctx, userID, astrologerID); err != nil {
		return nil, err
	} else if existing != nil {
		return entityToSession(existing), nil
	}

	profile, err := s.profile(ctx, astrologerID)
	if err != nil {
		return nil, err
	}
	balance, err := s.wallet.Balance(ctx, userID)
	if err != nil {
		return nil, err
	}
	if balance < profile.RatePerMinute {
		return nil, errs.ErrInsufficientFunds
	}

	ent := &model.ChatSession{
		ID:                uuid.New().String(),
		UserID:            userID,
		AstrologerID:      astrologerID,
		RatePerMinute:     profile.RatePerMinute,
		State:             model.SessionStateActive,
		StartedAt:         time.Now(),
		UserCoinsSnapshot: balance,
	}
	if err := s.db.WithContext(ctx).Create(ent).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			// Lost the creation race; the committed session wins.
			existing, lerr := s.activeForPair(ctx, userID, astrologerID)
			if lerr != nil {
				return nil, lerr
			}
			if existing != nil {
				return entityToSession(existing), nil
			}
		}
		return nil, err
	}

	s.clock.Start(ent)
	s.log.Info("session started",
		zap.String("session_id", ent.ID),
		zap.String("user_id", userID),
		zap.String("astrologer_id", astrologerID),
		zap.Int64("rate_per_minute", ent.RatePerMinute))
	return entityToSession(ent), nil
}

// End transitions the session to Ended. Idempotent: ending an already-ended
// session reloads and returns the settled record without new ledger entries
// or a second chatEnded broadcast. The billing clock is stopped synchronously
// before the transition commits, so no charge can land after Ended is
// observable.
func (s *SessionService) End(ctx context.Context, sessionID, endedBy, reason string) (*model.Session, error) {
	var ent model.ChatSession
	if err := s.db.WithContext(ctx).Where("id = ?", sessionID).First(&ent).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, errs.ErrSessionNotFound
		}
		return nil, err
	}

	elapsed, minutes, coinsLeft := ent.ElapsedSeconds, ent.MinutesBilled, ent.UserCoinsSnapshot
	if snap, running := s.clock.Stop(sessionID); running {
		elapsed, minutes, coinsLeft = snap.Elapsed, snap.Minutes, snap.CoinsLeft
	}
	earnings := minutes * ent.RatePerMinute

	now := time.Now()
	res := s.db.WithContext(ctx).Model(&model.ChatSession{}).
		Where("id = ? AND state = ?", sessionID, model.SessionStateActive).
		Updates(map[string]any{
			"state":               model.SessionStateEnded,
			"ended_by":            endedBy,
			"end_reason":          reason,
			"ended_at":            now,
			"elapsed_seconds":     elapsed,
			"minutes_billed":      minutes,
			"user_coins_snapshot": coinsLeft,
			"astrologer_earnings": earnings,
		})
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		// Lost the end race; return the already-settled result.
		return s.Get(ctx, sessionID)
	}

	if err := s.wallet.CreditSettlement(ctx, sessionID, ent.AstrologerID, earnings); err != nil {
		s.log.Error("settlement credit failed",
			zap.String("session_id", sessionID), zap.Error(err))
	}

	payload := model.ChatEndedPayload{
		EndedBy:         endedBy,
		SessionEarnings: earnings,
		TotalCoins:      earnings,
	}
	s.reg.Send(ent.UserID, constants.EventChatEnded, payload)
	s.reg.Send(ent.AstrologerID, constants.EventChatEnded, payload)

	s.log.Info("session ended",
		zap.String("session_id", sessionID),
		zap.String("ended_by", endedBy),
		zap.String("reason", reason),
		zap.Int64("minutes", minutes),
		zap.Int64("earnings", earnings))
	return s.Get(ctx, sessionID)
}

// SendMessage persists a message in an active session and best-effort
// delivers it to the receiver's current connection. A disconnected receiver
// fetches it later via history; that is not a sender error. Fails with
// ErrSessionNotActive for ended or unknown sessions, without persisting.
func (s *SessionService) SendMessage(ctx context.Context, sessionID, senderID, receiverID, content string) (*model.Message, error) {
	var ent model.ChatSession
	if err := s.db.WithContext(ctx).Where("id = ?", sessionID).First(&ent).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, errs.ErrSessionNotActive
		}
		return nil, err
	}
	if ent.State != model.SessionStateActive {
		return nil, errs.ErrSessionNotActive
	}
	// A sender outside the pair is treated as addressing an unknown session.
	if senderID != ent.UserID && senderID != ent.AstrologerID {
		return nil, errs.ErrSessionNotActive
	}

	msg := &model.ChatMessage{
		ID:         uuid.New().String(),
		SessionID:  sessionID,
		SenderID:   senderID,
		ReceiverID: receiverID,
		Content:    content,
	}
	if err := s.db.WithContext(ctx).Create(msg).Error; err != nil {
		return nil, err
	}

	view := messageView(msg)
	s.reg.Send(receiverID, constants.EventReceiveMessage, model.ReceiveMessagePayload{Message: *view})
	return view, nil
}

// GetMessages returns the session's messages in submission order.
func (s *SessionService) GetMessages(ctx context.Context, sessionID string) ([]model.Message, error) {
	var ents []model.ChatMessage
	err := s.db.WithContext(ctx).
		Where("session_id = ?", sessionID).
		Order("created_at ASC, id ASC").
		Find(&ents).Error
	if err != nil {
		return nil, err
	}
	out := make([]model.Message, 0, len(ents))
	for i := range ents {
		out = append(out, *messageView(&ents[i]))
	}
	return out, nil
}

// Get returns a session by id.
func (s *SessionService) Get(ctx context.Context, sessionID string) (*model.Session, error) {
	var ent model.ChatSession
	if err := s.db.WithContext(ctx).Where("id = ?", sessionID).First(&ent).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, errs.ErrSessionNotFound
		}
		return nil, err
	}
	return entityToSession(&ent), nil
}

// History returns the participant's sessions, newest first.
func (s *SessionService) History(ctx context.Context, participantID string) ([]model.Session, error) {
	var ents []model.ChatSession
	err := s.db.WithContext(ctx).
		Where("user_id = ? OR astrologer_id = ?", participantID, participantID).
		Order("started_at DESC").
		Find(&ents).Error
	if err != nil {
		return nil, err
	}
	out := make([]model.Session, 0, len(ents))
	for i := range ents {
		out = append(out, *entityToSession(&ents[i]))
	}
	return out, nil
}

// SetAvailability updates the astrologer's self-toggled availability flag.
func (s *SessionService) SetAvailability(ctx context.Context, astrologerID, availability string) error {
	res := s.db.WithContext(ctx).Model(&model.AstrologerProfile{}).
		Where("id = ?", astrologerID).
		Updates(map[string]any{"availability": availability, "updated_at": time.Now()})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return errs.ErrUnreachable
	}
	return nil
}

// ResumeActiveSessions restarts billing clocks for sessions that were active
// when the process stopped. Counters resume from the last settled values;
// downtime is never billed.
func (s *SessionService) ResumeActiveSessions(ctx context.Context) error {
	var ents []model.ChatSession
	if err := s.db.WithContext(ctx).Where("state = ?", model.SessionStateActive).Find(&ents).Error; err != nil {
		return err
	}
	for i := range ents {
		s.clock.Start(&ents[i])
	}
	if len(ents) > 0 {
		s.log.Info("resumed active sessions", zap.Int("count", len(ents)))
	}
	return nil
}

// persistBillingProgress flushes the clock's counters to the session row.
// The state guard keeps a late flush from resurrecting an ended session.
func (s *SessionService) persistBillingProgress(ctx context.Context, sessionID string, elapsed, minutes, coinsLeft, earnings int64) {
	err := s.db.WithContext(ctx).Model(&model.ChatSession{}).
		Where("id = ? AND state = ?", sessionID, model.SessionStateActive).
		Updates(map[string]any{
			"elapsed_seconds":     elapsed,
			"minutes_billed":      minutes,
			"user_coins_snapshot": coinsLeft,
			"astrologer_earnings": earnings,
		}).Error
	if err != nil {
		s.log.Error("billing progress flush failed",
			zap.String("session_id", sessionID), zap.Error(err))
	}
}

func (s *SessionService) activeForPair(ctx context.Context, userID, astrologerID string) (*model.ChatSession, error) {
	var ent model.ChatSession
	err := s.db.WithContext(ctx).
		Where("user_id = ? AND astrologer_id = ? AND state = ?", userID, astrologerID, model.SessionStateActive).
		First(&ent).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &ent, nil
}

func (s *SessionService) profile(ctx context.Context, astrologerID string) (*model.AstrologerProfile, error) {
	var profile model.AstrologerProfile
	if err := s.db.WithContext(ctx).Where("id = ?", astrologerID).First(&profile).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, errs.ErrUnreachable
		}
		return nil, err
	}
	return &profile, nil
}

func (s *SessionService) notifyInsufficientStart(ctx context.Context, userID, astrologerID string) {
	profile, err := s.profile(ctx, astrologerID)
	if err != nil {
		return
	}
	balance, err := s.wallet.Balance(ctx, userID)
	if err != nil {
		return
	}
	s.reg.Send(userID, constants.EventInsufficientCoins, model.InsufficientCoinsPayload{
		Required: profile.RatePerMinute,
		Current:  balance,
	})
}

func entityToSession(ent *model.ChatSession) *model.Session {
	return &model.Session{
		ID:                 ent.ID,
		UserID:             ent.UserID,
		AstrologerID:       ent.AstrologerID,
		RatePerMinute:      ent.RatePerMinute,
		State:              ent.State,
		StartedAt:          ent.StartedAt,
		EndedAt:            ent.EndedAt,
		ElapsedSeconds:     ent.ElapsedSeconds,
		MinutesBilled:      ent.MinutesBilled,
		UserCoinsSnapshot:  ent.UserCoinsSnapshot,
		AstrologerEarnings: ent.AstrologerEarnings,
		EndedBy:            ent.EndedBy,
		EndReason:          ent.EndReason,
	}
}

func messageView(ent *model.ChatMessage) *model.Message {
	return &model.Message{
		ID:         ent.ID,
		SessionID:  ent.SessionID,
		SenderID:   ent.SenderID,
		ReceiverID: ent.ReceiverID,
		Content:    ent.Content,
		CreatedAt:  ent.CreatedAt,
	}
}
