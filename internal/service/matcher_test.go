package service

import (
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/astroconnect/consult-service/internal/errs"
	"github.com/astroconnect/consult-service/internal/model"
	"github.com/astroconnect/consult-service/internal/presence"
	"github.com/astroconnect/consult-service/pkg/constants"
)

func newTestMatcher(timeout time.Duration) (*Matcher, *presence.Registry) {
	log := zap.NewNop()
	reg := presence.NewRegistry(log)
	return NewMatcher(reg, timeout, log), reg
}

func TestSubmitNotifiesAstrologer(t *testing.T) {
	m, reg := newTestMatcher(time.Minute)
	astroConn := &fakeConn{}
	reg.RegisterOnline("astro-1", presence.RoleAstrologer, astroConn)

	requestID, err := m.Submit("user-1", "astro-1", "Ayesha")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if requestID == "" {
		t.Fatal("expected a request id")
	}

	data, ok := astroConn.last(constants.EventIncomingChatRequest)
	if !ok {
		t.Fatal("astrologer did not receive incomingChatRequest")
	}
	payload, ok := data.(model.IncomingChatRequestPayload)
	if !ok {
		t.Fatalf("unexpected payload type %T", data)
	}
	if payload.RequestID != requestID || payload.UserID != "user-1" || payload.UserName != "Ayesha" {
		t.Fatalf("unexpected payload %+v", payload)
	}
}

func TestSubmitIdempotentPerPair(t *testing.T) {
	m, reg := newTestMatcher(time.Minute)
	astroConn := &fakeConn{}
	reg.RegisterOnline("astro-1", presence.RoleAstrologer, astroConn)

	first, err := m.Submit("user-1", "astro-1", "Ayesha")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	second, err := m.Submit("user-1", "astro-1", "Ayesha")
	if err != nil {
		t.Fatalf("resubmit: %v", err)
	}
	if first != second {
		t.Fatalf("resubmission minted a new request: %s != %s", first, second)
	}
	if n := astroConn.count(constants.EventIncomingChatRequest); n != 1 {
		t.Fatalf("expected one notification, got %d", n)
	}
}

func TestSubmitUnreachableAstrologer(t *testing.T) {
	m, _ := newTestMatcher(time.Minute)
	if _, err := m.Submit("user-1", "astro-1", "Ayesha"); !errors.Is(err, errs.ErrUnreachable) {
		t.Fatalf("expected ErrUnreachable, got %v", err)
	}
}

func TestAcceptWinsExactlyOnce(t *testing.T) {
	m, reg := newTestMatcher(time.Minute)
	reg.RegisterOnline("astro-1", presence.RoleAstrologer, &fakeConn{})

	requestID, err := m.Submit("user-1", "astro-1", "Ayesha")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	req, err := m.accept("astro-1", requestID)
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	if req.UserID != "user-1" {
		t.Fatalf("unexpected request %+v", req)
	}
	m.bindSession(requestID, "sess-1")

	// The duplicate delivery loses but can still recover the session id.
	if _, err := m.accept("astro-1", requestID); !errors.Is(err, errs.ErrStaleRequest) {
		t.Fatalf("expected ErrStaleRequest, got %v", err)
	}
	sid, ok := m.ResolvedSession(requestID)
	if !ok || sid != "sess-1" {
		t.Fatalf("expected resolved session sess-1, got %q ok=%v", sid, ok)
	}
}

func TestAcceptWrongAstrologer(t *testing.T) {
	m, reg := newTestMatcher(time.Minute)
	reg.RegisterOnline("astro-1", presence.RoleAstrologer, &fakeConn{})

	requestID, err := m.Submit("user-1", "astro-1", "Ayesha")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if _, err := m.accept("astro-2", requestID); !errors.Is(err, errs.ErrStaleRequest) {
		t.Fatalf("expected ErrStaleRequest, got %v", err)
	}
}

func TestAcceptUnknownRequest(t *testing.T) {
	m, _ := newTestMatcher(time.Minute)
	if _, err := m.accept("astro-1", "no-such-request"); !errors.Is(err, errs.ErrRequestNotFound) {
		t.Fatalf("expected ErrRequestNotFound, got %v", err)
	}
}

func TestRejectNotifiesUser(t *testing.T) {
	m, reg := newTestMatcher(time.Minute)
	reg.RegisterOnline("astro-1", presence.RoleAstrologer, &fakeConn{})
	userConn := &fakeConn{}
	reg.RegisterOnline("user-1", presence.RoleUser, userConn)

	requestID, err := m.Submit("user-1", "astro-1", "Ayesha")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if err := m.Reject("astro-1", requestID); err != nil {
		t.Fatalf("reject: %v", err)
	}
	if userConn.count(constants.EventRequestRejected) != 1 {
		t.Fatal("user did not receive request-rejected")
	}

	// Accepting a rejected request is stale, not not-found.
	if _, err := m.accept("astro-1", requestID); !errors.Is(err, errs.ErrStaleRequest) {
		t.Fatalf("expected ErrStaleRequest, got %v", err)
	}

	// The pair slot is free again for a fresh request.
	next, err := m.Submit("user-1", "astro-1", "Ayesha")
	if err != nil {
		t.Fatalf("resubmit after reject: %v", err)
	}
	if next == requestID {
		t.Fatal("expected a new request after rejection")
	}
}

func TestRequestExpiry(t *testing.T) {
	m, reg := newTestMatcher(20 * time.Millisecond)
	reg.RegisterOnline("astro-1", presence.RoleAstrologer, &fakeConn{})

	requestID, err := m.Submit("user-1", "astro-1", "Ayesha")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	// Expiry frees the pair slot, so a resubmission mints a new request.
	waitFor(t, time.Second, func() bool {
		next, err := m.Submit("user-1", "astro-1", "Ayesha")
		return err == nil && next != requestID
	})

	// A late accept of the expired request is stale, not not-found.
	if _, err := m.accept("astro-1", requestID); !errors.Is(err, errs.ErrStaleRequest) {
		t.Fatalf("expected ErrStaleRequest, got %v", err)
	}
}
