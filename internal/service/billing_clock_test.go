package service

import (
	"context"
	"testing"
	"time"

	"github.com/astroconnect/consult-service/internal/model"
	"github.com/astroconnect/consult-service/internal/presence"
	"github.com/astroconnect/consult-service/pkg/constants"
)

// Tick interval compressed so one "minute" of session time passes in 300ms.
const testTick = 5 * time.Millisecond

func TestBillingUntilBalanceExhausted(t *testing.T) {
	opts := defaultEnvOptions()
	opts.tick = testTick
	env := newTestEnv(t, opts)
	ctx := context.Background()
	env.seedAstrologer(t, "astro-1", 10)
	env.fundUser(t, "user-1", 25)
	userConn := env.connect(t, "user-1", presence.RoleUser)
	astroConn := env.connect(t, "astro-1", presence.RoleAstrologer)

	sess, err := env.svc.CreateOrGetActiveSession(ctx, "user-1", "astro-1")
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	// Balance 25 at 10/min covers two whole minutes; the third boundary
	// forces the end.
	waitFor(t, 10*time.Second, func() bool {
		got, err := env.svc.Get(ctx, sess.ID)
		return err == nil && got.State == model.SessionStateEnded
	})

	ended, err := env.svc.Get(ctx, sess.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if ended.MinutesBilled != 2 {
		t.Fatalf("expected 2 minutes billed, got %d", ended.MinutesBilled)
	}
	if ended.UserCoinsSnapshot != 5 {
		t.Fatalf("expected 5 coins left, got %d", ended.UserCoinsSnapshot)
	}
	if ended.AstrologerEarnings != 20 {
		t.Fatalf("expected earnings 20, got %d", ended.AstrologerEarnings)
	}
	if ended.EndedBy != model.EndedBySystem || ended.EndReason != model.EndReasonInsufficientCoins {
		t.Fatalf("unexpected attribution: ended_by=%q reason=%q", ended.EndedBy, ended.EndReason)
	}

	// Exactly one ledger charge per settled minute, and the user's balance
	// matches the fold of the entries.
	var charges int64
	if err := env.db.Model(&model.WalletLedgerEntry{}).
		Where("session_id = ? AND reason = ?", sess.ID, model.LedgerReasonMinuteCharge).
		Count(&charges).Error; err != nil {
		t.Fatalf("count charges: %v", err)
	}
	if charges != 2 {
		t.Fatalf("expected 2 charge entries, got %d", charges)
	}
	balance, err := env.wallet.Balance(ctx, "user-1")
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if balance != 5 {
		t.Fatalf("expected final balance 5, got %d", balance)
	}

	// The settlement landed and full fan-out reached both sides.
	total, _, err := env.wallet.Earnings(ctx, "astro-1")
	if err != nil {
		t.Fatalf("earnings: %v", err)
	}
	if total != 20 {
		t.Fatalf("expected settled earnings 20, got %d", total)
	}
	for _, conn := range []*fakeConn{userConn, astroConn} {
		if conn.count(constants.EventMinuteBilled) != 2 {
			t.Fatalf("expected 2 minute-billed events, got %d", conn.count(constants.EventMinuteBilled))
		}
		if conn.count(constants.EventInsufficientCoins) == 0 {
			t.Fatal("missing insufficient-coins event")
		}
		if conn.count(constants.EventForceEndChat) == 0 {
			t.Fatal("missing force-end-chat event")
		}
		if conn.count(constants.EventChatEnded) != 1 {
			t.Fatalf("expected one chatEnded, got %d", conn.count(constants.EventChatEnded))
		}
	}
	data, _ := userConn.last(constants.EventForceEndChat)
	if p := data.(model.ForceEndChatPayload); p.Reason != ForceEndReasonInsufficientCoins {
		t.Fatalf("unexpected force-end reason %q", p.Reason)
	}
}

func TestMinutesNeverOutrunElapsed(t *testing.T) {
	opts := defaultEnvOptions()
	opts.tick = testTick
	env := newTestEnv(t, opts)
	ctx := context.Background()
	env.seedAstrologer(t, "astro-1", 1)
	env.fundUser(t, "user-1", 1000)
	env.connect(t, "user-1", presence.RoleUser)

	sess, err := env.svc.CreateOrGetActiveSession(ctx, "user-1", "astro-1")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	defer env.clock.Stop(sess.ID)

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		snap, ok := env.clock.Snapshot(sess.ID)
		if !ok {
			t.Fatal("runner disappeared")
		}
		if snap.Minutes > snap.Elapsed/60 {
			t.Fatalf("minutes %d outran elapsed %ds", snap.Minutes, snap.Elapsed)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func TestStopHaltsBilling(t *testing.T) {
	opts := defaultEnvOptions()
	opts.tick = testTick
	env := newTestEnv(t, opts)
	ctx := context.Background()
	env.seedAstrologer(t, "astro-1", 10)
	env.fundUser(t, "user-1", 1000)

	sess, err := env.svc.CreateOrGetActiveSession(ctx, "user-1", "astro-1")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	// Let at least one minute boundary settle.
	waitFor(t, 5*time.Second, func() bool {
		snap, ok := env.clock.Snapshot(sess.ID)
		return ok && snap.Minutes >= 1
	})

	snap, running := env.clock.Stop(sess.ID)
	if !running {
		t.Fatal("expected a running clock")
	}
	balanceAtStop, err := env.wallet.Balance(ctx, "user-1")
	if err != nil {
		t.Fatalf("balance: %v", err)
	}

	// No charge lands after Stop returns.
	time.Sleep(100 * time.Millisecond)
	balance, err := env.wallet.Balance(ctx, "user-1")
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if balance != balanceAtStop {
		t.Fatalf("balance moved after stop: %d -> %d", balanceAtStop, balance)
	}
	if _, ok := env.clock.Snapshot(sess.ID); ok {
		t.Fatal("snapshot still available after stop")
	}
	if _, running := env.clock.Stop(sess.ID); running {
		t.Fatal("second stop reported a running clock")
	}
	if snap.Minutes < 1 {
		t.Fatalf("expected at least one settled minute, got %d", snap.Minutes)
	}
}

func TestAbandonedSessionAutoEnds(t *testing.T) {
	opts := defaultEnvOptions()
	opts.tick = testTick
	opts.grace = 30 * time.Millisecond
	env := newTestEnv(t, opts)
	ctx := context.Background()
	env.seedAstrologer(t, "astro-1", 10)
	env.fundUser(t, "user-1", 1000)

	// No participant ever connects.
	sess, err := env.svc.CreateOrGetActiveSession(ctx, "user-1", "astro-1")
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	waitFor(t, 5*time.Second, func() bool {
		got, err := env.svc.Get(ctx, sess.ID)
		return err == nil && got.State == model.SessionStateEnded
	})

	ended, err := env.svc.Get(ctx, sess.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if ended.EndedBy != model.EndedBySystem || ended.EndReason != model.EndReasonPresenceLost {
		t.Fatalf("unexpected attribution: ended_by=%q reason=%q", ended.EndedBy, ended.EndReason)
	}
}

func TestPresenceOfOneParticipantKeepsSessionAlive(t *testing.T) {
	opts := defaultEnvOptions()
	opts.tick = testTick
	opts.grace = 30 * time.Millisecond
	env := newTestEnv(t, opts)
	ctx := context.Background()
	env.seedAstrologer(t, "astro-1", 10)
	env.fundUser(t, "user-1", 1000)
	env.connect(t, "user-1", presence.RoleUser)

	sess, err := env.svc.CreateOrGetActiveSession(ctx, "user-1", "astro-1")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	defer env.clock.Stop(sess.ID)

	// Well past the grace window the session is still active: one side
	// being reachable is enough.
	time.Sleep(150 * time.Millisecond)
	got, err := env.svc.Get(ctx, sess.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.State != model.SessionStateActive {
		t.Fatalf("session ended despite user presence: %q", got.State)
	}
}
