package service

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/astroconnect/consult-service/internal/errs"
	"github.com/astroconnect/consult-service/internal/metrics"
	"github.com/astroconnect/consult-service/internal/model"
	"github.com/astroconnect/consult-service/internal/presence"
	"github.com/astroconnect/consult-service/internal/wallet"
	"github.com/astroconnect/consult-service/pkg/constants"
)

// Wire reasons for force-end-chat.
const (
	ForceEndReasonInsufficientCoins = "InsufficientCoins"
	ForceEndReasonPresenceLost      = "PresenceLost"
)

// BillingSnapshot is the clock's authoritative view of one session's counters.
type BillingSnapshot struct {
	Elapsed   int64
	Minutes   int64
	CoinsLeft int64
	Earnings  int64
}

// BillingClock owns elapsed time for every active session. Each session gets
// one ticking goroutine; the server-held counters are the single source of
// truth and client timers are display-only extrapolations. Tick broadcasts
// are best-effort — lost ticks never affect billing.
type BillingClock struct {
	mu      sync.Mutex
	runners map[string]*sessionRunner

	wallet     *wallet.Service
	reg        *presence.Registry
	met        *metrics.BillingMetrics
	log        *zap.Logger
	tick       time.Duration
	graceTicks int64
	svc        *SessionService
}

type sessionRunner struct {
	mu           sync.Mutex
	sessionID    string
	userID       string
	astrologerID string
	rate         int64
	elapsed      int64
	minutes      int64
	coinsLeft    int64
	earnings     int64
	offlineTicks int64
	stopped      bool
	done         chan struct{}
	stopOnce     sync.Once
}

// NewBillingClock creates the clock. tick is the advance granularity
// (1 second in production); grace bounds how long a session with all
// participants disconnected keeps billing before the system ends it.
func NewBillingClock(w *wallet.Service, reg *presence.Registry, met *metrics.BillingMetrics, tick, grace time.Duration, log *zap.Logger) *BillingClock {
	var graceTicks int64
	if grace > 0 && tick > 0 {
		graceTicks = int64(grace / tick)
		if graceTicks < 1 {
			graceTicks = 1
		}
	}
	return &BillingClock{
		runners:    make(map[string]*sessionRunner),
		wallet:     w,
		reg:        reg,
		met:        met,
		log:        log,
		tick:       tick,
		graceTicks: graceTicks,
	}
}

// bind wires the lifecycle coordinator used for forced terminations.
func (c *BillingClock) bind(svc *SessionService) { c.svc = svc }

// Start begins ticking for the session, resuming from the entity's stored
// counters. Starting an already-running session is a no-op.
func (c *BillingClock) Start(ent *model.ChatSession) {
	r := &sessionRunner{
		sessionID:    ent.ID,
		userID:       ent.UserID,
		astrologerID: ent.AstrologerID,
		rate:         ent.RatePerMinute,
		elapsed:      ent.ElapsedSeconds,
		minutes:      ent.MinutesBilled,
		coinsLeft:    ent.UserCoinsSnapshot,
		earnings:     ent.AstrologerEarnings,
		done:         make(chan struct{}),
	}
	c.mu.Lock()
	if _, exists := c.runners[ent.ID]; exists {
		c.mu.Unlock()
		return
	}
	c.runners[ent.ID] = r
	c.mu.Unlock()

	c.met.SessionStarted()
	go c.run(r)
}

// Stop halts the session's ticking synchronously and returns the final
// counters. After Stop returns no further charge can occur: any in-flight
// billing attempt holds the runner lock Stop must acquire. The second return
// is false when no runner is ticking for the session.
func (c *BillingClock) Stop(sessionID string) (BillingSnapshot, bool) {
	c.mu.Lock()
	r, ok := c.runners[sessionID]
	if ok {
		delete(c.runners, sessionID)
	}
	c.mu.Unlock()
	if !ok {
		return BillingSnapshot{}, false
	}

	r.mu.Lock()
	r.stopped = true
	snap := BillingSnapshot{Elapsed: r.elapsed, Minutes: r.minutes, CoinsLeft: r.coinsLeft, Earnings: r.earnings}
	r.mu.Unlock()
	r.stopOnce.Do(func() { close(r.done) })
	c.met.SessionEnded()
	return snap, true
}

// Snapshot returns the live counters for a running session, for reconnecting
// clients that must re-fetch authoritative state.
func (c *BillingClock) Snapshot(sessionID string) (BillingSnapshot, bool) {
	c.mu.Lock()
	r, ok := c.runners[sessionID]
	c.mu.Unlock()
	if !ok {
		return BillingSnapshot{}, false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return BillingSnapshot{Elapsed: r.elapsed, Minutes: r.minutes, CoinsLeft: r.coinsLeft, Earnings: r.earnings}, true
}

func (c *BillingClock) run(r *sessionRunner) {
	t := time.NewTicker(c.tick)
	defer t.Stop()
	for {
		select {
		case <-r.done:
			return
		case <-t.C:
			if c.step(context.Background(), r) {
				return
			}
		}
	}
}

// step advances the session by one tick and settles any crossed minute
// boundaries. Returns true when the runner must exit. The runner lock is held
// across the billing attempt so Stop is a synchronous barrier; it is released
// before calling End to avoid re-entry through Stop.
func (c *BillingClock) step(ctx context.Context, r *sessionRunner) bool {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return true
	}
	r.elapsed++

	if c.graceTicks > 0 {
		if c.reg.Online(r.userID) || c.reg.Online(r.astrologerID) {
			r.offlineTicks = 0
		} else {
			r.offlineTicks++
		}
	}

	c.sendBoth(r, constants.EventTimerTick, model.TimerTickPayload{ElapsedSeconds: r.elapsed})

	// Settle every whole minute boundary crossed — normally one, but a
	// delayed tick task catches up here.
	for r.minutes < r.elapsed/60 {
		idx := r.minutes + 1
		balance, err := c.wallet.ChargeMinute(ctx, r.sessionID, idx, r.userID, r.rate)
		if errors.Is(err, errs.ErrDuplicateCharge) {
			// This minute was already settled by an earlier delivery;
			// reconcile the counter and move on.
			r.minutes = idx
			continue
		}
		if errors.Is(err, errs.ErrInsufficientFunds) {
			r.stopped = true
			r.mu.Unlock()
			c.met.ForcedEnd(model.EndReasonInsufficientCoins)
			c.sendBoth(r, constants.EventInsufficientCoins, model.InsufficientCoinsPayload{Required: r.rate, Current: balance})
			c.sendBoth(r, constants.EventForceEndChat, model.ForceEndChatPayload{Reason: ForceEndReasonInsufficientCoins})
			if _, endErr := c.svc.End(ctx, r.sessionID, model.EndedBySystem, model.EndReasonInsufficientCoins); endErr != nil {
				c.log.Error("forced end failed", zap.String("session_id", r.sessionID), zap.Error(endErr))
			}
			return true
		}
		if err != nil {
			// Transient store failure: leave the boundary unsettled and
			// retry on the next tick. The idempotent ledger key makes the
			// retry safe.
			c.log.Warn("minute charge failed",
				zap.String("session_id", r.sessionID),
				zap.Int64("minute_index", idx),
				zap.Error(err))
			break
		}

		r.minutes = idx
		r.coinsLeft = balance
		r.earnings += r.rate
		c.met.MinuteBilled(r.rate)
		c.svc.persistBillingProgress(ctx, r.sessionID, r.elapsed, r.minutes, r.coinsLeft, r.earnings)
		c.sendBoth(r, constants.EventMinuteBilled, model.MinuteBilledPayload{
			Minutes:            r.minutes,
			CoinsLeft:          r.coinsLeft,
			AstrologerEarnings: r.earnings,
		})
		c.log.Info("minute billed",
			zap.String("session_id", r.sessionID),
			zap.Int64("minute", r.minutes),
			zap.Int64("coins_left", r.coinsLeft))
	}

	if c.graceTicks > 0 && r.offlineTicks >= c.graceTicks {
		r.stopped = true
		r.mu.Unlock()
		c.met.ForcedEnd(model.EndReasonPresenceLost)
		c.sendBoth(r, constants.EventForceEndChat, model.ForceEndChatPayload{Reason: ForceEndReasonPresenceLost})
		if _, endErr := c.svc.End(ctx, r.sessionID, model.EndedBySystem, model.EndReasonPresenceLost); endErr != nil {
			c.log.Error("forced end failed", zap.String("session_id", r.sessionID), zap.Error(endErr))
		}
		c.log.Info("session abandoned, auto-ended", zap.String("session_id", r.sessionID))
		return true
	}

	r.mu.Unlock()
	return false
}

func (c *BillingClock) sendBoth(r *sessionRunner, event string, data any) {
	c.reg.Send(r.userID, event, data)
	c.reg.Send(r.astrologerID, event, data)
}
