package service

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/astroconnect/consult-service/internal/metrics"
	"github.com/astroconnect/consult-service/internal/model"
	"github.com/astroconnect/consult-service/internal/presence"
	"github.com/astroconnect/consult-service/internal/wallet"
)

// fakeConn captures events instead of writing them to a socket.
type fakeConn struct {
	mu     sync.Mutex
	events []capturedEvent
	closed bool
}

type capturedEvent struct {
	Event string
	Data  any
}

func (f *fakeConn) Send(event string, data any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, capturedEvent{Event: event, Data: data})
	return nil
}

func (f *fakeConn) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

// count returns how many captured events carry the given name.
func (f *fakeConn) count(event string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, e := range f.events {
		if e.Event == event {
			n++
		}
	}
	return n
}

// last returns the payload of the most recent event with the given name.
func (f *fakeConn) last(event string) (any, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.events) - 1; i >= 0; i-- {
		if f.events[i].Event == event {
			return f.events[i].Data, true
		}
	}
	return nil, false
}

// testEnv wires the full service stack against an in-memory store.
type testEnv struct {
	db      *gorm.DB
	reg     *presence.Registry
	wallet  *wallet.Service
	matcher *Matcher
	clock   *BillingClock
	svc     *SessionService
}

type envOptions struct {
	tick           time.Duration
	grace          time.Duration
	requestTimeout time.Duration
}

func defaultEnvOptions() envOptions {
	return envOptions{
		tick:           time.Second,
		grace:          0,
		requestTimeout: time.Minute,
	}
}

func newTestEnv(t *testing.T, opts envOptions) *testEnv {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	models := []any{
		&model.ChatSession{}, &model.ChatMessage{},
		&model.Wallet{}, &model.WalletLedgerEntry{},
		&model.AstrologerProfile{},
	}
	if err := db.AutoMigrate(models...); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	// One active session per pair, matching the production schema.
	if err := db.Exec(`CREATE UNIQUE INDEX IF NOT EXISTS ux_chat_sessions_active_pair
		ON chat_sessions (user_id, astrologer_id) WHERE state = 'active'`).Error; err != nil {
		t.Fatalf("create partial index: %v", err)
	}

	node, err := snowflake.NewNode(1)
	if err != nil {
		t.Fatalf("snowflake node: %v", err)
	}
	log := zap.NewNop()
	reg := presence.NewRegistry(log)
	w := wallet.NewService(db, node, log)
	m := NewMatcher(reg, opts.requestTimeout, log)
	clock := NewBillingClock(w, reg, metrics.NewNop(), opts.tick, opts.grace, log)
	svc := NewSessionService(db, reg, w, m, clock, log)
	return &testEnv{db: db, reg: reg, wallet: w, matcher: m, clock: clock, svc: svc}
}

// seedAstrologer inserts an available astrologer profile.
func (e *testEnv) seedAstrologer(t *testing.T, id string, rate int64) {
	t.Helper()
	profile := &model.AstrologerProfile{
		ID:            id,
		DisplayName:   "Astro " + id,
		RatePerMinute: rate,
		Availability:  "online",
	}
	if err := e.db.Create(profile).Error; err != nil {
		t.Fatalf("seed astrologer: %v", err)
	}
}

// fundUser gives the user a coin balance.
func (e *testEnv) fundUser(t *testing.T, userID string, coins int64) {
	t.Helper()
	if _, err := e.wallet.Topup(context.Background(), userID, coins); err != nil {
		t.Fatalf("fund user: %v", err)
	}
}

// connect registers a fake connection for the participant.
func (e *testEnv) connect(t *testing.T, id string, role presence.Role) *fakeConn {
	t.Helper()
	conn := &fakeConn{}
	e.reg.RegisterOnline(id, role, conn)
	return conn
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}
