package model

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

// Session states and end attribution stored on chat_sessions rows.
const (
	SessionStateActive = "active"
	SessionStateEnded  = "ended"

	EndedByUser       = "user"
	EndedByAstrologer = "astrologer"
	EndedBySystem     = "system"

	EndReasonInsufficientCoins = "insufficient_coins"
	EndReasonPresenceLost      = "presence_lost"
)

// Ledger entry reasons. The wallet balance is the fold of a subject's entries.
const (
	LedgerReasonMinuteCharge = "minute_charge"
	LedgerReasonTopup        = "topup"
	LedgerReasonSettlement   = "settlement"
)

// ChatSession — сущность платной консультации (GORM).
// Rate is captured at session start and immutable for the session lifetime.
type ChatSession struct {
	ID             string     `gorm:"type:uuid;primaryKey"`
	UserID         string     `gorm:"type:uuid;not null;index:idx_chat_sessions_pair"`
	AstrologerID   string     `gorm:"type:uuid;not null;index:idx_chat_sessions_pair"`
	RatePerMinute  int64      `gorm:"not null"`
	State          string     `gorm:"size:20;not null;default:active"` // active, ended
	StartedAt      time.Time  `gorm:"not null"`
	EndedAt        *time.Time `gorm:"column:ended_at"`
	ElapsedSeconds int64      `gorm:"not null;default:0"`
	MinutesBilled  int64      `gorm:"not null;default:0"`
	// UserCoinsSnapshot mirrors the wallet balance as of the last successful charge.
	UserCoinsSnapshot  int64  `gorm:"not null;default:0"`
	AstrologerEarnings int64  `gorm:"not null;default:0"`
	EndedBy            string `gorm:"size:20;not null;default:''"`
	EndReason          string `gorm:"size:40;not null;default:''"`
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

func (ChatSession) TableName() string { return "chat_sessions" }

// ChatMessage — сообщение внутри сессии, append-only (GORM).
type ChatMessage struct {
	ID         string    `gorm:"type:uuid;primaryKey"`
	SessionID  string    `gorm:"type:uuid;not null;index"`
	SenderID   string    `gorm:"type:uuid;not null"`
	ReceiverID string    `gorm:"type:uuid;not null"`
	Content    string    `gorm:"type:text;not null"`
	CreatedAt  time.Time `gorm:"autoCreateTime"`
}

func (ChatMessage) TableName() string { return "chat_messages" }

// Wallet holds a participant's current coin balance. Every change goes
// through a WalletLedgerEntry written in the same transaction.
type Wallet struct {
	ParticipantID string `gorm:"type:uuid;primaryKey"`
	Balance       int64  `gorm:"not null;default:0"`
	UpdatedAt     time.Time
}

func (Wallet) TableName() string { return "wallets" }

// WalletLedgerEntry is the immutable audit record for a coin balance change.
// MinuteCharge entries are unique per (session_id, minute_index) so a retried
// tick cannot double-bill.
type WalletLedgerEntry struct {
	ID          snowflake.ID `gorm:"primaryKey"`
	SubjectID   string       `gorm:"type:uuid;not null;index"`
	Delta       int64        `gorm:"not null"`
	Reason      string       `gorm:"size:20;not null"`
	SessionID   *string      `gorm:"type:uuid;uniqueIndex:ux_ledger_session_minute,priority:1"`
	MinuteIndex *int64       `gorm:"uniqueIndex:ux_ledger_session_minute,priority:2"`
	CreatedAt   time.Time    `gorm:"autoCreateTime"`
}

func (WalletLedgerEntry) TableName() string { return "wallet_ledger_entries" }

// AstrologerProfile is the slice of the astrologer record this service reads:
// the current per-minute rate and the self-toggled availability flag.
type AstrologerProfile struct {
	ID            string `gorm:"type:uuid;primaryKey"`
	DisplayName   string `gorm:"size:120;not null"`
	RatePerMinute int64  `gorm:"not null"`
	Availability  string `gorm:"size:20;not null;default:offline"` // online, offline
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

func (AstrologerProfile) TableName() string { return "astrologer_profiles" }
