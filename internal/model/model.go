package model

import "time"

// Session is the API view of a chat session (not GORM entity).
type Session struct {
	ID                 string     `json:"session_id"`
	UserID             string     `json:"user_id"`
	AstrologerID       string     `json:"astrologer_id"`
	RatePerMinute      int64      `json:"rate_per_minute"`
	State              string     `json:"state"`
	StartedAt          time.Time  `json:"started_at"`
	EndedAt            *time.Time `json:"ended_at,omitempty"`
	ElapsedSeconds     int64      `json:"elapsed_seconds"`
	MinutesBilled      int64      `json:"minutes_billed"`
	UserCoinsSnapshot  int64      `json:"user_coins_snapshot"`
	AstrologerEarnings int64      `json:"astrologer_earnings"`
	EndedBy            string     `json:"ended_by,omitempty"`
	EndReason          string     `json:"end_reason,omitempty"`
}

// Message is the API view of a chat message.
type Message struct {
	ID         string    `json:"message_id"`
	SessionID  string    `json:"session_id"`
	SenderID   string    `json:"sender_id"`
	ReceiverID string    `json:"receiver_id"`
	Content    string    `json:"content"`
	CreatedAt  time.Time `json:"created_at"`
}

// CreateRoomRequest is the body for POST /api/chat/create-room.
type CreateRoomRequest struct {
	UserID       string `json:"user_id" binding:"required"`
	AstrologerID string `json:"astrologer_id" binding:"required"`
}

// AcceptChatRequest is the body for POST /api/chat/accept.
type AcceptChatRequest struct {
	AstrologerID string `json:"astrologer_id" binding:"required"`
	RequestID    string `json:"request_id" binding:"required"`
}

// EndChatRequest is the body for POST /api/chat/end.
type EndChatRequest struct {
	SessionID string `json:"session_id" binding:"required"`
	EndedBy   string `json:"ended_by" binding:"required"` // user or astrologer
}

// SendMessageRequest is the body for POST /api/chat/send.
type SendMessageRequest struct {
	SessionID  string `json:"session_id" binding:"required"`
	SenderID   string `json:"sender_id" binding:"required"`
	ReceiverID string `json:"receiver_id" binding:"required"`
	Content    string `json:"content" binding:"required"`
}

// TopupRequest is the body for POST /api/wallet/topup. The payment itself is
// verified upstream; this records the resulting coin credit.
type TopupRequest struct {
	UserID string `json:"user_id" binding:"required"`
	Amount int64  `json:"amount" binding:"required,gt=0"`
}

// BalanceResponse is the response for GET /api/wallet/balance/:participant_id.
type BalanceResponse struct {
	ParticipantID string `json:"participant_id"`
	Balance       int64  `json:"balance"`
}

// EarningsResponse is the response for GET /api/astrologers/:id/earnings.
type EarningsResponse struct {
	AstrologerID string `json:"astrologer_id"`
	TotalCoins   int64  `json:"total_coins"`
	Sessions     int64  `json:"sessions"`
}

// SettlementRecord is one settlement line in the earnings history.
type SettlementRecord struct {
	SessionID string    `json:"session_id"`
	Coins     int64     `json:"coins"`
	CreatedAt time.Time `json:"created_at"`
}

// AvailabilityRequest is the body for PUT /api/astrologers/:id/status.
type AvailabilityRequest struct {
	Availability string `json:"availability" binding:"required,oneof=online offline"`
}
