package model

import "encoding/json"

// Envelope is the wire frame for socket events: {"event": ..., "data": {...}}.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Client -> server payloads.

type UserOnlinePayload struct {
	UserID string `json:"userId"`
}

type AstrologerOnlinePayload struct {
	AstrologerID string `json:"astrologerId"`
}

type UserRequestsChatPayload struct {
	AstrologerID string `json:"astrologerId"`
	UserID       string `json:"userId"`
	UserName     string `json:"userName"`
}

type AstrologerAcceptsChatPayload struct {
	RequestID string `json:"requestId"`
	UserID    string `json:"userId"`
}

type JoinSessionPayload struct {
	SessionID string `json:"sessionId"`
}

type SendMessagePayload struct {
	SessionID  string `json:"sessionId"`
	SenderID   string `json:"senderId"`
	ReceiverID string `json:"receiverId"`
	Content    string `json:"content"`
}

type EndChatPayload struct {
	SessionID string `json:"sessionId"`
	EndedBy   string `json:"endedBy"`
}

// Server -> client payloads.

type IncomingChatRequestPayload struct {
	RequestID string `json:"requestId"`
	UserID    string `json:"userId"`
	UserName  string `json:"userName"`
}

type ChatAcceptedPayload struct {
	SessionID string `json:"sessionId"`
}

type SessionCreatedPayload struct {
	SessionID string `json:"sessionId"`
}

type ReceiveMessagePayload struct {
	Message Message `json:"message"`
}

type TimerTickPayload struct {
	ElapsedSeconds int64 `json:"elapsedSeconds"`
}

type MinuteBilledPayload struct {
	Minutes            int64 `json:"minutes"`
	CoinsLeft          int64 `json:"coinsLeft"`
	AstrologerEarnings int64 `json:"astrologerEarnings"`
}

type ForceEndChatPayload struct {
	Reason string `json:"reason"`
}

type ChatEndedPayload struct {
	EndedBy         string `json:"endedBy"`
	SessionEarnings int64  `json:"sessionEarnings"`
	TotalCoins      int64  `json:"totalCoins"`
}

type InsufficientCoinsPayload struct {
	Required int64 `json:"required"`
	Current  int64 `json:"current"`
}

type RequestRejectedPayload struct {
	RequestID string `json:"requestId"`
}

type ErrorPayload struct {
	Message string `json:"message"`
}
