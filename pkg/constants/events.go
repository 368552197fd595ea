package constants

// Canonical socket event vocabulary. Handlers accept exactly these names;
// legacy client aliases (chatAccepted, chatRoomId, ...) are rejected at the
// boundary.

// Client -> server.
const (
	EventUserOnline            = "userOnline"
	EventAstrologerOnline      = "astrologerOnline"
	EventUserRequestsChat      = "userRequestsChat"
	EventAstrologerAcceptsChat = "astrologerAcceptsChat"
	EventJoinSession           = "joinSession"
	EventSendMessage           = "sendMessage"
	EventEndChat               = "endChat"
)

// Server -> client.
const (
	EventIncomingChatRequest = "incomingChatRequest"
	EventChatAccepted        = "chat-accepted"
	EventSessionCreated      = "session-created"
	EventReceiveMessage      = "receiveMessage"
	EventTimerTick           = "timer-tick"
	EventMinuteBilled        = "minute-billed"
	EventForceEndChat        = "force-end-chat"
	EventChatEnded           = "chatEnded"
	EventInsufficientCoins   = "insufficient-coins"
	EventRequestRejected     = "request-rejected"
	EventError               = "error"
)
