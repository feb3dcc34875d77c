package protocol

// Client -> broker frame types.
const (
	TypeAuth        = "auth"
	TypeSearch      = "search"
	TypeMessage     = "message"
	TypeEndChat     = "end_chat"
	TypePing        = "ping"
	TypeTypingStart = "typing_start"
	TypeTypingStop  = "typing_stop"
)

// Broker -> client frame types. TypeMessage, TypeTypingStart and
// TypeTypingStop are shared with the client direction.
const (
	TypeAuthSuccess         = "auth_success"
	TypeAuthError           = "auth_error"
	TypeSearching           = "searching"
	TypeMatched             = "matched"
	TypePartnerDisconnected = "partner_disconnected"
	TypePong                = "pong"
	TypeChatEnded           = "chat_ended"
	TypeError               = "error"
)

// Websocket close codes used by the broker.
const (
	CloseNormal             = 1000
	CloseConnectionNotFound = 4000
	CloseAuthFailed         = 4001
)

// ClientMessage is a frame sent by a client. Only the fields relevant to
// Type are populated.
type ClientMessage struct {
	Type     string `json:"type"`
	APIKey   string `json:"apiKey,omitempty"`
	Text     string `json:"text,omitempty"`
	ImageURL string `json:"imageUrl,omitempty"`
}

// ServerMessage is a frame sent by the broker.
type ServerMessage struct {
	Type      string `json:"type"`
	PartnerID string `json:"partnerId,omitempty"`
	From      string `json:"from,omitempty"`
	Text      string `json:"text,omitempty"`
	ImageURL  string `json:"imageUrl,omitempty"`
	Error     string `json:"error,omitempty"`
}

// Simple constructors for the broker's replies.

func AuthSuccess() ServerMessage { return ServerMessage{Type: TypeAuthSuccess} }

func AuthError(reason string) ServerMessage {
	return ServerMessage{Type: TypeAuthError, Error: reason}
}

func Searching() ServerMessage { return ServerMessage{Type: TypeSearching} }

func Matched(partnerID string) ServerMessage {
	return ServerMessage{Type: TypeMatched, PartnerID: partnerID}
}

func Relayed(from, text, imageURL string) ServerMessage {
	return ServerMessage{Type: TypeMessage, From: from, Text: text, ImageURL: imageURL}
}

func PartnerDisconnected() ServerMessage { return ServerMessage{Type: TypePartnerDisconnected} }

func Pong() ServerMessage { return ServerMessage{Type: TypePong} }

func ChatEnded() ServerMessage { return ServerMessage{Type: TypeChatEnded} }

func Typing(kind string) ServerMessage { return ServerMessage{Type: kind} }

func ProtocolError(reason string) ServerMessage {
	return ServerMessage{Type: TypeError, Error: reason}
}
