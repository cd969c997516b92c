package model

import "encoding/json"

// Inbound event names (client -> server).
const (
	EventJoin           = "join"
	EventCodeChange     = "codeChange"
	EventLeaveRoom      = "leaveRoom"
	EventTyping         = "typing"
	EventLanguageChange = "languageChange"
)

// Outbound event names (server -> client).
const (
	EventUserJoined     = "userJoined"
	EventCodeUpdate     = "codeUpdate"
	EventUserTyping     = "userTyping"
	EventLanguageUpdate = "languageUpdate"
	EventRoomState      = "roomState"
)

type Participant struct {
	ConnID      string `json:"-"`
	UserName    string `json:"userName"`
	PeerAddress string `json:"peerAddress"`
}

type Room struct {
	ID              string        `json:"room_id"`
	Participants    []Participant `json:"participants"`
	CurrentCode     string        `json:"current_code"`
	CurrentLanguage string        `json:"current_language"`
}

// RosterEntry is what userJoined broadcasts carry. PeerAddress is opaque:
// clients hand it to the call-negotiation side, the server never reads it.
type RosterEntry struct {
	UserName    string `json:"userName"`
	PeerAddress string `json:"peerAddress"`
}

// Envelope is the inbound wire format. Payload stays raw until the
// event name tells us which struct to decode into.
type Envelope struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type JoinPayload struct {
	RoomID      string `json:"roomId"`
	UserName    string `json:"userName"`
	PeerAddress string `json:"peerAddress"`
}

type CodeChangePayload struct {
	RoomID string `json:"roomId"`
	Code   string `json:"code"`
}

type TypingPayload struct {
	RoomID   string `json:"roomId"`
	UserName string `json:"userName"`
}

type LanguageChangePayload struct {
	RoomID   string `json:"roomId"`
	Language string `json:"language"`
}

// Message is the outbound wire format.
type Message struct {
	Event   string `json:"event"`
	Payload any    `json:"payload"`
}

// RoomStatePayload is sent to a joining connection only, so a late joiner
// starts from the current mirror instead of an empty editor.
type RoomStatePayload struct {
	Code     string `json:"code"`
	Language string `json:"language"`
}

// Wire carries outbound messages from the relay to a connection's
// websocket writer.
type Wire struct {
	TX chan Message
}

func NewWire() Wire {
	return Wire{
		TX: make(chan Message, 64),
	}
}
