package server

import (
	"encoding/json"

	"github.com/MarcoPoloResearchLab/collaboard/internal/registry"
)

// Message types carried over the persistent connection. Client-to-server
// types double as dispatch cases; server-to-client types name the replies
// and broadcasts.
const (
	// client -> server
	MessageJoinRoom           = "joinRoom"
	MessageUserReady          = "userReady"
	MessageDrawEvent          = "drawEvent"
	MessageClearCanvas        = "clearCanvas"
	MessageCheckRoomPassword  = "checkRoomPassword"
	MessageSetRoomPassword    = "setRoomPassword"
	MessageRemoveRoomPassword = "removeRoomPassword"
	MessageCheckOwnership     = "checkOwnership"
	MessageRequestBoardSync   = "requestBoardSync"

	// server -> client
	MessageRoomData            = "roomData"
	MessageUserRights          = "userRights"
	MessagePasswordRequired    = "passwordRequired"
	MessagePasswordCheckResult = "passwordCheckResult"
	MessageRoomPasswordUpdated = "roomPasswordUpdated"
	MessageRoomPasswordStatus  = "roomPasswordStatus"
	MessageBoardSync           = "boardSync"
	MessageUserJoined          = "userJoined"
	MessageUserLeft            = "userLeft"
	MessageUserCount           = "userCount"
	MessageError               = "error"
)

// Envelope frames every message on the persistent connection.
type Envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// NewEnvelope marshals a payload into an Envelope. Marshal failures are
// programming errors on our own payload types, so they panic rather than
// propagate.
func NewEnvelope(messageType string, payload interface{}) Envelope {
	if payload == nil {
		return Envelope{Type: messageType}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		panic(err)
	}
	return Envelope{Type: messageType, Data: data}
}

// JoinRoomPayload asks to attach this connection to a room.
type JoinRoomPayload struct {
	RoomID       string `json:"roomId"`
	UserName     string `json:"userName"`
	UserID       string `json:"userId"`
	Password     string `json:"password,omitempty"`
	HasLocalAuth bool   `json:"hasLocalAuth,omitempty"`
}

// RoomScopedPayload names a room and nothing else.
type RoomScopedPayload struct {
	RoomID string `json:"roomId"`
}

// PasswordPayload carries a room password for check/set operations.
type PasswordPayload struct {
	RoomID   string `json:"roomId"`
	Password string `json:"password,omitempty"`
}

// RoomDataPayload is the join snapshot: full membership plus the full
// (truncated) operation log, delivered as one message.
type RoomDataPayload struct {
	Users   []registry.Session `json:"users"`
	History []json.RawMessage  `json:"history"`
}

// BoardSyncPayload re-delivers the current log on a resync request.
type BoardSyncPayload struct {
	History []json.RawMessage `json:"history"`
}

// UserRightsPayload reports ownership for the asking connection.
type UserRightsPayload struct {
	IsOwner bool `json:"isOwner"`
}

// PasswordCheckResultPayload reports the outcome of checkRoomPassword.
type PasswordCheckResultPayload struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// RoomPasswordUpdatedPayload announces a password change to the room.
type RoomPasswordUpdatedPayload struct {
	HasPassword bool `json:"hasPassword"`
}

// RoomPasswordStatusPayload answers userReady with the protection flag.
type RoomPasswordStatusPayload struct {
	IsPasswordProtected bool `json:"isPasswordProtected"`
}

// UserLeftPayload announces a departed session.
type UserLeftPayload struct {
	ConnectionID string `json:"id"`
	Name         string `json:"name"`
	UserID       string `json:"userId,omitempty"`
}

// UserCountPayload carries the room's live member count.
type UserCountPayload struct {
	Count int `json:"count"`
}

// ErrorPayload is the scoped failure reply; it never tears the connection.
type ErrorPayload struct {
	Message string `json:"message"`
}
