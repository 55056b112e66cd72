package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/MarcoPoloResearchLab/collaboard/internal/access"
	"github.com/MarcoPoloResearchLab/collaboard/internal/board"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const outboundBufferSize = 256

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// connection is one persistent client attachment. Its room and participant
// fields are touched only by the read loop, so they need no locking; the
// write loop owns the socket's write side.
type connection struct {
	id      string
	socket  *websocket.Conn
	handler *realtimeHandler

	ctx    context.Context
	cancel context.CancelFunc

	outbound chan Envelope

	roomKey       string
	participantID string
	hubCancel     context.CancelFunc
}

// realtimeHandler carries the dependencies shared by every connection.
type realtimeHandler struct {
	store    *board.Store
	registry Registry
	gate     *access.Gate
	hub      *Hub
	logger   *zap.Logger
	nowMilli func() int64
}

func (h *realtimeHandler) handleWebsocket(c *gin.Context) {
	socket, err := wsUpgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	ctx, cancel := context.WithCancel(c.Request.Context())
	conn := &connection{
		id:       uuid.NewString(),
		socket:   socket,
		handler:  h,
		ctx:      ctx,
		cancel:   cancel,
		outbound: make(chan Envelope, outboundBufferSize),
	}

	go conn.writeLoop()
	conn.readLoop()
	conn.disconnect()
	cancel()
	_ = socket.Close()
}

func (c *connection) readLoop() {
	for {
		var envelope Envelope
		if err := c.socket.ReadJSON(&envelope); err != nil {
			return
		}
		c.dispatch(envelope)
	}
}

func (c *connection) writeLoop() {
	for {
		select {
		case envelope := <-c.outbound:
			if err := c.socket.WriteJSON(envelope); err != nil {
				c.cancel()
				return
			}
		case <-c.ctx.Done():
			return
		}
	}
}

// send queues an envelope for delivery. A full buffer drops the message;
// the periodic resync is the repair path for anything missed.
func (c *connection) send(envelope Envelope) {
	select {
	case c.outbound <- envelope:
	default:
		c.handler.logger.Warn("outbound buffer full, dropping message",
			zap.String("connection", c.id),
			zap.String("message_type", envelope.Type))
	}
}

func (c *connection) sendError(message string) {
	c.send(NewEnvelope(MessageError, ErrorPayload{Message: message}))
}

// dispatch routes one inbound envelope. Failures inside a handler become a
// scoped error reply; they never terminate the connection or the room.
func (c *connection) dispatch(envelope Envelope) {
	switch envelope.Type {
	case MessageJoinRoom:
		c.handleJoin(envelope.Data)
	case MessageUserReady:
		c.handleReady(envelope.Data)
	case MessageDrawEvent:
		c.handleDraw(envelope.Data)
	case MessageClearCanvas:
		c.handleClear()
	case MessageCheckRoomPassword:
		c.handleCheckPassword(envelope.Data)
	case MessageSetRoomPassword:
		c.handleSetPassword(envelope.Data)
	case MessageRemoveRoomPassword:
		c.handleRemovePassword(envelope.Data)
	case MessageCheckOwnership:
		c.handleCheckOwnership(envelope.Data)
	case MessageRequestBoardSync:
		c.handleResync(envelope.Data)
	default:
		c.sendError("unknown message type")
	}
}

func (c *connection) handleJoin(data json.RawMessage) {
	var payload JoinRoomPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		c.sendError("invalid join payload")
		return
	}
	key, err := board.NewRoomKey(payload.RoomID)
	if err != nil {
		c.sendError("invalid room id")
		return
	}

	participantID := payload.UserID
	if participantID == "" {
		participantID = c.id
	}

	h := c.handler
	decision, err := h.gate.AuthorizeJoin(c.ctx, key, participantID, payload.Password, payload.HasLocalAuth)
	if err != nil {
		c.sendError("Error joining room")
		return
	}
	if decision == access.PasswordRequired {
		c.send(NewEnvelope(MessagePasswordRequired, RoomScopedPayload{RoomID: key.String()}))
		return
	}

	room, err := h.store.EnsureRoom(c.ctx, key, participantID)
	if err != nil {
		c.sendError("Error joining room")
		return
	}

	if c.roomKey != "" && c.roomKey != key.String() {
		c.leaveRoom()
	}

	session, evicted := h.registry.Join(key.String(), c.id, participantID, payload.UserName)
	c.roomKey = key.String()
	c.participantID = participantID

	if c.hubCancel == nil {
		subCtx, subCancel := context.WithCancel(c.ctx)
		stream, _ := h.hub.Subscribe(subCtx, c.roomKey, c.id)
		c.hubCancel = subCancel
		go c.pumpHub(subCtx, stream)
	}
	if evicted != "" {
		h.logger.Info("participant reconnected, stale session evicted",
			zap.String("room", c.roomKey),
			zap.String("participant", participantID),
			zap.String("stale_connection", evicted))
	}

	history, err := h.store.ReadAll(c.ctx, key)
	if err != nil {
		// Deliver an empty snapshot rather than failing the join; the
		// periodic resync will repair it.
		history = nil
	}

	// The registry may have changed while the log was read; re-validate
	// instead of assuming the session survived the await.
	if _, ok := h.registry.Lookup(c.roomKey, c.id); !ok {
		return
	}

	c.send(NewEnvelope(MessageRoomData, RoomDataPayload{
		Users:   h.registry.Members(c.roomKey),
		History: encodeHistory(history, h.logger),
	}))
	c.send(NewEnvelope(MessageUserRights, UserRightsPayload{
		IsOwner: room.OwnerID == participantID,
	}))

	h.hub.Publish(c.roomKey, "", NewEnvelope(MessageUserJoined, session))
	h.hub.Publish(c.roomKey, "", NewEnvelope(MessageUserCount, UserCountPayload{
		Count: h.registry.MemberCount(c.roomKey),
	}))
}

func (c *connection) handleReady(data json.RawMessage) {
	var payload RoomScopedPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		c.sendError("invalid ready payload")
		return
	}
	key, err := board.NewRoomKey(payload.RoomID)
	if err != nil {
		c.sendError("invalid room id")
		return
	}

	h := c.handler
	room, found, err := h.store.FindRoom(c.ctx, key)
	if err != nil || !found {
		return
	}

	// The session might have been evicted while the room was loaded.
	if _, ok := h.registry.Lookup(key.String(), c.id); !ok {
		return
	}

	c.send(NewEnvelope(MessageRoomPasswordStatus, RoomPasswordStatusPayload{
		IsPasswordProtected: room.IsPasswordProtected,
	}))
	c.send(NewEnvelope(MessageUserRights, UserRightsPayload{
		IsOwner: c.participantID != "" && room.OwnerID == c.participantID,
	}))
}

func (c *connection) handleDraw(data json.RawMessage) {
	if c.roomKey == "" {
		c.sendError("join a room before drawing")
		return
	}
	op, err := board.DecodeOperation(data)
	if err != nil {
		c.sendError("invalid draw event")
		return
	}
	if op.OccurredAt() == 0 {
		op = board.Stamp(op, c.handler.nowMilli())
	}

	h := c.handler
	key := board.RoomKey(c.roomKey)

	// Image placements go to the image collection so that log truncation
	// can never drop them; a failed image save aborts before broadcast.
	if placement, ok := op.(board.ImagePlacement); ok {
		if err := h.store.AppendImage(c.ctx, key, placement); err != nil {
			c.sendError("Error saving image")
			return
		}
	}

	encoded, err := board.EncodeOperation(op)
	if err != nil {
		c.sendError("invalid draw event")
		return
	}
	h.hub.Publish(c.roomKey, c.id, Envelope{Type: MessageDrawEvent, Data: encoded})

	if _, ok := op.(board.ImagePlacement); !ok {
		// Broadcast already happened: live peers stay in sync even when
		// durability briefly fails.
		if err := h.store.Append(c.ctx, key, op); err != nil {
			c.sendError("Failed to save drawing event")
		}
	}
}

func (c *connection) handleClear() {
	if c.roomKey == "" {
		return
	}
	h := c.handler
	h.hub.Publish(c.roomKey, c.id, NewEnvelope(MessageClearCanvas, nil))
	if err := h.store.Clear(c.ctx, board.RoomKey(c.roomKey)); err != nil {
		c.sendError("Error clearing board")
	}
}

func (c *connection) handleCheckPassword(data json.RawMessage) {
	var payload PasswordPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		c.sendError("invalid password payload")
		return
	}
	key, err := board.NewRoomKey(payload.RoomID)
	if err != nil {
		c.sendError("invalid room id")
		return
	}

	participantID := c.participantID
	if participantID == "" {
		participantID = c.id
	}
	result, err := c.handler.gate.CheckPassword(c.ctx, key, participantID, payload.Password)
	if err != nil {
		result = access.CheckResult{Success: false, Message: "Error checking password"}
	}
	c.send(NewEnvelope(MessagePasswordCheckResult, PasswordCheckResultPayload{
		Success: result.Success,
		Message: result.Message,
	}))
}

func (c *connection) handleSetPassword(data json.RawMessage) {
	var payload PasswordPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		c.sendError("invalid password payload")
		return
	}
	key, err := board.NewRoomKey(payload.RoomID)
	if err != nil {
		c.sendError("invalid room id")
		return
	}

	h := c.handler
	if err := h.gate.SetPassword(c.ctx, key, c.participantID, payload.Password); err != nil {
		if errors.Is(err, access.ErrNotOwner) {
			c.sendError("Only the board owner can set a password")
		} else {
			c.sendError("Error setting password")
		}
		return
	}
	h.hub.Publish(key.String(), c.id, NewEnvelope(MessageRoomPasswordUpdated, RoomPasswordUpdatedPayload{
		HasPassword: true,
	}))
}

func (c *connection) handleRemovePassword(data json.RawMessage) {
	var payload RoomScopedPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		c.sendError("invalid password payload")
		return
	}
	key, err := board.NewRoomKey(payload.RoomID)
	if err != nil {
		c.sendError("invalid room id")
		return
	}

	h := c.handler
	if err := h.gate.RemovePassword(c.ctx, key, c.participantID); err != nil {
		if errors.Is(err, access.ErrNotOwner) {
			c.sendError("Only the board owner can remove the password")
		} else {
			c.sendError("Error removing password")
		}
		return
	}
	h.hub.Publish(key.String(), c.id, NewEnvelope(MessageRoomPasswordUpdated, RoomPasswordUpdatedPayload{
		HasPassword: false,
	}))
}

func (c *connection) handleCheckOwnership(data json.RawMessage) {
	var payload RoomScopedPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		c.sendError("invalid ownership payload")
		return
	}
	key, err := board.NewRoomKey(payload.RoomID)
	if err != nil {
		c.sendError("invalid room id")
		return
	}

	isOwner, err := c.handler.gate.CheckOwnership(c.ctx, key, c.participantID)
	if err != nil {
		isOwner = false
	}
	c.send(NewEnvelope(MessageUserRights, UserRightsPayload{IsOwner: isOwner}))
}

func (c *connection) handleResync(data json.RawMessage) {
	var payload RoomScopedPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		c.sendError("invalid sync payload")
		return
	}
	key, err := board.NewRoomKey(payload.RoomID)
	if err != nil {
		c.sendError("invalid room id")
		return
	}

	history, err := c.handler.store.ReadAll(c.ctx, key)
	if err != nil {
		c.sendError("Error syncing board")
		return
	}
	c.send(NewEnvelope(MessageBoardSync, BoardSyncPayload{
		History: encodeHistory(history, c.handler.logger),
	}))
}

func (c *connection) pumpHub(ctx context.Context, stream <-chan Envelope) {
	for {
		select {
		case envelope := <-stream:
			c.send(envelope)
		case <-ctx.Done():
			return
		}
	}
}

func (c *connection) leaveRoom() {
	if c.roomKey == "" {
		return
	}
	if c.hubCancel != nil {
		c.hubCancel()
		c.hubCancel = nil
	}
	h := c.handler
	session, ok := h.registry.Leave(c.roomKey, c.id)
	if ok {
		h.hub.Publish(c.roomKey, "", NewEnvelope(MessageUserLeft, UserLeftPayload{
			ConnectionID: session.ConnectionID,
			Name:         session.Name,
			UserID:       session.ParticipantID,
		}))
		h.hub.Publish(c.roomKey, "", NewEnvelope(MessageUserCount, UserCountPayload{
			Count: h.registry.MemberCount(c.roomKey),
		}))
	}
	c.roomKey = ""
}

func (c *connection) disconnect() {
	c.leaveRoom()
}

func encodeHistory(operations []board.Operation, logger *zap.Logger) []json.RawMessage {
	history := make([]json.RawMessage, 0, len(operations))
	for _, op := range operations {
		encoded, err := board.EncodeOperation(op)
		if err != nil {
			if logger != nil {
				logger.Warn("skipping unencodable operation", zap.Error(err))
			}
			continue
		}
		history = append(history, encoded)
	}
	return history
}
