// Package client implements a participant endpoint: it maintains the
// persistent connection to the sync server, owns a local canvas replica, and
// keeps that replica converged through snapshots, live events, and the
// periodic resync.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"image"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/collaboard/internal/board"
	"github.com/MarcoPoloResearchLab/collaboard/internal/registry"
	"github.com/MarcoPoloResearchLab/collaboard/internal/replay"
	"github.com/MarcoPoloResearchLab/collaboard/internal/server"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	defaultResyncInterval = 30 * time.Second
	defaultCanvasWidth    = 1920
	defaultCanvasHeight   = 1080
	eventBufferSize       = 64
)

var (
	errMissingServerURL = errors.New("client: server url must be provided")
	errMissingRoomID    = errors.New("client: room id must be provided")
	errMissingUserName  = errors.New("client: user name must be provided")
	errNotConnected     = errors.New("client: not connected")
)

// Config describes one participant attachment.
type Config struct {
	ServerURL    string
	RoomID       string
	UserName     string
	UserID       string
	Password     string
	HasLocalAuth bool

	CanvasWidth    int
	CanvasHeight   int
	Images         replay.ImageSource
	ResyncInterval time.Duration
	Logger         *zap.Logger
}

// Client is one participant's view of a board. All exported methods are safe
// for concurrent use.
type Client struct {
	config Config
	logger *zap.Logger
	canvas *replay.Canvas

	socket  *websocket.Conn
	writeMu sync.Mutex

	canvasMu sync.Mutex

	mu                sync.RWMutex
	members           map[string]registry.Session
	memberCount       int
	isOwner           bool
	passwordProtected bool
	passwordRequired  bool
	lastError         string

	joined     chan struct{}
	joinedOnce sync.Once
	events     chan server.Envelope

	cancel context.CancelFunc
	done   chan struct{}
}

// New validates the configuration and allocates the local canvas. The client
// does not dial until Connect.
func New(cfg Config) (*Client, error) {
	if cfg.ServerURL == "" {
		return nil, errMissingServerURL
	}
	if cfg.RoomID == "" {
		return nil, errMissingRoomID
	}
	if cfg.UserName == "" {
		return nil, errMissingUserName
	}
	if cfg.CanvasWidth <= 0 {
		cfg.CanvasWidth = defaultCanvasWidth
	}
	if cfg.CanvasHeight <= 0 {
		cfg.CanvasHeight = defaultCanvasHeight
	}
	if cfg.ResyncInterval <= 0 {
		cfg.ResyncInterval = defaultResyncInterval
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	canvas, err := replay.NewCanvas(cfg.CanvasWidth, cfg.CanvasHeight, cfg.Images)
	if err != nil {
		return nil, err
	}

	return &Client{
		config:  cfg,
		logger:  cfg.Logger,
		canvas:  canvas,
		members: make(map[string]registry.Session),
		joined:  make(chan struct{}),
		events:  make(chan server.Envelope, eventBufferSize),
		done:    make(chan struct{}),
	}, nil
}

// Connect dials the server, starts the read and resync loops, and sends the
// join request. The snapshot lands asynchronously; wait on Joined.
func (c *Client) Connect(ctx context.Context) error {
	socket, _, err := websocket.DefaultDialer.DialContext(ctx, c.config.ServerURL, nil)
	if err != nil {
		return err
	}
	c.socket = socket

	runCtx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	go c.readLoop()
	go c.resyncLoop(runCtx)

	return c.write(server.NewEnvelope(server.MessageJoinRoom, server.JoinRoomPayload{
		RoomID:       c.config.RoomID,
		UserName:     c.config.UserName,
		UserID:       c.config.UserID,
		Password:     c.config.Password,
		HasLocalAuth: c.config.HasLocalAuth,
	}))
}

// Close tears down the connection and stops the loops.
func (c *Client) Close() error {
	if c.cancel != nil {
		c.cancel()
	}
	if c.socket == nil {
		return nil
	}
	return c.socket.Close()
}

// Joined is closed once the first room snapshot has been applied.
func (c *Client) Joined() <-chan struct{} {
	return c.joined
}

// Done is closed when the read loop exits.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Events exposes every server message after it has been applied, for callers
// that render presence or errors. Slow consumers miss events rather than
// stalling the read loop.
func (c *Client) Events() <-chan server.Envelope {
	return c.events
}

// Snapshot returns a copy of the local replica's pixels.
func (c *Client) Snapshot() *image.RGBA {
	c.canvasMu.Lock()
	defer c.canvasMu.Unlock()
	source := c.canvas.Image()
	clone := image.NewRGBA(source.Bounds())
	copy(clone.Pix, source.Pix)
	return clone
}

// Members returns the last known room membership.
func (c *Client) Members() []registry.Session {
	c.mu.RLock()
	defer c.mu.RUnlock()
	members := make([]registry.Session, 0, len(c.members))
	for _, session := range c.members {
		members = append(members, session)
	}
	return members
}

// MemberCount returns the last announced member count.
func (c *Client) MemberCount() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.memberCount
}

// IsOwner reports the last ownership verdict from the server.
func (c *Client) IsOwner() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.isOwner
}

// PasswordProtected reports the room's protection flag from userReady.
func (c *Client) PasswordProtected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.passwordProtected
}

// PasswordRequired reports whether the join was refused pending a password.
func (c *Client) PasswordRequired() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.passwordRequired
}

// LastError returns the most recent scoped error message from the server.
func (c *Client) LastError() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastError
}

// Draw applies the operation locally and sends it to the room.
func (c *Client) Draw(op board.Operation) error {
	encoded, err := board.EncodeOperation(op)
	if err != nil {
		return err
	}
	c.canvasMu.Lock()
	c.canvas.ApplyLive(op)
	c.canvasMu.Unlock()
	return c.write(server.Envelope{Type: server.MessageDrawEvent, Data: encoded})
}

// ClearCanvas wipes the local replica and asks the room to do the same.
func (c *Client) ClearCanvas() error {
	c.canvasMu.Lock()
	c.canvas.Clear()
	c.canvasMu.Unlock()
	return c.write(server.NewEnvelope(server.MessageClearCanvas, server.RoomScopedPayload{RoomID: c.config.RoomID}))
}

// CheckPassword submits a password probe without joining.
func (c *Client) CheckPassword(password string) error {
	return c.write(server.NewEnvelope(server.MessageCheckRoomPassword, server.PasswordPayload{
		RoomID:   c.config.RoomID,
		Password: password,
	}))
}

// SetPassword asks the server to protect the room. Owner only.
func (c *Client) SetPassword(password string) error {
	return c.write(server.NewEnvelope(server.MessageSetRoomPassword, server.PasswordPayload{
		RoomID:   c.config.RoomID,
		Password: password,
	}))
}

// RemovePassword asks the server to unprotect the room. Owner only.
func (c *Client) RemovePassword() error {
	return c.write(server.NewEnvelope(server.MessageRemoveRoomPassword, server.RoomScopedPayload{RoomID: c.config.RoomID}))
}

// CheckOwnership re-queries ownership; the answer lands via userRights.
func (c *Client) CheckOwnership() error {
	return c.write(server.NewEnvelope(server.MessageCheckOwnership, server.RoomScopedPayload{RoomID: c.config.RoomID}))
}

// RequestSync asks for a fresh copy of the log immediately, outside the
// periodic schedule.
func (c *Client) RequestSync() error {
	return c.write(server.NewEnvelope(server.MessageRequestBoardSync, server.RoomScopedPayload{RoomID: c.config.RoomID}))
}

func (c *Client) write(envelope server.Envelope) error {
	if c.socket == nil {
		return errNotConnected
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.socket.WriteJSON(envelope)
}

func (c *Client) readLoop() {
	defer close(c.done)
	for {
		var envelope server.Envelope
		if err := c.socket.ReadJSON(&envelope); err != nil {
			return
		}
		c.apply(envelope)
		select {
		case c.events <- envelope:
		default:
		}
	}
}

// resyncLoop periodically re-requests the full log. Together with the
// authoritative snapshot replay this bounds how long a dropped broadcast can
// keep this replica divergent.
func (c *Client) resyncLoop(ctx context.Context) {
	ticker := time.NewTicker(c.config.ResyncInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			select {
			case <-c.joined:
			default:
				continue
			}
			if err := c.RequestSync(); err != nil {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

func (c *Client) apply(envelope server.Envelope) {
	switch envelope.Type {
	case server.MessageRoomData:
		c.applyRoomData(envelope.Data)
	case server.MessageBoardSync:
		c.applyBoardSync(envelope.Data)
	case server.MessageDrawEvent:
		c.applyDrawEvent(envelope.Data)
	case server.MessageClearCanvas:
		c.canvasMu.Lock()
		c.canvas.Clear()
		c.canvasMu.Unlock()
	case server.MessageUserRights:
		var payload server.UserRightsPayload
		if json.Unmarshal(envelope.Data, &payload) == nil {
			c.mu.Lock()
			c.isOwner = payload.IsOwner
			c.mu.Unlock()
		}
	case server.MessagePasswordRequired:
		c.mu.Lock()
		c.passwordRequired = true
		c.mu.Unlock()
	case server.MessageRoomPasswordStatus:
		var payload server.RoomPasswordStatusPayload
		if json.Unmarshal(envelope.Data, &payload) == nil {
			c.mu.Lock()
			c.passwordProtected = payload.IsPasswordProtected
			c.mu.Unlock()
		}
	case server.MessageRoomPasswordUpdated:
		var payload server.RoomPasswordUpdatedPayload
		if json.Unmarshal(envelope.Data, &payload) == nil {
			c.mu.Lock()
			c.passwordProtected = payload.HasPassword
			c.mu.Unlock()
		}
	case server.MessageUserJoined:
		var session registry.Session
		if json.Unmarshal(envelope.Data, &session) == nil {
			c.mu.Lock()
			c.members[session.ConnectionID] = session
			c.mu.Unlock()
		}
	case server.MessageUserLeft:
		var payload server.UserLeftPayload
		if json.Unmarshal(envelope.Data, &payload) == nil {
			c.mu.Lock()
			delete(c.members, payload.ConnectionID)
			c.mu.Unlock()
		}
	case server.MessageUserCount:
		var payload server.UserCountPayload
		if json.Unmarshal(envelope.Data, &payload) == nil {
			c.mu.Lock()
			c.memberCount = payload.Count
			c.mu.Unlock()
		}
	case server.MessageError:
		var payload server.ErrorPayload
		if json.Unmarshal(envelope.Data, &payload) == nil {
			c.mu.Lock()
			c.lastError = payload.Message
			c.mu.Unlock()
			c.logger.Warn("server error", zap.String("message", payload.Message))
		}
	}
}

// applyRoomData handles the join snapshot: membership, an authoritative
// repaint, then the userReady acknowledgement that unlocks the password
// status and ownership replies.
func (c *Client) applyRoomData(data json.RawMessage) {
	var payload server.RoomDataPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		c.logger.Warn("invalid room snapshot", zap.Error(err))
		return
	}

	c.mu.Lock()
	c.members = make(map[string]registry.Session, len(payload.Users))
	for _, session := range payload.Users {
		c.members[session.ConnectionID] = session
	}
	c.memberCount = len(payload.Users)
	c.passwordRequired = false
	c.mu.Unlock()

	c.canvasMu.Lock()
	c.canvas.RenderBatch(decodeHistory(payload.History, c.logger))
	c.canvasMu.Unlock()

	if err := c.write(server.NewEnvelope(server.MessageUserReady, server.RoomScopedPayload{RoomID: c.config.RoomID})); err != nil {
		c.logger.Warn("user ready send failed", zap.Error(err))
	}
	c.joinedOnce.Do(func() { close(c.joined) })
}

func (c *Client) applyBoardSync(data json.RawMessage) {
	var payload server.BoardSyncPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		c.logger.Warn("invalid sync payload", zap.Error(err))
		return
	}
	c.canvasMu.Lock()
	c.canvas.RenderBatch(decodeHistory(payload.History, c.logger))
	c.canvasMu.Unlock()
}

func (c *Client) applyDrawEvent(data json.RawMessage) {
	op, err := board.DecodeOperation(data)
	if err != nil {
		c.logger.Warn("invalid draw event", zap.Error(err))
		return
	}
	c.canvasMu.Lock()
	c.canvas.ApplyLive(op)
	c.canvasMu.Unlock()
}

func decodeHistory(history []json.RawMessage, logger *zap.Logger) []board.Operation {
	operations := make([]board.Operation, 0, len(history))
	for _, raw := range history {
		op, err := board.DecodeOperation(raw)
		if err != nil {
			logger.Warn("skipping undecodable history entry", zap.Error(err))
			continue
		}
		operations = append(operations, op)
	}
	return operations
}
