// Package access decides whether a join or privileged room action is
// permitted. Decisions are named outcomes, never crashes: a password mismatch
// surfaces as PasswordRequired and a non-owner action as ErrNotOwner.
package access

import (
	"context"
	"errors"
	"sync"

	"github.com/MarcoPoloResearchLab/collaboard/internal/board"
	"go.uber.org/zap"
)

// Decision is the outcome of a join authorization.
type Decision int

const (
	// Authorized admits the participant.
	Authorized Decision = iota
	// PasswordRequired rejects the join until a matching password arrives.
	PasswordRequired
)

// ErrNotOwner rejects a privileged action by anyone but the room owner.
var ErrNotOwner = errors.New("access: requester does not own the room")

// CheckResult mirrors the wire-level password check reply.
type CheckResult struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// Gate evaluates room passwords and ownership. The per-room authorized cache
// lives in process memory and is cleared whenever the password changes.
type Gate struct {
	store  *board.Store
	logger *zap.Logger

	mu         sync.Mutex
	authorized map[string]map[string]struct{}
}

// NewGate returns a Gate backed by the durable room store.
func NewGate(store *board.Store, logger *zap.Logger) *Gate {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Gate{
		store:      store,
		logger:     logger,
		authorized: make(map[string]map[string]struct{}),
	}
}

// AuthorizeJoin applies the admission rule: the owner always passes, a cached
// identity passes, a client-side cached authorization flag passes, otherwise
// the supplied password must equal the stored secret verbatim. Passwords are
// compared in plain text; that weakness is part of the preserved contract.
func (g *Gate) AuthorizeJoin(ctx context.Context, roomKey board.RoomKey, participantID, suppliedPassword string, hasCachedAuth bool) (Decision, error) {
	room, found, err := g.store.FindRoom(ctx, roomKey)
	if err != nil {
		return PasswordRequired, err
	}
	if !found || !room.IsPasswordProtected {
		return Authorized, nil
	}
	if participantID != "" && room.OwnerID == participantID {
		return Authorized, nil
	}
	if g.isAuthorized(roomKey.String(), participantID) {
		return Authorized, nil
	}
	if hasCachedAuth {
		return Authorized, nil
	}
	if suppliedPassword == "" || suppliedPassword != room.Password {
		return PasswordRequired, nil
	}
	g.remember(roomKey.String(), participantID)
	return Authorized, nil
}

// CheckPassword verifies a password outside the join flow and caches the
// identity on success.
func (g *Gate) CheckPassword(ctx context.Context, roomKey board.RoomKey, participantID, password string) (CheckResult, error) {
	room, found, err := g.store.FindRoom(ctx, roomKey)
	if err != nil {
		return CheckResult{Success: false, Message: "Error checking password"}, err
	}
	if !found {
		return CheckResult{Success: false, Message: "Room not found"}, nil
	}
	if !room.IsPasswordProtected {
		return CheckResult{Success: true, Message: "No password required"}, nil
	}
	if password != room.Password {
		return CheckResult{Success: false, Message: "Incorrect password"}, nil
	}
	g.remember(roomKey.String(), participantID)
	return CheckResult{Success: true, Message: "Password correct"}, nil
}

// SetPassword stores a new room secret. Owner only; the authorized cache is
// invalidated so every prior admission must re-prove itself.
func (g *Gate) SetPassword(ctx context.Context, roomKey board.RoomKey, requesterID, secret string) error {
	if err := g.requireOwner(ctx, roomKey, requesterID); err != nil {
		return err
	}
	if err := g.store.SetPassword(ctx, roomKey, secret); err != nil {
		return err
	}
	g.forgetRoom(roomKey.String())
	return nil
}

// RemovePassword clears the room secret and the authorized cache. Owner only.
func (g *Gate) RemovePassword(ctx context.Context, roomKey board.RoomKey, requesterID string) error {
	if err := g.requireOwner(ctx, roomKey, requesterID); err != nil {
		return err
	}
	if err := g.store.RemovePassword(ctx, roomKey); err != nil {
		return err
	}
	g.forgetRoom(roomKey.String())
	return nil
}

// CheckOwnership is a pure lookup against the room's owner field, independent
// of any session state, so clients can re-query rights at any time.
func (g *Gate) CheckOwnership(ctx context.Context, roomKey board.RoomKey, participantID string) (bool, error) {
	room, found, err := g.store.FindRoom(ctx, roomKey)
	if err != nil || !found {
		return false, err
	}
	return participantID != "" && room.OwnerID == participantID, nil
}

func (g *Gate) requireOwner(ctx context.Context, roomKey board.RoomKey, requesterID string) error {
	isOwner, err := g.CheckOwnership(ctx, roomKey, requesterID)
	if err != nil {
		return err
	}
	if !isOwner {
		g.logger.Warn("privileged room action denied",
			zap.String("room", roomKey.String()),
			zap.String("requester", requesterID))
		return ErrNotOwner
	}
	return nil
}

func (g *Gate) isAuthorized(roomKey, participantID string) bool {
	if participantID == "" {
		return false
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.authorized[roomKey][participantID]
	return ok
}

func (g *Gate) remember(roomKey, participantID string) {
	if participantID == "" {
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.authorized[roomKey]; !ok {
		g.authorized[roomKey] = make(map[string]struct{})
	}
	g.authorized[roomKey][participantID] = struct{}{}
}

func (g *Gate) forgetRoom(roomKey string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.authorized, roomKey)
}
