package board

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// MaxLogEntries bounds a room's operation log. Appends beyond the bound
// evict from the head, oldest first; evicted operations are gone for good.
const MaxLogEntries = 1000

var (
	errMissingDatabase   = errors.New("database handle is required")
	errMissingIDProvider = errors.New("id provider is required")
	noOpLogger           = zap.NewNop()
)

// StoreError wraps a store failure with a dot-separated operation code.
type StoreError struct {
	code string
	err  error
}

func (e *StoreError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *StoreError) Unwrap() error {
	return e.err
}

func (e *StoreError) Code() string {
	return e.code
}

const (
	opStoreNew     = "board.store.new"
	opEnsureRoom   = "board.ensure_room"
	opCreateRoom   = "board.create_room"
	opFindRoom     = "board.find_room"
	opListRooms    = "board.list_rooms"
	opDeleteRoom   = "board.delete_room"
	opAppend       = "board.append"
	opReadAll      = "board.read_all"
	opClear        = "board.clear"
	opAppendImage  = "board.append_image"
	opListImages   = "board.list_images"
	opClearImages  = "board.clear_images"
	opSetPassword  = "board.set_password"
	opFindByCode   = "board.find_by_code"
)

func newStoreError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &StoreError{code: code, err: cause}
}

// IDProvider issues identifiers for newly created rooms.
type IDProvider interface {
	NewID() (string, error)
}

// StoreConfig describes the dependencies of the durable board store.
type StoreConfig struct {
	Database   *gorm.DB
	Clock      func() time.Time
	IDProvider IDProvider
	Logger     *zap.Logger
}

// Store is the durable, per-room append-only operation log plus the room and
// image collections. It is the only state shared across server processes.
type Store struct {
	db         *gorm.DB
	clock      func() time.Time
	idProvider IDProvider
	logger     *zap.Logger
}

// NewStore validates the configuration and returns a Store.
func NewStore(cfg StoreConfig) (*Store, error) {
	if cfg.Database == nil {
		return nil, newStoreError(opStoreNew, "missing_database", errMissingDatabase)
	}
	if cfg.IDProvider == nil {
		return nil, newStoreError(opStoreNew, "missing_id_provider", errMissingIDProvider)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Store{
		db:         cfg.Database,
		clock:      clock,
		idProvider: cfg.IDProvider,
		logger:     logger,
	}, nil
}

// EnsureRoom returns the room record for the key, creating it on first join.
// A freshly created room is named after its key and owned by ownerID.
func (s *Store) EnsureRoom(ctx context.Context, key RoomKey, ownerID string) (RoomRecord, error) {
	var record RoomRecord
	err := s.db.WithContext(ctx).
		Where("room_key = ?", key.String()).
		Take(&record).Error
	if err == nil {
		return record, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		s.logError(opEnsureRoom, "room_select_failed", err, zap.String("room", key.String()))
		return RoomRecord{}, newStoreError(opEnsureRoom, "room_select_failed", err)
	}

	record = RoomRecord{
		RoomKey: key.String(),
		Name:    key.String(),
		OwnerID: ownerID,
	}
	if err := s.db.WithContext(ctx).Create(&record).Error; err != nil {
		s.logError(opEnsureRoom, "room_create_failed", err, zap.String("room", key.String()))
		return RoomRecord{}, newStoreError(opEnsureRoom, "room_create_failed", err)
	}
	return record, nil
}

// CreateRoom provisions a new room with a generated key for the owner.
func (s *Store) CreateRoom(ctx context.Context, name, ownerID string) (RoomRecord, error) {
	key, err := s.idProvider.NewID()
	if err != nil {
		s.logError(opCreateRoom, "id_generation_failed", err)
		return RoomRecord{}, newStoreError(opCreateRoom, "id_generation_failed", err)
	}
	record := RoomRecord{
		RoomKey: key,
		Name:    name,
		OwnerID: ownerID,
	}
	if record.Name == "" {
		record.Name = "Untitled Board"
	}
	if err := s.db.WithContext(ctx).Create(&record).Error; err != nil {
		s.logError(opCreateRoom, "room_create_failed", err, zap.String("room", key))
		return RoomRecord{}, newStoreError(opCreateRoom, "room_create_failed", err)
	}
	return record, nil
}

// FindRoom looks up a room record. A missing room is not an error.
func (s *Store) FindRoom(ctx context.Context, key RoomKey) (RoomRecord, bool, error) {
	var record RoomRecord
	err := s.db.WithContext(ctx).
		Where("room_key = ?", key.String()).
		Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return RoomRecord{}, false, nil
	}
	if err != nil {
		s.logError(opFindRoom, "room_select_failed", err, zap.String("room", key.String()))
		return RoomRecord{}, false, newStoreError(opFindRoom, "room_select_failed", err)
	}
	return record, true, nil
}

// ListRoomsByOwner returns the rooms owned by the given identity.
func (s *Store) ListRoomsByOwner(ctx context.Context, ownerID string) ([]RoomRecord, error) {
	var records []RoomRecord
	if err := s.db.WithContext(ctx).
		Where("owner_id = ?", ownerID).
		Order("updated_at DESC").
		Find(&records).Error; err != nil {
		s.logError(opListRooms, "query_failed", err, zap.String("owner", ownerID))
		return nil, newStoreError(opListRooms, "query_failed", err)
	}
	return records, nil
}

// DeleteRoom removes a room record together with its log and images.
func (s *Store) DeleteRoom(ctx context.Context, key RoomKey) error {
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("room_key = ?", key.String()).Delete(&OperationRecord{}).Error; err != nil {
			return err
		}
		if err := tx.Where("room_key = ?", key.String()).Delete(&ImageRecord{}).Error; err != nil {
			return err
		}
		return tx.Where("room_key = ?", key.String()).Delete(&RoomRecord{}).Error
	})
	if txErr != nil {
		s.logError(opDeleteRoom, "delete_failed", txErr, zap.String("room", key.String()))
		return newStoreError(opDeleteRoom, "delete_failed", txErr)
	}
	return nil
}

// Append adds one operation to the room's log and evicts from the head when
// the bound is exceeded. Append against a room with no record is a no-op
// success; rooms are created lazily on join.
func (s *Store) Append(ctx context.Context, key RoomKey, op Operation) error {
	payload, err := EncodeOperation(op)
	if err != nil {
		s.logError(opAppend, "encode_failed", err, zap.String("room", key.String()))
		return newStoreError(opAppend, "encode_failed", err)
	}

	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var exists int64
		if err := tx.Model(&RoomRecord{}).
			Where("room_key = ?", key.String()).
			Count(&exists).Error; err != nil {
			return err
		}
		if exists == 0 {
			return nil
		}

		record := OperationRecord{
			RoomKey:   key.String(),
			Tool:      string(op.Tool()),
			Payload:   string(payload),
			Timestamp: op.OccurredAt(),
		}
		if err := tx.Create(&record).Error; err != nil {
			return err
		}

		truncate := fmt.Sprintf(
			"DELETE FROM room_operations WHERE room_key = ? AND id NOT IN "+
				"(SELECT id FROM room_operations WHERE room_key = ? ORDER BY id DESC LIMIT %d)",
			MaxLogEntries)
		if err := tx.Exec(truncate, key.String(), key.String()).Error; err != nil {
			return err
		}

		return tx.Model(&RoomRecord{}).
			Where("room_key = ?", key.String()).
			Update("updated_at", s.clock().UTC()).Error
	})
	if txErr != nil {
		s.logError(opAppend, "append_failed", txErr,
			zap.String("room", key.String()),
			zap.String("tool", string(op.Tool())))
		return newStoreError(opAppend, "append_failed", txErr)
	}
	return nil
}

// ReadAll returns the room's log in append order. A missing room yields an
// empty log, not an error.
func (s *Store) ReadAll(ctx context.Context, key RoomKey) ([]Operation, error) {
	var records []OperationRecord
	if err := s.db.WithContext(ctx).
		Where("room_key = ?", key.String()).
		Order("id ASC").
		Find(&records).Error; err != nil {
		s.logError(opReadAll, "query_failed", err, zap.String("room", key.String()))
		return nil, newStoreError(opReadAll, "query_failed", err)
	}

	operations := make([]Operation, 0, len(records))
	for _, record := range records {
		op, err := DecodeOperation([]byte(record.Payload))
		if err != nil {
			// A single corrupt row must not poison the whole replay.
			s.logError(opReadAll, "decode_failed", err,
				zap.String("room", key.String()),
				zap.Uint("record", record.ID))
			continue
		}
		operations = append(operations, op)
	}
	return operations, nil
}

// Count returns the number of operations currently in the room's log.
func (s *Store) Count(ctx context.Context, key RoomKey) (int64, error) {
	var total int64
	if err := s.db.WithContext(ctx).Model(&OperationRecord{}).
		Where("room_key = ?", key.String()).
		Count(&total).Error; err != nil {
		s.logError(opReadAll, "count_failed", err, zap.String("room", key.String()))
		return 0, newStoreError(opReadAll, "count_failed", err)
	}
	return total, nil
}

// Clear empties the room's operation log. The room record and its image
// collection are untouched.
func (s *Store) Clear(ctx context.Context, key RoomKey) error {
	if err := s.db.WithContext(ctx).
		Where("room_key = ?", key.String()).
		Delete(&OperationRecord{}).Error; err != nil {
		s.logError(opClear, "delete_failed", err, zap.String("room", key.String()))
		return newStoreError(opClear, "delete_failed", err)
	}
	return nil
}

// AppendImage stores an image placement in the room's image collection,
// outside the bounded operation log.
func (s *Store) AppendImage(ctx context.Context, key RoomKey, placement ImagePlacement) error {
	record := ImageRecord{
		RoomKey:   key.String(),
		Data:      placement.Ref,
		X:         placement.Position.X,
		Y:         placement.Position.Y,
		Width:     placement.Width,
		Height:    placement.Height,
		Timestamp: placement.Timestamp,
	}
	if err := s.db.WithContext(ctx).Create(&record).Error; err != nil {
		s.logError(opAppendImage, "insert_failed", err, zap.String("room", key.String()))
		return newStoreError(opAppendImage, "insert_failed", err)
	}
	return nil
}

// ListImages returns the room's image placements in append order.
func (s *Store) ListImages(ctx context.Context, key RoomKey) ([]ImagePlacement, error) {
	var records []ImageRecord
	if err := s.db.WithContext(ctx).
		Where("room_key = ?", key.String()).
		Order("id ASC").
		Find(&records).Error; err != nil {
		s.logError(opListImages, "query_failed", err, zap.String("room", key.String()))
		return nil, newStoreError(opListImages, "query_failed", err)
	}
	placements := make([]ImagePlacement, 0, len(records))
	for _, record := range records {
		placements = append(placements, ImagePlacement{
			Ref:       record.Data,
			Position:  Point{X: record.X, Y: record.Y},
			Width:     record.Width,
			Height:    record.Height,
			Timestamp: record.Timestamp,
		})
	}
	return placements, nil
}

// ClearImages empties the room's image collection.
func (s *Store) ClearImages(ctx context.Context, key RoomKey) error {
	if err := s.db.WithContext(ctx).
		Where("room_key = ?", key.String()).
		Delete(&ImageRecord{}).Error; err != nil {
		s.logError(opClearImages, "delete_failed", err, zap.String("room", key.String()))
		return newStoreError(opClearImages, "delete_failed", err)
	}
	return nil
}

// SetPassword stores the room secret verbatim. Plain equality against this
// value is the access rule; hashing would change the external contract.
func (s *Store) SetPassword(ctx context.Context, key RoomKey, secret string) error {
	updates := map[string]interface{}{
		"password":              secret,
		"is_password_protected": true,
		"updated_at":            s.clock().UTC(),
	}
	if err := s.db.WithContext(ctx).Model(&RoomRecord{}).
		Where("room_key = ?", key.String()).
		Updates(updates).Error; err != nil {
		s.logError(opSetPassword, "update_failed", err, zap.String("room", key.String()))
		return newStoreError(opSetPassword, "update_failed", err)
	}
	return nil
}

// RemovePassword clears the room secret.
func (s *Store) RemovePassword(ctx context.Context, key RoomKey) error {
	updates := map[string]interface{}{
		"password":              "",
		"is_password_protected": false,
		"updated_at":            s.clock().UTC(),
	}
	if err := s.db.WithContext(ctx).Model(&RoomRecord{}).
		Where("room_key = ?", key.String()).
		Updates(updates).Error; err != nil {
		s.logError(opSetPassword, "update_failed", err, zap.String("room", key.String()))
		return newStoreError(opSetPassword, "update_failed", err)
	}
	return nil
}

// FindRoomByCode resolves a 6-digit share code to a room. Codes are not
// collision free; the first matching room wins.
func (s *Store) FindRoomByCode(ctx context.Context, code string) (RoomRecord, bool, error) {
	var records []RoomRecord
	if err := s.db.WithContext(ctx).
		Order("created_at ASC").
		Find(&records).Error; err != nil {
		s.logError(opFindByCode, "query_failed", err, zap.String("code", code))
		return RoomRecord{}, false, newStoreError(opFindByCode, "query_failed", err)
	}
	for _, record := range records {
		if RoomCode(record.RoomKey) == code {
			return record, true, nil
		}
	}
	return RoomRecord{}, false, nil
}

func (s *Store) loggerOrDefault() *zap.Logger {
	if s == nil || s.logger == nil {
		return noOpLogger
	}
	return s.logger
}

func (s *Store) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.loggerOrDefault().Error("board store error", attrs...)
}
