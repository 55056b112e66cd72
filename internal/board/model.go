package board

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ToolKind enumerates the drawing tools carried on the wire.
type ToolKind string

const (
	ToolBrush     ToolKind = "brush"
	ToolLine      ToolKind = "line"
	ToolRectangle ToolKind = "rectangle"
	ToolCircle    ToolKind = "circle"
	ToolText      ToolKind = "text"
	ToolEraser    ToolKind = "eraser"
	ToolImage     ToolKind = "image"
)

const maxIdentifierLength = 190

var (
	// ErrInvalidRoomKey indicates that a room key is empty or exceeds storage bounds.
	ErrInvalidRoomKey = errors.New("board: invalid room key")
	// ErrUnknownTool indicates an operation payload whose tool tag is not recognised.
	ErrUnknownTool = errors.New("board: unknown tool")
)

// RoomKey represents a validated room identifier.
type RoomKey string

// NewRoomKey validates raw input and returns a RoomKey.
func NewRoomKey(rawInput string) (RoomKey, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidRoomKey)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidRoomKey, maxIdentifierLength)
	}
	return RoomKey(trimmed), nil
}

// String returns the underlying string identifier.
func (k RoomKey) String() string {
	return string(k)
}

// Point is a canvas coordinate.
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Operation is one immutable drawing instruction. Implementations are the
// per-tool variants below; operations are appended to a room's log and never
// edited in place.
type Operation interface {
	Tool() ToolKind
	// OccurredAt is the client-assigned timestamp in unix milliseconds.
	// Monotonic per client, not globally ordered.
	OccurredAt() int64
}

// BrushStroke is one emitted segment of a continuous freehand gesture. The
// point list is the client's rolling sample window; FinalSegment marks the
// terminating event of the gesture.
type BrushStroke struct {
	Start        Point
	End          Point
	Points       []Point
	Color        string
	Width        float64
	Opacity      float64
	Timestamp    int64
	FinalSegment bool
}

func (s BrushStroke) Tool() ToolKind    { return ToolBrush }
func (s BrushStroke) OccurredAt() int64 { return s.Timestamp }

// LineStroke is a straight line between two points.
type LineStroke struct {
	Start     Point
	End       Point
	Color     string
	Width     float64
	Opacity   float64
	Timestamp int64
}

func (s LineStroke) Tool() ToolKind    { return ToolLine }
func (s LineStroke) OccurredAt() int64 { return s.Timestamp }

// RectangleShape is an axis-aligned stroked rectangle.
type RectangleShape struct {
	Origin      Point
	Width       float64
	Height      float64
	Color       string
	StrokeWidth float64
	Opacity     float64
	Timestamp   int64
}

func (s RectangleShape) Tool() ToolKind    { return ToolRectangle }
func (s RectangleShape) OccurredAt() int64 { return s.Timestamp }

// CircleShape is a stroked circle around a center point.
type CircleShape struct {
	Center      Point
	Radius      float64
	Color       string
	StrokeWidth float64
	Opacity     float64
	Timestamp   int64
}

func (s CircleShape) Tool() ToolKind    { return ToolCircle }
func (s CircleShape) OccurredAt() int64 { return s.Timestamp }

// TextBlock places a run of text at a baseline position.
type TextBlock struct {
	Text      string
	FontSize  float64
	Position  Point
	Color     string
	Opacity   float64
	Timestamp int64
}

func (s TextBlock) Tool() ToolKind    { return ToolText }
func (s TextBlock) OccurredAt() int64 { return s.Timestamp }

// EraserStroke removes ink along a segment. Width is the eraser diameter.
type EraserStroke struct {
	Start     Point
	End       Point
	Width     float64
	Timestamp int64
}

func (s EraserStroke) Tool() ToolKind    { return ToolEraser }
func (s EraserStroke) OccurredAt() int64 { return s.Timestamp }

// ImagePlacement positions an image asset on the canvas. Ref is either a
// data URL or an asset reference resolved through the image store.
type ImagePlacement struct {
	Ref       string
	Position  Point
	Width     float64
	Height    float64
	Timestamp int64
}

func (s ImagePlacement) Tool() ToolKind    { return ToolImage }
func (s ImagePlacement) OccurredAt() int64 { return s.Timestamp }

// RoomRecord is the durable room row. The record persists indefinitely; only
// its operation log is cleared by an explicit clear action.
type RoomRecord struct {
	RoomKey             string    `gorm:"column:room_key;primaryKey;size:190;not null"`
	Name                string    `gorm:"column:name;size:320;not null"`
	OwnerID             string    `gorm:"column:owner_id;size:190;not null"`
	Password            string    `gorm:"column:password;size:320;not null;default:''"`
	IsPasswordProtected bool      `gorm:"column:is_password_protected;not null;default:false"`
	CreatedAt           time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt           time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName provides the explicit table binding for GORM.
func (RoomRecord) TableName() string {
	return "rooms"
}

// OperationRecord is one appended drawing operation. The autoincrement id is
// the append order for a room; truncation deletes the lowest ids first.
type OperationRecord struct {
	ID        uint   `gorm:"column:id;primaryKey"`
	RoomKey   string `gorm:"column:room_key;size:190;not null;index:idx_operations_room"`
	Tool      string `gorm:"column:tool;size:32;not null"`
	Payload   string `gorm:"column:payload;type:text;not null"`
	Timestamp int64  `gorm:"column:ts;not null"`
}

// TableName provides the explicit table binding for GORM.
func (OperationRecord) TableName() string {
	return "room_operations"
}

// ImageRecord stores an image placement outside the bounded operation log so
// that log truncation cannot drop images.
type ImageRecord struct {
	ID        uint    `gorm:"column:id;primaryKey"`
	RoomKey   string  `gorm:"column:room_key;size:190;not null;index:idx_images_room"`
	Data      string  `gorm:"column:data;type:text;not null"`
	X         float64 `gorm:"column:pos_x;not null"`
	Y         float64 `gorm:"column:pos_y;not null"`
	Width     float64 `gorm:"column:width;not null"`
	Height    float64 `gorm:"column:height;not null"`
	Timestamp int64   `gorm:"column:ts;not null"`
}

// TableName provides the explicit table binding for GORM.
func (ImageRecord) TableName() string {
	return "room_images"
}
