package board

import (
	"encoding/json"
	"fmt"
)

// wireOperation is the flat payload shared by every tool on the wire and in
// the persisted log. Geometry fields are pointers so that a zero coordinate
// survives a round trip; each tool reads only the fields it carries.
type wireOperation struct {
	Tool         ToolKind  `json:"tool"`
	StartX       *float64  `json:"startX,omitempty"`
	StartY       *float64  `json:"startY,omitempty"`
	EndX         *float64  `json:"endX,omitempty"`
	EndY         *float64  `json:"endY,omitempty"`
	Points       []Point   `json:"points,omitempty"`
	Color        string    `json:"color,omitempty"`
	Width        *float64  `json:"width,omitempty"`
	Height       *float64  `json:"height,omitempty"`
	LineWidth    *float64  `json:"lineWidth,omitempty"`
	Opacity      *float64  `json:"opacity,omitempty"`
	CenterX      *float64  `json:"centerX,omitempty"`
	CenterY      *float64  `json:"centerY,omitempty"`
	Radius       *float64  `json:"radius,omitempty"`
	Text         string    `json:"text,omitempty"`
	FontSize     *float64  `json:"fontSize,omitempty"`
	X            *float64  `json:"x,omitempty"`
	Y            *float64  `json:"y,omitempty"`
	ImageData    string    `json:"imageData,omitempty"`
	Position     *Point    `json:"position,omitempty"`
	Size         *wireSize `json:"size,omitempty"`
	Timestamp    int64     `json:"timestamp,omitempty"`
	FinalSegment bool      `json:"isFinalSegment,omitempty"`
}

type wireSize struct {
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

const (
	defaultColor       = "#000000"
	defaultStrokeWidth = 5
	defaultOpacity     = 1.0
)

func floatOr(value *float64, fallback float64) float64 {
	if value == nil {
		return fallback
	}
	return *value
}

func floatPtr(value float64) *float64 {
	return &value
}

func colorOr(value string) string {
	if value == "" {
		return defaultColor
	}
	return value
}

// DecodeOperation parses a flat operation payload into its tool variant.
func DecodeOperation(payload []byte) (Operation, error) {
	var wire wireOperation
	if err := json.Unmarshal(payload, &wire); err != nil {
		return nil, fmt.Errorf("board: decode operation: %w", err)
	}
	return wire.toOperation()
}

func (w wireOperation) toOperation() (Operation, error) {
	switch w.Tool {
	case ToolBrush:
		return BrushStroke{
			Start:        Point{X: floatOr(w.StartX, 0), Y: floatOr(w.StartY, 0)},
			End:          Point{X: floatOr(w.EndX, 0), Y: floatOr(w.EndY, 0)},
			Points:       w.Points,
			Color:        colorOr(w.Color),
			Width:        floatOr(w.Width, defaultStrokeWidth),
			Opacity:      floatOr(w.Opacity, defaultOpacity),
			Timestamp:    w.Timestamp,
			FinalSegment: w.FinalSegment,
		}, nil
	case ToolLine:
		return LineStroke{
			Start:     Point{X: floatOr(w.StartX, 0), Y: floatOr(w.StartY, 0)},
			End:       Point{X: floatOr(w.EndX, 0), Y: floatOr(w.EndY, 0)},
			Color:     colorOr(w.Color),
			Width:     floatOr(w.LineWidth, floatOr(w.Width, defaultStrokeWidth)),
			Opacity:   floatOr(w.Opacity, defaultOpacity),
			Timestamp: w.Timestamp,
		}, nil
	case ToolRectangle:
		return RectangleShape{
			Origin:      Point{X: floatOr(w.StartX, 0), Y: floatOr(w.StartY, 0)},
			Width:       floatOr(w.Width, 0),
			Height:      floatOr(w.Height, 0),
			Color:       colorOr(w.Color),
			StrokeWidth: floatOr(w.LineWidth, defaultStrokeWidth),
			Opacity:     floatOr(w.Opacity, defaultOpacity),
			Timestamp:   w.Timestamp,
		}, nil
	case ToolCircle:
		return CircleShape{
			Center:      Point{X: floatOr(w.CenterX, 0), Y: floatOr(w.CenterY, 0)},
			Radius:      floatOr(w.Radius, 0),
			Color:       colorOr(w.Color),
			StrokeWidth: floatOr(w.LineWidth, floatOr(w.Width, defaultStrokeWidth)),
			Opacity:     floatOr(w.Opacity, defaultOpacity),
			Timestamp:   w.Timestamp,
		}, nil
	case ToolText:
		return TextBlock{
			Text:      w.Text,
			FontSize:  floatOr(w.FontSize, 16),
			Position:  Point{X: floatOr(w.X, 0), Y: floatOr(w.Y, 0)},
			Color:     colorOr(w.Color),
			Opacity:   floatOr(w.Opacity, defaultOpacity),
			Timestamp: w.Timestamp,
		}, nil
	case ToolEraser:
		return EraserStroke{
			Start:     Point{X: floatOr(w.StartX, 0), Y: floatOr(w.StartY, 0)},
			End:       Point{X: floatOr(w.EndX, 0), Y: floatOr(w.EndY, 0)},
			Width:     floatOr(w.Width, 30),
			Timestamp: w.Timestamp,
		}, nil
	case ToolImage:
		position := Point{}
		if w.Position != nil {
			position = *w.Position
		}
		width, height := 200.0, 200.0
		if w.Size != nil {
			width, height = w.Size.Width, w.Size.Height
		}
		return ImagePlacement{
			Ref:       w.ImageData,
			Position:  position,
			Width:     width,
			Height:    height,
			Timestamp: w.Timestamp,
		}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownTool, w.Tool)
	}
}

// Stamp returns a copy of the operation with its timestamp set. The server
// stamps operations that arrive without one.
func Stamp(op Operation, timestamp int64) Operation {
	switch v := op.(type) {
	case BrushStroke:
		v.Timestamp = timestamp
		return v
	case LineStroke:
		v.Timestamp = timestamp
		return v
	case RectangleShape:
		v.Timestamp = timestamp
		return v
	case CircleShape:
		v.Timestamp = timestamp
		return v
	case TextBlock:
		v.Timestamp = timestamp
		return v
	case EraserStroke:
		v.Timestamp = timestamp
		return v
	case ImagePlacement:
		v.Timestamp = timestamp
		return v
	default:
		return op
	}
}

// EncodeOperation renders a tool variant back into the flat wire payload.
func EncodeOperation(op Operation) ([]byte, error) {
	wire, err := toWire(op)
	if err != nil {
		return nil, err
	}
	encoded, err := json.Marshal(wire)
	if err != nil {
		return nil, fmt.Errorf("board: encode operation: %w", err)
	}
	return encoded, nil
}

func toWire(op Operation) (wireOperation, error) {
	switch v := op.(type) {
	case BrushStroke:
		return wireOperation{
			Tool:         ToolBrush,
			StartX:       floatPtr(v.Start.X),
			StartY:       floatPtr(v.Start.Y),
			EndX:         floatPtr(v.End.X),
			EndY:         floatPtr(v.End.Y),
			Points:       v.Points,
			Color:        v.Color,
			Width:        floatPtr(v.Width),
			Opacity:      floatPtr(v.Opacity),
			Timestamp:    v.Timestamp,
			FinalSegment: v.FinalSegment,
		}, nil
	case LineStroke:
		return wireOperation{
			Tool:      ToolLine,
			StartX:    floatPtr(v.Start.X),
			StartY:    floatPtr(v.Start.Y),
			EndX:      floatPtr(v.End.X),
			EndY:      floatPtr(v.End.Y),
			Color:     v.Color,
			LineWidth: floatPtr(v.Width),
			Opacity:   floatPtr(v.Opacity),
			Timestamp: v.Timestamp,
		}, nil
	case RectangleShape:
		return wireOperation{
			Tool:      ToolRectangle,
			StartX:    floatPtr(v.Origin.X),
			StartY:    floatPtr(v.Origin.Y),
			Width:     floatPtr(v.Width),
			Height:    floatPtr(v.Height),
			Color:     v.Color,
			LineWidth: floatPtr(v.StrokeWidth),
			Opacity:   floatPtr(v.Opacity),
			Timestamp: v.Timestamp,
		}, nil
	case CircleShape:
		return wireOperation{
			Tool:      ToolCircle,
			CenterX:   floatPtr(v.Center.X),
			CenterY:   floatPtr(v.Center.Y),
			Radius:    floatPtr(v.Radius),
			Color:     v.Color,
			LineWidth: floatPtr(v.StrokeWidth),
			Opacity:   floatPtr(v.Opacity),
			Timestamp: v.Timestamp,
		}, nil
	case TextBlock:
		return wireOperation{
			Tool:      ToolText,
			Text:      v.Text,
			FontSize:  floatPtr(v.FontSize),
			X:         floatPtr(v.Position.X),
			Y:         floatPtr(v.Position.Y),
			Color:     v.Color,
			Opacity:   floatPtr(v.Opacity),
			Timestamp: v.Timestamp,
		}, nil
	case EraserStroke:
		return wireOperation{
			Tool:      ToolEraser,
			StartX:    floatPtr(v.Start.X),
			StartY:    floatPtr(v.Start.Y),
			EndX:      floatPtr(v.End.X),
			EndY:      floatPtr(v.End.Y),
			Width:     floatPtr(v.Width),
			Timestamp: v.Timestamp,
		}, nil
	case ImagePlacement:
		position := v.Position
		return wireOperation{
			Tool:      ToolImage,
			ImageData: v.Ref,
			Position:  &position,
			Size:      &wireSize{Width: v.Width, Height: v.Height},
			Timestamp: v.Timestamp,
		}, nil
	default:
		return wireOperation{}, fmt.Errorf("%w: %T", ErrUnknownTool, op)
	}
}
