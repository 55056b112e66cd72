// Package replay reconstructs canvas pixels from an ordered operation list.
// It runs per participant, purely locally, with no network calls. The same
// list rendered twice from an empty canvas yields identical pixels.
package replay

import (
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"sort"

	"github.com/MarcoPoloResearchLab/collaboard/internal/board"
	"github.com/fogleman/gg"
	xdraw "golang.org/x/image/draw"
	"golang.org/x/image/font"
	"golang.org/x/image/font/gofont/goregular"
	"golang.org/x/image/font/opentype"
)

var errInvalidDimensions = errors.New("replay: canvas dimensions must be positive")

// ImageSource resolves an image placement reference to decoded pixels.
// Data-URL references are decoded locally and never reach the source.
type ImageSource interface {
	FetchImage(ref string) (image.Image, error)
}

// Canvas is a deterministic raster target for drawing operations.
type Canvas struct {
	width  int
	height int
	rgba   *image.RGBA
	dc     *gg.Context
	images ImageSource
	font   *opentype.Font
	faces  map[float64]font.Face
}

// NewCanvas allocates a transparent canvas. The image source may be nil, in
// which case non-data-URL image placements are skipped.
func NewCanvas(width, height int, images ImageSource) (*Canvas, error) {
	if width <= 0 || height <= 0 {
		return nil, errInvalidDimensions
	}
	parsed, err := opentype.Parse(goregular.TTF)
	if err != nil {
		return nil, fmt.Errorf("replay: parse font: %w", err)
	}
	rgba := image.NewRGBA(image.Rect(0, 0, width, height))
	return &Canvas{
		width:  width,
		height: height,
		rgba:   rgba,
		dc:     gg.NewContextForRGBA(rgba),
		images: images,
		font:   parsed,
		faces:  make(map[float64]font.Face),
	}, nil
}

// Size returns the canvas dimensions.
func (c *Canvas) Size() (int, int) {
	return c.width, c.height
}

// Image exposes the backing pixels. Callers must treat them as read-only.
func (c *Canvas) Image() *image.RGBA {
	return c.rgba
}

// Clear resets every pixel to transparent.
func (c *Canvas) Clear() {
	draw.Draw(c.rgba, c.rgba.Bounds(), image.Transparent, image.Point{}, draw.Src)
}

// RenderBatch repaints the canvas from a full operation list: clear, order by
// timestamp, then two passes. Pass one draws every non-eraser operation with
// source-over compositing; pass two applies every eraser with
// destination-out. Erasers therefore always win over prior ink in a batch
// replay, regardless of their position in the (possibly truncated) log. Live
// application is temporally faithful instead; the two paths intentionally
// disagree and must stay that way.
func (c *Canvas) RenderBatch(operations []board.Operation) {
	c.Clear()

	ordered := make([]board.Operation, len(operations))
	copy(ordered, operations)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].OccurredAt() < ordered[j].OccurredAt()
	})

	var erasers []board.EraserStroke
	for _, op := range ordered {
		if eraser, ok := op.(board.EraserStroke); ok {
			erasers = append(erasers, eraser)
			continue
		}
		c.drawInk(op)
	}
	for _, eraser := range erasers {
		c.applyEraser(eraser)
	}
}

// ApplyLive draws a single incoming operation on top of the current state
// with its own compositing mode.
func (c *Canvas) ApplyLive(op board.Operation) {
	if eraser, ok := op.(board.EraserStroke); ok {
		c.applyEraser(eraser)
		return
	}
	c.drawInk(op)
}

func (c *Canvas) drawInk(op board.Operation) {
	switch v := op.(type) {
	case board.BrushStroke:
		c.setStroke(v.Color, v.Width, v.Opacity)
		c.brushPath(v)
		c.dc.Stroke()
	case board.LineStroke:
		c.setStroke(v.Color, v.Width, v.Opacity)
		c.dc.MoveTo(v.Start.X, v.Start.Y)
		c.dc.LineTo(v.End.X, v.End.Y)
		c.dc.Stroke()
	case board.RectangleShape:
		c.setStroke(v.Color, v.StrokeWidth, v.Opacity)
		c.dc.DrawRectangle(v.Origin.X, v.Origin.Y, v.Width, v.Height)
		c.dc.Stroke()
	case board.CircleShape:
		c.setStroke(v.Color, v.StrokeWidth, v.Opacity)
		c.dc.DrawCircle(v.Center.X, v.Center.Y, v.Radius)
		c.dc.Stroke()
	case board.TextBlock:
		c.drawText(v)
	case board.ImagePlacement:
		c.drawImage(v)
	}
}

// brushPath builds a smoothed path through the stroke's sample window using
// midpoint quadratic interpolation, avoiding polygon faceting at typical
// sampling rates. Strokes without a point window fall back to a segment.
func (c *Canvas) brushPath(stroke board.BrushStroke) {
	points := stroke.Points
	if len(points) < 2 {
		c.dc.MoveTo(stroke.Start.X, stroke.Start.Y)
		c.dc.LineTo(stroke.End.X, stroke.End.Y)
		return
	}
	c.dc.MoveTo(points[0].X, points[0].Y)
	if len(points) == 2 {
		c.dc.LineTo(points[1].X, points[1].Y)
		return
	}
	var i int
	for i = 1; i < len(points)-2; i++ {
		midX := (points[i].X + points[i+1].X) / 2
		midY := (points[i].Y + points[i+1].Y) / 2
		c.dc.QuadraticTo(points[i].X, points[i].Y, midX, midY)
	}
	c.dc.QuadraticTo(points[i].X, points[i].Y, points[i+1].X, points[i+1].Y)
}

func (c *Canvas) drawText(block board.TextBlock) {
	face, err := c.faceFor(block.FontSize)
	if err != nil {
		return
	}
	c.dc.SetFontFace(face)
	r, g, b := parseHexColor(block.Color)
	c.dc.SetRGBA(r, g, b, clampOpacity(block.Opacity))
	c.dc.DrawString(block.Text, block.Position.X, block.Position.Y)
}

func (c *Canvas) drawImage(placement board.ImagePlacement) {
	decoded, err := resolveImage(c.images, placement.Ref)
	if err != nil || decoded == nil {
		return
	}
	target := image.Rect(
		int(placement.Position.X),
		int(placement.Position.Y),
		int(placement.Position.X+placement.Width),
		int(placement.Position.Y+placement.Height),
	)
	xdraw.BiLinear.Scale(c.rgba, target, decoded, decoded.Bounds(), xdraw.Over, nil)
}

// applyEraser removes ink along the stroke with destination-out compositing:
// the stroke geometry is rasterized into an alpha mask, and the canvas is
// multiplied by the mask's inverse. Geometry is the stroked segment plus a
// round spot at the end position.
func (c *Canvas) applyEraser(stroke board.EraserStroke) {
	mask := gg.NewContext(c.width, c.height)
	mask.SetRGBA(1, 1, 1, 1)
	mask.SetLineCap(gg.LineCapRound)
	mask.SetLineWidth(stroke.Width)
	mask.MoveTo(stroke.Start.X, stroke.Start.Y)
	mask.LineTo(stroke.End.X, stroke.End.Y)
	mask.Stroke()
	mask.DrawCircle(stroke.End.X, stroke.End.Y, stroke.Width/2)
	mask.Fill()

	inverse := inverseAlpha(mask.Image())
	snapshot := image.NewRGBA(c.rgba.Bounds())
	copy(snapshot.Pix, c.rgba.Pix)
	draw.DrawMask(c.rgba, c.rgba.Bounds(), snapshot, image.Point{}, inverse, image.Point{}, draw.Src)
}

func (c *Canvas) setStroke(hexColor string, width, opacity float64) {
	r, g, b := parseHexColor(hexColor)
	c.dc.SetRGBA(r, g, b, clampOpacity(opacity))
	c.dc.SetLineWidth(width)
	c.dc.SetLineCap(gg.LineCapRound)
	c.dc.SetLineJoin(gg.LineJoinRound)
}

func (c *Canvas) faceFor(size float64) (font.Face, error) {
	if size <= 0 {
		size = 16
	}
	if face, ok := c.faces[size]; ok {
		return face, nil
	}
	face, err := opentype.NewFace(c.font, &opentype.FaceOptions{
		Size:    size,
		DPI:     72,
		Hinting: font.HintingFull,
	})
	if err != nil {
		return nil, err
	}
	c.faces[size] = face
	return face, nil
}

func clampOpacity(opacity float64) float64 {
	if opacity <= 0 || opacity > 1 {
		return 1
	}
	return opacity
}

// inverseAlpha extracts the inverted alpha channel of a rasterized mask.
func inverseAlpha(img image.Image) *image.Alpha {
	bounds := img.Bounds()
	out := image.NewAlpha(bounds)
	if rgba, ok := img.(*image.RGBA); ok {
		for i := 0; i < len(out.Pix); i++ {
			out.Pix[i] = 255 - rgba.Pix[i*4+3]
		}
		return out
	}
	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			_, _, _, a := img.At(x, y).RGBA()
			out.SetAlpha(x, y, color.Alpha{A: 255 - uint8(a>>8)})
		}
	}
	return out
}
