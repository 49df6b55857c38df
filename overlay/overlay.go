// Package overlay draws the timestamp and activity spinner onto captured
// frames before encoding.
package overlay

import (
	"image"
	"image/color"
	"image/draw"
	"math"
	"time"

	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

const (
	padding      = 10
	rectPadding  = 5
	spinnerWidth = 3
	spinnerSweep = 270.0 // arc length in degrees
	timeFormat   = "15:04:05"
)

// Renderer stamps a wall-clock timestamp and a rotating spinner into the
// bottom-right corner of a frame. It is a pure function of image + time.
type Renderer struct {
	location *time.Location
	face     font.Face
}

// NewRenderer creates a renderer using the given timezone name. An
// unknown or empty timezone falls back to UTC.
func NewRenderer(timezone string) *Renderer {
	loc, err := time.LoadLocation(timezone)
	if err != nil {
		loc = time.UTC
	}
	return &Renderer{
		location: loc,
		face:     basicfont.Face7x13,
	}
}

// Apply draws the overlay in place. The image is assumed to be writable
// and exclusively owned by the caller for the duration of the call.
func (r *Renderer) Apply(img *image.RGBA, now time.Time) {
	stamp := now.In(r.location).Format(timeFormat)
	bounds := img.Bounds()

	textWidth := font.MeasureString(r.face, stamp).Ceil()
	metrics := r.face.Metrics()
	textHeight := (metrics.Ascent + metrics.Descent).Ceil()

	// Bottom right with padding
	x := bounds.Max.X - textWidth - padding
	y := bounds.Max.Y - textHeight - padding
	if x < 0 || y < 0 {
		return // frame too small for an overlay
	}

	// Semi-transparent backing rectangle behind the text
	rect := image.Rect(x-rectPadding, y-rectPadding, x+textWidth+rectPadding, y+textHeight+rectPadding)
	drawTranslucentRect(img, rect.Intersect(bounds))

	drawer := &font.Drawer{
		Dst:  img,
		Src:  image.NewUniform(color.RGBA{255, 255, 255, 255}),
		Face: r.face,
		Dot: fixed.Point26_6{
			X: fixed.I(x),
			Y: fixed.I(y) + metrics.Ascent,
		},
	}
	drawer.DrawString(stamp)

	// Spinner above the timestamp, angle keyed to wall-clock time
	radius := textHeight * 3 / 2
	cx := x + textWidth/2
	cy := y - radius - padding
	if cy-radius >= 0 {
		angle := math.Mod(float64(now.UnixMilli())/1000.0*360.0, 360.0)
		drawArc(img, cx, cy, radius, angle, angle+spinnerSweep, color.RGBA{255, 255, 255, 255})
	}
}

// drawTranslucentRect blends a half-opaque black rectangle over the image.
func drawTranslucentRect(img *image.RGBA, rect image.Rectangle) {
	overlay := image.NewUniform(color.RGBA{0, 0, 0, 128})
	draw.Draw(img, rect, overlay, image.Point{}, draw.Over)
}

// drawArc rasterizes a circular arc by stepping along the circumference.
// Angles are in degrees; the stroke is spinnerWidth pixels thick.
func drawArc(img *image.RGBA, cx, cy, radius int, startDeg, endDeg float64, c color.RGBA) {
	if radius <= 0 {
		return
	}
	// Step fine enough to leave no gaps on the outer radius
	steps := int(2 * math.Pi * float64(radius) * (endDeg - startDeg) / 360.0 * 2)
	if steps < 8 {
		steps = 8
	}
	bounds := img.Bounds()
	for i := 0; i <= steps; i++ {
		deg := startDeg + (endDeg-startDeg)*float64(i)/float64(steps)
		rad := deg * math.Pi / 180.0
		for w := 0; w < spinnerWidth; w++ {
			r := float64(radius - w)
			px := cx + int(math.Round(r*math.Cos(rad)))
			py := cy + int(math.Round(r*math.Sin(rad)))
			if image.Pt(px, py).In(bounds) {
				img.SetRGBA(px, py, c)
			}
		}
	}
}
