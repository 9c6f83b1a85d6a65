// Package overlay draws detections onto frames and keeps the latest annotated frame of each
// camera for display.
package overlay

import (
	"fmt"
	"image"
	"image/color"

	"github.com/andresmejia3/overwatch/internal/types"
	"golang.org/x/image/draw"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

const (
	boxWidth        = 2
	cornerLength    = 20
	cornerThickness = 3
	labelPadding    = 5

	UnknownName  = "UNKNOWN PERSON"
	UnknownRegno = "UNREGISTERED"
)

var (
	Known    = color.RGBA{0, 255, 0, 255}
	Unknown  = color.RGBA{255, 0, 0, 255}
	ScanLine = color.RGBA{255, 255, 0, 255}
	text     = color.RGBA{0, 0, 0, 255}
)

// Label is the caption drawn above a detection box.
func Label(d types.Detection) string {
	name, regno := UnknownName, UnknownRegno
	if d.Known() {
		name, regno = d.Identity.Name, d.Identity.Regno
	}
	label := fmt.Sprintf("%s (%s)", name, regno)
	if d.Confidence > 0 {
		label += fmt.Sprintf(" - %.1f%%", d.Confidence)
	}
	return label
}

// Annotate returns a copy of img with every detection drawn on it.
func Annotate(img image.Image, dets []types.Detection) *image.RGBA {
	b := img.Bounds()
	dst := image.NewRGBA(b)
	draw.Draw(dst, b, img, b.Min, draw.Src)
	for _, d := range dets {
		drawDetection(dst, d)
	}
	return dst
}

func drawDetection(dst *image.RGBA, d types.Detection) {
	c := Unknown
	if d.Known() {
		c = Known
	}
	l, t, r, bt := d.Box.Left, d.Box.Top, d.Box.Right, d.Box.Bottom

	// Main rectangle.
	fill(dst, image.Rect(l, t, r, t+boxWidth), c)
	fill(dst, image.Rect(l, bt-boxWidth, r, bt), c)
	fill(dst, image.Rect(l, t, l+boxWidth, bt), c)
	fill(dst, image.Rect(r-boxWidth, t, r, bt), c)

	// Corner brackets.
	n, k := cornerLength, cornerThickness
	fill(dst, image.Rect(l, t, l+n, t+k), c)
	fill(dst, image.Rect(l, t, l+k, t+n), c)
	fill(dst, image.Rect(r-n, t, r, t+k), c)
	fill(dst, image.Rect(r-k, t, r, t+n), c)
	fill(dst, image.Rect(l, bt-k, l+n, bt), c)
	fill(dst, image.Rect(l, bt-n, l+k, bt), c)
	fill(dst, image.Rect(r-n, bt-k, r, bt), c)
	fill(dst, image.Rect(r-k, bt-n, r, bt), c)

	// Label bar.
	label := Label(d)
	face := basicfont.Face7x13
	drawer := &font.Drawer{Dst: dst, Src: image.NewUniform(text), Face: face}
	width := drawer.MeasureString(label).Ceil()
	height := face.Metrics().Height.Ceil()
	fill(dst, image.Rect(l, t-height-2*labelPadding, l+width, t), c)
	drawer.Dot = fixed.P(l, t-labelPadding-face.Metrics().Descent.Ceil())
	drawer.DrawString(label)

	// Scan line through the middle.
	mid := t + (bt-t)/2
	fill(dst, image.Rect(l, mid, r, mid+1), ScanLine)
}

// fill paints r clipped to dst.
func fill(dst *image.RGBA, r image.Rectangle, c color.Color) {
	draw.Draw(dst, r.Intersect(dst.Bounds()), image.NewUniform(c), image.Point{}, draw.Src)
}
