package imaging

import (
	"image"
	"image/color"
	"image/draw"

	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

// Overlay is one labelled box to draw on a frame
type Overlay struct {
	Rect  image.Rectangle
	Label string
	Color color.RGBA
}

var (
	// ColorTracking marks a detection that is not stable yet
	ColorTracking = color.RGBA{255, 165, 0, 255}
	// ColorStable marks the stable target
	ColorStable = color.RGBA{0, 255, 0, 255}
)

// Annotate returns a copy of src with the overlays drawn on it
func Annotate(src image.Image, overlays []Overlay) *image.RGBA {
	b := src.Bounds()
	dst := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(dst, dst.Bounds(), src, b.Min, draw.Src)

	for _, o := range overlays {
		r := o.Rect.Sub(b.Min)
		drawBox(dst, r, o.Color, 2)
		if o.Label != "" {
			drawLabel(dst, r.Min.X, r.Min.Y-14, o.Label, o.Color)
		}
	}
	return dst
}

// drawBox draws a rectangle outline clipped to the image
func drawBox(img *image.RGBA, r image.Rectangle, c color.RGBA, thickness int) {
	bounds := img.Bounds()
	for t := 0; t < thickness; t++ {
		for x := r.Min.X; x < r.Max.X; x++ {
			setClipped(img, bounds, x, r.Min.Y+t, c)
			setClipped(img, bounds, x, r.Max.Y-1-t, c)
		}
		for y := r.Min.Y; y < r.Max.Y; y++ {
			setClipped(img, bounds, r.Min.X+t, y, c)
			setClipped(img, bounds, r.Max.X-1-t, y, c)
		}
	}
}

func setClipped(img *image.RGBA, bounds image.Rectangle, x, y int, c color.RGBA) {
	if image.Pt(x, y).In(bounds) {
		img.SetRGBA(x, y, c)
	}
}

// drawLabel draws text on a dark background
func drawLabel(img *image.RGBA, x, y int, label string, c color.RGBA) {
	if y < 0 {
		y = 0
	}
	if x < 0 {
		x = 0
	}

	bg := image.Rect(x-2, y-2, x+len(label)*7+2, y+12).Intersect(img.Bounds())
	draw.Draw(img, bg, image.NewUniform(color.RGBA{0, 0, 0, 180}), image.Point{}, draw.Over)

	d := &font.Drawer{
		Dst:  img,
		Src:  image.NewUniform(c),
		Face: basicfont.Face7x13,
		Dot:  fixed.Point26_6{X: fixed.I(x), Y: fixed.I(y + 10)},
	}
	d.DrawString(label)
}
