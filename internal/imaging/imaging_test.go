package imaging

import (
	"image"
	"image/color"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fill(w, h int, c color.RGBA) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetRGBA(x, y, c)
		}
	}
	return img
}

func checkerboard(w, h, cell int) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			if (x/cell+y/cell)%2 == 0 {
				img.SetRGBA(x, y, color.RGBA{255, 255, 255, 255})
			} else {
				img.SetRGBA(x, y, color.RGBA{0, 0, 0, 255})
			}
		}
	}
	return img
}

func TestCropWithMargin(t *testing.T) {
	img := fill(100, 80, color.RGBA{10, 20, 30, 255})

	out := CropWithMargin(img, image.Rect(20, 20, 60, 40), 0.25)
	assert.Equal(t, image.Rect(0, 0, 60, 30), out.Bounds())

	// Margin is clipped at the frame edge.
	out = CropWithMargin(img, image.Rect(0, 0, 50, 40), 0.5)
	assert.Equal(t, image.Rect(0, 0, 75, 60), out.Bounds())

	out = CropWithMargin(img, image.Rect(200, 200, 300, 300), 0.1)
	assert.True(t, out.Bounds().Empty())
}

func TestRotations(t *testing.T) {
	src := image.NewRGBA(image.Rect(0, 0, 3, 2))
	marker := color.RGBA{255, 0, 0, 255}
	src.SetRGBA(0, 0, marker) // top-left

	r90 := Rotate90(src)
	require.Equal(t, image.Rect(0, 0, 2, 3), r90.Bounds())
	assert.Equal(t, marker, r90.RGBAAt(1, 0), "top-left moves to top-right")

	r180 := Rotate180(src)
	assert.Equal(t, marker, r180.RGBAAt(2, 1))

	r270 := Rotate270(src)
	require.Equal(t, image.Rect(0, 0, 2, 3), r270.Bounds())
	assert.Equal(t, marker, r270.RGBAAt(0, 2), "top-left moves to bottom-left")

	assert.Equal(t, src.Pix, Rotate90(Rotate270(src)).Pix)
	assert.Equal(t, r90.Pix, Rotate(src, 1).Pix)
	assert.Equal(t, r270.Pix, Rotate(src, -1).Pix)
	assert.Same(t, src, Rotate(src, 4))
}

func TestFitWithin(t *testing.T) {
	assert.Equal(t, image.Rect(0, 0, 400, 200), FitWithin(fill(800, 400, color.RGBA{A: 255}), 400).Bounds())
	assert.Equal(t, image.Rect(0, 0, 100, 400), FitWithin(fill(300, 1200, color.RGBA{A: 255}), 400).Bounds())
	assert.Equal(t, image.Rect(0, 0, 50, 30), FitWithin(fill(50, 30, color.RGBA{A: 255}), 400).Bounds())
	assert.Equal(t, image.Rect(0, 0, 320, 240), Scale(fill(640, 480, color.RGBA{A: 255}), 0.5).Bounds())
}

func TestFocusScore(t *testing.T) {
	flat := fill(64, 64, color.RGBA{128, 128, 128, 255})
	assert.InDelta(t, 0, FocusScore(flat), 1e-9)

	sharp := checkerboard(64, 64, 2)
	blurry := Resize(Resize(sharp, 8, 8), 64, 64)
	assert.Greater(t, FocusScore(sharp), FocusScore(blurry))
	assert.Greater(t, FocusScore(sharp), 1000.0)

	assert.Zero(t, FocusScore(fill(2, 2, color.RGBA{A: 255})))
}

func TestAverageHash(t *testing.T) {
	a := checkerboard(64, 64, 8)
	b := checkerboard(64, 64, 8)
	assert.Equal(t, 0, AverageHash(a).Distance(AverageHash(b)))

	// Slight brightness change keeps the hash.
	dim := image.NewRGBA(a.Bounds())
	for i := range a.Pix {
		dim.Pix[i] = a.Pix[i]
		if i%4 != 3 && dim.Pix[i] > 10 {
			dim.Pix[i] -= 10
		}
	}
	assert.LessOrEqual(t, AverageHash(a).Distance(AverageHash(dim)), 2)

	// Inverted content flips every bit.
	inv := image.NewRGBA(a.Bounds())
	for i := range a.Pix {
		inv.Pix[i] = a.Pix[i]
		if i%4 != 3 {
			inv.Pix[i] = 255 - a.Pix[i]
		}
	}
	assert.Equal(t, 64, AverageHash(a).Distance(AverageHash(inv)))
}

func TestAnnotateDoesNotModifySource(t *testing.T) {
	src := fill(40, 40, color.RGBA{0, 0, 0, 255})
	before := append([]byte(nil), src.Pix...)

	out := Annotate(src, []Overlay{{Rect: image.Rect(5, 20, 30, 35), Label: "label 91%", Color: ColorStable}})

	assert.Equal(t, before, src.Pix)
	assert.Equal(t, ColorStable, out.RGBAAt(5, 25))
	assert.Equal(t, ColorStable, out.RGBAAt(29, 25))
}

func TestEncodeJPEG(t *testing.T) {
	data, err := EncodeJPEG(fill(16, 16, color.RGBA{1, 2, 3, 255}), 85)
	require.NoError(t, err)
	assert.Equal(t, []byte{0xFF, 0xD8}, data[:2])
}
