//go:build gocv

package imaging

import (
	"image"

	"gocv.io/x/gocv"
)

// FocusScore returns the variance of OpenCV's Laplacian over the luminance
// of img. Build with -tags gocv to use it.
func FocusScore(img image.Image) float64 {
	g := Gray(img)
	w, h := g.Rect.Dx(), g.Rect.Dy()
	if w < 3 || h < 3 {
		return 0
	}

	src, err := gocv.NewMatFromBytes(h, w, gocv.MatTypeCV8UC1, compactGray(g))
	if err != nil {
		return 0
	}
	defer src.Close()

	lap := gocv.NewMat()
	defer lap.Close()
	gocv.Laplacian(src, &lap, gocv.MatTypeCV64F, 1, 1, 0, gocv.BorderDefault)

	mean := gocv.NewMat()
	defer mean.Close()
	stddev := gocv.NewMat()
	defer stddev.Close()
	gocv.MeanStdDev(lap, &mean, &stddev)

	sd := stddev.GetDoubleAt(0, 0)
	return sd * sd
}

// compactGray returns the pixels without row padding.
func compactGray(g *image.Gray) []byte {
	w, h := g.Rect.Dx(), g.Rect.Dy()
	if g.Stride == w {
		return g.Pix[:w*h]
	}
	out := make([]byte, 0, w*h)
	for y := 0; y < h; y++ {
		out = append(out, g.Pix[y*g.Stride:y*g.Stride+w]...)
	}
	return out
}
