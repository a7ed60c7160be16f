//go:build !gocv

package imaging

import "image"

// FocusScore returns the variance of the 3x3 Laplacian response over the
// luminance of img. Higher is sharper; flat images score 0.
func FocusScore(img image.Image) float64 {
	g := Gray(img)
	w, h := g.Rect.Dx(), g.Rect.Dy()
	if w < 3 || h < 3 {
		return 0
	}

	var sum, sumSq float64
	n := 0
	for y := 1; y < h-1; y++ {
		row := y * g.Stride
		for x := 1; x < w-1; x++ {
			i := row + x
			v := float64(g.Pix[i-g.Stride]) + float64(g.Pix[i+g.Stride]) +
				float64(g.Pix[i-1]) + float64(g.Pix[i+1]) - 4*float64(g.Pix[i])
			sum += v
			sumSq += v * v
			n++
		}
	}

	mean := sum / float64(n)
	return sumSq/float64(n) - mean*mean
}
