package imaging

import (
	"image"
	"math/bits"
)

// Hash is a 64-bit perceptual fingerprint
type Hash uint64

// AverageHash downscales img to 8x8 grayscale and sets one bit per cell
// that is brighter than the mean.
func AverageHash(img image.Image) Hash {
	small := Gray(Resize(img, 8, 8))

	var sum int
	for y := 0; y < 8; y++ {
		for x := 0; x < 8; x++ {
			sum += int(small.Pix[y*small.Stride+x])
		}
	}
	mean := sum / 64

	var h Hash
	for y := 0; y < 8; y++ {
		for x := 0; x < 8; x++ {
			if int(small.Pix[y*small.Stride+x]) > mean {
				h |= 1 << uint(y*8+x)
			}
		}
	}
	return h
}

// Distance returns the Hamming distance between two hashes
func (h Hash) Distance(o Hash) int {
	return bits.OnesCount64(uint64(h ^ o))
}
