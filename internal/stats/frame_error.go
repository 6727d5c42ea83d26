package stats

import "math"

// FilterSize is the side of the box used for the filtered error measure.
const FilterSize = 10

// FrameError measures how far the decoded frame would be from pixels. Pixels
// with a non-zero write count are reproduced exactly; every other pixel decodes
// to the truncated background center.
type FrameError struct {
	Mean float64
	Max  float64
	// MaxFiltered is the largest mean error over any FilterSize x FilterSize
	// box, with the frame zero padded at its borders.
	MaxFiltered float64
}

// ComputeFrameError evaluates the reconstruction error of a width x height
// frame.
func ComputeFrameError(pixels []byte, nWrites []uint16, center []float32, width, height int) FrameError {
	n := width * height
	if n == 0 {
		return FrameError{}
	}
	// integral has one extra row and column of zeros.
	stride := width + 1
	integral := make([]float64, stride*(height+1))
	var sum, maxErr float64
	for y := 0; y < height; y++ {
		var rowSum float64
		for x := 0; x < width; x++ {
			i := y*width + x
			var e float64
			if nWrites[i] == 0 {
				c := center[i]
				var bg float64
				switch {
				case c <= 0:
					bg = 0
				case c >= 255:
					bg = 255
				default:
					bg = float64(byte(c))
				}
				e = math.Abs(float64(pixels[i]) - bg)
			}
			sum += e
			if e > maxErr {
				maxErr = e
			}
			rowSum += e
			integral[(y+1)*stride+x+1] = integral[y*stride+x+1] + rowSum
		}
	}

	var maxBox float64
	// Windows anchored so that they may hang over the top/left and
	// bottom/right edges, which is the zero-padded box filter.
	for y0 := -FilterSize + 1; y0 < height; y0++ {
		y1 := min(y0+FilterSize, height)
		ya := max(y0, 0)
		for x0 := -FilterSize + 1; x0 < width; x0++ {
			x1 := min(x0+FilterSize, width)
			xa := max(x0, 0)
			s := integral[y1*stride+x1] - integral[ya*stride+x1] - integral[y1*stride+xa] + integral[ya*stride+xa]
			if s > maxBox {
				maxBox = s
			}
		}
	}

	return FrameError{
		Mean:        sum / float64(n),
		Max:         maxErr,
		MaxFiltered: maxBox / (FilterSize * FilterSize),
	}
}
