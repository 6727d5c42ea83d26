package processing

import (
	"fmt"
	"math"
)

// Histogram reset policies applied once nFramesAdded reaches MinNFramesReset.
const (
	ResetHard  = "hard"
	ResetDecay = "decay"
)

// BackgroundOptions configures a BackgroundModel.
type BackgroundOptions struct {
	NBins           int
	MinNFramesReset int
	ResetPolicy     string
	BackSubThresh   float64
}

// BackgroundModel keeps a per-pixel intensity histogram and derives the
// background center from it. It is not safe for concurrent use; the writer
// drives it from the producer goroutine only.
type BackgroundModel struct {
	width   int
	height  int
	nPixels int

	nBins      int
	binWidth   int
	binCenters []float32
	counts     []uint8 // pixel-major: counts[i*nBins+b]
	center     []float32

	nFramesAdded    int
	minNFramesReset int
	policy          string
	thresh          float64
	generation      uint64
}

// Snapshot is one published background estimate. It is never modified after
// the model hands it out.
type Snapshot struct {
	Generation        uint64
	MinFrame          uint64
	KeyframeTimestamp float64
	Center            []float32
	Lower             []byte
	Upper             []byte
}

func NewBackgroundModel(width, height int, opts BackgroundOptions) (*BackgroundModel, error) {
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("invalid frame size %dx%d", width, height)
	}
	if opts.NBins <= 0 || opts.NBins > 256 || 256%opts.NBins != 0 {
		return nil, fmt.Errorf("bin count %d does not divide 256", opts.NBins)
	}
	if opts.MinNFramesReset <= 0 {
		return nil, fmt.Errorf("invalid reset count %d", opts.MinNFramesReset)
	}
	policy := opts.ResetPolicy
	if policy == "" {
		policy = ResetHard
	}
	if policy != ResetHard && policy != ResetDecay {
		return nil, fmt.Errorf("unknown reset policy %q", opts.ResetPolicy)
	}

	nPixels := width * height
	binWidth := 256 / opts.NBins
	centers := make([]float32, opts.NBins)
	for b := range centers {
		centers[b] = float32(b*binWidth) + float32(binWidth-1)/2
	}
	return &BackgroundModel{
		width:           width,
		height:          height,
		nPixels:         nPixels,
		nBins:           opts.NBins,
		binWidth:        binWidth,
		binCenters:      centers,
		counts:          make([]uint8, nPixels*opts.NBins),
		center:          make([]float32, nPixels),
		minNFramesReset: opts.MinNFramesReset,
		policy:          policy,
		thresh:          opts.BackSubThresh,
	}, nil
}

// AddFrame adds one frame to the histogram. pixels must hold width*height bytes.
func (m *BackgroundModel) AddFrame(pixels []byte) {
	px := pixels[:m.nPixels]
	for i, v := range px {
		b := int(v) / m.binWidth
		if b >= m.nBins {
			b = m.nBins - 1
		}
		idx := i*m.nBins + b
		if m.counts[idx] < math.MaxUint8 {
			m.counts[idx]++
		}
	}
	m.nFramesAdded++
}

// UpdateModel recomputes the center of every pixel as the count-weighted mean
// of its bin centers. Pixels without any counts keep their previous center.
// The returned buffer is a fresh copy owned by the caller.
func (m *BackgroundModel) UpdateModel() []float32 {
	for i := 0; i < m.nPixels; i++ {
		row := m.counts[i*m.nBins : (i+1)*m.nBins]
		var total uint32
		var weighted float32
		for b, c := range row {
			if c == 0 {
				continue
			}
			total += uint32(c)
			weighted += float32(c) * m.binCenters[b]
		}
		if total > 0 {
			m.center[i] = weighted / float32(total)
		}
	}

	if m.nFramesAdded >= m.minNFramesReset {
		m.reset()
	}

	out := make([]float32, m.nPixels)
	copy(out, m.center)
	return out
}

func (m *BackgroundModel) reset() {
	switch m.policy {
	case ResetDecay:
		for i, c := range m.counts {
			m.counts[i] = c / 2
		}
		m.nFramesAdded /= 2
	default:
		clear(m.counts)
		m.nFramesAdded = 0
	}
}

// Bounds derives the 8-bit lower and upper foreground bounds for center.
func (m *BackgroundModel) Bounds(center []float32) (lower, upper []byte) {
	lower = make([]byte, len(center))
	upper = make([]byte, len(center))
	for i, c := range center {
		lo := float64(c) - m.thresh
		hi := float64(c) + m.thresh
		lower[i] = clampByte(lo)
		upper[i] = clampByte(hi)
	}
	return lower, upper
}

// Snapshot updates the model and packages the result for publication.
// minFrame is the first frame number allowed to compress against it.
func (m *BackgroundModel) Snapshot(minFrame uint64, keyframeTimestamp float64) *Snapshot {
	center := m.UpdateModel()
	lower, upper := m.Bounds(center)
	m.generation++
	return &Snapshot{
		Generation:        m.generation,
		MinFrame:          minFrame,
		KeyframeTimestamp: keyframeTimestamp,
		Center:            center,
		Lower:             lower,
		Upper:             upper,
	}
}

func (m *BackgroundModel) NFramesAdded() int {
	return m.nFramesAdded
}

func (m *BackgroundModel) Size() (int, int) {
	return m.width, m.height
}

func clampByte(v float64) byte {
	if v <= 0 {
		return 0
	}
	if v >= 255 {
		return 255
	}
	return byte(v)
}
