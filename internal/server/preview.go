package server

import (
	"sync"
	"time"

	"any2ufmf-go/internal/types"
)

// Mailbox holds the newest preview frame. Publish never blocks and never
// queues: a frame nobody took yet is overwritten and counted as skipped.
type Mailbox struct {
	mu          sync.Mutex
	latest      *types.PreviewFrame
	skipped     uint64
	lastPublish time.Time
	minInterval time.Duration
	scale       int
	width       int
	height      int
	notify      chan struct{}
}

// NewMailbox returns a mailbox for width x height frames, downsampled by
// scale and accepted at most once per minInterval.
func NewMailbox(width, height, scale int, minInterval time.Duration) *Mailbox {
	if scale < 1 {
		scale = 1
	}
	return &Mailbox{
		minInterval: minInterval,
		scale:       scale,
		width:       width,
		height:      height,
		notify:      make(chan struct{}, 1),
	}
}

// Publish offers a frame for preview.
func (m *Mailbox) Publish(frameNumber uint64, timestamp float64, pixels []byte) {
	now := time.Now()
	m.mu.Lock()
	if !m.lastPublish.IsZero() && now.Sub(m.lastPublish) < m.minInterval {
		m.skipped++
		m.mu.Unlock()
		return
	}
	m.lastPublish = now
	if m.latest != nil {
		m.skipped++
	}
	width, height := m.width, m.height
	m.mu.Unlock()
	if len(pixels) < width*height {
		return
	}

	frame := downsample(frameNumber, timestamp, pixels, width, height, m.scale)

	m.mu.Lock()
	m.latest = &frame
	m.mu.Unlock()
	select {
	case m.notify <- struct{}{}:
	default:
	}
}

// Resize changes the expected frame size, for streams whose size is only
// known once the first frame arrives.
func (m *Mailbox) Resize(width, height int) {
	m.mu.Lock()
	m.width = width
	m.height = height
	m.latest = nil
	m.mu.Unlock()
}

func downsample(frameNumber uint64, timestamp float64, pixels []byte, width, height, scale int) types.PreviewFrame {
	w := width / scale
	h := height / scale
	out := make([]byte, w*h)
	for y := 0; y < h; y++ {
		src := y * scale * width
		for x := 0; x < w; x++ {
			out[y*w+x] = pixels[src+x*scale]
		}
	}
	return types.PreviewFrame{
		Type:        "frame",
		FrameNumber: frameNumber,
		Timestamp:   timestamp,
		Width:       w,
		Height:      h,
		Scale:       scale,
		Pixels:      out,
	}
}

// Take removes and returns the newest frame.
func (m *Mailbox) Take() (types.PreviewFrame, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.latest == nil {
		return types.PreviewFrame{}, false
	}
	frame := *m.latest
	frame.Skipped = m.skipped
	m.latest = nil
	return frame, true
}

// Ready fires after a Publish that stored a frame.
func (m *Mailbox) Ready() <-chan struct{} {
	return m.notify
}

func (m *Mailbox) Skipped() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.skipped
}
