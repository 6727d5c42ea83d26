package simulator

import (
	"context"
	"math"
	"math/rand"
	"time"

	"any2ufmf-go/internal/types"
)

// Scene renders a static, slightly noisy background with bright blobs moving
// across it.
type Scene struct {
	width  int
	height int
	base   []float64
	blobs  []blob
	rng    *rand.Rand
	noise  float64
}

type blob struct {
	x, y   float64
	vx, vy float64
	radius float64
}

// NewScene builds a width x height scene with nBlobs moving objects. The same
// seed always renders the same frames.
func NewScene(width, height, nBlobs int, seed int64) *Scene {
	rng := rand.New(rand.NewSource(seed))
	base := make([]float64, width*height)
	cx := float64(width) / 2.0
	cy := float64(height) / 2.0
	spread := float64(width*height) / 4
	for i := range base {
		dx := float64(i%width) - cx
		dy := float64(i/width) - cy
		// vignetted illumination plus fixed-pattern noise
		base[i] = 70 + 50*math.Exp(-(dx*dx+dy*dy)/spread) + rng.NormFloat64()*2
	}
	blobs := make([]blob, nBlobs)
	for i := range blobs {
		blobs[i] = blob{
			x:      rng.Float64() * float64(width),
			y:      rng.Float64() * float64(height),
			vx:     (rng.Float64() - 0.5) * 4,
			vy:     (rng.Float64() - 0.5) * 4,
			radius: 3 + rng.Float64()*float64(min(width, height))/20,
		}
	}
	return &Scene{width: width, height: height, base: base, blobs: blobs, rng: rng, noise: 1.5}
}

// Render draws frame i into dst, which must hold width*height bytes.
func (s *Scene) Render(i int, dst []byte) {
	for p, v := range s.base {
		dst[p] = clamp(v + s.rng.NormFloat64()*s.noise)
	}
	t := float64(i)
	for _, b := range s.blobs {
		bx := wrap(b.x+b.vx*t, float64(s.width))
		by := wrap(b.y+b.vy*t, float64(s.height))
		r := b.radius
		x0, x1 := max(0, int(bx-r)), min(s.width-1, int(bx+r))
		y0, y1 := max(0, int(by-r)), min(s.height-1, int(by+r))
		for y := y0; y <= y1; y++ {
			for x := x0; x <= x1; x++ {
				dx := float64(x) - bx
				dy := float64(y) - by
				if dx*dx+dy*dy <= r*r {
					dst[y*s.width+x] = 230
				}
			}
		}
	}
}

// Stream emits rendered frames at acqRate until ctx ends or nFrames frames
// were sent (nFrames <= 0 means unlimited). Frames the consumer is not ready
// for are dropped and reported on the next frame, like a camera ring would.
func Stream(ctx context.Context, width, height int, acqRate float64, nFrames int) <-chan types.Frame {
	out := make(chan types.Frame, 4)
	go func() {
		defer close(out)

		scene := NewScene(width, height, 3, time.Now().UnixNano())
		frameInterval := time.Duration(float64(time.Second) / acqRate)
		ticker := time.NewTicker(frameInterval)
		defer ticker.Stop()

		start := time.Now()
		var dropped uint64
		for frameID := 0; nFrames <= 0 || frameID < nFrames; frameID++ {
			select {
			case <-ctx.Done():
				return
			case now := <-ticker.C:
				pixels := make([]byte, width*height)
				scene.Render(frameID, pixels)
				frame := types.Frame{
					FrameID:   frameID,
					Timestamp: now.Sub(start).Seconds(),
					Width:     width,
					Height:    height,
					Pixels:    pixels,
					Dropped:   dropped,
					Buffered:  uint64(len(out)),
				}
				select {
				case out <- frame:
				default:
					dropped++
				}
			}
		}
	}()

	return out
}

func clamp(v float64) byte {
	if v <= 0 {
		return 0
	}
	if v >= 255 {
		return 255
	}
	return byte(v)
}

func wrap(v, size float64) float64 {
	v = math.Mod(v, size)
	if v < 0 {
		v += size
	}
	return v
}
