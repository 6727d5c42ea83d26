package ufmf

import (
	"bytes"
	"errors"
	"math/rand/v2"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"any2ufmf-go/internal/config"
	"any2ufmf-go/internal/output"
)

const testBackground = 60

// squareFrame is a flat background with a bright square that moves with i.
func squareFrame(w, h, i int) []byte {
	buf := bytes.Repeat([]byte{testBackground}, w*h)
	if i == 0 {
		return buf
	}
	x0 := (i * 3) % (w - 8)
	y0 := (i * 2) % (h - 8)
	for y := y0; y < y0+8; y++ {
		for x := x0; x < x0+8; x++ {
			buf[y*w+x] = 240
		}
	}
	return buf
}

func testParams() config.Params {
	p := config.DefaultParams()
	p.BoxLength = 8
	p.NThreads = 3
	p.WaitTimeout = 5 * time.Second
	p.PrintStats = false
	return p
}

func newTestWriter(t *testing.T, w, h int, p config.Params) (*Writer, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "out.ufmf")
	wr, err := New(Options{Path: path, Width: w, Height: h, Params: p})
	require.NoError(t, err)
	return wr, path
}

type decoded struct {
	header output.Header
	index  output.Index
	frames []output.FrameChunk
}

func decodeFile(t *testing.T, path string) decoded {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	var d decoded
	d.header, err = output.ReadHeader(f)
	require.NoError(t, err)
	d.index, err = output.ReadIndex(f, d.header)
	require.NoError(t, err)
	for _, e := range d.index.Frames {
		fc, err := output.ReadFrameChunk(f, e.Loc, d.header)
		require.NoError(t, err)
		d.frames = append(d.frames, fc)
	}
	return d
}

func TestWriterKeepsFrameOrderUnderRandomLatency(t *testing.T) {
	t.Parallel()

	const w, h, n = 48, 32, 80
	p := testParams()
	p.NThreads = 4
	wr, path := newTestWriter(t, w, h, p)
	var (
		snapMu      sync.Mutex
		generations = make([]uint64, n)
		minFrames   = make([]uint64, n)
	)
	wr.beforeCompress = func(frameNumber uint64) {
		// the claiming worker owns the slot until it marks it ready
		snap := wr.slots[frameNumber%uint64(wr.depth)].snap
		snapMu.Lock()
		generations[frameNumber] = snap.Generation
		minFrames[frameNumber] = snap.MinFrame
		snapMu.Unlock()
		time.Sleep(time.Duration(rand.IntN(3000)) * time.Microsecond)
	}
	require.NoError(t, wr.StartWrite())
	assert.Equal(t, StateWriting, wr.State())

	for i := 0; i < n; i++ {
		require.NoError(t, wr.AddFrame(squareFrame(w, h, i), float64(i)*0.01))
	}
	written, err := wr.StopWrite()
	require.NoError(t, err)
	assert.Equal(t, uint64(n), written)
	assert.Equal(t, StateClosed, wr.State())

	d := decodeFile(t, path)
	require.Len(t, d.frames, n)
	for i, fc := range d.frames {
		assert.Equal(t, uint64(i), fc.FrameNumber)
		assert.Equal(t, float64(i)*0.01, fc.Timestamp)
		if i > 0 {
			assert.Greater(t, d.index.Frames[i].Loc, d.index.Frames[i-1].Loc)
		}
	}

	snapMu.Lock()
	defer snapMu.Unlock()
	for i := 0; i < n; i++ {
		assert.LessOrEqual(t, minFrames[i], uint64(i), "frame %d compressed against a later background", i)
		assert.NotZero(t, generations[i])
		if i > 0 {
			assert.GreaterOrEqual(t, generations[i], generations[i-1], "frame %d went back a background generation", i)
		}
	}

	info := wr.Info()
	assert.True(t, info.Finalized)
	assert.Equal(t, uint64(n), info.FramesWritten)
	assert.Equal(t, int64(d.header.IndexLoc), info.IndexLoc)
	assert.NoError(t, info.Err)
}

func TestWriterRoundTripAgainstKeyframe(t *testing.T) {
	t.Parallel()

	const w, h, n = 40, 40, 30
	p := testParams()
	// a single background estimate, taken from the first frame
	p.NFramesInit = 1
	p.BGUpdatePeriod = 1e9
	wr, path := newTestWriter(t, w, h, p)
	require.NoError(t, wr.StartWrite())

	frames := make([][]byte, n)
	for i := range frames {
		frames[i] = squareFrame(w, h, i)
		require.NoError(t, wr.AddFrame(frames[i], float64(i)/30))
	}
	_, err := wr.StopWrite()
	require.NoError(t, err)

	d := decodeFile(t, path)
	require.Len(t, d.index.Keyframes, 1)
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	kf, err := output.ReadKeyframeChunk(f, d.index.Keyframes[0].Loc)
	require.NoError(t, err)
	assert.Less(t, d.index.Keyframes[0].Loc, d.index.Frames[0].Loc)

	thresh := p.BackSubThresh
	out := make([]byte, w*h)
	for i, fc := range d.frames {
		require.True(t, fc.IsCompressed, "frame %d", i)
		fc.Reconstruct(kf.Center, w, out)
		for px, v := range frames[i] {
			c := float64(kf.Center[px])
			if float64(v) < float64(byte(max(0, c-thresh))) || float64(v) > float64(byte(min(255, c+thresh))) {
				require.Equal(t, v, out[px], "frame %d pixel %d", i, px)
				continue
			}
			assert.InDelta(t, float64(v), float64(out[px]), thresh, "frame %d pixel %d", i, px)
		}
	}
}

func TestNumWrittenIsStable(t *testing.T) {
	t.Parallel()

	const w, h = 16, 16
	wr, _ := newTestWriter(t, w, h, testParams())
	assert.Zero(t, wr.NumWritten())
	require.NoError(t, wr.StartWrite())
	for i := 0; i < 10; i++ {
		require.NoError(t, wr.AddFrame(squareFrame(w, h, i), float64(i)))
	}
	written, err := wr.StopWrite()
	require.NoError(t, err)

	first := wr.NumWritten()
	second := wr.NumWritten()
	assert.Equal(t, first, second)
	assert.Equal(t, written, first)
}

func TestAddFrameBackpressure(t *testing.T) {
	t.Parallel()

	const w, h = 16, 16
	p := testParams()
	p.NThreads = 1
	p.RingSlack = 1
	p.WaitTimeout = 50 * time.Millisecond
	wr, path := newTestWriter(t, w, h, p)

	gate := make(chan struct{})
	wr.beforeWrite = func(uint64) { <-gate }
	require.NoError(t, wr.StartWrite())

	require.NoError(t, wr.AddFrame(squareFrame(w, h, 0), 0))
	require.NoError(t, wr.AddFrame(squareFrame(w, h, 1), 1))
	for i := 0; i < 3; i++ {
		err := wr.AddFrame(squareFrame(w, h, 2), 2)
		assert.ErrorIs(t, err, ErrBackpressure)
	}
	assert.Equal(t, uint64(3), wr.NumDropped())

	close(gate)
	require.NoError(t, wr.AddFrame(squareFrame(w, h, 2), 2))
	require.NoError(t, wr.AddFrame(squareFrame(w, h, 3), 3))

	written, err := wr.StopWrite()
	require.NoError(t, err)
	assert.Equal(t, uint64(4), written)

	d := decodeFile(t, path)
	require.Len(t, d.frames, 4)
	for i, fc := range d.frames {
		assert.Equal(t, uint64(i), fc.FrameNumber)
		assert.Equal(t, float64(i), fc.Timestamp)
	}
}

func TestStopWriteForcesFinalizeWhenWorkerStalls(t *testing.T) {
	t.Parallel()

	const w, h = 16, 16
	p := testParams()
	p.NThreads = 2
	p.RingSlack = 2
	p.WaitTimeout = 100 * time.Millisecond
	wr, path := newTestWriter(t, w, h, p)

	const stallAt = 5
	gate := make(chan struct{})
	var once sync.Once
	t.Cleanup(func() { once.Do(func() { close(gate) }) })
	wr.beforeCompress = func(n uint64) {
		if n == stallAt {
			<-gate
		}
	}
	require.NoError(t, wr.StartWrite())

	for i := 0; i < 12; i++ {
		_ = wr.AddFrame(squareFrame(w, h, i), float64(i))
	}
	written, err := wr.StopWrite()
	assert.ErrorIs(t, err, ErrThreadTimeout)
	assert.Equal(t, uint64(stallAt), written)
	assert.Equal(t, uint64(stallAt), wr.NumWritten())

	d := decodeFile(t, path)
	assert.NotZero(t, d.header.IndexLoc)
	require.Len(t, d.frames, stallAt)
	for i, fc := range d.frames {
		assert.Equal(t, uint64(i), fc.FrameNumber)
	}
	assert.True(t, wr.Info().Finalized)
}

type brokenSink struct {
	mu        sync.Mutex
	n         int
	failAfter int
	patched   bool
}

var errMediaGone = errors.New("media gone")

func (s *brokenSink) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.n+len(p) > s.failAfter {
		return 0, errMediaGone
	}
	s.n += len(p)
	return len(p), nil
}

func (s *brokenSink) WriteAt(p []byte, off int64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.patched = true
	return len(p), nil
}

func (s *brokenSink) Close() error { return nil }

func TestWriteFailureAbortsSessionWithoutIndex(t *testing.T) {
	t.Parallel()

	const w, h = 256, 256
	p := testParams()
	p.MaxFracFgCompress = 0 // every frame raw
	p.NFramesInit = 0
	p.BGUpdatePeriod = 1e9
	sink := &brokenSink{failAfter: 64}
	wr, err := New(Options{Sink: sink, Width: w, Height: h, Params: p})
	require.NoError(t, err)
	require.NoError(t, wr.StartWrite())

	frame := make([]byte, w*h)
	var addErr error
	for i := 0; i < 64 && addErr == nil; i++ {
		addErr = wr.AddFrame(frame, float64(i))
		if errors.Is(addErr, ErrBackpressure) {
			addErr = nil
		}
	}
	written, err := wr.StopWrite()
	assert.ErrorIs(t, err, ErrWrite)
	assert.ErrorIs(t, err, errMediaGone)
	assert.Less(t, written, uint64(64))
	assert.False(t, sink.patched)
	assert.False(t, wr.Info().Finalized)
}

func TestKeyframeScheduleFollowsRampUp(t *testing.T) {
	t.Parallel()

	const w, h = 16, 16
	p := testParams()
	p.BGKeyFramePeriodInit = []float64{0.125, 0.25}
	p.BGKeyFramePeriod = 0.5
	wr, path := newTestWriter(t, w, h, p)
	require.NoError(t, wr.StartWrite())
	for i := 0; i < 32; i++ {
		require.NoError(t, wr.AddFrame(squareFrame(w, h, i), float64(i)*0.0625))
	}
	_, err := wr.StopWrite()
	require.NoError(t, err)

	d := decodeFile(t, path)
	var stamps []float64
	for _, kf := range d.index.Keyframes {
		stamps = append(stamps, kf.Timestamp)
	}
	assert.Equal(t, []float64{0, 0.125, 0.375, 0.875, 1.375, 1.875}, stamps)
	assert.Equal(t, uint64(6), wr.Info().KeyframesWritten)

	// each keyframe directly precedes the frame that scheduled it
	frameLoc := map[float64]int64{}
	for _, e := range d.index.Frames {
		frameLoc[e.Timestamp] = e.Loc
	}
	for _, kf := range d.index.Keyframes {
		assert.Less(t, kf.Loc, frameLoc[kf.Timestamp])
	}
}

func TestWriterLifecycleErrors(t *testing.T) {
	t.Parallel()

	const w, h = 8, 8
	wr, _ := newTestWriter(t, w, h, testParams())
	assert.ErrorIs(t, wr.AddFrame(make([]byte, w*h), 0), ErrNotWriting)

	require.NoError(t, wr.StartWrite())
	assert.ErrorIs(t, wr.StartWrite(), ErrAlreadyStarted)
	assert.ErrorIs(t, wr.AddFrame(make([]byte, 5), 0), ErrFrameSize)

	_, err := wr.StopWrite()
	require.NoError(t, err)
	_, err = wr.StopWrite()
	assert.ErrorIs(t, err, ErrNotWriting)
	assert.ErrorIs(t, wr.AddFrame(make([]byte, w*h), 1), ErrNotWriting)

	_, err = New(Options{Path: "x.ufmf", Width: 0, Height: 4, Params: testParams()})
	assert.ErrorIs(t, err, ErrFrameSize)
}

func TestStartWriteOpenError(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	blocker := filepath.Join(dir, "file")
	require.NoError(t, os.WriteFile(blocker, nil, 0o644))

	wr, err := New(Options{Path: filepath.Join(blocker, "out.ufmf"), Width: 8, Height: 8, Params: testParams()})
	require.NoError(t, err)
	assert.ErrorIs(t, wr.StartWrite(), ErrOpen)
	assert.Equal(t, StateIdle, wr.State())
}

type recordingPreview struct {
	mu     sync.Mutex
	frames []uint64
}

func (r *recordingPreview) Publish(frameNumber uint64, _ float64, _ []byte) {
	r.mu.Lock()
	r.frames = append(r.frames, frameNumber)
	r.mu.Unlock()
}

func TestPreviewSeesAcceptedFrames(t *testing.T) {
	t.Parallel()

	const w, h = 8, 8
	prev := &recordingPreview{}
	path := filepath.Join(t.TempDir(), "p.ufmf")
	wr, err := New(Options{Path: path, Width: w, Height: h, Params: testParams(), Preview: prev})
	require.NoError(t, err)
	require.NoError(t, wr.StartWrite())
	for i := 0; i < 3; i++ {
		require.NoError(t, wr.AddFrame(make([]byte, w*h), float64(i)))
	}
	_, err = wr.StopWrite()
	require.NoError(t, err)
	assert.Equal(t, []uint64{0, 1, 2}, prev.frames)
}
