package stats

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestComputeFrameErrorIgnoresWrittenPixels(t *testing.T) {
	t.Parallel()

	const w, h = 12, 12
	pixels := make([]byte, w*h)
	center := make([]float32, w*h)
	nWrites := make([]uint16, w*h)
	for i := range pixels {
		pixels[i] = 50
		center[i] = 50.7
	}
	// a written pixel far from the background contributes nothing
	pixels[0] = 255
	nWrites[0] = 1
	// an unwritten pixel 30 levels off
	pixels[6*w+6] = 80

	fe := ComputeFrameError(pixels, nWrites, center, w, h)
	assert.InDelta(t, 30.0/float64(w*h), fe.Mean, 1e-9)
	assert.Equal(t, 30.0, fe.Max)
	assert.InDelta(t, 30.0/100, fe.MaxFiltered, 1e-9)
}

func TestComputeFrameErrorFilterSumsBox(t *testing.T) {
	t.Parallel()

	const w, h = 30, 20
	pixels := make([]byte, w*h)
	center := make([]float32, w*h)
	nWrites := make([]uint16, w*h)
	// a 10x10 block of error 2 plus a far away single pixel of error 9
	for y := 5; y < 15; y++ {
		for x := 10; x < 20; x++ {
			pixels[y*w+x] = 2
		}
	}
	pixels[0] = 9

	fe := ComputeFrameError(pixels, nWrites, center, w, h)
	assert.Equal(t, 9.0, fe.Max)
	assert.InDelta(t, 2.0, fe.MaxFiltered, 1e-9)
}

func TestCollectorSummary(t *testing.T) {
	t.Parallel()

	c, err := NewCollector(10, 10, Options{PrintStats: true, ComputeErrorFreq: 2}, nil)
	require.NoError(t, err)
	c.SetLogger(func(string, ...any) {})

	c.RecordFrame(FrameRecord{FrameNumber: 0, Timestamp: 0.0, IsCompressed: true, FrameBytes: 100, NumFore: 2, NumPxWritten: 16, NumTiles: 1})
	c.RecordFrame(FrameRecord{FrameNumber: 1, Timestamp: 0.5, IsCompressed: true, FrameBytes: 300, NumFore: 20, NumPxWritten: 32, NumTiles: 2,
		Error: &FrameError{Mean: 1, Max: 4, MaxFiltered: 0.5}})
	c.RecordFrame(FrameRecord{FrameNumber: 2, Timestamp: 1.0, IsCompressed: false, FrameBytes: 118, NumFore: 100, NumPxWritten: 100})
	c.RecordKeyframe(0)
	c.RecordDropped(3)
	c.RecordTiming(CompressFrame, 2*time.Millisecond)
	c.RecordTiming(CompressFrame, 4*time.Millisecond)

	s := c.Summary()
	assert.Equal(t, 3, s.NFrames)
	assert.Equal(t, uint64(3), s.NDropped)
	assert.Equal(t, 1, s.NUncompressed)
	assert.Equal(t, 1, s.NKeyframes)
	assert.InDelta(t, 2.0, s.MeanFPS, 1e-9)
	assert.InDelta(t, 0.0, s.StdFPS, 1e-9)
	assert.InDelta(t, 172.666666, s.MeanFrameBytes, 1e-5)
	assert.Equal(t, 300.0, s.MaxFrameBytes)
	assert.InDelta(t, 11.0, s.MeanNumFore, 1e-9)
	assert.Equal(t, 2.0, s.MaxTiles)
	// foreground fractions: 0.02, 0.20, 1.00
	assert.InDeltaSlice(t, []float64{2.0 / 3, 2.0 / 3, 1.0 / 3}, s.FracForeground, 1e-9)
	assert.Equal(t, 1, s.NErrorSamples)
	assert.Equal(t, 4.0, s.MaxError)
	assert.Equal(t, 518.0, s.MeanBandwidth)
	assert.Equal(t, 3*time.Millisecond, s.Timings[CompressFrame].Mean())
	assert.Equal(t, 4*time.Millisecond, s.Timings[CompressFrame].Max)

	assert.True(t, c.ShouldComputeError(4))
	assert.False(t, c.ShouldComputeError(5))
}

func TestCollectorWritesCSVStream(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "stats", "run.csv")
	c, err := NewCollector(4, 4, Options{
		FileName:         path,
		PrintStats:       true,
		StreamPrintFreq:  2,
		PrintFrameErrors: true,
	}, nil)
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		c.RecordFrame(FrameRecord{FrameNumber: uint64(i), Timestamp: float64(i) * 0.1, IsCompressed: true, FrameBytes: 20})
	}
	require.NoError(t, c.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 10)
	assert.Equal(t, "streamStart", lines[0])
	assert.True(t, strings.HasPrefix(lines[1], "frameNumber,"))
	assert.True(t, strings.HasPrefix(lines[2], "0,"))
	assert.True(t, strings.HasPrefix(lines[3], "2,"))
	assert.True(t, strings.HasPrefix(lines[4], "4,"))
	assert.Equal(t, "streamEnd", lines[5])
	assert.Equal(t, "summaryStart", lines[6])
	assert.True(t, strings.HasPrefix(lines[7], "nFrames,"))
	assert.True(t, strings.HasPrefix(lines[8], "5,0,0,0,"))
	assert.Equal(t, "summaryEnd", lines[9])
}

func TestCollectorMetrics(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	c, err := NewCollector(4, 4, Options{}, reg)
	require.NoError(t, err)

	c.RecordFrame(FrameRecord{FrameNumber: 0, IsCompressed: false, FrameBytes: 16})
	c.RecordFrame(FrameRecord{FrameNumber: 1, Timestamp: 1, IsCompressed: true, FrameBytes: 4})
	c.RecordKeyframe(0)
	c.RecordDropped(2)

	families, err := reg.Gather()
	require.NoError(t, err)
	counters := map[string]float64{}
	histograms := map[string]uint64{}
	for _, mf := range families {
		for _, m := range mf.GetMetric() {
			if m.GetCounter() != nil {
				counters[mf.GetName()] = m.GetCounter().GetValue()
			}
			if m.GetHistogram() != nil {
				histograms[mf.GetName()] = m.GetHistogram().GetSampleCount()
			}
		}
	}
	assert.Equal(t, 2.0, counters["ufmf_frames_written_total"])
	assert.Equal(t, 1.0, counters["ufmf_frames_raw_total"])
	assert.Equal(t, 1.0, counters["ufmf_keyframes_written_total"])
	assert.Equal(t, 2.0, counters["ufmf_frames_dropped_total"])
	assert.Equal(t, uint64(2), histograms["ufmf_frame_bytes"])
}

func TestNilCollectorIsInert(t *testing.T) {
	t.Parallel()

	var c *Collector
	c.RecordFrame(FrameRecord{})
	c.RecordTiming(WriteFrame, time.Second)
	c.RecordKeyframe(1)
	c.RecordDropped(1)
	assert.False(t, c.ShouldComputeError(0))
	assert.Equal(t, Summary{}, c.Summary())
	assert.NoError(t, c.Close())
}

func TestStageNames(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "WaitForCompressedFrame", WaitForCompressedFrame.String())
	assert.Equal(t, "Stage(99)", Stage(99).String())
}
