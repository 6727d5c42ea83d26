package stats

import (
	"encoding/csv"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// Foreground fractions reported in the summary.
var ForegroundFractions = []float64{0.05, 0.10, 0.25}

// Options select what the collector computes and where it reports.
type Options struct {
	// FileName receives the CSV stat stream; empty logs to the diag stream.
	FileName         string
	PrintStats       bool
	StreamPrintFreq  int
	PrintFrameErrors bool
	PrintTimings     bool
	ComputeErrorFreq int
	BandwidthWindowS float64
}

// FrameRecord describes one written frame.
type FrameRecord struct {
	FrameNumber  uint64
	Timestamp    float64
	Buffered     uint64
	Dropped      uint64
	IsCompressed bool
	FrameBytes   int
	NumFore      int
	NumPxWritten int
	NumTiles     int
	// Error is set only for frames sampled for error measurement.
	Error *FrameError
}

// Summary aggregates a whole session.
type Summary struct {
	NFrames        int
	NDropped       uint64
	NUncompressed  int
	NKeyframes     int
	MeanFPS        float64
	StdFPS         float64
	MaxFPS         float64
	MinFPS         float64
	MeanBandwidth  float64
	MaxBandwidth   float64
	MeanFrameBytes float64
	StdFrameBytes  float64
	MaxFrameBytes  float64
	// CompressionRate is mean frame bytes per raw frame byte.
	CompressionRate float64
	MeanNumFore     float64
	StdNumFore      float64
	MaxNumFore      float64
	MeanPxWritten   float64
	StdPxWritten    float64
	MaxPxWritten    float64
	MeanTiles       float64
	StdTiles        float64
	MaxTiles        float64
	// FracForeground[i] is the fraction of frames whose foreground fraction
	// exceeds ForegroundFractions[i].
	FracForeground   []float64
	NErrorSamples    int
	MeanError        float64
	MaxError         float64
	MeanMaxFiltError float64
	MaxMaxFiltError  float64
	Timings          map[Stage]TimingStats
}

// Collector receives per-frame records from the writer. A nil *Collector is
// valid and discards everything.
type Collector struct {
	mu      sync.Mutex
	opts    Options
	nPixels int
	metrics *Metrics
	logf    func(format string, args ...any)

	file   *os.File
	csv    *csv.Writer
	header bool

	nFrames       int
	nUncompressed int
	nKeyframes    int
	nDropped      uint64
	lastTimestamp float64
	haveLast      bool

	fps        []float64
	frameBytes []float64
	numFore    []float64
	pxWritten  []float64
	tiles      []float64
	fgFrac     []float64

	windowStart float64
	windowBytes float64
	bandwidth   []float64

	errMean    []float64
	errMax     []float64
	errFiltMax []float64

	timings [numStages]TimingStats
}

// NewCollector creates a collector for width x height frames. reg may be nil,
// in which case no prometheus metrics are registered.
func NewCollector(width, height int, opts Options, reg prometheus.Registerer) (*Collector, error) {
	if opts.ComputeErrorFreq < 1 {
		opts.ComputeErrorFreq = 1
	}
	if opts.BandwidthWindowS <= 0 {
		opts.BandwidthWindowS = 1
	}
	c := &Collector{
		opts:    opts,
		nPixels: width * height,
		logf:    log.Printf,
	}
	if reg != nil {
		c.metrics = NewMetrics(reg)
	}
	if opts.FileName != "" {
		if err := os.MkdirAll(filepath.Dir(opts.FileName), 0o755); err != nil {
			return nil, err
		}
		f, err := os.Create(opts.FileName)
		if err != nil {
			return nil, fmt.Errorf("create stat file: %w", err)
		}
		c.file = f
		c.csv = csv.NewWriter(f)
	}
	return c, nil
}

// SetLogger routes human-readable stat lines. Used when no stat file is set.
func (c *Collector) SetLogger(logf func(format string, args ...any)) {
	if c == nil || logf == nil {
		return
	}
	c.mu.Lock()
	c.logf = logf
	c.mu.Unlock()
}

// ShouldComputeError reports whether the frame is sampled for error
// measurement.
func (c *Collector) ShouldComputeError(frameNumber uint64) bool {
	if c == nil || !c.opts.PrintStats {
		return false
	}
	return frameNumber%uint64(c.opts.ComputeErrorFreq) == 0
}

func (c *Collector) RecordTiming(s Stage, d time.Duration) {
	if c == nil || s < 0 || s >= numStages {
		return
	}
	c.mu.Lock()
	c.timings[s].add(d)
	c.mu.Unlock()
	if s == CompressFrame && c.metrics != nil {
		c.metrics.CompressSeconds.Observe(d.Seconds())
	}
}

func (c *Collector) RecordKeyframe(timestamp float64) {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.nKeyframes++
	c.mu.Unlock()
	if c.metrics != nil {
		c.metrics.KeyframesWritten.Inc()
	}
}

// RecordDropped counts frames the writer refused.
func (c *Collector) RecordDropped(n uint64) {
	if c == nil || n == 0 {
		return
	}
	c.mu.Lock()
	c.nDropped += n
	c.mu.Unlock()
	if c.metrics != nil {
		c.metrics.FramesDropped.Add(float64(n))
	}
}

func (c *Collector) RecordFrame(rec FrameRecord) {
	if c == nil {
		return
	}
	if c.metrics != nil {
		c.metrics.FramesWritten.Inc()
		if !rec.IsCompressed {
			c.metrics.FramesRaw.Inc()
		}
		c.metrics.FrameBytes.Observe(float64(rec.FrameBytes))
		c.metrics.ForegroundPixels.Observe(float64(rec.NumFore))
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.nFrames++
	fps := 0.0
	if c.haveLast && rec.Timestamp > c.lastTimestamp {
		fps = 1 / (rec.Timestamp - c.lastTimestamp)
		c.fps = append(c.fps, fps)
	}
	if !c.haveLast {
		c.windowStart = rec.Timestamp
	}
	c.lastTimestamp = rec.Timestamp
	c.haveLast = true

	c.frameBytes = append(c.frameBytes, float64(rec.FrameBytes))
	c.fgFrac = append(c.fgFrac, float64(rec.NumFore)/float64(max(c.nPixels, 1)))
	if rec.IsCompressed {
		c.numFore = append(c.numFore, float64(rec.NumFore))
		c.pxWritten = append(c.pxWritten, float64(rec.NumPxWritten))
		c.tiles = append(c.tiles, float64(rec.NumTiles))
	} else {
		c.nUncompressed++
	}

	c.windowBytes += float64(rec.FrameBytes)
	if elapsed := rec.Timestamp - c.windowStart; elapsed >= c.opts.BandwidthWindowS {
		c.bandwidth = append(c.bandwidth, c.windowBytes/elapsed)
		c.windowStart = rec.Timestamp
		c.windowBytes = 0
	}

	if rec.Error != nil {
		c.errMean = append(c.errMean, rec.Error.Mean)
		c.errMax = append(c.errMax, rec.Error.Max)
		c.errFiltMax = append(c.errFiltMax, rec.Error.MaxFiltered)
	}

	if !c.opts.PrintStats || c.opts.StreamPrintFreq <= 0 {
		return
	}
	if rec.FrameNumber%uint64(c.opts.StreamPrintFreq) != 0 {
		return
	}
	c.emitFrameLocked(rec, fps)
}

var streamColumns = []string{
	"frameNumber", "nBuffered", "nDropped", "timestamp", "isCompressed",
	"fps", "frameBytes", "numFore", "numPxWritten", "numTiles",
	"meanError", "maxError", "maxFilteredError",
}

func (c *Collector) emitFrameLocked(rec FrameRecord, fps float64) {
	row := []string{
		strconv.FormatUint(rec.FrameNumber, 10),
		strconv.FormatUint(rec.Buffered, 10),
		strconv.FormatUint(rec.Dropped, 10),
		strconv.FormatFloat(rec.Timestamp, 'f', 6, 64),
		strconv.FormatBool(rec.IsCompressed),
		strconv.FormatFloat(fps, 'f', 2, 64),
		strconv.Itoa(rec.FrameBytes),
		strconv.Itoa(rec.NumFore),
		strconv.Itoa(rec.NumPxWritten),
		strconv.Itoa(rec.NumTiles),
	}
	if rec.Error != nil && c.opts.PrintFrameErrors {
		row = append(row,
			strconv.FormatFloat(rec.Error.Mean, 'f', 4, 64),
			strconv.FormatFloat(rec.Error.Max, 'f', 0, 64),
			strconv.FormatFloat(rec.Error.MaxFiltered, 'f', 4, 64),
		)
	} else {
		row = append(row, "", "", "")
	}

	if c.csv == nil {
		c.logf("frame %s buffered=%s dropped=%s ts=%s compressed=%s fps=%s bytes=%s fore=%s written=%s tiles=%s err=%s/%s/%s",
			row[0], row[1], row[2], row[3], row[4], row[5], row[6], row[7], row[8], row[9], row[10], row[11], row[12])
		return
	}
	if !c.header {
		_ = c.csv.Write([]string{"streamStart"})
		_ = c.csv.Write(streamColumns)
		c.header = true
	}
	_ = c.csv.Write(row)
}

// Summary computes the session aggregates recorded so far.
func (c *Collector) Summary() Summary {
	if c == nil {
		return Summary{}
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	s := Summary{
		NFrames:        c.nFrames,
		NDropped:       c.nDropped,
		NUncompressed:  c.nUncompressed,
		NKeyframes:     c.nKeyframes,
		FracForeground: make([]float64, len(ForegroundFractions)),
		NErrorSamples:  len(c.errMean),
		Timings:        make(map[Stage]TimingStats, numStages),
	}
	s.MeanFPS, s.StdFPS = meanStd(c.fps)
	s.MaxFPS, s.MinFPS = maxOf(c.fps), minOf(c.fps)
	s.MeanBandwidth, s.MaxBandwidth = mean(c.bandwidth), maxOf(c.bandwidth)
	s.MeanFrameBytes, s.StdFrameBytes = meanStd(c.frameBytes)
	s.MaxFrameBytes = maxOf(c.frameBytes)
	if c.nPixels > 0 {
		s.CompressionRate = s.MeanFrameBytes / float64(c.nPixels)
	}
	s.MeanNumFore, s.StdNumFore = meanStd(c.numFore)
	s.MaxNumFore = maxOf(c.numFore)
	s.MeanPxWritten, s.StdPxWritten = meanStd(c.pxWritten)
	s.MaxPxWritten = maxOf(c.pxWritten)
	s.MeanTiles, s.StdTiles = meanStd(c.tiles)
	s.MaxTiles = maxOf(c.tiles)
	if n := len(c.fgFrac); n > 0 {
		for i, thresh := range ForegroundFractions {
			count := 0
			for _, f := range c.fgFrac {
				if f > thresh {
					count++
				}
			}
			s.FracForeground[i] = float64(count) / float64(n)
		}
	}
	s.MeanError = mean(c.errMean)
	s.MaxError = maxOf(c.errMax)
	s.MeanMaxFiltError = mean(c.errFiltMax)
	s.MaxMaxFiltError = maxOf(c.errFiltMax)
	for st := Stage(0); st < numStages; st++ {
		if c.timings[st].Count > 0 {
			s.Timings[st] = c.timings[st]
		}
	}
	return s
}

// Close writes the summary and closes the stat file.
func (c *Collector) Close() error {
	if c == nil {
		return nil
	}
	sum := c.Summary()

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.opts.PrintStats {
		if c.csv != nil {
			c.writeSummaryCSV(sum)
		} else {
			c.logSummary(sum)
		}
	}
	if c.file == nil {
		return nil
	}
	c.csv.Flush()
	err := c.csv.Error()
	if cerr := c.file.Close(); err == nil {
		err = cerr
	}
	c.file = nil
	c.csv = nil
	return err
}

func (c *Collector) summaryRow(s Summary) ([]string, []string) {
	cols := []string{
		"nFrames", "nDropped", "nUncompressed", "nKeyframes",
		"meanFPS", "stdFPS", "maxFPS", "minFPS",
		"meanBandwidth", "maxBandwidth",
		"meanFrameBytes", "stdFrameBytes", "maxFrameBytes", "compressionRate",
		"meanNumFore", "stdNumFore", "maxNumFore",
		"meanPxWritten", "stdPxWritten", "maxPxWritten",
		"meanTiles", "stdTiles", "maxTiles",
	}
	g := func(v float64) string { return strconv.FormatFloat(v, 'g', 6, 64) }
	row := []string{
		strconv.Itoa(s.NFrames), strconv.FormatUint(s.NDropped, 10),
		strconv.Itoa(s.NUncompressed), strconv.Itoa(s.NKeyframes),
		g(s.MeanFPS), g(s.StdFPS), g(s.MaxFPS), g(s.MinFPS),
		g(s.MeanBandwidth), g(s.MaxBandwidth),
		g(s.MeanFrameBytes), g(s.StdFrameBytes), g(s.MaxFrameBytes), g(s.CompressionRate),
		g(s.MeanNumFore), g(s.StdNumFore), g(s.MaxNumFore),
		g(s.MeanPxWritten), g(s.StdPxWritten), g(s.MaxPxWritten),
		g(s.MeanTiles), g(s.StdTiles), g(s.MaxTiles),
	}
	for i, thresh := range ForegroundFractions {
		cols = append(cols, fmt.Sprintf("fracFore>%.2f", thresh))
		row = append(row, g(s.FracForeground[i]))
	}
	if c.opts.PrintFrameErrors {
		cols = append(cols, "nErrorSamples", "meanError", "maxError", "meanMaxFiltError", "maxMaxFiltError")
		row = append(row, strconv.Itoa(s.NErrorSamples), g(s.MeanError), g(s.MaxError), g(s.MeanMaxFiltError), g(s.MaxMaxFiltError))
	}
	if c.opts.PrintTimings {
		for st := Stage(0); st < numStages; st++ {
			t := s.Timings[st]
			cols = append(cols, "mean"+st.String(), "max"+st.String())
			row = append(row, g(t.Mean().Seconds()), g(t.Max.Seconds()))
		}
	}
	return cols, row
}

func (c *Collector) writeSummaryCSV(s Summary) {
	if c.header {
		_ = c.csv.Write([]string{"streamEnd"})
	}
	cols, row := c.summaryRow(s)
	_ = c.csv.Write([]string{"summaryStart"})
	_ = c.csv.Write(cols)
	_ = c.csv.Write(row)
	_ = c.csv.Write([]string{"summaryEnd"})
}

func (c *Collector) logSummary(s Summary) {
	cols, row := c.summaryRow(s)
	for i := range cols {
		c.logf("summary %s=%s", cols[i], row[i])
	}
}

// WriteSummary writes s as CSV to w.
func (c *Collector) WriteSummary(w io.Writer, s Summary) error {
	cw := csv.NewWriter(w)
	cols, row := c.summaryRow(s)
	if err := cw.Write(cols); err != nil {
		return err
	}
	if err := cw.Write(row); err != nil {
		return err
	}
	cw.Flush()
	return cw.Error()
}

func mean(v []float64) float64 {
	if len(v) == 0 {
		return 0
	}
	return stat.Mean(v, nil)
}

func meanStd(v []float64) (float64, float64) {
	switch len(v) {
	case 0:
		return 0, 0
	case 1:
		return v[0], 0
	}
	return stat.MeanStdDev(v, nil)
}

func maxOf(v []float64) float64 {
	if len(v) == 0 {
		return 0
	}
	return floats.Max(v)
}

func minOf(v []float64) float64 {
	if len(v) == 0 {
		return 0
	}
	return floats.Min(v)
}
