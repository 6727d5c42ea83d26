package main

import (
	"context"
	"errors"
	"flag"
	"io"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"any2ufmf-go/internal/catalog"
	"any2ufmf-go/internal/config"
	"any2ufmf-go/internal/ingest"
	"any2ufmf-go/internal/server"
	"any2ufmf-go/internal/simulator"
	"any2ufmf-go/internal/stats"
	"any2ufmf-go/internal/types"
	"any2ufmf-go/internal/ufmf"
)

func main() {
	var (
		port           = flag.Int("port", 8888, "HTTP port for the preview UI and metrics (0 disables it)")
		endpoint       = flag.String("endpoint", "tcp://localhost:31001", "ZMQ endpoint of the capture process")
		debug          = flag.Bool("debug", false, "Record simulated frames instead of the ZMQ stream")
		width          = flag.Int("width", 640, "Simulated frame width")
		height         = flag.Int("height", 480, "Simulated frame height")
		rate           = flag.Float64("rate", 100.0, "Simulated acquisition rate (frames/sec)")
		frames         = flag.Int("frames", 0, "Number of simulated frames (0 records until interrupted)")
		outputPath     = flag.String("output", "output/movie.ufmf", "Path of the ufmf file to write")
		paramsPath     = flag.String("params", "", "Compression parameter file (key=value text or .yaml)")
		statsPath      = flag.String("stats", "", "CSV file for compression statistics (overrides statFileName)")
		catalogPath    = flag.String("catalog", "", "SQLite catalog of recorded sessions (empty disables it)")
		previewRate    = flag.Duration("preview-rate", 200*time.Millisecond, "Minimum interval between preview frames")
		previewScale   = flag.Int("preview-scale", 2, "Downsampling factor of preview frames")
		ingestLogEvery = flag.Int("ingest-log-every", 100, "Log every Nth ingest decode error")
		verbose        = flag.Bool("verbose", false, "Log parameters, keyframes and drain progress")
		trace          = flag.Bool("trace", false, "Log every frame")
	)
	flag.Parse()

	cfg := config.AppConfig{
		Port:           *port,
		Endpoint:       *endpoint,
		Debug:          *debug,
		DebugWidth:     *width,
		DebugHeight:    *height,
		DebugAcqRate:   *rate,
		DebugFrames:    *frames,
		OutputPath:     *outputPath,
		ParamsPath:     *paramsPath,
		StatsPath:      *statsPath,
		CatalogPath:    *catalogPath,
		PreviewRate:    *previewRate,
		PreviewScale:   *previewScale,
		IngestLogEvery: *ingestLogEvery,
		Verbose:        *verbose,
		Trace:          *trace,
	}

	var diagOut, traceOut io.Writer
	if cfg.Verbose || cfg.Trace {
		diagOut = os.Stderr
	}
	if cfg.Trace {
		traceOut = os.Stderr
	}
	ufmf.SetLogWriters(os.Stderr, diagOut, traceOut)

	params, problems, err := config.LoadParams(cfg.ParamsPath)
	if err != nil {
		log.Fatalf("failed to load params: %v", err)
	}
	for _, p := range problems {
		log.Printf("params: %v", p)
	}
	if cfg.StatsPath != "" {
		params.StatFileName = cfg.StatsPath
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var source <-chan types.Frame
	if cfg.Debug {
		source = simulator.Stream(ctx, cfg.DebugWidth, cfg.DebugHeight, cfg.DebugAcqRate, cfg.DebugFrames)
	} else {
		source, err = ingest.StreamWithLogEvery(ctx, cfg.Endpoint, cfg.IngestLogEvery)
		if err != nil {
			log.Fatalf("failed to start ingest: %v", err)
		}
	}

	reg := prometheus.NewRegistry()
	preview := server.NewMailbox(cfg.DebugWidth, cfg.DebugHeight, cfg.PreviewScale, cfg.PreviewRate)

	var (
		writerMu sync.Mutex
		writer   *ufmf.Writer
	)
	statusFn := func() map[string]any {
		writerMu.Lock()
		w := writer
		writerMu.Unlock()
		status := map[string]any{
			"state":           "waiting",
			"output":          cfg.OutputPath,
			"preview_skipped": preview.Skipped(),
		}
		if w != nil {
			info := w.Info()
			status["state"] = w.State().String()
			status["session"] = info.ID.String()
			status["frames_written"] = info.FramesWritten
			status["keyframes_written"] = info.KeyframesWritten
			status["frames_dropped"] = info.FramesDropped
			if info.Err != nil {
				status["error"] = info.Err.Error()
			}
		}
		return status
	}

	serverCtx, stopServer := context.WithCancel(ctx)
	defer stopServer()
	serverDone := make(chan struct{})
	if cfg.Port > 0 {
		go func() {
			defer close(serverDone)
			log.Printf("Starting preview UI at http://localhost:%d\n", cfg.Port)
			if err := server.Run(serverCtx, cfg, params, preview, statusFn, reg); err != nil {
				log.Printf("server stopped: %v", err)
			}
		}()
	} else {
		close(serverDone)
	}

	var sessionErr error
	for frame := range source {
		if writer == nil {
			w, err := openSession(cfg, params, frame, preview, reg)
			if err != nil {
				log.Printf("failed to start session: %v", err)
				sessionErr = err
				break
			}
			writerMu.Lock()
			writer = w
			writerMu.Unlock()
		}
		err := writer.AddFrameExternal(frame.Pixels, frame.Timestamp, frame.Dropped, frame.Buffered)
		if err == nil || errors.Is(err, ufmf.ErrBackpressure) {
			continue
		}
		if errors.Is(err, ufmf.ErrFrameSize) {
			log.Printf("frame %d skipped: %v", frame.FrameID, err)
			continue
		}
		log.Printf("session ended early: %v", err)
		break
	}

	if writer != nil {
		written, err := writer.StopWrite()
		if err != nil {
			sessionErr = err
		}
		log.Printf("wrote %d frames to %s", written, cfg.OutputPath)
		if cfg.CatalogPath != "" {
			recordSession(cfg.CatalogPath, writer.Info())
		}
	}

	stopServer()
	<-serverDone
	if sessionErr != nil {
		os.Exit(1)
	}
}

// openSession starts a writer sized to the first frame of the stream.
func openSession(cfg config.AppConfig, params config.Params, first types.Frame, preview *server.Mailbox, reg prometheus.Registerer) (*ufmf.Writer, error) {
	collector, err := stats.NewCollector(first.Width, first.Height, stats.Options{
		FileName:         params.StatFileName,
		PrintStats:       params.PrintStats,
		StreamPrintFreq:  params.StatStreamPrintFreq,
		PrintFrameErrors: params.StatPrintFrameErrors,
		PrintTimings:     params.StatPrintTimings,
		ComputeErrorFreq: params.StatComputeFrameErrorFreq,
	}, reg)
	if err != nil {
		return nil, err
	}
	if !cfg.Verbose && !cfg.Trace {
		collector.SetLogger(func(string, ...any) {})
	}
	if first.Width != cfg.DebugWidth || first.Height != cfg.DebugHeight {
		preview.Resize(first.Width, first.Height)
	}
	w, err := ufmf.New(ufmf.Options{
		Path:    cfg.OutputPath,
		Width:   first.Width,
		Height:  first.Height,
		Params:  params,
		Stats:   collector,
		Preview: preview,
	})
	if err != nil {
		_ = collector.Close()
		return nil, err
	}
	if err := w.StartWrite(); err != nil {
		_ = collector.Close()
		return nil, err
	}
	return w, nil
}

func recordSession(path string, info ufmf.Info) {
	cat, err := catalog.Open(path)
	if err != nil {
		log.Printf("catalog open failed: %v", err)
		return
	}
	defer cat.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := cat.Record(ctx, catalog.FromInfo(info)); err != nil {
		log.Printf("catalog write failed: %v", err)
	}
}
