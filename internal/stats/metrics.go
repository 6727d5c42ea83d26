package stats

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics are the prometheus instruments fed by a Collector.
type Metrics struct {
	FramesWritten    prometheus.Counter
	FramesRaw        prometheus.Counter
	KeyframesWritten prometheus.Counter
	FramesDropped    prometheus.Counter
	CompressSeconds  prometheus.Histogram
	FrameBytes       prometheus.Histogram
	ForegroundPixels prometheus.Histogram
}

// NewMetrics registers the writer metrics on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		FramesWritten: f.NewCounter(prometheus.CounterOpts{
			Name: "ufmf_frames_written_total",
			Help: "Frame chunks written",
		}),
		FramesRaw: f.NewCounter(prometheus.CounterOpts{
			Name: "ufmf_frames_raw_total",
			Help: "Frames stored uncompressed",
		}),
		KeyframesWritten: f.NewCounter(prometheus.CounterOpts{
			Name: "ufmf_keyframes_written_total",
			Help: "Background keyframes written",
		}),
		FramesDropped: f.NewCounter(prometheus.CounterOpts{
			Name: "ufmf_frames_dropped_total",
			Help: "Frames rejected by the writer",
		}),
		CompressSeconds: f.NewHistogram(prometheus.HistogramOpts{
			Name: "ufmf_compress_seconds",
			Help: "Frame compression time (seconds)",
			Buckets: []float64{
				0.0005, 0.001, 0.002, 0.005, 0.010, 0.030, 0.060, 0.120,
			},
		}),
		FrameBytes: f.NewHistogram(prometheus.HistogramOpts{
			Name: "ufmf_frame_bytes",
			Help: "Size of frame chunks (bytes)",
			Buckets: []float64{
				64, 1024, 4096, 16384, 65535, 262144, 1048576, 4194304,
			},
		}),
		ForegroundPixels: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "ufmf_foreground_pixels",
			Help:    "Foreground pixels per frame",
			Buckets: prometheus.ExponentialBuckets(1, 4, 10),
		}),
	}
}
