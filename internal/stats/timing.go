package stats

import (
	"fmt"
	"time"
)

// Stage identifies a timed step of the writer pipeline.
type Stage int

const (
	StartWriting Stage = iota
	WriteHeader
	WriteFooter
	AddFrame
	UpdateBackground
	ComputeBackground
	WriteKeyFrame
	CompressFrame
	WriteFrame
	ComputeStatistics
	WaitForCompressionThread
	WaitForUncompressedFrame
	WaitForCompressedFrame
	StopWriting
	numStages
)

var stageNames = [numStages]string{
	"StartWriting",
	"WriteHeader",
	"WriteFooter",
	"AddFrame",
	"UpdateBackground",
	"ComputeBackground",
	"WriteKeyFrame",
	"CompressFrame",
	"WriteFrame",
	"ComputeStatistics",
	"WaitForCompressionThread",
	"WaitForUncompressedFrame",
	"WaitForCompressedFrame",
	"StopWriting",
}

func (s Stage) String() string {
	if s < 0 || s >= numStages {
		return fmt.Sprintf("Stage(%d)", int(s))
	}
	return stageNames[s]
}

// TimingStats aggregates the durations recorded for one stage.
type TimingStats struct {
	Count int
	Last  time.Duration
	Total time.Duration
	Max   time.Duration
}

func (t *TimingStats) add(d time.Duration) {
	t.Count++
	t.Last = d
	t.Total += d
	if d > t.Max {
		t.Max = d
	}
}

func (t TimingStats) Mean() time.Duration {
	if t.Count == 0 {
		return 0
	}
	return t.Total / time.Duration(t.Count)
}
