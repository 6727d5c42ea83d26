package types

// Frame is one 8-bit single-channel image as delivered by a video source.
type Frame struct {
	FrameID   int     `json:"frame_id"`
	Timestamp float64 `json:"timestamp"`
	Width     int     `json:"width"`
	Height    int     `json:"height"`
	Pixels    []byte  `json:"-"`
	// Dropped and Buffered are the source's own counters, passed through to stats.
	Dropped  uint64 `json:"dropped"`
	Buffered uint64 `json:"buffered"`
}

// RawMessage is a decoded ingest message. Non-image messages carry Meta only.
type RawMessage struct {
	Type  string
	Frame Frame
	Meta  map[string]any
}
