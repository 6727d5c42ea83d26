package types

type PreviewFrame struct {
	Type        string  `json:"type"`
	FrameNumber uint64  `json:"frame_number"`
	Timestamp   float64 `json:"timestamp"`
	Width       int     `json:"width"`
	Height      int     `json:"height"`
	Scale       int     `json:"scale"`
	Pixels      []byte  `json:"pixels"`
	Skipped     uint64  `json:"skipped"`
}
