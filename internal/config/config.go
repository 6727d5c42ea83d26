package config

import "time"

// AppConfig holds the settings of the any2ufmf driver.
type AppConfig struct {
	Port           int
	Endpoint       string
	Debug          bool
	DebugWidth     int
	DebugHeight    int
	DebugAcqRate   float64
	DebugFrames    int
	OutputPath     string
	ParamsPath     string
	StatsPath      string
	CatalogPath    string
	PreviewRate    time.Duration
	PreviewScale   int
	IngestLogEvery int
	Verbose        bool
	Trace          bool
}
