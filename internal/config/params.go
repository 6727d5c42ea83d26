package config

import (
	"bufio"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Background histogram reset policies.
const (
	ResetHard  = "hard"
	ResetDecay = "decay"
)

// MaxHistogramFrames bounds MaxBGNFrames: histogram counts are 8-bit.
const MaxHistogramFrames = 255

// Params are the compression parameters of a writing session.
type Params struct {
	// MaxBGNFrames is the number of frames added to the background histogram
	// before its counts are reset (minNFramesReset).
	MaxBGNFrames int `yaml:"maxBGNFrames"`
	// BGUpdatePeriod is the number of seconds between background model updates.
	BGUpdatePeriod float64 `yaml:"bgUpdatePeriod"`
	// BGKeyFramePeriod is the steady-state number of seconds between keyframes.
	BGKeyFramePeriod float64 `yaml:"bgKeyFramePeriod"`
	// BGKeyFramePeriodInit is the ramp-up schedule: the i-th keyframe interval
	// uses BGKeyFramePeriodInit[i] until the list is exhausted.
	BGKeyFramePeriodInit []float64 `yaml:"bgKeyFramePeriodInit"`
	BoxLength            int       `yaml:"boxLength"`
	BackSubThresh        float64   `yaml:"backSubThresh"`
	// NFramesInit frames at the start of a session always update the background.
	NFramesInit       int     `yaml:"nFramesInit"`
	MaxFracFgCompress float64 `yaml:"maxFracFgCompress"`
	NThreads          int     `yaml:"nThreads"`
	BGResetPolicy     string  `yaml:"bgResetPolicy"`
	BGNBins           int     `yaml:"bgNBins"`
	ColorCoding       string  `yaml:"colorCoding"`
	RingSlack         int     `yaml:"ringSlack"`
	// WaitTimeout bounds every blocking wait inside the writer.
	WaitTimeout time.Duration `yaml:"waitTimeout"`

	StatFileName              string `yaml:"statFileName"`
	PrintStats                bool   `yaml:"printStats"`
	StatStreamPrintFreq       int    `yaml:"statStreamPrintFreq"`
	StatPrintFrameErrors      bool   `yaml:"statPrintFrameErrors"`
	StatPrintTimings          bool   `yaml:"statPrintTimings"`
	StatComputeFrameErrorFreq int    `yaml:"statComputeFrameErrorFreq"`
}

// DefaultParams returns the parameters used when no params file is given.
func DefaultParams() Params {
	return Params{
		MaxBGNFrames:              100,
		BGUpdatePeriod:            1.0,
		BGKeyFramePeriod:          100,
		BoxLength:                 30,
		BackSubThresh:             10,
		NFramesInit:               100,
		MaxFracFgCompress:         1.0,
		NThreads:                  4,
		BGResetPolicy:             ResetHard,
		BGNBins:                   64,
		ColorCoding:               "MONO8",
		RingSlack:                 2,
		WaitTimeout:               10 * time.Second,
		PrintStats:                true,
		StatStreamPrintFreq:       1,
		StatPrintFrameErrors:      true,
		StatPrintTimings:          true,
		StatComputeFrameErrorFreq: 1,
	}
}

// ConfigError reports a params entry that was ignored. It is never fatal:
// the default for the affected key is kept.
type ConfigError struct {
	Line int
	Key  string
	Msg  string
}

func (e *ConfigError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("params line %d (%s): %s", e.Line, e.Key, e.Msg)
	}
	return fmt.Sprintf("params %s: %s", e.Key, e.Msg)
}

type setter func(p *Params, value string) error

var paramSetters = map[string]setter{
	"maxbgnframes":     intSetter(func(p *Params) *int { return &p.MaxBGNFrames }),
	"minnframesreset":  intSetter(func(p *Params) *int { return &p.MaxBGNFrames }),
	"bgupdateperiod":   floatSetter(func(p *Params) *float64 { return &p.BGUpdatePeriod }),
	"bgkeyframeperiod": floatSetter(func(p *Params) *float64 { return &p.BGKeyFramePeriod }),
	"bgkeyframeperiodinit": func(p *Params, value string) error {
		periods, err := parseFloatList(value)
		if err != nil {
			return err
		}
		p.BGKeyFramePeriodInit = periods
		return nil
	},
	"boxlength":                 intSetter(func(p *Params) *int { return &p.BoxLength }),
	"backsubthresh":             floatSetter(func(p *Params) *float64 { return &p.BackSubThresh }),
	"nframesinit":               intSetter(func(p *Params) *int { return &p.NFramesInit }),
	"maxfracfgcompress":         floatSetter(func(p *Params) *float64 { return &p.MaxFracFgCompress }),
	"nthreads":                  intSetter(func(p *Params) *int { return &p.NThreads }),
	"bgnbins":                   intSetter(func(p *Params) *int { return &p.BGNBins }),
	"ringslack":                 intSetter(func(p *Params) *int { return &p.RingSlack }),
	"statstreamprintfreq":       intSetter(func(p *Params) *int { return &p.StatStreamPrintFreq }),
	"statcomputeframeerrorfreq": intSetter(func(p *Params) *int { return &p.StatComputeFrameErrorFreq }),
	"printstats":                boolSetter(func(p *Params) *bool { return &p.PrintStats }),
	"statprintframeerrors":      boolSetter(func(p *Params) *bool { return &p.StatPrintFrameErrors }),
	"statprinttimings":          boolSetter(func(p *Params) *bool { return &p.StatPrintTimings }),
	"statfilename": func(p *Params, value string) error {
		p.StatFileName = value
		return nil
	},
	"colorcoding": func(p *Params, value string) error {
		if value == "" {
			return fmt.Errorf("empty color coding")
		}
		p.ColorCoding = value
		return nil
	},
	"bgresetpolicy": func(p *Params, value string) error {
		v := strings.ToLower(value)
		if v != ResetHard && v != ResetDecay {
			return fmt.Errorf("unknown reset policy %q", value)
		}
		p.BGResetPolicy = v
		return nil
	},
	"waittimeout": func(p *Params, value string) error {
		if d, err := time.ParseDuration(value); err == nil {
			p.WaitTimeout = d
			return nil
		}
		ms, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return fmt.Errorf("invalid duration %q", value)
		}
		p.WaitTimeout = time.Duration(ms * float64(time.Millisecond))
		return nil
	},
}

func intSetter(field func(*Params) *int) setter {
	return func(p *Params, value string) error {
		n, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("invalid integer %q", value)
		}
		*field(p) = n
		return nil
	}
}

func floatSetter(field func(*Params) *float64) setter {
	return func(p *Params, value string) error {
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return fmt.Errorf("invalid number %q", value)
		}
		*field(p) = f
		return nil
	}
}

func boolSetter(field func(*Params) *bool) setter {
	return func(p *Params, value string) error {
		switch strings.ToLower(value) {
		case "1", "true", "yes", "on":
			*field(p) = true
		case "0", "false", "no", "off":
			*field(p) = false
		default:
			return fmt.Errorf("invalid boolean %q", value)
		}
		return nil
	}
}

func parseFloatList(value string) ([]float64, error) {
	fields := strings.FieldsFunc(value, func(r rune) bool {
		return r == ',' || r == ' ' || r == '\t' || r == ';'
	})
	out := make([]float64, 0, len(fields))
	for _, f := range fields {
		v, err := strconv.ParseFloat(f, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid number %q in list", f)
		}
		out = append(out, v)
	}
	return out, nil
}

// ParseParams reads key=value lines on top of base. Bad lines are reported as
// ConfigErrors and skipped; an I/O failure is returned as err.
func ParseParams(r io.Reader, base Params) (Params, []*ConfigError, error) {
	p := base
	var problems []*ConfigError
	scanner := bufio.NewScanner(r)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			problems = append(problems, &ConfigError{Line: lineNo, Key: line, Msg: "missing '='"})
			continue
		}
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)
		set, known := paramSetters[strings.ToLower(key)]
		if !known {
			problems = append(problems, &ConfigError{Line: lineNo, Key: key, Msg: "unknown parameter"})
			continue
		}
		if err := set(&p, value); err != nil {
			problems = append(problems, &ConfigError{Line: lineNo, Key: key, Msg: err.Error()})
		}
	}
	if err := scanner.Err(); err != nil {
		return base, problems, fmt.Errorf("error reading params: %w", err)
	}
	problems = append(problems, p.Validate()...)
	return p, problems, nil
}

// LoadParams reads a params file. Files ending in .yaml or .yml are parsed as
// YAML, everything else as key=value lines. A missing path returns defaults.
func LoadParams(path string) (Params, []*ConfigError, error) {
	p := DefaultParams()
	if path == "" {
		return p, nil, nil
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		data, err := os.ReadFile(path)
		if err != nil {
			return p, nil, fmt.Errorf("error reading params file: %w", err)
		}
		if err := yaml.Unmarshal(data, &p); err != nil {
			return DefaultParams(), nil, fmt.Errorf("error parsing params file: %w", err)
		}
		problems := p.Validate()
		return p, problems, nil
	default:
		f, err := os.Open(path)
		if err != nil {
			return p, nil, fmt.Errorf("error reading params file: %w", err)
		}
		defer f.Close()
		return ParseParams(f, p)
	}
}

// SaveParamsYAML writes p as a YAML params file.
func SaveParamsYAML(p Params, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("error creating params directory: %w", err)
	}
	data, err := yaml.Marshal(p)
	if err != nil {
		return fmt.Errorf("error marshaling params: %w", err)
	}
	return os.WriteFile(path, data, 0o644)
}

// Validate clamps out-of-range values back to something usable and reports
// each adjustment.
func (p *Params) Validate() []*ConfigError {
	var problems []*ConfigError
	def := DefaultParams()
	fix := func(key, msg string) {
		problems = append(problems, &ConfigError{Key: key, Msg: msg})
	}
	if p.MaxBGNFrames < 1 {
		fix("MaxBGNFrames", fmt.Sprintf("must be >= 1, using %d", def.MaxBGNFrames))
		p.MaxBGNFrames = def.MaxBGNFrames
	} else if p.MaxBGNFrames > MaxHistogramFrames {
		fix("MaxBGNFrames", fmt.Sprintf("histogram counts are 8-bit, clamping to %d", MaxHistogramFrames))
		p.MaxBGNFrames = MaxHistogramFrames
	}
	if p.BoxLength < 1 || p.BoxLength > 0xFFFF {
		fix("boxLength", fmt.Sprintf("out of range, using %d", def.BoxLength))
		p.BoxLength = def.BoxLength
	}
	if p.NThreads < 1 {
		fix("nThreads", "must be >= 1, using 1")
		p.NThreads = 1
	}
	if p.BGNBins < 1 || p.BGNBins > 256 || 256%p.BGNBins != 0 {
		fix("BGNBins", fmt.Sprintf("must divide 256, using %d", def.BGNBins))
		p.BGNBins = def.BGNBins
	}
	if p.BackSubThresh < 0 {
		fix("backSubThresh", "negative threshold, using 0")
		p.BackSubThresh = 0
	}
	if p.MaxFracFgCompress < 0 {
		fix("maxFracFgCompress", "negative fraction, using 0")
		p.MaxFracFgCompress = 0
	}
	if p.NFramesInit < 0 {
		fix("nFramesInit", "negative count, using 0")
		p.NFramesInit = 0
	}
	if p.BGUpdatePeriod < 0 {
		fix("BGUpdatePeriod", fmt.Sprintf("negative period, using %g", def.BGUpdatePeriod))
		p.BGUpdatePeriod = def.BGUpdatePeriod
	}
	if p.BGKeyFramePeriod <= 0 {
		fix("BGKeyFramePeriod", fmt.Sprintf("must be > 0, using %g", def.BGKeyFramePeriod))
		p.BGKeyFramePeriod = def.BGKeyFramePeriod
	}
	if p.RingSlack < 1 {
		fix("ringSlack", "must be >= 1, using 1")
		p.RingSlack = 1
	}
	if p.WaitTimeout <= 0 {
		fix("waitTimeout", fmt.Sprintf("must be > 0, using %s", def.WaitTimeout))
		p.WaitTimeout = def.WaitTimeout
	}
	if p.StatStreamPrintFreq < 0 {
		p.StatStreamPrintFreq = 0
	}
	if p.StatComputeFrameErrorFreq < 1 {
		p.StatComputeFrameErrorFreq = 1
	}
	if len(p.BGKeyFramePeriodInit) > 0 {
		periods := p.BGKeyFramePeriodInit[:0:0]
		for _, v := range p.BGKeyFramePeriodInit {
			if v > 0 {
				periods = append(periods, v)
			}
		}
		if len(periods) != len(p.BGKeyFramePeriodInit) {
			fix("BGKeyFramePeriodInit", "dropping non-positive periods")
			p.BGKeyFramePeriodInit = periods
		}
	}
	switch policy := strings.ToLower(strings.TrimSpace(p.BGResetPolicy)); policy {
	case "":
		p.BGResetPolicy = ResetHard
	case ResetHard, ResetDecay:
		p.BGResetPolicy = policy
	default:
		fix("bgResetPolicy", fmt.Sprintf("unknown reset policy %q, using %s", p.BGResetPolicy, ResetHard))
		p.BGResetPolicy = ResetHard
	}
	if p.ColorCoding == "" {
		p.ColorCoding = def.ColorCoding
	} else if len(p.ColorCoding) > math.MaxUint8 {
		fix("colorCoding", fmt.Sprintf("longer than %d bytes, using %s", math.MaxUint8, def.ColorCoding))
		p.ColorCoding = def.ColorCoding
	}
	return problems
}

// KeyFramePeriod returns the interval that applies after nKeyFrames keyframes
// have been written.
func (p Params) KeyFramePeriod(nKeyFrames int) float64 {
	if nKeyFrames >= 0 && nKeyFrames < len(p.BGKeyFramePeriodInit) {
		return p.BGKeyFramePeriodInit[nKeyFrames]
	}
	return p.BGKeyFramePeriod
}
