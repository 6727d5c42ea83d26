package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"

	"any2ufmf-go/internal/catalog"
	"any2ufmf-go/internal/output"
)

// report summarizes one ufmf file.
type report struct {
	Path       string  `json:"path"`
	Version    uint32  `json:"version"`
	Coding     string  `json:"coding"`
	Width      int     `json:"width"`
	Height     int     `json:"height"`
	BoxLength  int     `json:"box_length"`
	Finalized  bool    `json:"finalized"`
	IndexLoc   uint64  `json:"index_loc"`
	Frames     int     `json:"frames"`
	Keyframes  int     `json:"keyframes"`
	FirstTS    float64 `json:"first_timestamp"`
	LastTS     float64 `json:"last_timestamp"`
	Compressed int     `json:"compressed_frames,omitempty"`
	Raw        int     `json:"raw_frames,omitempty"`
	Tiles      int     `json:"tiles,omitempty"`
	Verified   bool    `json:"verified"`
}

func main() {
	path := flag.String("path", "", "Path to a ufmf file")
	verify := flag.Bool("verify", false, "Decode every indexed chunk")
	catalogPath := flag.String("catalog", "", "List the sessions in this catalog instead")
	flag.Parse()

	if *catalogPath != "" {
		if err := listCatalog(*catalogPath); err != nil {
			log.Fatalf("catalog: %v", err)
		}
		return
	}
	if *path == "" {
		log.Fatal("missing -path")
	}

	rep, err := check(*path, *verify)
	if rep != nil {
		printJSON(rep)
	}
	if errors.Is(err, output.ErrNotFinalized) {
		log.Printf("%s: %v", *path, err)
		os.Exit(2)
	}
	if err != nil {
		log.Fatalf("%s: %v", *path, err)
	}
}

// check reads the header and index of the file at path. A file without an
// index yields a partial report and output.ErrNotFinalized.
func check(path string, verify bool) (*report, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	h, err := output.ReadHeader(f)
	if err != nil {
		return nil, err
	}
	rep := &report{
		Path:      path,
		Version:   h.Version,
		Coding:    h.Coding,
		Width:     int(h.Width),
		Height:    int(h.Height),
		BoxLength: int(h.BoxLength),
		IndexLoc:  h.IndexLoc,
	}
	idx, err := output.ReadIndex(f, h)
	if err != nil {
		return rep, err
	}
	rep.Finalized = true
	rep.Frames = len(idx.Frames)
	rep.Keyframes = len(idx.Keyframes)
	if n := len(idx.Frames); n > 0 {
		rep.FirstTS = idx.Frames[0].Timestamp
		rep.LastTS = idx.Frames[n-1].Timestamp
	}
	if !verify {
		return rep, nil
	}

	for i, e := range idx.Keyframes {
		kc, err := output.ReadKeyframeChunk(f, e.Loc)
		if err != nil {
			return rep, fmt.Errorf("keyframe %d: %w", i, err)
		}
		if kc.Timestamp != e.Timestamp || kc.Width != rep.Width || kc.Height != rep.Height {
			return rep, fmt.Errorf("keyframe %d at %d does not match its index entry", i, e.Loc)
		}
	}
	for i, e := range idx.Frames {
		fc, err := output.ReadFrameChunk(f, e.Loc, h)
		if err != nil {
			return rep, fmt.Errorf("frame %d: %w", i, err)
		}
		if fc.Timestamp != e.Timestamp {
			return rep, fmt.Errorf("frame %d timestamp %v, index says %v", i, fc.Timestamp, e.Timestamp)
		}
		if fc.FrameNumber != uint64(i) {
			return rep, fmt.Errorf("frame %d carries frame number %d", i, fc.FrameNumber)
		}
		if fc.IsCompressed {
			rep.Compressed++
			rep.Tiles += len(fc.Tiles)
		} else {
			rep.Raw++
		}
	}
	rep.Verified = true
	return rep, nil
}

func listCatalog(path string) error {
	cat, err := catalog.Open(path)
	if err != nil {
		return err
	}
	defer cat.Close()
	sessions, err := cat.List(context.Background())
	if err != nil {
		return err
	}
	for _, s := range sessions {
		fmt.Printf("%s  %s  %dx%d  frames=%d keyframes=%d dropped=%d finalized=%t",
			s.Started.Format("2006-01-02T15:04:05"), s.Path, s.Width, s.Height,
			s.FramesWritten, s.KeyframesWritten, s.FramesDropped, s.Finalized)
		if s.ErrText != "" {
			fmt.Printf("  error=%q", s.ErrText)
		}
		fmt.Println()
	}
	return nil
}

func printJSON(v any) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		log.Printf("encode report: %v", err)
		return
	}
	fmt.Println(string(data))
}
