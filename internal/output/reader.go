package output

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
)

// ErrNotFinalized is returned by ReadIndex for files whose index pointer was
// never patched.
var ErrNotFinalized = errors.New("ufmf file not finalized")

// ReadHeader parses the preamble at the start of r.
func ReadHeader(r io.Reader) (Header, error) {
	var h Header
	magic := make([]byte, len(Magic))
	if _, err := io.ReadFull(r, magic); err != nil {
		return h, fmt.Errorf("read magic: %w", err)
	}
	if string(magic) != Magic {
		return h, fmt.Errorf("bad magic %q", magic)
	}
	if err := binary.Read(r, binary.LittleEndian, &h.Version); err != nil {
		return h, fmt.Errorf("read version: %w", err)
	}
	var codingLen uint8
	if err := binary.Read(r, binary.LittleEndian, &codingLen); err != nil {
		return h, fmt.Errorf("read coding: %w", err)
	}
	coding := make([]byte, codingLen)
	if _, err := io.ReadFull(r, coding); err != nil {
		return h, fmt.Errorf("read coding: %w", err)
	}
	h.Coding = string(coding)

	var rest struct {
		Width, Height, BoxLength uint16
		FixedSize                uint8
		IndexLoc                 uint64
	}
	if err := binary.Read(r, binary.LittleEndian, &rest); err != nil {
		return h, fmt.Errorf("read header: %w", err)
	}
	h.Width = rest.Width
	h.Height = rest.Height
	h.BoxLength = rest.BoxLength
	h.FixedSize = rest.FixedSize != 0
	h.IndexLoc = rest.IndexLoc
	return h, nil
}

// ReadIndex decodes the index chunk the header points at.
func ReadIndex(r io.ReadSeeker, h Header) (Index, error) {
	var idx Index
	if h.IndexLoc == 0 {
		return idx, ErrNotFinalized
	}
	remaining, err := remainingFrom(r, int64(h.IndexLoc))
	if err != nil {
		return idx, err
	}
	br := bufio.NewReader(r)
	tag, err := br.ReadByte()
	if err != nil {
		return idx, fmt.Errorf("read index chunk: %w", err)
	}
	if tag != ChunkIndex {
		return idx, fmt.Errorf("chunk at %d has type %d, want index", h.IndexLoc, tag)
	}
	root, err := readDict(br, remaining)
	if err != nil {
		return idx, fmt.Errorf("read index chunk: %w", err)
	}

	frames, ok := root["frame"].(map[string]any)
	if !ok {
		return idx, fmt.Errorf("index has no frame entry")
	}
	if idx.Frames, err = entriesFrom(frames); err != nil {
		return idx, fmt.Errorf("frame index: %w", err)
	}
	if kf, ok := root["keyframe"].(map[string]any); ok {
		if mean, ok := kf[KeyframeTypeMean].(map[string]any); ok {
			if idx.Keyframes, err = entriesFrom(mean); err != nil {
				return idx, fmt.Errorf("keyframe index: %w", err)
			}
		}
	}
	return idx, nil
}

func entriesFrom(d map[string]any) ([]IndexEntry, error) {
	locs, ok := d["loc"].([]int64)
	if !ok {
		return nil, fmt.Errorf("missing loc array")
	}
	stamps, ok := d["timestamp"].([]float64)
	if !ok {
		return nil, fmt.Errorf("missing timestamp array")
	}
	if len(locs) != len(stamps) {
		return nil, fmt.Errorf("loc/timestamp length mismatch %d != %d", len(locs), len(stamps))
	}
	out := make([]IndexEntry, len(locs))
	for i := range locs {
		out[i] = IndexEntry{Loc: locs[i], Timestamp: stamps[i]}
	}
	return out, nil
}

// remainingFrom seeks r to loc and returns the number of bytes after it.
// Counts read from the file are checked against it before allocating.
func remainingFrom(r io.ReadSeeker, loc int64) (int64, error) {
	end, err := r.Seek(0, io.SeekEnd)
	if err != nil {
		return 0, err
	}
	if loc < 0 || loc > end {
		return 0, fmt.Errorf("offset %d outside file of %d bytes", loc, end)
	}
	if _, err := r.Seek(loc, io.SeekStart); err != nil {
		return 0, err
	}
	return end - loc, nil
}

func readDict(r *bufio.Reader, limit int64) (map[string]any, error) {
	tag, err := r.ReadByte()
	if err != nil {
		return nil, err
	}
	if tag != 'd' {
		return nil, fmt.Errorf("expected dict, got %q", tag)
	}
	n, err := r.ReadByte()
	if err != nil {
		return nil, err
	}
	out := make(map[string]any, n)
	for i := 0; i < int(n); i++ {
		var keyLen uint16
		if err := binary.Read(r, binary.LittleEndian, &keyLen); err != nil {
			return nil, err
		}
		key := make([]byte, keyLen)
		if _, err := io.ReadFull(r, key); err != nil {
			return nil, err
		}
		kind, err := r.Peek(1)
		if err != nil {
			return nil, err
		}
		switch kind[0] {
		case 'd':
			sub, err := readDict(r, limit)
			if err != nil {
				return nil, err
			}
			out[string(key)] = sub
		case 'a':
			arr, err := readArray(r, limit)
			if err != nil {
				return nil, err
			}
			out[string(key)] = arr
		default:
			return nil, fmt.Errorf("unknown value type %q for key %q", kind[0], key)
		}
	}
	return out, nil
}

func readArray(r *bufio.Reader, limit int64) (any, error) {
	var head [2]byte
	if _, err := io.ReadFull(r, head[:]); err != nil {
		return nil, err
	}
	var nbytes uint32
	if err := binary.Read(r, binary.LittleEndian, &nbytes); err != nil {
		return nil, err
	}
	if nbytes%8 != 0 {
		return nil, fmt.Errorf("array of %d bytes is not 8-byte aligned", nbytes)
	}
	if int64(nbytes) > limit {
		return nil, fmt.Errorf("array of %d bytes runs past end of file", nbytes)
	}
	data := make([]byte, nbytes)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, err
	}
	n := int(nbytes / 8)
	switch head[1] {
	case 'q':
		out := make([]int64, n)
		for i := range out {
			out[i] = int64(binary.LittleEndian.Uint64(data[i*8:]))
		}
		return out, nil
	case 'd':
		out := make([]float64, n)
		for i := range out {
			out[i] = math.Float64frombits(binary.LittleEndian.Uint64(data[i*8:]))
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unknown array dtype %q", head[1])
	}
}

// FrameChunk is a frame chunk as stored on disk.
type FrameChunk struct {
	Timestamp    float64
	FrameNumber  uint64
	IsCompressed bool
	Tiles        []TileRecord
	Raw          []byte
}

// TileRecord is one stored box of a compressed frame.
type TileRecord struct {
	Row, Col, Height, Width uint16
	Data                    []byte
}

// KeyframeChunk is a mean-background keyframe as stored on disk.
type KeyframeChunk struct {
	Timestamp float64
	Width     int
	Height    int
	Center    []float32
}

// ReadFrameChunk decodes the frame chunk at loc. Used by the integrity checker
// to verify chunk boundaries.
func ReadFrameChunk(r io.ReadSeeker, loc int64, h Header) (FrameChunk, error) {
	var fc FrameChunk
	remaining, err := remainingFrom(r, loc)
	if err != nil {
		return fc, err
	}
	br := bufio.NewReader(r)
	var head struct {
		Tag         uint8
		Timestamp   float64
		FrameNumber uint64
		Compressed  uint8
	}
	if err := binary.Read(br, binary.LittleEndian, &head); err != nil {
		return fc, fmt.Errorf("read frame chunk: %w", err)
	}
	if head.Tag != ChunkFrame {
		return fc, fmt.Errorf("chunk at %d has type %d, want frame", loc, head.Tag)
	}
	fc.Timestamp = head.Timestamp
	fc.FrameNumber = head.FrameNumber
	fc.IsCompressed = head.Compressed != 0

	if !fc.IsCompressed {
		if int64(h.Width)*int64(h.Height) > remaining {
			return fc, fmt.Errorf("raw frame runs past end of file")
		}
		fc.Raw = make([]byte, int(h.Width)*int(h.Height))
		if _, err := io.ReadFull(br, fc.Raw); err != nil {
			return fc, fmt.Errorf("read raw frame: %w", err)
		}
		return fc, nil
	}

	var nTiles uint32
	if err := binary.Read(br, binary.LittleEndian, &nTiles); err != nil {
		return fc, fmt.Errorf("read tile count: %w", err)
	}
	if limit := maxTiles(h); int64(nTiles) > limit {
		return fc, fmt.Errorf("tile count %d exceeds %d tiles per frame", nTiles, limit)
	}
	if int64(nTiles)*8 > remaining {
		return fc, fmt.Errorf("tile count %d runs past end of file", nTiles)
	}
	fc.Tiles = make([]TileRecord, 0, nTiles)
	for i := uint32(0); i < nTiles; i++ {
		var t TileRecord
		var dims [4]uint16
		if err := binary.Read(br, binary.LittleEndian, &dims); err != nil {
			return fc, fmt.Errorf("read tile %d: %w", i, err)
		}
		t.Row, t.Col, t.Height, t.Width = dims[0], dims[1], dims[2], dims[3]
		if int(t.Row)+int(t.Height) > int(h.Height) || int(t.Col)+int(t.Width) > int(h.Width) {
			return fc, fmt.Errorf("tile %d at (%d,%d) size %dx%d exceeds frame", i, t.Row, t.Col, t.Height, t.Width)
		}
		t.Data = make([]byte, int(t.Height)*int(t.Width))
		if _, err := io.ReadFull(br, t.Data); err != nil {
			return fc, fmt.Errorf("read tile %d: %w", i, err)
		}
		fc.Tiles = append(fc.Tiles, t)
	}
	return fc, nil
}

// maxTiles is the number of boxes in a frame of h's geometry, or its pixel
// count when the box length is unknown.
func maxTiles(h Header) int64 {
	w, ht, box := int64(h.Width), int64(h.Height), int64(h.BoxLength)
	if box == 0 {
		return w * ht
	}
	return ((w + box - 1) / box) * ((ht + box - 1) / box)
}

// ReadKeyframeChunk decodes the keyframe chunk at loc.
func ReadKeyframeChunk(r io.ReadSeeker, loc int64) (KeyframeChunk, error) {
	var kc KeyframeChunk
	remaining, err := remainingFrom(r, loc)
	if err != nil {
		return kc, err
	}
	br := bufio.NewReader(r)
	var tagLen [2]byte
	if _, err := io.ReadFull(br, tagLen[:]); err != nil {
		return kc, fmt.Errorf("read keyframe chunk: %w", err)
	}
	if tagLen[0] != ChunkKeyframe {
		return kc, fmt.Errorf("chunk at %d has type %d, want keyframe", loc, tagLen[0])
	}
	kind := make([]byte, tagLen[1])
	if _, err := io.ReadFull(br, kind); err != nil {
		return kc, fmt.Errorf("read keyframe type: %w", err)
	}
	var head struct {
		DType     uint8
		Width     uint16
		Height    uint16
		Timestamp float64
	}
	if err := binary.Read(br, binary.LittleEndian, &head); err != nil {
		return kc, fmt.Errorf("read keyframe chunk: %w", err)
	}
	if head.DType != 'f' {
		return kc, fmt.Errorf("unsupported keyframe dtype %q", head.DType)
	}
	kc.Timestamp = head.Timestamp
	kc.Width = int(head.Width)
	kc.Height = int(head.Height)
	if int64(kc.Width)*int64(kc.Height)*4 > remaining {
		return kc, fmt.Errorf("keyframe of %dx%d runs past end of file", kc.Width, kc.Height)
	}
	kc.Center = make([]float32, kc.Width*kc.Height)
	if err := binary.Read(br, binary.LittleEndian, kc.Center); err != nil {
		return kc, fmt.Errorf("read keyframe data: %w", err)
	}
	return kc, nil
}

// Reconstruct decodes fc against a keyframe center.
func (fc FrameChunk) Reconstruct(center []float32, width int, dst []byte) {
	if !fc.IsCompressed {
		copy(dst, fc.Raw)
		return
	}
	for i := range dst {
		c := center[i]
		switch {
		case c <= 0:
			dst[i] = 0
		case c >= 255:
			dst[i] = 255
		default:
			dst[i] = byte(c)
		}
	}
	for _, t := range fc.Tiles {
		w := int(t.Width)
		for y := 0; y < int(t.Height); y++ {
			copy(dst[(int(t.Row)+y)*width+int(t.Col):], t.Data[y*w:(y+1)*w])
		}
	}
}
