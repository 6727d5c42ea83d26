package output

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"sync"

	"any2ufmf-go/internal/processing"
)

const (
	Magic   = "ufmf"
	Version = 4

	ChunkKeyframe = 0
	ChunkFrame    = 1
	ChunkIndex    = 2

	KeyframeTypeMean = "mean"
)

var ErrClosed = errors.New("ufmf encoder is closed")

// Header is the fixed preamble of a ufmf file.
type Header struct {
	Version   uint32
	Coding    string
	Width     uint16
	Height    uint16
	BoxLength uint16
	FixedSize bool
	// IndexLoc is zero until the file has been finalized.
	IndexLoc uint64
}

// IndexEntry locates one chunk in the file.
type IndexEntry struct {
	Loc       int64
	Timestamp float64
}

// Index holds the frame and keyframe locations written so far.
type Index struct {
	Frames    []IndexEntry
	Keyframes []IndexEntry
}

// Sink is the output target. WriteAt is used once, to patch the index pointer.
type Sink interface {
	io.Writer
	io.WriterAt
	io.Closer
}

// Encoder serializes ufmf chunks. All methods are safe for concurrent use,
// although the writer only calls them from one goroutine.
type Encoder struct {
	mu     sync.Mutex
	sink   Sink
	w      *bufio.Writer
	offset int64

	width        int
	height       int
	indexPtrLoc  int64
	headerDone   bool
	indexWritten bool
	index        Index
	scratch      []byte
}

// Create opens path for writing, creating parent directories as needed.
func Create(path string) (*Encoder, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	return NewEncoder(f), nil
}

func NewEncoder(sink Sink) *Encoder {
	return &Encoder{
		sink: sink,
		w:    bufio.NewWriterSize(sink, 1024*1024),
	}
}

func (e *Encoder) write(p []byte) error {
	n, err := e.w.Write(p)
	e.offset += int64(n)
	return err
}

func (e *Encoder) writeString(s string) error {
	n, err := e.w.WriteString(s)
	e.offset += int64(n)
	return err
}

// WriteHeader writes the preamble with a zero index pointer.
func (e *Encoder) WriteHeader(h Header) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.w == nil {
		return ErrClosed
	}
	if e.headerDone {
		return fmt.Errorf("ufmf header already written")
	}
	if len(h.Coding) == 0 || len(h.Coding) > math.MaxUint8 {
		return fmt.Errorf("invalid color coding %q", h.Coding)
	}
	if h.Version == 0 {
		h.Version = Version
	}

	buf := make([]byte, 0, 32)
	buf = append(buf, Magic...)
	buf = binary.LittleEndian.AppendUint32(buf, h.Version)
	buf = append(buf, byte(len(h.Coding)))
	buf = append(buf, h.Coding...)
	buf = binary.LittleEndian.AppendUint16(buf, h.Width)
	buf = binary.LittleEndian.AppendUint16(buf, h.Height)
	buf = binary.LittleEndian.AppendUint16(buf, h.BoxLength)
	if h.FixedSize {
		buf = append(buf, 1)
	} else {
		buf = append(buf, 0)
	}
	e.indexPtrLoc = e.offset + int64(len(buf))
	buf = binary.LittleEndian.AppendUint64(buf, 0)

	if err := e.write(buf); err != nil {
		return fmt.Errorf("write header: %w", err)
	}
	if err := e.w.Flush(); err != nil {
		return fmt.Errorf("write header: %w", err)
	}
	e.width = int(h.Width)
	e.height = int(h.Height)
	e.headerDone = true
	return nil
}

// WriteKeyframe writes a mean-background keyframe and records it in the
// keyframe index. It returns the chunk's offset.
func (e *Encoder) WriteKeyframe(timestamp float64, center []float32) (int64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.w == nil {
		return 0, ErrClosed
	}
	if len(center) != e.width*e.height {
		return 0, fmt.Errorf("keyframe has %d pixels, want %d", len(center), e.width*e.height)
	}

	loc := e.offset
	buf := e.scratch[:0]
	buf = append(buf, ChunkKeyframe, byte(len(KeyframeTypeMean)))
	buf = append(buf, KeyframeTypeMean...)
	buf = append(buf, 'f')
	buf = binary.LittleEndian.AppendUint16(buf, uint16(e.width))
	buf = binary.LittleEndian.AppendUint16(buf, uint16(e.height))
	buf = binary.LittleEndian.AppendUint64(buf, math.Float64bits(timestamp))
	for _, v := range center {
		buf = binary.LittleEndian.AppendUint32(buf, math.Float32bits(v))
	}
	e.scratch = buf

	if err := e.write(buf); err != nil {
		return loc, fmt.Errorf("write keyframe chunk: %w", err)
	}
	e.index.Keyframes = append(e.index.Keyframes, IndexEntry{Loc: loc, Timestamp: timestamp})
	return loc, nil
}

// WriteFrame writes one frame chunk and records it in the frame index. It
// returns the chunk's offset.
func (e *Encoder) WriteFrame(cf *processing.CompressedFrame) (int64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.w == nil {
		return 0, ErrClosed
	}

	loc := e.offset
	buf := e.scratch[:0]
	buf = append(buf, ChunkFrame)
	buf = binary.LittleEndian.AppendUint64(buf, math.Float64bits(cf.Timestamp))
	buf = binary.LittleEndian.AppendUint64(buf, cf.FrameNumber)
	if cf.IsCompressed {
		buf = append(buf, 1)
		buf = binary.LittleEndian.AppendUint32(buf, uint32(len(cf.Tiles)))
		for _, t := range cf.Tiles {
			buf = binary.LittleEndian.AppendUint16(buf, uint16(t.Row))
			buf = binary.LittleEndian.AppendUint16(buf, uint16(t.Col))
			buf = binary.LittleEndian.AppendUint16(buf, uint16(t.Height))
			buf = binary.LittleEndian.AppendUint16(buf, uint16(t.Width))
			buf = append(buf, t.Data...)
		}
	} else {
		buf = append(buf, 0)
		buf = append(buf, cf.Raw...)
	}
	e.scratch = buf

	if err := e.write(buf); err != nil {
		return loc, fmt.Errorf("write frame chunk: %w", err)
	}
	e.index.Frames = append(e.index.Frames, IndexEntry{Loc: loc, Timestamp: cf.Timestamp})
	return loc, nil
}

// WriteIndex appends the index chunk, flushes, and patches the header's index
// pointer. It returns the index chunk's offset.
func (e *Encoder) WriteIndex() (int64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.w == nil {
		return 0, ErrClosed
	}
	if !e.headerDone {
		return 0, fmt.Errorf("ufmf header not written")
	}
	if e.indexWritten {
		return 0, fmt.Errorf("ufmf index already written")
	}

	loc := e.offset
	buf := []byte{ChunkIndex}
	buf = appendDict(buf, []dictEntry{
		{key: "frame", value: entriesDict(e.index.Frames)},
		{key: "keyframe", value: []dictEntry{
			{key: KeyframeTypeMean, value: entriesDict(e.index.Keyframes)},
		}},
	})
	if err := e.write(buf); err != nil {
		return loc, fmt.Errorf("write index chunk: %w", err)
	}
	if err := e.w.Flush(); err != nil {
		return loc, fmt.Errorf("write index chunk: %w", err)
	}

	var ptr [8]byte
	binary.LittleEndian.PutUint64(ptr[:], uint64(loc))
	if _, err := e.sink.WriteAt(ptr[:], e.indexPtrLoc); err != nil {
		return loc, fmt.Errorf("patch index pointer: %w", err)
	}
	e.indexWritten = true
	return loc, nil
}

// Flush pushes buffered chunks to the sink.
func (e *Encoder) Flush() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.w == nil {
		return ErrClosed
	}
	return e.w.Flush()
}

// Close flushes what is buffered and closes the sink. A file closed without
// WriteIndex keeps a zero index pointer.
func (e *Encoder) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.w == nil {
		return nil
	}
	if err := e.w.Flush(); err != nil {
		_ = e.sink.Close()
		e.w = nil
		return err
	}
	err := e.sink.Close()
	e.w = nil
	return err
}

// Offset is the number of bytes written, buffered or not.
func (e *Encoder) Offset() int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.offset
}

// Index returns a copy of the locations recorded so far.
func (e *Encoder) Index() Index {
	e.mu.Lock()
	defer e.mu.Unlock()
	return Index{
		Frames:    append([]IndexEntry(nil), e.index.Frames...),
		Keyframes: append([]IndexEntry(nil), e.index.Keyframes...),
	}
}

type dictEntry struct {
	key   string
	value any
}

func entriesDict(entries []IndexEntry) []dictEntry {
	locs := make([]int64, len(entries))
	stamps := make([]float64, len(entries))
	for i, e := range entries {
		locs[i] = e.Loc
		stamps[i] = e.Timestamp
	}
	return []dictEntry{
		{key: "loc", value: locs},
		{key: "timestamp", value: stamps},
	}
}

func appendDict(buf []byte, entries []dictEntry) []byte {
	buf = append(buf, 'd', byte(len(entries)))
	for _, ent := range entries {
		buf = binary.LittleEndian.AppendUint16(buf, uint16(len(ent.key)))
		buf = append(buf, ent.key...)
		switch v := ent.value.(type) {
		case []dictEntry:
			buf = appendDict(buf, v)
		case []int64:
			buf = append(buf, 'a', 'q')
			buf = binary.LittleEndian.AppendUint32(buf, uint32(8*len(v)))
			for _, x := range v {
				buf = binary.LittleEndian.AppendUint64(buf, uint64(x))
			}
		case []float64:
			buf = append(buf, 'a', 'd')
			buf = binary.LittleEndian.AppendUint32(buf, uint32(8*len(v)))
			for _, x := range v {
				buf = binary.LittleEndian.AppendUint64(buf, math.Float64bits(x))
			}
		}
	}
	return buf
}
