package processing

import "fmt"

// Tile is one box of stored pixels. Row and Col are the pixel coordinates of
// its top-left corner; border tiles are clipped, never padded.
type Tile struct {
	Row    int
	Col    int
	Height int
	Width  int
	Data   []byte
}

// CompressedFrame is a frame encoded against a background snapshot: either a
// set of tiles covering every foreground pixel, or the raw buffer.
type CompressedFrame struct {
	FrameNumber  uint64
	Timestamp    float64
	IsCompressed bool
	Tiles        []Tile
	Raw          []byte
	NumFore      int
	NumPxWritten int
	// NWrites is 1 for every pixel stored in this frame, 0 otherwise.
	NWrites []uint16
	// Generation of the snapshot the frame was compressed against.
	Generation uint64

	width     int
	height    int
	nPixels   int
	boxLength int
	maxFracFg float64
	tileRows  int
	tileCols  int

	tileFore []int
	tileBuf  []byte
}

func NewCompressedFrame(width, height, boxLength int, maxFracFgCompress float64) (*CompressedFrame, error) {
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("invalid frame size %dx%d", width, height)
	}
	if boxLength <= 0 {
		return nil, fmt.Errorf("invalid box length %d", boxLength)
	}
	nPixels := width * height
	tileRows := (height + boxLength - 1) / boxLength
	tileCols := (width + boxLength - 1) / boxLength
	return &CompressedFrame{
		width:     width,
		height:    height,
		nPixels:   nPixels,
		boxLength: boxLength,
		maxFracFg: maxFracFgCompress,
		tileRows:  tileRows,
		tileCols:  tileCols,
		NWrites:   make([]uint16, nPixels),
		Raw:       make([]byte, 0, nPixels),
		tileFore:  make([]int, tileRows*tileCols),
		tileBuf:   make([]byte, 0, nPixels),
	}, nil
}

// SetData encodes pixels against lower/upper. A pixel is foreground when it
// lies strictly outside [lower, upper]. Frames whose foreground fraction
// reaches maxFracFgCompress are stored raw.
func (c *CompressedFrame) SetData(pixels []byte, timestamp float64, frameNumber uint64, lower, upper []byte) {
	c.FrameNumber = frameNumber
	c.Timestamp = timestamp
	c.Tiles = c.Tiles[:0]
	c.Raw = c.Raw[:0]
	c.tileBuf = c.tileBuf[:0]
	c.NumPxWritten = 0
	clear(c.tileFore)
	clear(c.NWrites)

	px := pixels[:c.nPixels]
	lo := lower[:c.nPixels]
	hi := upper[:c.nPixels]
	numFore := 0
	for y := 0; y < c.height; y++ {
		tileRow := (y / c.boxLength) * c.tileCols
		off := y * c.width
		for x := 0; x < c.width; x++ {
			v := px[off+x]
			if v < lo[off+x] || v > hi[off+x] {
				numFore++
				c.tileFore[tileRow+x/c.boxLength]++
			}
		}
	}
	c.NumFore = numFore

	if float64(numFore)/float64(c.nPixels) >= c.maxFracFg {
		c.IsCompressed = false
		c.Raw = append(c.Raw, px...)
		c.NumPxWritten = c.nPixels
		for i := range c.NWrites {
			c.NWrites[i] = 1
		}
		return
	}

	c.IsCompressed = true
	for tr := 0; tr < c.tileRows; tr++ {
		for tc := 0; tc < c.tileCols; tc++ {
			if c.tileFore[tr*c.tileCols+tc] == 0 {
				continue
			}
			c.emitTile(px, tr*c.boxLength, tc*c.boxLength)
		}
	}
}

func (c *CompressedFrame) emitTile(px []byte, row, col int) {
	h := min(c.boxLength, c.height-row)
	w := min(c.boxLength, c.width-col)
	start := len(c.tileBuf)
	for y := row; y < row+h; y++ {
		off := y*c.width + col
		c.tileBuf = append(c.tileBuf, px[off:off+w]...)
		for x := off; x < off+w; x++ {
			c.NWrites[x]++
		}
	}
	c.Tiles = append(c.Tiles, Tile{
		Row:    row,
		Col:    col,
		Height: h,
		Width:  w,
		Data:   c.tileBuf[start:len(c.tileBuf):len(c.tileBuf)],
	})
	c.NumPxWritten += h * w
}

func (c *CompressedFrame) NumTiles() int {
	return len(c.Tiles)
}

func (c *CompressedFrame) Size() (int, int) {
	return c.width, c.height
}

// EncodedSize is the number of payload bytes the frame occupies on disk,
// excluding the fixed chunk prefix.
func (c *CompressedFrame) EncodedSize() int {
	if !c.IsCompressed {
		return len(c.Raw)
	}
	return 4 + len(c.Tiles)*8 + c.NumPxWritten
}

// Reconstruct fills dst with the decoded frame, using center for every pixel
// the frame did not store.
func (c *CompressedFrame) Reconstruct(center []float32, dst []byte) {
	if !c.IsCompressed {
		copy(dst, c.Raw)
		return
	}
	for i := 0; i < c.nPixels; i++ {
		dst[i] = clampByte(float64(center[i]))
	}
	for _, t := range c.Tiles {
		for y := 0; y < t.Height; y++ {
			copy(dst[(t.Row+y)*c.width+t.Col:], t.Data[y*t.Width:(y+1)*t.Width])
		}
	}
}
