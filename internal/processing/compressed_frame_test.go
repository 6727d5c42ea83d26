package processing

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompressSquareAgainstGrayBackground(t *testing.T) {
	t.Parallel()

	const w, h = 64, 64
	m := newModel(t, w, h, 100, ResetHard)
	gray := uniformFrame(w, h, 128)
	for i := 0; i < 150; i++ {
		m.AddFrame(gray)
	}
	snap := m.Snapshot(0, 0)

	frame := uniformFrame(w, h, 128)
	for y := 10; y < 30; y++ {
		for x := 10; x < 30; x++ {
			frame[y*w+x] = 250
		}
	}

	cf, err := NewCompressedFrame(w, h, 16, 1.0)
	require.NoError(t, err)
	cf.SetData(frame, 5.0, 150, snap.Lower, snap.Upper)

	assert.True(t, cf.IsCompressed)
	assert.Equal(t, 400, cf.NumFore)
	assert.Equal(t, 4, cf.NumTiles())
	assert.Equal(t, 4*16*16, cf.NumPxWritten)
	assert.Equal(t, uint64(150), cf.FrameNumber)
	assert.Equal(t, 5.0, cf.Timestamp)

	var origins [][2]int
	for _, tile := range cf.Tiles {
		origins = append(origins, [2]int{tile.Row, tile.Col})
	}
	want := [][2]int{{0, 0}, {0, 16}, {16, 0}, {16, 16}}
	if diff := cmp.Diff(want, origins); diff != "" {
		t.Fatalf("tile order mismatch (-want +got):\n%s", diff)
	}

	written := 0
	for _, n := range cf.NWrites {
		assert.LessOrEqual(t, n, uint16(1))
		written += int(n)
	}
	assert.Equal(t, cf.NumPxWritten, written)
}

func TestCompressBorderTilesAreClipped(t *testing.T) {
	t.Parallel()

	const w, h, box = 70, 50, 16
	lower := uniformFrame(w, h, 90)
	upper := uniformFrame(w, h, 110)
	frame := uniformFrame(w, h, 100)
	frame[(h-1)*w+(w-1)] = 0

	cf, err := NewCompressedFrame(w, h, box, 1.0)
	require.NoError(t, err)
	cf.SetData(frame, 0, 0, lower, upper)

	require.True(t, cf.IsCompressed)
	require.Len(t, cf.Tiles, 1)
	tile := cf.Tiles[0]
	assert.Equal(t, 48, tile.Row)
	assert.Equal(t, 64, tile.Col)
	assert.Equal(t, h%box, tile.Height)
	assert.Equal(t, w%box, tile.Width)
	assert.Len(t, tile.Data, (h%box)*(w%box))
	assert.Equal(t, byte(0), tile.Data[len(tile.Data)-1])
}

func TestCompressEvenlyDivisibleCornerTileIsFullSize(t *testing.T) {
	t.Parallel()

	const w, h, box = 32, 32, 16
	lower := uniformFrame(w, h, 90)
	upper := uniformFrame(w, h, 110)
	frame := uniformFrame(w, h, 100)
	frame[w*h-1] = 255

	cf, err := NewCompressedFrame(w, h, box, 1.0)
	require.NoError(t, err)
	cf.SetData(frame, 0, 0, lower, upper)

	require.Len(t, cf.Tiles, 1)
	assert.Equal(t, Tile{Row: 16, Col: 16, Height: 16, Width: 16, Data: cf.Tiles[0].Data}, cf.Tiles[0])
}

func TestCompressRawAtThresholdInclusive(t *testing.T) {
	t.Parallel()

	const w, h = 4, 4
	lower := uniformFrame(w, h, 90)
	upper := uniformFrame(w, h, 110)
	frame := uniformFrame(w, h, 100)
	for i := 0; i < 4; i++ {
		frame[i] = 200
	}

	cf, err := NewCompressedFrame(w, h, 2, 0.25)
	require.NoError(t, err)
	cf.SetData(frame, 1, 7, lower, upper)
	assert.False(t, cf.IsCompressed)
	assert.Equal(t, frame, cf.Raw)
	assert.Equal(t, 4, cf.NumFore)
	assert.Equal(t, w*h, cf.NumPxWritten)

	// one foreground pixel fewer drops below the threshold
	frame[3] = 100
	cf.SetData(frame, 2, 8, lower, upper)
	assert.True(t, cf.IsCompressed)
	assert.Empty(t, cf.Raw)
	assert.Equal(t, 2, cf.NumTiles())
}

func TestCompressEmptyForegroundWritesNothing(t *testing.T) {
	t.Parallel()

	lower := uniformFrame(8, 8, 90)
	upper := uniformFrame(8, 8, 110)
	cf, err := NewCompressedFrame(8, 8, 4, 1.0)
	require.NoError(t, err)
	cf.SetData(uniformFrame(8, 8, 100), 0, 0, lower, upper)

	assert.True(t, cf.IsCompressed)
	assert.Zero(t, cf.NumTiles())
	assert.Zero(t, cf.NumPxWritten)
	assert.Equal(t, 4, cf.EncodedSize())
}

func TestReconstructRestoresForegroundExactly(t *testing.T) {
	t.Parallel()

	const w, h = 20, 12
	m := newModel(t, w, h, 100, ResetHard)
	bg := uniformFrame(w, h, 60)
	for i := 0; i < 10; i++ {
		m.AddFrame(bg)
	}
	snap := m.Snapshot(0, 0)

	frame := uniformFrame(w, h, 60)
	frame[5*w+7] = 220
	frame[11*w+19] = 5

	cf, err := NewCompressedFrame(w, h, 6, 1.0)
	require.NoError(t, err)
	cf.SetData(frame, 0, 1, snap.Lower, snap.Upper)

	out := make([]byte, w*h)
	cf.Reconstruct(snap.Center, out)
	for i := range frame {
		if frame[i] < snap.Lower[i] || frame[i] > snap.Upper[i] {
			assert.Equal(t, frame[i], out[i], "pixel %d", i)
			continue
		}
		diff := int(out[i]) - int(frame[i])
		assert.LessOrEqual(t, diff*diff, 100, "pixel %d", i)
	}
}

func TestToGray8(t *testing.T) {
	t.Parallel()

	out, ok := ToGray8([]uint16{0, 256, 65535}, 8)
	require.True(t, ok)
	assert.Equal(t, []byte{0, 1, 255}, out)

	out, ok = ToGray8([][]byte{{1, 2}, {3, 4}}, 0)
	require.True(t, ok)
	assert.Equal(t, []byte{1, 2, 3, 4}, out)

	out, ok = ToGray8([]any{uint64(300), int64(-4), 12.4}, 0)
	require.True(t, ok)
	assert.Equal(t, []byte{255, 0, 12}, out)

	_, ok = ToGray8("nope", 0)
	assert.False(t, ok)
}
