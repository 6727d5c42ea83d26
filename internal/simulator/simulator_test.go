package simulator

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSceneIsDeterministicPerSeed(t *testing.T) {
	t.Parallel()

	a := NewScene(32, 24, 2, 7)
	b := NewScene(32, 24, 2, 7)
	fa := make([]byte, 32*24)
	fb := make([]byte, 32*24)
	a.Render(5, fa)
	b.Render(5, fb)
	assert.Equal(t, fa, fb)
}

func TestSceneHasBrightBlobs(t *testing.T) {
	t.Parallel()

	s := NewScene(64, 64, 3, 1)
	frame := make([]byte, 64*64)
	s.Render(0, frame)
	bright := 0
	for _, v := range frame {
		if v == 230 {
			bright++
		}
	}
	assert.Greater(t, bright, 0)
	assert.Less(t, bright, len(frame)/2)
}

func TestStreamStopsAfterNFrames(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var got []int
	for frame := range Stream(ctx, 16, 8, 200, 5) {
		require.Len(t, frame.Pixels, 16*8)
		got = append(got, frame.FrameID)
	}
	assert.NotEmpty(t, got)
	assert.LessOrEqual(t, len(got), 5)
	for i := 1; i < len(got); i++ {
		assert.Greater(t, got[i], got[i-1])
	}
}
