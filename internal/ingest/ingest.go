package ingest

import (
	"context"
	"errors"
	"fmt"
	"log"
	"syscall"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/pebbe/zmq4"

	"any2ufmf-go/internal/processing"
	"any2ufmf-go/internal/types"
)

// recvTimeout bounds each receive so a cancelled context is noticed.
const recvTimeout = 500 * time.Millisecond

// Stream returns a channel of frames pulled from a capture process.
// Expects CBOR messages shaped like:
// { "type": "image", "frame_id": <int>, "timestamp": <float>, "bit_depth": <int>,
//   "dropped": <int>, "buffered": <int>, "data": <tag 40 [rows, cols] typed array> }
// A { "type": "end" } message ends the stream.
func Stream(ctx context.Context, endpoint string) (<-chan types.Frame, error) {
	return streamWithConfig(ctx, endpoint, 1)
}

func StreamWithLogEvery(ctx context.Context, endpoint string, logEvery int) (<-chan types.Frame, error) {
	if logEvery < 1 {
		logEvery = 1
	}
	return streamWithConfig(ctx, endpoint, logEvery)
}

func streamWithConfig(ctx context.Context, endpoint string, logEvery int) (<-chan types.Frame, error) {
	socket, err := zmq4.NewSocket(zmq4.PULL)
	if err != nil {
		return nil, err
	}
	if err := socket.SetRcvtimeo(recvTimeout); err != nil {
		_ = socket.Close()
		return nil, err
	}
	if err := socket.Connect(endpoint); err != nil {
		_ = socket.Close()
		return nil, err
	}

	out := make(chan types.Frame, 128)
	go func() {
		defer close(out)
		defer socket.Close()

		for {
			select {
			case <-ctx.Done():
				return
			default:
			}

			msg, err := socket.RecvBytes(0)
			if err != nil {
				if zmq4.AsErrno(err) == zmq4.Errno(syscall.EAGAIN) {
					continue
				}
				logEveryN(logEvery, "ingest recv error: %v", err)
				continue
			}

			raw, ok := decodeMessage(msg, logEvery)
			if !ok {
				logEveryN(logEvery, "ingest decode skipped message")
				continue
			}
			switch raw.Type {
			case "image":
			case "end":
				log.Printf("ingest end of stream: %v", raw.Meta)
				return
			default:
				logEveryN(logEvery, "ingest ignoring message type %q", raw.Type)
				continue
			}

			select {
			case <-ctx.Done():
				return
			case out <- raw.Frame:
			}
		}
	}()

	return out, nil
}

func decodeMessage(msg []byte, logEvery int) (types.RawMessage, bool) {
	var payload map[string]any
	if err := cbor.Unmarshal(msg, &payload); err != nil {
		logEveryN(logEvery, "ingest CBOR decode error: %v", err)
		return types.RawMessage{}, false
	}

	msgType, _ := payload["type"].(string)
	if msgType != "image" {
		meta := make(map[string]any, len(payload))
		for k, v := range payload {
			if k != "type" {
				meta[k] = v
			}
		}
		return types.RawMessage{Type: msgType, Meta: meta}, msgType != ""
	}

	frameID, err := toInt(payload["frame_id"])
	if err != nil {
		logEveryN(logEvery, "ingest invalid frame_id: %v", err)
		return types.RawMessage{}, false
	}
	timestamp, err := toFloat(payload["timestamp"])
	if err != nil {
		logEveryN(logEvery, "ingest invalid timestamp: %v", err)
		return types.RawMessage{}, false
	}

	arr, err := decodeMultiDimArray(payload["data"])
	if err != nil {
		logEveryN(logEvery, "ingest invalid data field: %v", err)
		return types.RawMessage{}, false
	}
	shift := uint(0)
	if depth, err := toInt(payload["bit_depth"]); err == nil && depth > 8 {
		shift = uint(depth - 8)
	}
	pixels, ok := processing.ToGray8(arr.Data, shift)
	if !ok {
		logEveryN(logEvery, "ingest unsupported pixel type %T", arr.Data)
		return types.RawMessage{}, false
	}

	frame := types.Frame{
		FrameID:   frameID,
		Timestamp: timestamp,
		Width:     arr.Cols,
		Height:    arr.Rows,
		Pixels:    pixels,
	}
	if v, err := toInt(payload["dropped"]); err == nil && v > 0 {
		frame.Dropped = uint64(v)
	}
	if v, err := toInt(payload["buffered"]); err == nil && v > 0 {
		frame.Buffered = uint64(v)
	}
	return types.RawMessage{Type: msgType, Frame: frame}, true
}

// EncodeFrame builds the CBOR message Stream expects for an 8-bit frame.
func EncodeFrame(frame types.Frame) ([]byte, error) {
	if len(frame.Pixels) != frame.Width*frame.Height {
		return nil, fmt.Errorf("frame has %d pixels, want %dx%d", len(frame.Pixels), frame.Width, frame.Height)
	}
	return cbor.Marshal(map[string]any{
		"type":      "image",
		"frame_id":  frame.FrameID,
		"timestamp": frame.Timestamp,
		"bit_depth": 8,
		"dropped":   frame.Dropped,
		"buffered":  frame.Buffered,
		"data":      encodeMultiDimUint8(frame.Pixels, frame.Height, frame.Width),
	})
}

// EncodeEnd builds the end-of-stream message.
func EncodeEnd(nFrames int) ([]byte, error) {
	return cbor.Marshal(map[string]any{"type": "end", "frames": nFrames})
}

func toInt(v any) (int, error) {
	switch n := v.(type) {
	case int:
		return n, nil
	case int64:
		return int(n), nil
	case uint64:
		return int(n), nil
	case uint32:
		return int(n), nil
	case float64:
		return int(n), nil
	default:
		return 0, fmt.Errorf("unsupported int type %T", v)
	}
}

func toFloat(v any) (float64, error) {
	switch n := v.(type) {
	case float64:
		return n, nil
	case float32:
		return float64(n), nil
	case int:
		return float64(n), nil
	case int64:
		return float64(n), nil
	case uint64:
		return float64(n), nil
	default:
		return 0, errors.New("unsupported float type")
	}
}

var logCounter int

func logEveryN(n int, format string, args ...any) {
	logCounter++
	if logCounter%n == 0 {
		log.Printf(format, args...)
	}
}
