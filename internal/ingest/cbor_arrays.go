package ingest

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// RFC 8746 tags used by the capture side.
const (
	tagMultiDimArray = 40
	tagUint8         = 64
	tagUint16LE      = 69
	tagUint32LE      = 70
)

// imageArray is a decoded row-major 2-D typed array.
type imageArray struct {
	Rows int
	Cols int
	// Data is []uint8, []uint16 or []uint32.
	Data any
}

func decodeMultiDimArray(value any) (imageArray, error) {
	tag, ok := value.(cbor.Tag)
	if !ok || tag.Number != tagMultiDimArray {
		return imageArray{}, fmt.Errorf("expected multidim tag 40")
	}

	items, ok := tag.Content.([]any)
	if !ok || len(items) != 2 {
		return imageArray{}, fmt.Errorf("invalid multidim array content")
	}

	dimsRaw, ok := items[0].([]any)
	if !ok || len(dimsRaw) != 2 {
		return imageArray{}, fmt.Errorf("invalid multidim dimensions")
	}

	rows, err := toInt(dimsRaw[0])
	if err != nil {
		return imageArray{}, err
	}
	cols, err := toInt(dimsRaw[1])
	if err != nil {
		return imageArray{}, err
	}
	if rows <= 0 || cols <= 0 {
		return imageArray{}, fmt.Errorf("invalid dimensions %dx%d", rows, cols)
	}

	flat, n, err := decodeTypedArray(items[1])
	if err != nil {
		return imageArray{}, err
	}
	if n != rows*cols {
		return imageArray{}, errors.New("dimension mismatch")
	}
	return imageArray{Rows: rows, Cols: cols, Data: flat}, nil
}

func decodeTypedArray(value any) (any, int, error) {
	tag, ok := value.(cbor.Tag)
	if !ok {
		return nil, 0, fmt.Errorf("expected typed array tag")
	}
	data, ok := tag.Content.([]byte)
	if !ok {
		return nil, 0, fmt.Errorf("unsupported typed array content %T", tag.Content)
	}

	switch tag.Number {
	case tagUint8:
		return data, len(data), nil
	case tagUint16LE:
		v := bytesToUint16(data)
		return v, len(v), nil
	case tagUint32LE:
		v := bytesToUint32(data)
		return v, len(v), nil
	default:
		return nil, 0, fmt.Errorf("unsupported typed array tag %d", tag.Number)
	}
}

func bytesToUint16(data []byte) []uint16 {
	out := make([]uint16, len(data)/2)
	for i := 0; i < len(out); i++ {
		out[i] = binary.LittleEndian.Uint16(data[i*2 : i*2+2])
	}
	return out
}

func bytesToUint32(data []byte) []uint32 {
	out := make([]uint32, len(data)/4)
	for i := 0; i < len(out); i++ {
		out[i] = binary.LittleEndian.Uint32(data[i*4 : i*4+4])
	}
	return out
}

func encodeMultiDimUint8(pixels []byte, rows, cols int) cbor.Tag {
	return cbor.Tag{
		Number: tagMultiDimArray,
		Content: []any{
			[]any{rows, cols},
			cbor.Tag{Number: tagUint8, Content: pixels},
		},
	}
}
