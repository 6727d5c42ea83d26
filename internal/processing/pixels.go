package processing

import (
	"math"
	"reflect"
)

// ToGray8 converts a decoded pixel payload into an 8-bit buffer. Wider
// integer samples are shifted right by shift bits and saturated at 255.
func ToGray8(payload any, shift uint) ([]byte, bool) {
	switch v := payload.(type) {
	case []byte:
		out := make([]byte, len(v))
		copy(out, v)
		return out, true
	case [][]byte:
		return flattenUint8(v), true
	case []uint16:
		return narrowUint16(v, shift), true
	case [][]uint16:
		return narrowUint16(flattenUint16(v), shift), true
	case []uint32:
		out := make([]byte, len(v))
		for i, x := range v {
			out[i] = saturate(uint64(x) >> shift)
		}
		return out, true
	case []any:
		return narrowAny(v, shift)
	case [][]any:
		flat := make([]any, 0)
		for _, row := range v {
			flat = append(flat, row...)
		}
		return narrowAny(flat, shift)
	default:
		rv := reflect.ValueOf(payload)
		if rv.Kind() == reflect.Slice {
			return narrowAny(sliceToAny(rv), shift)
		}
		return nil, false
	}
}

func narrowUint16(values []uint16, shift uint) []byte {
	out := make([]byte, len(values))
	for i, v := range values {
		out[i] = saturate(uint64(v) >> shift)
	}
	return out
}

func narrowAny(values []any, shift uint) ([]byte, bool) {
	if len(values) == 0 {
		return nil, false
	}
	out := make([]byte, len(values))
	for i, v := range values {
		switch n := v.(type) {
		case uint64:
			out[i] = saturate(n >> shift)
		case uint32:
			out[i] = saturate(uint64(n) >> shift)
		case uint16:
			out[i] = saturate(uint64(n) >> shift)
		case uint8:
			out[i] = saturate(uint64(n) >> shift)
		case int64:
			if n > 0 {
				out[i] = saturate(uint64(n) >> shift)
			}
		case int:
			if n > 0 {
				out[i] = saturate(uint64(n) >> shift)
			}
		case float64:
			if n > 0 {
				out[i] = saturate(uint64(math.Round(n)) >> shift)
			}
		default:
			return nil, false
		}
	}
	return out, true
}

func saturate(v uint64) byte {
	if v > math.MaxUint8 {
		return math.MaxUint8
	}
	return byte(v)
}

func flattenUint8(values [][]uint8) []uint8 {
	flat := make([]uint8, 0)
	for _, row := range values {
		flat = append(flat, row...)
	}
	return flat
}

func flattenUint16(values [][]uint16) []uint16 {
	flat := make([]uint16, 0)
	for _, row := range values {
		flat = append(flat, row...)
	}
	return flat
}

func sliceToAny(rv reflect.Value) []any {
	out := make([]any, rv.Len())
	for i := 0; i < rv.Len(); i++ {
		out[i] = rv.Index(i).Interface()
	}
	return out
}
