package kvdb

import (
	"encoding/binary"
	"fmt"
	"math"
	"time"

	"github.com/andreyvit/reldoc/rel"
)

// Primary keys are stored as tuples: el1 el2 ... elN len1 len2 ... lenN-1 n.
// Each element sorts like the value it encodes, so single-column keys iterate
// in key order.
type tupleEncoder struct {
	startOffPlus1 int
	lens          []int
}

func (tb *tupleEncoder) begin(buf []byte) {
	if off := tb.startOffPlus1; off != 0 {
		tb.lens = append(tb.lens, len(buf)+1-off)
	}
	tb.startOffPlus1 = len(buf) + 1
}

func (tb *tupleEncoder) finalize(buf []byte) []byte {
	for _, v := range tb.lens {
		buf = appendRuvarint(buf, uint32(v))
	}
	return appendRuvarint(buf, uint32(len(tb.lens)+1))
}

// appendRuvarint appends a byte-reversed Uvarint, for right-to-left reading.
func appendRuvarint(buf []byte, v uint32) []byte {
	var vb [binary.MaxVarintLen32]byte
	vn := binary.PutUvarint(vb[:], uint64(v))
	for i := vn - 1; i >= 0; i-- {
		buf = append(buf, vb[i])
	}
	return buf
}

func encodeKey(values []any) []byte {
	var tb tupleEncoder
	var buf []byte
	for _, v := range values {
		tb.begin(buf)
		buf = appendKeyElement(buf, v)
	}
	return tb.finalize(buf)
}

func appendKeyElement(buf []byte, v any) []byte {
	switch v := v.(type) {
	case int64:
		return binary.BigEndian.AppendUint64(buf, uint64(v)^(1<<63))
	case float64:
		bits := math.Float64bits(v)
		if v < 0 {
			bits = ^bits
		} else {
			bits ^= 1 << 63
		}
		return binary.BigEndian.AppendUint64(buf, bits)
	case bool:
		if v {
			return append(buf, 1)
		}
		return append(buf, 0)
	case string:
		return append(buf, v...)
	case []byte:
		return append(buf, v...)
	case time.Time:
		return binary.BigEndian.AppendUint64(buf, uint64(v.UnixNano())^(1<<63))
	default:
		panic(fmt.Errorf("kvdb: unsupported key value %T", v))
	}
}

// coerce converts a value to the canonical Go type of a column kind.
func coerce(col *rel.Column, v any) (any, error) {
	v = rel.Normalize(v)
	if v == nil {
		return nil, nil
	}
	switch col.Kind {
	case rel.KindInt64, rel.KindInt32:
		switch v := v.(type) {
		case int64:
			if col.Kind == rel.KindInt32 && (v < math.MinInt32 || v > math.MaxInt32) {
				break
			}
			return v, nil
		case float64:
			if v == math.Trunc(v) {
				return int64(v), nil
			}
		case bool:
			if v {
				return int64(1), nil
			}
			return int64(0), nil
		}
	case rel.KindFloat:
		switch v := v.(type) {
		case float64:
			return v, nil
		case int64:
			return float64(v), nil
		}
	case rel.KindBool:
		switch v := v.(type) {
		case bool:
			return v, nil
		case int64:
			return v != 0, nil
		}
	case rel.KindString, rel.KindText, rel.KindUUID:
		switch v := v.(type) {
		case string:
			return v, nil
		case []byte:
			return string(v), nil
		}
	case rel.KindBytes:
		switch v := v.(type) {
		case []byte:
			return v, nil
		case string:
			return []byte(v), nil
		}
	case rel.KindTime:
		if t, ok := v.(time.Time); ok {
			return t.UTC(), nil
		}
	}
	return nil, fmt.Errorf("kvdb: cannot store %T in %s column %s", v, col.Kind, col.Name)
}
