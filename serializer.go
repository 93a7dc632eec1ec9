package reldoc

import (
	"bytes"
	"encoding/binary"
	"encoding/json"

	"github.com/cockroachdb/errors"
	"github.com/pierrec/lz4/v4"
	"github.com/vmihailenco/msgpack/v5"
	"go.mongodb.org/mongo-driver/bson"
)

// Serializer converts entities to and from Document.Content. Marshal must be
// deterministic: unchanged entities are detected by comparing bytes.
type Serializer interface {
	Name() string
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
}

var (
	MsgPack Serializer = msgpackSerializer{}
	JSON    Serializer = jsonSerializer{}
	BSON    Serializer = bsonSerializer{}
)

func SerializerByName(name string) (Serializer, error) {
	switch name {
	case "", "msgpack":
		return MsgPack, nil
	case "json":
		return JSON, nil
	case "bson":
		return BSON, nil
	case "msgpack+lz4":
		return Compressed(MsgPack), nil
	case "json+lz4":
		return Compressed(JSON), nil
	case "bson+lz4":
		return Compressed(BSON), nil
	default:
		return nil, argErrf("unknown serializer %q", name)
	}
}

type msgpackSerializer struct{}

func (msgpackSerializer) Name() string { return "msgpack" }

func (msgpackSerializer) Marshal(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := msgpack.GetEncoder()
	defer msgpack.PutEncoder(enc)
	enc.Reset(&buf)
	enc.SetSortMapKeys(true)
	if err := enc.Encode(v); err != nil {
		return nil, errors.Wrapf(err, "failed to encode %T using MsgPack", v)
	}
	return buf.Bytes(), nil
}

func (msgpackSerializer) Unmarshal(data []byte, v any) error {
	if err := msgpack.Unmarshal(data, v); err != nil {
		return errors.Wrapf(err, "failed to decode msgpack into %T", v)
	}
	return nil
}

type jsonSerializer struct{}

func (jsonSerializer) Name() string { return "json" }

func (jsonSerializer) Marshal(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to encode %T to JSON", v)
	}
	return raw, nil
}

func (jsonSerializer) Unmarshal(data []byte, v any) error {
	if err := json.Unmarshal(data, v); err != nil {
		return errors.Wrapf(err, "failed to decode JSON into %T", v)
	}
	return nil
}

type bsonSerializer struct{}

func (bsonSerializer) Name() string { return "bson" }

func (bsonSerializer) Marshal(v any) ([]byte, error) {
	raw, err := bson.Marshal(v)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to encode %T to BSON", v)
	}
	return raw, nil
}

func (bsonSerializer) Unmarshal(data []byte, v any) error {
	if err := bson.Unmarshal(data, v); err != nil {
		return errors.Wrapf(err, "failed to decode BSON into %T", v)
	}
	return nil
}

const (
	rawBlock byte = 0
	lz4Block byte = 1
)

// Compressed wraps a serializer with lz4 block compression. The content
// starts with a header byte; compressed content follows it with the
// uvarint-encoded decompressed length.
func Compressed(inner Serializer) Serializer {
	return compressedSerializer{inner: inner}
}

type compressedSerializer struct {
	inner Serializer
}

func (c compressedSerializer) Name() string { return c.inner.Name() + "+lz4" }

func (c compressedSerializer) Marshal(v any) ([]byte, error) {
	data, err := c.inner.Marshal(v)
	if err != nil {
		return nil, err
	}

	out := make([]byte, 1+binary.MaxVarintLen64+lz4.CompressBlockBound(len(data)))
	out[0] = lz4Block
	off := 1 + binary.PutUvarint(out[1:], uint64(len(data)))
	var hashTable [1 << 16]int
	n, err := lz4.CompressBlock(data, out[off:], hashTable[:])
	if err != nil {
		return nil, errors.Wrap(err, "failed to compress content")
	}
	if n == 0 || off+n >= 1+len(data) {
		// incompressible
		return append([]byte{rawBlock}, data...), nil
	}
	return out[:off+n], nil
}

func (c compressedSerializer) Unmarshal(data []byte, v any) error {
	if len(data) == 0 {
		return errors.New("compressed content is empty")
	}
	switch data[0] {
	case rawBlock:
		return c.inner.Unmarshal(data[1:], v)
	case lz4Block:
		size, n := binary.Uvarint(data[1:])
		if n <= 0 {
			return errors.New("compressed content has an invalid length header")
		}
		buf := make([]byte, size)
		m, err := lz4.UncompressBlock(data[1+n:], buf)
		if err != nil {
			return errors.Wrap(err, "failed to decompress content")
		}
		return c.inner.Unmarshal(buf[:m], v)
	default:
		return errors.Newf("unknown content block type %d", data[0])
	}
}
