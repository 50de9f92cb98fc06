package pollcache

import (
	"bytes"
	"encoding/json"

	"github.com/jmgilman/go/errors"
	"github.com/klauspost/compress/zstd"
)

// Record is one row of a cached table. Values round-trip as JSON-native
// types: string, float64, bool, nil, []any and map[string]any.
type Record map[string]any

// Records is a cached table.
type Records []Record

// Codec converts payloads to and from their stored form. The codec name is
// stored next to each entry, so entries stay readable after the configured
// codec changes.
type Codec interface {
	// Name identifies the encoding in the store.
	Name() string
	Encode(Records) ([]byte, error)
	Decode([]byte) (Records, error)
}

// Codec names.
const (
	EncodingJSON     = "json"
	EncodingZstdJSON = "zstd+json"
)

// JSONCodec stores payloads as a JSON array of objects.
type JSONCodec struct{}

// Name implements Codec.
func (JSONCodec) Name() string { return EncodingJSON }

// Encode implements Codec.
func (JSONCodec) Encode(records Records) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(records); err != nil {
		return nil, errors.Wrap(err, errors.CodeInvalidInput, "payload is not serializable")
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}

// Decode implements Codec.
func (JSONCodec) Decode(data []byte) (Records, error) {
	var records Records
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, errors.Wrap(err, errors.CodeInternal, "failed to decode payload")
	}
	return records, nil
}

// ZstdCodec stores payloads as zstd-compressed JSON.
//
// A ZstdCodec is safe for concurrent use.
type ZstdCodec struct {
	json    JSONCodec
	encoder *zstd.Encoder
	decoder *zstd.Decoder
}

// NewZstdCodec creates a ZstdCodec.
func NewZstdCodec() (*ZstdCodec, error) {
	encoder, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, errors.Wrap(err, errors.CodeInternal, "failed to create zstd encoder")
	}
	decoder, err := zstd.NewReader(nil)
	if err != nil {
		encoder.Close()
		return nil, errors.Wrap(err, errors.CodeInternal, "failed to create zstd decoder")
	}
	return &ZstdCodec{encoder: encoder, decoder: decoder}, nil
}

// Name implements Codec.
func (*ZstdCodec) Name() string { return EncodingZstdJSON }

// Encode implements Codec.
func (c *ZstdCodec) Encode(records Records) ([]byte, error) {
	raw, err := c.json.Encode(records)
	if err != nil {
		return nil, err
	}
	return c.encoder.EncodeAll(raw, make([]byte, 0, len(raw)/2)), nil
}

// Decode implements Codec.
func (c *ZstdCodec) Decode(data []byte) (Records, error) {
	raw, err := c.decoder.DecodeAll(data, nil)
	if err != nil {
		return nil, errors.Wrap(err, errors.CodeInternal, "failed to decompress payload")
	}
	return c.json.Decode(raw)
}

// Close releases the decoder's resources.
func (c *ZstdCodec) Close() {
	c.decoder.Close()
	_ = c.encoder.Close()
}
