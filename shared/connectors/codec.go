package connectors

import (
	"bytes"
	"io"

	"github.com/pierrec/lz4/v4"
	"github.com/pkg/errors"
	"github.com/vmihailenco/msgpack/v5"
)

// Encode serializes v with msgpack and compresses the result with LZ4
func Encode(v interface{}) ([]byte, error) {
	raw, err := msgpack.Marshal(v)
	if err != nil {
		return nil, errors.Wrap(err, "failed to serialize payload")
	}

	var buf bytes.Buffer
	writer := lz4.NewWriter(&buf)
	if _, err := writer.Write(raw); err != nil {
		return nil, errors.Wrap(err, "failed to write LZ4 compressed data")
	}
	if err := writer.Close(); err != nil {
		return nil, errors.Wrap(err, "failed to close LZ4 writer")
	}
	return buf.Bytes(), nil
}

// Decode reverses Encode into v
func Decode(data []byte, v interface{}) error {
	raw, err := io.ReadAll(lz4.NewReader(bytes.NewReader(data)))
	if err != nil {
		return errors.Wrap(err, "failed to read LZ4 decompressed data")
	}
	if err := msgpack.Unmarshal(raw, v); err != nil {
		return errors.Wrap(err, "failed to deserialize payload")
	}
	return nil
}
