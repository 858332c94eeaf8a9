package shard

import (
	"fmt"
	"io"
	"strings"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Codec compresses a shard stream.
type Codec interface {
	Name() string
	Ext() string
	ContentType() string
	NewWriter(w io.Writer) (io.WriteCloser, error)
}

// CodecFor resolves a configured codec name.
func CodecFor(name string) (Codec, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "zstd", "zst":
		return zstdCodec{}, nil
	case "lz4":
		return lz4Codec{}, nil
	default:
		return nil, fmt.Errorf("unknown shard codec %q", name)
	}
}

type zstdCodec struct{}

func (zstdCodec) Name() string        { return "zstd" }
func (zstdCodec) Ext() string         { return ".zst" }
func (zstdCodec) ContentType() string { return "application/zstd" }

func (zstdCodec) NewWriter(w io.Writer) (io.WriteCloser, error) {
	enc, err := zstd.NewWriter(w, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("zstd writer: %w", err)
	}
	return enc, nil
}

type lz4Codec struct{}

func (lz4Codec) Name() string        { return "lz4" }
func (lz4Codec) Ext() string         { return ".lz4" }
func (lz4Codec) ContentType() string { return "application/x-lz4" }

func (lz4Codec) NewWriter(w io.Writer) (io.WriteCloser, error) {
	return lz4.NewWriter(w), nil
}
