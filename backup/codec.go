// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package backup

import (
	"bytes"
	"compress/gzip"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"reflect"
	"strings"

	"github.com/fxamacker/cbor/v2"
)

// Codec serializes snapshots before compression.
type Codec interface {
	Name() string
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
}

// JSONCodec encodes snapshots as JSON.
type JSONCodec struct{}

func (JSONCodec) Name() string                       { return "json" }
func (JSONCodec) Marshal(v any) ([]byte, error)      { return json.Marshal(v) }
func (JSONCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }

// CBORCodec produces canonical CBOR, noticeably smaller than JSON for large
// snapshots.
type CBORCodec struct {
	enc cbor.EncMode
	dec cbor.DecMode
}

// NewCBORCodec returns a codec using canonical CBOR encoding.
func NewCBORCodec() (*CBORCodec, error) {
	encOpts := cbor.CanonicalEncOptions()
	encOpts.Time = cbor.TimeRFC3339Nano
	enc, err := encOpts.EncMode()
	if err != nil {
		return nil, fmt.Errorf("failed to build cbor encoder: %w", err)
	}
	dec, err := cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		return nil, fmt.Errorf("failed to build cbor decoder: %w", err)
	}
	return &CBORCodec{enc: enc, dec: dec}, nil
}

func (c *CBORCodec) Name() string                       { return "cbor" }
func (c *CBORCodec) Marshal(v any) ([]byte, error)      { return c.enc.Marshal(v) }
func (c *CBORCodec) Unmarshal(data []byte, v any) error { return c.dec.Unmarshal(data, v) }

// CodecByName returns the codec for "json" or "cbor".
func CodecByName(name string) (Codec, error) {
	switch strings.ToLower(name) {
	case "", "json":
		return JSONCodec{}, nil
	case "cbor":
		return NewCBORCodec()
	default:
		return nil, fmt.Errorf("unknown snapshot codec %q", name)
	}
}

const gzipSuffix = "+gzip"

// Encode serializes and compresses the snapshot, returning the base64
// payload and the encoding label stored next to it.
func Encode(c Codec, s *Snapshot) (payload string, encoding string, size int, err error) {
	raw, err := c.Marshal(s)
	if err != nil {
		return "", "", 0, fmt.Errorf("failed to encode snapshot: %w", err)
	}
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(raw); err != nil {
		return "", "", 0, fmt.Errorf("failed to compress snapshot: %w", err)
	}
	if err := zw.Close(); err != nil {
		return "", "", 0, fmt.Errorf("failed to compress snapshot: %w", err)
	}
	return base64.StdEncoding.EncodeToString(buf.Bytes()), c.Name() + gzipSuffix, len(raw), nil
}

// Decode reverses Encode, picking the codec from the encoding label.
func Decode(payload, encoding string) (*Snapshot, error) {
	codec, err := CodecByName(strings.TrimSuffix(encoding, gzipSuffix))
	if err != nil {
		return nil, err
	}
	compressed, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to decode snapshot payload: %w", err)
	}
	raw := compressed
	if strings.HasSuffix(encoding, gzipSuffix) {
		zr, err := gzip.NewReader(bytes.NewReader(compressed))
		if err != nil {
			return nil, fmt.Errorf("failed to decompress snapshot: %w", err)
		}
		defer zr.Close()
		if raw, err = io.ReadAll(zr); err != nil {
			return nil, fmt.Errorf("failed to decompress snapshot: %w", err)
		}
	}
	var s Snapshot
	if err := codec.Unmarshal(raw, &s); err != nil {
		return nil, fmt.Errorf("failed to decode snapshot: %w", err)
	}
	return &s, nil
}
