// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package badger

import (
	"errors"
	"fmt"

	"github.com/klauspost/compress/s2"
	"github.com/klauspost/compress/zstd"
)

var errEmptyValue = errors.New("empty value")

var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil,
		zstd.WithEncoderLevel(zstd.SpeedDefault),
		zstd.WithEncoderConcurrency(1),
	)
	if err != nil {
		panic("failed to create zstd encoder: " + err.Error())
	}

	zstdDecoder, err = zstd.NewReader(nil,
		zstd.WithDecoderConcurrency(1),
	)
	if err != nil {
		panic("failed to create zstd decoder: " + err.Error())
	}
}

// encode prefixes data with its codec marker and compresses it.
func encode(data []byte, codec byte) ([]byte, error) {
	switch codec {
	case codecS2:
		return append([]byte{codecS2}, s2.Encode(nil, data)...), nil
	case codecZstd:
		return zstdEncoder.EncodeAll(data, []byte{codecZstd}), nil
	case codecNone:
		return append([]byte{codecNone}, data...), nil
	}
	return nil, fmt.Errorf("unknown codec %d", codec)
}

// decode reads values written with any codec, so the compression can be
// changed without migrating existing data.
func decode(value []byte) ([]byte, error) {
	if len(value) == 0 {
		return nil, errEmptyValue
	}
	body := value[1:]
	switch value[0] {
	case codecS2:
		return s2.Decode(nil, body)
	case codecZstd:
		return zstdDecoder.DecodeAll(body, nil)
	case codecNone:
		out := make([]byte, len(body))
		copy(out, body)
		return out, nil
	}
	return nil, fmt.Errorf("unknown codec %d", value[0])
}
