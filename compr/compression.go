// Copyright (C) 2023 Mirrorlake, Inc.
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

// Package compr wraps the zstd codec used for raw-plane fixtures:
// uncompressed video frames are large, so test data is stored and
// shipped compressed.
package compr

import (
	"runtime"
	"sync"

	"github.com/klauspost/compress/zstd"
)

var (
	once        sync.Once
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func initCodecs() {
	e, err := zstd.NewWriter(nil, zstd.WithEncoderConcurrency(runtime.GOMAXPROCS(0)))
	if err != nil {
		panic(err)
	}
	zstdEncoder = e
	d, err := zstd.NewReader(nil, zstd.WithDecoderConcurrency(runtime.GOMAXPROCS(0)))
	if err != nil {
		panic(err)
	}
	zstdDecoder = d
}

// Compress appends the zstd-compressed contents of src to dst and
// returns the result.
func Compress(src, dst []byte) []byte {
	once.Do(initCodecs)
	return zstdEncoder.EncodeAll(src, dst)
}

// Decompress appends the decompressed contents of src to dst. It is
// safe to call concurrently.
func Decompress(src, dst []byte) ([]byte, error) {
	once.Do(initCodecs)
	return zstdDecoder.DecodeAll(src, dst)
}
