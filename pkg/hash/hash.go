// Copyright 2022-2024 The Parca Authors
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
//

// Package hash computes content digests of files with HighwayHash.
package hash

import (
	"encoding/hex"
	"fmt"
	"io"
	"os"

	"github.com/minio/highwayhash"
)

// The key only needs to be stable, digests never leave the process.
var key = mustDecode("000102030405060708090A0B0C0D0E0FF0E0D0C0B0A090807060504030201000")

func mustDecode(s string) []byte {
	b, err := hex.DecodeString(s)
	if err != nil {
		panic("cannot decode hex key: " + err.Error())
	}
	return b
}

// Bytes returns the digest of b.
func Bytes(b []byte) uint64 {
	return highwayhash.Sum64(b, key)
}

// Reader returns the digest of everything read from r.
func Reader(r io.Reader) (uint64, error) {
	h, err := highwayhash.New64(key)
	if err != nil {
		return 0, err
	}
	if _, err := io.Copy(h, r); err != nil {
		return 0, err
	}
	return h.Sum64(), nil
}

// File returns the digest of the file at path.
func File(path string) (uint64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	sum, err := Reader(f)
	if err != nil {
		return 0, fmt.Errorf("hash %s: %w", path, err)
	}
	return sum, nil
}
