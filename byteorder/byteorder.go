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

// Package byteorder exposes the byte order of the running machine, the
// order words are stored in the memory of the processes being sampled.
package byteorder

import (
	"encoding/binary"
	"unsafe"
)

var host = determineHostByteOrder()

// GetHostByteOrder returns the byte order of the running machine.
func GetHostByteOrder() binary.ByteOrder {
	return host
}

// Uint64 decodes a machine word copied out of a process' memory.
func Uint64(b []byte) uint64 {
	return host.Uint64(b)
}

func determineHostByteOrder() binary.ByteOrder {
	var i int32 = 0x01020304
	if *(*byte)(unsafe.Pointer(&i)) == 0x04 {
		return binary.LittleEndian
	}
	return binary.BigEndian
}
