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

package remotememory

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestWindowUint64(t *testing.T) {
	data := make([]byte, 24)
	binary.LittleEndian.PutUint64(data[8:], 0xdeadbeef)
	w := &Window{Base: 0x7ffc0000, Data: data}

	v, err := w.Uint64(0x7ffc0008)
	require.NoError(t, err)
	require.Equal(t, uint64(0xdeadbeef), v)

	_, err = w.Uint64(0x7ffc0000 - 8)
	require.ErrorIs(t, err, ErrOutOfWindow)

	// Straddles the end of the window.
	_, err = w.Uint64(0x7ffc0000 + 20)
	require.ErrorIs(t, err, ErrOutOfWindow)

	_, err = w.Uint64(0x7ffc0000 + 24)
	require.ErrorIs(t, err, ErrOutOfWindow)
}

func TestWindowReadAt(t *testing.T) {
	w := &Window{Base: 0x1000, Data: []byte{1, 2, 3, 4}}

	buf := make([]byte, 2)
	n, err := w.ReadAt(buf, 0x1002)
	require.NoError(t, err)
	require.Equal(t, 2, n)
	require.Equal(t, []byte{3, 4}, buf)

	buf = make([]byte, 4)
	n, err = w.ReadAt(buf, 0x1002)
	require.ErrorIs(t, err, ErrOutOfWindow)
	require.Equal(t, 2, n)
}

func TestRemoteMemoryUint64(t *testing.T) {
	data := make([]byte, 16)
	binary.LittleEndian.PutUint64(data[8:], 42)
	rm := RemoteMemory{ReaderAt: bytes.NewReader(data)}

	v, err := rm.Uint64(8)
	require.NoError(t, err)
	require.Equal(t, uint64(42), v)

	_, err = rm.Uint64(12)
	require.Error(t, err)
}
