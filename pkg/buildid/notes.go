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

package buildid

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

const (
	noteTypeGNUBuildID = 3
	noteTypeGoBuildID  = 4
)

type elfNote struct {
	Name string
	Desc []byte
	Type uint32
}

// parseNotes reads the notes of an SHT_NOTE section or PT_NOTE segment.
func parseNotes(reader io.Reader, alignment int, order binary.ByteOrder) ([]elfNote, error) {
	r := bufio.NewReader(reader)

	padding := func(size int) int {
		if alignment <= 1 {
			return 0
		}
		return ((size + alignment - 1) &^ (alignment - 1)) - size
	}

	var notes []elfNote
	for {
		var hdr struct {
			Namesz, Descsz, Type uint32
		}
		if err := binary.Read(r, order, &hdr); err != nil {
			if errors.Is(err, io.EOF) {
				return notes, nil
			}
			return nil, err
		}

		name := make([]byte, hdr.Namesz)
		if _, err := io.ReadFull(r, name); err != nil {
			return nil, fmt.Errorf("read note name: %w", err)
		}
		if _, err := r.Discard(padding(len(name))); err != nil {
			return nil, fmt.Errorf("skip note name padding: %w", err)
		}

		desc := make([]byte, hdr.Descsz)
		if _, err := io.ReadFull(r, desc); err != nil {
			return nil, fmt.Errorf("read note desc: %w", err)
		}
		// The last note may come without trailing padding.
		if _, err := r.Discard(padding(len(desc))); err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("skip note desc padding: %w", err)
		}

		notes = append(notes, elfNote{
			Name: string(bytes.TrimRight(name, "\x00")),
			Desc: desc,
			Type: hdr.Type,
		})
	}
}
