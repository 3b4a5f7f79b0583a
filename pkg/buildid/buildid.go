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
	"debug/elf"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"github.com/cespare/xxhash/v2"
)

var errNoBuildID = errors.New("failed to find build id")

// BuildID returns an identifier for the ELF object at path. Objects without
// a Go or GNU build id are identified by the hash of their .text section.
func BuildID(path string) (string, error) {
	f, err := elf.Open(path)
	if err != nil {
		return "", fmt.Errorf("failed to open elf: %w", err)
	}
	defer f.Close()

	return FromELF(f)
}

func FromELF(f *elf.File) (string, error) {
	if id, err := findInSection(f, ".note.go.buildid", "Go", noteTypeGoBuildID); err == nil {
		return hex.EncodeToString(id), nil
	}
	if id, err := findInSection(f, ".note.gnu.build-id", "GNU", noteTypeGNUBuildID); err == nil {
		return hex.EncodeToString(id), nil
	}
	id, err := findInSegments(f, "GNU", noteTypeGNUBuildID)
	if err == nil {
		return hex.EncodeToString(id), nil
	}
	if !errors.Is(err, errNoBuildID) {
		return "", fmt.Errorf("get elf build id: %w", err)
	}

	text := f.Section(".text")
	if text == nil {
		return "", errors.New("could not find .text section")
	}
	h := xxhash.New()
	if _, err := io.Copy(h, text.Open()); err != nil {
		return "", fmt.Errorf("hash elf .text section: %w", err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func findInSection(f *elf.File, section, owner string, typ uint32) ([]byte, error) {
	s := f.Section(section)
	if s == nil {
		return nil, errNoBuildID
	}
	notes, err := parseNotes(s.Open(), int(s.Addralign), f.ByteOrder)
	if err != nil {
		return nil, err
	}
	return findNote(notes, owner, typ)
}

func findInSegments(f *elf.File, owner string, typ uint32) ([]byte, error) {
	for _, p := range f.Progs {
		if p.Type != elf.PT_NOTE {
			continue
		}
		notes, err := parseNotes(p.Open(), int(p.Align), f.ByteOrder)
		if err != nil {
			return nil, err
		}
		if id, err := findNote(notes, owner, typ); err == nil {
			return id, nil
		}
	}
	return nil, errNoBuildID
}

func findNote(notes []elfNote, owner string, typ uint32) ([]byte, error) {
	var id []byte
	for _, n := range notes {
		if n.Name != owner || n.Type != typ {
			continue
		}
		if id != nil {
			return nil, errors.New("multiple build ids found, don't know which to use")
		}
		id = n.Desc
	}
	if len(id) == 0 {
		return nil, errNoBuildID
	}
	return id, nil
}
