// This file is part of symclass.
//
// Copyright (C) 2024 symclass Authors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program. If not, see <http://www.gnu.org/licenses/>.

package symclass

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"encoding/hex"
	"fmt"
)

// ntGNUBuildID is the note type of the GNU build ID.
const ntGNUBuildID = 3

var gnuNoteName = []byte("GNU\x00")

// BuildID returns the hex encoded GNU build ID of the file. An empty string is
// returned if the file has no build ID note.
func (f *File) BuildID() (string, error) {
	for _, s := range f.Sections {
		if s.Type != elf.SHT_NOTE {
			continue
		}
		id, err := parseBuildIDNotes(s.Data(), f.ByteOrder)
		if err != nil {
			return "", fmt.Errorf("error when reading the notes in %s: %w", s, err)
		}
		if id != "" {
			return id, nil
		}
	}
	return "", nil
}

// parseBuildIDNotes walks the notes of one SHT_NOTE section and returns the
// first GNU build ID.
func parseBuildIDNotes(data []byte, byteOrder binary.ByteOrder) (string, error) {
	for off := 0; off < len(data); {
		r := bytes.NewReader(data[off:])
		var nameLen uint32
		var descLen uint32
		var tag uint32
		err := binary.Read(r, byteOrder, &nameLen)
		if err != nil {
			return "", fmt.Errorf("error when reading the note name length: %w", err)
		}
		err = binary.Read(r, byteOrder, &descLen)
		if err != nil {
			return "", fmt.Errorf("error when reading the note descriptor length: %w", err)
		}
		err = binary.Read(r, byteOrder, &tag)
		if err != nil {
			return "", fmt.Errorf("error when reading the note type: %w", err)
		}

		nameStart := uint64(off) + 12
		descStart := nameStart + align4(uint64(nameLen))
		next := descStart + align4(uint64(descLen))
		if descStart+uint64(descLen) > uint64(len(data)) || nameStart+uint64(nameLen) > uint64(len(data)) {
			return "", fmt.Errorf("note at 0x%x overruns the section", off)
		}

		name := data[nameStart : nameStart+uint64(nameLen)]
		if tag == ntGNUBuildID && bytes.Equal(name, gnuNoteName) {
			return hex.EncodeToString(data[descStart : descStart+uint64(descLen)]), nil
		}
		if next > uint64(len(data)) {
			break
		}
		off = int(next)
	}
	return "", nil
}

func align4(n uint64) uint64 {
	return (n + 3) &^ 3
}
