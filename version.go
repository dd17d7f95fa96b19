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
	"debug/elf"
	"fmt"
)

const (
	// verNdxGlobal is the versym index of unversioned global symbols. Index 0
	// marks local symbols.
	verNdxGlobal = 1
	// versymHidden marks a version that is not the default one.
	versymHidden = 0x8000

	verdefSize  = 20
	verdauxSize = 8
	verneedSize = 16
	vernauxSize = 16
)

// readVersions attaches the GNU symbol versions to the entries of a dynamic
// symbol table. Tables without a SHT_GNU_versym section are left as they are.
func (f *File) readVersions(tab *SymbolTable) error {
	var versym *Section
	for _, s := range f.Sections {
		if s.Type == elf.SHT_GNU_VERSYM && int(s.Link) == tab.Section.Index {
			versym = s
			break
		}
	}
	if versym == nil {
		return nil
	}

	names := make(map[uint16]string)
	if err := f.readVerdefs(names); err != nil {
		return err
	}
	if err := f.readVerneeds(names); err != nil {
		return err
	}

	data := versym.Data()
	if len(data) < 2*(len(tab.Symbols)+1) {
		return fmt.Errorf("%w: %s holds %d entries for %d symbols", ErrMalformedVersionInfo, versym, len(data)/2, len(tab.Symbols)+1)
	}
	for i, sym := range tab.Symbols {
		v := f.ByteOrder.Uint16(data[2*(i+1):])
		ndx := v &^ versymHidden
		if ndx <= verNdxGlobal {
			continue
		}
		name, ok := names[ndx]
		if !ok {
			return fmt.Errorf("%w: symbol %d in %s references undefined version %d", ErrMalformedVersionInfo, sym.Index, tab.Section, ndx)
		}
		sym.Version = name
		sym.VersionHidden = v&versymHidden != 0
	}
	return nil
}

// readVerdefs collects the versions defined by the file.
func (f *File) readVerdefs(names map[uint16]string) error {
	s := f.firstSectionOfType(elf.SHT_GNU_VERDEF)
	if s == nil {
		return nil
	}
	strs, err := f.versionStrings(s)
	if err != nil {
		return err
	}
	bo := f.ByteOrder
	data := s.Data()
	off := uint64(0)
	for i := uint32(0); i < s.Info; i++ {
		if off+verdefSize > uint64(len(data)) {
			return fmt.Errorf("%w: version definition %d overruns %s", ErrMalformedVersionInfo, i, s)
		}
		e := data[off:]
		ndx := bo.Uint16(e[4:6])
		cnt := bo.Uint16(e[6:8])
		aux := bo.Uint32(e[12:16])
		next := bo.Uint32(e[16:20])
		if cnt > 0 {
			// The first auxiliary entry names the version, the others its parents.
			a := off + uint64(aux)
			if a+verdauxSize > uint64(len(data)) {
				return fmt.Errorf("%w: version definition %d names an entry outside of %s", ErrMalformedVersionInfo, i, s)
			}
			name, ok := cstring(strs, uint64(bo.Uint32(data[a:])))
			if !ok {
				return fmt.Errorf("%w: version definition %d has an invalid name offset", ErrMalformedVersionInfo, i)
			}
			names[ndx] = name
		}
		if next == 0 {
			break
		}
		off += uint64(next)
	}
	return nil
}

// readVerneeds collects the versions required from other files.
func (f *File) readVerneeds(names map[uint16]string) error {
	s := f.firstSectionOfType(elf.SHT_GNU_VERNEED)
	if s == nil {
		return nil
	}
	strs, err := f.versionStrings(s)
	if err != nil {
		return err
	}
	bo := f.ByteOrder
	data := s.Data()
	off := uint64(0)
	for i := uint32(0); i < s.Info; i++ {
		if off+verneedSize > uint64(len(data)) {
			return fmt.Errorf("%w: version requirement %d overruns %s", ErrMalformedVersionInfo, i, s)
		}
		e := data[off:]
		cnt := bo.Uint16(e[2:4])
		aux := bo.Uint32(e[8:12])
		next := bo.Uint32(e[12:16])

		a := off + uint64(aux)
		for j := uint16(0); j < cnt; j++ {
			if a+vernauxSize > uint64(len(data)) {
				return fmt.Errorf("%w: version requirement %d names an entry outside of %s", ErrMalformedVersionInfo, i, s)
			}
			x := data[a:]
			ndx := bo.Uint16(x[6:8])
			name, ok := cstring(strs, uint64(bo.Uint32(x[8:12])))
			if !ok {
				return fmt.Errorf("%w: version requirement %d has an invalid name offset", ErrMalformedVersionInfo, i)
			}
			names[ndx&^versymHidden] = name
			nx := bo.Uint32(x[12:16])
			if nx == 0 {
				break
			}
			a += uint64(nx)
		}
		if next == 0 {
			break
		}
		off += uint64(next)
	}
	return nil
}

func (f *File) versionStrings(s *Section) ([]byte, error) {
	strtab := f.SectionByIndex(int(s.Link))
	if s.Link == 0 || strtab == nil || strtab.Type != elf.SHT_STRTAB {
		return nil, fmt.Errorf("%w: %s links to section %d", ErrMalformedVersionInfo, s, s.Link)
	}
	return strtab.Data(), nil
}
