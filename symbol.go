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
	sym32Size = 16
	sym64Size = 24
)

// RawSymbol is one symbol table entry as stored in the binary.
type RawSymbol struct {
	// Table is the symbol table section the entry belongs to.
	Table *Section `json:"-"`
	// Index is the position of the entry in its table.
	Index int `json:"index"`
	// Name is the resolved symbol name. It is empty for anonymous and section symbols.
	Name string `json:"name"`
	// NameOffset is the offset of the name in the string table.
	NameOffset uint32 `json:"-"`
	Value      uint64 `json:"value"`
	Size       uint64 `json:"size"`
	Info       uint8  `json:"info"`
	Other      uint8  `json:"other"`
	// SectionIndex is the raw section reference, including the reserved indexes.
	SectionIndex elf.SectionIndex `json:"shndx"`
	// Section is the defining section, nil for undefined, absolute and common symbols.
	Section *Section `json:"-"`
	// Version is the GNU symbol version of a dynamic symbol, empty when the
	// symbol is unversioned.
	Version string `json:"version,omitempty"`
	// VersionHidden is set when Version is not the default version of the symbol.
	VersionHidden bool `json:"versionHidden,omitempty"`
}

// Type returns the type field of the info byte.
func (s *RawSymbol) Type() elf.SymType { return elf.ST_TYPE(s.Info) }

// Bind returns the binding field of the info byte.
func (s *RawSymbol) Bind() elf.SymBind { return elf.ST_BIND(s.Info) }

// Visibility returns the visibility field of the other byte.
func (s *RawSymbol) Visibility() elf.SymVis { return elf.ST_VISIBILITY(s.Other) }

// Undefined reports whether the symbol has no defining section.
func (s *RawSymbol) Undefined() bool { return s.SectionIndex == elf.SHN_UNDEF }

// Absolute reports whether the symbol value is not relative to a section.
func (s *RawSymbol) Absolute() bool { return s.SectionIndex == elf.SHN_ABS }

// Common reports whether the symbol is an unallocated common block.
func (s *RawSymbol) Common() bool { return s.SectionIndex == elf.SHN_COMMON }

// DisplayName returns the name to show for the symbol. Section symbols are
// anonymous in the table and take the name of their section.
func (s *RawSymbol) DisplayName() string {
	if s.Name == "" && s.Type() == elf.STT_SECTION && s.Section != nil {
		return s.Section.Name
	}
	return s.Name
}

// VersionedName returns the display name with the version appended the way
// nm(1) shows it: name@@version for the default version of a definition and
// name@version otherwise.
func (s *RawSymbol) VersionedName() string {
	switch {
	case s.Version == "":
		return s.DisplayName()
	case s.VersionHidden || s.Undefined():
		return s.DisplayName() + "@" + s.Version
	}
	return s.DisplayName() + "@@" + s.Version
}

// SymbolTable is a symbol table section with its entries.
type SymbolTable struct {
	// Section is the SHT_SYMTAB or SHT_DYNSYM section.
	Section *Section
	// Strings is the string table linked from Section.
	Strings *Section
	// Symbols holds the entries in table order. The reserved null entry is omitted.
	Symbols []*RawSymbol
	// Advisories are the recoverable errors found while reading the table.
	Advisories []error
}

// Dynamic reports whether the table is the dynamic symbol table.
func (t *SymbolTable) Dynamic() bool {
	return t.Section.Type == elf.SHT_DYNSYM
}

// symbol returns the entry with the given table index.
func (t *SymbolTable) symbol(idx uint32) *RawSymbol {
	if idx == 0 || int(idx) > len(t.Symbols) {
		return nil
	}
	return t.Symbols[idx-1]
}

// SymbolTables extracts the static symbol tables followed by the dynamic ones.
func (f *File) SymbolTables() ([]*SymbolTable, error) {
	var tables []*SymbolTable
	for _, typ := range []elf.SectionType{elf.SHT_SYMTAB, elf.SHT_DYNSYM} {
		for _, s := range f.Sections {
			if s.Type != typ {
				continue
			}
			tab, err := f.readSymbolTable(s)
			if err != nil {
				return nil, err
			}
			if tab.Dynamic() {
				if err := f.readVersions(tab); err != nil {
					tab.Advisories = append(tab.Advisories, err)
				}
			}
			tables = append(tables, tab)
		}
	}
	return tables, nil
}

func (f *File) readSymbolTable(s *Section) (*SymbolTable, error) {
	strtab := f.SectionByIndex(int(s.Link))
	if s.Link == 0 || strtab == nil || strtab.Type != elf.SHT_STRTAB {
		return nil, fmt.Errorf("%w: symbol table %s links to section %d", ErrMissingStringTable, s, s.Link)
	}

	entSize := uint64(sym64Size)
	if f.Class == elf.ELFCLASS32 {
		entSize = sym32Size
	}
	if s.Entsize != 0 && s.Entsize != entSize {
		return nil, fmt.Errorf("%w: symbol table %s entry size %d, expected %d", ErrMalformedContainer, s, s.Entsize, entSize)
	}
	data := s.Data()
	if uint64(len(data))%entSize != 0 {
		return nil, fmt.Errorf("%w: symbol table %s size %d is not a multiple of %d", ErrMalformedContainer, s, len(data), entSize)
	}

	shndx := f.extendedIndexes(s)

	count := uint64(len(data)) / entSize
	tab := &SymbolTable{Section: s, Strings: strtab}
	if count > 0 {
		tab.Symbols = make([]*RawSymbol, 0, count-1)
	}
	bo := f.ByteOrder
	for i := uint64(1); i < count; i++ {
		b := data[i*entSize : (i+1)*entSize]
		sym := &RawSymbol{Table: s, Index: int(i)}
		if f.Class == elf.ELFCLASS32 {
			sym.NameOffset = bo.Uint32(b[0:4])
			sym.Value = uint64(bo.Uint32(b[4:8]))
			sym.Size = uint64(bo.Uint32(b[8:12]))
			sym.Info = b[12]
			sym.Other = b[13]
			sym.SectionIndex = elf.SectionIndex(bo.Uint16(b[14:16]))
		} else {
			sym.NameOffset = bo.Uint32(b[0:4])
			sym.Info = b[4]
			sym.Other = b[5]
			sym.SectionIndex = elf.SectionIndex(bo.Uint16(b[6:8]))
			sym.Value = bo.Uint64(b[8:16])
			sym.Size = bo.Uint64(b[16:24])
		}

		name, ok := cstring(strtab.Data(), uint64(sym.NameOffset))
		if !ok {
			return nil, fmt.Errorf("%w: 0x%x for symbol %d in %s (string table size %d)",
				ErrInvalidNameOffset, sym.NameOffset, i, s, len(strtab.Data()))
		}
		sym.Name = name

		idx := sym.SectionIndex
		extended := false
		if idx == elf.SHN_XINDEX {
			if i >= uint64(len(shndx)) {
				return nil, fmt.Errorf("%w: symbol %d in %s uses an extended section index without SHT_SYMTAB_SHNDX", ErrMalformedContainer, i, s)
			}
			idx = elf.SectionIndex(shndx[i])
			sym.SectionIndex = idx
			extended = true
		}
		if idx != elf.SHN_UNDEF && (extended || idx < elf.SHN_LORESERVE) {
			sec := f.SectionByIndex(int(idx))
			if sec == nil {
				return nil, fmt.Errorf("%w: symbol %d in %s references section %d of %d", ErrMalformedContainer, i, s, idx, len(f.Sections))
			}
			sym.Section = sec
		}
		tab.Symbols = append(tab.Symbols, sym)
	}
	return tab, nil
}

// extendedIndexes returns the SHT_SYMTAB_SHNDX entries of the table, if any.
func (f *File) extendedIndexes(symtab *Section) []uint32 {
	for _, s := range f.Sections {
		if s.Type != elf.SHT_SYMTAB_SHNDX || int(s.Link) != symtab.Index {
			continue
		}
		data := s.Data()
		out := make([]uint32, len(data)/4)
		for i := range out {
			out[i] = f.ByteOrder.Uint32(data[i*4:])
		}
		return out
	}
	return nil
}
