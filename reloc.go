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
	"sort"
	"strconv"
	"strings"
)

// Relocation is a single relocation entry placed on the section it patches.
type Relocation struct {
	// Source is the SHT_REL or SHT_RELA section holding the entry.
	Source *Section `json:"-"`
	// Target is the section the entry patches. It is nil when the address of a
	// dynamic relocation does not fall in any allocated section.
	Target *Section `json:"-"`
	// Offset is the patched position relative to the start of Target.
	Offset uint64 `json:"offset"`
	// Addr is the raw r_offset field.
	Addr uint64 `json:"addr"`
	// Type is the machine specific relocation type.
	Type uint32 `json:"type"`
	// TypeName is the symbolic name of Type, or its number when not modelled.
	TypeName string `json:"typeName"`
	// Symbol is the referenced symbol, nil for relocations without one.
	Symbol    *RawSymbol `json:"-"`
	Addend    int64      `json:"addend"`
	HasAddend bool       `json:"-"`
	// Known is false when the type is not modelled for the machine.
	Known bool `json:"known"`
}

// RelocIndex holds every relocation of a binary grouped by target section.
type RelocIndex struct {
	bySection map[int][]*Relocation
	count     int

	// Advisories collects the entries with a relocation type that is not modelled.
	Advisories []error
	// TextRelocations lists dynamic relocations patching executable, read-only sections.
	TextRelocations []*Relocation
	// TextRel is set when the dynamic section carries DT_TEXTREL or DF_TEXTREL.
	TextRel bool
}

// Len returns the number of placed relocations.
func (x *RelocIndex) Len() int {
	return x.count
}

// RelocationsFor returns the relocations patching sec within [lo, hi), ordered by offset.
func (x *RelocIndex) RelocationsFor(sec *Section, lo, hi uint64) []*Relocation {
	if x == nil || sec == nil || hi <= lo {
		return nil
	}
	rels := x.bySection[sec.Index]
	start := sort.Search(len(rels), func(i int) bool { return rels[i].Offset >= lo })
	end := start
	for end < len(rels) && rels[end].Offset < hi {
		end++
	}
	if start == end {
		return nil
	}
	return rels[start:end]
}

// Relocations parses all SHT_REL and SHT_RELA sections of the file. The symbol
// tables are used to resolve the symbol referenced by each entry.
func (f *File) Relocations(tables []*SymbolTable) (*RelocIndex, error) {
	idx := &RelocIndex{bySection: make(map[int][]*Relocation)}

	for _, s := range f.Sections {
		if s.Type != elf.SHT_REL && s.Type != elf.SHT_RELA {
			continue
		}
		if err := f.readRelocations(idx, s, tables); err != nil {
			return nil, err
		}
	}

	for _, rels := range idx.bySection {
		sort.SliceStable(rels, func(i, j int) bool { return rels[i].Offset < rels[j].Offset })
	}

	textrel, err := f.hasTextRel()
	if err != nil {
		return nil, err
	}
	idx.TextRel = textrel
	return idx, nil
}

func (f *File) relocEntrySize(rela bool) uint64 {
	switch {
	case f.Class == elf.ELFCLASS32 && rela:
		return 12
	case f.Class == elf.ELFCLASS32:
		return 8
	case rela:
		return 24
	default:
		return 16
	}
}

func (f *File) readRelocations(idx *RelocIndex, s *Section, tables []*SymbolTable) error {
	rela := s.Type == elf.SHT_RELA
	entSize := f.relocEntrySize(rela)
	if s.Entsize != 0 && s.Entsize != entSize {
		return fmt.Errorf("%w: relocation section %s entry size %d, expected %d", ErrMalformedContainer, s, s.Entsize, entSize)
	}
	data := s.Data()
	if uint64(len(data))%entSize != 0 {
		return fmt.Errorf("%w: relocation section %s size %d is not a multiple of %d", ErrMalformedContainer, s, len(data), entSize)
	}

	var symtab *SymbolTable
	for _, t := range tables {
		if uint32(t.Section.Index) == s.Link {
			symtab = t
			break
		}
	}

	var target *Section
	if f.Relocatable() {
		target = f.SectionByIndex(int(s.Info))
		if s.Info == 0 || target == nil {
			return fmt.Errorf("%w: relocation section %s applies to section %d", ErrMalformedContainer, s, s.Info)
		}
	}

	bo := f.ByteOrder
	for i := uint64(0); i < uint64(len(data))/entSize; i++ {
		b := data[i*entSize : (i+1)*entSize]
		r := &Relocation{Source: s, HasAddend: rela}
		var symIdx uint32
		if f.Class == elf.ELFCLASS32 {
			r.Addr = uint64(bo.Uint32(b[0:4]))
			info := bo.Uint32(b[4:8])
			symIdx = info >> 8
			r.Type = info & 0xff
			if rela {
				r.Addend = int64(int32(bo.Uint32(b[8:12])))
			}
		} else {
			r.Addr = bo.Uint64(b[0:8])
			info := bo.Uint64(b[8:16])
			symIdx = uint32(info >> 32)
			r.Type = uint32(info)
			if rela {
				r.Addend = int64(bo.Uint64(b[16:24]))
			}
			if f.Machine == elf.EM_SPARCV9 {
				// The upper 24 bits of the type field carry a signed value
				// that R_SPARC_OLO10 adds to the addend.
				extra := int64(int32(r.Type) >> 8)
				r.Type &= 0xff
				if elf.R_SPARC(r.Type) == elf.R_SPARC_OLO10 {
					r.Addend += extra
				}
			}
		}

		if symIdx != 0 {
			if symtab == nil {
				return fmt.Errorf("%w: relocation %d in %s references symbol %d without a symbol table", ErrMalformedContainer, i, s, symIdx)
			}
			r.Symbol = symtab.symbol(symIdx)
			if r.Symbol == nil {
				return fmt.Errorf("%w: relocation %d in %s references symbol %d of %d", ErrMalformedContainer, i, s, symIdx, len(symtab.Symbols))
			}
		}

		r.TypeName, r.Known = relocTypeName(f.Machine, r.Type)
		if !r.Known {
			idx.Advisories = append(idx.Advisories, fmt.Errorf("%w: %s in %s at 0x%x", ErrUnknownRelocationType, r.TypeName, s, r.Addr))
		}

		if f.Relocatable() {
			r.Target = target
			r.Offset = r.Addr
		} else if sec := f.sectionAt(r.Addr); sec != nil {
			r.Target = sec
			r.Offset = r.Addr - sec.Addr
			if sec.Executable() && !sec.Writable() {
				idx.TextRelocations = append(idx.TextRelocations, r)
			}
		}
		if r.Target == nil {
			continue
		}
		idx.bySection[r.Target.Index] = append(idx.bySection[r.Target.Index], r)
		idx.count++
	}
	return nil
}

// hasTextRel looks for the text relocation markers in the dynamic section.
func (f *File) hasTextRel() (bool, error) {
	dyn := f.firstSectionOfType(elf.SHT_DYNAMIC)
	if dyn == nil {
		return false, nil
	}
	data := dyn.Data()
	entSize := 16
	if f.Class == elf.ELFCLASS32 {
		entSize = 8
	}
	bo := f.ByteOrder
	for off := 0; off+entSize <= len(data); off += entSize {
		var tag elf.DynTag
		var val uint64
		if f.Class == elf.ELFCLASS32 {
			tag = elf.DynTag(int32(bo.Uint32(data[off:])))
			val = uint64(bo.Uint32(data[off+4:]))
		} else {
			tag = elf.DynTag(int64(bo.Uint64(data[off:])))
			val = bo.Uint64(data[off+8:])
		}
		switch {
		case tag == elf.DT_NULL:
			return false, nil
		case tag == elf.DT_TEXTREL:
			return true, nil
		case tag == elf.DT_FLAGS && elf.DynFlag(val)&elf.DF_TEXTREL != 0:
			return true, nil
		}
	}
	return false, nil
}

func (f *File) firstSectionOfType(typ elf.SectionType) *Section {
	for _, s := range f.Sections {
		if s.Type == typ {
			return s
		}
	}
	return nil
}

// relocTypeName names a relocation type using the tables of debug/elf. A type
// is modelled when debug/elf knows its exact name.
func relocTypeName(m elf.Machine, t uint32) (string, bool) {
	var name string
	switch m {
	case elf.EM_386:
		name = elf.R_386(t).String()
	case elf.EM_X86_64:
		name = elf.R_X86_64(t).String()
	case elf.EM_ARM:
		name = elf.R_ARM(t).String()
	case elf.EM_AARCH64:
		name = elf.R_AARCH64(t).String()
	case elf.EM_PPC:
		name = elf.R_PPC(t).String()
	case elf.EM_PPC64:
		name = elf.R_PPC64(t).String()
	case elf.EM_RISCV:
		name = elf.R_RISCV(t).String()
	case elf.EM_S390:
		name = elf.R_390(t).String()
	case elf.EM_SPARCV9:
		name = elf.R_SPARC(t).String()
	case elf.EM_LOONGARCH:
		name = elf.R_LARCH(t).String()
	default:
		return strconv.FormatUint(uint64(t), 10), false
	}
	return name, strings.HasPrefix(name, "R_") && !strings.Contains(name, "+")
}
