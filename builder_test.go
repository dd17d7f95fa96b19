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
	"fmt"
	"sort"
)

// The helpers below assemble ELF files in memory so the tests do not depend
// on a toolchain.

type tSection struct {
	name  string
	typ   elf.SectionType
	flags elf.SectionFlag
	addr  uint64
	data  []byte
	// size is the size of NOBITS sections.
	size uint64
	// link and info name other sections; infoNum is used when info is empty.
	link    string
	info    string
	infoNum uint32
	entsize uint64
}

type tSym struct {
	name    string
	value   uint64
	size    uint64
	typ     elf.SymType
	bind    elf.SymBind
	vis     elf.SymVis
	section string
	// shndx is used when section is empty.
	shndx elf.SectionIndex
	// badName points the name outside of the string table.
	badName bool
	// xindex stores the section index in SHT_SYMTAB_SHNDX.
	xindex bool
	// version names a defined or required version of a dynamic symbol and
	// hidden marks it as non-default. verndx overrides the versym entry.
	version string
	hidden  bool
	verndx  uint16
}

// tVerneed lists the versions required from one file.
type tVerneed struct {
	file     string
	versions []string
}

type tReloc struct {
	off uint64
	// sym names the referenced symbol. Section symbols are named by their section.
	sym    string
	typ    uint32
	addend int64
}

type elfBuilder struct {
	class   elf.Class
	bo      binary.ByteOrder
	typ     elf.Type
	machine elf.Machine
	osabi   elf.OSABI

	sections  []*tSection
	syms      []tSym
	dynsyms   []tSym
	relocs    map[string][]tReloc
	dynRelocs []tReloc

	rel      bool
	extended bool
	noStrtab bool

	// verdefs are the versions the file defines, verneeds the ones it
	// requires. Either one adds the GNU version sections.
	verdefs  []string
	verneeds []tVerneed
}

func newBuilder(class elf.Class, bo binary.ByteOrder, typ elf.Type, machine elf.Machine) *elfBuilder {
	return &elfBuilder{
		class:   class,
		bo:      bo,
		typ:     typ,
		machine: machine,
		relocs:  make(map[string][]tReloc),
	}
}

func newObject() *elfBuilder {
	return newBuilder(elf.ELFCLASS64, binary.LittleEndian, elf.ET_REL, elf.EM_X86_64)
}

func (b *elfBuilder) section(s *tSection) *elfBuilder {
	b.sections = append(b.sections, s)
	return b
}

func (b *elfBuilder) symbol(s ...tSym) *elfBuilder {
	b.syms = append(b.syms, s...)
	return b
}

func (b *elfBuilder) dynamicSymbol(s ...tSym) *elfBuilder {
	b.dynsyms = append(b.dynsyms, s...)
	return b
}

func (b *elfBuilder) reloc(target string, r ...tReloc) *elfBuilder {
	b.relocs[target] = append(b.relocs[target], r...)
	return b
}

func (b *elfBuilder) dynamicReloc(r ...tReloc) *elfBuilder {
	b.dynRelocs = append(b.dynRelocs, r...)
	return b
}

func (b *elfBuilder) versions(defs []string, needs ...tVerneed) *elfBuilder {
	b.verdefs = append(b.verdefs, defs...)
	b.verneeds = append(b.verneeds, needs...)
	return b
}

func (b *elfBuilder) is64() bool {
	return b.class == elf.ELFCLASS64
}

func (b *elfBuilder) relocSection(name, link, info string) *tSection {
	s := &tSection{name: ".rela" + name, typ: elf.SHT_RELA, link: link, info: info, entsize: 24}
	if b.rel {
		s.name = ".rel" + name
		s.typ = elf.SHT_REL
	}
	switch {
	case b.is64() && b.rel:
		s.entsize = 16
	case !b.is64() && b.rel:
		s.entsize = 8
	case !b.is64():
		s.entsize = 12
	}
	return s
}

func (b *elfBuilder) build() []byte {
	all := append([]*tSection{{}}, b.sections...)

	var symtab, strtab, shndx, dynsym, dynstr, versym, verdef, verneed *tSection
	symSize := uint64(24)
	if !b.is64() {
		symSize = 16
	}
	if b.syms != nil {
		symtab = &tSection{name: ".symtab", typ: elf.SHT_SYMTAB, link: ".strtab", entsize: symSize}
		strtab = &tSection{name: ".strtab", typ: elf.SHT_STRTAB}
		all = append(all, symtab)
		if b.noStrtab {
			symtab.link = ""
		} else {
			all = append(all, strtab)
		}
		for _, s := range b.syms {
			if s.xindex {
				shndx = &tSection{name: ".symtab_shndx", typ: elf.SHT_SYMTAB_SHNDX, link: ".symtab", entsize: 4}
				all = append(all, shndx)
				break
			}
		}
	}
	if b.dynsyms != nil {
		dynsym = &tSection{name: ".dynsym", typ: elf.SHT_DYNSYM, flags: elf.SHF_ALLOC, link: ".dynstr", entsize: symSize}
		dynstr = &tSection{name: ".dynstr", typ: elf.SHT_STRTAB, flags: elf.SHF_ALLOC}
		all = append(all, dynsym, dynstr)
		if b.verdefs != nil || b.verneeds != nil {
			versym = &tSection{name: ".gnu.version", typ: elf.SHT_GNU_VERSYM, flags: elf.SHF_ALLOC, link: ".dynsym", entsize: 2}
			all = append(all, versym)
		}
		if b.verdefs != nil {
			verdef = &tSection{name: ".gnu.version_d", typ: elf.SHT_GNU_VERDEF, flags: elf.SHF_ALLOC, link: ".dynstr", infoNum: uint32(len(b.verdefs) + 1)}
			all = append(all, verdef)
		}
		if b.verneeds != nil {
			verneed = &tSection{name: ".gnu.version_r", typ: elf.SHT_GNU_VERNEED, flags: elf.SHF_ALLOC, link: ".dynstr", infoNum: uint32(len(b.verneeds))}
			all = append(all, verneed)
		}
	}

	targets := make([]string, 0, len(b.relocs))
	for t := range b.relocs {
		targets = append(targets, t)
	}
	sort.Strings(targets)
	relSecs := make(map[string]*tSection)
	for _, t := range targets {
		s := b.relocSection(t, ".symtab", t)
		relSecs[t] = s
		all = append(all, s)
	}
	var dynRel *tSection
	if b.dynRelocs != nil {
		dynRel = b.relocSection(".dyn", ".dynsym", "")
		dynRel.flags = elf.SHF_ALLOC
		all = append(all, dynRel)
	}
	shstrtab := &tSection{name: ".shstrtab", typ: elf.SHT_STRTAB}
	all = append(all, shstrtab)

	index := make(map[string]int)
	for i, s := range all {
		if _, ok := index[s.name]; s.name != "" && !ok {
			index[s.name] = i
		}
	}

	if symtab != nil {
		var xdata []byte
		symtab.data, strtab.data, xdata = b.symbols(b.syms, index)
		symtab.infoNum = firstGlobal(b.syms)
		if shndx != nil {
			shndx.data = xdata
		}
	}
	if dynsym != nil {
		dynsym.data, dynstr.data, _ = b.symbols(b.dynsyms, index)
		dynsym.infoNum = firstGlobal(b.dynsyms)
		if versym != nil {
			var defs, needs []byte
			versym.data, defs, needs = b.versionSections(&dynstr.data)
			if verdef != nil {
				verdef.data = defs
			}
			if verneed != nil {
				verneed.data = needs
			}
		}
	}
	for _, t := range targets {
		relSecs[t].data = b.relocations(b.relocs[t], b.syms)
	}
	if dynRel != nil {
		dynRel.data = b.relocations(b.dynRelocs, b.dynsyms)
	}

	names := []byte{0}
	nameOff := make([]uint32, len(all))
	for i, s := range all {
		if s.name == "" {
			continue
		}
		nameOff[i] = uint32(len(names))
		names = append(names, s.name...)
		names = append(names, 0)
	}
	shstrtab.data = names

	hdrSize, shentsize := 64, 64
	if !b.is64() {
		hdrSize, shentsize = 52, 40
	}
	out := make([]byte, hdrSize)
	offsets := make([]uint64, len(all))
	for i, s := range all {
		for len(out)%8 != 0 {
			out = append(out, 0)
		}
		offsets[i] = uint64(len(out))
		if i > 0 && s.typ != elf.SHT_NOBITS {
			out = append(out, s.data...)
		}
	}
	for len(out)%8 != 0 {
		out = append(out, 0)
	}
	shoff := uint64(len(out))
	shstrndx := index[".shstrtab"]

	sh := &bytes.Buffer{}
	for i, s := range all {
		size := uint64(len(s.data))
		if s.typ == elf.SHT_NOBITS {
			size = s.size
		}
		var link, info uint32
		if s.link != "" {
			link = uint32(index[s.link])
		}
		info = s.infoNum
		if s.info != "" {
			info = uint32(index[s.info])
		}
		off := offsets[i]
		if i == 0 {
			off = 0
			if b.extended {
				size = uint64(len(all))
				link = uint32(shstrndx)
			}
		}
		if b.is64() {
			binary.Write(sh, b.bo, elf.Section64{
				Name: nameOff[i], Type: uint32(s.typ), Flags: uint64(s.flags), Addr: s.addr,
				Off: off, Size: size, Link: link, Info: info, Addralign: 1, Entsize: s.entsize,
			})
		} else {
			binary.Write(sh, b.bo, elf.Section32{
				Name: nameOff[i], Type: uint32(s.typ), Flags: uint32(s.flags), Addr: uint32(s.addr),
				Off: uint32(off), Size: uint32(size), Link: link, Info: info, Addralign: 1, Entsize: uint32(s.entsize),
			})
		}
	}
	out = append(out, sh.Bytes()...)

	var ident [elf.EI_NIDENT]byte
	copy(ident[:], elfMagic)
	ident[elf.EI_CLASS] = byte(b.class)
	ident[elf.EI_DATA] = byte(elf.ELFDATA2LSB)
	if b.bo == binary.BigEndian {
		ident[elf.EI_DATA] = byte(elf.ELFDATA2MSB)
	}
	ident[elf.EI_VERSION] = byte(elf.EV_CURRENT)
	ident[elf.EI_OSABI] = byte(b.osabi)

	shnum := uint16(len(all))
	strndx := uint16(shstrndx)
	if b.extended {
		shnum = 0
		strndx = uint16(elf.SHN_XINDEX)
	}
	hdr := &bytes.Buffer{}
	if b.is64() {
		binary.Write(hdr, b.bo, elf.Header64{
			Ident: ident, Type: uint16(b.typ), Machine: uint16(b.machine), Version: uint32(elf.EV_CURRENT),
			Shoff: shoff, Ehsize: uint16(hdrSize), Shentsize: uint16(shentsize), Shnum: shnum, Shstrndx: strndx,
		})
	} else {
		binary.Write(hdr, b.bo, elf.Header32{
			Ident: ident, Type: uint16(b.typ), Machine: uint16(b.machine), Version: uint32(elf.EV_CURRENT),
			Shoff: uint32(shoff), Ehsize: uint16(hdrSize), Shentsize: uint16(shentsize), Shnum: shnum, Shstrndx: strndx,
		})
	}
	copy(out, hdr.Bytes())
	return out
}

func firstGlobal(syms []tSym) uint32 {
	for i, s := range syms {
		if s.bind != elf.STB_LOCAL {
			return uint32(i + 1)
		}
	}
	return uint32(len(syms) + 1)
}

func (b *elfBuilder) symbols(syms []tSym, index map[string]int) (symdata, strdata, xdata []byte) {
	strs := []byte{0}
	sym := &bytes.Buffer{}
	x := &bytes.Buffer{}
	b.writeSym(sym, 0, 0, 0, 0, 0, 0)
	binary.Write(x, b.bo, uint32(0))
	for _, s := range syms {
		var nameOff uint32
		if s.name != "" {
			nameOff = uint32(len(strs))
			strs = append(strs, s.name...)
			strs = append(strs, 0)
		}
		if s.badName {
			nameOff = 0xffff
		}
		idx := s.shndx
		if s.section != "" {
			i, ok := index[s.section]
			if !ok {
				panic(fmt.Sprintf("symbol %s references unknown section %s", s.name, s.section))
			}
			idx = elf.SectionIndex(i)
		}
		binary.Write(x, b.bo, uint32(idx))
		if s.xindex {
			idx = elf.SHN_XINDEX
		}
		b.writeSym(sym, nameOff, s.value, s.size, elf.ST_INFO(s.bind, s.typ), byte(s.vis), uint16(idx))
	}
	return sym.Bytes(), strs, x.Bytes()
}

func (b *elfBuilder) writeSym(buf *bytes.Buffer, name uint32, value, size uint64, info, other uint8, shndx uint16) {
	if b.is64() {
		binary.Write(buf, b.bo, elf.Sym64{Name: name, Info: info, Other: other, Shndx: shndx, Value: value, Size: size})
		return
	}
	binary.Write(buf, b.bo, elf.Sym32{Name: name, Value: uint32(value), Size: uint32(size), Info: info, Other: other, Shndx: shndx})
}

// versionSections encodes the versym, verdef and verneed sections and adds
// the version names to strs. The first definition is the base version named
// after the file.
func (b *elfBuilder) versionSections(strs *[]byte) (versym, verdef, verneed []byte) {
	addStr := func(s string) uint32 {
		off := uint32(len(*strs))
		*strs = append(append(*strs, s...), 0)
		return off
	}
	index := make(map[string]uint16)
	next := uint16(2)

	vd := &bytes.Buffer{}
	if b.verdefs != nil {
		defs := append([]string{"libtest.so"}, b.verdefs...)
		for i, name := range defs {
			var flags uint16
			if i == 0 {
				flags = 1
			}
			nextOff := uint32(verdefSize + verdauxSize)
			if i == len(defs)-1 {
				nextOff = 0
			}
			binary.Write(vd, b.bo, struct {
				Version, Flags, Ndx, Cnt uint16
				Hash, Aux, Next          uint32
			}{1, flags, uint16(i + 1), 1, 0, verdefSize, nextOff})
			binary.Write(vd, b.bo, struct{ Name, Next uint32 }{addStr(name), 0})
			if i > 0 {
				index[name] = uint16(i + 1)
			}
		}
		next = uint16(len(defs) + 1)
	}

	vn := &bytes.Buffer{}
	for i, need := range b.verneeds {
		nextOff := uint32(verneedSize + vernauxSize*len(need.versions))
		if i == len(b.verneeds)-1 {
			nextOff = 0
		}
		binary.Write(vn, b.bo, struct {
			Version, Cnt    uint16
			File, Aux, Next uint32
		}{1, uint16(len(need.versions)), addStr(need.file), verneedSize, nextOff})
		for j, v := range need.versions {
			nx := uint32(vernauxSize)
			if j == len(need.versions)-1 {
				nx = 0
			}
			binary.Write(vn, b.bo, struct {
				Hash         uint32
				Flags, Other uint16
				Name, Next   uint32
			}{0, 0, next, addStr(v), nx})
			index[v] = next
			next++
		}
	}

	vs := &bytes.Buffer{}
	binary.Write(vs, b.bo, uint16(0))
	for _, s := range b.dynsyms {
		ndx := uint16(verNdxGlobal)
		switch {
		case s.verndx != 0:
			ndx = s.verndx
		case s.version != "":
			v, ok := index[s.version]
			if !ok {
				panic(fmt.Sprintf("symbol %s uses unknown version %s", s.name, s.version))
			}
			ndx = v
		}
		if s.hidden {
			ndx |= versymHidden
		}
		binary.Write(vs, b.bo, ndx)
	}
	return vs.Bytes(), vd.Bytes(), vn.Bytes()
}

func symIndex(syms []tSym, name string) uint32 {
	for i, s := range syms {
		if s.name == name || (s.name == "" && s.typ == elf.STT_SECTION && s.section == name) {
			return uint32(i + 1)
		}
	}
	panic(fmt.Sprintf("relocation references unknown symbol %s", name))
}

func (b *elfBuilder) relocations(rels []tReloc, syms []tSym) []byte {
	buf := &bytes.Buffer{}
	for _, r := range rels {
		var idx uint32
		if r.sym != "" {
			idx = symIndex(syms, r.sym)
		}
		switch {
		case b.is64() && b.rel:
			binary.Write(buf, b.bo, elf.Rel64{Off: r.off, Info: uint64(idx)<<32 | uint64(r.typ)})
		case b.is64():
			binary.Write(buf, b.bo, elf.Rela64{Off: r.off, Info: uint64(idx)<<32 | uint64(r.typ), Addend: r.addend})
		case b.rel:
			binary.Write(buf, b.bo, elf.Rel32{Off: uint32(r.off), Info: idx<<8 | r.typ&0xff})
		default:
			binary.Write(buf, b.bo, elf.Rela32{Off: uint32(r.off), Info: idx<<8 | r.typ&0xff, Addend: int32(r.addend)})
		}
	}
	return buf.Bytes()
}

func dynamicSection(bo binary.ByteOrder, tags ...elf.DynTag) *tSection {
	buf := &bytes.Buffer{}
	for _, t := range tags {
		binary.Write(buf, bo, elf.Dyn64{Tag: int64(t)})
	}
	binary.Write(buf, bo, elf.Dyn64{Tag: int64(elf.DT_NULL)})
	return &tSection{name: ".dynamic", typ: elf.SHT_DYNAMIC, flags: elf.SHF_ALLOC | elf.SHF_WRITE, data: buf.Bytes(), entsize: 16}
}

func sectionSym(name string) tSym {
	return tSym{typ: elf.STT_SECTION, bind: elf.STB_LOCAL, section: name}
}

func fill(n int, b byte) []byte {
	return bytes.Repeat([]byte{b}, n)
}
