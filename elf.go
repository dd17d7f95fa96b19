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
)

var elfMagic = []byte{0x7f, 'E', 'L', 'F'}

const (
	elf32HeaderSize  = 52
	elf64HeaderSize  = 64
	elf32SectionSize = 40
	elf64SectionSize = 64
)

// supportedMachines lists the machines with a relocation model in debug/elf.
var supportedMachines = map[elf.Machine]bool{
	elf.EM_386:       true,
	elf.EM_X86_64:    true,
	elf.EM_ARM:       true,
	elf.EM_AARCH64:   true,
	elf.EM_PPC:       true,
	elf.EM_PPC64:     true,
	elf.EM_RISCV:     true,
	elf.EM_S390:      true,
	elf.EM_SPARCV9:   true,
	elf.EM_LOONGARCH: true,
}

// File is a parsed ELF container. It only references the buffer it was
// created from; nothing is copied.
type File struct {
	// Class is the word size of the file.
	Class elf.Class
	// Data is the data encoding of the file.
	Data elf.Data
	// ByteOrder is the byte order matching Data.
	ByteOrder binary.ByteOrder
	// OSABI is the operating system ABI from the identification bytes.
	OSABI elf.OSABI
	// ABIVersion is the version of the OS ABI.
	ABIVersion uint8
	// Type is the object file type.
	Type elf.Type
	// Machine is the target architecture.
	Machine elf.Machine
	// Entry is the entry point address.
	Entry uint64
	// Sections holds all sections in section header table order.
	Sections []*Section

	data []byte
}

// Section is a section header together with the bytes it covers.
type Section struct {
	Index     int
	Name      string
	Type      elf.SectionType
	Flags     elf.SectionFlag
	Addr      uint64
	Offset    uint64
	Size      uint64
	Link      uint32
	Info      uint32
	Addralign uint64
	Entsize   uint64

	nameOff uint32
	data    []byte
}

// Data returns the raw content of the section. NOBITS sections have no content.
func (s *Section) Data() []byte {
	return s.data
}

// Alloc reports whether the section occupies memory at run time.
func (s *Section) Alloc() bool { return s.Flags&elf.SHF_ALLOC != 0 }

// Writable reports whether the section is writable at run time.
func (s *Section) Writable() bool { return s.Flags&elf.SHF_WRITE != 0 }

// Executable reports whether the section holds instructions.
func (s *Section) Executable() bool { return s.Flags&elf.SHF_EXECINSTR != 0 }

// TLS reports whether the section holds thread-local storage.
func (s *Section) TLS() bool { return s.Flags&elf.SHF_TLS != 0 }

func (s *Section) String() string {
	if s.Name == "" {
		return fmt.Sprintf("section %d", s.Index)
	}
	return s.Name
}

// header is the class independent view of the ELF file header.
type header struct {
	typ       uint16
	machine   uint16
	version   uint32
	entry     uint64
	shoff     uint64
	shentsize uint16
	shnum     uint16
	shstrndx  uint16
}

// NewFile parses the ELF container held in data.
func NewFile(data []byte) (*File, error) {
	if len(data) < len(elfMagic) {
		if len(data) > 0 && bytes.HasPrefix(elfMagic, data) {
			return nil, fmt.Errorf("%w: %d bytes is too short for the ELF identification", ErrTruncatedInput, len(data))
		}
		return nil, fmt.Errorf("%w: %s", ErrMalformedContainer, describeForeign(data))
	}
	if !bytes.HasPrefix(data, elfMagic) {
		return nil, fmt.Errorf("%w: %s", ErrMalformedContainer, describeForeign(data))
	}
	if len(data) < elf.EI_NIDENT {
		return nil, fmt.Errorf("%w: %d bytes is too short for the ELF identification", ErrTruncatedInput, len(data))
	}

	f := &File{data: data}

	f.Class = elf.Class(data[elf.EI_CLASS])
	if f.Class != elf.ELFCLASS32 && f.Class != elf.ELFCLASS64 {
		return nil, fmt.Errorf("%w: class %s", ErrUnsupportedClass, f.Class)
	}

	f.Data = elf.Data(data[elf.EI_DATA])
	switch f.Data {
	case elf.ELFDATA2LSB:
		f.ByteOrder = binary.LittleEndian
	case elf.ELFDATA2MSB:
		f.ByteOrder = binary.BigEndian
	default:
		return nil, fmt.Errorf("%w: data encoding %s", ErrUnsupportedClass, f.Data)
	}

	if v := elf.Version(data[elf.EI_VERSION]); v != elf.EV_CURRENT {
		return nil, fmt.Errorf("%w: identification version %s", ErrUnsupportedClass, v)
	}
	f.OSABI = elf.OSABI(data[elf.EI_OSABI])
	f.ABIVersion = data[elf.EI_ABIVERSION]

	hdr, err := f.readHeader()
	if err != nil {
		return nil, err
	}
	if elf.Version(hdr.version) != elf.EV_CURRENT {
		return nil, fmt.Errorf("%w: file version %d", ErrUnsupportedClass, hdr.version)
	}
	f.Type = elf.Type(hdr.typ)
	f.Machine = elf.Machine(hdr.machine)
	f.Entry = hdr.entry
	if !supportedMachines[f.Machine] {
		return nil, fmt.Errorf("%w: machine %s", ErrUnsupportedClass, f.Machine)
	}

	if err = f.readSections(hdr); err != nil {
		return nil, err
	}
	return f, nil
}

func (f *File) readHeader() (header, error) {
	var hdr header
	switch f.Class {
	case elf.ELFCLASS32:
		if len(f.data) < elf32HeaderSize {
			return hdr, fmt.Errorf("%w: ELF32 header needs %d bytes, have %d", ErrTruncatedInput, elf32HeaderSize, len(f.data))
		}
		var h elf.Header32
		if err := binary.Read(bytes.NewReader(f.data[:elf32HeaderSize]), f.ByteOrder, &h); err != nil {
			return hdr, fmt.Errorf("error when reading the ELF header: %w", err)
		}
		hdr = header{
			typ:       h.Type,
			machine:   h.Machine,
			version:   h.Version,
			entry:     uint64(h.Entry),
			shoff:     uint64(h.Shoff),
			shentsize: h.Shentsize,
			shnum:     h.Shnum,
			shstrndx:  h.Shstrndx,
		}
	case elf.ELFCLASS64:
		if len(f.data) < elf64HeaderSize {
			return hdr, fmt.Errorf("%w: ELF64 header needs %d bytes, have %d", ErrTruncatedInput, elf64HeaderSize, len(f.data))
		}
		var h elf.Header64
		if err := binary.Read(bytes.NewReader(f.data[:elf64HeaderSize]), f.ByteOrder, &h); err != nil {
			return hdr, fmt.Errorf("error when reading the ELF header: %w", err)
		}
		hdr = header{
			typ:       h.Type,
			machine:   h.Machine,
			version:   h.Version,
			entry:     h.Entry,
			shoff:     h.Shoff,
			shentsize: h.Shentsize,
			shnum:     h.Shnum,
			shstrndx:  h.Shstrndx,
		}
	}
	return hdr, nil
}

func (f *File) sectionHeaderSize() uint64 {
	if f.Class == elf.ELFCLASS32 {
		return elf32SectionSize
	}
	return elf64SectionSize
}

func (f *File) readSections(hdr header) error {
	if hdr.shoff == 0 {
		if hdr.shnum != 0 {
			return fmt.Errorf("%w: %d section headers without a section header table", ErrMalformedContainer, hdr.shnum)
		}
		return nil
	}

	entSize := f.sectionHeaderSize()
	if uint64(hdr.shentsize) != entSize {
		return fmt.Errorf("%w: section header entry size %d, expected %d", ErrMalformedContainer, hdr.shentsize, entSize)
	}
	if !f.inBounds(hdr.shoff, entSize) {
		return fmt.Errorf("%w: section header table at 0x%x is beyond the end of the file", ErrTruncatedInput, hdr.shoff)
	}

	// The first header is needed up front for extended section numbering.
	first, err := f.readSectionHeader(hdr.shoff)
	if err != nil {
		return err
	}
	count := uint64(hdr.shnum)
	if count == 0 {
		count = first.Size
	}
	shstrndx := uint64(hdr.shstrndx)
	if hdr.shstrndx == uint16(elf.SHN_XINDEX) {
		shstrndx = uint64(first.Link)
	}

	if count > uint64(len(f.data))/entSize || !f.inBounds(hdr.shoff, count*entSize) {
		return fmt.Errorf("%w: %d section headers at 0x%x exceed the file size", ErrTruncatedInput, count, hdr.shoff)
	}

	f.Sections = make([]*Section, count)
	for i := uint64(0); i < count; i++ {
		s, err := f.readSectionHeader(hdr.shoff + i*entSize)
		if err != nil {
			return err
		}
		s.Index = int(i)
		if s.Type != elf.SHT_NOBITS && s.Type != elf.SHT_NULL && s.Size > 0 {
			if !f.inBounds(s.Offset, s.Size) {
				return fmt.Errorf("%w: section %d spans 0x%x+0x%x beyond the file size 0x%x",
					ErrTruncatedInput, i, s.Offset, s.Size, len(f.data))
			}
			s.data = f.data[s.Offset : s.Offset+s.Size]
		}
		f.Sections[i] = s
	}

	if shstrndx == uint64(elf.SHN_UNDEF) {
		// Assembled-by-hand files may carry no section names at all.
		return nil
	}
	if shstrndx >= count {
		return fmt.Errorf("%w: section name table index %d out of range", ErrMalformedContainer, shstrndx)
	}
	names := f.Sections[shstrndx]
	if names.Type != elf.SHT_STRTAB {
		return fmt.Errorf("%w: section name table %d has type %s", ErrMalformedContainer, shstrndx, names.Type)
	}
	for _, s := range f.Sections {
		name, ok := cstring(names.data, uint64(s.nameOff))
		if !ok {
			return fmt.Errorf("%w: name offset 0x%x of section %d", ErrMalformedContainer, s.nameOff, s.Index)
		}
		s.Name = name
	}
	return nil
}

func (f *File) readSectionHeader(off uint64) (*Section, error) {
	r := bytes.NewReader(f.data[off : off+f.sectionHeaderSize()])
	if f.Class == elf.ELFCLASS32 {
		var sh elf.Section32
		if err := binary.Read(r, f.ByteOrder, &sh); err != nil {
			return nil, fmt.Errorf("error when reading the section header at 0x%x: %w", off, err)
		}
		return &Section{
			nameOff:   sh.Name,
			Type:      elf.SectionType(sh.Type),
			Flags:     elf.SectionFlag(sh.Flags),
			Addr:      uint64(sh.Addr),
			Offset:    uint64(sh.Off),
			Size:      uint64(sh.Size),
			Link:      sh.Link,
			Info:      sh.Info,
			Addralign: uint64(sh.Addralign),
			Entsize:   uint64(sh.Entsize),
		}, nil
	}
	var sh elf.Section64
	if err := binary.Read(r, f.ByteOrder, &sh); err != nil {
		return nil, fmt.Errorf("error when reading the section header at 0x%x: %w", off, err)
	}
	return &Section{
		nameOff:   sh.Name,
		Type:      elf.SectionType(sh.Type),
		Flags:     elf.SectionFlag(sh.Flags),
		Addr:      sh.Addr,
		Offset:    sh.Off,
		Size:      sh.Size,
		Link:      sh.Link,
		Info:      sh.Info,
		Addralign: sh.Addralign,
		Entsize:   sh.Entsize,
	}, nil
}

// inBounds reports whether [off, off+size) lies within the buffer.
func (f *File) inBounds(off, size uint64) bool {
	end := off + size
	return end >= off && end <= uint64(len(f.data))
}

// Section returns the first section with the given name or nil.
func (f *File) Section(name string) *Section {
	for _, s := range f.Sections {
		if s.Name == name {
			return s
		}
	}
	return nil
}

// SectionByIndex returns the section at index i or nil if there is none.
func (f *File) SectionByIndex(i int) *Section {
	if i < 0 || i >= len(f.Sections) {
		return nil
	}
	return f.Sections[i]
}

// Relocatable reports whether the file is an object file that has not been linked.
func (f *File) Relocatable() bool {
	return f.Type == elf.ET_REL
}

// sectionAt returns the allocated section mapped at addr. Only meaningful for
// linked files, where sections carry addresses.
func (f *File) sectionAt(addr uint64) *Section {
	for _, s := range f.Sections {
		if !s.Alloc() || s.Size == 0 {
			continue
		}
		// .tbss occupies no address space of its own.
		if s.TLS() && s.Type == elf.SHT_NOBITS {
			continue
		}
		if s.Addr <= addr && addr-s.Addr < s.Size {
			return s
		}
	}
	return nil
}

// tlsBase returns the start of the TLS template, which is the address thread
// local symbol values are relative to in linked files.
func (f *File) tlsBase() (uint64, bool) {
	var base uint64
	found := false
	for _, s := range f.Sections {
		if !s.TLS() || !s.Alloc() {
			continue
		}
		if !found || s.Addr < base {
			base = s.Addr
			found = true
		}
	}
	return base, found
}

// cstring returns the NUL terminated string starting at off. Offset 0 of an
// empty table is accepted as the empty string.
func cstring(b []byte, off uint64) (string, bool) {
	if off == 0 && len(b) == 0 {
		return "", true
	}
	if off >= uint64(len(b)) {
		return "", false
	}
	end := bytes.IndexByte(b[off:], 0)
	if end < 0 {
		return "", false
	}
	return string(b[off : off+uint64(end)]), true
}
