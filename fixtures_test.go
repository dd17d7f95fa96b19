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
	"encoding/binary"
)

const (
	gnuIFunc  = elf.SymType(10)
	gnuUnique = elf.SymBind(10)
)

var (
	textFlags  = elf.SHF_ALLOC | elf.SHF_EXECINSTR
	dataFlags  = elf.SHF_ALLOC | elf.SHF_WRITE
	tlsFlags   = elf.SHF_ALLOC | elf.SHF_WRITE | elf.SHF_TLS
	constFlags = elf.SHF_ALLOC
)

// symbolTypesObject mirrors an object compiled from a translation unit that
// defines one variable or function of every storage class.
func symbolTypesObject() *elfBuilder {
	b := newObject()
	b.section(&tSection{name: ".text", typ: elf.SHT_PROGBITS, flags: textFlags, data: fill(0x40, 0x90)})
	b.section(&tSection{name: ".data", typ: elf.SHT_PROGBITS, flags: dataFlags, data: append([]byte("a char array\x00\x00\x00\x00"), 1, 0, 0, 0, 0, 0, 0, 0)})
	b.section(&tSection{name: ".data.rel", typ: elf.SHT_PROGBITS, flags: dataFlags, data: fill(8, 0)})
	b.section(&tSection{name: ".data.rel.ro", typ: elf.SHT_PROGBITS, flags: dataFlags, data: fill(8, 0)})
	b.section(&tSection{name: ".bss", typ: elf.SHT_NOBITS, flags: dataFlags, size: 8})
	b.section(&tSection{name: ".rodata", typ: elf.SHT_PROGBITS, flags: constFlags, data: fill(8, 7)})
	b.section(&tSection{name: ".rodata.str1.1", typ: elf.SHT_PROGBITS, flags: constFlags | elf.SHF_MERGE | elf.SHF_STRINGS, data: []byte("a string\x00")})
	b.section(&tSection{name: ".tdata", typ: elf.SHT_PROGBITS, flags: tlsFlags, data: fill(16, 1)})
	b.section(&tSection{name: ".tbss", typ: elf.SHT_NOBITS, flags: tlsFlags, size: 4})
	b.section(&tSection{name: ".text.unlikely", typ: elf.SHT_PROGBITS, flags: textFlags, data: fill(4, 0xc3)})
	b.section(&tSection{name: ".text.hot.hot_function", typ: elf.SHT_PROGBITS, flags: textFlags, data: fill(4, 0xc3)})
	b.section(&tSection{name: ".comment", typ: elf.SHT_PROGBITS, data: []byte("GCC: (GNU) 13.2.0\x00")})

	b.symbol(
		tSym{name: "symboltypes.c", typ: elf.STT_FILE, bind: elf.STB_LOCAL, shndx: elf.SHN_ABS},
		sectionSym(".text"),
		sectionSym(".data"),
		sectionSym(".rodata.str1.1"),
		sectionSym(".tdata"),
		tSym{name: "static_function", typ: elf.STT_FUNC, bind: elf.STB_LOCAL, section: ".text", value: 0x10, size: 0x10},
		tSym{name: "static_variable", typ: elf.STT_OBJECT, bind: elf.STB_LOCAL, section: ".data", value: 0x10, size: 4},
		tSym{name: "static_uninitialised_variable", typ: elf.STT_OBJECT, bind: elf.STB_LOCAL, section: ".bss", size: 4},
		tSym{name: "static_constant", typ: elf.STT_OBJECT, bind: elf.STB_LOCAL, section: ".rodata", value: 4, size: 4},
		tSym{name: "external_function", typ: elf.STT_FUNC, bind: elf.STB_GLOBAL, section: ".text", size: 0x10},
		tSym{name: "weak_function", typ: elf.STT_FUNC, bind: elf.STB_WEAK, section: ".text", size: 0x10},
		tSym{name: "hidden_function", typ: elf.STT_FUNC, bind: elf.STB_GLOBAL, vis: elf.STV_HIDDEN, section: ".text", value: 0x20, size: 0x10},
		tSym{name: "_ZN11mynamespace8functionEPibPv", typ: elf.STT_FUNC, bind: elf.STB_GLOBAL, section: ".text", value: 0x30, size: 8},
		tSym{name: "_ZN11mynamespace8functionEib", typ: elf.STT_FUNC, bind: elf.STB_GLOBAL, section: ".text", value: 0x38, size: 8},
		tSym{name: "external_variable", typ: elf.STT_OBJECT, bind: elf.STB_GLOBAL, section: ".data", size: 16},
		tSym{name: "relocated_external_variable", typ: elf.STT_OBJECT, bind: elf.STB_GLOBAL, section: ".data.rel", size: 8},
		tSym{name: "relocated_external_constant", typ: elf.STT_OBJECT, bind: elf.STB_GLOBAL, section: ".data.rel.ro", size: 8},
		tSym{name: "external_constant", typ: elf.STT_OBJECT, bind: elf.STB_GLOBAL, section: ".rodata", size: 4},
		tSym{name: "external_uninitialised_variable", typ: elf.STT_OBJECT, bind: elf.STB_GLOBAL, shndx: elf.SHN_COMMON, value: 4, size: 4},
		tSym{name: "external_tls_variable", typ: elf.STT_TLS, bind: elf.STB_GLOBAL, section: ".tdata", size: 4},
		tSym{name: "relocated_external_tls_variable", typ: elf.STT_TLS, bind: elf.STB_GLOBAL, section: ".tdata", value: 8, size: 8},
		tSym{name: "external_uninitialised_tls_variable", typ: elf.STT_TLS, bind: elf.STB_GLOBAL, section: ".tbss", size: 4},
		tSym{name: "cold_function", typ: elf.STT_FUNC, bind: elf.STB_GLOBAL, section: ".text.unlikely", size: 4},
		tSym{name: "hot_function", typ: elf.STT_FUNC, bind: elf.STB_GLOBAL, section: ".text.hot.hot_function", size: 4},
		tSym{name: "undefined_function", typ: elf.STT_NOTYPE, bind: elf.STB_GLOBAL},
		tSym{name: "weak_undefined", typ: elf.STT_NOTYPE, bind: elf.STB_WEAK},
		tSym{name: "weak_undefined_variable", typ: elf.STT_OBJECT, bind: elf.STB_WEAK},
		tSym{name: "_ZN11mynamespace8functionEP", typ: elf.STT_NOTYPE, bind: elf.STB_GLOBAL},
		tSym{name: "after_malformed", typ: elf.STT_NOTYPE, bind: elf.STB_GLOBAL},
	)

	b.reloc(".text", tReloc{off: 5, sym: "undefined_function", typ: uint32(elf.R_X86_64_PLT32), addend: -4})
	b.reloc(".data.rel", tReloc{off: 0, sym: ".rodata.str1.1", typ: uint32(elf.R_X86_64_64)})
	b.reloc(".data.rel.ro", tReloc{off: 0, sym: ".rodata.str1.1", typ: uint32(elf.R_X86_64_64), addend: 2})
	b.reloc(".tdata", tReloc{off: 8, sym: ".rodata.str1.1", typ: uint32(elf.R_X86_64_64)})
	return b
}

// gnuObject mirrors an object using the GNU extensions: indirect functions
// and unique objects.
func gnuObject() *elfBuilder {
	b := newObject()
	b.osabi = elf.ELFOSABI_LINUX
	b.section(&tSection{name: ".text", typ: elf.SHT_PROGBITS, flags: textFlags, data: fill(0x40, 0x90)})
	b.section(&tSection{name: ".data", typ: elf.SHT_PROGBITS, flags: dataFlags, data: fill(4, 0)})

	b.symbol(
		tSym{name: "gnu_specific.c", typ: elf.STT_FILE, bind: elf.STB_LOCAL, shndx: elf.SHN_ABS},
		sectionSym(".text"),
		tSym{name: "my_foo", typ: elf.STT_FUNC, bind: elf.STB_LOCAL, section: ".text", size: 1},
		tSym{name: "my_bar", typ: elf.STT_FUNC, bind: elf.STB_LOCAL, section: ".text", value: 8, size: 1},
		tSym{name: "resolve_foo", typ: elf.STT_FUNC, bind: elf.STB_LOCAL, section: ".text", value: 0x10, size: 8},
		tSym{name: "resolve_bar", typ: elf.STT_FUNC, bind: elf.STB_LOCAL, section: ".text", value: 0x20, size: 0x18},
		tSym{name: "resolve_baz", typ: elf.STT_FUNC, bind: elf.STB_LOCAL, section: ".text", value: 0x38, size: 8},
		tSym{name: "foo", typ: gnuIFunc, bind: elf.STB_GLOBAL, section: ".text", value: 0x10, size: 8},
		tSym{name: "bar", typ: gnuIFunc, bind: elf.STB_GLOBAL, section: ".text", value: 0x20},
		tSym{name: "baz", typ: gnuIFunc, bind: elf.STB_GLOBAL, section: ".text", value: 0x38, size: 8},
		tSym{name: "unique_variable", typ: elf.STT_OBJECT, bind: gnuUnique, section: ".data", size: 4},
		tSym{name: "external_implementation", typ: elf.STT_FUNC, bind: elf.STB_GLOBAL},
	)

	b.reloc(".text",
		// lea my_foo(%rip), %rax
		tReloc{off: 0x13, sym: ".text", typ: uint32(elf.R_X86_64_PC32), addend: -4},
		// resolve_bar picks my_foo or my_bar at run time.
		tReloc{off: 0x23, sym: ".text", typ: uint32(elf.R_X86_64_PC32), addend: -4},
		tReloc{off: 0x2b, sym: ".text", typ: uint32(elf.R_X86_64_PC32), addend: 4},
		tReloc{off: 0x3b, sym: "external_implementation", typ: uint32(elf.R_X86_64_GOTPCRELX), addend: -4},
	)
	return b
}

// linkedIFuncObject is a shared object whose resolver loads the address of
// its implementation with a RIP relative lea and no relocation.
func linkedIFuncObject() *elfBuilder {
	b := newBuilder(elf.ELFCLASS64, binary.LittleEndian, elf.ET_DYN, elf.EM_X86_64)
	text := append([]byte{0xc3}, fill(15, 0xcc)...)
	// lea -0x17(%rip), %rax; ret
	text = append(text, 0x48, 0x8d, 0x05, 0xe9, 0xff, 0xff, 0xff, 0xc3)
	b.section(&tSection{name: ".text", typ: elf.SHT_PROGBITS, flags: textFlags, addr: 0x1000, data: text})
	b.symbol(
		tSym{name: "my_foo", typ: elf.STT_FUNC, bind: elf.STB_LOCAL, section: ".text", value: 0x1000, size: 1},
		tSym{name: "resolve_foo", typ: elf.STT_FUNC, bind: elf.STB_LOCAL, section: ".text", value: 0x1010, size: 8},
		tSym{name: "foo", typ: gnuIFunc, bind: elf.STB_GLOBAL, section: ".text", value: 0x1010, size: 8},
	)
	b.dynamicSymbol(
		tSym{name: "foo", typ: gnuIFunc, bind: elf.STB_GLOBAL, section: ".text", value: 0x1010, size: 8},
	)
	return b
}
