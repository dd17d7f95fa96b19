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

	"golang.org/x/arch/x86/x86asm"
)

// resolveIndirect finds the resolver of an indirect function and, when it can
// be determined without running it, the function the resolver returns.
func (p *pass) resolveIndirect(s *ClassifiedSymbol, idx addrIndex) {
	if !s.placed {
		return
	}
	s.Resolver = idx.function(s.Section, s.Offset)

	size := s.Size
	if s.Resolver != nil && s.Resolver.Size > size {
		size = s.Resolver.Size
	}
	if size == 0 {
		p.logger.Debug().Str("symbol", s.Name).Msg("indirect function without a resolver body")
		return
	}
	lo, hi := s.Offset, s.Offset+size

	targets := p.targetsFromRelocations(s.Section, lo, hi, idx)
	if len(targets) == 0 && !p.file.Relocatable() {
		targets = p.targetsFromCode(s.Section, lo, hi, idx)
	}
	if len(targets) == 1 {
		s.Target = targets[0]
		return
	}
	p.logger.Debug().Str("symbol", s.Name).Int("candidates", len(targets)).Msg("indirect function target is not static")
}

// targetsFromRelocations returns the distinct functions referenced by the
// relocations patching [lo, hi) of sec.
func (p *pass) targetsFromRelocations(sec *Section, lo, hi uint64, idx addrIndex) []*ClassifiedSymbol {
	var targets []*ClassifiedSymbol
	for _, r := range p.relocs.RelocationsFor(sec, lo, hi) {
		if r.Symbol == nil {
			continue
		}
		var fn *ClassifiedSymbol
		switch r.Symbol.Type() {
		case elf.STT_FUNC:
			fn = p.bySym[r.Symbol]
		case elf.STT_SECTION:
			if r.Symbol.Section == nil {
				continue
			}
			// Calls and address computations against local functions are
			// emitted relative to the section symbol.
			off := r.Symbol.Value
			if !p.file.Relocatable() {
				off -= r.Symbol.Section.Addr
			}
			addend := r.Addend
			if !r.HasAddend {
				addend = p.implicitAddend(r)
			}
			off = uint64(int64(off) + addend + p.pcRelBias(r.Type))
			fn = idx.function(r.Symbol.Section, off)
		}
		if fn != nil {
			targets = appendDistinct(targets, fn)
		}
	}
	return targets
}

// pcRelBias returns the distance between the patched field and the end of the
// instruction for PC relative relocations. Compilers fold it into the addend.
func (p *pass) pcRelBias(t uint32) int64 {
	switch p.file.Machine {
	case elf.EM_X86_64:
		switch elf.R_X86_64(t) {
		case elf.R_X86_64_PC32, elf.R_X86_64_PLT32, elf.R_X86_64_GOTPCREL,
			elf.R_X86_64_GOTPCRELX, elf.R_X86_64_REX_GOTPCRELX:
			return 4
		}
	case elf.EM_386:
		switch elf.R_386(t) {
		case elf.R_386_PC32, elf.R_386_PLT32:
			return 4
		}
	}
	return 0
}

// implicitAddend reads the addend stored in the patched field of a REL entry.
func (p *pass) implicitAddend(r *Relocation) int64 {
	if p.file.Class != elf.ELFCLASS32 || r.Target == nil {
		return 0
	}
	data := r.Target.Data()
	if r.Offset+4 > uint64(len(data)) {
		return 0
	}
	return int64(int32(p.file.ByteOrder.Uint32(data[r.Offset:])))
}

// targetsFromCode disassembles the resolver of a linked x86 binary and
// returns the distinct functions whose address it loads.
func (p *pass) targetsFromCode(sec *Section, lo, hi uint64, idx addrIndex) []*ClassifiedSymbol {
	var mode int
	switch p.file.Machine {
	case elf.EM_X86_64:
		mode = 64
	case elf.EM_386:
		mode = 32
	default:
		return nil
	}
	data := sec.Data()
	if !sec.Executable() || hi > uint64(len(data)) {
		return nil
	}
	buf := data[lo:hi]

	var targets []*ClassifiedSymbol
	s := 0
	for s < len(buf) {
		inst, err := x86asm.Decode(buf[s:], mode)
		if err != nil {
			// Padding or data after the resolver; nothing more to learn.
			break
		}
		s += inst.Len
		if inst.Op != x86asm.LEA && inst.Op != x86asm.MOV {
			continue
		}
		next := sec.Addr + lo + uint64(s)
		for _, a := range inst.Args {
			addr, ok := loadedAddress(a, next)
			if !ok {
				continue
			}
			if fn := p.functionAt(addr, idx); fn != nil {
				targets = appendDistinct(targets, fn)
			}
		}
	}
	return targets
}

// loadedAddress returns the address an instruction operand refers to, if it
// is static.
func loadedAddress(a x86asm.Arg, next uint64) (uint64, bool) {
	switch arg := a.(type) {
	case x86asm.Mem:
		if arg.Index != 0 {
			return 0, false
		}
		switch arg.Base {
		case x86asm.RIP, x86asm.EIP:
			// The decoder zero extends the 32 bit displacement.
			return uint64(int64(next) + int64(int32(arg.Disp))), true
		case 0:
			if arg.Disp > 0 {
				return uint64(arg.Disp), true
			}
		}
	case x86asm.Imm:
		if arg > 0 {
			return uint64(arg), true
		}
	}
	return 0, false
}

// functionAt returns the function defined at a virtual address.
func (p *pass) functionAt(addr uint64, idx addrIndex) *ClassifiedSymbol {
	sec := p.file.sectionAt(addr)
	if sec == nil {
		return nil
	}
	return idx.function(sec, addr-sec.Addr)
}

func appendDistinct(list []*ClassifiedSymbol, s *ClassifiedSymbol) []*ClassifiedSymbol {
	for _, o := range list {
		if o == s {
			return list
		}
	}
	return append(list, s)
}
