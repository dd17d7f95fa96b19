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

	"github.com/rs/zerolog"

	"github.com/symclass/symclass/demangle"
)

// ClassifiedSymbol is a symbol table entry together with its classification.
type ClassifiedSymbol struct {
	// Raw is the entry the classification was derived from.
	Raw *RawSymbol `json:"-"`
	// Dynamic is set for entries of the dynamic symbol table.
	Dynamic bool   `json:"dynamic"`
	Name    string `json:"name"`
	// Value and Size are zero for undefined symbols.
	Value uint64 `json:"value"`
	Size  uint64 `json:"size"`
	// Section is the defining section. Nil for undefined, absolute and common symbols.
	Section *Section `json:"-"`
	// Offset is the position of the symbol relative to the start of Section.
	Offset uint64 `json:"offset"`
	// Version and VersionHidden carry the GNU symbol version of dynamic entries.
	Version       string `json:"version,omitempty"`
	VersionHidden bool   `json:"versionHidden,omitempty"`

	Kind       Kind            `json:"kind"`
	Binding    Binding         `json:"binding"`
	Visibility Visibility      `json:"visibility"`
	Duration   StorageDuration `json:"duration"`
	Relocation RelocationClass `json:"relocation"`
	Definition DefinitionState `json:"definition"`
	Hint       SectionHint     `json:"hint"`

	// AliasOf is the definition a weak symbol shares its position with.
	AliasOf *ClassifiedSymbol `json:"-"`
	// Resolver is the function computing the address of an indirect function.
	Resolver *ClassifiedSymbol `json:"-"`
	// Target is the function the resolver returns, when it could be determined.
	Target *ClassifiedSymbol `json:"-"`

	Demangled demangle.Result `json:"demangled"`
	// Advisories are the recoverable errors recorded against this symbol.
	Advisories []error `json:"-"`

	placed bool
}

// SectionName returns the name of the defining section or an empty string.
func (s *ClassifiedSymbol) SectionName() string {
	if s.Section == nil {
		return ""
	}
	return s.Section.Name
}

// Resolved reports whether the target of an indirect function is known.
func (s *ClassifiedSymbol) Resolved() bool {
	return s.Target != nil
}

// Anonymous reports whether the symbol is left out of user facing listings:
// it has no name or only stands for a section or a source file.
func (s *ClassifiedSymbol) Anonymous() bool {
	return s.Name == "" || s.Kind == KindSection || s.Kind == KindFile
}

func (s *ClassifiedSymbol) String() string {
	if s.Section == nil {
		return s.Name
	}
	return fmt.Sprintf("%s (%s+0x%x)", s.Name, s.Section, s.Offset)
}

// Classifier derives the classification of every symbol of a binary. It holds
// no per binary state and can be used from multiple goroutines.
type Classifier struct {
	profile *Profile
	logger  zerolog.Logger
}

// NewClassifier returns a classifier for the given profile. A nil profile
// selects the built-in profile matching the OS ABI of each binary.
func NewClassifier(profile *Profile, logger zerolog.Logger) (*Classifier, error) {
	if profile != nil {
		if err := profile.Validate(); err != nil {
			return nil, err
		}
	}
	return &Classifier{profile: profile, logger: logger}, nil
}

var defaultClassifier = &Classifier{logger: zerolog.Nop()}

// Classify classifies the symbols of the ELF binary in data using the
// built-in profile of its OS ABI.
func Classify(data []byte) (*Report, error) {
	return defaultClassifier.Classify(data)
}

// Classify parses data and classifies every symbol. Fatal errors abort the
// pass and no report is returned.
func (c *Classifier) Classify(data []byte) (*Report, error) {
	f, err := NewFile(data)
	if err != nil {
		return nil, err
	}
	return c.ClassifyFile(f)
}

// ClassifyFile classifies every symbol of an already parsed file.
func (c *Classifier) ClassifyFile(f *File) (*Report, error) {
	tables, err := f.SymbolTables()
	if err != nil {
		return nil, err
	}
	relocs, err := f.Relocations(tables)
	if err != nil {
		return nil, err
	}

	profile := c.profile
	if profile == nil {
		profile = ProfileForABI(f.OSABI)
	}
	logger := c.logger.With().Str("machine", f.Machine.String()).Str("profile", profile.Name).Logger()

	report := &Report{
		Class:           f.Class,
		ByteOrder:       f.Data,
		Type:            f.Type,
		Machine:         f.Machine,
		OSABI:           f.OSABI,
		Profile:         profile.Name,
		TextRelocations: relocs.TextRelocations,
		TextRel:         relocs.TextRel,
		Advisories:      append([]error(nil), relocs.Advisories...),
	}
	report.BuildID, err = f.BuildID()
	if err != nil {
		report.Advisories = append(report.Advisories, err)
	}

	p := &pass{
		file:    f,
		profile: profile,
		relocs:  relocs,
		logger:  logger,
		bySym:   make(map[*RawSymbol]*ClassifiedSymbol),
	}

	perTable := make([][]*ClassifiedSymbol, len(tables))
	for i, tab := range tables {
		report.Advisories = append(report.Advisories, tab.Advisories...)
		syms := make([]*ClassifiedSymbol, 0, len(tab.Symbols))
		for _, raw := range tab.Symbols {
			s := p.classify(tab, raw)
			p.bySym[raw] = s
			syms = append(syms, s)
		}
		perTable[i] = syms
	}

	// Aliases and resolver targets may point at entries of any table, so they
	// are only looked up once every table has been classified.
	for _, syms := range perTable {
		idx := newAddrIndex(syms)
		for _, s := range syms {
			if s.Binding == BindWeak && s.Definition == Defined {
				s.AliasOf = idx.alias(s)
			}
			if s.Kind == KindIndirectFunction {
				p.resolveIndirect(s, idx)
			}
		}
		report.Symbols = append(report.Symbols, syms...)
	}

	for _, err := range report.Advisories {
		logger.Debug().Err(err).Msg("advisory")
	}
	for _, s := range report.Symbols {
		for _, err := range s.Advisories {
			logger.Debug().Str("symbol", s.Name).Str("section", s.SectionName()).Err(err).Msg("advisory")
		}
	}
	logger.Debug().
		Int("tables", len(tables)).
		Int("symbols", len(report.Symbols)).
		Int("relocations", relocs.Len()).
		Int("advisories", len(report.Advisories)).
		Msg("classified binary")
	return report, nil
}

// pass holds the state of the classification of one binary.
type pass struct {
	file    *File
	profile *Profile
	relocs  *RelocIndex
	logger  zerolog.Logger
	bySym   map[*RawSymbol]*ClassifiedSymbol
}

func (p *pass) classify(tab *SymbolTable, raw *RawSymbol) *ClassifiedSymbol {
	s := &ClassifiedSymbol{
		Raw:           raw,
		Dynamic:       tab.Dynamic(),
		Name:          raw.DisplayName(),
		Version:       raw.Version,
		VersionHidden: raw.VersionHidden,
	}

	// Definition state.
	switch {
	case raw.Undefined() && raw.Bind() == elf.STB_WEAK:
		s.Definition = WeakUndefined
	case raw.Undefined():
		s.Definition = Undefined
	default:
		s.Definition = Defined
		s.Value = raw.Value
		s.Size = raw.Size
		s.Section = raw.Section
	}

	s.Binding = p.binding(raw.Bind())
	s.Visibility = visibility(raw.Visibility())

	if s.Section != nil && s.Section.TLS() {
		s.Duration = ThreadLocal
	}

	s.Kind = p.kind(raw)

	if s.Section != nil {
		s.Offset, s.placed = p.offset(raw)
		s.Hint = p.profile.sectionHint(s.Section)
	}

	if s.placed && s.Size > 0 {
		for _, r := range p.relocs.RelocationsFor(s.Section, s.Offset, s.Offset+s.Size) {
			if !r.Known {
				s.Relocation = RelocUnknown
				s.Advisories = append(s.Advisories,
					fmt.Errorf("%w: %s at %s+0x%x", ErrUnknownRelocationType, r.TypeName, r.Target, r.Offset))
				continue
			}
			if s.Relocation == RelocDirect {
				s.Relocation = RelocRelocated
			}
		}
	}

	s.Demangled = demangle.Demangle(raw.Name)
	if s.Demangled.Status == demangle.Malformed {
		s.Advisories = append(s.Advisories, s.Demangled.Err)
	}
	return s
}

func (p *pass) binding(b elf.SymBind) Binding {
	switch {
	case b == elf.STB_LOCAL:
		return BindLocal
	case b == elf.STB_GLOBAL:
		return BindGlobal
	case b == elf.STB_WEAK:
		return BindWeak
	case p.profile.uniqueObject(b):
		// Unique objects are global definitions the dynamic linker deduplicates.
		return BindGlobal
	}
	return BindUnknown
}

func visibility(v elf.SymVis) Visibility {
	switch v {
	case elf.STV_INTERNAL:
		return VisInternal
	case elf.STV_HIDDEN:
		return VisHidden
	case elf.STV_PROTECTED:
		return VisProtected
	}
	return VisDefault
}

func (p *pass) kind(raw *RawSymbol) Kind {
	typ := raw.Type()
	switch {
	case raw.Undefined():
		return KindUndefined
	case p.profile.indirectFunction(typ):
		return KindIndirectFunction
	case p.profile.uniqueObject(raw.Bind()):
		return KindUniqueObject
	case typ == elf.STT_FILE:
		return KindFile
	case raw.Absolute():
		return KindAbsolute
	case raw.Common() || typ == elf.STT_COMMON:
		return KindCommon
	case typ == elf.STT_TLS || (typ == elf.STT_OBJECT && raw.Section != nil && raw.Section.TLS()):
		return KindTLSObject
	case typ == elf.STT_FUNC:
		return KindFunction
	case typ == elf.STT_OBJECT:
		return KindDataObject
	case typ == elf.STT_SECTION:
		return KindSection
	}
	return KindNoType
}

// offset returns the position of a defined symbol inside its section. In
// relocatable objects the value already is that position. Linked objects
// store addresses, except for thread local symbols whose value is relative
// to the start of the TLS template.
func (p *pass) offset(raw *RawSymbol) (uint64, bool) {
	sec := raw.Section
	if p.file.Relocatable() {
		return raw.Value, true
	}
	addr := raw.Value
	if raw.Type() == elf.STT_TLS {
		base, ok := p.file.tlsBase()
		if !ok {
			return 0, false
		}
		addr += base
	}
	if addr < sec.Addr {
		return 0, false
	}
	return addr - sec.Addr, true
}
