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
	"errors"
	"fmt"
	"io"
	"strings"

	"gopkg.in/yaml.v3"
)

// Profile describes the platform conventions that are not part of the generic
// ELF format: the OS specific encodings of indirect functions and unique
// objects and the section names used for hot and cold code.
//
// A profile can be written in YAML:
//
//	name: gnu
//	indirect_function_type: 10
//	unique_object_binding: 10
//	hot_sections: [.text.hot]
//	cold_sections: [.text.unlikely]
type Profile struct {
	// Name identifies the profile in reports.
	Name string `yaml:"name" json:"name"`
	// IndirectFunctionType is the symbol type value of indirect functions. Nil
	// when the platform has no indirect functions.
	IndirectFunctionType *uint8 `yaml:"indirect_function_type,omitempty" json:"indirectFunctionType,omitempty"`
	// UniqueObjectBinding is the symbol binding value of unique objects. GNU
	// toolchains keep STT_OBJECT as type and mark uniqueness in the binding.
	UniqueObjectBinding *uint8 `yaml:"unique_object_binding,omitempty" json:"uniqueObjectBinding,omitempty"`
	// HotSections are the names of sections holding hot code. A section matches
	// a name exactly or as a dotted prefix, as produced by -ffunction-sections.
	HotSections []string `yaml:"hot_sections,omitempty" json:"hotSections,omitempty"`
	// ColdSections are the names of sections holding cold code.
	ColdSections []string `yaml:"cold_sections,omitempty" json:"coldSections,omitempty"`
}

func marker(v uint8) *uint8 {
	return &v
}

// GNUProfile returns the profile of GNU toolchains on GNU/Linux.
func GNUProfile() *Profile {
	return &Profile{
		Name:                 "gnu",
		IndirectFunctionType: marker(10),
		UniqueObjectBinding:  marker(10),
		HotSections:          []string{".text.hot"},
		ColdSections:         []string{".text.unlikely"},
	}
}

// FreeBSDProfile returns the profile of FreeBSD, which has indirect functions
// but no unique objects.
func FreeBSDProfile() *Profile {
	return &Profile{
		Name:                 "freebsd",
		IndirectFunctionType: marker(10),
		HotSections:          []string{".text.hot"},
		ColdSections:         []string{".text.unlikely"},
	}
}

// GenericProfile returns a profile that only recognizes the generic ELF encodings.
func GenericProfile() *Profile {
	return &Profile{Name: "generic"}
}

var abiProfiles = map[elf.OSABI]func() *Profile{
	elf.ELFOSABI_NONE:    GNUProfile,
	elf.ELFOSABI_LINUX:   GNUProfile,
	elf.ELFOSABI_FREEBSD: FreeBSDProfile,
}

// ProfileForABI returns the built-in profile for the OS ABI of a file. Unknown
// ABIs get the generic profile.
func ProfileForABI(abi elf.OSABI) *Profile {
	if p, ok := abiProfiles[abi]; ok {
		return p()
	}
	return GenericProfile()
}

// ParseProfile decodes a YAML profile and validates it. Unknown fields are rejected.
func ParseProfile(data []byte) (*Profile, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	p := new(Profile)
	if err := dec.Decode(p); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("%w: empty document", ErrInvalidProfile)
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidProfile, err)
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}

// LoadProfile reads a YAML profile from r.
func LoadProfile(r io.Reader) (*Profile, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("error when reading the profile: %w", err)
	}
	return ParseProfile(data)
}

// Marshal encodes the profile as YAML.
func (p *Profile) Marshal() ([]byte, error) {
	return yaml.Marshal(p)
}

// Validate checks that the markers lie in the OS specific range of the ELF
// format and that the section name lists are usable.
func (p *Profile) Validate() error {
	if p.IndirectFunctionType != nil {
		t := elf.SymType(*p.IndirectFunctionType)
		if t < elf.STT_LOOS || t > elf.STT_HIOS {
			return fmt.Errorf("%w: indirect function type %d outside of the OS specific range", ErrInvalidProfile, t)
		}
	}
	if p.UniqueObjectBinding != nil {
		b := elf.SymBind(*p.UniqueObjectBinding)
		if b < elf.STB_LOOS || b > elf.STB_HIOS {
			return fmt.Errorf("%w: unique object binding %d outside of the OS specific range", ErrInvalidProfile, b)
		}
	}
	hot := make(map[string]bool, len(p.HotSections))
	for _, n := range p.HotSections {
		if strings.TrimSpace(n) == "" {
			return fmt.Errorf("%w: empty hot section name", ErrInvalidProfile)
		}
		hot[n] = true
	}
	for _, n := range p.ColdSections {
		if strings.TrimSpace(n) == "" {
			return fmt.Errorf("%w: empty cold section name", ErrInvalidProfile)
		}
		if hot[n] {
			return fmt.Errorf("%w: section %s is listed as both hot and cold", ErrInvalidProfile, n)
		}
	}
	return nil
}

func (p *Profile) indirectFunction(t elf.SymType) bool {
	return p.IndirectFunctionType != nil && elf.SymType(*p.IndirectFunctionType) == t
}

func (p *Profile) uniqueObject(b elf.SymBind) bool {
	return p.UniqueObjectBinding != nil && elf.SymBind(*p.UniqueObjectBinding) == b
}

func (p *Profile) sectionHint(s *Section) SectionHint {
	if s == nil {
		return HintNone
	}
	switch {
	case matchSection(s.Name, p.HotSections):
		return HintHot
	case matchSection(s.Name, p.ColdSections):
		return HintCold
	}
	return HintNone
}

func matchSection(name string, patterns []string) bool {
	for _, p := range patterns {
		if name == p || strings.HasPrefix(name, p+".") {
			return true
		}
	}
	return false
}
