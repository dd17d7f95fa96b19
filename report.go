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
	"regexp"
	"sort"
)

// Report is the classification of one binary.
type Report struct {
	Class     elf.Class   `json:"class"`
	ByteOrder elf.Data    `json:"byteOrder"`
	Type      elf.Type    `json:"type"`
	Machine   elf.Machine `json:"machine"`
	OSABI     elf.OSABI   `json:"osabi"`
	// BuildID is the hex encoded GNU build ID, empty if the binary has none.
	BuildID string `json:"buildID,omitempty"`
	// Profile is the name of the profile used for the platform markers.
	Profile string `json:"profile"`
	// Symbols holds the static table entries followed by the dynamic ones,
	// each in table order.
	Symbols []*ClassifiedSymbol `json:"symbols"`
	// TextRelocations are the relocations patching executable, read-only sections.
	TextRelocations []*Relocation `json:"textRelocations,omitempty"`
	// TextRel is set when the dynamic section requests text relocations.
	TextRel bool `json:"textRel"`
	// Advisories are the recoverable errors that are not tied to a symbol.
	Advisories []error `json:"-"`
}

// Lookup returns every entry with the given name.
func (r *Report) Lookup(name string) []*ClassifiedSymbol {
	var out []*ClassifiedSymbol
	for _, s := range r.Symbols {
		if s.Name == name {
			out = append(out, s)
		}
	}
	return out
}

// LookupVersion returns the entries with the given name and GNU symbol
// version. An empty version matches unversioned entries.
func (r *Report) LookupVersion(name, version string) []*ClassifiedSymbol {
	var out []*ClassifiedSymbol
	for _, s := range r.Symbols {
		if s.Name == name && s.Version == version {
			out = append(out, s)
		}
	}
	return out
}

// UserSymbols returns the entries that are shown to users: named symbols
// other than section and file symbols.
func (r *Report) UserSymbols() []*ClassifiedSymbol {
	var out []*ClassifiedSymbol
	for _, s := range r.Symbols {
		if !s.Anonymous() {
			out = append(out, s)
		}
	}
	return out
}

// SymbolAdvisories returns the number of entries with at least one advisory.
func (r *Report) SymbolAdvisories() int {
	n := 0
	for _, s := range r.Symbols {
		if len(s.Advisories) > 0 {
			n++
		}
	}
	return n
}

// Exported returns the non local definitions of the static symbol table with
// default or protected visibility. They are candidates for internal linkage
// when nothing else refers to them. With hiddenOnly set, the hidden
// definitions are returned instead.
func (r *Report) Exported(hiddenOnly bool) []*ClassifiedSymbol {
	var out []*ClassifiedSymbol
	for _, s := range r.Symbols {
		if s.Dynamic || s.Anonymous() || s.Definition != Defined || s.Binding == BindLocal {
			continue
		}
		if s.Section == nil && !s.Raw.Common() {
			continue
		}
		switch s.Visibility {
		case VisDefault, VisProtected:
			if hiddenOnly {
				continue
			}
		case VisHidden:
			if !hiddenOnly {
				continue
			}
		default:
			continue
		}
		out = append(out, s)
	}
	return out
}

// Collisions returns the groups of distinct mangled names that demangle to
// the same signature. Each group lists one entry per mangled name and symbol
// version; entries of different versions never collide.
func (r *Report) Collisions() [][]*ClassifiedSymbol {
	byText := make(map[string][]*ClassifiedSymbol)
	var keys []string
	seen := make(map[string]bool)
	for _, s := range r.Symbols {
		sig := s.Demangled.Signature
		if sig == nil {
			continue
		}
		id := sig.Mangled + "@" + s.Version
		if seen[id] {
			continue
		}
		seen[id] = true
		key := sig.String() + "@" + s.Version
		if _, ok := byText[key]; !ok {
			keys = append(keys, key)
		}
		byText[key] = append(byText[key], s)
	}

	var out [][]*ClassifiedSymbol
	for _, key := range keys {
		syms := byText[key]
		for len(syms) > 1 {
			group := []*ClassifiedSymbol{syms[0]}
			var rest []*ClassifiedSymbol
			for _, s := range syms[1:] {
				if s.Demangled.Signature.Equal(group[0].Demangled.Signature) {
					group = append(group, s)
				} else {
					rest = append(rest, s)
				}
			}
			if len(group) > 1 {
				out = append(out, group)
			}
			syms = rest
		}
	}
	return out
}

// CopyOnWrite groups the writable variables of the static symbol table the
// way they end up in memory pages that are copied on first write.
type CopyOnWrite struct {
	// Data holds initialised variables.
	Data     []*ClassifiedSymbol
	DataSize uint64
	// BSS holds zero initialised variables.
	BSS     []*ClassifiedSymbol
	BSSSize uint64
	// Relocated holds variables that are written by the dynamic linker.
	Relocated     []*ClassifiedSymbol
	RelocatedSize uint64
}

// Total returns the number of bytes in all groups.
func (c *CopyOnWrite) Total() uint64 {
	return c.DataSize + c.BSSSize + c.RelocatedSize
}

var (
	relSectionRe  = regexp.MustCompile(`^\.data\.rel(\.ro)?(\.local)?(\..*)?`)
	dataSectionRe = regexp.MustCompile(`^\.data(\.local)?(\..*)?`)
	bssSectionRe  = regexp.MustCompile(`^\.bss(\..*)?`)
	cxxTableRe    = regexp.MustCompile(`^_ZT[VI](N[0-9]+[A-Z_].*)*[0-9]+[A-Z_].*`)
)

// CopyOnWrite returns the copy-on-write statistics of the binary. Virtual
// tables and type information can be left out with ignoreCXX, since they
// are only written by the dynamic linker.
func (r *Report) CopyOnWrite(ignoreCXX bool) *CopyOnWrite {
	c := &CopyOnWrite{}
	for _, s := range r.Symbols {
		if s.Dynamic || s.Section == nil || s.Raw.Name == "" {
			continue
		}
		if ignoreCXX && cxxTableRe.MatchString(s.Raw.Name) {
			continue
		}
		switch name := s.Section.Name; {
		case relSectionRe.MatchString(name):
			c.Relocated = append(c.Relocated, s)
			c.RelocatedSize += s.Size
		case dataSectionRe.MatchString(name):
			c.Data = append(c.Data, s)
			c.DataSize += s.Size
		case bssSectionRe.MatchString(name):
			c.BSS = append(c.BSS, s)
			c.BSSSize += s.Size
		}
	}
	return c
}

// Kinds counts the entries per kind.
func (r *Report) Kinds() map[Kind]int {
	out := make(map[Kind]int)
	for _, s := range r.Symbols {
		out[s.Kind]++
	}
	return out
}

// IndirectFunctions returns the indirect functions ordered by name.
func (r *Report) IndirectFunctions() []*ClassifiedSymbol {
	var out []*ClassifiedSymbol
	for _, s := range r.Symbols {
		if s.Kind == KindIndirectFunction {
			out = append(out, s)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
