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

// addrKey is a position inside a section.
type addrKey struct {
	section int
	offset  uint64
}

// addrIndex maps positions to the symbols defined there, in table order.
// It is built once per symbol table and serves weak alias and resolver
// target lookups.
type addrIndex map[addrKey][]*ClassifiedSymbol

func newAddrIndex(syms []*ClassifiedSymbol) addrIndex {
	x := make(addrIndex)
	for _, s := range syms {
		if !s.placed || s.Definition != Defined {
			continue
		}
		// Section and file symbols name no storage of their own.
		if s.Kind == KindSection || s.Kind == KindFile {
			continue
		}
		k := addrKey{s.Section.Index, s.Offset}
		x[k] = append(x[k], s)
	}
	return x
}

func (x addrIndex) at(sec *Section, off uint64) []*ClassifiedSymbol {
	if sec == nil {
		return nil
	}
	return x[addrKey{sec.Index, off}]
}

// function returns the function defined at the position. Global definitions
// win over weak ones and weak ones over locals; ties go to the earliest entry.
func (x addrIndex) function(sec *Section, off uint64) *ClassifiedSymbol {
	var best *ClassifiedSymbol
	for _, s := range x.at(sec, off) {
		if s.Kind != KindFunction {
			continue
		}
		if best == nil || bindingRank(s.Binding) < bindingRank(best.Binding) {
			best = s
		}
	}
	return best
}

// alias returns the symbol a weak definition aliases. Non weak definitions
// are preferred. Among weak ones only earlier entries qualify, so two weak
// symbols never alias each other.
func (x addrIndex) alias(s *ClassifiedSymbol) *ClassifiedSymbol {
	if s.Binding != BindWeak || !s.placed {
		return nil
	}
	var weak *ClassifiedSymbol
	for _, o := range x.at(s.Section, s.Offset) {
		if o == s {
			continue
		}
		if o.Binding != BindWeak {
			return o
		}
		if weak == nil && o.Raw.Index < s.Raw.Index {
			weak = o
		}
	}
	return weak
}

func bindingRank(b Binding) int {
	switch b {
	case BindGlobal:
		return 0
	case BindWeak:
		return 1
	case BindLocal:
		return 2
	}
	return 3
}
