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
	"strings"
)

// NMCode returns the letter nm(1) prints for the symbol. Lowercase letters
// mark local symbols.
func (s *ClassifiedSymbol) NMCode() (string, error) {
	object := s.Kind == KindDataObject || s.Kind == KindTLSObject || s.Kind == KindUniqueObject

	switch s.Definition {
	case WeakUndefined:
		if s.Raw.Type() == elf.STT_OBJECT {
			return "v", nil
		}
		return "w", nil
	case Undefined:
		return "U", nil
	}

	switch s.Kind {
	case KindIndirectFunction:
		return "i", nil
	case KindUniqueObject:
		return "u", nil
	}

	if s.Binding == BindWeak {
		if object {
			return "V", nil
		}
		return "W", nil
	}

	var code string
	switch {
	case s.Raw.Absolute():
		code = "A"
	case s.Raw.Common():
		code = "C"
	case s.Section != nil:
		code = sectionCode(s.Section)
	default:
		return "", fmt.Errorf("%w: %s has section index %d", ErrUnknownNMCode, s.Name, s.Raw.SectionIndex)
	}
	if s.Binding == BindLocal {
		code = strings.ToLower(code)
	}
	return code, nil
}

func sectionCode(sec *Section) string {
	switch {
	case sec.Executable():
		return "T"
	case sec.Writable() && sec.Type == elf.SHT_NOBITS:
		return "B"
	case sec.Writable():
		return "D"
	case sec.Alloc():
		return "R"
	}
	return "N"
}
