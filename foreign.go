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
	"debug/pe"
	"fmt"

	"github.com/blacktop/go-macho"
)

var (
	peMagic     = []byte{0x4d, 0x5a}
	machoMagic1 = []byte{0xfe, 0xed, 0xfa, 0xce}
	machoMagic2 = []byte{0xfe, 0xed, 0xfa, 0xcf}
	machoMagic3 = []byte{0xce, 0xfa, 0xed, 0xfe}
	machoMagic4 = []byte{0xcf, 0xfa, 0xed, 0xfe}
	arMagic     = []byte("!<arch>\n")
)

// describeForeign names the container format of a buffer that is not ELF, so
// that a caller scanning a directory can tell a Mach-O object from garbage.
func describeForeign(data []byte) string {
	switch {
	case len(data) == 0:
		return "empty input"
	case bytes.HasPrefix(data, machoMagic1) || bytes.HasPrefix(data, machoMagic2) ||
		bytes.HasPrefix(data, machoMagic3) || bytes.HasPrefix(data, machoMagic4):
		f, err := macho.NewFile(bytes.NewReader(data))
		if err != nil {
			return "truncated Mach-O file"
		}
		return fmt.Sprintf("Mach-O %s for %s, not ELF", f.Type, f.CPU)
	case bytes.HasPrefix(data, arMagic):
		return "ar archive, members must be classified one at a time"
	case bytes.HasPrefix(data, peMagic):
		f, err := pe.NewFile(bytes.NewReader(data))
		if err != nil {
			return "truncated PE file"
		}
		return fmt.Sprintf("PE file for machine 0x%x, not ELF", f.Machine)
	}
	n := len(data)
	if n > len(elfMagic) {
		n = len(elfMagic)
	}
	return fmt.Sprintf("bad magic % x", data[:n])
}
