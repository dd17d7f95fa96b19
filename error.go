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
	"errors"

	"github.com/symclass/symclass/demangle"
)

// Fatal errors. Any of these aborts the classification of the binary and no
// partial report is returned.
var (
	// ErrMalformedContainer is returned when the input is not an ELF container or
	// when its headers are structurally inconsistent.
	ErrMalformedContainer = errors.New("malformed container")
	// ErrUnsupportedClass is returned for a word size, byte order, version or
	// machine the classifier does not support.
	ErrUnsupportedClass = errors.New("unsupported class")
	// ErrTruncatedInput is returned when a header declares an offset or a length
	// beyond the end of the buffer.
	ErrTruncatedInput = errors.New("truncated input")
	// ErrMissingStringTable is returned if a symbol table has no companion string table.
	ErrMissingStringTable = errors.New("missing string table")
	// ErrInvalidNameOffset is returned if a symbol name offset is outside of its string table.
	ErrInvalidNameOffset = errors.New("invalid name offset")
)

// ErrInvalidProfile is returned when a target profile cannot be loaded or fails validation.
var ErrInvalidProfile = errors.New("invalid profile")

// Advisory errors. These are attached to the affected symbol or relocation and
// the pass continues.
var (
	// ErrUnknownRelocationType is recorded for relocation types that are not modelled
	// for the machine of the binary.
	ErrUnknownRelocationType = errors.New("unknown relocation type")
	// ErrMalformedMangledName is recorded when a name carries the mangling prefix but
	// cannot be parsed.
	ErrMalformedMangledName = demangle.ErrMalformed
	// ErrUnknownNMCode is returned when no nm(1) letter describes a symbol.
	ErrUnknownNMCode = errors.New("unknown nm code")
	// ErrMalformedVersionInfo is recorded when the GNU symbol version sections
	// cannot be decoded. The symbols of the table are left unversioned.
	ErrMalformedVersionInfo = errors.New("malformed version information")
)

var fatalErrors = []error{
	ErrMalformedContainer,
	ErrUnsupportedClass,
	ErrTruncatedInput,
	ErrMissingStringTable,
	ErrInvalidNameOffset,
}

// IsFatal reports whether err aborts the classification of a binary, as opposed
// to an advisory recorded against a single symbol.
func IsFatal(err error) bool {
	for _, e := range fatalErrors {
		if errors.Is(err, e) {
			return true
		}
	}
	return false
}
