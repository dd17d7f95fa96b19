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

import "fmt"

// Kind is the storage kind of a symbol.
type Kind uint8

const (
	KindDataObject Kind = iota
	KindFunction
	KindTLSObject
	KindIndirectFunction
	KindUniqueObject
	KindAbsolute
	KindUndefined
	// KindCommon is a tentative definition not yet allocated to a section.
	KindCommon
	// KindSection is the anonymous symbol standing for a section.
	KindSection
	// KindFile names the source file of a translation unit.
	KindFile
	// KindNoType is a defined symbol without a type, typically from assembly.
	KindNoType
)

var kindNames = [...]string{
	KindDataObject:       "data-object",
	KindFunction:         "function",
	KindTLSObject:        "tls-object",
	KindIndirectFunction: "indirect-function",
	KindUniqueObject:     "unique-object",
	KindAbsolute:         "absolute",
	KindUndefined:        "undefined",
	KindCommon:           "common",
	KindSection:          "section",
	KindFile:             "file",
	KindNoType:           "notype",
}

func (k Kind) String() string { return enumName(kindNames[:], int(k)) }

// MarshalText implements encoding.TextMarshaler.
func (k Kind) MarshalText() ([]byte, error) { return []byte(k.String()), nil }

// Binding is the linkage of a symbol.
type Binding uint8

const (
	BindLocal Binding = iota
	BindGlobal
	BindWeak
	// BindUnknown is an OS or processor specific binding the profile does not model.
	BindUnknown
)

var bindingNames = [...]string{
	BindLocal:   "local",
	BindGlobal:  "global",
	BindWeak:    "weak",
	BindUnknown: "unknown",
}

func (b Binding) String() string { return enumName(bindingNames[:], int(b)) }

// MarshalText implements encoding.TextMarshaler.
func (b Binding) MarshalText() ([]byte, error) { return []byte(b.String()), nil }

// Visibility is the symbol visibility.
type Visibility uint8

const (
	VisDefault Visibility = iota
	VisInternal
	VisHidden
	VisProtected
)

var visibilityNames = [...]string{
	VisDefault:   "default",
	VisInternal:  "internal",
	VisHidden:    "hidden",
	VisProtected: "protected",
}

func (v Visibility) String() string { return enumName(visibilityNames[:], int(v)) }

// MarshalText implements encoding.TextMarshaler.
func (v Visibility) MarshalText() ([]byte, error) { return []byte(v.String()), nil }

// StorageDuration tells whether a symbol has one instance per program or one per thread.
type StorageDuration uint8

const (
	StaticDuration StorageDuration = iota
	ThreadLocal
)

var durationNames = [...]string{
	StaticDuration: "static-duration",
	ThreadLocal:    "thread-local",
}

func (d StorageDuration) String() string { return enumName(durationNames[:], int(d)) }

// MarshalText implements encoding.TextMarshaler.
func (d StorageDuration) MarshalText() ([]byte, error) { return []byte(d.String()), nil }

// RelocationClass tells whether the bytes of a symbol are patched by relocations.
type RelocationClass uint8

const (
	// RelocDirect means the value is fixed at link or load time without a fixup.
	RelocDirect RelocationClass = iota
	// RelocRelocated means at least one relocation patches the bytes of the symbol.
	RelocRelocated
	// RelocUnknown means a covering relocation has a type that is not modelled.
	RelocUnknown
)

var relocationClassNames = [...]string{
	RelocDirect:    "direct",
	RelocRelocated: "relocated",
	RelocUnknown:   "unknown",
}

func (r RelocationClass) String() string { return enumName(relocationClassNames[:], int(r)) }

// MarshalText implements encoding.TextMarshaler.
func (r RelocationClass) MarshalText() ([]byte, error) { return []byte(r.String()), nil }

// DefinitionState tells whether a symbol is defined in the binary.
type DefinitionState uint8

const (
	Defined DefinitionState = iota
	Undefined
	WeakUndefined
)

var definitionNames = [...]string{
	Defined:       "defined",
	Undefined:     "undefined",
	WeakUndefined: "weak-undefined",
}

func (d DefinitionState) String() string { return enumName(definitionNames[:], int(d)) }

// MarshalText implements encoding.TextMarshaler.
func (d DefinitionState) MarshalText() ([]byte, error) { return []byte(d.String()), nil }

// SectionHint is the placement hint derived from the defining section.
type SectionHint uint8

const (
	HintNone SectionHint = iota
	HintCold
	HintHot
)

var hintNames = [...]string{
	HintNone: "none",
	HintCold: "cold",
	HintHot:  "hot",
}

func (h SectionHint) String() string { return enumName(hintNames[:], int(h)) }

// MarshalText implements encoding.TextMarshaler.
func (h SectionHint) MarshalText() ([]byte, error) { return []byte(h.String()), nil }

func enumName(names []string, i int) string {
	if i >= 0 && i < len(names) && names[i] != "" {
		return names[i]
	}
	return fmt.Sprintf("%%!(%d)", i)
}
