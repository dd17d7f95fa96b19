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

package demangle

import (
	"strings"
)

// Special tags the entities that are not plain functions or variables.
type Special uint8

const (
	NoSpecial Special = iota
	Constructor
	Destructor
	Operator
	Conversion
	VTable
	VTT
	ConstructionVTable
	TypeInfo
	TypeInfoName
	GuardVariable
	ReferenceTemporary
	TLSInit
	TLSWrapper
	Thunk
	VirtualThunk
	CovariantThunk
)

var specialNames = [...]string{
	NoSpecial:          "none",
	Constructor:        "constructor",
	Destructor:         "destructor",
	Operator:           "operator",
	Conversion:         "conversion",
	VTable:             "vtable",
	VTT:                "vtt",
	ConstructionVTable: "construction-vtable",
	TypeInfo:           "typeinfo",
	TypeInfoName:       "typeinfo-name",
	GuardVariable:      "guard-variable",
	ReferenceTemporary: "reference-temporary",
	TLSInit:            "tls-init",
	TLSWrapper:         "tls-wrapper",
	Thunk:              "thunk",
	VirtualThunk:       "virtual-thunk",
	CovariantThunk:     "covariant-thunk",
}

func (s Special) String() string {
	if int(s) < len(specialNames) {
		return specialNames[s]
	}
	return "unknown"
}

// MarshalText implements encoding.TextMarshaler.
func (s Special) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

var specialPrefixes = map[Special]string{
	VTable:             "vtable for ",
	VTT:                "VTT for ",
	ConstructionVTable: "construction vtable for ",
	TypeInfo:           "typeinfo for ",
	TypeInfoName:       "typeinfo name for ",
	GuardVariable:      "guard variable for ",
	TLSInit:            "TLS init function for ",
	TLSWrapper:         "TLS wrapper function for ",
	Thunk:              "non-virtual thunk to ",
	VirtualThunk:       "virtual thunk to ",
	CovariantThunk:     "covariant return thunk to ",
}

// Signature is the decoded form of a mangled name.
type Signature struct {
	// Mangled is the input name.
	Mangled string
	// Path holds the enclosing namespaces and classes, outermost first.
	Path []string
	// Name is the entity name. Constructors are named after their class,
	// destructors carry the tilde and operators the operator keyword.
	Name string
	// Special tags constructors, destructors, operators and the compiler
	// generated entities.
	Special Special
	// Variant is the constructor or destructor variant, such as C1 or D0, or
	// the sequence number of a reference temporary.
	Variant string
	// TemplateArgs are the template arguments of the entity itself.
	TemplateArgs []*Type
	// IsFunction is false for variables and for the tables of Special names.
	IsFunction bool
	// Params are the parameter types. A function taking no parameters has an
	// empty, non-nil list. A trailing ellipsis is reported through Variadic.
	Params   []*Type
	Variadic bool
	// Return is the return type, only encoded for function templates.
	Return *Type
	// Qualifiers and Ref qualify member functions.
	Qualifiers Qualifiers
	Ref        RefQualifier
	// Of is the type a vtable, VTT or typeinfo entity describes. For
	// construction vtables it is the complete class and In the base.
	Of *Type
	In *Type
	// Target is the entity a thunk, guard variable or TLS helper refers to.
	Target *Signature
	// Clones lists the compiler clone suffixes, such as .cold or .constprop.0.
	Clones []string
	// Version is the symbol version suffix starting at the first '@'.
	Version string
}

// QualifiedName returns the entity name with its scope and template arguments.
func (s *Signature) QualifiedName() string {
	var b strings.Builder
	for _, p := range s.Path {
		b.WriteString(p)
		b.WriteString("::")
	}
	b.WriteString(s.Name)
	if s.TemplateArgs != nil {
		if strings.HasSuffix(s.Name, "<") {
			b.WriteByte(' ')
		}
		writeArgs(&b, s.TemplateArgs)
	}
	return b.String()
}

// String renders the signature the way c++filt does.
func (s *Signature) String() string {
	var b strings.Builder
	switch s.Special {
	case VTable, VTT, TypeInfo, TypeInfoName:
		b.WriteString(specialPrefixes[s.Special])
		b.WriteString(s.Of.String())
	case ConstructionVTable:
		b.WriteString(specialPrefixes[s.Special])
		b.WriteString(s.Of.String())
		b.WriteString("-in-")
		b.WriteString(s.In.String())
	case ReferenceTemporary:
		b.WriteString("reference temporary #")
		b.WriteString(s.Variant)
		b.WriteString(" for ")
		b.WriteString(s.Target.String())
	case GuardVariable, TLSInit, TLSWrapper, Thunk, VirtualThunk, CovariantThunk:
		b.WriteString(specialPrefixes[s.Special])
		b.WriteString(s.Target.String())
	default:
		b.WriteString(s.entity())
	}
	for _, c := range s.Clones {
		b.WriteString(" [clone ")
		b.WriteString(c)
		b.WriteByte(']')
	}
	b.WriteString(s.Version)
	return b.String()
}

// entity renders the function or variable without clone and version suffixes.
func (s *Signature) entity() string {
	var b strings.Builder
	if s.Return != nil {
		b.WriteString(s.Return.String())
		b.WriteByte(' ')
	}
	b.WriteString(s.QualifiedName())
	if s.IsFunction {
		writeParams(&b, s.Params, s.Variadic)
		writeQualifiers(&b, s.Qualifiers, s.Ref)
	}
	return b.String()
}

// Equal reports whether two signatures denote the same entity. Qualifiers
// are significant; the constructor or destructor variant, the clone
// suffixes and the mangled spelling are not.
func (s *Signature) Equal(o *Signature) bool {
	if s == nil || o == nil {
		return s == o
	}
	if s.Name != o.Name || s.Special != o.Special || s.IsFunction != o.IsFunction ||
		s.Variadic != o.Variadic || s.Qualifiers != o.Qualifiers || s.Ref != o.Ref ||
		s.Version != o.Version {
		return false
	}
	if len(s.Path) != len(o.Path) {
		return false
	}
	for i := range s.Path {
		if s.Path[i] != o.Path[i] {
			return false
		}
	}
	if (s.TemplateArgs == nil) != (o.TemplateArgs == nil) || (s.Params == nil) != (o.Params == nil) {
		return false
	}
	return typesEqual(s.TemplateArgs, o.TemplateArgs) && typesEqual(s.Params, o.Params) &&
		s.Return.Equal(o.Return) && s.Of.Equal(o.Of) && s.In.Equal(o.In) && s.Target.Equal(o.Target)
}

func writeParams(b *strings.Builder, params []*Type, variadic bool) {
	b.WriteByte('(')
	for i, t := range params {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(t.String())
	}
	if variadic {
		if len(params) > 0 {
			b.WriteString(", ")
		}
		b.WriteString("...")
	}
	b.WriteByte(')')
}

func writeQualifiers(b *strings.Builder, q Qualifiers, ref RefQualifier) {
	if q != 0 {
		b.WriteByte(' ')
		b.WriteString(q.String())
	}
	if ref != NoRef {
		b.WriteByte(' ')
		b.WriteString(ref.String())
	}
}

func writeArgs(b *strings.Builder, args []*Type) {
	b.WriteByte('<')
	n := b.Len()
	for i, a := range args {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(a.String())
	}
	// Keep two closing brackets apart so the result stays valid C++03.
	if b.Len() > n && strings.HasSuffix(b.String(), ">") {
		b.WriteByte(' ')
	}
	b.WriteByte('>')
}
