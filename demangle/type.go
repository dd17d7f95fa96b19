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

// TypeKind identifies the shape of a Type.
type TypeKind uint8

const (
	// Builtin is a fundamental or vendor extended type. Name holds its spelling.
	Builtin TypeKind = iota
	// Named is a class, enum or typedef name. Path holds its components.
	Named
	// Pointer points to Elem.
	Pointer
	// LValueRef and RValueRef refer to Elem.
	LValueRef
	RValueRef
	// Array is an array of Elem with the bound Dim. Dim is empty when unknown.
	Array
	// Function is a function type with Return, Params and Variadic.
	Function
	// MemberPointer points to a member of type Elem in Class.
	MemberPointer
	// TemplateParam is a template parameter that could not be bound to an argument.
	TemplateParam
	// Literal is a template argument value of type Elem. Name holds the value.
	Literal
	// PackExpansion expands the pattern Elem.
	PackExpansion
	// ArgumentPack groups the template arguments Args. An expanded pack
	// expansion is an argument pack of the instances of its pattern.
	ArgumentPack
	// Vector is a vendor vector of Dim elements of Elem.
	Vector
)

var typeKindNames = [...]string{
	Builtin:       "builtin",
	Named:         "named",
	Pointer:       "pointer",
	LValueRef:     "lvalue-reference",
	RValueRef:     "rvalue-reference",
	Array:         "array",
	Function:      "function",
	MemberPointer: "member-pointer",
	TemplateParam: "template-parameter",
	Literal:       "literal",
	PackExpansion: "pack-expansion",
	ArgumentPack:  "argument-pack",
	Vector:        "vector",
}

func (k TypeKind) String() string {
	if int(k) < len(typeKindNames) {
		return typeKindNames[k]
	}
	return "unknown"
}

// Qualifiers is a set of cv-qualifiers.
type Qualifiers uint8

const (
	Const Qualifiers = 1 << iota
	Volatile
	Restrict
)

func (q Qualifiers) String() string {
	var parts []string
	if q&Const != 0 {
		parts = append(parts, "const")
	}
	if q&Volatile != 0 {
		parts = append(parts, "volatile")
	}
	if q&Restrict != 0 {
		parts = append(parts, "restrict")
	}
	return strings.Join(parts, " ")
}

// RefQualifier is the reference qualifier of a member function.
type RefQualifier uint8

const (
	NoRef RefQualifier = iota
	LValue
	RValue
)

func (r RefQualifier) String() string {
	switch r {
	case LValue:
		return "&"
	case RValue:
		return "&&"
	}
	return ""
}

// Component is one element of a qualified name.
type Component struct {
	Name string
	// Tags are the ABI tags attached to the name, such as cxx11.
	Tags []string
	// Args are the template arguments. Nil when the component is not a
	// template instance; an empty list renders as <>.
	Args []*Type

	special Special
	variant string
}

func (c *Component) String() string {
	var b strings.Builder
	c.write(&b)
	return b.String()
}

func (c *Component) write(b *strings.Builder) {
	b.WriteString(c.Name)
	for _, t := range c.Tags {
		b.WriteString("[abi:")
		b.WriteString(t)
		b.WriteByte(']')
	}
	if c.Args != nil {
		if strings.HasSuffix(c.Name, "<") {
			b.WriteByte(' ')
		}
		writeArgs(b, c.Args)
	}
}

func (c *Component) equal(o *Component) bool {
	if c.Name != o.Name || len(c.Tags) != len(o.Tags) || (c.Args == nil) != (o.Args == nil) {
		return false
	}
	for i := range c.Tags {
		if c.Tags[i] != o.Tags[i] {
			return false
		}
	}
	return typesEqual(c.Args, o.Args)
}

// Type is a node of a demangled type tree. Nodes may be shared between trees
// through substitutions and must not be modified.
type Type struct {
	Kind TypeKind
	// Quals are the cv-qualifiers applied to this node.
	Quals Qualifiers
	// Name is the spelling of a builtin, the value of a literal or the
	// placeholder of an unbound template parameter.
	Name string
	// Path holds the components of a named type, outermost first.
	Path []*Component
	// Elem is the pointee, referent, element, member type, pattern or literal type.
	Elem *Type
	// Class is the class of a member pointer.
	Class *Type
	// Dim is the bound of an array or the size of a vector.
	Dim string
	// Return, Params, Variadic, FuncQuals, Ref and Noexcept describe function types.
	Return    *Type
	Params    []*Type
	Variadic  bool
	FuncQuals Qualifiers
	Ref       RefQualifier
	Noexcept  bool
	// Args are the members of an argument pack.
	Args []*Type

	weight int
}

// String renders the type the way c++filt does.
func (t *Type) String() string {
	if t == nil {
		return ""
	}
	return t.render("")
}

// render returns the declaration of inner with type t, following the C
// declarator syntax: pointers bind to the left of inner, arrays and
// parameter lists to the right.
func (t *Type) render(inner string) string {
	switch t.Kind {
	case Pointer, LValueRef, RValueRef:
		op := "*"
		if t.Kind == LValueRef {
			op = "&"
		} else if t.Kind == RValueRef {
			op = "&&"
		}
		if t.Quals != 0 {
			op += " " + t.Quals.String()
		}
		if strings.HasPrefix(inner, "[") {
			op += " "
		}
		return t.Elem.render(wrap(t.Elem, op+inner))
	case MemberPointer:
		op := t.Class.String() + "::*"
		if t.Quals != 0 {
			op += " " + t.Quals.String()
		}
		return t.Elem.render(wrap(t.Elem, op+inner))
	case Array:
		dim := "[" + t.Dim + "]"
		switch {
		case inner == "":
			inner = dim
		case strings.HasPrefix(inner, "[") || strings.HasSuffix(inner, "]"):
			inner += dim
		default:
			inner += " " + dim
		}
		return t.Elem.render(inner)
	case Function:
		var b strings.Builder
		b.WriteString(inner)
		writeParams(&b, t.Params, t.Variadic)
		writeQualifiers(&b, t.FuncQuals, t.Ref)
		if t.Noexcept {
			b.WriteString(" noexcept")
		}
		return t.Return.render(b.String())
	}
	base := t.base()
	if t.Quals != 0 {
		base += " " + t.Quals.String()
	}
	switch {
	case inner == "":
		return base
	case inner[0] == '*' || inner[0] == '&':
		return base + inner
	}
	return base + " " + inner
}

func wrap(elem *Type, s string) string {
	if elem.Kind == Function || elem.Kind == Array {
		return "(" + s + ")"
	}
	return s
}

// base renders the leaf kinds.
func (t *Type) base() string {
	switch t.Kind {
	case Named:
		var b strings.Builder
		for i, c := range t.Path {
			if i > 0 {
				b.WriteString("::")
			}
			c.write(&b)
		}
		return b.String()
	case Literal:
		return t.literal()
	case PackExpansion:
		return t.Elem.String() + "..."
	case ArgumentPack:
		parts := make([]string, len(t.Args))
		for i, a := range t.Args {
			parts[i] = a.String()
		}
		return strings.Join(parts, ", ")
	case Vector:
		return t.Elem.String() + " __vector(" + t.Dim + ")"
	}
	return t.Name
}

// literalSuffix holds the integer literal suffixes c++filt prints.
var literalSuffix = map[string]string{
	"int":                "",
	"unsigned int":       "u",
	"long":               "l",
	"unsigned long":      "ul",
	"long long":          "ll",
	"unsigned long long": "ull",
}

func (t *Type) literal() string {
	if t.Elem == nil {
		return t.Name
	}
	name := t.Elem.String()
	value := t.Name
	if strings.HasPrefix(value, "n") {
		value = "-" + value[1:]
	}
	switch name {
	case "bool":
		switch value {
		case "0":
			return "false"
		case "1":
			return "true"
		}
	case "decltype(nullptr)":
		if value == "" || value == "0" {
			return "nullptr"
		}
	}
	if suffix, ok := literalSuffix[name]; ok && t.Elem.Kind == Builtin {
		return value + suffix
	}
	return "(" + name + ")" + value
}

// Equal reports whether two types are structurally identical, qualifiers included.
func (t *Type) Equal(o *Type) bool {
	if t == nil || o == nil {
		return t == o
	}
	if t == o {
		return true
	}
	if t.Kind != o.Kind || t.Quals != o.Quals || t.Name != o.Name || t.Dim != o.Dim ||
		t.Variadic != o.Variadic || t.FuncQuals != o.FuncQuals || t.Ref != o.Ref ||
		t.Noexcept != o.Noexcept || len(t.Path) != len(o.Path) {
		return false
	}
	for i := range t.Path {
		if !t.Path[i].equal(o.Path[i]) {
			return false
		}
	}
	return t.Elem.Equal(o.Elem) && t.Class.Equal(o.Class) && t.Return.Equal(o.Return) &&
		typesEqual(t.Params, o.Params) && typesEqual(t.Args, o.Args)
}

func typesEqual(a, b []*Type) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if !a[i].Equal(b[i]) {
			return false
		}
	}
	return true
}

// isVoid reports whether t is the unqualified void type.
func (t *Type) isVoid() bool {
	return t.Kind == Builtin && t.Name == "void" && t.Quals == 0
}
