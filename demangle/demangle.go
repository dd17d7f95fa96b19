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

// Package demangle decodes symbol names mangled with the Itanium C++ ABI into
// structured signatures.
//
// The parser is a recursive descent over the byte offsets of the name. It is
// bounded in depth and in the size of the expanded result, and reports every
// grammar violation as ErrMalformed instead of panicking.
package demangle

import (
	"errors"
	"strings"
)

// Prefix is the prefix of every name mangled with the Itanium C++ ABI.
const Prefix = "_Z"

var (
	// ErrNotMangled is returned by Parse for names without the mangling prefix.
	ErrNotMangled = errors.New("not a mangled name")
	// ErrMalformed is returned when a name has the mangling prefix but does not
	// follow the grammar.
	ErrMalformed = errors.New("malformed mangled name")
)

// Status is the outcome of demangling one name.
type Status uint8

const (
	// NotMangled means the name does not carry the mangling prefix. It is
	// returned unchanged.
	NotMangled Status = iota
	// Demangled means the name was parsed into a Signature.
	Demangled
	// Malformed means the name carries the prefix but could not be parsed.
	Malformed
)

var statusNames = [...]string{
	NotMangled: "not-mangled",
	Demangled:  "demangled",
	Malformed:  "malformed",
}

func (s Status) String() string {
	if int(s) < len(statusNames) {
		return statusNames[s]
	}
	return "unknown"
}

// MarshalText implements encoding.TextMarshaler.
func (s Status) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// Result is the demangling outcome of one symbol name.
type Result struct {
	Status Status `json:"status"`
	// Name is the human readable name: the rendered signature when the name
	// was demangled, the input otherwise.
	Name string `json:"name"`
	// Signature is set when Status is Demangled.
	Signature *Signature `json:"-"`
	// Err is set when Status is Malformed. It wraps ErrMalformed.
	Err error `json:"-"`
}

// IsMangled reports whether name carries the mangling prefix.
func IsMangled(name string) bool {
	return strings.HasPrefix(name, Prefix)
}

// Demangle classifies and decodes name. It never fails: malformed names are
// reported through the Status and Err fields of the result.
func Demangle(name string) Result {
	if !IsMangled(name) {
		return Result{Status: NotMangled, Name: name}
	}
	sig, err := Parse(name)
	if err != nil {
		return Result{Status: Malformed, Name: name, Err: err}
	}
	return Result{Status: Demangled, Name: sig.String(), Signature: sig}
}

// Parse decodes a mangled name. It returns ErrNotMangled when the prefix is
// missing and an error wrapping ErrMalformed when the grammar is violated.
func Parse(name string) (*Signature, error) {
	if !IsMangled(name) {
		return nil, ErrNotMangled
	}
	p := &parser{s: name, pos: len(Prefix)}
	sig, err := p.encoding()
	if err != nil {
		return nil, err
	}
	for p.peek() == '.' {
		clone, err := p.cloneSuffix()
		if err != nil {
			return nil, err
		}
		sig.Clones = append(sig.Clones, clone)
	}
	if p.peek() == '@' {
		sig.Version = p.s[p.pos:]
		p.pos = len(p.s)
	}
	if !p.eof() {
		return nil, p.fail("unexpected trailing characters %q", p.s[p.pos:])
	}
	sig.Mangled = name
	return sig, nil
}
