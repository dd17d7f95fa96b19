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

// operators maps the two letter operator codes to their spelling.
var operators = map[string]string{
	"nw": "new",
	"na": "new[]",
	"dl": "delete",
	"da": "delete[]",
	"aw": "co_await",
	"ps": "+",
	"ng": "-",
	"ad": "&",
	"de": "*",
	"co": "~",
	"pl": "+",
	"mi": "-",
	"ml": "*",
	"dv": "/",
	"rm": "%",
	"an": "&",
	"or": "|",
	"eo": "^",
	"aS": "=",
	"pL": "+=",
	"mI": "-=",
	"mL": "*=",
	"dV": "/=",
	"rM": "%=",
	"aN": "&=",
	"oR": "|=",
	"eO": "^=",
	"ls": "<<",
	"rs": ">>",
	"lS": "<<=",
	"rS": ">>=",
	"eq": "==",
	"ne": "!=",
	"lt": "<",
	"gt": ">",
	"le": "<=",
	"ge": ">=",
	"ss": "<=>",
	"nt": "!",
	"aa": "&&",
	"oo": "||",
	"pp": "++",
	"mm": "--",
	"cm": ",",
	"pm": "->*",
	"pt": "->",
	"cl": "()",
	"ix": "[]",
	"qu": "?",
	"st": "sizeof",
	"sz": "sizeof",
	"at": "alignof",
	"az": "alignof",
}

// operatorName returns the name of the operator function for a spelling.
// Keyword operators are separated from the keyword by a space.
func operatorName(op string) string {
	if op[0] >= 'a' && op[0] <= 'z' {
		return "operator " + op
	}
	return "operator" + op
}

// builtins maps the single letter builtin type codes to their spelling.
var builtins = map[byte]string{
	'v': "void",
	'w': "wchar_t",
	'b': "bool",
	'c': "char",
	'a': "signed char",
	'h': "unsigned char",
	's': "short",
	't': "unsigned short",
	'i': "int",
	'j': "unsigned int",
	'l': "long",
	'm': "unsigned long",
	'x': "long long",
	'y': "unsigned long long",
	'n': "__int128",
	'o': "unsigned __int128",
	'f': "float",
	'd': "double",
	'e': "long double",
	'g': "__float128",
	'z': "...",
}

// extendedBuiltins maps the builtin codes following a D.
var extendedBuiltins = map[byte]string{
	'd': "decimal64",
	'e': "decimal128",
	'f': "decimal32",
	'h': "half",
	'i': "char32_t",
	's': "char16_t",
	'u': "char8_t",
	'a': "auto",
	'c': "decltype(auto)",
	'n': "decltype(nullptr)",
}

// stdSubstitution is one of the predefined substitutions of the std namespace.
type stdSubstitution struct {
	// path is the short form used wherever the substitution names a type.
	path []string
	// full is the expanded form used when a constructor or destructor follows.
	full []string
}

var stdSubstitutions = map[byte]stdSubstitution{
	'a': {path: []string{"std", "allocator"}},
	'b': {path: []string{"std", "basic_string"}},
	's': {
		path: []string{"std", "string"},
		full: []string{"std", "basic_string<char, std::char_traits<char>, std::allocator<char> >"},
	},
	'i': {
		path: []string{"std", "istream"},
		full: []string{"std", "basic_istream<char, std::char_traits<char> >"},
	},
	'o': {
		path: []string{"std", "ostream"},
		full: []string{"std", "basic_ostream<char, std::char_traits<char> >"},
	},
	'd': {
		path: []string{"std", "iostream"},
		full: []string{"std", "basic_iostream<char, std::char_traits<char> >"},
	},
}
