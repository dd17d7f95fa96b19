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
	"fmt"
	"strconv"
	"strings"
)

const (
	// maxDepth bounds the recursion of the parser.
	maxDepth = 256
	// maxWeight bounds the size of the expanded result. Substitutions share
	// nodes, so a short name can describe an exponentially large type.
	maxWeight = 1 << 20
)

type parser struct {
	s     string
	pos   int
	depth int
	// subs holds the substitution candidates in the order they were seen.
	subs []*Type
	// targs are the arguments template parameters refer to.
	targs []*Type
}

// nameResult is a parsed <name> with the qualifiers of a nested name.
type nameResult struct {
	typ   *Type
	quals Qualifiers
	ref   RefQualifier
}

func (n nameResult) last() *Component {
	return n.typ.Path[len(n.typ.Path)-1]
}

func (n nameResult) signature() *Signature {
	last := n.last()
	bare := *last
	bare.Args = nil
	sig := &Signature{
		Name:         bare.String(),
		Special:      last.special,
		Variant:      last.variant,
		TemplateArgs: last.Args,
		Qualifiers:   n.quals,
		Ref:          n.ref,
	}
	for _, c := range n.typ.Path[:len(n.typ.Path)-1] {
		sig.Path = append(sig.Path, c.String())
	}
	return sig
}

func (p *parser) eof() bool {
	return p.pos >= len(p.s)
}

func (p *parser) peek() byte {
	return p.peekAt(0)
}

func (p *parser) peekAt(n int) byte {
	if p.pos+n >= len(p.s) {
		return 0
	}
	return p.s[p.pos+n]
}

func (p *parser) consume(prefix string) bool {
	if strings.HasPrefix(p.s[p.pos:], prefix) {
		p.pos += len(prefix)
		return true
	}
	return false
}

func (p *parser) expect(c byte) error {
	if p.eof() {
		return p.fail("expected %q, found end of name", c)
	}
	if p.s[p.pos] != c {
		return p.fail("expected %q, found %q", c, p.s[p.pos])
	}
	p.pos++
	return nil
}

func (p *parser) fail(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s at offset %d", ErrMalformed, fmt.Sprintf(format, args...), p.pos)
}

func (p *parser) enter() error {
	p.depth++
	if p.depth > maxDepth {
		return p.fail("nesting deeper than %d", maxDepth)
	}
	return nil
}

func (p *parser) leave() {
	p.depth--
}

// node accounts for the expanded size of t and returns it.
func (p *parser) node(t *Type) (*Type, error) {
	w := 1 + len(t.Name) + len(t.Dim)
	for _, c := range t.Path {
		w += 1 + len(c.Name)
		for _, tag := range c.Tags {
			w += len(tag)
		}
		for _, a := range c.Args {
			w += a.weight
		}
	}
	for _, c := range []*Type{t.Elem, t.Class, t.Return} {
		if c != nil {
			w += c.weight
		}
	}
	for _, c := range t.Params {
		w += c.weight
	}
	for _, c := range t.Args {
		w += c.weight
	}
	if w > maxWeight {
		return nil, p.fail("name expands beyond %d nodes", maxWeight)
	}
	t.weight = w
	return t, nil
}

func (p *parser) addSub(t *Type) {
	p.subs = append(p.subs, t)
}

func isDigit(c byte) bool {
	return c >= '0' && c <= '9'
}

func isLower(c byte) bool {
	return c >= 'a' && c <= 'z'
}

// digits returns the run of decimal digits at the current position.
func (p *parser) digits() (string, error) {
	start := p.pos
	for !p.eof() && isDigit(p.s[p.pos]) {
		p.pos++
	}
	if p.pos == start {
		return "", p.fail("expected a number")
	}
	return p.s[start:p.pos], nil
}

// number parses a decimal number used as a length or an index. It can never
// exceed the length of the name.
func (p *parser) number() (int, error) {
	start := p.pos
	n := 0
	for !p.eof() && isDigit(p.s[p.pos]) {
		n = n*10 + int(p.s[p.pos]-'0')
		if n > len(p.s) {
			return 0, p.fail("number %s is too large", p.s[start:p.pos+1])
		}
		p.pos++
	}
	if p.pos == start {
		return 0, p.fail("expected a number")
	}
	return n, nil
}

// offset parses the signed offset of a call offset.
func (p *parser) offset() error {
	p.consume("n")
	if _, err := p.digits(); err != nil {
		return err
	}
	return p.expect('_')
}

func (p *parser) sourceName() (string, error) {
	n, err := p.number()
	if err != nil {
		return "", err
	}
	if n == 0 {
		return "", p.fail("empty identifier")
	}
	if n > len(p.s)-p.pos {
		return "", p.fail("identifier of length %d runs past the end of the name", n)
	}
	id := p.s[p.pos : p.pos+n]
	p.pos += n
	if isAnonymousNamespace(id) {
		return "(anonymous namespace)", nil
	}
	return id, nil
}

func isAnonymousNamespace(id string) bool {
	return len(id) > 9 && strings.HasPrefix(id, "_GLOBAL_") && strings.IndexByte("._$", id[8]) >= 0 && id[9] == 'N'
}

// discriminator skips the optional discriminator of a local entity.
func (p *parser) discriminator() error {
	if p.peek() != '_' {
		return nil
	}
	if p.peekAt(1) == '_' {
		p.pos += 2
		if _, err := p.digits(); err != nil {
			return err
		}
		return p.expect('_')
	}
	if isDigit(p.peekAt(1)) {
		p.pos += 2
	}
	return nil
}

func (p *parser) cloneSuffix() (string, error) {
	start := p.pos
	p.pos++
	switch c := p.peek(); {
	case isLower(c) || c == '_':
		for isLower(p.peek()) || p.peek() == '_' {
			p.pos++
		}
	case isDigit(c):
		p.pos--
	default:
		return "", p.fail("malformed clone suffix")
	}
	for p.peek() == '.' && isDigit(p.peekAt(1)) {
		p.pos++
		for isDigit(p.peek()) {
			p.pos++
		}
	}
	return p.s[start:p.pos], nil
}

func (p *parser) atEncodingEnd() bool {
	if p.eof() {
		return true
	}
	switch p.s[p.pos] {
	case 'E', '.', '@':
		return true
	}
	return false
}

// encoding parses a function, data or special name.
func (p *parser) encoding() (*Signature, error) {
	if err := p.enter(); err != nil {
		return nil, err
	}
	defer p.leave()

	if c := p.peek(); c == 'T' || c == 'G' {
		return p.specialName()
	}

	saved := p.targs
	defer func() { p.targs = saved }()

	n, err := p.name()
	if err != nil {
		return nil, err
	}
	sig := n.signature()
	if p.atEncodingEnd() {
		return sig, nil
	}

	last := n.last()
	if last.Args != nil {
		p.targs = last.Args
	}
	hasReturn := last.Args != nil && last.special != Constructor &&
		last.special != Destructor && last.special != Conversion

	var types []*Type
	for !p.atEncodingEnd() {
		t, err := p.typ()
		if err != nil {
			return nil, err
		}
		types = append(types, t)
	}
	if hasReturn {
		if len(types) == 0 {
			return nil, p.fail("missing return type")
		}
		sig.Return, types = types[0], types[1:]
	}
	sig.Params, sig.Variadic, err = p.params(types)
	if err != nil {
		return nil, err
	}
	sig.IsFunction = true
	return sig, nil
}

// params turns the encoded parameter types into a parameter list. A lone void
// stands for an empty list, a trailing ellipsis for a variadic function.
func (p *parser) params(types []*Type) ([]*Type, bool, error) {
	if len(types) == 0 {
		return nil, false, p.fail("missing parameter types")
	}
	if len(types) == 1 && types[0].isVoid() {
		return []*Type{}, false, nil
	}
	variadic := false
	if last := types[len(types)-1]; last.Kind == Builtin && last.Name == "..." {
		variadic = true
		types = types[:len(types)-1]
	}
	params := make([]*Type, 0, len(types))
	for _, t := range types {
		// Expanded packs contribute one parameter per element.
		if t.Kind == ArgumentPack {
			params = append(params, t.Args...)
			continue
		}
		params = append(params, t)
	}
	return params, variadic, nil
}

func (p *parser) specialName() (*Signature, error) {
	switch {
	case p.consume("TV"):
		return p.typeSpecial(VTable)
	case p.consume("TT"):
		return p.typeSpecial(VTT)
	case p.consume("TI"):
		return p.typeSpecial(TypeInfo)
	case p.consume("TS"):
		return p.typeSpecial(TypeInfoName)
	case p.consume("TC"):
		derived, err := p.typ()
		if err != nil {
			return nil, err
		}
		if _, err = p.digits(); err != nil {
			return nil, err
		}
		if err = p.expect('_'); err != nil {
			return nil, err
		}
		base, err := p.typ()
		if err != nil {
			return nil, err
		}
		return &Signature{Special: ConstructionVTable, Of: base, In: derived}, nil
	case p.consume("TH"):
		return p.nameSpecial(TLSInit)
	case p.consume("TW"):
		return p.nameSpecial(TLSWrapper)
	case p.consume("GV"):
		return p.nameSpecial(GuardVariable)
	case p.consume("GR"):
		sig, err := p.nameSpecial(ReferenceTemporary)
		if err != nil {
			return nil, err
		}
		seq := 0
		if p.peek() != '_' {
			if seq, err = p.seqID(); err != nil {
				return nil, err
			}
			seq++
		}
		if err = p.expect('_'); err != nil {
			return nil, err
		}
		sig.Variant = strconv.Itoa(seq)
		return sig, nil
	case p.consume("Th"):
		if err := p.offset(); err != nil {
			return nil, err
		}
		return p.thunk(Thunk)
	case p.consume("Tv"):
		if err := p.offset(); err != nil {
			return nil, err
		}
		if err := p.offset(); err != nil {
			return nil, err
		}
		return p.thunk(VirtualThunk)
	case p.consume("Tc"):
		for i := 0; i < 2; i++ {
			var err error
			switch {
			case p.consume("h"):
				err = p.offset()
			case p.consume("v"):
				if err = p.offset(); err == nil {
					err = p.offset()
				}
			default:
				err = p.fail("expected a call offset")
			}
			if err != nil {
				return nil, err
			}
		}
		return p.thunk(CovariantThunk)
	}
	return nil, p.fail("unknown special name")
}

func (p *parser) typeSpecial(s Special) (*Signature, error) {
	t, err := p.typ()
	if err != nil {
		return nil, err
	}
	return &Signature{Special: s, Of: t}, nil
}

func (p *parser) nameSpecial(s Special) (*Signature, error) {
	n, err := p.name()
	if err != nil {
		return nil, err
	}
	return &Signature{Special: s, Target: n.signature()}, nil
}

func (p *parser) thunk(s Special) (*Signature, error) {
	target, err := p.encoding()
	if err != nil {
		return nil, err
	}
	return &Signature{Special: s, Target: target, IsFunction: true}, nil
}

// name parses a nested, local or unscoped name.
func (p *parser) name() (nameResult, error) {
	if err := p.enter(); err != nil {
		return nameResult{}, err
	}
	defer p.leave()

	switch p.peek() {
	case 'N':
		return p.nestedName()
	case 'Z':
		return p.localName()
	}

	var comps []*Component
	switch {
	case p.consume("St"):
		c, err := p.unqualifiedName(nil)
		if err != nil {
			return nameResult{}, err
		}
		comps = []*Component{{Name: "std"}, c}
	case p.peek() == 'S':
		sub, err := p.substitution()
		if err != nil {
			return nameResult{}, err
		}
		if p.peek() != 'I' {
			return nameResult{}, p.fail("substitution used as a name without template arguments")
		}
		args, err := p.templateArgs()
		if err != nil {
			return nameResult{}, err
		}
		typ, err := p.node(&Type{Kind: Named, Path: withArgs(pathOf(sub), args)})
		return nameResult{typ: typ}, err
	default:
		c, err := p.unqualifiedName(nil)
		if err != nil {
			return nameResult{}, err
		}
		comps = []*Component{c}
	}

	typ, err := p.node(&Type{Kind: Named, Path: comps})
	if err != nil {
		return nameResult{}, err
	}
	if p.peek() == 'I' {
		p.addSub(typ)
		args, err := p.templateArgs()
		if err != nil {
			return nameResult{}, err
		}
		if typ, err = p.node(&Type{Kind: Named, Path: withArgs(comps, args)}); err != nil {
			return nameResult{}, err
		}
	}
	return nameResult{typ: typ}, nil
}

func (p *parser) nestedName() (nameResult, error) {
	var n nameResult
	if err := p.expect('N'); err != nil {
		return n, err
	}
	n.quals = p.cvQualifiers()
	switch p.peek() {
	case 'R':
		n.ref = LValue
		p.pos++
	case 'O':
		n.ref = RValue
		p.pos++
	}

	var comps []*Component
	for {
		if p.eof() {
			return n, p.fail("unterminated nested name")
		}
		fromSub := false
		switch c := p.peek(); {
		case c == 'E':
			p.pos++
			if len(comps) == 0 {
				return n, p.fail("empty nested name")
			}
			typ, err := p.node(&Type{Kind: Named, Path: comps})
			n.typ = typ
			return n, err
		case c == 'S' && p.peekAt(1) == 't':
			if len(comps) > 0 {
				return n, p.fail("std prefix inside a nested name")
			}
			p.pos += 2
			comps = []*Component{{Name: "std"}}
			continue
		case c == 'S':
			if len(comps) > 0 {
				return n, p.fail("substitution inside a nested name")
			}
			std, ok := stdSubstitutions[p.peekAt(1)]
			if next := p.peekAt(2); ok && std.full != nil && (next == 'C' || next == 'D') {
				p.pos += 2
				comps = componentsOf(std.full)
			} else {
				sub, err := p.substitution()
				if err != nil {
					return n, err
				}
				comps = pathOf(sub)
			}
			fromSub = true
		case c == 'T':
			if len(comps) > 0 {
				return n, p.fail("template parameter inside a nested name")
			}
			t, err := p.templateParam()
			if err != nil {
				return n, err
			}
			comps = pathOf(t)
		case c == 'I':
			if len(comps) == 0 {
				return n, p.fail("template arguments without a template name")
			}
			args, err := p.templateArgs()
			if err != nil {
				return n, err
			}
			comps = withArgs(comps, args)
		case c == 'M':
			// Closure prefix of a data member initializer.
			p.pos++
			continue
		default:
			var prev *Component
			if len(comps) > 0 {
				prev = comps[len(comps)-1]
			}
			comp, err := p.unqualifiedName(prev)
			if err != nil {
				return n, err
			}
			comps = append(clonePath(comps), comp)
		}

		// Every prefix is a substitution candidate. A template prefix is
		// added before its arguments are parsed; the complete name is not.
		if p.peek() != 'E' && !fromSub {
			if err := p.addPrefix(comps); err != nil {
				return n, err
			}
		}
	}
}

func (p *parser) addPrefix(comps []*Component) error {
	t, err := p.node(&Type{Kind: Named, Path: clonePath(comps)})
	if err != nil {
		return err
	}
	p.addSub(t)
	return nil
}

func (p *parser) localName() (nameResult, error) {
	if err := p.expect('Z'); err != nil {
		return nameResult{}, err
	}
	enc, err := p.encoding()
	if err != nil {
		return nameResult{}, err
	}
	if err = p.expect('E'); err != nil {
		return nameResult{}, err
	}
	outer := &Component{Name: enc.String()}

	if p.consume("s") {
		if err = p.discriminator(); err != nil {
			return nameResult{}, err
		}
		typ, err := p.node(&Type{Kind: Named, Path: []*Component{outer, {Name: "string literal"}}})
		return nameResult{typ: typ}, err
	}
	if p.consume("d") {
		if p.peek() != '_' {
			if _, err = p.digits(); err != nil {
				return nameResult{}, err
			}
		}
		if err = p.expect('_'); err != nil {
			return nameResult{}, err
		}
	}

	entity, err := p.name()
	if err != nil {
		return nameResult{}, err
	}
	if err = p.discriminator(); err != nil {
		return nameResult{}, err
	}
	comps := append([]*Component{outer}, entity.typ.Path...)
	typ, err := p.node(&Type{Kind: Named, Path: comps})
	return nameResult{typ: typ, quals: entity.quals, ref: entity.ref}, err
}

func (p *parser) unqualifiedName(prev *Component) (*Component, error) {
	if err := p.enter(); err != nil {
		return nil, err
	}
	defer p.leave()

	var c *Component
	var err error
	switch ch := p.peek(); {
	case isDigit(ch):
		var id string
		if id, err = p.sourceName(); err == nil {
			c = &Component{Name: id}
		}
	case ch == 'L':
		// Internal linkage.
		p.pos++
		var id string
		if id, err = p.sourceName(); err == nil {
			c = &Component{Name: id}
			err = p.discriminator()
		}
	case ch == 'U':
		c, err = p.unnamedTypeName()
	case ch == 'C':
		c, err = p.ctorName(prev)
	case ch == 'D' && isDigit(p.peekAt(1)):
		c, err = p.dtorName(prev)
	case isLower(ch):
		c, err = p.operatorName()
	case ch == 0:
		err = p.fail("expected a name, found end of name")
	default:
		err = p.fail("unexpected %q in a name", ch)
	}
	if err != nil {
		return nil, err
	}

	for p.peek() == 'B' {
		p.pos++
		tag, err := p.sourceName()
		if err != nil {
			return nil, err
		}
		c.Tags = append(c.Tags, tag)
	}
	return c, nil
}

// className returns the name of the class a component denotes, without
// template arguments.
func className(c *Component) string {
	if i := strings.IndexByte(c.Name, '<'); i > 0 {
		return c.Name[:i]
	}
	return c.Name
}

func (p *parser) ctorName(prev *Component) (*Component, error) {
	if prev == nil {
		return nil, p.fail("constructor outside of a class")
	}
	p.pos++
	inheriting := p.consume("I")
	v := p.peek()
	if v < '1' || v > '5' {
		return nil, p.fail("unknown constructor variant %q", v)
	}
	p.pos++
	if inheriting {
		if _, err := p.typ(); err != nil {
			return nil, err
		}
	}
	return &Component{Name: className(prev), special: Constructor, variant: "C" + string(v)}, nil
}

func (p *parser) dtorName(prev *Component) (*Component, error) {
	if prev == nil {
		return nil, p.fail("destructor outside of a class")
	}
	v := p.peekAt(1)
	switch v {
	case '0', '1', '2', '4', '5':
	default:
		return nil, p.fail("unknown destructor variant %q", v)
	}
	p.pos += 2
	return &Component{Name: "~" + className(prev), special: Destructor, variant: "D" + string(v)}, nil
}

func (p *parser) operatorName() (*Component, error) {
	if len(p.s)-p.pos < 2 {
		return nil, p.fail("truncated operator name")
	}
	code := p.s[p.pos : p.pos+2]
	p.pos += 2
	switch {
	case code == "cv":
		t, err := p.typ()
		if err != nil {
			return nil, err
		}
		return &Component{Name: "operator " + t.String(), special: Conversion}, nil
	case code == "li":
		id, err := p.sourceName()
		if err != nil {
			return nil, err
		}
		return &Component{Name: `operator"" ` + id, special: Operator}, nil
	case code[0] == 'v' && isDigit(code[1]):
		id, err := p.sourceName()
		if err != nil {
			return nil, err
		}
		return &Component{Name: "operator " + id, special: Operator}, nil
	}
	op, ok := operators[code]
	if !ok {
		p.pos -= 2
		return nil, p.fail("unknown operator %q", code)
	}
	return &Component{Name: operatorName(op), special: Operator}, nil
}

func (p *parser) unnamedTypeName() (*Component, error) {
	switch {
	case p.consume("Ut"):
		n, err := p.closureNumber()
		if err != nil {
			return nil, err
		}
		return &Component{Name: fmt.Sprintf("{unnamed type#%d}", n)}, nil
	case p.consume("Ul"):
		var types []*Type
		for p.peek() != 'E' {
			if p.eof() {
				return nil, p.fail("unterminated lambda signature")
			}
			t, err := p.typ()
			if err != nil {
				return nil, err
			}
			types = append(types, t)
		}
		p.pos++
		params, variadic, err := p.params(types)
		if err != nil {
			return nil, err
		}
		n, err := p.closureNumber()
		if err != nil {
			return nil, err
		}
		var b strings.Builder
		b.WriteString("{lambda")
		writeParams(&b, params, variadic)
		fmt.Fprintf(&b, "#%d}", n)
		return &Component{Name: b.String()}, nil
	}
	return nil, p.fail("unsupported unnamed entity")
}

// closureNumber parses the [<number>] _ suffix of unnamed types and closures.
func (p *parser) closureNumber() (int, error) {
	n := 1
	if p.peek() != '_' {
		v, err := p.number()
		if err != nil {
			return 0, err
		}
		n = v + 2
	}
	return n, p.expect('_')
}

func (p *parser) cvQualifiers() Qualifiers {
	var q Qualifiers
	for {
		switch p.peek() {
		case 'r':
			q |= Restrict
		case 'V':
			q |= Volatile
		case 'K':
			q |= Const
		default:
			return q
		}
		p.pos++
	}
}

// typ parses a type. Every type except builtins and plain substitutions
// becomes a substitution candidate.
func (p *parser) typ() (*Type, error) {
	if err := p.enter(); err != nil {
		return nil, err
	}
	defer p.leave()

	if p.eof() {
		return nil, p.fail("expected a type, found end of name")
	}
	c := p.peek()
	if name, ok := builtins[c]; ok {
		p.pos++
		return p.node(&Type{Kind: Builtin, Name: name})
	}

	var t *Type
	var err error
	switch {
	case c == 'u':
		p.pos++
		var id string
		if id, err = p.sourceName(); err == nil {
			t, err = p.node(&Type{Kind: Builtin, Name: id})
		}
	case c == 'r' || c == 'V' || c == 'K':
		q := p.cvQualifiers()
		var inner *Type
		if inner, err = p.typ(); err == nil {
			t, err = p.qualify(inner, q)
		}
	case c == 'P':
		t, err = p.wrapType(Pointer)
	case c == 'R':
		t, err = p.wrapType(LValueRef)
	case c == 'O':
		t, err = p.wrapType(RValueRef)
	case c == 'A':
		t, err = p.arrayType()
	case c == 'F':
		t, err = p.functionType()
	case c == 'M':
		p.pos++
		var class, member *Type
		if class, err = p.typ(); err == nil {
			if member, err = p.typ(); err == nil {
				t, err = p.node(&Type{Kind: MemberPointer, Class: class, Elem: member})
			}
		}
	case c == 'T':
		if t, err = p.templateParam(); err == nil && p.peek() == 'I' {
			p.addSub(t)
			var args []*Type
			if args, err = p.templateArgs(); err == nil {
				t, err = p.node(&Type{Kind: Named, Path: withArgs(pathOf(t), args)})
			}
		}
	case c == 'S' && p.peekAt(1) == 't':
		var n nameResult
		if n, err = p.name(); err == nil {
			t = n.typ
		}
	case c == 'S':
		var sub *Type
		if sub, err = p.substitution(); err != nil {
			return nil, err
		}
		if p.peek() != 'I' {
			return sub, nil
		}
		var args []*Type
		if args, err = p.templateArgs(); err == nil {
			t, err = p.node(&Type{Kind: Named, Path: withArgs(pathOf(sub), args)})
		}
	case c == 'D':
		var candidate bool
		if t, candidate, err = p.extendedType(); err == nil && !candidate {
			return t, nil
		}
	case c == 'N' || c == 'Z' || isDigit(c):
		var n nameResult
		if n, err = p.name(); err == nil {
			t = n.typ
		}
	default:
		err = p.fail("unexpected %q in a type", c)
	}
	if err != nil {
		return nil, err
	}
	p.addSub(t)
	return t, nil
}

func (p *parser) wrapType(kind TypeKind) (*Type, error) {
	p.pos++
	elem, err := p.typ()
	if err != nil {
		return nil, err
	}
	return p.compose(kind, elem)
}

// compose returns the pointer or reference of the given kind to elem. A
// reference to a reference collapses into a single one, which is an rvalue
// reference only when both are.
func (p *parser) compose(kind TypeKind, elem *Type) (*Type, error) {
	if isReference(kind) && isReference(elem.Kind) {
		if elem.Kind == LValueRef {
			kind = LValueRef
		}
		elem = elem.Elem
	}
	return p.node(&Type{Kind: kind, Elem: elem})
}

func isReference(k TypeKind) bool {
	return k == LValueRef || k == RValueRef
}

// qualify returns a copy of t with the qualifiers q added. Qualifiers on a
// function type qualify the member function.
func (p *parser) qualify(t *Type, q Qualifiers) (*Type, error) {
	c := *t
	if c.Kind == Function {
		c.FuncQuals |= q
	} else {
		c.Quals |= q
	}
	return p.node(&c)
}

// extendedType parses the types starting with D. It also reports whether
// the result is a substitution candidate.
func (p *parser) extendedType() (*Type, bool, error) {
	c := p.peekAt(1)
	if name, ok := extendedBuiltins[c]; ok {
		p.pos += 2
		t, err := p.node(&Type{Kind: Builtin, Name: name})
		return t, false, err
	}
	switch c {
	case 'p':
		p.pos += 2
		elem, err := p.typ()
		if err != nil {
			return nil, false, err
		}
		t, err := p.expandPack(elem)
		return t, true, err
	case 'o':
		p.pos += 2
		if p.peek() != 'F' {
			return nil, false, p.fail("noexcept without a function type")
		}
		f, err := p.functionType()
		if err != nil {
			return nil, false, err
		}
		nf := *f
		nf.Noexcept = true
		t, err := p.node(&nf)
		return t, true, err
	case 'v':
		p.pos += 2
		dim, err := p.digits()
		if err != nil {
			return nil, false, err
		}
		if err = p.expect('_'); err != nil {
			return nil, false, err
		}
		elem, err := p.typ()
		if err != nil {
			return nil, false, err
		}
		t, err := p.node(&Type{Kind: Vector, Dim: dim, Elem: elem})
		return t, true, err
	}
	return nil, false, p.fail("unsupported type D%c", c)
}

// expandPack expands the pattern of a pack expansion. When the pattern refers
// to a known argument pack the result is an argument pack holding one
// instance of the pattern per element, which params flattens into separate
// parameters. Otherwise the expansion is kept as written.
func (p *parser) expandPack(pattern *Type) (*Type, error) {
	pack := findPack(pattern)
	if pack == nil {
		return p.node(&Type{Kind: PackExpansion, Elem: pattern})
	}
	out := &Type{Kind: ArgumentPack, Args: []*Type{}}
	for _, a := range pack.Args {
		t, err := p.substitute(pattern, pack, a)
		if err != nil {
			return nil, err
		}
		out.Args = append(out.Args, t)
	}
	return p.node(out)
}

// findPack returns the first argument pack referenced by t.
func findPack(t *Type) *Type {
	if t == nil {
		return nil
	}
	if t.Kind == ArgumentPack {
		return t
	}
	for _, c := range []*Type{t.Elem, t.Class, t.Return} {
		if pack := findPack(c); pack != nil {
			return pack
		}
	}
	for _, c := range t.Params {
		if pack := findPack(c); pack != nil {
			return pack
		}
	}
	for _, comp := range t.Path {
		for _, a := range comp.Args {
			if pack := findPack(a); pack != nil {
				return pack
			}
		}
	}
	return nil
}

// substitute returns t with every reference to pack replaced by elem.
func (p *parser) substitute(t, pack, elem *Type) (*Type, error) {
	if t == nil || findPack(t) != pack {
		return t, nil
	}
	if t == pack {
		return elem, nil
	}
	if err := p.enter(); err != nil {
		return nil, err
	}
	defer p.leave()

	c := *t
	var err error
	if c.Elem, err = p.substitute(t.Elem, pack, elem); err != nil {
		return nil, err
	}
	if c.Class, err = p.substitute(t.Class, pack, elem); err != nil {
		return nil, err
	}
	if c.Return, err = p.substitute(t.Return, pack, elem); err != nil {
		return nil, err
	}
	if c.Params, err = p.substituteAll(t.Params, pack, elem); err != nil {
		return nil, err
	}
	if t.Path != nil {
		c.Path = make([]*Component, len(t.Path))
		for i, comp := range t.Path {
			nc := *comp
			if nc.Args, err = p.substituteAll(comp.Args, pack, elem); err != nil {
				return nil, err
			}
			c.Path[i] = &nc
		}
	}
	if isReference(c.Kind) {
		return p.compose(c.Kind, c.Elem)
	}
	return p.node(&c)
}

func (p *parser) substituteAll(types []*Type, pack, elem *Type) ([]*Type, error) {
	if types == nil {
		return nil, nil
	}
	out := make([]*Type, len(types))
	for i, t := range types {
		var err error
		if out[i], err = p.substitute(t, pack, elem); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (p *parser) arrayType() (*Type, error) {
	p.pos++
	dim := ""
	if isDigit(p.peek()) {
		var err error
		if dim, err = p.digits(); err != nil {
			return nil, err
		}
	} else if p.peek() != '_' {
		return nil, p.fail("array bounds given by an expression are not supported")
	}
	if err := p.expect('_'); err != nil {
		return nil, err
	}
	elem, err := p.typ()
	if err != nil {
		return nil, err
	}
	return p.node(&Type{Kind: Array, Dim: dim, Elem: elem})
}

func (p *parser) functionType() (*Type, error) {
	if err := p.expect('F'); err != nil {
		return nil, err
	}
	p.consume("Y")
	f := &Type{Kind: Function}
	var types []*Type
	for {
		if p.eof() {
			return nil, p.fail("unterminated function type")
		}
		c := p.peek()
		if c == 'E' {
			break
		}
		if (c == 'R' || c == 'O') && p.peekAt(1) == 'E' {
			f.Ref = LValue
			if c == 'O' {
				f.Ref = RValue
			}
			p.pos++
			break
		}
		t, err := p.typ()
		if err != nil {
			return nil, err
		}
		types = append(types, t)
	}
	p.pos++
	if len(types) == 0 {
		return nil, p.fail("function type without a return type")
	}
	f.Return = types[0]
	var err error
	if f.Params, f.Variadic, err = p.params(types[1:]); err != nil {
		return nil, err
	}
	return p.node(f)
}

func (p *parser) templateParam() (*Type, error) {
	start := p.pos
	if err := p.expect('T'); err != nil {
		return nil, err
	}
	idx := 0
	if p.peek() != '_' {
		n, err := p.number()
		if err != nil {
			return nil, err
		}
		idx = n + 1
	}
	if err := p.expect('_'); err != nil {
		return nil, err
	}
	if idx < len(p.targs) {
		return p.targs[idx], nil
	}
	return p.node(&Type{Kind: TemplateParam, Name: p.s[start:p.pos]})
}

func (p *parser) templateArgs() ([]*Type, error) {
	if err := p.enter(); err != nil {
		return nil, err
	}
	defer p.leave()

	if err := p.expect('I'); err != nil {
		return nil, err
	}
	args := []*Type{}
	for p.peek() != 'E' {
		if p.eof() {
			return nil, p.fail("unterminated template arguments")
		}
		a, err := p.templateArg()
		if err != nil {
			return nil, err
		}
		args = append(args, a)
	}
	p.pos++
	return args, nil
}

func (p *parser) templateArg() (*Type, error) {
	switch p.peek() {
	case 'L':
		return p.exprPrimary()
	case 'X':
		return nil, p.fail("expressions in template arguments are not supported")
	case 'J':
		p.pos++
		pack := &Type{Kind: ArgumentPack}
		for p.peek() != 'E' {
			if p.eof() {
				return nil, p.fail("unterminated argument pack")
			}
			a, err := p.templateArg()
			if err != nil {
				return nil, err
			}
			pack.Args = append(pack.Args, a)
		}
		p.pos++
		return p.node(pack)
	}
	return p.typ()
}

// exprPrimary parses a literal template argument.
func (p *parser) exprPrimary() (*Type, error) {
	if err := p.expect('L'); err != nil {
		return nil, err
	}
	if p.consume("_Z") || p.consume("Z") {
		enc, err := p.encoding()
		if err != nil {
			return nil, err
		}
		if err = p.expect('E'); err != nil {
			return nil, err
		}
		return p.node(&Type{Kind: Literal, Name: enc.String()})
	}
	t, err := p.typ()
	if err != nil {
		return nil, err
	}
	start := p.pos
	for !p.eof() && p.s[p.pos] != 'E' {
		p.pos++
	}
	value := p.s[start:p.pos]
	if err = p.expect('E'); err != nil {
		return nil, err
	}
	return p.node(&Type{Kind: Literal, Elem: t, Name: value})
}

// seqID parses a base 36 sequence number written with digits and upper case letters.
func (p *parser) seqID() (int, error) {
	start := p.pos
	n := 0
	for !p.eof() {
		c := p.s[p.pos]
		var d int
		switch {
		case isDigit(c):
			d = int(c - '0')
		case c >= 'A' && c <= 'Z':
			d = int(c-'A') + 10
		default:
			if p.pos == start {
				return 0, p.fail("expected a sequence number")
			}
			return n, nil
		}
		n = n*36 + d
		if n > len(p.s) {
			return 0, p.fail("sequence number %s is too large", p.s[start:p.pos+1])
		}
		p.pos++
	}
	return 0, p.fail("unterminated sequence number")
}

func (p *parser) substitution() (*Type, error) {
	if err := p.expect('S'); err != nil {
		return nil, err
	}
	c := p.peek()
	if std, ok := stdSubstitutions[c]; ok {
		p.pos++
		return p.node(&Type{Kind: Named, Path: componentsOf(std.path)})
	}
	idx := 0
	if c != '_' {
		seq, err := p.seqID()
		if err != nil {
			return nil, err
		}
		idx = seq + 1
	}
	if err := p.expect('_'); err != nil {
		return nil, err
	}
	if idx >= len(p.subs) {
		return nil, p.fail("substitution %d out of %d candidates", idx, len(p.subs))
	}
	return p.subs[idx], nil
}

func componentsOf(names []string) []*Component {
	comps := make([]*Component, len(names))
	for i, n := range names {
		comps[i] = &Component{Name: n}
	}
	return comps
}

func clonePath(comps []*Component) []*Component {
	out := make([]*Component, len(comps))
	copy(out, comps)
	return out
}

// pathOf returns the components naming t.
func pathOf(t *Type) []*Component {
	if t.Kind == Named && t.Quals == 0 {
		return clonePath(t.Path)
	}
	return []*Component{{Name: t.String()}}
}

// withArgs returns a copy of comps whose last component carries args.
func withArgs(comps []*Component, args []*Type) []*Component {
	out := clonePath(comps)
	last := *out[len(out)-1]
	last.Args = args
	out[len(out)-1] = &last
	return out
}
