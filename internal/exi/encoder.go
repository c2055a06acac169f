package exi

import (
	"fmt"
	"unicode/utf8"

	"github.com/q191201771/naza/pkg/nazabits"
)

// Element is a label element to encode. Attribute order does not matter;
// children must follow the schema order.
type Element struct {
	Name     string
	Attrs    []Attr
	Text     string
	Children []*Element
}

// Attr is one attribute of an Element.
type Attr struct {
	Name  string
	Value string
}

// field is a run of up to 32 bits, written MSB first.
type field struct {
	n int
	v uint32
}

type encoder struct {
	fields  []field
	bits    int
	strings *stringTable
}

// Encode produces the EXI body for root, using the same options Decode
// expects and the string table for repeated values. It is the inverse of
// Decode for documents the schema accepts.
func Encode(root *Element) ([]byte, error) {
	e := &encoder{strings: newStringTable()}

	// Distinguishing bits, no options, final version 1.
	e.put(2, 0b10)
	e.put(1, 0)
	e.put(1, 0)
	e.put(4, 0)

	idx := -1
	for i, g := range globalElements {
		if g.name == root.Name {
			idx = i
		}
	}
	if idx < 0 {
		return nil, fmt.Errorf("exi: %q is not a document element", root.Name)
	}
	e.put(codeWidth(len(globalElements)), uint32(idx))
	if err := e.element(globalElements[idx], root); err != nil {
		return nil, err
	}
	return e.pack(), nil
}

func (e *encoder) put(n int, v uint32) {
	if n == 0 {
		return
	}
	e.fields = append(e.fields, field{n: n, v: v})
	e.bits += n
}

func (e *encoder) pack() []byte {
	out := make([]byte, (e.bits+7)/8)
	bw := nazabits.NewBitWriter(out)
	for _, f := range e.fields {
		for n := f.n; n > 0; {
			k := min(n, 8)
			n -= k
			bw.WriteBits8(uint(k), uint8(f.v>>n))
		}
	}
	return out
}

// code writes the event code of want among the productions of st.
func (e *encoder) code(st *elementState, want production) error {
	prods := st.productions()
	for i, p := range prods {
		if p == want {
			e.put(codeWidth(len(prods)), uint32(i))
			st.advance(p)
			return nil
		}
	}
	return fmt.Errorf("exi: event not allowed in %s", st.decl.name)
}

func (e *encoder) element(decl *elementDecl, el *Element) error {
	st := newElementState(decl)

	for i, a := range decl.attrs {
		v, ok := attrValue(el, a.name)
		if !ok {
			if a.required {
				return fmt.Errorf("exi: %s requires attribute %s", decl.name, a.name)
			}
			continue
		}
		if err := e.code(st, production{kind: eventAT, index: i}); err != nil {
			return err
		}
		if err := e.value(a.typ, a.enum, a.name, v); err != nil {
			return fmt.Errorf("exi: %s@%s: %w", decl.name, a.name, err)
		}
	}
	for _, a := range el.Attrs {
		if !declaresAttr(decl, a.Name) {
			return fmt.Errorf("exi: %s has no attribute %s", decl.name, a.Name)
		}
	}

	if decl.simple != typeComplex {
		if len(el.Children) > 0 {
			return fmt.Errorf("exi: %s has simple content", decl.name)
		}
		if err := e.code(st, production{kind: eventCH}); err != nil {
			return err
		}
		if err := e.value(decl.simple, decl.enum, elementKey(decl.name), el.Text); err != nil {
			return fmt.Errorf("exi: %s: %w", decl.name, err)
		}
		return e.code(st, production{kind: eventEE})
	}

	for _, c := range el.Children {
		j := particleIndex(decl, c.Name)
		if j < 0 {
			return fmt.Errorf("exi: %s cannot contain %s", decl.name, c.Name)
		}
		if err := e.code(st, production{kind: eventSE, index: j}); err != nil {
			return err
		}
		if err := e.element(decl.content[j].elem, c); err != nil {
			return err
		}
	}
	return e.code(st, production{kind: eventEE})
}

func attrValue(el *Element, name string) (string, bool) {
	for _, a := range el.Attrs {
		if a.Name == name {
			return a.Value, true
		}
	}
	return "", false
}

func declaresAttr(decl *elementDecl, name string) bool {
	for _, a := range decl.attrs {
		if a.name == name {
			return true
		}
	}
	return false
}

func particleIndex(decl *elementDecl, name string) int {
	for j, p := range decl.content {
		if p.elem.name == name {
			return j
		}
	}
	return -1
}

func (e *encoder) value(typ valueType, enum []string, key, v string) error {
	switch typ {
	case typeString, typeAnyURI:
		return e.writeString(key, v)
	case typeEnum:
		i := indexOf(enum, v)
		if i < 0 {
			return fmt.Errorf("value %q not in enumeration", v)
		}
		e.put(codeWidth(len(enum)), uint32(i))
		return nil
	case typeDateTime:
		dt, err := parseDateTime(v)
		if err != nil {
			return err
		}
		e.writeDateTime(dt)
		return nil
	}
	return fmt.Errorf("complex type has no value")
}

func (e *encoder) writeUint(v uint64) {
	for {
		b := uint32(v & 0x7F)
		v >>= 7
		if v != 0 {
			b |= 0x80
		}
		e.put(8, b)
		if v == 0 {
			return
		}
	}
}

func (e *encoder) writeString(key, v string) error {
	if local := e.strings.local[key]; indexOf(local, v) >= 0 {
		e.writeUint(0)
		e.put(codeWidth(len(local)), uint32(indexOf(local, v)))
		return nil
	}
	if i := indexOf(e.strings.global, v); i >= 0 {
		e.writeUint(1)
		e.put(codeWidth(len(e.strings.global)), uint32(i))
		return nil
	}

	if !utf8.ValidString(v) {
		return fmt.Errorf("invalid UTF-8")
	}
	e.writeUint(uint64(utf8.RuneCountInString(v)) + 2)
	for _, r := range v {
		if !isXMLChar(r) {
			return fmt.Errorf("invalid character U+%04X", r)
		}
		e.writeUint(uint64(r))
	}
	if v != "" {
		e.strings.add(key, v)
	}
	return nil
}

func (e *encoder) writeDateTime(dt dateTime) {
	off := dt.year - 2000
	if off < 0 {
		e.put(1, 1)
		e.writeUint(uint64(-off - 1))
	} else {
		e.put(1, 0)
		e.writeUint(uint64(off))
	}
	e.put(9, uint32(dt.month*32+dt.day))
	e.put(17, uint32((dt.hour*64+dt.minute)*64+dt.second))

	if dt.frac != "" {
		e.put(1, 1)
		var f uint64
		for _, c := range reverse(dt.frac) {
			f = f*10 + uint64(c-'0')
		}
		e.writeUint(f)
	} else {
		e.put(1, 0)
	}

	if dt.hasTZ {
		e.put(1, 1)
		e.put(11, uint32(dt.tz+timezoneBias))
	} else {
		e.put(1, 0)
	}
}
