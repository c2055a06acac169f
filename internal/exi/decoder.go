// Package exi decodes EXI-encoded STANAG 4774 confidentiality labels to XML.
//
// Only the fixed label schema is understood. The EXI options are fixed out
// of band: schema-informed, strict, bit-packed, no compression. The header
// must therefore not carry options.
package exi

import (
	"bytes"
	"encoding/xml"
	"fmt"
	"strings"
	"unicode/utf8"
)

// cookie is the optional EXI cookie "$EXI".
var cookie = []byte("$EXI")

type decoder struct {
	s       *bitStream
	strings *stringTable
	enc     *xml.Encoder
}

// Decode turns one EXI-encoded label into XML text. It makes a single pass
// over b and either returns the complete document or an error matching
// ErrDecode; partial output is never returned.
func Decode(b []byte) (string, error) {
	var out bytes.Buffer
	d := &decoder{
		s:       newBitStream(b),
		strings: newStringTable(),
		enc:     xml.NewEncoder(&out),
	}

	if err := d.header(b); err != nil {
		return "", err
	}
	if err := d.document(); err != nil {
		return "", err
	}
	if err := d.enc.Flush(); err != nil {
		return "", fmt.Errorf("exi: write xml: %w", err)
	}
	return out.String(), nil
}

func (d *decoder) header(b []byte) error {
	if bytes.HasPrefix(b, cookie) {
		for range len(cookie) {
			if _, err := d.s.read(8); err != nil {
				return err
			}
		}
	}

	at := d.s.pos
	distinguishing, err := d.s.read(2)
	if err != nil {
		return err
	}
	if distinguishing != 0b10 {
		return &DecodeError{Bit: at, Reason: "missing EXI distinguishing bits"}
	}

	at = d.s.pos
	options, err := d.s.readBool()
	if err != nil {
		return err
	}
	if options {
		return &DecodeError{Bit: at, Reason: "EXI options in header are not supported"}
	}

	at = d.s.pos
	preview, err := d.s.readBool()
	if err != nil {
		return err
	}
	version, err := d.s.read(4)
	if err != nil {
		return err
	}
	if preview || version != 0 {
		return &DecodeError{Bit: at, Reason: "unsupported EXI version"}
	}
	return nil
}

// document decodes SD, the root element and ED. SD and ED have a single
// production each and take no bits.
func (d *decoder) document() error {
	at := d.s.pos
	idx, err := d.s.readIndex(len(globalElements))
	if err != nil {
		return &DecodeError{Bit: at, Reason: "unknown document element"}
	}

	if err := d.enc.EncodeToken(xml.ProcInst{Target: "xml", Inst: []byte(`version="1.0" encoding="UTF-8"`)}); err != nil {
		return fmt.Errorf("exi: write xml: %w", err)
	}
	if err := d.element(globalElements[idx], true); err != nil {
		return err
	}

	// Only zero padding up to the next byte boundary may follow.
	at = d.s.pos
	if d.s.remaining() >= 8 {
		return &DecodeError{Bit: at, Reason: "trailing data after end of document"}
	}
	pad, err := d.s.read(d.s.remaining())
	if err != nil {
		return err
	}
	if pad != 0 {
		return &DecodeError{Bit: at, Reason: "non-zero padding"}
	}
	return nil
}

func (d *decoder) element(e *elementDecl, root bool) error {
	start := xml.StartElement{Name: xml.Name{Local: e.name}}
	if root {
		start.Attr = append(start.Attr, xml.Attr{Name: xml.Name{Local: "xmlns"}, Value: LabelNamespace})
	}

	st := newElementState(e)
	opened := false
	for {
		prods := st.productions()
		at := d.s.pos
		code, err := d.s.read(codeWidth(len(prods)))
		if err != nil {
			return err
		}
		if int(code) >= len(prods) {
			return &DecodeError{Bit: at, Reason: fmt.Sprintf("event code %d not allowed in %s", code, e.name)}
		}
		p := prods[code]

		if p.kind != eventAT && !opened {
			if err := d.write(start); err != nil {
				return err
			}
			opened = true
		}

		switch p.kind {
		case eventAT:
			a := e.attrs[p.index]
			v, err := d.value(a.typ, a.enum, a.name)
			if err != nil {
				return err
			}
			start.Attr = append(start.Attr, xml.Attr{Name: xml.Name{Local: a.name}, Value: v})

		case eventSE:
			if err := d.element(e.content[p.index].elem, false); err != nil {
				return err
			}

		case eventCH:
			v, err := d.value(e.simple, e.enum, elementKey(e.name))
			if err != nil {
				return err
			}
			if err := d.write(xml.CharData(v)); err != nil {
				return err
			}

		case eventEE:
			return d.write(start.End())
		}
		st.advance(p)
	}
}

func (d *decoder) write(tok xml.Token) error {
	if err := d.enc.EncodeToken(tok); err != nil {
		return fmt.Errorf("exi: write xml: %w", err)
	}
	return nil
}

func (d *decoder) value(typ valueType, enum []string, key string) (string, error) {
	switch typ {
	case typeString, typeAnyURI:
		return d.readString(key)
	case typeEnum:
		i, err := d.s.readIndex(len(enum))
		if err != nil {
			return "", err
		}
		return enum[i], nil
	case typeDateTime:
		return d.s.readDateTime()
	}
	return "", d.s.fail("value of complex type")
}

// readString decodes a String value: 0 is a hit in the local partition, 1
// a hit in the global partition, anything else a literal of length n-2.
func (d *decoder) readString(key string) (string, error) {
	at := d.s.pos
	n, err := d.s.readUint()
	if err != nil {
		return "", err
	}

	switch n {
	case 0:
		local := d.strings.local[key]
		i, err := d.s.readIndex(len(local))
		if err != nil {
			return "", err
		}
		return local[i], nil
	case 1:
		i, err := d.s.readIndex(len(d.strings.global))
		if err != nil {
			return "", err
		}
		return d.strings.global[i], nil
	}

	// Every character takes at least one octet.
	length := n - 2
	if length > uint64(d.s.remaining()/8) {
		return "", &DecodeError{Bit: at, Reason: fmt.Sprintf("string length %d overruns input", length)}
	}

	var sb strings.Builder
	sb.Grow(int(length))
	for range length {
		cat := d.s.pos
		c, err := d.s.readUint()
		if err != nil {
			return "", err
		}
		r := rune(c)
		if c > utf8.MaxRune || !utf8.ValidRune(r) || !isXMLChar(r) {
			return "", &DecodeError{Bit: cat, Reason: fmt.Sprintf("invalid character U+%04X", c)}
		}
		sb.WriteRune(r)
	}

	v := sb.String()
	if length > 0 {
		d.strings.add(key, v)
	}
	return v, nil
}
