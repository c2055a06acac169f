package exi

import "math/bits"

// LabelNamespace is the target namespace of the confidentiality label schema.
const LabelNamespace = "urn:nato:stanag:4774:confidentialitymetadatalabel:1:0"

type valueType int

const (
	typeComplex valueType = iota
	typeString
	typeAnyURI
	typeDateTime
	typeEnum
)

type attrDecl struct {
	name     string
	typ      valueType
	enum     []string
	required bool
}

type particle struct {
	elem *elementDecl
	min  int
	max  int // -1 for unbounded
}

// elementDecl is one element of the fixed schema. Attributes are kept in
// the order EXI assigns them event codes: sorted by name.
type elementDecl struct {
	name    string
	attrs   []attrDecl
	content []particle
	simple  valueType
	enum    []string
}

var (
	genericValue = &elementDecl{name: "GenericValue", simple: typeString}

	category = &elementDecl{
		name: "Category",
		attrs: []attrDecl{
			{name: "TagName", typ: typeString, required: true},
			{name: "Type", typ: typeEnum, enum: []string{"PERMISSIVE", "RESTRICTIVE", "INFORMATIVE"}, required: true},
			{name: "URI", typ: typeAnyURI},
		},
		content: []particle{{elem: genericValue, min: 1, max: -1}},
	}

	policyIdentifier = &elementDecl{
		name:   "PolicyIdentifier",
		attrs:  []attrDecl{{name: "URI", typ: typeAnyURI}},
		simple: typeString,
	}

	classification = &elementDecl{name: "Classification", simple: typeString}

	privacyMark = &elementDecl{
		name:   "PrivacyMark",
		attrs:  []attrDecl{{name: "PrePostIndicator", typ: typeEnum, enum: []string{"prefix", "suffix"}}},
		simple: typeString,
	}

	confidentialityInformation = &elementDecl{
		name: "ConfidentialityInformation",
		content: []particle{
			{elem: policyIdentifier, min: 1, max: 1},
			{elem: classification, min: 1, max: 1},
			{elem: privacyMark, min: 0, max: -1},
			{elem: category, min: 0, max: -1},
		},
	}

	originatorID = &elementDecl{
		name:   "OriginatorID",
		attrs:  []attrDecl{{name: "IDType", typ: typeString, required: true}},
		simple: typeString,
	}

	creationDateTime = &elementDecl{name: "CreationDateTime", simple: typeDateTime}
	reviewDateTime   = &elementDecl{name: "ReviewDateTime", simple: typeDateTime}

	confidentialityLabel = &elementDecl{
		name: "ConfidentialityLabel",
		content: []particle{
			{elem: confidentialityInformation, min: 1, max: 1},
			{elem: originatorID, min: 0, max: 1},
			{elem: creationDateTime, min: 0, max: 1},
			{elem: reviewDateTime, min: 0, max: 1},
		},
	}
)

// globalElements are the document roots, in event-code order.
var globalElements = []*elementDecl{confidentialityLabel}

type eventKind int

const (
	eventAT eventKind = iota
	eventSE
	eventCH
	eventEE
)

type production struct {
	kind  eventKind
	index int // attribute or particle index
}

// elementState is the position inside one element's grammar: the next
// attribute that may appear, then the particle being repeated and how many
// times it has occurred.
type elementState struct {
	decl    *elementDecl
	attrPos int
	inAttrs bool
	part    int
	count   int
}

func newElementState(e *elementDecl) *elementState {
	return &elementState{decl: e, inAttrs: len(e.attrs) > 0}
}

// productions lists the events allowed in the current state, in event-code
// order. While attributes remain, each optional attribute can be skipped,
// so the remaining attributes up to the first required one are offered,
// followed by the content events when none is required.
func (s *elementState) productions() []production {
	if !s.inAttrs {
		return s.content(nil)
	}
	var out []production
	for j := s.attrPos; j < len(s.decl.attrs); j++ {
		out = append(out, production{kind: eventAT, index: j})
		if s.decl.attrs[j].required {
			return out
		}
	}
	return s.content(out)
}

func (s *elementState) content(out []production) []production {
	e := s.decl
	if e.simple != typeComplex {
		if s.part == 0 {
			return append(out, production{kind: eventCH})
		}
		return append(out, production{kind: eventEE})
	}
	for j := s.part; j < len(e.content); j++ {
		pt := e.content[j]
		n := 0
		if j == s.part {
			n = s.count
		}
		if pt.max < 0 || n < pt.max {
			out = append(out, production{kind: eventSE, index: j})
		}
		if n < pt.min {
			return out
		}
	}
	return append(out, production{kind: eventEE})
}

// advance moves the state past an event.
func (s *elementState) advance(p production) {
	switch p.kind {
	case eventAT:
		s.attrPos = p.index + 1
		s.inAttrs = s.attrPos < len(s.decl.attrs)
		return
	case eventSE:
		if p.index != s.part {
			s.part, s.count = p.index, 0
		}
		s.count++
	case eventCH:
		s.part = 1
	}
	s.inAttrs = false
}

// codeWidth is the number of bits of an event code choosing among n
// productions.
func codeWidth(n int) int {
	if n <= 1 {
		return 0
	}
	return bits.Len(uint(n - 1))
}
