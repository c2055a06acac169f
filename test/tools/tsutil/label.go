package tsutil

import (
	"time"

	"github.com/zsiec/conflabel/internal/exi"
)

// LabelSpec describes a synthetic confidentiality label.
type LabelSpec struct {
	Policy         string
	Classification string
	// Releasable lists the values of a permissive "Releasable to" category.
	Releasable []string
	Created    time.Time
}

// LabelDocument builds the label element tree for l.
func LabelDocument(l LabelSpec) *exi.Element {
	policy := l.Policy
	if policy == "" {
		policy = "NATO"
	}
	info := &exi.Element{
		Name: "ConfidentialityInformation",
		Children: []*exi.Element{
			{Name: "PolicyIdentifier", Text: policy},
			{Name: "Classification", Text: l.Classification},
		},
	}
	if len(l.Releasable) > 0 {
		cat := &exi.Element{
			Name: "Category",
			Attrs: []exi.Attr{
				{Name: "TagName", Value: "Releasable to"},
				{Name: "Type", Value: "PERMISSIVE"},
			},
		}
		for _, v := range l.Releasable {
			cat.Children = append(cat.Children, &exi.Element{Name: "GenericValue", Text: v})
		}
		info.Children = append(info.Children, cat)
	}

	root := &exi.Element{Name: "ConfidentialityLabel", Children: []*exi.Element{info}}
	if !l.Created.IsZero() {
		root.Children = append(root.Children, &exi.Element{
			Name: "CreationDateTime",
			Text: l.Created.UTC().Format("2006-01-02T15:04:05Z"),
		})
	}
	return root
}

// EncodeLabel returns the EXI body of the label described by l.
func EncodeLabel(l LabelSpec) ([]byte, error) {
	return exi.Encode(LabelDocument(l))
}
