package exi

// stringTable holds the string values seen so far in one stream: a global
// partition and one local partition per element or attribute name. Misses
// of non-empty strings are added to both.
type stringTable struct {
	global []string
	local  map[string][]string
}

func newStringTable() *stringTable {
	return &stringTable{local: make(map[string][]string)}
}

func (t *stringTable) add(key, v string) {
	t.global = append(t.global, v)
	t.local[key] = append(t.local[key], v)
}

func indexOf(values []string, v string) int {
	for i, s := range values {
		if s == v {
			return i
		}
	}
	return -1
}

// elementKey names the local partition of an element's character content.
// Attributes of the schema are unqualified and use their bare name.
func elementKey(name string) string {
	return "{" + LabelNamespace + "}" + name
}

func isXMLChar(r rune) bool {
	return r == 0x09 || r == 0x0A || r == 0x0D ||
		r >= 0x20 && r <= 0xD7FF ||
		r >= 0xE000 && r <= 0xFFFD ||
		r >= 0x10000 && r <= 0x10FFFF
}
