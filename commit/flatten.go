package commit

import (
	"bytes"
	"sort"

	gojson "github.com/coreos/go-json"
)

type fragment struct {
	offset int
	text   string
}

// FlattenJSON flattens a JSON document into `"key":value` fragments for each
// scalar leaf, recursing through nested objects and arrays. Each fragment is
// the literal byte span of the document from the opening quote of the key to
// the end of the value, so every returned fragment is guaranteed to occur as
// a substring of doc regardless of the document's whitespace style. Fragments
// are returned in document order.
//
// Array elements have no key of their own; scalar elements directly inside an
// array are skipped, objects inside arrays are recursed into.
func FlattenJSON(doc []byte) ([]string, error) {
	var root gojson.Node
	if err := gojson.Unmarshal(doc, &root); err != nil {
		return nil, err
	}
	var frags []fragment
	flattenNode(doc, &root, &frags)
	sort.Slice(frags, func(i, j int) bool { return frags[i].offset < frags[j].offset })

	out := make([]string, len(frags))
	for i, f := range frags {
		out[i] = f.text
	}
	return out, nil
}

func flattenNode(doc []byte, node *gojson.Node, frags *[]fragment) {
	switch v := node.Value.(type) {
	case map[string]gojson.Node:
		for key, child := range v {
			child := child
			if isContainer(&child) {
				flattenNode(doc, &child, frags)
				continue
			}
			if frag, ok := keyValueSpan(doc, key, &child); ok {
				*frags = append(*frags, frag)
			}
		}
	case []gojson.Node:
		for i := range v {
			if isContainer(&v[i]) {
				flattenNode(doc, &v[i], frags)
			}
		}
	}
}

func isContainer(node *gojson.Node) bool {
	switch node.Value.(type) {
	case map[string]gojson.Node, []gojson.Node:
		return true
	}
	return false
}

// keyValueSpan returns doc[keyQuote:valueEnd] for a scalar member. The key's
// opening quote is located by scanning backwards from the value offset, so
// whatever whitespace sits between key, colon and value is preserved.
// Node.End is inclusive; slices are exclusive on end, hence End+1.
func keyValueSpan(doc []byte, key string, value *gojson.Node) (fragment, bool) {
	end := value.End + 1
	if value.Start < 0 || end > len(doc) || value.Start >= end {
		return fragment{}, false
	}
	needle := []byte(`"` + key + `"`)
	idx := bytes.LastIndex(doc[:value.Start], needle)
	if idx == -1 {
		return fragment{}, false
	}
	return fragment{offset: idx, text: string(doc[idx:end])}, true
}
