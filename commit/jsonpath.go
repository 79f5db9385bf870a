package commit

import (
	"fmt"
	"strconv"
	"strings"

	gojson "github.com/coreos/go-json"
	jp "github.com/reclaimprotocol/jsonpathplus-go"

	"tlsn-host/shared"
)

// JSONPathRanges resolves a JSONPath expression against doc and returns the
// exact byte span of every matched value. The expression is evaluated first;
// each result path is then replayed over an offset-annotated parse of the
// same document to recover where the value sits in the raw bytes.
func JSONPathRanges(doc []byte, jsonPathExpr string) ([]shared.ByteRange, error) {
	results, err := jp.Query(jsonPathExpr, string(doc))
	if err != nil {
		return nil, fmt.Errorf("evaluate %q: %w", jsonPathExpr, err)
	}
	if len(results) == 0 {
		return nil, fmt.Errorf("%q matched nothing", jsonPathExpr)
	}

	var root gojson.Node
	if err := gojson.Unmarshal(doc, &root); err != nil {
		return nil, fmt.Errorf("parse document offsets: %w", err)
	}

	ranges := make([]shared.ByteRange, 0, len(results))
	for _, r := range results {
		n, err := descend(&root, splitPath(r.Path))
		if err != nil {
			return nil, fmt.Errorf("resolve %q: %w", r.Path, err)
		}
		// Node.End is the offset of the value's last byte, so the half-open
		// span ends one past it.
		span := shared.ByteRange{Start: n.Start, End: n.End + 1}
		if span.Start < 0 || span.End > len(doc) || span.Start > span.End {
			return nil, fmt.Errorf("offsets for %q fall outside the document", r.Path)
		}
		ranges = append(ranges, span)
	}
	return ranges, nil
}

// splitPath breaks a result path like $.user.tags[1] into lookup segments
// ("user", "tags", "1"). Bracketed segments may carry quotes.
func splitPath(path string) []string {
	p := strings.TrimPrefix(strings.TrimPrefix(path, "$"), ".")
	var segments []string
	var cur strings.Builder
	flush := func() {
		if cur.Len() > 0 {
			segments = append(segments, cur.String())
			cur.Reset()
		}
	}
	bracket := false
	for _, r := range p {
		switch {
		case r == '.' && !bracket:
			flush()
		case r == '[':
			flush()
			bracket = true
		case r == ']' && bracket:
			segments = append(segments, strings.Trim(cur.String(), "'\""))
			cur.Reset()
			bracket = false
		default:
			cur.WriteRune(r)
		}
	}
	flush()
	return segments
}

// descend walks the offset-annotated node tree one segment at a time. Object
// segments are key lookups; array segments must parse as element indexes.
func descend(root *gojson.Node, segments []string) (*gojson.Node, error) {
	cur := root
	for _, seg := range segments {
		switch v := cur.Value.(type) {
		case map[string]gojson.Node:
			next, ok := v[seg]
			if !ok {
				return nil, fmt.Errorf("no key %q", seg)
			}
			cur = &next
		case []gojson.Node:
			idx, err := strconv.Atoi(seg)
			if err != nil || idx < 0 || idx >= len(v) {
				return nil, fmt.Errorf("no element %q", seg)
			}
			cur = &v[idx]
		default:
			return nil, fmt.Errorf("segment %q addresses a scalar", seg)
		}
	}
	return cur, nil
}
