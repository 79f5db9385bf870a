// Package commit computes the selective-disclosure byte ranges handed to the
// notarization engine: the sent direction reveals everything except secret
// fragments, the receive direction reveals only matched fragments.
package commit

import (
	"bytes"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"tlsn-host/shared"
)

// Build computes the reveal ranges for both directions of a transcript.
//
// Sent: the full buffer minus every literal occurrence of each secret
// fragment. A secret fragment that never occurs fails with
// FRAGMENT_NOT_FOUND — callers must not silently under-redact.
//
// Recv: the union of every literal occurrence of each reveal fragment.
// Unmatched reveal fragments are dropped with a warning, since response
// shape can vary.
func Build(sent, recv []byte, secretFragments, revealFragments []string, logger *zap.Logger) (shared.Commit, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	var redact []shared.ByteRange
	for _, frag := range secretFragments {
		matches := findAll(sent, frag)
		if len(matches) == 0 {
			return shared.Commit{}, shared.NewError(shared.CodeFragmentNotFound,
				fmt.Sprintf("secret fragment (%d bytes) not found in sent transcript", len(frag)), nil)
		}
		redact = append(redact, matches...)
	}
	sentRanges := Subtract(shared.ByteRange{Start: 0, End: len(sent)}, Merge(redact))

	var reveal []shared.ByteRange
	for _, frag := range revealFragments {
		matches := findAll(recv, frag)
		if len(matches) == 0 {
			logger.Warn("reveal fragment not found in received transcript, dropping",
				zap.String("fragment", frag))
			continue
		}
		reveal = append(reveal, matches...)
	}

	return shared.Commit{Sent: sentRanges, Recv: Merge(reveal)}, nil
}

// findAll returns every non-overlapping occurrence of frag in buf.
func findAll(buf []byte, frag string) []shared.ByteRange {
	if frag == "" {
		return nil
	}
	needle := []byte(frag)
	var ranges []shared.ByteRange
	off := 0
	for {
		idx := bytes.Index(buf[off:], needle)
		if idx == -1 {
			return ranges
		}
		start := off + idx
		ranges = append(ranges, shared.ByteRange{Start: start, End: start + len(needle)})
		off = start + len(needle)
	}
}

// Merge sorts ranges by start offset and coalesces adjacent or overlapping
// ranges. Input order and overlap must never corrupt the result.
func Merge(ranges []shared.ByteRange) []shared.ByteRange {
	if len(ranges) == 0 {
		return nil
	}
	sorted := make([]shared.ByteRange, len(ranges))
	copy(sorted, ranges)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].Start != sorted[j].Start {
			return sorted[i].Start < sorted[j].Start
		}
		return sorted[i].End < sorted[j].End
	})

	out := []shared.ByteRange{sorted[0]}
	for _, r := range sorted[1:] {
		last := &out[len(out)-1]
		if r.Start <= last.End {
			if r.End > last.End {
				last.End = r.End
			}
			continue
		}
		out = append(out, r)
	}
	return out
}

// Subtract removes the (sorted, non-overlapping) holes from the full range.
func Subtract(full shared.ByteRange, holes []shared.ByteRange) []shared.ByteRange {
	var out []shared.ByteRange
	cursor := full.Start
	for _, h := range holes {
		if h.End <= full.Start || h.Start >= full.End {
			continue
		}
		if h.Start > cursor {
			out = append(out, shared.ByteRange{Start: cursor, End: h.Start})
		}
		if h.End > cursor {
			cursor = h.End
		}
	}
	if cursor < full.End {
		out = append(out, shared.ByteRange{Start: cursor, End: full.End})
	}
	return out
}
