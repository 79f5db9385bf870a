package shared

// ByteRange is a half-open [Start, End) span over one direction's byte stream.
type ByteRange struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

// Len returns the number of bytes covered by the range.
func (r ByteRange) Len() int { return r.End - r.Start }

// Commit lists the byte ranges to reveal in each direction of a transcript.
// Ranges are sorted by start offset and non-overlapping.
type Commit struct {
	Sent []ByteRange `json:"sent"`
	Recv []ByteRange `json:"recv"`
}
