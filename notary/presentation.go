package notary

import (
	"encoding/json"

	"tlsn-host/shared"
)

// AttestedDocument is the canonical payload the notary signs: the masked
// transcripts, the disclosed ranges and the session metadata. Field order is
// fixed by the struct so serialization is deterministic.
type AttestedDocument struct {
	Version    string             `json:"version"`
	ServerName string             `json:"serverName"`
	Time       int64              `json:"time"`
	Sent       string             `json:"sent"`
	Recv       string             `json:"recv"`
	SentRanges []shared.ByteRange `json:"sentRanges"`
	RecvRanges []shared.ByteRange `json:"recvRanges"`
}

const attestedDocumentVersion = "1"

// canonicalBytes serializes the document for signing and verification.
func (d *AttestedDocument) canonicalBytes() ([]byte, error) {
	return json.Marshal(d)
}

// Presentation is the portable, shareable proof artifact: the attested
// document plus the signature and enough metadata for offline verification.
type Presentation struct {
	Version         string             `json:"version"`
	ServerName      string             `json:"serverName"`
	Time            int64              `json:"time"`
	Sent            string             `json:"sent"`
	Recv            string             `json:"recv"`
	SentRanges      []shared.ByteRange `json:"sentRanges"`
	RecvRanges      []shared.ByteRange `json:"recvRanges"`
	Attestation     string             `json:"attestation"`
	NotaryPublicKey string             `json:"notaryPublicKey"`
	NotaryURL       string             `json:"notaryUrl"`
	BridgeAddress   string             `json:"bridgeAddress"`
}

// document reconstructs the attested payload for signature verification.
func (p *Presentation) document() *AttestedDocument {
	return &AttestedDocument{
		Version:    p.Version,
		ServerName: p.ServerName,
		Time:       p.Time,
		Sent:       p.Sent,
		Recv:       p.Recv,
		SentRanges: p.SentRanges,
		RecvRanges: p.RecvRanges,
	}
}

// maskRedactionByte replaces every byte outside the disclosed ranges.
const maskRedactionByte = '*'

// maskTranscript keeps the revealed ranges and masks everything else.
// Ranges must be sorted and non-overlapping (the commit builder guarantees
// this).
func maskTranscript(buf []byte, reveals []shared.ByteRange) string {
	masked := make([]byte, len(buf))
	for i := range masked {
		masked[i] = maskRedactionByte
	}
	for _, r := range reveals {
		if r.Start < 0 || r.End > len(buf) || r.Start >= r.End {
			continue
		}
		copy(masked[r.Start:r.End], buf[r.Start:r.End])
	}
	return string(masked)
}

// redactedSpans extracts the byte content of everything NOT revealed in the
// sent direction. These spans are the prover's secrets.
func redactedSpans(buf []byte, reveals []shared.ByteRange) [][]byte {
	var spans [][]byte
	cursor := 0
	for _, r := range reveals {
		if r.Start > cursor {
			span := make([]byte, r.Start-cursor)
			copy(span, buf[cursor:r.Start])
			spans = append(spans, span)
		}
		if r.End > cursor {
			cursor = r.End
		}
	}
	if cursor < len(buf) {
		span := make([]byte, len(buf)-cursor)
		copy(span, buf[cursor:])
		spans = append(spans, span)
	}
	return spans
}

// BuildPresentation assembles the portable proof from attestation material.
func BuildPresentation(out *NotarizeOutput) *Presentation {
	return &Presentation{
		Version:         out.Document.Version,
		ServerName:      out.Document.ServerName,
		Time:            out.Document.Time,
		Sent:            out.Document.Sent,
		Recv:            out.Document.Recv,
		SentRanges:      out.Document.SentRanges,
		RecvRanges:      out.Document.RecvRanges,
		Attestation:     encodeHex(out.Attestation),
		NotaryPublicKey: out.NotaryPublicKey,
		NotaryURL:       out.NotaryURL,
		BridgeAddress:   out.BridgeAddress,
	}
}
