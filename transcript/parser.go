// Package transcript parses raw HTTP transcript buffers captured during a
// notarization session into start line, ordered headers and body chunks.
package transcript

import (
	"bytes"
	"strconv"
	"strings"

	"tlsn-host/shared"
)

// Kind selects the message grammar expected in the buffer.
type Kind int

const (
	Request Kind = iota
	Response
)

// Message is a fully parsed HTTP message. Headers are kept as a flat ordered
// sequence of alternating name/value tokens: header order and duplicate names
// are part of the transcript and must survive for range computation.
type Message struct {
	StartLine  string // includes the trailing CRLF
	Headers    []string
	BodyChunks [][]byte
}

// Body concatenates all body chunks into one contiguous view.
func (m *Message) Body() []byte {
	if len(m.BodyChunks) == 1 {
		return m.BodyChunks[0]
	}
	var out []byte
	for _, c := range m.BodyChunks {
		out = append(out, c...)
	}
	return out
}

// Header returns the first value for name, case-insensitively.
func (m *Message) Header(name string) (string, bool) {
	for i := 0; i+1 < len(m.Headers); i += 2 {
		if strings.EqualFold(m.Headers[i], name) {
			return m.Headers[i+1], true
		}
	}
	return "", false
}

// HeaderLine reconstructs the exact "Name: value" line for the i-th header.
func (m *Message) HeaderLine(i int) string {
	return m.Headers[2*i] + ": " + m.Headers[2*i+1]
}

// HeaderCount returns the number of header pairs.
func (m *Message) HeaderCount() int { return len(m.Headers) / 2 }

var crlf = []byte("\r\n")

func malformed(msg string, cause error) error {
	return shared.NewError(shared.CodeMalformedTranscript, msg, cause)
}

// Parse consumes the entire buffer in one pass. Any malformation yields a
// MALFORMED_TRANSCRIPT error rather than a partial message: downstream
// commitments must never be built over a message we could not fully validate.
func Parse(buf []byte, kind Kind) (*Message, error) {
	idx := bytes.Index(buf, crlf)
	if idx == -1 {
		return nil, malformed("missing CRLF after start line", nil)
	}
	msg := &Message{StartLine: string(buf[:idx+2])}
	rest := buf[idx+2:]

	if err := validateStartLine(strings.TrimSuffix(msg.StartLine, "\r\n"), kind); err != nil {
		return nil, err
	}

	// Header block runs up to the first empty line.
	for {
		idx = bytes.Index(rest, crlf)
		if idx == -1 {
			return nil, malformed("missing header terminator", nil)
		}
		line := string(rest[:idx])
		rest = rest[idx+2:]
		if line == "" {
			break
		}
		colon := strings.Index(line, ":")
		if colon <= 0 {
			return nil, malformed("header line missing colon separator: "+line, nil)
		}
		name := line[:colon]
		value := strings.TrimLeft(line[colon+1:], " \t")
		msg.Headers = append(msg.Headers, name, value)
	}

	chunks, err := parseBody(msg, rest)
	if err != nil {
		return nil, err
	}
	msg.BodyChunks = chunks
	return msg, nil
}

func validateStartLine(line string, kind Kind) error {
	parts := strings.SplitN(line, " ", 3)
	switch kind {
	case Response:
		if len(parts) < 2 || !strings.HasPrefix(parts[0], "HTTP/") {
			return malformed("invalid status line: "+line, nil)
		}
		if _, err := strconv.Atoi(parts[1]); err != nil {
			return malformed("invalid status code in: "+line, err)
		}
	case Request:
		if len(parts) != 3 || !strings.HasPrefix(parts[2], "HTTP/") {
			return malformed("invalid request line: "+line, nil)
		}
	}
	return nil
}

// parseBody consumes the remainder of the buffer according to the framing
// advertised by the headers. The whole buffer must be accounted for.
func parseBody(msg *Message, rest []byte) ([][]byte, error) {
	if te, ok := msg.Header("Transfer-Encoding"); ok && strings.Contains(strings.ToLower(te), "chunked") {
		return parseChunkedBody(rest)
	}

	if cl, ok := msg.Header("Content-Length"); ok {
		length, err := strconv.ParseInt(cl, 10, 64)
		if err != nil || length < 0 {
			return nil, malformed("invalid Content-Length: "+cl, err)
		}
		if int64(len(rest)) < length {
			return nil, malformed("truncated body: expected "+cl+" bytes", nil)
		}
		if length == 0 {
			return nil, nil
		}
		// Extra bytes beyond Content-Length are valid HTTP; ignore them.
		return [][]byte{rest[:length]}, nil
	}

	// No framing header: body runs to the end of the capture.
	if len(rest) == 0 {
		return nil, nil
	}
	return [][]byte{rest}, nil
}

func parseChunkedBody(rest []byte) ([][]byte, error) {
	var chunks [][]byte
	for {
		idx := bytes.Index(rest, crlf)
		if idx == -1 {
			return nil, malformed("truncated chunk size line", nil)
		}
		sizeStr := string(rest[:idx])
		rest = rest[idx+2:]
		if semi := strings.IndexByte(sizeStr, ';'); semi != -1 {
			sizeStr = sizeStr[:semi]
		}
		size, err := strconv.ParseInt(strings.TrimSpace(sizeStr), 16, 64)
		if err != nil || size < 0 {
			return nil, malformed("invalid chunk size: "+sizeStr, err)
		}
		if size == 0 {
			// Trailer lines and the final CRLF are consumed but not exposed.
			return chunks, nil
		}
		if int64(len(rest)) < size+2 {
			return nil, malformed("truncated chunk data", nil)
		}
		chunks = append(chunks, rest[:size])
		if !bytes.Equal(rest[size:size+2], crlf) {
			return nil, malformed("missing CRLF after chunk data", nil)
		}
		rest = rest[size+2:]
	}
}
