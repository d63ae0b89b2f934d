package sipmsg

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"
)

const (
	maxMessageSize = 65536 // matches the hub's frame ceiling, spec §6/§4.A
	maxHeaderSize  = 8192
	maxHeaderCount = 100
)

// ParseMessage parses a single datagram into a Request or Response. It is
// total on malformed input: every failure returns a *ParseError carrying
// the raw bytes so the caller can log-and-discard per spec §4.A/§7.
func ParseMessage(data []byte) (Message, error) {
	if len(data) == 0 {
		return nil, &ParseError{Err: ErrEmptyDatagram}
	}
	if len(data) > maxMessageSize {
		return nil, &ParseError{Err: ErrTooLarge, Raw: data}
	}

	headerEnd := bytes.Index(data, []byte("\r\n\r\n"))
	sepLen := 4
	if headerEnd < 0 {
		headerEnd = bytes.Index(data, []byte("\n\n"))
		sepLen = 2
	}
	if headerEnd < 0 {
		return nil, &ParseError{Err: ErrNoHeaderBoundary, Raw: data}
	}

	headerBlock := data[:headerEnd]
	var body []byte
	if headerEnd+sepLen <= len(data) {
		body = data[headerEnd+sepLen:]
	}

	lines := splitLines(headerBlock)
	if len(lines) == 0 {
		return nil, &ParseError{Err: ErrMalformedStartLine, Raw: data}
	}

	startLine := strings.TrimSpace(string(lines[0]))
	headerLines := foldContinuations(lines[1:])

	if len(headerLines) > maxHeaderCount {
		return nil, &ParseError{Err: ErrTooManyHeaders, Raw: data}
	}

	headers, err := parseHeaderLines(headerLines)
	if err != nil {
		return nil, &ParseError{Err: err, Raw: data}
	}

	if strings.HasPrefix(startLine, "SIP/") {
		resp, err := parseStatusLine(startLine)
		if err != nil {
			return nil, &ParseError{Err: err, Raw: data}
		}
		resp.headers = headers
		resp.body = body
		return resp, nil
	}

	req, err := parseRequestLine(startLine)
	if err != nil {
		return nil, &ParseError{Err: err, Raw: data}
	}
	req.headers = headers
	req.body = body
	return req, nil
}

func splitLines(block []byte) [][]byte {
	if bytes.Contains(block, []byte("\r\n")) {
		return bytes.Split(block, []byte("\r\n"))
	}
	return bytes.Split(block, []byte("\n"))
}

// foldContinuations merges continuation lines (leading space/tab) into the
// previous header's value, per spec §4.A.
func foldContinuations(lines [][]byte) [][]byte {
	var out [][]byte
	for _, line := range lines {
		if len(line) > 0 && (line[0] == ' ' || line[0] == '\t') && len(out) > 0 {
			out[len(out)-1] = append(append(out[len(out)-1], ' '), bytes.TrimSpace(line)...)
			continue
		}
		if len(line) == 0 {
			continue
		}
		out = append(out, line)
	}
	return out
}

func parseRequestLine(line string) (*Request, error) {
	parts := strings.Fields(line)
	if len(parts) != 3 || !strings.HasPrefix(parts[2], "SIP/2.0") {
		return nil, fmt.Errorf("%w: %q", ErrMalformedStartLine, line)
	}
	uri, err := ParseURI(parts[1])
	if err != nil {
		return nil, err
	}
	return &Request{Method: strings.ToUpper(parts[0]), RequestURI: uri}, nil
}

func parseStatusLine(line string) (*Response, error) {
	parts := strings.SplitN(line, " ", 3)
	if len(parts) < 2 || !strings.HasPrefix(parts[0], "SIP/2.0") {
		return nil, fmt.Errorf("%w: %q", ErrMalformedStartLine, line)
	}
	code, err := strconv.Atoi(parts[1])
	if err != nil || code < 100 || code > 699 {
		return nil, fmt.Errorf("%w: bad status code in %q", ErrMalformedStartLine, line)
	}
	reason := ""
	if len(parts) == 3 {
		reason = parts[2]
	} else {
		reason = DefaultReasonPhrase(code)
	}
	return &Response{StatusCode: code, ReasonPhrase: reason}, nil
}

func parseHeaderLines(lines [][]byte) (*Headers, error) {
	h := NewHeaders()
	for _, line := range lines {
		if len(line) > maxHeaderSize {
			return nil, ErrMalformedHeader
		}
		colon := bytes.IndexByte(line, ':')
		if colon < 0 {
			return nil, fmt.Errorf("%w: %q", ErrMalformedHeader, string(line))
		}
		name := strings.TrimSpace(string(line[:colon]))
		value := strings.TrimSpace(string(line[colon+1:]))
		if name == "" {
			return nil, ErrMalformedHeader
		}
		norm := normalizeName(name)
		if norm == "via" {
			for _, entry := range splitViaValues(value) {
				h.Add(canonicalName(norm), entry)
			}
			continue
		}
		if isMultiValued(norm) {
			h.Add(canonicalName(norm), value)
		} else {
			h.Set(canonicalName(norm), value)
		}
	}
	return h, nil
}

// splitViaValues splits a comma-joined Via header line into its entries.
// SIP allows "Via: a, b" as equivalent to two separate Via lines.
func splitViaValues(value string) []string {
	var out []string
	depth := 0
	start := 0
	for i, c := range value {
		switch c {
		case '<':
			depth++
		case '>':
			depth--
		case ',':
			if depth == 0 {
				out = append(out, strings.TrimSpace(value[start:i]))
				start = i + 1
			}
		}
	}
	out = append(out, strings.TrimSpace(value[start:]))
	return out
}
