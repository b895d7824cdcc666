// Package parser reads the header block of an RFC 5322 message (optionally
// preceded by an mbox "From " line) while keeping every field's raw bytes,
// so a filter can pass untouched headers through unchanged.
package parser

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/emersion/go-message/textproto"
)

// ErrMalformed is returned for header blocks that cannot be parsed.
var ErrMalformed = errors.New("malformed message headers")

const mboxPrefix = "From "

// Field is one header field in message order.
type Field struct {
	Key   string
	Value string
	// Raw is the field as read, including folding, with line endings in
	// the message's style.
	Raw []byte
}

// Name returns the field name as written in Raw.
func (f Field) Name() string {
	if i := bytes.IndexByte(f.Raw, ':'); i >= 0 {
		return strings.TrimRight(string(f.Raw[:i]), " \t")
	}
	return f.Key
}

// Message is a parsed header block plus the unread body.
type Message struct {
	// FromLine is the mbox separator line including its line ending, or nil.
	FromLine []byte
	Fields   []Field
	// LineEnding is "\r\n" or "\n", detected from the input.
	LineEnding string
	// Body reads everything after the blank line ending the header.
	Body io.Reader
}

// Read parses the header block from r. The returned Message's Body shares
// r's buffer and must be consumed before r is used again.
func Read(r io.Reader) (*Message, error) {
	br, ok := r.(*bufio.Reader)
	if !ok {
		br = bufio.NewReader(r)
	}

	msg := &Message{LineEnding: detectLineEnding(br), Body: br}

	if prefix, err := br.Peek(len(mboxPrefix)); err == nil && string(prefix) == mboxPrefix {
		line, err := br.ReadBytes('\n')
		if err != nil && err != io.EOF {
			return nil, fmt.Errorf("failed to read mbox separator: %w", err)
		}
		msg.FromLine = line
	}

	if first, err := br.Peek(1); err == nil && (first[0] == ' ' || first[0] == '\t') {
		return nil, fmt.Errorf("%w: unexpected continuation line", ErrMalformed)
	}

	hdr, err := readHeader(br)
	if err != nil {
		return nil, err
	}

	fields := hdr.Fields()
	for fields.Next() {
		raw, err := fields.Raw()
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		if msg.LineEnding == "\n" {
			// textproto stores every line with CRLF.
			raw = bytes.ReplaceAll(raw, []byte("\r\n"), []byte("\n"))
		}
		msg.Fields = append(msg.Fields, Field{Key: fields.Key(), Value: fields.Value(), Raw: raw})
	}
	return msg, nil
}

// readHeader wraps textproto.ReadHeader. A message that ends without the
// blank separator line is accepted as header-only.
func readHeader(br *bufio.Reader) (textproto.Header, error) {
	if next, err := br.Peek(1); err == io.EOF || (err == nil && next[0] == '\n') {
		if err == nil {
			_, _ = br.ReadByte()
		}
		return textproto.Header{}, nil
	}
	hdr, err := textproto.ReadHeader(br)
	if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
		return textproto.Header{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return hdr, nil
}

// detectLineEnding looks at the first buffered line without consuming it.
func detectLineEnding(br *bufio.Reader) string {
	buf, _ := br.Peek(br.Size())
	nl := bytes.IndexByte(buf, '\n')
	if nl > 0 && buf[nl-1] == '\r' {
		return "\r\n"
	}
	return "\n"
}

// Values returns the trimmed values of every field named key, compared
// case-insensitively, in message order.
func (m *Message) Values(key string) []string {
	var out []string
	for _, f := range m.Fields {
		if strings.EqualFold(f.Key, key) {
			out = append(out, strings.TrimSpace(f.Value))
		}
	}
	return out
}

// FormatField renders a new "Key: value" line with the message's line ending.
func (m *Message) FormatField(key, value string) []byte {
	return []byte(key + ": " + value + m.LineEnding)
}
