// Package parser extracts identifying header fields from a raw RFC 5322
// message so relay attempts can be correlated in the logs. The message
// itself is always relayed byte for byte; nothing here modifies it.
package parser

import (
	"bufio"
	"bytes"
	"fmt"
	"mime"
	"net/mail"
	"net/textproto"
	"strings"
)

// maxSubjectLength bounds the subject recorded in log lines.
const maxSubjectLength = 120

// Summary holds the header fields worth logging for one message.
type Summary struct {
	MessageID string
	Subject   string
	From      string
}

// Summarize reads only the header block of raw. Messages without a parseable
// header yield an error; callers are expected to log and carry on.
func Summarize(raw []byte) (Summary, error) {
	header, err := readHeader(raw)
	if err != nil {
		return Summary{}, fmt.Errorf("failed to parse message header: %w", err)
	}

	s := Summary{
		MessageID: strings.Trim(header.Get("Message-Id"), "<> \t"),
		Subject:   decodeHeader(header.Get("Subject")),
	}

	if from := header.Get("From"); from != "" {
		if addr, err := mail.ParseAddress(from); err == nil {
			s.From = addr.Address
		} else {
			s.From = from
		}
	}

	if len(s.Subject) > maxSubjectLength {
		s.Subject = s.Subject[:maxSubjectLength]
	}
	return s, nil
}

// readHeader parses the header section without touching the body.
func readHeader(raw []byte) (mail.Header, error) {
	r := textproto.NewReader(bufio.NewReader(bytes.NewReader(raw)))
	h, err := r.ReadMIMEHeader()
	if err != nil && len(h) == 0 {
		return nil, err
	}
	return mail.Header(h), nil
}

// decodeHeader decodes RFC 2047 encoded-words, falling back to the raw value.
func decodeHeader(v string) string {
	dec := new(mime.WordDecoder)
	decoded, err := dec.DecodeHeader(v)
	if err != nil {
		return v
	}
	return decoded
}
