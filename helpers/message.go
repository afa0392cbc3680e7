package helpers

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/emersion/go-message"
	"github.com/emersion/go-message/mail"
	"github.com/emersion/go-message/textproto"
)

// MessageSummary holds the header fields logged for a relayed message.
type MessageSummary struct {
	MessageID string
	Subject   string
	From      string
	Size      int
}

// SummarizeMessage parses the header block of a raw RFC 5322 message.
// Only the header is read, the body is never decoded. A message without
// a body separator is accepted.
func SummarizeMessage(raw []byte) (MessageSummary, error) {
	summary := MessageSummary{Size: len(raw)}

	th, err := textproto.ReadHeader(bufio.NewReader(bytes.NewReader(raw)))
	if err != nil && !errors.Is(err, io.EOF) {
		return summary, fmt.Errorf("failed to parse message header: %w", err)
	}

	h := mail.Header{Header: message.Header{Header: th}}
	if id, err := h.MessageID(); err == nil {
		summary.MessageID = id
	}
	if subject, err := h.Subject(); err == nil {
		summary.Subject = subject
	} else {
		summary.Subject = h.Get("Subject")
	}
	if from, err := h.AddressList("From"); err == nil && len(from) > 0 {
		summary.From = from[0].Address
	}

	return summary, nil
}
