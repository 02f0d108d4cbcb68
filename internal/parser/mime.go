package parser

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/emersion/go-message"
	"github.com/emersion/go-message/mail"
)

// DecodeMIME applies the same body rule as Decode to an RFC 5322 stream,
// such as a saved .eml file. Content-Transfer-Encoding is undone by
// go-message; charsets other than UTF-8/ASCII are passed through as-is.
func DecodeMIME(r io.Reader) (Headers, string, error) {
	mr, err := mail.CreateReader(r)
	if err != nil && !message.IsUnknownCharset(err) {
		return Headers{}, "", fmt.Errorf("failed to read message: %w", err)
	}
	defer mr.Close()

	var h Headers
	h.From = mr.Header.Get("From")
	h.To = mr.Header.Get("To")
	if subject, err := mr.Header.Subject(); err == nil {
		h.Subject = subject
	} else {
		h.Subject = mr.Header.Get("Subject")
	}
	if date, err := mr.Header.Date(); err == nil {
		h.Date = date
	}

	ct, _, _ := mr.Header.ContentType()
	multipart := strings.HasPrefix(ct, "multipart/")

	var texts []string
	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			if message.IsUnknownCharset(err) {
				continue
			}
			return h, "", fmt.Errorf("failed to read part: %w", err)
		}

		inline, ok := part.Header.(*mail.InlineHeader)
		if !ok {
			continue // attachment
		}

		if !multipart {
			body, err := io.ReadAll(part.Body)
			if err != nil {
				return h, "", fmt.Errorf("failed to read body: %w", err)
			}
			return h, string(body), nil
		}

		partType, _, _ := inline.ContentType()
		if partType != "text/plain" {
			continue
		}
		body, err := io.ReadAll(part.Body)
		if err != nil {
			return h, "", fmt.Errorf("failed to read part body: %w", err)
		}
		texts = append(texts, string(body))
	}

	return h, strings.Join(texts, "\n"), nil
}
