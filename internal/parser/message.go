package parser

import (
	"encoding/base64"
	"fmt"
	"strings"
	"time"
)

// MessagePart is one node of a provider message tree. Data holds the
// base64url transport encoding exactly as the provider returned it.
type MessagePart struct {
	MimeType string
	Filename string
	Data     string
	Parts    []*MessagePart
}

// RawMessage is a fetched message before decoding
type RawMessage struct {
	ID           string
	ThreadID     string
	Headers      map[string]string
	Payload      *MessagePart
	InternalDate time.Time
}

// Headers are the decoded headers the matcher looks at
type Headers struct {
	From    string
	To      string
	Subject string
	Date    time.Time
}

// Decode extracts headers and the plain-text body of msg. A non-multipart
// body wins when present; otherwise every text/plain part is concatenated
// in depth-first order. Only base64url transport decoding is applied.
func Decode(msg *RawMessage) (Headers, string, error) {
	if msg == nil {
		return Headers{}, "", fmt.Errorf("nil message")
	}

	h := decodeHeaders(msg.Headers)
	if h.Date.IsZero() {
		h.Date = msg.InternalDate
	}

	if msg.Payload == nil {
		return h, "", nil
	}

	if msg.Payload.Data != "" {
		body, err := decodeData(msg.Payload.Data)
		if err != nil {
			return h, "", fmt.Errorf("failed to decode body of %s: %w", msg.ID, err)
		}
		return h, body, nil
	}

	var texts []string
	if err := collectParts(msg.Payload.Parts, "text/plain", &texts); err != nil {
		return h, "", fmt.Errorf("failed to decode parts of %s: %w", msg.ID, err)
	}
	return h, strings.Join(texts, "\n"), nil
}

// HTMLBody returns the first text/html part of msg, decoded, or "".
func HTMLBody(msg *RawMessage) string {
	if msg == nil || msg.Payload == nil {
		return ""
	}
	if msg.Payload.Data != "" {
		if !strings.HasPrefix(msg.Payload.MimeType, "text/html") {
			return ""
		}
		body, err := decodeData(msg.Payload.Data)
		if err != nil {
			return ""
		}
		return body
	}

	var htmls []string
	if err := collectParts(msg.Payload.Parts, "text/html", &htmls); err != nil || len(htmls) == 0 {
		return ""
	}
	return htmls[0]
}

func collectParts(parts []*MessagePart, mimeType string, out *[]string) error {
	for _, part := range parts {
		if part == nil {
			continue
		}
		if part.Data != "" && part.Filename == "" && strings.HasPrefix(part.MimeType, mimeType) {
			text, err := decodeData(part.Data)
			if err != nil {
				return err
			}
			*out = append(*out, text)
		}

		// Recursively check nested parts
		if len(part.Parts) > 0 {
			if err := collectParts(part.Parts, mimeType, out); err != nil {
				return err
			}
		}
	}
	return nil
}

// decodeData accepts base64url with or without padding
func decodeData(data string) (string, error) {
	decoded, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(data, "="))
	if err != nil {
		return "", err
	}
	return string(decoded), nil
}

func decodeHeaders(raw map[string]string) Headers {
	var h Headers
	for name, value := range raw {
		switch strings.ToLower(name) {
		case "from":
			h.From = value
		case "to":
			h.To = value
		case "subject":
			h.Subject = value
		case "date":
			if t, err := ParseEmailDate(value); err == nil {
				h.Date = t
			}
		}
	}
	return h
}

// ParseEmailDate parses the Date header formats seen in the wild
func ParseEmailDate(dateStr string) (time.Time, error) {
	formats := []string{
		time.RFC1123Z,
		time.RFC1123,
		"Mon, 2 Jan 2006 15:04:05 -0700",
		"Mon, 2 Jan 2006 15:04:05 MST",
		"2 Jan 2006 15:04:05 -0700",
		time.RFC3339,
	}

	dateStr = strings.TrimSpace(dateStr)

	// Remove timezone name in parentheses, e.g. "(UTC)"
	if idx := strings.Index(dateStr, " ("); idx != -1 {
		dateStr = dateStr[:idx]
	}

	for _, format := range formats {
		if t, err := time.Parse(format, dateStr); err == nil {
			return t, nil
		}
	}

	return time.Time{}, fmt.Errorf("unable to parse date: %s", dateStr)
}
