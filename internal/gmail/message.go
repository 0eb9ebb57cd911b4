package gmail

import (
	"encoding/base64"
	"fmt"
	"html"
	"mime"
	"net/mail"
	"regexp"
	"strings"
	"time"

	gmail "google.golang.org/api/gmail/v1"

	"github.com/teemow/inboxmeet/internal/negotiation"
)

var (
	htmlBreak = regexp.MustCompile(`(?i)<br\s*/?>|</p>|</div>`)
	htmlTag   = regexp.MustCompile(`<[^>]*>`)
	blankRuns = regexp.MustCompile(`\n{3,}`)
)

// encodeRFC2047 encodes a string for use in email headers according to RFC 2047
func encodeRFC2047(s string) string {
	for _, r := range s {
		if r > 127 {
			return mime.BEncoding.Encode("UTF-8", s)
		}
	}
	return s
}

// appendSignature adds a plain-text signature block to body.
func appendSignature(body, signature string) string {
	if signature == "" {
		return body
	}
	return body + "\n\n-- \n" + signature
}

// buildRaw renders msg as an RFC 2822 message. references is the existing
// References header of the message being answered, if any.
func buildRaw(msg negotiation.Outbound, references, signature string) (string, error) {
	if msg.To == "" {
		return "", fmt.Errorf("recipient is required")
	}
	if msg.Subject == "" {
		return "", fmt.Errorf("subject is required")
	}
	if msg.Body == "" {
		return "", fmt.Errorf("body is required")
	}

	var b strings.Builder
	b.WriteString("To: " + msg.To + "\r\n")
	b.WriteString("Subject: " + encodeRFC2047(msg.Subject) + "\r\n")
	if msg.InReplyTo != "" {
		b.WriteString("In-Reply-To: " + msg.InReplyTo + "\r\n")
		refs := msg.InReplyTo
		if references != "" {
			refs = references + " " + msg.InReplyTo
		}
		b.WriteString("References: " + refs + "\r\n")
	}
	if msg.Negotiation != "" {
		b.WriteString(negotiation.GeneratedHeader + ": " + msg.Negotiation + "\r\n")
	}
	b.WriteString("Content-Type: text/plain; charset=\"UTF-8\"\r\n")
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("\r\n")
	b.WriteString(appendSignature(msg.Body, signature))

	return base64.URLEncoding.EncodeToString([]byte(b.String())), nil
}

// HeaderValue extracts a header value from a Gmail message. Header names
// are matched case-insensitively.
func HeaderValue(m *gmail.Message, header string) string {
	if m == nil || m.Payload == nil {
		return ""
	}
	for _, h := range m.Payload.Headers {
		if strings.EqualFold(h.Name, header) {
			return h.Value
		}
	}
	return ""
}

// walkParts recursively walks through message parts
func walkParts(part *gmail.MessagePart, fn func(*gmail.MessagePart)) {
	if part == nil {
		return
	}
	fn(part)
	for _, sub := range part.Parts {
		walkParts(sub, fn)
	}
}

func findPart(root *gmail.MessagePart, mimeType string) string {
	var data string
	walkParts(root, func(part *gmail.MessagePart) {
		if data == "" && part.MimeType == mimeType && part.Filename == "" && part.Body != nil && part.Body.Data != "" {
			data = part.Body.Data
		}
	})
	return data
}

func decodeBody(data string) (string, error) {
	decoded, err := base64.URLEncoding.DecodeString(data)
	if err != nil {
		// Some payloads arrive unpadded.
		decoded, err = base64.RawURLEncoding.DecodeString(data)
		if err != nil {
			return "", fmt.Errorf("failed to decode message body: %w", err)
		}
	}
	return string(decoded), nil
}

// htmlToText flattens an HTML body into plain text.
func htmlToText(s string) string {
	s = htmlBreak.ReplaceAllString(s, "\n")
	s = htmlTag.ReplaceAllString(s, "")
	s = html.UnescapeString(s)
	s = strings.ReplaceAll(s, "\r\n", "\n")
	s = blankRuns.ReplaceAllString(s, "\n\n")
	return strings.TrimSpace(s)
}

// MessageBody returns the plain-text body of m, flattening HTML when no
// text/plain part exists.
func MessageBody(m *gmail.Message) (string, error) {
	if m == nil || m.Payload == nil {
		return "", fmt.Errorf("message has no payload")
	}
	if data := findPart(m.Payload, "text/plain"); data != "" {
		return decodeBody(data)
	}
	if data := findPart(m.Payload, "text/html"); data != "" {
		body, err := decodeBody(data)
		if err != nil {
			return "", err
		}
		return htmlToText(body), nil
	}
	return "", nil
}

// toEmail converts a full-format Gmail message into an engine email.
func toEmail(m *gmail.Message) (negotiation.Email, error) {
	body, err := MessageBody(m)
	if err != nil {
		return negotiation.Email{}, fmt.Errorf("message %s: %w", m.Id, err)
	}
	received := time.UnixMilli(m.InternalDate).UTC()
	if m.InternalDate == 0 {
		if parsed, err := mailDate(HeaderValue(m, "Date")); err == nil {
			received = parsed
		}
	}
	return negotiation.Email{
		MessageID:  m.Id,
		RFC822ID:   HeaderValue(m, "Message-ID"),
		ThreadID:   m.ThreadId,
		From:       HeaderValue(m, "From"),
		Subject:    decodeHeader(HeaderValue(m, "Subject")),
		Body:       body,
		ReceivedAt: received,
		Generated:  HeaderValue(m, negotiation.GeneratedHeader) != "",
	}, nil
}

func decodeHeader(v string) string {
	dec := new(mime.WordDecoder)
	out, err := dec.DecodeHeader(v)
	if err != nil {
		return v
	}
	return out
}

func mailDate(v string) (time.Time, error) {
	t, err := mail.ParseDate(strings.TrimSpace(v))
	if err != nil {
		return time.Time{}, err
	}
	return t.UTC(), nil
}
