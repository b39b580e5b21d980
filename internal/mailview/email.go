// Package mailview parses quarantined messages for display.
package mailview

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/emersion/go-message"
	_ "github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"
	"github.com/k3a/html2text"
)

const (
	FormatPlain = "plain"
	FormatHTML  = "html"
)

// alertHeader carries the amavis quarantine reason.
const alertHeader = "X-Amavis-Alert"

// legacyBadHeader prefixes the alert of old amavis versions, which had no
// comma after the type.
const legacyBadHeader = "BAD HEADER SECTION"

// summaryHeaders are shown above the body, in this order.
var summaryHeaders = []string{"From", "To", "Cc", "Reply-To", "Date", "Subject"}

// Header is one decoded header field.
type Header struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// HeaderView is the header block of a quarantined message.
type HeaderView struct {
	QType   string   `json:"qtype,omitempty"`
	QReason string   `json:"qreason,omitempty"`
	Headers []Header `json:"headers"`
}

// Email is a parsed quarantined message.
type Email struct {
	QType   string
	QReason string

	header mail.Header
	plain  string
	html   string
}

// Parse reads a raw RFC 5322 message. Unknown charsets are tolerated.
func Parse(raw string) (*Email, error) {
	ent, err := message.Read(strings.NewReader(raw))
	if message.IsUnknownCharset(err) {
		slog.Debug("unknown message charset", "error", err)
	} else if err != nil {
		return nil, fmt.Errorf("reading message: %w", err)
	}

	e := &Email{header: mail.Header{Header: ent.Header}}
	e.parseAlert(ent.Header.Get(alertHeader))

	err = ent.Walk(func(_ []int, part *message.Entity, err error) error {
		if err != nil {
			if message.IsUnknownCharset(err) || message.IsUnknownEncoding(err) {
				return nil
			}
			return err
		}
		mediaType, _, _ := part.Header.ContentType()
		if strings.HasPrefix(mediaType, "multipart/") {
			return nil
		}
		if disp, _, _ := part.Header.ContentDisposition(); disp == "attachment" {
			return nil
		}
		switch mediaType {
		case "", "text/plain":
			if e.plain == "" {
				e.plain = readPart(part)
			}
		case "text/html":
			if e.html == "" {
				e.html = readPart(part)
			}
		}
		return nil
	})
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) {
		return nil, fmt.Errorf("walking message: %w", err)
	}
	return e, nil
}

func readPart(part *message.Entity) string {
	b, err := io.ReadAll(part.Body)
	if err != nil {
		slog.Debug("truncated message part", "error", err)
	}
	return string(b)
}

func (e *Email) parseAlert(alert string) {
	if alert == "" {
		return
	}
	reason := alert
	if typ, rest, ok := strings.Cut(alert, ","); ok {
		e.QType, reason = typ, rest
	} else if strings.HasPrefix(alert, legacyBadHeader+" ") {
		e.QType = legacyBadHeader
		reason = alert[len(legacyBadHeader)+1:]
	}
	e.QReason = strings.Join(strings.Fields(reason), " ")
}

func (e *Email) text(name string) string {
	v, err := e.header.Text(name)
	if err != nil {
		return e.header.Get(name)
	}
	return v
}

// RenderHeaders returns the quarantine reason and the summary headers
// present on the message.
func (e *Email) RenderHeaders() HeaderView {
	view := HeaderView{QType: e.QType, QReason: e.QReason}
	for _, name := range summaryHeaders {
		if !e.header.Has(name) {
			continue
		}
		view.Headers = append(view.Headers, Header{Name: name, Value: e.text(name)})
	}
	return view
}

// Headers returns every header field in message order.
func (e *Email) Headers() []Header {
	var out []Header
	fields := e.header.Fields()
	for fields.Next() {
		v, err := fields.Text()
		if err != nil {
			v = fields.Value()
		}
		out = append(out, Header{Name: fields.Key(), Value: v})
	}
	return out
}

// Body returns the message body in format. A plain text body is derived
// from the HTML part when the message has no text part.
func (e *Email) Body(format string) string {
	if format == FormatHTML {
		if e.html != "" {
			return e.html
		}
		return e.plain
	}
	if e.plain == "" && e.html != "" {
		return html2text.HTML2Text(e.html)
	}
	return e.plain
}
