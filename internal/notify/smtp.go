package notify

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"time"

	"github.com/emersion/go-message/mail"
	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"
)

var errIncompleteCredentials = errors.New("incomplete SMTP credentials: both user and password are required")

// smtpSendMail is replaced in tests.
var smtpSendMail = smtp.SendMail

// SMTPClient sends HTML notifications through a relay.
type SMTPClient struct {
	host string
	port int
	user string
	pass string
	from string
}

func NewSMTPClient(host string, port int, user, pass, from string) *SMTPClient {
	return &SMTPClient{
		host: host,
		port: port,
		user: user,
		pass: pass,
		from: from,
	}
}

func (c *SMTPClient) auth() (sasl.Client, error) {
	switch {
	case c.user == "" && c.pass == "":
		return nil, nil
	case c.user == "" || c.pass == "":
		return nil, errIncompleteCredentials
	}
	return sasl.NewPlainClient("", c.user, c.pass), nil
}

// Send delivers an HTML message to a single recipient.
func (c *SMTPClient) Send(ctx context.Context, to, subject, body string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	auth, err := c.auth()
	if err != nil {
		return err
	}
	msg, err := c.compose(to, subject, body)
	if err != nil {
		return err
	}
	addr := net.JoinHostPort(c.host, strconv.Itoa(c.port))
	return smtpSendMail(addr, auth, c.from, []string{to}, msg)
}

func (c *SMTPClient) compose(to, subject, body string) (io.Reader, error) {
	var h mail.Header
	h.SetDate(time.Now())
	h.SetAddressList("From", []*mail.Address{{Address: c.from}})
	h.SetAddressList("To", []*mail.Address{{Address: to}})
	h.SetSubject(subject)
	if err := h.GenerateMessageID(); err != nil {
		return nil, fmt.Errorf("generating message id: %w", err)
	}
	h.SetContentType("text/html", map[string]string{"charset": "utf-8"})

	var buf bytes.Buffer
	w, err := mail.CreateSingleInlineWriter(&buf, h)
	if err != nil {
		return nil, fmt.Errorf("creating message: %w", err)
	}
	if _, err := io.WriteString(w, body); err != nil {
		return nil, fmt.Errorf("writing message body: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("closing message: %w", err)
	}
	return &buf, nil
}
