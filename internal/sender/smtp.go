package sender

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"mime/multipart"
	"net"
	"net/smtp"
	"net/textproto"
	"strconv"
	"time"
)

// SMTPSender delivers through a plain SMTP relay. One connection per send;
// the relay is expected to be a local forwarder, not a remote MX.
type SMTPSender struct {
	Host     string
	Port     int
	User     string
	Pass     string
	StartTLS bool
}

func NewSMTPSender(host string, port int, user, pass string, startTLS bool) *SMTPSender {
	return &SMTPSender{Host: host, Port: port, User: user, Pass: pass, StartTLS: startTLS}
}

func (s *SMTPSender) Name() string { return "smtp" }

// Send performs one SMTP transaction. The context deadline is applied to the
// whole connection since net/smtp itself is not context-aware.
func (s *SMTPSender) Send(ctx context.Context, env Envelope) error {
	addr := net.JoinHostPort(s.Host, strconv.Itoa(s.Port))

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("smtp dial %s: %w", addr, err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	} else {
		conn.SetDeadline(time.Now().Add(30 * time.Second))
	}

	c, err := smtp.NewClient(conn, s.Host)
	if err != nil {
		conn.Close()
		return fmt.Errorf("smtp handshake: %w", err)
	}
	defer c.Close()

	if s.StartTLS {
		if ok, _ := c.Extension("STARTTLS"); ok {
			if err := c.StartTLS(&tls.Config{ServerName: s.Host}); err != nil {
				return fmt.Errorf("smtp starttls: %w", err)
			}
		}
	}

	if s.User != "" {
		auth := smtp.PlainAuth("", s.User, s.Pass, s.Host)
		if err := c.Auth(auth); err != nil {
			return fmt.Errorf("smtp auth: %w", err)
		}
	}

	if err := c.Mail(env.From); err != nil {
		return fmt.Errorf("smtp mail from: %w", err)
	}
	if err := c.Rcpt(env.To); err != nil {
		return fmt.Errorf("smtp rcpt to: %w", err)
	}

	w, err := c.Data()
	if err != nil {
		return fmt.Errorf("smtp data: %w", err)
	}
	if _, err := w.Write(BuildMIME(env)); err != nil {
		w.Close()
		return fmt.Errorf("smtp write body: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("smtp close body: %w", err)
	}

	return c.Quit()
}

// BuildMIME renders the wire message. Both bodies present yields
// multipart/alternative with text first so clients prefer the HTML part;
// missing text falls back to an empty plain body rather than omitting the
// part entirely.
func BuildMIME(env Envelope) []byte {
	var buf bytes.Buffer

	writeHeader := func(k, v string) {
		fmt.Fprintf(&buf, "%s: %s\r\n", k, v)
	}
	writeHeader("From", env.FromHeader())
	writeHeader("To", env.To)
	writeHeader("Subject", env.Subject)
	if env.ReplyTo != "" {
		writeHeader("Reply-To", env.ReplyTo)
	}
	writeHeader("Date", time.Now().UTC().Format(time.RFC1123Z))
	writeHeader("MIME-Version", "1.0")

	switch {
	case env.BodyHTML != "" && env.BodyText != "":
		mw := multipart.NewWriter(&buf)
		writeHeader("Content-Type", "multipart/alternative; boundary="+mw.Boundary())
		buf.WriteString("\r\n")

		pw, _ := mw.CreatePart(textproto.MIMEHeader{
			"Content-Type": {"text/plain; charset=utf-8"},
		})
		fmt.Fprint(pw, env.BodyText)
		pw, _ = mw.CreatePart(textproto.MIMEHeader{
			"Content-Type": {"text/html; charset=utf-8"},
		})
		fmt.Fprint(pw, env.BodyHTML)
		mw.Close()
	case env.BodyHTML != "":
		writeHeader("Content-Type", "text/html; charset=utf-8")
		buf.WriteString("\r\n")
		buf.WriteString(env.BodyHTML)
	default:
		writeHeader("Content-Type", "text/plain; charset=utf-8")
		buf.WriteString("\r\n")
		buf.WriteString(env.BodyText)
	}

	return buf.Bytes()
}
