package relay

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"

	"github.com/carloslauriano/postoffice/logger"
	"github.com/emersion/go-smtp"
)

// RelayError indica se uma falha de entrega é definitiva.
// Respostas 5xx são definitivas; 4xx e erros de rede podem ser repetidos.
type RelayError struct {
	Err       error
	Permanent bool
}

func (e *RelayError) Error() string {
	if e.Permanent {
		return fmt.Sprintf("falha permanente: %v", e.Err)
	}
	return fmt.Sprintf("falha temporária: %v", e.Err)
}

func (e *RelayError) Unwrap() error {
	return e.Err
}

// IsPermanent indica se o erro não deve ser repetido
func IsPermanent(err error) bool {
	if err == nil {
		return false
	}
	var relayErr *RelayError
	if errors.As(err, &relayErr) {
		return relayErr.Permanent
	}
	var smtpErr *smtp.SMTPError
	if errors.As(err, &smtpErr) {
		return !smtpErr.Temporary()
	}
	return false
}

func classify(step string, err error) error {
	return &RelayError{Err: fmt.Errorf("%s: %w", step, err), Permanent: IsPermanent(err)}
}

// Transport entrega uma mensagem a um servidor remoto
type Transport interface {
	Send(ctx context.Context, route Route, from string, to []string, raw []byte) error
}

// SMTPTransport entrega mensagens com o cliente SMTP do go-smtp
type SMTPTransport struct {
	LocalName string
	TLSConfig *tls.Config
}

func (t *SMTPTransport) tlsConfig(host string) *tls.Config {
	cfg := &tls.Config{MinVersion: tls.VersionTLS12}
	if t.TLSConfig != nil {
		cfg = t.TLSConfig.Clone()
	}
	if cfg.ServerName == "" {
		cfg.ServerName = host
	}
	return cfg
}

// dial abre a conexão respeitando o contexto e só então monta o cliente SMTP
func (t *SMTPTransport) dial(ctx context.Context, route Route) (*smtp.Client, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", route.Addr())
	if err != nil {
		return nil, err
	}
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	var c *smtp.Client
	switch {
	case route.ImplicitTLS():
		c = smtp.NewClient(tls.Client(conn, t.tlsConfig(route.Host)))
	case route.Secure():
		// NewClientStartTLS já envia EHLO e STARTTLS
		return smtp.NewClientStartTLS(conn, t.tlsConfig(route.Host))
	default:
		c = smtp.NewClient(conn)
	}
	if t.LocalName != "" {
		if err := c.Hello(t.LocalName); err != nil {
			c.Close()
			return nil, err
		}
	}
	return c, nil
}

// Send entrega a mensagem. O contexto limita toda a conversa SMTP.
func (t *SMTPTransport) Send(ctx context.Context, route Route, from string, to []string, raw []byte) error {
	done := make(chan error, 1)
	go func() {
		done <- t.send(ctx, route, from, to, raw)
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return &RelayError{Err: fmt.Errorf("entrega para %s interrompida: %w", route.Addr(), ctx.Err())}
	}
}

func (t *SMTPTransport) send(ctx context.Context, route Route, from string, to []string, raw []byte) error {
	c, err := t.dial(ctx, route)
	if err != nil {
		return &RelayError{Err: fmt.Errorf("falha ao conectar em %s: %w", route.Addr(), err)}
	}
	defer c.Close()
	stop := context.AfterFunc(ctx, func() { c.Close() })
	defer stop()

	if err := c.Mail(from, nil); err != nil {
		return classify("MAIL FROM", err)
	}
	for _, rcpt := range to {
		if err := c.Rcpt(rcpt, nil); err != nil {
			return classify("RCPT TO "+rcpt, err)
		}
	}

	wc, err := c.Data()
	if err != nil {
		return classify("DATA", err)
	}
	if _, err := wc.Write(raw); err != nil {
		_ = wc.Close()
		return &RelayError{Err: fmt.Errorf("falha ao escrever mensagem: %w", err)}
	}
	if err := wc.Close(); err != nil {
		return classify("fim de DATA", err)
	}

	if err := c.Quit(); err != nil {
		logger.Warn("Falha ao enviar QUIT", "addr", route.Addr(), "error", err)
	}
	return nil
}
