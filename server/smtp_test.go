package server

import (
	"context"
	"errors"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/carloslauriano/postoffice/config"
	"github.com/carloslauriano/postoffice/mailstore"
	"github.com/carloslauriano/postoffice/relay"
	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testMessage = "From: alice@localhost\r\n" +
	"To: bob@localhost\r\n" +
	"Subject: Oi\r\n" +
	"Message-Id: <fixed-id@localhost>\r\n" +
	"\r\n" +
	"Olá Bob!\r\n"

func newTestSMTPSession(t *testing.T, b *SMTPBackend) *SMTPSession {
	t.Helper()
	s, err := b.NewSession(nil)
	require.NoError(t, err)
	return s.(*SMTPSession)
}

func authenticate(t *testing.T, s *SMTPSession, username, password string) error {
	t.Helper()
	srv, err := s.Auth(sasl.Plain)
	require.NoError(t, err)
	_, _, err = srv.Next([]byte("\x00" + username + "\x00" + password))
	return err
}

func smtpCode(t *testing.T, err error) int {
	t.Helper()
	var smtpErr *smtp.SMTPError
	require.True(t, errors.As(err, &smtpErr), "erro inesperado: %v", err)
	return smtpErr.Code
}

func TestSMTPAuth(t *testing.T) {
	env := newTestEnv(t, "alice")
	b := NewSMTPBackend(env.repo, env.blobs, nil, 0)

	s := newTestSMTPSession(t, b)
	assert.Equal(t, []string{sasl.Plain}, s.AuthMechanisms())

	_, err := s.Auth(sasl.Login)
	assert.Equal(t, 504, smtpCode(t, err))

	assert.Equal(t, 535, smtpCode(t, authenticate(t, s, "alice", "wrong")))
	assert.Equal(t, 535, smtpCode(t, authenticate(t, s, "ghost", testPassword)))
	assert.Nil(t, s.user)

	require.NoError(t, authenticate(t, s, "alice@localhost", testPassword))
	require.NotNil(t, s.user)
	assert.Equal(t, "alice", s.user.Username)
}

func TestSMTPAuthRejectsForeignIdentity(t *testing.T) {
	env := newTestEnv(t, "alice", "bob")
	s := newTestSMTPSession(t, NewSMTPBackend(env.repo, env.blobs, nil, 0))

	srv, err := s.Auth(sasl.Plain)
	require.NoError(t, err)
	_, _, err = srv.Next([]byte("bob\x00alice\x00" + testPassword))
	assert.Equal(t, 535, smtpCode(t, err))
	assert.Nil(t, s.user)
}

func TestSMTPSenderPolicy(t *testing.T) {
	env := newTestEnv(t, "alice", "bob")
	b := NewSMTPBackend(env.repo, env.blobs, nil, 0)

	s := newTestSMTPSession(t, b)
	assert.Equal(t, 530, smtpCode(t, s.Mail("alice@localhost", nil)))
	assert.NoError(t, s.Mail("someone@example.com", nil))
	assert.NoError(t, s.Mail("", nil))

	require.NoError(t, authenticate(t, s, "alice", testPassword))
	assert.Equal(t, 553, smtpCode(t, s.Mail("bob@localhost", nil)))
	assert.NoError(t, s.Mail("ALICE@localhost", nil))
}

func TestSMTPRecipientPolicy(t *testing.T) {
	env := newTestEnv(t, "alice", "bob")
	b := NewSMTPBackend(env.repo, env.blobs, nil, 0)

	s := newTestSMTPSession(t, b)
	require.NoError(t, s.Mail("someone@example.com", nil))
	assert.NoError(t, s.Rcpt("bob@localhost", nil))
	assert.Equal(t, 550, smtpCode(t, s.Rcpt("nobody@localhost", nil)))
	assert.Equal(t, 554, smtpCode(t, s.Rcpt("carol@example.org", nil)))
	assert.Equal(t, []string{"bob@localhost"}, s.to)

	require.NoError(t, authenticate(t, s, "alice", testPassword))
	assert.NoError(t, s.Rcpt("carol@example.org", nil))

	s.Reset()
	assert.Empty(t, s.from)
	assert.Empty(t, s.to)
}

func TestSMTPDataWithoutRecipients(t *testing.T) {
	env := newTestEnv(t, "alice")
	s := newTestSMTPSession(t, NewSMTPBackend(env.repo, env.blobs, nil, 0))

	require.NoError(t, s.Mail("someone@example.com", nil))
	assert.Equal(t, 554, smtpCode(t, s.Data(strings.NewReader(testMessage))))
}

func TestSMTPDataDeliversLocally(t *testing.T) {
	env := newTestEnv(t, "alice", "bob")
	b := NewSMTPBackend(env.repo, env.blobs, nil, 0)
	b.lookupAddr = func(context.Context, string) ([]string, error) {
		return []string{"mail.example.net."}, nil
	}

	s := newTestSMTPSession(t, b)
	s.remoteIP = "192.0.2.1"
	require.NoError(t, s.Mail("someone@example.net", nil))
	require.NoError(t, s.Rcpt("bob@localhost", nil))
	require.NoError(t, s.Data(strings.NewReader(testMessage)))

	inbox := env.emails(t, "bob", mailstore.Inbox)
	require.Len(t, inbox, 1)
	email := inbox[0]
	assert.Equal(t, "fixed-id@localhost", email.MessageID)
	assert.Equal(t, int64(len(testMessage)), email.Size)
	assert.Equal(t, "someone@example.net", email.Envelope.From)
	assert.Equal(t, "192.0.2.1", email.Metadata.RemoteIP)
	assert.Equal(t, "mail.example.net", email.Metadata.RemoteHost)
	assert.False(t, email.Metadata.Received.IsZero())

	raw, err := env.blobs.Get(context.Background(), email.RawHandle)
	require.NoError(t, err)
	assert.Equal(t, testMessage, string(raw))

	// remetente externo não ganha cópia em Sent
	assert.Empty(t, env.emails(t, "alice", mailstore.Sent))
}

func TestSMTPDataCopiesToSent(t *testing.T) {
	env := newTestEnv(t, "alice", "bob")
	b := NewSMTPBackend(env.repo, env.blobs, nil, 0)
	b.lookupAddr = nil

	s := newTestSMTPSession(t, b)
	require.NoError(t, authenticate(t, s, "alice", testPassword))
	require.NoError(t, s.Mail("alice@localhost", nil))
	require.NoError(t, s.Rcpt("bob@localhost", nil))
	require.NoError(t, s.Data(strings.NewReader("Subject: sem id\r\n\r\ncorpo\r\n")))

	inbox := env.emails(t, "bob", mailstore.Inbox)
	sent := env.emails(t, "alice", mailstore.Sent)
	require.Len(t, inbox, 1)
	require.Len(t, sent, 1)
	assert.Equal(t, inbox[0].ID, sent[0].ID)
	assert.True(t, strings.HasSuffix(inbox[0].MessageID, "@localhost"))
	assert.Empty(t, inbox[0].Metadata.RemoteHost)
}

func TestSMTPDataTooLarge(t *testing.T) {
	env := newTestEnv(t, "bob")
	s := newTestSMTPSession(t, NewSMTPBackend(env.repo, env.blobs, nil, 16))

	require.NoError(t, s.Mail("someone@example.com", nil))
	require.NoError(t, s.Rcpt("bob@localhost", nil))
	err := s.Data(strings.NewReader(testMessage))
	assert.ErrorIs(t, err, smtp.ErrDataTooLarge)
	assert.Empty(t, env.emails(t, "bob", mailstore.Inbox))
}

func TestSMTPDataRelaysRemoteRecipients(t *testing.T) {
	env := newTestEnv(t, "alice", "bob")
	transport := &recordingTransport{}
	b := NewSMTPBackend(env.repo, env.blobs, newTestRelayer(env, transport), 0)
	b.lookupAddr = nil

	s := newTestSMTPSession(t, b)
	require.NoError(t, authenticate(t, s, "alice", testPassword))
	require.NoError(t, s.Mail("alice@localhost", nil))
	require.NoError(t, s.Rcpt("bob@localhost", nil))
	require.NoError(t, s.Rcpt("carol@example.org", nil))
	require.NoError(t, s.Data(strings.NewReader(testMessage)))
	b.Wait()

	sent := transport.sent()
	require.Len(t, sent, 1)
	assert.Equal(t, "mx.example.org", sent[0].route.Host)
	assert.Equal(t, "alice@localhost", sent[0].from)
	assert.Equal(t, []string{"carol@example.org"}, sent[0].to)
	assert.Equal(t, testMessage, string(sent[0].raw))

	assert.Len(t, env.emails(t, "bob", mailstore.Inbox), 1)
	assert.Len(t, env.emails(t, "alice", mailstore.Sent), 1)
}

func TestSMTPDataRelayFailureKeepsLocalDelivery(t *testing.T) {
	tests := []struct {
		name    string
		err     error
		queued  int
		bounced int
	}{
		{"transitória vai para a fila", &smtp.SMTPError{Code: 451, Message: "tente depois"}, 1, 0},
		{"definitiva gera retorno", &smtp.SMTPError{Code: 550, Message: "no such user"}, 0, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, "alice", "bob")
			queue := relay.NewMemoryQueue()
			b := NewSMTPBackend(env.repo, env.blobs, newQueuedTestRelayer(env, failingTransport{err: tt.err}, queue), 0)
			b.lookupAddr = nil

			s := newTestSMTPSession(t, b)
			require.NoError(t, authenticate(t, s, "alice", testPassword))
			require.NoError(t, s.Mail("alice@localhost", nil))
			require.NoError(t, s.Rcpt("bob@localhost", nil))
			require.NoError(t, s.Rcpt("carol@example.org", nil))
			require.NoError(t, s.Data(strings.NewReader(testMessage)))
			b.Wait()

			inbox := env.emails(t, "bob", mailstore.Inbox)
			sent := env.emails(t, "alice", mailstore.Sent)
			require.Len(t, inbox, 1)
			require.Len(t, sent, 1)
			assert.Equal(t, inbox[0].ID, sent[0].ID)

			n, err := queue.Len(context.Background())
			require.NoError(t, err)
			assert.Equal(t, tt.queued, n)
			assert.Len(t, env.emails(t, "alice", mailstore.Inbox), tt.bounced)
		})
	}
}

func TestSMTPDataRelayResolverFailure(t *testing.T) {
	env := newTestEnv(t, "alice", "bob")
	transport := &recordingTransport{}
	b := NewSMTPBackend(env.repo, env.blobs, newTestRelayer(env, transport), 0)
	b.lookupAddr = nil

	s := newTestSMTPSession(t, b)
	require.NoError(t, authenticate(t, s, "alice", testPassword))
	require.NoError(t, s.Mail("alice@localhost", nil))
	require.NoError(t, s.Rcpt("bob@localhost", nil))
	require.NoError(t, s.Rcpt("carol@unknown.example", nil))
	require.NoError(t, s.Data(strings.NewReader(testMessage)))
	b.Wait()

	assert.Empty(t, transport.sent())
	assert.Len(t, env.emails(t, "bob", mailstore.Inbox), 1)
	assert.Len(t, env.emails(t, "alice", mailstore.Sent), 1)
	// domínio inexistente gera retorno
	assert.Len(t, env.emails(t, "alice", mailstore.Inbox), 1)
}

func TestSMTPDataRevalidatesSender(t *testing.T) {
	env := newTestEnv(t, "bob")
	s := newTestSMTPSession(t, NewSMTPBackend(env.repo, env.blobs, nil, 0))

	s.from = "bob@localhost"
	s.to = []string{"bob@localhost"}
	assert.Equal(t, 530, smtpCode(t, s.Data(strings.NewReader(testMessage))))
}

func TestRemoteHost(t *testing.T) {
	assert.Equal(t, "", remoteHost(nil))
	assert.Equal(t, "192.0.2.7", remoteHost(&net.TCPAddr{IP: net.ParseIP("192.0.2.7"), Port: 2525}))
	assert.Equal(t, "/tmp/sock", remoteHost(&net.UnixAddr{Name: "/tmp/sock", Net: "unix"}))
}

func TestNewSMTPServer(t *testing.T) {
	env := newTestEnv(t)
	cfg := config.Default()
	cfg.SMTP.Ports = []int{25, 587}
	cfg.SMTP.TLSPorts = []int{465}
	b := NewSMTPBackend(env.repo, env.blobs, nil, 0)

	plain := NewSMTPServer(cfg, b, nil)
	assert.Len(t, plain.plain, 2)
	assert.Empty(t, plain.secure)

	withTLS := NewSMTPServer(cfg, b, testTLSConfig(t))
	assert.Len(t, withTLS.plain, 2)
	require.Len(t, withTLS.secure, 1)
	assert.True(t, strings.HasSuffix(withTLS.secure[0].Addr, ":465"))
	assert.Equal(t, cfg.Server.Host, withTLS.secure[0].Domain)
}

func TestSMTPServerListenFailsOnBusyPort(t *testing.T) {
	env := newTestEnv(t)
	cfg := config.Default()
	b := NewSMTPBackend(env.repo, env.blobs, nil, 0)

	busy, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer busy.Close()

	srv := &SMTPServer{backend: b, plain: []*smtp.Server{
		newSMTPServer(cfg, b, "127.0.0.1:0", nil),
		newSMTPServer(cfg, b, busy.Addr().String(), nil),
	}}
	defer srv.Close()

	done := make(chan error, 1)
	go func() { done <- srv.ListenAndServe() }()

	select {
	case err := <-done:
		require.Error(t, err)
		assert.Contains(t, err.Error(), busy.Addr().String())
	case <-time.After(2 * time.Second):
		t.Fatal("ListenAndServe não retornou o erro de bind")
	}
}

func startSMTP(t *testing.T, b *SMTPBackend) string {
	t.Helper()
	cfg := config.Default()
	cfg.SMTP.AllowInsecureAuth = true
	srv := newSMTPServer(cfg, b, "127.0.0.1:0", nil)

	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go srv.Serve(l)
	t.Cleanup(func() { srv.Close() })
	return l.Addr().String()
}

func TestSMTPServerEndToEnd(t *testing.T) {
	env := newTestEnv(t, "alice", "bob")
	b := NewSMTPBackend(env.repo, env.blobs, nil, 0)
	b.lookupAddr = nil
	addr := startSMTP(t, b)

	c, err := smtp.Dial(addr)
	require.NoError(t, err)
	defer c.Close()
	require.NoError(t, c.Hello("client.test"))

	// sem autenticação o remetente local é recusado
	err = c.Mail("alice@localhost", nil)
	assert.Equal(t, 530, smtpCode(t, err))

	require.NoError(t, c.Auth(sasl.NewPlainClient("", "alice", testPassword)))
	require.NoError(t, c.Mail("alice@localhost", nil))
	assert.Equal(t, 550, smtpCode(t, c.Rcpt("nobody@localhost", nil)))
	require.NoError(t, c.Rcpt("bob@localhost", nil))

	w, err := c.Data()
	require.NoError(t, err)
	_, err = w.Write([]byte(testMessage))
	require.NoError(t, err)
	require.NoError(t, w.Close())
	require.NoError(t, c.Quit())

	inbox := env.emails(t, "bob", mailstore.Inbox)
	require.Len(t, inbox, 1)
	assert.Equal(t, "client.test", inbox[0].Metadata.RemoteHost)
	assert.Equal(t, "127.0.0.1", inbox[0].Metadata.RemoteIP)
	assert.Len(t, env.emails(t, "alice", mailstore.Sent), 1)
}
