package server

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/carloslauriano/postoffice/blob"
	"github.com/carloslauriano/postoffice/mailstore"
	"github.com/carloslauriano/postoffice/relay"
	"github.com/carloslauriano/postoffice/storage"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"
)

const testPassword = "secret"

type testEnv struct {
	repo  *mailstore.Repository
	blobs blob.Store
	users map[string]*storage.User
}

func newTestEnv(t *testing.T, usernames ...string) *testEnv {
	t.Helper()
	ctx := context.Background()
	repo := mailstore.New(storage.NewMemoryStorage(), "localhost")
	blobs, err := blob.NewFSStore(afero.NewMemMapFs(), "/blobs")
	require.NoError(t, err)

	env := &testEnv{repo: repo, blobs: blobs, users: make(map[string]*storage.User)}
	for _, name := range usernames {
		u, err := repo.CreateUser(ctx, name, testPassword, mailstore.Details{Name: name})
		require.NoError(t, err)
		env.users[name] = u
	}
	return env
}

func (e *testEnv) mailbox(t *testing.T, username, name string) *storage.Mailbox {
	t.Helper()
	box, err := e.repo.MailboxByNameForUser(context.Background(), e.users[username].ID, name)
	require.NoError(t, err)
	return box
}

func (e *testEnv) emails(t *testing.T, username, name string) []mailstore.MailboxEmail {
	t.Helper()
	emails, err := e.repo.EmailsInMailbox(context.Background(), e.mailbox(t, username, name).ID)
	require.NoError(t, err)
	return emails
}

// deliver grava uma mensagem diretamente na caixa indicada
func (e *testEnv) deliver(t *testing.T, username, name string, raw []byte) *storage.Email {
	t.Helper()
	ctx := context.Background()
	handle, err := e.blobs.Put(ctx, raw)
	require.NoError(t, err)
	email, err := e.repo.CreateEmail(ctx, mailstore.NewEmail{
		Envelope:  storage.Envelope{From: "someone@example.com", To: []string{username + "@localhost"}},
		MessageID: "test@example.com",
		RawHandle: handle,
		Size:      int64(len(raw)),
		Mailboxes: []int64{e.mailbox(t, username, name).ID},
	})
	require.NoError(t, err)
	return email
}

type staticResolver map[string][]*net.MX

func (r staticResolver) LookupMX(_ context.Context, name string) ([]*net.MX, error) {
	mx, ok := r[name]
	if !ok {
		return nil, &net.DNSError{Err: "no such host", Name: name, IsNotFound: true}
	}
	return mx, nil
}

type openProber struct{}

func (openProber) Probe(context.Context, string, int) error { return nil }

type delivery struct {
	route relay.Route
	from  string
	to    []string
	raw   []byte
}

type recordingTransport struct {
	mu         sync.Mutex
	deliveries []delivery
}

func (r *recordingTransport) Send(_ context.Context, route relay.Route, from string, to []string, raw []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.deliveries = append(r.deliveries, delivery{route: route, from: from, to: to, raw: raw})
	return nil
}

func (r *recordingTransport) sent() []delivery {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]delivery(nil), r.deliveries...)
}

// failingTransport recusa toda entrega com o mesmo erro
type failingTransport struct {
	err error
}

func (f failingTransport) Send(context.Context, relay.Route, string, []string, []byte) error {
	return f.err
}

func newTestRelayer(env *testEnv, transport relay.Transport) *relay.Relayer {
	return newQueuedTestRelayer(env, transport, relay.NewMemoryQueue())
}

func newQueuedTestRelayer(env *testEnv, transport relay.Transport, queue relay.Queue) *relay.Relayer {
	return relay.New(relay.Options{Host: "localhost", Ports: []int{25}}, relay.Deps{
		Resolver:  staticResolver{"example.org": {{Host: "mx.example.org", Pref: 10}}},
		Prober:    openProber{},
		Transport: transport,
		Blobs:     env.blobs,
		Queue:     queue,
		Bouncer:   &relay.LocalBouncer{Repo: env.repo, Blobs: env.blobs},
	})
}

// testTLSConfig gera um certificado autoassinado para localhost
func testTLSConfig(t *testing.T) *tls.Config {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "localhost"},
		DNSNames:     []string{"localhost"},
		IPAddresses:  []net.IP{net.IPv4(127, 0, 0, 1)},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)

	return &tls.Config{
		Certificates: []tls.Certificate{{Certificate: [][]byte{der}, PrivateKey: key}},
		MinVersion:   tls.VersionTLS12,
	}
}
