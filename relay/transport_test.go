package relay

import (
	"context"
	"net"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// silentServer aceita conexões e nunca envia a saudação SMTP
func silentServer(t *testing.T) Route {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	var (
		mu    sync.Mutex
		conns []net.Conn
	)
	t.Cleanup(func() {
		l.Close()
		mu.Lock()
		defer mu.Unlock()
		for _, c := range conns {
			c.Close()
		}
	})

	go func() {
		for {
			conn, err := l.Accept()
			if err != nil {
				return
			}
			mu.Lock()
			conns = append(conns, conn)
			mu.Unlock()
		}
	}()

	host, port, err := net.SplitHostPort(l.Addr().String())
	require.NoError(t, err)
	p, err := strconv.Atoi(port)
	require.NoError(t, err)
	return Route{Host: host, Port: p}
}

func TestSMTPTransportDialHonorsContext(t *testing.T) {
	route := silentServer(t)
	transport := &SMTPTransport{LocalName: "localhost"}

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		c, err := transport.dial(ctx, route)
		if c != nil {
			c.Close()
		}
		done <- err
	}()

	select {
	case err := <-done:
		assert.Error(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("dial ignorou o prazo do contexto")
	}
}

func TestSMTPTransportSendCanceled(t *testing.T) {
	route := silentServer(t)
	transport := &SMTPTransport{LocalName: "localhost"}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := transport.Send(ctx, route, "alice@localhost", []string{"bob@example.org"}, []byte("Subject: x\r\n\r\n"))
	require.Error(t, err)
	assert.False(t, IsPermanent(err))
}
