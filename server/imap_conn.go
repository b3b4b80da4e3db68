package server

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/carloslauriano/postoffice/config"
	"github.com/carloslauriano/postoffice/logger"
	"github.com/carloslauriano/postoffice/metrics"
	"github.com/emersion/go-imap"
	"golang.org/x/sync/errgroup"
)

const (
	imapIdleTimeout    = 30 * time.Minute
	imapMaxLiteralSize = 64 * 1024
)

// lockedWriter serializa as escritas da sessão com as continuações de literal
type lockedWriter struct {
	mu sync.Mutex
	bw *bufio.Writer
}

func (w *lockedWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.bw.Write(p)
}

func (w *lockedWriter) Flush() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.bw.Flush()
}

// reset passa a escrever em dst, descartando o que estava em buffer
func (w *lockedWriter) reset(dst io.Writer) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.bw = bufio.NewWriter(dst)
}

// imapConn liga uma conexão de rede a uma IMAPSession
type imapConn struct {
	conn      net.Conn
	br        *bufio.Reader
	lw        *lockedWriter
	reader    *imap.Reader
	continues chan bool
}

func newIMAPConn(conn net.Conn) *imapConn {
	c := &imapConn{continues: make(chan bool), lw: &lockedWriter{}}
	c.attach(conn)
	return c
}

// attach troca o transporte. Bytes em buffer do transporte anterior são
// descartados. O lockedWriter é o mesmo durante toda a conexão.
func (c *imapConn) attach(conn net.Conn) {
	c.conn = conn
	c.br = bufio.NewReader(conn)
	c.lw.reset(conn)
	c.reader = imap.NewServerReader(c.br, c.continues)
	c.reader.MaxLiteralSize = imapMaxLiteralSize
}

func (c *imapConn) writer() *imap.Writer {
	return imap.NewWriter(c.lw)
}

// IMAPServer aceita conexões IMAP nas portas configuradas
type IMAPServer struct {
	backend   *IMAPBackend
	tlsConfig *tls.Config
	plain     []string
	secure    []string

	mu        sync.Mutex
	listeners []net.Listener
	conns     map[net.Conn]struct{}
	closed    bool
	wg        sync.WaitGroup
}

// NewIMAPServer prepara os endereços a partir da configuração. Portas em
// imap.tls_ports só são abertas quando há certificado.
func NewIMAPServer(cfg *config.Config, backend *IMAPBackend) *IMAPServer {
	s := &IMAPServer{
		backend:   backend,
		tlsConfig: backend.tlsConfig,
		conns:     make(map[net.Conn]struct{}),
	}
	for _, port := range cfg.IMAP.Ports {
		s.plain = append(s.plain, net.JoinHostPort(cfg.IMAP.Address, fmt.Sprint(port)))
	}
	if backend.tlsConfig != nil {
		for _, port := range cfg.IMAP.TLSPorts {
			s.secure = append(s.secure, net.JoinHostPort(cfg.IMAP.Address, fmt.Sprint(port)))
		}
	}
	return s
}

// ListenAndServe abre todas as portas e atende até Close
func (s *IMAPServer) ListenAndServe() error {
	var g errgroup.Group
	for _, addr := range s.plain {
		l, err := net.Listen("tcp", addr)
		if err != nil {
			s.Close()
			return fmt.Errorf("falha ao escutar em %s: %w", addr, err)
		}
		logger.Info("Iniciando servidor IMAP", "addr", addr, "starttls", s.tlsConfig != nil)
		g.Go(func() error { return s.Serve(l, false) })
	}
	for _, addr := range s.secure {
		l, err := tls.Listen("tcp", addr, s.tlsConfig)
		if err != nil {
			s.Close()
			return fmt.Errorf("falha ao escutar em %s: %w", addr, err)
		}
		logger.Info("Iniciando servidor IMAP com TLS", "addr", addr)
		g.Go(func() error { return s.Serve(l, true) })
	}
	return g.Wait()
}

// Serve aceita conexões em l. secure indica um listener com TLS implícito.
func (s *IMAPServer) Serve(l net.Listener, secure bool) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		l.Close()
		return nil
	}
	s.listeners = append(s.listeners, l)
	s.mu.Unlock()

	for {
		conn, err := l.Accept()
		if err != nil {
			s.mu.Lock()
			closed := s.closed
			s.mu.Unlock()
			if closed || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("falha ao aceitar conexão IMAP: %w", err)
		}

		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			conn.Close()
			return nil
		}
		s.conns[conn] = struct{}{}
		s.wg.Add(1)
		s.mu.Unlock()

		go func() {
			defer s.wg.Done()
			defer func() {
				s.mu.Lock()
				delete(s.conns, conn)
				s.mu.Unlock()
			}()
			s.handle(conn, secure)
		}()
	}
}

func (s *IMAPServer) handle(conn net.Conn, secure bool) {
	defer conn.Close()
	metrics.ConnectionsTotal.WithLabelValues("imap").Inc()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	c := newIMAPConn(conn)
	remote := remoteHost(conn.RemoteAddr())
	session := s.backend.NewSession(ctx, c.writer(), secure, remote)
	session.readLine = func() (string, error) {
		return c.br.ReadString('\n')
	}

	// continuações de literal síncrono
	done := make(chan struct{})
	defer close(done)
	cont := c.writer()
	go func() {
		for {
			select {
			case <-c.continues:
				_ = (&imap.ContinuationReq{Info: "Ready for literal data"}).WriteTo(cont)
			case <-done:
				return
			}
		}
	}()

	session.log.Debug("Conexão IMAP aceita", "secure", secure)
	if err := session.Greet(); err != nil {
		return
	}

	for {
		_ = c.conn.SetReadDeadline(time.Now().Add(imapIdleTimeout))
		fields, err := c.reader.ReadLine()
		if err != nil {
			if imap.IsParseError(err) {
				_ = session.write(&imap.StatusResp{Type: imap.StatusRespBad, Info: "Syntax error"})
				// descarta o restante da linha
				if _, err := c.br.ReadString('\n'); err != nil {
					return
				}
				continue
			}
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				session.log.Debug("Conexão IMAP encerrada", "error", err)
			}
			return
		}
		if len(fields) == 0 {
			continue
		}

		if err := session.Execute(fields); err != nil {
			session.log.Debug("Falha ao escrever resposta", "error", err)
			return
		}
		if session.LoggedOut() {
			return
		}

		if session.takeStartTLS() {
			tlsConn := tls.Server(c.conn, s.tlsConfig)
			_ = tlsConn.SetDeadline(time.Now().Add(time.Minute))
			if err := tlsConn.HandshakeContext(ctx); err != nil {
				session.log.Warn("Falha na negociação TLS", "error", err)
				return
			}
			_ = tlsConn.SetDeadline(time.Time{})
			c.attach(tlsConn)
			session.upgraded(c.writer())
		}
	}
}

// Close fecha listeners e conexões abertas e espera as sessões terminarem
func (s *IMAPServer) Close() error {
	s.mu.Lock()
	s.closed = true
	var errs []error
	for _, l := range s.listeners {
		if err := l.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			errs = append(errs, err)
		}
	}
	s.listeners = nil
	for conn := range s.conns {
		conn.Close()
	}
	s.mu.Unlock()

	s.wg.Wait()
	return errors.Join(errs...)
}
