package server

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/carloslauriano/postoffice/blob"
	"github.com/carloslauriano/postoffice/config"
	"github.com/carloslauriano/postoffice/logger"
	"github.com/carloslauriano/postoffice/mailparse"
	"github.com/carloslauriano/postoffice/mailstore"
	"github.com/carloslauriano/postoffice/metrics"
	"github.com/carloslauriano/postoffice/relay"
	"github.com/carloslauriano/postoffice/storage"
	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"
	"golang.org/x/sync/errgroup"
)

// Respostas de política do SMTP
var (
	errAuthFailed = &smtp.SMTPError{
		Code:         535,
		EnhancedCode: smtp.EnhancedCode{5, 7, 8},
		Message:      "Authentication credentials invalid",
	}
	errAuthRequired = &smtp.SMTPError{
		Code:         530,
		EnhancedCode: smtp.EnhancedCode{5, 7, 0},
		Message:      "Authentication required",
	}
	errRelayDenied = &smtp.SMTPError{
		Code:         554,
		EnhancedCode: smtp.EnhancedCode{5, 7, 1},
		Message:      "Relay access denied",
	}
	errForgedSender = &smtp.SMTPError{
		Code:         553,
		EnhancedCode: smtp.EnhancedCode{5, 7, 1},
		Message:      "Sender address does not belong to the authenticated user",
	}
	errNoSuchUser = &smtp.SMTPError{
		Code:         550,
		EnhancedCode: smtp.EnhancedCode{5, 1, 1},
		Message:      "Mailbox unavailable",
	}
	errUnknownMechanism = &smtp.SMTPError{
		Code:         504,
		EnhancedCode: smtp.EnhancedCode{5, 7, 4},
		Message:      "Unsupported authentication mechanism",
	}
	errTemporary = &smtp.SMTPError{
		Code:         451,
		EnhancedCode: smtp.EnhancedCode{4, 3, 0},
		Message:      "Local error in processing, try again later",
	}
)

const reverseLookupTimeout = 2 * time.Second

// SMTPBackend implementa a interface smtp.Backend
type SMTPBackend struct {
	repo            *mailstore.Repository
	blobs           blob.Store
	relayer         *relay.Relayer
	maxMessageBytes int64

	// lookupAddr resolve o nome reverso do cliente
	lookupAddr func(ctx context.Context, addr string) ([]string, error)

	ctx     context.Context
	cancel  context.CancelFunc
	relayWG sync.WaitGroup
}

// NewSMTPBackend cria um novo backend SMTP. relayer pode ser nil quando o
// reenvio para outros domínios está desligado.
func NewSMTPBackend(repo *mailstore.Repository, blobs blob.Store, relayer *relay.Relayer, maxMessageBytes int64) *SMTPBackend {
	ctx, cancel := context.WithCancel(context.Background())
	return &SMTPBackend{
		repo:            repo,
		blobs:           blobs,
		relayer:         relayer,
		maxMessageBytes: maxMessageBytes,
		lookupAddr:      net.DefaultResolver.LookupAddr,
		ctx:             ctx,
		cancel:          cancel,
	}
}

// NewSession cria uma sessão por conexão
func (b *SMTPBackend) NewSession(c *smtp.Conn) (smtp.Session, error) {
	remoteIP := ""
	if c != nil && c.Conn() != nil {
		remoteIP = remoteHost(c.Conn().RemoteAddr())
	}
	metrics.ConnectionsTotal.WithLabelValues("smtp").Inc()

	return &SMTPSession{
		backend:  b,
		conn:     c,
		remoteIP: remoteIP,
		log:      logger.With("protocol", "smtp", "remote", remoteIP),
	}, nil
}

// Wait espera os reenvios disparados pelas sessões
func (b *SMTPBackend) Wait() {
	b.relayWG.Wait()
}

// Shutdown cancela os reenvios em andamento e espera que terminem
func (b *SMTPBackend) Shutdown() {
	b.cancel()
	b.relayWG.Wait()
}

// relay dispara o reenvio em segundo plano: DATA responde assim que a
// mensagem está gravada, sem esperar as entregas remotas. Falhas transitórias
// ficam na fila de saída e as definitivas geram retorno ao remetente.
func (b *SMTPBackend) relay(env storage.Envelope, handle string) {
	if b.relayer == nil {
		return
	}
	b.relayWG.Add(1)
	go func() {
		defer b.relayWG.Done()
		b.relayer.Relay(b.ctx, env, handle)
	}()
}

func remoteHost(addr net.Addr) string {
	if addr == nil {
		return ""
	}
	if tcp, ok := addr.(*net.TCPAddr); ok {
		return tcp.IP.String()
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	return host
}

// SMTPSession implementa smtp.Session e smtp.AuthSession
type SMTPSession struct {
	backend  *SMTPBackend
	conn     *smtp.Conn
	remoteIP string
	log      *slog.Logger

	user *storage.User
	from string
	to   []string
}

var _ smtp.AuthSession = (*SMTPSession)(nil)

func (s *SMTPSession) count(command string, err error) {
	metrics.CommandsTotal.WithLabelValues("smtp", command, metrics.Status(err == nil)).Inc()
}

// AuthMechanisms lista os mecanismos SASL aceitos
func (s *SMTPSession) AuthMechanisms() []string {
	return []string{sasl.Plain}
}

// Auth autentica a sessão com AUTH PLAIN
func (s *SMTPSession) Auth(mech string) (sasl.Server, error) {
	if mech != sasl.Plain {
		return nil, errUnknownMechanism
	}
	return sasl.NewPlainServer(func(identity, username, password string) error {
		if identity != "" && identity != username {
			s.log.Warn("Identidade de autorização diferente do usuário", "identity", identity, "username", username)
			metrics.AuthenticationAttempts.WithLabelValues("smtp", "failure").Inc()
			return errAuthFailed
		}
		return s.login(username, password)
	}), nil
}

func (s *SMTPSession) login(username, password string) error {
	user, err := s.backend.repo.Login(s.backend.ctx, username, password)
	if err != nil {
		metrics.AuthenticationAttempts.WithLabelValues("smtp", "failure").Inc()
		s.count("AUTH", err)
		if errors.Is(err, mailstore.ErrInvalidCredentials) {
			s.log.Warn("Falha de autenticação", "username", username)
			return errAuthFailed
		}
		s.log.Error("Erro ao autenticar", "username", username, "error", err)
		return errTemporary
	}

	metrics.AuthenticationAttempts.WithLabelValues("smtp", "success").Inc()
	s.count("AUTH", nil)
	s.user = user
	s.log = s.log.With("user", user.Username)
	s.log.Info("Usuário autenticado")
	return nil
}

// checkSender aplica as regras de MAIL FROM: remetentes locais precisam
// estar autenticados como o próprio dono do endereço
func (s *SMTPSession) checkSender(from string) error {
	if from == "" || !s.backend.repo.IsLocal(from) {
		return nil
	}
	if s.user == nil {
		return errAuthRequired
	}
	local, _ := mailstore.SplitAddress(from)
	if !strings.EqualFold(local, s.user.Username) {
		return errForgedSender
	}
	return nil
}

// checkRecipient aplica as regras de RCPT TO: destinatários locais precisam
// existir e destinatários remotos exigem sessão autenticada
func (s *SMTPSession) checkRecipient(to string) error {
	if s.backend.repo.IsLocal(to) {
		local, _ := mailstore.SplitAddress(to)
		_, err := s.backend.repo.GetUserByUsername(s.backend.ctx, local)
		if errors.Is(err, mailstore.ErrUserNotFound) {
			return errNoSuchUser
		}
		if err != nil {
			s.log.Error("Erro ao consultar destinatário", "to", to, "error", err)
			return errTemporary
		}
		return nil
	}
	if s.user == nil {
		return errRelayDenied
	}
	return nil
}

// Mail inicia uma nova transação de email
func (s *SMTPSession) Mail(from string, _ *smtp.MailOptions) error {
	err := s.checkSender(from)
	s.count("MAIL", err)
	if err != nil {
		s.log.Warn("MAIL FROM recusado", "from", from, "error", err)
		return err
	}
	s.from = from
	s.to = nil
	return nil
}

// Rcpt adiciona um destinatário
func (s *SMTPSession) Rcpt(to string, _ *smtp.RcptOptions) error {
	err := s.checkRecipient(to)
	s.count("RCPT", err)
	if err != nil {
		s.log.Warn("RCPT TO recusado", "to", to, "error", err)
		return err
	}
	s.to = append(s.to, to)
	return nil
}

// Data grava a mensagem nas caixas locais e dispara o reenvio para os
// destinatários remotos
func (s *SMTPSession) Data(r io.Reader) error {
	err := s.data(r)
	s.count("DATA", err)
	return err
}

func (s *SMTPSession) data(r io.Reader) error {
	ctx := s.backend.ctx
	repo := s.backend.repo

	if err := s.checkSender(s.from); err != nil {
		return err
	}
	if len(s.to) == 0 {
		return &smtp.SMTPError{Code: 554, EnhancedCode: smtp.EnhancedCode{5, 5, 1}, Message: "No valid recipients"}
	}
	for _, to := range s.to {
		if err := s.checkRecipient(to); err != nil {
			return err
		}
	}

	var buf bytes.Buffer
	reader := r
	if s.backend.maxMessageBytes > 0 {
		reader = io.LimitReader(r, s.backend.maxMessageBytes+1)
	}
	if _, err := io.Copy(&buf, reader); err != nil {
		var smtpErr *smtp.SMTPError
		if errors.As(err, &smtpErr) {
			return smtpErr
		}
		return fmt.Errorf("falha ao ler email: %w", err)
	}
	if s.backend.maxMessageBytes > 0 && int64(buf.Len()) > s.backend.maxMessageBytes {
		return smtp.ErrDataTooLarge
	}
	raw := buf.Bytes()

	handle, err := s.backend.blobs.Put(ctx, raw)
	if err != nil {
		s.log.Error("Falha ao gravar conteúdo", "error", err)
		return errTemporary
	}

	env := storage.Envelope{From: s.from, To: append([]string(nil), s.to...)}
	mailboxes, err := repo.ResolveMailboxesForEnvelope(ctx, env)
	if err != nil {
		s.log.Error("Falha ao resolver caixas", "error", err)
		return errTemporary
	}

	email, err := repo.CreateEmail(ctx, mailstore.NewEmail{
		Envelope:  env,
		MessageID: mailparse.MessageID(raw, repo.Host()),
		RawHandle: handle,
		Size:      int64(len(raw)),
		Mailboxes: mailboxes,
		Metadata: storage.Metadata{
			RemoteIP:   s.remoteIP,
			RemoteHost: s.remoteName(ctx),
		},
	})
	if err != nil {
		s.log.Error("Falha ao salvar mensagem", "error", err)
		return errTemporary
	}

	metrics.MessagesStored.Inc()
	metrics.MessageSizeBytes.Observe(float64(len(raw)))
	s.log.Info("Mensagem armazenada",
		"from", env.From,
		"recipients", len(env.To),
		"uid", email.UID,
		"message_id", email.MessageID,
		"mailboxes", len(mailboxes),
		"size", email.Size)

	s.backend.relay(env, handle)
	return nil
}

// remoteName tenta o nome reverso do cliente e recorre ao nome do HELO
func (s *SMTPSession) remoteName(ctx context.Context) string {
	if s.remoteIP != "" && s.backend.lookupAddr != nil {
		lookupCtx, cancel := context.WithTimeout(ctx, reverseLookupTimeout)
		defer cancel()
		if names, err := s.backend.lookupAddr(lookupCtx, s.remoteIP); err == nil && len(names) > 0 {
			return strings.TrimSuffix(names[0], ".")
		}
	}
	if s.conn != nil {
		return s.conn.Hostname()
	}
	return ""
}

// Reset limpa o estado da sessão
func (s *SMTPSession) Reset() {
	s.from = ""
	s.to = nil
}

// Logout finaliza a sessão
func (s *SMTPSession) Logout() error {
	s.log.Debug("Sessão encerrada")
	return nil
}

// SMTPServer agrupa os listeners SMTP de todas as portas configuradas
type SMTPServer struct {
	backend *SMTPBackend
	plain   []*smtp.Server
	secure  []*smtp.Server
}

func newSMTPServer(cfg *config.Config, backend *SMTPBackend, addr string, tlsConfig *tls.Config) *smtp.Server {
	s := smtp.NewServer(backend)
	s.Addr = addr
	s.Domain = cfg.Server.Host
	s.ReadTimeout = cfg.SMTP.ReadTimeout
	s.WriteTimeout = cfg.SMTP.WriteTimeout
	s.MaxMessageBytes = cfg.SMTP.MaxMessageBytes
	s.MaxRecipients = cfg.SMTP.MaxRecipients
	s.AllowInsecureAuth = cfg.SMTP.AllowInsecureAuth
	s.TLSConfig = tlsConfig
	return s
}

// NewSMTPServer prepara um servidor por porta. Portas em smtp.tls_ports
// usam TLS implícito e só são abertas quando há certificado.
func NewSMTPServer(cfg *config.Config, backend *SMTPBackend, tlsConfig *tls.Config) *SMTPServer {
	srv := &SMTPServer{backend: backend}
	for _, port := range cfg.SMTP.Ports {
		addr := net.JoinHostPort(cfg.SMTP.Address, fmt.Sprint(port))
		srv.plain = append(srv.plain, newSMTPServer(cfg, backend, addr, tlsConfig))
	}
	if tlsConfig != nil {
		for _, port := range cfg.SMTP.TLSPorts {
			addr := net.JoinHostPort(cfg.SMTP.Address, fmt.Sprint(port))
			srv.secure = append(srv.secure, newSMTPServer(cfg, backend, addr, tlsConfig))
		}
	}
	return srv
}

// ListenAndServe abre todas as portas antes de atender. Se alguma porta não
// puder ser aberta, fecha as demais e retorna o erro.
func (s *SMTPServer) ListenAndServe() error {
	type bound struct {
		srv *smtp.Server
		l   net.Listener
	}
	var listeners []bound
	fail := func(addr string, err error) error {
		for _, b := range listeners {
			b.l.Close()
		}
		return fmt.Errorf("falha ao escutar em %s: %w", addr, err)
	}

	for _, srv := range s.plain {
		l, err := net.Listen("tcp", srv.Addr)
		if err != nil {
			return fail(srv.Addr, err)
		}
		logger.Info("Iniciando servidor SMTP", "addr", l.Addr().String(), "starttls", srv.TLSConfig != nil)
		listeners = append(listeners, bound{srv, l})
	}
	for _, srv := range s.secure {
		l, err := tls.Listen("tcp", srv.Addr, srv.TLSConfig)
		if err != nil {
			return fail(srv.Addr, err)
		}
		logger.Info("Iniciando servidor SMTP com TLS", "addr", l.Addr().String())
		listeners = append(listeners, bound{srv, l})
	}

	var g errgroup.Group
	for _, b := range listeners {
		g.Go(func() error { return ignoreClosed(b.srv.Serve(b.l)) })
	}
	return g.Wait()
}

// Close fecha os listeners e espera os reenvios pendentes
func (s *SMTPServer) Close() error {
	var errs []error
	for _, srv := range append(s.plain, s.secure...) {
		if err := srv.Close(); err != nil && !errors.Is(err, smtp.ErrServerClosed) {
			errs = append(errs, err)
		}
	}
	s.backend.Shutdown()
	return errors.Join(errs...)
}

func ignoreClosed(err error) error {
	if err == nil || errors.Is(err, smtp.ErrServerClosed) || errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}
