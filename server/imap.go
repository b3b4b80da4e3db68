package server

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/carloslauriano/postoffice/logger"
	"github.com/carloslauriano/postoffice/mailstore"
	"github.com/carloslauriano/postoffice/metrics"
	"github.com/carloslauriano/postoffice/storage"
	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/responses"
	"github.com/emersion/go-sasl"
	"lukechampine.com/blake3"
)

// recentWindow define quais mensagens são anunciadas como RECENT
const recentWindow = 48 * time.Hour

const hierarchyDelimiter = "."

var (
	mailboxFlags   = []string{imap.AnsweredFlag, imap.FlaggedFlag, imap.DeletedFlag, imap.SeenFlag, imap.DraftFlag}
	permanentFlags = []string{imap.SeenFlag}
)

type imapState int

const (
	stateNotAuthenticated imapState = iota
	stateAuthenticated
	stateSelected
	stateLogout
)

func (s imapState) String() string {
	switch s {
	case stateNotAuthenticated:
		return "not-authenticated"
	case stateAuthenticated:
		return "authenticated"
	case stateSelected:
		return "selected"
	default:
		return "logout"
	}
}

var (
	anyState     = []imapState{stateNotAuthenticated, stateAuthenticated, stateSelected}
	notAuthState = []imapState{stateNotAuthenticated}
	authStates   = []imapState{stateAuthenticated, stateSelected}
	selectedOnly = []imapState{stateSelected}
)

type commandHandler func(s *IMAPSession, cmd *imap.Command) *imap.StatusResp

type commandSpec struct {
	states  []imapState
	handler commandHandler
}

// imapCommands associa cada comando aos estados em que é aceito
var imapCommands map[string]commandSpec

func init() {
	imapCommands = map[string]commandSpec{
		"CAPABILITY":   {anyState, (*IMAPSession).handleCapability},
		"NOOP":         {anyState, (*IMAPSession).handleNoop},
		"LOGOUT":       {anyState, (*IMAPSession).handleLogout},
		"STARTTLS":     {notAuthState, (*IMAPSession).handleStartTLS},
		"LOGIN":        {notAuthState, (*IMAPSession).handleLogin},
		"AUTHENTICATE": {notAuthState, (*IMAPSession).handleAuthenticate},
		"LIST":         {authStates, (*IMAPSession).handleList},
		"LSUB":         {authStates, (*IMAPSession).handleList},
		"SELECT":       {authStates, (*IMAPSession).handleSelect},
		"EXAMINE":      {authStates, (*IMAPSession).handleSelect},
		"CLOSE":        {selectedOnly, (*IMAPSession).handleClose},
		"UNSELECT":     {selectedOnly, (*IMAPSession).handleClose},
		"UID FETCH":    {selectedOnly, (*IMAPSession).handleUIDFetch},
		"UID STORE":    {selectedOnly, (*IMAPSession).handleUIDStore},
	}
}

// IMAPBackend reúne o que as sessões IMAP compartilham
type IMAPBackend struct {
	repo              *mailstore.Repository
	tlsConfig         *tls.Config
	allowInsecureAuth bool
}

// NewIMAPBackend cria um novo backend IMAP. tlsConfig nil desliga o STARTTLS.
func NewIMAPBackend(repo *mailstore.Repository, tlsConfig *tls.Config, allowInsecureAuth bool) *IMAPBackend {
	return &IMAPBackend{
		repo:              repo,
		tlsConfig:         tlsConfig,
		allowInsecureAuth: allowInsecureAuth,
	}
}

type selectedMailbox struct {
	mailbox  *storage.Mailbox
	name     string
	readOnly bool
}

// IMAPSession é o estado de uma conexão IMAP
type IMAPSession struct {
	backend *IMAPBackend
	ctx     context.Context
	w       *imap.Writer
	log     *slog.Logger

	// readLine lê uma linha crua do cliente, usada nas continuações do AUTHENTICATE
	readLine func() (string, error)

	state    imapState
	secure   bool
	startTLS bool
	user     *storage.User
	selected *selectedMailbox
}

// NewSession cria uma sessão que escreve as respostas em w
func (b *IMAPBackend) NewSession(ctx context.Context, w *imap.Writer, secure bool, remote string) *IMAPSession {
	return &IMAPSession{
		backend: b,
		ctx:     ctx,
		w:       w,
		log:     logger.With("protocol", "imap", "remote", remote),
		state:   stateNotAuthenticated,
		secure:  secure,
	}
}

func (s *IMAPSession) capabilities() []string {
	caps := []string{"IMAP4rev1", "SASL-IR", "AUTH=PLAIN"}
	if !s.secure && s.backend.tlsConfig != nil {
		caps = append(caps, "STARTTLS")
	}
	if s.loginDisabled() {
		caps = append(caps, "LOGINDISABLED")
	}
	return caps
}

func (s *IMAPSession) loginDisabled() bool {
	return !s.secure && !s.backend.allowInsecureAuth
}

// Greet escreve a saudação inicial
func (s *IMAPSession) Greet() error {
	caps := make([]interface{}, 0, 4)
	for _, c := range s.capabilities() {
		caps = append(caps, imap.RawString(c))
	}
	return s.write(&imap.StatusResp{
		Type:      imap.StatusRespOk,
		Code:      imap.CodeCapability,
		Arguments: caps,
		Info:      "PostOffice ready",
	})
}

func (s *IMAPSession) write(resp interface{ WriteTo(*imap.Writer) error }) error {
	return resp.WriteTo(s.w)
}

func (s *IMAPSession) untagged(fields ...interface{}) error {
	return imap.NewUntaggedResp(fields).WriteTo(s.w)
}

func okResp(info string) *imap.StatusResp {
	return &imap.StatusResp{Type: imap.StatusRespOk, Info: info}
}

func noResp(info string) *imap.StatusResp {
	return &imap.StatusResp{Type: imap.StatusRespNo, Info: info}
}

func badResp(info string) *imap.StatusResp {
	return &imap.StatusResp{Type: imap.StatusRespBad, Info: info}
}

// LoggedOut indica que a conexão deve ser encerrada
func (s *IMAPSession) LoggedOut() bool {
	return s.state == stateLogout
}

// takeStartTLS informa, uma única vez, que a conexão deve ser promovida a TLS
func (s *IMAPSession) takeStartTLS() bool {
	pending := s.startTLS
	s.startTLS = false
	return pending
}

// upgraded troca o escritor depois da negociação TLS
func (s *IMAPSession) upgraded(w *imap.Writer) {
	s.w = w
	s.secure = true
	s.log.Info("Conexão promovida a TLS")
}

// Execute interpreta uma linha já separada em campos e responde ao cliente
func (s *IMAPSession) Execute(fields []interface{}) error {
	var cmd imap.Command
	if err := cmd.Parse(fields); err != nil {
		resp := badResp("Invalid command syntax")
		return s.write(resp)
	}

	name := cmd.Name
	if name == "UID" {
		if len(cmd.Arguments) == 0 {
			resp := badResp("Missing UID command")
			resp.Tag = cmd.Tag
			return s.write(resp)
		}
		sub, _ := imap.ParseString(cmd.Arguments[0])
		name = "UID " + strings.ToUpper(sub)
		cmd.Arguments = cmd.Arguments[1:]
	}

	resp := s.dispatch(name, &cmd)
	metrics.CommandsTotal.WithLabelValues("imap", metricCommand(name), string(resp.Type)).Inc()
	resp.Tag = cmd.Tag
	return s.write(resp)
}

func metricCommand(name string) string {
	if _, known := imapCommands[name]; known {
		return name
	}
	return "UNKNOWN"
}

func (s *IMAPSession) dispatch(name string, cmd *imap.Command) *imap.StatusResp {
	spec, known := imapCommands[name]
	if !known {
		s.log.Debug("Comando desconhecido", "command", name)
		return badResp("Unknown command")
	}
	allowed := false
	for _, st := range spec.states {
		if st == s.state {
			allowed = true
			break
		}
	}
	if !allowed {
		s.log.Debug("Comando fora de estado", "command", name, "state", s.state)
		return badResp(fmt.Sprintf("Command %s cannot be executed in this state", name))
	}
	return spec.handler(s, cmd)
}

func (s *IMAPSession) handleCapability(*imap.Command) *imap.StatusResp {
	fields := []interface{}{imap.RawString("CAPABILITY")}
	for _, c := range s.capabilities() {
		fields = append(fields, imap.RawString(c))
	}
	if err := s.untagged(fields...); err != nil {
		return badResp("Internal error")
	}
	return okResp("CAPABILITY completed")
}

func (s *IMAPSession) handleNoop(*imap.Command) *imap.StatusResp {
	return okResp("NOOP completed")
}

func (s *IMAPSession) handleLogout(*imap.Command) *imap.StatusResp {
	_ = s.write(&imap.StatusResp{Type: imap.StatusRespBye, Info: "PostOffice logging out"})
	s.state = stateLogout
	s.selected = nil
	return okResp("LOGOUT completed")
}

func (s *IMAPSession) handleStartTLS(*imap.Command) *imap.StatusResp {
	if s.secure {
		return badResp("TLS is already active")
	}
	if s.backend.tlsConfig == nil {
		return noResp("STARTTLS not available")
	}
	s.startTLS = true
	return okResp("Begin TLS negotiation now")
}

func (s *IMAPSession) authenticated(user *storage.User) {
	s.user = user
	s.state = stateAuthenticated
	s.log = s.log.With("user", user.Username)
	s.log.Info("Usuário autenticado")
	metrics.AuthenticationAttempts.WithLabelValues("imap", "success").Inc()
}

func (s *IMAPSession) authFailed(username string, err error) *imap.StatusResp {
	metrics.AuthenticationAttempts.WithLabelValues("imap", "failure").Inc()
	if errors.Is(err, mailstore.ErrInvalidCredentials) {
		s.log.Warn("Falha de autenticação", "username", username)
		return &imap.StatusResp{Type: imap.StatusRespNo, Code: "AUTHENTICATIONFAILED", Info: "Invalid credentials"}
	}
	s.log.Error("Erro ao autenticar", "username", username, "error", err)
	return noResp("Authentication unavailable")
}

func (s *IMAPSession) handleLogin(cmd *imap.Command) *imap.StatusResp {
	if s.loginDisabled() {
		return &imap.StatusResp{Type: imap.StatusRespNo, Code: "PRIVACYREQUIRED", Info: "LOGIN is disabled until STARTTLS"}
	}
	if len(cmd.Arguments) != 2 {
		return badResp("LOGIN expects username and password")
	}
	username, err := imap.ParseString(cmd.Arguments[0])
	if err != nil {
		return badResp("Invalid username")
	}
	password, err := imap.ParseString(cmd.Arguments[1])
	if err != nil {
		return badResp("Invalid password")
	}

	user, err := s.backend.repo.Login(s.ctx, username, password)
	if err != nil {
		return s.authFailed(username, err)
	}
	s.authenticated(user)
	return okResp("LOGIN completed")
}

func (s *IMAPSession) handleAuthenticate(cmd *imap.Command) *imap.StatusResp {
	if s.loginDisabled() {
		return &imap.StatusResp{Type: imap.StatusRespNo, Code: "PRIVACYREQUIRED", Info: "Authentication is disabled until STARTTLS"}
	}
	if len(cmd.Arguments) == 0 {
		return badResp("AUTHENTICATE expects a mechanism")
	}
	mech, _ := imap.ParseString(cmd.Arguments[0])
	if !strings.EqualFold(mech, sasl.Plain) {
		return noResp("Unsupported authentication mechanism")
	}

	var encoded string
	if len(cmd.Arguments) > 1 {
		encoded, _ = imap.ParseString(cmd.Arguments[1])
	} else {
		if s.readLine == nil {
			return badResp("Initial response required")
		}
		if err := s.write(&imap.ContinuationReq{}); err != nil {
			return badResp("Internal error")
		}
		line, err := s.readLine()
		if err != nil {
			return badResp("Failed to read response")
		}
		encoded = strings.TrimRight(line, "\r\n")
	}
	if encoded == "*" {
		return badResp("AUTHENTICATE cancelled")
	}

	var response []byte
	if encoded != "=" {
		var err error
		response, err = base64.StdEncoding.DecodeString(encoded)
		if err != nil {
			return badResp("Invalid base64 response")
		}
	}

	var (
		user     *storage.User
		username string
		loginErr error
	)
	server := sasl.NewPlainServer(func(identity, name, password string) error {
		username = name
		if identity != "" && identity != name {
			loginErr = mailstore.ErrInvalidCredentials
			return loginErr
		}
		user, loginErr = s.backend.repo.Login(s.ctx, name, password)
		return loginErr
	})
	if _, _, err := server.Next(response); err != nil {
		if loginErr == nil {
			return badResp("Invalid PLAIN response")
		}
		return s.authFailed(username, loginErr)
	}

	s.authenticated(user)
	return okResp("AUTHENTICATE completed")
}

// visibleMailboxes devolve os nomes que o usuário enxerga: INBOX primeiro e
// depois as demais caixas
func (s *IMAPSession) visibleMailboxes() ([]*imap.MailboxInfo, error) {
	boxes, err := s.backend.repo.MailboxesWithUser(s.ctx, s.user.ID)
	if err != nil {
		return nil, err
	}
	infos := []*imap.MailboxInfo{{
		Attributes: []string{imap.HasNoChildrenAttr},
		Delimiter:  hierarchyDelimiter,
		Name:       imap.InboxName,
	}}
	for _, box := range boxes {
		if strings.EqualFold(box.Name, imap.InboxName) {
			continue
		}
		infos = append(infos, &imap.MailboxInfo{
			Attributes: []string{imap.HasNoChildrenAttr},
			Delimiter:  hierarchyDelimiter,
			Name:       box.Name,
		})
	}
	return infos, nil
}

func (s *IMAPSession) handleList(cmd *imap.Command) *imap.StatusResp {
	if len(cmd.Arguments) != 2 {
		return badResp(cmd.Name + " expects reference and pattern")
	}
	reference, err := imap.ParseString(cmd.Arguments[0])
	if err != nil {
		return badResp("Invalid reference")
	}
	pattern, err := imap.ParseString(cmd.Arguments[1])
	if err != nil {
		return badResp("Invalid pattern")
	}

	res := &responses.List{Subscribed: cmd.Name == "LSUB"}
	if pattern == "" {
		// consulta do delimitador
		res.Mailboxes = make(chan *imap.MailboxInfo, 1)
		res.Mailboxes <- &imap.MailboxInfo{Attributes: []string{imap.NoSelectAttr}, Delimiter: hierarchyDelimiter}
		close(res.Mailboxes)
		if err := s.write(res); err != nil {
			return badResp("Internal error")
		}
		return okResp(cmd.Name + " completed")
	}

	infos, err := s.visibleMailboxes()
	if err != nil {
		s.log.Error("Falha ao listar caixas", "error", err)
		return noResp(cmd.Name + " failed")
	}
	if strings.EqualFold(pattern, imap.InboxName) {
		pattern = imap.InboxName
	}

	res.Mailboxes = make(chan *imap.MailboxInfo, len(infos))
	for _, info := range infos {
		if info.Match(reference, pattern) {
			res.Mailboxes <- info
		}
	}
	close(res.Mailboxes)
	if err := s.write(res); err != nil {
		return badResp("Internal error")
	}
	return okResp(cmd.Name + " completed")
}

// uidValidity deriva um valor estável e diferente de zero do id da caixa
func uidValidity(mailboxID int64) uint32 {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(mailboxID))
	sum := blake3.Sum256(buf[:])
	v := binary.BigEndian.Uint32(sum[:4])
	if v == 0 {
		v = 1
	}
	return v
}

func (s *IMAPSession) lookupMailbox(name string) (*storage.Mailbox, error) {
	if strings.EqualFold(name, imap.InboxName) {
		name = mailstore.Inbox
	}
	return s.backend.repo.MailboxByNameForUser(s.ctx, s.user.ID, name)
}

func (s *IMAPSession) handleSelect(cmd *imap.Command) *imap.StatusResp {
	if len(cmd.Arguments) != 1 {
		return badResp(cmd.Name + " expects a mailbox name")
	}
	name, err := imap.ParseString(cmd.Arguments[0])
	if err != nil {
		return badResp("Invalid mailbox name")
	}

	box, err := s.lookupMailbox(name)
	if err != nil {
		if !errors.Is(err, mailstore.ErrMailboxNotFound) {
			s.log.Error("Falha ao abrir caixa", "mailbox", name, "error", err)
		}
		return noResp("Mailbox does not exist")
	}

	repo := s.backend.repo
	emails, err := repo.EmailsInMailbox(s.ctx, box.ID)
	if err != nil {
		s.log.Error("Falha ao listar mensagens", "mailbox", name, "error", err)
		return noResp(cmd.Name + " failed")
	}
	unseen, err := repo.FilterUnseen(s.ctx, s.user.ID, emails)
	if err != nil {
		s.log.Error("Falha ao consultar mensagens lidas", "mailbox", name, "error", err)
		return noResp(cmd.Name + " failed")
	}
	lastUID, err := repo.LastUID(s.ctx)
	if err != nil {
		s.log.Error("Falha ao consultar UID", "error", err)
		return noResp(cmd.Name + " failed")
	}

	now := repo.Now()
	var recent uint32
	for _, e := range emails {
		if now.Sub(e.Metadata.Received) < recentWindow {
			recent++
		}
	}

	status := imap.NewMailboxStatus(imap.CanonicalMailboxName(name), []imap.StatusItem{
		imap.StatusMessages, imap.StatusRecent, imap.StatusUidValidity, imap.StatusUidNext,
	})
	status.Flags = mailboxFlags
	status.PermanentFlags = permanentFlags
	status.Messages = uint32(len(emails))
	status.Recent = recent
	status.UidValidity = uidValidity(box.ID)
	status.UidNext = lastUID + 1
	if len(unseen) > 0 {
		status.UnseenSeqNum = unseen[0].SeqNum
	}

	if err := s.write(&responses.Select{Mailbox: status}); err != nil {
		return badResp("Internal error")
	}

	readOnly := cmd.Name == "EXAMINE" || box.HasAttribute(storage.AttrReadOnly)
	s.selected = &selectedMailbox{mailbox: box, name: status.Name, readOnly: readOnly}
	s.state = stateSelected
	s.log.Debug("Caixa selecionada", "mailbox", box.Name, "exists", len(emails), "read_only", readOnly)

	code := imap.CodeReadWrite
	if readOnly {
		code = imap.CodeReadOnly
	}
	return &imap.StatusResp{Type: imap.StatusRespOk, Code: code, Info: cmd.Name + " completed"}
}

func (s *IMAPSession) handleClose(cmd *imap.Command) *imap.StatusResp {
	s.selected = nil
	s.state = stateAuthenticated
	return okResp(cmd.Name + " completed")
}

// inUIDSet verifica se uid pertence ao conjunto, resolvendo "*" como o
// maior UID da caixa
func inUIDSet(set *imap.SeqSet, uid, maxUID uint32) bool {
	for _, seq := range set.Set {
		start, stop := seq.Start, seq.Stop
		if start == 0 {
			start = maxUID
		}
		if stop == 0 {
			stop = maxUID
		}
		if start > stop {
			start, stop = stop, start
		}
		if uid >= start && uid <= stop {
			return true
		}
	}
	return false
}

func (s *IMAPSession) matchUIDs(arg interface{}) ([]mailstore.MailboxEmail, error) {
	raw, err := imap.ParseString(arg)
	if err != nil {
		return nil, err
	}
	set, err := imap.ParseSeqSet(raw)
	if err != nil {
		return nil, err
	}
	emails, err := s.backend.repo.EmailsInMailbox(s.ctx, s.selected.mailbox.ID)
	if err != nil {
		return nil, err
	}
	var maxUID uint32
	for _, e := range emails {
		maxUID = max(maxUID, e.UID)
	}
	var matched []mailstore.MailboxEmail
	for _, e := range emails {
		if inUIDSet(set, e.UID, maxUID) {
			matched = append(matched, e)
		}
	}
	return matched, nil
}

func parseFetchItems(arg interface{}) ([]imap.FetchItem, error) {
	var names []string
	switch v := arg.(type) {
	case []interface{}:
		for _, f := range v {
			name, err := imap.ParseString(f)
			if err != nil {
				return nil, err
			}
			names = append(names, name)
		}
	default:
		name, err := imap.ParseString(v)
		if err != nil {
			return nil, err
		}
		names = []string{name}
	}

	items := []imap.FetchItem{imap.FetchUid}
	for _, name := range names {
		for _, item := range imap.FetchItem(strings.ToUpper(name)).Expand() {
			if item != imap.FetchUid {
				items = append(items, item)
			}
		}
	}
	return items, nil
}

func flagsFor(seen bool) []string {
	if seen {
		return []string{imap.SeenFlag}
	}
	return []string{}
}

func (s *IMAPSession) handleUIDFetch(cmd *imap.Command) *imap.StatusResp {
	if len(cmd.Arguments) != 2 {
		return badResp("UID FETCH expects a sequence set and items")
	}
	emails, err := s.matchUIDs(cmd.Arguments[0])
	if err != nil {
		if imap.IsParseError(err) || errors.As(err, new(imap.ErrBadSeqSet)) {
			return badResp("Invalid sequence set")
		}
		s.log.Error("Falha ao listar mensagens", "error", err)
		return noResp("UID FETCH failed")
	}
	items, err := parseFetchItems(cmd.Arguments[1])
	if err != nil {
		return badResp("Invalid fetch items")
	}

	ids := make([]int64, len(emails))
	for i, e := range emails {
		ids[i] = e.ID
	}
	seen, err := s.backend.repo.SeenSet(s.ctx, s.user.ID, ids)
	if err != nil {
		s.log.Error("Falha ao consultar mensagens lidas", "error", err)
		return noResp("UID FETCH failed")
	}

	for _, e := range emails {
		msg := imap.NewMessage(e.SeqNum, items)
		for _, item := range items {
			switch item {
			case imap.FetchUid:
				msg.Uid = e.UID
			case imap.FetchFlags:
				msg.Flags = flagsFor(seen[e.ID])
			case imap.FetchRFC822Size:
				msg.Size = uint32(e.Size)
			case imap.FetchInternalDate:
				msg.InternalDate = e.Metadata.Received
			default:
				section, err := imap.ParseBodySectionName(item)
				if err != nil || section.Specifier != imap.HeaderSpecifier {
					delete(msg.Items, item)
					continue
				}
				msg.Body[section] = bytes.NewBuffer(nil)
			}
		}
		if err := s.untagged(e.SeqNum, imap.RawString("FETCH"), msg.Format()); err != nil {
			return badResp("Internal error")
		}
	}
	return okResp("UID FETCH completed")
}

func (s *IMAPSession) handleUIDStore(cmd *imap.Command) *imap.StatusResp {
	if len(cmd.Arguments) != 3 {
		return badResp("UID STORE expects a sequence set, an operation and flags")
	}
	if s.selected.readOnly {
		return &imap.StatusResp{Type: imap.StatusRespNo, Code: imap.CodeReadOnly, Info: "Mailbox is read-only"}
	}

	item, err := imap.ParseString(cmd.Arguments[1])
	if err != nil {
		return badResp("Invalid store operation")
	}
	op, silent, err := imap.ParseFlagsOp(imap.StoreItem(strings.ToUpper(item)))
	if err != nil {
		return badResp(err.Error())
	}

	var flags []string
	switch v := cmd.Arguments[2].(type) {
	case []interface{}:
		flags, err = imap.ParseStringList(v)
	default:
		var flag string
		flag, err = imap.ParseString(v)
		flags = []string{flag}
	}
	if err != nil {
		return badResp("Invalid flags")
	}
	hasSeen := false
	for _, f := range flags {
		if imap.CanonicalFlag(f) == imap.SeenFlag {
			hasSeen = true
		}
	}

	emails, err := s.matchUIDs(cmd.Arguments[0])
	if err != nil {
		if imap.IsParseError(err) || errors.As(err, new(imap.ErrBadSeqSet)) {
			return badResp("Invalid sequence set")
		}
		s.log.Error("Falha ao listar mensagens", "error", err)
		return noResp("UID STORE failed")
	}

	repo := s.backend.repo
	for _, e := range emails {
		switch {
		case op == imap.SetFlags && !hasSeen:
			_, err = repo.UnmarkSeen(s.ctx, s.user.ID, e.ID)
		case !hasSeen:
			// só \Seen é permanente
		case op == imap.RemoveFlags:
			_, err = repo.UnmarkSeen(s.ctx, s.user.ID, e.ID)
		default:
			err = repo.MarkSeen(s.ctx, s.user.ID, e.ID)
		}
		if err != nil {
			s.log.Error("Falha ao atualizar flags", "uid", e.UID, "error", err)
			return noResp("UID STORE failed")
		}

		if silent {
			continue
		}
		isSeen, err := repo.IsSeen(s.ctx, s.user.ID, e.ID)
		if err != nil {
			return noResp("UID STORE failed")
		}
		msg := imap.NewMessage(e.SeqNum, []imap.FetchItem{imap.FetchUid, imap.FetchFlags})
		msg.Uid = e.UID
		msg.Flags = flagsFor(isSeen)
		if err := s.untagged(e.SeqNum, imap.RawString("FETCH"), msg.Format()); err != nil {
			return badResp("Internal error")
		}
	}
	return okResp("UID STORE completed")
}
