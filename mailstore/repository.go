// Package mailstore contém as regras do modelo de caixas e mensagens.
//
// Todas as operações sobre caixas, mensagens, UIDs e leituras passam pelo
// Repository, que aplica as regras de roteamento do domínio local sobre um
// storage.Storage.
package mailstore

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/carloslauriano/postoffice/storage"
)

var (
	// ErrUserNotFound é retornado quando o usuário não existe
	ErrUserNotFound = storage.ErrUserNotFound
	// ErrUserExists é retornado ao criar um usuário com nome já usado
	ErrUserExists = storage.ErrUserExists
	// ErrMailboxNotFound é retornado quando a caixa não existe ou não pertence ao usuário
	ErrMailboxNotFound = storage.ErrMailboxNotFound
	// ErrMessageNotFound é retornado quando a mensagem não existe
	ErrMessageNotFound = storage.ErrMessageNotFound
	// ErrMailboxExists é retornado quando um membro já possui caixa com o mesmo nome
	ErrMailboxExists = errors.New("caixa de correio já existe")
	// ErrInvalidCredentials é retornado quando usuário ou senha não conferem
	ErrInvalidCredentials = errors.New("usuário ou senha inválidos")
)

// Nomes das caixas de sistema
const (
	Inbox   = "Inbox"
	Outbox  = "Outbox"
	Sent    = "Sent"
	Archive = "Archive"
	Spam    = "Spam"
	Trash   = "Trash"
)

// NewEmail descreve uma mensagem a ser criada
type NewEmail struct {
	Envelope  storage.Envelope
	MessageID string
	RawHandle string
	Size      int64
	Mailboxes []int64
	Metadata  storage.Metadata
	Tags      []string
}

// MailboxEmail é uma mensagem com o seu número de sequência na caixa
type MailboxEmail struct {
	*storage.Email
	SeqNum uint32
}

// Repository aplica as regras do domínio sobre o armazenamento
type Repository struct {
	store storage.Storage
	host  string
	now   func() time.Time

	// serializa a verificação de nome e a criação de caixas
	createMu sync.Mutex
}

// New cria um Repository para o domínio host
func New(store storage.Storage, host string) *Repository {
	return &Repository{
		store: store,
		host:  strings.ToLower(host),
		now:   time.Now,
	}
}

// Host retorna o domínio local
func (r *Repository) Host() string {
	return r.host
}

// Now retorna o horário atual do repositório
func (r *Repository) Now() time.Time {
	return r.now()
}

// SplitAddress separa um endereço em parte local e domínio.
// Colchetes angulares são removidos; sem "@" o domínio é vazio.
func SplitAddress(addr string) (local, domain string) {
	addr = strings.TrimSpace(addr)
	addr = strings.TrimSuffix(strings.TrimPrefix(addr, "<"), ">")
	i := strings.LastIndexByte(addr, '@')
	if i < 0 {
		return addr, ""
	}
	return addr[:i], addr[i+1:]
}

// IsLocal indica se o endereço pertence ao domínio local
func (r *Repository) IsLocal(addr string) bool {
	_, domain := SplitAddress(addr)
	return domain != "" && strings.EqualFold(domain, r.host)
}

// CreateMailbox cria uma caixa de correio.
// Nenhum membro pode ter outra caixa com o mesmo nome.
func (r *Repository) CreateMailbox(ctx context.Context, name string, members []int64, tags, attributes []string) (int64, error) {
	if strings.TrimSpace(name) == "" {
		return 0, fmt.Errorf("nome de caixa vazio")
	}

	r.createMu.Lock()
	defer r.createMu.Unlock()

	for _, userID := range members {
		if _, err := r.MailboxByNameForUser(ctx, userID, name); err == nil {
			return 0, ErrMailboxExists
		} else if !errors.Is(err, ErrMailboxNotFound) {
			return 0, err
		}
	}

	mailbox := &storage.Mailbox{
		Name:       name,
		Members:    slices.Clone(members),
		Tags:       slices.Clone(tags),
		Attributes: slices.Clone(attributes),
		Created:    r.now().UTC(),
	}
	if err := r.store.CreateMailbox(ctx, mailbox); err != nil {
		return 0, err
	}
	return mailbox.ID, nil
}

// GetMailbox obtém uma caixa pelo ID
func (r *Repository) GetMailbox(ctx context.Context, id int64) (*storage.Mailbox, error) {
	return r.store.GetMailbox(ctx, id)
}

// DeleteMailbox remove a caixa e as suas associações
func (r *Repository) DeleteMailbox(ctx context.Context, id int64) error {
	return r.store.DeleteMailbox(ctx, id)
}

// MailboxesWithUser lista as caixas das quais o usuário é membro
func (r *Repository) MailboxesWithUser(ctx context.Context, userID int64) ([]*storage.Mailbox, error) {
	return r.store.ListMailboxesForUser(ctx, userID)
}

// MailboxByNameForUser retorna a primeira caixa do usuário com o nome
// informado, sem diferenciar maiúsculas
func (r *Repository) MailboxByNameForUser(ctx context.Context, userID int64, name string) (*storage.Mailbox, error) {
	mailboxes, err := r.MailboxesWithUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	for _, m := range mailboxes {
		if m.NameIs(name) {
			return m, nil
		}
	}
	return nil, ErrMailboxNotFound
}

// ResolveMailboxesForEnvelope decide em quais caixas uma mensagem é entregue:
// a Inbox de cada destinatário local e, quando o remetente é local, a Sent
// do remetente. O resultado não tem repetições e segue a ordem de descoberta.
func (r *Repository) ResolveMailboxesForEnvelope(ctx context.Context, env storage.Envelope) ([]int64, error) {
	var ids []int64
	add := func(id int64) {
		if !slices.Contains(ids, id) {
			ids = append(ids, id)
		}
	}

	for _, rcpt := range env.To {
		if !r.IsLocal(rcpt) {
			continue
		}
		box, err := r.systemMailbox(ctx, rcpt, Inbox)
		if err != nil {
			return nil, err
		}
		add(box.ID)
	}

	if r.IsLocal(env.From) {
		box, err := r.systemMailbox(ctx, env.From, Sent)
		if err != nil {
			return nil, err
		}
		add(box.ID)
	}

	return ids, nil
}

func (r *Repository) systemMailbox(ctx context.Context, addr, name string) (*storage.Mailbox, error) {
	local, _ := SplitAddress(addr)
	user, err := r.GetUserByUsername(ctx, local)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", addr, err)
	}
	box, err := r.MailboxByNameForUser(ctx, user.ID, name)
	if err != nil {
		return nil, fmt.Errorf("%s de %s: %w", name, addr, err)
	}
	return box, nil
}

// CreateEmail aloca o próximo UID e grava a mensagem
func (r *Repository) CreateEmail(ctx context.Context, n NewEmail) (*storage.Email, error) {
	if n.Metadata.Received.IsZero() {
		n.Metadata.Received = r.now().UTC()
	}
	email := &storage.Email{
		Envelope:  n.Envelope,
		MessageID: n.MessageID,
		RawHandle: n.RawHandle,
		Size:      n.Size,
		Mailboxes: slices.Clone(n.Mailboxes),
		Metadata:  n.Metadata,
		Tags:      slices.Clone(n.Tags),
	}
	if err := r.store.CreateEmail(ctx, email); err != nil {
		return nil, err
	}
	return email, nil
}

// GetEmail obtém uma mensagem pelo ID
func (r *Repository) GetEmail(ctx context.Context, id int64) (*storage.Email, error) {
	return r.store.GetEmail(ctx, id)
}

// EmailsInMailbox lista as mensagens da caixa com números de sequência
// calculados na hora, de 1 a K em ordem de inserção
func (r *Repository) EmailsInMailbox(ctx context.Context, mailboxID int64) ([]MailboxEmail, error) {
	emails, err := r.store.ListEmailsInMailbox(ctx, mailboxID)
	if err != nil {
		return nil, err
	}
	result := make([]MailboxEmail, len(emails))
	for i, e := range emails {
		result[i] = MailboxEmail{Email: e, SeqNum: uint32(i + 1)}
	}
	return result, nil
}

// AddToMailbox associa a mensagem a mais uma caixa
func (r *Repository) AddToMailbox(ctx context.Context, emailID, mailboxID int64) error {
	return r.store.AddEmailToMailbox(ctx, emailID, mailboxID)
}

// RemoveFromMailbox desassocia a mensagem de uma caixa
func (r *Repository) RemoveFromMailbox(ctx context.Context, emailID, mailboxID int64) error {
	return r.store.RemoveEmailFromMailbox(ctx, emailID, mailboxID)
}

// LastUID retorna o último UID alocado
func (r *Repository) LastUID(ctx context.Context) (uint32, error) {
	return r.store.LastUID(ctx)
}

// MarkSeen marca a mensagem como lida pelo usuário
func (r *Repository) MarkSeen(ctx context.Context, userID, emailID int64) error {
	return r.store.MarkSeen(ctx, userID, emailID)
}

// IsSeen indica se o usuário já leu a mensagem
func (r *Repository) IsSeen(ctx context.Context, userID, emailID int64) (bool, error) {
	return r.store.IsSeen(ctx, userID, emailID)
}

// UnmarkSeen remove a marca de leitura. removed é falso quando não havia marca.
func (r *Repository) UnmarkSeen(ctx context.Context, userID, emailID int64) (removed bool, err error) {
	return r.store.UnmarkSeen(ctx, userID, emailID)
}

// SeenSet retorna quais das mensagens o usuário já leu
func (r *Repository) SeenSet(ctx context.Context, userID int64, emailIDs []int64) (map[int64]bool, error) {
	return r.store.SeenAmong(ctx, userID, emailIDs)
}

// FilterUnseen retorna as mensagens que o usuário ainda não leu, na ordem recebida
func (r *Repository) FilterUnseen(ctx context.Context, userID int64, emails []MailboxEmail) ([]MailboxEmail, error) {
	ids := make([]int64, len(emails))
	for i, e := range emails {
		ids[i] = e.ID
	}
	seen, err := r.SeenSet(ctx, userID, ids)
	if err != nil {
		return nil, err
	}

	unseen := make([]MailboxEmail, 0, len(emails))
	for _, e := range emails {
		if !seen[e.ID] {
			unseen = append(unseen, e)
		}
	}
	return unseen, nil
}

// Ping verifica o armazenamento
func (r *Repository) Ping(ctx context.Context) error {
	return r.store.Ping(ctx)
}
