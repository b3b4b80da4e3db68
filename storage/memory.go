package storage

import (
	"cmp"
	"context"
	"slices"
	"sync"
	"time"
)

// MemoryStorage implementa a interface Storage em memória.
// Útil para testes e para execuções sem banco de dados.
type MemoryStorage struct {
	mu sync.RWMutex

	users     map[int64]*User
	mailboxes map[int64]*Mailbox
	emails    map[int64]*Email
	seen      map[int64]map[int64]struct{} // usuário -> mensagens lidas

	nextUserID    int64
	nextMailboxID int64
	nextEmailID   int64
	lastUID       uint32
}

// NewMemoryStorage cria um armazenamento em memória vazio
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		users:     make(map[int64]*User),
		mailboxes: make(map[int64]*Mailbox),
		emails:    make(map[int64]*Email),
		seen:      make(map[int64]map[int64]struct{}),
	}
}

// Open não faz nada para o armazenamento em memória
func (s *MemoryStorage) Open() error { return nil }

// Close não faz nada para o armazenamento em memória
func (s *MemoryStorage) Close() error { return nil }

// Ping sempre tem sucesso
func (s *MemoryStorage) Ping(context.Context) error { return nil }

// CreateUser cria um novo usuário
func (s *MemoryStorage) CreateUser(_ context.Context, user *User) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, u := range s.users {
		if u.Username == user.Username {
			return ErrUserExists
		}
	}
	if user.Created.IsZero() {
		user.Created = time.Now().UTC()
	}
	if user.Role == "" {
		user.Role = RoleUser
	}

	s.nextUserID++
	user.ID = s.nextUserID
	s.users[user.ID] = user.clone()
	return nil
}

// GetUser obtém um usuário pelo ID
func (s *MemoryStorage) GetUser(_ context.Context, id int64) (*User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	u, ok := s.users[id]
	if !ok {
		return nil, ErrUserNotFound
	}
	return u.clone(), nil
}

// GetUserByUsername obtém um usuário pelo nome de usuário
func (s *MemoryStorage) GetUserByUsername(_ context.Context, username string) (*User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, u := range s.users {
		if u.Username == username {
			return u.clone(), nil
		}
	}
	return nil, ErrUserNotFound
}

// ListUsers lista todos os usuários em ordem de criação
func (s *MemoryStorage) ListUsers(context.Context) ([]*User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	users := make([]*User, 0, len(s.users))
	for _, u := range s.users {
		users = append(users, u.clone())
	}
	slices.SortFunc(users, func(a, b *User) int { return cmp.Compare(a.ID, b.ID) })
	return users, nil
}

// DeleteUser remove o usuário, a sua participação nas caixas e as marcas de
// leitura
func (s *MemoryStorage) DeleteUser(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.users[id]; !ok {
		return ErrUserNotFound
	}
	delete(s.users, id)
	delete(s.seen, id)
	for _, m := range s.mailboxes {
		m.Members = slices.DeleteFunc(m.Members, func(u int64) bool { return u == id })
	}
	return nil
}

// CreateMailbox cria uma nova caixa de correio
func (s *MemoryStorage) CreateMailbox(_ context.Context, mailbox *Mailbox) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if mailbox.Created.IsZero() {
		mailbox.Created = time.Now().UTC()
	}
	s.nextMailboxID++
	mailbox.ID = s.nextMailboxID
	s.mailboxes[mailbox.ID] = mailbox.clone()
	return nil
}

// GetMailbox obtém uma caixa de correio pelo ID
func (s *MemoryStorage) GetMailbox(_ context.Context, id int64) (*Mailbox, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	m, ok := s.mailboxes[id]
	if !ok {
		return nil, ErrMailboxNotFound
	}
	return m.clone(), nil
}

// ListMailboxesForUser lista as caixas das quais o usuário é membro
func (s *MemoryStorage) ListMailboxesForUser(_ context.Context, userID int64) ([]*Mailbox, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var mailboxes []*Mailbox
	for _, m := range s.mailboxes {
		if m.HasMember(userID) {
			mailboxes = append(mailboxes, m.clone())
		}
	}
	slices.SortFunc(mailboxes, func(a, b *Mailbox) int { return cmp.Compare(a.ID, b.ID) })
	return mailboxes, nil
}

// DeleteMailbox remove a caixa e todas as referências a ela
func (s *MemoryStorage) DeleteMailbox(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.mailboxes[id]; !ok {
		return ErrMailboxNotFound
	}
	delete(s.mailboxes, id)
	for _, e := range s.emails {
		e.Mailboxes = slices.DeleteFunc(e.Mailboxes, func(m int64) bool { return m == id })
	}
	return nil
}

// CreateEmail aloca o próximo UID e armazena a mensagem
func (s *MemoryStorage) CreateEmail(_ context.Context, email *Email) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if email.Metadata.Received.IsZero() {
		email.Metadata.Received = time.Now().UTC()
	}
	s.lastUID++
	s.nextEmailID++
	email.ID = s.nextEmailID
	email.UID = s.lastUID

	stored := email.clone()
	stored.Mailboxes = nil
	for _, m := range email.Mailboxes {
		if !slices.Contains(stored.Mailboxes, m) {
			stored.Mailboxes = append(stored.Mailboxes, m)
		}
	}
	slices.Sort(stored.Mailboxes)
	s.emails[email.ID] = stored
	return nil
}

// GetEmail obtém uma mensagem pelo ID
func (s *MemoryStorage) GetEmail(_ context.Context, id int64) (*Email, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.emails[id]
	if !ok {
		return nil, ErrMessageNotFound
	}
	return e.clone(), nil
}

// ListEmailsInMailbox lista as mensagens da caixa em ordem de inserção
func (s *MemoryStorage) ListEmailsInMailbox(_ context.Context, mailboxID int64) ([]*Email, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	emails := []*Email{}
	for _, e := range s.emails {
		if e.InMailbox(mailboxID) {
			emails = append(emails, e.clone())
		}
	}
	slices.SortFunc(emails, func(a, b *Email) int { return cmp.Compare(a.ID, b.ID) })
	return emails, nil
}

// AddEmailToMailbox associa uma mensagem a mais uma caixa
func (s *MemoryStorage) AddEmailToMailbox(_ context.Context, emailID, mailboxID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.emails[emailID]
	if !ok {
		return ErrMessageNotFound
	}
	if _, ok := s.mailboxes[mailboxID]; !ok {
		return ErrMailboxNotFound
	}
	if !e.InMailbox(mailboxID) {
		e.Mailboxes = append(e.Mailboxes, mailboxID)
		slices.Sort(e.Mailboxes)
	}
	return nil
}

// RemoveEmailFromMailbox desassocia uma mensagem de uma caixa
func (s *MemoryStorage) RemoveEmailFromMailbox(_ context.Context, emailID, mailboxID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.emails[emailID]
	if !ok {
		return ErrMessageNotFound
	}
	e.Mailboxes = slices.DeleteFunc(e.Mailboxes, func(m int64) bool { return m == mailboxID })
	return nil
}

// LastUID retorna o último UID alocado
func (s *MemoryStorage) LastUID(context.Context) (uint32, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastUID, nil
}

// MarkSeen registra que o usuário leu a mensagem
func (s *MemoryStorage) MarkSeen(_ context.Context, userID, emailID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	set, ok := s.seen[userID]
	if !ok {
		set = make(map[int64]struct{})
		s.seen[userID] = set
	}
	set[emailID] = struct{}{}
	return nil
}

// IsSeen indica se o usuário já leu a mensagem
func (s *MemoryStorage) IsSeen(_ context.Context, userID, emailID int64) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	_, ok := s.seen[userID][emailID]
	return ok, nil
}

// UnmarkSeen remove o registro de leitura e indica se havia um
func (s *MemoryStorage) UnmarkSeen(_ context.Context, userID, emailID int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	set := s.seen[userID]
	if _, ok := set[emailID]; !ok {
		return false, nil
	}
	delete(set, emailID)
	return true, nil
}

// SeenAmong retorna quais das mensagens informadas o usuário já leu
func (s *MemoryStorage) SeenAmong(_ context.Context, userID int64, emailIDs []int64) (map[int64]bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	seen := make(map[int64]bool)
	set := s.seen[userID]
	for _, id := range emailIDs {
		if _, ok := set[id]; ok {
			seen[id] = true
		}
	}
	return seen, nil
}
