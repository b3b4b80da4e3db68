package storage

import (
	"slices"
	"strings"
	"time"
)

// Role é o papel de um usuário no sistema
type Role string

const (
	RoleUser  Role = "user"
	RoleAdmin Role = "admin"
)

// Atributos de caixa de correio
const (
	// AttrImmutable rejeita mutações vindas dos protocolos
	AttrImmutable = "immutable"
	// AttrVirtual marca caixas gerenciadas pelo sistema
	AttrVirtual = "virtual"
	// AttrReadOnly é anunciada aos clientes IMAP como READ-ONLY
	AttrReadOnly = "readOnly"
)

// TagImportant marca as caixas Inbox, Outbox e Sent
const TagImportant = "important"

// User representa um usuário do sistema de email
type User struct {
	ID       int64
	Username string
	Password string // Hash bcrypt, nunca a senha em texto puro
	Name     string
	Role     Role
	Created  time.Time
}

// Mailbox representa uma caixa de email, possivelmente compartilhada
type Mailbox struct {
	ID         int64
	Name       string
	Members    []int64 // IDs de usuários, em ordem de inclusão
	Tags       []string
	Attributes []string
	Created    time.Time
}

// HasAttribute indica se a caixa possui o atributo informado
func (m *Mailbox) HasAttribute(attr string) bool {
	return slices.Contains(m.Attributes, attr)
}

// HasMember indica se o usuário participa da caixa
func (m *Mailbox) HasMember(userID int64) bool {
	return slices.Contains(m.Members, userID)
}

// NameIs compara o nome da caixa sem diferenciar maiúsculas
func (m *Mailbox) NameIs(name string) bool {
	return strings.EqualFold(m.Name, name)
}

// Envelope é o remetente e os destinatários de uma transação SMTP
type Envelope struct {
	From string
	To   []string
}

// Metadata descreve a origem de uma mensagem recebida
type Metadata struct {
	RemoteIP   string
	RemoteHost string
	Received   time.Time
}

// Email representa uma mensagem armazenada
type Email struct {
	ID        int64
	UID       uint32
	Envelope  Envelope
	MessageID string
	RawHandle string // Referência aos bytes brutos no blob store
	Size      int64
	Mailboxes []int64
	Metadata  Metadata
	Tags      []string
}

// InMailbox indica se a mensagem pertence à caixa
func (e *Email) InMailbox(mailboxID int64) bool {
	return slices.Contains(e.Mailboxes, mailboxID)
}

func (u *User) clone() *User {
	c := *u
	return &c
}

func (m *Mailbox) clone() *Mailbox {
	c := *m
	c.Members = slices.Clone(m.Members)
	c.Tags = slices.Clone(m.Tags)
	c.Attributes = slices.Clone(m.Attributes)
	return &c
}

func (e *Email) clone() *Email {
	c := *e
	c.Envelope.To = slices.Clone(e.Envelope.To)
	c.Mailboxes = slices.Clone(e.Mailboxes)
	c.Tags = slices.Clone(e.Tags)
	return &c
}
