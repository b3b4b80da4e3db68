package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/carloslauriano/postoffice/config"
)

// ErrUserNotFound é retornado quando um usuário não é encontrado
var ErrUserNotFound = errors.New("usuário não encontrado")

// ErrUserExists é retornado quando o nome de usuário já está em uso
var ErrUserExists = errors.New("nome de usuário já existe")

// ErrMailboxNotFound é retornado quando uma caixa de correio não é encontrada
var ErrMailboxNotFound = errors.New("caixa de correio não encontrada")

// ErrMessageNotFound é retornado quando uma mensagem não é encontrada
var ErrMessageNotFound = errors.New("mensagem não encontrada")

// Storage é a interface para operações de armazenamento.
//
// Cada método é atômico. A alocação de UID acontece na mesma operação que
// insere a mensagem, e remover uma caixa remove também as suas referências.
type Storage interface {
	// Métodos de inicialização
	Open() error
	Close() error
	Ping(ctx context.Context) error

	// Métodos de usuário
	CreateUser(ctx context.Context, user *User) error
	GetUser(ctx context.Context, id int64) (*User, error)
	GetUserByUsername(ctx context.Context, username string) (*User, error)
	ListUsers(ctx context.Context) ([]*User, error)
	DeleteUser(ctx context.Context, id int64) error

	// Métodos de caixa de correio
	CreateMailbox(ctx context.Context, mailbox *Mailbox) error
	GetMailbox(ctx context.Context, id int64) (*Mailbox, error)
	ListMailboxesForUser(ctx context.Context, userID int64) ([]*Mailbox, error)
	DeleteMailbox(ctx context.Context, id int64) error

	// Métodos de mensagem
	CreateEmail(ctx context.Context, email *Email) error
	GetEmail(ctx context.Context, id int64) (*Email, error)
	ListEmailsInMailbox(ctx context.Context, mailboxID int64) ([]*Email, error)
	AddEmailToMailbox(ctx context.Context, emailID, mailboxID int64) error
	RemoveEmailFromMailbox(ctx context.Context, emailID, mailboxID int64) error
	LastUID(ctx context.Context) (uint32, error)

	// Métodos de leitura por usuário
	MarkSeen(ctx context.Context, userID, emailID int64) error
	IsSeen(ctx context.Context, userID, emailID int64) (bool, error)
	UnmarkSeen(ctx context.Context, userID, emailID int64) (bool, error)
	SeenAmong(ctx context.Context, userID int64, emailIDs []int64) (map[int64]bool, error)
}

// NewStorage cria uma nova instância de armazenamento com base na configuração
func NewStorage(cfg *config.Config) (Storage, error) {
	switch cfg.Database.Type {
	case "sqlite":
		return NewSQLiteStorage(&cfg.Database)
	case "postgres":
		return NewPostgresStorage(&cfg.Database)
	case "memory":
		return NewMemoryStorage(), nil
	default:
		return nil, fmt.Errorf("tipo de banco de dados não suportado: %s", cfg.Database.Type)
	}
}
