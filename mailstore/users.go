package mailstore

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/carloslauriano/postoffice/storage"
	"golang.org/x/crypto/bcrypt"
)

// Details são os dados descritivos de um usuário
type Details struct {
	Name string
	Role storage.Role
}

type systemMailbox struct {
	name string
	tags []string
}

// Caixas criadas para todo usuário novo, nesta ordem
var systemMailboxes = []systemMailbox{
	{Inbox, []string{storage.TagImportant}},
	{Outbox, []string{storage.TagImportant}},
	{Sent, []string{storage.TagImportant}},
	{Archive, nil},
	{Spam, nil},
	{Trash, nil},
}

var passwordCost = bcrypt.DefaultCost

// HashPassword gera o hash bcrypt de uma senha
func HashPassword(plain string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(plain), passwordCost)
	if err != nil {
		return "", fmt.Errorf("falha ao gerar hash da senha: %w", err)
	}
	return string(hash), nil
}

func normalizeUsername(username string) string {
	return strings.ToLower(strings.TrimSpace(username))
}

// CreateUser cria o usuário e as suas seis caixas de sistema
func (r *Repository) CreateUser(ctx context.Context, username, password string, details Details) (*storage.User, error) {
	username = normalizeUsername(username)
	if username == "" || strings.ContainsAny(username, "@ \t") {
		return nil, fmt.Errorf("nome de usuário inválido: %q", username)
	}
	if password == "" {
		return nil, fmt.Errorf("senha vazia")
	}
	if details.Role == "" {
		details.Role = storage.RoleUser
	}

	hash, err := HashPassword(password)
	if err != nil {
		return nil, err
	}

	user := &storage.User{
		Username: username,
		Password: hash,
		Name:     details.Name,
		Role:     details.Role,
		Created:  r.now().UTC(),
	}
	if err := r.store.CreateUser(ctx, user); err != nil {
		return nil, err
	}

	attrs := []string{storage.AttrImmutable, storage.AttrVirtual}
	var created []int64
	for _, sm := range systemMailboxes {
		id, err := r.CreateMailbox(ctx, sm.name, []int64{user.ID}, sm.tags, attrs)
		if err != nil {
			err = fmt.Errorf("falha ao criar caixa %s: %w", sm.name, err)
			return nil, errors.Join(err, r.discardUser(ctx, user.ID, created))
		}
		created = append(created, id)
	}
	return user, nil
}

// discardUser desfaz um cadastro incompleto para que o nome possa ser usado
// de novo
func (r *Repository) discardUser(ctx context.Context, userID int64, mailboxes []int64) error {
	var errs []error
	for _, id := range mailboxes {
		if err := r.store.DeleteMailbox(ctx, id); err != nil {
			errs = append(errs, err)
		}
	}
	if err := r.store.DeleteUser(ctx, userID); err != nil {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		return fmt.Errorf("falha ao desfazer cadastro: %w", errors.Join(errs...))
	}
	return nil
}

// GetUser obtém um usuário pelo ID
func (r *Repository) GetUser(ctx context.Context, id int64) (*storage.User, error) {
	return r.store.GetUser(ctx, id)
}

// GetUserByUsername obtém um usuário pelo nome
func (r *Repository) GetUserByUsername(ctx context.Context, username string) (*storage.User, error) {
	return r.store.GetUserByUsername(ctx, normalizeUsername(username))
}

// Users lista todos os usuários
func (r *Repository) Users(ctx context.Context) ([]*storage.User, error) {
	return r.store.ListUsers(ctx)
}

// Login verifica as credenciais. Aceita "usuario" ou "usuario@host" quando
// host é o domínio local.
func (r *Repository) Login(ctx context.Context, username, password string) (*storage.User, error) {
	local, domain := SplitAddress(username)
	if domain != "" {
		if !strings.EqualFold(domain, r.host) {
			return nil, ErrInvalidCredentials
		}
		username = local
	}

	user, err := r.GetUserByUsername(ctx, username)
	if errors.Is(err, ErrUserNotFound) {
		return nil, ErrInvalidCredentials
	}
	if err != nil {
		return nil, err
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.Password), []byte(password)); err != nil {
		return nil, ErrInvalidCredentials
	}
	return user, nil
}
