package mailstore

import (
	"context"
	"errors"
	"testing"

	"github.com/carloslauriano/postoffice/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateUserProvisionsSystemMailboxes(t *testing.T) {
	ctx := context.Background()
	r := newRepo(t)

	alice, err := r.CreateUser(ctx, "Alice", "secret", Details{Name: "Alice A."})
	require.NoError(t, err)
	assert.Equal(t, "alice", alice.Username)
	assert.Equal(t, storage.RoleUser, alice.Role)
	assert.NotEqual(t, "secret", alice.Password)

	boxes, err := r.MailboxesWithUser(ctx, alice.ID)
	require.NoError(t, err)
	require.Len(t, boxes, 6)

	important := map[string]bool{Inbox: true, Outbox: true, Sent: true}
	var names []string
	for _, b := range boxes {
		names = append(names, b.Name)
		assert.True(t, b.HasAttribute(storage.AttrVirtual), b.Name)
		assert.True(t, b.HasAttribute(storage.AttrImmutable), b.Name)
		assert.Equal(t, []int64{alice.ID}, b.Members, b.Name)
		if important[b.Name] {
			assert.Equal(t, []string{storage.TagImportant}, b.Tags, b.Name)
		} else {
			assert.Empty(t, b.Tags, b.Name)
		}
	}
	assert.Equal(t, []string{Inbox, Outbox, Sent, Archive, Spam, Trash}, names)
}

func TestCreateUserValidation(t *testing.T) {
	ctx := context.Background()
	r := newRepo(t)
	mustUser(t, r, "alice")

	_, err := r.CreateUser(ctx, "ALICE", "x", Details{})
	assert.ErrorIs(t, err, ErrUserExists)

	for _, name := range []string{"", "a@b", "two words"} {
		_, err := r.CreateUser(ctx, name, "x", Details{})
		assert.Error(t, err, name)
	}
	_, err = r.CreateUser(ctx, "carol", "", Details{})
	assert.Error(t, err)

	admin, err := r.CreateUser(ctx, "admin", "x", Details{Role: storage.RoleAdmin})
	require.NoError(t, err)
	assert.Equal(t, storage.RoleAdmin, admin.Role)

	users, err := r.Users(ctx)
	require.NoError(t, err)
	assert.Len(t, users, 2)
}

func TestLogin(t *testing.T) {
	ctx := context.Background()
	r := newRepo(t)
	alice := mustUser(t, r, "alice")

	tests := []struct {
		name     string
		username string
		password string
		wantErr  error
	}{
		{"nome simples", "alice", "secret", nil},
		{"qualificado com o host", "alice@localhost", "secret", nil},
		{"maiúsculas", "Alice@LOCALHOST", "secret", nil},
		{"senha errada", "alice", "wrong", ErrInvalidCredentials},
		{"usuário inexistente", "bob", "secret", ErrInvalidCredentials},
		{"outro domínio", "alice@example.com", "secret", ErrInvalidCredentials},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			u, err := r.Login(ctx, tt.username, tt.password)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				assert.Nil(t, u)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, alice.ID, u.ID)
		})
	}
}

// flakyStorage falha a criação de caixas a partir da chamada failAt
type flakyStorage struct {
	*storage.MemoryStorage
	calls  int
	failAt int
}

func (s *flakyStorage) CreateMailbox(ctx context.Context, m *storage.Mailbox) error {
	s.calls++
	if s.failAt > 0 && s.calls >= s.failAt {
		return errors.New("disco cheio")
	}
	return s.MemoryStorage.CreateMailbox(ctx, m)
}

func TestCreateUserRollsBackOnMailboxFailure(t *testing.T) {
	ctx := context.Background()
	store := &flakyStorage{MemoryStorage: storage.NewMemoryStorage(), failAt: 3}
	r := New(store, "localhost")

	_, err := r.CreateUser(ctx, "alice", "secret", Details{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), Sent)

	_, err = r.GetUserByUsername(ctx, "alice")
	assert.ErrorIs(t, err, ErrUserNotFound)
	users, err := r.Users(ctx)
	require.NoError(t, err)
	assert.Empty(t, users)

	store.failAt = 0
	alice, err := r.CreateUser(ctx, "alice", "secret", Details{})
	require.NoError(t, err)
	boxes, err := r.MailboxesWithUser(ctx, alice.ID)
	require.NoError(t, err)
	assert.Len(t, boxes, 6)
}
