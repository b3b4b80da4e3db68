package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/carloslauriano/postoffice/config"
	"github.com/jmoiron/sqlx"
	"github.com/mattn/go-sqlite3"
)

// SQLiteStorage implementa a interface Storage para SQLite
type SQLiteStorage struct {
	sqlStorage
	path string
}

// NewSQLiteStorage cria uma nova instância de armazenamento SQLite
func NewSQLiteStorage(cfg *config.DatabaseConfig) (*SQLiteStorage, error) {
	// Garantir que o diretório existe
	dir := filepath.Dir(cfg.Path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("falha ao criar diretório para SQLite: %w", err)
	}

	return &SQLiteStorage{
		sqlStorage: sqlStorage{unique: isSQLiteUnique},
		path:       cfg.Path,
	}, nil
}

// Open abre a conexão com o banco de dados
func (s *SQLiteStorage) Open() error {
	db, err := sqlx.Open("sqlite3", s.path+"?_foreign_keys=on&_busy_timeout=5000")
	if err != nil {
		return fmt.Errorf("falha ao abrir banco de dados SQLite: %w", err)
	}
	// Um único escritor serializa as transações de alocação de UID
	db.SetMaxOpenConns(1)
	s.db = db

	if err := s.createSchema(context.Background()); err != nil {
		s.db.Close()
		return fmt.Errorf("falha ao criar esquema SQLite: %w", err)
	}

	return nil
}

// createSchema cria o esquema do banco de dados
func (s *SQLiteStorage) createSchema(ctx context.Context) error {
	return s.exec(ctx,
		`CREATE TABLE IF NOT EXISTS users (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			username TEXT NOT NULL UNIQUE,
			password TEXT NOT NULL,
			name TEXT NOT NULL DEFAULT '',
			role TEXT NOT NULL,
			created TIMESTAMP NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS mailboxes (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			name TEXT NOT NULL,
			tags TEXT NOT NULL DEFAULT '[]',
			attributes TEXT NOT NULL DEFAULT '[]',
			created TIMESTAMP NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS mailbox_members (
			mailbox_id INTEGER NOT NULL REFERENCES mailboxes(id) ON DELETE CASCADE,
			user_id INTEGER NOT NULL REFERENCES users(id) ON DELETE CASCADE,
			position INTEGER NOT NULL,
			PRIMARY KEY (mailbox_id, user_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_mailbox_members_user ON mailbox_members(user_id)`,
		`CREATE TABLE IF NOT EXISTS emails (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			uid INTEGER NOT NULL UNIQUE,
			sender TEXT NOT NULL,
			recipients TEXT NOT NULL,
			message_id TEXT NOT NULL,
			raw_handle TEXT NOT NULL,
			size INTEGER NOT NULL,
			remote_ip TEXT NOT NULL DEFAULT '',
			remote_host TEXT NOT NULL DEFAULT '',
			received TIMESTAMP NOT NULL,
			tags TEXT NOT NULL DEFAULT '[]'
		)`,
		`CREATE TABLE IF NOT EXISTS email_mailboxes (
			email_id INTEGER NOT NULL REFERENCES emails(id) ON DELETE CASCADE,
			mailbox_id INTEGER NOT NULL REFERENCES mailboxes(id) ON DELETE CASCADE,
			PRIMARY KEY (email_id, mailbox_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_email_mailboxes_mailbox ON email_mailboxes(mailbox_id)`,
		`CREATE TABLE IF NOT EXISTS seen (
			user_id INTEGER NOT NULL,
			email_id INTEGER NOT NULL,
			created TIMESTAMP NOT NULL,
			PRIMARY KEY (user_id, email_id)
		)`,
		`CREATE TABLE IF NOT EXISTS uid_counter (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			last_uid INTEGER NOT NULL
		)`,
		`INSERT INTO uid_counter (id, last_uid) VALUES (1, 0) ON CONFLICT (id) DO NOTHING`,
	)
}

func isSQLiteUnique(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique
	}
	return false
}
