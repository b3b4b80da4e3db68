package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/carloslauriano/postoffice/config"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

// PostgresStorage implementa a interface Storage para PostgreSQL
type PostgresStorage struct {
	sqlStorage
	connStr string
}

// NewPostgresStorage cria uma nova instância de armazenamento PostgreSQL
func NewPostgresStorage(cfg *config.DatabaseConfig) (*PostgresStorage, error) {
	sslmode := cfg.SSLMode
	if sslmode == "" {
		sslmode = "disable"
	}
	connStr := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.DBName, sslmode,
	)

	return &PostgresStorage{
		sqlStorage: sqlStorage{unique: isPostgresUnique},
		connStr:    connStr,
	}, nil
}

// Open abre a conexão com o banco de dados
func (s *PostgresStorage) Open() error {
	db, err := sqlx.Open("postgres", s.connStr)
	if err != nil {
		return fmt.Errorf("falha ao abrir banco de dados PostgreSQL: %w", err)
	}
	s.db = db

	if err := s.createSchema(context.Background()); err != nil {
		s.db.Close()
		return fmt.Errorf("falha ao criar esquema PostgreSQL: %w", err)
	}
	return nil
}

// createSchema cria o esquema do banco de dados
func (s *PostgresStorage) createSchema(ctx context.Context) error {
	return s.exec(ctx,
		`CREATE TABLE IF NOT EXISTS users (
			id BIGSERIAL PRIMARY KEY,
			username VARCHAR(255) NOT NULL UNIQUE,
			password VARCHAR(255) NOT NULL,
			name VARCHAR(255) NOT NULL DEFAULT '',
			role VARCHAR(32) NOT NULL,
			created TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS mailboxes (
			id BIGSERIAL PRIMARY KEY,
			name VARCHAR(255) NOT NULL,
			tags TEXT NOT NULL DEFAULT '[]',
			attributes TEXT NOT NULL DEFAULT '[]',
			created TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS mailbox_members (
			mailbox_id BIGINT NOT NULL REFERENCES mailboxes(id) ON DELETE CASCADE,
			user_id BIGINT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
			position INTEGER NOT NULL,
			PRIMARY KEY (mailbox_id, user_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_mailbox_members_user ON mailbox_members(user_id)`,
		`CREATE TABLE IF NOT EXISTS emails (
			id BIGSERIAL PRIMARY KEY,
			uid BIGINT NOT NULL UNIQUE,
			sender VARCHAR(512) NOT NULL,
			recipients TEXT NOT NULL,
			message_id VARCHAR(998) NOT NULL,
			raw_handle VARCHAR(128) NOT NULL,
			size BIGINT NOT NULL,
			remote_ip VARCHAR(64) NOT NULL DEFAULT '',
			remote_host VARCHAR(255) NOT NULL DEFAULT '',
			received TIMESTAMPTZ NOT NULL,
			tags TEXT NOT NULL DEFAULT '[]'
		)`,
		`CREATE TABLE IF NOT EXISTS email_mailboxes (
			email_id BIGINT NOT NULL REFERENCES emails(id) ON DELETE CASCADE,
			mailbox_id BIGINT NOT NULL REFERENCES mailboxes(id) ON DELETE CASCADE,
			PRIMARY KEY (email_id, mailbox_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_email_mailboxes_mailbox ON email_mailboxes(mailbox_id)`,
		`CREATE TABLE IF NOT EXISTS seen (
			user_id BIGINT NOT NULL,
			email_id BIGINT NOT NULL,
			created TIMESTAMPTZ NOT NULL,
			PRIMARY KEY (user_id, email_id)
		)`,
		`CREATE TABLE IF NOT EXISTS uid_counter (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			last_uid BIGINT NOT NULL
		)`,
		`INSERT INTO uid_counter (id, last_uid) VALUES (1, 0) ON CONFLICT (id) DO NOTHING`,
	)
}

func isPostgresUnique(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	return false
}
