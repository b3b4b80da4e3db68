package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
)

// sqlStorage contém as consultas compartilhadas por SQLite e PostgreSQL.
// Os placeholders são escritos com "?" e reescritos por Rebind.
type sqlStorage struct {
	db     *sqlx.DB
	unique func(error) bool
}

type userRow struct {
	ID       int64     `db:"id"`
	Username string    `db:"username"`
	Password string    `db:"password"`
	Name     string    `db:"name"`
	Role     string    `db:"role"`
	Created  time.Time `db:"created"`
}

func (r userRow) user() *User {
	return &User{
		ID:       r.ID,
		Username: r.Username,
		Password: r.Password,
		Name:     r.Name,
		Role:     Role(r.Role),
		Created:  r.Created,
	}
}

type mailboxRow struct {
	ID         int64     `db:"id"`
	Name       string    `db:"name"`
	Tags       string    `db:"tags"`
	Attributes string    `db:"attributes"`
	Created    time.Time `db:"created"`
}

type emailRow struct {
	ID         int64     `db:"id"`
	UID        int64     `db:"uid"`
	Sender     string    `db:"sender"`
	Recipients string    `db:"recipients"`
	MessageID  string    `db:"message_id"`
	RawHandle  string    `db:"raw_handle"`
	Size       int64     `db:"size"`
	RemoteIP   string    `db:"remote_ip"`
	RemoteHost string    `db:"remote_host"`
	Received   time.Time `db:"received"`
	Tags       string    `db:"tags"`
}

type membership struct {
	Owner int64 `db:"owner"`
	Ref   int64 `db:"ref"`
}

const emailColumns = `e.id, e.uid, e.sender, e.recipients, e.message_id, e.raw_handle,
	e.size, e.remote_ip, e.remote_host, e.received, e.tags`

func encodeList(list []string) (string, error) {
	if list == nil {
		list = []string{}
	}
	b, err := json.Marshal(list)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func decodeList(s string) ([]string, error) {
	if s == "" {
		return nil, nil
	}
	var list []string
	if err := json.Unmarshal([]byte(s), &list); err != nil {
		return nil, err
	}
	return list, nil
}

func (s *sqlStorage) q(query string) string {
	return s.db.Rebind(query)
}

// Ping verifica a conexão com o banco de dados
func (s *sqlStorage) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close fecha a conexão com o banco de dados
func (s *sqlStorage) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// CreateUser cria um novo usuário
func (s *sqlStorage) CreateUser(ctx context.Context, user *User) error {
	if user.Created.IsZero() {
		user.Created = time.Now().UTC()
	}
	if user.Role == "" {
		user.Role = RoleUser
	}

	err := s.db.GetContext(ctx, &user.ID, s.q(`
		INSERT INTO users (username, password, name, role, created)
		VALUES (?, ?, ?, ?, ?) RETURNING id`),
		user.Username, user.Password, user.Name, string(user.Role), user.Created)
	if err != nil {
		if s.unique(err) {
			return ErrUserExists
		}
		return fmt.Errorf("falha ao criar usuário: %w", err)
	}
	return nil
}

// GetUser obtém um usuário pelo ID
func (s *sqlStorage) GetUser(ctx context.Context, id int64) (*User, error) {
	var row userRow
	err := s.db.GetContext(ctx, &row, s.q(`
		SELECT id, username, password, name, role, created
		FROM users WHERE id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("falha ao obter usuário: %w", err)
	}
	return row.user(), nil
}

// GetUserByUsername obtém um usuário pelo nome de usuário
func (s *sqlStorage) GetUserByUsername(ctx context.Context, username string) (*User, error) {
	var row userRow
	err := s.db.GetContext(ctx, &row, s.q(`
		SELECT id, username, password, name, role, created
		FROM users WHERE username = ?`), username)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("falha ao obter usuário: %w", err)
	}
	return row.user(), nil
}

// ListUsers lista todos os usuários em ordem de criação
func (s *sqlStorage) ListUsers(ctx context.Context) ([]*User, error) {
	var rows []userRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT id, username, password, name, role, created
		FROM users ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("falha ao listar usuários: %w", err)
	}

	users := make([]*User, 0, len(rows))
	for _, row := range rows {
		users = append(users, row.user())
	}
	return users, nil
}

// DeleteUser remove o usuário, a sua participação nas caixas e as marcas de
// leitura
func (s *sqlStorage) DeleteUser(ctx context.Context, id int64) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("falha ao iniciar transação: %w", err)
	}
	defer tx.Rollback()

	for _, stmt := range []string{
		`DELETE FROM mailbox_members WHERE user_id = ?`,
		`DELETE FROM seen WHERE user_id = ?`,
	} {
		if _, err := tx.ExecContext(ctx, s.q(stmt), id); err != nil {
			return fmt.Errorf("falha ao remover referências do usuário: %w", err)
		}
	}

	res, err := tx.ExecContext(ctx, s.q(`DELETE FROM users WHERE id = ?`), id)
	if err != nil {
		return fmt.Errorf("falha ao excluir usuário: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("falha ao verificar exclusão: %w", err)
	}
	if n == 0 {
		return ErrUserNotFound
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("falha ao confirmar transação: %w", err)
	}
	return nil
}

// CreateMailbox cria uma nova caixa de correio com os seus membros
func (s *sqlStorage) CreateMailbox(ctx context.Context, mailbox *Mailbox) error {
	if mailbox.Created.IsZero() {
		mailbox.Created = time.Now().UTC()
	}
	tags, err := encodeList(mailbox.Tags)
	if err != nil {
		return fmt.Errorf("falha ao codificar tags: %w", err)
	}
	attrs, err := encodeList(mailbox.Attributes)
	if err != nil {
		return fmt.Errorf("falha ao codificar atributos: %w", err)
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("falha ao iniciar transação: %w", err)
	}
	defer tx.Rollback()

	var id int64
	err = tx.GetContext(ctx, &id, s.q(`
		INSERT INTO mailboxes (name, tags, attributes, created)
		VALUES (?, ?, ?, ?) RETURNING id`),
		mailbox.Name, tags, attrs, mailbox.Created)
	if err != nil {
		return fmt.Errorf("falha ao criar caixa de correio: %w", err)
	}

	for i, userID := range mailbox.Members {
		_, err := tx.ExecContext(ctx, s.q(`
			INSERT INTO mailbox_members (mailbox_id, user_id, position)
			VALUES (?, ?, ?)`), id, userID, i)
		if err != nil {
			return fmt.Errorf("falha ao adicionar membro à caixa de correio: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("falha ao confirmar transação: %w", err)
	}
	mailbox.ID = id
	return nil
}

// GetMailbox obtém uma caixa de correio pelo ID
func (s *sqlStorage) GetMailbox(ctx context.Context, id int64) (*Mailbox, error) {
	var row mailboxRow
	err := s.db.GetContext(ctx, &row, s.q(`
		SELECT id, name, tags, attributes, created
		FROM mailboxes WHERE id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrMailboxNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("falha ao obter caixa de correio: %w", err)
	}

	mailboxes, err := s.hydrateMailboxes(ctx, []mailboxRow{row})
	if err != nil {
		return nil, err
	}
	return mailboxes[0], nil
}

// ListMailboxesForUser lista as caixas das quais o usuário é membro
func (s *sqlStorage) ListMailboxesForUser(ctx context.Context, userID int64) ([]*Mailbox, error) {
	var rows []mailboxRow
	err := s.db.SelectContext(ctx, &rows, s.q(`
		SELECT m.id, m.name, m.tags, m.attributes, m.created
		FROM mailboxes m
		JOIN mailbox_members mm ON mm.mailbox_id = m.id
		WHERE mm.user_id = ?
		ORDER BY m.id`), userID)
	if err != nil {
		return nil, fmt.Errorf("falha ao listar caixas de correio: %w", err)
	}
	return s.hydrateMailboxes(ctx, rows)
}

func (s *sqlStorage) hydrateMailboxes(ctx context.Context, rows []mailboxRow) ([]*Mailbox, error) {
	mailboxes := make([]*Mailbox, 0, len(rows))
	if len(rows) == 0 {
		return mailboxes, nil
	}

	ids := make([]int64, 0, len(rows))
	for _, row := range rows {
		ids = append(ids, row.ID)
	}
	query, args, err := sqlx.In(`
		SELECT mailbox_id AS owner, user_id AS ref
		FROM mailbox_members WHERE mailbox_id IN (?)
		ORDER BY mailbox_id, position`, ids)
	if err != nil {
		return nil, fmt.Errorf("falha ao montar consulta de membros: %w", err)
	}
	var members []membership
	if err := s.db.SelectContext(ctx, &members, s.q(query), args...); err != nil {
		return nil, fmt.Errorf("falha ao obter membros: %w", err)
	}
	byMailbox := make(map[int64][]int64, len(rows))
	for _, m := range members {
		byMailbox[m.Owner] = append(byMailbox[m.Owner], m.Ref)
	}

	for _, row := range rows {
		tags, err := decodeList(row.Tags)
		if err != nil {
			return nil, fmt.Errorf("falha ao decodificar tags: %w", err)
		}
		attrs, err := decodeList(row.Attributes)
		if err != nil {
			return nil, fmt.Errorf("falha ao decodificar atributos: %w", err)
		}
		mailboxes = append(mailboxes, &Mailbox{
			ID:         row.ID,
			Name:       row.Name,
			Members:    byMailbox[row.ID],
			Tags:       tags,
			Attributes: attrs,
			Created:    row.Created,
		})
	}
	return mailboxes, nil
}

// DeleteMailbox remove a caixa e todas as referências a ela
func (s *sqlStorage) DeleteMailbox(ctx context.Context, id int64) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("falha ao iniciar transação: %w", err)
	}
	defer tx.Rollback()

	// As chaves estrangeiras já propagam a exclusão; as remoções explícitas
	// mantêm o comportamento quando o SQLite está sem foreign_keys.
	for _, stmt := range []string{
		`DELETE FROM email_mailboxes WHERE mailbox_id = ?`,
		`DELETE FROM mailbox_members WHERE mailbox_id = ?`,
	} {
		if _, err := tx.ExecContext(ctx, s.q(stmt), id); err != nil {
			return fmt.Errorf("falha ao remover referências da caixa de correio: %w", err)
		}
	}

	res, err := tx.ExecContext(ctx, s.q(`DELETE FROM mailboxes WHERE id = ?`), id)
	if err != nil {
		return fmt.Errorf("falha ao excluir caixa de correio: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("falha ao verificar exclusão: %w", err)
	}
	if n == 0 {
		return ErrMailboxNotFound
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("falha ao confirmar transação: %w", err)
	}
	return nil
}

// CreateEmail aloca o próximo UID e insere a mensagem na mesma transação
func (s *sqlStorage) CreateEmail(ctx context.Context, email *Email) error {
	recipients, err := encodeList(email.Envelope.To)
	if err != nil {
		return fmt.Errorf("falha ao codificar destinatários: %w", err)
	}
	tags, err := encodeList(email.Tags)
	if err != nil {
		return fmt.Errorf("falha ao codificar tags: %w", err)
	}
	if email.Metadata.Received.IsZero() {
		email.Metadata.Received = time.Now().UTC()
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("falha ao iniciar transação: %w", err)
	}
	defer tx.Rollback()

	var uid int64
	err = tx.GetContext(ctx, &uid,
		`UPDATE uid_counter SET last_uid = last_uid + 1 WHERE id = 1 RETURNING last_uid`)
	if err != nil {
		return fmt.Errorf("falha ao alocar UID: %w", err)
	}

	var id int64
	err = tx.GetContext(ctx, &id, s.q(`
		INSERT INTO emails (uid, sender, recipients, message_id, raw_handle, size,
			remote_ip, remote_host, received, tags)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?) RETURNING id`),
		uid, email.Envelope.From, recipients, email.MessageID, email.RawHandle, email.Size,
		email.Metadata.RemoteIP, email.Metadata.RemoteHost, email.Metadata.Received, tags)
	if err != nil {
		return fmt.Errorf("falha ao inserir mensagem: %w", err)
	}

	for _, mailboxID := range email.Mailboxes {
		_, err := tx.ExecContext(ctx, s.q(`
			INSERT INTO email_mailboxes (email_id, mailbox_id) VALUES (?, ?)`), id, mailboxID)
		if err != nil {
			return fmt.Errorf("falha ao associar mensagem à caixa de correio: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("falha ao confirmar transação: %w", err)
	}
	email.ID = id
	email.UID = uint32(uid)
	return nil
}

// GetEmail obtém uma mensagem pelo ID
func (s *sqlStorage) GetEmail(ctx context.Context, id int64) (*Email, error) {
	var row emailRow
	err := s.db.GetContext(ctx, &row, s.q(`SELECT `+emailColumns+` FROM emails e WHERE e.id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrMessageNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("falha ao obter mensagem: %w", err)
	}

	emails, err := s.hydrateEmails(ctx, []emailRow{row})
	if err != nil {
		return nil, err
	}
	return emails[0], nil
}

// ListEmailsInMailbox lista as mensagens da caixa em ordem de inserção
func (s *sqlStorage) ListEmailsInMailbox(ctx context.Context, mailboxID int64) ([]*Email, error) {
	var rows []emailRow
	err := s.db.SelectContext(ctx, &rows, s.q(`
		SELECT `+emailColumns+`
		FROM emails e
		JOIN email_mailboxes em ON em.email_id = e.id
		WHERE em.mailbox_id = ?
		ORDER BY e.id`), mailboxID)
	if err != nil {
		return nil, fmt.Errorf("falha ao listar mensagens: %w", err)
	}
	return s.hydrateEmails(ctx, rows)
}

func (s *sqlStorage) hydrateEmails(ctx context.Context, rows []emailRow) ([]*Email, error) {
	emails := make([]*Email, 0, len(rows))
	if len(rows) == 0 {
		return emails, nil
	}

	ids := make([]int64, 0, len(rows))
	for _, row := range rows {
		ids = append(ids, row.ID)
	}
	query, args, err := sqlx.In(`
		SELECT email_id AS owner, mailbox_id AS ref
		FROM email_mailboxes WHERE email_id IN (?)
		ORDER BY email_id, mailbox_id`, ids)
	if err != nil {
		return nil, fmt.Errorf("falha ao montar consulta de caixas: %w", err)
	}
	var refs []membership
	if err := s.db.SelectContext(ctx, &refs, s.q(query), args...); err != nil {
		return nil, fmt.Errorf("falha ao obter caixas da mensagem: %w", err)
	}
	byEmail := make(map[int64][]int64, len(rows))
	for _, r := range refs {
		byEmail[r.Owner] = append(byEmail[r.Owner], r.Ref)
	}

	for _, row := range rows {
		to, err := decodeList(row.Recipients)
		if err != nil {
			return nil, fmt.Errorf("falha ao decodificar destinatários: %w", err)
		}
		tags, err := decodeList(row.Tags)
		if err != nil {
			return nil, fmt.Errorf("falha ao decodificar tags: %w", err)
		}
		emails = append(emails, &Email{
			ID:        row.ID,
			UID:       uint32(row.UID),
			Envelope:  Envelope{From: row.Sender, To: to},
			MessageID: row.MessageID,
			RawHandle: row.RawHandle,
			Size:      row.Size,
			Mailboxes: byEmail[row.ID],
			Metadata: Metadata{
				RemoteIP:   row.RemoteIP,
				RemoteHost: row.RemoteHost,
				Received:   row.Received,
			},
			Tags: tags,
		})
	}
	return emails, nil
}

// AddEmailToMailbox associa uma mensagem a mais uma caixa
func (s *sqlStorage) AddEmailToMailbox(ctx context.Context, emailID, mailboxID int64) error {
	if err := s.exists(ctx, `SELECT COUNT(*) FROM emails WHERE id = ?`, emailID, ErrMessageNotFound); err != nil {
		return err
	}
	if err := s.exists(ctx, `SELECT COUNT(*) FROM mailboxes WHERE id = ?`, mailboxID, ErrMailboxNotFound); err != nil {
		return err
	}

	_, err := s.db.ExecContext(ctx, s.q(`
		INSERT INTO email_mailboxes (email_id, mailbox_id) VALUES (?, ?)
		ON CONFLICT (email_id, mailbox_id) DO NOTHING`), emailID, mailboxID)
	if err != nil {
		return fmt.Errorf("falha ao associar mensagem à caixa de correio: %w", err)
	}
	return nil
}

// RemoveEmailFromMailbox desassocia uma mensagem de uma caixa
func (s *sqlStorage) RemoveEmailFromMailbox(ctx context.Context, emailID, mailboxID int64) error {
	if err := s.exists(ctx, `SELECT COUNT(*) FROM emails WHERE id = ?`, emailID, ErrMessageNotFound); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, s.q(`
		DELETE FROM email_mailboxes WHERE email_id = ? AND mailbox_id = ?`), emailID, mailboxID)
	if err != nil {
		return fmt.Errorf("falha ao remover mensagem da caixa de correio: %w", err)
	}
	return nil
}

func (s *sqlStorage) exists(ctx context.Context, query string, id int64, notFound error) error {
	var n int
	if err := s.db.GetContext(ctx, &n, s.q(query), id); err != nil {
		return fmt.Errorf("falha ao consultar registro: %w", err)
	}
	if n == 0 {
		return notFound
	}
	return nil
}

// LastUID retorna o último UID alocado
func (s *sqlStorage) LastUID(ctx context.Context) (uint32, error) {
	var uid int64
	if err := s.db.GetContext(ctx, &uid, `SELECT last_uid FROM uid_counter WHERE id = 1`); err != nil {
		return 0, fmt.Errorf("falha ao obter último UID: %w", err)
	}
	return uint32(uid), nil
}

// MarkSeen registra que o usuário leu a mensagem
func (s *sqlStorage) MarkSeen(ctx context.Context, userID, emailID int64) error {
	_, err := s.db.ExecContext(ctx, s.q(`
		INSERT INTO seen (user_id, email_id, created) VALUES (?, ?, ?)
		ON CONFLICT (user_id, email_id) DO NOTHING`), userID, emailID, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("falha ao marcar mensagem como lida: %w", err)
	}
	return nil
}

// IsSeen indica se o usuário já leu a mensagem
func (s *sqlStorage) IsSeen(ctx context.Context, userID, emailID int64) (bool, error) {
	var n int
	err := s.db.GetContext(ctx, &n, s.q(`
		SELECT COUNT(*) FROM seen WHERE user_id = ? AND email_id = ?`), userID, emailID)
	if err != nil {
		return false, fmt.Errorf("falha ao consultar leitura: %w", err)
	}
	return n > 0, nil
}

// UnmarkSeen remove o registro de leitura e indica se havia um
func (s *sqlStorage) UnmarkSeen(ctx context.Context, userID, emailID int64) (bool, error) {
	res, err := s.db.ExecContext(ctx, s.q(`
		DELETE FROM seen WHERE user_id = ? AND email_id = ?`), userID, emailID)
	if err != nil {
		return false, fmt.Errorf("falha ao desmarcar leitura: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("falha ao verificar leitura: %w", err)
	}
	return n > 0, nil
}

// SeenAmong retorna quais das mensagens informadas o usuário já leu
func (s *sqlStorage) SeenAmong(ctx context.Context, userID int64, emailIDs []int64) (map[int64]bool, error) {
	seen := make(map[int64]bool)
	if len(emailIDs) == 0 {
		return seen, nil
	}

	query, args, err := sqlx.In(`
		SELECT email_id FROM seen WHERE user_id = ? AND email_id IN (?)`, userID, emailIDs)
	if err != nil {
		return nil, fmt.Errorf("falha ao montar consulta de leitura: %w", err)
	}
	var ids []int64
	if err := s.db.SelectContext(ctx, &ids, s.q(query), args...); err != nil {
		return nil, fmt.Errorf("falha ao consultar leituras: %w", err)
	}
	for _, id := range ids {
		seen[id] = true
	}
	return seen, nil
}

func (s *sqlStorage) exec(ctx context.Context, statements ...string) error {
	for _, stmt := range statements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}
