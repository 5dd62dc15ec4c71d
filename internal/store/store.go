// Package store is the persistence layer: a SQLite-backed, transactional
// store for users, contacts, flows, sessions, broadcasts, broadcast
// recipients, and logs. Connections run in WAL mode with a single writer,
// migrations are a slice of `CREATE TABLE IF NOT EXISTS` statements run at
// Init, and broadcast aggregate counters are updated with atomic
// increment/decrement deltas rather than read-modify-write.
package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"flowcast/internal/models"
)

// ErrNotFound is returned when a lookup by primary key or unique
// constraint finds no row.
var ErrNotFound = errors.New("store: not found")

// ErrConflict signals a unique-constraint violation the caller should treat
// as a race to re-read.
var ErrConflict = errors.New("store: conflict")

type Store struct {
	conn *sql.DB
}

// Open connects to the SQLite database at path, applies WAL pragmas, and
// runs migrations.
func Open(path string) (*Store, error) {
	conn, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("store: open: %w", err)
	}
	if err := conn.Ping(); err != nil {
		return nil, fmt.Errorf("store: ping: %w", err)
	}
	// Single writer avoids SQLITE_BUSY beyond the busy_timeout.
	conn.SetMaxOpenConns(1)

	s := &Store{conn: conn}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	log.Println("store: ready")
	return s, nil
}

func (s *Store) Close() error { return s.conn.Close() }

func (s *Store) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS users (
			id TEXT PRIMARY KEY,
			access_token TEXT NOT NULL DEFAULT '',
			business_account_id TEXT NOT NULL DEFAULT '',
			phone_number_id TEXT NOT NULL DEFAULT '',
			verify_token TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE INDEX IF NOT EXISTS idx_users_phone_number_id ON users(phone_number_id)`,
		`CREATE TABLE IF NOT EXISTS contacts (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			phone TEXT NOT NULL,
			name TEXT NOT NULL DEFAULT '',
			UNIQUE(user_id, phone)
		)`,
		`CREATE TABLE IF NOT EXISTS flows (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			name TEXT NOT NULL,
			trigger TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL DEFAULT 'Draft',
			channel TEXT NOT NULL DEFAULT 'whatsapp',
			definition TEXT NOT NULL DEFAULT '{}',
			meta_flow TEXT NOT NULL DEFAULT '{}',
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_flows_user_status ON flows(user_id, status, channel)`,
		`CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			contact_id TEXT NOT NULL,
			flow_id TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'Active',
			current_node_id TEXT,
			context TEXT NOT NULL DEFAULT '{}',
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			UNIQUE(contact_id, flow_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_contact_updated ON sessions(contact_id, updated_at DESC)`,
		`CREATE TABLE IF NOT EXISTS broadcasts (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			total_recipients INTEGER NOT NULL DEFAULT 0,
			success_count INTEGER NOT NULL DEFAULT 0,
			failure_count INTEGER NOT NULL DEFAULT 0,
			status TEXT NOT NULL DEFAULT 'pending'
		)`,
		`CREATE TABLE IF NOT EXISTS broadcast_recipients (
			id TEXT PRIMARY KEY,
			broadcast_id TEXT NOT NULL,
			contact_id TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'Pending',
			error TEXT NOT NULL DEFAULT '',
			status_updated_at DATETIME,
			message_id TEXT NOT NULL DEFAULT '',
			conversation_id TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE INDEX IF NOT EXISTS idx_recipients_message_id ON broadcast_recipients(message_id)`,
		`CREATE TABLE IF NOT EXISTS logs (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			status TEXT NOT NULL,
			context TEXT NOT NULL DEFAULT '{}',
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_logs_session ON logs(session_id, created_at)`,
	}
	for _, stmt := range migrations {
		if _, err := s.conn.Exec(stmt); err != nil {
			return fmt.Errorf("store: migration failed: %w", err)
		}
	}
	return nil
}

// ─── Users ──────────────────────────────────────────────────────────────────

func (s *Store) GetUserByPhoneNumberID(phoneNumberID string) (*models.User, error) {
	row := s.conn.QueryRow(
		`SELECT id, access_token, business_account_id, phone_number_id, verify_token FROM users WHERE phone_number_id = ?`,
		phoneNumberID,
	)
	var u models.User
	if err := row.Scan(&u.ID, &u.AccessToken, &u.BusinessAccountID, &u.PhoneNumberID, &u.VerifyToken); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &u, nil
}

func (s *Store) GetUser(id string) (*models.User, error) {
	row := s.conn.QueryRow(
		`SELECT id, access_token, business_account_id, phone_number_id, verify_token FROM users WHERE id = ?`,
		id,
	)
	var u models.User
	if err := row.Scan(&u.ID, &u.AccessToken, &u.BusinessAccountID, &u.PhoneNumberID, &u.VerifyToken); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &u, nil
}

func (s *Store) UpsertUser(u *models.User) error {
	if u.ID == "" {
		u.ID = uuid.NewString()
	}
	_, err := s.conn.Exec(
		`INSERT INTO users(id, access_token, business_account_id, phone_number_id, verify_token)
		 VALUES(?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET access_token=excluded.access_token,
			business_account_id=excluded.business_account_id,
			phone_number_id=excluded.phone_number_id,
			verify_token=excluded.verify_token`,
		u.ID, u.AccessToken, u.BusinessAccountID, u.PhoneNumberID, u.VerifyToken,
	)
	return err
}

// ─── Contacts ───────────────────────────────────────────────────────────────

// FindContact looks up a contact by userID and any phone in candidates.
func (s *Store) FindContact(userID string, candidates []string) (*models.Contact, error) {
	if len(candidates) == 0 {
		return nil, ErrNotFound
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(candidates)), ",")
	args := make([]any, 0, len(candidates)+1)
	args = append(args, userID)
	for _, c := range candidates {
		args = append(args, c)
	}
	row := s.conn.QueryRow(
		fmt.Sprintf(`SELECT id, user_id, phone, name FROM contacts WHERE user_id = ? AND phone IN (%s) LIMIT 1`, placeholders),
		args...,
	)
	var c models.Contact
	if err := row.Scan(&c.ID, &c.UserID, &c.Phone, &c.Name); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &c, nil
}

// InsertContact creates a new contact row. Returns ErrConflict on a
// (user_id, phone) unique-constraint violation, signaling the caller to
// re-read via FindContact.
func (s *Store) InsertContact(c *models.Contact) error {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	_, err := s.conn.Exec(
		`INSERT INTO contacts(id, user_id, phone, name) VALUES(?, ?, ?, ?)`,
		c.ID, c.UserID, c.Phone, c.Name,
	)
	if err != nil && isUniqueViolation(err) {
		return ErrConflict
	}
	return err
}

func (s *Store) UpdateContact(c *models.Contact) error {
	_, err := s.conn.Exec(`UPDATE contacts SET phone = ?, name = ? WHERE id = ?`, c.Phone, c.Name, c.ID)
	return err
}

// ─── Flows ──────────────────────────────────────────────────────────────────

func (s *Store) GetFlow(id string) (*models.Flow, error) {
	row := s.conn.QueryRow(
		`SELECT id, user_id, name, trigger, status, channel, definition, meta_flow, updated_at
		 FROM flows WHERE id = ?`, id,
	)
	return scanFlow(row)
}

// ListActiveWhatsAppFlows returns a tenant's Active, WhatsApp-channel flows,
// the candidate pool for trigger matching.
func (s *Store) ListActiveWhatsAppFlows(userID string) ([]*models.Flow, error) {
	rows, err := s.conn.Query(
		`SELECT id, user_id, name, trigger, status, channel, definition, meta_flow, updated_at
		 FROM flows WHERE user_id = ? AND status = 'Active' AND channel = 'whatsapp'`, userID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.Flow
	for rows.Next() {
		f, err := scanFlow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanFlow(row scanner) (*models.Flow, error) {
	var f models.Flow
	var defJSON, metaJSON string
	if err := row.Scan(&f.ID, &f.UserID, &f.Name, &f.Trigger, &f.Status, &f.Channel, &defJSON, &metaJSON, &f.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	_ = json.Unmarshal([]byte(defJSON), &f.Definition)
	_ = json.Unmarshal([]byte(metaJSON), &f.MetaFlow)
	return &f, nil
}

func (s *Store) CreateFlow(f *models.Flow) error {
	if f.ID == "" {
		f.ID = uuid.NewString()
	}
	defJSON, _ := json.Marshal(f.Definition)
	metaJSON, _ := json.Marshal(f.MetaFlow)
	_, err := s.conn.Exec(
		`INSERT INTO flows(id, user_id, name, trigger, status, channel, definition, meta_flow, updated_at)
		 VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		f.ID, f.UserID, f.Name, f.Trigger, f.Status, f.Channel, string(defJSON), string(metaJSON), time.Now().UTC(),
	)
	return err
}

func (s *Store) UpdateFlow(f *models.Flow) error {
	defJSON, _ := json.Marshal(f.Definition)
	metaJSON, _ := json.Marshal(f.MetaFlow)
	_, err := s.conn.Exec(
		`UPDATE flows SET name = ?, trigger = ?, status = ?, channel = ?, definition = ?, meta_flow = ?, updated_at = ?
		 WHERE id = ?`,
		f.Name, f.Trigger, f.Status, f.Channel, string(defJSON), string(metaJSON), time.Now().UTC(), f.ID,
	)
	return err
}

// ─── Sessions ───────────────────────────────────────────────────────────────

func (s *Store) GetSession(contactID, flowID string) (*models.Session, error) {
	row := s.conn.QueryRow(
		`SELECT id, contact_id, flow_id, status, current_node_id, context, updated_at
		 FROM sessions WHERE contact_id = ? AND flow_id = ?`, contactID, flowID,
	)
	return scanSession(row)
}

func (s *Store) GetSessionByID(id string) (*models.Session, error) {
	row := s.conn.QueryRow(
		`SELECT id, contact_id, flow_id, status, current_node_id, context, updated_at
		 FROM sessions WHERE id = ?`, id,
	)
	return scanSession(row)
}

// FindLatestActiveSession returns the most recently updated Active or
// Paused session for a contact among WhatsApp-channel flows.
func (s *Store) FindLatestActiveSession(contactID string) (*models.Session, error) {
	row := s.conn.QueryRow(
		`SELECT s.id, s.contact_id, s.flow_id, s.status, s.current_node_id, s.context, s.updated_at
		 FROM sessions s JOIN flows f ON f.id = s.flow_id
		 WHERE s.contact_id = ? AND s.status IN ('Active', 'Paused') AND f.channel = 'whatsapp'
		 ORDER BY s.updated_at DESC LIMIT 1`, contactID,
	)
	return scanSession(row)
}

func scanSession(row scanner) (*models.Session, error) {
	var sess models.Session
	var currentNodeID sql.NullString
	var ctxJSON string
	if err := row.Scan(&sess.ID, &sess.ContactID, &sess.FlowID, &sess.Status, &currentNodeID, &ctxJSON, &sess.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if currentNodeID.Valid {
		v := currentNodeID.String
		sess.CurrentNodeID = &v
	}
	var ctx map[string]any
	_ = json.Unmarshal([]byte(ctxJSON), &ctx)
	if ctx == nil {
		ctx = map[string]any{}
	}
	sess.Context = ctx
	return &sess, nil
}

func (s *Store) CreateSession(sess *models.Session) error {
	if sess.ID == "" {
		sess.ID = uuid.NewString()
	}
	if sess.Context == nil {
		sess.Context = map[string]any{}
	}
	ctxJSON, _ := json.Marshal(sess.Context)
	_, err := s.conn.Exec(
		`INSERT INTO sessions(id, contact_id, flow_id, status, current_node_id, context, updated_at)
		 VALUES(?, ?, ?, ?, ?, ?, ?)`,
		sess.ID, sess.ContactID, sess.FlowID, sess.Status, sess.CurrentNodeID, string(ctxJSON), time.Now().UTC(),
	)
	if err != nil && isUniqueViolation(err) {
		return ErrConflict
	}
	return err
}

// SaveSession persists (currentNodeId, status, context) — the writes the
// executor performs between every node step.
func (s *Store) SaveSession(sess *models.Session) error {
	ctxJSON, _ := json.Marshal(sess.Context)
	_, err := s.conn.Exec(
		`UPDATE sessions SET status = ?, current_node_id = ?, context = ?, updated_at = ? WHERE id = ?`,
		sess.Status, sess.CurrentNodeID, string(ctxJSON), time.Now().UTC(), sess.ID,
	)
	return err
}

// ─── Broadcasts ─────────────────────────────────────────────────────────────

func (s *Store) CreateBroadcast(b *models.Broadcast) error {
	if b.ID == "" {
		b.ID = uuid.NewString()
	}
	_, err := s.conn.Exec(
		`INSERT INTO broadcasts(id, user_id, total_recipients, success_count, failure_count, status)
		 VALUES(?, ?, ?, ?, ?, ?)`,
		b.ID, b.UserID, b.TotalRecipients, b.SuccessCount, b.FailureCount, b.Status,
	)
	return err
}

func (s *Store) GetBroadcast(id string) (*models.Broadcast, error) {
	row := s.conn.QueryRow(
		`SELECT id, user_id, total_recipients, success_count, failure_count, status FROM broadcasts WHERE id = ?`, id,
	)
	var b models.Broadcast
	if err := row.Scan(&b.ID, &b.UserID, &b.TotalRecipients, &b.SuccessCount, &b.FailureCount, &b.Status); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &b, nil
}

func (s *Store) CreateBroadcastRecipient(r *models.BroadcastRecipient) error {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	_, err := s.conn.Exec(
		`INSERT INTO broadcast_recipients(id, broadcast_id, contact_id, status, error, status_updated_at, message_id, conversation_id)
		 VALUES(?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.BroadcastID, r.ContactID, r.Status, r.Error, r.StatusUpdatedAt, r.MessageID, r.ConversationID,
	)
	return err
}

func (s *Store) GetRecipientByMessageID(userID, messageID string) (*models.BroadcastRecipient, error) {
	row := s.conn.QueryRow(
		`SELECT r.id, r.broadcast_id, r.contact_id, r.status, r.error, r.status_updated_at, r.message_id, r.conversation_id
		 FROM broadcast_recipients r JOIN broadcasts b ON b.id = r.broadcast_id
		 WHERE r.message_id = ? AND b.user_id = ?`, messageID, userID,
	)
	var r models.BroadcastRecipient
	var statusUpdatedAt sql.NullTime
	if err := row.Scan(&r.ID, &r.BroadcastID, &r.ContactID, &r.Status, &r.Error, &statusUpdatedAt, &r.MessageID, &r.ConversationID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if statusUpdatedAt.Valid {
		t := statusUpdatedAt.Time
		r.StatusUpdatedAt = &t
	}
	return &r, nil
}

// ApplyRecipientUpdate writes the recipient's new status/error/conversation
// fields and applies the broadcast's success/failure count deltas in a
// single transaction, so one reconciliation's aggregate adjustment can
// never be lost to a concurrent one: atomic increment/decrement, not
// read-modify-write.
func (s *Store) ApplyRecipientUpdate(r *models.BroadcastRecipient, successDelta, failureDelta int) error {
	tx, err := s.conn.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.Exec(
		`UPDATE broadcast_recipients SET status = ?, error = ?, status_updated_at = ?, conversation_id = ? WHERE id = ?`,
		r.Status, r.Error, r.StatusUpdatedAt, r.ConversationID, r.ID,
	)
	if err != nil {
		return err
	}

	if successDelta != 0 || failureDelta != 0 {
		_, err = tx.Exec(
			`UPDATE broadcasts SET success_count = success_count + ?, failure_count = failure_count + ? WHERE id = ?`,
			successDelta, failureDelta, r.BroadcastID,
		)
		if err != nil {
			return err
		}
	}

	return tx.Commit()
}

// ─── Logs ───────────────────────────────────────────────────────────────────

func (s *Store) AppendLog(l *models.Log) error {
	if l.ID == "" {
		l.ID = uuid.NewString()
	}
	ctxJSON, _ := json.Marshal(l.Context)
	_, err := s.conn.Exec(
		`INSERT INTO logs(id, session_id, status, context, created_at) VALUES(?, ?, ?, ?, ?)`,
		l.ID, l.SessionID, l.Status, string(ctxJSON), time.Now().UTC(),
	)
	return err
}

func (s *Store) ListLogs(sessionID string) ([]*models.Log, error) {
	rows, err := s.conn.Query(
		`SELECT id, session_id, status, context, created_at FROM logs WHERE session_id = ? ORDER BY created_at`, sessionID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.Log
	for rows.Next() {
		var l models.Log
		var ctxJSON string
		if err := rows.Scan(&l.ID, &l.SessionID, &l.Status, &ctxJSON, &l.CreatedAt); err != nil {
			return nil, err
		}
		var ctx map[string]any
		_ = json.Unmarshal([]byte(ctxJSON), &ctx)
		l.Context = ctx
		out = append(out, &l)
	}
	return out, rows.Err()
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
