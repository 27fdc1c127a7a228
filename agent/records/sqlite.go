package records

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	sqlitex "github.com/tanpawarit/udahub-support-orchestrator/pkg/sqlite"
)

const maxConflictRetries = 3

// SQLiteStore serves user, experience, reservation and ticket records. Every
// mutation is recorded in an idempotency ledger inside the same transaction,
// so a repeated key returns the first outcome instead of applying twice.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

func NewSQLiteStore(ctx context.Context, db *sql.DB) (*SQLiteStore, error) {
	if db == nil {
		return nil, fmt.Errorf("records: nil database")
	}
	s := &SQLiteStore{db: db, now: time.Now}
	if err := s.initSchema(ctx); err != nil {
		return nil, fmt.Errorf("initialize schema: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) initSchema(ctx context.Context) error {
	query := `
	CREATE TABLE IF NOT EXISTS users (
		user_id TEXT PRIMARY KEY,
		account_id TEXT NOT NULL,
		full_name TEXT NOT NULL,
		email TEXT NOT NULL,
		is_blocked INTEGER NOT NULL DEFAULT 0
	);
	CREATE INDEX IF NOT EXISTS idx_users_account ON users(account_id);

	CREATE TABLE IF NOT EXISTS subscriptions (
		subscription_id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL UNIQUE REFERENCES users(user_id),
		status TEXT NOT NULL,
		tier TEXT NOT NULL,
		monthly_quota INTEGER NOT NULL DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS experiences (
		experience_id TEXT PRIMARY KEY,
		title TEXT NOT NULL,
		description TEXT NOT NULL,
		location TEXT NOT NULL,
		starts_at INTEGER NOT NULL,
		slots_available INTEGER NOT NULL,
		is_premium INTEGER NOT NULL DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS reservations (
		reservation_id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL REFERENCES users(user_id),
		experience_id TEXT NOT NULL REFERENCES experiences(experience_id),
		status TEXT NOT NULL,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_reservations_experience ON reservations(experience_id, status);

	CREATE TABLE IF NOT EXISTS tickets (
		ticket_id TEXT PRIMARY KEY,
		account_id TEXT NOT NULL,
		user_id TEXT NOT NULL,
		channel TEXT NOT NULL,
		status TEXT NOT NULL,
		main_issue_type TEXT NOT NULL DEFAULT '',
		tags TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_tickets_user ON tickets(account_id, user_id);

	CREATE TABLE IF NOT EXISTS ticket_messages (
		message_id TEXT PRIMARY KEY,
		ticket_id TEXT NOT NULL REFERENCES tickets(ticket_id),
		role TEXT NOT NULL,
		content TEXT NOT NULL,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_ticket_messages_ticket ON ticket_messages(ticket_id, created_at);

	CREATE TABLE IF NOT EXISTS idempotency_keys (
		idempotency_key TEXT PRIMARY KEY,
		operation TEXT NOT NULL,
		response TEXT NOT NULL,
		created_at INTEGER NOT NULL
	);
	`
	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetUser(ctx context.Context, userID string) (*User, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT u.user_id, u.account_id, u.full_name, u.email, u.is_blocked,
		       sub.subscription_id, sub.status, sub.tier, sub.monthly_quota
		FROM users u
		LEFT JOIN subscriptions sub ON sub.user_id = u.user_id
		WHERE u.user_id = ?`, userID)

	var (
		user    User
		blocked int
		subID   sql.NullString
		status  sql.NullString
		tier    sql.NullString
		quota   sql.NullInt64
	)
	err := row.Scan(&user.UserID, &user.AccountID, &user.FullName, &user.Email, &blocked, &subID, &status, &tier, &quota)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: user %s", ErrNotFound, userID)
	}
	if err != nil {
		return nil, fmt.Errorf("scan user row: %w", err)
	}
	user.IsBlocked = blocked != 0
	if subID.Valid {
		user.Subscription = &Subscription{
			SubscriptionID: subID.String,
			Status:         status.String,
			Tier:           tier.String,
			MonthlyQuota:   int(quota.Int64),
		}
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT reservation_id, user_id, experience_id, status, created_at
		FROM reservations WHERE user_id = ? ORDER BY created_at, reservation_id`, userID)
	if err != nil {
		return nil, fmt.Errorf("query reservations: %w", err)
	}
	defer rows.Close()

	user.Reservations = make([]Reservation, 0)
	for rows.Next() {
		var r Reservation
		var created int64
		if err := rows.Scan(&r.ReservationID, &r.UserID, &r.ExperienceID, &r.Status, &created); err != nil {
			return nil, fmt.Errorf("scan reservation row: %w", err)
		}
		r.CreatedAt = time.Unix(created, 0).UTC()
		user.Reservations = append(user.Reservations, r)
	}
	return &user, rows.Err()
}

// SearchExperiences matches query against title and description, soonest
// first. An empty query lists everything.
func (s *SQLiteStore) SearchExperiences(ctx context.Context, query string, limit int) ([]Experience, error) {
	if limit <= 0 {
		limit = 10
	}
	pattern := "%" + strings.TrimSpace(query) + "%"
	rows, err := s.db.QueryContext(ctx, `
		SELECT experience_id, title, description, location, starts_at, slots_available, is_premium
		FROM experiences
		WHERE title LIKE ? OR description LIKE ?
		ORDER BY starts_at, experience_id
		LIMIT ?`, pattern, pattern, limit)
	if err != nil {
		return nil, fmt.Errorf("query experiences: %w", err)
	}
	defer rows.Close()

	out := make([]Experience, 0)
	for rows.Next() {
		var e Experience
		var starts int64
		var premium int
		if err := rows.Scan(&e.ExperienceID, &e.Title, &e.Description, &e.Location, &starts, &e.SlotsAvailable, &premium); err != nil {
			return nil, fmt.Errorf("scan experience row: %w", err)
		}
		e.When = time.Unix(starts, 0).UTC()
		e.IsPremium = premium != 0
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) CheckAvailability(ctx context.Context, experienceID string) (*Availability, error) {
	return checkAvailability(ctx, s.db, experienceID)
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func checkAvailability(ctx context.Context, q queryer, experienceID string) (*Availability, error) {
	var a Availability
	err := q.QueryRowContext(ctx, `
		SELECT e.experience_id, e.title, e.slots_available,
		       (SELECT COUNT(*) FROM reservations r WHERE r.experience_id = e.experience_id AND r.status = ?)
		FROM experiences e WHERE e.experience_id = ?`, ReservationStatusReserved, experienceID).
		Scan(&a.ExperienceID, &a.ExperienceTitle, &a.SlotsAvailable, &a.SlotsTaken)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: experience %s", ErrNotFound, experienceID)
	}
	if err != nil {
		return nil, fmt.Errorf("scan availability: %w", err)
	}
	a.Available = a.SlotsTaken < a.SlotsAvailable
	return &a, nil
}

func (s *SQLiteStore) CreateReservation(ctx context.Context, key, userID, experienceID string) (*Reservation, error) {
	var out Reservation
	err := s.idempotent(ctx, key, "create_reservation", &out, func(tx *sql.Tx) (any, error) {
		var blocked int
		err := tx.QueryRowContext(ctx, `SELECT is_blocked FROM users WHERE user_id = ?`, userID).Scan(&blocked)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: user %s", ErrNotFound, userID)
		}
		if err != nil {
			return nil, fmt.Errorf("select user: %w", err)
		}
		if blocked != 0 {
			return nil, fmt.Errorf("%w: %s", ErrUserBlocked, userID)
		}

		availability, err := checkAvailability(ctx, tx, experienceID)
		if err != nil {
			return nil, err
		}
		if !availability.Available {
			return nil, fmt.Errorf("%w: %s", ErrFullyBooked, availability.ExperienceTitle)
		}

		r := Reservation{
			ReservationID: uuid.NewString(),
			UserID:        userID,
			ExperienceID:  experienceID,
			Status:        ReservationStatusReserved,
			CreatedAt:     s.now().UTC().Truncate(time.Second),
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO reservations (reservation_id, user_id, experience_id, status, created_at)
			VALUES (?, ?, ?, ?, ?)`, r.ReservationID, r.UserID, r.ExperienceID, r.Status, r.CreatedAt.Unix()); err != nil {
			return nil, fmt.Errorf("insert reservation: %w", err)
		}
		return r, nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (s *SQLiteStore) GetTicket(ctx context.Context, ticketID string) (*Ticket, error) {
	var t Ticket
	var created int64
	err := s.db.QueryRowContext(ctx, `
		SELECT ticket_id, account_id, user_id, channel, status, main_issue_type, tags, created_at
		FROM tickets WHERE ticket_id = ?`, ticketID).
		Scan(&t.TicketID, &t.AccountID, &t.UserID, &t.Channel, &t.Status, &t.IssueType, &t.Tags, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: ticket %s", ErrNotFound, ticketID)
	}
	if err != nil {
		return nil, fmt.Errorf("scan ticket row: %w", err)
	}
	t.CreatedAt = time.Unix(created, 0).UTC()

	rows, err := s.db.QueryContext(ctx, `
		SELECT message_id, ticket_id, role, content, created_at
		FROM ticket_messages WHERE ticket_id = ? ORDER BY created_at, rowid`, ticketID)
	if err != nil {
		return nil, fmt.Errorf("query ticket messages: %w", err)
	}
	defer rows.Close()

	t.Messages = make([]TicketMessage, 0)
	for rows.Next() {
		var m TicketMessage
		var at int64
		if err := rows.Scan(&m.MessageID, &m.TicketID, &m.Role, &m.Content, &at); err != nil {
			return nil, fmt.Errorf("scan ticket message: %w", err)
		}
		m.CreatedAt = time.Unix(at, 0).UTC()
		t.Messages = append(t.Messages, m)
	}
	return &t, rows.Err()
}

func (s *SQLiteStore) AddTicketMessage(ctx context.Context, key, ticketID, role, content string) (*TicketMessage, error) {
	if !validRole(role) {
		return nil, fmt.Errorf("%w: role %q must be one of %s", ErrInvalidInput, role, strings.Join(TicketMessageRoles, ","))
	}
	var out TicketMessage
	err := s.idempotent(ctx, key, "add_ticket_message", &out, func(tx *sql.Tx) (any, error) {
		if err := ticketExists(ctx, tx, ticketID); err != nil {
			return nil, err
		}
		m := TicketMessage{
			MessageID: uuid.NewString(),
			TicketID:  ticketID,
			Role:      role,
			Content:   content,
			CreatedAt: s.now().UTC().Truncate(time.Second),
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO ticket_messages (message_id, ticket_id, role, content, created_at)
			VALUES (?, ?, ?, ?, ?)`, m.MessageID, m.TicketID, m.Role, m.Content, m.CreatedAt.Unix()); err != nil {
			return nil, fmt.Errorf("insert ticket message: %w", err)
		}
		return m, nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// UpdateTicketStatus sets the status and, when tags is non-empty, the tags.
func (s *SQLiteStore) UpdateTicketStatus(ctx context.Context, key, ticketID, status, tags string) (*TicketSummary, error) {
	if !validStatus(status) {
		return nil, fmt.Errorf("%w: status %q must be one of %s", ErrInvalidInput, status, strings.Join(TicketStatuses, ","))
	}
	var out TicketSummary
	err := s.idempotent(ctx, key, "update_ticket_status", &out, func(tx *sql.Tx) (any, error) {
		if err := ticketExists(ctx, tx, ticketID); err != nil {
			return nil, err
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE tickets SET status = ?, tags = CASE WHEN ? = '' THEN tags ELSE ? END
			WHERE ticket_id = ?`, status, tags, tags, ticketID); err != nil {
			return nil, fmt.Errorf("update ticket: %w", err)
		}
		return ticketSummary(ctx, tx, ticketID)
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (s *SQLiteStore) ListUserTickets(ctx context.Context, accountID, userID string) ([]TicketSummary, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT t.ticket_id, t.channel, t.status, t.tags, t.created_at,
		       (SELECT COUNT(*) FROM ticket_messages m WHERE m.ticket_id = t.ticket_id)
		FROM tickets t
		WHERE t.account_id = ? AND t.user_id = ?
		ORDER BY t.created_at DESC, t.ticket_id`, accountID, userID)
	if err != nil {
		return nil, fmt.Errorf("query tickets: %w", err)
	}
	defer rows.Close()

	out := make([]TicketSummary, 0)
	for rows.Next() {
		var ts TicketSummary
		var created int64
		if err := rows.Scan(&ts.TicketID, &ts.Channel, &ts.Status, &ts.Tags, &created, &ts.MessageCount); err != nil {
			return nil, fmt.Errorf("scan ticket summary: %w", err)
		}
		ts.CreatedAt = time.Unix(created, 0).UTC()
		out = append(out, ts)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// idempotent runs fn once per key. A replayed key decodes the stored outcome
// into out without calling fn.
func (s *SQLiteStore) idempotent(ctx context.Context, key, operation string, out any, fn func(tx *sql.Tx) (any, error)) error {
	if strings.TrimSpace(key) == "" {
		return ErrIdempotencyKeyRequired
	}

	var err error
	for attempt := 0; attempt < maxConflictRetries; attempt++ {
		err = s.idempotentOnce(ctx, key, operation, out, fn)
		if !sqlitex.IsConflict(err) {
			return err
		}
		log.Debug().Str("operation", operation).Int("attempt", attempt+1).Msg("sqlite busy, retrying")
	}
	return err
}

func (s *SQLiteStore) idempotentOnce(ctx context.Context, key, operation string, out any, fn func(tx *sql.Tx) (any, error)) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var storedOp, stored string
	err = tx.QueryRowContext(ctx, `SELECT operation, response FROM idempotency_keys WHERE idempotency_key = ?`, key).Scan(&storedOp, &stored)
	switch {
	case err == nil:
		if storedOp != operation {
			return fmt.Errorf("%w: key=%s was used for %s", ErrIdempotencyConflict, key, storedOp)
		}
		return json.Unmarshal([]byte(stored), out)
	case !errors.Is(err, sql.ErrNoRows):
		return fmt.Errorf("select idempotency key: %w", err)
	}

	result, err := fn(tx)
	if err != nil {
		return err
	}
	raw, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("encode mutation result: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO idempotency_keys (idempotency_key, operation, response, created_at)
		VALUES (?, ?, ?, ?)`, key, operation, string(raw), s.now().Unix()); err != nil {
		return fmt.Errorf("record idempotency key: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return json.Unmarshal(raw, out)
}

func ticketExists(ctx context.Context, tx *sql.Tx, ticketID string) error {
	var one int
	err := tx.QueryRowContext(ctx, `SELECT 1 FROM tickets WHERE ticket_id = ?`, ticketID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: ticket %s", ErrNotFound, ticketID)
	}
	if err != nil {
		return fmt.Errorf("select ticket: %w", err)
	}
	return nil
}

func ticketSummary(ctx context.Context, q queryer, ticketID string) (TicketSummary, error) {
	var ts TicketSummary
	var created int64
	err := q.QueryRowContext(ctx, `
		SELECT t.ticket_id, t.channel, t.status, t.tags, t.created_at,
		       (SELECT COUNT(*) FROM ticket_messages m WHERE m.ticket_id = t.ticket_id)
		FROM tickets t WHERE t.ticket_id = ?`, ticketID).
		Scan(&ts.TicketID, &ts.Channel, &ts.Status, &ts.Tags, &created, &ts.MessageCount)
	if err != nil {
		return TicketSummary{}, fmt.Errorf("scan ticket summary: %w", err)
	}
	ts.CreatedAt = time.Unix(created, 0).UTC()
	return ts, nil
}

func validRole(role string) bool {
	for _, r := range TicketMessageRoles {
		if r == role {
			return true
		}
	}
	return false
}

func validStatus(status string) bool {
	for _, s := range TicketStatuses {
		if s == status {
			return true
		}
	}
	return false
}
