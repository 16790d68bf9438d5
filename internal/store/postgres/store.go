package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"time"

	"qms/prayerroom-service/internal/models"
	"qms/prayerroom-service/internal/store"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const visitorColumns = `first_name, last_name, number, country, entered_at, left_at, message_sent, unique_code, created_at`

const uniqueViolation = "23505"

type Store struct {
	pool *pgxpool.Pool
}

func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

func (s *Store) RegisterVisitor(ctx context.Context, input store.RegisterInput) (models.Visitor, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Visitor{}, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	open, err := readSubscription(ctx, tx)
	if err != nil {
		return models.Visitor{}, err
	}
	if !open {
		err = store.ErrRegistrationClosed
		return models.Visitor{}, err
	}

	createdAt := input.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	country := input.Country
	if country == "" {
		country = models.DefaultCountry
	}

	row := tx.QueryRow(ctx, `
		INSERT INTO clients (first_name, last_name, number, country, message_sent, unique_code, created_at)
		VALUES ($1, $2, $3, $4, FALSE, $5, $6)
		RETURNING `+visitorColumns, input.FirstName, input.LastName, input.Phone, country, input.UniqueCode, createdAt)
	visitor, err := scanVisitor(row)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			err = store.ErrDuplicateCode
		}
		return models.Visitor{}, err
	}

	if err = insertChangeEvent(ctx, tx, models.TableClients, models.EventInsert, store.NewClientRow(visitor), nil); err != nil {
		return models.Visitor{}, err
	}
	if err = tx.Commit(ctx); err != nil {
		return models.Visitor{}, err
	}
	return visitor, nil
}

func (s *Store) GetVisitorByCode(ctx context.Context, code string) (models.Visitor, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+visitorColumns+`
		FROM clients
		WHERE unique_code = $1
	`, code)
	visitor, err := scanVisitor(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Visitor{}, store.ErrVisitorNotFound
		}
		return models.Visitor{}, err
	}
	return visitor, nil
}

// ApplyTransition updates one visitor only while it is still in
// input.Expect. The row lock plus the state predicate on the UPDATE make a
// concurrent scan of the same code lose with ErrStateChanged instead of
// applying twice.
func (s *Store) ApplyTransition(ctx context.Context, input store.TransitionInput) (models.Visitor, error) {
	predicate, err := statePredicate(input.Expect)
	if err != nil {
		return models.Visitor{}, err
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Visitor{}, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	previous, err := scanVisitor(tx.QueryRow(ctx, `
		SELECT `+visitorColumns+`
		FROM clients
		WHERE unique_code = $1
		FOR UPDATE
	`, input.UniqueCode))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			err = store.ErrVisitorNotFound
		}
		return models.Visitor{}, err
	}

	updated, err := scanVisitor(tx.QueryRow(ctx, `
		UPDATE clients
		SET entered_at = COALESCE($2, entered_at),
			left_at = COALESCE($3, left_at),
			message_sent = message_sent OR $4
		WHERE unique_code = $1 AND `+predicate+`
		RETURNING `+visitorColumns, input.UniqueCode, input.EnteredAt, input.LeftAt, input.MarkMessageSent))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			err = store.ErrStateChanged
		}
		return models.Visitor{}, err
	}

	if err = insertChangeEvent(ctx, tx, models.TableClients, models.EventUpdate, store.NewClientRow(updated), store.NewClientRow(previous)); err != nil {
		return models.Visitor{}, err
	}
	if err = tx.Commit(ctx); err != nil {
		return models.Visitor{}, err
	}
	return updated, nil
}

func (s *Store) ListControl(ctx context.Context) ([]models.Visitor, error) {
	visitors, err := s.queryVisitors(ctx, `
		SELECT `+visitorColumns+`
		FROM clients
		WHERE message_sent = TRUE AND left_at IS NULL
		ORDER BY first_name ASC, created_at ASC
	`)
	if err != nil {
		return nil, err
	}
	return store.UniqueByPhone(visitors), nil
}

func (s *Store) ListPresence(ctx context.Context) ([]models.Visitor, error) {
	visitors, err := s.queryVisitors(ctx, `
		SELECT `+visitorColumns+`
		FROM clients
		WHERE message_sent = FALSE
		ORDER BY created_at ASC
	`)
	if err != nil {
		return nil, err
	}
	return store.UniqueByPhone(visitors), nil
}

func (s *Store) ListVisitors(ctx context.Context) ([]models.Visitor, error) {
	return s.queryVisitors(ctx, `
		SELECT `+visitorColumns+`
		FROM clients
		ORDER BY created_at ASC
	`)
}

func (s *Store) MarkPresent(ctx context.Context, phone string, at time.Time) error {
	return s.updateByPhone(ctx, phone, `entered_at = $2`, `left_at IS NULL`, at)
}

func (s *Store) MarkLeft(ctx context.Context, phone string, at time.Time) error {
	return s.updateByPhone(ctx, phone, `left_at = $2`, `entered_at IS NOT NULL AND left_at IS NULL`, at)
}

func (s *Store) MarkMessageSent(ctx context.Context, phone string) error {
	return s.updateByPhone(ctx, phone, `message_sent = TRUE`, `TRUE`)
}

func (s *Store) DeleteVisitor(ctx context.Context, phone string) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	rows, err := tx.Query(ctx, `
		DELETE FROM clients
		WHERE number = $1
		RETURNING `+visitorColumns, phone)
	if err != nil {
		return err
	}
	deleted, err := collectVisitors(rows)
	if err != nil {
		return err
	}
	if len(deleted) == 0 {
		err = store.ErrVisitorNotFound
		return err
	}
	for _, visitor := range deleted {
		if err = insertChangeEvent(ctx, tx, models.TableClients, models.EventDelete, nil, store.NewClientRow(visitor)); err != nil {
			return err
		}
	}
	err = tx.Commit(ctx)
	return err
}

func (s *Store) GetDashboard(ctx context.Context) (models.Dashboard, error) {
	var dashboard models.Dashboard

	rows, err := s.pool.Query(ctx, `
		SELECT to_char(entered_at AT TIME ZONE 'UTC', 'YYYY-MM-DD') AS day, COUNT(*)
		FROM clients
		WHERE entered_at IS NOT NULL
		GROUP BY day
		ORDER BY day ASC
	`)
	if err != nil {
		return models.Dashboard{}, err
	}
	defer rows.Close()
	dashboard.EnteredPerDay = []models.DayCount{}
	for rows.Next() {
		var day models.DayCount
		if err := rows.Scan(&day.Date, &day.Count); err != nil {
			return models.Dashboard{}, err
		}
		dashboard.EnteredPerDay = append(dashboard.EnteredPerDay, day)
	}
	if err := rows.Err(); err != nil {
		return models.Dashboard{}, err
	}

	var averageMinutes float64
	row := s.pool.QueryRow(ctx, `
		SELECT
			COALESCE(AVG(EXTRACT(EPOCH FROM (left_at - entered_at)) / 60), 0)::float8,
			(SELECT COUNT(*) FROM clients WHERE entered_at IS NOT NULL),
			(SELECT COUNT(DISTINCT number) FROM clients WHERE number <> '')
		FROM clients
		WHERE entered_at IS NOT NULL AND left_at IS NOT NULL
	`)
	if err := row.Scan(&averageMinutes, &dashboard.TotalEntered, &dashboard.TotalSubscriptions); err != nil {
		return models.Dashboard{}, err
	}
	dashboard.AverageMinutes = int(math.Round(averageMinutes))
	return dashboard, nil
}

func (s *Store) ListMessages(ctx context.Context) ([]models.Message, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, content, default_message, updated_at
		FROM messages
		ORDER BY updated_at ASC, id ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var messages []models.Message
	for rows.Next() {
		var message models.Message
		if err := rows.Scan(&message.ID, &message.Content, &message.Default, &message.UpdatedAt); err != nil {
			return nil, err
		}
		messages = append(messages, message)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return messages, nil
}

func (s *Store) InsertMessage(ctx context.Context, content string) (models.Message, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Message{}, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	var message models.Message
	err = tx.QueryRow(ctx, `
		INSERT INTO messages (content, default_message, updated_at)
		VALUES ($1, FALSE, $2)
		RETURNING id, content, default_message, updated_at
	`, content, time.Now().UTC()).Scan(&message.ID, &message.Content, &message.Default, &message.UpdatedAt)
	if err != nil {
		return models.Message{}, err
	}
	if err = insertChangeEvent(ctx, tx, models.TableMessages, models.EventInsert, store.NewMessageRow(message), nil); err != nil {
		return models.Message{}, err
	}
	if err = tx.Commit(ctx); err != nil {
		return models.Message{}, err
	}
	return message, nil
}

func (s *Store) DeleteMessage(ctx context.Context, id int64) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	var message models.Message
	err = tx.QueryRow(ctx, `
		DELETE FROM messages
		WHERE id = $1
		RETURNING id, content, default_message, updated_at
	`, id).Scan(&message.ID, &message.Content, &message.Default, &message.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			err = store.ErrMessageNotFound
		}
		return err
	}
	if err = insertChangeEvent(ctx, tx, models.TableMessages, models.EventDelete, nil, store.NewMessageRow(message)); err != nil {
		return err
	}
	err = tx.Commit(ctx)
	return err
}

// SetDefaultMessage clears the previous default and flags id in one
// transaction, so readers never observe two defaults.
func (s *Store) SetDefaultMessage(ctx context.Context, id int64) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	var target models.Message
	err = tx.QueryRow(ctx, `
		SELECT id, content, default_message, updated_at
		FROM messages
		WHERE id = $1
		FOR UPDATE
	`, id).Scan(&target.ID, &target.Content, &target.Default, &target.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			err = store.ErrMessageNotFound
		}
		return err
	}

	rows, err := tx.Query(ctx, `
		UPDATE messages
		SET default_message = FALSE
		WHERE default_message = TRUE AND id <> $1
		RETURNING id, content, default_message, updated_at
	`, id)
	if err != nil {
		return err
	}
	var cleared []models.Message
	for rows.Next() {
		var message models.Message
		if err = rows.Scan(&message.ID, &message.Content, &message.Default, &message.UpdatedAt); err != nil {
			rows.Close()
			return err
		}
		cleared = append(cleared, message)
	}
	rows.Close()
	if err = rows.Err(); err != nil {
		return err
	}

	var updated models.Message
	err = tx.QueryRow(ctx, `
		UPDATE messages
		SET default_message = TRUE, updated_at = $2
		WHERE id = $1
		RETURNING id, content, default_message, updated_at
	`, id, time.Now().UTC()).Scan(&updated.ID, &updated.Content, &updated.Default, &updated.UpdatedAt)
	if err != nil {
		return err
	}
	for _, message := range cleared {
		old := message
		old.Default = true
		if err = insertChangeEvent(ctx, tx, models.TableMessages, models.EventUpdate, store.NewMessageRow(message), store.NewMessageRow(old)); err != nil {
			return err
		}
	}
	if err = insertChangeEvent(ctx, tx, models.TableMessages, models.EventUpdate, store.NewMessageRow(updated), store.NewMessageRow(target)); err != nil {
		return err
	}
	err = tx.Commit(ctx)
	return err
}

func (s *Store) GetDefaultMessage(ctx context.Context) (models.Message, bool, error) {
	var message models.Message
	err := s.pool.QueryRow(ctx, `
		SELECT id, content, default_message, updated_at
		FROM messages
		WHERE default_message = TRUE
		ORDER BY updated_at DESC
		LIMIT 1
	`).Scan(&message.ID, &message.Content, &message.Default, &message.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Message{}, false, nil
		}
		return models.Message{}, false, err
	}
	return message, true, nil
}

func (s *Store) GetSettings(ctx context.Context) (models.Settings, error) {
	var open bool
	err := s.pool.QueryRow(ctx, `SELECT subscription FROM configs WHERE id = 1`).Scan(&open)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Settings{Subscription: true}, nil
		}
		return models.Settings{}, err
	}
	return models.Settings{Subscription: open}, nil
}

func (s *Store) SetSubscription(ctx context.Context, open bool) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	var previous sql.NullBool
	err = tx.QueryRow(ctx, `SELECT subscription FROM configs WHERE id = 1 FOR UPDATE`).Scan(&previous)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return err
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO configs (id, subscription)
		VALUES (1, $1)
		ON CONFLICT (id) DO UPDATE SET subscription = EXCLUDED.subscription
	`, open)
	if err != nil {
		return err
	}

	current := store.ConfigRow{ID: 1, Subscription: open}
	if previous.Valid {
		err = insertChangeEvent(ctx, tx, models.TableConfigs, models.EventUpdate, current, store.ConfigRow{ID: 1, Subscription: previous.Bool})
	} else {
		err = insertChangeEvent(ctx, tx, models.TableConfigs, models.EventInsert, current, nil)
	}
	if err != nil {
		return err
	}
	err = tx.Commit(ctx)
	return err
}

func (s *Store) ListChangeEvents(ctx context.Context, afterSeq int64, limit int) ([]models.ChangeEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, `
		SELECT seq, event_id::text, table_name, type, new_json, old_json, created_at
		FROM change_events
		WHERE seq > $1
		ORDER BY seq ASC
		LIMIT $2
	`, afterSeq, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []models.ChangeEvent
	for rows.Next() {
		var event models.ChangeEvent
		var newJSON, oldJSON []byte
		if err := rows.Scan(&event.Seq, &event.EventID, &event.Table, &event.Type, &newJSON, &oldJSON, &event.CreatedAt); err != nil {
			return nil, err
		}
		event.New = newJSON
		event.Old = oldJSON
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return events, nil
}

func (s *Store) GetFeedOffset(ctx context.Context) (int64, error) {
	var seq int64
	err := s.pool.QueryRow(ctx, `SELECT last_seq FROM feed_offsets WHERE id = 1`).Scan(&seq)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, nil
		}
		return 0, err
	}
	return seq, nil
}

func (s *Store) UpdateFeedOffset(ctx context.Context, seq int64) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO feed_offsets (id, last_seq)
		VALUES (1, $1)
		ON CONFLICT (id) DO UPDATE SET last_seq = EXCLUDED.last_seq
	`, seq)
	return err
}

func (s *Store) CreateSession(ctx context.Context, expiresAt time.Time) (models.Session, error) {
	session := models.Session{SessionID: uuid.NewString(), ExpiresAt: expiresAt.UTC()}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO staff_sessions (session_id, created_at, expires_at)
		VALUES ($1, $2, $3)
	`, session.SessionID, time.Now().UTC(), session.ExpiresAt)
	if err != nil {
		return models.Session{}, err
	}
	return session, nil
}

func (s *Store) GetSession(ctx context.Context, sessionID string) (models.Session, error) {
	if _, err := uuid.Parse(sessionID); err != nil {
		return models.Session{}, store.ErrSessionNotFound
	}
	var session models.Session
	err := s.pool.QueryRow(ctx, `
		SELECT session_id::text, expires_at
		FROM staff_sessions
		WHERE session_id = $1 AND expires_at > NOW()
	`, sessionID).Scan(&session.SessionID, &session.ExpiresAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Session{}, store.ErrSessionNotFound
		}
		return models.Session{}, err
	}
	return session, nil
}

func (s *Store) DeleteSession(ctx context.Context, sessionID string) error {
	if _, err := uuid.Parse(sessionID); err != nil {
		return store.ErrSessionNotFound
	}
	_, err := s.pool.Exec(ctx, `DELETE FROM staff_sessions WHERE session_id = $1`, sessionID)
	return err
}

// updateByPhone applies set to every row for phone that satisfies guard. It
// reports ErrVisitorNotFound when the phone is unknown and ErrInvalidState
// when rows exist but none may take the update.
func (s *Store) updateByPhone(ctx context.Context, phone, set, guard string, args ...interface{}) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	rows, err := tx.Query(ctx, `
		SELECT `+visitorColumns+`
		FROM clients
		WHERE number = $1
		FOR UPDATE
	`, phone)
	if err != nil {
		return err
	}
	existing, err := collectVisitors(rows)
	if err != nil {
		return err
	}
	if len(existing) == 0 {
		err = store.ErrVisitorNotFound
		return err
	}
	previous := make(map[string]models.Visitor, len(existing))
	for _, visitor := range existing {
		previous[visitor.UniqueCode] = visitor
	}

	queryArgs := append([]interface{}{phone}, args...)
	rows, err = tx.Query(ctx, `
		UPDATE clients
		SET `+set+`
		WHERE number = $1 AND `+guard+`
		RETURNING `+visitorColumns, queryArgs...)
	if err != nil {
		return err
	}
	updated, err := collectVisitors(rows)
	if err != nil {
		return err
	}
	if len(updated) == 0 {
		err = store.ErrInvalidState
		return err
	}
	for _, visitor := range updated {
		if err = insertChangeEvent(ctx, tx, models.TableClients, models.EventUpdate, store.NewClientRow(visitor), store.NewClientRow(previous[visitor.UniqueCode])); err != nil {
			return err
		}
	}
	err = tx.Commit(ctx)
	return err
}

func (s *Store) queryVisitors(ctx context.Context, query string, args ...interface{}) ([]models.Visitor, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return collectVisitors(rows)
}

func statePredicate(state models.State) (string, error) {
	switch state {
	case models.StateRegistered:
		return `message_sent = FALSE`, nil
	case models.StateNotified:
		return `message_sent = TRUE AND entered_at IS NULL`, nil
	case models.StateInRoom:
		return `message_sent = TRUE AND entered_at IS NOT NULL AND left_at IS NULL`, nil
	case models.StateLeft:
		return `message_sent = TRUE AND entered_at IS NOT NULL AND left_at IS NOT NULL`, nil
	default:
		return "", fmt.Errorf("unknown visitor state %q", state)
	}
}

func readSubscription(ctx context.Context, tx pgx.Tx) (bool, error) {
	var open bool
	err := tx.QueryRow(ctx, `SELECT subscription FROM configs WHERE id = 1`).Scan(&open)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return true, nil
		}
		return false, err
	}
	return open, nil
}

// changeFeedLockKey guards change_events writers. Holding it from seq
// allocation to commit keeps seq order equal to commit order, which the relay
// relies on when it advances its offset past every seq it has read.
const changeFeedLockKey int64 = 0x7072_6179_6572

// insertChangeEvent must run after the last row write of tx so that the
// feed lock is never held while waiting on a row lock.
func insertChangeEvent(ctx context.Context, tx pgx.Tx, table, eventType string, newRow, oldRow interface{}) error {
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, changeFeedLockKey); err != nil {
		return err
	}
	newJSON, err := store.RowJSON(newRow)
	if err != nil {
		return err
	}
	oldJSON, err := store.RowJSON(oldRow)
	if err != nil {
		return err
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO change_events (event_id, table_name, type, new_json, old_json, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, uuid.NewString(), table, eventType, newJSON, oldJSON, time.Now().UTC())
	return err
}

func scanVisitor(row pgx.Row) (models.Visitor, error) {
	var visitor models.Visitor
	var enteredAt sql.NullTime
	var leftAt sql.NullTime
	if err := row.Scan(&visitor.FirstName, &visitor.LastName, &visitor.Phone, &visitor.Country, &enteredAt, &leftAt, &visitor.MessageSent, &visitor.UniqueCode, &visitor.CreatedAt); err != nil {
		return models.Visitor{}, err
	}
	visitor.EnteredAt = nullTimePtr(enteredAt)
	visitor.LeftAt = nullTimePtr(leftAt)
	if visitor.Country == "" {
		visitor.Country = models.DefaultCountry
	}
	return visitor, nil
}

func collectVisitors(rows pgx.Rows) ([]models.Visitor, error) {
	defer rows.Close()
	var visitors []models.Visitor
	for rows.Next() {
		visitor, err := scanVisitor(rows)
		if err != nil {
			return nil, err
		}
		visitors = append(visitors, visitor)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return visitors, nil
}

func nullTimePtr(value sql.NullTime) *time.Time {
	if !value.Valid {
		return nil
	}
	t := value.Time
	return &t
}
