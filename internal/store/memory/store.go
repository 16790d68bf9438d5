// Package memory keeps the whole room in process memory. It backs local runs
// without DB_DSN and the handler tests.
package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"qms/prayerroom-service/internal/models"
	"qms/prayerroom-service/internal/store"

	"github.com/google/uuid"
)

type Store struct {
	mu        sync.Mutex
	visitors  []models.Visitor
	messages  []models.Message
	nextMsgID int64
	settings  models.Settings
	events    []models.ChangeEvent
	offset    int64
	sessions  map[string]models.Session
	now       func() time.Time
}

func NewStore() *Store {
	return &Store{
		nextMsgID: 1,
		settings:  models.Settings{Subscription: true},
		sessions:  make(map[string]models.Session),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

func (s *Store) RegisterVisitor(_ context.Context, input store.RegisterInput) (models.Visitor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.settings.Subscription {
		return models.Visitor{}, store.ErrRegistrationClosed
	}
	if _, ok := s.indexOf(input.UniqueCode); ok {
		return models.Visitor{}, store.ErrDuplicateCode
	}
	createdAt := input.CreatedAt
	if createdAt.IsZero() {
		createdAt = s.now()
	}
	country := input.Country
	if country == "" {
		country = models.DefaultCountry
	}
	visitor := models.Visitor{
		FirstName:  input.FirstName,
		LastName:   input.LastName,
		Phone:      input.Phone,
		Country:    country,
		UniqueCode: input.UniqueCode,
		CreatedAt:  createdAt,
	}
	s.visitors = append(s.visitors, visitor)
	s.emit(models.TableClients, models.EventInsert, store.NewClientRow(visitor), nil)
	return visitor, nil
}

func (s *Store) GetVisitorByCode(_ context.Context, code string) (models.Visitor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	i, ok := s.indexOf(code)
	if !ok {
		return models.Visitor{}, store.ErrVisitorNotFound
	}
	return s.visitors[i], nil
}

func (s *Store) ApplyTransition(_ context.Context, input store.TransitionInput) (models.Visitor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	i, ok := s.indexOf(input.UniqueCode)
	if !ok {
		return models.Visitor{}, store.ErrVisitorNotFound
	}
	previous := s.visitors[i]
	if models.StateOf(previous) != input.Expect {
		return models.Visitor{}, store.ErrStateChanged
	}
	updated := previous
	if input.EnteredAt != nil {
		updated.EnteredAt = timePtr(*input.EnteredAt)
	}
	if input.LeftAt != nil {
		updated.LeftAt = timePtr(*input.LeftAt)
	}
	if input.MarkMessageSent {
		updated.MessageSent = true
	}
	s.visitors[i] = updated
	s.emit(models.TableClients, models.EventUpdate, store.NewClientRow(updated), store.NewClientRow(previous))
	return updated, nil
}

func (s *Store) ListControl(_ context.Context) ([]models.Visitor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	result := s.filter(func(v models.Visitor) bool { return v.MessageSent && v.LeftAt == nil })
	sort.SliceStable(result, func(i, j int) bool { return result[i].FirstName < result[j].FirstName })
	return store.UniqueByPhone(result), nil
}

func (s *Store) ListPresence(_ context.Context) ([]models.Visitor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	result := s.filter(func(v models.Visitor) bool { return !v.MessageSent })
	sortByCreated(result)
	return store.UniqueByPhone(result), nil
}

func (s *Store) ListVisitors(_ context.Context) ([]models.Visitor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	result := s.filter(func(models.Visitor) bool { return true })
	sortByCreated(result)
	return result, nil
}

func (s *Store) MarkPresent(_ context.Context, phone string, at time.Time) error {
	return s.updateByPhone(phone,
		func(v models.Visitor) bool { return v.LeftAt == nil },
		func(v *models.Visitor) { v.EnteredAt = timePtr(at) })
}

func (s *Store) MarkLeft(_ context.Context, phone string, at time.Time) error {
	return s.updateByPhone(phone,
		func(v models.Visitor) bool { return v.EnteredAt != nil && v.LeftAt == nil },
		func(v *models.Visitor) { v.LeftAt = timePtr(at) })
}

func (s *Store) MarkMessageSent(_ context.Context, phone string) error {
	return s.updateByPhone(phone,
		func(models.Visitor) bool { return true },
		func(v *models.Visitor) { v.MessageSent = true })
}

func (s *Store) DeleteVisitor(_ context.Context, phone string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	kept := s.visitors[:0]
	var deleted []models.Visitor
	for _, visitor := range s.visitors {
		if visitor.Phone == phone {
			deleted = append(deleted, visitor)
			continue
		}
		kept = append(kept, visitor)
	}
	s.visitors = kept
	if len(deleted) == 0 {
		return store.ErrVisitorNotFound
	}
	for _, visitor := range deleted {
		s.emit(models.TableClients, models.EventDelete, nil, store.NewClientRow(visitor))
	}
	return nil
}

func (s *Store) GetDashboard(_ context.Context) (models.Dashboard, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return store.BuildDashboard(s.visitors), nil
}

func (s *Store) ListMessages(_ context.Context) ([]models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	result := make([]models.Message, len(s.messages))
	copy(result, s.messages)
	return result, nil
}

func (s *Store) InsertMessage(_ context.Context, content string) (models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	message := models.Message{ID: s.nextMsgID, Content: content, UpdatedAt: s.now()}
	s.nextMsgID++
	s.messages = append(s.messages, message)
	s.emit(models.TableMessages, models.EventInsert, store.NewMessageRow(message), nil)
	return message, nil
}

func (s *Store) DeleteMessage(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, message := range s.messages {
		if message.ID != id {
			continue
		}
		s.messages = append(s.messages[:i], s.messages[i+1:]...)
		s.emit(models.TableMessages, models.EventDelete, nil, store.NewMessageRow(message))
		return nil
	}
	return store.ErrMessageNotFound
}

func (s *Store) SetDefaultMessage(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	target := -1
	for i, message := range s.messages {
		if message.ID == id {
			target = i
		}
	}
	if target < 0 {
		return store.ErrMessageNotFound
	}
	for i, message := range s.messages {
		if i == target || !message.Default {
			continue
		}
		previous := message
		s.messages[i].Default = false
		s.emit(models.TableMessages, models.EventUpdate, store.NewMessageRow(s.messages[i]), store.NewMessageRow(previous))
	}
	previous := s.messages[target]
	s.messages[target].Default = true
	s.messages[target].UpdatedAt = s.now()
	s.emit(models.TableMessages, models.EventUpdate, store.NewMessageRow(s.messages[target]), store.NewMessageRow(previous))
	return nil
}

func (s *Store) GetDefaultMessage(_ context.Context) (models.Message, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, message := range s.messages {
		if message.Default {
			return message, true, nil
		}
	}
	return models.Message{}, false, nil
}

func (s *Store) GetSettings(_ context.Context) (models.Settings, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.settings, nil
}

func (s *Store) SetSubscription(_ context.Context, open bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	previous := s.settings.Subscription
	s.settings.Subscription = open
	s.emit(models.TableConfigs, models.EventUpdate,
		store.ConfigRow{ID: 1, Subscription: open},
		store.ConfigRow{ID: 1, Subscription: previous})
	return nil
}

func (s *Store) ListChangeEvents(_ context.Context, afterSeq int64, limit int) ([]models.ChangeEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if limit <= 0 {
		limit = 100
	}
	var result []models.ChangeEvent
	for _, event := range s.events {
		if event.Seq <= afterSeq {
			continue
		}
		result = append(result, event)
		if len(result) == limit {
			break
		}
	}
	return result, nil
}

func (s *Store) GetFeedOffset(_ context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.offset, nil
}

func (s *Store) UpdateFeedOffset(_ context.Context, seq int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.offset = seq
	return nil
}

func (s *Store) CreateSession(_ context.Context, expiresAt time.Time) (models.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	session := models.Session{SessionID: uuid.NewString(), ExpiresAt: expiresAt.UTC()}
	s.sessions[session.SessionID] = session
	return session, nil
}

func (s *Store) GetSession(_ context.Context, sessionID string) (models.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, ok := s.sessions[sessionID]
	if !ok {
		return models.Session{}, store.ErrSessionNotFound
	}
	if !session.ExpiresAt.After(s.now()) {
		delete(s.sessions, sessionID)
		return models.Session{}, store.ErrSessionNotFound
	}
	return session, nil
}

func (s *Store) DeleteSession(_ context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.sessions, sessionID)
	return nil
}

func (s *Store) updateByPhone(phone string, allowed func(models.Visitor) bool, apply func(*models.Visitor)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var found, updated int
	for i := range s.visitors {
		if s.visitors[i].Phone != phone {
			continue
		}
		found++
		if !allowed(s.visitors[i]) {
			continue
		}
		previous := s.visitors[i]
		apply(&s.visitors[i])
		updated++
		s.emit(models.TableClients, models.EventUpdate, store.NewClientRow(s.visitors[i]), store.NewClientRow(previous))
	}
	if found == 0 {
		return store.ErrVisitorNotFound
	}
	if updated == 0 {
		return store.ErrInvalidState
	}
	return nil
}

func (s *Store) indexOf(code string) (int, bool) {
	code = strings.TrimSpace(code)
	for i, visitor := range s.visitors {
		if visitor.UniqueCode == code {
			return i, true
		}
	}
	return 0, false
}

func (s *Store) filter(keep func(models.Visitor) bool) []models.Visitor {
	var result []models.Visitor
	for _, visitor := range s.visitors {
		if keep(visitor) {
			result = append(result, visitor)
		}
	}
	return result
}

// emit appends to the change log; callers hold s.mu.
func (s *Store) emit(table, eventType string, newRow, oldRow interface{}) {
	newJSON, _ := store.RowJSON(newRow)
	oldJSON, _ := store.RowJSON(oldRow)
	s.events = append(s.events, models.ChangeEvent{
		EventID:   uuid.NewString(),
		Seq:       int64(len(s.events)) + 1,
		Table:     table,
		Type:      eventType,
		New:       newJSON,
		Old:       oldJSON,
		CreatedAt: s.now(),
	})
}

func sortByCreated(visitors []models.Visitor) {
	sort.SliceStable(visitors, func(i, j int) bool { return visitors[i].CreatedAt.Before(visitors[j].CreatedAt) })
}

func timePtr(t time.Time) *time.Time {
	t = t.UTC()
	return &t
}
