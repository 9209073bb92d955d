package testutil

import (
	"sort"
	"sync"
	"time"

	"github.com/developingchet/discord-sentry/internal/storage"
)

// MockStore implements storage.Store with in-memory maps for testing.
// All methods are safe for concurrent use.
type MockStore struct {
	mu           sync.Mutex
	restrictions map[int64]storage.Restriction
	incidents    map[uint64]storage.Incident
	watches      map[uint64]map[int64]bool // incidentID -> userID set
	nextID       uint64

	// Error injection: method -> next error (consumed on first call)
	errors map[string]error

	// SizeBytes value returned by SizeBytes()
	Size int64
}

// NewMockStore returns a zero-state MockStore ready for use.
func NewMockStore() *MockStore {
	return &MockStore{
		restrictions: make(map[int64]storage.Restriction),
		incidents:    make(map[uint64]storage.Incident),
		watches:      make(map[uint64]map[int64]bool),
		errors:       make(map[string]error),
		Size:         1024,
	}
}

// SetError injects an error to be returned on the next call to the named method.
func (m *MockStore) SetError(method string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errors[method] = err
}

func (m *MockStore) popError(method string) error {
	err := m.errors[method]
	delete(m.errors, method)
	return err
}

// --- Restriction operations -------------------------------------------------

func (m *MockStore) RestrictionGet(snowflake int64) (*storage.Restriction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.popError("RestrictionGet"); err != nil {
		return nil, err
	}
	r, ok := m.restrictions[snowflake]
	if !ok {
		return nil, nil
	}
	cp := r
	return &cp, nil
}

func (m *MockStore) RestrictionPut(r storage.Restriction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.popError("RestrictionPut"); err != nil {
		return err
	}
	m.restrictions[r.Snowflake] = r
	return nil
}

func (m *MockStore) RestrictionDelete(snowflake int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.popError("RestrictionDelete"); err != nil {
		return err
	}
	delete(m.restrictions, snowflake)
	return nil
}

func (m *MockStore) RestrictionList() (map[int64]storage.Restriction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.popError("RestrictionList"); err != nil {
		return nil, err
	}
	result := make(map[int64]storage.Restriction, len(m.restrictions))
	for k, v := range m.restrictions {
		result[k] = v
	}
	return result, nil
}

// --- Incident operations ----------------------------------------------------

func (m *MockStore) IncidentFindOpen(command, signature string) (*storage.Incident, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.popError("IncidentFindOpen"); err != nil {
		return nil, err
	}
	for _, inc := range m.incidents {
		if !inc.Fixed && inc.Command == command && inc.Signature == signature {
			cp := inc
			return &cp, nil
		}
	}
	return nil, nil
}

func (m *MockStore) IncidentInsert(inc storage.Incident) (storage.Incident, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.popError("IncidentInsert"); err != nil {
		return storage.Incident{}, err
	}
	m.nextID++
	inc.ID = m.nextID
	m.incidents[inc.ID] = inc
	return inc, nil
}

func (m *MockStore) IncidentGet(id uint64) (*storage.Incident, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.popError("IncidentGet"); err != nil {
		return nil, err
	}
	inc, ok := m.incidents[id]
	if !ok {
		return nil, nil
	}
	cp := inc
	return &cp, nil
}

func (m *MockStore) IncidentList() ([]storage.Incident, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.popError("IncidentList"); err != nil {
		return nil, err
	}
	result := make([]storage.Incident, 0, len(m.incidents))
	for _, inc := range m.incidents {
		result = append(result, inc)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

func (m *MockStore) IncidentMarkFixed(id uint64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.popError("IncidentMarkFixed"); err != nil {
		return false, err
	}
	inc, ok := m.incidents[id]
	if !ok {
		return false, nil
	}
	inc.Fixed = true
	m.incidents[id] = inc
	return true, nil
}

// --- Watch operations -------------------------------------------------------

func (m *MockStore) WatchAdd(incidentID uint64, userID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.popError("WatchAdd"); err != nil {
		return err
	}
	if m.watches[incidentID] == nil {
		m.watches[incidentID] = make(map[int64]bool)
	}
	m.watches[incidentID][userID] = true
	return nil
}

func (m *MockStore) WatchExists(incidentID uint64, userID int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.popError("WatchExists"); err != nil {
		return false, err
	}
	return m.watches[incidentID][userID], nil
}

func (m *MockStore) WatchRemove(incidentID uint64, userID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.popError("WatchRemove"); err != nil {
		return err
	}
	delete(m.watches[incidentID], userID)
	return nil
}

func (m *MockStore) WatchList(incidentID uint64) ([]int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.popError("WatchList"); err != nil {
		return nil, err
	}
	var users []int64
	for uid := range m.watches[incidentID] {
		users = append(users, uid)
	}
	sort.Slice(users, func(i, j int) bool { return users[i] < users[j] })
	return users, nil
}

func (m *MockStore) WatchDeleteAll(incidentID uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.popError("WatchDeleteAll"); err != nil {
		return err
	}
	delete(m.watches, incidentID)
	return nil
}

// --- Janitor helpers --------------------------------------------------------

func (m *MockStore) PruneExpiredRestrictions() (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.popError("PruneExpiredRestrictions"); err != nil {
		return 0, err
	}
	now := time.Now().UTC()
	pruned := 0
	for snowflake, r := range m.restrictions {
		if r.Expired(now) {
			delete(m.restrictions, snowflake)
			pruned++
		}
	}
	return pruned, nil
}

// --- Utility ----------------------------------------------------------------

func (m *MockStore) SizeBytes() (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.popError("SizeBytes"); err != nil {
		return 0, err
	}
	return m.Size, nil
}

func (m *MockStore) Close() error {
	return nil
}
