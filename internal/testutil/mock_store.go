package testutil

import (
	"sort"
	"sync"

	"github.com/developingchet/privacy-record/internal/storage"
)

type rowKey struct {
	appID     uint32
	opCode    int32
	status    int32
	timestamp int64
}

// MockStore implements storage.Store with an in-memory map for testing.
// All methods are safe for concurrent use.
type MockStore struct {
	mu   sync.Mutex
	rows map[rowKey]storage.Row

	// Error injection: method -> next error (consumed on first call)
	errors map[string]error

	inserts int

	// SizeBytes value returned by SizeBytes()
	Size int64
}

// NewMockStore returns a zero-state MockStore ready for use.
func NewMockStore() *MockStore {
	return &MockStore{
		rows:   make(map[rowKey]storage.Row),
		errors: make(map[string]error),
		Size:   1024,
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

// InsertCalls returns how many times Insert has been called, failed calls included.
func (m *MockStore) InsertCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.inserts
}

func keyOf(r storage.Row) rowKey {
	return rowKey{r.AppID, r.OpCode, r.Status, r.Timestamp}
}

// --- Writes -----------------------------------------------------------------

func (m *MockStore) Insert(rows []storage.Row) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.inserts++
	if err := m.popError("Insert"); err != nil {
		return err
	}
	for _, r := range rows {
		k := keyOf(r)
		if existing, ok := m.rows[k]; ok {
			existing.AccessCount += r.AccessCount
			existing.RejectCount += r.RejectCount
			if r.AccessDuration != 0 {
				existing.AccessDuration = r.AccessDuration
			}
			r = existing
		}
		m.rows[k] = r
	}
	return nil
}

func (m *MockStore) Delete(f storage.Filter) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.popError("Delete"); err != nil {
		return err
	}
	if err := f.Validate(); err != nil {
		return err
	}
	for k, r := range m.rows {
		if f.Match(r) {
			delete(m.rows, k)
		}
	}
	return nil
}

// --- Reads ------------------------------------------------------------------

func (m *MockStore) Select(f storage.Filter) ([]storage.Row, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.popError("Select"); err != nil {
		return nil, err
	}
	if err := f.Validate(); err != nil {
		return nil, err
	}
	var out []storage.Row
	for _, r := range m.rows {
		if f.Match(r) {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp < out[j].Timestamp })
	return out, nil
}

func (m *MockStore) Count() (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.popError("Count"); err != nil {
		return 0, err
	}
	return len(m.rows), nil
}

func (m *MockStore) AppIDs() ([]uint32, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.popError("AppIDs"); err != nil {
		return nil, err
	}
	seen := make(map[uint32]struct{})
	for k := range m.rows {
		seen[k.appID] = struct{}{}
	}
	ids := make([]uint32, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

// --- Retention --------------------------------------------------------------

func (m *MockStore) DeleteOlderThan(cutoff int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.popError("DeleteOlderThan"); err != nil {
		return 0, err
	}
	pruned := 0
	for k := range m.rows {
		if k.timestamp < cutoff {
			delete(m.rows, k)
			pruned++
		}
	}
	return pruned, nil
}

func (m *MockStore) DeleteExcess(keep int) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.popError("DeleteExcess"); err != nil {
		return 0, err
	}
	if len(m.rows) <= keep {
		return 0, nil
	}
	keys := make([]rowKey, 0, len(m.rows))
	for k := range m.rows {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].timestamp < keys[j].timestamp })
	excess := keys[:len(keys)-keep]
	for _, k := range excess {
		delete(m.rows, k)
	}
	return len(excess), nil
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

var _ storage.Store = (*MockStore)(nil)
