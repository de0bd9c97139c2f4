package session

import (
	"encoding/json"
	"sync"
)

// StorageKey is the single well-known key the session is persisted under.
const StorageKey = "gatekey.session"

// Storage persists the session payload. Implementations map StorageKey to
// whatever the platform offers (a file, a keychain entry, localStorage).
type Storage interface {
	Load(key string) ([]byte, bool, error)
	Save(key string, value []byte) error
	Delete(key string) error
}

// ChangeNotifier signals that another writer changed the persisted session
// (a second tab, another process). The machine re-reads storage on each
// notification; see the package documentation for the consistency caveat.
type ChangeNotifier interface {
	// Subscribe registers a callback and returns its unsubscribe function.
	Subscribe(onChange func()) (unsubscribe func())
}

// MemoryStorage is a Storage for tests and single-process embedding.
type MemoryStorage struct {
	mu     sync.Mutex
	values map[string][]byte
}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{values: map[string][]byte{}}
}

func (s *MemoryStorage) Load(key string) ([]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	value, ok := s.values[key]
	if !ok {
		return nil, false, nil
	}
	out := make([]byte, len(value))
	copy(out, value)
	return out, true, nil
}

func (s *MemoryStorage) Save(key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored := make([]byte, len(value))
	copy(stored, value)
	s.values[key] = stored
	return nil
}

func (s *MemoryStorage) Delete(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.values, key)
	return nil
}

func encodeSession(session *Session) ([]byte, error) {
	return json.Marshal(session)
}

func decodeSession(raw []byte) (*Session, error) {
	var session Session
	if err := json.Unmarshal(raw, &session); err != nil {
		return nil, err
	}
	if session.RefreshToken == "" {
		return nil, errCorruptSession
	}
	return &session, nil
}
