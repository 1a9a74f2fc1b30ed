package state

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/paguebem/infra/internal/deployerr"
)

type memoryBackend struct {
	key  string
	mu   sync.Mutex
	data []byte
	lock *LockInfo
}

// NewMemoryBackend keeps state in process memory. Used for dry runs and tests.
func NewMemoryBackend(key string) Backend {
	return &memoryBackend{key: key}
}

func (m *memoryBackend) Key() string { return m.key }

func (m *memoryBackend) Get(ctx context.Context) (*State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.data == nil {
		return New(), nil
	}
	return decode(m.data)
}

func (m *memoryBackend) Put(ctx context.Context, st *State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	st.Serial++
	st.UpdatedAt = time.Now().UTC()
	data, err := encode(st)
	if err != nil {
		return err
	}
	m.data = data
	return nil
}

func (m *memoryBackend) Lock(ctx context.Context, info *LockInfo) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.lock != nil {
		return "", &deployerr.LockError{Key: m.key, Holder: m.lock.String()}
	}
	m.lock = info
	return info.ID, nil
}

func (m *memoryBackend) Unlock(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.lock == nil || m.lock.ID != id {
		return fmt.Errorf("lock %s is not held", id)
	}
	m.lock = nil
	return nil
}
