package state

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
)

// Backend is a durable, lock-coordinated store for one state document.
type Backend interface {
	// Get returns the stored state, or a new empty state if none exists.
	Get(ctx context.Context) (*State, error)
	// Put stores st, bumping its serial.
	Put(ctx context.Context, st *State) error
	// Lock acquires the exclusive lock or returns a *deployerr.LockError.
	Lock(ctx context.Context, info *LockInfo) (string, error)
	// Unlock releases a lock previously returned by Lock.
	Unlock(ctx context.Context, id string) error
	// Key identifies the state document.
	Key() string
}

// LockInfo describes who holds a lock and why.
type LockInfo struct {
	ID        string    `json:"id"`
	Operation string    `json:"operation"`
	Who       string    `json:"who"`
	Created   time.Time `json:"created"`
}

// NewLockInfo fills in a fresh id, the caller identity and the time.
func NewLockInfo(operation string) *LockInfo {
	who := os.Getenv("USER")
	if host, err := os.Hostname(); err == nil {
		who = fmt.Sprintf("%s@%s", who, host)
	}
	return &LockInfo{
		ID:        uuid.New().String(),
		Operation: operation,
		Who:       who,
		Created:   time.Now().UTC(),
	}
}

func (i *LockInfo) String() string {
	return fmt.Sprintf("%s (%s, id %s, since %s)", i.Who, i.Operation, i.ID, i.Created.Format(time.RFC3339))
}

func (i *LockInfo) marshal() string {
	data, _ := json.Marshal(i)
	return string(data)
}

func unmarshalLockInfo(data string) *LockInfo {
	info := &LockInfo{}
	if err := json.Unmarshal([]byte(data), info); err != nil {
		return &LockInfo{ID: data}
	}
	return info
}

// WithLock runs fn while holding the backend's lock.
func WithLock(ctx context.Context, b Backend, operation string, fn func(ctx context.Context) error) (err error) {
	id, err := b.Lock(ctx, NewLockInfo(operation))
	if err != nil {
		return err
	}
	defer func() {
		if unlockErr := b.Unlock(context.Background(), id); unlockErr != nil && err == nil {
			err = fmt.Errorf("unable to release state lock %s: %w", id, unlockErr)
		}
	}()
	return fn(ctx)
}
