// Package lock keeps two backup runs from working on the same node at once.
//
// The lock is a JSON file created with O_EXCL. It carries a lease: once the
// lease has expired a later run takes the lock over, so a crashed run does
// not block backups forever.
package lock

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/cassnap-project/cassnap/pkg/errclass"
	"github.com/cassnap-project/cassnap/pkg/fsutil"
)

// FileName is the lock file created inside the staging directory.
const FileName = "cassnap.lock"

// State describes the lock as seen by Status.
type State string

const (
	StateFree    State = "free"
	StateHeld    State = "held"
	StateExpired State = "expired"
)

// Record is the content of the lock file.
type Record struct {
	RunID      string    `json:"run_id"`
	Host       string    `json:"host"`
	PID        int       `json:"pid"`
	AcquiredAt time.Time `json:"acquired_at"`
	ExpiresAt  time.Time `json:"expires_at"`
	// Generation increases every time an expired lock is taken over.
	Generation int64 `json:"generation"`
}

// IsExpired reports whether the lease has run out at now.
func (r *Record) IsExpired(now time.Time) bool {
	return !now.Before(r.ExpiresAt)
}

// Manager acquires and releases the run lock in one directory.
type Manager struct {
	dir string
	ttl time.Duration
	now func() time.Time
	mu  sync.Mutex
}

// NewManager creates a manager for the lock file in dir.
func NewManager(dir string, ttl time.Duration) *Manager {
	return &Manager{dir: dir, ttl: ttl, now: time.Now}
}

// Path returns the lock file path.
func (m *Manager) Path() string {
	return filepath.Join(m.dir, FileName)
}

// Acquire takes the lock for runID. A live lock held by another run yields
// E_RUN_LOCKED; an expired one is taken over.
func (m *Manager) Acquire(runID, host string) (*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := os.MkdirAll(m.dir, 0o755); err != nil {
		return nil, fmt.Errorf("create lock dir: %w", err)
	}

	now := m.now().UTC()
	rec := &Record{
		RunID:      runID,
		Host:       host,
		PID:        os.Getpid(),
		AcquiredAt: now,
		ExpiresAt:  now.Add(m.ttl),
		Generation: 1,
	}

	file, err := os.OpenFile(m.Path(), os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err == nil {
		defer file.Close()
		if err := writeRecord(file, rec); err != nil {
			os.Remove(m.Path())
			return nil, err
		}
		return rec, nil
	}
	if !os.IsExist(err) {
		return nil, fmt.Errorf("create lock: %w", err)
	}

	held, err := readRecord(m.Path())
	if err != nil {
		return nil, errclass.ErrRunLocked.WithMessagef("%s exists and is unreadable: %v", m.Path(), err)
	}
	if !held.IsExpired(now) {
		return nil, errclass.ErrRunLocked.WithMessagef("run %s (pid %d) holds %s until %s",
			held.RunID, held.PID, m.Path(), held.ExpiresAt.Format(time.RFC3339))
	}

	rec.Generation = held.Generation + 1
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal lock: %w", err)
	}
	if err := fsutil.AtomicWrite(m.Path(), data, 0o644); err != nil {
		return nil, fmt.Errorf("take over lock: %w", err)
	}
	return rec, nil
}

// Release removes the lock if runID still holds it. Releasing a lock that is
// gone is not an error.
func (m *Manager) Release(runID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, err := readRecord(m.Path())
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read lock: %w", err)
	}
	if rec.RunID != runID {
		return fmt.Errorf("lock is held by run %s, not %s", rec.RunID, runID)
	}
	if err := os.Remove(m.Path()); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove lock: %w", err)
	}
	return nil
}

// Status returns the current lock state and its record, if any.
func (m *Manager) Status() (State, *Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, err := readRecord(m.Path())
	if err != nil {
		if os.IsNotExist(err) {
			return StateFree, nil, nil
		}
		return StateFree, nil, fmt.Errorf("read lock: %w", err)
	}
	if rec.IsExpired(m.now()) {
		return StateExpired, rec, nil
	}
	return StateHeld, rec, nil
}

func readRecord(path string) (*Record, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("parse lock: %w", err)
	}
	return &rec, nil
}

func writeRecord(file *os.File, rec *Record) error {
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal lock: %w", err)
	}
	if _, err := file.Write(data); err != nil {
		return fmt.Errorf("write lock: %w", err)
	}
	return file.Sync()
}
