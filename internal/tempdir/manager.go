// Package tempdir owns the per-recording scratch directories that hold
// captured frames until they are encoded.
package tempdir

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/shirou/gopsutil/process"
)

const (
	DefaultPrefix = "screenclip_"
	timeLayout    = "20060102_150405.000"
)

type Manager struct {
	Root   string
	Prefix string

	// pidAlive reports whether another process still owns a directory.
	pidAlive  func(pid int) bool
	now       func() time.Time
	removeAll func(string) error

	mu     sync.Mutex
	active map[string]struct{}

	// Directories of this process whose Cleanup failed. CleanupStale
	// retries them even though their owner pid is alive.
	orphaned map[string]struct{}
}

// New returns a manager rooted at root (os.TempDir() when empty).
func New(root, prefix string) *Manager {
	if root == "" {
		root = os.TempDir()
	}
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &Manager{
		Root:     root,
		Prefix:   prefix,
		pidAlive:  processAlive,
		now:       time.Now,
		removeAll: os.RemoveAll,
		active:    make(map[string]struct{}),
		orphaned:  make(map[string]struct{}),
	}
}

func processAlive(pid int) bool {
	if pid == os.Getpid() {
		return true
	}
	ok, err := process.PidExists(int32(pid))
	if err != nil {
		// Unknown means keep it.
		return true
	}
	return ok
}

// CreateSessionDir creates <root>/<prefix><timestamp>_<pid> and tracks it
// as active.
func (m *Manager) CreateSessionDir() (string, error) {
	if err := os.MkdirAll(m.Root, 0755); err != nil {
		return "", fmt.Errorf("failed to create temp root %s: %w", m.Root, err)
	}

	base := fmt.Sprintf("%s%s_%d", m.Prefix, m.now().Format(timeLayout), os.Getpid())

	m.mu.Lock()
	defer m.mu.Unlock()

	// Two sessions in the same millisecond get a counter suffix.
	dir := filepath.Join(m.Root, base)
	for i := 1; ; i++ {
		err := os.Mkdir(dir, 0700)
		if err == nil {
			break
		}
		if !os.IsExist(err) {
			return "", fmt.Errorf("failed to create session directory: %w", err)
		}
		dir = filepath.Join(m.Root, fmt.Sprintf("%s-%d", base, i))
	}

	m.active[dir] = struct{}{}
	slog.Debug("Session directory created", "dir", dir)
	return dir, nil
}

// IsActive reports whether dir was created by this manager and not cleaned.
func (m *Manager) IsActive(dir string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.active[dir]
	return ok
}

func (m *Manager) isOrphaned(dir string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.orphaned[dir]
	return ok
}

// Cleanup removes the frame files in dir and then dir itself. A missing
// directory is not an error.
func (m *Manager) Cleanup(dir string) error {
	m.mu.Lock()
	delete(m.active, dir)
	m.mu.Unlock()

	if dir == "" {
		return nil
	}

	var result *multierror.Error
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		result = multierror.Append(result, err)
	}
	for _, e := range entries {
		if err := m.removeAll(filepath.Join(dir, e.Name())); err != nil {
			result = multierror.Append(result, err)
		}
	}
	if err := os.Remove(dir); err != nil && !os.IsNotExist(err) {
		result = multierror.Append(result, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if err := result.ErrorOrNil(); err != nil {
		m.orphaned[dir] = struct{}{}
		return fmt.Errorf("failed to clean up %s: %w", dir, err)
	}
	delete(m.orphaned, dir)
	slog.Debug("Session directory removed", "dir", dir)
	return nil
}

// CleanupStale removes leftover session directories from earlier runs and
// retries directories of this process whose Cleanup failed. It skips
// directories active in this process and directories whose owning process
// is still alive. It returns the removed paths.
func (m *Manager) CleanupStale() ([]string, error) {
	entries, err := os.ReadDir(m.Root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to list temp root %s: %w", m.Root, err)
	}

	var removed []string
	var result *multierror.Error
	for _, e := range entries {
		if !e.IsDir() || !strings.HasPrefix(e.Name(), m.Prefix) {
			continue
		}
		dir := filepath.Join(m.Root, e.Name())
		if m.IsActive(dir) {
			continue
		}
		if pid, ok := ownerPID(e.Name()); ok && m.pidAlive(pid) && !m.isOrphaned(dir) {
			continue
		}
		if err := m.Cleanup(dir); err != nil {
			result = multierror.Append(result, err)
			continue
		}
		removed = append(removed, dir)
	}

	if len(removed) > 0 {
		slog.Info("Removed stale session directories", "count", len(removed))
	}
	return removed, result.ErrorOrNil()
}

// ownerPID extracts the pid from "<prefix>YYYYMMDD_HHMMSS.mmm_<pid>[-n]".
func ownerPID(name string) (int, bool) {
	i := strings.LastIndex(name, "_")
	if i < 0 {
		return 0, false
	}
	tail := name[i+1:]
	if j := strings.Index(tail, "-"); j >= 0 {
		tail = tail[:j]
	}
	pid, err := strconv.Atoi(tail)
	if err != nil || pid <= 0 {
		return 0, false
	}
	return pid, true
}
