package runstore

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"time"
)

const lockOwnerFile = "owner.json"

// Lock is a directory lock: os.Mkdir is atomic, so whoever creates the
// directory owns it.
type Lock struct {
	dir string
}

type lockOwner struct {
	PID       int    `json:"pid"`
	RunID     string `json:"run_id,omitempty"`
	CreatedAt string `json:"created_at"`
	Hostname  string `json:"hostname,omitempty"`
}

// AcquireLock creates lockDir. A lock left behind by a dead process on this
// host is reclaimed once.
func AcquireLock(lockDir, runID string) (Lock, error) {
	target := strings.TrimSpace(lockDir)
	if target == "" {
		return Lock{}, errors.New("lock directory is required")
	}
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return Lock{}, fmt.Errorf("create parent for lock %s: %w", target, err)
	}

	for attempt := 0; attempt < 2; attempt++ {
		err := os.Mkdir(target, 0o755)
		if err == nil {
			break
		}
		if !os.IsExist(err) {
			return Lock{}, fmt.Errorf("acquire lock %s: %w", target, err)
		}
		var owner lockOwner
		readErr := ReadJSON(filepath.Join(target, lockOwnerFile), &owner)
		if attempt == 0 && readErr == nil && ownerIsGone(owner) {
			_ = os.Remove(filepath.Join(target, lockOwnerFile))
			_ = os.Remove(target)
			continue
		}
		if readErr == nil && owner.PID > 0 {
			return Lock{}, fmt.Errorf(
				"ledger is locked: %s (pid=%d run_id=%s created_at=%s host=%s)",
				target, owner.PID, owner.RunID, owner.CreatedAt, owner.Hostname,
			)
		}
		return Lock{}, fmt.Errorf("ledger is locked: %s", target)
	}

	owner := lockOwner{
		PID:       os.Getpid(),
		RunID:     runID,
		CreatedAt: time.Now().UTC().Format(time.RFC3339),
		Hostname:  hostnameOrUnknown(),
	}
	if err := WriteJSON(filepath.Join(target, lockOwnerFile), owner); err != nil {
		_ = os.Remove(target)
		return Lock{}, fmt.Errorf("write lock owner for %s: %w", target, err)
	}
	return Lock{dir: target}, nil
}

func (l Lock) Release() error {
	if strings.TrimSpace(l.dir) == "" {
		return nil
	}
	_ = os.Remove(filepath.Join(l.dir, lockOwnerFile))
	if err := os.Remove(l.dir); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("release lock %s: %w", l.dir, err)
	}
	return nil
}

func ownerIsGone(owner lockOwner) bool {
	if owner.PID <= 0 || owner.Hostname != hostnameOrUnknown() {
		return false
	}
	if owner.PID == os.Getpid() {
		return false
	}
	proc, err := os.FindProcess(owner.PID)
	if err != nil {
		return true
	}
	return errors.Is(proc.Signal(syscall.Signal(0)), os.ErrProcessDone)
}

func hostnameOrUnknown() string {
	host, err := os.Hostname()
	if err != nil {
		return "unknown"
	}
	host = strings.TrimSpace(host)
	if host == "" {
		return "unknown"
	}
	return host
}
