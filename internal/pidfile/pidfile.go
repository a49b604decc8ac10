// Package pidfile records the running child so that a later respawn run can
// find a child orphaned by an abnormally terminated supervisor.
//
// The file holds the PID on the first line and a JSON metadata line with the
// process creation time, which guards against PID reuse.
package pidfile

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	gopsproc "github.com/shirou/gopsutil/v4/process"
)

// Record is the content of a pidfile.
type Record struct {
	PID     int    `json:"-"`
	StartMS int64  `json:"start_ms,omitempty"`
	Command string `json:"command,omitempty"`
}

// ForPID builds a Record for a running pid, including its creation time when
// it can be read.
func ForPID(pid int, command string) Record {
	return Record{PID: pid, StartMS: startMS(pid), Command: command}
}

// Write stores rec at path, replacing any previous file atomically.
func Write(path string, rec Record) error {
	if rec.PID <= 0 {
		return fmt.Errorf("pidfile: invalid pid %d", rec.PID)
	}
	meta, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	data := strconv.Itoa(rec.PID) + "\n" + string(meta) + "\n"
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("pidfile: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".pidfile-*")
	if err != nil {
		return fmt.Errorf("pidfile: %w", err)
	}
	if _, err := tmp.WriteString(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("pidfile: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("pidfile: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("pidfile: %w", err)
	}
	return nil
}

// Read parses the pidfile at path. A missing file yields an error matching
// os.ErrNotExist. The metadata line is optional.
func Read(path string) (Record, error) {
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return Record{}, err
	}
	lines := strings.Split(strings.ReplaceAll(string(data), "\r\n", "\n"), "\n")
	pid, err := strconv.Atoi(strings.TrimSpace(lines[0]))
	if err != nil || pid <= 0 {
		return Record{}, fmt.Errorf("invalid pid in %s", path)
	}
	rec := Record{PID: pid}
	if len(lines) > 1 {
		if meta := strings.TrimSpace(lines[1]); meta != "" {
			if err := json.Unmarshal([]byte(meta), &rec); err != nil {
				return Record{}, fmt.Errorf("invalid metadata in %s: %w", path, err)
			}
			rec.PID = pid
		}
	}
	return rec, nil
}

// Remove deletes the pidfile; a missing file is not an error.
func Remove(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// Alive reports whether the process described by rec is still running. When
// a creation time was recorded it must match, so a reused PID is not alive.
func Alive(rec Record) bool {
	if rec.PID <= 0 {
		return false
	}
	ok, err := gopsproc.PidExists(int32(rec.PID))
	if err != nil || !ok {
		return false
	}
	if rec.StartMS > 0 {
		if cur := startMS(rec.PID); cur > 0 && cur != rec.StartMS {
			return false
		}
	}
	return true
}

// Leftover reads path and returns the record if its process is still alive.
func Leftover(path string) (Record, bool, error) {
	rec, err := Read(path)
	if errors.Is(err, os.ErrNotExist) {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, err
	}
	return rec, Alive(rec), nil
}

// startMS returns the process creation time in Unix milliseconds, or 0.
func startMS(pid int) int64 {
	p, err := gopsproc.NewProcess(int32(pid))
	if err != nil {
		return 0
	}
	ms, err := p.CreateTime()
	if err != nil || ms <= 0 {
		return 0
	}
	return ms
}
