package jobrunner

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"
)

// Output stream names inside a task directory.
const (
	StreamEvent  = "event"
	StreamResult = "result"
	StreamDebug  = "debug"
)

// OutputStore lays out per-task output directories.
//
// Directory layout:
//
//	<root>/<task_id>/event        stage progress, JSON lines
//	<root>/<task_id>/result       final result text
//	<root>/<task_id>/debug        debug log, JSON lines
//	<root>/<task_id>/worker.json  process running the task
type OutputStore struct {
	root string
}

func NewOutputStore(root string) *OutputStore {
	return &OutputStore{root: strings.TrimSpace(root)}
}

func (s *OutputStore) RootDir() string {
	return s.root
}

func (s *OutputStore) TaskDir(taskID int64) string {
	return filepath.Join(s.root, strconv.FormatInt(taskID, 10))
}

// Prepare creates the task directory and returns it.
func (s *OutputStore) Prepare(taskID int64) (string, error) {
	if s.root == "" {
		return "", fmt.Errorf("task output root dir is empty")
	}
	dir := s.TaskDir(taskID)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("create task dir: %w", err)
	}
	return dir, nil
}

// OpenStream opens name inside dir for appending.
func OpenStream(dir, name string) (*os.File, error) {
	f, err := os.OpenFile(filepath.Join(dir, name), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("open %s stream: %w", name, err)
	}
	return f, nil
}

// ReadStream returns the contents of one stream of a task directory.
func ReadStream(dir, name string) ([]byte, error) {
	switch name {
	case StreamEvent, StreamResult, StreamDebug:
	default:
		return nil, fmt.Errorf("unknown task output stream %q", name)
	}
	if strings.TrimSpace(dir) == "" {
		return nil, fmt.Errorf("task has no output location")
	}
	b, err := os.ReadFile(filepath.Join(dir, name))
	if os.IsNotExist(err) {
		return nil, nil
	}
	return b, err
}

// WriteResult atomically replaces the result stream.
func WriteResult(dir, result string) error {
	return writeAtomic(dir, StreamResult, []byte(result+"\n"))
}

// WorkerRecord identifies the process that ran a task.
type WorkerRecord struct {
	PID       int       `json:"pid"`
	Host      string    `json:"host"`
	StartedAt time.Time `json:"started_at"`
}

const workerFile = "worker.json"

// WriteWorker records the process running the task in dir.
func WriteWorker(dir string, rec WorkerRecord) error {
	b, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal worker record: %w", err)
	}
	return writeAtomic(dir, workerFile, append(b, '\n'))
}

// ReadWorker loads the worker record of dir.
func ReadWorker(dir string) (*WorkerRecord, error) {
	b, err := os.ReadFile(filepath.Join(dir, workerFile))
	if err != nil {
		return nil, err
	}
	var rec WorkerRecord
	if err := json.Unmarshal(b, &rec); err != nil {
		return nil, fmt.Errorf("parse worker.json: %w", err)
	}
	return &rec, nil
}

func writeAtomic(dir, name string, b []byte) error {
	tmp, err := os.CreateTemp(dir, name+".tmp.*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if _, err := tmp.Write(b); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write temp %s file: %w", name, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp %s file: %w", name, err)
	}
	if err := os.Rename(tmpName, filepath.Join(dir, name)); err != nil {
		return fmt.Errorf("rename %s file: %w", name, err)
	}
	return nil
}

func isProcessAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	p, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	// signal 0 is supported on unix; it checks for existence without sending a signal.
	if err := p.Signal(os.Signal(syscall.Signal(0))); err != nil {
		return false
	}
	return true
}
