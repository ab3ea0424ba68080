package eventlog

import (
	"encoding/json"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/3leaps/gofleet/pkg/fleeterr"
)

// Stage entry states.
const (
	StateStarted  = "started"
	StateFinished = "finished"
	StateFailed   = "failed"
)

// Line is one JSON line in a task's event file.
type Line struct {
	Time     int64          `json:"time"`
	Stage    string         `json:"stage,omitempty"`
	Tags     []string       `json:"tags"`
	Total    int            `json:"total"`
	Task     string         `json:"task,omitempty"`
	Index    int            `json:"index"`
	State    string         `json:"state"`
	Progress int            `json:"progress"`
	Data     map[string]any `json:"data,omitempty"`
}

type messageLine struct {
	Time    int64  `json:"time"`
	Type    string `json:"type"`
	Message string `json:"message"`
}

type errorLine struct {
	Time  int64 `json:"time"`
	Error struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// Log writes stage progress as JSON lines. It is safe for concurrent use;
// each line is written with a single Write call.
type Log struct {
	mu  sync.Mutex
	w   io.Writer
	now func() time.Time
}

// NewLog returns a Log writing to w. A nil w discards output.
func NewLog(w io.Writer) *Log {
	if w == nil {
		w = io.Discard
	}
	return &Log{w: w, now: time.Now}
}

// Stage is a named group of tracked steps.
type Stage struct {
	log   *Log
	name  string
	tags  []string
	total int
	index atomic.Int64
}

// BeginStage opens a stage of total steps.
func (l *Log) BeginStage(name string, total int, tags ...string) *Stage {
	if tags == nil {
		tags = []string{}
	}
	return &Stage{log: l, name: name, tags: tags, total: total}
}

// AdvanceAndTrack records task as started, runs fn and records it as
// finished or failed. fn's error is returned unchanged.
func (s *Stage) AdvanceAndTrack(task string, fn func() error) error {
	index := int(s.index.Add(1))
	s.log.writeJSON(s.line(task, index, StateStarted, 0, nil))
	if err := fn(); err != nil {
		s.log.writeJSON(s.line(task, index, StateFailed, 100, map[string]any{"error": err.Error()}))
		return err
	}
	s.log.writeJSON(s.line(task, index, StateFinished, 100, nil))
	return nil
}

func (s *Stage) line(task string, index int, state string, progress int, data map[string]any) Line {
	return Line{
		Time:     s.log.now().Unix(),
		Stage:    s.name,
		Tags:     s.tags,
		Total:    s.total,
		Task:     task,
		Index:    index,
		State:    state,
		Progress: progress,
		Data:     data,
	}
}

// Warn writes a warning line.
func (l *Log) Warn(message string) {
	l.writeJSON(messageLine{Time: l.now().Unix(), Type: "warning", Message: message})
}

// Error writes the terminal error of a task.
func (l *Log) Error(err error) {
	line := errorLine{Time: l.now().Unix()}
	line.Error.Code = fleeterr.CodeOf(err)
	line.Error.Message = err.Error()
	l.writeJSON(line)
}

func (l *Log) writeJSON(v any) {
	b, err := json.Marshal(v)
	if err != nil {
		return
	}
	b = append(b, '\n')
	l.mu.Lock()
	defer l.mu.Unlock()
	_, _ = l.w.Write(b)
}
