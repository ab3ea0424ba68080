package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Event is one append-only audit record. A begin/end pair shares a parent:
// the end event's ParentID points at the begin event.
type Event struct {
	ID         int64          `json:"id"`
	ParentID   *int64         `json:"parent_id,omitempty"`
	Timestamp  time.Time      `json:"timestamp"`
	User       string         `json:"user"`
	Action     string         `json:"action"`
	ObjectType string         `json:"object_type"`
	ObjectName string         `json:"object_name,omitempty"`
	Task       string         `json:"task,omitempty"`
	Deployment string         `json:"deployment,omitempty"`
	Instance   string         `json:"instance,omitempty"`
	Error      string         `json:"error,omitempty"`
	Context    map[string]any `json:"context,omitempty"`
}

// EventFilter narrows ListEvents. BeforeID is the pagination cursor: only
// events with a smaller id are returned.
type EventFilter struct {
	BeforeID   int64
	Deployment string
	Task       string
	Instance   string
	User       string
	Action     string
	ObjectType string
	ObjectName string
	After      time.Time
	Before     time.Time
	Limit      int
}

const defaultEventLimit = 200

// CreateEvent appends e and returns it with id and timestamp set.
func CreateEvent(ctx context.Context, q Queryer, e Event) (*Event, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}

	var contextJSON any
	if len(e.Context) > 0 {
		b, err := json.Marshal(e.Context)
		if err != nil {
			return nil, fmt.Errorf("encode event context: %w", err)
		}
		contextJSON = string(b)
	}

	err := q.QueryRowContext(ctx,
		`INSERT INTO events (parent_id, created_at, username, action, object_type, object_name,
			task, deployment, instance, error, context)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 RETURNING id`,
		nullableInt64(e.ParentID), dbTime(e.Timestamp), nullableString(e.User), e.Action, e.ObjectType,
		nullableString(e.ObjectName), nullableString(e.Task), nullableString(e.Deployment),
		nullableString(e.Instance), nullableString(e.Error), contextJSON).Scan(&e.ID)
	if err != nil {
		return nil, fmt.Errorf("create event: %w", err)
	}
	return &e, nil
}

// ListEvents returns matching events newest first.
func ListEvents(ctx context.Context, q Queryer, f EventFilter) ([]Event, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	var where []string
	var args []any
	add := func(clause string, v any) {
		where = append(where, clause)
		args = append(args, v)
	}
	if f.BeforeID > 0 {
		add("id < ?", f.BeforeID)
	}
	if f.Deployment != "" {
		add("deployment = ?", f.Deployment)
	}
	if f.Task != "" {
		add("task = ?", f.Task)
	}
	if f.Instance != "" {
		add("instance = ?", f.Instance)
	}
	if f.User != "" {
		add("username = ?", f.User)
	}
	if f.Action != "" {
		add("action = ?", f.Action)
	}
	if f.ObjectType != "" {
		add("object_type = ?", f.ObjectType)
	}
	if f.ObjectName != "" {
		add("object_name = ?", f.ObjectName)
	}
	if !f.After.IsZero() {
		add("created_at > ?", dbTime(f.After))
	}
	if !f.Before.IsZero() {
		add("created_at < ?", dbTime(f.Before))
	}

	limit := f.Limit
	if limit <= 0 {
		limit = defaultEventLimit
	}

	query := `SELECT id, parent_id, created_at, username, action, object_type, object_name,
		task, deployment, instance, error, context FROM events`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY id DESC LIMIT ?"
	args = append(args, limit)

	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var events []Event
	for rows.Next() {
		var e Event
		var parentID sql.NullInt64
		var createdAt string
		var user, objectName, task, deployment, instance, errMsg, contextJSON sql.NullString
		if err := rows.Scan(&e.ID, &parentID, &createdAt, &user, &e.Action, &e.ObjectType, &objectName,
			&task, &deployment, &instance, &errMsg, &contextJSON); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		e.ParentID = optionalInt64(parentID)
		if e.Timestamp, err = parseDBTime(createdAt); err != nil {
			return nil, err
		}
		e.User = user.String
		e.ObjectName = objectName.String
		e.Task = task.String
		e.Deployment = deployment.String
		e.Instance = instance.String
		e.Error = errMsg.String
		if contextJSON.Valid && contextJSON.String != "" {
			if err := json.Unmarshal([]byte(contextJSON.String), &e.Context); err != nil {
				return nil, fmt.Errorf("decode event context: %w", err)
			}
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// DeleteEventsBefore removes events older than cutoff and returns the count.
func DeleteEventsBefore(ctx context.Context, q Queryer, cutoff time.Time) (int64, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	res, err := q.ExecContext(ctx, `DELETE FROM events WHERE created_at < ?`, dbTime(cutoff))
	if err != nil {
		return 0, fmt.Errorf("delete events: %w", err)
	}
	return rowsAffected(res)
}
