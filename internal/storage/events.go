package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/quadtile/drover/internal/events"
	"github.com/quadtile/drover/internal/wire"
)

const eventColumns = `id, username, created, event_type, status, json_data`

// EventRepository persists completed events in the log database.
type EventRepository struct {
	db *sql.DB
}

// NewEventRepository creates a repository over an already-migrated database.
func NewEventRepository(db *sql.DB) *EventRepository {
	return &EventRepository{db: db}
}

// Ensure EventRepository implements events.Store.
var _ events.Store = (*EventRepository)(nil)

// SaveBatch appends the batch in order inside one transaction.
func (r *EventRepository) SaveBatch(ctx context.Context, batch []events.Event) error {
	if len(batch) == 0 {
		return nil
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin event batch: %w", err)
	}
	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO events (username, created, event_type, status, json_data) VALUES (?, ?, ?, ?, ?)`)
	if err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("failed to prepare event insert: %w", err)
	}
	for _, evt := range batch {
		data := evt.Data
		if data == nil {
			data = json.RawMessage(`{}`)
		}
		if _, err := stmt.ExecContext(ctx,
			evt.Username, evt.Created.UnixMilli(), int(evt.Type), int(evt.Status), string(data),
		); err != nil {
			_ = stmt.Close()
			_ = tx.Rollback()
			return fmt.Errorf("failed to insert event: %w", err)
		}
	}
	if err := stmt.Close(); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit event batch: %w", err)
	}
	return nil
}

// LoadPage returns up to count events with id < lessThan, newest first.
// lessThan <= 0 pages from the newest event.
func (r *EventRepository) LoadPage(ctx context.Context, count int, lessThan int64) ([]events.Event, error) {
	if count <= 0 {
		return nil, nil
	}

	query := `SELECT ` + eventColumns + ` FROM events`
	args := []any{}
	if lessThan > 0 {
		query += ` WHERE id < ?`
		args = append(args, lessThan)
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, count)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to load event page: %w", err)
	}
	defer rows.Close()

	var page []events.Event
	for rows.Next() {
		evt, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		page = append(page, evt)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read event page: %w", err)
	}
	return page, nil
}

func scanEvent(scanner interface{ Scan(...any) error }) (events.Event, error) {
	var (
		evt       events.Event
		created   int64
		eventType int
		status    int
		data      string
	)
	if err := scanner.Scan(&evt.ID, &evt.Username, &created, &eventType, &status, &data); err != nil {
		return events.Event{}, err
	}
	evt.Created = time.UnixMilli(created)
	evt.Type = events.Type(eventType)
	evt.Status = wire.TaskStatus(status)
	evt.Data = json.RawMessage(data)
	return evt, nil
}
