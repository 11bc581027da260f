package database

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/snarg/listen-engine/internal/memory"
	"github.com/snarg/listen-engine/internal/transcript"
)

const memoryColumns = `id, uid, language, status, discarded, segments, structured,
	created_at, started_at, finished_at`

// scanMemory reads one row selected with memoryColumns.
func scanMemory(row pgx.Row) (*memory.Memory, error) {
	var (
		m          memory.Memory
		status     string
		segments   []byte
		structured []byte
	)
	if err := row.Scan(
		&m.ID, &m.UserID, &m.Language, &status, &m.Discarded, &segments, &structured,
		&m.CreatedAt, &m.StartedAt, &m.FinishedAt,
	); err != nil {
		return nil, err
	}
	m.Status = memory.Status(status)
	if len(segments) > 0 {
		if err := json.Unmarshal(segments, &m.Segments); err != nil {
			return nil, fmt.Errorf("decode segments for memory %s: %w", m.ID, err)
		}
	}
	if len(structured) > 0 {
		m.Structured = json.RawMessage(structured)
	}
	return &m, nil
}

func (db *DB) GetMemory(ctx context.Context, uid, id string) (*memory.Memory, error) {
	m, err := scanMemory(db.Pool.QueryRow(ctx,
		`SELECT `+memoryColumns+` FROM memories WHERE uid = $1 AND id = $2`, uid, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, memory.ErrNotFound
	}
	return m, err
}

// GetInProgressMemory returns the latest in_progress memory, or nil.
func (db *DB) GetInProgressMemory(ctx context.Context, uid string) (*memory.Memory, error) {
	m, err := scanMemory(db.Pool.QueryRow(ctx, `
		SELECT `+memoryColumns+` FROM memories
		WHERE uid = $1 AND status = 'in_progress'
		ORDER BY started_at DESC
		LIMIT 1`, uid))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return m, err
}

func (db *DB) GetProcessingMemories(ctx context.Context, uid string) ([]*memory.Memory, error) {
	rows, err := db.Pool.Query(ctx, `
		SELECT `+memoryColumns+` FROM memories
		WHERE uid = $1 AND status = 'processing'
		ORDER BY started_at`, uid)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*memory.Memory
	for rows.Next() {
		m, err := scanMemory(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (db *DB) UpsertMemory(ctx context.Context, m *memory.Memory) error {
	segments, err := encodeSegments(m.Segments)
	if err != nil {
		return err
	}
	_, err = db.Pool.Exec(ctx, `
		INSERT INTO memories (id, uid, language, status, discarded, segments, structured,
			created_at, started_at, finished_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (id) DO UPDATE SET
			language    = EXCLUDED.language,
			status      = EXCLUDED.status,
			discarded   = EXCLUDED.discarded,
			segments    = EXCLUDED.segments,
			structured  = EXCLUDED.structured,
			started_at  = EXCLUDED.started_at,
			finished_at = EXCLUDED.finished_at,
			updated_at  = now()`,
		m.ID, m.UserID, m.Language, string(m.Status), m.Discarded, segments, nullJSON(m.Structured),
		m.CreatedAt, m.StartedAt, m.FinishedAt,
	)
	return err
}

func (db *DB) UpdateSegments(ctx context.Context, uid, id string, segments []transcript.Segment) error {
	raw, err := encodeSegments(segments)
	if err != nil {
		return err
	}
	return db.updateOne(ctx, `UPDATE memories SET segments = $3, updated_at = now() WHERE uid = $1 AND id = $2`,
		uid, id, raw)
}

func (db *DB) UpdateFinishedAt(ctx context.Context, uid, id string, t time.Time) error {
	return db.updateOne(ctx, `UPDATE memories SET finished_at = $3, updated_at = now() WHERE uid = $1 AND id = $2`,
		uid, id, t)
}

func (db *DB) UpdateStatus(ctx context.Context, uid, id string, status memory.Status) error {
	return db.updateOne(ctx, `UPDATE memories SET status = $3, updated_at = now() WHERE uid = $1 AND id = $2`,
		uid, id, string(status))
}

func (db *DB) SetDiscarded(ctx context.Context, uid, id string) error {
	return db.updateOne(ctx, `
		UPDATE memories SET status = 'discarded', discarded = true, updated_at = now()
		WHERE uid = $1 AND id = $2`, uid, id)
}

// SaveProcessed stores the pipeline's finalized record over the existing row.
func (db *DB) SaveProcessed(ctx context.Context, m *memory.Memory) error {
	segments, err := encodeSegments(m.Segments)
	if err != nil {
		return err
	}
	return db.updateOne(ctx, `
		UPDATE memories SET
			status = $3, discarded = $4, segments = $5, structured = $6,
			started_at = $7, finished_at = $8, updated_at = now()
		WHERE uid = $1 AND id = $2`,
		m.UserID, m.ID, string(m.Status), m.Discarded, segments, nullJSON(m.Structured),
		m.StartedAt, m.FinishedAt,
	)
}

func (db *DB) updateOne(ctx context.Context, sql string, args ...any) error {
	tag, err := db.Pool.Exec(ctx, sql, args...)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return memory.ErrNotFound
	}
	return nil
}

func encodeSegments(segments []transcript.Segment) (json.RawMessage, error) {
	if segments == nil {
		segments = []transcript.Segment{}
	}
	raw, err := json.Marshal(segments)
	if err != nil {
		return nil, fmt.Errorf("encode segments: %w", err)
	}
	return raw, nil
}

func nullJSON(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return raw
}
