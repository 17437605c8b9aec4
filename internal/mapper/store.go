package mapper

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/lucent-vision/depthmap/internal/db"
)

// Store persists session and chunk records. The database is shared across
// sessions; rows are keyed by session ID.
type Store struct {
	db *db.DB
}

func NewStore(database *db.DB) *Store {
	return &Store{db: database}
}

// SessionRecord is one row of map_sessions.
type SessionRecord struct {
	SessionID  string       `json:"session_id"`
	OutputDir  string       `json:"output_dir"`
	State      SessionState `json:"state"`
	Error      string       `json:"error,omitempty"`
	StartedAt  time.Time    `json:"started_at"`
	FinishedAt *time.Time   `json:"finished_at,omitempty"`
}

// ChunkRecord is one row of map_chunks.
type ChunkRecord struct {
	SessionID       string  `json:"session_id"`
	ChunkIndex      int     `json:"chunk_index"`
	FrameStart      int     `json:"frame_start"`
	FrameEnd        int     `json:"frame_end"`
	Final           bool    `json:"final"`
	Correspondences int     `json:"correspondences"`
	Residual        float64 `json:"residual"`
	Scale           float64 `json:"scale"`
	Points          int     `json:"points"`
	CloudPath       string  `json:"cloud_path"`
}

// CreateSession inserts a new session row.
func (s *Store) CreateSession(ctx context.Context, id, outputDir string, state SessionState, cfg Config) error {
	cfgJSON, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}
	err = retryOnBusy(func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO map_sessions (session_id, output_dir, state, config_json, started_at)
			VALUES (?, ?, ?, ?, ?)`,
			id, outputDir, string(state), string(cfgJSON), time.Now().UTC().Format(time.RFC3339),
		)
		return err
	})
	if err != nil {
		return fmt.Errorf("inserting session %s: %w", id, err)
	}
	return nil
}

// SetSessionState updates a session's state column.
func (s *Store) SetSessionState(ctx context.Context, id string, state SessionState) error {
	err := retryOnBusy(func() error {
		_, err := s.db.ExecContext(ctx,
			`UPDATE map_sessions SET state = ? WHERE session_id = ?`, string(state), id)
		return err
	})
	if err != nil {
		return fmt.Errorf("updating session %s state: %w", id, err)
	}
	return nil
}

// FinishSession records a session's terminal state and error, if any.
func (s *Store) FinishSession(ctx context.Context, id string, state SessionState, errMsg string) error {
	err := retryOnBusy(func() error {
		_, err := s.db.ExecContext(ctx, `
			UPDATE map_sessions SET state = ?, error = ?, finished_at = ?
			WHERE session_id = ?`,
			string(state), nullStr(errMsg), time.Now().UTC().Format(time.RFC3339), id)
		return err
	})
	if err != nil {
		return fmt.Errorf("finishing session %s: %w", id, err)
	}
	return nil
}

// RecordChunk inserts one processed chunk row.
func (s *Store) RecordChunk(ctx context.Context, sessionID string, ch Chunk, reg *RegistrationResult,
	world SimilarityTransform, points int, cloudPath string) error {
	var correspondences int
	var residual, scale float64
	scale = 1
	if reg != nil {
		correspondences = reg.Correspondences
		residual = reg.Residual
		scale = reg.PrecomputedScale
	}
	tfJSON, err := json.Marshal(world)
	if err != nil {
		return fmt.Errorf("marshaling transform: %w", err)
	}
	err = retryOnBusy(func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO map_chunks (
				session_id, chunk_index, frame_start, frame_end, final,
				correspondences, residual, scale, transform_json, points, cloud_path
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			sessionID, ch.Index, ch.Start, ch.End, ch.Final,
			correspondences, residual, scale, string(tfJSON), points, cloudPath,
		)
		return err
	})
	if err != nil {
		return fmt.Errorf("inserting chunk %d for session %s: %w", ch.Index, sessionID, err)
	}
	return nil
}

// MarkChunkFinal flags an already-recorded chunk as the session's final one
// and refreshes its point count after the tail re-emit.
func (s *Store) MarkChunkFinal(ctx context.Context, sessionID string, index, points int) error {
	err := retryOnBusy(func() error {
		_, err := s.db.ExecContext(ctx, `
			UPDATE map_chunks SET final = 1, points = ?
			WHERE session_id = ? AND chunk_index = ?`,
			points, sessionID, index,
		)
		return err
	})
	if err != nil {
		return fmt.Errorf("finalizing chunk %d for session %s: %w", index, sessionID, err)
	}
	return nil
}

// RecordLoopEdge inserts one detected loop closure.
func (s *Store) RecordLoopEdge(ctx context.Context, sessionID string, e LoopEdge, applied bool) error {
	err := retryOnBusy(func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO map_loop_edges (session_id, from_chunk, to_chunk, score, applied)
			VALUES (?, ?, ?, ?, ?)`,
			sessionID, e.FromChunk, e.ToChunk, e.Score, applied)
		return err
	})
	if err != nil {
		return fmt.Errorf("inserting loop edge for session %s: %w", sessionID, err)
	}
	return nil
}

// GetSession returns one session row, or nil when absent.
func (s *Store) GetSession(ctx context.Context, id string) (*SessionRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT session_id, output_dir, state, error, started_at, finished_at
		FROM map_sessions WHERE session_id = ?`, id)
	rec, err := scanSession(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return rec, err
}

// ListSessions returns all session rows, newest first.
func (s *Store) ListSessions(ctx context.Context) ([]*SessionRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT session_id, output_dir, state, error, started_at, finished_at
		FROM map_sessions ORDER BY started_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*SessionRecord
	for rows.Next() {
		rec, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// ListChunks returns the chunk rows of one session in index order.
func (s *Store) ListChunks(ctx context.Context, sessionID string) ([]*ChunkRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT session_id, chunk_index, frame_start, frame_end, final,
		       correspondences, residual, scale, points, cloud_path
		FROM map_chunks WHERE session_id = ? ORDER BY chunk_index`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*ChunkRecord
	for rows.Next() {
		var rec ChunkRecord
		var corr, points sql.NullInt64
		var residual, scale sql.NullFloat64
		var cloud sql.NullString
		if err := rows.Scan(&rec.SessionID, &rec.ChunkIndex, &rec.FrameStart, &rec.FrameEnd,
			&rec.Final, &corr, &residual, &scale, &points, &cloud); err != nil {
			return nil, err
		}
		rec.Correspondences = int(corr.Int64)
		rec.Residual = residual.Float64
		rec.Scale = scale.Float64
		rec.Points = int(points.Int64)
		rec.CloudPath = cloud.String
		out = append(out, &rec)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*SessionRecord, error) {
	var rec SessionRecord
	var state string
	var errMsg sql.NullString
	var startedAt string
	var finishedAt sql.NullString
	if err := row.Scan(&rec.SessionID, &rec.OutputDir, &state, &errMsg, &startedAt, &finishedAt); err != nil {
		return nil, err
	}
	rec.State = SessionState(state)
	rec.Error = errMsg.String
	if t, err := time.Parse(time.RFC3339, startedAt); err == nil {
		rec.StartedAt = t
	}
	if finishedAt.Valid {
		if t, err := time.Parse(time.RFC3339, finishedAt.String); err == nil {
			rec.FinishedAt = &t
		}
	}
	return &rec, nil
}

// retryOnBusy retries a statement a few times when sqlite reports the
// database locked by a concurrent writer.
func retryOnBusy(fn func() error) error {
	var err error
	for attempt := 0; attempt < 5; attempt++ {
		err = fn()
		if err == nil {
			return nil
		}
		msg := err.Error()
		if !strings.Contains(msg, "database is locked") && !strings.Contains(msg, "SQLITE_BUSY") {
			return err
		}
		time.Sleep(time.Duration(attempt+1) * 50 * time.Millisecond)
	}
	return err
}

func nullStr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
