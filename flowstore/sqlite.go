package flowstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

// SQLiteStore keeps flows in a single table
type SQLiteStore struct {
	logger *zap.Logger
	db     *sql.DB
	now    func() time.Time
}

// NewSQLiteStore opens the database at path and creates the schema
func NewSQLiteStore(ctx context.Context, logger *zap.Logger, path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{logger: logger, db: db, now: time.Now}
	if err := s.init(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) init(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS flows (
		flow_id  TEXT PRIMARY KEY,
		saved_at INTEGER NOT NULL,
		data     TEXT NOT NULL
	)`)
	if err != nil {
		return fmt.Errorf("failed to create flows table: %w", err)
	}
	return nil
}

// Backend returns "sqlite"
func (s *SQLiteStore) Backend() string { return BackendSQLite }

// Close closes the database
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Save upserts the flow
func (s *SQLiteStore) Save(ctx context.Context, id string, graph Graph) (Flow, error) {
	if err := ValidateID(id); err != nil {
		return Flow{}, err
	}

	flow := newFlow(id, graph, s.now())
	data, err := json.Marshal(flow)
	if err != nil {
		return Flow{}, fmt.Errorf("failed to encode flow: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO flows (flow_id, saved_at, data) VALUES (?, ?, ?)
		 ON CONFLICT(flow_id) DO UPDATE SET saved_at = excluded.saved_at, data = excluded.data`,
		id, flow.SavedAt.UnixNano(), string(data),
	)
	if err != nil {
		return Flow{}, fmt.Errorf("failed to save flow: %w", err)
	}
	return flow, nil
}

// Load reads a flow
func (s *SQLiteStore) Load(ctx context.Context, id string) (Flow, error) {
	if err := ValidateID(id); err != nil {
		return Flow{}, err
	}

	var data string
	err := s.db.QueryRowContext(ctx, `SELECT data FROM flows WHERE flow_id = ?`, id).Scan(&data)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Flow{}, ErrNotFound
		}
		return Flow{}, fmt.Errorf("failed to load flow: %w", err)
	}
	return decodeFlow([]byte(data))
}

// List returns every decodable flow, newest first
func (s *SQLiteStore) List(ctx context.Context) ([]Summary, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT flow_id, data FROM flows ORDER BY saved_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list flows: %w", err)
	}
	defer rows.Close()

	summaries := []Summary{}
	for rows.Next() {
		var id, data string
		if err := rows.Scan(&id, &data); err != nil {
			return nil, fmt.Errorf("failed to scan flow: %w", err)
		}
		flow, err := decodeFlow([]byte(data))
		if err != nil {
			s.logger.Warn("skipping corrupt flow", zap.String("flow_id", id), zap.Error(err))
			continue
		}
		summaries = append(summaries, flow.Summary())
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list flows: %w", err)
	}

	sortSummaries(summaries)
	return summaries, nil
}
