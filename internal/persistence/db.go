// Package persistence provides SQLite-based storage of pool states and
// their prediction history.
package persistence

import (
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/talgya/schimer/internal/engine"
	"github.com/talgya/schimer/internal/pool"
)

// ErrNotFound is returned when a pool has no saved state.
var ErrNotFound = errors.New("pool not found")

// DB wraps a SQLite connection for pool state persistence.
type DB struct {
	conn *sqlx.DB
}

// PoolRow is a saved pool without its decoded state.
type PoolRow struct {
	ID              string    `db:"id" json:"id"`
	AgentCount      int       `db:"agent_count" json:"agent_count"`
	ExtraInputCount int       `db:"extra_input_count" json:"extra_input_count"`
	Tick            uint64    `db:"tick" json:"tick"`
	UpdatedAt       time.Time `db:"updated_at" json:"updated_at"`
}

// predictionRow stores NaN as NULL, which is how SQLite keeps it anyway.
type predictionRow struct {
	PoolID      string          `db:"pool_id"`
	Tick        uint64          `db:"tick"`
	Observation sql.NullFloat64 `db:"observation"`
	Prediction  sql.NullFloat64 `db:"prediction"`
}

func nullFloat(v float64) sql.NullFloat64 {
	return sql.NullFloat64{Float64: v, Valid: !math.IsNaN(v)}
}

func fromNull(v sql.NullFloat64) float64 {
	if !v.Valid {
		return math.NaN()
	}
	return v.Float64
}

// Open opens or creates a SQLite database at the given path.
func Open(path string) (*DB, error) {
	conn, err := sqlx.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	// SQLite allows one writer; a single connection keeps writes ordered.
	conn.SetMaxOpenConns(1)

	db := &DB{conn: conn}
	if err := db.migrate(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return db, nil
}

// Close closes the database connection.
func (db *DB) Close() error {
	return db.conn.Close()
}

func (db *DB) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS pools (
		id TEXT PRIMARY KEY,
		agent_count INTEGER NOT NULL,
		extra_input_count INTEGER NOT NULL,
		tick INTEGER NOT NULL,
		state_json TEXT NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS predictions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		pool_id TEXT NOT NULL,
		tick INTEGER NOT NULL,
		observation REAL,
		prediction REAL
	);

	CREATE TABLE IF NOT EXISTS meta (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_predictions_pool_tick ON predictions(pool_id, tick);
	`
	_, err := db.conn.Exec(schema)
	return err
}

// SavePool writes a pool's state at the given tick, replacing any earlier save.
func (db *DB) SavePool(id string, tick uint64, st *pool.State) error {
	data, err := pool.Marshal(st)
	if err != nil {
		return fmt.Errorf("encode pool %s: %w", id, err)
	}
	_, err = db.conn.Exec(`INSERT OR REPLACE INTO pools
		(id, agent_count, extra_input_count, tick, state_json, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		id, st.AgentCount, st.ExtraInputCount, tick, string(data), time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("save pool %s: %w", id, err)
	}
	return nil
}

// LoadPool reads a pool's state and the tick it was saved at.
func (db *DB) LoadPool(id string) (*pool.State, uint64, error) {
	var row struct {
		Tick      uint64 `db:"tick"`
		StateJSON string `db:"state_json"`
	}
	err := db.conn.Get(&row, "SELECT tick, state_json FROM pools WHERE id = ?", id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, 0, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, 0, fmt.Errorf("load pool %s: %w", id, err)
	}

	st, err := pool.Unmarshal([]byte(row.StateJSON))
	if err != nil {
		return nil, 0, fmt.Errorf("decode pool %s: %w", id, err)
	}
	return st, row.Tick, nil
}

// ListPools returns every saved pool ordered by id.
func (db *DB) ListPools() ([]PoolRow, error) {
	var rows []PoolRow
	err := db.conn.Select(&rows,
		"SELECT id, agent_count, extra_input_count, tick, updated_at FROM pools ORDER BY id")
	return rows, err
}

// DeletePool removes a pool and its prediction history.
func (db *DB) DeletePool(id string) error {
	tx, err := db.conn.Beginx()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec("DELETE FROM pools WHERE id = ?", id); err != nil {
		return err
	}
	if _, err := tx.Exec("DELETE FROM predictions WHERE pool_id = ?", id); err != nil {
		return err
	}
	return tx.Commit()
}

// SavePredictions appends predictions to the history.
func (db *DB) SavePredictions(preds []engine.Prediction) error {
	if len(preds) == 0 {
		return nil
	}

	tx, err := db.conn.Beginx()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareNamed(`INSERT INTO predictions
		(pool_id, tick, observation, prediction)
		VALUES (:pool_id, :tick, :observation, :prediction)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, p := range preds {
		row := predictionRow{
			PoolID:      p.PoolID,
			Tick:        p.Tick,
			Observation: nullFloat(p.Observation),
			Prediction:  nullFloat(p.Value),
		}
		if _, err := stmt.Exec(row); err != nil {
			return fmt.Errorf("insert prediction %s/%d: %w", p.PoolID, p.Tick, err)
		}
	}

	return tx.Commit()
}

// RecentPredictions returns the most recent predictions of a pool, newest first.
func (db *DB) RecentPredictions(id string, limit int) ([]engine.Prediction, error) {
	var rows []predictionRow
	err := db.conn.Select(&rows,
		`SELECT pool_id, tick, observation, prediction FROM predictions
		 WHERE pool_id = ? ORDER BY tick DESC, id DESC LIMIT ?`,
		id, limit,
	)
	if err != nil {
		return nil, err
	}

	preds := make([]engine.Prediction, len(rows))
	for i, r := range rows {
		preds[i] = engine.Prediction{
			PoolID:      r.PoolID,
			Tick:        r.Tick,
			Observation: fromNull(r.Observation),
			Value:       fromNull(r.Prediction),
		}
	}
	return preds, nil
}

// SaveMeta stores a key-value pair in metadata.
func (db *DB) SaveMeta(key, value string) error {
	_, err := db.conn.Exec(
		"INSERT OR REPLACE INTO meta (key, value) VALUES (?, ?)",
		key, value,
	)
	return err
}

// GetMeta retrieves a metadata value.
func (db *DB) GetMeta(key string) (string, error) {
	var value string
	err := db.conn.Get(&value, "SELECT value FROM meta WHERE key = ?", key)
	return value, err
}

// SaveRegistry saves every session in the registry.
func (db *DB) SaveRegistry(reg *engine.Registry) error {
	sessions := reg.List()
	slog.Info("saving pools", "count", len(sessions))

	for _, sess := range sessions {
		st, tick := sess.Snapshot()
		if err := db.SavePool(sess.ID, tick, st); err != nil {
			return err
		}
	}
	return nil
}

// RestoreRegistry loads every saved pool into the registry. A pool that
// fails to decode is logged and skipped.
func (db *DB) RestoreRegistry(reg *engine.Registry) (int, error) {
	rows, err := db.ListPools()
	if err != nil {
		return 0, fmt.Errorf("list pools: %w", err)
	}

	restored := 0
	for _, row := range rows {
		st, tick, err := db.LoadPool(row.ID)
		if err != nil {
			slog.Error("skipping pool", "pool", row.ID, "error", err)
			continue
		}
		reg.Put(row.ID, st, tick)
		restored++
	}
	return restored, nil
}
