// Package store provides durable persistence for the anomaly monitor:
// market descriptors, the two-tier tick history, per-market EWMA state, and
// per-market alert (cooldown/dedup) state.
//
// Backed by SQLite via database/sql and github.com/mattn/go-sqlite3. The
// schema (schema.go) is applied with CREATE TABLE IF NOT EXISTS on Open — a
// single version, no migration history, in the spirit of this corpus's
// embedded-schema sqlite tooling. All operations are safe for concurrent use
// from multiple goroutines (the underlying *sql.DB pools connections and
// sqlite serializes writers).
package store

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"

	"polymarket-monitor/pkg/types"
)

// Store is the durable backing store for all monitor state.
type Store struct {
	db *sql.DB

	rawRetention      int
	filteredRetention int
}

// Open creates (or reopens) a SQLite-backed store at path. rawRetention and
// filteredRetention bound the per-market row counts pruned after each insert.
func Open(path string, rawRetention, filteredRetention int) (*Store, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	// sqlite3 serializes writers; a single connection avoids "database is
	// locked" errors under concurrent access without adding an external lock.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	return &Store{
		db:                db,
		rawRetention:      rawRetention,
		filteredRetention: filteredRetention,
	}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// ————————————————————————————————————————————————————————————————————————
// Streams (market descriptors)
// ————————————————————————————————————————————————————————————————————————

// UpsertStream creates or updates a market descriptor. UpdatedAt is always
// overwritten with m.UpdatedAt (the caller sets it to "now" on reconcile).
func (s *Store) UpsertStream(ctx context.Context, m types.Market) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO streams (market_id, yes_token_id, title, parent_market_id, topic_id, market_type, chain_id, cutoff_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(market_id) DO UPDATE SET
			yes_token_id=excluded.yes_token_id,
			title=excluded.title,
			parent_market_id=excluded.parent_market_id,
			topic_id=excluded.topic_id,
			market_type=excluded.market_type,
			chain_id=excluded.chain_id,
			cutoff_at=excluded.cutoff_at,
			updated_at=excluded.updated_at
	`, m.MarketID, m.YesTokenID, m.Title, m.ParentMarketID, m.TopicID, int(m.MarketType), m.ChainID, m.CutoffAt, m.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upsert stream %d: %w", m.MarketID, err)
	}
	return nil
}

// ListStreams returns every tracked market descriptor.
func (s *Store) ListStreams(ctx context.Context) ([]types.Market, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT market_id, yes_token_id, title, parent_market_id, topic_id, market_type, chain_id, cutoff_at, updated_at
		FROM streams
	`)
	if err != nil {
		return nil, fmt.Errorf("list streams: %w", err)
	}
	defer rows.Close()

	var out []types.Market
	for rows.Next() {
		var m types.Market
		var marketType int
		if err := rows.Scan(&m.MarketID, &m.YesTokenID, &m.Title, &m.ParentMarketID, &m.TopicID, &marketType, &m.ChainID, &m.CutoffAt, &m.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan stream: %w", err)
		}
		m.MarketType = types.MarketType(marketType)
		out = append(out, m)
	}
	return out, rows.Err()
}

// ————————————————————————————————————————————————————————————————————————
// Ticks
// ————————————————————————————————————————————————————————————————————————

// AppendTick inserts tick into raw_ticks, and — when accepted is true — the
// same row into filtered_ticks too, as a single transactional unit. Both
// tables are pruned to their configured retention immediately after.
func (s *Store) AppendTick(ctx context.Context, tick types.Tick, accepted bool) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tick tx: %w", err)
	}
	defer tx.Rollback()

	if err := insertTick(ctx, tx, "raw_ticks", tick); err != nil {
		return err
	}
	if err := pruneTicks(ctx, tx, "raw_ticks", tick.MarketID, s.rawRetention); err != nil {
		return err
	}

	if accepted {
		if err := insertTick(ctx, tx, "filtered_ticks", tick); err != nil {
			return err
		}
		if err := pruneTicks(ctx, tx, "filtered_ticks", tick.MarketID, s.filteredRetention); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tick tx: %w", err)
	}
	return nil
}

func insertTick(ctx context.Context, tx *sql.Tx, table string, tick types.Tick) error {
	_, err := tx.ExecContext(ctx, fmt.Sprintf(`
		INSERT INTO %s (market_id, ts, yes_price, volume, delta_volume) VALUES (?, ?, ?, ?, ?)
	`, table), tick.MarketID, tick.TS, tick.YesPrice, tick.Volume, tick.DeltaVolume)
	if err != nil {
		return fmt.Errorf("insert %s: %w", table, err)
	}
	return nil
}

func pruneTicks(ctx context.Context, tx *sql.Tx, table string, marketID int64, retention int) error {
	_, err := tx.ExecContext(ctx, fmt.Sprintf(`
		DELETE FROM %s WHERE market_id = ? AND id NOT IN (
			SELECT id FROM %s WHERE market_id = ? ORDER BY ts DESC LIMIT ?
		)
	`, table, table), marketID, marketID, retention)
	if err != nil {
		return fmt.Errorf("prune %s: %w", table, err)
	}
	return nil
}

// LastRawTick returns the most recent raw tick for marketID, or nil if none
// exists yet.
func (s *Store) LastRawTick(ctx context.Context, marketID int64) (*types.Tick, error) {
	return s.lastTick(ctx, "raw_ticks", marketID)
}

func (s *Store) lastTick(ctx context.Context, table string, marketID int64) (*types.Tick, error) {
	row := s.db.QueryRowContext(ctx, fmt.Sprintf(`
		SELECT market_id, ts, yes_price, volume, delta_volume FROM %s
		WHERE market_id = ? ORDER BY ts DESC LIMIT 1
	`, table), marketID)

	var t types.Tick
	if err := row.Scan(&t.MarketID, &t.TS, &t.YesPrice, &t.Volume, &t.DeltaVolume); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("last tick from %s: %w", table, err)
	}
	return &t, nil
}

// RecentFilteredTicks returns up to limit filtered ticks for marketID,
// oldest-first — the order the EWMA detector's cold-start seed consumes.
func (s *Store) RecentFilteredTicks(ctx context.Context, marketID int64, limit int) ([]types.Tick, error) {
	return s.recentTicks(ctx, "filtered_ticks", marketID, limit)
}

// RecentRawTicks returns up to limit raw ticks for marketID, oldest-first —
// the history a chart renderer would plot.
func (s *Store) RecentRawTicks(ctx context.Context, marketID int64, limit int) ([]types.Tick, error) {
	return s.recentTicks(ctx, "raw_ticks", marketID, limit)
}

func (s *Store) recentTicks(ctx context.Context, table string, marketID int64, limit int) ([]types.Tick, error) {
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT market_id, ts, yes_price, volume, delta_volume FROM (
			SELECT market_id, ts, yes_price, volume, delta_volume FROM %s
			WHERE market_id = ? ORDER BY ts DESC LIMIT ?
		) ORDER BY ts ASC
	`, table), marketID, limit)
	if err != nil {
		return nil, fmt.Errorf("recent ticks from %s: %w", table, err)
	}
	defer rows.Close()

	var out []types.Tick
	for rows.Next() {
		var t types.Tick
		if err := rows.Scan(&t.MarketID, &t.TS, &t.YesPrice, &t.Volume, &t.DeltaVolume); err != nil {
			return nil, fmt.Errorf("scan tick from %s: %w", table, err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// ————————————————————————————————————————————————————————————————————————
// EWMA state
// ————————————————————————————————————————————————————————————————————————

// LoadEWMA returns the EWMA state for marketID, or the zero-value sentinel
// (TickCount == 0) if this market has never been evaluated.
func (s *Store) LoadEWMA(ctx context.Context, marketID int64) (types.EWMAState, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT market_id, price_mean, price_var, volume_mean, volume_var, last_price, tick_count
		FROM ewma_state WHERE market_id = ?
	`, marketID)

	var st types.EWMAState
	err := row.Scan(&st.MarketID, &st.PriceMean, &st.PriceVar, &st.VolumeMean, &st.VolumeVar, &st.LastPrice, &st.TickCount)
	if err == sql.ErrNoRows {
		return types.EWMAState{MarketID: marketID}, nil
	}
	if err != nil {
		return types.EWMAState{}, fmt.Errorf("load ewma state %d: %w", marketID, err)
	}
	return st, nil
}

// SaveEWMA persists EWMA state, creating the row on first write.
func (s *Store) SaveEWMA(ctx context.Context, st types.EWMAState) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO ewma_state (market_id, price_mean, price_var, volume_mean, volume_var, last_price, tick_count)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(market_id) DO UPDATE SET
			price_mean=excluded.price_mean,
			price_var=excluded.price_var,
			volume_mean=excluded.volume_mean,
			volume_var=excluded.volume_var,
			last_price=excluded.last_price,
			tick_count=excluded.tick_count
	`, st.MarketID, st.PriceMean, st.PriceVar, st.VolumeMean, st.VolumeVar, st.LastPrice, st.TickCount)
	if err != nil {
		return fmt.Errorf("save ewma state %d: %w", st.MarketID, err)
	}
	return nil
}

// ————————————————————————————————————————————————————————————————————————
// Alert state
// ————————————————————————————————————————————————————————————————————————

// LoadAlertState returns the alert (cooldown/dedup) state for marketID, or
// the zero value if no alert has ever fired for it.
func (s *Store) LoadAlertState(ctx context.Context, marketID int64) (types.AlertState, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT market_id, last_alert_at, last_alert_hash FROM alerts WHERE market_id = ?
	`, marketID)

	var st types.AlertState
	err := row.Scan(&st.MarketID, &st.LastAlertAt, &st.LastAlertHash)
	if err == sql.ErrNoRows {
		return types.AlertState{MarketID: marketID}, nil
	}
	if err != nil {
		return types.AlertState{}, fmt.Errorf("load alert state %d: %w", marketID, err)
	}
	return st, nil
}

// SaveAlertState persists alert state, creating the row on first write.
func (s *Store) SaveAlertState(ctx context.Context, st types.AlertState) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO alerts (market_id, last_alert_at, last_alert_hash)
		VALUES (?, ?, ?)
		ON CONFLICT(market_id) DO UPDATE SET
			last_alert_at=excluded.last_alert_at,
			last_alert_hash=excluded.last_alert_hash
	`, st.MarketID, st.LastAlertAt, st.LastAlertHash)
	if err != nil {
		return fmt.Errorf("save alert state %d: %w", st.MarketID, err)
	}
	return nil
}
