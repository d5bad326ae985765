package store

// schema is applied with CREATE TABLE IF NOT EXISTS on every Open, mirroring
// the embedded-schema-string approach used for this corpus's sqlite
// migration tooling rather than a separate migration-file runner — there is
// exactly one version of this schema and no migration history to track.
const schema = `
CREATE TABLE IF NOT EXISTS streams (
	market_id         INTEGER PRIMARY KEY,
	yes_token_id      TEXT NOT NULL,
	title             TEXT NOT NULL,
	parent_market_id  INTEGER,
	topic_id          TEXT NOT NULL,
	market_type       INTEGER NOT NULL,
	chain_id          INTEGER,
	cutoff_at         INTEGER,
	updated_at        INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS raw_ticks (
	id           INTEGER PRIMARY KEY AUTOINCREMENT,
	market_id    INTEGER NOT NULL,
	ts           INTEGER NOT NULL,
	yes_price    REAL NOT NULL,
	volume       REAL NOT NULL,
	delta_volume REAL NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_raw_ticks_market_ts ON raw_ticks(market_id, ts DESC);

CREATE TABLE IF NOT EXISTS filtered_ticks (
	id           INTEGER PRIMARY KEY AUTOINCREMENT,
	market_id    INTEGER NOT NULL,
	ts           INTEGER NOT NULL,
	yes_price    REAL NOT NULL,
	volume       REAL NOT NULL,
	delta_volume REAL NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_filtered_ticks_market_ts ON filtered_ticks(market_id, ts DESC);

CREATE TABLE IF NOT EXISTS ewma_state (
	market_id   INTEGER PRIMARY KEY,
	price_mean  REAL NOT NULL,
	price_var   REAL NOT NULL,
	volume_mean REAL NOT NULL,
	volume_var  REAL NOT NULL,
	last_price  REAL NOT NULL,
	tick_count  INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS alerts (
	market_id        INTEGER PRIMARY KEY,
	last_alert_at    INTEGER,
	last_alert_hash  TEXT
);
`
