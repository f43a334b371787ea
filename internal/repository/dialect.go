package repository

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Dialect adapts the shared queries to a SQL driver.
type Dialect struct {
	Name    string
	Driver  string
	numeric bool
	schema  []string
}

var Postgres = Dialect{
	Name:    "postgres",
	Driver:  "postgres",
	numeric: true,
	schema: []string{
		`CREATE TABLE IF NOT EXISTS payments (
			id VARCHAR(64) PRIMARY KEY,
			order_id VARCHAR(255) NOT NULL,
			store_id VARCHAR(255) NOT NULL DEFAULT '',
			customer_id VARCHAR(255) NOT NULL,
			amount NUMERIC NOT NULL,
			currency VARCHAR(8) NOT NULL,
			payment_method VARCHAR(64) NOT NULL DEFAULT '',
			payment_type VARCHAR(32) NOT NULL,
			rate INTEGER,
			remaining_amount NUMERIC,
			held_amount NUMERIC,
			held_until TIMESTAMPTZ,
			hold_reason TEXT NOT NULL DEFAULT '',
			release_conditions TEXT NOT NULL DEFAULT '',
			status VARCHAR(32) NOT NULL,
			provider_code VARCHAR(64) NOT NULL,
			provider_payment_id VARCHAR(255),
			provider_transaction_id VARCHAR(255) NOT NULL DEFAULT '',
			redirect_url TEXT NOT NULL DEFAULT '',
			refunded_amount NUMERIC NOT NULL DEFAULT 0,
			pending_refund NUMERIC,
			dispute TEXT NOT NULL DEFAULT '',
			released_by VARCHAR(255) NOT NULL DEFAULT '',
			failure_reason TEXT NOT NULL DEFAULT '',
			metadata TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL,
			released_at TIMESTAMPTZ,
			resolved_at TIMESTAMPTZ,
			version BIGINT NOT NULL DEFAULT 0
		)`,
		`ALTER TABLE payments ADD COLUMN IF NOT EXISTS pending_refund NUMERIC`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_payments_provider_ref ON payments(provider_code, provider_payment_id)`,
		`CREATE INDEX IF NOT EXISTS idx_payments_held_until ON payments(held_until) WHERE status = 'held'`,
		`CREATE INDEX IF NOT EXISTS idx_payments_status ON payments(status)`,
		`CREATE TABLE IF NOT EXISTS payment_transitions (
			id VARCHAR(64) PRIMARY KEY,
			payment_id VARCHAR(64) NOT NULL REFERENCES payments(id),
			from_status VARCHAR(32) NOT NULL,
			to_status VARCHAR(32) NOT NULL,
			actor VARCHAR(255) NOT NULL DEFAULT '',
			version BIGINT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_payment_transitions_payment ON payment_transitions(payment_id, version)`,
		`CREATE TABLE IF NOT EXISTS webhook_events (
			id VARCHAR(64) PRIMARY KEY,
			provider_code VARCHAR(64) NOT NULL,
			event_id VARCHAR(255) NOT NULL,
			event_type VARCHAR(128) NOT NULL,
			payload TEXT NOT NULL,
			received_at TIMESTAMPTZ NOT NULL,
			processed_at TIMESTAMPTZ,
			process_error TEXT NOT NULL DEFAULT '',
			UNIQUE (provider_code, event_id)
		)`,
	},
}

// SQLite stores decimals as TEXT and timestamps as fixed-width UTC strings so
// that held_until range scans compare lexically.
var SQLite = Dialect{
	Name:   "sqlite",
	Driver: "sqlite",
	schema: []string{
		`CREATE TABLE IF NOT EXISTS payments (
			id TEXT PRIMARY KEY,
			order_id TEXT NOT NULL,
			store_id TEXT NOT NULL DEFAULT '',
			customer_id TEXT NOT NULL,
			amount TEXT NOT NULL,
			currency TEXT NOT NULL,
			payment_method TEXT NOT NULL DEFAULT '',
			payment_type TEXT NOT NULL,
			rate INTEGER,
			remaining_amount TEXT,
			held_amount TEXT,
			held_until TEXT,
			hold_reason TEXT NOT NULL DEFAULT '',
			release_conditions TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			provider_code TEXT NOT NULL,
			provider_payment_id TEXT,
			provider_transaction_id TEXT NOT NULL DEFAULT '',
			redirect_url TEXT NOT NULL DEFAULT '',
			refunded_amount TEXT NOT NULL DEFAULT '0',
			pending_refund TEXT,
			dispute TEXT NOT NULL DEFAULT '',
			released_by TEXT NOT NULL DEFAULT '',
			failure_reason TEXT NOT NULL DEFAULT '',
			metadata TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			released_at TEXT,
			resolved_at TEXT,
			version INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_payments_provider_ref ON payments(provider_code, provider_payment_id)`,
		`CREATE INDEX IF NOT EXISTS idx_payments_held_until ON payments(held_until) WHERE status = 'held'`,
		`CREATE INDEX IF NOT EXISTS idx_payments_status ON payments(status)`,
		`CREATE TABLE IF NOT EXISTS payment_transitions (
			id TEXT PRIMARY KEY,
			payment_id TEXT NOT NULL REFERENCES payments(id),
			from_status TEXT NOT NULL,
			to_status TEXT NOT NULL,
			actor TEXT NOT NULL DEFAULT '',
			version INTEGER NOT NULL,
			created_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_payment_transitions_payment ON payment_transitions(payment_id, version)`,
		`CREATE TABLE IF NOT EXISTS webhook_events (
			id TEXT PRIMARY KEY,
			provider_code TEXT NOT NULL,
			event_id TEXT NOT NULL,
			event_type TEXT NOT NULL,
			payload TEXT NOT NULL,
			received_at TEXT NOT NULL,
			processed_at TEXT,
			process_error TEXT NOT NULL DEFAULT '',
			UNIQUE (provider_code, event_id)
		)`,
	},
}

// DialectFor resolves a configured driver name.
func DialectFor(driver string) (Dialect, error) {
	switch strings.ToLower(driver) {
	case "postgres", "postgresql", "":
		return Postgres, nil
	case "sqlite", "sqlite3":
		return SQLite, nil
	default:
		return Dialect{}, fmt.Errorf("unsupported database driver %q", driver)
	}
}

// rebind rewrites ? placeholders into $n for Postgres.
func (d Dialect) rebind(query string) string {
	if d.Name != "postgres" {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 16)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

const sqliteTimeLayout = "2006-01-02T15:04:05.000000000Z"

func (d Dialect) timeArg(t time.Time) any {
	if d.numeric {
		return t.UTC()
	}
	return t.UTC().Format(sqliteTimeLayout)
}

func (d Dialect) nullTimeArg(t *time.Time) any {
	if t == nil {
		return nil
	}
	return d.timeArg(*t)
}

// dbTime scans timestamps from either driver.
type dbTime struct {
	Time  time.Time
	Valid bool
}

var timeLayouts = []string{
	sqliteTimeLayout,
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999999-07:00",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05",
}

func (t *dbTime) Scan(v any) error {
	switch x := v.(type) {
	case nil:
		t.Time, t.Valid = time.Time{}, false
		return nil
	case time.Time:
		t.Time, t.Valid = x.UTC(), true
		return nil
	case string:
		return t.parse(x)
	case []byte:
		return t.parse(string(x))
	default:
		return fmt.Errorf("cannot scan %T into timestamp", v)
	}
}

func (t *dbTime) parse(s string) error {
	for _, layout := range timeLayouts {
		if parsed, err := time.Parse(layout, s); err == nil {
			t.Time, t.Valid = parsed.UTC(), true
			return nil
		}
	}
	return fmt.Errorf("unrecognised timestamp %q", s)
}

func (t dbTime) ptr() *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}
