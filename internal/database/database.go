package database

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"time"

	_ "modernc.org/sqlite"
)

// Database handles SQLite database operations
type Database struct {
	db *sql.DB
}

// ChannelRecord represents a channel stored in the database
type ChannelRecord struct {
	Name        string
	Source      string
	Endpoint    string
	Rotation    string
	Orientation string
	Processor   string
	Model       string
	Status      string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// WebhookEventRecord is one delivery attempt of a recognition result.
type WebhookEventRecord struct {
	ID        string
	Channel   string
	Lot       string
	Expiry    string
	AllText   string
	Mime      string
	ImagePath string
	Delivered bool
	CreatedAt time.Time
}

// AppLogRecord is a coded application log line.
type AppLogRecord struct {
	ID        int64
	Code      int
	Level     string
	Message   string
	CreatedAt time.Time
}

// New creates a new database connection
func New(dbPath string) (*Database, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// WAL lets the HTTP readers run while workers append events
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}

	return &Database{db: db}, nil
}

// Close closes the database connection
func (d *Database) Close() error {
	return d.db.Close()
}

// Migrate runs database migrations
func (d *Database) Migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS channels (
			name TEXT PRIMARY KEY,
			source TEXT NOT NULL,
			endpoint TEXT NOT NULL,
			rotation TEXT NOT NULL DEFAULT 'NONE',
			orientation TEXT NOT NULL DEFAULT 'PORTRAIT',
			processor TEXT NOT NULL DEFAULT 'ANY',
			model TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'registered',
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS webhook_events (
			id TEXT PRIMARY KEY,
			channel TEXT NOT NULL,
			lot TEXT,
			expiry TEXT,
			all_text TEXT,
			mime TEXT,
			image_path TEXT,
			delivered INTEGER DEFAULT 0,
			created_at DATETIME NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS app_logs (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			log_code INTEGER NOT NULL,
			level TEXT NOT NULL,
			message TEXT NOT NULL,
			created_at DATETIME NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_webhook_events_channel_time ON webhook_events(channel, created_at DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_app_logs_time ON app_logs(created_at DESC)`,
	}

	for _, migration := range migrations {
		if _, err := d.db.Exec(migration); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}

	log.Println("[Database] migrations completed")
	return nil
}

// SaveChannel saves or updates a channel
func (d *Database) SaveChannel(ch *ChannelRecord) error {
	query := `INSERT INTO channels (name, source, endpoint, rotation, orientation, processor, model, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			source = excluded.source,
			endpoint = excluded.endpoint,
			rotation = excluded.rotation,
			orientation = excluded.orientation,
			processor = excluded.processor,
			model = excluded.model,
			status = excluded.status,
			updated_at = excluded.updated_at`

	now := time.Now().UTC()
	if ch.CreatedAt.IsZero() {
		ch.CreatedAt = now
	}
	_, err := d.db.Exec(query, ch.Name, ch.Source, ch.Endpoint, ch.Rotation, ch.Orientation,
		ch.Processor, ch.Model, ch.Status, ch.CreatedAt, now)
	if err != nil {
		return fmt.Errorf("failed to save channel: %w", err)
	}
	return nil
}

// GetChannel retrieves a channel by name
func (d *Database) GetChannel(name string) (*ChannelRecord, error) {
	query := `SELECT name, source, endpoint, rotation, orientation, processor, model, status, created_at, updated_at
		FROM channels WHERE name = ?`

	var ch ChannelRecord
	err := d.db.QueryRow(query, name).Scan(&ch.Name, &ch.Source, &ch.Endpoint, &ch.Rotation,
		&ch.Orientation, &ch.Processor, &ch.Model, &ch.Status, &ch.CreatedAt, &ch.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get channel: %w", err)
	}
	return &ch, nil
}

// ListChannels returns all channels
func (d *Database) ListChannels() ([]*ChannelRecord, error) {
	query := `SELECT name, source, endpoint, rotation, orientation, processor, model, status, created_at, updated_at
		FROM channels ORDER BY created_at ASC`

	rows, err := d.db.Query(query)
	if err != nil {
		return nil, fmt.Errorf("failed to list channels: %w", err)
	}
	defer rows.Close()

	var channels []*ChannelRecord
	for rows.Next() {
		var ch ChannelRecord
		if err := rows.Scan(&ch.Name, &ch.Source, &ch.Endpoint, &ch.Rotation, &ch.Orientation,
			&ch.Processor, &ch.Model, &ch.Status, &ch.CreatedAt, &ch.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan channel: %w", err)
		}
		channels = append(channels, &ch)
	}
	return channels, rows.Err()
}

// DeleteChannel deletes a channel by name
func (d *Database) DeleteChannel(name string) error {
	_, err := d.db.Exec("DELETE FROM channels WHERE name = ?", name)
	if err != nil {
		return fmt.Errorf("failed to delete channel: %w", err)
	}
	return nil
}

// UpdateChannelStatus updates only the status of a channel
func (d *Database) UpdateChannelStatus(name, status string) error {
	_, err := d.db.Exec("UPDATE channels SET status = ?, updated_at = ? WHERE name = ?",
		status, time.Now().UTC(), name)
	if err != nil {
		return fmt.Errorf("failed to update channel status: %w", err)
	}
	return nil
}

// SaveWebhookEvent records a delivery attempt
func (d *Database) SaveWebhookEvent(event *WebhookEventRecord) error {
	delivered := 0
	if event.Delivered {
		delivered = 1
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now().UTC()
	}

	query := `INSERT INTO webhook_events (id, channel, lot, expiry, all_text, mime, image_path, delivered, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := d.db.Exec(query, event.ID, event.Channel, event.Lot, event.Expiry, event.AllText,
		event.Mime, event.ImagePath, delivered, event.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to save webhook event: %w", err)
	}
	return nil
}

// ListWebhookEvents returns the newest events first, optionally for one channel
func (d *Database) ListWebhookEvents(channel string, limit int) ([]*WebhookEventRecord, error) {
	query := `SELECT id, channel, lot, expiry, all_text, mime, image_path, delivered, created_at
		FROM webhook_events WHERE 1=1`
	args := []interface{}{}

	if channel != "" {
		query += " AND channel = ?"
		args = append(args, channel)
	}

	query += " ORDER BY created_at DESC"

	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := d.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list webhook events: %w", err)
	}
	defer rows.Close()

	var events []*WebhookEventRecord
	for rows.Next() {
		var event WebhookEventRecord
		var delivered int
		var lot, expiry, allText, mime, imagePath sql.NullString

		if err := rows.Scan(&event.ID, &event.Channel, &lot, &expiry, &allText, &mime,
			&imagePath, &delivered, &event.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan webhook event: %w", err)
		}

		event.Lot = lot.String
		event.Expiry = expiry.String
		event.AllText = allText.String
		event.Mime = mime.String
		event.ImagePath = imagePath.String
		event.Delivered = delivered == 1
		events = append(events, &event)
	}
	return events, rows.Err()
}

// DeleteOldWebhookEvents deletes events older than the specified time
func (d *Database) DeleteOldWebhookEvents(before time.Time) (int64, error) {
	result, err := d.db.Exec("DELETE FROM webhook_events WHERE created_at < ?", before)
	if err != nil {
		return 0, fmt.Errorf("failed to delete old webhook events: %w", err)
	}
	return result.RowsAffected()
}

// SaveAppLog appends a coded log line
func (d *Database) SaveAppLog(entry *AppLogRecord) error {
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}

	res, err := d.db.Exec(`INSERT INTO app_logs (log_code, level, message, created_at) VALUES (?, ?, ?, ?)`,
		entry.Code, entry.Level, entry.Message, entry.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to save app log: %w", err)
	}
	if id, err := res.LastInsertId(); err == nil {
		entry.ID = id
	}
	return nil
}

// ListAppLogs returns the newest log lines first
func (d *Database) ListAppLogs(limit int) ([]*AppLogRecord, error) {
	if limit <= 0 {
		limit = 100
	}

	rows, err := d.db.Query(`SELECT id, log_code, level, message, created_at FROM app_logs
		ORDER BY created_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list app logs: %w", err)
	}
	defer rows.Close()

	var entries []*AppLogRecord
	for rows.Next() {
		var e AppLogRecord
		if err := rows.Scan(&e.ID, &e.Code, &e.Level, &e.Message, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan app log: %w", err)
		}
		entries = append(entries, &e)
	}
	return entries, rows.Err()
}

// Ping verifies the database is reachable
func (d *Database) Ping(ctx context.Context) error {
	return d.db.PingContext(ctx)
}
