// Package store persists manually configured devices in SQLite so
// restarts do not lose user work. Discovery-only devices are never
// written; the next scan recreates them anyway.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/avhub/avhub/internal/bus"
	"github.com/avhub/avhub/internal/devices"
	customerrors "github.com/avhub/avhub/internal/errors"
)

const (
	dirMode = 0o755

	createDevicesTable = `CREATE TABLE IF NOT EXISTS devices (
	domain       TEXT NOT NULL,
	device_id    TEXT NOT NULL,
	name         TEXT NOT NULL DEFAULT '',
	type         TEXT NOT NULL DEFAULT '',
	status       TEXT NOT NULL DEFAULT '',
	source       TEXT NOT NULL DEFAULT '',
	ip           TEXT NOT NULL DEFAULT '',
	port         INTEGER NOT NULL DEFAULT 0,
	protocol     TEXT NOT NULL DEFAULT '',
	username     TEXT NOT NULL DEFAULT '',
	password     TEXT NOT NULL DEFAULT '',
	system_path  TEXT NOT NULL DEFAULT '',
	driver       TEXT NOT NULL DEFAULT '',
	capabilities TEXT NOT NULL DEFAULT '',
	streams      TEXT NOT NULL DEFAULT 'null',
	origins      TEXT NOT NULL DEFAULT 'null',
	created_at   TEXT NOT NULL DEFAULT '',
	updated_at   TEXT NOT NULL DEFAULT '',
	last_seen    TEXT NOT NULL DEFAULT '',
	PRIMARY KEY (domain, device_id)
);`

	upsertDevice = `INSERT INTO devices (
	domain, device_id, name, type, status, source, ip, port, protocol,
	username, password, system_path, driver, capabilities, streams,
	origins, created_at, updated_at, last_seen
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(domain, device_id) DO UPDATE SET
	name=excluded.name, type=excluded.type, status=excluded.status,
	source=excluded.source, ip=excluded.ip, port=excluded.port,
	protocol=excluded.protocol, username=excluded.username,
	password=excluded.password, system_path=excluded.system_path,
	driver=excluded.driver, capabilities=excluded.capabilities,
	streams=excluded.streams, origins=excluded.origins,
	created_at=excluded.created_at, updated_at=excluded.updated_at,
	last_seen=excluded.last_seen;`

	selectDevices = `SELECT device_id, name, type, status, source, ip, port,
	protocol, username, password, system_path, driver, capabilities,
	streams, origins, created_at, updated_at, last_seen
FROM devices WHERE domain = ? ORDER BY device_id;`

	deleteDevice = `DELETE FROM devices WHERE domain = ? AND device_id = ?;`
)

// Store is the SQLite-backed device archive.
type Store struct {
	mu     sync.Mutex
	db     *sql.DB
	closed bool
}

// Open creates the database file and schema as needed.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), dirMode); err != nil {
		return nil, fmt.Errorf("create store dir: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	if err := configure(db); err != nil {
		_ = db.Close()

		return nil, err
	}

	if _, err := db.Exec(createDevicesTable); err != nil {
		_ = db.Close()

		return nil, fmt.Errorf("create devices table: %w", err)
	}

	return &Store{db: db}, nil
}

func configure(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA temp_store=MEMORY;",
		"PRAGMA busy_timeout=5000;",
	}

	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("apply %s: %w", pragma, err)
		}
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	return nil
}

// Save writes one device row. Devices with nothing user-made about
// them are skipped without error.
func (s *Store) Save(ctx context.Context, domain devices.Domain, d *devices.Device) error {
	db, err := s.handle()
	if err != nil {
		return err
	}

	if !persistable(d) {
		return nil
	}

	m := d.FlatSensitive()

	streams, err := json.Marshal(prefixed(m, "stream/"))
	if err != nil {
		return fmt.Errorf("encode streams: %w", err)
	}

	origins, err := json.Marshal(prefixed(m, "origin/"))
	if err != nil {
		return fmt.Errorf("encode origins: %w", err)
	}

	_, err = db.ExecContext(ctx, upsertDevice,
		string(domain), flatString(m, "id"), flatString(m, "name"),
		flatString(m, "type"), flatString(m, "status"), flatString(m, "source"),
		flatString(m, "ip"), flatInt(m, "port"), flatString(m, "protocol"),
		flatString(m, "username"), flatString(m, "password"),
		flatString(m, "system_path"), flatString(m, "driver"),
		flatString(m, "capabilities"), string(streams), string(origins),
		flatString(m, "created_at"), flatString(m, "updated_at"),
		flatString(m, "last_seen"),
	)
	if err != nil {
		return fmt.Errorf("save device %s: %w", d.ID, err)
	}

	return nil
}

// Load returns every stored device of one domain, sorted by ID.
func (s *Store) Load(ctx context.Context, domain devices.Domain) ([]*devices.Device, error) {
	db, err := s.handle()
	if err != nil {
		return nil, err
	}

	rows, err := db.QueryContext(ctx, selectDevices, string(domain))
	if err != nil {
		return nil, fmt.Errorf("load %s devices: %w", domain, err)
	}

	defer func() { _ = rows.Close() }()

	var out []*devices.Device

	for rows.Next() {
		d, scanErr := scanDevice(rows, domain)
		if scanErr != nil {
			return nil, scanErr
		}

		out = append(out, d)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("load %s devices: %w", domain, err)
	}

	return out, nil
}

// Delete forgets one device. Deleting an unknown ID is not an error.
func (s *Store) Delete(ctx context.Context, domain devices.Domain, id string) error {
	db, err := s.handle()
	if err != nil {
		return err
	}

	if _, err := db.ExecContext(ctx, deleteDevice, string(domain), id); err != nil {
		return fmt.Errorf("delete device %s: %w", id, err)
	}

	return nil
}

// Subscribe attaches the store to the bus so every later device event
// is persisted or forgotten as it happens.
func (s *Store) Subscribe(b *bus.Bus) error {
	_, err := b.Subscribe("event/#", s.handleEvent)

	return err
}

// Close releases the database. Further calls fail with ErrStoreClosed.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}

	s.closed = true

	return s.db.Close()
}

func (s *Store) handle() (*sql.DB, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, customerrors.ErrStoreClosed
	}

	return s.db, nil
}

func (s *Store) handleEvent(ctx context.Context, msg bus.Message) error {
	domain, action, id, ok := devices.ParseEventTopic(msg.Topic)
	if !ok {
		return nil
	}

	switch action {
	case devices.ActionAdded, devices.ActionUpdated:
		d, ok := msg.Payload.(*devices.Device)
		if !ok {
			return nil
		}

		return s.Save(ctx, domain, d)
	case devices.ActionRemoved:
		return s.Delete(ctx, domain, id)
	}

	// Status flips are runtime state; reachability is re-proven on
	// every start.
	return nil
}

func persistable(d *devices.Device) bool {
	if d.IsManual() {
		return true
	}

	for _, o := range d.Origins {
		if o == devices.OriginUser {
			return true
		}
	}

	return false
}

func scanDevice(rows *sql.Rows, domain devices.Domain) (*devices.Device, error) {
	var (
		id, name, typ, status, source    string
		ip, protocol, username, password string
		systemPath, driver, caps         string
		streamsJSON, originsJSON         string
		createdAt, updatedAt, lastSeen   string
		port                             int
	)

	err := rows.Scan(&id, &name, &typ, &status, &source, &ip, &port,
		&protocol, &username, &password, &systemPath, &driver, &caps,
		&streamsJSON, &originsJSON, &createdAt, &updatedAt, &lastSeen)
	if err != nil {
		return nil, fmt.Errorf("scan device row: %w", err)
	}

	d := &devices.Device{
		ID:         id,
		Name:       name,
		Type:       devices.DeviceType(typ),
		Domain:     domain,
		Status:     devices.Status(status),
		Source:     source,
		IP:         ip,
		Port:       port,
		Protocol:   protocol,
		Username:   username,
		Password:   password,
		SystemPath: systemPath,
		Driver:     driver,
		CreatedAt:  parseTime(createdAt),
		UpdatedAt:  parseTime(updatedAt),
		LastSeen:   parseTime(lastSeen),
	}

	if caps != "" {
		d.Capabilities = strings.Split(caps, ",")
	}

	if err := json.Unmarshal([]byte(streamsJSON), &d.Streams); err != nil {
		return nil, fmt.Errorf("decode streams of %s: %w", id, err)
	}

	var origins map[string]string
	if err := json.Unmarshal([]byte(originsJSON), &origins); err != nil {
		return nil, fmt.Errorf("decode origins of %s: %w", id, err)
	}

	for f, o := range origins {
		d.SetOrigin(devices.Field(f), devices.Origin(o))
	}

	return d, nil
}

func prefixed(m map[string]any, prefix string) map[string]string {
	var out map[string]string

	for k, v := range m {
		name, found := strings.CutPrefix(k, prefix)
		if !found {
			continue
		}

		s, ok := v.(string)
		if !ok {
			continue
		}

		if out == nil {
			out = map[string]string{}
		}

		out[name] = s
	}

	return out
}

func flatString(m map[string]any, key string) string {
	s, _ := m[key].(string)

	return s
}

func flatInt(m map[string]any, key string) int {
	n, _ := m[key].(int)

	return n
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339, s)

	return t
}
