// Package savegame persists registry snapshots in named save slots backed
// by SQLite.
package savegame

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.opentelemetry.io/otel/attribute"

	"github.com/signalsfoundry/sourcenet-core/internal/logging"
	"github.com/signalsfoundry/sourcenet-core/internal/observability"
	"github.com/signalsfoundry/sourcenet-core/internal/registry"
	"github.com/signalsfoundry/sourcenet-core/model"
)

var (
	// ErrInvalidSlot is returned for an empty slot name.
	ErrInvalidSlot = errors.New("invalid save slot name")
	// ErrSlotNotFound is returned when no slot has the requested name.
	ErrSlotNotFound = errors.New("save slot not found")
	// ErrCorruptSlot means the stored snapshot could not be decoded. The
	// accompanying Slot carries an empty snapshot.
	ErrCorruptSlot = errors.New("save slot is corrupt")
)

// SlotInfo describes a save slot without its payload.
type SlotInfo struct {
	Name        string
	SavedAt     time.Time
	GameTime    time.Time
	Networks    int
	Devices     int
	FileSystems int
}

// Slot is a loaded save.
type Slot struct {
	SlotInfo
	Snapshot model.Snapshot
}

// Option customises a Store.
type Option func(*Store)

// WithLogger attaches a structured logger.
func WithLogger(l logging.Logger) Option {
	return func(s *Store) { s.log = logging.OrNoop(l) }
}

// WithClock overrides the wall clock used for SavedAt.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// Store is a SQLite-backed collection of save slots.
type Store struct {
	db  *sql.DB
	log logging.Logger
	now func() time.Time
}

// Open opens (creating if needed) the save database at path.
func Open(path string, opts ...Option) (*Store, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open save database: %w", err)
	}
	// SQLite only supports one writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &Store{db: db, log: logging.Noop(), now: time.Now}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	if err := s.createTables(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create save tables: %w", err)
	}
	return s, nil
}

func (s *Store) createTables() error {
	schema := `
	CREATE TABLE IF NOT EXISTS save_slots (
		name TEXT PRIMARY KEY,
		saved_at TEXT NOT NULL,
		game_time TEXT NOT NULL,
		networks INTEGER NOT NULL,
		devices INTEGER NOT NULL,
		file_systems INTEGER NOT NULL,
		snapshot TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_save_slots_saved_at ON save_slots(saved_at);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// Save writes snap into the named slot, replacing any previous save.
func (s *Store) Save(ctx context.Context, name string, gameTime time.Time, snap model.Snapshot) error {
	ctx, span := observability.StartSpan(ctx, "savegame.Save", "save_slot", name)
	defer span.End()

	name = strings.TrimSpace(name)
	if name == "" {
		return ErrInvalidSlot
	}
	data, err := registry.EncodeSnapshot(snap)
	if err != nil {
		return fmt.Errorf("encode slot %s: %w", name, err)
	}

	query := `
	INSERT OR REPLACE INTO save_slots (name, saved_at, game_time, networks, devices, file_systems, snapshot)
	VALUES (?, ?, ?, ?, ?, ?, ?)
	`
	_, err = s.db.ExecContext(ctx, query,
		name,
		s.now().UTC().Format(time.RFC3339Nano),
		gameTime.UTC().Format(time.RFC3339Nano),
		len(snap.Networks),
		len(snap.Devices),
		len(snap.FileSystems),
		string(data),
	)
	if err != nil {
		return fmt.Errorf("write slot %s: %w", name, err)
	}
	span.SetAttributes(attribute.Int("bytes", len(data)))
	s.log.Info(ctx, "game saved",
		logging.String("slot", name),
		logging.Int("networks", len(snap.Networks)),
		logging.Int("devices", len(snap.Devices)),
		logging.Int("file_systems", len(snap.FileSystems)),
	)
	return nil
}

// Load reads a slot. A slot whose snapshot cannot be decoded is returned
// with an empty snapshot and an error wrapping ErrCorruptSlot.
func (s *Store) Load(ctx context.Context, name string) (Slot, error) {
	ctx, span := observability.StartSpan(ctx, "savegame.Load", "save_slot", name)
	defer span.End()

	query := `SELECT name, saved_at, game_time, networks, devices, file_systems, snapshot FROM save_slots WHERE name = ?`
	row := s.db.QueryRowContext(ctx, query, strings.TrimSpace(name))

	var (
		slot            Slot
		savedAt, gameAt string
		payload         string
	)
	err := row.Scan(
		&slot.Name,
		&savedAt,
		&gameAt,
		&slot.Networks,
		&slot.Devices,
		&slot.FileSystems,
		&payload,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return Slot{}, fmt.Errorf("%w: %s", ErrSlotNotFound, name)
	}
	if err != nil {
		return Slot{}, fmt.Errorf("read slot %s: %w", name, err)
	}
	slot.SavedAt = parseTime(savedAt)
	slot.GameTime = parseTime(gameAt)

	snap, err := registry.DecodeSnapshot([]byte(payload))
	slot.Snapshot = snap
	if err != nil {
		s.log.Warn(ctx, "save slot is corrupt; loading empty world",
			logging.String("slot", slot.Name),
			logging.Err(err),
		)
		return slot, fmt.Errorf("%w: %s: %v", ErrCorruptSlot, slot.Name, err)
	}
	return slot, nil
}

// Restore loads the named slot into reg, replacing its contents. A corrupt
// slot clears reg and still reports the ErrCorruptSlot error.
func (s *Store) Restore(ctx context.Context, reg *registry.Registry, name string) (Slot, error) {
	slot, err := s.Load(ctx, name)
	if err != nil && !errors.Is(err, ErrCorruptSlot) {
		return Slot{}, err
	}
	if skipped := reg.LoadSnapshot(ctx, slot.Snapshot); skipped > 0 {
		s.log.Warn(ctx, "skipped invalid records while restoring",
			logging.String("slot", slot.Name),
			logging.Int("skipped", skipped),
		)
	}
	return slot, err
}

// List returns every slot, most recently saved first.
func (s *Store) List(ctx context.Context) ([]SlotInfo, error) {
	query := `SELECT name, saved_at, game_time, networks, devices, file_systems FROM save_slots ORDER BY saved_at DESC, name`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list slots: %w", err)
	}
	defer rows.Close()

	var slots []SlotInfo
	for rows.Next() {
		var (
			info            SlotInfo
			savedAt, gameAt string
		)
		if err := rows.Scan(&info.Name, &savedAt, &gameAt, &info.Networks, &info.Devices, &info.FileSystems); err != nil {
			return nil, fmt.Errorf("scan slot: %w", err)
		}
		info.SavedAt = parseTime(savedAt)
		info.GameTime = parseTime(gameAt)
		slots = append(slots, info)
	}
	return slots, rows.Err()
}

// Delete removes a slot. It reports whether the slot existed.
func (s *Store) Delete(ctx context.Context, name string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM save_slots WHERE name = ?`, strings.TrimSpace(name))
	if err != nil {
		return false, fmt.Errorf("delete slot %s: %w", name, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n > 0 {
		s.log.Info(ctx, "save slot deleted", logging.String("slot", name))
	}
	return n > 0, nil
}

func parseTime(raw string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}
	}
	return t
}
