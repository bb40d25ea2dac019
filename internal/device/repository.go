package device

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Repository persists the known device list so a restarted host still
// knows which hardware it has seen.
type Repository interface {
	// List returns all devices, oldest first.
	List(ctx context.Context) ([]Device, error)

	// Upsert inserts a device or replaces its mutable fields.
	Upsert(ctx context.Context, d *Device) error

	// UpdateProperties stores the latest property snapshot.
	// Returns ErrDeviceNotFound if the device does not exist.
	UpdateProperties(ctx context.Context, id string, props map[string]any, lastSeen time.Time) error
}

// SQLiteRepository implements Repository using SQLite.
type SQLiteRepository struct {
	db *sql.DB
}

// NewSQLiteRepository creates a new SQLite-backed repository.
func NewSQLiteRepository(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

// List returns all devices, oldest first.
func (r *SQLiteRepository) List(ctx context.Context) ([]Device, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, name, type, properties, last_seen, created_at
		FROM devices
		ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("querying devices: %w", err)
	}
	defer rows.Close()

	var devices []Device
	for rows.Next() {
		var (
			d         Device
			propsJSON string
			lastSeen  sql.NullString
			createdAt string
		)
		if err := rows.Scan(&d.ID, &d.Name, &d.Type, &propsJSON, &lastSeen, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning device: %w", err)
		}
		if err := json.Unmarshal([]byte(propsJSON), &d.Properties); err != nil {
			return nil, fmt.Errorf("unmarshalling properties for %s: %w", d.ID, err)
		}
		if lastSeen.Valid {
			d.LastSeen, _ = time.Parse(time.RFC3339Nano, lastSeen.String) //nolint:errcheck // Format is controlled
		}
		d.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt) //nolint:errcheck // Format is controlled
		devices = append(devices, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating devices: %w", err)
	}
	return devices, nil
}

// Upsert inserts a device or replaces its mutable fields.
func (r *SQLiteRepository) Upsert(ctx context.Context, d *Device) error {
	props, err := marshalProperties(d.Properties)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	createdAt := d.CreatedAt
	if createdAt.IsZero() {
		createdAt = now
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO devices (id, name, type, properties, last_seen, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			type = excluded.type,
			properties = excluded.properties,
			last_seen = excluded.last_seen,
			updated_at = excluded.updated_at`,
		d.ID, d.Name, d.Type, props, formatTime(d.LastSeen),
		createdAt.Format(time.RFC3339Nano), now.Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("upserting device %s: %w", d.ID, err)
	}
	return nil
}

// UpdateProperties stores the latest property snapshot.
func (r *SQLiteRepository) UpdateProperties(ctx context.Context, id string, props map[string]any, lastSeen time.Time) error {
	data, err := marshalProperties(props)
	if err != nil {
		return err
	}

	res, err := r.db.ExecContext(ctx, `
		UPDATE devices SET properties = ?, last_seen = ?, updated_at = ?
		WHERE id = ?`,
		data, formatTime(lastSeen), time.Now().UTC().Format(time.RFC3339Nano), id,
	)
	if err != nil {
		return fmt.Errorf("updating properties for %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if n == 0 {
		return ErrDeviceNotFound
	}
	return nil
}

func marshalProperties(props map[string]any) (string, error) {
	if props == nil {
		return "{}", nil
	}
	data, err := json.Marshal(props)
	if err != nil {
		return "", fmt.Errorf("marshalling properties: %w", err)
	}
	return string(data), nil
}

func formatTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UTC().Format(time.RFC3339Nano)
}
