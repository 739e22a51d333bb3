package sqlstore

import (
	"context"
	"time"

	"github.com/loykin/roomwatch/internal/store"
)

func (s *DB) UpsertRoom(ctx context.Context, r store.Room) error {
	if r.UpdatedAt.IsZero() {
		r.UpdatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, s.q(`
		INSERT INTO room(room_id, display_name, monitoring_enabled, numeric_room_id, updated_at)
		VALUES(?, ?, ?, ?, ?)
		ON CONFLICT(room_id) DO UPDATE SET
			display_name=excluded.display_name,
			monitoring_enabled=excluded.monitoring_enabled,
			updated_at=excluded.updated_at;`),
		r.RoomID, r.DisplayName, r.MonitoringEnabled, r.NumericRoomID, toMS(r.UpdatedAt))
	return err
}

func (s *DB) GetRoom(ctx context.Context, roomID string) (store.Room, error) {
	var (
		r       store.Room
		updated int64
	)
	err := s.db.QueryRowContext(ctx, s.q(`
		SELECT room_id, display_name, monitoring_enabled, numeric_room_id, updated_at
		FROM room WHERE room_id=?;`), roomID).
		Scan(&r.RoomID, &r.DisplayName, &r.MonitoringEnabled, &r.NumericRoomID, &updated)
	if err != nil {
		return store.Room{}, notFound(err)
	}
	r.UpdatedAt = fromMS(updated)
	return r, nil
}

func (s *DB) ListMonitoredRooms(ctx context.Context) ([]store.Room, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT room_id, display_name, monitoring_enabled, numeric_room_id, updated_at
		FROM room
		WHERE display_name <> ''
		ORDER BY monitoring_enabled DESC, updated_at DESC;`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	out := make([]store.Room, 0)
	for rows.Next() {
		var (
			r       store.Room
			updated int64
		)
		if err := rows.Scan(&r.RoomID, &r.DisplayName, &r.MonitoringEnabled, &r.NumericRoomID, &updated); err != nil {
			return nil, err
		}
		r.UpdatedAt = fromMS(updated)
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *DB) SetMonitoringEnabled(ctx context.Context, roomID string, enabled bool) error {
	res, err := s.db.ExecContext(ctx, s.q(`UPDATE room SET monitoring_enabled=?, updated_at=? WHERE room_id=?;`),
		enabled, toMS(time.Now()), roomID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.ErrNotFound
	}
	return nil
}

// SetCachedNumericRoomID does not bump updated_at so the monitor ordering
// only reflects configuration changes.
func (s *DB) SetCachedNumericRoomID(ctx context.Context, roomID, numericID string) error {
	_, err := s.db.ExecContext(ctx, s.q(`UPDATE room SET numeric_room_id=? WHERE room_id=?;`), numericID, roomID)
	return err
}
