package sqlstore

import (
	"context"
	"database/sql"
	"time"

	"github.com/loykin/roomwatch/internal/store"
)

func (s *DB) RecordEvent(ctx context.Context, e store.EventRecord) error {
	var sid any
	if e.SessionID != "" {
		sid = e.SessionID
	}
	_, err := s.db.ExecContext(ctx, s.q(`
		INSERT INTO event(room_id, session_id, type, ts, payload)
		VALUES(?, ?, ?, ?, ?);`),
		e.RoomID, sid, e.Type, toMS(e.Timestamp), e.Payload)
	return err
}

func (s *DB) CountUntaggedEvents(ctx context.Context, roomID string, since time.Time) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, s.q(`
		SELECT COUNT(*) FROM event
		WHERE room_id=? AND session_id IS NULL AND ts >= ?;`), roomID, toMS(since)).Scan(&n)
	return n, err
}

func (s *DB) UntaggedEventTimes(ctx context.Context, roomID string) ([]time.Time, error) {
	rows, err := s.db.QueryContext(ctx, s.q(`
		SELECT ts FROM event
		WHERE room_id=? AND session_id IS NULL
		ORDER BY ts ASC;`), roomID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	out := make([]time.Time, 0)
	for rows.Next() {
		var ts int64
		if err := rows.Scan(&ts); err != nil {
			return nil, err
		}
		out = append(out, fromMS(ts))
	}
	return out, rows.Err()
}

func (s *DB) TagEventsWithSession(ctx context.Context, roomID, sessionID string, since time.Time) (int64, error) {
	return s.tagWindow(ctx, s.db, roomID, sessionID, store.Window{From: since})
}

func (s *DB) tagWindow(ctx context.Context, ex execer, roomID, sessionID string, w store.Window) (int64, error) {
	query := `UPDATE event SET session_id=? WHERE room_id=? AND session_id IS NULL`
	args := []any{sessionID, roomID}
	if !w.From.IsZero() {
		query += ` AND ts >= ?`
		args = append(args, toMS(w.From))
	}
	if !w.Until.IsZero() {
		query += ` AND ts <= ?`
		args = append(args, toMS(w.Until))
	}
	res, err := ex.ExecContext(ctx, s.q(query+`;`), args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *DB) RoomsWithUntaggedEvents(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT room_id FROM event
		WHERE session_id IS NULL
		ORDER BY room_id;`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	out := make([]string, 0)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func (s *DB) ListEvents(ctx context.Context, roomID string) ([]store.EventRecord, error) {
	rows, err := s.db.QueryContext(ctx, s.q(`
		SELECT id, room_id, session_id, type, ts, payload FROM event
		WHERE room_id=?
		ORDER BY ts ASC, id ASC;`), roomID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	out := make([]store.EventRecord, 0)
	for rows.Next() {
		var (
			e   store.EventRecord
			sid sql.NullString
			ts  int64
		)
		if err := rows.Scan(&e.ID, &e.RoomID, &sid, &e.Type, &ts, &e.Payload); err != nil {
			return nil, err
		}
		e.SessionID = sid.String
		e.Timestamp = fromMS(ts)
		out = append(out, e)
	}
	return out, rows.Err()
}
