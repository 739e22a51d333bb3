package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/loykin/roomwatch/internal/store"
)

func metadataText(m json.RawMessage) string {
	if len(m) == 0 {
		return "{}"
	}
	return string(m)
}

func (s *DB) CreateSession(ctx context.Context, sess store.Session) error {
	return s.insertSession(ctx, s.db, sess)
}

func (s *DB) insertSession(ctx context.Context, ex execer, sess store.Session) error {
	if sess.CreatedAt.IsZero() {
		sess.CreatedAt = time.Now()
	}
	res, err := ex.ExecContext(ctx, s.q(`
		INSERT INTO session(session_id, room_id, created_at, range_start, range_end, event_count, metadata)
		VALUES(?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(session_id) DO NOTHING;`),
		sess.SessionID, sess.RoomID, toMS(sess.CreatedAt), toMS(sess.RangeStart), toMS(sess.RangeEnd),
		sess.EventCount, metadataText(sess.Metadata))
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.ErrSessionExists
	}
	return nil
}

func (s *DB) ArchiveWindow(ctx context.Context, sess store.Session, w store.Window) (int64, error) {
	var tagged int64
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if err := s.insertSession(ctx, tx, sess); err != nil {
			return err
		}
		n, err := s.tagWindow(ctx, tx, sess.RoomID, sess.SessionID, w)
		if err != nil {
			return err
		}
		if n == 0 {
			return errNothingTagged
		}
		tagged = n
		return s.refreshRange(ctx, tx, sess.SessionID)
	})
	if errors.Is(err, errNothingTagged) {
		return 0, nil
	}
	return tagged, err
}

type sentinel string

func (e sentinel) Error() string { return string(e) }

const errNothingTagged = sentinel("nothing to tag")

func (s *DB) SessionExists(ctx context.Context, sessionID string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, s.q(`SELECT COUNT(*) FROM session WHERE session_id=?;`), sessionID).Scan(&n)
	return n > 0, err
}

const sessionCols = `session_id, room_id, created_at, range_start, range_end, event_count, metadata`

func scanSession(sc interface{ Scan(...any) error }) (store.Session, error) {
	var (
		sess                store.Session
		created, start, end int64
		meta                string
	)
	if err := sc.Scan(&sess.SessionID, &sess.RoomID, &created, &start, &end, &sess.EventCount, &meta); err != nil {
		return store.Session{}, err
	}
	sess.CreatedAt = fromMS(created)
	sess.RangeStart = fromMS(start)
	sess.RangeEnd = fromMS(end)
	sess.Metadata = json.RawMessage(meta)
	return sess, nil
}

func (s *DB) GetSession(ctx context.Context, sessionID string) (store.Session, error) {
	row := s.db.QueryRowContext(ctx, s.q(`SELECT `+sessionCols+` FROM session WHERE session_id=?;`), sessionID)
	sess, err := scanSession(row)
	if err != nil {
		return store.Session{}, notFound(err)
	}
	return sess, nil
}

func (s *DB) ListSessions(ctx context.Context, roomID string, limit int) ([]store.Session, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, s.q(`
		SELECT `+sessionCols+` FROM session
		WHERE room_id=?
		ORDER BY range_start DESC
		LIMIT ?;`), roomID, limit)
	if err != nil {
		return nil, err
	}
	return collectSessions(rows)
}

func (s *DB) ListSessionsSince(ctx context.Context, since time.Time) ([]store.Session, error) {
	rows, err := s.db.QueryContext(ctx, s.q(`
		SELECT `+sessionCols+` FROM session
		WHERE range_end >= ?
		ORDER BY room_id ASC, range_start ASC;`), toMS(since))
	if err != nil {
		return nil, err
	}
	return collectSessions(rows)
}

func collectSessions(rows *sql.Rows) ([]store.Session, error) {
	defer func() { _ = rows.Close() }()
	out := make([]store.Session, 0)
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

func (s *DB) RefreshSessionRange(ctx context.Context, sessionID string) error {
	return s.refreshRange(ctx, s.db, sessionID)
}

func (s *DB) refreshRange(ctx context.Context, ex execer, sessionID string) error {
	_, err := ex.ExecContext(ctx, s.q(`
		UPDATE session SET
			range_start=COALESCE((SELECT MIN(ts) FROM event WHERE session_id=?), range_start),
			range_end=COALESCE((SELECT MAX(ts) FROM event WHERE session_id=?), range_end),
			event_count=(SELECT COUNT(*) FROM event WHERE session_id=?)
		WHERE session_id=?;`), sessionID, sessionID, sessionID, sessionID)
	return err
}

func (s *DB) MergeSessions(ctx context.Context, into, from string) (int64, error) {
	var moved int64
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, s.q(`UPDATE event SET session_id=? WHERE session_id=?;`), into, from)
		if err != nil {
			return err
		}
		moved, _ = res.RowsAffected()
		if _, err := tx.ExecContext(ctx, s.q(`DELETE FROM session WHERE session_id=?;`), from); err != nil {
			return err
		}
		return s.refreshRange(ctx, tx, into)
	})
	return moved, err
}

func (s *DB) DeleteEmptySessions(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM session
		WHERE NOT EXISTS (SELECT 1 FROM event WHERE event.session_id = session.session_id);`)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
