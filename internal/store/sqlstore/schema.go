package sqlstore

import "context"

func (s *DB) EnsureSchema(ctx context.Context) error {
	idType := "INTEGER PRIMARY KEY AUTOINCREMENT"
	enabledDefault := "1"
	if s.dialect == Postgres {
		idType = "BIGSERIAL PRIMARY KEY"
		enabledDefault = "TRUE"
	}
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS room(
			room_id TEXT PRIMARY KEY,
			display_name TEXT NOT NULL DEFAULT '',
			monitoring_enabled BOOLEAN NOT NULL DEFAULT ` + enabledDefault + `,
			numeric_room_id TEXT NOT NULL DEFAULT '',
			updated_at BIGINT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS session(
			session_id TEXT PRIMARY KEY,
			room_id TEXT NOT NULL,
			created_at BIGINT NOT NULL,
			range_start BIGINT NOT NULL DEFAULT 0,
			range_end BIGINT NOT NULL DEFAULT 0,
			event_count INTEGER NOT NULL DEFAULT 0,
			metadata TEXT NOT NULL DEFAULT '{}'
		);`,
		`CREATE INDEX IF NOT EXISTS idx_session_room ON session(room_id, range_start);`,
		`CREATE TABLE IF NOT EXISTS event(
			id ` + idType + `,
			room_id TEXT NOT NULL,
			session_id TEXT NULL,
			type TEXT NOT NULL,
			ts BIGINT NOT NULL,
			payload TEXT NOT NULL DEFAULT ''
		);`,
		`CREATE INDEX IF NOT EXISTS idx_event_room_session_ts ON event(room_id, session_id, ts);`,
		`CREATE INDEX IF NOT EXISTS idx_event_session ON event(session_id);`,
	}
	for _, q := range stmts {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return err
		}
	}
	return nil
}
