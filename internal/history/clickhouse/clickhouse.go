package clickhouse

import (
	"context"
	"fmt"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"

	"github.com/loykin/roomwatch/internal/history"
)

// Sink sends events to ClickHouse using the official ClickHouse Go client.
type Sink struct {
	conn  driver.Conn
	table string
}

// Options selects the target database; zero values mean the server defaults.
type Options struct {
	Database string
	Username string
	Password string
}

func New(addr, table string) (*Sink, error) {
	return NewWithOptions(addr, table, Options{})
}

func NewWithOptions(addr, table string, o Options) (*Sink, error) {
	if o.Database == "" {
		o.Database = "default"
	}
	if o.Username == "" {
		o.Username = "default"
	}
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{addr},
		Auth: clickhouse.Auth{
			Database: o.Database,
			Username: o.Username,
			Password: o.Password,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to ClickHouse: %w", err)
	}

	if err := conn.Ping(context.Background()); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping ClickHouse: %w", err)
	}

	return &Sink{
		conn:  conn,
		table: table,
	}, nil
}

// EnsureTable creates the history table if it does not exist.
func (s *Sink) EnsureTable(ctx context.Context) error {
	return s.conn.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS `+s.table+` (
			type LowCardinality(String),
			occurred_at DateTime64(3),
			room_id String,
			numeric_room_id String,
			session_id String,
			reason LowCardinality(String),
			event_count UInt32
		) ENGINE = MergeTree()
		ORDER BY (room_id, occurred_at)
	`)
}

func (s *Sink) Close() error {
	if s.conn != nil {
		return s.conn.Close()
	}
	return nil
}

func (s *Sink) Send(ctx context.Context, e history.Event) error {
	query := fmt.Sprintf(`INSERT INTO %s (type, occurred_at, room_id, numeric_room_id, session_id, reason, event_count) VALUES (?, ?, ?, ?, ?, ?, ?)`, s.table)

	count := e.EventCount
	if count < 0 {
		count = 0
	}
	err := s.conn.Exec(ctx, query,
		string(e.Type),
		e.OccurredAt,
		e.RoomID,
		e.NumericRoomID,
		e.SessionID,
		e.Reason,
		uint32(count),
	)
	if err != nil {
		return fmt.Errorf("failed to insert event into ClickHouse: %w", err)
	}
	return nil
}
