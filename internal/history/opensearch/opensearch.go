// Package opensearch indexes room lifecycle events into OpenSearch over its
// REST API.
package opensearch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/loykin/roomwatch/internal/history"
)

// document is the indexed shape of a history.Event. @timestamp lets
// dashboards pick the time field without a mapping.
type document struct {
	Timestamp     time.Time         `json:"@timestamp"`
	Type          history.EventType `json:"type"`
	RoomID        string            `json:"room_id"`
	NumericRoomID string            `json:"numeric_room_id,omitempty"`
	SessionID     string            `json:"session_id,omitempty"`
	Reason        string            `json:"reason,omitempty"`
	EventCount    int               `json:"event_count,omitempty"`
}

// Sink writes each event as one document. Document ids are derived from
// the event so a resent event overwrites instead of duplicating.
type Sink struct {
	http     *http.Client
	endpoint string
	index    string
}

func New(endpoint, index string) *Sink {
	return &Sink{
		http:     &http.Client{Timeout: 5 * time.Second},
		endpoint: strings.TrimRight(endpoint, "/"),
		index:    index,
	}
}

// DocID is the document id of e: room, type and time in ms.
func DocID(e history.Event) string {
	return fmt.Sprintf("%s-%s-%d", e.RoomID, e.Type, e.OccurredAt.UnixMilli())
}

func (s *Sink) Send(ctx context.Context, e history.Event) error {
	body, err := json.Marshal(document{
		Timestamp:     e.OccurredAt.UTC(),
		Type:          e.Type,
		RoomID:        e.RoomID,
		NumericRoomID: e.NumericRoomID,
		SessionID:     e.SessionID,
		Reason:        e.Reason,
		EventCount:    e.EventCount,
	})
	if err != nil {
		return fmt.Errorf("encode %s event of %s: %w", e.Type, e.RoomID, err)
	}
	u := fmt.Sprintf("%s/%s/_doc/%s", s.endpoint, url.PathEscape(s.index), url.PathEscape(DocID(e)))
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, u, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := s.http.Do(req)
	if err != nil {
		return fmt.Errorf("index %s event of %s: %w", e.Type, e.RoomID, err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("opensearch sink status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	return nil
}
