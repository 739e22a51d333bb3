package archive

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrNoSessionID means all 99 suffixes of a room's day are taken.
var ErrNoSessionID = errors.New("no free session id")

type existsFunc func(ctx context.Context, sessionID string) (bool, error)

// FormatSessionID renders <roomID>-<YYYYMMDD><NN>.
func FormatSessionID(roomID string, day time.Time, n int) string {
	return fmt.Sprintf("%s-%s%02d", roomID, day.Format("20060102"), n)
}

// nextSessionID picks the first free suffix for day. Connection archives
// count up from 01; recovered stale events count down from 99 so they do
// not crowd out the ids of live sessions archived later that day.
func nextSessionID(ctx context.Context, exists existsFunc, roomID string, day time.Time, descending bool) (string, error) {
	for i := 1; i <= 99; i++ {
		n := i
		if descending {
			n = 100 - i
		}
		id := FormatSessionID(roomID, day, n)
		taken, err := exists(ctx, id)
		if err != nil {
			return "", err
		}
		if !taken {
			return id, nil
		}
	}
	return "", fmt.Errorf("%s on %s: %w", roomID, day.Format("2006-01-02"), ErrNoSessionID)
}
