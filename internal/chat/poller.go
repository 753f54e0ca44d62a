package chat

import (
	"context"
	"time"
)

const (
	// DefaultPollInterval is the polling fallback cadence.
	DefaultPollInterval = 1500 * time.Millisecond

	// DefaultPollLookback bounds the first delta fetch of a session.
	DefaultPollLookback = time.Hour
)

type deltaFetcher interface {
	Since(ctx context.Context, conversationID int64, since time.Time) ([]Message, error)
}

// Poller tracks the delta cursor for one conversation. The cursor only
// moves forward after a successful fetch.
type Poller struct {
	api            deltaFetcher
	conversationID int64
	lookback       time.Duration
	cursor         time.Time
}

// NewPoller returns a poller with no prior successful sync.
func NewPoller(api deltaFetcher, conversationID int64, lookback time.Duration) *Poller {
	if lookback <= 0 {
		lookback = DefaultPollLookback
	}

	return &Poller{api: api, conversationID: conversationID, lookback: lookback}
}

// Since returns the instant the next delta fetch starts from.
func (p *Poller) Since(now time.Time) time.Time {
	if p.cursor.IsZero() {
		return now.Add(-p.lookback)
	}

	return p.cursor
}

// Cursor returns the last successful tick start, or zero.
func (p *Poller) Cursor() time.Time {
	return p.cursor
}

// Poll fetches messages strictly after since. It does not move the cursor;
// the caller advances it once the result is known to be good.
func (p *Poller) Poll(ctx context.Context, since time.Time) ([]Message, error) {
	return p.api.Since(ctx, p.conversationID, since)
}

// Advance moves the cursor to tickStart, never backwards.
func (p *Poller) Advance(tickStart time.Time) {
	if tickStart.After(p.cursor) {
		p.cursor = tickStart
	}
}
