// Package marketdata supplies candles to the engine, either polled from an
// exchange or replayed from the candle archive.
package marketdata

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"tradingbot/internal/domain"
	"tradingbot/internal/exchange"
	"tradingbot/internal/store"
)

// Feed yields batches of new candles. Next returns io.EOF when a finite
// feed is exhausted.
type Feed interface {
	Next(ctx context.Context) ([]domain.Candle, error)
}

// Compile-time interface checks.
var (
	_ Feed = (*Poller)(nil)
	_ Feed = (*Replay)(nil)
)

// ---------------------------------------------------------------------------
// Poller
// ---------------------------------------------------------------------------

// Poller fetches closed candles for a set of symbols from an exchange,
// returning each candle once.
type Poller struct {
	src       exchange.CandleSource
	symbols   []string
	timeframe string
	period    time.Duration
	limit     int
	now       func() time.Time

	mu   sync.Mutex
	last map[string]time.Time
}

// NewPoller creates a Poller. The first call returns up to limit recent
// candles per symbol so indicators can warm up.
func NewPoller(src exchange.CandleSource, symbols []string, timeframe string, limit int) (*Poller, error) {
	period, err := ParseTimeframe(timeframe)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 100
	}
	return &Poller{
		src:       src,
		symbols:   symbols,
		timeframe: timeframe,
		period:    period,
		limit:     limit,
		now:       time.Now,
		last:      make(map[string]time.Time),
	}, nil
}

// Next returns candles that closed since the previous call. A failing
// symbol does not block the others; its error is joined into the result.
func (p *Poller) Next(ctx context.Context) ([]domain.Candle, error) {
	var (
		out  []domain.Candle
		errs []error
	)
	now := p.now()
	for _, sym := range p.symbols {
		p.mu.Lock()
		since := p.last[sym]
		p.mu.Unlock()

		candles, err := p.src.FetchCandles(ctx, sym, p.timeframe, since, p.limit)
		if err != nil {
			errs = append(errs, fmt.Errorf("candles %s: %w", sym, err))
			continue
		}

		newest := since
		for _, c := range candles {
			if !c.Timestamp.After(since) {
				continue
			}
			// Skip the bar still forming.
			if c.Timestamp.Add(p.period).After(now) {
				continue
			}
			if c.Timeframe == "" {
				c.Timeframe = p.timeframe
			}
			out = append(out, c)
			if c.Timestamp.After(newest) {
				newest = c.Timestamp
			}
		}

		p.mu.Lock()
		p.last[sym] = newest
		p.mu.Unlock()
	}
	return out, errors.Join(errs...)
}

// ---------------------------------------------------------------------------
// Replay
// ---------------------------------------------------------------------------

// Replay plays archived candles back in timestamp order. Each call to Next
// returns every candle sharing the next timestamp, so multi-symbol runs
// advance in lockstep.
type Replay struct {
	candles []domain.Candle
	pos     int
}

// NewReplay loads candles for symbols within [start, end] from the archive.
func NewReplay(ctx context.Context, archive store.CandleStore, symbols []string, timeframe string, start, end time.Time) (*Replay, error) {
	var all []domain.Candle
	for _, sym := range symbols {
		candles, err := archive.ReadCandles(ctx, sym, timeframe, start, end)
		if err != nil {
			return nil, fmt.Errorf("read candles %s: %w", sym, err)
		}
		all = append(all, candles...)
	}
	return NewReplayFromCandles(all), nil
}

// NewReplayFromCandles replays an in-memory candle series.
func NewReplayFromCandles(candles []domain.Candle) *Replay {
	cs := append([]domain.Candle(nil), candles...)
	sort.SliceStable(cs, func(i, j int) bool {
		if cs[i].Timestamp.Equal(cs[j].Timestamp) {
			return cs[i].Symbol < cs[j].Symbol
		}
		return cs[i].Timestamp.Before(cs[j].Timestamp)
	})
	return &Replay{candles: cs}
}

// Next returns the next timestamp's candles or io.EOF.
func (r *Replay) Next(ctx context.Context) ([]domain.Candle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if r.pos >= len(r.candles) {
		return nil, io.EOF
	}
	ts := r.candles[r.pos].Timestamp
	start := r.pos
	for r.pos < len(r.candles) && r.candles[r.pos].Timestamp.Equal(ts) {
		r.pos++
	}
	return r.candles[start:r.pos], nil
}

// Len returns the total number of candles in the replay.
func (r *Replay) Len() int {
	return len(r.candles)
}

// ParseTimeframe converts an exchange timeframe such as "1m", "4h" or "1d"
// to a duration.
func ParseTimeframe(tf string) (time.Duration, error) {
	if len(tf) < 2 {
		return 0, fmt.Errorf("%w: bad timeframe %q", domain.ErrConfiguration, tf)
	}
	n, err := strconv.Atoi(tf[:len(tf)-1])
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("%w: bad timeframe %q", domain.ErrConfiguration, tf)
	}
	unit := map[string]time.Duration{
		"m": time.Minute,
		"h": time.Hour,
		"d": 24 * time.Hour,
		"w": 7 * 24 * time.Hour,
	}[strings.ToLower(tf[len(tf)-1:])]
	if unit == 0 {
		return 0, fmt.Errorf("%w: bad timeframe %q", domain.ErrConfiguration, tf)
	}
	return time.Duration(n) * unit, nil
}
