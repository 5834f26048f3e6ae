package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/parquet-go/parquet-go"

	"tradingbot/internal/domain"
)

// Compile-time interface check.
var _ CandleStore = (*ParquetStore)(nil)

// ParquetStore implements CandleStore using Parquet files on disk.
type ParquetStore struct {
	DataDir string
}

// NewParquetStore creates a new ParquetStore rooted at the given data directory.
func NewParquetStore(dataDir string) *ParquetStore {
	return &ParquetStore{DataDir: dataDir}
}

// ---------------------------------------------------------------------------
// Parquet record types (on-disk schema)
// ---------------------------------------------------------------------------

// CandleRecord is the Parquet schema for candle data.
type CandleRecord struct {
	Symbol    string  `parquet:"symbol"`
	Timeframe string  `parquet:"timeframe"`
	Timestamp int64   `parquet:"timestamp,timestamp(millisecond)"` // Unix ms
	Open      float64 `parquet:"open"`
	High      float64 `parquet:"high"`
	Low       float64 `parquet:"low"`
	Close     float64 `parquet:"close"`
	Volume    float64 `parquet:"volume"`
}

// ---------------------------------------------------------------------------
// CandleStore implementation
// ---------------------------------------------------------------------------

// WriteCandles writes candles grouped by symbol, timeframe and year. Each
// group lands in one file:
//
//	<DataDir>/candles/<timeframe>/<BASE-QUOTE>/<YYYY>.parquet
//
// Existing files are merged, with incoming candles winning on duplicate
// timestamps.
func (s *ParquetStore) WriteCandles(_ context.Context, candles []domain.Candle) error {
	type key struct {
		symbol    string
		timeframe string
		year      int
	}
	groups := make(map[key][]CandleRecord)
	for _, c := range candles {
		k := key{symbol: c.Symbol, timeframe: c.Timeframe, year: c.Timestamp.UTC().Year()}
		groups[k] = append(groups[k], CandleRecord{
			Symbol:    c.Symbol,
			Timeframe: c.Timeframe,
			Timestamp: c.Timestamp.UnixMilli(),
			Open:      c.Open,
			High:      c.High,
			Low:       c.Low,
			Close:     c.Close,
			Volume:    c.Volume,
		})
	}

	for k, records := range groups {
		path := s.candlePath(k.symbol, k.timeframe, k.year)

		existing, _ := readParquetFile[CandleRecord](path)
		merged := mergeCandleRecords(existing, records)

		if err := writeParquetFile(path, merged); err != nil {
			return fmt.Errorf("writing candles for %s/%s/%d: %w", k.symbol, k.timeframe, k.year, err)
		}
	}
	return nil
}

// ReadCandles reads candles for the given symbol and time range.
func (s *ParquetStore) ReadCandles(_ context.Context, symbol, timeframe string, start, end time.Time) ([]domain.Candle, error) {
	var candles []domain.Candle
	for year := start.UTC().Year(); year <= end.UTC().Year(); year++ {
		records, err := readParquetFile[CandleRecord](s.candlePath(symbol, timeframe, year))
		if err != nil {
			// No file for this year.
			continue
		}
		for _, r := range records {
			ts := time.UnixMilli(r.Timestamp).UTC()
			if ts.Before(start) || ts.After(end) {
				continue
			}
			candles = append(candles, domain.Candle{
				Symbol:    r.Symbol,
				Timeframe: r.Timeframe,
				Open:      r.Open,
				High:      r.High,
				Low:       r.Low,
				Close:     r.Close,
				Volume:    r.Volume,
				Timestamp: ts,
			})
		}
	}
	return candles, nil
}

// ListSymbols lists all symbols with candles for timeframe.
func (s *ParquetStore) ListSymbols(_ context.Context, timeframe string) ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(s.DataDir, "candles", timeframe))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var symbols []string
	for _, e := range entries {
		if e.IsDir() {
			symbols = append(symbols, strings.ReplaceAll(e.Name(), "-", "/"))
		}
	}
	sort.Strings(symbols)
	return symbols, nil
}

// ---------------------------------------------------------------------------
// Path helpers
// ---------------------------------------------------------------------------

// candlePath returns the filesystem path for a candle Parquet file. The
// symbol separator becomes a dash so "BTC/USDT" is one directory.
func (s *ParquetStore) candlePath(symbol, timeframe string, year int) string {
	dir := strings.ToUpper(strings.ReplaceAll(symbol, "/", "-"))
	return filepath.Join(s.DataDir, "candles", timeframe, dir, fmt.Sprintf("%d.parquet", year))
}

// ---------------------------------------------------------------------------
// Parquet file helpers
// ---------------------------------------------------------------------------

func writeParquetFile[T any](path string, records []T) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return parquet.WriteFile(path, records)
}

func readParquetFile[T any](path string) ([]T, error) {
	return parquet.ReadFile[T](path)
}

// mergeCandleRecords deduplicates by timestamp, preferring incoming records,
// and sorts the result oldest first.
func mergeCandleRecords(existing, incoming []CandleRecord) []CandleRecord {
	seen := make(map[int64]CandleRecord, len(existing)+len(incoming))
	for _, r := range existing {
		seen[r.Timestamp] = r
	}
	for _, r := range incoming {
		seen[r.Timestamp] = r
	}

	merged := make([]CandleRecord, 0, len(seen))
	for _, r := range seen {
		merged = append(merged, r)
	}
	sort.Slice(merged, func(i, j int) bool {
		return merged[i].Timestamp < merged[j].Timestamp
	})
	return merged
}
