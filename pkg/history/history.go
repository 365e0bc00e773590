// Package history downloads and caches historical candles for backtests.
// Data comes from the Binance public klines endpoint and is cached on disk
// as CSV, one file per symbol, timeframe and date range.
package history

import (
	"context"
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/adshao/go-binance/v2"

	"execution-core/internal/connector"
	"execution-core/pkg/logger"
)

const pageLimit = 1000

// Downloader fetches klines and maintains the local CSV cache.
type Downloader struct {
	client  *binance.Client
	dir     string
	retries int
}

// NewDownloader builds a downloader caching under dir. The public klines
// endpoint needs no credentials. Each page request is attempted up to
// retryAttempts times before the download fails.
func NewDownloader(dir string, testnet bool, retryAttempts int) *Downloader {
	binance.UseTestnet = testnet
	if retryAttempts < 1 {
		retryAttempts = 1
	}
	return &Downloader{
		client:  binance.NewClient("", ""),
		dir:     dir,
		retries: retryAttempts,
	}
}

// CachePath returns the cache file for one request.
func (d *Downloader) CachePath(symbol, timeframe string, from, to time.Time) string {
	name := fmt.Sprintf("%s_%s_%s_%s.csv",
		symbol, timeframe, from.UTC().Format("20060102"), to.UTC().Format("20060102"))
	return filepath.Join(d.dir, name)
}

// Fetch returns candles for the range, downloading them on a cache miss.
func (d *Downloader) Fetch(ctx context.Context, symbol, timeframe string, from, to time.Time) ([]connector.Candle, error) {
	path := d.CachePath(symbol, timeframe, from, to)
	if _, err := os.Stat(path); err == nil {
		logger.S().Debugw("history cache hit", "path", path)
		return Load(path, symbol, timeframe)
	}
	if err := d.Download(ctx, symbol, timeframe, from, to, path); err != nil {
		return nil, err
	}
	return Load(path, symbol, timeframe)
}

// Download pulls the range page by page and writes it to path.
func (d *Downloader) Download(ctx context.Context, symbol, timeframe string, from, to time.Time, path string) error {
	logger.S().Infow("downloading candles",
		"symbol", symbol, "timeframe", timeframe,
		"from", from.Format("2006-01-02"), "to", to.Format("2006-01-02"))

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create cache dir: %w", err)
	}
	// Write to a temp file so a failed download never poisons the cache.
	tmp := path + ".tmp"
	file, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("create cache file: %w", err)
	}
	defer file.Close()
	defer os.Remove(tmp)

	w := csv.NewWriter(file)
	if err := w.Write([]string{"open_time", "open", "high", "low", "close", "volume"}); err != nil {
		return err
	}

	for t := from; t.Before(to); {
		klines, err := d.fetchPage(ctx, symbol, timeframe, t, to)
		if err != nil {
			return fmt.Errorf("download klines: %w", err)
		}
		if len(klines) == 0 {
			break
		}

		for _, k := range klines {
			rec := []string{
				strconv.FormatInt(k.OpenTime, 10),
				k.Open, k.High, k.Low, k.Close, k.Volume,
			}
			if err := w.Write(rec); err != nil {
				return err
			}
		}

		t = time.UnixMilli(klines[len(klines)-1].CloseTime + 1)
		logger.S().Debugw("downloaded page", "until", t.Format("2006-01-02 15:04:05"))

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(200 * time.Millisecond):
			// throttle below the public endpoint limits
		}
	}

	w.Flush()
	if err := w.Error(); err != nil {
		return err
	}
	if err := file.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// fetchPage requests one klines page, retrying transient failures with a
// growing pause between attempts.
func (d *Downloader) fetchPage(ctx context.Context, symbol, timeframe string, from, to time.Time) ([]*binance.Kline, error) {
	var lastErr error
	for attempt := 1; attempt <= d.retries; attempt++ {
		klines, err := d.client.NewKlinesService().
			Symbol(symbol).
			Interval(timeframe).
			StartTime(from.UnixMilli()).
			EndTime(to.UnixMilli()).
			Limit(pageLimit).
			Do(ctx)
		if err == nil {
			return klines, nil
		}
		lastErr = err
		if attempt == d.retries {
			break
		}
		logger.S().Warnw("klines request failed, retrying",
			"symbol", symbol, "attempt", attempt, "error", err)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(time.Duration(attempt) * 200 * time.Millisecond):
		}
	}
	return nil, lastErr
}

// Load reads a cached CSV into canonical candles.
func Load(path, symbol, timeframe string) ([]connector.Candle, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open cache file: %w", err)
	}
	defer file.Close()

	r := csv.NewReader(file)
	rows, err := r.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("read cache file: %w", err)
	}
	if len(rows) < 2 {
		return nil, fmt.Errorf("cache file %s is empty", path)
	}

	candles := make([]connector.Candle, 0, len(rows)-1)
	for i, row := range rows[1:] {
		if len(row) < 6 {
			return nil, fmt.Errorf("cache file %s row %d is malformed", path, i+2)
		}
		openMs, err := strconv.ParseInt(row[0], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("cache file %s row %d: %w", path, i+2, err)
		}
		candles = append(candles, connector.Candle{
			Symbol:    symbol,
			Timeframe: timeframe,
			OpenTime:  time.UnixMilli(openMs).UTC(),
			Open:      parseField(row[1]),
			High:      parseField(row[2]),
			Low:       parseField(row[3]),
			Close:     parseField(row[4]),
			Volume:    parseField(row[5]),
		})
	}
	return candles, nil
}

func parseField(s string) float64 {
	f, _ := strconv.ParseFloat(s, 64)
	return f
}
