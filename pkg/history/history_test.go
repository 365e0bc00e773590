package history

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCachePath(t *testing.T) {
	d := NewDownloader("/tmp/hist", false, 1)
	from := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	to := time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)
	assert.Equal(t,
		filepath.Join("/tmp/hist", "BTCUSDT_1h_20240101_20240201.csv"),
		d.CachePath("BTCUSDT", "1h", from, to))
}

func TestDownloadRetriesTransientFailures(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"code":-1000,"msg":"internal error"}`))
	}))
	defer srv.Close()

	d := NewDownloader(t.TempDir(), false, 3)
	d.client.BaseURL = srv.URL

	from := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	to := from.Add(24 * time.Hour)
	err := d.Download(context.Background(), "BTCUSDT", "1h", from, to,
		filepath.Join(t.TempDir(), "out.csv"))
	require.Error(t, err)
	assert.EqualValues(t, 3, atomic.LoadInt32(&hits))
}

func writeCache(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "cache.csv")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoad(t *testing.T) {
	path := writeCache(t, "open_time,open,high,low,close,volume\n"+
		"1704067200000,42000.1,42100.5,41900.0,42050.2,12.5\n"+
		"1704070800000,42050.2,42200.0,42000.0,42150.9,8.1\n")

	candles, err := Load(path, "BTCUSDT", "1h")
	require.NoError(t, err)
	require.Len(t, candles, 2)

	first := candles[0]
	assert.Equal(t, "BTCUSDT", first.Symbol)
	assert.Equal(t, "1h", first.Timeframe)
	assert.Equal(t, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), first.OpenTime)
	assert.Equal(t, 42000.1, first.Open)
	assert.Equal(t, 42100.5, first.High)
	assert.Equal(t, 41900.0, first.Low)
	assert.Equal(t, 42050.2, first.Close)
	assert.Equal(t, 12.5, first.Volume)
}

func TestLoadRejectsBadFiles(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"header only", "open_time,open,high,low,close,volume\n"},
		{"short row", "open_time,open,high,low,close,volume\n123,1,2\n"},
		{"bad open time", "open_time,open,high,low,close,volume\nnot-a-number,1,2,3,4,5\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeCache(t, tt.content), "BTCUSDT", "1h")
			assert.Error(t, err)
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.csv"), "BTCUSDT", "1h")
	assert.Error(t, err)
}
