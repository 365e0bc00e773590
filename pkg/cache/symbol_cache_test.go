package cache

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"execution-core/internal/connector"
)

func TestSymbolCacheSetGet(t *testing.T) {
	c := NewSymbolCache(time.Minute)
	info := connector.SymbolInfo{Name: "EURUSD", TickSize: 0.00001, MinLot: 0.01}
	c.Set("EURUSD", info)

	got, ok := c.Get("EURUSD")
	require.True(t, ok)
	assert.Equal(t, info, got)

	_, ok = c.Get("GBPUSD")
	assert.False(t, ok)
}

func TestSymbolCacheStaleEntriesMiss(t *testing.T) {
	c := NewSymbolCache(10 * time.Millisecond)
	c.Set("EURUSD", connector.SymbolInfo{Name: "EURUSD"})

	_, ok := c.Get("EURUSD")
	require.True(t, ok)

	time.Sleep(25 * time.Millisecond)
	_, ok = c.Get("EURUSD")
	assert.False(t, ok)
}

func TestSymbolCacheZeroMaxAgeNeverExpires(t *testing.T) {
	c := NewSymbolCache(0)
	c.Set("EURUSD", connector.SymbolInfo{Name: "EURUSD"})

	time.Sleep(5 * time.Millisecond)
	_, ok := c.Get("EURUSD")
	assert.True(t, ok)
	assert.Equal(t, 0, c.Cleanup())
}

func TestSymbolCacheDelete(t *testing.T) {
	c := NewSymbolCache(time.Minute)
	c.Set("EURUSD", connector.SymbolInfo{Name: "EURUSD"})
	c.Delete("EURUSD")

	_, ok := c.Get("EURUSD")
	assert.False(t, ok)
	assert.Equal(t, 0, c.Len())
}

func TestSymbolCacheLenAcrossShards(t *testing.T) {
	c := NewSymbolCache(time.Minute)
	for i := 0; i < 50; i++ {
		sym := fmt.Sprintf("SYM%02d", i)
		c.Set(sym, connector.SymbolInfo{Name: sym})
	}
	assert.Equal(t, 50, c.Len())
}

func TestSymbolCacheCleanup(t *testing.T) {
	c := NewSymbolCache(10 * time.Millisecond)
	for i := 0; i < 10; i++ {
		c.Set(fmt.Sprintf("OLD%d", i), connector.SymbolInfo{})
	}
	time.Sleep(25 * time.Millisecond)
	c.Set("FRESH", connector.SymbolInfo{})

	assert.Equal(t, 10, c.Cleanup())
	assert.Equal(t, 1, c.Len())
	_, ok := c.Get("FRESH")
	assert.True(t, ok)
}
