package dedupe

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryDeduper_ClaimOnce(t *testing.T) {
	d := NewMemoryDeduper(time.Minute)
	ctx := context.Background()

	first, err := d.Claim(ctx, "wamid.1")
	require.NoError(t, err)
	assert.True(t, first)

	again, err := d.Claim(ctx, "wamid.1")
	require.NoError(t, err)
	assert.False(t, again)

	other, err := d.Claim(ctx, "wamid.2")
	require.NoError(t, err)
	assert.True(t, other)
}

func TestMemoryDeduper_Release(t *testing.T) {
	d := NewMemoryDeduper(time.Minute)
	ctx := context.Background()

	_, _ = d.Claim(ctx, "k")
	require.NoError(t, d.Release(ctx, "k"))

	ok, err := d.Claim(ctx, "k")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestMemoryDeduper_Expiry(t *testing.T) {
	d := NewMemoryDeduper(time.Minute)
	now := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	d.now = func() time.Time { return now }
	ctx := context.Background()

	_, _ = d.Claim(ctx, "k")
	now = now.Add(2 * time.Minute)

	ok, err := d.Claim(ctx, "k")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestMemoryDeduper_ConcurrentClaims(t *testing.T) {
	d := NewMemoryDeduper(time.Minute)
	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if ok, _ := d.Claim(context.Background(), "same"); ok {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), wins.Load())
}
