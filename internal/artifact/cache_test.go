package artifact

import (
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func openCache(t *testing.T) *Cache {
	t.Helper()
	c, err := Open(filepath.Join(t.TempDir(), "flowtrace.db"), zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func TestKeyChangesWithSourceAndVersion(t *testing.T) {
	base := Key([]byte("package a"), "1")
	assert.NotEqual(t, base, Key([]byte("package b"), "1"))
	assert.NotEqual(t, base, Key([]byte("package a"), "2"))
	assert.Equal(t, base, Key([]byte("package a"), "1"))
}

func TestRewrittenCachesResult(t *testing.T) {
	c := openCache(t)

	calls := 0
	fn := func() ([]byte, error) {
		calls++
		return []byte("rewritten"), nil
	}

	key := Key([]byte("src"), "1")
	out, err := c.Rewritten(key, "main.go", fn)
	require.NoError(t, err)
	assert.Equal(t, []byte("rewritten"), out)

	out, err = c.Rewritten(key, "main.go", fn)
	require.NoError(t, err)
	assert.Equal(t, []byte("rewritten"), out)
	assert.Equal(t, 1, calls, "second lookup must hit the cache")
}

func TestRewrittenErrorNotCached(t *testing.T) {
	c := openCache(t)

	key := Key([]byte("src"), "1")
	broken := errors.New("parse failure")
	_, err := c.Rewritten(key, "main.go", func() ([]byte, error) { return nil, broken })
	require.ErrorIs(t, err, broken)

	out, err := c.Rewritten(key, "main.go", func() ([]byte, error) { return []byte("ok"), nil })
	require.NoError(t, err)
	assert.Equal(t, []byte("ok"), out)
}

func TestRewrittenConcurrentMissesProduceOnce(t *testing.T) {
	c := openCache(t)

	var mu sync.Mutex
	calls := 0
	fn := func() ([]byte, error) {
		mu.Lock()
		calls++
		mu.Unlock()
		time.Sleep(20 * time.Millisecond)
		return []byte("rewritten"), nil
	}

	key := Key([]byte("src"), "1")
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			out, err := c.Rewritten(key, "main.go", fn)
			assert.NoError(t, err)
			assert.Equal(t, []byte("rewritten"), out)
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, calls, "concurrent misses must collapse to one rewrite")
}

func TestInvalidateDropsArtifact(t *testing.T) {
	c := openCache(t)

	key := Key([]byte("src"), "1")
	_, err := c.Rewritten(key, "main.go", func() ([]byte, error) { return []byte("v1"), nil })
	require.NoError(t, err)
	require.NoError(t, c.Invalidate("main.go"))

	calls := 0
	_, err = c.Rewritten(key, "main.go", func() ([]byte, error) {
		calls++
		return []byte("v1"), nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, calls, "invalidated entry must be rebuilt")
}

func TestWatchInvalidatesOnWrite(t *testing.T) {
	c := openCache(t)
	dir := t.TempDir()

	key := Key([]byte("src"), "1")
	_, err := c.Rewritten(key, "watched.go", func() ([]byte, error) { return []byte("v1"), nil })
	require.NoError(t, err)

	require.NoError(t, c.Watch(dir))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "watched.go"), []byte("package w"), 0644))

	require.Eventually(t, func() bool {
		calls := 0
		_, err := c.Rewritten(key, "watched.go", func() ([]byte, error) {
			calls++
			return []byte("v1"), nil
		})
		return err == nil && calls == 1
	}, 2*time.Second, 20*time.Millisecond, "write event must invalidate the artifact")
}

func TestReplayRoundTrip(t *testing.T) {
	c := openCache(t)
	r := c.Replay()

	_, ok := r.Lookup("llm.complete", "gemini-2.0-flash", "prompt", []string{"o1"})
	assert.False(t, ok)

	require.NoError(t, r.Record("llm.complete", "gemini-2.0-flash", "prompt", []string{"o1"}, "answer"))

	out, ok := r.Lookup("llm.complete", "gemini-2.0-flash", "prompt", []string{"o1"})
	require.True(t, ok)
	assert.Equal(t, "answer", out)
}

func TestReplayKeyedByProvenance(t *testing.T) {
	c := openCache(t)
	r := c.Replay()

	require.NoError(t, r.Record("llm.complete", "m", "prompt", []string{"o1"}, "tainted answer"))

	_, ok := r.Lookup("llm.complete", "m", "prompt", nil)
	assert.False(t, ok, "same prompt with different provenance is a different call")

	out, ok := r.Lookup("llm.complete", "m", "prompt", []string{"o1"})
	require.True(t, ok)
	assert.Equal(t, "tainted answer", out)
}

func TestReplayOriginOrderInsensitive(t *testing.T) {
	c := openCache(t)
	r := c.Replay()

	require.NoError(t, r.Record("llm.complete", "m", "prompt", []string{"b", "a"}, "answer"))
	out, ok := r.Lookup("llm.complete", "m", "prompt", []string{"a", "b"})
	require.True(t, ok)
	assert.Equal(t, "answer", out)
}

func TestReplayDistinguishesEntryAndModel(t *testing.T) {
	c := openCache(t)
	r := c.Replay()

	require.NoError(t, r.Record("llm.complete", "m1", "prompt", nil, "from m1"))

	_, ok := r.Lookup("llm.complete", "m2", "prompt", nil)
	assert.False(t, ok)
	_, ok = r.Lookup("json.encode", "m1", "prompt", nil)
	assert.False(t, ok)
}
