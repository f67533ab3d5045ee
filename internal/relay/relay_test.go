package relay

import (
	"sync"
	"testing"

	"flowtrace/internal/taint"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestPushPopNesting(t *testing.T) {
	r := New(nil)
	ctx := ContextID(1)

	r.Push(ctx, taint.NewOriginSet("outer"))
	r.Push(ctx, taint.NewOriginSet("inner"))

	require.Equal(t, 2, r.Depth(ctx))
	require.True(t, r.Pop(ctx).Equal(taint.NewOriginSet("inner")))
	require.True(t, r.Pop(ctx).Equal(taint.NewOriginSet("outer")))
	require.Equal(t, 0, r.Depth(ctx))
}

func TestReplaceTop(t *testing.T) {
	r := New(nil)
	ctx := ContextID(1)

	r.Push(ctx, taint.NewOriginSet("union-of-inputs"))
	require.True(t, r.ReplaceTop(ctx, taint.NewOriginSet("fresh")))
	require.True(t, r.Pop(ctx).Equal(taint.NewOriginSet("fresh")))

	// No frame: nothing to replace.
	require.False(t, r.ReplaceTop(ctx, taint.NewOriginSet("x")))
}

func TestPopImbalanceWarnsAndResets(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	r := New(zap.New(core))
	ctx := ContextID(9)

	got := r.Pop(ctx)
	require.True(t, got.Empty())
	require.Equal(t, 1, logs.FilterMessageSnippet("relay stack imbalance").Len())
	require.Equal(t, 0, r.Depth(ctx))
}

func TestEndContextWarnsOnLeftoverFrames(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	r := New(zap.New(core))
	ctx := ContextID(3)

	r.Push(ctx, taint.NewOriginSet("leak"))
	r.EndContext(ctx)

	require.Equal(t, 1, logs.FilterMessageSnippet("frames left at context end").Len())
	require.Equal(t, 0, r.Depth(ctx))

	// Clean end: no warning.
	r.Push(ctx, taint.NewOriginSet("x"))
	r.Pop(ctx)
	r.EndContext(ctx)
	require.Equal(t, 1, logs.Len())
}

func TestCrossContextIsolation(t *testing.T) {
	r := New(nil)

	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			<-start
			ctx := CurrentContext()
			own := taint.NewOriginSet(taint.Origin(string(rune('a' + n))))
			for j := 0; j < 200; j++ {
				r.Push(ctx, own)
				top, ok := r.Top(ctx)
				if !ok || !top.Equal(own) {
					t.Errorf("context %d observed foreign frame %v", n, top)
					return
				}
				r.Pop(ctx)
			}
			if r.Depth(ctx) != 0 {
				t.Errorf("context %d stack not balanced", n)
			}
		}(i)
	}
	close(start)
	wg.Wait()
}

func TestCurrentContextStablePerGoroutine(t *testing.T) {
	a := CurrentContext()
	b := CurrentContext()
	require.Equal(t, a, b, "same goroutine must observe the same context id")

	ch := make(chan ContextID, 1)
	go func() { ch <- CurrentContext() }()
	require.NotEqual(t, a, <-ch, "different goroutines must get different ids")
}

func TestParseGoroutineID(t *testing.T) {
	id := parseGoroutineID([]byte("goroutine 42 [running]:\nmain.main()"))
	require.Equal(t, uint64(42), id)
	require.Equal(t, uint64(0), parseGoroutineID([]byte("garbage")))
}
