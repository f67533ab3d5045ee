package taint

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAttachReadRoundtrip(t *testing.T) {
	s := NewStore(0)
	origins := NewOriginSet("o1", "o2")

	v := s.Attach("model output text", origins)
	require.True(t, s.Read(v).Equal(origins), "read(attach(v, P)) must equal P")
}

func TestAttachEmptyIsNoOp(t *testing.T) {
	s := NewStore(0)
	v := "hello"
	out := s.Attach(v, OriginSet{})
	require.Equal(t, v, out)
	require.Equal(t, 0, s.Len())
}

func TestAttachStringClonesBacking(t *testing.T) {
	s := NewStore(0)
	original := "sk"
	tainted := s.Attach(original, NewOriginSet("o1")).(string)

	// The clone carries provenance; the original allocation does not.
	require.True(t, s.Read(tainted).Contains("o1"))
	require.True(t, s.Read(original).Empty())
	require.Equal(t, original, tainted)
}

func TestAttachPointerKeepsIdentity(t *testing.T) {
	s := NewStore(0)
	type doc struct{ Body string }
	d := &doc{Body: "x"}

	out := s.Attach(d, NewOriginSet("o7"))
	require.Same(t, d, out, "pointer values keep their representation")

	alias := d
	require.True(t, s.Read(alias).Contains("o7"), "aliases share identity")
}

func TestAttachPrimitiveBoxes(t *testing.T) {
	s := NewStore(0)
	out := s.Attach(42, NewOriginSet("o1"))

	b, ok := out.(*Box)
	require.True(t, ok, "identity-less values must be coerced to a Box")
	require.Equal(t, 42, b.Value())
	require.True(t, s.Read(b).Contains("o1"))
	require.Equal(t, 42, Unbox(out))
}

func TestReattachReplacesRecord(t *testing.T) {
	s := NewStore(0)
	d := &struct{ n int }{}

	s.Attach(d, NewOriginSet("o1"))
	s.Attach(d, NewOriginSet("o2"))

	got := s.Read(d)
	require.True(t, got.Equal(NewOriginSet("o2")), "re-taint is an insert, not a merge: got %v", got)
	require.Equal(t, 1, s.Len())
}

func TestPropagateOnAccessFallback(t *testing.T) {
	s := NewStore(0)
	container := map[string]string{"k": "v"}
	s.Attach(container, NewOriginSet("oc"))

	elem := s.PropagateOnAccess(container, container["k"])
	require.True(t, s.Read(elem).Equal(NewOriginSet("oc")), "untainted element inherits container provenance")

	// Container record must not have changed.
	require.True(t, s.Read(container).Equal(NewOriginSet("oc")))
}

func TestPropagateOnAccessElementWins(t *testing.T) {
	s := NewStore(0)
	container := []any{nil}
	s.Attach(container, NewOriginSet("oc"))

	elem := s.Attach("element", NewOriginSet("oe"))
	out := s.PropagateOnAccess(container, elem)
	require.True(t, s.Read(out).Equal(NewOriginSet("oe")), "own provenance is kept unchanged")
}

func TestEvictionEqualsNeverTainted(t *testing.T) {
	s := NewStore(2)
	a := &struct{ n int }{1}
	b := &struct{ n int }{2}
	c := &struct{ n int }{3}

	s.Attach(a, NewOriginSet("o1"))
	s.Attach(b, NewOriginSet("o2"))
	s.Attach(c, NewOriginSet("o3"))

	require.Equal(t, 2, s.Len())
	require.True(t, s.Read(a).Empty(), "evicted value reads as never tainted")
	require.True(t, s.Read(b).Contains("o2"))
	require.True(t, s.Read(c).Contains("o3"))
}

func TestClear(t *testing.T) {
	s := NewStore(0)
	d := &struct{ n int }{}
	s.Attach(d, NewOriginSet("o1"))
	s.Clear()
	require.Equal(t, 0, s.Len())
	require.True(t, s.Read(d).Empty())
}

func TestConcurrentAttachRead(t *testing.T) {
	s := NewStore(0)
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				v := s.Attach(fmt.Sprintf("worker-%d-%d", n, j), NewOriginSet(Origin(fmt.Sprintf("o%d", n))))
				if s.Read(v).Empty() {
					t.Errorf("lost provenance under concurrency")
					return
				}
			}
		}(i)
	}
	wg.Wait()
}

func TestReadDeepTypedSlice(t *testing.T) {
	s := NewStore(0)
	tainted := s.Attach("secret", NewOriginSet("o1")).(string)
	xs := []string{"clean", tainted}

	got := s.ReadDeep(xs)
	require.True(t, got.Contains("o1"), "element provenance surfaces through a typed slice")
}

func TestReadDeepTypedMap(t *testing.T) {
	s := NewStore(0)
	tainted := s.Attach("secret", NewOriginSet("o1")).(string)
	m := map[string]string{"k": tainted, "c": "clean"}

	got := s.ReadDeep(m)
	require.True(t, got.Contains("o1"), "element provenance surfaces through a typed map")
}

func TestReadDeepUnionsContainerAndElements(t *testing.T) {
	s := NewStore(0)
	tainted := s.Attach("secret", NewOriginSet("oe"))
	xs := []any{tainted}
	s.Attach(xs, NewOriginSet("oc"))

	got := s.ReadDeep(xs)
	require.True(t, got.Equal(NewOriginSet("oe", "oc")))
}

func TestReadDeepSkipsValueOnlyElements(t *testing.T) {
	s := NewStore(0)
	require.True(t, s.ReadDeep([]int{1, 2, 3}).Empty())
	require.True(t, s.ReadDeep(map[string]int{"a": 1}).Empty())
}
