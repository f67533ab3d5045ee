package flowrt

import (
	"fmt"
	"strings"
	"sync"
	"testing"

	"flowtrace/internal/relay"
	"flowtrace/internal/session"
	"flowtrace/internal/taint"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m, goleak.IgnoreTopFunction("go.opencensus.io/stats/view.(*worker).start"))
}

func activate(t *testing.T) *session.Session {
	t.Helper()
	s := session.New(session.Config{})
	session.Activate(s)
	t.Cleanup(func() {
		session.Deactivate()
		s.Close()
	})
	return s
}

func TestHelpersPassthroughWithoutSession(t *testing.T) {
	session.Deactivate()
	require.Equal(t, "x", Bind("x"))
	require.Equal(t, 3, Access([]int{3}, 3))
	require.Equal(t, "ab", Bin("ab", "a", "b"))
	require.Equal(t, "up", Wrap("strings.ToLower", func() string { return "up" })())
	require.Nil(t, Origins("x"))
}

func TestBindPreservesProvenanceThroughIdentity(t *testing.T) {
	s := activate(t)
	v := s.Store.Attach("tainted text", taint.NewOriginSet("o1")).(string)

	bound := Bind(v)
	require.Equal(t, []string{"o1"}, Origins(bound))
}

func TestAccessInheritsContainerProvenance(t *testing.T) {
	s := activate(t)
	m := map[string]string{"k": "element"}
	s.Store.Attach(m, taint.NewOriginSet("oc"))

	elem := Access(m, m["k"])
	require.Equal(t, []string{"oc"}, Origins(elem))
	require.Equal(t, "element", elem)
}

func TestAccessElementProvenanceWins(t *testing.T) {
	s := activate(t)
	m := map[string]string{}
	s.Store.Attach(m, taint.NewOriginSet("oc"))
	own := s.Store.Attach("owned", taint.NewOriginSet("oe")).(string)

	elem := Access(m, own)
	require.Equal(t, []string{"oe"}, Origins(elem))
}

func TestBinUnionsOperandProvenance(t *testing.T) {
	s := activate(t)
	a := s.Store.Attach("left", taint.NewOriginSet("o1")).(string)
	b := s.Store.Attach("right", taint.NewOriginSet("o2")).(string)

	out := Bin(a+b, a, b)
	require.Equal(t, "leftright", out)
	require.Equal(t, []string{"o1", "o2"}, Origins(out))
}

func TestBinNumericResultSkipped(t *testing.T) {
	s := activate(t)
	a := s.Store.Attach("12", taint.NewOriginSet("o1")).(string)

	// An int result has no identity-bearing representation in a typed
	// slot; it passes through untainted and unchanged.
	out := Bin(12+30, a)
	require.Equal(t, 42, out)
	require.Nil(t, Origins(out))
}

func TestWrapOpaqueUnionLaw(t *testing.T) {
	s := activate(t)
	a := s.Store.Attach("input a", taint.NewOriginSet("p1")).(string)
	b := s.Store.Attach("input b", taint.NewOriginSet("p2")).(string)

	join := Wrap("strings.Join", strings.Join)
	out := join([]string{a, b}, " ")

	require.Equal(t, "input a input b", out)
	require.Equal(t, []string{"p1", "p2"}, Origins(out))
}

func TestWrapInstrumentedIsDirect(t *testing.T) {
	s := activate(t)
	s.Classifier.MarkInstrumented("pipeline")

	called := false
	fn := func(x string) string { called = true; return x }
	wrapped := Wrap("pipeline.Step", fn)

	// Instrumented callees come back untouched: no relay frame, no
	// attachment, zero overhead.
	a := s.Store.Attach("in", taint.NewOriginSet("p1")).(string)
	out := wrapped(a)
	require.True(t, called)
	require.Equal(t, []string{"p1"}, Origins(out), "identity carries provenance, not the wrapper")
}

func TestWrapRReceiverJoinsUnion(t *testing.T) {
	s := activate(t)
	recv := &strings.Builder{}
	s.Store.Attach(recv, taint.NewOriginSet("pr"))
	recv.WriteString("prefix ")

	str := WrapR("(dynamic).String", recv.String, recv)
	out := str()
	require.Equal(t, "prefix ", out)
	require.Equal(t, []string{"pr"}, Origins(out))
}

func TestWrapMultiReturnAndError(t *testing.T) {
	s := activate(t)
	in := s.Store.Attach("payload", taint.NewOriginSet("p1")).(string)

	split := Wrap("pkgx.Split", func(v string) (string, error) {
		return "part:" + v, nil
	})
	out, err := split(in)
	require.NoError(t, err)
	require.Equal(t, "part:payload", out)
	require.Equal(t, []string{"p1"}, Origins(out))
}

func TestWrapVariadic(t *testing.T) {
	s := activate(t)
	in := s.Store.Attach("value", taint.NewOriginSet("p1")).(string)

	sprintf := Wrap("fmt.Sprintf", fmt.Sprintf)
	out := sprintf("wrapped %s here", in)
	require.Equal(t, "wrapped value here", out)
	require.Equal(t, []string{"p1"}, Origins(out))
}

func TestWrapPanicStillBalancesRelay(t *testing.T) {
	s := activate(t)
	in := s.Store.Attach("in", taint.NewOriginSet("p1")).(string)
	ec := relay.CurrentContext()

	boom := Wrap("pkgx.Boom", func(string) string { panic("opaque failure") })
	require.Panics(t, func() { boom(in) })
	require.Equal(t, 0, s.Relay.Depth(ec), "relay must return to pre-call depth after unwind")
}

func TestGoIsolatesContexts(t *testing.T) {
	s := activate(t)

	var wg sync.WaitGroup
	results := make([][]string, 4)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		n := i
		Go(func() {
			defer wg.Done()
			own := s.Store.Attach(fmt.Sprintf("ctx-%d", n), taint.NewOriginSet(taint.Origin(fmt.Sprintf("o%d", n)))).(string)
			id := Wrap("pkgx.Identity", func(v string) string { return v })
			results[n] = Origins(id(own))
		})
	}
	wg.Wait()

	for i, got := range results {
		require.Equal(t, []string{fmt.Sprintf("o%d", i)}, got, "context %d saw foreign provenance", i)
	}
}
