package prober

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// table is an ExistenceChecker backed by a fixed set of published issues that records
// every probe.
type table struct {
	published map[int]bool
	probed    []int
}

func newTable(issues ...int) *table {
	t := &table{published: make(map[int]bool)}
	for _, n := range issues {
		t.published[n] = true
	}
	return t
}

func (t *table) Exists(_ context.Context, number int) (bool, error) {
	t.probed = append(t.probed, number)
	return t.published[number], nil
}

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestFindLatest_StopsAfterTwoMisses(t *testing.T) {
	tbl := newTable(929, 930, 931)
	p := New(tbl, 920, DefaultMissThreshold, discard())

	latest, err := p.FindLatest(context.Background(), 930)
	require.NoError(t, err)
	assert.Equal(t, 931, latest)
	assert.Equal(t, []int{931, 932, 933}, tbl.probed)
}

func TestFindLatest_ToleratesSingleGap(t *testing.T) {
	tbl := newTable(921, 923, 924)
	p := New(tbl, 920, DefaultMissThreshold, discard())

	latest, err := p.FindLatest(context.Background(), 920)
	require.NoError(t, err)
	assert.Equal(t, 924, latest)
}

func TestFindLatest_NeverBelowInputOrFloor(t *testing.T) {
	p := New(newTable(), 920, DefaultMissThreshold, discard())

	latest, err := p.FindLatest(context.Background(), 1000)
	require.NoError(t, err)
	assert.Equal(t, 1000, latest)

	latest, err = p.FindLatest(context.Background(), 5)
	require.NoError(t, err)
	assert.Equal(t, 920, latest)
}

func TestFindLatest_ConfigurableThreshold(t *testing.T) {
	tbl := newTable(921, 924)
	p := New(tbl, 920, 3, discard())

	latest, err := p.FindLatest(context.Background(), 920)
	require.NoError(t, err)
	assert.Equal(t, 924, latest)
	assert.Equal(t, []int{921, 922, 923, 924, 925, 926, 927}, tbl.probed)
}

func TestFindLatest_PropagatesCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	checker := ExistsFunc(func(ctx context.Context, n int) (bool, error) {
		calls++
		if calls == 2 {
			cancel()
			return false, ctx.Err()
		}
		return true, nil
	})

	latest, err := New(checker, 920, 0, discard()).FindLatest(ctx, 920)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 921, latest)
}
