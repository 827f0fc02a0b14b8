// Package syncqueuetest holds the behaviour every syncqueue.Queue must share.
// Store packages call Run from their own tests.
package syncqueuetest

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AgentEnder/sapling/internal/domain/syncqueue"
)

// Factory returns an empty queue. It is called once per subtest.
type Factory func(t *testing.T) syncqueue.Queue

var epoch = time.Unix(1_700_000_000, 0).UTC()

// At returns a timestamp offset seconds after a fixed epoch.
func At(offset int64) time.Time {
	return epoch.Add(time.Duration(offset) * time.Second)
}

func Run(t *testing.T, newQueue Factory) {
	tests := []struct {
		name string
		fn   func(t *testing.T, q syncqueue.Queue)
	}{
		{"AddThenGetAssignsIDs", testAddThenGet},
		{"IterReturnsWholeGroup", testIterReturnsWholeGroup},
		{"GetAfterAdd", testGetAfterAdd},
		{"DelThenGetIsEmpty", testDelThenGet},
		{"DelIsIdempotent", testDelIdempotent},
		{"DelRejectsUnpersisted", testDelRejectsUnpersisted},
		{"GroupingIgnoresSiblingTimestamp", testGroupingIgnoresSiblingTimestamp},
		{"GroupingStaysInMultiplex", testGroupingStaysInMultiplex},
		{"NilKeyEntriesAreNeverJoined", testNilKeyIsolation},
		{"LimitCountsGroups", testLimitCountsGroups},
		{"LimitZeroReturnsNothing", testLimitZero},
		{"OldestGroupsFirst", testOldestGroupsFirst},
		{"KeyLikeFilter", testKeyLike},
		{"GetSpansMultiplexes", testGetSpansMultiplexes},
		{"TimestampRoundTrip", testTimestampRoundTrip},
		{"RejectsUnstorableTimestamps", testRejectsUnstorableTimestamps},
		{"CutoffBeyondStorableRange", testCutoffBeyondStorableRange},
		{"KeyLikeTrailingEscape", testKeyLikeTrailingEscape},
		{"ConcurrentAddMany", testConcurrentAddMany},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.fn(t, newQueue(t))
		})
	}
}

func testAddThenGet(t *testing.T, q syncqueue.Queue) {
	ctx := context.Background()
	op := syncqueue.NewCorrelationKey()
	in := []syncqueue.Entry{
		syncqueue.NewEntry("blob.x", 1, 7, At(10), op),
		syncqueue.NewEntry("blob.x", 2, 7, At(11), op),
		syncqueue.NewEntry("blob.y", 1, 7, At(12), syncqueue.NilCorrelationKey),
	}
	require.NoError(t, q.AddMany(ctx, in))

	ids := make(map[int64]bool)
	for _, want := range in {
		got, err := q.Get(ctx, want.BlobKey)
		require.NoError(t, err)
		found := false
		for _, e := range got {
			require.True(t, e.Persisted(), "entry %+v has no id", e)
			if e.SameRecord(want) {
				found = true
				assert.False(t, ids[e.ID], "id %d reused", e.ID)
				ids[e.ID] = true
			}
		}
		assert.True(t, found, "missing %+v in %+v", want, got)
	}
}

func testIterReturnsWholeGroup(t *testing.T, q syncqueue.Queue) {
	ctx := context.Background()
	op := syncqueue.NewCorrelationKey()
	require.NoError(t, q.Add(ctx, syncqueue.NewEntry("a", 1, 1, At(100), op)))
	require.NoError(t, q.Add(ctx, syncqueue.NewEntry("b", 2, 1, At(200), op)))

	got, err := q.Iter(ctx, syncqueue.IterParams{MultiplexID: 1, OlderThan: At(150), Limit: 10})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.ElementsMatch(t, []string{"a", "b"}, keys(got))
}

func testGetAfterAdd(t *testing.T, q syncqueue.Queue) {
	ctx := context.Background()
	op := syncqueue.NewCorrelationKey()
	require.NoError(t, q.Add(ctx, syncqueue.NewEntry("a", 1, 1, At(100), op)))
	require.NoError(t, q.Add(ctx, syncqueue.NewEntry("b", 2, 1, At(200), op)))

	got, err := q.Get(ctx, "a")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.True(t, got[0].Persisted())
	assert.Equal(t, syncqueue.BackendID(1), got[0].BackendID)
	assert.Equal(t, op, got[0].CorrelationKey)
}

func testDelThenGet(t *testing.T, q syncqueue.Queue) {
	ctx := context.Background()
	op := syncqueue.NewCorrelationKey()
	require.NoError(t, q.Add(ctx, syncqueue.NewEntry("a", 1, 1, At(100), op)))
	require.NoError(t, q.Add(ctx, syncqueue.NewEntry("b", 2, 1, At(200), op)))

	got, err := q.Get(ctx, "a")
	require.NoError(t, err)
	require.Len(t, got, 1)

	require.NoError(t, q.Del(ctx, got))

	got, err = q.Get(ctx, "a")
	require.NoError(t, err)
	assert.Empty(t, got)

	rest, err := q.Get(ctx, "b")
	require.NoError(t, err)
	assert.Len(t, rest, 1)
}

func testDelIdempotent(t *testing.T, q syncqueue.Queue) {
	ctx := context.Background()
	require.NoError(t, q.Add(ctx, syncqueue.NewEntry("k", 1, 1, At(1), syncqueue.NewCorrelationKey())))
	got, err := q.Get(ctx, "k")
	require.NoError(t, err)
	require.Len(t, got, 1)

	require.NoError(t, q.Del(ctx, got))
	require.NoError(t, q.Del(ctx, got))
	require.NoError(t, q.Del(ctx, nil))
}

func testDelRejectsUnpersisted(t *testing.T, q syncqueue.Queue) {
	ctx := context.Background()
	require.NoError(t, q.Add(ctx, syncqueue.NewEntry("keep", 1, 1, At(1), syncqueue.NewCorrelationKey())))
	stored, err := q.Get(ctx, "keep")
	require.NoError(t, err)
	require.Len(t, stored, 1)

	fresh := syncqueue.NewEntry("fresh", 2, 1, At(2), syncqueue.NewCorrelationKey())
	err = q.Del(ctx, []syncqueue.Entry{stored[0], fresh})
	require.Error(t, err)
	assert.ErrorIs(t, err, syncqueue.ErrValidation)

	after, err := q.Get(ctx, "keep")
	require.NoError(t, err)
	assert.Len(t, after, 1, "a rejected Del must not delete anything")
}

func testGroupingIgnoresSiblingTimestamp(t *testing.T, q syncqueue.Queue) {
	ctx := context.Background()
	op := syncqueue.NewCorrelationKey()
	// B is inserted first but is far newer than the cutoff.
	require.NoError(t, q.Add(ctx, syncqueue.NewEntry("b", 2, 3, At(10_000), op)))
	require.NoError(t, q.Add(ctx, syncqueue.NewEntry("a", 1, 3, At(5), op)))
	require.NoError(t, q.Add(ctx, syncqueue.NewEntry("late", 1, 3, At(10_001), syncqueue.NewCorrelationKey())))

	got, err := q.Iter(ctx, syncqueue.IterParams{MultiplexID: 3, OlderThan: At(6), Limit: 1})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a", "b"}, keys(got))
}

func testGroupingStaysInMultiplex(t *testing.T, q syncqueue.Queue) {
	ctx := context.Background()
	op := syncqueue.NewCorrelationKey()
	require.NoError(t, q.AddMany(ctx, []syncqueue.Entry{
		syncqueue.NewEntry("a", 1, 1, At(1), op),
		syncqueue.NewEntry("other", 1, 2, At(1), op),
	}))

	got, err := q.Iter(ctx, syncqueue.IterParams{MultiplexID: 1, OlderThan: At(10), Limit: 10})
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, keys(got))
}

func testNilKeyIsolation(t *testing.T, q syncqueue.Queue) {
	ctx := context.Background()
	nilKey := syncqueue.NilCorrelationKey
	require.NoError(t, q.AddMany(ctx, []syncqueue.Entry{
		syncqueue.NewEntry("old", 1, 1, At(100), nilKey),
		syncqueue.NewEntry("new", 2, 1, At(300), nilKey),
	}))

	got, err := q.Iter(ctx, syncqueue.IterParams{MultiplexID: 1, OlderThan: At(150), Limit: 10})
	require.NoError(t, err)
	assert.Equal(t, []string{"old"}, keys(got))

	got, err = q.Iter(ctx, syncqueue.IterParams{MultiplexID: 1, OlderThan: At(400), Limit: 1})
	require.NoError(t, err)
	assert.Equal(t, []string{"old"}, keys(got), "each nil-key entry is its own group")

	got, err = q.Iter(ctx, syncqueue.IterParams{MultiplexID: 1, OlderThan: At(400), Limit: 2})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"old", "new"}, keys(got))
}

func testLimitCountsGroups(t *testing.T, q syncqueue.Queue) {
	ctx := context.Background()
	for g := 0; g < 3; g++ {
		op := syncqueue.NewCorrelationKey()
		require.NoError(t, q.AddMany(ctx, []syncqueue.Entry{
			syncqueue.NewEntry(fmt.Sprintf("g%d", g), 1, 1, At(int64(g)), op),
			syncqueue.NewEntry(fmt.Sprintf("g%d", g), 2, 1, At(int64(g)), op),
		}))
	}

	got, err := q.Iter(ctx, syncqueue.IterParams{MultiplexID: 1, OlderThan: At(100), Limit: 2})
	require.NoError(t, err)
	assert.Len(t, got, 4)
	assert.Len(t, groups(got), 2)
}

func testLimitZero(t *testing.T, q syncqueue.Queue) {
	ctx := context.Background()
	require.NoError(t, q.Add(ctx, syncqueue.NewEntry("a", 1, 1, At(1), syncqueue.NewCorrelationKey())))
	got, err := q.Iter(ctx, syncqueue.IterParams{MultiplexID: 1, OlderThan: At(10), Limit: 0})
	require.NoError(t, err)
	assert.Empty(t, got)
}

func testOldestGroupsFirst(t *testing.T, q syncqueue.Queue) {
	ctx := context.Background()
	// Inserted newest first so insertion order cannot satisfy the check.
	for _, ts := range []int64{50, 40, 30, 20, 10} {
		require.NoError(t, q.Add(ctx, syncqueue.NewEntry(fmt.Sprintf("t%d", ts), 1, 1, At(ts), syncqueue.NewCorrelationKey())))
	}
	got, err := q.Iter(ctx, syncqueue.IterParams{MultiplexID: 1, OlderThan: At(100), Limit: 2})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"t10", "t20"}, keys(got))
}

func testKeyLike(t *testing.T, q syncqueue.Queue) {
	ctx := context.Background()
	op := syncqueue.NewCorrelationKey()
	require.NoError(t, q.AddMany(ctx, []syncqueue.Entry{
		syncqueue.NewEntry("repo0001.content.aa", 1, 1, At(1), op),
		syncqueue.NewEntry("repo0002.content.bb", 2, 1, At(1), op),
		syncqueue.NewEntry("repo0003.content.cc", 1, 1, At(1), syncqueue.NewCorrelationKey()),
	}))

	got, err := q.Iter(ctx, syncqueue.IterParams{KeyLike: "repo0001.%", MultiplexID: 1, OlderThan: At(10), Limit: 10})
	require.NoError(t, err)
	// The sibling does not match the pattern but belongs to the selected group.
	assert.ElementsMatch(t, []string{"repo0001.content.aa", "repo0002.content.bb"}, keys(got))

	got, err = q.Iter(ctx, syncqueue.IterParams{KeyLike: "%.cc", MultiplexID: 1, OlderThan: At(10), Limit: 10})
	require.NoError(t, err)
	assert.Equal(t, []string{"repo0003.content.cc"}, keys(got))

	got, err = q.Iter(ctx, syncqueue.IterParams{KeyLike: "nomatch%", MultiplexID: 1, OlderThan: At(10), Limit: 10})
	require.NoError(t, err)
	assert.Empty(t, got)
}

func testGetSpansMultiplexes(t *testing.T, q syncqueue.Queue) {
	ctx := context.Background()
	require.NoError(t, q.AddMany(ctx, []syncqueue.Entry{
		syncqueue.NewEntry("shared", 1, 1, At(1), syncqueue.NewCorrelationKey()),
		syncqueue.NewEntry("shared", 2, 2, At(2), syncqueue.NilCorrelationKey),
		syncqueue.NewEntry("unrelated", 1, 1, At(3), syncqueue.NewCorrelationKey()),
	}))

	got, err := q.Get(ctx, "shared")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Less(t, got[0].ID, got[1].ID)
	assert.ElementsMatch(t, []syncqueue.MultiplexID{1, 2}, []syncqueue.MultiplexID{got[0].MultiplexID, got[1].MultiplexID})

	none, err := q.Get(ctx, "missing")
	require.NoError(t, err)
	assert.Empty(t, none)
}

func testTimestampRoundTrip(t *testing.T, q syncqueue.Queue) {
	ctx := context.Background()
	ts := time.Unix(1_712_345_678, 987_654_321)
	in := syncqueue.NewEntry("precise", 9, 4, ts, syncqueue.NewCorrelationKey())
	require.NoError(t, q.Add(ctx, in))

	got, err := q.Get(ctx, "precise")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.True(t, got[0].InsertedAt.Equal(ts), "got %v want %v", got[0].InsertedAt, ts)
	assert.True(t, got[0].SameRecord(in))

	due, err := q.Iter(ctx, syncqueue.IterParams{MultiplexID: 4, OlderThan: ts, Limit: 1})
	require.NoError(t, err)
	assert.Len(t, due, 1, "the cutoff is inclusive")

	due, err = q.Iter(ctx, syncqueue.IterParams{MultiplexID: 4, OlderThan: ts.Add(-time.Nanosecond), Limit: 1})
	require.NoError(t, err)
	assert.Empty(t, due)
}

func testRejectsUnstorableTimestamps(t *testing.T, q syncqueue.Queue) {
	ctx := context.Background()
	for name, ts := range map[string]time.Time{
		"zero":     {},
		"year1600": time.Date(1600, 1, 1, 0, 0, 0, 0, time.UTC),
		"year2300": time.Date(2300, 1, 1, 0, 0, 0, 0, time.UTC),
	} {
		op := syncqueue.NewCorrelationKey()
		err := q.AddMany(ctx, []syncqueue.Entry{
			syncqueue.NewEntry("fine-"+name, 1, 1, At(1), op),
			syncqueue.NewEntry("bad-"+name, 2, 1, ts, op),
		})
		require.ErrorIs(t, err, syncqueue.ErrValidation, name)

		for _, key := range []string{"fine-" + name, "bad-" + name} {
			got, err := q.Get(ctx, key)
			require.NoError(t, err)
			assert.Empty(t, got, "%s: a rejected call writes nothing", key)
		}
	}
}

func testCutoffBeyondStorableRange(t *testing.T, q syncqueue.Queue) {
	ctx := context.Background()
	require.NoError(t, q.Add(ctx, syncqueue.NewEntry("k", 1, 6, At(1), syncqueue.NewCorrelationKey())))

	due, err := q.Iter(ctx, syncqueue.IterParams{MultiplexID: 6, OlderThan: time.Date(3000, 1, 1, 0, 0, 0, 0, time.UTC), Limit: 10})
	require.NoError(t, err)
	assert.Len(t, due, 1)

	for _, cutoff := range []time.Time{{}, time.Date(1000, 1, 1, 0, 0, 0, 0, time.UTC)} {
		due, err = q.Iter(ctx, syncqueue.IterParams{MultiplexID: 6, OlderThan: cutoff, Limit: 10})
		require.NoError(t, err)
		assert.Empty(t, due, "cutoff %v", cutoff)
	}
}

func testKeyLikeTrailingEscape(t *testing.T, q syncqueue.Queue) {
	ctx := context.Background()
	require.NoError(t, q.Add(ctx, syncqueue.NewEntry(`abc\`, 1, 1, At(1), syncqueue.NewCorrelationKey())))

	_, err := q.Iter(ctx, syncqueue.IterParams{KeyLike: `abc\`, MultiplexID: 1, OlderThan: At(10), Limit: 10})
	assert.ErrorIs(t, err, syncqueue.ErrValidation)
}

func testConcurrentAddMany(t *testing.T, q syncqueue.Queue) {
	ctx := context.Background()
	const callers = 20
	const perCall = 25

	var wg sync.WaitGroup
	errs := make([]error, callers)
	for c := 0; c < callers; c++ {
		wg.Add(1)
		go func(c int) {
			defer wg.Done()
			op := syncqueue.NewCorrelationKey()
			batch := make([]syncqueue.Entry, perCall)
			for i := range batch {
				batch[i] = syncqueue.NewEntry(fmt.Sprintf("c%d-e%d", c, i), syncqueue.BackendID(i%3), 11, At(int64(i)), op)
			}
			errs[c] = q.AddMany(ctx, batch)
		}(c)
	}
	wg.Wait()
	for _, err := range errs {
		require.NoError(t, err)
	}

	got, err := q.Iter(ctx, syncqueue.IterParams{MultiplexID: 11, OlderThan: At(1000), Limit: callers})
	require.NoError(t, err)
	assert.Len(t, got, callers*perCall)
	assert.Len(t, groups(got), callers)

	ids := make(map[int64]bool, len(got))
	for _, e := range got {
		assert.False(t, ids[e.ID], "duplicate id %d", e.ID)
		ids[e.ID] = true
	}
}

func keys(entries []syncqueue.Entry) []string {
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.BlobKey)
	}
	return out
}

func groups(entries []syncqueue.Entry) map[syncqueue.GroupKey]int {
	out := make(map[syncqueue.GroupKey]int)
	for _, e := range entries {
		out[syncqueue.GroupOf(e)]++
	}
	return out
}
