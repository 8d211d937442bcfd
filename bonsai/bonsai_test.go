package bonsai

import (
	"fmt"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestGetOnEmptyTreeMisses(t *testing.T) {
	cache := newTestCache(t)
	tree := newTestTree(t, cache, 1)

	_, found, err := tree.Get(k("missing"))
	require.NoError(t, err)
	require.False(t, found)

	size, err := tree.Size()
	require.NoError(t, err)
	require.Zero(t, size)
}

func TestPutGetRoundTrip(t *testing.T) {
	cache := newTestCache(t)
	tree := newTestTree(t, cache, 1)

	require.NoError(t, tree.Put(k("alpha"), []byte("1")))
	require.NoError(t, tree.Put(k("beta"), []byte("2")))
	require.NoError(t, tree.Put(k("gamma"), []byte("3")))

	for key, want := range map[string]string{"alpha": "1", "beta": "2", "gamma": "3"} {
		value, found, err := tree.Get(k(key))
		require.NoError(t, err)
		require.True(t, found, key)
		require.Equal(t, want, string(value), key)
	}

	size, err := tree.Size()
	require.NoError(t, err)
	require.EqualValues(t, 3, size)
}

func TestPutOverwritesExistingValue(t *testing.T) {
	cache := newTestCache(t)
	tree := newTestTree(t, cache, 1)

	require.NoError(t, tree.Put(k("alpha"), []byte("first")))
	require.NoError(t, tree.Put(k("alpha"), []byte("second")))

	value, found, err := tree.Get(k("alpha"))
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "second", string(value))

	size, err := tree.Size()
	require.NoError(t, err)
	require.EqualValues(t, 1, size)
}

func TestPutOverwriteWithLargerValueStillFits(t *testing.T) {
	cache := newTestCache(t)
	tree := newTestTree(t, cache, 1)

	require.NoError(t, tree.Put(k("alpha"), []byte("x")))
	bigger := make([]byte, 256)
	for i := range bigger {
		bigger[i] = byte(i)
	}
	require.NoError(t, tree.Put(k("alpha"), bigger))

	value, found, err := tree.Get(k("alpha"))
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, bigger, value)
}

func TestRemoveDeletesEntry(t *testing.T) {
	cache := newTestCache(t)
	tree := newTestTree(t, cache, 1)

	require.NoError(t, tree.Put(k("alpha"), []byte("1")))
	require.NoError(t, tree.Put(k("beta"), []byte("2")))

	value, found, err := tree.Remove(k("alpha"))
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "1", string(value))

	_, found, err = tree.Get(k("alpha"))
	require.NoError(t, err)
	require.False(t, found)

	value, found, err = tree.Get(k("beta"))
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "2", string(value))

	size, err := tree.Size()
	require.NoError(t, err)
	require.EqualValues(t, 1, size)
}

func TestRemoveMissingKeyIsNoop(t *testing.T) {
	cache := newTestCache(t)
	tree := newTestTree(t, cache, 1)

	require.NoError(t, tree.Put(k("alpha"), []byte("1")))

	_, found, err := tree.Remove(k("nonexistent"))
	require.NoError(t, err)
	require.False(t, found)

	size, err := tree.Size()
	require.NoError(t, err)
	require.EqualValues(t, 1, size)
}

func TestClearEmptiesTree(t *testing.T) {
	cache := newTestCache(t)
	tree := newTestTree(t, cache, 1)

	for i := 0; i < 20; i++ {
		require.NoError(t, tree.Put(k(fmt.Sprintf("key-%03d", i)), []byte("value")))
	}

	require.NoError(t, tree.Clear())

	size, err := tree.Size()
	require.NoError(t, err)
	require.Zero(t, size)

	_, found, err := tree.Get(k("key-000"))
	require.NoError(t, err)
	require.False(t, found)

	require.NoError(t, tree.Put(k("fresh"), []byte("value")))
	value, found, err := tree.Get(k("fresh"))
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "value", string(value))
}

// TestManySplitsPreserveAllEntries drives enough Puts to force several
// leaf splits and at least one root split, then checks every key is
// still reachable and the declared tree size matches.
func TestManySplitsPreserveAllEntries(t *testing.T) {
	cache := newTestCache(t)
	tree := newTestTree(t, cache, 1)

	const n = 400
	for i := 0; i < n; i++ {
		key := fmt.Sprintf("key-%05d", i)
		require.NoError(t, tree.Put(k(key), []byte(fmt.Sprintf("value-%05d", i))))
	}

	size, err := tree.Size()
	require.NoError(t, err)
	require.EqualValues(t, n, size)

	for i := 0; i < n; i++ {
		key := fmt.Sprintf("key-%05d", i)
		want := fmt.Sprintf("value-%05d", i)
		value, found, err := tree.Get(k(key))
		require.NoError(t, err, key)
		require.True(t, found, key)
		require.Equal(t, want, string(value), key)
	}
}

// TestManySplitsPreserveAllEntriesReverseOrder is
// TestManySplitsPreserveAllEntries run in descending insertion order,
// forcing every split to happen against the leftmost leaf instead of
// the rightmost one.
func TestManySplitsPreserveAllEntriesReverseOrder(t *testing.T) {
	cache := newTestCache(t)
	tree := newTestTree(t, cache, 1)

	const n = 400
	for i := n - 1; i >= 0; i-- {
		key := fmt.Sprintf("key-%05d", i)
		require.NoError(t, tree.Put(k(key), []byte(fmt.Sprintf("value-%05d", i))))
	}

	size, err := tree.Size()
	require.NoError(t, err)
	require.EqualValues(t, n, size)

	var keys []string
	require.NoError(t, tree.LoadEntriesMajor(k(""), true, func(e Entry) bool {
		keys = append(keys, string(e.Key.parts[0].raw))
		return true
	}))
	require.Len(t, keys, n)
	for i := 0; i < n; i++ {
		require.Equal(t, fmt.Sprintf("key-%05d", i), keys[i], "entries must come back in ascending key order regardless of insertion order")
	}

	for i := 0; i < n; i++ {
		key := fmt.Sprintf("key-%05d", i)
		want := fmt.Sprintf("value-%05d", i)
		value, found, err := tree.Get(k(key))
		require.NoError(t, err, key)
		require.True(t, found, key)
		require.Equal(t, want, string(value), key)
	}
}

// TestRandomShuffleInsertThenDeleteEvens inserts a shuffled key set,
// removes every even-indexed key, and checks the survivors are exactly
// the odd-indexed ones.
func TestRandomShuffleInsertThenDeleteEvens(t *testing.T) {
	cache := newTestCache(t)
	tree := newTestTree(t, cache, 1)

	const n = 400
	order := make([]int, n)
	for i := range order {
		order[i] = i
	}
	rng := rand.New(rand.NewSource(42))
	rng.Shuffle(n, func(i, j int) { order[i], order[j] = order[j], order[i] })

	for _, i := range order {
		key := fmt.Sprintf("key-%05d", i)
		require.NoError(t, tree.Put(k(key), []byte(fmt.Sprintf("value-%05d", i))))
	}

	size, err := tree.Size()
	require.NoError(t, err)
	require.EqualValues(t, n, size)

	for i := 0; i < n; i += 2 {
		key := fmt.Sprintf("key-%05d", i)
		_, removed, err := tree.Remove(k(key))
		require.NoError(t, err, key)
		require.True(t, removed, key)
	}

	size, err = tree.Size()
	require.NoError(t, err)
	require.EqualValues(t, n/2, size)

	for i := 0; i < n; i++ {
		key := fmt.Sprintf("key-%05d", i)
		value, found, err := tree.Get(k(key))
		require.NoError(t, err, key)
		if i%2 == 0 {
			require.False(t, found, key)
		} else {
			require.True(t, found, key)
			require.Equal(t, fmt.Sprintf("value-%05d", i), string(value), key)
		}
	}
}

func TestFirstKeyLastKeyOnEmptyTree(t *testing.T) {
	cache := newTestCache(t)
	tree := newTestTree(t, cache, 1)

	_, found, err := tree.FirstKey()
	require.NoError(t, err)
	require.False(t, found)

	_, found, err = tree.LastKey()
	require.NoError(t, err)
	require.False(t, found)
}

func TestFirstKeyLastKeyAfterSplits(t *testing.T) {
	cache := newTestCache(t)
	tree := newTestTree(t, cache, 1)

	const n = 300
	for i := 0; i < n; i++ {
		require.NoError(t, tree.Put(k(fmt.Sprintf("key-%05d", i)), []byte("v")))
	}

	first, found, err := tree.FirstKey()
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, 0, compareKeys(first, k("key-00000")))

	last, found, err := tree.LastKey()
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, 0, compareKeys(last, k(fmt.Sprintf("key-%05d", n-1))))
}

func TestLoadEntriesMajorAscendingAcrossLeaves(t *testing.T) {
	cache := newTestCache(t)
	tree := newTestTree(t, cache, 1)

	const n = 250
	for i := 0; i < n; i++ {
		require.NoError(t, tree.Put(k(fmt.Sprintf("key-%05d", i)), []byte(fmt.Sprintf("%d", i))))
	}

	var seen []int
	err := tree.LoadEntriesMajor(k("key-00000"), true, func(e Entry) bool {
		var idx int
		_, serr := fmt.Sscanf(string(e.Value), "%d", &idx)
		require.NoError(t, serr)
		seen = append(seen, idx)
		return true
	})
	require.NoError(t, err)
	require.Len(t, seen, n)
	for i, v := range seen {
		require.Equal(t, i, v)
	}
}

func TestLoadEntriesMinorDescendingAcrossLeaves(t *testing.T) {
	cache := newTestCache(t)
	tree := newTestTree(t, cache, 1)

	const n = 250
	for i := 0; i < n; i++ {
		require.NoError(t, tree.Put(k(fmt.Sprintf("key-%05d", i)), []byte(fmt.Sprintf("%d", i))))
	}

	var seen []int
	err := tree.LoadEntriesMinor(k(fmt.Sprintf("key-%05d", n-1)), true, func(e Entry) bool {
		var idx int
		_, serr := fmt.Sscanf(string(e.Value), "%d", &idx)
		require.NoError(t, serr)
		seen = append(seen, idx)
		return true
	})
	require.NoError(t, err)
	require.Len(t, seen, n)
	for i, v := range seen {
		require.Equal(t, n-1-i, v)
	}
}

func TestLoadEntriesBetweenBoundsInclusiveExclusive(t *testing.T) {
	cache := newTestCache(t)
	tree := newTestTree(t, cache, 1)

	const n = 120
	for i := 0; i < n; i++ {
		require.NoError(t, tree.Put(k(fmt.Sprintf("key-%05d", i)), []byte(fmt.Sprintf("%d", i))))
	}

	var seen []int
	err := tree.LoadEntriesBetween(k("key-00010"), true, k("key-00020"), false, func(e Entry) bool {
		var idx int
		_, serr := fmt.Sscanf(string(e.Value), "%d", &idx)
		require.NoError(t, serr)
		seen = append(seen, idx)
		return true
	})
	require.NoError(t, err)

	want := make([]int, 0, 10)
	for i := 10; i < 20; i++ {
		want = append(want, i)
	}
	require.Equal(t, want, seen)
}

func TestGetValuesMinorMajorRespectMaxValues(t *testing.T) {
	cache := newTestCache(t)
	tree := newTestTree(t, cache, 1)

	const n = 60
	for i := 0; i < n; i++ {
		require.NoError(t, tree.Put(k(fmt.Sprintf("key-%05d", i)), []byte(fmt.Sprintf("%d", i))))
	}

	values, err := tree.GetValuesMajor(k("key-00000"), true, 5)
	require.NoError(t, err)
	require.Len(t, values, 5)

	values, err = tree.GetValuesMinor(k(fmt.Sprintf("key-%05d", n-1)), true, 5)
	require.NoError(t, err)
	require.Len(t, values, 5)
}

