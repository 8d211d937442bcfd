package bonsai

// Entry is one (key, value) pair handed to a range-scan listener.
type Entry struct {
	Key   Key
	Value []byte
}

// Listener is a pull-with-veto callback for range scans: returning
// false terminates the scan immediately.
type Listener func(Entry) bool

// FirstKey returns the smallest key in the tree, descending leftmost
// children and backtracking through intermediate empty nodes. Returns
// found=false only when the tree is completely empty.
func (t *Tree) FirstKey() (Key, bool, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.boundaryKey(true)
}

// LastKey returns the largest key in the tree, symmetric to FirstKey.
func (t *Tree) LastKey() (Key, bool, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.boundaryKey(false)
}

type descentFrame struct {
	ptr      BucketPointer
	nextTry  int
}

func (t *Tree) boundaryKey(leftmost bool) (Key, bool, error) {
	stack := []descentFrame{{ptr: t.root}}

	for len(stack) > 0 {
		top := &stack[len(stack)-1]

		entry, bucket, err := t.loadBucket(top.ptr)
		if err != nil {
			return Key{}, false, err
		}
		entry.Pointer.AcquireSharedLock()

		if bucket.IsLeaf() {
			size := bucket.Size()
			if size > 0 {
				idx := 0
				if !leftmost {
					idx = size - 1
				}
				k, _, err := bucket.GetLeafEntry(idx)
				entry.Pointer.ReleaseSharedLock()
				t.cache.Release(entry)
				return k, true, err
			}
			entry.Pointer.ReleaseSharedLock()
			t.cache.Release(entry)
			stack = stack[:len(stack)-1]
			continue
		}

		var child BucketPointer
		var ok bool
		var cerr error
		if leftmost {
			child, ok, cerr = childLeftToRight(bucket, top.nextTry)
		} else {
			child, ok, cerr = childRightToLeft(bucket, top.nextTry)
		}
		entry.Pointer.ReleaseSharedLock()
		t.cache.Release(entry)

		if cerr != nil {
			return Key{}, false, cerr
		}
		if !ok {
			stack = stack[:len(stack)-1]
			continue
		}
		top.nextTry++
		stack = append(stack, descentFrame{ptr: child})
	}

	return Key{}, false, nil
}

// childLeftToRight enumerates an internal bucket's children in
// ascending order: e0.left, e0.right, e1.right, ...
func childLeftToRight(bucket *Bucket, idx int) (BucketPointer, bool, error) {
	size := bucket.Size()
	if size == 0 {
		return BucketPointer{}, false, nil
	}
	if idx == 0 {
		left, _, _, err := bucket.GetInternalEntry(0)
		return left, true, err
	}
	if idx-1 >= size {
		return BucketPointer{}, false, nil
	}
	_, right, _, err := bucket.GetInternalEntry(idx - 1)
	return right, true, err
}

// childRightToLeft enumerates an internal bucket's children in
// descending order: e(k-1).right, e(k-1).left, e(k-2).left, ...
func childRightToLeft(bucket *Bucket, idx int) (BucketPointer, bool, error) {
	size := bucket.Size()
	if size == 0 {
		return BucketPointer{}, false, nil
	}
	if idx == 0 {
		_, right, _, err := bucket.GetInternalEntry(size - 1)
		return right, true, err
	}
	pos := size - idx
	if pos < 0 {
		return BucketPointer{}, false, nil
	}
	left, _, _, err := bucket.GetInternalEntry(pos)
	return left, true, err
}

// LoadEntriesMinor walks entries with key <= (or <, if !inclusive)
// the given key, in descending order, via leftSibling links.
func (t *Tree) LoadEntriesMinor(key Key, inclusive bool, listener Listener) error {
	t.mu.RLock()
	defer t.mu.RUnlock()

	mode := ModeLowestBoundary
	if inclusive {
		mode = ModeHighestBoundary
	}
	result, err := t.findBucket(key, mode)
	if err != nil {
		return err
	}

	startIdx := result.ItemIndex
	if startIdx >= 0 {
		if !inclusive {
			startIdx--
		}
	} else {
		startIdx = -startIdx - 1 - 1
	}

	ptr := result.Path[len(result.Path)-1]
	idx := startIdx
	first := true
	for ptr.IsValid() {
		if !first {
			entry, bucket, lerr := t.loadBucket(ptr)
			if lerr != nil {
				return lerr
			}
			entry.Pointer.AcquireSharedLock()
			idx = bucket.Size() - 1
			entry.Pointer.ReleaseSharedLock()
			t.cache.Release(entry)
		}
		first = false

		cont, next, err := t.scanLeafDescending(ptr, idx, listener)
		if err != nil || !cont {
			return err
		}
		ptr = next
	}
	return nil
}

func (t *Tree) scanLeafDescending(ptr BucketPointer, fromIdx int, listener Listener) (bool, BucketPointer, error) {
	entry, bucket, err := t.loadBucket(ptr)
	if err != nil {
		return false, BucketPointer{}, err
	}
	defer t.cache.Release(entry)

	entry.Pointer.AcquireSharedLock()
	defer entry.Pointer.ReleaseSharedLock()

	leftSibling := bucket.LeftSibling()
	for i := fromIdx; i >= 0; i-- {
		k, v, err := bucket.GetLeafEntry(i)
		if err != nil {
			return false, BucketPointer{}, err
		}
		value := append([]byte(nil), v...)
		if !listener(Entry{Key: k, Value: value}) {
			return false, BucketPointer{}, nil
		}
	}
	return true, leftSibling, nil
}

// LoadEntriesMajor walks entries with key >= (or >, if !inclusive)
// the given key, in ascending order, via rightSibling links.
func (t *Tree) LoadEntriesMajor(key Key, inclusive bool, listener Listener) error {
	t.mu.RLock()
	defer t.mu.RUnlock()

	mode := ModeHighestBoundary
	if inclusive {
		mode = ModeLowestBoundary
	}
	result, err := t.findBucket(key, mode)
	if err != nil {
		return err
	}

	startIdx := result.ItemIndex
	if startIdx >= 0 {
		if !inclusive {
			startIdx++
		}
	} else {
		startIdx = -startIdx - 1
	}

	ptr := result.Path[len(result.Path)-1]
	idx := startIdx
	for ptr.IsValid() {
		cont, next, err := t.scanLeafAscending(ptr, idx, listener)
		if err != nil || !cont {
			return err
		}
		ptr = next
		idx = 0
	}
	return nil
}

func (t *Tree) scanLeafAscending(ptr BucketPointer, fromIdx int, listener Listener) (bool, BucketPointer, error) {
	entry, bucket, err := t.loadBucket(ptr)
	if err != nil {
		return false, BucketPointer{}, err
	}
	defer t.cache.Release(entry)

	entry.Pointer.AcquireSharedLock()
	defer entry.Pointer.ReleaseSharedLock()

	size := bucket.Size()
	rightSibling := bucket.RightSibling()
	for i := fromIdx; i < size; i++ {
		k, v, err := bucket.GetLeafEntry(i)
		if err != nil {
			return false, BucketPointer{}, err
		}
		value := append([]byte(nil), v...)
		if !listener(Entry{Key: k, Value: value}) {
			return false, BucketPointer{}, nil
		}
	}
	return true, rightSibling, nil
}

// LoadEntriesBetween walks entries in [from, to] (honoring each
// endpoint's own inclusive flag), ascending, from the `from` boundary
// leaf through to the `to` boundary leaf.
func (t *Tree) LoadEntriesBetween(from Key, fromIncl bool, to Key, toIncl bool, listener Listener) error {
	t.mu.RLock()
	defer t.mu.RUnlock()

	err := t.loadEntriesBetweenLocked(from, fromIncl, to, toIncl, listener)
	return err
}

func (t *Tree) loadEntriesBetweenLocked(from Key, fromIncl bool, to Key, toIncl bool, listener Listener) error {
	fromMode := ModeHighestBoundary
	if fromIncl {
		fromMode = ModeLowestBoundary
	}
	fromResult, err := t.findBucket(from, fromMode)
	if err != nil {
		return err
	}
	startIdx := fromResult.ItemIndex
	if startIdx >= 0 {
		if !fromIncl {
			startIdx++
		}
	} else {
		startIdx = -startIdx - 1
	}

	toMode := ModeLowestBoundary
	if toIncl {
		toMode = ModeHighestBoundary
	}
	toResult, err := t.findBucket(to, toMode)
	if err != nil {
		return err
	}
	toIdx := toResult.ItemIndex
	if toIdx >= 0 {
		if !toIncl {
			toIdx--
		}
	} else {
		toIdx = -toIdx - 1 - 1
	}
	toPtr := toResult.Path[len(toResult.Path)-1]

	ptr := fromResult.Path[len(fromResult.Path)-1]
	idx := startIdx
	for ptr.IsValid() {
		done, next, stop, err := t.scanLeafBetween(ptr, idx, toPtr, toIdx, listener)
		if err != nil {
			return err
		}
		if done || stop {
			return nil
		}
		ptr = next
		idx = 0
	}
	return nil
}

// scanLeafBetween scans one leaf ascending from fromIdx. If this leaf
// is the resolved `to` boundary leaf (toPtr), it stops (done=true)
// after toIdx rather than comparing keys — both boundaries are
// resolved to leaf positions up front by findBucket, the same way
// `from` already is.
func (t *Tree) scanLeafBetween(ptr BucketPointer, fromIdx int, toPtr BucketPointer, toIdx int, listener Listener) (done bool, next BucketPointer, stopped bool, err error) {
	entry, bucket, lerr := t.loadBucket(ptr)
	if lerr != nil {
		return false, BucketPointer{}, false, lerr
	}
	defer t.cache.Release(entry)

	entry.Pointer.AcquireSharedLock()
	defer entry.Pointer.ReleaseSharedLock()

	size := bucket.Size()
	rightSibling := bucket.RightSibling()
	isToLeaf := ptr.Equal(toPtr)
	limit := size
	if isToLeaf {
		limit = toIdx + 1
		if limit > size {
			limit = size
		}
	}
	for i := fromIdx; i < limit; i++ {
		k, v, derr := bucket.GetLeafEntry(i)
		if derr != nil {
			return false, BucketPointer{}, false, derr
		}
		value := append([]byte(nil), v...)
		if !listener(Entry{Key: k, Value: value}) {
			return false, BucketPointer{}, true, nil
		}
	}
	if isToLeaf {
		return true, BucketPointer{}, false, nil
	}
	return false, rightSibling, false, nil
}

// GetValuesMinor collects up to maxValues values (0 = unlimited) via
// LoadEntriesMinor.
func (t *Tree) GetValuesMinor(key Key, inclusive bool, maxValues int) ([][]byte, error) {
	var out [][]byte
	err := t.LoadEntriesMinor(key, inclusive, func(e Entry) bool {
		out = append(out, e.Value)
		return maxValues == 0 || len(out) < maxValues
	})
	return out, err
}

// GetValuesMajor collects up to maxValues values via LoadEntriesMajor.
func (t *Tree) GetValuesMajor(key Key, inclusive bool, maxValues int) ([][]byte, error) {
	var out [][]byte
	err := t.LoadEntriesMajor(key, inclusive, func(e Entry) bool {
		out = append(out, e.Value)
		return maxValues == 0 || len(out) < maxValues
	})
	return out, err
}

// GetValuesBetween collects up to maxValues values via LoadEntriesBetween.
func (t *Tree) GetValuesBetween(from Key, fromIncl bool, to Key, toIncl bool, maxValues int) ([][]byte, error) {
	var out [][]byte
	err := t.LoadEntriesBetween(from, fromIncl, to, toIncl, func(e Entry) bool {
		out = append(out, e.Value)
		return maxValues == 0 || len(out) < maxValues
	})
	return out, err
}
