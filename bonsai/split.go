package bonsai

import "bonsaidb/diskcache"

// splitBucket splits the node at path's tail and returns a SearchResult
// for where splitKey should now be inserted. Two cases: splitting the
// root (path has length 1) rewrites the root page in place as a
// 1-entry internal node pointing at two brand-new pages, preserving
// the root's page index; splitting any other node allocates one new
// sibling page and promotes the separator into the parent, recursing
// upward through path's prefix if the parent is itself full.
func (t *Tree) splitBucket(path []BucketPointer, splitKey Key, op *AtomicOperation) (SearchResult, error) {
	cur := path[len(path)-1]

	entry, bucket, err := t.loadBucket(cur)
	if err != nil {
		return SearchResult{}, err
	}

	entry.Pointer.AcquireExclusiveLock()
	n := bucket.Size()
	if n < 2 {
		entry.Pointer.ReleaseExclusiveLock()
		t.cache.Release(entry)
		return SearchResult{}, &AssertionError{Msg: "splitBucket called on a node with fewer than 2 entries"}
	}
	m := n >> 1
	isLeaf := bucket.IsLeaf()
	sep, err := bucket.GetKey(m)
	if err == nil {
		// sep's bytes alias this bucket's region, which the split rewrites;
		// give it its own copy before anything is moved.
		var enc []byte
		if enc, err = EncodeKey(sep); err == nil {
			sep, _, err = DecodeKey(enc)
		}
	}
	if err != nil {
		entry.Pointer.ReleaseExclusiveLock()
		t.cache.Release(entry)
		return SearchResult{}, err
	}

	startRight := m
	if !isLeaf {
		startRight = m + 1
	}

	rawRight := make([][]byte, 0, n-startRight)
	for i := startRight; i < n; i++ {
		raw, rerr := bucket.RawEntryAt(i)
		if rerr != nil {
			entry.Pointer.ReleaseExclusiveLock()
			t.cache.Release(entry)
			return SearchResult{}, rerr
		}
		rawRight = append(rawRight, append([]byte(nil), raw...))
	}

	if len(path) == 1 {
		return t.splitRoot(entry, bucket, cur, sep, rawRight, isLeaf, splitKey, op)
	}
	return t.splitNonRoot(path, entry, bucket, cur, m, sep, rawRight, isLeaf, splitKey, op)
}

// splitNonRoot allocates a new sibling page, moves the right half of
// cur's entries into it, splices leaf sibling links if applicable,
// then promotes (cur, newPtr, sep) into cur's parent — recursing if
// the parent is itself full.
func (t *Tree) splitNonRoot(path []BucketPointer, entry *diskcache.CacheEntry, bucket *Bucket, cur BucketPointer, m int, sep Key, rawRight [][]byte, isLeaf bool, splitKey Key, op *AtomicOperation) (SearchResult, error) {
	newEntry, err := t.cache.AllocateNewPage(t.fileID)
	if err != nil {
		entry.Pointer.ReleaseExclusiveLock()
		t.cache.Release(entry)
		return SearchResult{}, err
	}
	newPtr := BucketPointer{PageIndex: newEntry.PageIndex, PageOffset: bucketOffset(t.pageSize)}
	newRegion := newEntry.Pointer.Buffer()[newPtr.PageOffset : newPtr.PageOffset+uint32(bucketSize(t.pageSize))]

	newEntry.Pointer.AcquireExclusiveLock()
	var newBucket *Bucket
	if isLeaf {
		newBucket = NewLeafBucket(newRegion)
	} else {
		newBucket = NewInternalBucket(newRegion)
	}
	if err := newBucket.AddAllRaw(rawRight); err != nil {
		newEntry.Pointer.ReleaseExclusiveLock()
		t.cache.Release(newEntry)
		entry.Pointer.ReleaseExclusiveLock()
		t.cache.Release(entry)
		return SearchResult{}, err
	}

	var oldRight BucketPointer
	if isLeaf {
		oldRight = bucket.RightSibling()
		newBucket.SetLeftSibling(cur)
		newBucket.SetRightSibling(oldRight)
	}
	bucket.Shrink(m)
	if isLeaf {
		bucket.SetRightSibling(newPtr)
	}

	newChanges := newBucket.PageChanges()
	newEntry.Pointer.ReleaseExclusiveLock()
	oldChanges := bucket.PageChanges()
	entry.Pointer.ReleaseExclusiveLock()

	logErr := t.durable.LogPageChanges(newEntry, newChanges, true, op)
	t.cache.Release(newEntry)
	if logErr != nil {
		t.cache.Release(entry)
		return SearchResult{}, logErr
	}
	if err := t.durable.LogPageChanges(entry, oldChanges, false, op); err != nil {
		t.cache.Release(entry)
		return SearchResult{}, err
	}
	t.cache.Release(entry)

	if isLeaf && oldRight.IsValid() {
		if err := t.relinkLeftSibling(oldRight, newPtr, op); err != nil {
			return SearchResult{}, err
		}
	}

	parentPath := path[:len(path)-1]
	finalParentPath, err := t.promote(parentPath, cur, newPtr, sep, op)
	if err != nil {
		return SearchResult{}, err
	}

	chosen := cur
	if compareKeys(splitKey, sep) >= 0 {
		chosen = newPtr
	}

	idx, err := t.findInBucket(chosen, splitKey)
	if err != nil {
		return SearchResult{}, err
	}

	newPath := append(append([]BucketPointer(nil), finalParentPath...), chosen)
	return SearchResult{ItemIndex: idx, Path: newPath}, nil
}

// splitRoot rewrites the root page in place as a 1-entry internal
// node over two newly allocated child pages, preserving the root's
// page index and treeSize.
func (t *Tree) splitRoot(entry *diskcache.CacheEntry, bucket *Bucket, rootPtr BucketPointer, sep Key, rawRight [][]byte, isLeaf bool, splitKey Key, op *AtomicOperation) (SearchResult, error) {
	m := bucket.Size() >> 1
	rawLeft := make([][]byte, 0, m)
	for i := 0; i < m; i++ {
		raw, err := bucket.RawEntryAt(i)
		if err != nil {
			entry.Pointer.ReleaseExclusiveLock()
			t.cache.Release(entry)
			return SearchResult{}, err
		}
		rawLeft = append(rawLeft, append([]byte(nil), raw...))
	}
	treeSize := bucket.TreeSize()
	keySerID := bucket.KeySerializerID()
	valSerID := bucket.ValueSerializerID()
	entry.Pointer.ReleaseExclusiveLock()

	leftEntry, err := t.cache.AllocateNewPage(t.fileID)
	if err != nil {
		t.cache.Release(entry)
		return SearchResult{}, err
	}
	rightEntry, err := t.cache.AllocateNewPage(t.fileID)
	if err != nil {
		t.cache.Release(leftEntry)
		t.cache.Release(entry)
		return SearchResult{}, err
	}

	leftPtr := BucketPointer{PageIndex: leftEntry.PageIndex, PageOffset: bucketOffset(t.pageSize)}
	rightPtr := BucketPointer{PageIndex: rightEntry.PageIndex, PageOffset: bucketOffset(t.pageSize)}

	leftRegion := leftEntry.Pointer.Buffer()[leftPtr.PageOffset : leftPtr.PageOffset+uint32(bucketSize(t.pageSize))]
	rightRegion := rightEntry.Pointer.Buffer()[rightPtr.PageOffset : rightPtr.PageOffset+uint32(bucketSize(t.pageSize))]

	leftEntry.Pointer.AcquireExclusiveLock()
	var leftBucket *Bucket
	if isLeaf {
		leftBucket = NewLeafBucket(leftRegion)
	} else {
		leftBucket = NewInternalBucket(leftRegion)
	}
	leftErr := leftBucket.AddAllRaw(rawLeft)
	var leftChanges []byte
	if leftErr == nil {
		if isLeaf {
			leftBucket.SetRightSibling(rightPtr)
		}
		leftChanges = leftBucket.PageChanges()
	}
	leftEntry.Pointer.ReleaseExclusiveLock()
	if leftErr != nil {
		t.cache.Release(rightEntry)
		t.cache.Release(leftEntry)
		t.cache.Release(entry)
		return SearchResult{}, leftErr
	}

	rightEntry.Pointer.AcquireExclusiveLock()
	var rightBucket *Bucket
	if isLeaf {
		rightBucket = NewLeafBucket(rightRegion)
	} else {
		rightBucket = NewInternalBucket(rightRegion)
	}
	rightErr := rightBucket.AddAllRaw(rawRight)
	var rightChanges []byte
	if rightErr == nil {
		if isLeaf {
			rightBucket.SetLeftSibling(leftPtr)
		}
		rightChanges = rightBucket.PageChanges()
	}
	rightEntry.Pointer.ReleaseExclusiveLock()
	if rightErr != nil {
		t.cache.Release(rightEntry)
		t.cache.Release(leftEntry)
		t.cache.Release(entry)
		return SearchResult{}, rightErr
	}

	entry.Pointer.AcquireExclusiveLock()
	newRoot := NewInternalBucket(bucket.region)
	newRoot.SetTreeSize(treeSize)
	newRoot.SetKeySerializerID(keySerID)
	newRoot.SetValueSerializerID(valSerID)
	ok, addErr := newRoot.AddInternalEntry(0, leftPtr, rightPtr, sep, true)
	var rootChanges []byte
	if addErr == nil && ok {
		rootChanges = newRoot.PageChanges()
	}
	entry.Pointer.ReleaseExclusiveLock()

	if addErr != nil {
		t.cache.Release(rightEntry)
		t.cache.Release(leftEntry)
		t.cache.Release(entry)
		return SearchResult{}, addErr
	}
	if !ok {
		t.cache.Release(rightEntry)
		t.cache.Release(leftEntry)
		t.cache.Release(entry)
		return SearchResult{}, &AssertionError{Msg: "new root's single entry did not fit"}
	}

	if err := t.durable.LogPageChanges(leftEntry, leftChanges, true, op); err != nil {
		t.cache.Release(rightEntry)
		t.cache.Release(leftEntry)
		t.cache.Release(entry)
		return SearchResult{}, err
	}
	t.cache.Release(leftEntry)

	if err := t.durable.LogPageChanges(rightEntry, rightChanges, true, op); err != nil {
		t.cache.Release(rightEntry)
		t.cache.Release(entry)
		return SearchResult{}, err
	}
	t.cache.Release(rightEntry)

	if err := t.durable.LogPageChanges(entry, rootChanges, false, op); err != nil {
		t.cache.Release(entry)
		return SearchResult{}, err
	}
	t.cache.Release(entry)

	chosen := leftPtr
	if compareKeys(splitKey, sep) >= 0 {
		chosen = rightPtr
	}
	idx, err := t.findInBucket(chosen, splitKey)
	if err != nil {
		return SearchResult{}, err
	}

	return SearchResult{ItemIndex: idx, Path: []BucketPointer{rootPtr, chosen}}, nil
}

// promote inserts (left, right, sep) into the node at the tail of
// path, splitting it first (recursing upward) if it has no room.
func (t *Tree) promote(path []BucketPointer, left, right BucketPointer, sep Key, op *AtomicOperation) ([]BucketPointer, error) {
	parentPtr := path[len(path)-1]

	entry, bucket, err := t.loadBucket(parentPtr)
	if err != nil {
		return nil, err
	}

	entry.Pointer.AcquireExclusiveLock()
	idx, err := bucket.Find(sep)
	if err != nil {
		entry.Pointer.ReleaseExclusiveLock()
		t.cache.Release(entry)
		return nil, err
	}
	if idx >= 0 {
		entry.Pointer.ReleaseExclusiveLock()
		t.cache.Release(entry)
		return nil, &AssertionError{Msg: "separator key already present in parent during promote"}
	}
	insertionIndex := -idx - 1
	ok, addErr := bucket.AddInternalEntry(insertionIndex, left, right, sep, true)
	if addErr != nil {
		entry.Pointer.ReleaseExclusiveLock()
		t.cache.Release(entry)
		return nil, addErr
	}
	if ok {
		if insertionIndex+1 < bucket.Size() {
			bucket.SetInternalLeftChild(insertionIndex+1, right)
		}
		changes := bucket.PageChanges()
		entry.Pointer.ReleaseExclusiveLock()
		if err := t.durable.LogPageChanges(entry, changes, false, op); err != nil {
			t.cache.Release(entry)
			return nil, err
		}
		t.cache.Release(entry)
		return path, nil
	}

	entry.Pointer.ReleaseExclusiveLock()
	t.cache.Release(entry)

	splitResult, err := t.splitBucket(path, sep, op)
	if err != nil {
		return nil, err
	}
	target := splitResult.Path[len(splitResult.Path)-1]

	retryEntry, retryBucket, err := t.loadBucket(target)
	if err != nil {
		return nil, err
	}
	retryEntry.Pointer.AcquireExclusiveLock()
	idx2, err := retryBucket.Find(sep)
	if err != nil {
		retryEntry.Pointer.ReleaseExclusiveLock()
		t.cache.Release(retryEntry)
		return nil, err
	}
	if idx2 >= 0 {
		retryEntry.Pointer.ReleaseExclusiveLock()
		t.cache.Release(retryEntry)
		return nil, &AssertionError{Msg: "separator key already present after ancestor split"}
	}
	insertionIndex2 := -idx2 - 1
	ok2, addErr2 := retryBucket.AddInternalEntry(insertionIndex2, left, right, sep, true)
	if addErr2 != nil {
		retryEntry.Pointer.ReleaseExclusiveLock()
		t.cache.Release(retryEntry)
		return nil, addErr2
	}
	if !ok2 {
		retryEntry.Pointer.ReleaseExclusiveLock()
		t.cache.Release(retryEntry)
		return nil, &AssertionError{Msg: "promoted entry did not fit even after splitting its parent"}
	}
	if insertionIndex2+1 < retryBucket.Size() {
		retryBucket.SetInternalLeftChild(insertionIndex2+1, right)
	}
	changes := retryBucket.PageChanges()
	retryEntry.Pointer.ReleaseExclusiveLock()
	if err := t.durable.LogPageChanges(retryEntry, changes, false, op); err != nil {
		t.cache.Release(retryEntry)
		return nil, err
	}
	t.cache.Release(retryEntry)

	return splitResult.Path, nil
}

func (t *Tree) relinkLeftSibling(of, newLeft BucketPointer, op *AtomicOperation) error {
	entry, bucket, err := t.loadBucket(of)
	if err != nil {
		return err
	}
	entry.Pointer.AcquireExclusiveLock()
	bucket.SetLeftSibling(newLeft)
	changes := bucket.PageChanges()
	entry.Pointer.ReleaseExclusiveLock()

	if err := t.durable.LogPageChanges(entry, changes, false, op); err != nil {
		t.cache.Release(entry)
		return err
	}
	t.cache.Release(entry)
	return nil
}

func (t *Tree) findInBucket(ptr BucketPointer, key Key) (int, error) {
	entry, bucket, err := t.loadBucket(ptr)
	if err != nil {
		return 0, err
	}
	defer t.cache.Release(entry)

	entry.Pointer.AcquireSharedLock()
	defer entry.Pointer.ReleaseSharedLock()
	return bucket.Find(key)
}
