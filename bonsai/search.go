package bonsai

// SearchResult is the outcome of a descent: the leaf-level item index
// (possibly not-found, encoded as -(insertionIndex)-1) and the full
// path of BucketPointers visited, root first.
type SearchResult struct {
	ItemIndex int
	Path      []BucketPointer
}

// findBucket descends from the root to the leaf that key belongs in,
// recording every pointer visited. mode controls whether a
// shorter-than-declared-arity key gets padded to a range boundary
// before comparisons begin.
func (t *Tree) findBucket(key Key, mode SearchMode) (SearchResult, error) {
	key = key.padded(t.keySize, mode)

	path := make([]BucketPointer, 0, 8)
	ptr := t.root

	for {
		path = append(path, ptr)

		entry, bucket, err := t.loadBucket(ptr)
		if err != nil {
			return SearchResult{}, err
		}

		entry.Pointer.AcquireSharedLock()
		idx, ferr := bucket.Find(key)
		if ferr != nil {
			entry.Pointer.ReleaseSharedLock()
			t.cache.Release(entry)
			return SearchResult{}, ferr
		}

		if bucket.IsLeaf() {
			entry.Pointer.ReleaseSharedLock()
			t.cache.Release(entry)
			return SearchResult{ItemIndex: idx, Path: path}, nil
		}

		var next BucketPointer
		if idx >= 0 {
			_, right, _, derr := bucket.GetInternalEntry(idx)
			if derr != nil {
				entry.Pointer.ReleaseSharedLock()
				t.cache.Release(entry)
				return SearchResult{}, derr
			}
			next = right
		} else {
			j := -idx - 1
			if j >= bucket.Size() {
				_, right, _, derr := bucket.GetInternalEntry(bucket.Size() - 1)
				if derr != nil {
					entry.Pointer.ReleaseSharedLock()
					t.cache.Release(entry)
					return SearchResult{}, derr
				}
				next = right
			} else {
				left, _, _, derr := bucket.GetInternalEntry(j)
				if derr != nil {
					entry.Pointer.ReleaseSharedLock()
					t.cache.Release(entry)
					return SearchResult{}, derr
				}
				next = left
			}
		}

		entry.Pointer.ReleaseSharedLock()
		t.cache.Release(entry)
		ptr = next
	}
}
