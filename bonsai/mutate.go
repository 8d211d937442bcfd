package bonsai

import "fmt"

// Put inserts or updates key's value. Inserting into a full leaf, or
// updating with a value that no longer fits, triggers a split and
// retries against the resulting leaf until the write succeeds.
func (t *Tree) Put(key Key, value []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	op, err := t.durable.StartDurableOperation(nil)
	if err != nil {
		return &TreeError{Tree: t.name, Key: fmt.Sprintf("%v", key), Err: err}
	}

	if err := t.put(key, value, op); err != nil {
		t.durable.EndDurableOperation(op, true)
		return &TreeError{Tree: t.name, Key: fmt.Sprintf("%v", key), Err: &IoError{Op: "put", Err: err}}
	}

	if err := t.durable.EndDurableOperation(op, false); err != nil {
		return &TreeError{Tree: t.name, Key: fmt.Sprintf("%v", key), Err: err}
	}
	return nil
}

func (t *Tree) put(key Key, value []byte, op *AtomicOperation) error {
	result, err := t.findBucket(key, ModeNone)
	if err != nil {
		return err
	}

	isNewEntry := result.ItemIndex < 0

	for {
		leaf := result.Path[len(result.Path)-1]
		entry, bucket, err := t.loadBucket(leaf)
		if err != nil {
			return err
		}

		entry.Pointer.AcquireExclusiveLock()

		var ok bool
		if result.ItemIndex >= 0 {
			ok, err = bucket.UpdateValue(result.ItemIndex, value)
		} else {
			ok, err = bucket.AddLeafEntry(-result.ItemIndex-1, key, value, true)
		}
		if err != nil {
			entry.Pointer.ReleaseExclusiveLock()
			t.cache.Release(entry)
			return err
		}

		if ok {
			changes := bucket.PageChanges()
			entry.Pointer.ReleaseExclusiveLock()
			logErr := t.durable.LogPageChanges(entry, changes, false, op)
			t.cache.Release(entry)
			if logErr != nil {
				return logErr
			}
			break
		}

		entry.Pointer.ReleaseExclusiveLock()
		t.cache.Release(entry)

		splitResult, err := t.splitBucket(result.Path, key, op)
		if err != nil {
			return err
		}
		result = splitResult
	}

	if isNewEntry {
		return t.incrementTreeSize(1, op)
	}
	return nil
}

// Remove deletes key if present and returns its value. No merge or
// rebalance is performed on the now-emptier leaf.
func (t *Tree) Remove(key Key) ([]byte, bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	op, err := t.durable.StartDurableOperation(nil)
	if err != nil {
		return nil, false, &TreeError{Tree: t.name, Key: fmt.Sprintf("%v", key), Err: err}
	}

	value, found, err := t.remove(key, op)
	if err != nil {
		t.durable.EndDurableOperation(op, true)
		return nil, false, &TreeError{Tree: t.name, Key: fmt.Sprintf("%v", key), Err: &IoError{Op: "remove", Err: err}}
	}

	if err := t.durable.EndDurableOperation(op, false); err != nil {
		return nil, false, &TreeError{Tree: t.name, Key: fmt.Sprintf("%v", key), Err: err}
	}
	return value, found, nil
}

func (t *Tree) remove(key Key, op *AtomicOperation) ([]byte, bool, error) {
	result, err := t.findBucket(key, ModeNone)
	if err != nil {
		return nil, false, err
	}
	if result.ItemIndex < 0 {
		return nil, false, nil
	}

	leaf := result.Path[len(result.Path)-1]
	entry, bucket, err := t.loadBucket(leaf)
	if err != nil {
		return nil, false, err
	}

	entry.Pointer.AcquireExclusiveLock()
	_, rawValue, err := bucket.GetLeafEntry(result.ItemIndex)
	if err != nil {
		entry.Pointer.ReleaseExclusiveLock()
		t.cache.Release(entry)
		return nil, false, err
	}
	value := make([]byte, len(rawValue))
	copy(value, rawValue)

	bucket.Remove(result.ItemIndex)
	changes := bucket.PageChanges()
	entry.Pointer.ReleaseExclusiveLock()

	if err := t.durable.LogPageChanges(entry, changes, false, op); err != nil {
		t.cache.Release(entry)
		return nil, false, err
	}
	t.cache.Release(entry)

	// The size update happens inside the same atomic unit as the
	// removal, unlike the source's finally-block update after the
	// unit had already ended.
	if err := t.incrementTreeSize(-1, op); err != nil {
		return nil, false, err
	}
	return value, true, nil
}

func (t *Tree) incrementTreeSize(delta int64, op *AtomicOperation) error {
	entry, bucket, err := t.loadBucket(t.root)
	if err != nil {
		return err
	}
	entry.Pointer.AcquireExclusiveLock()
	bucket.SetTreeSize(uint64(int64(bucket.TreeSize()) + delta))
	changes := bucket.PageChanges()
	entry.Pointer.ReleaseExclusiveLock()

	if err := t.durable.LogPageChanges(entry, changes, false, op); err != nil {
		t.cache.Release(entry)
		return err
	}
	t.cache.Release(entry)
	return nil
}
