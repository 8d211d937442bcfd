package bonsai

import (
	"encoding/binary"
	"fmt"

	"github.com/cespare/xxhash/v2"
)

// Bucket is a B+-tree node materialized over a fixed-size region of a
// page's byte buffer. The region holds a small header, a slot
// directory of entry offsets, and a data area of variable-length
// entries that grows backward from the end of the region — the slot
// directory grows forward from the header. Bucket never copies the
// region; every mutation writes straight through to the page buffer
// the caller handed it, which is how changes end up in the WAL's page
// image once the caller calls PageChanges.
//
// Header layout (52 bytes):
//
//	0   isLeaf           1 byte
//	1   keySerializerId  1 byte
//	2   valueSerializerId 1 byte
//	3   (reserved)       1 byte
//	4   treeSize         8 bytes  (root bucket only)
//	12  leftSibling.pageIndex  8 bytes  (leaves only)
//	20  leftSibling.pageOffset 4 bytes
//	24  rightSibling.pageIndex 8 bytes
//	32  rightSibling.pageOffset 4 bytes
//	36  entryCount       4 bytes
//	40  freeStart        4 bytes  (data area high-water mark)
//	44  checksum         8 bytes  (xxhash64 over the rest of the header and the data area)
type Bucket struct {
	region []byte
}

const (
	bucketHeaderSize = 52
	slotSize         = 4

	offIsLeaf       = 0
	offKeySerID     = 1
	offValSerID     = 2
	offTreeSize     = 4
	offLeftSibPage  = 12
	offLeftSibOff   = 20
	offRightSibPage = 24
	offRightSibOff  = 32
	offEntryCount   = 36
	offFreeStart    = 40
	offChecksum     = 44
)

// NewLeafBucket initializes an empty leaf node over region.
func NewLeafBucket(region []byte) *Bucket {
	return newBucket(region, true)
}

// NewInternalBucket initializes an empty internal node over region.
func NewInternalBucket(region []byte) *Bucket {
	return newBucket(region, false)
}

func newBucket(region []byte, isLeaf bool) *Bucket {
	for i := range region {
		region[i] = 0
	}
	b := &Bucket{region: region}
	if isLeaf {
		region[offIsLeaf] = 1
	}
	b.setLeftSibling(NullPointer)
	b.setRightSibling(NullPointer)
	b.setEntryCount(0)
	b.setFreeStart(uint32(len(region)))
	return b
}

// LoadBucket wraps an existing, already-initialized region without
// touching its contents.
func LoadBucket(region []byte) *Bucket {
	return &Bucket{region: region}
}

func (b *Bucket) IsLeaf() bool { return b.region[offIsLeaf] == 1 }

func (b *Bucket) KeySerializerID() uint8   { return b.region[offKeySerID] }
func (b *Bucket) ValueSerializerID() uint8 { return b.region[offValSerID] }

func (b *Bucket) SetKeySerializerID(id uint8)   { b.region[offKeySerID] = id }
func (b *Bucket) SetValueSerializerID(id uint8) { b.region[offValSerID] = id }

func (b *Bucket) TreeSize() uint64 {
	return binary.LittleEndian.Uint64(b.region[offTreeSize:])
}

func (b *Bucket) SetTreeSize(n uint64) {
	binary.LittleEndian.PutUint64(b.region[offTreeSize:], n)
}

func (b *Bucket) LeftSibling() BucketPointer {
	return BucketPointer{
		PageIndex:  int64(binary.LittleEndian.Uint64(b.region[offLeftSibPage:])),
		PageOffset: binary.LittleEndian.Uint32(b.region[offLeftSibOff:]),
	}
}

func (b *Bucket) SetLeftSibling(p BucketPointer) { b.setLeftSibling(p) }

func (b *Bucket) setLeftSibling(p BucketPointer) {
	binary.LittleEndian.PutUint64(b.region[offLeftSibPage:], uint64(p.PageIndex))
	binary.LittleEndian.PutUint32(b.region[offLeftSibOff:], p.PageOffset)
}

func (b *Bucket) RightSibling() BucketPointer {
	return BucketPointer{
		PageIndex:  int64(binary.LittleEndian.Uint64(b.region[offRightSibPage:])),
		PageOffset: binary.LittleEndian.Uint32(b.region[offRightSibOff:]),
	}
}

func (b *Bucket) SetRightSibling(p BucketPointer) { b.setRightSibling(p) }

func (b *Bucket) setRightSibling(p BucketPointer) {
	binary.LittleEndian.PutUint64(b.region[offRightSibPage:], uint64(p.PageIndex))
	binary.LittleEndian.PutUint32(b.region[offRightSibOff:], p.PageOffset)
}

func (b *Bucket) Size() int {
	return int(binary.LittleEndian.Uint32(b.region[offEntryCount:]))
}

func (b *Bucket) IsEmpty() bool { return b.Size() == 0 }

func (b *Bucket) setEntryCount(n int) {
	binary.LittleEndian.PutUint32(b.region[offEntryCount:], uint32(n))
}

func (b *Bucket) freeStart() uint32 {
	return binary.LittleEndian.Uint32(b.region[offFreeStart:])
}

func (b *Bucket) setFreeStart(v uint32) {
	binary.LittleEndian.PutUint32(b.region[offFreeStart:], v)
}

// Checksum returns the checksum stamped by the last PageChanges call (or
// zero for a freshly initialized bucket that hasn't been through one yet).
func (b *Bucket) Checksum() uint64 {
	return binary.LittleEndian.Uint64(b.region[offChecksum:])
}

func (b *Bucket) setChecksum(v uint64) {
	binary.LittleEndian.PutUint64(b.region[offChecksum:], v)
}

// computeChecksum hashes the whole region except the checksum field
// itself, so PageChanges can stamp a value that verifies against
// everything else in the bucket.
func (b *Bucket) computeChecksum() uint64 {
	h := xxhash.New()
	h.Write(b.region[:offChecksum])
	h.Write(b.region[offChecksum+8:])
	return h.Sum64()
}

// VerifyChecksum reports whether the stored checksum matches the
// bucket's current contents — false means the region was corrupted or
// never had PageChanges called on it after a mutation.
func (b *Bucket) VerifyChecksum() bool {
	return b.Checksum() == b.computeChecksum()
}

func (b *Bucket) slotOffset(i int) int { return bucketHeaderSize + i*slotSize }

func (b *Bucket) getSlot(i int) uint32 {
	o := b.slotOffset(i)
	return binary.LittleEndian.Uint32(b.region[o:])
}

func (b *Bucket) setSlot(i int, v uint32) {
	o := b.slotOffset(i)
	binary.LittleEndian.PutUint32(b.region[o:], v)
}

// availableSpace is the gap between the end of the slot directory and
// the start of the data area — what a new entry has to fit into.
func (b *Bucket) availableSpace() int {
	dirEnd := bucketHeaderSize + (b.Size()+1)*slotSize
	return int(b.freeStart()) - dirEnd
}

// encodeLeafEntry lays out a leaf (key, value) pair.
func encodeLeafEntry(key Key, value []byte) ([]byte, error) {
	encKey, err := EncodeKey(key)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, 4+len(encKey)+4+len(value))
	binary.LittleEndian.PutUint32(buf[0:4], uint32(len(encKey)))
	copy(buf[4:], encKey)
	pos := 4 + len(encKey)
	binary.LittleEndian.PutUint32(buf[pos:pos+4], uint32(len(value)))
	copy(buf[pos+4:], value)
	return buf, nil
}

func decodeLeafEntry(data []byte) (Key, []byte, error) {
	if len(data) < 4 {
		return Key{}, nil, fmt.Errorf("bonsai: truncated leaf entry")
	}
	keyLen := int(binary.LittleEndian.Uint32(data[0:4]))
	if len(data) < 4+keyLen+4 {
		return Key{}, nil, fmt.Errorf("bonsai: truncated leaf entry key")
	}
	key, _, err := DecodeKey(data[4 : 4+keyLen])
	if err != nil {
		return Key{}, nil, err
	}
	pos := 4 + keyLen
	valLen := int(binary.LittleEndian.Uint32(data[pos : pos+4]))
	if len(data) < pos+4+valLen {
		return Key{}, nil, fmt.Errorf("bonsai: truncated leaf entry value")
	}
	value := data[pos+4 : pos+4+valLen]
	return key, value, nil
}

// encodeInternalEntry lays out (leftChild, rightChild, key); value is
// unused for internal entries.
func encodeInternalEntry(left, right BucketPointer, key Key) ([]byte, error) {
	encKey, err := EncodeKey(key)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, 28+len(encKey))
	binary.LittleEndian.PutUint64(buf[0:8], uint64(left.PageIndex))
	binary.LittleEndian.PutUint32(buf[8:12], left.PageOffset)
	binary.LittleEndian.PutUint64(buf[12:20], uint64(right.PageIndex))
	binary.LittleEndian.PutUint32(buf[20:24], right.PageOffset)
	binary.LittleEndian.PutUint32(buf[24:28], uint32(len(encKey)))
	copy(buf[28:], encKey)
	return buf, nil
}

func decodeInternalEntry(data []byte) (BucketPointer, BucketPointer, Key, error) {
	if len(data) < 28 {
		return BucketPointer{}, BucketPointer{}, Key{}, fmt.Errorf("bonsai: truncated internal entry")
	}
	left := BucketPointer{
		PageIndex:  int64(binary.LittleEndian.Uint64(data[0:8])),
		PageOffset: binary.LittleEndian.Uint32(data[8:12]),
	}
	right := BucketPointer{
		PageIndex:  int64(binary.LittleEndian.Uint64(data[12:20])),
		PageOffset: binary.LittleEndian.Uint32(data[20:24]),
	}
	keyLen := int(binary.LittleEndian.Uint32(data[24:28]))
	if len(data) < 28+keyLen {
		return BucketPointer{}, BucketPointer{}, Key{}, fmt.Errorf("bonsai: truncated internal entry key")
	}
	key, _, err := DecodeKey(data[28 : 28+keyLen])
	if err != nil {
		return BucketPointer{}, BucketPointer{}, Key{}, err
	}
	return left, right, key, nil
}

func (b *Bucket) rawEntry(i int) []byte {
	start := int(b.getSlot(i))
	// the entry's own length is implicit in its encoding (length-prefixed
	// fields), so hand back everything from its offset to the end of the
	// data area and let the decoder stop where it needs to.
	return b.region[start:]
}

// GetKey returns the key of entry i, dispatching on node kind.
func (b *Bucket) GetKey(i int) (Key, error) {
	if b.IsLeaf() {
		k, _, err := decodeLeafEntry(b.rawEntry(i))
		return k, err
	}
	_, _, k, err := decodeInternalEntry(b.rawEntry(i))
	return k, err
}

// GetLeafEntry returns the (key, value) pair at i. Panics-free: caller
// must ensure IsLeaf() first.
func (b *Bucket) GetLeafEntry(i int) (Key, []byte, error) {
	return decodeLeafEntry(b.rawEntry(i))
}

// GetInternalEntry returns (leftChild, rightChild, key) at i.
func (b *Bucket) GetInternalEntry(i int) (BucketPointer, BucketPointer, Key, error) {
	return decodeInternalEntry(b.rawEntry(i))
}

// Find performs a binary search for key among the bucket's entries.
// Returns the index if found; otherwise -(insertionIndex)-1.
func (b *Bucket) Find(key Key) (int, error) {
	lo, hi := 0, b.Size()-1
	for lo <= hi {
		mid := (lo + hi) / 2
		k, err := b.GetKey(mid)
		if err != nil {
			return 0, err
		}
		c := compareKeys(k, key)
		switch {
		case c == 0:
			return mid, nil
		case c < 0:
			lo = mid + 1
		default:
			hi = mid - 1
		}
	}
	return -(lo) - 1, nil
}

func (b *Bucket) insertSlot(i int, offset uint32) {
	n := b.Size()
	// shift slots [i, n) right by one
	for j := n; j > i; j-- {
		b.setSlot(j, b.getSlot(j-1))
	}
	b.setSlot(i, offset)
}

// addRaw writes an already-encoded entry at slot i. Returns false if
// there isn't room — the caller must split.
func (b *Bucket) addRaw(i int, raw []byte, updateSize bool) bool {
	if len(raw)+slotSize > b.availableSpace() {
		// reclaim data left behind by removed or rewritten entries
		b.Shrink(b.Size())
		if len(raw)+slotSize > b.availableSpace() {
			return false
		}
	}
	newOffset := b.freeStart() - uint32(len(raw))
	copy(b.region[newOffset:], raw)
	b.setFreeStart(newOffset)
	b.insertSlot(i, newOffset)
	if updateSize {
		b.setEntryCount(b.Size() + 1)
	}
	return true
}

// AddLeafEntry inserts (key, value) at index i.
func (b *Bucket) AddLeafEntry(i int, key Key, value []byte, updateSize bool) (bool, error) {
	raw, err := encodeLeafEntry(key, value)
	if err != nil {
		return false, err
	}
	return b.addRaw(i, raw, updateSize), nil
}

// AddInternalEntry inserts (leftChild, rightChild, key) at index i.
func (b *Bucket) AddInternalEntry(i int, left, right BucketPointer, key Key, updateSize bool) (bool, error) {
	raw, err := encodeInternalEntry(left, right, key)
	if err != nil {
		return false, err
	}
	return b.addRaw(i, raw, updateSize), nil
}

// SetInternalLeftChild overwrites entry i's left-child pointer in
// place, without touching its key or right-child — used when inserting
// a new separator shifts entry i and its old left child (the subtree
// that just got split) needs to point at the new right sibling instead.
func (b *Bucket) SetInternalLeftChild(i int, left BucketPointer) {
	start := int(b.getSlot(i))
	binary.LittleEndian.PutUint64(b.region[start:], uint64(left.PageIndex))
	binary.LittleEndian.PutUint32(b.region[start+8:], left.PageOffset)
}

// AddAllRaw bulk-appends already-encoded entries in order, used to
// copy a contiguous range into a freshly allocated bucket after a
// split. Returns an error (not a bool) since running out of room here
// means the split math itself is wrong — an assertion failure, not a
// normal "caller must split" signal.
func (b *Bucket) AddAllRaw(rawEntries [][]byte) error {
	for _, raw := range rawEntries {
		if !b.addRaw(b.Size(), raw, true) {
			return &AssertionError{Msg: "bucket ran out of space while copying a split range"}
		}
	}
	return nil
}

// RawEntryAt returns entry i's raw encoded bytes, trimmed to its exact
// length, suitable for AddAllRaw on another bucket.
func (b *Bucket) RawEntryAt(i int) ([]byte, error) {
	var entryLen int
	if b.IsLeaf() {
		_, _, err := decodeLeafEntry(b.rawEntry(i))
		if err != nil {
			return nil, err
		}
		entryLen = leafEntryLen(b.rawEntry(i))
	} else {
		_, _, _, err := decodeInternalEntry(b.rawEntry(i))
		if err != nil {
			return nil, err
		}
		entryLen = internalEntryLen(b.rawEntry(i))
	}
	start := int(b.getSlot(i))
	return b.region[start : start+entryLen], nil
}

func leafEntryLen(data []byte) int {
	keyLen := int(binary.LittleEndian.Uint32(data[0:4]))
	pos := 4 + keyLen
	valLen := int(binary.LittleEndian.Uint32(data[pos : pos+4]))
	return pos + 4 + valLen
}

func internalEntryLen(data []byte) int {
	keyLen := int(binary.LittleEndian.Uint32(data[24:28]))
	return 28 + keyLen
}

// UpdateValue replaces the value of leaf entry i in place. Returns
// false if the new value doesn't fit — the caller must split.
func (b *Bucket) UpdateValue(i int, value []byte) (bool, error) {
	key, err := b.GetKey(i)
	if err != nil {
		return false, err
	}
	raw, err := encodeLeafEntry(key, value)
	if err != nil {
		return false, err
	}
	// the slot itself doesn't grow, only the data area does
	dirEnd := bucketHeaderSize + b.Size()*slotSize
	if len(raw) > int(b.freeStart())-dirEnd {
		// reclaim data left behind by removed or rewritten entries
		b.Shrink(b.Size())
		if len(raw) > int(b.freeStart())-dirEnd {
			return false, nil
		}
	}
	newOffset := b.freeStart() - uint32(len(raw))
	copy(b.region[newOffset:], raw)
	b.setFreeStart(newOffset)
	b.setSlot(i, newOffset)
	return true, nil
}

// Remove deletes entry i. Siblings and remaining entries are
// untouched; no merge or rebalance is performed.
func (b *Bucket) Remove(i int) {
	n := b.Size()
	for j := i; j < n-1; j++ {
		b.setSlot(j, b.getSlot(j+1))
	}
	b.setEntryCount(n - 1)
}

// Shrink truncates the bucket to its first n entries, used on the
// original node after its right half has been copied elsewhere during
// a split. The kept entries are rewritten contiguously at the end of
// the region, so the data space of the dropped entries is free again.
func (b *Bucket) Shrink(n int) {
	kept := make([][]byte, n)
	for i := 0; i < n; i++ {
		data := b.rawEntry(i)
		l := internalEntryLen(data)
		if b.IsLeaf() {
			l = leafEntryLen(data)
		}
		kept[i] = append([]byte(nil), data[:l]...)
	}
	b.setEntryCount(0)
	b.setFreeStart(uint32(len(b.region)))
	for i, raw := range kept {
		b.addRaw(i, raw, true)
	}
}

// PageChanges stamps the bucket's checksum over its current contents
// and returns the region bytes as an image — the simplest possible
// "delta" given the byte format is otherwise unconstrained, and a
// bucket's region is always small relative to a WAL record.
func (b *Bucket) PageChanges() []byte {
	b.setChecksum(b.computeChecksum())
	out := make([]byte, len(b.region))
	copy(out, b.region)
	return out
}
