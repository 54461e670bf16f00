package iterator

import (
	"encoding/binary"
	"fmt"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"strata/internal/base"
)

var vin = base.MakeVin("LSVNV2182E2100001")

func kv(ts int64, value string) base.InternalKV {
	return base.MakeInternalKV(vin, ts, []byte(value))
}

func collect(t *testing.T, it Iterator) []base.InternalKV {
	t.Helper()
	var out []base.InternalKV
	for ; it.Valid(); it.Next() {
		out = append(out, base.InternalKV{K: it.Key(), V: append([]byte(nil), it.Value()...)})
	}
	require.NoError(t, it.Error())
	return out
}

type closeCounter struct {
	Iterator
	closed *int
}

func (c closeCounter) Close() error {
	*c.closed++
	return nil
}

func TestMergingIterator(t *testing.T) {
	newer := NewSliceIterator([]base.InternalKV{kv(30, "n30"), kv(20, "n20")})
	older := NewSliceIterator([]base.InternalKV{kv(25, "o25"), kv(20, "o20"), kv(10, "o10")})

	closed := 0
	m := NewMergingIterator(closeCounter{newer, &closed}, closeCounter{older, &closed})
	m.SeekToFirst()

	got := collect(t, m)
	// Equal keys from both children are yielded newest first.
	assert.Equal(t, []base.InternalKV{
		kv(30, "n30"), kv(25, "o25"), kv(20, "n20"), kv(20, "o20"), kv(10, "o10"),
	}, got)

	m.Seek(base.MakeInternalKey(vin, 22))
	require.True(t, m.Valid())
	assert.Equal(t, kv(20, "n20"), base.InternalKV{K: m.Key(), V: m.Value()})

	require.NoError(t, m.Close())
	assert.Equal(t, 2, closed)
}

func TestMergingIteratorDegenerate(t *testing.T) {
	empty := NewMergingIterator()
	empty.SeekToFirst()
	assert.False(t, empty.Valid())

	single := NewSliceIterator([]base.InternalKV{kv(1, "a")})
	assert.Same(t, single, NewMergingIterator(single))
}

func TestMergingIteratorError(t *testing.T) {
	boom := errors.New("boom")
	m := NewMergingIterator(NewSliceIterator([]base.InternalKV{kv(1, "a")}), Empty(boom))
	m.SeekToFirst()
	assert.False(t, m.Valid())
	assert.ErrorIs(t, m.Error(), boom)
}

// mapSource serves data iterators by a big-endian block number.
type mapSource struct {
	blocks map[uint64][]base.InternalKV
	opened int
	closed int
}

func (s *mapSource) Open(handle []byte) (Iterator, error) {
	n := binary.BigEndian.Uint64(handle)
	kvs, ok := s.blocks[n]
	if !ok {
		return nil, fmt.Errorf("no block %d", n)
	}
	s.opened++
	return WithCleanup(NewSliceIterator(kvs), Close(func() { s.closed++ })), nil
}

func handle(n uint64) []byte {
	return binary.BigEndian.AppendUint64(nil, n)
}

func TestTwoLevelIterator(t *testing.T) {
	source := &mapSource{blocks: map[uint64][]base.InternalKV{
		0: {kv(50, "a"), kv(40, "b")},
		1: {},
		2: {kv(30, "c"), kv(20, "d")},
		3: {kv(10, "e")},
	}}
	index := NewSliceIterator([]base.InternalKV{
		{K: base.MakeInternalKey(vin, 40), V: handle(0)},
		{K: base.MakeInternalKey(vin, 35), V: handle(1)},
		{K: base.MakeInternalKey(vin, 20), V: handle(2)},
		{K: base.MakeInternalKey(vin, 10), V: handle(3)},
	})

	it := NewTwoLevelIterator(index, source)
	it.SeekToFirst()
	got := collect(t, it)
	require.Len(t, got, 5)
	assert.Equal(t, "abcde", string([]byte{got[0].V[0], got[1].V[0], got[2].V[0], got[3].V[0], got[4].V[0]}))

	// Seeking lands in the block whose last key covers the target, and skips
	// the empty block.
	it.Seek(base.MakeInternalKey(vin, 35))
	require.True(t, it.Valid())
	assert.Equal(t, int64(30), it.Key().Timestamp)

	it.Seek(base.MakeInternalKey(vin, 5))
	assert.False(t, it.Valid())
	require.NoError(t, it.Error())

	require.NoError(t, it.Close())
	assert.Equal(t, source.opened, source.closed)
}

func TestTwoLevelIteratorSourceError(t *testing.T) {
	source := &mapSource{blocks: map[uint64][]base.InternalKV{}}
	index := NewSliceIterator([]base.InternalKV{{K: base.MakeInternalKey(vin, 1), V: handle(9)}})

	it := NewTwoLevelIterator(index, source)
	it.SeekToFirst()
	assert.False(t, it.Valid())
	assert.Error(t, it.Error())
}

func TestCleanupRunsOnce(t *testing.T) {
	n := 0
	it := WithCleanup(Empty(nil), Close(func() { n++ }))
	require.NoError(t, it.Close())
	require.NoError(t, it.Close())
	assert.Equal(t, 1, n)
}
