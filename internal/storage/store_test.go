package storage

import (
	"path/filepath"
	"testing"

	"github.com/boltdb/bolt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "core.db")
	s, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestStore_PutGet(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.Put(BucketHeaders, []byte("k1"), []byte("v1")))

	got, err := s.Get(BucketHeaders, []byte("k1"))
	require.NoError(t, err)
	assert.Equal(t, []byte("v1"), got)
}

func TestStore_GetMissingIsErrNotFound(t *testing.T) {
	s := openTestStore(t)
	_, err := s.Get(BucketHeaders, []byte("absent"))
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStore_Has(t *testing.T) {
	s := openTestStore(t)
	assert.False(t, s.Has(BucketBodies, []byte("x")))
	require.NoError(t, s.Put(BucketBodies, []byte("x"), []byte("y")))
	assert.True(t, s.Has(BucketBodies, []byte("x")))
}

func TestStore_Delete(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.Put(BucketExtras, []byte("k"), []byte("v")))
	require.NoError(t, s.Delete(BucketExtras, []byte("k")))
	assert.False(t, s.Has(BucketExtras, []byte("k")))

	// deleting an absent key is a no-op
	assert.NoError(t, s.Delete(BucketExtras, []byte("k")))
}

func TestStore_ForEachVisitsAllInOrder(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.Put(BucketAccounts, []byte("b"), []byte("2")))
	require.NoError(t, s.Put(BucketAccounts, []byte("a"), []byte("1")))
	require.NoError(t, s.Put(BucketAccounts, []byte("c"), []byte("3")))

	var keys []string
	require.NoError(t, s.ForEach(BucketAccounts, func(key, value []byte) error {
		keys = append(keys, string(key))
		return nil
	}))
	assert.Equal(t, []string{"a", "b", "c"}, keys)
}

func TestStore_BatchIsAtomic(t *testing.T) {
	s := openTestStore(t)
	err := s.Batch(func(tx *bolt.Tx) error {
		if err := tx.Bucket(BucketState).Put([]byte("h"), []byte("header")); err != nil {
			return err
		}
		return tx.Bucket(BucketState).Put([]byte("b"), []byte("body"))
	})
	require.NoError(t, err)

	assert.True(t, s.Has(BucketState, []byte("h")))
	assert.True(t, s.Has(BucketState, []byte("b")))
}

func TestWAL_AppendReadReplay(t *testing.T) {
	s := openTestStore(t)
	w := NewWAL(s, "consensus")

	seq1 := HeightStepSeq(1, 0)
	seq2 := HeightStepSeq(1, 1)
	require.NoError(t, w.Append(seq1, []byte("propose")))
	require.NoError(t, w.Append(seq2, []byte("prevote")))

	got, err := w.Read(seq1)
	require.NoError(t, err)
	assert.Equal(t, []byte("propose"), got)

	seen := map[string]string{}
	require.NoError(t, w.Replay(func(seq, record []byte) error {
		seen[string(seq)] = string(record)
		return nil
	}))
	assert.Equal(t, "propose", seen[string(seq1)])
	assert.Equal(t, "prevote", seen[string(seq2)])
}

func TestWAL_NamespacesDoNotCollide(t *testing.T) {
	s := openTestStore(t)
	authWAL := NewWAL(s, "auth")
	consWAL := NewWAL(s, "consensus")

	seq := HeightStepSeq(5, 2)
	require.NoError(t, authWAL.Append(seq, []byte("auth-record")))
	require.NoError(t, consWAL.Append(seq, []byte("cons-record")))

	got, err := authWAL.Read(seq)
	require.NoError(t, err)
	assert.Equal(t, []byte("auth-record"), got)

	got, err = consWAL.Read(seq)
	require.NoError(t, err)
	assert.Equal(t, []byte("cons-record"), got)
}

func TestValidateHeightStepSeq(t *testing.T) {
	assert.NoError(t, ValidateHeightStepSeq(HeightStepSeq(1, 0)))
	assert.ErrorIs(t, ValidateHeightStepSeq([]byte("short")), ErrWALCorrupt)
}
