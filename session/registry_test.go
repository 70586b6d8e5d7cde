package session

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistryCreateReturnsTheJustInsertedID(t *testing.T) {
	r := NewRegistry()
	sess := &Session{}

	id := r.Create(sess)
	got, err := r.Get(id)
	require.NoError(t, err)
	assert.Same(t, sess, got, "Create must return the id of the session it just inserted, not the id for a future one")
}

func TestRegistryIDsAreMonotonicAndNeverReused(t *testing.T) {
	r := NewRegistry()
	id1 := r.Create(&Session{})
	id2 := r.Create(&Session{})
	assert.Less(t, id1, id2)

	r.Delete(id1)
	id3 := r.Create(&Session{})
	assert.NotEqual(t, id1, id3)
}

func TestRegistryGetUnknownIDFails(t *testing.T) {
	r := NewRegistry()
	_, err := r.Get(999)
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestRegistryDeleteIsIdempotent(t *testing.T) {
	r := NewRegistry()
	id := r.Create(&Session{})
	r.Delete(id)
	r.Delete(id)
	_, err := r.Get(id)
	assert.ErrorIs(t, err, ErrSessionNotFound)
}
