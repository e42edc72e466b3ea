package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/satsukid/satsukid/internal/authn"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestCreate_ConflictOnDuplicateLabel(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	hash, err := authn.Hash("supers3cret")
	require.NoError(t, err)

	_, err = s.Create(ctx, "alice", hash, now)
	require.NoError(t, err)

	_, err = s.Create(ctx, "alice", hash, now)
	assert.ErrorIs(t, err, ErrConflict)
}

func TestCreate_DefaultsToInternal(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	hash, _ := authn.Hash("supers3cret")

	u, err := s.Create(ctx, "alice", hash, time.Now())
	require.NoError(t, err)
	assert.Equal(t, Internal, u.NSMode)
	assert.Empty(t, u.ExternalNS)
	assert.Nil(t, u.LastLoginAt)
}

func TestVerifyAndTouch(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	hash, _ := authn.Hash("supers3cret")
	_, err := s.Create(ctx, "alice", hash, time.Now())
	require.NoError(t, err)

	u, err := s.VerifyAndTouch(ctx, "alice", "supers3cret", time.Now())
	require.NoError(t, err)
	require.NotNil(t, u.LastLoginAt)

	_, err = s.VerifyAndTouch(ctx, "alice", "wrong", time.Now())
	assert.ErrorIs(t, err, ErrBadCredentials)

	_, err = s.VerifyAndTouch(ctx, "nobody", "whatever", time.Now())
	assert.ErrorIs(t, err, ErrMissing)
}

func TestSetExternalAndSetInternal_RoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	hash, _ := authn.Hash("supers3cret")
	_, err := s.Create(ctx, "alice", hash, time.Now())
	require.NoError(t, err)

	err = s.SetExternal(ctx, "alice", []string{"ns1.custom.", "ns2.custom."}, time.Now())
	require.NoError(t, err)

	u, err := s.Get(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, External, u.NSMode)
	assert.Equal(t, []string{"ns1.custom.", "ns2.custom."}, u.ExternalNS)

	// P5: switch_external then switch_internal clears external_ns*.
	err = s.SetInternal(ctx, "alice", time.Now())
	require.NoError(t, err)

	u, err = s.Get(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, Internal, u.NSMode)
	assert.Empty(t, u.ExternalNS)
}

func TestSetExternal_RejectsOutOfRangeCount(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	err := s.SetExternal(ctx, "alice", nil, time.Now())
	assert.Error(t, err)
	err = s.SetExternal(ctx, "alice", make([]string, 7), time.Now())
	assert.Error(t, err)
}

func TestSetPassword_MissingLabel(t *testing.T) {
	s := newTestStore(t)
	err := s.SetPassword(context.Background(), "nobody", "newhash", time.Now())
	assert.ErrorIs(t, err, ErrMissing)
}

func TestCountLabels(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	hash, _ := authn.Hash("supers3cret")
	n, err := s.CountLabels(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	_, err = s.Create(ctx, "alice", hash, time.Now())
	require.NoError(t, err)
	n, err = s.CountLabels(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}
