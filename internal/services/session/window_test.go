package session

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cans/internal/domain"
)

func TestWindow_AcceptsOnceAndExpires(t *testing.T) {
	var w domain.ReplayWindow
	const size = 128

	for _, seq := range []uint64{1, 2, 5, 3} {
		require.NoError(t, checkWindow(&w, seq, size), "seq %d", seq)
		markWindow(&w, seq, size)
	}
	assert.Equal(t, uint64(5), w.Highest)
	assert.ErrorIs(t, checkWindow(&w, 3, size), domain.ErrDuplicateMessage)
	assert.NoError(t, checkWindow(&w, 4, size))

	markWindow(&w, 200, size)
	assert.ErrorIs(t, checkWindow(&w, 5, size), domain.ErrReplayOrExpired)
	assert.ErrorIs(t, checkWindow(&w, 200, size), domain.ErrDuplicateMessage)
	assert.NoError(t, checkWindow(&w, 199, size))
	assert.NoError(t, checkWindow(&w, 73, size))
	assert.ErrorIs(t, checkWindow(&w, 72, size), domain.ErrReplayOrExpired)
}

func TestWindow_ShiftKeepsBitsAcrossWords(t *testing.T) {
	var w domain.ReplayWindow
	const size = 256

	markWindow(&w, 10, size)
	markWindow(&w, 80, size)
	markWindow(&w, 150, size)

	for _, seq := range []uint64{10, 80, 150} {
		assert.ErrorIs(t, checkWindow(&w, seq, size), domain.ErrDuplicateMessage, "seq %d", seq)
	}
	assert.NoError(t, checkWindow(&w, 11, size))
}

func TestWindow_ZeroIsRejected(t *testing.T) {
	var w domain.ReplayWindow
	assert.ErrorIs(t, checkWindow(&w, 0, DefaultWindow), domain.ErrReplayOrExpired)
}

func TestTransition_TableIsClosed(t *testing.T) {
	next, err := transition(domain.SessionNone, evStart)
	require.NoError(t, err)
	assert.Equal(t, domain.SessionPending, next)

	next, err = transition(domain.SessionEstablished, evInit)
	require.NoError(t, err)
	assert.Equal(t, domain.SessionStale, next)

	_, err = transition(domain.SessionStale, evMessage)
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)
	_, err = transition(domain.SessionNone, evResponse)
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)
}
