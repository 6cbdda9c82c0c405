package projection

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/horizon-vpn/settlement-hub/internal/ledger"
)

type stubEvents struct {
	gotCursor *EventCursor
	gotLimit  int
	events    []ledger.Event
	next      *EventCursor
	err       error
}

func (s *stubEvents) QueryEvents(_ context.Context, _ EventFilter, cursor *EventCursor, limit int) ([]ledger.Event, *EventCursor, error) {
	s.gotCursor = cursor
	s.gotLimit = limit
	return s.events, s.next, s.err
}

func TestHistoryPagination(t *testing.T) {
	at := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	repo := &stubEvents{
		events: []ledger.Event{{EventID: "tx-9:0", Type: ledger.EventSessionCreated, CommitTime: at}},
		next:   &EventCursor{CommitTime: at, EventID: "tx-9:0"},
	}
	h := NewHistory(repo, zerolog.Nop())

	page, err := h.Query(context.Background(), QueryParams{Limit: 1000})
	require.NoError(t, err)
	assert.Equal(t, 200, repo.gotLimit)
	assert.Nil(t, repo.gotCursor)
	assert.True(t, page.Pagination.HasMore)
	require.NotNil(t, page.Pagination.Cursor)

	repo.next = nil
	page, err = h.Query(context.Background(), QueryParams{Cursor: *page.Pagination.Cursor})
	require.NoError(t, err)
	assert.Equal(t, 50, repo.gotLimit)
	require.NotNil(t, repo.gotCursor)
	assert.Equal(t, "tx-9:0", repo.gotCursor.EventID)
	assert.True(t, repo.gotCursor.CommitTime.Equal(at))
	assert.False(t, page.Pagination.HasMore)
	assert.Nil(t, page.Pagination.Cursor)
}

func TestHistoryRejectsForeignCursor(t *testing.T) {
	h := NewHistory(&stubEvents{}, zerolog.Nop())
	for _, c := range []string{"%%%", "bm90LWpzb24=", "e30="} {
		_, err := h.Query(context.Background(), QueryParams{Cursor: c})
		assert.ErrorIs(t, err, ErrInvalidCursor, c)
	}
}

func TestHistoryEmptyAndFailure(t *testing.T) {
	h := NewHistory(&stubEvents{}, zerolog.Nop())
	page, err := h.Query(context.Background(), QueryParams{})
	require.NoError(t, err)
	assert.NotNil(t, page.Events)
	assert.Zero(t, page.Pagination.Count)

	h = NewHistory(&stubEvents{err: errors.New("timeout")}, zerolog.Nop())
	_, err = h.Query(context.Background(), QueryParams{})
	assert.ErrorContains(t, err, "timeout")
}
