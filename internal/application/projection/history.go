package projection

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"

	"github.com/horizon-vpn/settlement-hub/internal/ledger"
)

// EventFilter narrows an event history query. Nil fields match everything.
type EventFilter struct {
	Type      *string
	Actor     *common.Address
	SessionID *uint64
	NodeID    *uint64
	Since     *time.Time
	Until     *time.Time
}

// EventCursor is the keyset position after the last returned event.
type EventCursor struct {
	CommitTime time.Time `json:"t"`
	EventID    string    `json:"id"`
}

// EventRepository reads the projected event log.
type EventRepository interface {
	QueryEvents(ctx context.Context, filter EventFilter, cursor *EventCursor, limit int) ([]ledger.Event, *EventCursor, error)
}

// QueryParams is the external shape of a history query.
type QueryParams struct {
	Filter EventFilter
	Cursor string
	Limit  int
}

// QueryResult is one page of history, newest first.
type QueryResult struct {
	Events     []ledger.Event `json:"events"`
	Pagination Pagination     `json:"pagination"`
}

type Pagination struct {
	Cursor  *string `json:"cursor,omitempty"`
	HasMore bool    `json:"hasMore"`
	Count   int     `json:"count"`
}

// History serves the cross-session event log from the read model.
type History struct {
	repo   EventRepository
	logger zerolog.Logger
}

func NewHistory(repo EventRepository, logger zerolog.Logger) *History {
	return &History{repo: repo, logger: logger.With().Str("service", "history").Logger()}
}

// Query returns one page of events matching params.
func (h *History) Query(ctx context.Context, params QueryParams) (*QueryResult, error) {
	if params.Limit <= 0 {
		params.Limit = 50
	}
	if params.Limit > 200 {
		params.Limit = 200
	}

	var cursor *EventCursor
	if params.Cursor != "" {
		c, err := decodeCursor(params.Cursor)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidCursor, err)
		}
		cursor = c
	}

	events, next, err := h.repo.QueryEvents(ctx, params.Filter, cursor, params.Limit)
	if err != nil {
		h.logger.Error().Err(err).Msg("failed to query events")
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	if events == nil {
		events = []ledger.Event{}
	}

	result := &QueryResult{
		Events: events,
		Pagination: Pagination{
			Count:   len(events),
			HasMore: next != nil,
		},
	}
	if next != nil {
		encoded, err := encodeCursor(next)
		if err != nil {
			h.logger.Warn().Err(err).Msg("failed to encode cursor")
		} else {
			result.Pagination.Cursor = &encoded
		}
	}
	return result, nil
}

// ErrInvalidCursor marks a cursor that was not issued by Query.
var ErrInvalidCursor = errors.New("invalid cursor")

func encodeCursor(c *EventCursor) (string, error) {
	data, err := json.Marshal(c)
	if err != nil {
		return "", err
	}
	return base64.URLEncoding.EncodeToString(data), nil
}

func decodeCursor(s string) (*EventCursor, error) {
	data, err := base64.URLEncoding.DecodeString(s)
	if err != nil {
		return nil, err
	}
	var c EventCursor
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, err
	}
	if c.EventID == "" || c.CommitTime.IsZero() {
		return nil, errors.New("incomplete cursor")
	}
	return &c, nil
}
