package postgres

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/horizon-vpn/settlement-hub/internal/application/projection"
	"github.com/horizon-vpn/settlement-hub/internal/ledger"
)

// EventRepository implements projection.EventRepository over ledger_events.
type EventRepository struct {
	pool *pgxpool.Pool
}

func NewEventRepository(pool *pgxpool.Pool) *EventRepository {
	return &EventRepository{pool: pool}
}

type eventRow struct {
	EventID    string    `db:"event_id"`
	Type       string    `db:"type"`
	SessionID  *int64    `db:"session_id"`
	NodeID     *int64    `db:"node_id"`
	Actor      string    `db:"actor"`
	TxID       string    `db:"tx_id"`
	Payload    *string   `db:"payload"`
	CommitTime time.Time `db:"commit_time"`
}

func (row eventRow) toEvent() ledger.Event {
	e := ledger.Event{
		EventID:    row.EventID,
		Type:       row.Type,
		Actor:      common.HexToAddress(row.Actor),
		TxID:       row.TxID,
		CommitTime: row.CommitTime.UTC(),
	}
	if row.SessionID != nil {
		e.SessionID = uint64(*row.SessionID)
	}
	if row.NodeID != nil {
		e.NodeID = uint64(*row.NodeID)
	}
	if row.Payload != nil {
		e.Payload = json.RawMessage(*row.Payload)
	}
	return e
}

// QueryEvents pages through events newest first using a (commit_time, event_id) keyset.
func (r *EventRepository) QueryEvents(ctx context.Context, filter projection.EventFilter, cursor *projection.EventCursor, limit int) ([]ledger.Event, *projection.EventCursor, error) {
	query, args := buildEventQuery(filter, cursor, limit)

	var rows []eventRow
	if err := list(ctx, r.pool, &rows, query, args...); err != nil {
		return nil, nil, err
	}

	events := make([]ledger.Event, 0, len(rows))
	for _, row := range rows {
		events = append(events, row.toEvent())
	}

	var next *projection.EventCursor
	if len(events) == limit && limit > 0 {
		last := events[len(events)-1]
		next = &projection.EventCursor{CommitTime: last.CommitTime, EventID: last.EventID}
	}
	return events, next, nil
}

func buildEventQuery(filter projection.EventFilter, cursor *projection.EventCursor, limit int) (string, []any) {
	query := `SELECT event_id, type, session_id, node_id, actor, tx_id, payload::text AS payload, commit_time FROM ledger_events`
	args := []any{}
	idx := 1
	if filter.Type != nil {
		query += addWhere(query) + " type=$" + itoa(idx)
		args = append(args, *filter.Type)
		idx++
	}
	if filter.Actor != nil {
		query += addWhere(query) + " actor=$" + itoa(idx)
		args = append(args, addressText(*filter.Actor))
		idx++
	}
	if filter.SessionID != nil {
		query += addWhere(query) + " session_id=$" + itoa(idx)
		args = append(args, int64(*filter.SessionID))
		idx++
	}
	if filter.NodeID != nil {
		query += addWhere(query) + " node_id=$" + itoa(idx)
		args = append(args, int64(*filter.NodeID))
		idx++
	}
	if filter.Since != nil {
		query += addWhere(query) + " commit_time >= $" + itoa(idx)
		args = append(args, *filter.Since)
		idx++
	}
	if filter.Until != nil {
		query += addWhere(query) + " commit_time <= $" + itoa(idx)
		args = append(args, *filter.Until)
		idx++
	}
	if cursor != nil {
		query += addWhere(query) + " (commit_time, event_id) < ($" + itoa(idx) + ", $" + itoa(idx+1) + ")"
		args = append(args, cursor.CommitTime, cursor.EventID)
		idx += 2
	}

	query += " ORDER BY commit_time DESC, event_id DESC LIMIT $" + itoa(idx)
	args = append(args, limit)
	return query, args
}

func addWhere(query string) string {
	if strings.Contains(query, " WHERE ") {
		return " AND"
	}
	return " WHERE"
}

func itoa(i int) string {
	return strconv.Itoa(i)
}
