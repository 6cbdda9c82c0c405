package postgres

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/horizon-vpn/settlement-hub/internal/domain/escrow"
	"github.com/horizon-vpn/settlement-hub/internal/domain/node"
	"github.com/horizon-vpn/settlement-hub/internal/ledger"
)

// ReadModelRepository implements projection.Store. Every write is an
// upsert so re-projecting a receipt is harmless.
type ReadModelRepository struct {
	pool *pgxpool.Pool
}

func NewReadModelRepository(pool *pgxpool.Pool) *ReadModelRepository {
	return &ReadModelRepository{pool: pool}
}

func (r *ReadModelRepository) SaveSession(ctx context.Context, s escrow.Session) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO sessions
		(session_id, node_id, buyer, operator, deposit_amount, capacity_units, duration_seconds, price_per_unit_at_creation, used_units, status, payout_claimed, created_at, expires_at)
		VALUES ($1,$2,$3,$4,$5::numeric,$6::numeric,$7::numeric,$8::numeric,$9::numeric,$10,$11,$12,$13)
		ON CONFLICT (session_id) DO UPDATE SET
			used_units = EXCLUDED.used_units,
			status = EXCLUDED.status,
			payout_claimed = EXCLUDED.payout_claimed
	`, int64(s.SessionID), int64(s.NodeID), addressText(s.Buyer), addressText(s.Operator), amountText(s.DepositAmount),
		unitsText(s.CapacityUnits), unitsText(s.DurationSeconds), amountText(s.PricePerUnitAtCreation), unitsText(s.UsedUnits),
		string(s.Status), s.PayoutClaimed, s.CreatedAt, s.ExpiresAt)
	return err
}

func (r *ReadModelRepository) SaveSettlement(ctx context.Context, s escrow.Session, st escrow.Settlement) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO settlements
		(session_id, node_id, operator, buyer, settled_by, asserted_used_units, effective_used, gross, net_operator_payout, buyer_refund, platform_fee, fee_bps, expiry_finalize, settled_at)
		VALUES ($1,$2,$3,$4,$5,$6::numeric,$7::numeric,$8::numeric,$9::numeric,$10::numeric,$11::numeric,$12,$13,$14)
		ON CONFLICT (session_id) DO NOTHING
	`, int64(st.SessionID), int64(s.NodeID), addressText(s.Operator), addressText(s.Buyer), addressText(st.SettledBy),
		unitsText(st.AssertedUsedUnits), unitsText(st.EffectiveUsed), amountText(st.Gross), amountText(st.NetOperatorPayout),
		amountText(st.BuyerRefund), amountText(st.PlatformFee), int32(st.FeeBps), st.Finalized, st.SettledAt)
	return err
}

func (r *ReadModelRepository) SaveNode(ctx context.Context, n node.Node) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO nodes
		(node_id, operator, name, region, price_per_unit, advertised_bandwidth, endpoint, public_key, status, total_sessions, total_data_served, registered_at, updated_at)
		VALUES ($1,$2,$3,$4,$5::numeric,$6::numeric,$7,$8,$9,$10::numeric,$11::numeric,$12,$13)
		ON CONFLICT (node_id) DO UPDATE SET
			name = EXCLUDED.name,
			region = EXCLUDED.region,
			price_per_unit = EXCLUDED.price_per_unit,
			advertised_bandwidth = EXCLUDED.advertised_bandwidth,
			endpoint = EXCLUDED.endpoint,
			public_key = EXCLUDED.public_key,
			status = EXCLUDED.status,
			total_sessions = EXCLUDED.total_sessions,
			total_data_served = EXCLUDED.total_data_served,
			updated_at = EXCLUDED.updated_at
	`, int64(n.NodeID), addressText(n.Operator), n.Name, n.Region, amountText(n.PricePerUnit), unitsText(n.AdvertisedBandwidth),
		n.Endpoint, n.PublicKey, string(n.Status), unitsText(n.TotalSessions), unitsText(n.TotalDataServed), n.RegisteredAt, n.UpdatedAt)
	return err
}

// AppendEvents inserts the events of one receipt in a single batch.
func (r *ReadModelRepository) AppendEvents(ctx context.Context, events []ledger.Event) error {
	if len(events) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, e := range events {
		var payload *string
		if len(e.Payload) > 0 {
			raw := string(e.Payload)
			payload = &raw
		}
		batch.Queue(`
			INSERT INTO ledger_events (event_id, type, session_id, node_id, actor, tx_id, payload, commit_time)
			VALUES ($1,$2,$3,$4,$5,$6,$7::jsonb,$8)
			ON CONFLICT (event_id) DO NOTHING
		`, e.EventID, e.Type, optionalID(e.SessionID), optionalID(e.NodeID), addressText(e.Actor), e.TxID, payload, e.CommitTime)
	}
	return r.pool.SendBatch(ctx, batch).Close()
}

type earningsRow struct {
	SettledSessions int64  `db:"settled_sessions"`
	UnitsServed     string `db:"units_served"`
	GrossAmount     string `db:"gross_amount"`
	NetPayout       string `db:"net_payout"`
	PlatformFees    string `db:"platform_fees"`
	BuyerRefunds    string `db:"buyer_refunds"`
}

// OperatorEarnings sums every settlement of the operator's sessions.
func (r *ReadModelRepository) OperatorEarnings(ctx context.Context, operator common.Address) (escrow.Earnings, error) {
	var row earningsRow
	err := get(ctx, r.pool, &row, `
		SELECT
			COUNT(1) AS settled_sessions,
			COALESCE(SUM(effective_used), 0)::text AS units_served,
			COALESCE(SUM(gross), 0)::text AS gross_amount,
			COALESCE(SUM(net_operator_payout), 0)::text AS net_payout,
			COALESCE(SUM(platform_fee), 0)::text AS platform_fees,
			COALESCE(SUM(buyer_refund), 0)::text AS buyer_refunds
		FROM settlements WHERE operator=$1
	`, addressText(operator))
	if err != nil {
		return escrow.Earnings{}, err
	}
	return row.toEarnings(operator)
}

func (row earningsRow) toEarnings(operator common.Address) (escrow.Earnings, error) {
	out := escrow.Earnings{Operator: operator, SettledSessions: row.SettledSessions}
	units, err := strconv.ParseUint(row.UnitsServed, 10, 64)
	if err != nil {
		return escrow.Earnings{}, fmt.Errorf("units_served: %w", err)
	}
	out.UnitsServed = units
	for _, f := range []struct {
		name string
		raw  string
		dst  **uint256.Int
	}{
		{"gross_amount", row.GrossAmount, &out.GrossAmount},
		{"net_payout", row.NetPayout, &out.NetPayout},
		{"platform_fees", row.PlatformFees, &out.PlatformFees},
		{"buyer_refunds", row.BuyerRefunds, &out.BuyerRefunds},
	} {
		v, err := uint256.FromDecimal(f.raw)
		if err != nil {
			return escrow.Earnings{}, fmt.Errorf("%s: %w", f.name, err)
		}
		*f.dst = v
	}
	return out, nil
}

// Addresses are stored lowercased so lookups do not depend on checksum case.
func addressText(a common.Address) string {
	return strings.ToLower(a.Hex())
}

func amountText(v *uint256.Int) string {
	if v == nil {
		return "0"
	}
	return v.Dec()
}

func unitsText(v uint64) string {
	return strconv.FormatUint(v, 10)
}

func optionalID(id uint64) *int64 {
	if id == 0 {
		return nil
	}
	v := int64(id)
	return &v
}
