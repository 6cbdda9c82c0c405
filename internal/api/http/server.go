package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/hashicorp/raft"
	"github.com/holiman/uint256"
	"github.com/rs/zerolog"

	"github.com/horizon-vpn/settlement-hub/internal/application/projection"
	"github.com/horizon-vpn/settlement-hub/internal/domain/escrow"
	"github.com/horizon-vpn/settlement-hub/internal/domain/node"
	"github.com/horizon-vpn/settlement-hub/internal/infrastructure/metrics"
	"github.com/horizon-vpn/settlement-hub/internal/infrastructure/sse"
	"github.com/horizon-vpn/settlement-hub/internal/ledger"
	"github.com/horizon-vpn/settlement-hub/internal/p2p/protocol"
)

// Cluster is the replicated write path. *consensus.Node implements it.
type Cluster interface {
	ID() string
	RaftAddr() string
	State() string
	LeaderAddr() string
	LeaderNodeID() string
	IsLeader() bool
	Stats() map[string]string
	ApplyTx(ctx context.Context, tx protocol.Tx) (ledger.Receipt, error)
	AddVoter(ctx context.Context, nodeID, raftAddr string) error
	RemoveServer(ctx context.Context, nodeID string) error
}

// Ledger is the local read path. *ledger.Machine implements it.
type Ledger interface {
	GetSession(id uint64, now time.Time) (escrow.Session, error)
	SessionAccess(id uint64, now time.Time) (bool, escrow.Session, error)
	SessionsForBuyer(buyer common.Address) []uint64
	SessionsForOperator(operator common.Address) []uint64
	GetNode(id uint64) (node.Node, error)
	ListActiveNodes(limit, offset int) []node.Node
	OperatorNodes(operator common.Address) []node.Node
	Balance(addr common.Address) *uint256.Int
	Custody() *uint256.Int
	Params() ledger.Params
	Receipt(txID string) (ledger.Receipt, bool)
	ListEvents(sessionID uint64, limit, offset int) []ledger.Event
	StateStats(at time.Time) ledger.Stats
}

// EarningsReader serves operator aggregates from the read model.
type EarningsReader interface {
	OperatorEarnings(ctx context.Context, operator common.Address) (escrow.Earnings, error)
}

// EventHistory pages the cross-session event log from the read model.
type EventHistory interface {
	Query(ctx context.Context, params projection.QueryParams) (*projection.QueryResult, error)
}

// Options carries the optional collaborators of a Server.
type Options struct {
	Logger       zerolog.Logger
	Metrics      *metrics.Metrics
	Earnings     EarningsReader
	History      EventHistory
	Stream       *sse.Hub
	ClusterToken string
	Clock        func() time.Time
}

// Server provides the settlement HTTP API.
type Server struct {
	cluster      Cluster
	ledger       Ledger
	earnings     EarningsReader
	history      EventHistory
	stream       *sse.Hub
	metrics      *metrics.Metrics
	logger       zerolog.Logger
	clusterToken string
	clock        func() time.Time
}

func NewServer(cluster Cluster, ledger Ledger, opts Options) *Server {
	clock := opts.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Server{
		cluster:      cluster,
		ledger:       ledger,
		earnings:     opts.Earnings,
		history:      opts.History,
		stream:       opts.Stream,
		metrics:      opts.Metrics,
		logger:       opts.Logger.With().Str("component", "http").Logger(),
		clusterToken: opts.ClusterToken,
		clock:        clock,
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)
	if s.metrics != nil {
		r.Use(s.metrics.Middleware)
		r.Method(http.MethodGet, "/metrics", s.metrics.Handler())
	}

	r.Get("/healthz", s.healthz)
	r.Route("/v1", func(r chi.Router) {
		r.Get("/stream", s.streamEvents)
		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(30 * time.Second))
			s.mountLedgerRoutes(r)
		})
	})

	return r
}

func (s *Server) mountLedgerRoutes(r chi.Router) {
	r.Post("/tx", s.submitTx)
	r.Get("/tx/{txId}", s.getReceipt)

	r.Get("/sessions/{sessionId}", s.getSession)
	r.Get("/sessions/{sessionId}/access", s.sessionAccess)
	r.Get("/sessions/{sessionId}/events", s.listEvents)
	r.Get("/buyers/{addr}/sessions", s.buyerSessions)
	r.Get("/operators/{addr}/sessions", s.operatorSessions)

	r.Get("/nodes", s.listNodes)
	r.Get("/nodes/{nodeId}", s.getNode)
	r.Get("/operators/{addr}/nodes", s.operatorNodes)
	r.Get("/operators/{addr}/earnings", s.operatorEarnings)

	r.Get("/events", s.queryEvents)

	r.Get("/accounts/{addr}", s.getAccount)
	r.Get("/params", s.getParams)
	r.Get("/stats", s.stateStats)

	r.Get("/raft", s.raftStatus)
	r.Group(func(r chi.Router) {
		r.Use(s.requireClusterToken)
		r.Post("/raft/join", s.raftJoin)
		r.Post("/raft/remove", s.raftRemove)
	})
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		event := s.logger.Debug()
		if status >= http.StatusInternalServerError {
			event = s.logger.Error()
		}
		event.
			Str("request_id", middleware.GetReqID(r.Context())).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", status).
			Int("bytes", ww.BytesWritten()).
			Dur("duration", time.Since(start)).
			Msg("http request")
	})
}

func (s *Server) now() time.Time {
	return s.clock().UTC()
}

func (s *Server) notLeader(w http.ResponseWriter, message string) {
	respondError(w, http.StatusConflict, "NOT_LEADER", message, map[string]any{
		"leader":    s.cluster.LeaderAddr(),
		"leader_id": s.cluster.LeaderNodeID(),
	})
}

// respondLedgerError maps ledger and engine failures onto the error envelope.
func (s *Server) respondLedgerError(w http.ResponseWriter, err error) {
	if errors.Is(err, ledger.ErrInvalidTx) {
		respondError(w, http.StatusBadRequest, "INVALID_TX", err.Error(), nil)
		return
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, raft.ErrEnqueueTimeout) {
		respondError(w, http.StatusServiceUnavailable, "TIMEOUT", err.Error(), nil)
		return
	}
	code, ok := escrow.CodeOf(err)
	if !ok {
		s.logger.Error().Err(err).Msg("unclassified ledger error")
		respondError(w, http.StatusInternalServerError, "INTERNAL", err.Error(), nil)
		return
	}
	respondError(w, statusFor(code), string(code), err.Error(), nil)
}

func statusFor(code escrow.Code) int {
	switch code {
	case escrow.CodeUnknownOrInactiveNode, escrow.CodeUnknownSession:
		return http.StatusNotFound
	case escrow.CodeInsufficientFunds:
		return http.StatusPaymentRequired
	case escrow.CodeNotAuthorizedToClaim, escrow.CodeNotAuthorized:
		return http.StatusForbidden
	case escrow.CodeAlreadySettled:
		return http.StatusConflict
	case escrow.CodeArithmeticFault:
		return http.StatusInternalServerError
	default:
		return http.StatusBadRequest
	}
}

func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

func parseLimitOffset(r *http.Request, defaultLimit, maxLimit int) (int, int) {
	limit := defaultLimit
	offset := 0
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil {
			limit = parsed
		}
	}
	if raw := strings.TrimSpace(r.URL.Query().Get("offset")); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil {
			offset = parsed
		}
	}
	if limit <= 0 {
		limit = defaultLimit
	}
	if limit > maxLimit {
		limit = maxLimit
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}

func parseIDParam(r *http.Request, key string) (uint64, error) {
	return strconv.ParseUint(strings.TrimSpace(chi.URLParam(r, key)), 10, 64)
}

func parseAddressParam(r *http.Request, key string) (common.Address, error) {
	raw := strings.TrimSpace(chi.URLParam(r, key))
	if !common.IsHexAddress(raw) {
		return common.Address{}, errors.New("invalid address")
	}
	return common.HexToAddress(raw), nil
}

func respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func respondError(w http.ResponseWriter, status int, code, message string, extra map[string]any) {
	out := map[string]any{
		"error":   code,
		"message": message,
	}
	for k, v := range extra {
		out[k] = v
	}
	respondJSON(w, status, out)
}

func isLeadershipErr(err error) bool {
	return errors.Is(err, raft.ErrNotLeader) ||
		errors.Is(err, raft.ErrLeadershipLost) ||
		errors.Is(err, raft.ErrLeadershipTransferInProgress)
}
