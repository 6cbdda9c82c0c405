package httpapi

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/horizon-vpn/settlement-hub/internal/p2p/protocol"
)

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"ok":       true,
		"nodeId":   s.cluster.ID(),
		"state":    s.cluster.State(),
		"leader":   s.cluster.LeaderAddr(),
		"leaderId": s.cluster.LeaderNodeID(),
	})
}

func (s *Server) submitTx(w http.ResponseWriter, r *http.Request) {
	if !s.cluster.IsLeader() {
		s.notLeader(w, "submit to leader")
		return
	}
	var tx protocol.Tx
	if err := decodeBody(r, &tx); err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", err.Error(), nil)
		return
	}
	if err := tx.ValidateBasic(); err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_TX", err.Error(), nil)
		return
	}
	receipt, err := s.cluster.ApplyTx(r.Context(), tx)
	if err != nil {
		if isLeadershipErr(err) {
			s.notLeader(w, err.Error())
			return
		}
		s.respondLedgerError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, receipt)
}

func (s *Server) getReceipt(w http.ResponseWriter, r *http.Request) {
	txID := strings.TrimSpace(chi.URLParam(r, "txId"))
	receipt, ok := s.ledger.Receipt(txID)
	if !ok {
		respondError(w, http.StatusNotFound, "NOT_FOUND", "tx not found", nil)
		return
	}
	respondJSON(w, http.StatusOK, receipt)
}

func (s *Server) getSession(w http.ResponseWriter, r *http.Request) {
	id, err := parseIDParam(r, "sessionId")
	if err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", "invalid session id", nil)
		return
	}
	session, err := s.ledger.GetSession(id, s.now())
	if err != nil {
		s.respondLedgerError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, session)
}

func (s *Server) sessionAccess(w http.ResponseWriter, r *http.Request) {
	id, err := parseIDParam(r, "sessionId")
	if err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", "invalid session id", nil)
		return
	}
	allowed, session, err := s.ledger.SessionAccess(id, s.now())
	if err != nil {
		s.respondLedgerError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"sessionId":     session.SessionID,
		"nodeId":        session.NodeID,
		"buyer":         session.Buyer,
		"allowed":       allowed,
		"status":        session.Status,
		"capacityUnits": session.CapacityUnits,
		"expiresAt":     session.ExpiresAt,
	})
}

func (s *Server) listEvents(w http.ResponseWriter, r *http.Request) {
	id, err := parseIDParam(r, "sessionId")
	if err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", "invalid session id", nil)
		return
	}
	if _, err := s.ledger.GetSession(id, s.now()); err != nil {
		s.respondLedgerError(w, err)
		return
	}
	limit, offset := parseLimitOffset(r, 100, 500)
	respondJSON(w, http.StatusOK, map[string]any{
		"sessionId": id,
		"events":    s.ledger.ListEvents(id, limit, offset),
	})
}

func (s *Server) buyerSessions(w http.ResponseWriter, r *http.Request) {
	addr, err := parseAddressParam(r, "addr")
	if err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", err.Error(), nil)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"buyer":    addr,
		"sessions": s.ledger.SessionsForBuyer(addr),
	})
}

func (s *Server) operatorSessions(w http.ResponseWriter, r *http.Request) {
	addr, err := parseAddressParam(r, "addr")
	if err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", err.Error(), nil)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"operator": addr,
		"sessions": s.ledger.SessionsForOperator(addr),
	})
}

func (s *Server) listNodes(w http.ResponseWriter, r *http.Request) {
	limit, offset := parseLimitOffset(r, 100, 500)
	respondJSON(w, http.StatusOK, map[string]any{
		"nodes": s.ledger.ListActiveNodes(limit, offset),
	})
}

func (s *Server) getNode(w http.ResponseWriter, r *http.Request) {
	id, err := parseIDParam(r, "nodeId")
	if err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", "invalid node id", nil)
		return
	}
	n, err := s.ledger.GetNode(id)
	if err != nil {
		s.respondLedgerError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, n)
}

func (s *Server) operatorNodes(w http.ResponseWriter, r *http.Request) {
	addr, err := parseAddressParam(r, "addr")
	if err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", err.Error(), nil)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"operator": addr,
		"nodes":    s.ledger.OperatorNodes(addr),
	})
}

func (s *Server) operatorEarnings(w http.ResponseWriter, r *http.Request) {
	if s.earnings == nil {
		respondError(w, http.StatusServiceUnavailable, "READ_MODEL_DISABLED", "earnings require the postgres read model", nil)
		return
	}
	addr, err := parseAddressParam(r, "addr")
	if err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", err.Error(), nil)
		return
	}
	earnings, err := s.earnings.OperatorEarnings(r.Context(), addr)
	if err != nil {
		s.logger.Error().Err(err).Str("operator", addr.Hex()).Msg("load earnings")
		respondError(w, http.StatusInternalServerError, "INTERNAL", "failed to load earnings", nil)
		return
	}
	respondJSON(w, http.StatusOK, earnings)
}

func (s *Server) getAccount(w http.ResponseWriter, r *http.Request) {
	addr, err := parseAddressParam(r, "addr")
	if err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", err.Error(), nil)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"account": addr,
		"balance": s.ledger.Balance(addr),
	})
}

func (s *Server) getParams(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"params":  s.ledger.Params(),
		"custody": s.ledger.Custody(),
	})
}

func (s *Server) stateStats(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, s.ledger.StateStats(s.now()))
}

func (s *Server) raftStatus(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"node_id":    s.cluster.ID(),
		"raft_addr":  s.cluster.RaftAddr(),
		"state":      s.cluster.State(),
		"leader":     s.cluster.LeaderAddr(),
		"leader_id":  s.cluster.LeaderNodeID(),
		"is_leader":  s.cluster.IsLeader(),
		"raft_stats": s.cluster.Stats(),
	})
}

type raftJoinRequest struct {
	NodeID   string `json:"node_id"`
	RaftAddr string `json:"raft_addr"`
}

func (s *Server) raftJoin(w http.ResponseWriter, r *http.Request) {
	if !s.cluster.IsLeader() {
		s.notLeader(w, "submit to leader")
		return
	}
	var req raftJoinRequest
	if err := decodeBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", err.Error(), nil)
		return
	}
	if err := s.cluster.AddVoter(r.Context(), req.NodeID, req.RaftAddr); err != nil {
		if isLeadershipErr(err) {
			s.notLeader(w, err.Error())
			return
		}
		respondError(w, http.StatusBadRequest, "JOIN_FAILED", err.Error(), nil)
		return
	}
	s.logger.Info().Str("voter_id", req.NodeID).Str("voter_addr", req.RaftAddr).Msg("join accepted")
	respondJSON(w, http.StatusOK, map[string]any{"status": "OK"})
}

type raftRemoveRequest struct {
	NodeID string `json:"node_id"`
}

func (s *Server) raftRemove(w http.ResponseWriter, r *http.Request) {
	if !s.cluster.IsLeader() {
		s.notLeader(w, "submit to leader")
		return
	}
	var req raftRemoveRequest
	if err := decodeBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", err.Error(), nil)
		return
	}
	if err := s.cluster.RemoveServer(r.Context(), req.NodeID); err != nil {
		if isLeadershipErr(err) {
			s.notLeader(w, err.Error())
			return
		}
		respondError(w, http.StatusBadRequest, "REMOVE_FAILED", err.Error(), nil)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"status": "OK"})
}
