package httpapi

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/horizon-vpn/settlement-hub/internal/application/projection"
)

func (s *Server) queryEvents(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		respondError(w, http.StatusServiceUnavailable, "READ_MODEL_DISABLED", "event history requires the postgres read model", nil)
		return
	}
	params, err := parseHistoryParams(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", err.Error(), nil)
		return
	}
	result, err := s.history.Query(r.Context(), params)
	if err != nil {
		if errors.Is(err, projection.ErrInvalidCursor) {
			respondError(w, http.StatusBadRequest, "INVALID_PARAM", err.Error(), nil)
			return
		}
		respondError(w, http.StatusInternalServerError, "INTERNAL", "failed to query events", nil)
		return
	}
	respondJSON(w, http.StatusOK, result)
}

func parseHistoryParams(r *http.Request) (projection.QueryParams, error) {
	q := r.URL.Query()
	params := projection.QueryParams{Cursor: strings.TrimSpace(q.Get("cursor"))}
	if raw := strings.TrimSpace(q.Get("limit")); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil {
			return params, fmt.Errorf("invalid limit: %w", err)
		}
		params.Limit = limit
	}
	if raw := strings.TrimSpace(q.Get("type")); raw != "" {
		typ := strings.ToUpper(raw)
		params.Filter.Type = &typ
	}
	if raw := strings.TrimSpace(q.Get("actor")); raw != "" {
		if !common.IsHexAddress(raw) {
			return params, errors.New("invalid actor address")
		}
		actor := common.HexToAddress(raw)
		params.Filter.Actor = &actor
	}
	for key, dst := range map[string]**uint64{
		"session_id": &params.Filter.SessionID,
		"node_id":    &params.Filter.NodeID,
	} {
		raw := strings.TrimSpace(q.Get(key))
		if raw == "" {
			continue
		}
		v, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			return params, fmt.Errorf("invalid %s", key)
		}
		*dst = &v
	}
	for key, dst := range map[string]**time.Time{
		"since": &params.Filter.Since,
		"until": &params.Filter.Until,
	} {
		raw := strings.TrimSpace(q.Get(key))
		if raw == "" {
			continue
		}
		v, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return params, fmt.Errorf("invalid %s: want RFC3339", key)
		}
		v = v.UTC()
		*dst = &v
	}
	return params, nil
}
