package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/horizon-vpn/settlement-hub/internal/application/projection"
	"github.com/horizon-vpn/settlement-hub/internal/infrastructure/sse"
)

const streamKeepAlive = 15 * time.Second

// streamEvents serves committed ledger events as server-sent events.
// ?types=SESSION_COMPLETED,PAYOUT_CLAIMED narrows the stream.
func (s *Server) streamEvents(w http.ResponseWriter, r *http.Request) {
	if s.stream == nil {
		respondError(w, http.StatusServiceUnavailable, "STREAM_DISABLED", "event stream is not enabled", nil)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		respondError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "streaming not supported", nil)
		return
	}
	// Streams outlive the server-wide write timeout.
	if err := http.NewResponseController(w).SetWriteDeadline(time.Time{}); err != nil && !errors.Is(err, http.ErrNotSupported) {
		respondError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "streaming not supported", nil)
		return
	}

	clientID := strings.TrimSpace(r.URL.Query().Get("client_id"))
	if clientID == "" {
		clientID = uuid.NewString()
	}
	var subjects []string
	for _, t := range strings.Split(r.URL.Query().Get("types"), ",") {
		if t = strings.TrimSpace(t); t != "" {
			subjects = append(subjects, projection.Subject(t))
		}
	}

	client := sse.NewClient(clientID, subjects, sse.DefaultBuffer)
	s.stream.Register(client)
	defer s.stream.Unregister(client)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write([]byte(": connected\n\n")); err != nil {
		return
	}
	flusher.Flush()

	keepAlive := time.NewTicker(streamKeepAlive)
	defer keepAlive.Stop()

	ctx := r.Context()
	for {
		select {
		case msg, open := <-client.C:
			if !open {
				return
			}
			if err := writeEvent(w, msg); err != nil {
				s.logger.Debug().Err(err).Str("client_id", clientID).Msg("stream write failed")
				return
			}
			flusher.Flush()
		case <-keepAlive.C:
			if _, err := w.Write([]byte(": ping\n\n")); err != nil {
				return
			}
			flusher.Flush()
		case <-ctx.Done():
			return
		}
	}
}

func writeEvent(w http.ResponseWriter, msg *sse.Message) error {
	var evt struct {
		Type string `json:"type"`
	}
	_ = json.Unmarshal(msg.Data, &evt)

	var b strings.Builder
	b.WriteString("id: " + msg.ID + "\n")
	if evt.Type != "" {
		b.WriteString("event: " + evt.Type + "\n")
	}
	b.WriteString("data: ")
	b.Write(msg.Data)
	b.WriteString("\n\n")
	_, err := w.Write([]byte(b.String()))
	return err
}
