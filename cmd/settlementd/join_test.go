package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJoinRetriesUntilAccepted(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/raft/join", r.URL.Path)
		assert.Equal(t, "Bearer s3cret", r.Header.Get("Authorization"))

		var body map[string]string
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "n2", body["node_id"])
		assert.Equal(t, "127.0.0.1:17001", body["raft_addr"])

		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusConflict)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	j := joiner{client: srv.Client(), token: "s3cret", retries: 5, delay: time.Millisecond}
	require.NoError(t, j.join(context.Background(), srv.URL+"/", "n2", "127.0.0.1:17001"))
	assert.Equal(t, int32(3), calls.Load())
}

func TestJoinGivesUp(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	j := joiner{client: srv.Client(), retries: 2, delay: time.Millisecond}
	err := j.join(context.Background(), srv.URL, "n2", "127.0.0.1:17001")
	require.EqualError(t, err, "join returned status 401")
}

func TestJoinStopsOnCancel(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	j := joiner{client: srv.Client(), retries: 3, delay: time.Hour}
	require.Error(t, j.join(ctx, srv.URL, "n2", "127.0.0.1:17001"))
}
