package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// joiner asks an existing member to add this node as a voter.
type joiner struct {
	client  *http.Client
	token   string
	retries int
	delay   time.Duration
}

func (j joiner) join(ctx context.Context, baseURL, nodeID, raftAddr string) error {
	endpoint := strings.TrimRight(baseURL, "/") + "/v1/raft/join"
	body, err := json.Marshal(map[string]string{
		"node_id":   nodeID,
		"raft_addr": raftAddr,
	})
	if err != nil {
		return err
	}

	retries := j.retries
	if retries <= 0 {
		retries = 1
	}
	var lastErr error
	for i := 0; i < retries; i++ {
		if i > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(j.delay):
			}
		}
		lastErr = j.attempt(ctx, endpoint, body)
		if lastErr == nil {
			return nil
		}
	}
	if lastErr == nil {
		lastErr = errors.New("join failed")
	}
	return lastErr
}

func (j joiner) attempt(ctx context.Context, endpoint string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if j.token != "" {
		req.Header.Set("Authorization", "Bearer "+j.token)
	}
	resp, err := j.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	return fmt.Errorf("join returned status %d", resp.StatusCode)
}
