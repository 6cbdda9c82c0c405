//go:build integration
// +build integration

package integration

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	httpapi "github.com/horizon-vpn/settlement-hub/internal/api/http"
	"github.com/horizon-vpn/settlement-hub/internal/application/projection"
	"github.com/horizon-vpn/settlement-hub/internal/infrastructure/metrics"
	"github.com/horizon-vpn/settlement-hub/internal/infrastructure/sse"
	"github.com/horizon-vpn/settlement-hub/internal/ledger"
	"github.com/horizon-vpn/settlement-hub/internal/p2p/consensus"
	"github.com/horizon-vpn/settlement-hub/internal/p2p/protocol"
)

var treasury = common.HexToAddress("0x00000000000000000000000000000000000000fe")

type harness struct {
	node     *consensus.Node
	server   *httptest.Server
	hub      *sse.Hub
	admin    *ecdsa.PrivateKey
	operator *ecdsa.PrivateKey
	buyer    *ecdsa.PrivateKey
	seq      int
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{admin: newKey(t), operator: newKey(t), buyer: newKey(t)}

	node, err := consensus.NewNode(consensus.Config{
		NodeID:       "it-1",
		RaftAddr:     freeAddr(t),
		DataDir:      t.TempDir(),
		Bootstrap:    true,
		ApplyTimeout: 5 * time.Second,
		Genesis:      ledger.Genesis{Params: ledger.DefaultParams(addr(h.admin), treasury)},
		CommitBuffer: 64,
		Logger:       zerolog.Nop(),
	})
	require.NoError(t, err)
	h.node = node

	ctx, cancel := context.WithCancel(context.Background())
	waitCtx, waitCancel := context.WithTimeout(ctx, 10*time.Second)
	_, err = node.WaitForLeader(waitCtx, 50*time.Millisecond)
	waitCancel()
	require.NoError(t, err)
	require.Eventually(t, node.IsLeader, 5*time.Second, 50*time.Millisecond)

	h.hub = sse.NewHub()
	m := metrics.New()
	go projection.NewService(nil, nil, m, zerolog.Nop()).WithLive(h.hub).Run(ctx, node.Commits())

	api := httpapi.NewServer(node, node.Machine(), httpapi.Options{
		Logger:  zerolog.Nop(),
		Metrics: m,
		Stream:  h.hub,
	})
	h.server = httptest.NewServer(api.Router())

	t.Cleanup(func() {
		cancel()
		h.hub.Stop()
		h.server.Close()
		_ = node.Shutdown()
	})
	return h
}

func (h *harness) submit(t *testing.T, key *ecdsa.PrivateKey, op protocol.Operation, payload any, value *uint256.Int) (int, map[string]any) {
	t.Helper()
	h.seq++
	raw, err := json.Marshal(payload)
	require.NoError(t, err)
	id := fmt.Sprintf("it-%03d", h.seq)
	tx := protocol.Tx{TxID: id, Nonce: id, Timestamp: time.Now().UTC(), Op: op, Payload: raw, Value: value}
	require.NoError(t, tx.Sign(key))
	return h.post(t, tx)
}

func (h *harness) post(t *testing.T, tx protocol.Tx) (int, map[string]any) {
	t.Helper()
	body, err := json.Marshal(tx)
	require.NoError(t, err)
	resp, err := http.Post(h.server.URL+"/v1/tx", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	var out map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return resp.StatusCode, out
}

func (h *harness) get(t *testing.T, path string) (int, map[string]any) {
	t.Helper()
	resp, err := http.Get(h.server.URL + path)
	require.NoError(t, err)
	defer resp.Body.Close()
	var out map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return resp.StatusCode, out
}

func TestSessionLifecycleThroughRaft(t *testing.T) {
	h := newHarness(t)
	watcher := sse.NewClient("it-watch", []string{projection.Subject(ledger.EventPayoutClaimed)}, 8)
	h.hub.Register(watcher)

	status, _ := h.submit(t, h.operator, protocol.OpNodeRegister, protocol.NodeRegisterPayload{
		Name: "ams-1", PricePerUnit: uint256.NewInt(3), Endpoint: "198.51.100.7:51820",
	}, nil)
	require.Equal(t, http.StatusOK, status)

	status, _ = h.submit(t, h.admin, protocol.OpAccountFund, protocol.AccountFundPayload{
		Account: addr(h.buyer), Amount: uint256.NewInt(500),
	}, nil)
	require.Equal(t, http.StatusOK, status)

	status, created := h.submit(t, h.buyer, protocol.OpSessionCreate, protocol.SessionCreatePayload{
		NodeID: 1, CapacityUnits: 100, DurationSeconds: 3600,
	}, uint256.NewInt(300))
	require.Equal(t, http.StatusOK, status, created)
	sessionID := uint64(created["sessionId"].(float64))

	_, access := h.get(t, fmt.Sprintf("/v1/sessions/%d/access", sessionID))
	assert.Equal(t, true, access["allowed"])

	status, settled := h.submit(t, h.operator, protocol.OpSessionSettle, protocol.SessionSettlePayload{
		SessionID: sessionID, AssertedUsedUnits: 40,
	}, nil)
	require.Equal(t, http.StatusOK, status, settled)

	// 40 units at 3 = 120 gross, 1% fee.
	_, operator := h.get(t, "/v1/accounts/"+addr(h.operator).Hex())
	assert.Equal(t, "119", operator["balance"])
	_, buyer := h.get(t, "/v1/accounts/"+addr(h.buyer).Hex())
	assert.Equal(t, "380", buyer["balance"])
	_, treasuryAcct := h.get(t, "/v1/accounts/"+treasury.Hex())
	assert.Equal(t, "1", treasuryAcct["balance"])

	status, _ = h.submit(t, h.operator, protocol.OpSessionSettle, protocol.SessionSettlePayload{
		SessionID: sessionID, AssertedUsedUnits: 40,
	}, nil)
	assert.Equal(t, http.StatusConflict, status)

	select {
	case msg := <-watcher.C:
		assert.Equal(t, projection.Subject(ledger.EventPayoutClaimed), msg.Subject)
	case <-time.After(5 * time.Second):
		t.Fatal("payout event not streamed")
	}
}

func TestReplayedTxReturnsOriginalReceipt(t *testing.T) {
	h := newHarness(t)

	raw, err := json.Marshal(protocol.FeeSetPayload{FeeBps: 250})
	require.NoError(t, err)
	tx := protocol.Tx{TxID: "fee-1", Nonce: "fee-1", Timestamp: time.Now().UTC(), Op: protocol.OpFeeSet, Payload: raw}
	require.NoError(t, tx.Sign(h.admin))

	status, first := h.post(t, tx)
	require.Equal(t, http.StatusOK, status, first)
	status, second := h.post(t, tx)
	require.Equal(t, http.StatusOK, status, second)
	assert.Equal(t, first, second)

	_, params := h.get(t, "/v1/params")
	assert.EqualValues(t, 250, params["params"].(map[string]any)["feeBps"])
}

func newKey(t *testing.T) *ecdsa.PrivateKey {
	t.Helper()
	key, err := ethcrypto.GenerateKey()
	require.NoError(t, err)
	return key
}

func addr(key *ecdsa.PrivateKey) common.Address {
	return ethcrypto.PubkeyToAddress(key.PublicKey)
}

func freeAddr(t *testing.T) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()
	return l.Addr().String()
}
