package consensus

import (
	"bytes"
	"crypto/ecdsa"
	"encoding/json"
	"io"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/hashicorp/raft"
	"github.com/holiman/uint256"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/horizon-vpn/settlement-hub/internal/domain/escrow"
	"github.com/horizon-vpn/settlement-hub/internal/ledger"
	"github.com/horizon-vpn/settlement-hub/internal/p2p/protocol"
)

type memSink struct {
	bytes.Buffer
	cancelled bool
	closed    bool
}

func (s *memSink) ID() string    { return "mem" }
func (s *memSink) Cancel() error { s.cancelled = true; return nil }
func (s *memSink) Close() error  { s.closed = true; return nil }

func newTestFSM(t *testing.T, admin *ecdsa.PrivateKey, buffer int) *fsm {
	t.Helper()
	treasury := common.HexToAddress("0x00000000000000000000000000000000000000fe")
	m, err := ledger.NewMachine(ledger.Genesis{Params: ledger.DefaultParams(ethcrypto.PubkeyToAddress(admin.PublicKey), treasury)})
	require.NoError(t, err)
	return newFSM(m, buffer, zerolog.Nop())
}

func entry(t *testing.T, key *ecdsa.PrivateKey, txID string, at time.Time, op protocol.Operation, payload any) *raft.Log {
	t.Helper()
	raw, err := json.Marshal(payload)
	require.NoError(t, err)
	tx := protocol.Tx{TxID: txID, Nonce: txID, Timestamp: at, Op: op, Payload: raw}
	require.NoError(t, tx.Sign(key))
	data, err := json.Marshal(logEntry{Tx: tx, CommittedAt: at})
	require.NoError(t, err)
	return &raft.Log{Index: 1, Data: data}
}

func TestFSMApplyReturnsReceiptOrError(t *testing.T) {
	admin, _ := ethcrypto.GenerateKey()
	buyer, _ := ethcrypto.GenerateKey()
	f := newTestFSM(t, admin, 4)
	at := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)

	resp := f.Apply(entry(t, admin, "fund-1", at, protocol.OpAccountFund, protocol.AccountFundPayload{
		Account: ethcrypto.PubkeyToAddress(buyer.PublicKey), Amount: uint256.NewInt(50),
	}))
	receipt, ok := resp.(ledger.Receipt)
	require.True(t, ok, "got %T", resp)
	assert.Equal(t, uint64(50), receipt.Balance.Uint64())

	select {
	case got := <-f.commits:
		assert.Equal(t, "fund-1", got.TxID)
	default:
		t.Fatal("expected receipt on commit feed")
	}

	resp = f.Apply(entry(t, buyer, "fund-2", at, protocol.OpAccountFund, protocol.AccountFundPayload{
		Account: ethcrypto.PubkeyToAddress(buyer.PublicKey), Amount: uint256.NewInt(50),
	}))
	err, ok := resp.(error)
	require.True(t, ok)
	assert.ErrorIs(t, err, escrow.ErrNotAuthorized)
	assert.Empty(t, f.commits)

	resp = f.Apply(&raft.Log{Index: 9, Data: []byte("{")})
	_, ok = resp.(error)
	assert.True(t, ok)
}

func TestFSMReappliedTxIsNotPublishedTwice(t *testing.T) {
	admin, _ := ethcrypto.GenerateKey()
	f := newTestFSM(t, admin, 8)
	at := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	account := common.HexToAddress("0x00000000000000000000000000000000000000b1")
	log := entry(t, admin, "fund-1", at, protocol.OpAccountFund, protocol.AccountFundPayload{Account: account, Amount: uint256.NewInt(5)})

	first, ok := f.Apply(log).(ledger.Receipt)
	require.True(t, ok)
	second, ok := f.Apply(log).(ledger.Receipt)
	require.True(t, ok)

	assert.False(t, first.Replayed)
	assert.True(t, second.Replayed)
	assert.Equal(t, first.TxID, second.TxID)
	assert.Len(t, f.commits, 1)
	assert.Equal(t, uint64(5), f.machine.Balance(account).Uint64())
}

func TestFSMCommitFeedDropsWhenFull(t *testing.T) {
	admin, _ := ethcrypto.GenerateKey()
	f := newTestFSM(t, admin, 1)
	at := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	account := common.HexToAddress("0x00000000000000000000000000000000000000b1")

	for _, id := range []string{"a", "b", "c"} {
		resp := f.Apply(entry(t, admin, id, at, protocol.OpAccountFund, protocol.AccountFundPayload{Account: account, Amount: uint256.NewInt(1)}))
		_, ok := resp.(ledger.Receipt)
		require.True(t, ok)
	}
	assert.Len(t, f.commits, 1)
	assert.Equal(t, uint64(2), f.dropped.Load())

	f.close()
	f.close()
	f.publish(ledger.Receipt{TxID: "late"})
}

func TestFSMSnapshotRestore(t *testing.T) {
	admin, _ := ethcrypto.GenerateKey()
	f := newTestFSM(t, admin, 0)
	at := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	account := common.HexToAddress("0x00000000000000000000000000000000000000b1")
	f.Apply(entry(t, admin, "fund", at, protocol.OpAccountFund, protocol.AccountFundPayload{Account: account, Amount: uint256.NewInt(77)}))

	snap, err := f.Snapshot()
	require.NoError(t, err)
	sink := &memSink{}
	require.NoError(t, snap.Persist(sink))
	assert.True(t, sink.closed)
	snap.Release()

	restored := newTestFSM(t, admin, 0)
	require.NoError(t, restored.Restore(io.NopCloser(bytes.NewReader(sink.Bytes()))))
	assert.Equal(t, uint64(77), restored.machine.Balance(account).Uint64())

	_, ok := restored.machine.Receipt("fund")
	assert.True(t, ok)
	require.NoError(t, restored.Restore(io.NopCloser(bytes.NewReader(nil))))
}

func TestConfigNormalized(t *testing.T) {
	_, err := Config{RaftAddr: "127.0.0.1:7000", DataDir: "/tmp/x"}.normalized()
	assert.Error(t, err)

	cfg, err := Config{NodeID: " n1 ", RaftAddr: "127.0.0.1:7000", DataDir: "/tmp/x", CommitBuffer: -1}.normalized()
	require.NoError(t, err)
	assert.Equal(t, "n1", cfg.NodeID)
	assert.Equal(t, 2, cfg.SnapshotRetain)
	assert.Equal(t, 5*time.Second, cfg.ApplyTimeout)
	assert.Equal(t, 0, cfg.CommitBuffer)
	assert.NotNil(t, cfg.Clock)
}
