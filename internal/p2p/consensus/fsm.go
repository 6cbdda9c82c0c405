package consensus

import (
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/raft"
	"github.com/rs/zerolog"

	"github.com/horizon-vpn/settlement-hub/internal/ledger"
	"github.com/horizon-vpn/settlement-hub/internal/p2p/protocol"
)

// logEntry is the replicated record. CommittedAt is stamped once by the
// leader so every replica applies the tx against the same clock.
type logEntry struct {
	Tx          protocol.Tx `json:"tx"`
	CommittedAt time.Time   `json:"committed_at"`
}

// fsm wires raft log entries into the ledger.
type fsm struct {
	machine *ledger.Machine
	logger  zerolog.Logger

	commits   chan ledger.Receipt
	dropped   atomic.Uint64
	closeOnce sync.Once
	mu        sync.RWMutex
	closed    bool
}

func newFSM(machine *ledger.Machine, buffer int, logger zerolog.Logger) *fsm {
	f := &fsm{machine: machine, logger: logger}
	if buffer > 0 {
		f.commits = make(chan ledger.Receipt, buffer)
	}
	return f
}

func (f *fsm) Apply(log *raft.Log) interface{} {
	var entry logEntry
	if err := json.Unmarshal(log.Data, &entry); err != nil {
		return fmt.Errorf("decode log entry %d: %w", log.Index, err)
	}
	receipt, err := f.machine.ApplyTx(entry.Tx, entry.CommittedAt)
	if err != nil {
		f.logger.Debug().Err(err).Str("tx_id", entry.Tx.TxID).Str("op", string(entry.Tx.Op)).Uint64("index", log.Index).Msg("tx rejected")
		return err
	}
	if receipt.Replayed {
		f.logger.Debug().Str("tx_id", entry.Tx.TxID).Uint64("index", log.Index).Msg("tx already applied")
		return receipt
	}
	f.publish(receipt)
	return receipt
}

// publish never blocks the apply loop; a full buffer drops the receipt.
func (f *fsm) publish(receipt ledger.Receipt) {
	if f.commits == nil {
		return
	}
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.closed {
		return
	}
	select {
	case f.commits <- receipt.Clone():
	default:
		f.dropped.Add(1)
		f.logger.Warn().Str("tx_id", receipt.TxID).Msg("commit feed full, receipt dropped")
	}
}

func (f *fsm) close() {
	f.closeOnce.Do(func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.closed = true
		if f.commits != nil {
			close(f.commits)
		}
	})
}

func (f *fsm) Snapshot() (raft.FSMSnapshot, error) {
	data, err := f.machine.Marshal()
	if err != nil {
		return nil, err
	}
	return &fsmSnapshot{data: data}, nil
}

func (f *fsm) Restore(rc io.ReadCloser) error {
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		return err
	}
	if len(data) == 0 {
		return nil
	}
	return f.machine.Unmarshal(data)
}

type fsmSnapshot struct {
	data []byte
}

func (s *fsmSnapshot) Persist(sink raft.SnapshotSink) error {
	if len(s.data) == 0 {
		return sink.Close()
	}
	if _, err := sink.Write(s.data); err != nil {
		_ = sink.Cancel()
		return err
	}
	return sink.Close()
}

func (s *fsmSnapshot) Release() {}
