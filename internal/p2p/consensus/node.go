package consensus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb/v2"
	"github.com/rs/zerolog"

	"github.com/horizon-vpn/settlement-hub/internal/ledger"
	"github.com/horizon-vpn/settlement-hub/internal/p2p/protocol"
)

// Config defines one Raft node runtime.
type Config struct {
	NodeID         string
	RaftAddr       string
	DataDir        string
	Bootstrap      bool
	SnapshotRetain int
	ApplyTimeout   time.Duration
	Genesis        ledger.Genesis
	// CommitBuffer sizes the committed-receipt feed; 0 disables it.
	CommitBuffer int
	Logger       zerolog.Logger
	// Clock stamps log entries on the leader. Defaults to time.Now.
	Clock func() time.Time
}

// Node wraps Raft + deterministic settlement ledger.
type Node struct {
	id           string
	raftAddr     string
	applyTimeout time.Duration
	clock        func() time.Time
	logger       zerolog.Logger

	raft      *raft.Raft
	transport *raft.NetworkTransport
	stores    *stores
	machine   *ledger.Machine
	fsm       *fsm
}

func (c Config) normalized() (Config, error) {
	c.NodeID = strings.TrimSpace(c.NodeID)
	c.RaftAddr = strings.TrimSpace(c.RaftAddr)
	c.DataDir = strings.TrimSpace(c.DataDir)
	if c.NodeID == "" {
		return c, errors.New("node_id is required")
	}
	if c.RaftAddr == "" {
		return c, errors.New("raft_addr is required")
	}
	if c.DataDir == "" {
		return c, errors.New("data_dir is required")
	}
	if c.SnapshotRetain <= 0 {
		c.SnapshotRetain = 2
	}
	if c.ApplyTimeout <= 0 {
		c.ApplyTimeout = 5 * time.Second
	}
	if c.CommitBuffer < 0 {
		c.CommitBuffer = 0
	}
	if c.Clock == nil {
		c.Clock = time.Now
	}
	return c, nil
}

// NewNode opens the bolt stores under DataDir, starts Raft around a fresh
// ledger, and bootstraps a single-voter cluster when asked to and no prior
// state exists.
func NewNode(cfg Config) (*Node, error) {
	cfg, err := cfg.normalized()
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, err
	}

	machine, err := ledger.NewMachine(cfg.Genesis)
	if err != nil {
		return nil, err
	}
	logger := cfg.Logger.With().Str("component", "consensus").Str("node_id", cfg.NodeID).Logger()
	raftLog := newRaftLogger(logger)

	st, err := openStores(cfg.DataDir, cfg.SnapshotRetain, raftLog)
	if err != nil {
		return nil, err
	}
	transport, err := raft.NewTCPTransportWithLogger(cfg.RaftAddr, nil, 3, 10*time.Second, raftLog)
	if err != nil {
		st.close()
		return nil, err
	}

	f := newFSM(machine, cfg.CommitBuffer, logger)
	raftCfg := raft.DefaultConfig()
	raftCfg.LocalID = raft.ServerID(cfg.NodeID)
	raftCfg.Logger = raftLog
	r, err := raft.NewRaft(raftCfg, f, st.log, st.stable, st.snapshots, transport)
	if err != nil {
		_ = transport.Close()
		st.close()
		return nil, err
	}

	n := &Node{
		id:           cfg.NodeID,
		raftAddr:     cfg.RaftAddr,
		applyTimeout: cfg.ApplyTimeout,
		clock:        cfg.Clock,
		logger:       logger,
		raft:         r,
		transport:    transport,
		stores:       st,
		machine:      machine,
		fsm:          f,
	}
	if cfg.Bootstrap {
		if err := n.bootstrap(); err != nil {
			_ = n.Shutdown()
			return nil, err
		}
	}
	return n, nil
}

func (n *Node) bootstrap() error {
	hasState, err := raft.HasExistingState(n.stores.log, n.stores.stable, n.stores.snapshots)
	if err != nil {
		return err
	}
	if hasState {
		n.logger.Info().Msg("existing raft state found, skipping bootstrap")
		return nil
	}
	future := n.raft.BootstrapCluster(raft.Configuration{Servers: []raft.Server{{
		ID:      raft.ServerID(n.id),
		Address: raft.ServerAddress(n.raftAddr),
	}}})
	if err := future.Error(); err != nil && !errors.Is(err, raft.ErrCantBootstrap) {
		return err
	}
	n.logger.Info().Msg("bootstrapped single-voter cluster")
	return nil
}

type stores struct {
	log       *raftboltdb.BoltStore
	stable    *raftboltdb.BoltStore
	snapshots *raft.FileSnapshotStore
}

func openStores(dir string, retain int, logger hclog.Logger) (*stores, error) {
	logStore, err := raftboltdb.NewBoltStore(filepath.Join(dir, "raft-log.bolt"))
	if err != nil {
		return nil, err
	}
	stableStore, err := raftboltdb.NewBoltStore(filepath.Join(dir, "raft-stable.bolt"))
	if err != nil {
		_ = logStore.Close()
		return nil, err
	}
	snapshots, err := raft.NewFileSnapshotStoreWithLogger(dir, retain, logger)
	if err != nil {
		_ = logStore.Close()
		_ = stableStore.Close()
		return nil, err
	}
	return &stores{log: logStore, stable: stableStore, snapshots: snapshots}, nil
}

func (s *stores) close() {
	_ = s.log.Close()
	_ = s.stable.Close()
}

// newRaftLogger routes hashicorp/raft logging into the node's zerolog stream.
func newRaftLogger(logger zerolog.Logger) hclog.Logger {
	level := hclog.Info
	if logger.GetLevel() <= zerolog.DebugLevel {
		level = hclog.Debug
	}
	return hclog.New(&hclog.LoggerOptions{
		Name:       "raft",
		Level:      level,
		Output:     logger.With().Str("subsystem", "raft").Logger(),
		JSONFormat: true,
	})
}

// ApplyTx replicates one signed transaction through Raft and returns the
// receipt produced by the ledger, or the ledger's rejection.
func (n *Node) ApplyTx(ctx context.Context, tx protocol.Tx) (ledger.Receipt, error) {
	if _, err := tx.Verify(); err != nil {
		return ledger.Receipt{}, fmt.Errorf("%w: %v", ledger.ErrInvalidTx, err)
	}
	data, err := json.Marshal(logEntry{Tx: tx, CommittedAt: n.clock().UTC()})
	if err != nil {
		return ledger.Receipt{}, err
	}
	timeout, err := boundedTimeout(ctx, n.applyTimeout)
	if err != nil {
		return ledger.Receipt{}, err
	}
	future := n.raft.Apply(data, timeout)
	if err := future.Error(); err != nil {
		return ledger.Receipt{}, err
	}
	switch resp := future.Response().(type) {
	case error:
		return ledger.Receipt{}, resp
	case ledger.Receipt:
		return resp, nil
	default:
		return ledger.Receipt{}, fmt.Errorf("unexpected fsm response %T", resp)
	}
}

// Commits streams receipts of committed txs. It is nil when the node was
// built without a commit buffer.
func (n *Node) Commits() <-chan ledger.Receipt {
	return n.fsm.commits
}

// AddVoter joins or updates one voter in the cluster config.
func (n *Node) AddVoter(ctx context.Context, nodeID, raftAddr string) error {
	nodeID = strings.TrimSpace(nodeID)
	raftAddr = strings.TrimSpace(raftAddr)
	if nodeID == "" || raftAddr == "" {
		return errors.New("node_id and raft_addr are required")
	}
	timeout, err := boundedTimeout(ctx, membershipTimeout)
	if err != nil {
		return err
	}
	current := n.raft.GetConfiguration()
	if err := current.Error(); err != nil {
		return err
	}
	id, addr := raft.ServerID(nodeID), raft.ServerAddress(raftAddr)
	for _, srv := range current.Configuration().Servers {
		switch {
		case srv.ID == id && srv.Address == addr:
			return nil
		case srv.ID == id || srv.Address == addr:
			// Stale entry for a node that moved or a reused address.
			if err := n.raft.RemoveServer(srv.ID, 0, timeout).Error(); err != nil {
				return err
			}
			n.logger.Info().Str("voter_id", string(srv.ID)).Str("voter_addr", string(srv.Address)).Msg("stale voter removed")
		}
	}
	if err := n.raft.AddVoter(id, addr, 0, timeout).Error(); err != nil {
		return err
	}
	n.logger.Info().Str("voter_id", nodeID).Str("voter_addr", raftAddr).Msg("voter added")
	return nil
}

// RemoveServer removes one server by node ID.
func (n *Node) RemoveServer(ctx context.Context, nodeID string) error {
	nodeID = strings.TrimSpace(nodeID)
	if nodeID == "" {
		return errors.New("node_id is required")
	}
	timeout, err := boundedTimeout(ctx, membershipTimeout)
	if err != nil {
		return err
	}
	if err := n.raft.RemoveServer(raft.ServerID(nodeID), 0, timeout).Error(); err != nil {
		return err
	}
	n.logger.Info().Str("voter_id", nodeID).Msg("server removed")
	return nil
}

const membershipTimeout = 10 * time.Second

// boundedTimeout caps def by the time left on ctx.
func boundedTimeout(ctx context.Context, def time.Duration) (time.Duration, error) {
	deadline, ok := ctx.Deadline()
	if !ok {
		return def, nil
	}
	remaining := time.Until(deadline)
	if remaining <= 0 {
		return 0, context.DeadlineExceeded
	}
	if remaining < def {
		return remaining, nil
	}
	return def, nil
}

// WaitForLeader waits until any leader is elected.
func (n *Node) WaitForLeader(ctx context.Context, pollInterval time.Duration) (string, error) {
	if pollInterval <= 0 {
		pollInterval = 100 * time.Millisecond
	}
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		leader := strings.TrimSpace(string(n.raft.Leader()))
		if leader != "" {
			return leader, nil
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-ticker.C:
		}
	}
}

func (n *Node) ID() string               { return n.id }
func (n *Node) RaftAddr() string         { return n.raftAddr }
func (n *Node) Machine() *ledger.Machine { return n.machine }
func (n *Node) IsLeader() bool           { return n.raft.State() == raft.Leader }
func (n *Node) LeaderAddr() string       { return strings.TrimSpace(string(n.raft.Leader())) }

// LeaderNodeID returns leader ID if available.
func (n *Node) LeaderNodeID() string {
	_, leaderID := n.raft.LeaderWithID()
	return strings.TrimSpace(string(leaderID))
}

func (n *Node) State() string {
	return n.raft.State().String()
}

func (n *Node) Stats() map[string]string {
	stats := n.raft.Stats()
	out := make(map[string]string, len(stats))
	for k, v := range stats {
		out[k] = v
	}
	out["dropped_commits"] = fmt.Sprintf("%d", n.fsm.dropped.Load())
	return out
}

// Shutdown stops Raft and transport.
func (n *Node) Shutdown() error {
	var shutdownErr error
	if n.raft != nil {
		if err := n.raft.Shutdown().Error(); err != nil {
			shutdownErr = err
		}
	}
	if n.transport != nil {
		_ = n.transport.Close()
	}
	if n.stores != nil {
		n.stores.close()
	}
	n.fsm.close()
	return shutdownErr
}
