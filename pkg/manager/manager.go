package manager

import (
	"encoding/json"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb"
	"github.com/rs/zerolog"

	"github.com/cuemby/runfleet/pkg/log"
	"github.com/cuemby/runfleet/pkg/storage"
)

const applyTimeout = 5 * time.Second

// Peer identifies another member of a statically bootstrapped cluster
type Peer struct {
	ID      string
	Address string
}

// Config holds configuration for creating a Manager
type Config struct {
	NodeID   string
	BindAddr string
	DataDir  string
	Peers    []Peer
	Logger   zerolog.Logger
}

// Manager is a coordination store node replicated with Raft. Writes are
// proposed to the Raft log and applied to the local BoltStore of every
// member; reads and watches are served from the local store.
type Manager struct {
	nodeID   string
	bindAddr string
	dataDir  string
	peers    []Peer
	logger   zerolog.Logger

	raft      *raft.Raft
	fsm       *StoreFSM
	store     *storage.BoltStore
	collector *MetricsCollector
	closers   []io.Closer
}

var _ storage.Store = (*Manager)(nil)

// NewManager creates a new Manager instance
func NewManager(cfg *Config) (*Manager, error) {
	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	store, err := storage.NewBoltStore(cfg.DataDir, log.Component(cfg.Logger, "store"))
	if err != nil {
		return nil, fmt.Errorf("failed to create store: %w", err)
	}

	m := &Manager{
		nodeID:   cfg.NodeID,
		bindAddr: cfg.BindAddr,
		dataDir:  cfg.DataDir,
		peers:    cfg.Peers,
		logger:   cfg.Logger.With().Str("node_id", cfg.NodeID).Logger(),
		fsm:      NewStoreFSM(store),
		store:    store,
	}
	m.collector = NewMetricsCollector(m)

	return m, nil
}

func (m *Manager) raftConfig() *raft.Config {
	config := raft.DefaultConfig()
	config.LocalID = raft.ServerID(m.nodeID)
	config.LogOutput = log.Writer(m.logger, "raft")

	// Faster failure detection than the WAN-oriented defaults
	config.HeartbeatTimeout = 500 * time.Millisecond
	config.ElectionTimeout = 500 * time.Millisecond
	config.CommitTimeout = 50 * time.Millisecond
	config.LeaderLeaseTimeout = 250 * time.Millisecond

	return config
}

// Bootstrap starts Raft over TCP with durable log, stable and snapshot
// stores. On first start the node bootstraps a cluster made of itself and
// its configured peers; every member must be given the same peer set.
func (m *Manager) Bootstrap() error {
	addr, err := net.ResolveTCPAddr("tcp", m.bindAddr)
	if err != nil {
		return fmt.Errorf("failed to resolve bind address: %w", err)
	}

	transport, err := raft.NewTCPTransport(m.bindAddr, addr, 3, 10*time.Second, log.Writer(m.logger, "raft-transport"))
	if err != nil {
		return fmt.Errorf("failed to create transport: %w", err)
	}

	snapshotStore, err := raft.NewFileSnapshotStore(m.dataDir, 2, log.Writer(m.logger, "raft-snapshot"))
	if err != nil {
		return fmt.Errorf("failed to create snapshot store: %w", err)
	}

	logStore, err := raftboltdb.NewBoltStore(filepath.Join(m.dataDir, "raft-log.db"))
	if err != nil {
		return fmt.Errorf("failed to create log store: %w", err)
	}

	stableStore, err := raftboltdb.NewBoltStore(filepath.Join(m.dataDir, "raft-stable.db"))
	if err != nil {
		return fmt.Errorf("failed to create stable store: %w", err)
	}

	m.closers = append(m.closers, logStore, stableStore)

	servers := []raft.Server{{
		ID:      raft.ServerID(m.nodeID),
		Address: transport.LocalAddr(),
	}}
	for _, p := range m.peers {
		servers = append(servers, raft.Server{
			ID:      raft.ServerID(p.ID),
			Address: raft.ServerAddress(p.Address),
		})
	}

	return m.start(transport, logStore, stableStore, snapshotStore, servers)
}

func (m *Manager) start(transport raft.Transport, logs raft.LogStore, stable raft.StableStore, snaps raft.SnapshotStore, servers []raft.Server) error {
	config := m.raftConfig()

	hasState, err := raft.HasExistingState(logs, stable, snaps)
	if err != nil {
		return fmt.Errorf("failed to inspect raft state: %w", err)
	}

	r, err := raft.NewRaft(config, m.fsm, logs, stable, snaps, transport)
	if err != nil {
		return fmt.Errorf("failed to create raft: %w", err)
	}
	m.raft = r

	if !hasState && len(servers) > 0 {
		future := m.raft.BootstrapCluster(raft.Configuration{Servers: servers})
		if err := future.Error(); err != nil && err != raft.ErrCantBootstrap {
			return fmt.Errorf("failed to bootstrap cluster: %w", err)
		}
		m.logger.Info().Int("servers", len(servers)).Msg("Bootstrapped raft cluster")
	}

	m.collector.Start()
	return nil
}

// WaitForLeader blocks until the cluster has elected a leader or timeout
// elapses.
func (m *Manager) WaitForLeader(timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if m.LeaderAddr() != "" {
			return nil
		}
		time.Sleep(50 * time.Millisecond)
	}
	return fmt.Errorf("%w: no leader elected after %s", storage.ErrUnavailable, timeout)
}

// AddVoter adds a new member to the Raft cluster
func (m *Manager) AddVoter(nodeID, address string) error {
	if m.raft == nil {
		return fmt.Errorf("raft not initialized")
	}

	if !m.IsLeader() {
		return fmt.Errorf("not the leader, current leader: %s", m.LeaderAddr())
	}

	future := m.raft.AddVoter(raft.ServerID(nodeID), raft.ServerAddress(address), 0, 10*time.Second)
	if err := future.Error(); err != nil {
		return fmt.Errorf("failed to add voter: %w", err)
	}

	m.logger.Info().Str("voter", nodeID).Str("address", address).Msg("Added voter")
	return nil
}

// Servers returns the members of the Raft cluster
func (m *Manager) Servers() ([]raft.Server, error) {
	if m.raft == nil {
		return nil, fmt.Errorf("raft not initialized")
	}

	future := m.raft.GetConfiguration()
	if err := future.Error(); err != nil {
		return nil, fmt.Errorf("failed to get configuration: %w", err)
	}

	return future.Configuration().Servers, nil
}

// IsLeader returns true if this node is the Raft leader
func (m *Manager) IsLeader() bool {
	if m.raft == nil {
		return false
	}
	return m.raft.State() == raft.Leader
}

// LeaderAddr returns the address of the current Raft leader
func (m *Manager) LeaderAddr() string {
	if m.raft == nil {
		return ""
	}
	addr, _ := m.raft.LeaderWithID()
	return string(addr)
}

// Get reads from the local store
func (m *Manager) Get(key string) (string, bool, error) {
	return m.store.Get(key)
}

// GetPrefix reads from the local store
func (m *Manager) GetPrefix(prefix string) (map[string]string, error) {
	return m.store.GetPrefix(prefix)
}

// Put replicates a single unconditional write
func (m *Manager) Put(key, value string) error {
	return m.PutAll(map[string]string{key: value})
}

// PutAll replicates a multi-key write
func (m *Manager) PutAll(values map[string]string) error {
	_, err := m.apply(opPutAll, values)
	return err
}

// PutSwap replicates a compare-and-swap of a single key
func (m *Manager) PutSwap(key string, oldValue *string, newValue string) (bool, error) {
	return m.Swap(storage.SwapRequest{Key: key, OldValue: oldValue, NewValue: &newValue})
}

// Swap replicates a conditional multi-key write. The comparison is
// evaluated by the FSM at apply time, so every member reaches the same
// outcome.
func (m *Manager) Swap(req storage.SwapRequest) (bool, error) {
	return m.apply(opSwap, req)
}

// Delete replicates the removal of keys
func (m *Manager) Delete(keys ...string) error {
	_, err := m.apply(opDelete, keys)
	return err
}

// DeletePrefix replicates the removal of every key under prefix
func (m *Manager) DeletePrefix(prefix string) error {
	_, err := m.apply(opDeletePrefix, prefix)
	return err
}

// Watch subscribes to changes applied on this node
func (m *Manager) Watch(prefix string, w storage.Watcher) (string, error) {
	return m.store.Watch(prefix, w)
}

// Unwatch cancels a subscription created with Watch
func (m *Manager) Unwatch(id string) error {
	return m.store.Unwatch(id)
}

// apply submits a command to the Raft cluster. Only the leader accepts
// writes; elsewhere the store is reported unavailable and callers retry on
// their next cycle.
func (m *Manager) apply(op string, payload interface{}) (bool, error) {
	if m.raft == nil {
		return false, fmt.Errorf("%w: raft not initialized", storage.ErrUnavailable)
	}
	if !m.IsLeader() {
		return false, fmt.Errorf("%w: not the leader, current leader: %s", storage.ErrUnavailable, m.LeaderAddr())
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return false, fmt.Errorf("failed to marshal %s payload: %w", op, err)
	}
	cmd, err := json.Marshal(Command{Op: op, Data: data})
	if err != nil {
		return false, fmt.Errorf("failed to marshal command: %w", err)
	}

	future := m.raft.Apply(cmd, applyTimeout)
	if err := future.Error(); err != nil {
		return false, fmt.Errorf("%w: failed to apply command: %v", storage.ErrUnavailable, err)
	}

	result, ok := future.Response().(applyResult)
	if !ok {
		return false, fmt.Errorf("unexpected apply response %T", future.Response())
	}
	return result.Swapped, result.Err
}

// Close shuts Raft down and closes the local store
func (m *Manager) Close() error {
	m.collector.Stop()

	if m.raft != nil {
		future := m.raft.Shutdown()
		if err := future.Error(); err != nil {
			return fmt.Errorf("failed to shutdown raft: %w", err)
		}
	}

	for _, c := range m.closers {
		if err := c.Close(); err != nil {
			m.logger.Warn().Err(err).Msg("Failed to close raft store")
		}
	}

	if err := m.store.Close(); err != nil {
		return fmt.Errorf("failed to close store: %w", err)
	}

	return nil
}
