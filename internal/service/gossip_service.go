package service

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/memberlist"
	"go.uber.org/zap"

	"github.com/devrev/hashkv/internal/config"
	"github.com/devrev/hashkv/internal/metrics"
	"github.com/devrev/hashkv/internal/model"
)

// GossipService advertises this node's health to peers. It carries no
// data; each node serves its own store.
type GossipService struct {
	config     config.GossipConfig
	memberlist *memberlist.Memberlist
	logger     *zap.Logger
	metrics    *metrics.Metrics

	mu         sync.RWMutex
	healthData model.NodeHealth
}

// NewGossipService creates a gossip service and joins the seed nodes. m
// may be nil.
func NewGossipService(cfg config.GossipConfig, addr, backend string, logger *zap.Logger, m *metrics.Metrics) (*GossipService, error) {
	gs := &GossipService{
		config:  cfg,
		logger:  logger,
		metrics: m,
		healthData: model.NodeHealth{
			NodeID:    cfg.NodeID,
			Addr:      addr,
			Backend:   backend,
			Status:    model.NodeStatusHealthy,
			Timestamp: time.Now().Unix(),
		},
	}

	// Configure memberlist
	mlConfig := memberlist.DefaultLocalConfig()
	mlConfig.Name = cfg.NodeID
	if cfg.BindAddr != "" {
		mlConfig.BindAddr = cfg.BindAddr
	}
	mlConfig.BindPort = cfg.BindPort
	mlConfig.AdvertisePort = cfg.BindPort
	if cfg.GossipInterval > 0 {
		mlConfig.GossipInterval = cfg.GossipInterval
	}
	if cfg.ProbeTimeout > 0 {
		mlConfig.ProbeTimeout = cfg.ProbeTimeout
	}
	if cfg.ProbeInterval > 0 {
		mlConfig.ProbeInterval = cfg.ProbeInterval
	}
	mlConfig.Delegate = gs
	mlConfig.Events = &GossipEventDelegate{service: gs}
	mlConfig.Logger = zap.NewStdLog(logger.Named("memberlist"))

	ml, err := memberlist.Create(mlConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create memberlist: %w", err)
	}
	gs.memberlist = ml

	if len(cfg.SeedNodes) > 0 {
		if _, err := ml.Join(cfg.SeedNodes); err != nil {
			logger.Warn("Failed to join some seed nodes", zap.Error(err))
		}
	}
	gs.recordMembers()

	return gs, nil
}

// NodeMeta implements memberlist.Delegate
func (s *GossipService) NodeMeta(limit int) []byte {
	data := s.encodeHealth()
	if len(data) > limit {
		s.logger.Warn("Node metadata exceeds gossip limit", zap.Int("size", len(data)), zap.Int("limit", limit))
		return nil
	}
	return data
}

// NotifyMsg implements memberlist.Delegate
func (s *GossipService) NotifyMsg(data []byte) {
	var health model.NodeHealth
	if err := json.Unmarshal(data, &health); err != nil {
		s.logger.Warn("Failed to unmarshal gossip message", zap.Error(err))
		return
	}

	s.logger.Debug("Received health status",
		zap.String("node_id", health.NodeID),
		zap.String("status", string(health.Status)))
}

// GetBroadcasts implements memberlist.Delegate
func (s *GossipService) GetBroadcasts(overhead, limit int) [][]byte {
	return nil
}

// LocalState implements memberlist.Delegate
func (s *GossipService) LocalState(join bool) []byte {
	return s.encodeHealth()
}

// MergeRemoteState implements memberlist.Delegate. Peer state travels in
// node metadata, so there is nothing to merge.
func (s *GossipService) MergeRemoteState(buf []byte, join bool) {}

// UpdateHealth records a new local sample and pushes it to peers
func (s *GossipService) UpdateHealth(sample model.HealthSample) {
	s.mu.Lock()
	s.healthData.Timestamp = time.Now().Unix()
	s.healthData.Connections = sample.Connections
	s.healthData.Subscriptions = sample.Subscriptions
	s.healthData.DiskUsage = sample.DiskUsage
	s.healthData.Status = model.StatusFor(sample)
	s.mu.Unlock()

	timeout := s.config.ProbeTimeout
	if timeout <= 0 {
		timeout = time.Second
	}
	if err := s.memberlist.UpdateNode(timeout); err != nil {
		s.logger.Debug("Failed to propagate node metadata", zap.Error(err))
	}
	s.recordMembers()
}

// Health returns the locally advertised state
func (s *GossipService) Health() model.NodeHealth {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.healthData
}

// Members returns the last advertised state of every live node, this one
// included.
func (s *GossipService) Members() []model.NodeHealth {
	nodes := s.memberlist.Members()
	out := make([]model.NodeHealth, 0, len(nodes))
	for _, node := range nodes {
		var health model.NodeHealth
		if err := json.Unmarshal(node.Meta, &health); err != nil {
			health = model.NodeHealth{NodeID: node.Name, Status: model.NodeStatusUnhealthy}
		}
		out = append(out, health)
	}
	return out
}

// NumMembers returns the number of live nodes
func (s *GossipService) NumMembers() int {
	return s.memberlist.NumMembers()
}

// Shutdown leaves the cluster and stops the gossip listener
func (s *GossipService) Shutdown() error {
	if err := s.memberlist.Leave(time.Second); err != nil {
		s.logger.Warn("Failed to leave gossip cluster", zap.Error(err))
	}
	return s.memberlist.Shutdown()
}

func (s *GossipService) encodeHealth() []byte {
	s.mu.RLock()
	data, err := json.Marshal(s.healthData)
	s.mu.RUnlock()
	if err != nil {
		s.logger.Error("Failed to marshal health status", zap.Error(err))
		return nil
	}
	return data
}

func (s *GossipService) recordMembers() {
	if s.metrics != nil {
		s.metrics.UpdateGossipStats(s.memberlist.NumMembers())
	}
}

// GossipEventDelegate handles memberlist events
type GossipEventDelegate struct {
	service *GossipService
}

// NotifyJoin is called when a node joins
func (d *GossipEventDelegate) NotifyJoin(node *memberlist.Node) {
	d.service.logger.Info("Node joined",
		zap.String("node_id", node.Name),
		zap.String("addr", node.Addr.String()))
}

// NotifyLeave is called when a node leaves
func (d *GossipEventDelegate) NotifyLeave(node *memberlist.Node) {
	d.service.logger.Info("Node left",
		zap.String("node_id", node.Name))
}

// NotifyUpdate is called when a node is updated
func (d *GossipEventDelegate) NotifyUpdate(node *memberlist.Node) {
	d.service.logger.Debug("Node updated",
		zap.String("node_id", node.Name))
}
