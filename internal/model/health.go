package model

// NodeHealth is the state a node advertises to its peers
type NodeHealth struct {
	NodeID        string     `json:"node_id"`
	Addr          string     `json:"addr"`
	Status        NodeStatus `json:"status"`
	Timestamp     int64      `json:"timestamp"`
	Backend       string     `json:"backend"`
	Connections   int        `json:"connections"`
	Subscriptions int        `json:"subscriptions"`
	DiskUsage     float64    `json:"disk_usage"`
}

// NodeStatus defines the operational status of a node
type NodeStatus string

const (
	NodeStatusHealthy   NodeStatus = "healthy"
	NodeStatusDegraded  NodeStatus = "degraded"
	NodeStatusUnhealthy NodeStatus = "unhealthy"
)

// HealthSample is one observation fed into the advertised state
type HealthSample struct {
	BackendReachable bool
	Connections      int
	Subscriptions    int
	DiskUsage        float64
}

// StatusFor derives the node status from a sample
func StatusFor(s HealthSample) NodeStatus {
	switch {
	case !s.BackendReachable:
		return NodeStatusUnhealthy
	case s.DiskUsage > 90:
		return NodeStatusDegraded
	default:
		return NodeStatusHealthy
	}
}
