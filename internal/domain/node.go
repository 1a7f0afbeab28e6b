package domain

import (
	"fmt"
	"time"
)

// NodePhase represents the lifecycle phase of a provisioned machine.
type NodePhase string

const (
	NodePhaseDiscovered  NodePhase = "discovered"
	NodePhaseBooting     NodePhase = "booting"
	NodePhaseReady       NodePhase = "ready"
	NodePhaseOffline     NodePhase = "offline"
	NodePhaseMaintenance NodePhase = "maintenance"
	NodePhaseError       NodePhase = "error"
)

// Node represents a bare-metal machine known to the control plane. Nodes are
// registered at PXE discovery time and updated by agent heartbeats; their
// disk layouts live in the scan cache, not here.
type Node struct {
	ID           string            `json:"id"`
	Hostname     string            `json:"hostname"`
	MACAddress   string            `json:"mac_address"`
	ManagementIP string            `json:"management_ip"`
	AgentPort    int32             `json:"agent_port"`
	SerialNumber string            `json:"serial_number,omitempty"`
	Architecture string            `json:"architecture,omitempty"`
	BootProfile  string            `json:"boot_profile,omitempty"`
	Labels       map[string]string `json:"labels,omitempty"`

	Phase NodePhase `json:"phase"`

	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
	LastHeartbeat *time.Time `json:"last_heartbeat,omitempty"`
}

// AgentURL returns the base URL of the node's boot agent. The controller only
// dials this for the cert fetch handshake and the "begin now" notification;
// everything else is agent-initiated.
func (n *Node) AgentURL() string {
	port := n.AgentPort
	if port == 0 {
		port = 9090
	}
	return fmt.Sprintf("http://%s:%d", n.ManagementIP, port)
}

// IsOnline reports whether the node heartbeated within the staleness window.
func (n *Node) IsOnline(staleAfter time.Duration) bool {
	if n.LastHeartbeat == nil {
		return false
	}
	return time.Since(*n.LastHeartbeat) < staleAfter
}

// Cloneable reports whether the node can take part in a clone session.
func (n *Node) Cloneable() bool {
	return n.Phase == NodePhaseReady || n.Phase == NodePhaseBooting
}
