package partition

import (
	"context"
	"fmt"

	"github.com/ironpxe/ironpxe/internal/agentapi"
	"github.com/ironpxe/ironpxe/internal/domain"
)

// NodeDirectory resolves node ids to registered nodes.
type NodeDirectory interface {
	GetNode(ctx context.Context, id string) (*domain.Node, error)
}

// AgentTool dispatches operations to the agent running on the disk's node.
type AgentTool struct {
	nodes  NodeDirectory
	client *agentapi.Client
}

// NewAgentTool creates the production Tool implementation.
func NewAgentTool(nodes NodeDirectory, client *agentapi.Client) *AgentTool {
	return &AgentTool{nodes: nodes, client: client}
}

// Execute runs the operation on the owning node's agent.
func (t *AgentTool) Execute(ctx context.Context, op *domain.PartitionOperation) error {
	node, err := t.nodes.GetNode(ctx, op.NodeID)
	if err != nil {
		return fmt.Errorf("failed to resolve node %s: %w", op.NodeID, err)
	}
	return t.client.ExecuteOperation(ctx, node, op)
}
