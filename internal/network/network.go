// Package network turns the static node table from configuration into
// the Processing Network view described in SPEC_FULL.md §4.9: node
// list, commander, per-node agent names and this-node's own identity.
// There is no discovery or consensus here, the topology is whatever
// the config file says it is.
package network

import (
	"fmt"

	"github.com/jc-gonzalez/euc-qla-sqpf/internal/model"
)

// Network is a read-only view of the cluster topology, built once at
// startup and never mutated afterwards.
type Network struct {
	commander string
	nodes     []model.NodeSpec
	selfName  string
}

// New builds a Network from the commander name, the ordered node
// table, and the id of the node this process is running as (normally
// the `-i` CLI flag). It returns an error if selfName does not appear
// in nodes, since a node that doesn't know who it is cannot start.
func New(commander string, nodes []model.NodeSpec, selfName string) (*Network, error) {
	found := false
	for _, n := range nodes {
		if n.Name == selfName {
			found = true
			break
		}
	}
	if !found {
		return nil, fmt.Errorf("node id %q not present in network.processingNodes", selfName)
	}
	return &Network{commander: commander, nodes: nodes, selfName: selfName}, nil
}

// Nodes returns the node table in the order it was passed to New.
func (n *Network) Nodes() []model.NodeSpec {
	return n.nodes
}

// Commander returns the distinguished commander node's name.
func (n *Network) Commander() string {
	return n.commander
}

// IsCommander reports whether nodeID is the commander.
func (n *Network) IsCommander(nodeID string) bool {
	return nodeID == n.commander
}

// Self returns the NodeSpec for this process. It panics only if
// selfName is missing from the table, which a successful New rules out.
func (n *Network) Self() model.NodeSpec {
	for _, node := range n.nodes {
		if node.Name == n.selfName {
			return node
		}
	}
	panic("network: self node missing after successful New")
}

// AgentNames returns the ordered list of agent names for the named
// node, formatted as TskAgent_<nodeIdx+1:02>_<agentIdx+1:02>.
func (n *Network) AgentNames(nodeID string) []string {
	for i, node := range n.nodes {
		if node.Name != nodeID {
			continue
		}
		names := make([]string, node.Agents)
		for a := 0; a < node.Agents; a++ {
			names[a] = fmt.Sprintf("TskAgent_%02d_%02d", i+1, a+1)
		}
		return names
	}
	return nil
}
