package core

import (
	"github.com/ebus-project/ebus/errs"
	"github.com/ebus-project/ebus/pkg/ebus/types"
)

// LocalNodeManager tracks this bus's own nodes (§4.3). It exclusively owns
// every types.LocalNode record; the facade only ever holds a weak handle
// that calls back into this manager.
type LocalNodeManager struct {
	log   types.Logger
	nodes map[types.NodeId]*types.LocalNode
}

// NewLocalNodeManager builds an empty local node table.
func NewLocalNodeManager(log types.Logger) *LocalNodeManager {
	return &LocalNodeManager{log: log, nodes: make(map[types.NodeId]*types.LocalNode)}
}

// RegisterNode implements §4.3 registerNode.
func (m *LocalNodeManager) RegisterNode(id types.NodeId, groups types.GroupSet, api types.APIFactory) (*types.LocalNode, error) {
	if _, exists := m.nodes[id]; exists {
		return nil, errs.Internal("node " + string(id) + " already registered locally")
	}
	if len(groups) == 0 {
		groups = types.NewGroupSet()
	}
	node := &types.LocalNode{
		Id:            id,
		Groups:        groups,
		API:           api,
		Subscriptions: make(map[types.Topic]types.ConsumerFactory),
	}
	m.nodes[id] = node
	return node, nil
}

// UpdateNodeApi implements §4.3 updateNodeApi.
func (m *LocalNodeManager) UpdateNodeApi(id types.NodeId, factory types.APIFactory) error {
	node, ok := m.nodes[id]
	if !ok {
		return errs.NodeNotFound(string(id))
	}
	node.API = factory
	return nil
}

// AddSubscription implements §4.3 addSubscription.
func (m *LocalNodeManager) AddSubscription(nodeId types.NodeId, topic types.Topic, factory types.ConsumerFactory) error {
	node, ok := m.nodes[nodeId]
	if !ok {
		return errs.NodeNotFound(string(nodeId))
	}
	node.Subscriptions[topic] = factory
	return nil
}

// RemoveSubscription implements §4.3 removeSubscription.
func (m *LocalNodeManager) RemoveSubscription(nodeId types.NodeId, topic types.Topic) error {
	node, ok := m.nodes[nodeId]
	if !ok {
		return errs.NodeNotFound(string(nodeId))
	}
	delete(node.Subscriptions, topic)
	return nil
}

// GetTopicsForNode implements §4.3 getTopicsForNode.
func (m *LocalNodeManager) GetTopicsForNode(nodeId types.NodeId) []types.Topic {
	node, ok := m.nodes[nodeId]
	if !ok {
		return nil
	}
	out := make([]types.Topic, 0, len(node.Subscriptions))
	for topic := range node.Subscriptions {
		out = append(out, topic)
	}
	return out
}

// MarkAsClosing implements §4.3 markAsClosing.
func (m *LocalNodeManager) MarkAsClosing(nodeId types.NodeId) {
	if node, ok := m.nodes[nodeId]; ok {
		node.Closing = true
	}
}

// Remove deletes a local node record entirely, the final step of close().
func (m *LocalNodeManager) Remove(nodeId types.NodeId) {
	delete(m.nodes, nodeId)
}

// HasNode implements §4.3 hasNode.
func (m *LocalNodeManager) HasNode(nodeId types.NodeId) bool {
	_, ok := m.nodes[nodeId]
	return ok
}

// GetLocalNodeIds implements §4.3 getLocalNodeIds.
func (m *LocalNodeManager) GetLocalNodeIds() []types.NodeId {
	out := make([]types.NodeId, 0, len(m.nodes))
	for id := range m.nodes {
		out = append(out, id)
	}
	return out
}

// GetLocalNodeGroups implements §4.3 getLocalNodeGroups.
func (m *LocalNodeManager) GetLocalNodeGroups(nodeId types.NodeId) (types.GroupSet, bool) {
	node, ok := m.nodes[nodeId]
	if !ok {
		return nil, false
	}
	return node.Groups, true
}

// ExecuteP2PProcedure implements §4.3 executeP2PProcedure: the terminal
// admission check plus procedure dispatch, either ask (returns a Result)
// or tell (executed with no response expected).
func (m *LocalNodeManager) ExecuteP2PProcedure(target types.NodeId, sourceId types.NodeId, sourceGroups types.GroupSet, ask bool, args interface{}) (types.Result, error) {
	node, ok := m.nodes[target]
	if !ok {
		return types.Result{}, errs.NodeNotFound(string(target))
	}
	if node.Closing || node.API == nil {
		return types.Result{}, errs.NotReady(string(target))
	}
	if !node.Groups.Intersects(sourceGroups) {
		return types.Result{}, errs.GroupPermission("source groups disjoint from target " + string(target) + "'s groups")
	}

	ctx := types.ProcedureContext{SourceNodeId: sourceId, SourceGroups: sourceGroups, LocalNodeId: target}
	procedure := node.API(ctx)
	value, err := procedure(ctx, args)
	if !ask {
		return types.Result{}, nil
	}
	if err != nil {
		return types.Failed(target, err), nil
	}
	return types.Ok(target, value), nil
}

// ExecuteBroadcastProcedure implements §4.3 executeBroadcastProcedure. It
// returns ok=false if the node has no matching subscription, so the
// session will ignore it instead of counting a phantom target.
func (m *LocalNodeManager) ExecuteBroadcastProcedure(target types.NodeId, sourceId types.NodeId, sourceGroups types.GroupSet, topic types.Topic, ask bool, args interface{}) (result types.Result, ok bool, err error) {
	node, present := m.nodes[target]
	if !present {
		return types.Result{}, false, errs.NodeNotFound(string(target))
	}
	factory, subscribed := node.Subscriptions[topic]
	if !subscribed {
		return types.Result{}, false, nil
	}
	if node.Closing {
		return types.Failed(target, errs.NotReady(string(target))), true, nil
	}
	if !node.Groups.Intersects(sourceGroups) {
		return types.Failed(target, errs.GroupPermission("source groups disjoint from target "+string(target)+"'s groups")), true, nil
	}

	ctx := types.ProcedureContext{SourceNodeId: sourceId, SourceGroups: sourceGroups, LocalNodeId: target, Topic: topic}
	procedure := factory(ctx)
	value, procErr := procedure(ctx, args)
	if !ask {
		return types.Result{}, true, nil
	}
	if procErr != nil {
		return types.Failed(target, procErr), true, nil
	}
	return types.Ok(target, value), true, nil
}
