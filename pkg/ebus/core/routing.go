package core

import (
	"github.com/ebus-project/ebus/errs"
	"github.com/ebus-project/ebus/pkg/ebus/types"
)

// PolicySource lets Routing consult a bridge's admission policy without
// owning the Bridge Manager itself, breaking what would otherwise be a
// routing<->bridge import cycle.
type PolicySource interface {
	Policy(busId types.BusId) types.BridgePolicy
}

// RoutingTable is the brain of one bus (§4.4): the distributed routing
// information base, remote topic interest, local subscriptions and their
// reverse child-bus index. Every method here assumes it runs on the bus's
// single-writer context (§5) and is a plain synchronous state
// transition — it never suspends. Propagation (which does suspend) is
// orchestrated by the caller using the *types.Envelope this returns.
type RoutingTable struct {
	log     types.Logger
	metrics *Metrics
	policy  PolicySource

	nodeRoutes      map[types.NodeId]types.Route
	remoteTopicHops map[types.Topic]map[types.BusId]struct{}
	localSubs       map[types.Topic]map[types.NodeId]struct{}
	childBusNodeMap map[types.BusId]map[types.NodeId]struct{}
	hasParent       bool
}

// NewRoutingTable builds an empty RIB.
func NewRoutingTable(log types.Logger, metrics *Metrics, policy PolicySource) *RoutingTable {
	return &RoutingTable{
		log:             log,
		metrics:         metrics,
		policy:          policy,
		nodeRoutes:      make(map[types.NodeId]types.Route),
		remoteTopicHops: make(map[types.Topic]map[types.BusId]struct{}),
		localSubs:       make(map[types.Topic]map[types.NodeId]struct{}),
		childBusNodeMap: make(map[types.BusId]map[types.NodeId]struct{}),
	}
}

func (rt *RoutingTable) refreshGauge() {
	if rt.metrics != nil {
		rt.metrics.Routes.Set(float64(len(rt.nodeRoutes)))
	}
}

// RouteCount reports the number of entries currently in the RIB, for
// Bus.Stats.
func (rt *RoutingTable) RouteCount() int {
	return len(rt.nodeRoutes)
}

// HasNode reports whether nodeId routes to the local hop (invariant 1).
func (rt *RoutingTable) HasNode(nodeId types.NodeId) bool {
	route, ok := rt.nodeRoutes[nodeId]
	return ok && route.Hop.IsLocal()
}

// GetNextHop implements §4.4 getNextHop.
func (rt *RoutingTable) GetNextHop(destination types.NodeId) (types.MessageSource, bool) {
	if rt.HasNode(destination) {
		return types.Local(), true
	}
	if route, ok := rt.nodeRoutes[destination]; ok {
		return route.Hop, true
	}
	if rt.hasParent {
		return types.Parent(), true
	}
	return types.MessageSource{}, false
}

// GetNodeGroups implements §4.4 getNodeGroups: local lookup, then RIB
// lookup. Local nodes are always present in nodeRoutes (invariant 1), so
// a single lookup serves both cases.
func (rt *RoutingTable) GetNodeGroups(nodeId types.NodeId) (types.GroupSet, bool) {
	route, ok := rt.nodeRoutes[nodeId]
	if !ok {
		return nil, false
	}
	return route.Groups, true
}

// SetParentConnected records whether a parent bridge is connected, driving
// default-up routing (§4.4 step 3) independent of handshake completion.
func (rt *RoutingTable) SetParentConnected(connected bool) {
	rt.hasParent = connected
}

func (rt *RoutingTable) applyRoute(nodeId types.NodeId, route types.Route) (prev types.Route, had bool) {
	prev, had = rt.nodeRoutes[nodeId]
	rt.nodeRoutes[nodeId] = route
	if route.Hop.IsChild() {
		rt.addToChildIndex(route.Hop.BusId, nodeId)
	}
	if had && prev.Hop.IsChild() && prev.Hop.BusId != route.Hop.BusId {
		rt.removeFromChildIndex(prev.Hop.BusId, nodeId)
	}
	rt.refreshGauge()
	return prev, had
}

func (rt *RoutingTable) removeRoute(nodeId types.NodeId) (prev types.Route, had bool) {
	prev, had = rt.nodeRoutes[nodeId]
	if !had {
		return prev, false
	}
	delete(rt.nodeRoutes, nodeId)
	if prev.Hop.IsChild() {
		rt.removeFromChildIndex(prev.Hop.BusId, nodeId)
	}
	rt.refreshGauge()
	return prev, true
}

func (rt *RoutingTable) restoreRoute(nodeId types.NodeId, prev types.Route, had bool) {
	if had {
		rt.applyRoute(nodeId, prev)
		return
	}
	rt.removeRoute(nodeId)
}

func (rt *RoutingTable) addToChildIndex(busId types.BusId, nodeId types.NodeId) {
	set, ok := rt.childBusNodeMap[busId]
	if !ok {
		set = make(map[types.NodeId]struct{})
		rt.childBusNodeMap[busId] = set
	}
	set[nodeId] = struct{}{}
}

func (rt *RoutingTable) removeFromChildIndex(busId types.BusId, nodeId types.NodeId) {
	set, ok := rt.childBusNodeMap[busId]
	if !ok {
		return
	}
	delete(set, nodeId)
	if len(set) == 0 {
		delete(rt.childBusNodeMap, busId)
	}
}

// AnnounceNode is the local-origin change of §4.4 announceNode: update
// nodeRoutes and build the single-entry envelope to propagate upstream.
// The returned rollback must be invoked if upstream propagation fails.
func (rt *RoutingTable) AnnounceNode(nodeId types.NodeId, isAvailable bool, groups types.GroupSet) (*types.Envelope, func()) {
	var prev types.Route
	var had bool
	if isAvailable {
		prev, had = rt.applyRoute(nodeId, types.Route{Hop: types.Local(), Groups: groups})
	} else {
		prev, had = rt.removeRoute(nodeId)
	}
	rollback := func() { rt.restoreRoute(nodeId, prev, had) }

	env := &types.Envelope{
		Kind: types.KindNodeAnnouncement,
		Announcements: []types.NodeAnnouncementEntry{
			{NodeId: nodeId, IsAvailable: isAvailable, Groups: groups},
		},
	}
	return env, rollback
}

// HasInterest implements hasInterest(topic) = hasLocal ∨ hasRemote.
func (rt *RoutingTable) HasInterest(topic types.Topic) bool {
	return len(rt.localSubs[topic]) > 0 || len(rt.remoteTopicHops[topic]) > 0
}

// GetLocalSubscribers implements §4.4 getLocalSubscribers.
func (rt *RoutingTable) GetLocalSubscribers(topic types.Topic) []types.NodeId {
	set := rt.localSubs[topic]
	out := make([]types.NodeId, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	return out
}

// UpdateLocalSubscription implements §4.4 updateLocalSubscription: it
// updates localNodeSubscriptions and propagates upstream only if the
// bus's overall interest in the topic changed.
func (rt *RoutingTable) UpdateLocalSubscription(nodeId types.NodeId, topic types.Topic, isSubscribed bool) (env *types.Envelope, rollback func()) {
	before := rt.HasInterest(topic)

	set, ok := rt.localSubs[topic]
	hadNode := ok && func() bool { _, present := set[nodeId]; return present }()
	if isSubscribed {
		if !ok {
			set = make(map[types.NodeId]struct{})
			rt.localSubs[topic] = set
		}
		set[nodeId] = struct{}{}
	} else if ok {
		delete(set, nodeId)
		if len(set) == 0 {
			delete(rt.localSubs, topic)
		}
	}

	rollback = func() {
		if isSubscribed {
			if !hadNode {
				if s, ok := rt.localSubs[topic]; ok {
					delete(s, nodeId)
					if len(s) == 0 {
						delete(rt.localSubs, topic)
					}
				}
			}
		} else if hadNode {
			s, ok := rt.localSubs[topic]
			if !ok {
				s = make(map[types.NodeId]struct{})
				rt.localSubs[topic] = s
			}
			s[nodeId] = struct{}{}
		}
	}

	after := rt.HasInterest(topic)
	if before == after {
		return nil, rollback
	}
	return &types.Envelope{
		Kind: types.KindSubUpdate,
		SubUpdates: []types.SubUpdateEntry{
			{Topic: topic, IsSubscribed: after},
		},
	}, rollback
}

// ApplyChildAnnouncements implements the admission control of §4.4 for an
// incoming node-announcement from child busId. It returns the envelope to
// propagate upstream (nil if every entry was rejected), the per-entry
// wire errors to ack back to the child, and a rollback closure to invoke
// if upstream propagation fails.
func (rt *RoutingTable) ApplyChildAnnouncements(busId types.BusId, entries []types.NodeAnnouncementEntry) (env *types.Envelope, wireErrs []errs.Wire, rollback func()) {
	type undo struct {
		nodeId types.NodeId
		prev   types.Route
		had    bool
	}
	var undos []undo
	var accepted []types.NodeAnnouncementEntry
	policy := rt.policy.Policy(busId)
	source := types.Child(busId)

	for _, entry := range entries {
		if entry.IsAvailable {
			if !policy.Admits(entry.Groups) {
				wireErrs = append(wireErrs, errs.ToWire(errs.GroupPermission(
					"node "+string(entry.NodeId)+" rejected by bridge policy")))
				continue
			}
			if existing, ok := rt.nodeRoutes[entry.NodeId]; ok && existing.Hop != source {
				wireErrs = append(wireErrs, errs.ToWire(errs.Conflict(string(entry.NodeId))))
				continue
			}
			prev, had := rt.applyRoute(entry.NodeId, types.Route{Hop: source, Groups: entry.Groups})
			undos = append(undos, undo{entry.NodeId, prev, had})
			accepted = append(accepted, entry)
		} else {
			prev, had := rt.removeRoute(entry.NodeId)
			undos = append(undos, undo{entry.NodeId, prev, had})
			accepted = append(accepted, entry)
		}
	}

	rollback = func() {
		for i := len(undos) - 1; i >= 0; i-- {
			u := undos[i]
			rt.restoreRoute(u.nodeId, u.prev, u.had)
		}
	}

	if len(accepted) == 0 {
		return nil, wireErrs, rollback
	}
	return &types.Envelope{Kind: types.KindNodeAnnouncement, Announcements: accepted}, wireErrs, rollback
}

// ApplyChildSubUpdates mirrors ApplyChildAnnouncements against
// remoteTopicHops for an incoming sub-update from child busId. Only
// topics whose hasInterest changed are returned for upstream propagation.
func (rt *RoutingTable) ApplyChildSubUpdates(busId types.BusId, entries []types.SubUpdateEntry) (env *types.Envelope, rollback func()) {
	type undo struct {
		topic  types.Topic
		hadBus bool
	}
	var undos []undo
	var toPropagate []types.SubUpdateEntry

	for _, entry := range entries {
		before := rt.HasInterest(entry.Topic)
		set, ok := rt.remoteTopicHops[entry.Topic]
		_, hadBus := set[busId]

		if entry.IsSubscribed {
			if !ok {
				set = make(map[types.BusId]struct{})
				rt.remoteTopicHops[entry.Topic] = set
			}
			set[busId] = struct{}{}
		} else if ok {
			delete(set, busId)
			if len(set) == 0 {
				delete(rt.remoteTopicHops, entry.Topic)
			}
		}
		undos = append(undos, undo{entry.Topic, hadBus})

		after := rt.HasInterest(entry.Topic)
		if before != after {
			toPropagate = append(toPropagate, types.SubUpdateEntry{Topic: entry.Topic, IsSubscribed: after})
		}
	}

	rollback = func() {
		for i := len(undos) - 1; i >= 0; i-- {
			u := undos[i]
			entry := entries[i]
			set, ok := rt.remoteTopicHops[entry.Topic]
			if u.hadBus {
				if !ok {
					set = make(map[types.BusId]struct{})
					rt.remoteTopicHops[entry.Topic] = set
				}
				set[busId] = struct{}{}
			} else if ok {
				delete(set, busId)
				if len(set) == 0 {
					delete(rt.remoteTopicHops, entry.Topic)
				}
			}
		}
	}

	if len(toPropagate) == 0 {
		return nil, rollback
	}
	return &types.Envelope{Kind: types.KindSubUpdate, SubUpdates: toPropagate}, rollback
}

// LocalResyncEnvelopes implements the §4.4 "on connectionReady for
// source=parent" resync: every locally-known node as available, and every
// topic with hasInterest=true.
func (rt *RoutingTable) LocalResyncEnvelopes() (nodes *types.Envelope, subs *types.Envelope) {
	var announcements []types.NodeAnnouncementEntry
	for nodeId, route := range rt.nodeRoutes {
		if route.Hop.IsLocal() {
			announcements = append(announcements, types.NodeAnnouncementEntry{
				NodeId: nodeId, IsAvailable: true, Groups: route.Groups,
			})
		}
	}
	var updates []types.SubUpdateEntry
	seen := make(map[types.Topic]struct{})
	for topic := range rt.localSubs {
		seen[topic] = struct{}{}
	}
	for topic := range rt.remoteTopicHops {
		seen[topic] = struct{}{}
	}
	for topic := range seen {
		if rt.HasInterest(topic) {
			updates = append(updates, types.SubUpdateEntry{Topic: topic, IsSubscribed: true})
		}
	}
	if len(announcements) > 0 {
		nodes = &types.Envelope{Kind: types.KindNodeAnnouncement, Announcements: announcements}
	}
	if len(updates) > 0 {
		subs = &types.Envelope{Kind: types.KindSubUpdate, SubUpdates: updates}
	}
	return nodes, subs
}

// ParentDisconnected purges every route whose hop is parent (§4.4 "On
// connectionDropped").
func (rt *RoutingTable) ParentDisconnected() []types.NodeId {
	var removed []types.NodeId
	for nodeId, route := range rt.nodeRoutes {
		if route.Hop.IsParent() {
			removed = append(removed, nodeId)
		}
	}
	for _, nodeId := range removed {
		rt.removeRoute(nodeId)
	}
	rt.hasParent = false
	return removed
}

// ChildDisconnected purges a dropped child's routes in O(k) using
// childBusNodeMap, and returns the node-announcement and sub-update
// entries to propagate upstream.
func (rt *RoutingTable) ChildDisconnected(busId types.BusId) ([]types.NodeAnnouncementEntry, []types.SubUpdateEntry) {
	nodeIds := rt.childBusNodeMap[busId]
	var announcements []types.NodeAnnouncementEntry
	for nodeId := range nodeIds {
		rt.removeRoute(nodeId)
		announcements = append(announcements, types.NodeAnnouncementEntry{NodeId: nodeId, IsAvailable: false})
	}
	delete(rt.childBusNodeMap, busId)

	var updates []types.SubUpdateEntry
	for topic, set := range rt.remoteTopicHops {
		if _, ok := set[busId]; !ok {
			continue
		}
		before := rt.HasInterest(topic)
		delete(set, busId)
		if len(set) == 0 {
			delete(rt.remoteTopicHops, topic)
		}
		after := rt.HasInterest(topic)
		if before != after {
			updates = append(updates, types.SubUpdateEntry{Topic: topic, IsSubscribed: after})
		}
	}
	return announcements, updates
}

// GetBroadcastDownstream implements §4.4 getBroadcastDownstream: the
// unique set of downstream MessageSources for a broadcast arriving (or
// originating) at incomingSource.
func (rt *RoutingTable) GetBroadcastDownstream(topic types.Topic, incomingSource types.MessageSource) []types.MessageSource {
	var out []types.MessageSource
	if len(rt.localSubs[topic]) > 0 && !incomingSource.IsLocal() {
		out = append(out, types.Local())
	}
	for busId := range rt.remoteTopicHops[topic] {
		child := types.Child(busId)
		if child != incomingSource {
			out = append(out, child)
		}
	}
	if rt.hasParent && !incomingSource.IsParent() {
		out = append(out, types.Parent())
	}
	return out
}
