package types

// Route is one entry of the distributed routing information base (RIB):
// the next hop toward a NodeId, and the groups that node was last
// announced with. Invariant: every local NodeId routes with Hop=Local.
type Route struct {
	Hop    MessageSource
	Groups GroupSet
}

// Clone returns an independent copy, including its own copy of the
// group set.
func (r Route) Clone() Route {
	return Route{Hop: r.Hop, Groups: r.Groups.Clone()}
}

// BridgePolicy is the per-child-bus admission policy from §3/§4.2/§4.4.
// A nil list means "not configured"; a non-nil, empty list means
// "configured to reject everything that list would otherwise allow".
type BridgePolicy struct {
	AllowList *GroupSet
	DenyList  *GroupSet
}

// Admits implements the policy semantics of §4.2: deny takes precedence;
// otherwise, if an allow list is configured, at least one source group
// must appear in it.
func (p BridgePolicy) Admits(sourceGroups GroupSet) bool {
	if p.DenyList != nil && sourceGroups.Intersects(*p.DenyList) {
		return false
	}
	if p.AllowList != nil && !sourceGroups.Intersects(*p.AllowList) {
		return false
	}
	return true
}

// NodeAnnouncementEntry is one element of a node-announcement control
// message (§6).
type NodeAnnouncementEntry struct {
	NodeId      NodeId   `json:"nodeId"`
	IsAvailable bool     `json:"isAvailable"`
	Groups      GroupSet `json:"groups,omitempty"`
}

// SubUpdateEntry is one element of a sub-update control message (§6).
type SubUpdateEntry struct {
	Topic        Topic `json:"topic"`
	IsSubscribed bool  `json:"isSubscribed"`
}
