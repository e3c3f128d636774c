package types

// Configuration is the cluster membership. During a configuration change the
// old and new member sets coexist (joint configuration) and decisions require
// an independent majority of each.
type Configuration struct {
	Old []NodeID `json:"old,omitempty"`
	New []NodeID `json:"new"`
}

// SimpleConfig returns a non-joint configuration over the given members.
func SimpleConfig(members []NodeID) Configuration {
	out := make([]NodeID, len(members))
	copy(out, members)
	return Configuration{New: out}
}

// JointConfig returns the transitional configuration old ∪ new.
func (c Configuration) JointConfig(newMembers []NodeID) Configuration {
	old := make([]NodeID, len(c.New))
	copy(old, c.New)
	next := make([]NodeID, len(newMembers))
	copy(next, newMembers)
	return Configuration{Old: old, New: next}
}

// FinalConfig collapses a joint configuration to its new member set.
func (c Configuration) FinalConfig() Configuration {
	next := make([]NodeID, len(c.New))
	copy(next, c.New)
	return Configuration{New: next}
}

// Joint reports whether the configuration is transitional.
func (c Configuration) Joint() bool {
	return len(c.Old) > 0
}

// Members returns the union of the old and new sets, deduplicated.
func (c Configuration) Members() []NodeID {
	seen := make(map[NodeID]bool, len(c.Old)+len(c.New))
	var out []NodeID
	for _, set := range [][]NodeID{c.New, c.Old} {
		for _, id := range set {
			if !seen[id] {
				seen[id] = true
				out = append(out, id)
			}
		}
	}
	return out
}

// Contains reports whether id is a member of either set.
func (c Configuration) Contains(id NodeID) bool {
	for _, m := range c.Old {
		if m == id {
			return true
		}
	}
	for _, m := range c.New {
		if m == id {
			return true
		}
	}
	return false
}

// Quorum reports whether the upvoted set satisfies the configuration: a
// majority of New, and while joint also an independent majority of Old.
func (c Configuration) Quorum(granted map[NodeID]bool) bool {
	if !majority(c.New, granted) {
		return false
	}
	if c.Joint() && !majority(c.Old, granted) {
		return false
	}
	return true
}

func majority(set []NodeID, granted map[NodeID]bool) bool {
	if len(set) == 0 {
		return true
	}
	count := 0
	for _, id := range set {
		if granted[id] {
			count++
		}
	}
	return count >= len(set)/2+1
}
