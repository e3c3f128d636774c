package types

// NodeID identifies a node in the cluster.
type NodeID string

// ReadPolicy controls how reads are served.
type ReadPolicy int

const (
	ReadPolicyStale ReadPolicy = iota
	ReadPolicyReadIndex
)

func (r ReadPolicy) String() string {
	switch r {
	case ReadPolicyStale:
		return "stale"
	case ReadPolicyReadIndex:
		return "read_index"
	default:
		return "unknown"
	}
}

// OpType identifies the operation type.
type OpType int

const (
	OpPut OpType = iota
	OpDelete
	OpCAS
)

func (o OpType) String() string {
	switch o {
	case OpPut:
		return "put"
	case OpDelete:
		return "delete"
	case OpCAS:
		return "cas"
	default:
		return "unknown"
	}
}

// Command represents an operation to be applied to the state machine.
// ClientID and Seq form the idempotent request identifier: a command that is
// re-applied after a mid-flight leader failover is answered from the dedupe
// table instead of taking effect twice.
type Command struct {
	ClientID string `json:"client_id,omitempty"`
	Seq      uint64 `json:"seq,omitempty"`
	Op       OpType `json:"op"`
	Key      string `json:"key,omitempty"`
	Value    string `json:"value,omitempty"`
	Expected string `json:"expected,omitempty"`
}

// ApplyResult is the result of applying a command.
type ApplyResult struct {
	Ok      bool   `json:"ok"`
	Value   string `json:"value,omitempty"`
	ErrCode string `json:"err_code,omitempty"`
	ErrMsg  string `json:"err_msg,omitempty"`
}

// LeaderHint tells clients where the leader is believed to be.
type LeaderHint struct {
	LeaderID   NodeID `json:"leader_id,omitempty"`
	LeaderAddr string `json:"leader_addr,omitempty"`
}

// NodeStatus holds status info about a consensus node.
type NodeStatus struct {
	ID          NodeID        `json:"id"`
	Role        string        `json:"role"`
	Term        uint64        `json:"term"`
	CommitIndex uint64        `json:"commit_index"`
	LastApplied uint64        `json:"last_applied"`
	LastIndex   uint64        `json:"last_index"`
	LeaderHint  LeaderHint    `json:"leader_hint"`
	Config      Configuration `json:"config"`
}
