package clusterstate

import (
	"encoding/json"
	"fmt"

	"github.com/yndnr/snapkeep-go/internal/core/domain"
)

// CommandType identifies a cluster-state mutation.
type CommandType uint8

const (
	CmdRepositoryPut CommandType = iota + 1
	CmdRepositoryDelete
	CmdEntryRegister
	CmdEntryStart
	CmdShardUpdate
	CmdEntryFinish
	CmdEntryAbort
	CmdEntryRemove
	CmdPendingGeneration
	CmdGeneration
	CmdMemberJoin
	CmdMemberLeave
	CmdOwnershipChange
)

var commandNames = map[CommandType]string{
	CmdRepositoryPut:     "repository_put",
	CmdRepositoryDelete:  "repository_delete",
	CmdEntryRegister:     "entry_register",
	CmdEntryStart:        "entry_start",
	CmdShardUpdate:       "shard_update",
	CmdEntryFinish:       "entry_finish",
	CmdEntryAbort:        "entry_abort",
	CmdEntryRemove:       "entry_remove",
	CmdPendingGeneration: "pending_generation",
	CmdGeneration:        "generation",
	CmdMemberJoin:        "member_join",
	CmdMemberLeave:       "member_leave",
	CmdOwnershipChange:   "ownership_change",
}

// String returns the command name.
func (t CommandType) String() string {
	if n, ok := commandNames[t]; ok {
		return n
	}
	return fmt.Sprintf("unknown(%d)", uint8(t))
}

// Command is one replicated mutation. Timestamp is the proposer's clock in
// Unix milliseconds; it is carried in the log so every replica applies the
// same value.
type Command struct {
	Type      CommandType     `json:"type"`
	Timestamp int64           `json:"ts"`
	Payload   json.RawMessage `json:"payload"`
}

// NewCommand marshals payload into a command.
func NewCommand(t CommandType, ts int64, payload any) (Command, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Command{}, fmt.Errorf("marshal %s payload: %w", t, err)
	}
	return Command{Type: t, Timestamp: ts, Payload: raw}, nil
}

// Encode returns the log representation.
func (c Command) Encode() ([]byte, error) {
	return json.Marshal(c)
}

// DecodeCommand parses a log entry.
func DecodeCommand(b []byte) (Command, error) {
	var c Command
	if err := json.Unmarshal(b, &c); err != nil {
		return Command{}, err
	}
	if _, ok := commandNames[c.Type]; !ok {
		return Command{}, fmt.Errorf("unknown command type %d", c.Type)
	}
	return c, nil
}

// RepositoryPutPayload registers or updates a repository.
type RepositoryPutPayload struct {
	Repository *domain.RepositoryMetadata `json:"repository"`
	NodeID     string                     `json:"node_id"`
}

// RepositoryDeletePayload unregisters a repository.
type RepositoryDeletePayload struct {
	Name string `json:"name"`
}

// EntryRegisterPayload adds a tracker entry in INIT.
type EntryRegisterPayload struct {
	Entry *domain.Entry `json:"entry"`
}

// EntryStartPayload moves an entry to STARTED with its shard assignment.
// Shards already terminal at start (no live owner) are recorded as given.
type EntryStartPayload struct {
	ID     string                                  `json:"id"`
	Shards map[domain.ShardKey]*domain.ShardStatus `json:"shards,omitempty"`
}

// ShardUpdatePayload reports one shard's status.
type ShardUpdatePayload struct {
	ID     string             `json:"id"`
	Key    domain.ShardKey    `json:"key"`
	Status domain.ShardStatus `json:"status"`
}

// EntryFinishPayload moves an entry to a terminal state. Shards still pending
// are failed with FailPending as reason.
type EntryFinishPayload struct {
	ID          string            `json:"id"`
	State       domain.EntryState `json:"state"`
	Failure     string            `json:"failure,omitempty"`
	FailPending string            `json:"fail_pending,omitempty"`
}

// EntryAbortPayload aborts an entry.
type EntryAbortPayload struct {
	ID     string `json:"id"`
	Reason string `json:"reason"`
}

// EntryRemovePayload drops a terminal entry.
type EntryRemovePayload struct {
	ID string `json:"id"`
}

// GenerationPayload records a ledger generation about to be written
// (pending) or known written.
type GenerationPayload struct {
	Repository string `json:"repository"`
	Generation int64  `json:"generation"`
}

// MemberJoinPayload adds or refreshes a member.
type MemberJoinPayload struct {
	Member domain.Member `json:"member"`
}

// MemberLeavePayload removes a member.
type MemberLeavePayload struct {
	NodeID string `json:"node_id"`
}

// OwnershipChangePayload records that NodeID now writes the ledger of
// Repository, or of every repository when Repository is empty.
type OwnershipChangePayload struct {
	Repository string `json:"repository,omitempty"`
	NodeID     string `json:"node_id"`
	Reason     string `json:"reason"`
}
