// Package approval gates every on-chain intent. Whitelisted small
// transactions are approved automatically under a per-transaction and a
// daily cap; everything else waits for the human owner through an
// out-of-band notification sink, bounded by a TTL. Records resolve exactly
// once: approve, reject, and the expiry sweep race through compare-and-set
// on the backing store, and a single transition wins.
package approval

import (
	"crypto/sha256"
	"encoding/hex"
	"math/big"
	"time"

	"github.com/sentience-labs/warden/pkg/errkind"
)

// State is the lifecycle state of an approval record.
type State string

const (
	StatePending  State = "pending"
	StateApproved State = "approved"
	StateRejected State = "rejected"
	StateExpired  State = "expired"
	StateExecuted State = "executed"
)

// Terminal reports whether no further transition is possible, except
// approved → executed.
func (s State) Terminal() bool {
	return s == StateApproved || s == StateRejected || s == StateExpired || s == StateExecuted
}

// Resolution sources.
const (
	SourceAuto  = "auto"
	SourceOwner = "owner"
	SourceSweep = "sweep"
)

// Intent is an on-chain operation awaiting the gate.
type Intent struct {
	Operation string   // send, swap, deploy, ...
	To        string   // 0x-prefixed target address
	Value     *big.Int // wei
	Data      []byte   // calldata
	Chain     string
	Creator   string
}

// Record is the persisted gating structure for one intent.
type Record struct {
	ID         string    `json:"id"`
	Operation  string    `json:"operation"`
	To         string    `json:"to"`
	Value      string    `json:"value"` // wei, decimal
	DataDigest string    `json:"dataDigest"`
	Chain      string    `json:"chain"`
	Creator    string    `json:"creator"`
	CreatedAt  time.Time `json:"createdAt"`
	ExpiresAt  time.Time `json:"expiresAt"`
	State      State     `json:"state"`
	Source     string    `json:"source,omitempty"`
	ResolvedAt time.Time `json:"resolvedAt,omitzero"`
}

// Outcome is what a waiting caller receives when a record resolves.
// AlreadyResolved marks a resolution attempt that lost the race or arrived
// past a terminal state; the outcome carried is the winner's.
type Outcome struct {
	ID              string
	State           State
	Source          string
	AlreadyResolved bool
}

// Err maps a non-approved outcome to its typed error; an approved outcome
// yields nil.
func (o Outcome) Err() error {
	switch o.State {
	case StateApproved, StateExecuted:
		return nil
	case StateRejected:
		return errkind.New(errkind.KindRejected, "approval %s was rejected by %s", o.ID, o.Source)
	case StateExpired:
		return errkind.New(errkind.KindExpired, "approval %s expired unresolved", o.ID)
	default:
		return errkind.New(errkind.KindInternal, "approval %s in unexpected state %s", o.ID, o.State)
	}
}

// digest returns a short hex digest of calldata for owner prompts and
// audit entries. The raw payload never leaves the record's creator.
func digest(data []byte) string {
	if len(data) == 0 {
		return "0x"
	}
	sum := sha256.Sum256(data)
	return "0x" + hex.EncodeToString(sum[:8])
}
