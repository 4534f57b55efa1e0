package contracts

import (
	"time"

	"github.com/Mindburn-Labs/helm-pay/pkg/finance"
)

// State is a settlement process state.
type State string

const (
	StateCreated   State = "CREATED"
	StateVerified  State = "VERIFIED"
	StateEscrowed  State = "ESCROWED"
	StateInProcess State = "IN_PROCESS"
	StateFulfilled State = "FULFILLED"
	StateSettled   State = "SETTLED"
	StateDisputed  State = "DISPUTED"
)

// AllStates lists every state in workflow order.
var AllStates = []State{
	StateCreated,
	StateVerified,
	StateEscrowed,
	StateInProcess,
	StateFulfilled,
	StateSettled,
	StateDisputed,
}

// Valid reports whether s is a known state.
func (s State) Valid() bool {
	for _, k := range AllStates {
		if s == k {
			return true
		}
	}
	return false
}

// Role is the capability an agent must hold to perform a transition.
type Role string

const (
	RoleNone              Role = ""
	RoleVerifier          Role = "VERIFIER"
	RoleEscrowManager     Role = "ESCROW_MANAGER"
	RoleExecutor          Role = "EXECUTOR"
	RoleDeliveryConfirmer Role = "DELIVERY_CONFIRMER"
	RoleSettler           Role = "SETTLER"
)

// ProcessInstance is one run of the settlement workflow. Terminal instances
// are retained for audit.
type ProcessInstance struct {
	ID            string            `json:"id"`
	CurrentState  State             `json:"current_state"`
	PreviousState State             `json:"previous_state,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty"`
	Version       int64             `json:"version"`
	CreatedAt     time.Time         `json:"created_at"`
	UpdatedAt     time.Time         `json:"updated_at"`
}

// Clone returns a deep copy.
func (p *ProcessInstance) Clone() *ProcessInstance {
	if p == nil {
		return nil
	}
	c := *p
	if p.Metadata != nil {
		c.Metadata = make(map[string]string, len(p.Metadata))
		for k, v := range p.Metadata {
			c.Metadata[k] = v
		}
	}
	return &c
}

// TransitionRecord is the append-only log entry for one accepted transition.
// PaymentRef is the execution ID of the release that paid for it (empty for
// zero-cost edges).
type TransitionRecord struct {
	ProcessID   string         `json:"process_id"`
	Sequence    int64          `json:"sequence"`
	From        State          `json:"from"`
	To          State          `json:"to"`
	Agent       string         `json:"agent"`
	Role        Role           `json:"role,omitempty"`
	SessionID   string         `json:"session_id,omitempty"`
	Cost        finance.Amount `json:"cost"`
	PaymentRef  string         `json:"payment_ref,omitempty"`
	TxRef       string         `json:"tx_ref,omitempty"`
	Proof       []byte         `json:"proof,omitempty"`
	ProofDigest string         `json:"proof_digest,omitempty"`
	Timestamp   time.Time      `json:"timestamp"`
}

// TransitionResult reports the outcome of a transition request.
type TransitionResult struct {
	OK            bool              `json:"ok"`
	Reason        Reason            `json:"reason,omitempty"`
	Detail        string            `json:"detail,omitempty"`
	State         State             `json:"state"`
	PreviousState State             `json:"previous_state,omitempty"`
	PaymentRef    string            `json:"payment_ref,omitempty"`
	TxRef         string            `json:"tx_ref,omitempty"`
	Record        *TransitionRecord `json:"record,omitempty"`
}

// Err returns nil on success, otherwise a DenialError.
func (r *TransitionResult) Err() error {
	if r == nil || r.OK {
		return nil
	}
	return &DenialError{Reason: r.Reason, Detail: r.Detail}
}
