package events

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// Role identifies a party of the annotation workflow
type Role string

const (
	JobLauncher      Role = "job_launcher"
	ExchangeOracle   Role = "exchange_oracle"
	RecordingOracle  Role = "recording_oracle"
	ReputationOracle Role = "reputation_oracle"
)

// Roles lists every known role in a stable order
var Roles = []Role{JobLauncher, ExchangeOracle, RecordingOracle, ReputationOracle}

// ParseRole maps a wire value onto a Role
func ParseRole(s string) (Role, error) {
	r := Role(strings.ToLower(strings.TrimSpace(s)))
	if !r.Valid() {
		return "", fmt.Errorf("unknown role %q", s)
	}
	return r, nil
}

// Valid reports whether r is one of the known roles
func (r Role) Valid() bool {
	for _, known := range Roles {
		if r == known {
			return true
		}
	}
	return false
}

// Type is an event type name, only meaningful together with the emitting role
type Type string

const (
	TypeEscrowCreated      Type = "escrow_created"
	TypeEscrowCanceled     Type = "escrow_canceled"
	TypeTaskFinished       Type = "task_finished"
	TypeTaskCreationFailed Type = "task_creation_failed"
	TypeTaskCompleted      Type = "task_completed"
	TypeTaskRejected       Type = "task_rejected"
)

// TaskKey identifies a task by the escrow that funds it
type TaskKey struct {
	ChainID       int64  `json:"chain_id"`
	EscrowAddress string `json:"escrow_address"`
}

func (k TaskKey) String() string {
	return fmt.Sprintf("%s@%d", k.EscrowAddress, k.ChainID)
}

// Validate checks that the key names a plausible escrow
func (k TaskKey) Validate() error {
	if k.ChainID <= 0 {
		return fmt.Errorf("invalid chain_id %d", k.ChainID)
	}
	if !common.IsHexAddress(k.EscrowAddress) {
		return fmt.Errorf("invalid escrow_address %q", k.EscrowAddress)
	}
	return nil
}

// Event is a decoded, schema-checked event payload
type Event interface {
	EventType() Type
	event()
}

// Job launcher events

type EscrowCreated struct{}

type EscrowCanceled struct{}

// Exchange oracle events

type TaskFinished struct{}

type TaskCreationFailed struct {
	Reason string `json:"reason"`
}

// Recording oracle events

type TaskCompleted struct{}

// TaskRejected lists the jobs whose annotations fell below the quality bar
type TaskRejected struct {
	RejectedJobIDs []int64 `json:"rejected_job_ids"`
}

func (EscrowCreated) EventType() Type      { return TypeEscrowCreated }
func (EscrowCanceled) EventType() Type     { return TypeEscrowCanceled }
func (TaskFinished) EventType() Type       { return TypeTaskFinished }
func (TaskCreationFailed) EventType() Type { return TypeTaskCreationFailed }
func (TaskCompleted) EventType() Type      { return TypeTaskCompleted }
func (TaskRejected) EventType() Type       { return TypeTaskRejected }

func (EscrowCreated) event()      {}
func (EscrowCanceled) event()     {}
func (TaskFinished) event()       {}
func (TaskCreationFailed) event() {}
func (TaskCompleted) event()      {}
func (TaskRejected) event()       {}
