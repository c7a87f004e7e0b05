package event

import (
	"time"

	"github.com/google/uuid"
)

// Kind discriminates the three transactions the keeper sends.
type Kind int32

const (
	KindUnknown Kind = iota
	KindExecuteOrders
	KindLiquidatePositions
	KindGlobalUPL
)

func (k Kind) String() string {
	switch k {
	case KindExecuteOrders:
		return "execute_orders"
	case KindLiquidatePositions:
		return "liquidate_positions"
	case KindGlobalUPL:
		return "global_upl"
	default:
		return "unknown"
	}
}

// Status is the outcome of one submission attempt.
type Status int32

const (
	StatusConfirmed Status = iota // mined, receipt status 1
	StatusReverted                // mined, receipt status 0
	StatusFailed                  // transport or signing error, nothing mined
)

func (s Status) String() string {
	switch s {
	case StatusConfirmed:
		return "confirmed"
	case StatusReverted:
		return "reverted"
	default:
		return "failed"
	}
}

// Submission records one transaction attempt by the pipeline. It feeds the
// audit log and the outbound event stream.
type Submission struct {
	ID          uuid.UUID
	Kind        Kind
	Keys        []string // order ids, position keys or asset addresses
	Markets     []string
	TxHash      string
	Status      Status
	Error       string
	Endpoint    string
	BlockNumber uint64
	SubmittedAt time.Time
	Duration    time.Duration
}

// NewSubmission stamps a fresh attempt.
func NewSubmission(kind Kind, keys, markets []string, endpoint string, at time.Time) *Submission {
	return &Submission{
		ID:          uuid.New(),
		Kind:        kind,
		Keys:        keys,
		Markets:     markets,
		Endpoint:    endpoint,
		SubmittedAt: at,
	}
}
