package domain

import "time"

// ControlKind names an operator command or a system broadcast on the
// control channel.
type ControlKind string

const (
	ControlClearHalt       ControlKind = "clear_halt"
	ControlAckAlert        ControlKind = "ack_alert"
	ControlSnapshotRequest ControlKind = "allocation_snapshot"
	ControlHalted          ControlKind = "halted"
	ControlHaltCleared     ControlKind = "halt_cleared"
)

// ControlMessage is carried on the control channel.
type ControlMessage struct {
	Kind     ControlKind `json:"kind"`
	Target   string      `json:"target,omitempty"` // alert id for acks
	Reason   string      `json:"reason,omitempty"`
	IssuedBy string      `json:"issued_by,omitempty"`
	IssuedAt time.Time   `json:"issued_at"`
}

// Bus channel names.
const (
	ChannelMarkets        = "markets"
	ChannelOracle         = "oracle"
	ChannelOpportunities  = "opportunities"
	ChannelTradeRequests  = "trade_requests"
	ChannelTradeDecisions = "trade_decisions"
	ChannelTradeResults   = "trade_results"
	ChannelMarks          = "marks"
	ChannelAllocations    = "allocations"
	ChannelAlerts         = "alerts"
	ChannelControl        = "control"
)
