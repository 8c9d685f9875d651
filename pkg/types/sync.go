package types

import "time"

// FailedDelivery is an append-only record of an outbound bundle the LIS did not accept
type FailedDelivery struct {
	ID        string    `json:"id" db:"id"`
	TaskID    string    `json:"task_id" db:"task_id"`
	Error     string    `json:"error" db:"error"`
	Sent      bool      `json:"sent" db:"sent"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// PollWatermark is the start time of the last poll run that completed without error
type PollWatermark struct {
	ID          int64     `json:"id" db:"id"`
	RequestDate time.Time `json:"request_date" db:"request_date"`
	CreatedAt   time.Time `json:"created_at" db:"created_at"`
}

// DeliveryOutcome describes what happened to one outbound dispatch
type DeliveryOutcome string

const (
	DeliverySkipped   DeliveryOutcome = "skipped"
	DeliveryDelivered DeliveryOutcome = "delivered"
	DeliveryFailed    DeliveryOutcome = "failed"
)

// PollResult summarizes one inbound polling run
type PollResult struct {
	LowerBound time.Time `json:"lower_bound"`
	UpperBound time.Time `json:"upper_bound"`
	Pages      int       `json:"pages"`
	Tasks      int       `json:"tasks"`
	Updated    int       `json:"updated"`
	Unchanged  int       `json:"unchanged"`
	Skipped    int       `json:"skipped"`
	Failed     int       `json:"failed"`
}

// ReconcileResult is the per order outcome of reconciliation
type ReconcileResult string

const (
	ReconcileUpdated   ReconcileResult = "updated"
	ReconcileUnchanged ReconcileResult = "unchanged"
	ReconcileNoMatch   ReconcileResult = "no_match"
	ReconcileFailed    ReconcileResult = "failed"
)
