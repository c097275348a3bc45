package model

// ItemError records a single failed item in a batch operation with
// enough context for an operator to act on it.
type ItemError struct {
	Label  string `json:"label"`
	Reason string `json:"reason"`
}

// AssignReport is the result of a batch assignment run. Per-item
// failures never abort the batch; they accumulate here instead.
type AssignReport struct {
	Assigned int         `json:"assigned"`
	Errors   []ItemError `json:"errors"`
}

// SyncReport is the result of a proxy reconciliation run. For the
// population of accounts holding both a device and a proxy,
// Synced + Skipped + len(Errors) equals the population size.
type SyncReport struct {
	Synced  int         `json:"synced"`
	Skipped int         `json:"skipped"`
	Errors  []ItemError `json:"errors"`
}

// PowerOutcome is the classified result of a power command. The
// provider executes power operations asynchronously: an id missing
// from both the success and fail lists means the command was accepted
// but the outcome is not yet observable, reported here as Pending.
type PowerOutcome struct {
	Success bool   `json:"success"`
	Pending bool   `json:"pending,omitempty"`
	Message string `json:"message,omitempty"`
}
