package models

import "time"

type SyncStatus string

const (
	Synced    SyncStatus = "Synced"
	OutOfSync SyncStatus = "OutOfSync"
	Unknown   SyncStatus = "Unknown"
)

type ReconcileState string

const (
	StateUnknown     ReconcileState = "Unknown"
	StateSynced      ReconcileState = "Synced"
	StateOutOfSync   ReconcileState = "OutOfSync"
	StateReconciling ReconcileState = "Reconciling"
	StateDegraded    ReconcileState = "Degraded"
)

func (s ReconcileState) SyncStatus() SyncStatus {
	switch s {
	case StateSynced:
		return Synced
	case StateOutOfSync, StateReconciling, StateDegraded:
		return OutOfSync
	}
	return Unknown
}

type TargetStatus struct {
	Target       TargetRef      `json:"target"`
	SyncStatus   SyncStatus     `json:"sync_status"`
	State        ReconcileState `json:"state"`
	DeclaredSeq  uint64         `json:"declared_seq"`
	DeclaredHash string         `json:"declared_hash"`
	LiveHash     string         `json:"live_hash"`
	Health       Health         `json:"health"`
	LastError    string         `json:"last_error,omitempty"`
	ObservedAt   *time.Time     `json:"observed_at,omitempty"`
}

type Transition struct {
	Target   TargetRef      `json:"target"`
	From     ReconcileState `json:"from"`
	To       ReconcileState `json:"to"`
	Reason   string         `json:"reason"`
	Revision uint64         `json:"revision"`
	At       time.Time      `json:"at"`
}
