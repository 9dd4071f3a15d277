package models

import "time"

type Health string

const (
	HealthUnknown     Health = "unknown"
	HealthHealthy     Health = "healthy"
	HealthProgressing Health = "progressing"
	HealthDegraded    Health = "degraded"
	HealthMissing     Health = "missing"
)

// LiveObjectState is reported by the live system, the core never writes it.
type LiveObjectState struct {
	Target TargetRef
	Image  ImageRef
	// ReferenceHash is the content hash of the document the object claims to run.
	// Empty when nothing was applied or the object drifted from what was applied.
	ReferenceHash string
	Health        Health
	ObservedAt    time.Time
}
