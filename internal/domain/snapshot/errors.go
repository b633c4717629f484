package snapshot

import "time"

// Classification is the failure taxonomy assigned to a stage failure.
type Classification string

const (
	ClassTransient         Classification = "transient"
	ClassDegradable        Classification = "degradable"
	ClassFatal             Classification = "fatal"
	ClassContractViolation Classification = "contract_violation"
)

// validClassifications enumerates classifications a stage may report.
var validClassifications = map[Classification]bool{
	ClassTransient:  true,
	ClassDegradable: true,
	ClassFatal:      true,
}

// IsValidStageClass reports whether a stage is allowed to report c.
// CONTRACT_VIOLATION is assigned by the core, never by a stage.
func (c Classification) IsValidStageClass() bool {
	return validClassifications[c]
}

// IsFatal reports whether c terminates a run.
func (c Classification) IsFatal() bool {
	return c == ClassFatal || c == ClassContractViolation
}

// ErrorKind distinguishes what an ErrorRecord documents.
type ErrorKind string

const (
	KindFailure              ErrorKind = "failure"               // a stage attempt failed
	KindDegraded             ErrorKind = "degraded"              // fallback output accepted
	KindQualityWarning       ErrorKind = "quality_warning"       // revision ceiling reached
	KindCollaborationTimeout ErrorKind = "collaboration_timeout" // session expired unresolved
	KindCancelled            ErrorKind = "cancelled"
)

// ErrorRecord is one structured entry of a snapshot's error log.
type ErrorRecord struct {
	Stage          string         `json:"stage,omitempty"`
	Kind           ErrorKind      `json:"kind"`
	Classification Classification `json:"classification,omitempty"`
	Message        string         `json:"message"`
	Attempt        int            `json:"attempt,omitempty"`
	Timestamp      time.Time      `json:"timestamp"`
}
