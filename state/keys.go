package state

import (
	"strings"

	"github.com/hupe1980/swarmkit/core"
)

const sep = "/"

// OperationKey is the key of an operation's document.
func OperationKey(operationID string) string { return operationID }

// ElectionKey is the key of an election record within an operation.
func ElectionKey(operationID, electionID string) string {
	return operationID + sep + "election" + sep + electionID
}

// ConsensusKey is the key of a consensus record within an operation.
func ConsensusKey(operationID, consensusID string) string {
	return operationID + sep + "consensus" + sep + consensusID
}

// RecoveryKey is the key of a recovery point within an operation.
func RecoveryKey(operationID, recoveryPointID string) string {
	return operationID + sep + "recovery" + sep + recoveryPointID
}

// IsRecoveryKey reports whether key names a recovery point.
func IsRecoveryKey(key string) bool {
	return strings.HasPrefix(key, RecoveryKey(Scope(key), ""))
}

// Scope returns the operation id a key belongs to: its first path segment.
func Scope(key string) string {
	if i := strings.Index(key, sep); i >= 0 {
		return key[:i]
	}
	return key
}

// ValidateOperationID rejects ids that cannot serve as a key scope.
func ValidateOperationID(id string) error {
	if strings.TrimSpace(id) == "" {
		return &core.ConfigurationError{Field: "operation_id", Reason: "must not be empty"}
	}
	if strings.Contains(id, sep) {
		return &core.ConfigurationError{Field: "operation_id", Reason: "must not contain " + sep}
	}
	return nil
}

func validateKey(key string) error {
	if strings.TrimSpace(key) == "" {
		return &core.ConfigurationError{Field: "key", Reason: "must not be empty"}
	}
	if strings.HasPrefix(key, sep) || strings.HasSuffix(key, sep) || strings.Contains(key, sep+sep) {
		return &core.ConfigurationError{Field: "key", Reason: "malformed path " + key}
	}
	return nil
}
