package core

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"
)

// RecoveryPoint is a checksummed snapshot of an operation document that the
// operation can be rolled back to.
type RecoveryPoint struct {
	ID          string    `json:"recoveryPointId"`
	OperationID string    `json:"operationId"`
	Description string    `json:"description"`
	CreatedAt   time.Time `json:"createdAt"`
	// Version is the operation document version the snapshot was taken at.
	Version  int64           `json:"version"`
	Snapshot json.RawMessage `json:"snapshot"`
	Checksum string          `json:"checksum"`
}

// ComputeChecksum hashes the identifying fields and the snapshot bytes.
func (rp *RecoveryPoint) ComputeChecksum() string {
	h := sha256.New()
	fmt.Fprintf(h, "%s\x00%s\x00%s\x00%s\x00%d\x00", rp.ID, rp.OperationID, rp.Description,
		rp.CreatedAt.UTC().Format(time.RFC3339Nano), rp.Version)
	h.Write(rp.Snapshot)
	return hex.EncodeToString(h.Sum(nil))
}

// Verify checks that the stored checksum still matches the content and that
// the snapshot decodes to an operation document.
func (rp *RecoveryPoint) Verify() error {
	if rp.Checksum == "" || rp.Checksum != rp.ComputeChecksum() {
		return fmt.Errorf("recovery point %s: %w", rp.ID, ErrCorruptRecoveryPoint)
	}
	var op Operation
	if err := json.Unmarshal(rp.Snapshot, &op); err != nil {
		return fmt.Errorf("recovery point %s: %w: %v", rp.ID, ErrCorruptRecoveryPoint, err)
	}
	if op.ID != rp.OperationID {
		return fmt.Errorf("recovery point %s: %w: snapshot belongs to %q", rp.ID, ErrCorruptRecoveryPoint, op.ID)
	}
	return nil
}

// Operation decodes the snapshot.
func (rp *RecoveryPoint) Operation() (*Operation, error) {
	var op Operation
	if err := json.Unmarshal(rp.Snapshot, &op); err != nil {
		return nil, fmt.Errorf("decode recovery point %s: %w", rp.ID, err)
	}
	return &op, nil
}
