// Package audit provides PDR (Process Decision Record) writing for
// dispatch, lock and patrol decisions.
package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"

	"github.com/fentz26/conductor/internal/models"
)

// Sink persists decision records. *store.Store implements it.
type Sink interface {
	WritePDR(ctx context.Context, action, inputsHash, outcome, subject, details string) (*models.PDREntry, error)
}

// PDRWriter writes Process Decision Records for audit trails.
// A nil *PDRWriter or one without a sink records nothing.
type PDRWriter struct {
	sink Sink
}

// NewPDRWriter creates a new PDR writer.
func NewPDRWriter(s Sink) *PDRWriter {
	return &PDRWriter{sink: s}
}

// Record writes a PDR entry for a state-mutating action.
func (w *PDRWriter) Record(ctx context.Context, action string, inputs interface{}, outcome, subject, details string) (*models.PDREntry, error) {
	if w == nil || w.sink == nil {
		return nil, nil
	}
	inputsHash := hashInputs(inputs)
	return w.sink.WritePDR(ctx, action, inputsHash, outcome, subject, details)
}

// hashInputs creates a SHA256 hash of the inputs for reproducibility.
func hashInputs(inputs interface{}) string {
	data, err := json.Marshal(inputs)
	if err != nil {
		return "hash_error"
	}
	hash := sha256.Sum256(data)
	return hex.EncodeToString(hash[:])
}
