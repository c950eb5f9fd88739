// Package idgen provides the identifier and content-hashing services of
// spec.md C1: opaque 128-bit entity IDs and the SHA-256 content hash used to
// deduplicate invoice submissions.
package idgen

import (
	"crypto/sha256"
	"encoding/hex"

	"github.com/google/uuid"
)

// ID is an opaque 128-bit identifier shared by every entity in the data
// model (Invoice, Extraction, Exception, ApprovalRequest, StagedExport, ...).
type ID string

// New returns a new random, monotonically-sortable-enough identifier.
// UUIDv7 embeds a millisecond timestamp so IDs are roughly creation-ordered,
// which keeps index locality reasonable for the durable store without
// requiring a separate sequence.
func New() ID {
	id, err := uuid.NewV7()
	if err != nil {
		// NewV7 only fails if the system entropy source is broken; fall back
		// to a random v4 rather than panic mid-request.
		id = uuid.New()
	}
	return ID(id.String())
}

// Empty reports whether id is the zero value (never assigned).
func (id ID) Empty() bool { return id == "" }

func (id ID) String() string { return string(id) }

// ContentHash returns the hex-encoded SHA-256 digest of the given bytes,
// used as the (content_hash, submitter_scope) dedup key for invoice uploads.
func ContentHash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
