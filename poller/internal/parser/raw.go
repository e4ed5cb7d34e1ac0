package parser

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// KindRaw stores the body verbatim.
const KindRaw = "raw"

// Raw keeps every response body as-is with its SHA-256 and length.
type Raw struct{}

// EnsureDestination implements Capability.
func (Raw) EnsureDestination(ctx context.Context, exec Executor, target string) error {
	return exec.Exec(ctx, fmt.Sprintf(`CREATE TABLE IF NOT EXISTS "%s" (
    outcome_id INTEGER NOT NULL REFERENCES request_outcomes(id) ON DELETE CASCADE,
    sha256     TEXT NOT NULL,
    length     INTEGER NOT NULL,
    body       BLOB NOT NULL
)`, target))
}

// Parse implements Capability. It never fails.
func (Raw) Parse(body []byte, outcomeID int64, target string) (*Batch, error) {
	sum := sha256.Sum256(body)
	if body == nil {
		body = []byte{}
	}
	return &Batch{
		Columns: []string{"outcome_id", "sha256", "length", "body"},
		Rows:    [][]any{{outcomeID, hex.EncodeToString(sum[:]), len(body), body}},
	}, nil
}
