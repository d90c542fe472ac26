// Package docs defines the document-provider capability: the shared document
// whose Commands table is the agent's user interface. The provider's edit
// format is opaque to the core; the core sees rows and writes patches.
package docs

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
)

// Ref identifies one tracked document.
type Ref struct {
	DocID       string
	DisplayName string
}

// Row is one line of the Commands table. Text is the only user-owned cell;
// every other column is derived and owned by the agent.
type Row struct {
	Index       int
	ID          string
	Text        string
	Status      string
	ApprovalURL string
	Result      string
	Error       string
}

// RowPatch is a batched write-back of derived cells for one row. Nil fields
// are left untouched.
type RowPatch struct {
	Index       int
	ID          *string
	Status      *string
	ApprovalURL *string
	Result      *string
	Error       *string
}

// Provider is the document back-end consumed by the sync loop.
type Provider interface {
	// ListDocuments discovers the tracked documents.
	ListDocuments(ctx context.Context) ([]Ref, error)
	// ReadCommandTable returns the Commands table rows in order.
	ReadCommandTable(ctx context.Context, docID string) ([]Row, error)
	// ApplyRowPatches writes derived cells back, one batch per tick.
	ApplyRowPatches(ctx context.Context, docID string, patches []RowPatch) error
	// AppendRow adds an agent-generated row (schedule fires, triggers,
	// advisor proposals) to the end of the table.
	AppendRow(ctx context.Context, docID string, row Row) error
	// WriteConfig publishes a key/value into the document's config table.
	WriteConfig(ctx context.Context, docID, key, value string) error
}

// UserDigest hashes the user-editable projection of the table. Sync skips
// the whole tick when the digest matches the stored one. With cell approval
// on, the status cell is user-editable too and joins the projection.
func UserDigest(rows []Row, includeStatus bool) string {
	var sb strings.Builder
	for _, row := range rows {
		if includeStatus {
			fmt.Fprintf(&sb, "%d:%s:%s\n", row.Index, row.Text, row.Status)
		} else {
			fmt.Fprintf(&sb, "%d:%s\n", row.Index, row.Text)
		}
	}
	sum := sha256.Sum256([]byte(sb.String()))
	return hex.EncodeToString(sum[:])
}

// Str returns a pointer for RowPatch fields.
func Str(s string) *string {
	return &s
}
