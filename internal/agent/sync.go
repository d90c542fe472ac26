package agent

import (
	"context"
	"errors"
	"log"
	"strings"

	"treasury_watcher/internal/docs"
	"treasury_watcher/internal/models"
	"treasury_watcher/internal/parser"
	"treasury_watcher/internal/policy"
	"treasury_watcher/internal/store"
)

const lockedEditError = "Command locked after approval/execution"

// SyncTick polls every tracked document's command table. One tick at a time;
// an overlapping tick is skipped.
func (a *Agent) SyncTick(ctx context.Context) {
	if !a.syncGuard.TryLock() {
		return
	}
	defer a.syncGuard.Unlock()

	refs, err := a.provider.ListDocuments(ctx)
	if err != nil {
		log.Printf("Sync: document discovery failed: %v", err)
		return
	}

	for _, ref := range refs {
		if err := a.store.UpsertDocument(ref.DocID, ref.DisplayName); err != nil {
			log.Printf("Sync: upsert document %s: %v", ref.DocID, err)
			continue
		}
		if err := a.syncDocument(ctx, ref.DocID); err != nil {
			log.Printf("Sync: document %s tick aborted: %v", ref.DocID, err)
		}
	}
}

// syncDocument ingests one document's table. A store error aborts the whole
// document tick; the next tick retries from the authoritative store state.
func (a *Agent) syncDocument(ctx context.Context, docID string) error {
	rows, err := a.provider.ReadCommandTable(ctx, docID)
	if err != nil {
		return err
	}

	// Digest short-circuit: identical user-editable projection means no
	// ingest work and no writes this tick.
	digest := docs.UserDigest(rows, a.cfg.CellApprovalEnabled)
	doc, err := a.store.GetDocument(docID)
	if err != nil {
		return err
	}
	if doc.LastUserHash == digest {
		return nil
	}

	var patches []docs.RowPatch
	for _, row := range rows {
		patch, err := a.syncRow(ctx, docID, row)
		if err != nil {
			return err
		}
		if patch != nil {
			patches = append(patches, *patch)
		}
	}

	if len(patches) > 0 {
		if err := a.provider.ApplyRowPatches(ctx, docID, patches); err != nil {
			return err
		}
	}
	return a.store.SetLastUserHash(docID, digest)
}

// syncRow applies one of the five row actions and returns the derived-cell
// patch for the row, or nil when nothing changed.
func (a *Agent) syncRow(ctx context.Context, docID string, row docs.Row) (*docs.RowPatch, error) {
	text := strings.TrimSpace(row.Text)

	if row.ID == "" {
		if text == "" {
			return nil, nil
		}
		return a.ingestNewRow(ctx, docID, row)
	}

	cmd, err := a.store.GetCommand(row.ID)
	if errors.Is(err, store.ErrNotFound) {
		// An id the agent never issued; treat the row as new.
		return a.ingestNewRow(ctx, docID, row)
	}
	if err != nil {
		return nil, err
	}

	if text == cmd.RawText {
		return a.refreshUnchangedRow(ctx, docID, row, cmd)
	}

	if models.Terminal(cmd.Status) || cmd.Status == models.StatusApproved || cmd.Status == models.StatusExecuting {
		// The stored status is authoritative; reject the edit.
		return &docs.RowPatch{
			Index:  row.Index,
			Status: docs.Str(string(cmd.Status)),
			Error:  docs.Str(lockedEditError),
		}, nil
	}

	return a.reingestEditedRow(ctx, docID, row, cmd)
}

// ingestNewRow allocates a cmd_id, parses, and gates the new command.
func (a *Agent) ingestNewRow(ctx context.Context, docID string, row docs.Row) (*docs.RowPatch, error) {
	text := strings.TrimSpace(row.Text)

	parsed, parseErr := parser.Parse(text)
	if parseErr != nil {
		cmd, err := a.store.CreateCommand(docID, text, nil, models.StatusInvalid)
		if err != nil {
			return nil, err
		}
		return &docs.RowPatch{
			Index:  row.Index,
			ID:     docs.Str(cmd.CmdID),
			Status: docs.Str(string(models.StatusInvalid)),
			Error:  docs.Str(parseErr.Error()),
		}, nil
	}

	status, denyReason, err := a.gateAtIngest(ctx, docID, parsed)
	if err != nil {
		return nil, err
	}

	cmd, err := a.store.CreateCommand(docID, text, &parsed, status)
	if err != nil {
		return nil, err
	}
	log.Printf("[%s] Ingested %s as %s (%s)", docID, parsed.Kind, cmd.CmdID, status)

	patch := &docs.RowPatch{
		Index:  row.Index,
		ID:     docs.Str(cmd.CmdID),
		Status: docs.Str(string(status)),
	}
	switch status {
	case models.StatusRejectedPolicy:
		patch.Error = docs.Str(denyReason)
	case models.StatusPendingApproval:
		patch.ApprovalURL = docs.Str(a.approvalURL(docID, cmd.CmdID))
	}
	return patch, nil
}

// gateAtIngest evaluates policy and decides the initial status. SETUP skips
// approval; everything else waits for quorum.
func (a *Agent) gateAtIngest(ctx context.Context, docID string, parsed models.Command) (models.CommandStatus, string, error) {
	pol, err := a.policyFor(ctx, docID)
	if err != nil {
		return "", "", err
	}
	spend, err := a.store.DailySpendUSDC(docID)
	if err != nil {
		return "", "", err
	}
	verdict := policy.Evaluate(pol, parsed, policy.Context{DailySpendUSDC: spend})
	if !verdict.Allowed {
		return models.StatusRejectedPolicy, verdict.Reason, nil
	}
	if parsed.Kind == models.KindSetup {
		return models.StatusApproved, "", nil
	}
	return models.StatusPendingApproval, "", nil
}

// refreshUnchangedRow backfills the approval URL for older documents and,
// when cell approval is enabled, honours a typed status decision.
func (a *Agent) refreshUnchangedRow(ctx context.Context, docID string, row docs.Row, cmd *models.StoredCommand) (*docs.RowPatch, error) {
	if cmd.Status == models.StatusPendingApproval {
		if patch, handled, err := a.applyCellDecision(docID, row, cmd); handled || err != nil {
			return patch, err
		}
		if row.ApprovalURL == "" {
			return &docs.RowPatch{
				Index:       row.Index,
				ApprovalURL: docs.Str(a.approvalURL(docID, cmd.CmdID)),
			}, nil
		}
	}
	return nil, nil
}

// applyCellDecision implements the opt-in cell-level approval shortcut. It
// only ever applies to effectively single-signer documents: a cell edit
// carries no signer identity, so it can never count toward a real quorum.
func (a *Agent) applyCellDecision(docID string, row docs.Row, cmd *models.StoredCommand) (*docs.RowPatch, bool, error) {
	if !a.cfg.CellApprovalEnabled {
		return nil, false, nil
	}
	decision := strings.ToUpper(strings.TrimSpace(row.Status))
	if decision != "APPROVED" && decision != "REJECTED" {
		return nil, false, nil
	}

	quorum, err := a.store.GetQuorum(docID)
	if err != nil {
		return nil, false, err
	}
	signers, err := a.store.ListSigners(docID)
	if err != nil {
		return nil, false, err
	}
	if quorum > 1 && len(signers) > 0 {
		return nil, false, nil
	}

	target := models.StatusApproved
	if decision == "REJECTED" {
		target = models.StatusRejected
	}
	if err := a.store.Transition(cmd.CmdID, models.StatusPendingApproval, target, "", ""); err != nil {
		return nil, false, err
	}
	log.Printf("[%s] Cell decision %s for %s", docID, decision, cmd.CmdID)
	return &docs.RowPatch{
		Index:  row.Index,
		Status: docs.Str(string(target)),
	}, true, nil
}

// reingestEditedRow re-parses an edited, still-pending command and resets it
// to the start of the approval pipeline.
func (a *Agent) reingestEditedRow(ctx context.Context, docID string, row docs.Row, cmd *models.StoredCommand) (*docs.RowPatch, error) {
	text := strings.TrimSpace(row.Text)

	parsed, parseErr := parser.Parse(text)
	if parseErr != nil {
		if err := a.store.ReplaceCommandText(cmd.CmdID, text, nil, models.StatusInvalid); err != nil {
			return nil, err
		}
		return &docs.RowPatch{
			Index:  row.Index,
			Status: docs.Str(string(models.StatusInvalid)),
			Error:  docs.Str(parseErr.Error()),
		}, nil
	}

	status, denyReason, err := a.gateAtIngest(ctx, docID, parsed)
	if err != nil {
		return nil, err
	}
	if err := a.store.ReplaceCommandText(cmd.CmdID, text, &parsed, status); err != nil {
		return nil, err
	}

	patch := &docs.RowPatch{
		Index:  row.Index,
		Status: docs.Str(string(status)),
		Error:  docs.Str(""),
	}
	switch status {
	case models.StatusRejectedPolicy:
		patch.Error = docs.Str(denyReason)
	case models.StatusPendingApproval:
		patch.ApprovalURL = docs.Str(a.approvalURL(docID, cmd.CmdID))
	}
	return patch, nil
}

// projectCommand writes a command's current status, result, and error back
// into its document row. Best effort: the store stays authoritative and the
// next edit-driven sync repairs any miss.
func (a *Agent) projectCommand(ctx context.Context, docID, cmdID string) {
	cmd, err := a.store.GetCommand(cmdID)
	if err != nil {
		log.Printf("[%s] Project %s: %v", docID, cmdID, err)
		return
	}
	rows, err := a.provider.ReadCommandTable(ctx, docID)
	if err != nil {
		log.Printf("[%s] Project %s: read table: %v", docID, cmdID, err)
		return
	}
	for _, row := range rows {
		if row.ID != cmdID {
			continue
		}
		patch := docs.RowPatch{
			Index:  row.Index,
			Status: docs.Str(string(cmd.Status)),
			Result: docs.Str(cmd.Result),
			Error:  docs.Str(cmd.Error),
		}
		if err := a.provider.ApplyRowPatches(ctx, docID, []docs.RowPatch{patch}); err != nil {
			log.Printf("[%s] Project %s: write row: %v", docID, cmdID, err)
		}
		return
	}
}
