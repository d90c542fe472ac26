package agent

import (
	"context"
	"errors"
	"fmt"
	"log"

	"treasury_watcher/internal/backend"
	"treasury_watcher/internal/models"
	"treasury_watcher/internal/store"
)

// Sentinel errors for decision handling. The HTTP layer maps them to status
// codes; everything else is an internal error.
var (
	// ErrUnknownSigner rejects decisions from addresses not registered for
	// the document.
	ErrUnknownSigner = errors.New("signer not registered for document")
	// ErrDecisionConflict rejects decisions against commands that are no
	// longer pending, or whose co-signing prerequisites are missing.
	ErrDecisionConflict = errors.New("decision conflict")
	// ErrChannelUnavailable wraps state-channel back-end failures.
	ErrChannelUnavailable = errors.New("state channel unavailable")
)

// DecisionOutcome reports the command's state after one signer's decision.
type DecisionOutcome struct {
	Status         models.CommandStatus `json:"status"`
	ApprovedWeight int                  `json:"approvedWeight"`
	Quorum         int                  `json:"quorum"`
	Mode           string               `json:"mode,omitempty"`
}

// Decide records one signer's approval or rejection and advances the command
// when the decision is conclusive. A REJECT is immediately final; an APPROVE
// counts toward the weighted quorum and, on reaching it, co-signs the state
// transition before the command becomes claimable.
func (a *Agent) Decide(ctx context.Context, docID, cmdID, signerAddress string, decision models.ApprovalDecision) (*DecisionOutcome, error) {
	signer, err := a.store.GetSigner(docID, signerAddress)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrUnknownSigner
	}
	if err != nil {
		return nil, err
	}

	cmd, err := a.store.GetCommand(cmdID)
	if err != nil {
		return nil, err
	}
	if cmd.DocID != docID {
		return nil, store.ErrNotFound
	}
	if cmd.Status != models.StatusPendingApproval {
		return nil, fmt.Errorf("%w: command is %s", ErrDecisionConflict, cmd.Status)
	}

	if err := a.store.RecordApproval(docID, cmdID, signer.Address, decision); err != nil {
		return nil, err
	}

	quorum, err := a.store.GetQuorum(docID)
	if err != nil {
		return nil, err
	}

	if decision == models.DecisionReject {
		reason := fmt.Sprintf("Rejected by %s", signer.Address)
		if err := a.store.Transition(cmdID, models.StatusPendingApproval, models.StatusRejected, "", reason); err != nil {
			return nil, err
		}
		log.Printf("[%s] Command %s rejected by %s", docID, cmdID, signer.Address)
		a.projectCommand(ctx, docID, cmdID)
		return &DecisionOutcome{Status: models.StatusRejected, Quorum: quorum}, nil
	}

	weight, err := a.store.ApprovedWeight(docID, cmdID)
	if err != nil {
		return nil, err
	}
	if weight < quorum {
		log.Printf("[%s] Command %s at weight %d/%d after %s", docID, cmdID, weight, quorum, signer.Address)
		return &DecisionOutcome{Status: models.StatusPendingApproval, ApprovedWeight: weight, Quorum: quorum}, nil
	}

	mode := "local"
	if a.be.StateChannel != nil && cmd.Parsed != nil {
		if cmd.Parsed.Kind == models.KindSessionCreate {
			// No session exists yet to co-sign through, but the session
			// open itself requires every approver's delegated key to be
			// in place and unexpired.
			if _, _, err := a.approverKeys(docID, cmd.CmdID); err != nil {
				return nil, err
			}
		} else {
			if err := a.cosignApproval(ctx, docID, cmd); err != nil {
				return nil, err
			}
			mode = "channel"
		}
	}

	if err := a.store.Transition(cmdID, models.StatusPendingApproval, models.StatusApproved, "", ""); err != nil {
		return nil, err
	}
	// APPROVED is not terminal; the recorded decisions have served their
	// purpose and a later re-approval must start from zero.
	if err := a.store.ClearApprovals(cmdID); err != nil {
		return nil, err
	}
	log.Printf("[%s] Command %s APPROVED at weight %d/%d (%s)", docID, cmdID, weight, quorum, mode)
	a.projectCommand(ctx, docID, cmdID)
	return &DecisionOutcome{Status: models.StatusApproved, ApprovedWeight: weight, Quorum: quorum, Mode: mode}, nil
}

// cosignApproval submits the approved command as a state transition co-signed
// with every approver's delegated session key, then records the new session
// version. Any missing prerequisite blocks the approval rather than silently
// downgrading it.
func (a *Agent) cosignApproval(ctx context.Context, docID string, cmd *models.StoredCommand) error {
	sess, err := a.store.GetSession(docID)
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("%w: missing session", ErrDecisionConflict)
	}
	if err != nil {
		return err
	}
	if sess.Status != models.SessionOpen {
		return fmt.Errorf("%w: session is %s", ErrDecisionConflict, sess.Status)
	}

	approvers, keys, err := a.approverKeys(docID, cmd.CmdID)
	if err != nil {
		return err
	}

	transition := backend.StateTransition{
		DocID:     docID,
		CmdID:     cmd.CmdID,
		RawText:   cmd.RawText,
		Approvers: approvers,
		At:        a.store.Now(),
	}
	info, err := a.be.StateChannel.SubmitAppState(ctx, sess.SessionID, transition, keys)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrChannelUnavailable, err)
	}
	if err := a.store.SetSessionVersion(docID, info.Version); err != nil {
		return err
	}
	if _, err := a.store.BumpCounter(docID, "onchain_approvals_avoided"); err != nil {
		return err
	}
	return nil
}

// approverKeys loads the delegated session key of every signer whose APPROVE
// is on record, failing when any key is missing or expired.
func (a *Agent) approverKeys(docID, cmdID string) ([]string, []models.SessionKey, error) {
	approvals, err := a.store.ListApprovals(cmdID)
	if err != nil {
		return nil, nil, err
	}

	var (
		approvers []string
		keys      []models.SessionKey
	)
	now := a.store.Now()
	for _, ap := range approvals {
		if ap.Decision != models.DecisionApprove {
			continue
		}
		key, err := a.store.GetSessionKey(docID, ap.SignerAddress)
		if errors.Is(err, store.ErrNotFound) {
			return nil, nil, fmt.Errorf("%w: missing session key for signer %s", ErrDecisionConflict, ap.SignerAddress)
		}
		if err != nil {
			return nil, nil, err
		}
		if !key.ExpiresAt.After(now) {
			return nil, nil, fmt.Errorf("%w: session key expired for signer %s", ErrDecisionConflict, ap.SignerAddress)
		}
		approvers = append(approvers, ap.SignerAddress)
		keys = append(keys, *key)
	}
	return approvers, keys, nil
}
