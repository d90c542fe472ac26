package store

import (
	"database/sql"
	"errors"
	"strconv"

	"treasury_watcher/internal/models"
)

// UpsertSigner registers or re-weights a signer for a document.
func (s *Store) UpsertSigner(docID, address string, weight int) error {
	_, err := s.db.Exec(`
		INSERT INTO signers (doc_id, address, weight) VALUES (?, ?, ?)
		ON CONFLICT(doc_id, address) DO UPDATE SET weight = excluded.weight`,
		docID, address, weight)
	return err
}

// GetSigner returns one registered signer, or ErrNotFound.
func (s *Store) GetSigner(docID, address string) (*models.Signer, error) {
	var signer models.Signer
	err := s.db.QueryRow(`
		SELECT doc_id, address, weight FROM signers
		WHERE doc_id = ? AND address = ? COLLATE NOCASE`,
		docID, address).Scan(&signer.DocID, &signer.Address, &signer.Weight)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &signer, nil
}

// ListSigners returns all signers for a document.
func (s *Store) ListSigners(docID string) ([]models.Signer, error) {
	rows, err := s.db.Query(`SELECT doc_id, address, weight FROM signers WHERE doc_id = ?`, docID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Signer
	for rows.Next() {
		var signer models.Signer
		if err := rows.Scan(&signer.DocID, &signer.Address, &signer.Weight); err != nil {
			return nil, err
		}
		out = append(out, signer)
	}
	return out, rows.Err()
}

// SetQuorum stores the per-document quorum threshold.
func (s *Store) SetQuorum(docID string, quorum int) error {
	return s.SetDocConfig(docID, "quorum", strconv.Itoa(quorum))
}

// GetQuorum returns the quorum threshold, defaulting to 1.
func (s *Store) GetQuorum(docID string) (int, error) {
	v, err := s.GetDocConfig(docID, "quorum")
	if errors.Is(err, ErrNotFound) {
		return 1, nil
	}
	if err != nil {
		return 0, err
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 1 {
		return 1, nil
	}
	return n, nil
}

// RecordApproval stores a signer's decision. Last writer wins per signer.
func (s *Store) RecordApproval(docID, cmdID, signerAddress string, decision models.ApprovalDecision) error {
	_, err := s.db.Exec(`
		INSERT INTO approvals (doc_id, cmd_id, signer_address, decision, at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(cmd_id, signer_address) DO UPDATE SET decision = excluded.decision, at = excluded.at`,
		docID, cmdID, signerAddress, string(decision), ms(s.now()))
	return err
}

// ListApprovals returns all recorded decisions for one command.
func (s *Store) ListApprovals(cmdID string) ([]models.Approval, error) {
	rows, err := s.db.Query(`
		SELECT doc_id, cmd_id, signer_address, decision, at
		FROM approvals WHERE cmd_id = ? ORDER BY at ASC`, cmdID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Approval
	for rows.Next() {
		var (
			a    models.Approval
			atMS int64
			dec  string
		)
		if err := rows.Scan(&a.DocID, &a.CmdID, &a.SignerAddress, &dec, &atMS); err != nil {
			return nil, err
		}
		a.Decision = models.ApprovalDecision(dec)
		a.At = fromMS(atMS)
		out = append(out, a)
	}
	return out, rows.Err()
}

// ClearApprovals discards all decisions for one command.
func (s *Store) ClearApprovals(cmdID string) error {
	_, err := s.db.Exec(`DELETE FROM approvals WHERE cmd_id = ?`, cmdID)
	return err
}

// ApprovedWeight sums the weights of signers whose current decision is
// APPROVE for the given command.
func (s *Store) ApprovedWeight(docID, cmdID string) (int, error) {
	var total sql.NullInt64
	err := s.db.QueryRow(`
		SELECT SUM(sg.weight) FROM approvals ap
		JOIN signers sg ON sg.doc_id = ap.doc_id AND sg.address = ap.signer_address COLLATE NOCASE
		WHERE ap.doc_id = ? AND ap.cmd_id = ? AND ap.decision = ?`,
		docID, cmdID, string(models.DecisionApprove)).Scan(&total)
	if err != nil {
		return 0, err
	}
	return int(total.Int64), nil
}
