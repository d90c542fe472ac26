package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"treasury_watcher/internal/models"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// ErrIllegalTransition is returned when a requested status change is not an
// edge of the command state graph or the row was no longer in the expected
// source state.
var ErrIllegalTransition = errors.New("illegal command transition")

// ErrNotFound is returned by Get* helpers for missing rows.
var ErrNotFound = errors.New("not found")

// CreateCommand inserts a new command with a fresh cmd_id. Parsed may be nil
// only when status is INVALID.
func (s *Store) CreateCommand(docID, rawText string, parsed *models.Command, status models.CommandStatus) (*models.StoredCommand, error) {
	if parsed == nil && status != models.StatusInvalid {
		return nil, fmt.Errorf("parsed payload required for status %s", status)
	}

	now := s.now()
	cmd := &models.StoredCommand{
		CmdID:     uuid.NewString(),
		DocID:     docID,
		RawText:   rawText,
		Parsed:    parsed,
		Status:    status,
		TxIDs:     map[string]string{},
		CreatedAt: now,
		UpdatedAt: now,
	}

	parsedJSON, err := marshalParsed(parsed)
	if err != nil {
		return nil, err
	}

	_, err = s.db.Exec(`
		INSERT INTO commands (cmd_id, doc_id, raw_text, parsed, status, tx_ids, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, '{}', ?, ?)`,
		cmd.CmdID, docID, rawText, parsedJSON, string(status), ms(now), ms(now))
	if err != nil {
		return nil, fmt.Errorf("insert command: %w", err)
	}
	return cmd, nil
}

// GetCommand loads one command by id.
func (s *Store) GetCommand(cmdID string) (*models.StoredCommand, error) {
	row := s.db.QueryRow(`
		SELECT cmd_id, doc_id, raw_text, parsed, status, result, error, tx_ids, created_at, updated_at
		FROM commands WHERE cmd_id = ?`, cmdID)
	return scanCommand(row)
}

// ListCommands returns the most recent commands for a document, newest first.
func (s *Store) ListCommands(docID string, limit int) ([]*models.StoredCommand, error) {
	rows, err := s.db.Query(`
		SELECT cmd_id, doc_id, raw_text, parsed, status, result, error, tx_ids, created_at, updated_at
		FROM commands WHERE doc_id = ? ORDER BY created_at DESC, cmd_id DESC LIMIT ?`,
		docID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanCommands(rows)
}

// ListCommandsByStatus returns commands in a status across all documents,
// oldest first with cmd_id as tiebreak.
func (s *Store) ListCommandsByStatus(status models.CommandStatus) ([]*models.StoredCommand, error) {
	rows, err := s.db.Query(`
		SELECT cmd_id, doc_id, raw_text, parsed, status, result, error, tx_ids, created_at, updated_at
		FROM commands WHERE status = ? ORDER BY created_at ASC, cmd_id ASC`,
		string(status))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanCommands(rows)
}

// ClaimNextApproved is the executor's claim: pick the oldest APPROVED command
// and flip it to EXECUTING with a conditional update, all in one transaction.
// Returns nil without error when there is nothing to claim or another process
// won the race.
func (s *Store) ClaimNextApproved() (*models.StoredCommand, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	row := tx.QueryRow(`
		SELECT cmd_id, doc_id, raw_text, parsed, status, result, error, tx_ids, created_at, updated_at
		FROM commands WHERE status = ? ORDER BY created_at ASC, cmd_id ASC LIMIT 1`,
		string(models.StatusApproved))
	cmd, err := scanCommand(row)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	now := s.now()
	res, err := tx.Exec(`
		UPDATE commands SET status = ?, updated_at = ?
		WHERE cmd_id = ? AND status = ?`,
		string(models.StatusExecuting), ms(now), cmd.CmdID, string(models.StatusApproved))
	if err != nil {
		return nil, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if n != 1 {
		// Lost the race; the next tick retries.
		return nil, nil
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}

	cmd.Status = models.StatusExecuting
	cmd.UpdatedAt = now
	return cmd, nil
}

// Transition moves a command from one status to another with a conditional
// update. Reaching a terminal status clears the command's approvals in the
// same transaction. Result and errMsg overwrite the stored cells.
func (s *Store) Transition(cmdID string, from, to models.CommandStatus, result, errMsg string) error {
	if !models.CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, from, to)
	}

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	res, err := tx.Exec(`
		UPDATE commands SET status = ?, result = ?, error = ?, updated_at = ?
		WHERE cmd_id = ? AND status = ?`,
		string(to), result, errMsg, ms(s.now()), cmdID, string(from))
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n != 1 {
		return fmt.Errorf("%w: command %s not in %s", ErrIllegalTransition, cmdID, from)
	}

	if models.Terminal(to) {
		if _, err := tx.Exec(`DELETE FROM approvals WHERE cmd_id = ?`, cmdID); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// ReplaceCommandText rewrites a command's text and parsed payload, used when
// the user edits a still-pending row. The status is reset atomically.
func (s *Store) ReplaceCommandText(cmdID, rawText string, parsed *models.Command, status models.CommandStatus) error {
	parsedJSON, err := marshalParsed(parsed)
	if err != nil {
		return err
	}

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	res, err := tx.Exec(`
		UPDATE commands SET raw_text = ?, parsed = ?, status = ?, result = '', error = '', updated_at = ?
		WHERE cmd_id = ?`,
		rawText, parsedJSON, string(status), ms(s.now()), cmdID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n != 1 {
		return fmt.Errorf("%w: command %s", ErrNotFound, cmdID)
	}
	// A rewritten command starts its approval count from zero.
	if _, err := tx.Exec(`DELETE FROM approvals WHERE cmd_id = ?`, cmdID); err != nil {
		return err
	}
	return tx.Commit()
}

// AppendTxID records one transaction identifier under a label. The map is
// append-only; an existing label is never overwritten.
func (s *Store) AppendTxID(cmdID, label, txID string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var raw string
	if err := tx.QueryRow(`SELECT tx_ids FROM commands WHERE cmd_id = ?`, cmdID).Scan(&raw); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: command %s", ErrNotFound, cmdID)
		}
		return err
	}

	txIDs := map[string]string{}
	if raw != "" {
		if err := json.Unmarshal([]byte(raw), &txIDs); err != nil {
			return fmt.Errorf("decode tx_ids: %w", err)
		}
	}
	if _, exists := txIDs[label]; exists {
		return fmt.Errorf("tx id label %q already recorded", label)
	}
	txIDs[label] = txID

	out, err := json.Marshal(txIDs)
	if err != nil {
		return err
	}
	if _, err := tx.Exec(`UPDATE commands SET tx_ids = ?, updated_at = ? WHERE cmd_id = ?`,
		string(out), ms(s.now()), cmdID); err != nil {
		return err
	}
	return tx.Commit()
}

// CountByStatus returns how many commands sit in a status, across documents.
func (s *Store) CountByStatus(status models.CommandStatus) (int, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM commands WHERE status = ?`, string(status)).Scan(&n)
	return n, err
}

// DailySpendUSDC sums parsed.amountUsdc over EXECUTED payout/split/bridge
// commands updated within the trailing 24 hours. This is the single context
// input to policy evaluation.
func (s *Store) DailySpendUSDC(docID string) (decimal.Decimal, error) {
	cutoff := ms(s.now()) - 24*60*60*1000

	rows, err := s.db.Query(`
		SELECT parsed FROM commands
		WHERE doc_id = ? AND status = ? AND updated_at >= ? AND parsed IS NOT NULL`,
		docID, string(models.StatusExecuted), cutoff)
	if err != nil {
		return decimal.Zero, err
	}
	defer rows.Close()

	total := decimal.Zero
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return decimal.Zero, err
		}
		var cmd models.Command
		if err := json.Unmarshal([]byte(raw), &cmd); err != nil {
			return decimal.Zero, fmt.Errorf("decode parsed command: %w", err)
		}
		switch cmd.Kind {
		case models.KindPayout, models.KindPayoutSplit, models.KindBridge:
			total = total.Add(cmd.AmountUSDC)
		}
	}
	return total, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanCommand(row rowScanner) (*models.StoredCommand, error) {
	var (
		cmd        models.StoredCommand
		parsedJSON sql.NullString
		txIDsJSON  string
		createdMS  int64
		updatedMS  int64
		status     string
	)
	err := row.Scan(&cmd.CmdID, &cmd.DocID, &cmd.RawText, &parsedJSON, &status,
		&cmd.Result, &cmd.Error, &txIDsJSON, &createdMS, &updatedMS)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	cmd.Status = models.CommandStatus(status)
	cmd.CreatedAt = fromMS(createdMS)
	cmd.UpdatedAt = fromMS(updatedMS)

	if parsedJSON.Valid && parsedJSON.String != "" {
		var parsed models.Command
		if err := json.Unmarshal([]byte(parsedJSON.String), &parsed); err != nil {
			return nil, fmt.Errorf("decode parsed command: %w", err)
		}
		cmd.Parsed = &parsed
	}

	cmd.TxIDs = map[string]string{}
	if txIDsJSON != "" {
		if err := json.Unmarshal([]byte(txIDsJSON), &cmd.TxIDs); err != nil {
			return nil, fmt.Errorf("decode tx_ids: %w", err)
		}
	}
	return &cmd, nil
}

func scanCommands(rows *sql.Rows) ([]*models.StoredCommand, error) {
	var out []*models.StoredCommand
	for rows.Next() {
		cmd, err := scanCommand(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, cmd)
	}
	return out, rows.Err()
}

func marshalParsed(parsed *models.Command) (interface{}, error) {
	if parsed == nil {
		return nil, nil
	}
	b, err := json.Marshal(parsed)
	if err != nil {
		return nil, fmt.Errorf("encode parsed command: %w", err)
	}
	return string(b), nil
}
