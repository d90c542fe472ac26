package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"treasury_watcher/internal/models"
)

// UpsertDocument registers a discovered document, preserving fields already
// set (addresses are written once by SETUP).
func (s *Store) UpsertDocument(docID, displayName string) error {
	_, err := s.db.Exec(`
		INSERT INTO documents (doc_id, display_name) VALUES (?, ?)
		ON CONFLICT(doc_id) DO UPDATE SET display_name = excluded.display_name`,
		docID, displayName)
	return err
}

// GetDocument loads one tracked document.
func (s *Store) GetDocument(docID string) (*models.Document, error) {
	var d models.Document
	err := s.db.QueryRow(`
		SELECT doc_id, display_name, evm_address, sui_address, policy_ens, last_user_hash
		FROM documents WHERE doc_id = ?`, docID).
		Scan(&d.DocID, &d.DisplayName, &d.EVMAddress, &d.SuiAddress, &d.PolicyENS, &d.LastUserHash)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &d, nil
}

// ListDocuments returns every tracked document.
func (s *Store) ListDocuments() ([]models.Document, error) {
	rows, err := s.db.Query(`
		SELECT doc_id, display_name, evm_address, sui_address, policy_ens, last_user_hash
		FROM documents`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Document
	for rows.Next() {
		var d models.Document
		if err := rows.Scan(&d.DocID, &d.DisplayName, &d.EVMAddress, &d.SuiAddress, &d.PolicyENS, &d.LastUserHash); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// SetDocumentAddresses publishes the wallet addresses created by SETUP.
func (s *Store) SetDocumentAddresses(docID, evmAddress, suiAddress string) error {
	_, err := s.db.Exec(`UPDATE documents SET evm_address = ?, sui_address = ? WHERE doc_id = ?`,
		evmAddress, suiAddress, docID)
	return err
}

// SetPolicyENS records the policy source name for a document.
func (s *Store) SetPolicyENS(docID, ensName string) error {
	_, err := s.db.Exec(`UPDATE documents SET policy_ens = ? WHERE doc_id = ?`, ensName, docID)
	return err
}

// SetLastUserHash persists the document-sync digest used to short-circuit
// idle polls.
func (s *Store) SetLastUserHash(docID, hash string) error {
	_, err := s.db.Exec(`UPDATE documents SET last_user_hash = ? WHERE doc_id = ?`, hash, docID)
	return err
}

// SetDocConfig writes one per-document config entry.
func (s *Store) SetDocConfig(docID, key, value string) error {
	_, err := s.db.Exec(`
		INSERT INTO doc_config (doc_id, key, value) VALUES (?, ?, ?)
		ON CONFLICT(doc_id, key) DO UPDATE SET value = excluded.value`,
		docID, key, value)
	return err
}

// GetDocConfig reads one per-document config entry.
func (s *Store) GetDocConfig(docID, key string) (string, error) {
	var v string
	err := s.db.QueryRow(`SELECT value FROM doc_config WHERE doc_id = ? AND key = ?`, docID, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	return v, err
}

// BumpCounter increments a per-document counter and returns the new value.
func (s *Store) BumpCounter(docID, name string) (int64, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`
		INSERT INTO counters (doc_id, name, value) VALUES (?, ?, 1)
		ON CONFLICT(doc_id, name) DO UPDATE SET value = value + 1`,
		docID, name); err != nil {
		return 0, err
	}
	var v int64
	if err := tx.QueryRow(`SELECT value FROM counters WHERE doc_id = ? AND name = ?`, docID, name).Scan(&v); err != nil {
		return 0, err
	}
	return v, tx.Commit()
}

// GetCounter reads a per-document counter, zero when absent.
func (s *Store) GetCounter(docID, name string) (int64, error) {
	var v int64
	err := s.db.QueryRow(`SELECT value FROM counters WHERE doc_id = ? AND name = ?`, docID, name).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	return v, err
}

// SetSecrets stores the document's encrypted key material as an opaque blob.
// The store never sees plaintext.
func (s *Store) SetSecrets(docID string, blob []byte) error {
	_, err := s.db.Exec(`
		INSERT INTO secrets (doc_id, blob) VALUES (?, ?)
		ON CONFLICT(doc_id) DO UPDATE SET blob = excluded.blob`,
		docID, blob)
	return err
}

// GetSecrets loads the document's encrypted key material.
func (s *Store) GetSecrets(docID string) ([]byte, error) {
	var blob []byte
	err := s.db.QueryRow(`SELECT blob FROM secrets WHERE doc_id = ?`, docID).Scan(&blob)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return blob, err
}

// SetWallet records the managed-wallet id for a document.
func (s *Store) SetWallet(docID, walletID, state string) error {
	_, err := s.db.Exec(`
		INSERT INTO wallets (doc_id, wallet_id, state) VALUES (?, ?, ?)
		ON CONFLICT(doc_id) DO UPDATE SET wallet_id = excluded.wallet_id, state = excluded.state`,
		docID, walletID, state)
	return err
}

// GetWallet returns the managed-wallet id for a document.
func (s *Store) GetWallet(docID string) (walletID, state string, err error) {
	err = s.db.QueryRow(`SELECT wallet_id, state FROM wallets WHERE doc_id = ?`, docID).Scan(&walletID, &state)
	if errors.Is(err, sql.ErrNoRows) {
		return "", "", ErrNotFound
	}
	return walletID, state, err
}

// UpsertSession stores the per-document state-channel session.
func (s *Store) UpsertSession(sess models.ChannelSession) error {
	_, err := s.db.Exec(`
		INSERT INTO sessions (doc_id, session_id, definition, version, status, allocations)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(doc_id) DO UPDATE SET
			session_id = excluded.session_id, definition = excluded.definition,
			version = excluded.version, status = excluded.status, allocations = excluded.allocations`,
		sess.DocID, sess.SessionID, sess.Definition, sess.Version, string(sess.Status), sess.Allocations)
	return err
}

// GetSession returns the document's session, or ErrNotFound.
func (s *Store) GetSession(docID string) (*models.ChannelSession, error) {
	var (
		sess   models.ChannelSession
		status string
	)
	err := s.db.QueryRow(`
		SELECT doc_id, session_id, definition, version, status, allocations
		FROM sessions WHERE doc_id = ?`, docID).
		Scan(&sess.DocID, &sess.SessionID, &sess.Definition, &sess.Version, &status, &sess.Allocations)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	sess.Status = models.SessionStatus(status)
	return &sess, nil
}

// SetSessionVersion persists a new monotonic session version. Refuses to
// move backwards.
func (s *Store) SetSessionVersion(docID string, version int64) error {
	res, err := s.db.Exec(`UPDATE sessions SET version = ? WHERE doc_id = ? AND version < ?`,
		version, docID, version)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n != 1 {
		return fmt.Errorf("session version %d for %s not monotonic", version, docID)
	}
	return nil
}

// CloseSession marks the document's session CLOSED.
func (s *Store) CloseSession(docID string) error {
	_, err := s.db.Exec(`UPDATE sessions SET status = ? WHERE doc_id = ?`,
		string(models.SessionClosed), docID)
	return err
}

// UpsertSessionKey stores a signer's delegated session key.
func (s *Store) UpsertSessionKey(k models.SessionKey) error {
	_, err := s.db.Exec(`
		INSERT INTO session_keys (doc_id, signer_address, session_key_address, encrypted_priv_key, expires_at, jwt)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(doc_id, signer_address) DO UPDATE SET
			session_key_address = excluded.session_key_address,
			encrypted_priv_key = excluded.encrypted_priv_key,
			expires_at = excluded.expires_at, jwt = excluded.jwt`,
		k.DocID, k.SignerAddress, k.SessionKeyAddress, k.EncryptedPrivateKey, ms(k.ExpiresAt), k.JWT)
	return err
}

// GetSessionKey returns a signer's session key, or ErrNotFound.
func (s *Store) GetSessionKey(docID, signerAddress string) (*models.SessionKey, error) {
	var (
		k     models.SessionKey
		expMS int64
	)
	err := s.db.QueryRow(`
		SELECT doc_id, signer_address, session_key_address, encrypted_priv_key, expires_at, jwt
		FROM session_keys WHERE doc_id = ? AND signer_address = ? COLLATE NOCASE`,
		docID, signerAddress).
		Scan(&k.DocID, &k.SignerAddress, &k.SessionKeyAddress, &k.EncryptedPrivateKey, &expMS, &k.JWT)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	k.ExpiresAt = fromMS(expMS)
	return &k, nil
}

// StuckCommands returns non-terminal pre-execution commands older than the
// given age, for advisor alerting.
func (s *Store) StuckCommands(docID string, olderThan time.Duration) ([]*models.StoredCommand, error) {
	cutoff := ms(s.now().Add(-olderThan))
	rows, err := s.db.Query(`
		SELECT cmd_id, doc_id, raw_text, parsed, status, result, error, tx_ids, created_at, updated_at
		FROM commands
		WHERE doc_id = ? AND status IN (?, ?) AND created_at <= ?`,
		docID, string(models.StatusPendingApproval), string(models.StatusApproved), cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanCommands(rows)
}
