package store

import (
	"database/sql"
	"errors"
	"fmt"

	"treasury_watcher/internal/models"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// UpsertPrice overwrites the cached quote for a pair.
func (s *Store) UpsertPrice(p models.PricePoint) error {
	_, err := s.db.Exec(`
		INSERT INTO prices (pair, mid, bid, ask, source, at) VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(pair) DO UPDATE SET
			mid = excluded.mid, bid = excluded.bid, ask = excluded.ask,
			source = excluded.source, at = excluded.at`,
		p.Pair, p.Mid.String(), p.Bid.String(), p.Ask.String(), p.Source, ms(s.now()))
	return err
}

// GetPrice returns the cached quote for a pair, possibly stale.
func (s *Store) GetPrice(pair string) (*models.PricePoint, error) {
	var (
		p            models.PricePoint
		mid, bid, ask string
		atMS          int64
	)
	err := s.db.QueryRow(`SELECT pair, mid, bid, ask, source, at FROM prices WHERE pair = ?`, pair).
		Scan(&p.Pair, &mid, &bid, &ask, &p.Source, &atMS)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if p.Mid, err = decimal.NewFromString(mid); err != nil {
		return nil, fmt.Errorf("decode mid: %w", err)
	}
	if p.Bid, err = decimal.NewFromString(bid); err != nil {
		return nil, fmt.Errorf("decode bid: %w", err)
	}
	if p.Ask, err = decimal.NewFromString(ask); err != nil {
		return nil, fmt.Errorf("decode ask: %w", err)
	}
	p.At = fromMS(atMS)
	return &p, nil
}

// InsertTrade appends an execution record. Trades are never updated.
func (s *Store) InsertTrade(t models.Trade) (*models.Trade, error) {
	if t.TradeID == "" {
		t.TradeID = uuid.NewString()
	}
	if t.At.IsZero() {
		t.At = s.now()
	}
	_, err := s.db.Exec(`
		INSERT INTO trades (trade_id, doc_id, cmd_id, side, qty, price, notional, fee, tx_id, at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.TradeID, t.DocID, t.CmdID, string(t.Side),
		t.Qty.String(), t.Price.String(), t.Notional.String(), t.Fee.String(), t.TxID, ms(t.At))
	if err != nil {
		return nil, fmt.Errorf("insert trade: %w", err)
	}
	return &t, nil
}

// ListTrades returns the most recent trades for a document, newest first.
func (s *Store) ListTrades(docID string, limit int) ([]models.Trade, error) {
	rows, err := s.db.Query(`
		SELECT trade_id, doc_id, cmd_id, side, qty, price, notional, fee, tx_id, at
		FROM trades WHERE doc_id = ? ORDER BY at DESC LIMIT ?`, docID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Trade
	for rows.Next() {
		var (
			t                        models.Trade
			side                     string
			qty, price, notional, fee string
			atMS                     int64
		)
		if err := rows.Scan(&t.TradeID, &t.DocID, &t.CmdID, &side, &qty, &price, &notional, &fee, &t.TxID, &atMS); err != nil {
			return nil, err
		}
		t.Side = models.TradeSide(side)
		t.At = fromMS(atMS)
		if t.Qty, err = decimal.NewFromString(qty); err != nil {
			return nil, err
		}
		if t.Price, err = decimal.NewFromString(price); err != nil {
			return nil, err
		}
		if t.Notional, err = decimal.NewFromString(notional); err != nil {
			return nil, err
		}
		if t.Fee, err = decimal.NewFromString(fee); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}
