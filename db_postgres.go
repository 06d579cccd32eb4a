package main

import (
	"database/sql"
	"time"

	_ "github.com/lib/pq"
)

type PostgresDB struct {
	db  *sql.DB
	dsn string
}

func NewPostgresDB(dsn string) (*PostgresDB, error) {
	d, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	p := &PostgresDB{db: d, dsn: dsn}
	if err := p.Init(); err != nil {
		d.Close()
		return nil, err
	}
	return p, nil
}

func (p *PostgresDB) Init() error {
	// rely on migrations to create tables; just verify connectivity
	return p.db.Ping()
}

func (p *PostgresDB) ReserveToken(tokenID, paymentHash string) error {
	now := time.Now().Unix()
	_, err := p.db.Exec(`INSERT INTO ledger(token_id,payment_hash,calls_remaining,budget_multiple,created_at,updated_at) VALUES($1,$2,0,0,$3,$3)`, tokenID, paymentHash, now)
	if err != nil && isUniqueViolation(err) {
		return ErrDuplicateToken
	}
	return err
}

func (p *PostgresDB) SettleInvoice(paymentHash, preimage string) error {
	tx, err := p.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var state, budget int
	var tokenID string
	err = tx.QueryRow(`SELECT state,budget_multiple,token_id FROM invoices WHERE payment_hash = $1 FOR UPDATE`, paymentHash).Scan(&state, &budget, &tokenID)
	if err == sql.ErrNoRows {
		return ErrNoSuchToken
	}
	if err != nil {
		return err
	}
	if InvoiceState(state) != InvoicePending {
		return nil
	}
	now := time.Now().Unix()
	if _, err := tx.Exec(`UPDATE invoices SET state = $1, preimage = $2, settled_at = $3 WHERE payment_hash = $4`, int(InvoiceSettled), preimage, now, paymentHash); err != nil {
		return err
	}
	if _, err := tx.Exec(`UPDATE ledger SET calls_remaining = $1, budget_multiple = $1, updated_at = $2 WHERE token_id = $3`, budget, now, tokenID); err != nil {
		return err
	}
	return tx.Commit()
}

func (p *PostgresDB) TryConsume(tokenID string) (*ConsumeResult, error) {
	// The conditional UPDATE serializes concurrent consumers on the same
	// token at the row level; RETURNING gives the post-decrement value.
	var remaining int
	err := p.db.QueryRow(`UPDATE ledger SET calls_remaining = calls_remaining - 1, updated_at = $1 WHERE token_id = $2 AND calls_remaining > 0 RETURNING calls_remaining`, time.Now().Unix(), tokenID).Scan(&remaining)
	if err == nil {
		return &ConsumeResult{Consumed: true, Remaining: remaining}, nil
	}
	if err != sql.ErrNoRows {
		return nil, err
	}

	var exists int
	if err := p.db.QueryRow(`SELECT COUNT(1) FROM ledger WHERE token_id = $1`, tokenID).Scan(&exists); err != nil {
		return nil, err
	}
	if exists == 0 {
		return nil, ErrNoSuchToken
	}
	var state int
	err = p.db.QueryRow(`SELECT i.state FROM invoices i JOIN ledger l ON l.payment_hash = i.payment_hash WHERE l.token_id = $1`, tokenID).Scan(&state)
	if err != nil && err != sql.ErrNoRows {
		return nil, err
	}
	reason := DenyNotSettled
	if err == nil && InvoiceState(state) == InvoiceSettled {
		reason = DenyBudgetExhausted
	}
	return &ConsumeResult{DenyReason: reason}, nil
}

func (p *PostgresDB) RefundCall(tokenID string) error {
	_, err := p.db.Exec(`UPDATE ledger SET calls_remaining = calls_remaining + 1, updated_at = $1 WHERE token_id = $2 AND calls_remaining < budget_multiple`, time.Now().Unix(), tokenID)
	return err
}

func (p *PostgresDB) GetLedgerEntry(tokenID string) (*LedgerEntry, error) {
	row := p.db.QueryRow(`SELECT token_id,payment_hash,calls_remaining,budget_multiple,created_at,updated_at FROM ledger WHERE token_id = $1`, tokenID)
	var e LedgerEntry
	var created, updated int64
	if err := row.Scan(&e.TokenID, &e.PaymentHash, &e.CallsRemaining, &e.BudgetMultiple, &created, &updated); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	e.CreatedAt = time.Unix(created, 0)
	e.UpdatedAt = time.Unix(updated, 0)
	return &e, nil
}

func (p *PostgresDB) LedgerStats() (*LedgerStats, error) {
	stats := &LedgerStats{}
	if err := p.db.QueryRow(`SELECT COUNT(1), COALESCE(SUM(calls_remaining),0) FROM ledger`).Scan(&stats.Tokens, &stats.CallsRemaining); err != nil {
		return nil, err
	}
	if err := p.db.QueryRow(`SELECT COUNT(1) FROM invoices WHERE state = $1`, int(InvoicePending)).Scan(&stats.PendingInvoices); err != nil {
		return nil, err
	}
	if err := p.db.QueryRow(`SELECT COUNT(1), COALESCE(SUM(amount_msat),0) FROM invoices WHERE state = $1`, int(InvoiceSettled)).Scan(&stats.SettledInvoices, &stats.RevenueMsat); err != nil {
		return nil, err
	}
	return stats, nil
}

func (p *PostgresDB) CreateInvoice(inv *Invoice) error {
	created := inv.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}
	_, err := p.db.Exec(`INSERT INTO invoices(payment_hash,token_id,payment_request,amount_msat,budget_multiple,state,preimage,created_at) VALUES($1,$2,$3,$4,$5,$6,$7,$8)`,
		inv.PaymentHash, inv.TokenID, inv.PaymentRequest, inv.AmountMsat, inv.BudgetMultiple, int(inv.State), inv.Preimage, created.Unix())
	if err != nil && isUniqueViolation(err) {
		return ErrDuplicateToken
	}
	return err
}

func (p *PostgresDB) GetInvoice(paymentHash string) (*Invoice, error) {
	return scanInvoice(p.db.QueryRow(`SELECT payment_hash,token_id,payment_request,amount_msat,budget_multiple,state,preimage,created_at,settled_at FROM invoices WHERE payment_hash = $1`, paymentHash))
}

func (p *PostgresDB) GetInvoiceByToken(tokenID string) (*Invoice, error) {
	return scanInvoice(p.db.QueryRow(`SELECT payment_hash,token_id,payment_request,amount_msat,budget_multiple,state,preimage,created_at,settled_at FROM invoices WHERE token_id = $1`, tokenID))
}

func (p *PostgresDB) MarkInvoiceTerminal(paymentHash string, state InvoiceState) error {
	if !state.Terminal() {
		return nil
	}
	_, err := p.db.Exec(`UPDATE invoices SET state = $1 WHERE payment_hash = $2 AND state = $3`, int(state), paymentHash, int(InvoicePending))
	return err
}

func (p *PostgresDB) ListPendingInvoices() ([]*Invoice, error) {
	rows, err := p.db.Query(`SELECT payment_hash,token_id,payment_request,amount_msat,budget_multiple,state,preimage,created_at,settled_at FROM invoices WHERE state = $1`, int(InvoicePending))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*Invoice
	for rows.Next() {
		inv, err := scanInvoice(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, inv)
	}
	return out, rows.Err()
}

// lifecycle helpers
func (p *PostgresDB) close() error { return p.db.Close() }
func (p *PostgresDB) ping() bool   { return p.db.Ping() == nil }
