package main

import (
	"database/sql"
	"errors"
	"strings"
	"sync"
	"time"
)

var (
	// ErrDuplicateToken is returned by ReserveToken when the identifier is
	// already present in the ledger.
	ErrDuplicateToken = errors.New("token identifier already reserved")
	// ErrNoSuchToken is returned when a token or invoice is not in the store.
	ErrNoSuchToken = errors.New("no such token")
)

// DB is the durable store backing the invoice ledger. All ledger operations
// are atomic with respect to concurrent callers on the same key; TryConsume
// in particular is the single point of truth for the check-then-act race on
// a token's budget.
type DB interface {
	Init() error
	// Ledger operations
	ReserveToken(tokenID, paymentHash string) error
	SettleInvoice(paymentHash, preimage string) error
	TryConsume(tokenID string) (*ConsumeResult, error)
	RefundCall(tokenID string) error
	GetLedgerEntry(tokenID string) (*LedgerEntry, error)
	LedgerStats() (*LedgerStats, error)
	// Invoice operations
	CreateInvoice(inv *Invoice) error
	GetInvoice(paymentHash string) (*Invoice, error)
	GetInvoiceByToken(tokenID string) (*Invoice, error)
	MarkInvoiceTerminal(paymentHash string, state InvoiceState) error
	ListPendingInvoices() ([]*Invoice, error)
}

// Memory DB
type MemDB struct {
	mu       sync.Mutex
	ledger   map[string]*LedgerEntry
	invoices map[string]*Invoice
}

func NewMemoryDB() *MemDB {
	return &MemDB{ledger: map[string]*LedgerEntry{}, invoices: map[string]*Invoice{}}
}

func (m *MemDB) Init() error { return nil }

func (m *MemDB) ReserveToken(tokenID, paymentHash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.ledger[tokenID]; ok {
		return ErrDuplicateToken
	}
	now := time.Now()
	m.ledger[tokenID] = &LedgerEntry{
		TokenID:     tokenID,
		PaymentHash: paymentHash,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	return nil
}

func (m *MemDB) SettleInvoice(paymentHash, preimage string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	inv, ok := m.invoices[paymentHash]
	if !ok {
		return ErrNoSuchToken
	}
	// Settlement events may be redelivered; only the first one counts.
	if inv.State != InvoicePending {
		return nil
	}
	now := time.Now()
	inv.State = InvoiceSettled
	inv.Preimage = preimage
	inv.SettledAt = &now
	if e, ok := m.ledger[inv.TokenID]; ok {
		e.CallsRemaining = inv.BudgetMultiple
		e.BudgetMultiple = inv.BudgetMultiple
		e.UpdatedAt = now
	}
	return nil
}

func (m *MemDB) TryConsume(tokenID string) (*ConsumeResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.ledger[tokenID]
	if !ok {
		return nil, ErrNoSuchToken
	}
	if e.CallsRemaining > 0 {
		e.CallsRemaining--
		e.UpdatedAt = time.Now()
		return &ConsumeResult{Consumed: true, Remaining: e.CallsRemaining}, nil
	}
	reason := DenyNotSettled
	if inv, ok := m.invoices[e.PaymentHash]; ok && inv.State == InvoiceSettled {
		reason = DenyBudgetExhausted
	}
	return &ConsumeResult{DenyReason: reason}, nil
}

func (m *MemDB) RefundCall(tokenID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.ledger[tokenID]
	if !ok {
		return ErrNoSuchToken
	}
	if e.CallsRemaining < e.BudgetMultiple {
		e.CallsRemaining++
		e.UpdatedAt = time.Now()
	}
	return nil
}

func (m *MemDB) GetLedgerEntry(tokenID string) (*LedgerEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.ledger[tokenID]
	if !ok {
		return nil, nil
	}
	cp := *e
	return &cp, nil
}

func (m *MemDB) LedgerStats() (*LedgerStats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	stats := &LedgerStats{Tokens: int64(len(m.ledger))}
	for _, e := range m.ledger {
		stats.CallsRemaining += int64(e.CallsRemaining)
	}
	for _, inv := range m.invoices {
		switch inv.State {
		case InvoicePending:
			stats.PendingInvoices++
		case InvoiceSettled:
			stats.SettledInvoices++
			stats.RevenueMsat += inv.AmountMsat
		}
	}
	return stats, nil
}

func (m *MemDB) CreateInvoice(inv *Invoice) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.invoices[inv.PaymentHash]; ok {
		return ErrDuplicateToken
	}
	cp := *inv
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now()
	}
	m.invoices[inv.PaymentHash] = &cp
	return nil
}

func (m *MemDB) GetInvoice(paymentHash string) (*Invoice, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	inv, ok := m.invoices[paymentHash]
	if !ok {
		return nil, nil
	}
	cp := *inv
	return &cp, nil
}

func (m *MemDB) GetInvoiceByToken(tokenID string) (*Invoice, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, inv := range m.invoices {
		if inv.TokenID == tokenID {
			cp := *inv
			return &cp, nil
		}
	}
	return nil, nil
}

func (m *MemDB) MarkInvoiceTerminal(paymentHash string, state InvoiceState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	inv, ok := m.invoices[paymentHash]
	if !ok {
		return ErrNoSuchToken
	}
	if inv.State != InvoicePending || !state.Terminal() {
		return nil
	}
	inv.State = state
	return nil
}

func (m *MemDB) ListPendingInvoices() ([]*Invoice, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Invoice
	for _, inv := range m.invoices {
		if inv.State == InvoicePending {
			cp := *inv
			out = append(out, &cp)
		}
	}
	return out, nil
}

// SQLite DB
type SQLiteDB struct {
	db   *sql.DB
	path string
}

func NewSQLiteDB(path string) (*SQLiteDB, error) {
	d, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// Ledger writes are serialized per key via conditional updates; a single
	// connection avoids SQLITE_BUSY under concurrent request handling.
	d.SetMaxOpenConns(1)
	s := &SQLiteDB{db: d, path: path}
	if err := s.Init(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLiteDB) Init() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS ledger (token_id TEXT PRIMARY KEY, payment_hash TEXT NOT NULL, calls_remaining INTEGER NOT NULL DEFAULT 0, budget_multiple INTEGER NOT NULL DEFAULT 0, created_at INTEGER, updated_at INTEGER);`,
		`CREATE TABLE IF NOT EXISTS invoices (payment_hash TEXT PRIMARY KEY, token_id TEXT NOT NULL, payment_request TEXT, amount_msat INTEGER, budget_multiple INTEGER, state INTEGER NOT NULL DEFAULT 0, preimage TEXT, created_at INTEGER, settled_at INTEGER);`,
		`CREATE INDEX IF NOT EXISTS idx_invoices_token ON invoices(token_id);`,
	}
	for _, q := range queries {
		if _, err := s.db.Exec(q); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLiteDB) ReserveToken(tokenID, paymentHash string) error {
	now := time.Now().Unix()
	_, err := s.db.Exec(`INSERT INTO ledger(token_id,payment_hash,calls_remaining,budget_multiple,created_at,updated_at) VALUES(?,?,0,0,?,?)`, tokenID, paymentHash, now, now)
	if err != nil && isUniqueViolation(err) {
		return ErrDuplicateToken
	}
	return err
}

func (s *SQLiteDB) SettleInvoice(paymentHash, preimage string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var state, budget int
	var tokenID string
	err = tx.QueryRow(`SELECT state,budget_multiple,token_id FROM invoices WHERE payment_hash = ?`, paymentHash).Scan(&state, &budget, &tokenID)
	if err == sql.ErrNoRows {
		return ErrNoSuchToken
	}
	if err != nil {
		return err
	}
	if InvoiceState(state) != InvoicePending {
		// Redelivered settlement event; nothing to do.
		return nil
	}
	now := time.Now().Unix()
	if _, err := tx.Exec(`UPDATE invoices SET state = ?, preimage = ?, settled_at = ? WHERE payment_hash = ?`, int(InvoiceSettled), preimage, now, paymentHash); err != nil {
		return err
	}
	if _, err := tx.Exec(`UPDATE ledger SET calls_remaining = ?, budget_multiple = ?, updated_at = ? WHERE token_id = ?`, budget, budget, now, tokenID); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *SQLiteDB) TryConsume(tokenID string) (*ConsumeResult, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	res, err := tx.Exec(`UPDATE ledger SET calls_remaining = calls_remaining - 1, updated_at = ? WHERE token_id = ? AND calls_remaining > 0`, time.Now().Unix(), tokenID)
	if err != nil {
		return nil, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if n == 1 {
		var remaining int
		if err := tx.QueryRow(`SELECT calls_remaining FROM ledger WHERE token_id = ?`, tokenID).Scan(&remaining); err != nil {
			return nil, err
		}
		if err := tx.Commit(); err != nil {
			return nil, err
		}
		return &ConsumeResult{Consumed: true, Remaining: remaining}, nil
	}

	// Denied: distinguish an unsettled invoice from a spent budget.
	var exists int
	if err := tx.QueryRow(`SELECT COUNT(1) FROM ledger WHERE token_id = ?`, tokenID).Scan(&exists); err != nil {
		return nil, err
	}
	if exists == 0 {
		return nil, ErrNoSuchToken
	}
	var state int
	err = tx.QueryRow(`SELECT i.state FROM invoices i JOIN ledger l ON l.payment_hash = i.payment_hash WHERE l.token_id = ?`, tokenID).Scan(&state)
	if err != nil && err != sql.ErrNoRows {
		return nil, err
	}
	reason := DenyNotSettled
	if err == nil && InvoiceState(state) == InvoiceSettled {
		reason = DenyBudgetExhausted
	}
	return &ConsumeResult{DenyReason: reason}, nil
}

func (s *SQLiteDB) RefundCall(tokenID string) error {
	_, err := s.db.Exec(`UPDATE ledger SET calls_remaining = calls_remaining + 1, updated_at = ? WHERE token_id = ? AND calls_remaining < budget_multiple`, time.Now().Unix(), tokenID)
	return err
}

func (s *SQLiteDB) GetLedgerEntry(tokenID string) (*LedgerEntry, error) {
	row := s.db.QueryRow(`SELECT token_id,payment_hash,calls_remaining,budget_multiple,created_at,updated_at FROM ledger WHERE token_id = ?`, tokenID)
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

func (s *SQLiteDB) LedgerStats() (*LedgerStats, error) {
	stats := &LedgerStats{}
	if err := s.db.QueryRow(`SELECT COUNT(1), COALESCE(SUM(calls_remaining),0) FROM ledger`).Scan(&stats.Tokens, &stats.CallsRemaining); err != nil {
		return nil, err
	}
	if err := s.db.QueryRow(`SELECT COUNT(1) FROM invoices WHERE state = ?`, int(InvoicePending)).Scan(&stats.PendingInvoices); err != nil {
		return nil, err
	}
	if err := s.db.QueryRow(`SELECT COUNT(1), COALESCE(SUM(amount_msat),0) FROM invoices WHERE state = ?`, int(InvoiceSettled)).Scan(&stats.SettledInvoices, &stats.RevenueMsat); err != nil {
		return nil, err
	}
	return stats, nil
}

func (s *SQLiteDB) CreateInvoice(inv *Invoice) error {
	created := inv.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}
	_, err := s.db.Exec(`INSERT INTO invoices(payment_hash,token_id,payment_request,amount_msat,budget_multiple,state,preimage,created_at) VALUES(?,?,?,?,?,?,?,?)`,
		inv.PaymentHash, inv.TokenID, inv.PaymentRequest, inv.AmountMsat, inv.BudgetMultiple, int(inv.State), inv.Preimage, created.Unix())
	if err != nil && isUniqueViolation(err) {
		return ErrDuplicateToken
	}
	return err
}

func (s *SQLiteDB) GetInvoice(paymentHash string) (*Invoice, error) {
	return scanInvoice(s.db.QueryRow(`SELECT payment_hash,token_id,payment_request,amount_msat,budget_multiple,state,preimage,created_at,settled_at FROM invoices WHERE payment_hash = ?`, paymentHash))
}

func (s *SQLiteDB) GetInvoiceByToken(tokenID string) (*Invoice, error) {
	return scanInvoice(s.db.QueryRow(`SELECT payment_hash,token_id,payment_request,amount_msat,budget_multiple,state,preimage,created_at,settled_at FROM invoices WHERE token_id = ?`, tokenID))
}

func (s *SQLiteDB) MarkInvoiceTerminal(paymentHash string, state InvoiceState) error {
	if !state.Terminal() {
		return nil
	}
	_, err := s.db.Exec(`UPDATE invoices SET state = ? WHERE payment_hash = ? AND state = ?`, int(state), paymentHash, int(InvoicePending))
	return err
}

func (s *SQLiteDB) ListPendingInvoices() ([]*Invoice, error) {
	rows, err := s.db.Query(`SELECT payment_hash,token_id,payment_request,amount_msat,budget_multiple,state,preimage,created_at,settled_at FROM invoices WHERE state = ?`, int(InvoicePending))
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

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanInvoice(row rowScanner) (*Invoice, error) {
	var inv Invoice
	var state int
	var preimage sql.NullString
	var created int64
	var settled sql.NullInt64
	err := row.Scan(&inv.PaymentHash, &inv.TokenID, &inv.PaymentRequest, &inv.AmountMsat, &inv.BudgetMultiple, &state, &preimage, &created, &settled)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	inv.State = InvoiceState(state)
	if preimage.Valid {
		inv.Preimage = preimage.String
	}
	inv.CreatedAt = time.Unix(created, 0)
	if settled.Valid {
		t := time.Unix(settled.Int64, 0)
		inv.SettledAt = &t
	}
	return &inv, nil
}

// isUniqueViolation matches the duplicate-key errors of both sqlite and
// postgres drivers without importing driver error types here.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "duplicate key value")
}

// lifecycle helpers
func (m *MemDB) close() error { return nil }
func (m *MemDB) ping() bool   { return true }

func (s *SQLiteDB) close() error { return s.db.Close() }
func (s *SQLiteDB) ping() bool   { return s.db.Ping() == nil }
