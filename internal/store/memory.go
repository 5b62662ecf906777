package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/isabell-ah/satsjar/internal/domain"
)

type credKey struct {
	accountID string
	provider  domain.Provider
}

// Memory is a process-local Store. Transactions are serialized on one mutex
// and staged, so a failing fn leaves no trace.
type Memory struct {
	mu            sync.Mutex
	accounts      map[string]domain.Account
	creds         map[credKey]domain.Credential
	invoices      map[string]domain.Invoice
	txns          []domain.Transaction
	depositHashes map[string]struct{}
}

func NewMemory() *Memory {
	return &Memory{
		accounts:      make(map[string]domain.Account),
		creds:         make(map[credKey]domain.Credential),
		invoices:      make(map[string]domain.Invoice),
		depositHashes: make(map[string]struct{}),
	}
}

func (m *Memory) Migrate(ctx context.Context) error { return nil }
func (m *Memory) Close()                            {}

func (m *Memory) RunInTx(ctx context.Context, fn func(Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	tx := &memTx{
		m:        m,
		invoices: make(map[string]domain.Invoice),
		balances: make(map[string]int64),
	}
	if err := fn(tx); err != nil {
		return err
	}

	for hash, inv := range tx.invoices {
		m.invoices[hash] = inv
	}
	for id, bal := range tx.balances {
		acc := m.accounts[id]
		acc.BalanceSats = bal
		m.accounts[id] = acc
	}
	for _, t := range tx.txns {
		if t.Type == domain.TxDeposit && t.PaymentHash != "" {
			m.depositHashes[t.PaymentHash] = struct{}{}
		}
		m.txns = append(m.txns, t)
	}
	return nil
}

type memTx struct {
	m        *Memory
	invoices map[string]domain.Invoice
	balances map[string]int64
	txns     []domain.Transaction
}

func (tx *memTx) GetInvoice(ctx context.Context, paymentHash string) (*domain.Invoice, error) {
	if inv, ok := tx.invoices[paymentHash]; ok {
		return &inv, nil
	}
	inv, ok := tx.m.invoices[paymentHash]
	if !ok {
		return nil, domain.ErrInvoiceNotFound
	}
	return &inv, nil
}

func (tx *memTx) MarkInvoicePaid(ctx context.Context, paymentHash string, paidAt time.Time, via domain.SettledVia) error {
	inv, err := tx.GetInvoice(ctx, paymentHash)
	if err != nil {
		return err
	}
	if inv.Status != domain.InvoicePending {
		return ErrConflict
	}
	inv.Status = domain.InvoicePaid
	inv.PaidAt = &paidAt
	inv.ProcessedVia = via
	tx.invoices[paymentHash] = *inv
	return nil
}

func (tx *memTx) GetAccount(ctx context.Context, id string) (*domain.Account, error) {
	acc, ok := tx.m.accounts[id]
	if !ok {
		return nil, domain.ErrAccountNotFound
	}
	if bal, ok := tx.balances[id]; ok {
		acc.BalanceSats = bal
	}
	return &acc, nil
}

func (tx *memTx) AdjustBalance(ctx context.Context, accountID string, delta int64) (int64, error) {
	acc, err := tx.GetAccount(ctx, accountID)
	if err != nil {
		return 0, err
	}
	next := acc.BalanceSats + delta
	if next < 0 {
		return 0, domain.ErrInsufficientFunds
	}
	tx.balances[accountID] = next
	return next, nil
}

func (tx *memTx) AppendTransaction(ctx context.Context, t *domain.Transaction) error {
	if t.Type == domain.TxDeposit && t.PaymentHash != "" {
		if _, dup := tx.m.depositHashes[t.PaymentHash]; dup {
			return ErrConflict
		}
		for _, staged := range tx.txns {
			if staged.Type == domain.TxDeposit && staged.PaymentHash == t.PaymentHash {
				return ErrConflict
			}
		}
	}
	fillTransaction(t)
	tx.txns = append(tx.txns, *t)
	return nil
}

func (m *Memory) CreateAccount(ctx context.Context, a *domain.Account) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	prepareAccount(a)
	m.accounts[a.ID] = *a
	return nil
}

func (m *Memory) GetAccount(ctx context.Context, id string) (*domain.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	acc, ok := m.accounts[id]
	if !ok {
		return nil, domain.ErrAccountNotFound
	}
	return &acc, nil
}

func (m *Memory) PutCredential(ctx context.Context, c domain.Credential) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.accounts[c.AccountID]; !ok {
		return domain.ErrAccountNotFound
	}
	m.creds[credKey{c.AccountID, c.Provider}] = c
	return nil
}

func (m *Memory) GetCredential(ctx context.Context, accountID string, p domain.Provider) (*domain.Credential, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.creds[credKey{accountID, p}]
	if !ok {
		return nil, domain.ErrCredentialMissing
	}
	return &c, nil
}

func (m *Memory) CreateInvoice(ctx context.Context, inv *domain.Invoice) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.invoices[inv.PaymentHash]; ok {
		return ErrInvoiceExists
	}
	if _, ok := m.accounts[inv.AccountID]; !ok {
		return domain.ErrAccountNotFound
	}
	m.invoices[inv.PaymentHash] = *inv
	return nil
}

func (m *Memory) GetInvoice(ctx context.Context, paymentHash string) (*domain.Invoice, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	inv, ok := m.invoices[paymentHash]
	if !ok {
		return nil, domain.ErrInvoiceNotFound
	}
	return &inv, nil
}

func (m *Memory) ListPendingInvoices(ctx context.Context, createdAfter time.Time, limit int) ([]domain.Invoice, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Invoice
	for _, inv := range m.invoices {
		if inv.Status == domain.InvoicePending && inv.CreatedAt.After(createdAfter) {
			out = append(out, inv)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit = clampLimit(limit); len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) ListTransactions(ctx context.Context, accountID string, limit int) ([]domain.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.accounts[accountID]; !ok {
		return nil, domain.ErrAccountNotFound
	}
	limit = clampLimit(limit)
	var out []domain.Transaction
	for i := len(m.txns) - 1; i >= 0 && len(out) < limit; i-- {
		if m.txns[i].AccountID == accountID {
			out = append(out, m.txns[i])
		}
	}
	return out, nil
}
