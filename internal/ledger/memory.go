package ledger

import (
	"context"
	"sort"
	"sync"

	"github.com/ashendes/card-payments/internal/models"
)

// MemoryStore keeps transactions in process memory. Used for local runs and
// tests; contents are lost on restart.
type MemoryStore struct {
	transactions map[string]*memoryRecord
	byKey        map[string]string
	seq          uint64
	mutex        sync.RWMutex
}

type memoryRecord struct {
	tx  models.Transaction
	seq uint64
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		transactions: make(map[string]*memoryRecord),
		byKey:        make(map[string]string),
	}
}

func (s *MemoryStore) Insert(_ context.Context, tx *models.Transaction) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if _, exists := s.transactions[tx.ID]; exists {
		return ErrDuplicateKey
	}
	if tx.IdempotencyKey != nil {
		if _, used := s.byKey[*tx.IdempotencyKey]; used {
			return ErrDuplicateKey
		}
		s.byKey[*tx.IdempotencyKey] = tx.ID
	}

	s.seq++
	s.transactions[tx.ID] = &memoryRecord{tx: cloneTransaction(*tx), seq: s.seq}
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (*models.Transaction, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	rec, ok := s.transactions[id]
	if !ok {
		return nil, ErrRecordNotFound
	}
	tx := cloneTransaction(rec.tx)
	return &tx, nil
}

func (s *MemoryStore) GetByIdempotencyKey(ctx context.Context, key string) (*models.Transaction, error) {
	s.mutex.RLock()
	id, ok := s.byKey[key]
	s.mutex.RUnlock()

	if !ok {
		return nil, ErrRecordNotFound
	}
	return s.Get(ctx, id)
}

func (s *MemoryStore) Apply(_ context.Context, t Transition) (*models.Transaction, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	rec, ok := s.transactions[t.ID]
	if !ok {
		return nil, ErrRecordNotFound
	}
	if rec.tx.Status != t.From {
		return nil, ErrStatusConflict
	}

	rec.tx.Status = t.To
	if t.GatewayReference != nil {
		ref := *t.GatewayReference
		rec.tx.GatewayReference = &ref
	}
	rec.tx.UpdatedAt = t.At

	tx := cloneTransaction(rec.tx)
	return &tx, nil
}

func (s *MemoryStore) List(_ context.Context) ([]models.Transaction, error) {
	// Records are copied under the lock; Apply mutates them in place.
	s.mutex.RLock()
	records := make([]memoryRecord, 0, len(s.transactions))
	for _, rec := range s.transactions {
		records = append(records, memoryRecord{tx: cloneTransaction(rec.tx), seq: rec.seq})
	}
	s.mutex.RUnlock()

	sort.Slice(records, func(i, j int) bool {
		a, b := records[i], records[j]
		if !a.tx.CreatedAt.Equal(b.tx.CreatedAt) {
			return a.tx.CreatedAt.After(b.tx.CreatedAt)
		}
		return a.seq > b.seq
	})

	out := make([]models.Transaction, 0, len(records))
	for _, rec := range records {
		out = append(out, rec.tx)
	}
	return out, nil
}

func (s *MemoryStore) Migrate(context.Context) error { return nil }

func (s *MemoryStore) Close(context.Context) error { return nil }

// cloneTransaction copies pointer fields so callers never share state with
// the store.
func cloneTransaction(tx models.Transaction) models.Transaction {
	if tx.GatewayReference != nil {
		ref := *tx.GatewayReference
		tx.GatewayReference = &ref
	}
	if tx.IdempotencyKey != nil {
		key := *tx.IdempotencyKey
		tx.IdempotencyKey = &key
	}
	return tx
}
