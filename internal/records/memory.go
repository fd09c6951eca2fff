package records

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/ggonzalez94/defi-autopilot/internal/model"
)

// Memory is an in-process Store for tests and dry runs.
type Memory struct {
	mu      sync.RWMutex
	records map[string]model.TransactionRecord
	pending map[string]model.PendingSignature
}

func NewMemory() *Memory {
	return &Memory{
		records: map[string]model.TransactionRecord{},
		pending: map[string]model.PendingSignature{},
	}
}

func (m *Memory) Save(_ context.Context, rec model.TransactionRecord) error {
	if rec.ID == "" {
		return fmt.Errorf("save record: missing id")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[rec.ID] = rec
	return nil
}

func (m *Memory) Get(_ context.Context, id string) (model.TransactionRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.records[id]
	if !ok {
		return model.TransactionRecord{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return rec, nil
}

func (m *Memory) List(_ context.Context, f Filter) ([]model.TransactionRecord, error) {
	m.mu.RLock()
	out := make([]model.TransactionRecord, 0, len(m.records))
	for _, rec := range m.records {
		if f.Status != "" && rec.Status != f.Status {
			continue
		}
		if f.Type != "" && rec.Type != f.Type {
			continue
		}
		if f.Chain != "" && rec.Chain != f.Chain {
			continue
		}
		out = append(out, rec)
	}
	m.mu.RUnlock()
	sort.SliceStable(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	if limit := defaultLimit(f.Limit); len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Len returns the number of stored records.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.records)
}

func (m *Memory) OpenPositions(_ context.Context) ([]model.PositionRef, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	type marks struct{ deposit, withdraw int64 }
	latest := map[model.PositionRef]*marks{}
	for _, rec := range m.records {
		if !onChain(rec) || rec.PoolID == "" {
			continue
		}
		if rec.Type != model.TxDeposit && rec.Type != model.TxWithdraw {
			continue
		}
		ref := model.PositionRef{Protocol: rec.ProtocolID, Chain: rec.Chain, PoolID: rec.PoolID}
		mk, ok := latest[ref]
		if !ok {
			mk = &marks{}
			latest[ref] = mk
		}
		ts := rec.CreatedAt.UnixMilli()
		if rec.Type == model.TxDeposit && ts > mk.deposit {
			mk.deposit = ts
		}
		if rec.Type == model.TxWithdraw && ts > mk.withdraw {
			mk.withdraw = ts
		}
	}
	out := make([]model.PositionRef, 0, len(latest))
	for ref, mk := range latest {
		if mk.deposit > mk.withdraw {
			out = append(out, ref)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Chain != out[j].Chain {
			return out[i].Chain < out[j].Chain
		}
		if out[i].Protocol != out[j].Protocol {
			return out[i].Protocol < out[j].Protocol
		}
		return out[i].PoolID < out[j].PoolID
	})
	return out, nil
}

func (m *Memory) SavePending(_ context.Context, p model.PendingSignature) error {
	if p.ID == "" {
		return fmt.Errorf("save pending signature: missing id")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pending[p.ID] = p
	return nil
}

func (m *Memory) GetPending(_ context.Context, id string) (model.PendingSignature, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.pending[id]
	if !ok {
		return model.PendingSignature{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return p, nil
}

func (m *Memory) ListPending(_ context.Context, status model.PendingSignatureStatus, limit int) ([]model.PendingSignature, error) {
	m.mu.RLock()
	out := make([]model.PendingSignature, 0, len(m.pending))
	for _, p := range m.pending {
		if status != "" && p.Status != status {
			continue
		}
		out = append(out, p)
	}
	m.mu.RUnlock()
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if l := defaultLimit(limit); len(out) > l {
		out = out[:l]
	}
	return out, nil
}

func (m *Memory) Close() error { return nil }
