// Package records persists one TransactionRecord per executor call and the
// queue of transactions parked for an external signer.
package records

import (
	"context"
	"errors"
	"strings"
	"time"

	clierr "github.com/ggonzalez94/defi-autopilot/internal/errors"
	"github.com/ggonzalez94/defi-autopilot/internal/model"
)

var ErrNotFound = errors.New("record not found")

type Filter struct {
	Status model.RecordStatus
	Type   model.TxType
	Chain  string
	Limit  int
}

type Store interface {
	Save(ctx context.Context, rec model.TransactionRecord) error
	Get(ctx context.Context, id string) (model.TransactionRecord, error)
	List(ctx context.Context, f Filter) ([]model.TransactionRecord, error)
	// OpenPositions lists pools whose latest on-chain deposit is newer than any withdraw.
	OpenPositions(ctx context.Context) ([]model.PositionRef, error)

	SavePending(ctx context.Context, p model.PendingSignature) error
	GetPending(ctx context.Context, id string) (model.PendingSignature, error)
	ListPending(ctx context.Context, status model.PendingSignatureStatus, limit int) ([]model.PendingSignature, error)

	Close() error
}

func defaultLimit(limit int) int {
	if limit <= 0 {
		return 20
	}
	return limit
}

// onChain reports whether a record reached a chain or the signing queue, as
// opposed to a dry run.
func onChain(rec model.TransactionRecord) bool {
	return rec.Status == model.RecordSubmitted && (rec.Hash != "" || rec.DeferredID != "")
}

// Fulfill marks a pending signature as signed by an external signer and
// stamps txHash on the record it was parked for.
func Fulfill(ctx context.Context, s Store, pendingID, txHash string, now time.Time) (model.PendingSignature, error) {
	txHash = strings.TrimSpace(txHash)
	if txHash == "" {
		return model.PendingSignature{}, clierr.New(clierr.CodeUsage, "tx hash is required")
	}
	p, err := s.GetPending(ctx, pendingID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return model.PendingSignature{}, clierr.Wrap(clierr.CodeUsage, "unknown pending signature "+pendingID, err)
		}
		return model.PendingSignature{}, clierr.Wrap(clierr.CodeUnavailable, "load pending signature", err)
	}
	if p.Status != model.SignaturePending {
		return model.PendingSignature{}, clierr.New(clierr.CodeUsage, "pending signature "+pendingID+" is "+string(p.Status))
	}
	p.Status = model.SignatureSigned
	p.TxHash = txHash
	p.UpdatedAt = now.UTC()
	if err := s.SavePending(ctx, p); err != nil {
		return model.PendingSignature{}, clierr.Wrap(clierr.CodeUnavailable, "save pending signature", err)
	}
	if p.RecordID == "" {
		return p, nil
	}
	rec, err := s.Get(ctx, p.RecordID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return p, nil
		}
		return p, clierr.Wrap(clierr.CodeUnavailable, "load record", err)
	}
	rec.Hash = txHash
	rec.UpdatedAt = now.UTC()
	if err := s.Save(ctx, rec); err != nil {
		return p, clierr.Wrap(clierr.CodeUnavailable, "save record", err)
	}
	return p, nil
}
