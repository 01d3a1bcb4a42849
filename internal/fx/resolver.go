package fx

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/rs/zerolog"

	"SettleLedger/internal/ledger"
	"SettleLedger/internal/observability"
	"SettleLedger/internal/store"
)

// Store is the slice of the persistence facade the resolver drives.
type Store interface {
	SaveFxTransferPrepared(ctx context.Context, trx *sql.Tx, fx store.FxTransfer, valid bool, reason string) error
	SaveFxStateChange(ctx context.Context, trx *sql.Tx, commitRequestID string, state ledger.State, reason string) error
	FxTransferByCommitRequestID(ctx context.Context, commitRequestID string) (*store.FxTransfer, error)
	FxTransfersByDeterminingID(ctx context.Context, determiningTransferID string) ([]store.FxTransfer, error)
	FxTransferStateByCommitRequestID(ctx context.Context, commitRequestID string) (*store.TransferStateChange, error)
	GetTransferStateByID(ctx context.Context, transferID string) (*store.TransferStateChange, error)
}

// Resolver maps transfers to their dependent conversion legs and keeps the
// two lifecycles synchronized. The linkage is one relation
// (fx_transfer.determining_transfer_id) plus a derived reverse lookup.
type Resolver struct {
	store Store
	log   zerolog.Logger
}

func New(st Store) *Resolver {
	return &Resolver{store: st, log: observability.NewLogger("fx")}
}

// Prepare records a conversion leg. The determining transfer must already
// exist and not be terminal.
func (r *Resolver) Prepare(ctx context.Context, fx store.FxTransfer) error {
	tsc, err := r.store.GetTransferStateByID(ctx, fx.DeterminingTransferID)
	if err != nil {
		return err
	}
	if tsc == nil {
		return &ledger.ValidationError{
			Reason: fmt.Sprintf("fx transfer %s: determining transfer %s does not exist", fx.CommitRequestID, fx.DeterminingTransferID),
		}
	}
	if tsc.TransferStateID.Terminal() {
		return &ledger.ValidationError{
			Reason: fmt.Sprintf("fx transfer %s: determining transfer %s already %s", fx.CommitRequestID, fx.DeterminingTransferID, tsc.TransferStateID),
		}
	}
	return r.store.SaveFxTransferPrepared(ctx, nil, fx, true, "")
}

// DependentTransfers is the reverse lookup: all conversion legs that depend
// on the given transfer.
func (r *Resolver) DependentTransfers(ctx context.Context, determiningTransferID string) ([]store.FxTransfer, error) {
	return r.store.FxTransfersByDeterminingID(ctx, determiningTransferID)
}

// DeterminingTransfer resolves the underlying transfer id for a conversion.
func (r *Resolver) DeterminingTransfer(ctx context.Context, commitRequestID string) (string, error) {
	fx, err := r.store.FxTransferByCommitRequestID(ctx, commitRequestID)
	if err != nil {
		return "", err
	}
	if fx == nil {
		return "", &ledger.ValidationError{Reason: fmt.Sprintf("unknown fx transfer %s", commitRequestID)}
	}
	return fx.DeterminingTransferID, nil
}

// FulfilDependent marks a conversion fulfiled but held until its
// determining transfer settles.
func (r *Resolver) FulfilDependent(ctx context.Context, commitRequestID string) error {
	cur, err := r.store.FxTransferStateByCommitRequestID(ctx, commitRequestID)
	if err != nil {
		return err
	}
	if cur == nil {
		return &ledger.ValidationError{Reason: fmt.Sprintf("unknown fx transfer %s", commitRequestID)}
	}
	if !ledger.CanTransition(cur.TransferStateID, ledger.StateReceivedFulfilDependent) {
		return &ledger.ValidationError{
			Reason: fmt.Sprintf("fx transfer %s: illegal transition %s -> %s", commitRequestID, cur.TransferStateID, ledger.StateReceivedFulfilDependent),
		}
	}
	return r.store.SaveFxStateChange(ctx, nil, commitRequestID, ledger.StateReceivedFulfilDependent, "")
}

// SettleDependents advances every held conversion once the determining
// transfer has committed.
func (r *Resolver) SettleDependents(ctx context.Context, determiningTransferID string) error {
	deps, err := r.store.FxTransfersByDeterminingID(ctx, determiningTransferID)
	if err != nil {
		return err
	}
	for _, fx := range deps {
		cur, err := r.store.FxTransferStateByCommitRequestID(ctx, fx.CommitRequestID)
		if err != nil {
			return err
		}
		if cur == nil || cur.TransferStateID != ledger.StateReceivedFulfilDependent {
			continue
		}
		if err := r.store.SaveFxStateChange(ctx, nil, fx.CommitRequestID, ledger.StateCommitted, ""); err != nil {
			return err
		}
		r.log.Info().Str("commit_request_id", fx.CommitRequestID).
			Str("determining_transfer_id", determiningTransferID).
			Msg("dependent fx transfer settled")
	}
	return nil
}
