package payout

import (
	"context"

	"github.com/google/uuid"

	"quorum/internal/repo"
)

// Rail is the external transfer capability. Implementations move funds;
// the consensus engine only sees confirmation IDs.
type Rail interface {
	Transfer(ctx context.Context, toAddress string, amount float64) (string, error)
}

// LedgerRail is the default rail: transfers are acknowledged locally and
// survive only as ledger rows. It performs no chain I/O.
type LedgerRail struct{}

func (LedgerRail) Transfer(ctx context.Context, toAddress string, amount float64) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	return uuid.New().String(), nil
}

// LedgerVerifier answers deposit checks from the local deposits table.
type LedgerVerifier struct {
	Repo repo.Repo
}

func (v LedgerVerifier) VerifyDeposit(ctx context.Context, signature, subjectID string, amount float64) (bool, error) {
	return v.Repo.HasDeposit(ctx, signature, subjectID, amount)
}
