package server

import (
	"context"
	"math/big"

	"github.com/shplabs/shpbridge/internal/bridge"
	"github.com/shplabs/shpbridge/internal/chain"
	"github.com/shplabs/shpbridge/internal/oracle"
	"github.com/shplabs/shpbridge/internal/rebase"
)

// -----------------------------------------------------------------------------
// Chain Adapters
// -----------------------------------------------------------------------------

// chainLedgerAdapter adapts chain.Client to bridge.Ledger
type chainLedgerAdapter struct {
	c *chain.Client
}

func (a *chainLedgerAdapter) Mint(ctx context.Context, account string, amount *big.Int, ref string) (string, error) {
	res, err := a.c.Mint(ctx, account, amount, ref)
	if err != nil {
		return "", err
	}
	return res.TxHash, nil
}

func (a *chainLedgerAdapter) Burn(ctx context.Context, account string, amount *big.Int, ref string) (string, error) {
	res, err := a.c.Burn(ctx, account, amount, ref)
	if err != nil {
		return "", err
	}
	return res.TxHash, nil
}

func (a *chainLedgerAdapter) Transfer(ctx context.Context, from, to string, amount *big.Int, ref string) (string, error) {
	res, err := a.c.TransferBetween(ctx, from, to, amount, ref)
	if err != nil {
		return "", err
	}
	return res.TxHash, nil
}

func (a *chainLedgerAdapter) TxState(ctx context.Context, txRef string) (bridge.TxState, error) {
	status, err := a.c.Status(ctx, txRef)
	if err != nil {
		return bridge.TxStateUnknown, err
	}
	switch status {
	case chain.TxPending:
		return bridge.TxStatePending, nil
	case chain.TxConfirmed:
		return bridge.TxStateConfirmed, nil
	case chain.TxFailed:
		return bridge.TxStateFailed, nil
	default:
		return bridge.TxStateUnknown, nil
	}
}

// oracleLedgerAdapter adapts chain.Client to oracle.Ledger
type oracleLedgerAdapter struct {
	c *chain.Client
}

func (a *oracleLedgerAdapter) UpdatePriceAndReserve(ctx context.Context, price, reserveValue *big.Int) (string, error) {
	res, err := a.c.UpdatePriceAndReserve(ctx, price, reserveValue)
	if err != nil {
		return "", err
	}
	return res.TxHash, nil
}

func (a *oracleLedgerAdapter) TotalSupply(ctx context.Context) (*big.Int, error) {
	return a.c.TotalSupply(ctx)
}

// rebaseLedgerAdapter adapts chain.Client to rebase.Ledger
type rebaseLedgerAdapter struct {
	c *chain.Client
}

func (a *rebaseLedgerAdapter) TotalSupply(ctx context.Context) (*big.Int, error) {
	return a.c.TotalSupply(ctx)
}

func (a *rebaseLedgerAdapter) Rebase(ctx context.Context, supplyDelta *big.Int, expand bool) (string, error) {
	res, err := a.c.Rebase(ctx, supplyDelta, expand)
	if err != nil {
		return "", err
	}
	return res.TxHash, nil
}

var (
	_ bridge.Ledger = (*chainLedgerAdapter)(nil)
	_ oracle.Ledger = (*oracleLedgerAdapter)(nil)
	_ rebase.Ledger = (*rebaseLedgerAdapter)(nil)
)
