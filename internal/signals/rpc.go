package signals

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/shopspring/decimal"
)

// BalanceReader is the subset of ethclient.Client used for analytics.
type BalanceReader interface {
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
}

// RPCAnalyticsProvider reads native balances straight from a JSON-RPC node.
// It serves as wallet analytics when no Moralis key is configured and only
// ever populates Balance.
type RPCAnalyticsProvider struct {
	reader BalanceReader
	close  func()
}

// DialRPCAnalytics connects to an Ethereum JSON-RPC endpoint.
func DialRPCAnalytics(ctx context.Context, rpcURL string) (*RPCAnalyticsProvider, error) {
	if rpcURL == "" {
		return nil, ErrNotConfigured
	}
	client, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("failed to dial rpc: %w", err)
	}
	return &RPCAnalyticsProvider{reader: client, close: client.Close}, nil
}

// NewRPCAnalyticsProvider wraps an existing balance reader.
func NewRPCAnalyticsProvider(reader BalanceReader) *RPCAnalyticsProvider {
	return &RPCAnalyticsProvider{reader: reader}
}

// ID implements AnalyticsProvider.
func (p *RPCAnalyticsProvider) ID() string { return "rpc" }

// WalletStats implements AnalyticsProvider.
func (p *RPCAnalyticsProvider) WalletStats(ctx context.Context, address, _ string) (WalletStats, error) {
	if !common.IsHexAddress(address) {
		return WalletStats{}, &ProviderError{Provider: p.ID(), Kind: KindMalformed, Err: fmt.Errorf("not a hex address: %q", address)}
	}
	wei, err := p.reader.BalanceAt(ctx, common.HexToAddress(address), nil)
	if err != nil {
		return WalletStats{}, &ProviderError{Provider: p.ID(), Kind: Classify(err), Err: err}
	}
	eth := decimal.NewFromBigInt(wei, -18)
	return WalletStats{Balance: &eth}, nil
}

// Close releases the RPC connection.
func (p *RPCAnalyticsProvider) Close() {
	if p.close != nil {
		p.close()
	}
}
