// Package watcher monitors the chain for token transfers touching watched
// addresses and screens the counterparty of each one.
//
// The watcher polls ERC-20 Transfer logs with a confirmation lag, so a
// shallow reorg never produces a screening for a transfer that vanished.
package watcher

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/shopspring/decimal"

	"github.com/mbd888/sentinel/internal/screening"
)

// ERC20 Transfer event signature
var transferEventSig = common.HexToHash("0xddf252ad1be2c89b69c2b068fc378daa952ba7f163c4a11628f55a4df523b3ef")

// Direction of a transfer relative to the watched address.
const (
	DirectionInbound  = "inbound"
	DirectionOutbound = "outbound"
)

// Channel tags screenings started by the watcher.
const Channel = "onchain"

// LogSource is the subset of ethclient.Client the watcher reads.
type LogSource interface {
	BlockNumber(ctx context.Context) (uint64, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
}

// Screener runs a screening.
type Screener interface {
	Screen(ctx context.Context, tx screening.Transaction, pii map[string]string) (*screening.InvestigationResult, error)
}

// Config for the transfer watcher
type Config struct {
	TokenContract common.Address
	TokenSymbol   string
	TokenDecimals int32
	Watched       []common.Address
	Chain         string
	PollInterval  time.Duration
	Confirmations uint64
	MaxBlockRange uint64
	StartBlock    uint64 // 0 = latest
}

// DefaultConfig returns sensible defaults
func DefaultConfig() Config {
	return Config{
		TokenSymbol:   "USDC",
		TokenDecimals: 6,
		PollInterval:  15 * time.Second,
		Confirmations: 2,
		MaxBlockRange: 2000,
	}
}

// Watcher screens counterparties of transfers to and from watched addresses.
type Watcher struct {
	source   LogSource
	config   Config
	screener Screener
	logger   *slog.Logger
	watched  map[common.Address]bool

	// processed maps transfer key to block so a partially failed range
	// can be re-polled without screening the same transfer twice.
	processed map[string]uint64
	mu        sync.Mutex
	lastBlock uint64

	screened atomic.Int64
	started  atomic.Bool

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// New creates a transfer watcher.
func New(cfg Config, source LogSource, screener Screener, logger *slog.Logger) (*Watcher, error) {
	if len(cfg.Watched) == 0 {
		return nil, errors.New("watcher: no watched addresses")
	}
	if cfg.TokenContract == (common.Address{}) {
		return nil, errors.New("watcher: token contract is required")
	}
	def := DefaultConfig()
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.MaxBlockRange == 0 {
		cfg.MaxBlockRange = def.MaxBlockRange
	}
	if cfg.TokenSymbol == "" {
		cfg.TokenSymbol = def.TokenSymbol
	}
	if logger == nil {
		logger = slog.Default()
	}
	watched := make(map[common.Address]bool, len(cfg.Watched))
	for _, a := range cfg.Watched {
		watched[a] = true
	}
	return &Watcher{
		source:    source,
		config:    cfg,
		screener:  screener,
		logger:    logger,
		watched:   watched,
		processed: make(map[string]uint64),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}, nil
}

// Start resolves the starting block and begins polling.
func (w *Watcher) Start(ctx context.Context) error {
	if w.config.StartBlock == 0 {
		block, err := w.source.BlockNumber(ctx)
		if err != nil {
			return fmt.Errorf("failed to get block number: %w", err)
		}
		w.lastBlock = block
	} else {
		w.lastBlock = w.config.StartBlock - 1
	}

	w.logger.Info("transfer watcher started",
		"token", w.config.TokenContract.Hex(),
		"watched", len(w.watched),
		"startBlock", w.lastBlock,
	)

	w.started.Store(true)
	go w.pollLoop(ctx)
	return nil
}

// Stop stops the watcher and waits for the poll loop to exit.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() { close(w.stop) })
	if w.started.Load() {
		<-w.done
	}
}

// Screened reports how many transfers have been screened.
func (w *Watcher) Screened() int64 { return w.screened.Load() }

// LastBlock returns the highest fully processed block.
func (w *Watcher) LastBlock() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastBlock
}

func (w *Watcher) pollLoop(ctx context.Context) {
	defer close(w.done)

	ticker := time.NewTicker(w.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stop:
			return
		case <-ticker.C:
			if err := w.Poll(ctx); err != nil {
				w.logger.Error("transfer poll failed", "error", err)
			}
		}
	}
}

// Poll processes confirmed blocks after the last processed one, at most
// MaxBlockRange of them.
func (w *Watcher) Poll(ctx context.Context) error {
	head, err := w.source.BlockNumber(ctx)
	if err != nil {
		return fmt.Errorf("failed to get block number: %w", err)
	}
	if head < w.config.Confirmations {
		return nil
	}
	confirmed := head - w.config.Confirmations

	w.mu.Lock()
	from := w.lastBlock + 1
	w.mu.Unlock()
	if confirmed < from {
		return nil
	}
	to := min(confirmed, from+w.config.MaxBlockRange-1)

	addrs := make([]common.Hash, 0, len(w.watched))
	for a := range w.watched {
		addrs = append(addrs, common.BytesToHash(a.Bytes()))
	}

	// Transfers out of and into watched addresses need separate topic
	// filters; a log matching both is deduplicated by key.
	var logs []types.Log
	for _, topics := range [][][]common.Hash{
		{{transferEventSig}, addrs},
		{{transferEventSig}, nil, addrs},
	} {
		batch, err := w.source.FilterLogs(ctx, ethereum.FilterQuery{
			FromBlock: new(big.Int).SetUint64(from),
			ToBlock:   new(big.Int).SetUint64(to),
			Addresses: []common.Address{w.config.TokenContract},
			Topics:    topics,
		})
		if err != nil {
			return fmt.Errorf("failed to filter logs: %w", err)
		}
		logs = append(logs, batch...)
	}
	slices.SortFunc(logs, func(a, b types.Log) int {
		if c := cmp.Compare(a.BlockNumber, b.BlockNumber); c != 0 {
			return c
		}
		return cmp.Compare(a.Index, b.Index)
	})

	// A failed transfer holds the cursor just before its block so the
	// next poll retries it.
	next := to
	for _, vLog := range logs {
		if err := w.processTransfer(ctx, vLog); err != nil {
			w.logger.Error("failed to screen transfer", "tx", vLog.TxHash.Hex(), "error", err)
			if vLog.BlockNumber > 0 && vLog.BlockNumber-1 < next {
				next = vLog.BlockNumber - 1
			}
		}
	}

	w.mu.Lock()
	w.lastBlock = max(w.lastBlock, next)
	for key, block := range w.processed {
		if block <= w.lastBlock {
			delete(w.processed, key)
		}
	}
	w.mu.Unlock()
	return nil
}

// transfer is a decoded ERC-20 transfer relative to a watched address.
type transfer struct {
	Key          string
	TxHash       string
	Block        uint64
	Watched      common.Address
	Counterparty common.Address
	Direction    string
	Amount       decimal.Decimal
}

// decode parses a Transfer log. ok is false when the log is malformed or
// touches no watched address.
func (w *Watcher) decode(vLog types.Log) (transfer, bool) {
	if len(vLog.Topics) < 3 || vLog.Topics[0] != transferEventSig {
		return transfer{}, false
	}
	from := common.BytesToAddress(vLog.Topics[1].Bytes())
	to := common.BytesToAddress(vLog.Topics[2].Bytes())

	t := transfer{
		Key:    fmt.Sprintf("%s:%d", vLog.TxHash.Hex(), vLog.Index),
		TxHash: vLog.TxHash.Hex(),
		Block:  vLog.BlockNumber,
		Amount: decimal.NewFromBigInt(new(big.Int).SetBytes(vLog.Data), -w.config.TokenDecimals),
	}
	switch {
	case w.watched[to]:
		t.Watched, t.Counterparty, t.Direction = to, from, DirectionInbound
	case w.watched[from]:
		t.Watched, t.Counterparty, t.Direction = from, to, DirectionOutbound
	default:
		return transfer{}, false
	}
	return t, true
}

// transactionID derives a stable id that fits the case store's column.
func transactionID(vLog types.Log) string {
	return fmt.Sprintf("oc_%s_%d", strings.TrimPrefix(vLog.TxHash.Hex(), "0x")[:40], vLog.Index)
}

func (w *Watcher) processTransfer(ctx context.Context, vLog types.Log) error {
	t, ok := w.decode(vLog)
	if !ok {
		return nil
	}

	w.mu.Lock()
	if _, seen := w.processed[t.Key]; seen {
		w.mu.Unlock()
		return nil
	}
	w.mu.Unlock()

	// Transfers between two watched addresses are internal moves.
	if w.watched[t.Counterparty] {
		w.markProcessed(t)
		return nil
	}

	res, err := w.screener.Screen(ctx, screening.Transaction{
		ID:            transactionID(vLog),
		WalletAddress: t.Counterparty.Hex(),
		Chain:         w.config.Chain,
		Amount:        t.Amount,
		Currency:      w.config.TokenSymbol,
		Channel:       Channel,
		Attributes: map[string]string{
			"tx_hash":   t.TxHash,
			"block":     fmt.Sprintf("%d", t.Block),
			"direction": t.Direction,
			"watched":   t.Watched.Hex(),
		},
	}, nil)
	if err != nil {
		return fmt.Errorf("screen %s: %w", t.Counterparty.Hex(), err)
	}
	w.markProcessed(t)
	w.screened.Add(1)

	w.logger.Info("transfer screened",
		"tx", t.TxHash,
		"direction", t.Direction,
		"counterparty", t.Counterparty.Hex(),
		"amount", t.Amount.String(),
		"decision", res.Decision,
		"case", res.CaseID,
	)
	return nil
}

func (w *Watcher) markProcessed(t transfer) {
	w.mu.Lock()
	w.processed[t.Key] = t.Block
	w.mu.Unlock()
}
