// Package ton moves ledger funds on the TON blockchain.
package ton

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"math"
	"math/big"
	"strings"
	"time"

	"github.com/xssnick/tonutils-go/address"
	"github.com/xssnick/tonutils-go/liteclient"
	"github.com/xssnick/tonutils-go/tlb"
	"github.com/xssnick/tonutils-go/ton"
	"github.com/xssnick/tonutils-go/ton/wallet"

	apperrors "matrix-ledger-backend/internal/common/errors"
	"matrix-ledger-backend/internal/common/logger"
	"matrix-ledger-backend/internal/common/validation"
)

var (
	ErrInvalidAmount   = errors.New("amount must be positive")
	ErrMissingTxHash   = errors.New("payment transaction hash is required")
	ErrPaymentNotFound = errors.New("payment transaction not found on the service wallet")
	ErrPaymentMismatch = errors.New("payment transaction does not match")
)

const (
	defaultScanDepth      = 200
	defaultConfirmTimeout = 90 * time.Second
	defaultConfirmPoll    = 3 * time.Second
	listBatch             = 15
)

type Options struct {
	LiteConfigURL string
	WalletSeed    string
	NanoPerUnit   uint64
	Comment       string
	// ScanDepth bounds how many wallet transactions MoveIn inspects.
	ScanDepth      int
	ConfirmTimeout time.Duration
	ConfirmPoll    time.Duration
}

// chain is the part of the lite client API the rail reads.
type chain interface {
	CurrentMasterchainInfo(ctx context.Context) (*ton.BlockIDExt, error)
	GetAccount(ctx context.Context, block *ton.BlockIDExt, addr *address.Address) (*tlb.Account, error)
	ListTransactions(ctx context.Context, addr *address.Address, num uint32, lt uint64, txHash []byte) ([]*tlb.Transaction, error)
	FindLastTransactionByInMsgHash(ctx context.Context, addr *address.Address, msgHash []byte, maxTxNumToScan ...int) (*tlb.Transaction, error)
}

// payer sends one transfer from the service wallet and returns the hash of
// the external message, which identifies the wallet transaction.
type payer interface {
	Address() *address.Address
	Send(ctx context.Context, to *address.Address, amount tlb.Coins, comment string) ([]byte, error)
}

type walletPayer struct {
	w *wallet.Wallet
}

func (p walletPayer) Address() *address.Address { return p.w.WalletAddress() }

func (p walletPayer) Send(ctx context.Context, to *address.Address, amount tlb.Coins, comment string) ([]byte, error) {
	// user wallets may not be deployed yet, so the transfer never bounces
	msg, err := p.w.BuildTransfer(to, amount, false, comment)
	if err != nil {
		return nil, err
	}
	return p.w.SendManyGetInMsgHash(ctx, []*wallet.Message{msg}, false)
}

// Rail verifies incoming payments against the service wallet's history and
// pays withdrawals from it.
type Rail struct {
	chain          chain
	payer          payer
	nanoPerUnit    uint64
	comment        string
	scanDepth      int
	confirmTimeout time.Duration
	confirmPoll    time.Duration
}

// Dial connects to the lite servers listed in the global config and opens
// the V4R2 wallet derived from the seed phrase.
func Dial(ctx context.Context, opts Options) (*Rail, error) {
	words := strings.Fields(opts.WalletSeed)
	if len(words) == 0 {
		return nil, fmt.Errorf("ton wallet seed is empty")
	}

	pool := liteclient.NewConnectionPool()
	if err := pool.AddConnectionsFromConfigUrl(ctx, opts.LiteConfigURL); err != nil {
		return nil, fmt.Errorf("connect lite servers: %w", err)
	}
	api := ton.NewAPIClient(pool).WithRetry()

	w, err := wallet.FromSeed(api, words, wallet.V4R2)
	if err != nil {
		return nil, fmt.Errorf("open wallet: %w", err)
	}
	logger.Info().Str("wallet", w.WalletAddress().String()).Msg("TON service wallet ready")
	return newRail(api, walletPayer{w: w}, opts), nil
}

func newRail(c chain, p payer, opts Options) *Rail {
	r := &Rail{
		chain:          c,
		payer:          p,
		nanoPerUnit:    opts.NanoPerUnit,
		comment:        opts.Comment,
		scanDepth:      opts.ScanDepth,
		confirmTimeout: opts.ConfirmTimeout,
		confirmPoll:    opts.ConfirmPoll,
	}
	if r.nanoPerUnit == 0 {
		r.nanoPerUnit = 1
	}
	if r.scanDepth <= 0 {
		r.scanDepth = defaultScanDepth
	}
	if r.confirmTimeout <= 0 {
		r.confirmTimeout = defaultConfirmTimeout
	}
	if r.confirmPoll <= 0 {
		r.confirmPoll = defaultConfirmPoll
	}
	return r
}

// MoveIn accepts a payment only if txHash names an incoming transfer of at
// least amount from the payer to the service wallet. Replays of the same
// hash are refused by the engine, not here.
func (r *Rail) MoveIn(ctx context.Context, from string, amount int64, txHash string) error {
	nano, err := r.nano(amount)
	if err != nil {
		return err
	}
	sender, err := validation.NormalizeAddress(from)
	if err != nil {
		return err
	}
	if txHash == "" {
		return ErrMissingTxHash
	}
	hash, err := hex.DecodeString(txHash)
	if err != nil || len(hash) != 32 {
		return fmt.Errorf("%w: malformed hash %q", ErrPaymentMismatch, txHash)
	}

	tx, err := r.findTransaction(ctx, hash)
	if err != nil {
		return err
	}
	if tx.IO.In == nil || tx.IO.In.MsgType != tlb.MsgTypeInternal {
		return fmt.Errorf("%w: %s is not an incoming transfer", ErrPaymentMismatch, txHash)
	}
	in := tx.IO.In.AsInternal()
	if in.Bounced {
		return fmt.Errorf("%w: %s is a bounce", ErrPaymentMismatch, txHash)
	}
	if in.SrcAddr == nil || in.SrcAddr.StringRaw() != sender {
		return fmt.Errorf("%w: %s was not sent by %s", ErrPaymentMismatch, txHash, sender)
	}
	if in.Amount.Nano().Cmp(new(big.Int).SetUint64(nano)) < 0 {
		return fmt.Errorf("%w: %s carries %s TON, want %d nanoTON", ErrPaymentMismatch, txHash, in.Amount.String(), nano)
	}
	logger.Debug().Str("user", sender).Str("tx_hash", txHash).Int64("amount", amount).Msg("Payment verified")
	return nil
}

// findTransaction walks the service wallet's history from the newest
// transaction back, at most scanDepth entries deep.
func (r *Rail) findTransaction(ctx context.Context, hash []byte) (*tlb.Transaction, error) {
	block, err := r.chain.CurrentMasterchainInfo(ctx)
	if err != nil {
		return nil, unavailable("get masterchain info", err)
	}
	acc, err := r.chain.GetAccount(ctx, block, r.payer.Address())
	if err != nil {
		return nil, unavailable("get service wallet", err)
	}
	if !acc.IsActive {
		return nil, ErrPaymentNotFound
	}

	scanned := 0
	for lt, last := acc.LastTxLT, acc.LastTxHash; lt != 0 && scanned < r.scanDepth; {
		list, err := r.chain.ListTransactions(ctx, r.payer.Address(), listBatch, lt, last)
		if errors.Is(err, ton.ErrNoTransactionsWereFound) || (err == nil && len(list) == 0) {
			break
		}
		if err != nil {
			return nil, unavailable("list wallet transactions", err)
		}
		for _, tx := range list {
			if bytes.Equal(tx.Hash, hash) {
				return tx, nil
			}
		}
		// list is oldest first
		lt, last = list[0].PrevTxLT, list[0].PrevTxHash
		scanned += len(list)
	}
	return nil, ErrPaymentNotFound
}

// MoveOut sends amount to a user wallet and waits until the transfer shows
// up in the service wallet's history. A send error means nothing left the
// wallet. A missing confirmation is reported as PAYOUT_UNCONFIRMED, since
// the transfer may still land.
func (r *Rail) MoveOut(ctx context.Context, user string, amount int64) error {
	nano, err := r.nano(amount)
	if err != nil {
		return err
	}
	to, err := parseAddress(user)
	if err != nil {
		return err
	}
	to.SetBounce(false)

	msgHash, err := r.payer.Send(ctx, to, tlb.FromNanoTONU(nano), r.comment)
	if err != nil {
		return fmt.Errorf("transfer to %s: %w", user, err)
	}
	if err := r.confirm(ctx, msgHash); err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodePayoutUnconfirmed, "Payout sent but not confirmed").
			WithDetail("user", user).
			WithDetail("msg_hash", hex.EncodeToString(msgHash))
	}
	logger.Info().Str("user", user).Int64("amount", amount).Uint64("nano", nano).Msg("Payout sent")
	return nil
}

func (r *Rail) confirm(ctx context.Context, msgHash []byte) error {
	ctx, cancel := context.WithTimeout(ctx, r.confirmTimeout)
	defer cancel()

	ticker := time.NewTicker(r.confirmPoll)
	defer ticker.Stop()
	for {
		_, err := r.chain.FindLastTransactionByInMsgHash(ctx, r.payer.Address(), msgHash)
		if err == nil {
			return nil
		}
		if !errors.Is(err, ton.ErrTxWasNotFound) {
			logger.Debug().Err(err).Msg("Payout confirmation lookup failed")
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("wait for confirmation: %w", ctx.Err())
		case <-ticker.C:
		}
	}
}

func (r *Rail) nano(amount int64) (uint64, error) {
	if amount <= 0 {
		return 0, ErrInvalidAmount
	}
	if uint64(amount) > math.MaxUint64/r.nanoPerUnit {
		return 0, fmt.Errorf("amount %d overflows nanoTON", amount)
	}
	return uint64(amount) * r.nanoPerUnit, nil
}

// unavailable marks lite server failures as retryable.
func unavailable(op string, err error) error {
	return apperrors.Wrap(err, apperrors.ErrCodeExternalAPI, "TON lite server unavailable").
		WithDetail("operation", op)
}

func parseAddress(s string) (*address.Address, error) {
	if strings.Contains(s, ":") {
		return address.ParseRawAddr(s)
	}
	return address.ParseAddr(s)
}

// NopRail accepts every movement. It backs the engine when TON is disabled.
type NopRail struct{}

func (NopRail) MoveIn(_ context.Context, user string, amount int64, txHash string) error {
	logger.Debug().Str("user", user).Int64("amount", amount).Str("tx_hash", txHash).Msg("TON disabled, payment not verified")
	return nil
}

func (NopRail) MoveOut(_ context.Context, user string, amount int64) error {
	logger.Warn().Str("user", user).Int64("amount", amount).Msg("TON disabled, payout not sent")
	return nil
}
