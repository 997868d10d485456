// Package custody defines the signer boundary: the external client that
// holds platform custody wallets and moves funds out of them. On-chain
// submission and confirmation live behind this interface; the engine only
// sees balances and transaction hashes.
package custody

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

var (
	// ErrUnknownWallet is returned for a wallet ref the signer does not hold.
	ErrUnknownWallet = errors.New("custody: unknown wallet")

	// ErrInsufficientBalance is returned when a transfer exceeds the
	// wallet's balance.
	ErrInsufficientBalance = errors.New("custody: insufficient balance")
)

// Signer is the custody client. Transfer may block for on-chain
// confirmation (seconds); callers bound it with a context deadline.
type Signer interface {
	// GetBalance returns the current balance of a custody wallet.
	GetBalance(ctx context.Context, walletRef string) (decimal.Decimal, error)

	// Transfer moves amount from a custody wallet to an external address
	// and returns the transaction hash.
	Transfer(ctx context.Context, walletRef, toAddress string, amount decimal.Decimal) (string, error)
}

// MemorySigner implements Signer with in-memory balances. Used for testing
// and development; it also supports fault injection for exercising the
// coordinator's timeout and failure paths.
type MemorySigner struct {
	mu       sync.Mutex
	balances map[string]decimal.Decimal

	// TransferErr, when set, is returned by every Transfer call after the
	// balance checks pass but before any balance moves.
	TransferErr error

	// DebitBeforeErr, when set together with TransferErr, debits the wallet
	// before returning the error, simulating a transfer whose outcome the
	// caller could not observe (timeout after the funds moved).
	DebitBeforeErr bool

	transfers int
}

// NewMemorySigner creates an in-memory signer with no wallets.
func NewMemorySigner() *MemorySigner {
	return &MemorySigner{balances: make(map[string]decimal.Decimal)}
}

// Deposit credits a custody wallet, creating it if needed.
func (s *MemorySigner) Deposit(walletRef string, amount decimal.Decimal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.balances[walletRef] = s.balances[walletRef].Add(amount)
}

func (s *MemorySigner) GetBalance(_ context.Context, walletRef string) (decimal.Decimal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	bal, ok := s.balances[walletRef]
	if !ok {
		return decimal.Zero, fmt.Errorf("%w: %s", ErrUnknownWallet, walletRef)
	}
	return bal, nil
}

func (s *MemorySigner) Transfer(ctx context.Context, walletRef, toAddress string, amount decimal.Decimal) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	bal, ok := s.balances[walletRef]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownWallet, walletRef)
	}
	if bal.LessThan(amount) {
		return "", fmt.Errorf("%w: have %s, need %s", ErrInsufficientBalance, bal, amount)
	}

	if s.TransferErr != nil {
		if s.DebitBeforeErr {
			s.balances[walletRef] = bal.Sub(amount)
		}
		return "", s.TransferErr
	}

	s.balances[walletRef] = bal.Sub(amount)
	s.transfers++
	return "0x" + uuid.NewString(), nil
}

// Transfers returns how many transfers have succeeded. Test hook for the
// duplicate-release property: a rejected release must not reach the signer.
func (s *MemorySigner) Transfers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transfers
}
