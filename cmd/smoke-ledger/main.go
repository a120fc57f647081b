package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"bankcore.org/internal/auth"
	"bankcore.org/internal/ids"
	"bankcore.org/internal/ledger"
	"bankcore.org/internal/ledger/remote"
	"bankcore.org/internal/obs"
)

func main() {
	logger, err := obs.NewLogger("info")
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if err := run(logger); err != nil {
		logger.Fatal("smoke test failed", zap.Error(err))
	}
}

func run(logger *zap.Logger) error {
	addr := os.Getenv("BANKCORE_GRPC_ADDR")
	if addr == "" {
		addr = "localhost:9091"
	}
	issuer := os.Getenv("BANKCORE_AUTH_ISSUER")
	if issuer == "" {
		issuer = auth.DefaultIssuer
	}
	signer, err := auth.NewSigner(os.Getenv("BANKCORE_AUTH_SECRET"), issuer)
	if err != nil {
		return err
	}

	client, err := remote.Dial(addr)
	if err != nil {
		return fmt.Errorf("dial %s: %w", addr, err)
	}
	defer client.Close()

	ctx, cancel := remote.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	as := func(userID string) (context.Context, error) {
		tok, err := signer.Issue(userID, "", time.Minute)
		if err != nil {
			return nil, err
		}
		return auth.ContextWithToken(ctx, tok), nil
	}
	alice, err := as("smoke-" + ids.New())
	if err != nil {
		return err
	}
	bob, err := as("smoke-" + ids.New())
	if err != nil {
		return err
	}

	accA, err := client.Onboard(alice, "")
	if err != nil {
		return fmt.Errorf("onboard A: %w", err)
	}
	accB, err := client.Onboard(bob, "")
	if err != nil {
		return fmt.Errorf("onboard B: %w", err)
	}

	initial := decimal.NewFromInt(1_000)
	amount := decimal.RequireFromString("420.50")
	if _, err := client.Deposit(alice, "", ledger.DepositRequest{Account: accA.Number, Amount: initial}); err != nil {
		return fmt.Errorf("deposit: %w", err)
	}
	if _, err := client.TransferByAccount(alice, "", ledger.AccountTransferRequest{
		Account: accA.Number, ToAccount: accB.Number, Amount: amount,
	}); err != nil {
		return fmt.Errorf("transfer: %w", err)
	}
	_, err = client.Withdraw(alice, "", ledger.WithdrawRequest{Account: accA.Number, Amount: initial})
	if !errors.Is(err, ledger.ErrInsufficientFunds) {
		return fmt.Errorf("overdraft: expected insufficient funds, got %v", err)
	}

	balA, err := client.Get(alice, "", accA.Number)
	if err != nil {
		return fmt.Errorf("get A: %w", err)
	}
	balB, err := client.Get(bob, "", accB.Number)
	if err != nil {
		return fmt.Errorf("get B: %w", err)
	}
	if !balA.Balance.Add(balB.Balance).Equal(initial) {
		return fmt.Errorf("ledger conservation failed: %s + %s", balA.Balance, balB.Balance)
	}
	if !balB.Balance.Equal(amount) {
		return fmt.Errorf("unexpected balances: A=%s B=%s", balA.Balance, balB.Balance)
	}

	logger.Info("smoke test passed",
		zap.String("account_a", accA.Number),
		zap.String("account_b", accB.Number),
	)
	return nil
}
