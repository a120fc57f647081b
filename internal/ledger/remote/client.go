// Package remote adapts the gRPC ledger service back to ledger types.
package remote

import (
	"context"
	"fmt"
	"strings"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"bankcore.org/internal/audit"
	"bankcore.org/internal/auth"
	"bankcore.org/internal/grpcapi"
	"bankcore.org/internal/ledger"
)

// Client wraps a connection to the gRPC ledger service.
type Client struct {
	conn grpc.ClientConnInterface
	// closer is nil when the connection is owned by the caller.
	closer interface{ Close() error }
}

// Dial creates a new client with insecure transport unless opts say
// otherwise.
func Dial(target string, opts ...grpc.DialOption) (*Client, error) {
	if len(opts) == 0 {
		opts = append(opts, grpc.WithTransportCredentials(insecure.NewCredentials()))
	}
	conn, err := grpc.NewClient(target, opts...)
	if err != nil {
		return nil, err
	}
	return &Client{conn: conn, closer: conn}, nil
}

// New wraps an existing connection.
func New(conn grpc.ClientConnInterface) *Client {
	return &Client{conn: conn}
}

// Close closes the underlying connection when Dial created it.
func (c *Client) Close() error {
	if c == nil || c.closer == nil {
		return nil
	}
	return c.closer.Close()
}

var (
	_ ledger.Operations     = (*Client)(nil)
	_ ledger.AccountService = (*Client)(nil)
)

// The userID arguments below are ignored: the server derives the caller
// from the bearer token attached with auth.ContextWithToken.

func (c *Client) Deposit(ctx context.Context, _ string, req ledger.DepositRequest) (ledger.Receipt, error) {
	var out ledger.Receipt
	err := c.call(ctx, grpcapi.MethodDeposit, req, &out)
	return out, err
}

func (c *Client) Withdraw(ctx context.Context, _ string, req ledger.WithdrawRequest) (ledger.Receipt, error) {
	var out ledger.Receipt
	err := c.call(ctx, grpcapi.MethodWithdraw, req, &out)
	return out, err
}

func (c *Client) TransferByPhone(ctx context.Context, _ string, req ledger.PhoneTransferRequest) (ledger.Receipt, error) {
	var out ledger.Receipt
	err := c.call(ctx, grpcapi.MethodTransferByPhone, req, &out)
	return out, err
}

func (c *Client) TransferByAccount(ctx context.Context, _ string, req ledger.AccountTransferRequest) (ledger.Receipt, error) {
	var out ledger.Receipt
	err := c.call(ctx, grpcapi.MethodTransferByAccount, req, &out)
	return out, err
}

func (c *Client) List(ctx context.Context, _ string) ([]ledger.Account, error) {
	var out grpcapi.AccountList
	if err := c.call(ctx, grpcapi.MethodListAccounts, struct{}{}, &out); err != nil {
		return nil, err
	}
	return out.Items, nil
}

func (c *Client) Get(ctx context.Context, _ string, number string) (ledger.Account, error) {
	var out ledger.Account
	err := c.call(ctx, grpcapi.MethodGetAccount, map[string]string{"account_number": number}, &out)
	return out, err
}

func (c *Client) Open(ctx context.Context, _ string, req ledger.OpenRequest) (ledger.Account, error) {
	var out ledger.Account
	err := c.call(ctx, grpcapi.MethodOpenAccount, req, &out)
	return out, err
}

func (c *Client) Onboard(ctx context.Context, _ string) (ledger.Account, error) {
	var out ledger.Account
	err := c.call(ctx, grpcapi.MethodOnboard, struct{}{}, &out)
	return out, err
}

func (c *Client) Update(ctx context.Context, _ string, number string, patch ledger.AccountPatch) (ledger.Account, error) {
	var out ledger.Account
	req := grpcapi.UpdateRequest{Account: number, AccountPatch: patch}
	err := c.call(ctx, grpcapi.MethodUpdateAccount, req, &out)
	return out, err
}

func (c *Client) History(ctx context.Context, _ string, number string, limit int, after int64) ([]ledger.Transaction, int64, error) {
	var out grpcapi.HistoryPage
	req := grpcapi.HistoryRequest{Account: number, Limit: limit, After: after}
	if err := c.call(ctx, grpcapi.MethodHistory, req, &out); err != nil {
		return nil, 0, err
	}
	return out.Items, out.NextAfter, nil
}

// Info returns the server name and version.
func (c *Client) Info(ctx context.Context) (map[string]any, error) {
	out := &structpb.Struct{}
	if err := c.conn.Invoke(ctx, grpcapi.FullMethod(grpcapi.MethodInfo), &structpb.Struct{}, out); err != nil {
		return nil, err
	}
	return out.AsMap(), nil
}

func (c *Client) call(ctx context.Context, method string, req, dst any) error {
	in, err := grpcapi.Encode(req)
	if err != nil {
		return err
	}
	out := &structpb.Struct{}
	if err := c.conn.Invoke(outgoingWithIdentity(ctx), grpcapi.FullMethod(method), in, out); err != nil {
		return mapLedgerError(err)
	}
	return grpcapi.Decode(out, dst)
}

func outgoingWithIdentity(ctx context.Context) context.Context {
	var pairs []string
	if token, ok := auth.TokenFromContext(ctx); ok {
		pairs = append(pairs, grpcapi.AuthorizationKey, "Bearer "+token)
	}
	if rid := audit.RequestIDFromContext(ctx); rid != "" {
		pairs = append(pairs, grpcapi.RequestIDKey, rid)
	}
	if len(pairs) == 0 {
		return ctx
	}
	return metadata.AppendToOutgoingContext(ctx, pairs...)
}

// sentinels are matched against status messages, longest first.
var sentinels = []error{
	ledger.ErrUserRequired,
	ledger.ErrInvalidAmount,
	ledger.ErrAmountPrecision,
	ledger.ErrInvalidAccount,
	ledger.ErrInvalidPhone,
	ledger.ErrInvalidType,
	ledger.ErrInvalidCurrency,
	ledger.ErrTypeImmutable,
	ledger.ErrCurrencyImmutable,
	ledger.ErrBalanceReadOnly,
	ledger.ErrDestinationMissing,
	ledger.ErrNoPrimaryAccount,
	ledger.ErrAccountNotFound,
	ledger.ErrPhoneNotFound,
	ledger.ErrCreditDebt,
	ledger.ErrLimitExceeded,
	ledger.ErrInsufficientFunds,
	ledger.ErrSameAccount,
	ledger.ErrLockTimeout,
}

// mapLedgerError restores ledger sentinels from a gRPC status so callers can
// use errors.Is across the wire.
func mapLedgerError(err error) error {
	st, ok := status.FromError(err)
	if !ok {
		return err
	}
	msg := st.Message()
	var best error
	for _, s := range sentinels {
		if strings.HasPrefix(msg, s.Error()) && (best == nil || len(s.Error()) > len(best.Error())) {
			best = s
		}
	}
	if best != nil {
		return fmt.Errorf("%w%s", best, strings.TrimPrefix(msg, best.Error()))
	}

	var kind error
	switch st.Code() {
	case codes.InvalidArgument:
		kind = ledger.ErrValidation
	case codes.NotFound:
		kind = ledger.ErrNotFound
	case codes.FailedPrecondition:
		kind = ledger.ErrPolicy
	case codes.Aborted, codes.Unavailable:
		kind = ledger.ErrContention
	case codes.Unauthenticated:
		kind = auth.ErrUnauthorized
	default:
		return err
	}
	if strings.HasPrefix(msg, kind.Error()) {
		return fmt.Errorf("%w%s", kind, strings.TrimPrefix(msg, kind.Error()))
	}
	return fmt.Errorf("%w: %s", kind, msg)
}

// WithTimeout returns a context with a default timeout for CLI tools.
func WithTimeout(parent context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		d = 10 * time.Second
	}
	return context.WithTimeout(parent, d)
}
