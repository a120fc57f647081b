package grpcapi

import (
	"context"
	"time"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"bankcore.org/internal/auth"
	"bankcore.org/internal/ledger"
)

const serviceName = "bankcore-api"

// Server implements LedgerServer on top of the ledger services.
type Server struct {
	ops      ledger.Operations
	accounts ledger.AccountService
	version  string
}

// NewServer creates the gRPC service wrapper.
func NewServer(ops ledger.Operations, accounts ledger.AccountService, version string) *Server {
	return &Server{ops: ops, accounts: accounts, version: version}
}

var _ LedgerServer = (*Server)(nil)

type accountRef struct {
	Account string `json:"account_number"`
}

// UpdateRequest carries the account number next to the patch fields.
type UpdateRequest struct {
	Account string `json:"account_number"`
	ledger.AccountPatch
}

// HistoryRequest selects one page of an account history.
type HistoryRequest struct {
	Account string `json:"account_number"`
	Limit   int    `json:"limit,omitempty"`
	After   int64  `json:"after,omitempty"`
}

// HistoryPage is one page of entries and the cursor of the next one.
type HistoryPage struct {
	Items     []ledger.Transaction `json:"items"`
	NextAfter int64                `json:"next_after"`
}

// AccountList wraps the accounts of a user.
type AccountList struct {
	Items []ledger.Account `json:"items"`
}

// Info returns service metadata.
func (s *Server) Info(context.Context, *structpb.Struct) (*structpb.Struct, error) {
	return structpb.NewStruct(map[string]any{
		"name":    serviceName,
		"version": s.version,
		"time":    time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) Deposit(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req ledger.DepositRequest
	return operate(ctx, in, &req, func(uid string) (ledger.Receipt, error) {
		return s.ops.Deposit(ctx, uid, req)
	})
}

func (s *Server) Withdraw(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req ledger.WithdrawRequest
	return operate(ctx, in, &req, func(uid string) (ledger.Receipt, error) {
		return s.ops.Withdraw(ctx, uid, req)
	})
}

func (s *Server) TransferByPhone(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req ledger.PhoneTransferRequest
	return operate(ctx, in, &req, func(uid string) (ledger.Receipt, error) {
		return s.ops.TransferByPhone(ctx, uid, req)
	})
}

func (s *Server) TransferByAccount(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req ledger.AccountTransferRequest
	return operate(ctx, in, &req, func(uid string) (ledger.Receipt, error) {
		return s.ops.TransferByAccount(ctx, uid, req)
	})
}

func (s *Server) ListAccounts(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req struct{}
	return respond(ctx, in, &req, func(uid string) (any, error) {
		items, err := s.accounts.List(ctx, uid)
		if items == nil {
			items = []ledger.Account{}
		}
		return AccountList{Items: items}, err
	})
}

func (s *Server) GetAccount(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req accountRef
	return respond(ctx, in, &req, func(uid string) (any, error) {
		return s.accounts.Get(ctx, uid, req.Account)
	})
}

func (s *Server) OpenAccount(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req ledger.OpenRequest
	return respond(ctx, in, &req, func(uid string) (any, error) {
		return s.accounts.Open(ctx, uid, req)
	})
}

func (s *Server) Onboard(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req struct{}
	return respond(ctx, in, &req, func(uid string) (any, error) {
		return s.accounts.Onboard(ctx, uid)
	})
}

func (s *Server) UpdateAccount(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req UpdateRequest
	return respond(ctx, in, &req, func(uid string) (any, error) {
		return s.accounts.Update(ctx, uid, req.Account, req.AccountPatch)
	})
}

func (s *Server) History(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req HistoryRequest
	return respond(ctx, in, &req, func(uid string) (any, error) {
		items, next, err := s.accounts.History(ctx, uid, req.Account, req.Limit, req.After)
		if items == nil {
			items = []ledger.Transaction{}
		}
		return HistoryPage{Items: items, NextAfter: next}, err
	})
}

func operate(ctx context.Context, in *structpb.Struct, req any, op func(uid string) (ledger.Receipt, error)) (*structpb.Struct, error) {
	return respond(ctx, in, req, func(uid string) (any, error) { return op(uid) })
}

// respond decodes in into req, runs fn for the authenticated user and
// encodes its result.
func respond(ctx context.Context, in *structpb.Struct, req any, fn func(uid string) (any, error)) (*structpb.Struct, error) {
	uid, ok := auth.UserIDFromContext(ctx)
	if !ok {
		return nil, ToStatus(auth.ErrUnauthorized)
	}
	if err := Decode(in, req); err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	out, err := fn(uid)
	if err != nil {
		return nil, ToStatus(err)
	}
	return Encode(out)
}
