package ledger

import "context"

// Operations is the money-moving surface served by Engine locally and by
// the gRPC client remotely.
type Operations interface {
	Deposit(ctx context.Context, userID string, req DepositRequest) (Receipt, error)
	Withdraw(ctx context.Context, userID string, req WithdrawRequest) (Receipt, error)
	TransferByPhone(ctx context.Context, userID string, req PhoneTransferRequest) (Receipt, error)
	TransferByAccount(ctx context.Context, userID string, req AccountTransferRequest) (Receipt, error)
}

// AccountService is the account-management surface served by Accounts.
type AccountService interface {
	List(ctx context.Context, userID string) ([]Account, error)
	Get(ctx context.Context, userID, number string) (Account, error)
	Open(ctx context.Context, userID string, req OpenRequest) (Account, error)
	Onboard(ctx context.Context, userID string) (Account, error)
	Update(ctx context.Context, userID, number string, patch AccountPatch) (Account, error)
	History(ctx context.Context, userID, number string, limit int, after int64) ([]Transaction, int64, error)
}

var (
	_ Operations     = (*Engine)(nil)
	_ AccountService = (*Accounts)(nil)
)
