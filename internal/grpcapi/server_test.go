package grpcapi

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/structpb"

	"bankcore.org/internal/auth"
	"bankcore.org/internal/currency"
	"bankcore.org/internal/ledger"
	"bankcore.org/internal/lock"
)

const bufSize = 1024 * 1024

type testEnv struct {
	conn   *grpc.ClientConn
	health *health.Server
	signer *auth.Signer
}

func startBufGRPC(t *testing.T) *testEnv {
	t.Helper()

	store := ledger.NewInMemory()
	locker := lock.NewLocal(time.Second)
	engine := ledger.NewEngine(store, store, currency.NewStatic(nil), locker)
	signer, err := auth.NewSigner("secret", auth.DefaultIssuer)
	require.NoError(t, err)

	listener := bufconn.Listen(bufSize)
	server := grpc.NewServer(ServerOptions(signer)...)
	RegisterLedgerServer(server, NewServer(engine, ledger.NewAccounts(store, locker), "1.2.3"))
	hs := NewHealth()
	healthpb.RegisterHealthServer(server, hs)

	go func() {
		if err := server.Serve(listener); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			t.Logf("grpc serve error: %v", err)
		}
	}()

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return listener.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	t.Cleanup(func() {
		server.GracefulStop()
		_ = conn.Close()
		_ = listener.Close()
	})
	return &testEnv{conn: conn, health: hs, signer: signer}
}

func (e *testEnv) invoke(ctx context.Context, method string, in map[string]any) (*structpb.Struct, metadata.MD, error) {
	req, err := structpb.NewStruct(in)
	if err != nil {
		return nil, nil, err
	}
	out := &structpb.Struct{}
	var header metadata.MD
	err = e.conn.Invoke(ctx, FullMethod(method), req, out, grpc.Header(&header))
	return out, header, err
}

func (e *testEnv) authed(t *testing.T, userID string) context.Context {
	t.Helper()
	tok, err := e.signer.Issue(userID, "", time.Minute)
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	t.Cleanup(cancel)
	return metadata.AppendToOutgoingContext(ctx, AuthorizationKey, "Bearer "+tok)
}

func TestInfoIsPublic(t *testing.T) {
	env := startBufGRPC(t)
	out, header, err := env.invoke(context.Background(), MethodInfo, nil)
	require.NoError(t, err)
	m := out.AsMap()
	assert.Equal(t, serviceName, m["name"])
	assert.Equal(t, "1.2.3", m["version"])
	_, err = time.Parse(time.RFC3339, m["time"].(string))
	assert.NoError(t, err)
	assert.Len(t, header.Get(RequestIDKey), 1)
}

func TestLedgerCallsRequireToken(t *testing.T) {
	env := startBufGRPC(t)

	_, _, err := env.invoke(context.Background(), MethodListAccounts, nil)
	assert.Equal(t, codes.Unauthenticated, status.Code(err))

	ctx := metadata.AppendToOutgoingContext(context.Background(), AuthorizationKey, "Bearer forged")
	_, _, err = env.invoke(ctx, MethodOnboard, nil)
	assert.Equal(t, codes.Unauthenticated, status.Code(err))
}

func TestOperationsOverGRPC(t *testing.T) {
	env := startBufGRPC(t)
	ctx := env.authed(t, "alice")

	acc, _, err := env.invoke(ctx, MethodOnboard, nil)
	require.NoError(t, err)
	number := acc.AsMap()["number"].(string)
	assert.Len(t, number, 20)

	rec, _, err := env.invoke(ctx, MethodDeposit, map[string]any{"account_number": number, "amount": "15.50"})
	require.NoError(t, err)
	assert.Equal(t, "15.5", rec.AsMap()["new_balance"])

	_, _, err = env.invoke(ctx, MethodWithdraw, map[string]any{"account_number": number, "amount": "16"})
	assert.Equal(t, codes.FailedPrecondition, status.Code(err))

	_, _, err = env.invoke(ctx, MethodDeposit, map[string]any{"account_number": number, "amount": "-1"})
	assert.Equal(t, codes.InvalidArgument, status.Code(err))

	_, _, err = env.invoke(ctx, MethodDeposit, map[string]any{"account_number": number, "amount": "1", "extra": 1})
	assert.Equal(t, codes.InvalidArgument, status.Code(err))

	_, _, err = env.invoke(ctx, MethodGetAccount, map[string]any{"account_number": "40817810900019999999"})
	assert.Equal(t, codes.NotFound, status.Code(err))

	page, _, err := env.invoke(ctx, MethodHistory, map[string]any{"account_number": number, "limit": 10})
	require.NoError(t, err)
	items := page.AsMap()["items"].([]any)
	assert.Len(t, items, 1)
	assert.EqualValues(t, 0, page.AsMap()["next_after"])
}

func TestHealthMirrorsReadiness(t *testing.T) {
	env := startBufGRPC(t)
	client := healthpb.NewHealthClient(env.conn)

	resp, err := client.Check(context.Background(), &healthpb.HealthCheckRequest{Service: ServiceName})
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, resp.GetStatus())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		WatchReadiness(ctx, env.health, failingReadiness{}, time.Hour)
		close(done)
	}()
	require.Eventually(t, func() bool {
		resp, err := client.Check(context.Background(), &healthpb.HealthCheckRequest{Service: ServiceName})
		return err == nil && resp.GetStatus() == healthpb.HealthCheckResponse_NOT_SERVING
	}, 2*time.Second, 10*time.Millisecond)
	cancel()
	<-done
}

type failingReadiness struct{}

func (failingReadiness) Check(context.Context) error { return errors.New("boom") }

func TestToStatus(t *testing.T) {
	cases := []struct {
		err  error
		code codes.Code
	}{
		{ledger.ErrInvalidAmount, codes.InvalidArgument},
		{ledger.ErrPhoneNotFound, codes.NotFound},
		{ledger.ErrCreditDebt, codes.FailedPrecondition},
		{ledger.Contention(errors.New("busy")), codes.Aborted},
		{auth.ErrInvalidToken, codes.Unauthenticated},
		{context.Canceled, codes.Canceled},
		{errors.New("disk on fire"), codes.Internal},
	}
	for _, tc := range cases {
		st := status.Convert(ToStatus(tc.err))
		assert.Equal(t, tc.code, st.Code(), tc.err.Error())
	}
	assert.Equal(t, "internal error", status.Convert(ToStatus(errors.New("secret detail"))).Message())
	assert.NoError(t, ToStatus(nil))
}

func TestCodecRejectsUnknownFields(t *testing.T) {
	in, err := structpb.NewStruct(map[string]any{"account_number": "1", "nope": true})
	require.NoError(t, err)
	var req ledger.DepositRequest
	assert.Error(t, Decode(in, &req))

	out, err := Encode(UpdateRequest{Account: "1"})
	require.NoError(t, err)
	var back UpdateRequest
	require.NoError(t, Decode(out, &back))
	assert.Equal(t, "1", back.Account)
	assert.Nil(t, back.Primary)
}
