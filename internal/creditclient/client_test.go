package creditclient_test

import (
	"context"
	"errors"
	"net"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	creditv1 "github.com/MarkoPoloResearchLab/credits/api/credit/v1"
	"github.com/MarkoPoloResearchLab/credits/internal/creditclient"
	"github.com/MarkoPoloResearchLab/credits/internal/grpcserver"
	"github.com/MarkoPoloResearchLab/credits/internal/store/gormstore"
	"github.com/MarkoPoloResearchLab/credits/internal/tiers"
	"github.com/MarkoPoloResearchLab/credits/pkg/ledger"
)

const testStartUnixUTC = int64(1_700_000_000)

var errProviderFailed = errors.New("provider failed")

func newTestClient(test *testing.T) *creditclient.Client {
	test.Helper()
	db, _, err := gormstore.Open(filepath.Join(test.TempDir(), "credits.db"))
	require.NoError(test, err)
	test.Cleanup(func() { _ = gormstore.Close(db) })
	store := gormstore.New(db)

	clock := &atomic.Int64{}
	clock.Store(testStartUnixUTC)
	service, err := ledger.NewService(store, clock.Load)
	require.NoError(test, err)
	provider, err := tiers.FromConfig("free=1,pro=2", "free", "")
	require.NoError(test, err)
	limiter, err := ledger.NewSlotLimiter(store, provider, clock.Load)
	require.NoError(test, err)

	listener := bufconn.Listen(1 << 20)
	server := grpc.NewServer()
	creditv1.RegisterCreditServiceServer(server, grpcserver.NewCreditServiceServer(service, limiter))
	go func() {
		_ = server.Serve(listener)
	}()
	test.Cleanup(server.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return listener.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(test, err)
	test.Cleanup(func() { _ = conn.Close() })
	return creditclient.New(conn, 5*time.Second)
}

func mustUserID(test *testing.T, raw string) ledger.UserID {
	test.Helper()
	userID, err := ledger.NewUserID(raw)
	require.NoError(test, err)
	return userID
}

func mustPositiveCredits(test *testing.T, raw int64) ledger.PositiveCredits {
	test.Helper()
	amount, err := ledger.NewPositiveCredits(raw)
	require.NoError(test, err)
	return amount
}

func mustMetadata(test *testing.T, raw string) ledger.MetadataJSON {
	test.Helper()
	metadata, err := ledger.NewMetadataJSON(raw)
	require.NoError(test, err)
	return metadata
}

func TestClientLedgerRoundTrip(test *testing.T) {
	test.Parallel()
	client := newTestClient(test)
	ctx := context.Background()
	userID := mustUserID(test, "alice")

	require.NoError(test, client.OpenAccount(ctx, userID, 100, 0))
	transactionID, err := client.Grant(ctx, userID, ledger.TransactionPurchase, mustPositiveCredits(test, 20), "top up", 0, mustMetadata(test, `{"order":"o-1"}`))
	require.NoError(test, err)
	assert.NotEmpty(test, transactionID.String())

	holdID, err := client.Hold(ctx, userID, mustPositiveCredits(test, 50), "render", mustMetadata(test, `{"job":"j-1"}`))
	require.NoError(test, err)

	balance, err := client.GetBalance(ctx, userID)
	require.NoError(test, err)
	assert.Equal(test, ledger.Balance{Balance: 120, PendingHolds: 50, AvailableBalance: 70}, balance)

	require.NoError(test, client.Capture(ctx, holdID, "render"))
	err = client.Capture(ctx, holdID, "render")
	require.ErrorIs(test, err, ledger.ErrAlreadyProcessed)
	_, err = client.Refund(ctx, holdID, "late")
	require.ErrorIs(test, err, ledger.ErrAlreadyProcessed)

	secondHold, err := client.Hold(ctx, userID, mustPositiveCredits(test, 30), "render", ledger.MetadataJSON{})
	require.NoError(test, err)
	refunded, err := client.Refund(ctx, secondHold, "cancelled by user")
	require.NoError(test, err)
	assert.Equal(test, ledger.Credits(30), refunded)

	_, err = client.RefundCaptured(ctx, userID, mustPositiveCredits(test, 10), "goodwill")
	require.NoError(test, err)

	balance, err = client.GetBalance(ctx, userID)
	require.NoError(test, err)
	assert.Equal(test, ledger.Credits(80), balance.Balance)
	assert.Equal(test, ledger.Credits(80), balance.AvailableBalance)

	history, err := client.GetHistory(ctx, userID, 2, 0)
	require.NoError(test, err)
	assert.Greater(test, history.Total, 2)
	require.Len(test, history.Transactions, 2)
	for _, transaction := range history.Transactions {
		assert.Equal(test, userID, transaction.UserID)
		assert.Equal(test, testStartUnixUTC, transaction.CreatedUnixUTC)
	}
}

func TestClientMapsSentinels(test *testing.T) {
	test.Parallel()
	client := newTestClient(test)
	ctx := context.Background()
	userID := mustUserID(test, "bob")
	require.NoError(test, client.OpenAccount(ctx, userID, 10, 0))

	err := client.OpenAccount(ctx, userID, 0, 0)
	require.ErrorIs(test, err, ledger.ErrAccountExists)

	_, err = client.Hold(ctx, userID, mustPositiveCredits(test, 11), "too much", ledger.MetadataJSON{})
	require.ErrorIs(test, err, ledger.ErrInsufficientCredits)
	statusInfo, ok := status.FromError(err)
	require.True(test, ok)
	assert.Equal(test, codes.FailedPrecondition, statusInfo.Code())

	_, err = client.GetBalance(ctx, mustUserID(test, "nobody"))
	require.ErrorIs(test, err, ledger.ErrAccountNotFound)

	missingHold, err := ledger.NewHoldID("missing")
	require.NoError(test, err)
	err = client.Capture(ctx, missingHold, "")
	require.ErrorIs(test, err, ledger.ErrHoldNotFound)

	_, err = client.Grant(ctx, userID, ledger.TransactionCapture, mustPositiveCredits(test, 1), "", 0, ledger.MetadataJSON{})
	require.ErrorIs(test, err, ledger.ErrInvalidTransactionType)

	holdID, err := client.Hold(ctx, userID, mustPositiveCredits(test, 5), "", ledger.MetadataJSON{})
	require.NoError(test, err)
	err = client.PartialCapture(ctx, holdID, mustPositiveCredits(test, 6), "")
	require.ErrorIs(test, err, ledger.ErrCaptureExceedsHold)
}

func TestClientSlots(test *testing.T) {
	test.Parallel()
	client := newTestClient(test)
	ctx := context.Background()
	userID := mustUserID(test, "carol")

	requestID, err := client.AcquireSlot(ctx, userID)
	require.NoError(test, err)
	_, err = client.AcquireSlot(ctx, userID)
	require.ErrorIs(test, err, ledger.ErrSlotLimitReached)

	concurrency, err := client.GetConcurrencyStatus(ctx, userID)
	require.NoError(test, err)
	assert.Equal(test, ledger.ConcurrencyStatus{Tier: ledger.TierFree, Limit: 1, Active: 1, Remaining: 0}, concurrency)

	require.NoError(test, client.ReleaseSlot(ctx, userID, requestID))
	require.NoError(test, client.ReleaseSlot(ctx, userID, requestID))
	concurrency, err = client.GetConcurrencyStatus(ctx, userID)
	require.NoError(test, err)
	assert.Equal(test, 1, concurrency.Remaining)
}

func TestClientDrivesMeter(test *testing.T) {
	test.Parallel()
	client := newTestClient(test)
	ctx := context.Background()
	userID := mustUserID(test, "dave")
	require.NoError(test, client.OpenAccount(ctx, userID, 100, 0))
	meter, err := ledger.NewMeter(client, client)
	require.NoError(test, err)
	unitCost := mustPositiveCredits(test, 10)

	testCases := []struct {
		name        string
		produced    int
		workErr     error
		wantCharged ledger.Credits
		wantBalance ledger.Credits
	}{
		{name: "full capture", produced: 4, wantCharged: 40, wantBalance: 60},
		{name: "partial capture", produced: 1, wantCharged: 10, wantBalance: 50},
		{name: "refund on failure", produced: 0, workErr: errProviderFailed, wantCharged: 0, wantBalance: 50},
	}
	for _, testCase := range testCases {
		result, err := meter.Run(ctx, userID, unitCost, 4, testCase.name, func(ctx context.Context) (int, error) {
			return testCase.produced, testCase.workErr
		})
		if testCase.workErr != nil {
			require.ErrorIs(test, err, testCase.workErr, testCase.name)
		} else {
			require.NoError(test, err, testCase.name)
		}
		assert.Equal(test, testCase.wantCharged, result.Charged, testCase.name)

		balance, err := client.GetBalance(ctx, userID)
		require.NoError(test, err)
		assert.Equal(test, testCase.wantBalance, balance.Balance, testCase.name)
		assert.Equal(test, ledger.Credits(0), balance.PendingHolds, testCase.name)

		concurrency, err := client.GetConcurrencyStatus(ctx, userID)
		require.NoError(test, err)
		assert.Equal(test, 0, concurrency.Active, testCase.name)
	}
}
