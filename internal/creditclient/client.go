// Package creditclient is a typed client for credits.v1.CreditService.
package creditclient

import (
	"context"
	"errors"
	"fmt"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	creditv1 "github.com/MarkoPoloResearchLab/credits/api/credit/v1"
	"github.com/MarkoPoloResearchLab/credits/pkg/ledger"
)

const defaultTimeout = 3 * time.Second

// Client calls the credit service. It satisfies ledger.HoldLedger and ledger.SlotGate.
type Client struct {
	conn    grpc.ClientConnInterface
	timeout time.Duration
}

var (
	_ ledger.HoldLedger = (*Client)(nil)
	_ ledger.SlotGate   = (*Client)(nil)
)

// New wraps conn. A non-positive timeout falls back to three seconds per call.
func New(conn grpc.ClientConnInterface, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Client{conn: conn, timeout: timeout}
}

// Dial opens a connection and waits until it is ready or ctx ends.
func Dial(ctx context.Context, address string, insecureTransport bool) (*grpc.ClientConn, error) {
	dialOptions := []grpc.DialOption{}
	if insecureTransport {
		dialOptions = append(dialOptions, grpc.WithTransportCredentials(insecure.NewCredentials()))
	} else {
		dialOptions = append(dialOptions, grpc.WithTransportCredentials(credentials.NewClientTLSFromCert(nil, "")))
	}
	conn, err := grpc.NewClient(address, dialOptions...)
	if err != nil {
		return nil, err
	}
	conn.Connect()
	if err := waitForClientReady(ctx, conn); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return conn, nil
}

func (client *Client) GetBalance(ctx context.Context, userID ledger.UserID) (ledger.Balance, error) {
	response, err := client.invoke(ctx, creditv1.MethodGetBalance, map[string]any{creditv1.FieldUserID: userID.String()})
	if err != nil {
		return ledger.Balance{}, err
	}
	balance, err := int64Fields(response, creditv1.FieldBalance, creditv1.FieldPendingHolds, creditv1.FieldAvailableBalance)
	if err != nil {
		return ledger.Balance{}, err
	}
	return ledger.Balance{
		Balance:          ledger.Credits(balance[0]),
		PendingHolds:     ledger.Credits(balance[1]),
		AvailableBalance: ledger.Credits(balance[2]),
	}, nil
}

func (client *Client) GetHistory(ctx context.Context, userID ledger.UserID, limit int, offset int) (ledger.History, error) {
	response, err := client.invoke(ctx, creditv1.MethodGetHistory, map[string]any{
		creditv1.FieldUserID: userID.String(),
		creditv1.FieldLimit:  int64(limit),
		creditv1.FieldOffset: int64(offset),
	})
	if err != nil {
		return ledger.History{}, err
	}
	total, err := creditv1.Int64(response, creditv1.FieldTotal)
	if err != nil {
		return ledger.History{}, err
	}
	rows, err := creditv1.List(response, creditv1.FieldTransactions)
	if err != nil {
		return ledger.History{}, err
	}
	history := ledger.History{Total: int(total), Transactions: make([]ledger.Transaction, 0, len(rows))}
	for _, row := range rows {
		transaction, err := decodeTransaction(row)
		if err != nil {
			return ledger.History{}, err
		}
		history.Transactions = append(history.Transactions, transaction)
	}
	return history, nil
}

func (client *Client) OpenAccount(ctx context.Context, userID ledger.UserID, welcomeBonus ledger.Credits, expiresAtUnixUTC int64) error {
	_, err := client.invoke(ctx, creditv1.MethodOpenAccount, map[string]any{
		creditv1.FieldUserID:           userID.String(),
		creditv1.FieldWelcomeBonus:     welcomeBonus.Int64(),
		creditv1.FieldExpiresAtUnixUTC: expiresAtUnixUTC,
	})
	return err
}

func (client *Client) Grant(ctx context.Context, userID ledger.UserID, source ledger.TransactionType, amount ledger.PositiveCredits, description string, expiresAtUnixUTC int64, metadata ledger.MetadataJSON) (ledger.TransactionID, error) {
	response, err := client.invoke(ctx, creditv1.MethodGrant, map[string]any{
		creditv1.FieldUserID:           userID.String(),
		creditv1.FieldSource:           source.String(),
		creditv1.FieldAmount:           amount.Int64(),
		creditv1.FieldDescription:      description,
		creditv1.FieldExpiresAtUnixUTC: expiresAtUnixUTC,
		creditv1.FieldMetadataJSON:     metadata.String(),
	})
	if err != nil {
		return ledger.TransactionID{}, err
	}
	return decodeID(response, creditv1.FieldTransactionID, ledger.NewTransactionID)
}

// Hold implements ledger.HoldLedger.
func (client *Client) Hold(ctx context.Context, userID ledger.UserID, amount ledger.PositiveCredits, description string, metadata ledger.MetadataJSON) (ledger.HoldID, error) {
	response, err := client.invoke(ctx, creditv1.MethodHold, map[string]any{
		creditv1.FieldUserID:       userID.String(),
		creditv1.FieldAmount:       amount.Int64(),
		creditv1.FieldDescription:  description,
		creditv1.FieldMetadataJSON: metadata.String(),
	})
	if err != nil {
		return ledger.HoldID{}, err
	}
	return decodeID(response, creditv1.FieldHoldID, ledger.NewHoldID)
}

// Capture implements ledger.HoldLedger.
func (client *Client) Capture(ctx context.Context, holdID ledger.HoldID, description string) error {
	_, err := client.invoke(ctx, creditv1.MethodCapture, map[string]any{
		creditv1.FieldHoldID:      holdID.String(),
		creditv1.FieldDescription: description,
	})
	return err
}

// PartialCapture implements ledger.HoldLedger.
func (client *Client) PartialCapture(ctx context.Context, holdID ledger.HoldID, amount ledger.PositiveCredits, description string) error {
	_, err := client.invoke(ctx, creditv1.MethodPartialCapture, map[string]any{
		creditv1.FieldHoldID:      holdID.String(),
		creditv1.FieldAmount:      amount.Int64(),
		creditv1.FieldDescription: description,
	})
	return err
}

// Refund implements ledger.HoldLedger.
func (client *Client) Refund(ctx context.Context, holdID ledger.HoldID, reason string) (ledger.Credits, error) {
	response, err := client.invoke(ctx, creditv1.MethodRefund, map[string]any{
		creditv1.FieldHoldID: holdID.String(),
		creditv1.FieldReason: reason,
	})
	if err != nil {
		return 0, err
	}
	refunded, err := creditv1.Int64(response, creditv1.FieldRefunded)
	if err != nil {
		return 0, err
	}
	return ledger.Credits(refunded), nil
}

func (client *Client) RefundCaptured(ctx context.Context, userID ledger.UserID, amount ledger.PositiveCredits, reason string) (ledger.TransactionID, error) {
	response, err := client.invoke(ctx, creditv1.MethodRefundCaptured, map[string]any{
		creditv1.FieldUserID: userID.String(),
		creditv1.FieldAmount: amount.Int64(),
		creditv1.FieldReason: reason,
	})
	if err != nil {
		return ledger.TransactionID{}, err
	}
	return decodeID(response, creditv1.FieldTransactionID, ledger.NewTransactionID)
}

// AcquireSlot implements ledger.SlotGate.
func (client *Client) AcquireSlot(ctx context.Context, userID ledger.UserID) (ledger.RequestID, error) {
	response, err := client.invoke(ctx, creditv1.MethodAcquireSlot, map[string]any{creditv1.FieldUserID: userID.String()})
	if err != nil {
		return ledger.RequestID{}, err
	}
	return decodeID(response, creditv1.FieldRequestID, ledger.NewRequestID)
}

// ReleaseSlot implements ledger.SlotGate.
func (client *Client) ReleaseSlot(ctx context.Context, userID ledger.UserID, requestID ledger.RequestID) error {
	_, err := client.invoke(ctx, creditv1.MethodReleaseSlot, map[string]any{
		creditv1.FieldUserID:    userID.String(),
		creditv1.FieldRequestID: requestID.String(),
	})
	return err
}

func (client *Client) GetConcurrencyStatus(ctx context.Context, userID ledger.UserID) (ledger.ConcurrencyStatus, error) {
	response, err := client.invoke(ctx, creditv1.MethodGetConcurrencyStatus, map[string]any{creditv1.FieldUserID: userID.String()})
	if err != nil {
		return ledger.ConcurrencyStatus{}, err
	}
	rawTier, err := creditv1.String(response, creditv1.FieldTier)
	if err != nil {
		return ledger.ConcurrencyStatus{}, err
	}
	tier, err := ledger.ParseTier(rawTier)
	if err != nil {
		return ledger.ConcurrencyStatus{}, err
	}
	counts, err := int64Fields(response, creditv1.FieldLimit, creditv1.FieldActive, creditv1.FieldRemaining)
	if err != nil {
		return ledger.ConcurrencyStatus{}, err
	}
	return ledger.ConcurrencyStatus{
		Tier:      tier,
		Limit:     int(counts[0]),
		Active:    int(counts[1]),
		Remaining: int(counts[2]),
	}, nil
}

func (client *Client) invoke(ctx context.Context, method string, fields map[string]any) (*structpb.Struct, error) {
	request, err := creditv1.NewMessage(fields)
	if err != nil {
		return nil, err
	}
	callCtx, cancel := context.WithTimeout(ctx, client.timeout)
	defer cancel()
	response := new(structpb.Struct)
	if err := client.conn.Invoke(callCtx, creditv1.FullMethod(method), request, response); err != nil {
		return nil, mapFromGRPCError(err)
	}
	return response, nil
}

func decodeID[T any](response *structpb.Struct, key string, parse func(string) (T, error)) (T, error) {
	raw, err := creditv1.String(response, key)
	if err != nil {
		var zero T
		return zero, err
	}
	return parse(raw)
}

func int64Fields(response *structpb.Struct, keys ...string) ([]int64, error) {
	values := make([]int64, 0, len(keys))
	for _, key := range keys {
		value, err := creditv1.Int64(response, key)
		if err != nil {
			return nil, err
		}
		values = append(values, value)
	}
	return values, nil
}

func decodeTransaction(row *structpb.Struct) (ledger.Transaction, error) {
	texts := make(map[string]string, 7)
	for _, key := range []string{creditv1.FieldID, creditv1.FieldUserID, creditv1.FieldHoldID, creditv1.FieldType, creditv1.FieldStatus, creditv1.FieldDescription, creditv1.FieldMetadataJSON} {
		value, err := creditv1.String(row, key)
		if err != nil {
			return ledger.Transaction{}, err
		}
		texts[key] = value
	}
	numbers, err := int64Fields(row, creditv1.FieldAmount, creditv1.FieldCreatedUnixUTC)
	if err != nil {
		return ledger.Transaction{}, err
	}
	return ledger.BuildTransaction(
		texts[creditv1.FieldID],
		texts[creditv1.FieldUserID],
		texts[creditv1.FieldHoldID],
		texts[creditv1.FieldType],
		texts[creditv1.FieldStatus],
		numbers[0],
		texts[creditv1.FieldDescription],
		texts[creditv1.FieldMetadataJSON],
		numbers[1],
	)
}

var sentinelsByCode = map[string]error{
	creditv1.ErrorInvalidAmount:       ledger.ErrInvalidAmount,
	creditv1.ErrorInvalidUserID:       ledger.ErrInvalidUserID,
	creditv1.ErrorInvalidHoldID:       ledger.ErrInvalidTransactionID,
	creditv1.ErrorInvalidRequestID:    ledger.ErrInvalidRequestID,
	creditv1.ErrorInvalidSource:       ledger.ErrInvalidTransactionType,
	creditv1.ErrorInvalidMetadata:     ledger.ErrInvalidMetadataJSON,
	creditv1.ErrorInvalidWindow:       ledger.ErrInvalidWindow,
	creditv1.ErrorInvalidRequest:      creditv1.ErrInvalidField,
	creditv1.ErrorInsufficientCredits: ledger.ErrInsufficientCredits,
	creditv1.ErrorAlreadyProcessed:    ledger.ErrAlreadyProcessed,
	creditv1.ErrorCaptureExceedsHold:  ledger.ErrCaptureExceedsHold,
	creditv1.ErrorHoldNotFound:        ledger.ErrHoldNotFound,
	creditv1.ErrorAccountNotFound:     ledger.ErrAccountNotFound,
	creditv1.ErrorAccountExists:       ledger.ErrAccountExists,
	creditv1.ErrorSlotLimitReached:    ledger.ErrSlotLimitReached,
	creditv1.ErrorTransactionConflict: ledger.ErrTransactionConflict,
	creditv1.ErrorTransactionNotFound: ledger.ErrTransactionNotFound,
	creditv1.ErrorInvalidTier:         ledger.ErrInvalidTier,
}

// mapFromGRPCError restores the ledger sentinel carried by a status so callers
// can use errors.Is across the wire. The status stays reachable through the chain.
func mapFromGRPCError(source error) error {
	statusInfo, ok := status.FromError(source)
	if !ok {
		return source
	}
	switch statusInfo.Code() {
	case codes.Canceled:
		return fmt.Errorf("%w: %w", context.Canceled, source)
	case codes.DeadlineExceeded:
		return fmt.Errorf("%w: %w", context.DeadlineExceeded, source)
	}
	if sentinel, known := sentinelsByCode[statusInfo.Message()]; known {
		return fmt.Errorf("%w: %w", sentinel, source)
	}
	return source
}

func waitForClientReady(ctx context.Context, conn *grpc.ClientConn) error {
	for {
		state := conn.GetState()
		if state == connectivity.Ready {
			return nil
		}
		if state == connectivity.Shutdown {
			return errors.New("grpc connection shutdown before ready")
		}
		if !conn.WaitForStateChange(ctx, state) {
			if err := ctx.Err(); err != nil {
				return err
			}
			return errors.New("grpc connection failed to reach ready state")
		}
	}
}
