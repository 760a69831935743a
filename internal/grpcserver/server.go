package grpcserver

import (
	"context"
	"errors"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	creditv1 "github.com/MarkoPoloResearchLab/credits/api/credit/v1"
	"github.com/MarkoPoloResearchLab/credits/pkg/ledger"
)

// CreditServiceServer exposes the credit ledger and slot limiter over gRPC.
type CreditServiceServer struct {
	creditService *ledger.Service
	slotLimiter   *ledger.SlotLimiter
}

var _ creditv1.CreditServiceServer = (*CreditServiceServer)(nil)

// NewCreditServiceServer constructs a gRPC server for the ledger service.
func NewCreditServiceServer(creditService *ledger.Service, slotLimiter *ledger.SlotLimiter) *CreditServiceServer {
	return &CreditServiceServer{creditService: creditService, slotLimiter: slotLimiter}
}

func (service *CreditServiceServer) GetBalance(ctx context.Context, request *structpb.Struct) (*structpb.Struct, error) {
	userID, err := requestUserID(request)
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	balance, operationError := service.creditService.GetBalance(ctx, userID)
	if operationError != nil {
		return nil, mapToGRPCError(operationError)
	}
	return respond(map[string]any{
		creditv1.FieldBalance:          balance.Balance.Int64(),
		creditv1.FieldPendingHolds:     balance.PendingHolds.Int64(),
		creditv1.FieldAvailableBalance: balance.AvailableBalance.Int64(),
	})
}

func (service *CreditServiceServer) GetHistory(ctx context.Context, request *structpb.Struct) (*structpb.Struct, error) {
	userID, err := requestUserID(request)
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	limit, err := creditv1.Int64(request, creditv1.FieldLimit)
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	offset, err := creditv1.Int64(request, creditv1.FieldOffset)
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	history, operationError := service.creditService.GetHistory(ctx, userID, int(limit), int(offset))
	if operationError != nil {
		return nil, mapToGRPCError(operationError)
	}
	transactions := make([]any, 0, len(history.Transactions))
	for _, transaction := range history.Transactions {
		transactions = append(transactions, map[string]any{
			creditv1.FieldID:             transaction.ID.String(),
			creditv1.FieldUserID:         transaction.UserID.String(),
			creditv1.FieldHoldID:         transaction.HoldID.String(),
			creditv1.FieldType:           transaction.Type.String(),
			creditv1.FieldStatus:         transaction.Status.String(),
			creditv1.FieldAmount:         transaction.Amount.Int64(),
			creditv1.FieldDescription:    transaction.Description,
			creditv1.FieldMetadataJSON:   transaction.Metadata.String(),
			creditv1.FieldCreatedUnixUTC: transaction.CreatedUnixUTC,
		})
	}
	return respond(map[string]any{
		creditv1.FieldTotal:        int64(history.Total),
		creditv1.FieldTransactions: transactions,
	})
}

func (service *CreditServiceServer) OpenAccount(ctx context.Context, request *structpb.Struct) (*structpb.Struct, error) {
	userID, err := requestUserID(request)
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	welcomeBonus, err := creditv1.Int64(request, creditv1.FieldWelcomeBonus)
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	expiresAt, err := creditv1.Int64(request, creditv1.FieldExpiresAtUnixUTC)
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	if operationError := service.creditService.OpenAccount(ctx, userID, ledger.Credits(welcomeBonus), expiresAt); operationError != nil {
		return nil, mapToGRPCError(operationError)
	}
	return respond(nil)
}

func (service *CreditServiceServer) Grant(ctx context.Context, request *structpb.Struct) (*structpb.Struct, error) {
	userID, err := requestUserID(request)
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	rawSource, err := creditv1.String(request, creditv1.FieldSource)
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	source, err := ledger.ParseTransactionType(rawSource)
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	amount, err := requestPositiveCredits(request)
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	description, err := creditv1.String(request, creditv1.FieldDescription)
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	expiresAt, err := creditv1.Int64(request, creditv1.FieldExpiresAtUnixUTC)
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	metadata, err := requestMetadata(request)
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	transactionID, operationError := service.creditService.Grant(ctx, userID, source, amount, description, expiresAt, metadata)
	if operationError != nil {
		return nil, mapToGRPCError(operationError)
	}
	return respond(map[string]any{creditv1.FieldTransactionID: transactionID.String()})
}

func (service *CreditServiceServer) Hold(ctx context.Context, request *structpb.Struct) (*structpb.Struct, error) {
	userID, err := requestUserID(request)
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	amount, err := requestPositiveCredits(request)
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	description, err := creditv1.String(request, creditv1.FieldDescription)
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	metadata, err := requestMetadata(request)
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	holdID, operationError := service.creditService.Hold(ctx, userID, amount, description, metadata)
	if operationError != nil {
		return nil, mapToGRPCError(operationError)
	}
	return respond(map[string]any{creditv1.FieldHoldID: holdID.String()})
}

func (service *CreditServiceServer) Capture(ctx context.Context, request *structpb.Struct) (*structpb.Struct, error) {
	holdID, err := requestHoldID(request)
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	description, err := creditv1.String(request, creditv1.FieldDescription)
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	if operationError := service.creditService.Capture(ctx, holdID, description); operationError != nil {
		return nil, mapToGRPCError(operationError)
	}
	return respond(nil)
}

func (service *CreditServiceServer) PartialCapture(ctx context.Context, request *structpb.Struct) (*structpb.Struct, error) {
	holdID, err := requestHoldID(request)
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	amount, err := requestPositiveCredits(request)
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	description, err := creditv1.String(request, creditv1.FieldDescription)
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	if operationError := service.creditService.PartialCapture(ctx, holdID, amount, description); operationError != nil {
		return nil, mapToGRPCError(operationError)
	}
	return respond(nil)
}

func (service *CreditServiceServer) Refund(ctx context.Context, request *structpb.Struct) (*structpb.Struct, error) {
	holdID, err := requestHoldID(request)
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	reason, err := creditv1.String(request, creditv1.FieldReason)
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	refunded, operationError := service.creditService.Refund(ctx, holdID, reason)
	if operationError != nil {
		return nil, mapToGRPCError(operationError)
	}
	return respond(map[string]any{creditv1.FieldRefunded: refunded.Int64()})
}

func (service *CreditServiceServer) RefundCaptured(ctx context.Context, request *structpb.Struct) (*structpb.Struct, error) {
	userID, err := requestUserID(request)
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	amount, err := requestPositiveCredits(request)
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	reason, err := creditv1.String(request, creditv1.FieldReason)
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	transactionID, operationError := service.creditService.RefundCaptured(ctx, userID, amount, reason)
	if operationError != nil {
		return nil, mapToGRPCError(operationError)
	}
	return respond(map[string]any{creditv1.FieldTransactionID: transactionID.String()})
}

func (service *CreditServiceServer) AcquireSlot(ctx context.Context, request *structpb.Struct) (*structpb.Struct, error) {
	userID, err := requestUserID(request)
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	requestID, operationError := service.slotLimiter.AcquireSlot(ctx, userID)
	if operationError != nil {
		return nil, mapToGRPCError(operationError)
	}
	return respond(map[string]any{creditv1.FieldRequestID: requestID.String()})
}

func (service *CreditServiceServer) ReleaseSlot(ctx context.Context, request *structpb.Struct) (*structpb.Struct, error) {
	userID, err := requestUserID(request)
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	rawRequestID, err := creditv1.String(request, creditv1.FieldRequestID)
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	requestID, err := ledger.NewRequestID(rawRequestID)
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	if operationError := service.slotLimiter.ReleaseSlot(ctx, userID, requestID); operationError != nil {
		return nil, mapToGRPCError(operationError)
	}
	return respond(nil)
}

func (service *CreditServiceServer) GetConcurrencyStatus(ctx context.Context, request *structpb.Struct) (*structpb.Struct, error) {
	userID, err := requestUserID(request)
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	concurrency, operationError := service.slotLimiter.GetConcurrencyStatus(ctx, userID)
	if operationError != nil {
		return nil, mapToGRPCError(operationError)
	}
	return respond(map[string]any{
		creditv1.FieldTier:      concurrency.Tier.String(),
		creditv1.FieldLimit:     int64(concurrency.Limit),
		creditv1.FieldActive:    int64(concurrency.Active),
		creditv1.FieldRemaining: int64(concurrency.Remaining),
	})
}

func requestUserID(request *structpb.Struct) (ledger.UserID, error) {
	raw, err := creditv1.String(request, creditv1.FieldUserID)
	if err != nil {
		return ledger.UserID{}, err
	}
	return ledger.NewUserID(raw)
}

func requestHoldID(request *structpb.Struct) (ledger.HoldID, error) {
	raw, err := creditv1.String(request, creditv1.FieldHoldID)
	if err != nil {
		return ledger.HoldID{}, err
	}
	return ledger.NewHoldID(raw)
}

func requestPositiveCredits(request *structpb.Struct) (ledger.PositiveCredits, error) {
	raw, err := creditv1.Int64(request, creditv1.FieldAmount)
	if err != nil {
		return 0, err
	}
	return ledger.NewPositiveCredits(raw)
}

func requestMetadata(request *structpb.Struct) (ledger.MetadataJSON, error) {
	raw, err := creditv1.String(request, creditv1.FieldMetadataJSON)
	if err != nil {
		return ledger.MetadataJSON{}, err
	}
	return ledger.NewMetadataJSON(raw)
}

func respond(fields map[string]any) (*structpb.Struct, error) {
	if fields == nil {
		return &structpb.Struct{Fields: map[string]*structpb.Value{}}, nil
	}
	message, err := creditv1.NewMessage(fields)
	if err != nil {
		return nil, status.Error(codes.Internal, creditv1.ErrorInternal)
	}
	return message, nil
}

// mapToGRPCError checks rejections before conflicts: an exhausted Hold or
// AcquireSlot wraps both.
func mapToGRPCError(source error) error {
	switch {
	case errors.Is(source, context.Canceled):
		return status.Error(codes.Canceled, source.Error())
	case errors.Is(source, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, source.Error())
	case errors.Is(source, creditv1.ErrInvalidField):
		return status.Error(codes.InvalidArgument, creditv1.ErrorInvalidRequest)
	case errors.Is(source, ledger.ErrInvalidUserID):
		return status.Error(codes.InvalidArgument, creditv1.ErrorInvalidUserID)
	case errors.Is(source, ledger.ErrInvalidTransactionID):
		return status.Error(codes.InvalidArgument, creditv1.ErrorInvalidHoldID)
	case errors.Is(source, ledger.ErrInvalidRequestID):
		return status.Error(codes.InvalidArgument, creditv1.ErrorInvalidRequestID)
	case errors.Is(source, ledger.ErrInvalidAmount):
		return status.Error(codes.InvalidArgument, creditv1.ErrorInvalidAmount)
	case errors.Is(source, ledger.ErrInvalidTransactionType):
		return status.Error(codes.InvalidArgument, creditv1.ErrorInvalidSource)
	case errors.Is(source, ledger.ErrInvalidMetadataJSON):
		return status.Error(codes.InvalidArgument, creditv1.ErrorInvalidMetadata)
	case errors.Is(source, ledger.ErrInvalidWindow):
		return status.Error(codes.InvalidArgument, creditv1.ErrorInvalidWindow)
	case errors.Is(source, ledger.ErrCaptureExceedsHold):
		return status.Error(codes.InvalidArgument, creditv1.ErrorCaptureExceedsHold)
	case errors.Is(source, ledger.ErrInsufficientCredits):
		return status.Error(codes.FailedPrecondition, creditv1.ErrorInsufficientCredits)
	case errors.Is(source, ledger.ErrSlotLimitReached):
		return status.Error(codes.ResourceExhausted, creditv1.ErrorSlotLimitReached)
	case errors.Is(source, ledger.ErrAlreadyProcessed):
		return status.Error(codes.FailedPrecondition, creditv1.ErrorAlreadyProcessed)
	case errors.Is(source, ledger.ErrHoldNotFound):
		return status.Error(codes.NotFound, creditv1.ErrorHoldNotFound)
	case errors.Is(source, ledger.ErrAccountNotFound):
		return status.Error(codes.NotFound, creditv1.ErrorAccountNotFound)
	case errors.Is(source, ledger.ErrTransactionNotFound):
		return status.Error(codes.NotFound, creditv1.ErrorTransactionNotFound)
	case errors.Is(source, ledger.ErrAccountExists):
		return status.Error(codes.AlreadyExists, creditv1.ErrorAccountExists)
	case errors.Is(source, ledger.ErrTransactionConflict):
		return status.Error(codes.Aborted, creditv1.ErrorTransactionConflict)
	case errors.Is(source, ledger.ErrInvalidTier):
		return status.Error(codes.FailedPrecondition, creditv1.ErrorInvalidTier)
	default:
		return status.Error(codes.Internal, source.Error())
	}
}
