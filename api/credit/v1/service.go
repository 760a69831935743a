// Package creditv1 describes the credits.v1.CreditService wire contract.
//
// Every request and response is a google.protobuf.Struct. Credits travel as
// JSON numbers and must be integral.
package creditv1

import (
	"context"
	"errors"
	"fmt"
	"math"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

const (
	ServiceName = "credits.v1.CreditService"

	MethodGetBalance           = "GetBalance"
	MethodGetHistory           = "GetHistory"
	MethodOpenAccount          = "OpenAccount"
	MethodGrant                = "Grant"
	MethodHold                 = "Hold"
	MethodCapture              = "Capture"
	MethodPartialCapture       = "PartialCapture"
	MethodRefund               = "Refund"
	MethodRefundCaptured       = "RefundCaptured"
	MethodAcquireSlot          = "AcquireSlot"
	MethodReleaseSlot          = "ReleaseSlot"
	MethodGetConcurrencyStatus = "GetConcurrencyStatus"
)

// Field names shared by requests and responses.
const (
	FieldUserID           = "user_id"
	FieldHoldID           = "hold_id"
	FieldRequestID        = "request_id"
	FieldTransactionID    = "transaction_id"
	FieldAmount           = "amount"
	FieldWelcomeBonus     = "welcome_bonus"
	FieldSource           = "source"
	FieldDescription      = "description"
	FieldReason           = "reason"
	FieldMetadataJSON     = "metadata_json"
	FieldExpiresAtUnixUTC = "expires_at_unix_utc"
	FieldCreatedUnixUTC   = "created_unix_utc"
	FieldLimit            = "limit"
	FieldOffset           = "offset"
	FieldTotal            = "total"
	FieldTransactions     = "transactions"
	FieldID               = "id"
	FieldType             = "type"
	FieldStatus           = "status"
	FieldBalance          = "balance"
	FieldPendingHolds     = "pending_holds"
	FieldAvailableBalance = "available_balance"
	FieldRefunded         = "refunded"
	FieldTier             = "tier"
	FieldActive           = "active"
	FieldRemaining        = "remaining"
)

// Error codes carried as the gRPC status message.
const (
	ErrorInvalidAmount        = "invalid_amount"
	ErrorInvalidUserID        = "invalid_user_id"
	ErrorInvalidHoldID        = "invalid_hold_id"
	ErrorInvalidRequestID     = "invalid_request_id"
	ErrorInvalidSource        = "invalid_source"
	ErrorInvalidMetadata      = "invalid_metadata_json"
	ErrorInvalidWindow        = "invalid_window"
	ErrorInvalidRequest       = "invalid_request"
	ErrorInsufficientCredits  = "insufficient_credits"
	ErrorAlreadyProcessed     = "already_processed"
	ErrorCaptureExceedsHold   = "capture_exceeds_hold"
	ErrorHoldNotFound         = "hold_not_found"
	ErrorAccountNotFound      = "account_not_found"
	ErrorAccountExists        = "account_exists"
	ErrorSlotLimitReached     = "slot_limit_reached"
	ErrorTransactionConflict  = "transaction_conflict"
	ErrorTransactionNotFound  = "transaction_not_found"
	ErrorInvalidTier          = "invalid_tier"
	ErrorInternal             = "internal"
	errorNotIntegral          = "not an integer"
	errorWrongKind            = "wrong kind"
	grpcMetadataProtoFilename = "credits/v1/credit_service.proto"
)

// ErrInvalidField reports a malformed request or response field.
var ErrInvalidField = errors.New("invalid field")

// CreditServiceServer is implemented by the gRPC server.
type CreditServiceServer interface {
	GetBalance(ctx context.Context, request *structpb.Struct) (*structpb.Struct, error)
	GetHistory(ctx context.Context, request *structpb.Struct) (*structpb.Struct, error)
	OpenAccount(ctx context.Context, request *structpb.Struct) (*structpb.Struct, error)
	Grant(ctx context.Context, request *structpb.Struct) (*structpb.Struct, error)
	Hold(ctx context.Context, request *structpb.Struct) (*structpb.Struct, error)
	Capture(ctx context.Context, request *structpb.Struct) (*structpb.Struct, error)
	PartialCapture(ctx context.Context, request *structpb.Struct) (*structpb.Struct, error)
	Refund(ctx context.Context, request *structpb.Struct) (*structpb.Struct, error)
	RefundCaptured(ctx context.Context, request *structpb.Struct) (*structpb.Struct, error)
	AcquireSlot(ctx context.Context, request *structpb.Struct) (*structpb.Struct, error)
	ReleaseSlot(ctx context.Context, request *structpb.Struct) (*structpb.Struct, error)
	GetConcurrencyStatus(ctx context.Context, request *structpb.Struct) (*structpb.Struct, error)
}

type unaryCall func(server CreditServiceServer, ctx context.Context, request *structpb.Struct) (*structpb.Struct, error)

// ServiceDesc is the grpc.ServiceDesc for CreditService.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*CreditServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		unaryMethod(MethodGetBalance, CreditServiceServer.GetBalance),
		unaryMethod(MethodGetHistory, CreditServiceServer.GetHistory),
		unaryMethod(MethodOpenAccount, CreditServiceServer.OpenAccount),
		unaryMethod(MethodGrant, CreditServiceServer.Grant),
		unaryMethod(MethodHold, CreditServiceServer.Hold),
		unaryMethod(MethodCapture, CreditServiceServer.Capture),
		unaryMethod(MethodPartialCapture, CreditServiceServer.PartialCapture),
		unaryMethod(MethodRefund, CreditServiceServer.Refund),
		unaryMethod(MethodRefundCaptured, CreditServiceServer.RefundCaptured),
		unaryMethod(MethodAcquireSlot, CreditServiceServer.AcquireSlot),
		unaryMethod(MethodReleaseSlot, CreditServiceServer.ReleaseSlot),
		unaryMethod(MethodGetConcurrencyStatus, CreditServiceServer.GetConcurrencyStatus),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: grpcMetadataProtoFilename,
}

// RegisterCreditServiceServer registers server with registrar.
func RegisterCreditServiceServer(registrar grpc.ServiceRegistrar, server CreditServiceServer) {
	registrar.RegisterService(&ServiceDesc, server)
}

// FullMethod returns the "/service/method" path of method.
func FullMethod(method string) string {
	return "/" + ServiceName + "/" + method
}

func unaryMethod(method string, call unaryCall) grpc.MethodDesc {
	fullMethod := FullMethod(method)
	return grpc.MethodDesc{
		MethodName: method,
		Handler: func(server any, ctx context.Context, decode func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			request := new(structpb.Struct)
			if err := decode(request); err != nil {
				return nil, err
			}
			creditServer := server.(CreditServiceServer)
			if interceptor == nil {
				return call(creditServer, ctx, request)
			}
			info := &grpc.UnaryServerInfo{Server: server, FullMethod: fullMethod}
			return interceptor(ctx, request, info, func(ctx context.Context, request any) (any, error) {
				return call(creditServer, ctx, request.(*structpb.Struct))
			})
		},
	}
}

// NewMessage builds a Struct from plain Go values.
func NewMessage(fields map[string]any) (*structpb.Struct, error) {
	message, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidField, err)
	}
	return message, nil
}

// String returns a string field, or "" when absent.
func String(message *structpb.Struct, key string) (string, error) {
	value, ok := message.GetFields()[key]
	if !ok {
		return "", nil
	}
	if _, isNull := value.GetKind().(*structpb.Value_NullValue); isNull {
		return "", nil
	}
	text, isString := value.GetKind().(*structpb.Value_StringValue)
	if !isString {
		return "", fmt.Errorf("%w: %s: %s", ErrInvalidField, key, errorWrongKind)
	}
	return text.StringValue, nil
}

// Int64 returns an integral number field, or 0 when absent.
func Int64(message *structpb.Struct, key string) (int64, error) {
	value, ok := message.GetFields()[key]
	if !ok {
		return 0, nil
	}
	if _, isNull := value.GetKind().(*structpb.Value_NullValue); isNull {
		return 0, nil
	}
	number, isNumber := value.GetKind().(*structpb.Value_NumberValue)
	if !isNumber {
		return 0, fmt.Errorf("%w: %s: %s", ErrInvalidField, key, errorWrongKind)
	}
	raw := number.NumberValue
	if math.IsNaN(raw) || math.IsInf(raw, 0) || raw != math.Trunc(raw) || math.Abs(raw) > maxExactInteger {
		return 0, fmt.Errorf("%w: %s: %s", ErrInvalidField, key, errorNotIntegral)
	}
	return int64(raw), nil
}

// List returns a list-of-structs field.
func List(message *structpb.Struct, key string) ([]*structpb.Struct, error) {
	value, ok := message.GetFields()[key]
	if !ok {
		return nil, nil
	}
	list, isList := value.GetKind().(*structpb.Value_ListValue)
	if !isList {
		return nil, fmt.Errorf("%w: %s: %s", ErrInvalidField, key, errorWrongKind)
	}
	items := make([]*structpb.Struct, 0, len(list.ListValue.GetValues()))
	for _, item := range list.ListValue.GetValues() {
		element, isStruct := item.GetKind().(*structpb.Value_StructValue)
		if !isStruct {
			return nil, fmt.Errorf("%w: %s: %s", ErrInvalidField, key, errorWrongKind)
		}
		items = append(items, element.StructValue)
	}
	return items, nil
}

// maxExactInteger is the largest magnitude a float64 carries without loss.
const maxExactInteger = 1 << 53
