package ledger

import "time"

const (
	operationOpenAccount     = "open_account"
	operationGrant           = "grant"
	operationHold            = "hold"
	operationCapture         = "capture"
	operationPartialCapture  = "partial_capture"
	operationRefund          = "refund"
	operationRefundCaptured  = "refund_captured"
	operationExpireCredits   = "expire_credits"
	operationCancelStaleHold = "cancel_stale_hold"
	operationAcquireSlot     = "acquire_slot"
	operationReleaseSlot     = "release_slot"
	operationCleanupSlots    = "cleanup_slots"
	operationStatusOK        = "ok"
	operationStatusError     = "error"
	operationStatusRejected  = "rejected"

	reasonPartialCaptureRemainder = "partial capture remainder"
	reasonStaleHold               = "stale hold cancelled"
	reasonCreditsExpired          = "credits expired"
	expireCreditIDPrefix          = "expire"
	creditIDDelimiter             = ":"

	defaultConflictAttempts = 2
	maxConflictAttempts     = 5
	defaultSlotTTL          = 5 * time.Minute
	defaultHistoryLimit     = 20
	maxHistoryLimit         = 100
	expirySweepBatchSize    = 500
	meterSettleRounds       = 3
	staleHoldSweepBatchSize = 500
	secondsPerHour          = int64(time.Hour / time.Second)
	secondsPerDay           = 24 * secondsPerHour
)
