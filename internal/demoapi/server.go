// Package demoapi is an HTTP façade that shows a product billing image
// generations through the credit service.
package demoapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/tyemirov/tauth/pkg/sessionvalidator"
	"go.uber.org/zap"

	"github.com/MarkoPoloResearchLab/credits/internal/creditclient"
	"github.com/MarkoPoloResearchLab/credits/pkg/ledger"
)

const (
	claimsContextKey = "auth_claims"

	generationStatusSuccess      = "success"
	generationStatusInsufficient = "insufficient_credits"
	generationStatusBusy         = "slot_limit_reached"
	generationStatusFailed       = "failed"
	generationStatusUnsettled    = "unsettled"
)

// CreditLedger is the slice of the credit service the façade calls.
type CreditLedger interface {
	ledger.HoldLedger
	ledger.SlotGate
	GetBalance(ctx context.Context, userID ledger.UserID) (ledger.Balance, error)
	GetHistory(ctx context.Context, userID ledger.UserID, limit int, offset int) (ledger.History, error)
	OpenAccount(ctx context.Context, userID ledger.UserID, welcomeBonus ledger.Credits, expiresAtUnixUTC int64) error
	Grant(ctx context.Context, userID ledger.UserID, source ledger.TransactionType, amount ledger.PositiveCredits, description string, expiresAtUnixUTC int64, metadata ledger.MetadataJSON) (ledger.TransactionID, error)
	GetConcurrencyStatus(ctx context.Context, userID ledger.UserID) (ledger.ConcurrencyStatus, error)
}

// Generator renders up to images pictures and reports how many it produced.
type Generator interface {
	Generate(ctx context.Context, prompt string, images int) (int, error)
}

type simulatedGenerator struct {
	delay time.Duration
}

func (generator simulatedGenerator) Generate(ctx context.Context, _ string, images int) (int, error) {
	timer := time.NewTimer(generator.delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return 0, ctx.Err()
	case <-timer.C:
		return images, nil
	}
}

// Run boots the HTTP façade using the supplied configuration.
func Run(ctx context.Context, cfg Config) error {
	logger, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("zap init: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	conn, err := creditclient.Dial(ctx, cfg.LedgerAddress, cfg.LedgerInsecure)
	if err != nil {
		return fmt.Errorf("connect ledger: %w", err)
	}
	defer conn.Close()

	sessionValidator, err := sessionvalidator.New(sessionvalidator.Config{
		SigningKey: []byte(cfg.SessionSigningKey),
		Issuer:     cfg.SessionIssuer,
		CookieName: cfg.SessionCookieName,
	})
	if err != nil {
		return fmt.Errorf("session validator: %w", err)
	}

	handler, err := newHTTPHandler(cfg, logger, creditclient.New(conn, cfg.LedgerTimeout), simulatedGenerator{delay: 250 * time.Millisecond})
	if err != nil {
		return err
	}
	router := setupRouter(cfg, handler, sessionValidator, newUserRateLimiter(cfg.RequestsPerMinute, cfg.RateBurst, time.Now))

	server := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("demoapi listening", zap.String("addr", cfg.ListenAddr))
		errCh <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if shutdownErr := server.Shutdown(shutdownCtx); shutdownErr != nil {
			logger.Warn("server shutdown error", zap.Error(shutdownErr))
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func setupRouter(cfg Config, handler *httpHandler, validator *sessionvalidator.Validator, rateLimiter *userRateLimiter) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins:     cfg.AllowedOrigins,
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Content-Type", "Origin", "Accept"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))

	router.GET("/healthz", func(ctx *gin.Context) {
		ctx.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	api := router.Group("/api")
	api.Use(validator.GinMiddleware(claimsContextKey))
	api.Use(rateLimiter.middleware())

	api.GET("/session", handler.handleSession)
	api.POST("/bootstrap", handler.handleBootstrap)
	api.GET("/wallet", handler.handleWallet)
	api.POST("/purchases", handler.handlePurchase)
	api.POST("/generations", handler.handleGeneration)
	api.GET("/concurrency", handler.handleConcurrency)

	return router
}

type httpHandler struct {
	logger    *zap.Logger
	ledger    CreditLedger
	meter     *ledger.Meter
	generator Generator
	cfg       Config
}

func newHTTPHandler(cfg Config, logger *zap.Logger, creditLedger CreditLedger, generator Generator) (*httpHandler, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	meter, err := ledger.NewMeter(creditLedger, creditLedger)
	if err != nil {
		return nil, fmt.Errorf("meter: %w", err)
	}
	if generator == nil {
		return nil, fmt.Errorf("%w: generator is nil", ledger.ErrInvalidServiceConfig)
	}
	return &httpHandler{logger: logger, ledger: creditLedger, meter: meter, generator: generator, cfg: cfg}, nil
}

func (handler *httpHandler) handleSession(ctx *gin.Context) {
	claims := getClaims(ctx)
	if claims == nil {
		ctx.JSON(http.StatusUnauthorized, errorResponse("unauthorized", "missing session"))
		return
	}
	ctx.JSON(http.StatusOK, gin.H{
		"user_id":    claims.GetUserID(),
		"email":      claims.GetUserEmail(),
		"display":    claims.GetUserDisplayName(),
		"avatar_url": claims.GetUserAvatarURL(),
		"roles":      claims.GetUserRoles(),
		"expires":    claims.GetExpiresAt().Unix(),
	})
}

func (handler *httpHandler) handleBootstrap(ctx *gin.Context) {
	userID, ok := handler.sessionUser(ctx)
	if !ok {
		return
	}
	requestCtx, cancel := context.WithTimeout(ctx.Request.Context(), handler.cfg.LedgerTimeout)
	defer cancel()

	err := handler.ledger.OpenAccount(requestCtx, userID, ledger.Credits(handler.cfg.WelcomeBonus), 0)
	if err != nil && !errors.Is(err, ledger.ErrAccountExists) {
		handler.logger.Error("open account failed", zap.String("user_id", userID.String()), zap.Error(err))
		ctx.JSON(http.StatusBadGateway, errorResponse("ledger_error", "bootstrap failed"))
		return
	}
	handler.respondWithWallet(ctx, userID)
}

func (handler *httpHandler) handleWallet(ctx *gin.Context) {
	userID, ok := handler.sessionUser(ctx)
	if !ok {
		return
	}
	handler.respondWithWallet(ctx, userID)
}

func (handler *httpHandler) handlePurchase(ctx *gin.Context) {
	userID, ok := handler.sessionUser(ctx)
	if !ok {
		return
	}
	var request purchaseRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	if request.Credits < minPurchaseCredits || request.Credits%purchaseStep != 0 {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_credits", fmt.Sprintf("credits must be >= %d and in steps of %d", minPurchaseCredits, purchaseStep)))
		return
	}
	amount, err := ledger.NewPositiveCredits(request.Credits)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_credits", err.Error()))
		return
	}
	metadata, err := marshalMetadata(request.Metadata, "purchase")
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_metadata", err.Error()))
		return
	}

	requestCtx, cancel := context.WithTimeout(ctx.Request.Context(), handler.cfg.LedgerTimeout)
	defer cancel()
	if _, err := handler.ledger.Grant(requestCtx, userID, ledger.TransactionPurchase, amount, "credit pack", 0, metadata); err != nil {
		if errors.Is(err, ledger.ErrAccountNotFound) {
			ctx.JSON(http.StatusConflict, errorResponse("account_not_found", "bootstrap the wallet first"))
			return
		}
		handler.logger.Error("purchase grant failed", zap.String("user_id", userID.String()), zap.Error(err))
		ctx.JSON(http.StatusBadGateway, errorResponse("ledger_error", "grant failed"))
		return
	}
	handler.respondWithWallet(ctx, userID)
}

func (handler *httpHandler) handleGeneration(ctx *gin.Context) {
	userID, ok := handler.sessionUser(ctx)
	if !ok {
		return
	}
	var request generationRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	if request.Images <= 0 || request.Images > handler.cfg.MaxImages {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_images", fmt.Sprintf("images must be between 1 and %d", handler.cfg.MaxImages)))
		return
	}
	unitCost, err := ledger.NewPositiveCredits(handler.cfg.ImageCost)
	if err != nil {
		ctx.JSON(http.StatusInternalServerError, errorResponse("misconfigured", "image cost must be positive"))
		return
	}

	result, err := handler.meter.Run(ctx.Request.Context(), userID, unitCost, request.Images, "image generation", func(workCtx context.Context) (int, error) {
		return handler.generator.Generate(workCtx, request.Prompt, request.Images)
	})
	generationStatus := generationStatusSuccess
	switch {
	case err == nil:
	case errors.Is(err, ledger.ErrInsufficientCredits):
		generationStatus = generationStatusInsufficient
	case errors.Is(err, ledger.ErrSlotLimitReached):
		generationStatus = generationStatusBusy
	case errors.Is(err, ledger.ErrAccountNotFound):
		ctx.JSON(http.StatusConflict, errorResponse("account_not_found", "bootstrap the wallet first"))
		return
	case errors.Is(err, ledger.ErrHoldUnsettled):
		handler.logger.Error("generation left unsettled", zap.String("user_id", userID.String()), zap.String("hold_id", result.HoldID.String()), zap.Error(err))
		generationStatus = generationStatusUnsettled
	case result.HoldID.IsZero():
		handler.logger.Error("generation failed", zap.String("user_id", userID.String()), zap.Error(err))
		ctx.JSON(http.StatusBadGateway, errorResponse("ledger_error", "generation failed"))
		return
	default:
		handler.logger.Warn("generation refunded", zap.String("user_id", userID.String()), zap.String("hold_id", result.HoldID.String()), zap.Error(err))
		generationStatus = generationStatusFailed
	}

	wallet, walletErr := handler.fetchWallet(ctx.Request.Context(), userID)
	if walletErr != nil {
		handler.logger.Error("wallet fetch failed", zap.Error(walletErr))
		ctx.JSON(http.StatusBadGateway, errorResponse("ledger_error", "wallet unavailable"))
		return
	}
	ctx.JSON(http.StatusOK, gin.H{
		"status": generationStatus,
		"generation": generationPayload{
			RequestID: result.RequestID.String(),
			HoldID:    result.HoldID.String(),
			Produced:  result.Produced,
			Charged:   result.Charged.Int64(),
		},
		"wallet": wallet,
	})
}

func (handler *httpHandler) handleConcurrency(ctx *gin.Context) {
	userID, ok := handler.sessionUser(ctx)
	if !ok {
		return
	}
	requestCtx, cancel := context.WithTimeout(ctx.Request.Context(), handler.cfg.LedgerTimeout)
	defer cancel()
	concurrency, err := handler.ledger.GetConcurrencyStatus(requestCtx, userID)
	if err != nil {
		handler.logger.Error("concurrency status failed", zap.Error(err))
		ctx.JSON(http.StatusBadGateway, errorResponse("ledger_error", "concurrency unavailable"))
		return
	}
	ctx.JSON(http.StatusOK, concurrencyPayload{
		Tier:      concurrency.Tier.String(),
		Limit:     concurrency.Limit,
		Active:    concurrency.Active,
		Remaining: concurrency.Remaining,
	})
}

func (handler *httpHandler) sessionUser(ctx *gin.Context) (ledger.UserID, bool) {
	claims := getClaims(ctx)
	if claims == nil {
		ctx.JSON(http.StatusUnauthorized, errorResponse("unauthorized", "missing session"))
		return ledger.UserID{}, false
	}
	userID, err := ledger.NewUserID(claims.GetUserID())
	if err != nil {
		ctx.JSON(http.StatusUnauthorized, errorResponse("unauthorized", "session has no user"))
		return ledger.UserID{}, false
	}
	return userID, true
}

func (handler *httpHandler) respondWithWallet(ctx *gin.Context, userID ledger.UserID) {
	wallet, err := handler.fetchWallet(ctx.Request.Context(), userID)
	if err != nil {
		if errors.Is(err, ledger.ErrAccountNotFound) {
			ctx.JSON(http.StatusNotFound, errorResponse("account_not_found", "bootstrap the wallet first"))
			return
		}
		handler.logger.Error("wallet fetch failed", zap.Error(err))
		ctx.JSON(http.StatusBadGateway, errorResponse("ledger_error", "wallet unavailable"))
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"wallet": wallet})
}

func (handler *httpHandler) fetchWallet(ctx context.Context, userID ledger.UserID) (*walletResponse, error) {
	requestCtx, cancel := context.WithTimeout(ctx, handler.cfg.LedgerTimeout)
	defer cancel()
	balance, err := handler.ledger.GetBalance(requestCtx, userID)
	if err != nil {
		return nil, err
	}
	history, err := handler.ledger.GetHistory(requestCtx, userID, walletHistoryLimit, 0)
	if err != nil {
		return nil, err
	}

	entries := make([]entryPayload, 0, len(history.Transactions))
	for _, transaction := range history.Transactions {
		entries = append(entries, entryPayload{
			ID:             transaction.ID.String(),
			Type:           transaction.Type.String(),
			Status:         transaction.Status.String(),
			Amount:         transaction.Amount.Int64(),
			HoldID:         transaction.HoldID.String(),
			Description:    transaction.Description,
			Metadata:       json.RawMessage(transaction.Metadata.String()),
			CreatedUnixUTC: transaction.CreatedUnixUTC,
		})
	}
	return &walletResponse{
		Balance: balancePayload{
			Total:     balance.Balance.Int64(),
			Pending:   balance.PendingHolds.Int64(),
			Available: balance.AvailableBalance.Int64(),
		},
		Entries:      entries,
		TotalEntries: history.Total,
	}, nil
}

func marshalMetadata(metadata map[string]any, action string) (ledger.MetadataJSON, error) {
	if metadata == nil {
		metadata = map[string]any{"action": action}
	}
	raw, err := json.Marshal(metadata)
	if err != nil {
		return ledger.MetadataJSON{}, err
	}
	return ledger.NewMetadataJSON(string(raw))
}

func getClaims(ctx *gin.Context) *sessionvalidator.Claims {
	claimsValue, ok := ctx.Get(claimsContextKey)
	if !ok {
		return nil
	}
	claims, _ := claimsValue.(*sessionvalidator.Claims)
	return claims
}

func errorResponse(code string, message string) gin.H {
	return gin.H{
		"error": gin.H{
			"code":    code,
			"message": message,
		},
	}
}

type purchaseRequest struct {
	Credits  int64          `json:"credits"`
	Metadata map[string]any `json:"metadata"`
}

type generationRequest struct {
	Prompt string `json:"prompt"`
	Images int    `json:"images"`
}

type walletResponse struct {
	Balance      balancePayload `json:"balance"`
	Entries      []entryPayload `json:"entries"`
	TotalEntries int            `json:"total_entries"`
}

type balancePayload struct {
	Total     int64 `json:"total"`
	Pending   int64 `json:"pending"`
	Available int64 `json:"available"`
}

type entryPayload struct {
	ID             string          `json:"id"`
	Type           string          `json:"type"`
	Status         string          `json:"status"`
	Amount         int64           `json:"amount"`
	HoldID         string          `json:"hold_id,omitempty"`
	Description    string          `json:"description"`
	Metadata       json.RawMessage `json:"metadata"`
	CreatedUnixUTC int64           `json:"created_unix_utc"`
}

type generationPayload struct {
	RequestID string `json:"request_id,omitempty"`
	HoldID    string `json:"hold_id,omitempty"`
	Produced  int    `json:"produced"`
	Charged   int64  `json:"charged"`
}

type concurrencyPayload struct {
	Tier      string `json:"tier"`
	Limit     int    `json:"limit"`
	Active    int    `json:"active"`
	Remaining int    `json:"remaining"`
}
