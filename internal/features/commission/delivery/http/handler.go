package http

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"

	apperrors "matrix-ledger-backend/internal/common/errors"
	"matrix-ledger-backend/internal/common/middleware"
	"matrix-ledger-backend/internal/common/validation"
	"matrix-ledger-backend/internal/features/commission/models/dto"
	"matrix-ledger-backend/internal/features/commission/repository"
	"matrix-ledger-backend/internal/features/commission/service"
	"matrix-ledger-backend/internal/features/pool"
)

const (
	defaultReceiptCount = 50
	maxReceiptCount     = 500
)

type Options struct {
	BotToken    string
	InitDataTTL time.Duration
	AdminIDs    []int64
	// UpkeepLimiter guards the keeper endpoint; nil means unlimited.
	UpkeepLimiter *rate.Limiter
	// WithdrawLimiter budgets withdrawals per Telegram caller; nil means
	// unlimited.
	WithdrawLimiter *middleware.CallerLimiter
}

type LedgerHandler struct {
	service  service.LedgerService
	receipts repository.ReceiptReader
	opts     Options
}

func NewLedgerHandler(service service.LedgerService, receipts repository.ReceiptReader, opts Options) *LedgerHandler {
	return &LedgerHandler{
		service:  service,
		receipts: receipts,
		opts:     opts,
	}
}

func (h *LedgerHandler) RegisterRoutes(router *gin.RouterGroup) {
	auth := middleware.TelegramInitData(h.opts.BotToken, h.opts.InitDataTTL)

	withdrawLimit := h.opts.WithdrawLimiter
	if withdrawLimit == nil {
		withdrawLimit = middleware.NewCallerLimiter(0)
	}

	members := router.Group("/members")
	{
		members.GET("/:user", h.getMember)
		members.GET("/:user/cap", h.getCapStatus)
		members.POST("", auth, h.register)
		members.POST("/:user/upgrade", auth, h.upgrade)
		// Init data proves a Telegram identity, not wallet ownership; the
		// payout only ever goes to the member's own address. Binding callers
		// to wallets belongs to the wallet session layer in front of this API.
		members.POST("/:user/withdrawals", auth, withdrawLimit.Middleware("withdraw"), h.withdraw)
	}

	router.GET("/pools", h.getPools)
	router.GET("/allocation", h.getAllocation)
	router.GET("/upkeep", h.getUpkeep)

	limiter := h.opts.UpkeepLimiter
	if limiter == nil {
		limiter = middleware.PerMinute(0)
	}
	router.POST("/upkeep/:pool", middleware.RateLimit("upkeep", limiter), h.performUpkeep)

	admin := router.Group("/admin")
	admin.Use(auth, middleware.RequireAdmin(h.opts.AdminIDs))
	{
		admin.POST("/pause", h.pause)
		admin.POST("/unpause", h.unpause)
		admin.POST("/circuit-breaker/reset", h.resetCircuitBreaker)
		admin.PUT("/daily-limit", h.setDailyLimit)
		admin.PUT("/automation", h.setAutomation)
		admin.POST("/pools/:pool/distribute", h.emergencyDistribute)
		admin.PUT("/allocation/:tier", h.setAllocation)
		admin.PUT("/members/:user/blacklist", h.setBlacklist)
		admin.GET("/receipts", h.getReceipts)
		admin.GET("/payouts", h.getPendingPayouts)
		admin.PUT("/payouts/:id", h.resolvePayout)
	}
}

// @Summary Register a member
// @Description Books an entry payment: places the member in the matrix and splits the payment
// @Tags members
// @Accept json
// @Produce json
// @Security TelegramInitData
// @Param input body dto.RegisterRequest true "Registration"
// @Success 201 {object} models.Receipt
// @Failure 400 {object} middleware.ErrorResponse "Invalid input or unverified payment"
// @Failure 409 {object} middleware.ErrorResponse "Already registered or payment already booked"
// @Failure 423 {object} middleware.ErrorResponse "System paused"
// @Failure 502 {object} middleware.ErrorResponse "TON lite server unavailable"
// @Router /members [post]
func (h *LedgerHandler) register(c *gin.Context) {
	var input dto.RegisterRequest
	if err := c.ShouldBindJSON(&input); err != nil {
		middleware.SendError(c, bindError(err))
		return
	}
	user, err := validation.NormalizeAddress(input.User)
	if err != nil {
		middleware.SendError(c, apperrors.NewValidationError("user", err.Error()))
		return
	}
	sponsor := ""
	if input.Sponsor != "" {
		if sponsor, err = validation.NormalizeAddress(input.Sponsor); err != nil {
			middleware.SendError(c, apperrors.NewValidationError("sponsor", err.Error()))
			return
		}
	}
	txHash, ok := txHashField(c, input.TxHash)
	if !ok {
		return
	}

	r, err := h.service.Register(c.Request.Context(), user, sponsor, input.Tier, input.Amount, txHash)
	if err != nil {
		middleware.SendError(c, err)
		return
	}
	c.JSON(http.StatusCreated, r)
}

// @Summary Upgrade a member's package
// @Tags members
// @Accept json
// @Produce json
// @Security TelegramInitData
// @Param user path string true "TON address"
// @Param input body dto.UpgradeRequest true "Upgrade"
// @Success 200 {object} models.Receipt
// @Failure 400 {object} middleware.ErrorResponse "Invalid input or unverified payment"
// @Failure 409 {object} middleware.ErrorResponse "Payment already booked"
// @Router /members/{user}/upgrade [post]
func (h *LedgerHandler) upgrade(c *gin.Context) {
	user, ok := userParam(c)
	if !ok {
		return
	}
	var input dto.UpgradeRequest
	if err := c.ShouldBindJSON(&input); err != nil {
		middleware.SendError(c, bindError(err))
		return
	}
	txHash, ok := txHashField(c, input.TxHash)
	if !ok {
		return
	}

	r, err := h.service.Upgrade(c.Request.Context(), user, input.Tier, input.Amount, txHash)
	if err != nil {
		middleware.SendError(c, err)
		return
	}
	c.JSON(http.StatusOK, r)
}

// @Summary Withdraw from a member's balance
// @Description Pays out the rate share minus the admin fee and reinvests the rest
// @Tags members
// @Accept json
// @Produce json
// @Security TelegramInitData
// @Param user path string true "TON address"
// @Param input body dto.WithdrawRequest true "Withdrawal"
// @Success 200 {object} models.Receipt
// @Failure 402 {object} middleware.ErrorResponse "Insufficient balance"
// @Failure 429 {object} middleware.ErrorResponse
// @Failure 502 {object} middleware.ErrorResponse "Payout failed or unconfirmed"
// @Router /members/{user}/withdrawals [post]
func (h *LedgerHandler) withdraw(c *gin.Context) {
	user, ok := userParam(c)
	if !ok {
		return
	}
	var input dto.WithdrawRequest
	if err := c.ShouldBindJSON(&input); err != nil {
		middleware.SendError(c, bindError(err))
		return
	}

	r, err := h.service.Withdraw(c.Request.Context(), user, input.Amount)
	if err != nil {
		middleware.SendError(c, err)
		return
	}
	c.JSON(http.StatusOK, r)
}

// @Summary Get a member
// @Tags members
// @Produce json
// @Param user path string true "TON address"
// @Success 200 {object} models.Member
// @Failure 404 {object} middleware.ErrorResponse
// @Router /members/{user} [get]
func (h *LedgerHandler) getMember(c *gin.Context) {
	user, ok := userParam(c)
	if !ok {
		return
	}
	m, err := h.service.GetUser(user)
	if err != nil {
		middleware.SendError(c, err)
		return
	}
	c.JSON(http.StatusOK, m)
}

func (h *LedgerHandler) getCapStatus(c *gin.Context) {
	user, ok := userParam(c)
	if !ok {
		return
	}
	st, err := h.service.GetUserCapStatus(user)
	if err != nil {
		middleware.SendError(c, err)
		return
	}
	c.JSON(http.StatusOK, st)
}

func (h *LedgerHandler) getPools(c *gin.Context) {
	c.JSON(http.StatusOK, h.service.GetPoolBalances())
}

func (h *LedgerHandler) getAllocation(c *gin.Context) {
	c.JSON(http.StatusOK, h.service.AllocationTable())
}

// @Summary Upkeep status
// @Description Reports whether a pool is due, plus breaker, automation and daily withdrawal state
// @Tags upkeep
// @Produce json
// @Success 200 {object} models.UpkeepStatus
// @Router /upkeep [get]
func (h *LedgerHandler) getUpkeep(c *gin.Context) {
	c.JSON(http.StatusOK, h.service.GetUpkeepStatus())
}

// @Summary Perform upkeep
// @Description Distributes a due pool. Open to external keepers; calling early returns 425.
// @Tags upkeep
// @Produce json
// @Param pool path string true "global_help, leader_bonus or club"
// @Success 200 {object} models.Receipt
// @Failure 425 {object} middleware.ErrorResponse "Not due yet"
// @Failure 429 {object} middleware.ErrorResponse
// @Failure 503 {object} middleware.ErrorResponse "Circuit breaker open"
// @Router /upkeep/{pool} [post]
func (h *LedgerHandler) performUpkeep(c *gin.Context) {
	r, err := h.service.PerformUpkeep(c.Request.Context(), pool.ID(c.Param("pool")))
	if err != nil {
		middleware.SendError(c, err)
		return
	}
	c.JSON(http.StatusOK, r)
}

func (h *LedgerHandler) pause(c *gin.Context) {
	h.adminAction(c, "pause", h.service.Pause)
}

func (h *LedgerHandler) unpause(c *gin.Context) {
	h.adminAction(c, "unpause", h.service.Unpause)
}

func (h *LedgerHandler) resetCircuitBreaker(c *gin.Context) {
	h.adminAction(c, "reset_circuit_breaker", h.service.ResetCircuitBreaker)
}

func (h *LedgerHandler) setDailyLimit(c *gin.Context) {
	var input dto.DailyLimitRequest
	if err := c.ShouldBindJSON(&input); err != nil {
		middleware.SendError(c, bindError(err))
		return
	}
	err := h.service.SetDailyWithdrawalLimit(c.Request.Context(), middleware.CallerID(c), *input.Limit)
	h.respond(c, "set_daily_withdrawal_limit", err)
}

func (h *LedgerHandler) setAutomation(c *gin.Context) {
	var input dto.AutomationRequest
	if err := c.ShouldBindJSON(&input); err != nil {
		middleware.SendError(c, bindError(err))
		return
	}
	err := h.service.SetAutomationEnabled(c.Request.Context(), middleware.CallerID(c), *input.Enabled)
	h.respond(c, "set_automation", err)
}

// @Summary Emergency distribution
// @Description Admin fallback while automation is off. Skips the time gate and the circuit breaker.
// @Tags admin
// @Produce json
// @Security TelegramInitData
// @Param pool path string true "global_help, leader_bonus or club"
// @Success 200 {object} models.Receipt
// @Failure 409 {object} middleware.ErrorResponse "Automation still enabled"
// @Router /admin/pools/{pool}/distribute [post]
func (h *LedgerHandler) emergencyDistribute(c *gin.Context) {
	r, err := h.service.EmergencyDistribute(c.Request.Context(), middleware.CallerID(c), pool.ID(c.Param("pool")))
	if err != nil {
		middleware.SendError(c, err)
		return
	}
	c.JSON(http.StatusOK, r)
}

func (h *LedgerHandler) setAllocation(c *gin.Context) {
	tier, err := strconv.Atoi(c.Param("tier"))
	if err == nil {
		err = validation.ValidateTier(tier)
	}
	if err != nil {
		middleware.SendError(c, apperrors.NewValidationError("tier", "must be a package tier number"))
		return
	}
	var input dto.AllocationRequest
	if err := c.ShouldBindJSON(&input); err != nil {
		middleware.SendError(c, bindError(err))
		return
	}
	err = h.service.SetAllocationTable(c.Request.Context(), middleware.CallerID(c), tier, input.Weights())
	h.respond(c, "set_allocation_table", err)
}

func (h *LedgerHandler) setBlacklist(c *gin.Context) {
	user, ok := userParam(c)
	if !ok {
		return
	}
	var input dto.BlacklistRequest
	if err := c.ShouldBindJSON(&input); err != nil {
		middleware.SendError(c, bindError(err))
		return
	}
	err := h.service.SetBlacklisted(c.Request.Context(), middleware.CallerID(c), user, *input.Blacklisted)
	h.respond(c, "set_blacklisted", err)
}

// @Summary Recent receipts
// @Tags admin
// @Produce json
// @Security TelegramInitData
// @Param count query int false "How many, newest first (default 50, max 500)"
// @Success 200 {array} models.Receipt
// @Router /admin/receipts [get]
func (h *LedgerHandler) getReceipts(c *gin.Context) {
	if h.receipts == nil {
		middleware.SendError(c, apperrors.New(apperrors.ErrCodeNotFound, "Receipt log is not available"))
		return
	}
	count := int64(defaultReceiptCount)
	if raw := c.Query("count"); raw != "" {
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || n < 1 || n > maxReceiptCount {
			middleware.SendError(c, apperrors.NewValidationError("count", "must be between 1 and 500"))
			return
		}
		count = n
	}
	receipts, err := h.receipts.RecentReceipts(c.Request.Context(), count)
	if err != nil {
		middleware.SendError(c, apperrors.NewStorageError("read receipts", err))
		return
	}
	c.JSON(http.StatusOK, receipts)
}

// @Summary Pending payouts
// @Description Payouts whose transfer is in flight or awaits an admin decision, oldest first
// @Tags admin
// @Produce json
// @Security TelegramInitData
// @Success 200 {array} models.PendingPayout
// @Router /admin/payouts [get]
func (h *LedgerHandler) getPendingPayouts(c *gin.Context) {
	c.JSON(http.StatusOK, h.service.PendingPayouts())
}

// @Summary Resolve a pending payout
// @Description After checking the chain: sent=true settles the withdrawal, sent=false reverses it
// @Tags admin
// @Accept json
// @Produce json
// @Security TelegramInitData
// @Param id path string true "Payout id"
// @Param input body dto.ResolvePayoutRequest true "Outcome"
// @Success 200 {object} models.Receipt
// @Failure 404 {object} middleware.ErrorResponse "Payout not found"
// @Router /admin/payouts/{id} [put]
func (h *LedgerHandler) resolvePayout(c *gin.Context) {
	var input dto.ResolvePayoutRequest
	if err := c.ShouldBindJSON(&input); err != nil {
		middleware.SendError(c, bindError(err))
		return
	}
	r, err := h.service.ResolvePayout(c.Request.Context(), middleware.CallerID(c), c.Param("id"), *input.Sent)
	if err != nil {
		middleware.SendError(c, err)
		return
	}
	c.JSON(http.StatusOK, r)
}

func (h *LedgerHandler) adminAction(c *gin.Context, action string, fn func(ctx context.Context, caller string) error) {
	h.respond(c, action, fn(c.Request.Context(), middleware.CallerID(c)))
}

func (h *LedgerHandler) respond(c *gin.Context, action string, err error) {
	if err != nil {
		middleware.SendError(c, err)
		return
	}
	c.JSON(http.StatusOK, dto.StatusResponse{Success: true, Action: action})
}
