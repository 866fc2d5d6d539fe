package registry

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"

	"github.com/mbd888/phraseclaim/internal/auth"
	"github.com/mbd888/phraseclaim/internal/logging"
	"github.com/mbd888/phraseclaim/internal/validation"
)

// Handler provides HTTP endpoints for registry operations.
type Handler struct {
	service *Service
}

// NewHandler creates a new registry handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up public (read-only) registry routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	key := validation.HashParamMiddleware("key")
	r.GET("/items/:key", key, h.GetItem)
	r.GET("/items/:key/exists", key, h.Exists)
	r.GET("/items/:key/events", key, h.ListEvents)
	r.GET("/tokens/:token", validation.HashParamMiddleware("token"), h.GetToken)
	r.GET("/admin", h.GetAdmin)
	r.POST("/keys/phrase", h.DeriveKey)
}

// RegisterProtectedRoutes sets up protected (auth-required) registry routes.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	key := validation.HashParamMiddleware("key")
	r.POST("/items", h.CreateItem)
	r.POST("/items/:key/arm", key, h.ArmConfirmation)
	r.POST("/items/:key/finalize", key, h.Finalize)
	r.POST("/items/:key/transfer", key, h.TransferImmediate)
	r.POST("/items/:key/revoke", key, h.Revoke)
	r.POST("/items/:key/reassign", key, h.Reassign)
	r.DELETE("/items/:key", key, h.DeleteItem)
	r.POST("/tokens/:token/finalize", validation.HashParamMiddleware("token"), h.FinalizeByToken)
	r.POST("/sweep", h.Sweep)
	r.POST("/admin", h.ChangeAdmin)
}

// createItemRequest accepts either a hex key or a phrase to hash.
type createItemRequest struct {
	Key           string `json:"key"`
	Phrase        string `json:"phrase"`
	ClaimToken    string `json:"claimToken"`
	DelaySeconds  int64  `json:"delaySeconds"`
	PeriodSeconds int64  `json:"periodSeconds"`
	Payload       string `json:"payload"`
}

type armRequest struct {
	DelaySeconds  *int64 `json:"delaySeconds"`
	PeriodSeconds *int64 `json:"periodSeconds"`
}

type ownerRequest struct {
	NewOwner string `json:"newOwner" binding:"required"`
}

type tokenFinalizeRequest struct {
	Key      string `json:"key" binding:"required"`
	NewOwner string `json:"newOwner" binding:"required"`
}

type revokeRequest struct {
	ClaimToken string `json:"claimToken" binding:"required"`
}

type reassignRequest struct {
	NewOwner      string `json:"newOwner" binding:"required"`
	DelaySeconds  int64  `json:"delaySeconds"`
	PeriodSeconds int64  `json:"periodSeconds"`
}

type sweepRequest struct {
	Keys []string `json:"keys" binding:"required"`
}

type adminRequest struct {
	NewAdmin string `json:"newAdmin" binding:"required"`
}

type phraseRequest struct {
	Phrase string `json:"phrase" binding:"required"`
}

// maxSweepKeys bounds one sweep request.
const maxSweepKeys = 500

// GetItem handles GET /v1/items/:key
func (h *Handler) GetItem(c *gin.Context) {
	info, err := h.service.GetInfo(c.Request.Context(), common.HexToHash(c.Param("key")))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"item": info})
}

// Exists handles GET /v1/items/:key/exists
func (h *Handler) Exists(c *gin.Context) {
	exists, err := h.service.Exists(c.Request.Context(), common.HexToHash(c.Param("key")))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"exists": exists})
}

// ListEvents handles GET /v1/items/:key/events
func (h *Handler) ListEvents(c *gin.Context) {
	limit := 50
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
			if limit > 200 {
				limit = 200
			}
		}
	}

	events, err := h.service.Events(c.Request.Context(), common.HexToHash(c.Param("key")), limit)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"events": events,
		"count":  len(events),
	})
}

// GetToken handles GET /v1/tokens/:token
func (h *Handler) GetToken(c *gin.Context) {
	token := common.HexToHash(c.Param("token"))
	key, err := h.service.TokenItem(c.Request.Context(), token)
	if errors.Is(err, ErrNotFound) {
		c.JSON(http.StatusOK, gin.H{"token": token, "used": false})
		return
	}
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"token": token, "used": true, "key": key})
}

// GetAdmin handles GET /v1/admin
func (h *Handler) GetAdmin(c *gin.Context) {
	admin, err := h.service.Admin(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"admin": admin})
}

// DeriveKey handles POST /v1/keys/phrase
func (h *Handler) DeriveKey(c *gin.Context) {
	var req phraseRequest
	if !bind(c, &req) || !validate(c, validation.Phrase("phrase", req.Phrase)) {
		return
	}
	c.JSON(http.StatusOK, gin.H{"key": KeyFromPhrase(req.Phrase)})
}

// CreateItem handles POST /v1/items
func (h *Handler) CreateItem(c *gin.Context) {
	var req createItemRequest
	if !bind(c, &req) {
		return
	}
	if req.Key == "" && req.Phrase == "" {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": "one of key or phrase is required",
		})
		return
	}
	if !validate(c,
		validation.ValidHash("key", req.Key),
		validation.Phrase("phrase", req.Phrase),
		validation.ValidHash("claimToken", req.ClaimToken),
		validation.DurationSeconds("delaySeconds", req.DelaySeconds),
		validation.DurationSeconds("periodSeconds", req.PeriodSeconds),
	) {
		return
	}

	key := KeyFromPhrase(req.Phrase)
	if req.Key != "" {
		key = common.HexToHash(req.Key)
	}
	item, err := h.service.Create(c.Request.Context(), caller(c), CreateRequest{
		Key:        key,
		ClaimToken: hashOrZero(req.ClaimToken),
		Delay:      time.Duration(req.DelaySeconds) * time.Second,
		Period:     time.Duration(req.PeriodSeconds) * time.Second,
		Payload:    req.Payload,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"item": InfoOf(item)})
}

// ArmConfirmation handles POST /v1/items/:key/arm
func (h *Handler) ArmConfirmation(c *gin.Context) {
	var req armRequest
	if c.Request.ContentLength != 0 && !bind(c, &req) {
		return
	}
	if !validate(c,
		validation.OptionalDurationSeconds("delaySeconds", req.DelaySeconds),
		validation.OptionalDurationSeconds("periodSeconds", req.PeriodSeconds),
	) {
		return
	}

	var arm ArmRequest
	if req.DelaySeconds != nil {
		d := time.Duration(*req.DelaySeconds) * time.Second
		arm.Delay = &d
	}
	if req.PeriodSeconds != nil {
		p := time.Duration(*req.PeriodSeconds) * time.Second
		arm.Period = &p
	}

	item, err := h.service.ArmConfirmation(c.Request.Context(), caller(c), common.HexToHash(c.Param("key")), arm)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"item": InfoOf(item)})
}

// Finalize handles POST /v1/items/:key/finalize
func (h *Handler) Finalize(c *gin.Context) {
	var req ownerRequest
	if !bind(c, &req) || !validate(c, validation.ValidAddress("newOwner", req.NewOwner)) {
		return
	}

	item, err := h.service.Finalize(c.Request.Context(), caller(c),
		common.HexToHash(c.Param("key")), common.HexToAddress(req.NewOwner))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"item": InfoOf(item)})
}

// FinalizeByToken handles POST /v1/tokens/:token/finalize
func (h *Handler) FinalizeByToken(c *gin.Context) {
	var req tokenFinalizeRequest
	if !bind(c, &req) || !validate(c,
		validation.ValidHash("key", req.Key),
		validation.ValidAddress("newOwner", req.NewOwner),
	) {
		return
	}

	item, err := h.service.FinalizeByToken(c.Request.Context(), caller(c),
		common.HexToHash(c.Param("token")), common.HexToHash(req.Key), common.HexToAddress(req.NewOwner))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"item": InfoOf(item)})
}

// TransferImmediate handles POST /v1/items/:key/transfer
func (h *Handler) TransferImmediate(c *gin.Context) {
	var req ownerRequest
	if !bind(c, &req) || !validate(c, validation.ValidAddress("newOwner", req.NewOwner)) {
		return
	}

	item, err := h.service.TransferImmediate(c.Request.Context(), caller(c),
		common.HexToHash(c.Param("key")), common.HexToAddress(req.NewOwner))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"item": InfoOf(item)})
}

// Revoke handles POST /v1/items/:key/revoke
func (h *Handler) Revoke(c *gin.Context) {
	var req revokeRequest
	if !bind(c, &req) || !validate(c, validation.ValidHash("claimToken", req.ClaimToken)) {
		return
	}

	item, err := h.service.Revoke(c.Request.Context(), caller(c),
		common.HexToHash(c.Param("key")), common.HexToHash(req.ClaimToken))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"item": InfoOf(item)})
}

// Reassign handles POST /v1/items/:key/reassign
func (h *Handler) Reassign(c *gin.Context) {
	var req reassignRequest
	if !bind(c, &req) || !validate(c,
		validation.ValidAddress("newOwner", req.NewOwner),
		validation.DurationSeconds("delaySeconds", req.DelaySeconds),
		validation.DurationSeconds("periodSeconds", req.PeriodSeconds),
	) {
		return
	}

	item, err := h.service.Reassign(c.Request.Context(), caller(c),
		common.HexToHash(c.Param("key")), common.HexToAddress(req.NewOwner),
		time.Duration(req.DelaySeconds)*time.Second, time.Duration(req.PeriodSeconds)*time.Second)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"item": InfoOf(item)})
}

// DeleteItem handles DELETE /v1/items/:key
func (h *Handler) DeleteItem(c *gin.Context) {
	if err := h.service.Delete(c.Request.Context(), caller(c), common.HexToHash(c.Param("key"))); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": true})
}

// Sweep handles POST /v1/sweep
func (h *Handler) Sweep(c *gin.Context) {
	var req sweepRequest
	if !bind(c, &req) {
		return
	}
	if len(req.Keys) > maxSweepKeys {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": "too many keys in one sweep",
		})
		return
	}

	keys := make([]common.Hash, 0, len(req.Keys))
	for _, k := range req.Keys {
		if !validation.IsValidHash(k) {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "validation_error",
				"message": "keys must be 0x followed by 64 hex characters",
			})
			return
		}
		keys = append(keys, common.HexToHash(k))
	}

	outcomes, err := h.service.SweepExpired(c.Request.Context(), caller(c), keys)
	if err != nil {
		writeError(c, err)
		return
	}
	reverted := 0
	for _, o := range outcomes {
		if o.Result == SweepReverted {
			reverted++
		}
	}
	c.JSON(http.StatusOK, gin.H{
		"outcomes": outcomes,
		"reverted": reverted,
	})
}

// ChangeAdmin handles POST /v1/admin
func (h *Handler) ChangeAdmin(c *gin.Context) {
	var req adminRequest
	if !bind(c, &req) || !validate(c, validation.ValidAddress("newAdmin", req.NewAdmin)) {
		return
	}

	if err := h.service.ChangeAdmin(c.Request.Context(), caller(c), common.HexToAddress(req.NewAdmin)); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"admin": common.HexToAddress(req.NewAdmin)})
}

// -----------------------------------------------------------------------------
// Helpers
// -----------------------------------------------------------------------------

// caller returns the address set by the auth middleware. Missing auth maps
// to the zero address, which no gate accepts.
func caller(c *gin.Context) common.Address {
	return auth.Caller(c)
}

func bind(c *gin.Context, req interface{}) bool {
	if err := c.ShouldBindJSON(req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return false
	}
	return true
}

func validate(c *gin.Context, validators ...func() *validation.ValidationError) bool {
	if errs := validation.Validate(validators...); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": errs.Error(),
			"details": errs,
		})
		return false
	}
	return true
}

func hashOrZero(s string) common.Hash {
	if s == "" {
		return common.Hash{}
	}
	return common.HexToHash(s)
}

// StatusOf maps a registry error to an HTTP status.
func StatusOf(err error) int {
	switch {
	case errors.Is(err, ErrInvalidArgument):
		return http.StatusBadRequest
	case errors.Is(err, ErrUnauthorized), errors.Is(err, ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrAlreadyExists), errors.Is(err, ErrTokenAlreadyUsed),
		errors.Is(err, ErrInvalidState), errors.Is(err, ErrNotStarted),
		errors.Is(err, ErrTooEarly), errors.Is(err, ErrExpired):
		return http.StatusConflict
	case errors.Is(err, ErrPreconditionFailed):
		return http.StatusPreconditionFailed
	default:
		return http.StatusInternalServerError
	}
}

func writeError(c *gin.Context, err error) {
	status := StatusOf(err)
	if status == http.StatusInternalServerError {
		logging.L(c.Request.Context()).Error("registry request failed", "path", c.FullPath(), "error", err)
		c.JSON(status, gin.H{"error": "internal_error", "message": "Internal server error"})
		return
	}
	c.JSON(status, gin.H{"error": Code(err), "message": err.Error()})
}
