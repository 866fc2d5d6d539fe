package auth

import (
	"errors"
	"net/http"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"

	"github.com/mbd888/phraseclaim/internal/logging"
)

// Handler provides the token endpoint.
type Handler struct {
	manager *Manager
}

// NewHandler creates a new auth handler
func NewHandler(m *Manager) *Handler {
	return &Handler{manager: m}
}

// RegisterRoutes sets up auth routes
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/auth/token", h.Token)
	r.GET("/auth/info", h.Info)
}

// TokenRequest is a signed login.
type TokenRequest struct {
	Address   string `json:"address" binding:"required"`
	Timestamp int64  `json:"timestamp" binding:"required"`
	Signature string `json:"signature" binding:"required"`
}

// Token handles POST /v1/auth/token
func (h *Handler) Token(c *gin.Context) {
	var req TokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "address, timestamp and signature are required",
		})
		return
	}
	if !common.IsHexAddress(req.Address) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_argument",
			"message": "address must be a 0x-prefixed hex address",
		})
		return
	}

	addr := common.HexToAddress(req.Address)
	token, exp, err := h.manager.Login(addr, req.Timestamp, req.Signature)
	switch {
	case err == nil:
	case errors.Is(err, ErrStaleLogin), errors.Is(err, ErrInvalidSignature):
		logging.L(c.Request.Context()).Info("login rejected", "address", addr.Hex(), "error", err)
		c.JSON(http.StatusUnauthorized, gin.H{
			"error":   "unauthorized",
			"message": err.Error(),
		})
		return
	default:
		logging.L(c.Request.Context()).Error("token issue failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "could not issue token",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"token":     token,
		"address":   addr.Hex(),
		"expiresAt": exp.Unix(),
	})
}

// Info returns auth configuration info
func (h *Handler) Info(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"type":    "bearer_jwt",
		"header":  "Authorization: Bearer <token>",
		"login":   "POST /v1/auth/token {address, timestamp, signature}",
		"message": "phraseclaim|login|{lowercase address}|{unix timestamp}",
		"skew":    LoginSkew.String(),
	})
}
