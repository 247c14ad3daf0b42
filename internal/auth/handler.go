package auth

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/livepulse/tracker/pkg/response"
	"github.com/livepulse/tracker/pkg/utils"
)

// TokenRequest is the body for POST /auth/token.
type TokenRequest struct {
	AccessKey string `json:"access_key" binding:"required"`
}

// TokenResponse carries the issued JWT.
type TokenResponse struct {
	Token string `json:"token"`
}

// Handler exchanges the shared access key for a JWT. The key itself is never
// stored; only its bcrypt hash is configured.
type Handler struct {
	keyHash string
	jwt     *JWTService
	logger  *zap.Logger
}

// NewHandler creates an auth handler. keyHash is the bcrypt hash of the
// shared access key.
func NewHandler(keyHash string, jwt *JWTService, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{keyHash: keyHash, jwt: jwt, logger: logger}
}

// Token handles POST /auth/token.
func (h *Handler) Token(c *gin.Context) {
	var req TokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}

	if !utils.CheckAccessKey(req.AccessKey, h.keyHash) {
		h.logger.Warn("access key rejected", zap.String("remote", c.ClientIP()))
		response.Unauthorized(c, "invalid access key")
		return
	}

	token, err := h.jwt.Generate(uuid.New().String())
	if err != nil {
		response.Internal(c, "failed to generate token")
		return
	}

	c.JSON(http.StatusOK, response.Body{Success: true, Data: TokenResponse{Token: token}})
}
