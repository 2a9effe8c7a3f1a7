package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/sorenth/cloudcode-claude-proxy/internal/account"
	"github.com/sorenth/cloudcode-claude-proxy/internal/cloudcode"
	proxyerrors "github.com/sorenth/cloudcode-claude-proxy/internal/errors"
	"github.com/sorenth/cloudcode-claude-proxy/internal/utils"
)

// ModelsHandler handles model listing endpoints
type ModelsHandler struct {
	accountManager *account.Manager
}

// NewModelsHandler creates a new ModelsHandler
func NewModelsHandler(accountManager *account.Manager) *ModelsHandler {
	return &ModelsHandler{
		accountManager: accountManager,
	}
}

// ListModels handles GET /v1/models
func (h *ModelsHandler) ListModels(c *gin.Context) {
	ctx := c.Request.Context()

	result, err := h.accountManager.SelectAccount(ctx, "", account.SelectOptions{})
	if err != nil || result == nil || result.Account == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"type": "error",
			"error": gin.H{
				"type":    "api_error",
				"message": "No accounts available",
			},
		})
		return
	}

	token, err := h.accountManager.GetTokenForAccount(ctx, result.Account)
	if err != nil {
		utils.Error("[API] Error getting token for models: %v", err)
		c.JSON(proxyerrors.HTTPStatusFromError(err), proxyerrors.FormatAPIError(err))
		return
	}

	models, err := cloudcode.ListModels(ctx, token)
	if err != nil {
		utils.Error("[API] Error listing models: %v", err)
		c.JSON(proxyerrors.HTTPStatusFromError(err), proxyerrors.FormatAPIError(err))
		return
	}

	c.JSON(http.StatusOK, models)
}
