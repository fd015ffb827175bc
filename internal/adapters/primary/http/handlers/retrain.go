package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"model-retrain-service/internal/adapters/primary/http/dto"
)

func (h *Handler) Retrain(c *gin.Context) {
	var req dto.RetrainRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, dto.ErrorResponse{Error: err.Error()})
		return
	}
	threshold := h.defaultThreshold
	if req.Threshold != nil {
		threshold = *req.Threshold
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	decision, err := h.promotionSvc.RetrainIfNeeded(c.Request.Context(), req.Year, req.Month, threshold)
	if err != nil {
		mapDomainError(c, err)
		return
	}
	c.JSON(http.StatusOK, dto.ToDecisionResponse(decision))
}

func (h *Handler) RegisterBest(c *gin.Context) {
	h.mu.Lock()
	defer h.mu.Unlock()

	reg, err := h.registrationSvc.RegisterBestModel(c.Request.Context())
	if err != nil {
		mapDomainError(c, err)
		return
	}
	c.JSON(http.StatusOK, dto.ToRegistrationResponse(reg))
}
