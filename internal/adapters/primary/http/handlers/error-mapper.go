package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"

	"model-retrain-service/internal/adapters/primary/http/dto"
	"model-retrain-service/internal/adapters/primary/http/middleware"
	"model-retrain-service/internal/core/domain"
)

func mapDomainError(c *gin.Context, err error) {
	_ = c.Error(err)
	requestID := c.GetString(middleware.ContextKeyRequestID)

	switch {
	// Not found errors
	case errors.Is(err, domain.ErrDataNotFound),
		errors.Is(err, domain.ErrExperimentNotFound),
		errors.Is(err, domain.ErrNoRunsFound),
		errors.Is(err, domain.ErrRunNotFound):
		c.JSON(http.StatusNotFound, dto.ErrorResponse{Error: err.Error(), RequestID: requestID})

	// Bad request / validation errors
	case errors.Is(err, domain.ErrInvalidThreshold),
		errors.Is(err, domain.ErrInvalidPeriod),
		errors.Is(err, domain.ErrInvalidParam),
		errors.Is(err, domain.ErrUnsupportedModelType):
		c.JSON(http.StatusBadRequest, dto.ErrorResponse{Error: err.Error(), RequestID: requestID})

	// Unusable input data
	case errors.Is(err, domain.ErrSchema),
		errors.Is(err, domain.ErrEmptyDataset):
		c.JSON(http.StatusUnprocessableEntity, dto.ErrorResponse{Error: err.Error(), RequestID: requestID})

	default:
		log.WithError(err).WithField("request_id", requestID).Error("request failed")
		c.JSON(http.StatusInternalServerError, dto.ErrorResponse{Error: "internal server error", RequestID: requestID})
	}
}
