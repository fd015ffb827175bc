package handlers

import (
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"model-retrain-service/internal/core/services"
)

type Handler struct {
	promotionSvc     *services.PromotionService
	registrationSvc  *services.RegistrationService
	defaultThreshold float64
	gatherer         prometheus.Gatherer

	// Retrain and register calls share one tracking store and alias and
	// must not interleave.
	mu sync.Mutex
}

func New(
	promotionSvc *services.PromotionService,
	registrationSvc *services.RegistrationService,
	defaultThreshold float64,
	gatherer prometheus.Gatherer,
) *Handler {
	return &Handler{
		promotionSvc:     promotionSvc,
		registrationSvc:  registrationSvc,
		defaultThreshold: defaultThreshold,
		gatherer:         gatherer,
	}
}

// RegisterRoutes mounts the retrain API on r.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/runs", h.Retrain)
	r.POST("/register-best", h.RegisterBest)
}

// RegisterOps mounts the health and metrics endpoints at the engine root.
func (h *Handler) RegisterOps(r *gin.Engine) {
	r.GET("/healthz", h.Health)
	if h.gatherer != nil {
		r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(h.gatherer, promhttp.HandlerOpts{})))
	}
}

func (h *Handler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
