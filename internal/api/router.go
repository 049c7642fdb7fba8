package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/mesikahq/clinic-sync/internal/middleware"
)

type RouterOptions struct {
	// RateLimit is requests per second per client IP; zero disables limiting.
	RateLimit float64
	RateBurst int
	// Timeout bounds every API request except migrations.
	Timeout time.Duration
	// Metrics is mounted at /metrics when set.
	Metrics http.Handler
}

type Router struct {
	handler *Handler
	opts    RouterOptions
}

func NewRouter(handler *Handler, opts RouterOptions) *Router {
	return &Router{handler: handler, opts: opts}
}

func (r *Router) SetupRouter(logger *zap.Logger) *gin.Engine {
	router := gin.New()

	global := []gin.HandlerFunc{
		middleware.RequestIDMiddleware(),
		middleware.SecurityHeadersMiddleware(),
		middleware.RecoveryMiddleware(logger),
		middleware.LoggerMiddleware(logger),
	}
	if r.opts.RateLimit > 0 {
		burst := r.opts.RateBurst
		if burst <= 0 {
			burst = int(r.opts.RateLimit)
		}
		global = append(global, middleware.RateLimitMiddleware(rate.Limit(r.opts.RateLimit), burst))
	}
	router.Use(global...)

	router.GET("/health", r.handler.HealthCheck)
	if r.opts.Metrics != nil {
		router.GET("/metrics", gin.WrapH(r.opts.Metrics))
	}

	// Migrations run outside the request timeout.
	router.POST("/api/migrate", r.handler.RunMigration)

	api := router.Group("/api")
	api.Use(middleware.TimeoutMiddleware(r.opts.Timeout))
	{
		api.GET("/status", r.handler.GetStatus)

		patients := api.Group("/patients")
		{
			patients.GET("", r.handler.ListPatients)
			patients.POST("", r.handler.CreatePatient)
			patients.GET("/:id", r.handler.GetPatient)
			patients.PUT("/:id", r.handler.UpdatePatient)
			patients.GET("/:id/history", r.handler.GetPatientHistory)
		}

		doctors := api.Group("/doctors")
		{
			doctors.GET("", r.handler.ListDoctors)
			doctors.POST("", r.handler.CreateDoctor)
			doctors.GET("/:id", r.handler.GetDoctor)
			doctors.PUT("/:id", r.handler.UpdateDoctor)
			doctors.DELETE("/:id", r.handler.DeleteDoctor)
		}

		insurances := api.Group("/insurances")
		{
			insurances.GET("", r.handler.ListInsurances)
			insurances.POST("", r.handler.CreateInsurance)
			insurances.GET("/:id", r.handler.GetInsurance)
		}

		treatments := api.Group("/treatments")
		{
			treatments.GET("", r.handler.ListTreatments)
			treatments.POST("", r.handler.CreateTreatment)
			treatments.GET("/:id", r.handler.GetTreatment)
		}

		api.POST("/appointments", r.handler.CreateAppointment)
		api.GET("/reports/revenue", r.handler.GetRevenueReport)
		api.GET("/audit/events", r.handler.GetAuditEvents)
	}

	router.NoRoute(func(c *gin.Context) {
		if strings.HasPrefix(c.Request.URL.Path, "/api") {
			c.JSON(http.StatusNotFound, gin.H{"error": "API endpoint not found"})
			return
		}
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
	})

	return router
}
