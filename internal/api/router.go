package api

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"gauge-tracking-backend/config"
	"gauge-tracking-backend/internal/mw"
)

// NewRouter creates and configures a new Gin router.
func NewRouter(h *Handler, cfg config.ServerConfig, gatherer prometheus.Gatherer) *gin.Engine {
	r := gin.Default()

	limiter := mw.NewIPRateLimiter(rate.Limit(cfg.RateLimitPerSec), cfg.RateLimitBurst, 10*time.Minute)
	reads := mw.NewReadCache(time.Duration(cfg.CacheTTLSeconds) * time.Second)

	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))

	api := r.Group("/api")
	api.Use(mw.RateLimiter(limiter), mw.Identity())

	// Set writes evict that set's cached history. Gauge writes may cascade
	// into any set's history and evict all of it.
	sets := api.Group("/sets", reads.Invalidate("set_id"))
	{
		sets.POST("", h.CreateSet)
		sets.POST("/pair", h.PairSpares)
		sets.GET("/:set_id", h.GetSet)
		sets.GET("/:set_id/history", reads.Serve("set_id"), h.GetSetHistory)
		sets.POST("/:set_id/replace", h.ReplaceMember)
		sets.POST("/:set_id/dissolve", h.DissolveSet)
	}
	api.POST("/spares", h.CreateSpare)

	gauges := api.Group("/gauges/:gauge_id", reads.Invalidate("set_id"))
	{
		gauges.POST("/status", h.ChangeStatus)
		gauges.POST("/location", h.ChangeLocation)
		gauges.POST("/checkout", h.Checkout)
		gauges.POST("/checkin", h.Checkin)
		gauges.GET("/checkout-check", h.CanCheckout)
		gauges.DELETE("", h.DeleteGauge)
	}

	batches := api.Group("/batches", reads.Invalidate("batch_id"))
	{
		batches.POST("", h.CreateBatch)
		batches.GET("/:batch_id", h.GetBatch)
		batches.GET("/:batch_id/statistics", reads.Serve("batch_id"), h.GetBatchStatistics)
		batches.POST("/:batch_id/gauges", h.AddGaugeToBatch)
		batches.DELETE("/:batch_id/gauges/:gauge_id", h.RemoveGaugeFromBatch)
		batches.POST("/:batch_id/send", h.SendBatch)
		batches.POST("/:batch_id/cancel", h.CancelBatch)
		batches.POST("/:batch_id/gauges/:gauge_id/receive", h.ReceiveGauge)
		batches.POST("/:batch_id/gauges/:gauge_id/certificate", h.RecordCertificate)
		batches.POST("/:batch_id/gauges/:gauge_id/release", h.ReleaseGauge)
	}

	return r
}
