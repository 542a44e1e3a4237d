package relay

import (
	"net/http"
	"strings"
	"time"

	"github.com/danmuck/coloc/internal/observability"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

// AdminRouter serves read-only session state and metrics.
func (r *Relay) AdminRouter() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	g := gin.New()
	g.Use(gin.Recovery())
	g.Use(observability.RequestID())
	g.Use(observability.AccessLog("relay", log.Logger))
	if origins := normalizeOrigins(r.cfg.CORSOrigins); len(origins) > 0 {
		g.Use(cors.New(cors.Config{
			AllowOrigins: origins,
			AllowMethods: []string{"GET"},
			AllowHeaders: []string{"Origin", "Content-Type"},
			MaxAge:       12 * time.Hour,
		}))
	}
	_ = g.SetTrustedProxies([]string{"127.0.0.1", "::1"})

	g.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":    "ok",
			"uptime":    time.Since(r.started).String(),
			"component": "coloc-relay",
			"sessions":  r.sessionCount.Load(),
		})
	})
	g.GET("/metrics", gin.WrapH(promhttp.Handler()))
	g.GET("/sessions", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"sessions": r.Peers()})
	})
	g.GET("/directory", func(c *gin.Context) {
		c.JSON(http.StatusOK, r.node.Directory().Snapshot())
	})
	g.GET("/identities", func(c *gin.Context) {
		c.JSON(http.StatusOK, r.node.Router().Snapshot())
	})
	return g
}

func normalizeOrigins(in []string) []string {
	out := make([]string, 0, len(in))
	for _, o := range in {
		if o = strings.TrimSpace(o); o != "" {
			out = append(out, o)
		}
	}
	return out
}
