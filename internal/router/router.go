package router

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
	"go.uber.org/zap"

	"github.com/noah-isme/campus-timetable-api/internal/handler"
	internalmiddleware "github.com/noah-isme/campus-timetable-api/internal/middleware"
	"github.com/noah-isme/campus-timetable-api/internal/service"
	"github.com/noah-isme/campus-timetable-api/pkg/config"
	appErrors "github.com/noah-isme/campus-timetable-api/pkg/errors"
	"github.com/noah-isme/campus-timetable-api/pkg/logger"
	"github.com/noah-isme/campus-timetable-api/pkg/middleware/requestid"
	"github.com/noah-isme/campus-timetable-api/pkg/response"
)

// Handlers groups the handler instances mounted by New.
type Handlers struct {
	Timetable *handler.TimetableHandler
	Metrics   *handler.MetricsHandler
}

// New builds the gin engine with middleware and every route.
func New(cfg *config.Config, handlers Handlers, metrics *service.MetricsService, logr *zap.Logger) *gin.Engine {
	if cfg.Env == config.EnvProduction {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(requestid.Middleware())
	r.Use(logger.GinMiddleware(logr, "/health", "/ready", "/metrics"))
	r.Use(cors.New(corsConfig(cfg.CORS.AllowedOrigins)))
	r.Use(internalmiddleware.Metrics(metrics))

	r.NoRoute(func(c *gin.Context) {
		response.Error(c, appErrors.Clone(appErrors.ErrNotFound, "route not found"))
	})

	r.GET("/health", handlers.Metrics.Health)
	r.GET("/ready", handlers.Metrics.Ready)
	r.GET("/metrics", handlers.Metrics.Prometheus)
	r.GET("/metrics/summary", handlers.Metrics.Summary)
	if cfg.Env != config.EnvProduction {
		r.GET("/docs/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))
	}

	prefix := "/" + strings.Trim(cfg.APIPrefix, "/")
	api := r.Group(prefix)
	api.Use(internalmiddleware.ResponseMeta())

	timetables := api.Group("/timetables")
	{
		timetables.POST("/generate", handlers.Timetable.Generate)
		timetables.POST("/generate/async", handlers.Timetable.GenerateAsync)
		timetables.GET("/runs", handlers.Timetable.ListRuns)
		timetables.GET("/runs/:id", handlers.Timetable.GetRun)
		timetables.GET("/staff/:staffId", handlers.Timetable.Staff)
		timetables.GET("/downloads/:token", handlers.Timetable.Download)
		timetables.GET("/:department/:semester/:section", handlers.Timetable.Section)
		timetables.GET("/:department/:semester/:section/export", handlers.Timetable.Export)
	}

	return r
}

func corsConfig(origins []string) cors.Config {
	conf := cors.DefaultConfig()
	if len(origins) > 0 {
		conf.AllowOrigins = origins
	} else {
		conf.AllowAllOrigins = true
	}
	conf.AllowMethods = []string{http.MethodGet, http.MethodPost, http.MethodOptions}
	conf.AllowHeaders = []string{"Origin", "Content-Type", "Authorization", requestid.HeaderKey}
	conf.ExposeHeaders = []string{requestid.HeaderKey, "X-Cache", "Content-Disposition"}
	conf.MaxAge = 10 * time.Minute
	return conf
}
