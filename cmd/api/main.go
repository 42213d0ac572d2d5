package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	_ "github.com/joho/godotenv/autoload"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"tagging/internal/auth"
	"tagging/internal/config"
	"tagging/internal/httpmiddleware"
	"tagging/internal/queue"
	"tagging/internal/regclient"
	"tagging/internal/store"
	"tagging/internal/tagging"
)

func main() {
	cfg := config.Load()

	if cfg.Env == "production" || cfg.Env == "prod" {
		gin.SetMode(gin.ReleaseMode)
	}

	logger, err := buildLogger(cfg.Env)
	if err != nil {
		os.Exit(1)
	}
	defer logger.Sync()

	if err := runHTTP(cfg, logger); err != nil {
		logger.Fatal("http server failed", zap.Error(err))
	}
}

func buildLogger(env string) (*zap.Logger, error) {
	if env == "production" || env == "prod" {
		return zap.NewProduction()
	}
	return zap.NewDevelopment()
}

func runHTTP(cfg config.App, logger *zap.Logger) error {
	db, err := store.NewDB(cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer db.Close()

	redisClient := store.NewRedis(cfg.RedisAddr)

	var q queue.Queue
	if cfg.QueueBackend == "memory" {
		q = queue.NewInMemory(64)
	} else {
		q = queue.NewRedisQueue(redisClient.Client, cfg.QueueKey)
	}

	repo := tagging.NewRepository(db.Client)
	registrations := regclient.New(cfg.RegistrationURL, cfg.RegistrationSkip)
	svc := tagging.NewService(tagging.Stores{
		Registry:     repo,
		Identity:     repo,
		Reservations: repo,
		Days:         repo,
		Audit:        repo,
		Ledger:       repo,
	}, tagging.Options{
		CheckoutWindow: cfg.CheckoutWindow,
		Location:       cfg.LoadLocation(),
		Notifier:       registrations,
		Logger:         logger,
	})
	ctx := context.Background()

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(gin.LoggerWithConfig(gin.LoggerConfig{
		SkipPaths: []string{"/healthz", "/metrics"},
	}))
	r.Use(corsMiddleware())
	r.Use(securityHeaders())
	var limiter httpmiddleware.Limiter
	if cfg.RateLimitBackend == "redis" {
		limiter = httpmiddleware.NewRedisFixedWindow(redisClient.Client, cfg.RateLimitPerMin)
	} else {
		limiter = httpmiddleware.NewSimpleTokenBucket(cfg.RateLimitPerMin, cfg.RateLimitPerMin)
	}
	r.Use(limiter.GinMiddleware())

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	r.GET("/healthz", func(c *gin.Context) {
		redisHealthy := redisClient.Healthy(c.Request.Context())
		dbHealthy := db.Client.PingContext(c.Request.Context()) == nil
		status := http.StatusOK
		if !redisHealthy || !dbHealthy {
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, gin.H{"status": "ok", "redis": redisHealthy, "db": dbHealthy})
	})

	r.POST("/v1/devices/register", func(c *gin.Context) {
		var req struct {
			DeviceID string `json:"device_id" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		if err := repo.UpsertDevice(c.Request.Context(), req.DeviceID); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		tokens, err := auth.Issue(req.DeviceID, "device", cfg.JWTIssuer, cfg.JWTSigningKey, cfg.AccessTTL, cfg.RefreshTTL)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "token issue failed"})
			return
		}

		_ = repo.SaveRefreshToken(c.Request.Context(), req.DeviceID, tokens.RefreshToken, tokens.RefreshExp)

		c.JSON(http.StatusCreated, gin.H{
			"access_token":  tokens.AccessToken,
			"refresh_token": tokens.RefreshToken,
			"expires_at":    tokens.AccessExp.Unix(),
		})
	})

	authGroup := r.Group("/v1", auth.KioskAuth(cfg.JWTSigningKey, cfg.JWTIssuer))

	authGroup.POST("/tags", func(c *gin.Context) {
		var req struct {
			UID        string    `json:"uid" binding:"required"`
			DeviceType string    `json:"device_type" binding:"required,oneof=kiosk-A kiosk-B mobile"`
			Location   string    `json:"location"`
			Timestamp  time.Time `json:"timestamp"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		// Readers may stamp the tap themselves; server time is the fallback.
		res, err := svc.Tap(c.Request.Context(), tagging.TapEvent{
			UID:        req.UID,
			DeviceType: req.DeviceType,
			Location:   req.Location,
			At:         req.Timestamp,
		})
		if err != nil {
			writeEngineError(c, logger, err)
			return
		}

		publishOutcome(ctx, q, logger, res, req.Location, req.DeviceType)
		c.JSON(http.StatusOK, res)
	})

	authGroup.POST("/tags/confirm", func(c *gin.Context) {
		var req struct {
			UID           string `json:"uid" binding:"required"`
			ReservationID string `json:"reservation_id"`
			Points        int    `json:"points" binding:"min=0"`
			DeviceType    string `json:"device_type" binding:"omitempty,oneof=kiosk-A kiosk-B mobile"`
			Location      string `json:"location"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		res, err := svc.Confirm(c.Request.Context(), tagging.ConfirmRequest{
			UID:           req.UID,
			ReservationID: req.ReservationID,
			Points:        req.Points,
			DeviceType:    req.DeviceType,
			Location:      req.Location,
		})
		if err != nil {
			writeEngineError(c, logger, err)
			return
		}

		publishOutcome(ctx, q, logger, res, req.Location, req.DeviceType)
		c.JSON(http.StatusOK, res)
	})

	authGroup.GET("/logs", func(c *gin.Context) {
		limit, offset := 50, 0
		if v := c.Query("limit"); v != "" {
			if parsed, err := strconv.Atoi(v); err == nil {
				limit = parsed
			}
		}
		if v := c.Query("offset"); v != "" {
			if parsed, err := strconv.Atoi(v); err == nil {
				offset = parsed
			}
		}
		entries, err := svc.Logs(c.Request.Context(), tagging.LogFilter{
			UID:    c.Query("uid"),
			UserID: c.Query("user_id"),
			Action: tagging.Action(c.Query("action")),
			Limit:  limit,
			Offset: offset,
		})
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"logs": entries})
	})

	authGroup.GET("/attendance/:user_id", func(c *gin.Context) {
		role := tagging.Role(c.DefaultQuery("role", string(tagging.RoleStudent)))
		rec, err := svc.DayRecord(c.Request.Context(), c.Param("user_id"), role)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		if rec == nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "no record today"})
			return
		}
		c.JSON(http.StatusOK, rec)
	})

	srv := &http.Server{
		Addr:         ":" + cfg.HTTPPort,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("starting server", zap.String("port", cfg.HTTPPort))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server error", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("server forced shutdown", zap.Error(err))
	}

	logger.Info("server exited")
	return nil
}

// writeEngineError maps engine failures onto HTTP. Transient failures get
// 503 and are never retried here; a retry could read as a second tap.
func writeEngineError(c *gin.Context, logger *zap.Logger, err error) {
	if errors.Is(err, tagging.ErrTransient) {
		logger.Warn("transient tap failure", zap.Error(err))
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "temporary failure, tap again in a moment"})
		return
	}
	logger.Error("tap failed", zap.Error(err))
	c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
}

// publishOutcome hands committed outcomes to the worker feed. Prompts and
// no-ops stay out of the stats.
func publishOutcome(ctx context.Context, q queue.Queue, logger *zap.Logger, res tagging.Result, location, deviceType string) {
	if !res.Success || res.NeedsConfirmation || res.Action == tagging.ActionAlreadyTagged {
		return
	}
	body, _ := json.Marshal(map[string]any{
		"action":      res.Action,
		"location":    location,
		"device_type": deviceType,
		"at":          time.Now().UTC(),
	})
	if err := q.Publish(ctx, queue.Message{Type: "tag", Body: body}); err != nil {
		logger.Warn("queue publish failed", zap.Error(err))
	}
}

// CORS middleware for browser requests
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		origin := c.Request.Header.Get("Origin")
		if origin == "" {
			origin = "*"
		}

		c.Header("Access-Control-Allow-Origin", origin)
		c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Accept, Authorization")
		c.Header("Access-Control-Allow-Credentials", "true")
		c.Header("Access-Control-Max-Age", "86400")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}

// Security headers middleware
func securityHeaders() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("X-Content-Type-Options", "nosniff")
		c.Header("X-Frame-Options", "DENY")
		c.Header("X-XSS-Protection", "1; mode=block")
		c.Header("Referrer-Policy", "strict-origin-when-cross-origin")

		if gin.Mode() == gin.ReleaseMode {
			c.Header("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		}

		c.Next()
	}
}
