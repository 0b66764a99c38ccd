package gatewarden

import (
	"context"
	"crypto/subtle"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/lmittmann/tint"
)

const (
	apiPrefix         = "/api"
	apiHealthCheck    = "/api/health"
	xRequestIDHeader  = "X-Request-ID"
	basicAuthRealm    = `Basic realm="gatewarden", charset="UTF-8"`
	apiPathStatus     = "/status"
	apiPathSettings   = "/settings"
	apiPathPause      = "/pause"
	apiPathResume     = "/resume"
	apiPathQuit       = "/quit"
	apiPathBlacklist  = "/blacklist"
	apiPathGuildPerms = "/guilds/:guild_id/permissions"
	apiPathGuildBlock = "/guilds/:guild_id/blocked"
	apiPathGuildIgnor = "/guilds/:guild_id/ignores"
	apiPathGuildFlush = "/guilds/:guild_id/invalidate"
)

type httpError struct {
	Error string `json:"error"`
}

type httpReply struct {
	Message string `json:"message"`
}

// API is the backend admin server: a gin engine serving bot status,
// per-guild permission snapshots, blacklist management, and runtime
// settings, authenticated with HTTP basic auth against the stored admin
// credentials.
type API struct {
	config           *APIConfig
	httpServer       *http.Server
	listener         net.Listener
	engine           *gin.Engine
	requestMetrics   map[string]int
	requestMetricsMu sync.Mutex
	logger           *slog.Logger

	b *Gatewarden
}

func newAPI(b *Gatewarden, config *APIConfig) (*API, error) {
	logger := slog.New(
		tint.NewHandler(
			os.Stdout, &tint.Options{
				Level:     config.LogLevel,
				AddSource: true,
			},
		),
	).With(loggerNameKey, "api")

	gin.SetMode(gin.ReleaseMode)
	r := gin.New()

	api := &API{
		config:         config,
		engine:         r,
		requestMetrics: map[string]int{},
		logger:         logger,
		b:              b,
	}

	tlsCfg, err := tlsConfig(
		config.SSL.Cert,
		config.SSL.Key,
		config.SSL.TLSMinVersion,
	)
	if err != nil {
		return nil, fmt.Errorf("error loading SSL certs: %w", err)
	}

	api.httpServer = &http.Server{
		Addr:              config.Listen,
		Handler:           r,
		TLSConfig:         tlsCfg,
		WriteTimeout:      config.WriteTimeout,
		IdleTimeout:       config.IdleTimeout,
		ReadTimeout:       config.ReadTimeout,
		ReadHeaderTimeout: config.ReadHeaderTimeout,
	}

	r.Use(
		gin.Recovery(),
		requestIDMiddleware(),
		ginLoggingMiddleware(),
		metricMiddleware(api),
		cors.New(config.CORS.GINConfig()),
	)

	r.GET(apiHealthCheck, api.healthCheck)

	protected := r.Group(apiPrefix)
	protected.Use(api.authMiddleware())

	protected.GET(apiPathStatus, api.getStatus)
	protected.GET(apiPathGuildPerms, api.getGuildPermissions)
	protected.GET(apiPathGuildBlock, api.getGuildBlocked)
	protected.GET(apiPathGuildIgnor, api.getGuildIgnores)
	protected.POST(apiPathGuildFlush, api.invalidateGuild)
	protected.GET(apiPathBlacklist, api.getBlacklist)
	protected.PUT(apiPathBlacklist+"/:id", api.addBlacklistEntry)
	protected.DELETE(apiPathBlacklist+"/:id", api.removeBlacklistEntry)
	protected.GET(apiPathSettings, api.getSettings)
	protected.PATCH(apiPathSettings, api.updateSettings)
	protected.POST(apiPathPause, api.pauseBot)
	protected.POST(apiPathResume, api.resumeBot)
	protected.POST(apiPathQuit, api.botQuit)

	return api, nil
}

func (a *API) Serve(ctx context.Context) error {
	if a.listener != nil {
		return a.httpServer.Serve(a.listener)
	}
	listenCfg := &net.ListenConfig{}
	ln, err := listenCfg.Listen(ctx, a.config.ListenNetwork, a.config.Listen)
	if err != nil {
		return err
	}
	ln = tls.NewListener(ln, a.httpServer.TLSConfig)
	a.listener = ln
	return a.httpServer.Serve(a.listener)
}

func (a *API) Shutdown(ctx context.Context) error {
	return a.httpServer.Shutdown(ctx)
}

// authMiddleware validates HTTP basic auth credentials against the stored
// admin username and argon2 password hash. Requests are rejected while no
// admin credentials have been configured.
func (a *API) authMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		settings, err := a.b.GetSettings(c.Request.Context())
		if err != nil {
			ginContextLogger(c).Error("error loading settings", tint.Err(err))
			c.AbortWithStatusJSON(
				http.StatusInternalServerError,
				httpError{Error: "Internal Server Error"},
			)
			return
		}
		if settings.AdminUsername == "" || settings.AdminPassword == "" {
			c.Header("WWW-Authenticate", basicAuthRealm)
			c.AbortWithStatusJSON(
				http.StatusUnauthorized,
				httpError{Error: "admin credentials not configured"},
			)
			return
		}

		username, password, ok := c.Request.BasicAuth()
		var passwordMatch bool
		if ok {
			passwordMatch, _ = verifyPassword(settings.AdminPassword, password)
		}
		if !ok ||
			subtle.ConstantTimeCompare(
				[]byte(username),
				[]byte(settings.AdminUsername),
			) != 1 ||
			!passwordMatch {
			c.Header("WWW-Authenticate", basicAuthRealm)
			c.AbortWithStatusJSON(
				http.StatusUnauthorized,
				httpError{Error: "Unauthorized"},
			)
			return
		}
		c.Next()
	}
}

func (a *API) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (a *API) getStatus(c *gin.Context) {
	a.requestMetricsMu.Lock()
	metrics := make(map[string]int, len(a.requestMetrics))
	for k, v := range a.requestMetrics {
		metrics[k] = v
	}
	a.requestMetricsMu.Unlock()

	c.JSON(
		http.StatusOK, gin.H{
			"version":           Version,
			"commit":            CommitSHA,
			"build_time":        BuildTime,
			"started_at":        a.b.startedAt,
			"uptime":            time.Since(a.b.startedAt).String(),
			"discord_connected": a.b.discord.connected.Load(),
			"cache":             a.b.gate.CacheStats(),
			"requests":          metrics,
		},
	)
}

func (a *API) getGuildPermissions(c *gin.Context) {
	guildID := c.Param("guild_id")
	resolved, err := a.b.gate.CommandPermissions(c.Request.Context(), guildID)
	if err != nil {
		ginContextLogger(c).Error("error resolving permissions", tint.Err(err))
		c.JSON(
			http.StatusInternalServerError,
			httpError{Error: "error resolving permissions"},
		)
		return
	}
	c.JSON(
		http.StatusOK, gin.H{
			"guild_id":    guildID,
			"permissions": resolved.Snapshot(),
		},
	)
}

func (a *API) getGuildBlocked(c *gin.Context) {
	guildID := c.Param("guild_id")
	channelID := c.Query("channel_id")
	resolved, err := a.b.gate.CommandPermissions(c.Request.Context(), guildID)
	if err != nil {
		ginContextLogger(c).Error("error resolving permissions", tint.Err(err))
		c.JSON(
			http.StatusInternalServerError,
			httpError{Error: "error resolving permissions"},
		)
		return
	}
	c.JSON(
		http.StatusOK, gin.H{
			"guild_id":   guildID,
			"channel_id": channelID,
			"blocked":    resolved.BlockedCommands(channelID),
		},
	)
}

func (a *API) getGuildIgnores(c *gin.Context) {
	guildID := c.Param("guild_id")
	entries, err := a.b.gate.ListIgnores(c.Request.Context(), guildID)
	if err != nil {
		ginContextLogger(c).Error("error listing ignores", tint.Err(err))
		c.JSON(
			http.StatusInternalServerError,
			httpError{Error: "error listing ignores"},
		)
		return
	}
	c.JSON(http.StatusOK, gin.H{"guild_id": guildID, "ignores": entries})
}

func (a *API) invalidateGuild(c *gin.Context) {
	guildID := c.Param("guild_id")
	a.b.gate.InvalidateGuild(c.Request.Context(), guildID)
	ginReplyMessage(c, fmt.Sprintf("invalidated caches for guild %s", guildID))
}

func (a *API) getBlacklist(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"blacklist": a.b.gate.GlobalBlacklist()})
}

func (a *API) addBlacklistEntry(c *gin.Context) {
	id := c.Param("id")
	if err := a.b.gate.SetGlobalBlock(c.Request.Context(), id); err != nil {
		ginContextLogger(c).Error("error adding blacklist entry", tint.Err(err))
		c.JSON(
			http.StatusInternalServerError,
			httpError{Error: "error adding blacklist entry"},
		)
		return
	}
	ginReplyMessage(c, fmt.Sprintf("blocked %s", id))
}

func (a *API) removeBlacklistEntry(c *gin.Context) {
	id := c.Param("id")
	if err := a.b.gate.ClearGlobalBlock(c.Request.Context(), id); err != nil {
		ginContextLogger(c).Error("error removing blacklist entry", tint.Err(err))
		c.JSON(
			http.StatusInternalServerError,
			httpError{Error: "error removing blacklist entry"},
		)
		return
	}
	ginReplyMessage(c, fmt.Sprintf("unblocked %s", id))
}

func (a *API) getSettings(c *gin.Context) {
	settings, err := a.b.GetSettings(c.Request.Context())
	if err != nil {
		c.JSON(
			http.StatusInternalServerError,
			httpError{Error: "error loading settings"},
		)
		return
	}
	// never return the password hash
	settings.AdminPassword = ""
	c.JSON(http.StatusOK, settings)
}

// settingsUpdate is the PATCH body for updateSettings: only non-nil
// fields are applied.
type settingsUpdate struct {
	CustomStatus           *string        `json:"custom_status"`
	Paused                 *bool          `json:"paused"`
	SpamLimitCount         *int           `json:"spam_limit_count" binding:"omitempty,min=0"`
	SpamLimitWindow        *time.Duration `json:"spam_limit_window"`
	SpamAutoBlockThreshold *int           `json:"spam_auto_block_threshold" binding:"omitempty,min=0"`
}

func (a *API) updateSettings(c *gin.Context) {
	var update settingsUpdate
	if err := c.ShouldBindJSON(&update); err != nil {
		c.JSON(http.StatusBadRequest, httpError{Error: err.Error()})
		return
	}

	ctx := c.Request.Context()
	settings, err := a.b.GetSettings(ctx)
	if err != nil {
		c.JSON(
			http.StatusInternalServerError,
			httpError{Error: "error loading settings"},
		)
		return
	}

	if update.CustomStatus != nil {
		settings.CustomStatus = *update.CustomStatus
	}
	if update.Paused != nil {
		settings.Paused = *update.Paused
	}
	if update.SpamLimitCount != nil {
		settings.SpamLimitCount = *update.SpamLimitCount
	}
	if update.SpamLimitWindow != nil {
		settings.SpamLimitWindow = *update.SpamLimitWindow
	}
	if update.SpamAutoBlockThreshold != nil {
		settings.SpamAutoBlockThreshold = *update.SpamAutoBlockThreshold
	}

	if err = a.b.UpdateSettings(ctx, settings); err != nil {
		ginContextLogger(c).Error("error updating settings", tint.Err(err))
		c.JSON(
			http.StatusInternalServerError,
			httpError{Error: "error updating settings"},
		)
		return
	}

	if update.CustomStatus != nil && a.b.discord.session != nil {
		if statusErr := a.b.discord.updateCustomStatus(settings.CustomStatus); statusErr != nil {
			ginContextLogger(c).Warn(
				"unable to update custom status",
				tint.Err(statusErr),
			)
		}
	}

	settings.AdminPassword = ""
	c.JSON(http.StatusOK, settings)
}

func (a *API) pauseBot(c *gin.Context) {
	if err := a.b.Pause(c.Request.Context()); err != nil {
		c.JSON(http.StatusInternalServerError, httpError{Error: "error pausing"})
		return
	}
	ginReplyMessage(c, "paused")
}

func (a *API) resumeBot(c *gin.Context) {
	if err := a.b.Resume(c.Request.Context()); err != nil {
		c.JSON(http.StatusInternalServerError, httpError{Error: "error resuming"})
		return
	}
	ginReplyMessage(c, "resumed")
}

func (a *API) botQuit(c *gin.Context) {
	ginReplyMessage(c, "stopping")
	go a.b.Stop(context.Background())
}

func requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := generateRandomHexString(32)
		if err != nil {
			c.AbortWithStatus(http.StatusInternalServerError)
			return
		}
		c.Set(xRequestIDHeader, id)
		c.Header(xRequestIDHeader, id)
		c.Next()
	}
}

// ginContextLogger returns the slog.Logger from the given gin context,
// or, if it doesn't exist, creates a logger with request details included,
// and sets the logger in the context so the next call to ginContextLogger
// will return the new logger.
func ginContextLogger(c *gin.Context) *slog.Logger {
	logger, ok := c.Get(string(loggerContextKey))
	if ok {
		if requestLogger, isLogger := logger.(*slog.Logger); isLogger {
			return requestLogger
		}
	}
	requestID, _ := c.Get(xRequestIDHeader)
	path := c.Request.URL.Path
	raw := c.Request.URL.RawQuery
	if raw != "" {
		path = path + "?" + raw
	}

	requestLogger := slog.Default().With(
		slog.Group(
			"request",
			"method", c.Request.Method,
			"path", path,
			"remote_addr", c.Request.RemoteAddr,
			"remote_ip", c.RemoteIP(),
			"user_agent", c.Request.UserAgent(),
			"referer", c.Request.Referer(),
		),
		slog.Any(xRequestIDHeader, requestID),
	)
	c.Set(string(loggerContextKey), requestLogger)
	return requestLogger
}

// ginLoggingMiddleware returns a Gin middleware function for logging HTTP
// requests: method, path, remote address, duration, and any errors.
func ginLoggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		requestLogger := ginContextLogger(c)
		c.Next()
		latency := time.Since(start)

		var errs []error
		for _, e := range c.Errors.ByType(gin.ErrorTypePrivate) {
			errs = append(errs, *e)
		}
		if len(errs) > 0 {
			requestLogger.Error(
				fmt.Sprintf(
					"%s %s finished with errors",
					c.Request.Method,
					c.Request.URL,
				),
				"duration", latency,
				"errors", errs,
				slog.Group(
					"response",
					"status_code", c.Writer.Status(),
					"body_size", c.Writer.Size(),
				),
			)
		} else {
			requestLogger.Info(
				fmt.Sprintf("%s %s finished", c.Request.Method, c.Request.URL),
				"duration", latency,
				slog.Group(
					"response",
					"status_code", c.Writer.Status(),
					"body_size", c.Writer.Size(),
				),
			)
		}
	}
}

// metricMiddleware increments the request count for each unique
// combination of HTTP method and URL path.
func metricMiddleware(a *API) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer c.Next()

		a.requestMetricsMu.Lock()
		defer a.requestMetricsMu.Unlock()

		key := fmt.Sprintf("%s %s", c.Request.Method, c.Request.URL.Path)
		a.requestMetrics[key]++
	}
}

// ginReplyMessage sends a JSON response with a message, with HTTP status
// code 200, via the gin context.
func ginReplyMessage(c *gin.Context, message string) {
	c.JSON(http.StatusOK, httpReply{Message: message})
}
