package serverx

import (
	"context"
	"io"
	"net/http"
	"net/http/pprof"
	"sync"
	"time"

	"dohgate/configx"
	"dohgate/ext/xlog"

	"github.com/gin-gonic/gin"
)

type AdminResponse struct {
	Status int // 0 OK, others Failed
	Desc   string
}

// must put before all other middleware, to prevent abort in any other middleware
func LoggerMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		logEvent := xlog.Logger().Info().Str("log_type", "admin")
		logEvent.Str("clientip", c.ClientIP()).Str("method", c.Request.Method).Str("uri", c.Request.URL.RequestURI())

		c.Next()

		logEvent.Int("status_code", c.Writer.Status()).Dur("latency", time.Since(start)).Msg("")
	}
}

// GET /stats/pool
func (srv *ServerMux) handleRequestAdminStatsPool(c *gin.Context) {
	c.JSON(http.StatusOK, srv.cfg.Server.Upstream.AgentPool().Stats())
}

// GET /config/dump
func (srv *ServerMux) handleRequestAdminConfigDump(c *gin.Context) {
	jsonStr, err := srv.cfg.DumpJson()
	if err != nil {
		c.JSON(http.StatusInternalServerError, AdminResponse{
			Status: 1,
			Desc:   "failed to dump configuration: " + err.Error(),
		})
		return
	}
	c.Data(http.StatusOK, "application/json", []byte(jsonStr))
}

var httpProfileS = map[string]func(c *gin.Context){
	"/":        gin.WrapF(pprof.Index),
	"/cmdline": gin.WrapF(pprof.Cmdline),
	"/profile": gin.WrapF(pprof.Profile),
	"/symbol":  gin.WrapF(pprof.Symbol),
	"/trace":   gin.WrapF(pprof.Trace),
}

const pprofPrefix = "/debug/pprof"

func handleProfile(c *gin.Context) {
	path := c.Request.URL.Path
	if len(path) > len(pprofPrefix) {
		path = path[len(pprofPrefix):]
	}

	if f, found := httpProfileS[path]; found {
		f(c)
		return
	}
	gin.WrapF(pprof.Index)(c)
}

func (srv *ServerMux) serveAdmin(listen configx.Listen, wg *sync.WaitGroup) {
	wg.Add(1)
	go func(listen configx.Listen) {
		xlog.Logger().Info().Str("log_type", "admin").Str("address", listen.Addr).Str("network", listen.Network).Bool("enable_profile", srv.cfg.Admin.EnableProfile).Msg("")

		gin.SetMode(gin.ReleaseMode)
		gin.DefaultWriter = io.Discard
		r := gin.New()
		r.Use(gin.Recovery())
		r.Use(LoggerMiddleware())

		r.GET("/stats/pool", srv.handleRequestAdminStatsPool)
		r.GET("/config/dump", srv.handleRequestAdminConfigDump)

		if srv.cfg.Admin.EnableProfile {
			pprofGroup := r.Group(pprofPrefix)
			pprofGroup.GET("/*any", handleProfile)
		}

		httpSrv := &http.Server{
			Addr:         listen.Addr,
			Handler:      r,
			IdleTimeout:  listen.Timeout.IdleDuration,
			ReadTimeout:  listen.Timeout.ReadDuration,
			WriteTimeout: listen.Timeout.WriteDuration,
		}

		srv.registerOnShutdown(func(ctx context.Context) error {
			xlog.Logger().Info().Str("log_type", "admin").Str("network", listen.Network).Str("addr", listen.Addr).Msg("signal to shutdown server")
			err := httpSrv.Shutdown(ctx)
			logEvent := xlog.Logger().Info().Str("log_type", "admin").Str("network", listen.Network).Str("addr", listen.Addr).Err(err)

			wg.Done()
			logEvent.Msg("server has been shutdown")
			return err
		})

		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			panic(err)
		}
	}(listen)
}
