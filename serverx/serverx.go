package serverx

import (
	"context"
	"sync"

	"dohgate/configx"
	"dohgate/ext/warm"
)

type ServerMux struct {
	cfg *configx.Config

	lock      sync.Mutex
	shutdowns []func(ctx context.Context) error
}

func NewServerMux(cfg *configx.Config) *ServerMux {
	return &ServerMux{cfg: cfg}
}

// register funcs that will execute on shutdown
func (srv *ServerMux) registerOnShutdown(f func(ctx context.Context) error) {
	srv.lock.Lock()
	srv.shutdowns = append(srv.shutdowns, f)
	srv.lock.Unlock()
}

// Shutdown stops all listeners, in-flight exchanges get until ctx expires
// to finish. The keepalive runner has no stop, it dies with the process.
func (srv *ServerMux) Shutdown(ctx context.Context) error {
	srv.lock.Lock()
	shutdowns := srv.shutdowns
	srv.shutdowns = nil
	srv.lock.Unlock()

	var err error
	for _, f := range shutdowns {
		if e := f(ctx); e != nil && err == nil {
			err = e
		}
	}
	return err
}

func (srv *ServerMux) Serve(wg *sync.WaitGroup) {
	cfg := srv.cfg

	for i := range cfg.Server.Listen {
		srv.serveDNS(cfg.Server.Listen[i], wg)
	}

	for i := range cfg.Admin.Listen {
		srv.serveAdmin(cfg.Admin.Listen[i], wg)
	}

	up := &cfg.Server.Upstream
	if !up.KeepAlive.Disabled {
		wr := &warm.Runner{
			Interval: up.KeepAlive.IntervalDuration,
			Timeout:  up.TimeoutDuration,
			Url:      up.Url,
			Name:     up.Host(),
			Accept:   configx.DOHAcceptHeaderTypeJSON,
			Pool:     up.AgentPool(),
		}
		go wr.Run()
	}
}
