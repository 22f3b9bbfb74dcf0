package serverx

import (
	"context"
	"net"
	"sync"
	"time"

	"dohgate/configx"
	"dohgate/ext/types"
	"dohgate/ext/xlog"
	"dohgate/queryx"

	"github.com/miekg/dns"
)

// one inbound exchange: receive, forward, respond, always exactly once
func (srv *ServerMux) handleRequest(w dns.ResponseWriter, r *dns.Msg) {
	ex := &types.Exchange{
		QueryMsg: r,
		Log:      xlog.Logger().Info(),
	}

	clientip, _, _ := net.SplitHostPort(w.RemoteAddr().String())
	logEvent := ex.Log.Str("log_type", "server").Str("protocol", configx.ProtocolTypeDNS).Str("network", w.RemoteAddr().Network()).Str("clientip", clientip)
	start := time.Now()

	rmsg, err := queryx.Query(ex, srv.cfg)
	if err != nil {
		logEvent.Err(err)
	}
	if rmsg != nil {
		err = w.WriteMsg(rmsg)
		logEvent.AnErr("write_error", err)
	}
	logEvent.Dur("latency", time.Since(start)).Msg("")
}

func (srv *ServerMux) serveDNS(listen configx.Listen, wg *sync.WaitGroup) {
	wg.Add(1)
	go func(listen configx.Listen) {
		dos := &dns.Server{
			Addr:          listen.Addr,
			Net:           listen.Network,
			MaxTCPQueries: listen.QueriesPerConn,
			UDPSize:       1280,
			IdleTimeout:   func() time.Duration { return listen.Timeout.IdleDuration },
			ReadTimeout:   listen.Timeout.ReadDuration,
			WriteTimeout:  listen.Timeout.WriteDuration,
		}
		mux := dns.NewServeMux()
		mux.HandleFunc(".", srv.handleRequest)
		dos.Handler = mux

		srv.registerOnShutdown(func(ctx context.Context) error {
			xlog.Logger().Info().Str("log_type", "server").Str("protocol", configx.ProtocolTypeDNS).Str("network", listen.Network).Str("addr", listen.Addr).Msg("signal to shutdown server")
			err := dos.ShutdownContext(ctx)
			logEvent := xlog.Logger().Info().Str("log_type", "server").Str("protocol", configx.ProtocolTypeDNS).Str("network", listen.Network).Str("addr", listen.Addr).Err(err)

			wg.Done()
			logEvent.Msg("server has been shutdown")
			return err
		})

		xlog.Logger().Info().Str("log_type", "server").Str("protocol", configx.ProtocolTypeDNS).Str("network", listen.Network).Str("addr", listen.Addr).Msg("listening")
		if err := dos.ListenAndServe(); err != nil {
			panic(err)
		}
	}(listen)
}
