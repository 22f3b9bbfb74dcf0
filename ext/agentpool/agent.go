package agentpool

import (
	"context"
	"crypto/tls"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"dohgate/ext/xlog"

	"golang.org/x/net/http2"
)

// Agent is one reusable outbound HTTP/2 connection to the resolver.
//
// The underlying connection is established lazily on the first request,
// creating an Agent never fails. Dial or TLS errors are recorded and
// surface from Do, afterwards the agent reports itself unusable and the
// pool will not hand it out again.
type Agent struct {
	addr           string // resolver host:port
	tlsConfig      *tls.Config
	tr             *http2.Transport
	connectTimeout time.Duration

	mu      sync.Mutex
	conn    net.Conn
	cc      *http2.ClientConn
	connErr error
	closed  bool
}

type AgentOption struct {
	Addr           string
	TLSConfig      *tls.Config
	ConnectTimeout time.Duration
}

func NewAgent(opt *AgentOption) *Agent {
	tlsConf := opt.TLSConfig
	if tlsConf == nil {
		tlsConf = &tls.Config{}
	}
	if len(tlsConf.NextProtos) == 0 {
		tlsConf = tlsConf.Clone()
		tlsConf.NextProtos = []string{"h2"}
	}

	connectTimeout := opt.ConnectTimeout
	if connectTimeout <= 0 {
		connectTimeout = 5 * time.Second
	}

	return &Agent{
		addr:           opt.Addr,
		tlsConfig:      tlsConf,
		tr:             &http2.Transport{TLSClientConfig: tlsConf, PingTimeout: 10 * time.Second},
		connectTimeout: connectTimeout,
	}
}

// Do issues one request over the agent's HTTP/2 connection, dialing it
// first if this is the agent's first use. The request context bounds both
// the dial and the exchange.
func (a *Agent) Do(req *http.Request) (*http.Response, error) {
	cc, err := a.clientConn(req.Context())
	if err != nil {
		return nil, err
	}
	return cc.RoundTrip(req)
}

var errAgentClosed = errors.New("agent already closed")

func (a *Agent) clientConn(ctx context.Context) (*http2.ClientConn, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return nil, errAgentClosed
	}
	if a.connErr != nil {
		return nil, a.connErr
	}
	if a.cc != nil {
		return a.cc, nil
	}

	d := &tls.Dialer{
		NetDialer: &net.Dialer{Timeout: a.connectTimeout, KeepAlive: 65 * time.Second, FallbackDelay: -1},
		Config:    a.tlsConfig,
	}
	conn, err := d.DialContext(ctx, "tcp", a.addr)
	if err != nil {
		a.connErr = err
		xlog.Logger().Warn().Str("log_type", "agent").Str("op_type", "connect").Str("addr", a.addr).Err(err).Msg("")
		return nil, err
	}

	cc, err := a.tr.NewClientConn(conn)
	if err != nil {
		a.connErr = err
		conn.Close()
		xlog.Logger().Warn().Str("log_type", "agent").Str("op_type", "setup").Str("addr", a.addr).Err(err).Msg("")
		return nil, err
	}

	a.conn = conn
	a.cc = cc
	xlog.Logger().Trace().Str("log_type", "agent").Str("op_type", "connect").Str("addr", a.addr).Msg("")
	return cc, nil
}

// Usable reports whether the agent may carry another request. A fresh,
// never-connected agent is usable, its first Do decides. An agent whose
// connection signaled goaway or errored is not.
func (a *Agent) Usable() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed || a.connErr != nil {
		return false
	}
	if a.cc == nil {
		return true
	}
	return a.cc.CanTakeNewRequest()
}

func (a *Agent) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return nil
	}
	a.closed = true

	var err error
	if a.cc != nil {
		err = a.cc.Close()
		a.cc = nil
	}
	if a.conn != nil {
		a.conn.Close()
		a.conn = nil
	}
	return err
}
