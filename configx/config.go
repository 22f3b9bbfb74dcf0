package configx

import (
	"crypto/tls"
	"encoding/json"
	"fmt"
	"net"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"dohgate/ext/agentpool"

	"github.com/go-playground/validator/v10"
	"golang.org/x/sync/singleflight"
)

var validate = validator.New()

type Config struct {
	filename  string              `json:"-"` // current using configuration file name
	timestamp time.Time           `json:"-"` // configuration file parse timestamp
	lock      sync.Mutex          `json:"-"` // internal use, lazy init some values
	sfGroup   *singleflight.Group `json:"-"`

	Server Server `json:"server"`
	Admin  Admin  `json:"admin"`
}

type Server struct {
	Main     Main     `json:"main"`
	Listen   []Listen `json:"listen" validate:"min=1,dive"`
	Upstream Upstream `json:"upstream"`
}

type Main struct {
	// stderr
	// stdout
	// file:/path/log
	LogFile  string `json:"logFile"`
	LogLevel string `json:"logLevel" validate:"omitempty,oneof=trace debug info warn error fatal panic"`

	Singleflight bool `json:"singleflight"`

	ShutdownTimeout         string        `json:"shutdownTimeout"`
	ShutdownTimeoutDuration time.Duration `json:"-"`
}

// Server -> Listen
type Listen struct {
	Addr           string  `json:"addr" validate:"required"`
	Network        string  `json:"network" validate:"omitempty,oneof=udp tcp"`
	Timeout        Timeout `json:"timeout"`
	QueriesPerConn int     `json:"queriesPerConn" validate:"omitempty,min=0"`
}

type Timeout struct {
	Idle          string        `json:"idle"`
	IdleDuration  time.Duration `json:"-"`
	Read          string        `json:"read"`
	ReadDuration  time.Duration `json:"-"`
	Write         string        `json:"write"`
	WriteDuration time.Duration `json:"-"`
}

// Server -> Upstream
type Upstream struct {
	Url              string        `json:"url" validate:"omitempty,url"`
	Timeout          string        `json:"timeout"`
	TimeoutDuration  time.Duration `json:"-"`
	EdnsClientSubnet string        `json:"ednsClientSubnet" validate:"omitempty,cidr"`
	TlsConfig        TlsConfig     `json:"tls_config"`
	Pool             Pool          `json:"pool"`
	KeepAlive        KeepAlive     `json:"keepalive"`

	// use internal
	host string          `json:"-"`
	addr string          `json:"-"`
	pool *agentpool.Pool `json:"-"`
}

type TlsConfig struct {
	ServerName         string `json:"serverName"`
	InsecureSkipVerify bool   `json:"insecure"`
}

type Pool struct {
	Size int `json:"size" validate:"omitempty,min=1,max=64"`
}

type KeepAlive struct {
	Disabled         bool          `json:"disabled"`
	Interval         string        `json:"interval"`
	IntervalDuration time.Duration `json:"-"`
}

type Admin struct {
	Listen        []Listen `json:"listen" validate:"dive"`
	EnableProfile bool     `json:"enableProfile"`
}

func ParseConfig(fname string) (*Config, error) {
	return parseConfig(fname)
}

func parseConfig(fname string) (*Config, error) {
	buf, err := os.ReadFile(fname)
	if err != nil {
		return nil, err
	}

	cfg := new(Config)
	if err = json.Unmarshal(buf, cfg); err != nil {
		return nil, err
	}
	cfg.filename = fname
	cfg.timestamp = time.Now()

	if err = validate.Struct(cfg); err != nil {
		return nil, err
	}

	if err = cfg.Server.Main.parse(); err != nil {
		return nil, err
	}
	for i := range cfg.Server.Listen {
		if err = cfg.Server.Listen[i].parse(); err != nil {
			return nil, err
		}
	}
	if err = cfg.Server.Upstream.parse(); err != nil {
		return nil, err
	}
	for i := range cfg.Admin.Listen {
		if err = cfg.Admin.Listen[i].parse(); err != nil {
			return nil, err
		}
		if cfg.Admin.Listen[i].Network == "udp" {
			return nil, fmt.Errorf("admin listen '%s' must use tcp", cfg.Admin.Listen[i].Addr)
		}
	}

	return cfg, nil
}

func (m *Main) parse() error {
	if m.LogLevel == "" {
		m.LogLevel = "info"
	}
	var err error
	m.ShutdownTimeoutDuration, err = parseDefaultDuration(m.ShutdownTimeout, 10*time.Second)
	return err
}

func (l *Listen) parse() error {
	if _, _, err := net.SplitHostPort(l.Addr); err != nil {
		return fmt.Errorf("invalid listen addr '%s', error: %v", l.Addr, err)
	}
	if l.Network == "" {
		l.Network = "udp"
	}
	return l.Timeout.parse()
}

func (t *Timeout) parse() error {
	var err error
	if t.IdleDuration, err = parseDefaultDuration(t.Idle, 65*time.Second); err != nil {
		return err
	}
	if t.ReadDuration, err = parseDefaultDuration(t.Read, 5*time.Second); err != nil {
		return err
	}
	t.WriteDuration, err = parseDefaultDuration(t.Write, 5*time.Second)
	return err
}

func (up *Upstream) parse() error {
	if up.Url == "" {
		up.Url = DefaultUpstreamUrl
	}
	u, err := url.Parse(up.Url)
	if err != nil {
		return fmt.Errorf("invalid upstream url '%s', error: %v", up.Url, err)
	}
	if u.Scheme != "https" {
		return fmt.Errorf("invalid upstream url '%s', scheme must be https", up.Url)
	}
	up.host = u.Hostname()
	if up.host == "" {
		return fmt.Errorf("invalid upstream url '%s', no host", up.Url)
	}
	port := u.Port()
	if port == "" {
		port = "443"
	}
	up.addr = net.JoinHostPort(up.host, port)

	if up.TimeoutDuration, err = parseDefaultDuration(up.Timeout, 5*time.Second); err != nil {
		return err
	}

	if up.Pool.Size == 0 {
		up.Pool.Size = 5
	}

	if up.KeepAlive.IntervalDuration, err = parseDefaultDuration(up.KeepAlive.Interval, 30*time.Second); err != nil {
		return err
	}

	serverName := up.TlsConfig.ServerName
	if serverName == "" {
		serverName = up.host
	}
	tlsConf := &tls.Config{
		ServerName:         serverName,
		InsecureSkipVerify: up.TlsConfig.InsecureSkipVerify,
	}

	addr := up.addr
	connectTimeout := up.TimeoutDuration
	up.pool, err = agentpool.NewPool(up.Pool.Size, func() *agentpool.Agent {
		return agentpool.NewAgent(&agentpool.AgentOption{
			Addr:           addr,
			TLSConfig:      tlsConf,
			ConnectTimeout: connectTimeout,
		})
	})
	return err
}

func parseDefaultDuration(s string, d time.Duration) (time.Duration, error) {
	if len(s) == 0 {
		return d, nil
	}
	t, err := time.ParseDuration(s)
	if err != nil || t <= 0 {
		if err == nil {
			err = fmt.Errorf("invalid duration: %s", s)
		}
		return d, err
	}
	return t, nil
}

// resolver host name, keepalive queries ask for it
func (up *Upstream) Host() string {
	return up.host
}

func (up *Upstream) Addr() string {
	return up.addr
}

func (up *Upstream) AgentPool() *agentpool.Pool {
	return up.pool
}

func (cfg *Config) GetSingleflightGroup() *singleflight.Group {
	cfg.lock.Lock()
	defer cfg.lock.Unlock()
	if cfg.sfGroup == nil {
		cfg.sfGroup = new(singleflight.Group)
	}
	return cfg.sfGroup
}

func (cfg *Config) GetTimestamp() time.Time {
	return cfg.timestamp
}

func (cfg *Config) GetFileName() string {
	return cfg.filename
}

func (cfg *Config) DumpJson() (string, error) {
	sb := new(strings.Builder)
	je := json.NewEncoder(sb)
	je.SetIndent("", "\t")
	if err := je.Encode(cfg); err != nil {
		return "", err
	}
	return sb.String(), nil
}
