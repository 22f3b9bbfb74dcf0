package warm

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"time"

	"dohgate/ext/agentpool"
	"dohgate/ext/xlog"
)

// Runner keeps the pooled upstream connections warm: on a fixed interval
// it borrows an agent, issues a minimal query for the resolver's own host
// name, discards the response and puts the agent back. The remote end
// sees steady traffic and does not idle-close the pool.
type Runner struct {
	Interval time.Duration
	Timeout  time.Duration
	Url      string // upstream query endpoint
	Name     string // name queried on each firing, the resolver host itself
	Accept   string
	Pool     *agentpool.Pool
}

// Run fires on every interval until the process exits. Each firing is
// independent, errors are logged and the next firing proceeds regardless.
func (wr *Runner) Run() {
	ticker := time.NewTicker(wr.Interval)
	defer ticker.Stop()
	for range ticker.C {
		start := time.Now()
		err := wr.fire()
		xlog.Logger().Debug().Str("log_type", "warm").Str("op_type", "keepalive").Str("name", wr.Name).Dur("elapsed_time", time.Since(start)).Err(err).Msg("")
	}
}

func (wr *Runner) fire() error {
	ctx, cancel := context.WithTimeout(context.Background(), wr.Timeout)
	defer cancel()

	req, err := wr.newRequest(ctx)
	if err != nil {
		return err
	}

	agent := wr.Pool.Acquire()
	resp, err := agent.Do(req)
	if err != nil {
		wr.Pool.Discard(agent)
		return err
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	wr.Pool.Release(agent)
	return nil
}

// a keepalive query carries no padding, its size hides nothing worth hiding
func (wr *Runner) newRequest(ctx context.Context) (*http.Request, error) {
	values := url.Values{}
	values.Set("name", wr.Name)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, wr.Url+"?"+values.Encode(), nil)
	if err != nil {
		return nil, err
	}
	if wr.Accept != "" {
		req.Header.Set("Accept", wr.Accept)
	}
	return req, nil
}
