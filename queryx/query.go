package queryx

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"dohgate/configx"
	"dohgate/ext/agentpool"
	"dohgate/ext/types"

	"github.com/miekg/dns"
	"github.com/rs/zerolog"
)

var (
	ErrDoHServerRefused = errors.New("doh server response status_code 403")
	ErrDoHServerFailure = errors.New("doh server response status_code not 2xx")
)

// Query runs one inbound message through the forwarding pipeline and
// returns the reply to send back. Per-query failures are contained: the
// returned message is always valid to write, the error is for the caller's
// log only.
func Query(ex *types.Exchange, cfg *configx.Config) (*dns.Msg, error) {

	r := ex.QueryMsg
	ex.SetIncomingMsg()

	logEvent := ex.Log
	var err error

	if r == nil {
		err = errors.New("invalid dns message")
		logEvent.Err(err)
		return nil, err
	}

	logEvent.Uint16("id", r.Id).Str("op_code", dns.OpcodeToString[r.Opcode])
	if len(r.Question) == 0 {
		rmsg := new(dns.Msg)
		rmsg.SetReply(r)
		rmsg.Rcode = dns.RcodeFormatError
		err = errors.New("invalid dns query, question section is empty")
		logEvent.Err(err)
		return rmsg, err
	}

	q := r.Question[0]
	qname := q.Name
	qtype := dns.TypeToString[q.Qtype]
	qclass := dns.ClassToString[q.Qclass]

	logEvent.Str("name", qname).Str("qtype", qtype).Str("qclass", qclass)

	if qtype == "" || qclass == "" {
		rmsg := new(dns.Msg)
		rmsg.SetReply(r)
		rmsg.Rcode = dns.RcodeFormatError
		err = fmt.Errorf("invalid dns query, type or class is invalid, name: '%s', type: %d, class: %d", qname, q.Qtype, q.Qclass)
		logEvent.Err(err)
		return rmsg, err
	}

	oq, err := Translate(q, cfg.Server.Upstream.EdnsClientSubnet)
	if err != nil {
		// unsupported question type, answered locally with an empty
		// reply, nothing goes upstream
		rmsg := new(dns.Msg)
		rmsg.SetReply(r)
		logEvent.Str("query_type", "unsupported").Str("rcode", dns.RcodeToString[rmsg.Rcode])
		return rmsg, nil
	}

	if !cfg.Server.Main.Singleflight {
		return resolve(ex, cfg, oq)
	}

	key := strconv.Itoa(int(q.Qclass)) + "|" + strconv.Itoa(int(q.Qtype)) + "|" + strings.ToLower(qname)
	v, err, shared := cfg.GetSingleflightGroup().Do(key, func() (interface{}, error) {
		return resolve(ex, cfg, oq)
	})
	logEvent.Bool("singleflight", shared)

	rmsg, _ := v.(*dns.Msg)
	if rmsg == nil {
		return nil, err
	}
	if shared {
		// result is shared between callers, re-bind a copy to this
		// caller's message id and flags
		rmsg = rmsg.Copy()
		setReply(rmsg, ex.GetIncomingMsg())
	}
	return rmsg, err
}

func resolve(ex *types.Exchange, cfg *configx.Config, oq *OutboundQuery) (*dns.Msg, error) {

	r := ex.QueryMsg
	logEvent := ex.Log

	rmsg := new(dns.Msg)
	rmsg.SetReply(r)

	up := &cfg.Server.Upstream
	pool := up.AgentPool()
	agent := pool.Acquire()

	start := time.Now()
	dj, err := exchangeDoH(agent, up, oq, logEvent)
	logEvent.Dur("upstream_latency", time.Since(start))

	if err != nil {
		// observed error, the agent never goes back on the idle stack
		pool.Discard(agent)
		return rmsg, err
	}
	pool.Release(agent)

	applyDoHJson(dj, rmsg)
	return rmsg, nil
}

// curl --request GET --header "Accept: application/dns-json" "https://dns.google/resolve?name=www.google.com&type=1"
func exchangeDoH(agent *agentpool.Agent, up *configx.Upstream, oq *OutboundQuery, logEvent *zerolog.Event) (*types.DOHJson, error) {

	ctx, cancel := context.WithTimeout(context.Background(), up.TimeoutDuration)
	defer cancel()

	dohUrl := up.Url
	if strings.HasSuffix(dohUrl, "?") {
		dohUrl += oq.Encode()
	} else {
		dohUrl += "?" + oq.Encode()
	}

	logEvent.Str("method", http.MethodGet).Str("doh_url", up.Url)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, dohUrl, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", configx.DOHAcceptHeaderTypeJSON)

	resp, err := agent.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	logEvent.Int("status_code", resp.StatusCode).Str("http_version", resp.Proto)

	switch resp.StatusCode {
	case http.StatusOK:
		//
	case http.StatusForbidden:
		io.Copy(io.Discard, resp.Body)
		return nil, ErrDoHServerRefused
	default:
		io.Copy(io.Discard, resp.Body)
		return nil, ErrDoHServerFailure
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	dj := new(types.DOHJson)
	if err = json.Unmarshal(body, dj); err != nil {
		return nil, err
	}
	return dj, nil
}

func setReply(rmsg *dns.Msg, r *dns.Msg) {
	rcode := rmsg.Rcode
	ra := rmsg.RecursionAvailable
	rmsg.SetReply(r)
	rmsg.Rcode = rcode
	rmsg.RecursionAvailable = ra
}
