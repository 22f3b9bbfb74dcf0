package queryx

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"dohgate/configx"
	"dohgate/ext/types"
	"dohgate/ext/xlog"

	"github.com/miekg/dns"
)

func testConfig(t *testing.T) *configx.Config {
	t.Helper()
	fname := filepath.Join(t.TempDir(), "config.json")
	content := `{
		"server": {
			"main": {"logLevel": "error", "singleflight": true},
			"listen": [{"addr": "127.0.0.1:5300"}],
			"upstream": {"url": "https://dns.google/resolve"}
		}
	}`
	if err := os.WriteFile(fname, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	cfg, err := configx.ParseConfig(fname)
	if err != nil {
		t.Fatal(err)
	}
	return cfg
}

func newExchange(r *dns.Msg) *types.Exchange {
	return &types.Exchange{QueryMsg: r, Log: xlog.Logger().Debug()}
}

func TestQueryUnsupportedTypeShortCircuit(t *testing.T) {
	cfg := testConfig(t)

	r := new(dns.Msg)
	r.SetQuestion("example.com.", dns.TypeANY)

	rmsg, err := Query(newExchange(r), cfg)
	if err != nil {
		t.Fatalf("unsupported type is not an error, got: %v", err)
	}
	if rmsg == nil || !rmsg.Response {
		t.Fatalf("expected a reply message, got %v", rmsg)
	}
	if len(rmsg.Answer) != 0 {
		t.Errorf("expected empty answer, got %d records", len(rmsg.Answer))
	}
	if s := cfg.Server.Upstream.AgentPool().Stats(); s.Acquires != 0 {
		t.Errorf("unsupported type must not touch the pool, acquires: %d", s.Acquires)
	}
}

func TestQueryEmptyQuestion(t *testing.T) {
	cfg := testConfig(t)

	r := new(dns.Msg)
	r.Id = dns.Id()

	rmsg, err := Query(newExchange(r), cfg)
	if err == nil {
		t.Errorf("empty question section should report an error")
	}
	if rmsg == nil || rmsg.Rcode != dns.RcodeFormatError {
		t.Errorf("expected FORMERR reply, got %v", rmsg)
	}
}

// pipelineConfig points the upstream at a local h2 test server, the
// server's self-signed certificate is accepted via the tls insecure knob.
func pipelineConfig(t *testing.T, url string) *configx.Config {
	t.Helper()
	fname := filepath.Join(t.TempDir(), "config.json")
	content := fmt.Sprintf(`{
		"server": {
			"main": {"logLevel": "error"},
			"listen": [{"addr": "127.0.0.1:5300"}],
			"upstream": {
				"url": %q,
				"tls_config": {"insecure": true}
			}
		}
	}`, url)
	if err := os.WriteFile(fname, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	cfg, err := configx.ParseConfig(fname)
	if err != nil {
		t.Fatal(err)
	}
	return cfg
}

func newDoHTestServer(t *testing.T, handler http.HandlerFunc) *httptest.Server {
	t.Helper()
	ts := httptest.NewUnstartedServer(handler)
	ts.EnableHTTP2 = true
	ts.StartTLS()
	t.Cleanup(ts.Close)
	return ts
}

func TestQueryUpstreamAnswer(t *testing.T) {
	ts := newDoHTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		if accept := r.Header.Get("Accept"); accept != configx.DOHAcceptHeaderTypeJSON {
			t.Errorf("unexpected accept header: %s", accept)
		}
		if name := r.URL.Query().Get("name"); name != "example.com." {
			t.Errorf("unexpected upstream name: %s", name)
		}
		w.Header().Set("Content-Type", configx.DOHAcceptHeaderTypeJSON)
		json.NewEncoder(w).Encode(&types.DOHJson{
			Status: dns.RcodeSuccess,
			RD:     true,
			RA:     true,
			Answer: []types.DOHJsonAnswer{
				{Name: "example.com.", Type: dns.TypeA, TTL: 300, Data: "93.184.216.34"},
			},
		})
	})

	cfg := pipelineConfig(t, ts.URL)

	r := new(dns.Msg)
	r.SetQuestion("example.com.", dns.TypeA)

	rmsg, err := Query(newExchange(r), cfg)
	if err != nil {
		t.Fatal(err)
	}
	if len(rmsg.Answer) != 1 {
		t.Fatalf("expected exactly 1 answer, got %d", len(rmsg.Answer))
	}
	a, ok := rmsg.Answer[0].(*dns.A)
	if !ok {
		t.Fatalf("expected A record, got %T", rmsg.Answer[0])
	}
	if a.Hdr.Ttl != 300 {
		t.Errorf("answer ttl %d, want 300", a.Hdr.Ttl)
	}
	if a.A.String() != "93.184.216.34" {
		t.Errorf("answer address %s, want 93.184.216.34", a.A)
	}
	if !rmsg.RecursionAvailable {
		t.Errorf("recursion-available flag not propagated")
	}

	s := cfg.Server.Upstream.AgentPool().Stats()
	if s.Acquires != 1 || s.Discards != 0 {
		t.Errorf("unexpected pool stats after success: %+v", s)
	}
	if s.Idle != 1 {
		t.Errorf("agent not released back to the idle stack, idle: %d", s.Idle)
	}
}

func TestQueryUpstreamEmptyBody(t *testing.T) {
	ts := newDoHTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", configx.DOHAcceptHeaderTypeJSON)
		w.Write([]byte("{}"))
	})

	cfg := pipelineConfig(t, ts.URL)

	r := new(dns.Msg)
	r.SetQuestion("example.com.", dns.TypeA)

	rmsg, err := Query(newExchange(r), cfg)
	if err != nil {
		t.Fatal(err)
	}
	if len(rmsg.Answer) != 0 {
		t.Errorf("expected empty answer, got %d records", len(rmsg.Answer))
	}
}

func TestQueryUpstreamBadStatus(t *testing.T) {
	cases := []struct {
		statusCode int
		wantErr    error
	}{
		{http.StatusForbidden, ErrDoHServerRefused},
		{http.StatusInternalServerError, ErrDoHServerFailure},
	}

	for _, c := range cases {
		statusCode := c.statusCode
		ts := newDoHTestServer(t, func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(statusCode)
		})

		cfg := pipelineConfig(t, ts.URL)

		r := new(dns.Msg)
		r.SetQuestion("example.com.", dns.TypeA)

		rmsg, err := Query(newExchange(r), cfg)
		if !errors.Is(err, c.wantErr) {
			t.Errorf("status %d: expected %v, got %v", statusCode, c.wantErr, err)
		}
		if rmsg == nil || !rmsg.Response || len(rmsg.Answer) != 0 {
			t.Errorf("status %d: expected empty reply, got %v", statusCode, rmsg)
		}
		if s := cfg.Server.Upstream.AgentPool().Stats(); s.Discards != 1 {
			t.Errorf("status %d: agent not discarded, stats: %+v", statusCode, s)
		}
	}
}

func TestQueryUpstreamUnreachable(t *testing.T) {
	ts := httptest.NewUnstartedServer(http.NotFoundHandler())
	ts.EnableHTTP2 = true
	ts.StartTLS()
	url := ts.URL
	ts.Close()

	cfg := pipelineConfig(t, url)

	r := new(dns.Msg)
	r.SetQuestion("example.com.", dns.TypeA)

	rmsg, err := Query(newExchange(r), cfg)
	if err == nil {
		t.Errorf("expected transport error against closed listener")
	}
	if rmsg == nil || !rmsg.Response || len(rmsg.Answer) != 0 {
		t.Errorf("expected empty reply, got %v", rmsg)
	}
	if s := cfg.Server.Upstream.AgentPool().Stats(); s.Discards != 1 || s.Idle != 0 {
		t.Errorf("failed agent not discarded, stats: %+v", s)
	}
}

func TestSetReplyRebindsSharedResult(t *testing.T) {
	r1 := new(dns.Msg)
	r1.SetQuestion("example.com.", dns.TypeA)
	r2 := new(dns.Msg)
	r2.SetQuestion("example.com.", dns.TypeA)

	shared := new(dns.Msg)
	shared.SetReply(r1)
	shared.RecursionAvailable = true
	shared.Rcode = dns.RcodeSuccess
	shared.Answer = append(shared.Answer, &dns.A{
		Hdr: dns.RR_Header{Name: "example.com.", Rrtype: dns.TypeA, Class: dns.ClassINET, Ttl: 300},
	})

	rmsg := shared.Copy()
	setReply(rmsg, r2)

	if rmsg.Id != r2.Id {
		t.Errorf("reply id %d not rebound to caller id %d", rmsg.Id, r2.Id)
	}
	if !rmsg.RecursionAvailable {
		t.Errorf("recursion-available flag lost on rebind")
	}
	if len(rmsg.Answer) != 1 {
		t.Errorf("answers lost on rebind: %d", len(rmsg.Answer))
	}
}
