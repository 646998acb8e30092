package callmetrics

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/miekg/dns"
	"go.uber.org/zap"
)

// resolver tracks the addresses of the remote write host. A change in the
// address set tells the exporter to rebuild its client.
type resolver struct {
	host   string
	cfg    DNSConfig
	logger *zap.Logger

	mutex       sync.Mutex
	resolvedIPs []string
	lastResolve time.Time
	cache       map[string]dnsCacheEntry

	// lookup is replaced in tests
	lookup func(ctx context.Context, host string) ([]string, error)
}

type dnsCacheEntry struct {
	ips     []string
	expires time.Time
}

func newResolver(host string, cfg DNSConfig, logger *zap.Logger) *resolver {
	cfg.CacheTTL = pickDuration(cfg.CacheTTL, 10*time.Minute)
	cfg.RefreshInterval = pickDuration(cfg.RefreshInterval, 5*time.Minute)
	cfg.Timeout = pickDuration(cfg.Timeout, 800*time.Millisecond)

	r := &resolver{
		host:   host,
		cfg:    cfg,
		logger: logger,
		cache:  make(map[string]dnsCacheEntry),
	}
	if cfg.Enable {
		r.lookup = r.resolveFastest
	} else {
		r.lookup = systemLookup
	}
	return r
}

// periodic reports whether the host should be re-resolved on a timer
func (r *resolver) periodic() bool {
	return r.cfg.Enable && r.host != "" && net.ParseIP(r.host) == nil
}

// refresh resolves the host and reports whether the client should be
// recreated. Unforced refreshes are throttled to one per minute.
func (r *resolver) refresh(ctx context.Context, force bool) bool {
	if r.host == "" || net.ParseIP(r.host) != nil {
		return false
	}

	r.mutex.Lock()
	defer r.mutex.Unlock()

	if !force && time.Since(r.lastResolve) < time.Minute {
		return false
	}

	if ce, ok := r.cache[r.host]; ok && !force && time.Now().Before(ce.expires) {
		r.lastResolve = time.Now()
		if slices.Equal(ce.ips, r.resolvedIPs) {
			return false
		}
		r.resolvedIPs = ce.ips
		return true
	}

	lookupCtx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
	defer cancel()
	ips, err := r.lookup(lookupCtx, r.host)
	r.lastResolve = time.Now()
	if err != nil || len(ips) == 0 {
		r.logger.Warn("DNS lookup failed", zap.String("host", r.host), zap.Error(err))
		return false
	}

	slices.Sort(ips)
	changed := !slices.Equal(ips, r.resolvedIPs)
	r.resolvedIPs = ips
	if r.cfg.Enable {
		r.cache[r.host] = dnsCacheEntry{ips: ips, expires: time.Now().Add(r.cfg.CacheTTL)}
	}
	if changed {
		r.logger.Info("remote write host resolved", zap.String("host", r.host), zap.Strings("ips", ips))
	}
	return changed || force
}

// resolveFastest queries all configured resolvers concurrently and returns the first success
func (r *resolver) resolveFastest(ctx context.Context, host string) ([]string, error) {
	type result struct {
		ips []string
		err error
	}

	var queries []func(context.Context) ([]string, error)
	for _, srv := range r.cfg.UDPServers {
		queries = append(queries, func(ctx context.Context) ([]string, error) {
			return exchange(ctx, host, srv, "udp")
		})
	}
	for _, srv := range r.cfg.TLSServers {
		queries = append(queries, func(ctx context.Context) ([]string, error) {
			return exchange(ctx, host, srv, "tcp-tls")
		})
	}
	for _, ep := range r.cfg.DoHEndpoints {
		queries = append(queries, func(ctx context.Context) ([]string, error) {
			return resolveDoH(ctx, host, ep)
		})
	}
	queries = append(queries, func(ctx context.Context) ([]string, error) {
		return systemLookup(ctx, host)
	})

	ch := make(chan result, len(queries))
	for _, q := range queries {
		go func() {
			ips, err := q(ctx)
			ch <- result{ips, err}
		}()
	}

	var firstErr error
	for range queries {
		select {
		case res := <-ch:
			if res.err == nil && len(res.ips) > 0 {
				return res.ips, nil
			}
			if firstErr == nil {
				firstErr = res.err
			}
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if firstErr == nil {
		firstErr = fmt.Errorf("no dns result")
	}
	return nil, firstErr
}

func systemLookup(ctx context.Context, host string) ([]string, error) {
	netIPs, err := net.DefaultResolver.LookupIP(ctx, "ip4", host)
	if err != nil {
		return nil, err
	}
	ips := make([]string, 0, len(netIPs))
	for _, ip := range netIPs {
		ips = append(ips, ip.String())
	}
	return ips, nil
}

// exchange sends an A query over udp or tcp-tls
func exchange(ctx context.Context, host, server, network string) ([]string, error) {
	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(host), dns.TypeA)
	c := &dns.Client{Net: network, Timeout: 800 * time.Millisecond}
	r, _, err := c.ExchangeContext(ctx, m, server)
	if err != nil {
		return nil, fmt.Errorf("%s dns failed: %w", network, err)
	}
	return answerIPs(r)
}

func resolveDoH(ctx context.Context, host, endpoint string) ([]string, error) {
	q := new(dns.Msg)
	q.SetQuestion(dns.Fqdn(host), dns.TypeA)
	payload, err := q.Pack()
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/dns-message")
	req.Header.Set("Accept", "application/dns-message")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("doh status: %d", resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	var r dns.Msg
	if err := r.Unpack(body); err != nil {
		return nil, err
	}
	return answerIPs(&r)
}

func answerIPs(r *dns.Msg) ([]string, error) {
	if r == nil || r.Rcode != dns.RcodeSuccess {
		return nil, fmt.Errorf("dns query unsuccessful")
	}
	ips := make([]string, 0, len(r.Answer))
	for _, ans := range r.Answer {
		if a, ok := ans.(*dns.A); ok {
			ips = append(ips, a.A.String())
		}
	}
	return ips, nil
}
