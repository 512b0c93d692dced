// Package dns enriches source IPs with reverse DNS and origin ASN data.
package dns

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"

	mdns "github.com/miekg/dns"
	"golang.org/x/net/publicsuffix"
	"golang.org/x/sync/singleflight"

	"github.com/firefart/dmarcpipeline/internal/config"
	"github.com/firefart/dmarcpipeline/internal/dmarc"
)

const (
	cymruOrigin4 = "origin.asn.cymru.com."
	cymruOrigin6 = "origin6.asn.cymru.com."
)

var errNotFound = errors.New("no such record")

type cacheEntry struct {
	enrichment dmarc.Enrichment
	found      bool
	timestamp  time.Time
}

// Resolver looks up PTR records and optionally the origin AS of an IP and
// caches the result to not hammer your DNS server. NXDOMAIN answers are
// cached too, failed queries are not.
type Resolver struct {
	servers      []string
	client       *mdns.Client
	timeout      time.Duration
	cacheTimeout time.Duration
	asn          bool
	logger       *slog.Logger

	group    singleflight.Group
	mutex    sync.Mutex
	dnsCache  map[string]cacheEntry
	lastSweep time.Time
	now       func() time.Time
}

func New(conf config.DNSConfig, logger *slog.Logger) *Resolver {
	servers := conf.Servers
	if len(servers) == 0 {
		servers = systemNameservers()
	}
	timeout := conf.Timeout.Duration
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	cacheTimeout := conf.CacheTimeout.Duration
	if cacheTimeout <= 0 {
		cacheTimeout = time.Hour
	}
	return &Resolver{
		servers:      servers,
		client:       &mdns.Client{Timeout: timeout},
		timeout:      timeout,
		cacheTimeout: cacheTimeout,
		asn:          conf.ASN,
		logger:       logger,
		dnsCache:     make(map[string]cacheEntry),
		now:          time.Now,
	}
}

func systemNameservers() []string {
	conf, err := mdns.ClientConfigFromFile("/etc/resolv.conf")
	if err != nil || len(conf.Servers) == 0 {
		return []string{"8.8.8.8:53", "1.1.1.1:53"}
	}
	servers := make([]string, 0, len(conf.Servers))
	for _, s := range conf.Servers {
		servers = append(servers, net.JoinHostPort(s, conf.Port))
	}
	return servers
}

// Lookup implements dmarc.Enricher. Concurrent lookups of the same IP share
// one set of queries.
func (r *Resolver) Lookup(ctx context.Context, ip string) (dmarc.Enrichment, bool) {
	if entry, ok := r.getCacheEntry(ip); ok {
		return entry.enrichment, entry.found
	}

	v, _, _ := r.group.Do(ip, func() (any, error) {
		if entry, ok := r.getCacheEntry(ip); ok {
			return entry, nil
		}
		e, found, err := r.resolve(ctx, ip)
		if err != nil {
			return cacheEntry{enrichment: e, found: found}, nil
		}
		return r.updateCache(ip, e, found), nil
	})
	entry := v.(cacheEntry)
	return entry.enrichment, entry.found
}

// resolve returns an error when a query failed for another reason than a
// missing record. The partial result is still usable but must not be cached.
func (r *Resolver) resolve(ctx context.Context, ip string) (dmarc.Enrichment, bool, error) {
	r.logger.Debug("resolving", slog.String("ip", ip))
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var e dmarc.Enrichment
	found := false
	var lookupErr error

	name, err := r.lookupPTR(ctx, ip)
	switch {
	case err == nil:
		e.ReverseDNS = name
		if base, err := publicsuffix.EffectiveTLDPlusOne(name); err == nil {
			e.BaseDomain = base
		}
		found = true
	case !errors.Is(err, errNotFound):
		r.logger.Debug("reverse lookup failed", slog.String("ip", ip), slog.String("error", err.Error()))
		lookupErr = err
	}

	if r.asn {
		asn, country, err := r.lookupASN(ctx, ip)
		if err == nil {
			e.ASN = asn
			e.Country = country
			found = true
		} else if !errors.Is(err, errNotFound) {
			r.logger.Debug("asn lookup failed", slog.String("ip", ip), slog.String("error", err.Error()))
			lookupErr = err
		}
	}
	return e, found, lookupErr
}

func (r *Resolver) query(ctx context.Context, name string, qtype uint16) (*mdns.Msg, error) {
	m := new(mdns.Msg)
	m.SetQuestion(mdns.Fqdn(name), qtype)
	m.RecursionDesired = true

	var lastErr error
	for _, server := range r.servers {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		resp, _, err := r.client.ExchangeContext(ctx, m, server)
		if err != nil {
			lastErr = fmt.Errorf("dns query to %s failed: %w", server, err)
			continue
		}
		switch resp.Rcode {
		case mdns.RcodeSuccess:
			return resp, nil
		case mdns.RcodeNameError:
			return nil, errNotFound
		default:
			lastErr = fmt.Errorf("dns query to %s returned %s", server, mdns.RcodeToString[resp.Rcode])
		}
	}
	if lastErr == nil {
		lastErr = errors.New("no dns servers configured")
	}
	return nil, lastErr
}

func (r *Resolver) lookupPTR(ctx context.Context, ip string) (string, error) {
	arpa, err := mdns.ReverseAddr(ip)
	if err != nil {
		return "", fmt.Errorf("invalid ip %q: %w", ip, err)
	}
	resp, err := r.query(ctx, arpa, mdns.TypePTR)
	if err != nil {
		return "", err
	}
	for _, rr := range resp.Answer {
		if ptr, ok := rr.(*mdns.PTR); ok {
			// remove trailing dot
			return strings.ToLower(strings.TrimSuffix(ptr.Ptr, ".")), nil
		}
	}
	return "", errNotFound
}

// lookupASN queries the Team Cymru IP to ASN mapping. Answers look like
// "15169 | 8.8.8.0/24 | US | arin | 2014-03-14".
func (r *Resolver) lookupASN(ctx context.Context, ip string) (string, string, error) {
	arpa, err := mdns.ReverseAddr(ip)
	if err != nil {
		return "", "", fmt.Errorf("invalid ip %q: %w", ip, err)
	}
	var name string
	switch {
	case strings.HasSuffix(arpa, ".in-addr.arpa."):
		name = strings.TrimSuffix(arpa, "in-addr.arpa.") + cymruOrigin4
	default:
		name = strings.TrimSuffix(arpa, "ip6.arpa.") + cymruOrigin6
	}

	resp, err := r.query(ctx, name, mdns.TypeTXT)
	if err != nil {
		return "", "", err
	}
	for _, rr := range resp.Answer {
		txt, ok := rr.(*mdns.TXT)
		if !ok {
			continue
		}
		fields := strings.Split(strings.Join(txt.Txt, ""), "|")
		if len(fields) < 3 {
			continue
		}
		// multiple origins are space separated, the first one wins
		asn, _, _ := strings.Cut(strings.TrimSpace(fields[0]), " ")
		if asn == "" {
			continue
		}
		return "AS" + asn, strings.TrimSpace(fields[2]), nil
	}
	return "", "", errNotFound
}

func (r *Resolver) updateCache(ip string, e dmarc.Enrichment, found bool) cacheEntry {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	now := r.now()
	if now.Sub(r.lastSweep) >= r.cacheTimeout {
		r.sweep(now)
	}
	entry := cacheEntry{
		enrichment: e,
		found:      found,
		timestamp:  now,
	}
	r.dnsCache[ip] = entry
	return entry
}

// sweep drops expired entries of IPs that are never looked up again. Must be
// called with the lock held.
func (r *Resolver) sweep(now time.Time) {
	for ip, entry := range r.dnsCache {
		if now.Add(-1 * r.cacheTimeout).After(entry.timestamp) {
			delete(r.dnsCache, ip)
		}
	}
	r.lastSweep = now
}

func (r *Resolver) getCacheEntry(ip string) (cacheEntry, bool) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	val, ok := r.dnsCache[ip]
	if !ok {
		return cacheEntry{}, false
	}
	// check if the cache expired
	if r.now().Add(-1 * r.cacheTimeout).After(val.timestamp) {
		r.logger.Debug("deleting stale DNS entry", slog.String("ip", ip), slog.Time("stored", val.timestamp))
		delete(r.dnsCache, ip)
		return cacheEntry{}, false
	}
	return val, true
}
