package cli

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/miekg/dns"

	"github.com/Control-D-Inc/tunneld"
	"github.com/Control-D-Inc/tunneld/internal/dnscache"
	"github.com/Control-D-Inc/tunneld/internal/session"
)

// cacheGroup is the upstream part of cache keys, every answer of a tunnel
// comes from the same transport.
const cacheGroup = "tunnel"

const defaultQueryTimeout = 10 * time.Second

var reqID atomic.Uint64

// blocker decides which names are answered locally.
type blocker interface {
	Blocked(name string) bool
}

// forwarder answers tunnel queries: local rules first, then the response
// cache, then the transport.
type forwarder struct {
	transport session.Transport
	cache     dnscache.Cacher
	rules     blocker
	now       func() time.Time
}

func newForwarder(transport session.Transport, cache dnscache.Cacher, rules blocker) *forwarder {
	return &forwarder{transport: transport, cache: cache, rules: rules, now: time.Now}
}

// answer returns the reply to req. It never returns nil.
func (f *forwarder) answer(ctx context.Context, req *dns.Msg) *dns.Msg {
	ctx = context.WithValue(ctx, tunneld.ReqIdCtxKey{}, fmt.Sprintf("%06x", reqID.Add(1)))
	if len(req.Question) != 1 {
		return reply(req, dns.RcodeFormatError)
	}
	q := req.Question[0]
	logger := tunneld.ProxyLogger.Load()
	if f.rules != nil && f.rules.Blocked(q.Name) {
		tunneld.Log(ctx, logger.Debug(), "%s %s blocked by local rule", q.Name, dns.TypeToString[q.Qtype])
		return reply(req, dns.RcodeNameError)
	}

	var key dnscache.Key
	if f.cache != nil {
		key = dnscache.NewKey(req, cacheGroup)
		if v := f.cache.Get(key); v != nil {
			tunneld.Log(ctx, logger.Debug(), "%s %s answered from cache", q.Name, dns.TypeToString[q.Qtype])
			return v.Answer(req, f.now())
		}
	}

	ctx, cancel := context.WithTimeout(ctx, defaultQueryTimeout)
	defer cancel()
	answer, err := f.transport.Exchange(ctx, req)
	if err != nil {
		tunneld.Log(ctx, logger.Warn().Err(err), "%s %s could not be forwarded", q.Name, dns.TypeToString[q.Qtype])
		return reply(req, dns.RcodeServerFailure)
	}
	answer.Id = req.Id
	if f.cache != nil {
		if v, ok := dnscache.NewValue(answer, f.now()); ok {
			f.cache.Add(key, v)
		}
	}
	return answer
}

func reply(req *dns.Msg, rcode int) *dns.Msg {
	m := new(dns.Msg)
	m.SetRcode(req, rcode)
	return m
}
