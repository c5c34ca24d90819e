// Package dnscache caches upstream DNS answers for the local tunnel listener.
package dnscache

import (
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/miekg/dns"

	"github.com/Control-D-Inc/tunneld"
)

// Cacher is the interface of a DNS response cache.
type Cacher interface {
	Get(Key) *Value
	Add(Key, *Value)
	Clear()
	Len() int
}

// Key is the caching key for a DNS message.
type Key struct {
	Qtype    uint16
	Qclass   uint16
	Name     string
	Upstream string
}

// Value is a cached answer and the time it stops being valid.
type Value struct {
	Expire time.Time
	Msg    *dns.Msg
}

var _ Cacher = (*ARCCache)(nil)

// ARCCache implements Cacher on top of an adaptive replacement cache.
type ARCCache struct {
	cacher *lru.ARCCache[Key, *Value]
	now    func() time.Time
}

// New creates an ARCCache holding at most size entries.
func New(size int) (*ARCCache, error) {
	cacher, err := lru.NewARC[Key, *Value](size)
	if err != nil {
		return nil, err
	}
	return &ARCCache{cacher: cacher, now: time.Now}, nil
}

// Get returns the value of key, or nil if it is missing or expired.
// Expired entries are evicted on access.
func (c *ARCCache) Get(key Key) *Value {
	v, ok := c.cacher.Get(key)
	if !ok {
		return nil
	}
	if !c.now().Before(v.Expire) {
		c.cacher.Remove(key)
		return nil
	}
	return v
}

// Add adds a value to cache.
func (c *ARCCache) Add(key Key, value *Value) {
	c.cacher.Add(key, value)
}

// Clear drops every entry.
func (c *ARCCache) Clear() {
	c.cacher.Purge()
}

// Len returns the number of cached entries, expired ones included.
func (c *ARCCache) Len() int {
	return c.cacher.Len()
}

// NewKey creates the cache key of msg's question for the given upstream group.
func NewKey(msg *dns.Msg, upstream string) Key {
	q := msg.Question[0]
	return Key{Qtype: q.Qtype, Qclass: q.Qclass, Name: strings.ToLower(q.Name), Upstream: upstream}
}

// NewValue returns the cache value of answer, valid for its smallest TTL.
// ok is false if the answer must not be cached.
func NewValue(answer *dns.Msg, now time.Time) (v *Value, ok bool) {
	if answer == nil || answer.Truncated || (answer.Rcode != dns.RcodeSuccess && answer.Rcode != dns.RcodeNameError) {
		return nil, false
	}
	ttl, found := minTTL(answer)
	if !found || ttl == 0 {
		return nil, false
	}
	return &Value{Expire: now.Add(time.Duration(ttl) * time.Second), Msg: answer.Copy()}, true
}

func minTTL(msg *dns.Msg) (uint32, bool) {
	var ttl uint32
	found := false
	for _, section := range [][]dns.RR{msg.Answer, msg.Ns} {
		for _, rr := range section {
			h := rr.Header()
			if h.Rrtype == dns.TypeOPT {
				continue
			}
			if !found || h.Ttl < ttl {
				ttl, found = h.Ttl, true
			}
		}
	}
	return ttl, found
}

// Answer returns a copy of the cached message for query, with id and
// TTLs adjusted to the remaining lifetime.
func (v *Value) Answer(query *dns.Msg, now time.Time) *dns.Msg {
	answer := v.Msg.Copy()
	tunneld.SetCacheReply(answer, query, v.Msg.Rcode)
	remaining := uint32(v.Expire.Sub(now).Seconds())
	for _, section := range [][]dns.RR{answer.Answer, answer.Ns} {
		for _, rr := range section {
			rr.Header().Ttl = remaining
		}
	}
	return answer
}
