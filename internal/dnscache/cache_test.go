package dnscache

import (
	"testing"
	"time"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func answerFor(t *testing.T, q *dns.Msg, ttl uint32) *dns.Msg {
	t.Helper()
	rr, err := dns.NewRR(q.Question[0].Name + " " + "300 IN A 192.0.2.1")
	require.NoError(t, err)
	rr.Header().Ttl = ttl
	m := new(dns.Msg)
	m.SetReply(q)
	m.Answer = []dns.RR{rr}
	return m
}

func TestCache_GetAddClear(t *testing.T) {
	c, err := New(16)
	require.NoError(t, err)
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return now }

	q := new(dns.Msg)
	q.SetQuestion("Example.COM.", dns.TypeA)
	key := NewKey(q, "tls")
	assert.Equal(t, "example.com.", key.Name)

	v, ok := NewValue(answerFor(t, q, 60), now)
	require.True(t, ok)
	c.Add(key, v)
	require.NotNil(t, c.Get(key))
	assert.Nil(t, c.Get(NewKey(q, "https")), "upstream group is part of the key")

	q2 := new(dns.Msg)
	q2.SetQuestion("example.com.", dns.TypeA)
	got := c.Get(NewKey(q2, "tls")).Answer(q2, now.Add(20*time.Second))
	assert.Equal(t, q2.Id, got.Id)
	assert.EqualValues(t, 40, got.Answer[0].Header().Ttl)

	c.Clear()
	assert.Zero(t, c.Len())
	assert.Nil(t, c.Get(key))
}

func TestCache_Expiry(t *testing.T) {
	c, err := New(16)
	require.NoError(t, err)
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return now }

	q := new(dns.Msg)
	q.SetQuestion("example.com.", dns.TypeA)
	v, ok := NewValue(answerFor(t, q, 5), now)
	require.True(t, ok)
	key := NewKey(q, "quic")
	c.Add(key, v)

	now = now.Add(5 * time.Second)
	assert.Nil(t, c.Get(key))
	assert.Zero(t, c.Len())
}

func TestNewValue_NotCacheable(t *testing.T) {
	q := new(dns.Msg)
	q.SetQuestion("example.com.", dns.TypeA)
	now := time.Now()

	servfail := new(dns.Msg)
	servfail.SetRcode(q, dns.RcodeServerFailure)
	truncated := answerFor(t, q, 60)
	truncated.Truncated = true
	empty := new(dns.Msg)
	empty.SetReply(q)

	tests := []struct {
		name string
		msg  *dns.Msg
	}{
		{"nil", nil},
		{"servfail", servfail},
		{"truncated", truncated},
		{"no records", empty},
		{"zero ttl", answerFor(t, q, 0)},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, ok := NewValue(tc.msg, now)
			assert.False(t, ok)
		})
	}
}
