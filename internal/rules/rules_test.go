package rules

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/Control-D-Inc/tunneld/testhelper"
)

func TestEngine_Match(t *testing.T) {
	cfg := testhelper.SampleConfig(t)
	e := New(func() map[string]string { return cfg.Rule })
	assert.Equal(t, 3, e.RefreshRuleCount())

	tests := []struct {
		name    string
		want    Action
		pattern string
		ok      bool
	}{
		{"tracker.example.", ActionBlock, "tracker.example", true},
		{"Banner.Ads.Example.", ActionBlock, "*.ads.example", true},
		{"good.ads.example.", ActionAllow, "good.ads.example", true},
		{"ads.example.", "", "", false},
		{"example.com.", "", "", false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			action, pattern, ok := e.Match(tc.name)
			assert.Equal(t, tc.ok, ok)
			assert.Equal(t, tc.want, action)
			assert.Equal(t, tc.pattern, pattern)
		})
	}
	assert.True(t, e.Blocked("x.ads.example."))
	assert.False(t, e.Blocked("good.ads.example."))

	e.Cleanup()
	assert.False(t, e.Blocked("tracker.example."))
}

func TestWildcardMatches(t *testing.T) {
	tests := []struct {
		wildcard, str string
		want          bool
	}{
		{"*", "anything", true},
		{"", "anything", false},
		{"*.example", "a.example", true},
		{"*.example", "example", false},
		{"ads.*", "ads.example", true},
		{"a*a", "a", false},
		{"*.a*.b", "x.a.b", false},
	}
	for _, tc := range tests {
		assert.Equal(t, tc.want, wildcardMatches(tc.wildcard, tc.str), "%s ~ %s", tc.wildcard, tc.str)
	}
}
