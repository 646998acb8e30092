package callmetrics

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap/zaptest"
)

func TestResolverRefresh(t *testing.T) {
	t.Parallel()
	r := newResolver("metrics.internal", DNSConfig{Enable: true}, zaptest.NewLogger(t))

	answers := [][]string{{"10.0.0.2", "10.0.0.1"}, {"10.0.0.1", "10.0.0.2"}, {"10.0.0.3"}}
	lookups := 0
	r.lookup = func(ctx context.Context, host string) ([]string, error) {
		ips := answers[lookups]
		lookups++
		return append([]string(nil), ips...), nil
	}

	assert.True(t, r.periodic())
	assert.True(t, r.refresh(context.Background(), false), "first resolution changes the set")
	assert.False(t, r.refresh(context.Background(), false), "throttled within a minute")
	assert.Equal(t, 1, lookups)

	assert.True(t, r.refresh(context.Background(), true), "forced refresh always reports")
	assert.Equal(t, []string{"10.0.0.1", "10.0.0.2"}, r.resolvedIPs)

	assert.True(t, r.refresh(context.Background(), true))
	assert.Equal(t, []string{"10.0.0.3"}, r.resolvedIPs)
	assert.Equal(t, 3, lookups)
}

func TestResolverSkipsLiteralsAndFailures(t *testing.T) {
	t.Parallel()

	literal := newResolver("127.0.0.1", DNSConfig{Enable: true}, zaptest.NewLogger(t))
	assert.False(t, literal.periodic())
	assert.False(t, literal.refresh(context.Background(), true))

	failing := newResolver("metrics.internal", DNSConfig{}, zaptest.NewLogger(t))
	failing.lookup = func(ctx context.Context, host string) ([]string, error) {
		return nil, errors.New("no such host")
	}
	assert.False(t, failing.periodic(), "periodic refresh needs dns enabled")
	assert.False(t, failing.refresh(context.Background(), true))
}
