package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type timeouts struct {
	Resolve time.Duration
	Launch  time.Duration
}

type sample struct {
	Name     string
	Enabled  bool
	Timeouts timeouts
	Hosts    []string
	Labels   map[string]string
	TLS      *struct{ Insecure bool }
}

func TestMergeConfig_OverridesNonZero(t *testing.T) {
	dst := &sample{
		Name:     "default",
		Timeouts: timeouts{Resolve: 10 * time.Second, Launch: 20 * time.Second},
		Hosts:    []string{"a"},
		Labels:   map[string]string{"region": "eu"},
	}
	src := &sample{
		Timeouts: timeouts{Launch: 5 * time.Second},
		Hosts:    []string{"b", "c"},
		Labels:   map[string]string{"tier": "gpu"},
		TLS:      &struct{ Insecure bool }{Insecure: true},
	}

	got, err := MergeConfig(dst, src)
	require.NoError(t, err)

	assert.Equal(t, "default", got.Name)
	assert.Equal(t, 10*time.Second, got.Timeouts.Resolve)
	assert.Equal(t, 5*time.Second, got.Timeouts.Launch)
	assert.Equal(t, []string{"b", "c"}, got.Hosts)
	assert.Equal(t, map[string]string{"region": "eu", "tier": "gpu"}, got.Labels)
	require.NotNil(t, got.TLS)
	assert.True(t, got.TLS.Insecure)
}

func TestMergeConfig_NilHandling(t *testing.T) {
	_, err := MergeConfig[sample](nil, nil)
	assert.ErrorIs(t, err, ErrBothNil)

	src := &sample{Name: "x"}
	got, err := MergeConfig(nil, src)
	require.NoError(t, err)
	assert.Same(t, src, got)

	dst := &sample{Name: "y"}
	got, err = MergeConfig(dst, nil)
	require.NoError(t, err)
	assert.Same(t, dst, got)
}

func TestValidate(t *testing.T) {
	type cfg struct {
		Kind string `validate:"oneof=memory redis"`
		Addr string `validate:"required"`
	}

	assert.NoError(t, Validate(&cfg{Kind: "memory", Addr: "x"}))

	err := Validate(&cfg{Kind: "disk"})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrValidationFailed)
	assert.Contains(t, err.Error(), "cfg.Kind: oneof")
	assert.Contains(t, err.Error(), "cfg.Addr: required")

	assert.ErrorIs(t, Validate(nil), ErrNilConfig)
}
