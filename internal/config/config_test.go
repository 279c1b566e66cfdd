package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/zeusync/liveobjects/internal/core/engine"
	"github.com/zeusync/liveobjects/internal/core/objects/wire"
	"github.com/zeusync/liveobjects/internal/core/observability/log"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 5*time.Minute, cfg.GC.Interval.Std())
	assert.Equal(t, 24*time.Hour, cfg.GC.GracePeriod.Std())
	assert.Equal(t, engine.GracePeriodDynamic, cfg.GracePeriodMode())
	assert.Equal(t, wire.FormatJSON, cfg.WireFormat())
	assert.Equal(t, log.LevelInfo, cfg.LogLevel())
}

func TestParseOverridesDefaults(t *testing.T) {
	cfg, err := Parse(strings.NewReader(`
channel: scores
publish_timeout: 3s
transport:
  kind: quic
  endpoint: 127.0.0.1:4433
  format: msgpack
  insecure_skip_verify: true
gc:
  interval: 30s
  grace_period: 1h
  grace_period_mode: fixed
log:
  level: debug
`))
	require.NoError(t, err)

	assert.Equal(t, "scores", cfg.Channel)
	assert.Equal(t, 3*time.Second, cfg.PublishTimeout.Std())
	assert.Equal(t, TransportQUIC, cfg.Transport.Kind)
	assert.True(t, cfg.Transport.InsecureSkipVerify)
	assert.Equal(t, int64(64*1024), cfg.Transport.MaxFrameSize, "unset keys keep defaults")
	assert.Equal(t, wire.FormatMsgPack, cfg.WireFormat())
	assert.Equal(t, 30*time.Second, cfg.GC.Interval.Std())
	assert.Equal(t, time.Hour, cfg.GC.GracePeriod.Std())
	assert.Equal(t, engine.GracePeriodFixed, cfg.GracePeriodMode())
	assert.Equal(t, log.LevelDebug, cfg.LogLevel())
	assert.Len(t, cfg.EngineOptions(), 1)
}

func TestParseEmptyDocument(t *testing.T) {
	cfg, err := Parse(strings.NewReader(""))
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestParseRejectsUnknownKeys(t *testing.T) {
	_, err := Parse(strings.NewReader("chanel: typo\n"))
	assert.Error(t, err)
}

func TestParseRejectsBadDuration(t *testing.T) {
	_, err := Parse(strings.NewReader("gc:\n  interval: soon\n"))
	assert.Error(t, err)
}

func TestValidateCollectsErrors(t *testing.T) {
	cfg := Default()
	cfg.Channel = ""
	cfg.Transport.Kind = "carrier-pigeon"
	cfg.Transport.Format = "xml"
	cfg.GC.GracePeriodMode = "sometimes"
	cfg.Log.Level = "loud"

	err := cfg.Validate()
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidConfig)
	for _, want := range []string{"channel is required", "carrier-pigeon", "xml", "sometimes", "loud"} {
		assert.Contains(t, err.Error(), want)
	}
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "objects.yaml")
	require.NoError(t, os.WriteFile(path, []byte("channel: lobby\n"), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "lobby", cfg.Channel)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestDurationMarshalsAsString(t *testing.T) {
	out, err := yaml.Marshal(GCConfig{Interval: Duration(90 * time.Second), GracePeriod: Duration(time.Hour), GracePeriodMode: "fixed"})
	require.NoError(t, err)
	assert.Contains(t, string(out), "interval: 1m30s")
	assert.Contains(t, string(out), "grace_period: 1h0m0s")
}
