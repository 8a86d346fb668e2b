package telemetry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/erfianugrah/dohcursor/pkg/config"
	"github.com/erfianugrah/dohcursor/pkg/logging"
)

func TestNew(t *testing.T) {
	logger := logging.NewDefault()

	tests := []struct {
		cfg     *config.TelemetryConfig
		name    string
		wantErr bool
	}{
		{
			name: "disabled telemetry",
			cfg:  &config.TelemetryConfig{Enabled: false},
		},
		{
			name: "prometheus enabled",
			cfg: &config.TelemetryConfig{
				Enabled:           true,
				ServiceName:       "test-service",
				ServiceVersion:    "1.0.0",
				PrometheusEnabled: true,
				PrometheusPort:    9091,
			},
		},
		{
			name: "only metrics, prometheus exporter disabled",
			cfg: &config.TelemetryConfig{
				Enabled:           true,
				ServiceName:       "test-service",
				ServiceVersion:    "1.0.0",
				PrometheusEnabled: false,
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			tel, err := New(ctx, tt.cfg, logger)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.NotNil(t, tel)

			if tel.prometheusServer != nil {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = tel.Shutdown(shutdownCtx)
			}
		})
	}
}

func TestInitMetrics(t *testing.T) {
	logger := logging.NewDefault()
	cfg := &config.TelemetryConfig{Enabled: true, ServiceName: "test-service"}

	tel, err := New(context.Background(), cfg, logger)
	require.NoError(t, err)
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = tel.Shutdown(ctx)
	}()

	metrics, err := tel.InitMetrics()
	require.NoError(t, err)

	assert.NotNil(t, metrics.ServerDatagramsTotal)
	assert.NotNil(t, metrics.ServerDecodeErrors)
	assert.NotNil(t, metrics.QueueDepth)
	assert.NotNil(t, metrics.ProcessorDuration)
	assert.NotNil(t, metrics.ResolverQuestionsTotal)
	assert.NotNil(t, metrics.ResolverQuestionDuration)
}

func TestMetricsRecording(t *testing.T) {
	logger := logging.NewDefault()
	cfg := &config.TelemetryConfig{Enabled: true, ServiceName: "test-service"}

	tel, err := New(context.Background(), cfg, logger)
	require.NoError(t, err)
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = tel.Shutdown(ctx)
	}()

	metrics, err := tel.InitMetrics()
	require.NoError(t, err)

	ctx := context.Background()
	assert.NotPanics(t, func() {
		metrics.ServerDatagramsTotal.Add(ctx, 1)
		metrics.QueueDepth.Add(ctx, 1)
		metrics.ResolverQuestionDuration.Record(ctx, 12.5)
	})
}

func TestMeterProvider(t *testing.T) {
	logger := logging.NewDefault()
	cfg := &config.TelemetryConfig{Enabled: true, ServiceName: "test-service"}

	tel, err := New(context.Background(), cfg, logger)
	require.NoError(t, err)
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = tel.Shutdown(ctx)
	}()

	assert.NotNil(t, tel.MeterProvider())
}

func TestShutdown(t *testing.T) {
	logger := logging.NewDefault()
	cfg := &config.TelemetryConfig{
		Enabled:           true,
		ServiceName:       "test-service",
		PrometheusEnabled: true,
		PrometheusPort:    9092,
	}

	tel, err := New(context.Background(), cfg, logger)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	assert.NoError(t, tel.Shutdown(ctx))
}

func TestDisabledTelemetry(t *testing.T) {
	logger := logging.NewDefault()
	cfg := &config.TelemetryConfig{Enabled: false}

	tel, err := New(context.Background(), cfg, logger)
	require.NoError(t, err)

	assert.NotNil(t, tel.MeterProvider())

	metrics, err := tel.InitMetrics()
	require.NoError(t, err)
	assert.NotNil(t, metrics)
}
