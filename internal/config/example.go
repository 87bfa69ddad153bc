package config

import (
	"fmt"
	"io"

	"github.com/pelletier/go-toml/v2"
)

// DumpExampleConfig writes a commented example configuration to the writer.
// Used by the -dump-config flag so a fresh install can start from a working
// document.
func DumpExampleConfig(w io.Writer) error {
	example := &Config{
		Server: ServerConfig{
			Host:           "0.0.0.0",
			Port:           8080,
			ReadTimeoutMS:  30000,
			WriteTimeoutMS: 30000,
		},
		Storage: StorageConfig{
			Host:    "localhost",
			Port:    5432,
			User:    "pulsewatch",
			DBName:  "pulsewatch",
			SSLMode: "disable",
			Pool: PoolConfig{
				MaxConns:                 20,
				MinConns:                 4,
				MaxConnLifetimeMinutes:   90,
				MaxConnIdleTimeMinutes:   20,
				HealthCheckPeriodSeconds: 45,
			},
		},
		AdminAPI: AdminAPIConfig{
			Token: "change-me-to-a-long-random-token",
		},
		Engine: EngineConfig{
			GracePeriodSeconds:     60,
			CheckIntervalSeconds:   30,
			FlushIntervalSeconds:   5,
			MaxBatch:               1000,
			MaxBufferSize:          10000,
			RecomputeConcurrency:   8,
			AggregationIntervalMin: 10,
			ProviderTimeoutSeconds: 10,
		},
		SelfMonitor: SelfMonitorConfig{
			IntervalSeconds: 3,
			LatencyStrategy: "last-known",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Monitors: []MonitorConfig{
			{
				ID:                 "api-prod",
				Token:              "replace-with-secret-token",
				Name:               "Production API",
				IntervalSeconds:    30,
				MaxRetries:         3,
				ToleranceFactor:    1.5,
				ResendNotification: 2,
				GroupID:            "core",
				NotificationChannels: []string{
					"ops",
				},
				CustomMetrics: []CustomMetric{
					{ID: "rps", Name: "Requests per second", Unit: "req/s"},
				},
			},
		},
		Groups: []GroupConfig{
			{
				ID:                "core",
				Name:              "Core Services",
				Strategy:          StrategyPercentage,
				DegradedThreshold: 60,
				IntervalSeconds:   30,
			},
		},
		StatusPages: []StatusPageConfig{
			{
				Slug:  "public",
				Name:  "Service Status",
				Items: []string{"core"},
			},
		},
		Channels: []ChannelConfig{
			{
				ID:      "ops",
				Enabled: true,
				Webhook: &WebhookConfig{
					Enabled: true,
					URL:     "https://hooks.example.com/alerts",
				},
			},
		},
	}

	header := `# pulsewatch example configuration
# Copy to config.toml (or point CONFIG at it) and adjust.
# Environment overrides: PW_STORAGE_HOST, PW_STORAGE_PORT, PW_STORAGE_PASSWORD,
# PW_ADMIN_TOKEN, PW_SERVER_PORT, PW_LOG_LEVEL.

`
	if _, err := fmt.Fprint(w, header); err != nil {
		return fmt.Errorf("failed to write header: %w", err)
	}

	enc := toml.NewEncoder(w)
	enc.SetIndentTables(true)
	if err := enc.Encode(example); err != nil {
		return fmt.Errorf("failed to encode example config: %w", err)
	}
	return nil
}
