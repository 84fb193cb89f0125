package config_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"marketplace/internal/config"
)

func devEnv(t *testing.T) {
	t.Helper()
	t.Setenv("MARKET_INSECURE_DEV_AUTH", "true")
}

func TestLoad_Defaults(t *testing.T) {
	devEnv(t)

	cfg, err := config.LoadArgs(nil)
	require.NoError(t, err)

	require.Equal(t, ":8080", cfg.HTTP.Addr)
	require.Equal(t, "postgres", cfg.DB.Driver)
	require.Equal(t, 30*time.Second, cfg.Dispatch.OfferTTL)
	require.Equal(t, 5, cfg.Dispatch.FanOut)
	require.Equal(t, 5, cfg.Confirmation.MaxAttempts)
	require.Equal(t, 20*time.Minute, cfg.Sweep.PendingPaymentAfter)
	require.Zero(t, cfg.Sweep.ConfirmedAfter)
	require.Equal(t, 3, cfg.Blocks.Threshold)
	require.Equal(t, []time.Duration{time.Hour, 6 * time.Hour, 24 * time.Hour, 72 * time.Hour, 168 * time.Hour}, cfg.Blocks.Ladder)
	require.Equal(t, "info", cfg.Log.Level)
	require.Empty(t, cfg.Kafka.Brokers)
}

func TestLoad_EnvAndFlagOverrides(t *testing.T) {
	devEnv(t)
	t.Setenv("MARKET_HTTP_ADDR", ":9000")
	t.Setenv("MARKET_OFFER_TTL", "45s")
	t.Setenv("MARKET_BLOCK_LADDER", "30m, 2h")
	t.Setenv("MARKET_CONFIRMED_TIMEOUT", "1h")
	t.Setenv("MARKET_KAFKA_BROKERS", "k1:9092, k2:9092")

	cfg, err := config.LoadArgs([]string{"--addr", ":9090", "--log-level", "debug", "--db-driver", "memory"})
	require.NoError(t, err)

	require.Equal(t, ":9090", cfg.HTTP.Addr, "flags win over env")
	require.Equal(t, "debug", cfg.Log.Level)
	require.Equal(t, "memory", cfg.DB.Driver)
	require.Equal(t, 45*time.Second, cfg.Dispatch.OfferTTL)
	require.Equal(t, []time.Duration{30 * time.Minute, 2 * time.Hour}, cfg.Blocks.Ladder)
	require.Equal(t, time.Hour, cfg.Sweep.ConfirmedAfter)
	require.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.Kafka.Brokers)
	require.Equal(t, "payments", cfg.Kafka.PaymentsTopic)
}

func TestLoad_RejectsBadValues(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{"firebase required", map[string]string{"MARKET_INSECURE_DEV_AUTH": "false"}},
		{"zero ttl", map[string]string{"MARKET_OFFER_TTL": "0s"}},
		{"negative fan-out", map[string]string{"MARKET_OFFER_FANOUT": "-1"}},
		{"short code", map[string]string{"MARKET_DELIVERY_CODE_LENGTH": "3"}},
		{"long code", map[string]string{"MARKET_DELIVERY_CODE_LENGTH": "13"}},
		{"ladder not increasing", map[string]string{"MARKET_BLOCK_LADDER": "6h,1h"}},
		{"ladder unparsable", map[string]string{"MARKET_BLOCK_LADDER": "soon"}},
		{"unknown driver", map[string]string{"MARKET_DB_DRIVER": "sqlite"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			devEnv(t)
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := config.LoadArgs(nil)
			require.Error(t, err)
		})
	}
}

func TestLoad_UnknownFlag(t *testing.T) {
	devEnv(t)
	_, err := config.LoadArgs([]string{"--nope"})
	require.Error(t, err)
}
