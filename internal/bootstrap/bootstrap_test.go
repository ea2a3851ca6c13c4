package bootstrap

import (
	"io"
	"log/slog"
	"testing"

	"github.com/cuongbtq/pricing-pipeline/internal/config"
	"github.com/cuongbtq/pricing-pipeline/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

func TestNewTariffFromConfig(t *testing.T) {
	cfg := &config.Config{}
	cfg.ApplyDefaults()

	calc, err := NewTariff(&cfg.Tariff)
	require.NoError(t, err)

	cost, err := calc.Cost(10)
	require.NoError(t, err)
	assert.Equal(t, domain.Money(4000), cost)

	_, err = calc.Cost(101)
	assert.ErrorIs(t, err, domain.ErrTooManyItems)
}

func TestNewTariffRejectsBadPolicy(t *testing.T) {
	_, err := NewTariff(&config.TariffConfig{ItemPriceCents: 0, BulkThreshold: 10, MaxItems: 100})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid tariff")
}

func TestNewPredictorSelectsModel(t *testing.T) {
	p, err := NewPredictor(&config.ModelConfig{}, testLogger)
	require.NoError(t, err)
	assert.Equal(t, "baseline-heuristic", p.Info().Model.Name)

	p, err = NewPredictor(&config.ModelConfig{Endpoint: "http://model:8000", Name: "lgbm", Version: "2"}, testLogger)
	require.NoError(t, err)
	assert.Equal(t, "lgbm", p.Info().Model.Name)
	assert.Equal(t, "http://model:8000", p.Info().Model.Endpoint)
}

func TestDialRedisDisabled(t *testing.T) {
	client, err := DialRedis(&config.RedisConfig{}, testLogger)
	require.NoError(t, err)
	assert.Nil(t, client)
}
