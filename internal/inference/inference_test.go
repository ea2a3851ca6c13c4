package inference

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/cuongbtq/pricing-pipeline/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixedModel struct {
	price float64
	err   error
}

func (m fixedModel) Predict(context.Context, domain.Item) (float64, error) { return m.price, m.err }
func (m fixedModel) Info() ModelInfo                                       { return ModelInfo{Name: "fixed", Loaded: true} }

func TestPredictorPostProcessing(t *testing.T) {
	tests := []struct {
		name           string
		item           domain.Item
		raw            float64
		wantPrice      float64
		wantConfidence float64
		wantRange      domain.PriceRange
		wantPosition   string
	}{
		{
			name:           "branded with long description",
			item:           domain.Item{Name: "Sneakers", BrandName: "Nike", ItemDescription: strings.Repeat("a", 60), CategoryName: "Men/Shoes", ItemConditionID: 1},
			raw:            30,
			wantPrice:      30,
			wantConfidence: 0.85,
			wantRange:      domain.PriceRange{Min: 21, Max: 39},
			wantPosition:   "mid",
		},
		{
			name:           "bare item with cheap price",
			item:           domain.Item{Name: "Sticker", ItemConditionID: 3},
			raw:            2,
			wantPrice:      2,
			wantConfidence: 0.3,
			wantRange:      domain.PriceRange{Min: 1.4, Max: 2.6},
			wantPosition:   "low",
		},
		{
			name:           "clamped to maximum",
			item:           domain.Item{Name: "Watch", BrandName: "Rolex", ItemDescription: "mint condition, box and papers", ItemConditionID: 1},
			raw:            25000,
			wantPrice:      10000,
			wantConfidence: 0.6,
			wantRange:      domain.PriceRange{Min: 7000, Max: 10000},
			wantPosition:   "premium",
		},
		{
			name:           "clamped to minimum",
			item:           domain.Item{Name: "Pin", ItemConditionID: 5},
			raw:            -3,
			wantPrice:      0.1,
			wantConfidence: 0.3,
			wantRange:      domain.PriceRange{Min: 0.1, Max: 0.13},
			wantPosition:   "low",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := NewPredictor(fixedModel{price: tt.raw}, Config{})
			preds, err := p.PredictItems(context.Background(), []domain.Item{tt.item})
			require.NoError(t, err)
			require.Len(t, preds, 1)

			got := preds[0]
			assert.InDelta(t, tt.wantPrice, got.Price, 1e-9)
			assert.InDelta(t, tt.wantConfidence, got.Confidence, 1e-9)
			assert.InDelta(t, tt.wantRange.Min, got.Range.Min, 1e-9)
			assert.InDelta(t, tt.wantRange.Max, got.Range.Max, 1e-9)
			assert.Equal(t, tt.wantPosition, got.Category.MarketPosition)
		})
	}
}

func TestPredictorCategoryRecommendation(t *testing.T) {
	p := NewPredictor(fixedModel{price: 120}, Config{})
	preds, err := p.PredictItems(context.Background(), []domain.Item{
		{Name: "Phone", CategoryName: "Electronics/Cell Phones", ItemConditionID: 2},
	})
	require.NoError(t, err)
	assert.Equal(t, "Electronics", preds[0].Category.MainCategory)
	assert.Contains(t, preds[0].Category.Recommendation, "electronics")
}

func TestPredictorPropagatesErrorIdentity(t *testing.T) {
	p := NewPredictor(fixedModel{err: domain.ErrModelUnavailable}, Config{})
	_, err := p.PredictItems(context.Background(), []domain.Item{{Name: "a", ItemConditionID: 1}})
	assert.ErrorIs(t, err, domain.ErrModelUnavailable)

	_, err = p.PredictItems(context.Background(), []domain.Item{{Name: "a", ItemConditionID: 9}})
	assert.ErrorIs(t, err, domain.ErrInvalidFeatures)
	assert.Contains(t, err.Error(), "item 0")
}

func TestBaselineModelDeterministic(t *testing.T) {
	item := domain.Item{Name: "Lamp", BrandName: "Ikea", CategoryName: "Home/Decor", ItemConditionID: 2, Shipping: 1}
	a, err := BaselineModel{}.Predict(context.Background(), item)
	require.NoError(t, err)
	b, _ := BaselineModel{}.Predict(context.Background(), item)
	assert.Equal(t, a, b)
	assert.Greater(t, a, 0.0)

	_, err = BaselineModel{}.Predict(context.Background(), domain.Item{Name: "x"})
	assert.ErrorIs(t, err, domain.ErrInvalidFeatures)
}

func TestHTTPModelPredict(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/predict", r.URL.Path)
		var item domain.Item
		require.NoError(t, json.NewDecoder(r.Body).Decode(&item))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"price": 42.5}`))
	}))
	defer srv.Close()

	m, err := NewHTTPModel(HTTPConfig{Endpoint: srv.URL + "/", Name: "catboost", Version: "3"})
	require.NoError(t, err)

	price, err := m.Predict(context.Background(), domain.Item{Name: "x", ItemConditionID: 1})
	require.NoError(t, err)
	assert.Equal(t, 42.5, price)
	assert.Equal(t, "catboost", m.Info().Name)
}

func TestHTTPModelErrorMapping(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		want   error
	}{
		{"unavailable", http.StatusServiceUnavailable, "", domain.ErrModelUnavailable},
		{"server error", http.StatusInternalServerError, "", domain.ErrModelUnavailable},
		{"bad features", http.StatusUnprocessableEntity, "unknown category", domain.ErrInvalidFeatures},
		{"bad request", http.StatusBadRequest, "", domain.ErrInvalidFeatures},
		{"missing price", http.StatusOK, `{}`, domain.ErrModelUnavailable},
		{"garbage body", http.StatusOK, `nope`, domain.ErrModelUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			m, err := NewHTTPModel(HTTPConfig{Endpoint: srv.URL})
			require.NoError(t, err)

			_, err = m.Predict(context.Background(), domain.Item{Name: "x", ItemConditionID: 1})
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestHTTPModelUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	m, err := NewHTTPModel(HTTPConfig{Endpoint: url})
	require.NoError(t, err)

	_, err = m.Predict(context.Background(), domain.Item{Name: "x", ItemConditionID: 1})
	assert.ErrorIs(t, err, domain.ErrModelUnavailable)

	_, err = NewHTTPModel(HTTPConfig{})
	assert.Error(t, err)
}
