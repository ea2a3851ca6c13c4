package handler

import (
	"encoding/base64"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/cuongbtq/pricing-pipeline/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJobCursorRoundTrip(t *testing.T) {
	in := &domain.JobCursor{
		CreatedAt: time.Date(2026, 3, 4, 5, 6, 7, 891011, time.UTC),
		JobID:     "order|42",
	}

	out, err := DecodeJobCursor(EncodeJobCursor(in))
	require.NoError(t, err)
	assert.True(t, in.CreatedAt.Equal(out.CreatedAt))
	assert.Equal(t, in.JobID, out.JobID)
}

func TestDecodeJobCursorRejectsGarbage(t *testing.T) {
	cursor, err := DecodeJobCursor("")
	require.NoError(t, err)
	assert.Nil(t, cursor)

	for _, raw := range []string{"no-separator", "abc|j1", "123|"} {
		_, err := DecodeJobCursor(base64.URLEncoding.EncodeToString([]byte(raw)))
		assert.Error(t, err, raw)
	}

	_, err = DecodeJobCursor("!!!")
	assert.Error(t, err)
}

func TestErrorStatus(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{domain.ErrInsufficientFunds, http.StatusPaymentRequired},
		{domain.ErrInvalidFeatures, http.StatusBadRequest},
		{domain.ErrTooManyItems, http.StatusBadRequest},
		{domain.ErrInvalidItemCount, http.StatusBadRequest},
		{domain.ErrIdempotencyConflict, http.StatusConflict},
		{domain.ErrIdempotencyKeyConsumed, http.StatusConflict},
		{domain.ErrJobNotFound, http.StatusNotFound},
		{domain.ErrPublishFailure, http.StatusServiceUnavailable},
		{errors.New("boom"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			assert.Equal(t, tt.want, errorStatus(tt.err))
		})
	}
}
