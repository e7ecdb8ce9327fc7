package billing

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPCharger(t *testing.T) {
	var got ChargeRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_ = json.NewEncoder(w).Encode(Receipt{ChargeID: "ch_1", UserID: got.UserID, Amount: got.Amount, Currency: got.Currency})
	}))
	defer srv.Close()

	c := NewHTTPCharger(srv.URL, time.Second)
	receipt, err := c.Charge(context.Background(), ChargeRequest{UserID: "u1", Amount: -250, Currency: "USD", Description: "reward"})
	require.NoError(t, err)
	assert.Equal(t, "ch_1", receipt.ChargeID)
	assert.EqualValues(t, -250, receipt.Amount)
	assert.Equal(t, "reward", got.Description)
}

func TestHTTPChargerErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "card declined", http.StatusPaymentRequired)
	}))
	defer srv.Close()

	_, err := NewHTTPCharger(srv.URL, time.Second).Charge(context.Background(), ChargeRequest{UserID: "u1", Amount: 1, Currency: "USD"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 402")

	_, err = NewHTTPCharger("", time.Second).Charge(context.Background(), ChargeRequest{UserID: "u1", Amount: 1, Currency: "USD"})
	assert.Error(t, err)
}
