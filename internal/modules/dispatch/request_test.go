package dispatch

import (
	"testing"

	"github.com/aristath/fleet/internal/domain"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeBatchRequest(t *testing.T) {
	body := []byte(`{
		"symbol": " tcs ",
		"exchange": "NSE",
		"orderType": "LMT",
		"transactionType": "BUY",
		"productType": "CNC",
		"defaultPrice": "3500.50",
		"dryRun": true,
		"accountOrders": [
			{"accountId": "A", "quantity": 10},
			{"accountId": "B", "quantity": 0, "price": 3499.95}
		]
	}`)

	req, err := DecodeBatchRequest(body)
	require.NoError(t, err)

	template := req.Template()
	assert.Equal(t, "TCS", template.Symbol)
	assert.Equal(t, domain.OrderTypeLimit, template.OrderType)
	assert.True(t, template.DefaultPrice.Decimal.Equal(decimal.RequireFromString("3500.50")))
	assert.True(t, req.DryRun)
	require.Len(t, req.AccountOrders, 2)
	assert.False(t, req.AccountOrders[0].Price.Valid)
	assert.True(t, req.AccountOrders[1].Price.Decimal.Equal(decimal.RequireFromString("3499.95")))
}

func TestDecodeBatchRequestSchemaViolations(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"malformed", `{"symbol":`},
		{"missing accountOrders", `{"symbol":"TCS","exchange":"NSE","orderType":"MKT","transactionType":"BUY","productType":"MIS"}`},
		{"unknown exchange", `{"symbol":"TCS","exchange":"LSE","orderType":"MKT","transactionType":"BUY","productType":"MIS","accountOrders":[{"accountId":"A","quantity":1}]}`},
		{"fractional quantity", `{"symbol":"TCS","exchange":"NSE","orderType":"MKT","transactionType":"BUY","productType":"MIS","accountOrders":[{"accountId":"A","quantity":1.5}]}`},
		{"empty account id", `{"symbol":"TCS","exchange":"NSE","orderType":"MKT","transactionType":"BUY","productType":"MIS","accountOrders":[{"accountId":"","quantity":1}]}`},
		{"empty orders", `{"symbol":"TCS","exchange":"NSE","orderType":"MKT","transactionType":"BUY","productType":"MIS","accountOrders":[]}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeBatchRequest([]byte(tt.body))
			require.Error(t, err)
			var verr *domain.ValidationError
			assert.ErrorAs(t, err, &verr)
		})
	}
}

func TestDecodeExitPositionsRequest(t *testing.T) {
	req, err := DecodeExitPositionsRequest([]byte(`{
		"symbol": "RELIANCE",
		"exchange": "BSE",
		"orderType": "MKT",
		"productType": "MIS",
		"minQuantity": 5,
		"accountIds": ["A", "B"]
	}`))
	require.NoError(t, err)

	exit := req.ExitRequest()
	assert.Equal(t, "RELIANCE", exit.Symbol)
	assert.Equal(t, int64(5), exit.MinQuantity)
	assert.Equal(t, []string{"A", "B"}, exit.AccountIDs)

	_, err = DecodeExitPositionsRequest([]byte(`{"symbol":"X","exchange":"NSE","orderType":"MKT","productType":"MIS","accountIds":[],"minQuantity":-1}`))
	assert.Error(t, err)
}
