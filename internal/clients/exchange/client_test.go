package exchange

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/aristath/cryptosentinel/internal/domain"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func silentLog() zerolog.Logger {
	return zerolog.New(nil).Level(zerolog.Disabled)
}

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	c := New(Config{BaseURL: server.URL, APIKey: "key", Secret: "secret", Passphrase: "pass"}, silentLog())
	t.Cleanup(c.Close)
	return c
}

func jsonResponse(w http.ResponseWriter, payload map[string]interface{}) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(payload)
}

func TestGetInstruments_ParsesRowsAndSkipsBlankInstID(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		jsonResponse(w, map[string]interface{}{"code": "0", "data": []interface{}{
			map[string]interface{}{"instId": "BTC-USDT-SWAP", "ctVal": "0.01", "minSz": "0.1", "lotSz": "0.1"},
			map[string]interface{}{"instId": "", "ctVal": "1"},
		}})
	})

	instruments, err := c.GetInstruments()

	require.NoError(t, err)
	require.Len(t, instruments, 1)
	assert.Equal(t, "BTC-USDT-SWAP", instruments[0].InstID)
	assert.Equal(t, 0.01, instruments[0].ContractVal)
}

func TestGetTickers_FiltersToRequestedInstrumentIDs(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		jsonResponse(w, map[string]interface{}{"code": "0", "data": []interface{}{
			map[string]interface{}{"instId": "BTC-USDT-SWAP", "last": "50000"},
			map[string]interface{}{"instId": "ETH-USDT-SWAP", "last": "3000"},
		}})
	})

	prices, err := c.GetTickers([]string{"BTC-USDT-SWAP"})

	require.NoError(t, err)
	assert.Equal(t, domain.PriceSnapshot{"BTC-USDT-SWAP": 50000}, prices)
}

func TestGetBalance_ExtractsUSDTAvailableFromDetails(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		jsonResponse(w, map[string]interface{}{"code": "0", "data": []interface{}{
			map[string]interface{}{
				"totalEq": "12345.67",
				"details": []interface{}{
					map[string]interface{}{"ccy": "BTC", "availBal": "0.5"},
					map[string]interface{}{"ccy": "USDT", "availBal": "8000"},
				},
			},
		}})
	})

	acct, err := c.GetBalance()

	require.NoError(t, err)
	assert.Equal(t, 12345.67, acct.TotalEquity)
	assert.Equal(t, 8000.0, acct.AvailableBalance)
}

func TestGetPositions_InfersSideFromPosSignWhenPosSideAbsent(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		jsonResponse(w, map[string]interface{}{"code": "0", "data": []interface{}{
			map[string]interface{}{"instId": "BTC-USDT-SWAP", "pos": "-2.5", "avgPx": "50000", "markPx": "49000", "lever": "5", "mgnMode": "cross"},
		}})
	})

	positions, err := c.GetPositions()

	require.NoError(t, err)
	require.Len(t, positions, 1)
	assert.Equal(t, domain.SideShort, positions[0].Side)
	assert.Equal(t, 2.5, positions[0].Contracts)
}

func TestSubmitOrder_ReturnsOrderIDOnSuccess(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		jsonResponse(w, map[string]interface{}{"code": "0", "data": []interface{}{
			map[string]interface{}{"ordId": "ABC123", "sCode": "0"},
		}})
	})

	result, err := c.SubmitOrder(OrderRequest{InstID: "BTC-USDT-SWAP", Side: OrderSideBuy, Size: 1, TdMode: "cross"})

	require.NoError(t, err)
	assert.Equal(t, "ABC123", result.OrderID)
}

func TestSubmitOrder_ErrorsWhenOrderIDIsBlank(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		jsonResponse(w, map[string]interface{}{"code": "0", "data": []interface{}{
			map[string]interface{}{"ordId": "", "sCode": "51008", "sMsg": "insufficient margin"},
		}})
	})

	_, err := c.SubmitOrder(OrderRequest{InstID: "BTC-USDT-SWAP", Side: OrderSideBuy, Size: 1, TdMode: "cross"})

	assert.Error(t, err)
	assert.Contains(t, err.Error(), "insufficient margin")
}

func TestSubmitOrder_ErrorsOn5xxResponse(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte("upstream unavailable"))
	})

	_, err := c.SubmitOrder(OrderRequest{InstID: "BTC-USDT-SWAP", Side: OrderSideBuy, Size: 1, TdMode: "cross"})

	assert.Error(t, err)
}

func TestSetLeverage_SendsPosSideOnlyWhenProvided(t *testing.T) {
	var gotBody map[string]interface{}
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		jsonResponse(w, map[string]interface{}{"code": "0", "data": []interface{}{}})
	})

	err := c.SetLeverage("BTC-USDT-SWAP", 5, domain.MarginCross, "")

	require.NoError(t, err)
	_, hasPosSide := gotBody["posSide"]
	assert.False(t, hasPosSide)
}

func TestGetPositionsHistory_MapsClosedPositionFields(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		jsonResponse(w, map[string]interface{}{"code": "0", "data": []interface{}{
			map[string]interface{}{"instId": "ETH-USDT-SWAP", "posSide": "long", "pos": "4", "realizedPnl": "120.5", "uTime": "1700000000000", "closeAvgPx": "3100", "openAvgPx": "3000"},
		}})
	})

	history, err := c.GetPositionsHistory(10)

	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, "ETH-USDT-SWAP", history[0].InstID)
	assert.Equal(t, int64(1700000000000), history[0].CloseTimeMS)
}
