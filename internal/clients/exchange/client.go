package exchange

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/aristath/cryptosentinel/internal/domain"
	"github.com/rs/zerolog"
)

// Client is the perpetual-swap exchange surface consumed by the core
// (spec.md §6.1). It wraps sdk, the signed rate-limited REST transport, and
// transforms wire JSON into domain types the rest of the module understands.
type Client struct {
	sdk *sdk
	log zerolog.Logger
}

// Config holds the credentials and endpoint needed to build a Client.
type Config struct {
	BaseURL    string
	APIKey     string
	Secret     string
	Passphrase string
	Sandbox    bool
}

// New builds an exchange Client. baseURL defaults to the production REST
// endpoint when empty.
func New(cfg Config, log zerolog.Logger) *Client {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = "https://www.okx.com"
	}
	return &Client{
		sdk: newSDK(baseURL, cfg.APIKey, cfg.Secret, cfg.Passphrase, cfg.Sandbox, log),
		log: log.With().Str("component", "exchange-client").Logger(),
	}
}

// Close releases the underlying request-queue worker.
func (c *Client) Close() { c.sdk.close() }

// GetInstruments returns the tradable perpetual-swap instrument set.
func (c *Client) GetInstruments() ([]domain.Instrument, error) {
	resp, err := c.sdk.do("GET", "/api/v5/public/instruments?instType=SWAP", nil)
	if err != nil {
		return nil, fmt.Errorf("get instruments: %w", err)
	}

	rows, err := resultRows(resp)
	if err != nil {
		return nil, fmt.Errorf("get instruments: %w", err)
	}

	out := make([]domain.Instrument, 0, len(rows))
	for _, row := range rows {
		inst := domain.Instrument{
			InstID:      stringField(row, "instId"),
			ContractVal: floatField(row, "ctVal"),
			MinSize:     floatField(row, "minSz"),
			LotSize:     floatField(row, "lotSz"),
		}
		if inst.InstID == "" {
			continue
		}
		out = append(out, inst)
	}
	return out, nil
}

// GetTickers returns last traded price per instrument ID.
func (c *Client) GetTickers(instIDs []string) (domain.PriceSnapshot, error) {
	resp, err := c.sdk.do("GET", "/api/v5/market/tickers?instType=SWAP", nil)
	if err != nil {
		return nil, fmt.Errorf("get tickers: %w", err)
	}

	rows, err := resultRows(resp)
	if err != nil {
		return nil, fmt.Errorf("get tickers: %w", err)
	}

	wanted := make(map[string]bool, len(instIDs))
	for _, id := range instIDs {
		wanted[id] = true
	}

	out := domain.PriceSnapshot{}
	for _, row := range rows {
		instID := stringField(row, "instId")
		if len(wanted) > 0 && !wanted[instID] {
			continue
		}
		out[instID] = floatField(row, "last")
	}
	return out, nil
}

// GetBalance returns the trading account's total equity and available cash.
func (c *Client) GetBalance() (domain.Account, error) {
	resp, err := c.sdk.do("GET", "/api/v5/account/balance", nil)
	if err != nil {
		return domain.Account{}, fmt.Errorf("get balance: %w", err)
	}

	rows, err := resultRows(resp)
	if err != nil {
		return domain.Account{}, fmt.Errorf("get balance: %w", err)
	}
	if len(rows) == 0 {
		return domain.Account{}, nil
	}

	acct := domain.Account{TotalEquity: floatField(rows[0], "totalEq")}
	details, _ := rows[0]["details"].([]interface{})
	for _, d := range details {
		dm, ok := d.(map[string]interface{})
		if !ok {
			continue
		}
		if ccy := stringField(dm, "ccy"); ccy == "USDT" {
			acct.AvailableBalance = floatField(dm, "availBal")
		}
	}
	return acct, nil
}

// GetPositions returns open perpetual-swap positions.
func (c *Client) GetPositions() ([]domain.Position, error) {
	resp, err := c.sdk.do("GET", "/api/v5/account/positions?instType=SWAP", nil)
	if err != nil {
		return nil, fmt.Errorf("get positions: %w", err)
	}

	rows, err := resultRows(resp)
	if err != nil {
		return nil, fmt.Errorf("get positions: %w", err)
	}

	out := make([]domain.Position, 0, len(rows))
	for _, row := range rows {
		pos := floatField(row, "pos")
		side := sideFromRow(row, pos)
		out = append(out, domain.Position{
			Instrument:       stringField(row, "instId"),
			Side:             side,
			Contracts:        absFloat(pos),
			EntryPrice:       floatField(row, "avgPx"),
			MarkPrice:        floatField(row, "markPx"),
			Leverage:         intField(row, "lever"),
			MarginMode:       domain.MarginMode(stringField(row, "mgnMode")),
			UnrealisedPnl:    floatField(row, "upl"),
			LiquidationPrice: floatField(row, "liqPx"),
		})
	}
	return out, nil
}

// SetLeverage sets leverage for an instrument. Idempotent; per spec.md §6.1
// errors here are never escalated to fatal by callers.
func (c *Client) SetLeverage(instID string, lever int, mode domain.MarginMode, posSide domain.Side) error {
	body := map[string]interface{}{
		"instId":  instID,
		"lever":   strconv.Itoa(lever),
		"mgnMode": string(mode),
	}
	if posSide != "" {
		body["posSide"] = string(posSide)
	}
	_, err := c.sdk.do("POST", "/api/v5/account/set-leverage", body)
	if err != nil {
		return fmt.Errorf("set leverage %s: %w", instID, err)
	}
	return nil
}

// SubmitOrder places a market order and returns the exchange's order ID.
func (c *Client) SubmitOrder(req OrderRequest) (OrderResult, error) {
	body := map[string]interface{}{
		"instId":  req.InstID,
		"tdMode":  req.TdMode,
		"side":    string(req.Side),
		"ordType": "market",
		"sz":      formatFloat(req.Size),
	}
	if req.TgtCcyQuote {
		body["tgtCcy"] = "quote_ccy"
	}
	if req.PosSide != "" {
		body["posSide"] = req.PosSide
	}
	if req.ReduceOnly {
		body["reduceOnly"] = true
	}

	resp, err := c.sdk.do("POST", "/api/v5/trade/order", body)
	if err != nil {
		return OrderResult{}, fmt.Errorf("submit order %s: %w", req.InstID, err)
	}

	rows, err := resultRows(resp)
	if err != nil || len(rows) == 0 {
		return OrderResult{}, fmt.Errorf("submit order %s: empty response", req.InstID)
	}

	result := OrderResult{
		OrderID: stringField(rows[0], "ordId"),
		Status:  stringField(rows[0], "sCode"),
	}
	if result.OrderID == "" {
		return result, fmt.Errorf("submit order %s: %s", req.InstID, stringField(rows[0], "sMsg"))
	}
	return result, nil
}

// SubmitAlgo places a conditional take-profit/stop-loss order pair.
func (c *Client) SubmitAlgo(req AlgoRequest) error {
	body := map[string]interface{}{
		"instId":  req.InstID,
		"tdMode":  req.TdMode,
		"side":    string(req.Side),
		"posSide": req.PosSide,
		"ordType": "conditional",
		"sz":      formatFloat(req.Size),
	}
	if req.TPTriggerPx != nil {
		body["tpTriggerPx"] = formatFloat(*req.TPTriggerPx)
		ordPx := req.TPOrdPx
		if ordPx == "" {
			ordPx = "-1"
		}
		body["tpOrdPx"] = ordPx
	}
	if req.SLTriggerPx != nil {
		body["slTriggerPx"] = formatFloat(*req.SLTriggerPx)
		ordPx := req.SLOrdPx
		if ordPx == "" {
			ordPx = "-1"
		}
		body["slOrdPx"] = ordPx
	}

	_, err := c.sdk.do("POST", "/api/v5/trade/order-algo", body)
	if err != nil {
		return fmt.Errorf("submit algo %s: %w", req.InstID, err)
	}
	return nil
}

// GetPositionsHistory returns the most recent closed positions.
func (c *Client) GetPositionsHistory(limit int) ([]ClosedPosition, error) {
	path := fmt.Sprintf("/api/v5/account/positions-history?instType=SWAP&limit=%d", limit)
	resp, err := c.sdk.do("GET", path, nil)
	if err != nil {
		return nil, fmt.Errorf("get positions history: %w", err)
	}

	rows, err := resultRows(resp)
	if err != nil {
		return nil, fmt.Errorf("get positions history: %w", err)
	}

	out := make([]ClosedPosition, 0, len(rows))
	for _, row := range rows {
		out = append(out, ClosedPosition{
			InstID:      stringField(row, "instId"),
			PosSide:     stringField(row, "posSide"),
			Pos:         floatField(row, "pos"),
			RealizedPnl: floatField(row, "realizedPnl"),
			CloseTimeMS: int64Field(row, "uTime"),
			CloseAvgPx:  floatField(row, "closeAvgPx"),
			OpenAvgPx:   floatField(row, "openAvgPx"),
		})
	}
	return out, nil
}

func sideFromRow(row map[string]interface{}, pos float64) domain.Side {
	if ps := stringField(row, "posSide"); ps == "long" || ps == "short" {
		return domain.Side(ps)
	}
	if pos >= 0 {
		return domain.SideLong
	}
	return domain.SideShort
}

func resultRows(resp map[string]interface{}) ([]map[string]interface{}, error) {
	raw, ok := resp["data"]
	if !ok {
		return nil, nil
	}
	arr, ok := raw.([]interface{})
	if !ok {
		return nil, fmt.Errorf("unexpected data shape: %T", raw)
	}
	out := make([]map[string]interface{}, 0, len(arr))
	for _, item := range arr {
		if m, ok := item.(map[string]interface{}); ok {
			out = append(out, m)
		}
	}
	return out, nil
}

func stringField(row map[string]interface{}, key string) string {
	v, _ := row[key].(string)
	return v
}

func floatField(row map[string]interface{}, key string) float64 {
	switch v := row[key].(type) {
	case float64:
		return v
	case json.Number:
		f, _ := v.Float64()
		return f
	case string:
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return 0
		}
		return f
	default:
		return 0
	}
}

func intField(row map[string]interface{}, key string) int {
	return int(floatField(row, key))
}

func int64Field(row map[string]interface{}, key string) int64 {
	switch v := row[key].(type) {
	case string:
		n, _ := strconv.ParseInt(v, 10, 64)
		return n
	default:
		return int64(floatField(row, key))
	}
}

func absFloat(f float64) float64 {
	if f < 0 {
		return -f
	}
	return f
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}
