package events

// DecisionRecordedData is emitted whenever the pipeline persists a decision row.
type DecisionRecordedData struct {
	Symbol string `json:"symbol"`
	Action string `json:"action"`
	Status string `json:"status"`
}

// EventType returns DecisionRecorded.
func (d *DecisionRecordedData) EventType() EventType { return DecisionRecorded }

// TradeOpenedData is emitted after a successful OpenByQuote fill.
type TradeOpenedData struct {
	Symbol     string  `json:"symbol"`
	Side       string  `json:"side"`
	QuoteSize  float64 `json:"quote_size"`
	Leverage   int     `json:"leverage"`
	OrderID    string  `json:"order_id"`
	DecisionID string  `json:"decision_id"`
}

// EventType returns TradeOpened.
func (d *TradeOpenedData) EventType() EventType { return TradeOpened }

// TradeClosedData is emitted after a successful CloseByContracts fill.
type TradeClosedData struct {
	Symbol     string  `json:"symbol"`
	Side       string  `json:"side"`
	Contracts  float64 `json:"contracts"`
	PnlAmount  float64 `json:"pnl_amount"`
	OrderID    string  `json:"order_id"`
	DecisionID string  `json:"decision_id"`
}

// EventType returns TradeClosed.
func (d *TradeClosedData) EventType() EventType { return TradeClosed }

// CycleCompletedData summarizes one Decision Scheduler fan-out cycle.
type CycleCompletedData struct {
	InvocationCount int     `json:"invocation_count"`
	SymbolCount     int     `json:"symbol_count"`
	SuccessCount    int     `json:"success_count"`
	FailureCount    int     `json:"failure_count"`
	ExecutedCount   int     `json:"executed_count"`
	WallTimeMs      int64   `json:"wall_time_ms"`
	AvgPerSymbolMs  float64 `json:"avg_per_symbol_ms"`
}

// EventType returns CycleCompleted.
func (d *CycleCompletedData) EventType() EventType { return CycleCompleted }

// ReflectionReconciledData is emitted once per AutoUpdateOrphans tick.
type ReflectionReconciledData struct {
	UpdatedCount int `json:"updated_count"`
}

// EventType returns ReflectionReconciled.
func (d *ReflectionReconciledData) EventType() EventType { return ReflectionReconciled }
