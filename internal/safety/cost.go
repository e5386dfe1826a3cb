package safety

import "sync"

// ModelRate is the $/token price for one model, split prompt vs completion
// tokens the way providers actually bill.
type ModelRate struct {
	PerPromptTokenUSD     float64
	PerCompletionTokenUSD float64
}

// DefaultModelRates is a static table of illustrative per-model rates. A
// deployment can override entries via CostLedger.SetRate.
func DefaultModelRates() map[string]ModelRate {
	return map[string]ModelRate{
		"default": {PerPromptTokenUSD: 0.000003, PerCompletionTokenUSD: 0.000015},
	}
}

// CostEntry records one subtask's token spend and its derived cost.
type CostEntry struct {
	SubTaskID        string
	WorkerID         string
	Model            string
	PromptTokens     int
	CompletionTokens int
	CostUSD          float64
}

// CostLedger aggregates subtask spend per worker. It intentionally has no
// prediction, alerting, or budget-pause behavior — just a running total a
// caller can check against a ceiling if it wants to.
type CostLedger struct {
	mu    sync.Mutex
	rates map[string]ModelRate
	byTask   map[string]CostEntry
	byWorker map[string]float64
}

func NewCostLedger() *CostLedger {
	return &CostLedger{
		rates:    DefaultModelRates(),
		byTask:   make(map[string]CostEntry),
		byWorker: make(map[string]float64),
	}
}

// SetRate overrides (or adds) the rate for a model name.
func (l *CostLedger) SetRate(model string, rate ModelRate) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.rates[model] = rate
}

// TrackSubTaskCost records token usage for a completed subtask and returns
// the computed cost in USD.
func (l *CostLedger) TrackSubTaskCost(subTaskID, workerID, model string, promptTokens, completionTokens int) float64 {
	l.mu.Lock()
	defer l.mu.Unlock()

	rate, ok := l.rates[model]
	if !ok {
		rate = l.rates["default"]
	}
	cost := float64(promptTokens)*rate.PerPromptTokenUSD + float64(completionTokens)*rate.PerCompletionTokenUSD

	l.byTask[subTaskID] = CostEntry{
		SubTaskID:        subTaskID,
		WorkerID:         workerID,
		Model:            model,
		PromptTokens:     promptTokens,
		CompletionTokens: completionTokens,
		CostUSD:          cost,
	}
	l.byWorker[workerID] += cost
	return cost
}

// GetTotalCostForWorker returns the running total cost attributed to a worker.
func (l *CostLedger) GetTotalCostForWorker(workerID string) float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.byWorker[workerID]
}

// GetSubTaskCost returns the recorded entry for a subtask, if any.
func (l *CostLedger) GetSubTaskCost(subTaskID string) (CostEntry, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.byTask[subTaskID]
	return e, ok
}
