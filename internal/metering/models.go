package metering

import "time"

// CallRecord is one completed logical agent call. Retries are counted in
// Attempts rather than producing extra records.
type CallRecord struct {
	ID              string    `json:"id"`
	Agent           string    `json:"agent"`
	Workflow        string    `json:"workflow,omitempty"`
	Timestamp       time.Time `json:"timestamp"`
	DurationMs      int64     `json:"duration_ms"`
	Success         bool      `json:"success"`
	Error           string    `json:"error,omitempty"`
	ErrorMessage    string    `json:"error_message,omitempty"`
	InputSizeBytes  int64     `json:"input_size_bytes"`
	OutputSizeBytes int64     `json:"output_size_bytes"`
	CacheHit        bool      `json:"cache_hit"`
	Provider        string    `json:"provider,omitempty"`
	Model           string    `json:"model,omitempty"`
	Attempts        int       `json:"attempts"`
	CostUSD         float64   `json:"cost_usd"`
}

// UsageSummary holds aggregate metrics for a set of archived call records.
type UsageSummary struct {
	TotalCalls    int64   `json:"total_calls"`
	TotalCost     float64 `json:"total_cost"`
	SuccessCount  int64   `json:"success_count"`
	ErrorCount    int64   `json:"error_count"`
	CacheHitCount int64   `json:"cache_hit_count"`
	AvgDurationMs float64 `json:"avg_duration_ms"`
}

// UsageQuery defines filters and pagination for querying archived records.
type UsageQuery struct {
	Agent    string    `json:"agent,omitempty"`
	Agents   []string  `json:"agents,omitempty"`
	Provider string    `json:"provider,omitempty"`
	From     time.Time `json:"from"`
	To       time.Time `json:"to"`
	Cursor   string    `json:"cursor,omitempty"`
	Limit    int       `json:"limit"`
}
