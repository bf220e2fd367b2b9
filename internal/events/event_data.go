package events

// EventData is implemented by typed event payloads. Emit also accepts
// plain maps; typed payloads keep the important events self-documenting.
type EventData interface {
	EventType() EventType
}

// TradeExecutedData is the payload for TradeExecuted events.
type TradeExecutedData struct {
	TransactionID string `json:"transaction_id"`
	UserID        string `json:"user_id"`
	Symbol        string `json:"symbol"`
	Side          string `json:"side"`
	Quantity      string `json:"quantity"`
	FillPrice     string `json:"fill_price"`
	BrokerRef     string `json:"broker_ref,omitempty"`
}

func (d *TradeExecutedData) EventType() EventType { return TradeExecuted }

// TradeRejectedData is the payload for TradeRejected events.
type TradeRejectedData struct {
	TransactionID string   `json:"transaction_id"`
	UserID        string   `json:"user_id"`
	Symbol        string   `json:"symbol"`
	Reasons       []string `json:"reasons"`
	Score         int      `json:"score"`
}

func (d *TradeRejectedData) EventType() EventType { return TradeRejected }

// PolicyReloadedData is the payload for PolicyReloaded events.
type PolicyReloadedData struct {
	Version     string `json:"version"`
	Checksum    string `json:"checksum"`
	RuleCount   int    `json:"rule_count"`
	DiffSummary string `json:"diff_summary,omitempty"`
}

func (d *PolicyReloadedData) EventType() EventType { return PolicyReloaded }

// SyncCompletedData is the payload for SyncCompleted events.
type SyncCompletedData struct {
	Portfolios int    `json:"portfolios"`
	Failed     int    `json:"failed"`
	DurationMS int64  `json:"duration_ms"`
	Phase      string `json:"phase"`
}

func (d *SyncCompletedData) EventType() EventType { return SyncCompleted }

// SessionEndedData is the payload for SessionEnded events.
type SessionEndedData struct {
	SessionID    string `json:"session_id"`
	UserID       string `json:"user_id"`
	MessageCount int    `json:"message_count"`
	TotalTokens  int    `json:"total_tokens"`
}

func (d *SessionEndedData) EventType() EventType { return SessionEnded }

// ErrorEventData is the payload for ErrorOccurred events.
type ErrorEventData struct {
	Component string `json:"component"`
	Message   string `json:"message"`
}

func (d *ErrorEventData) EventType() EventType { return ErrorOccurred }
