package domain

import "time"

// OutcomeStatus is the final state of one account order
type OutcomeStatus string

const (
	StatusPlaced  OutcomeStatus = "placed"
	StatusFailed  OutcomeStatus = "failed"
	StatusSkipped OutcomeStatus = "skipped"
)

// DryRunOrderID is the broker order id reported for orders that were not sent
const DryRunOrderID = "DRY_RUN"

// OrderOutcome is the result for one account in a batch
type OrderOutcome struct {
	AccountID       string          `json:"accountId"`
	Status          OutcomeStatus   `json:"status"`
	BrokerOrderID   string          `json:"brokerOrderId,omitempty"`
	ErrorKind       ErrorKind       `json:"errorKind,omitempty"`
	ErrorMessage    string          `json:"errorMessage,omitempty"`
	TransactionType TransactionType `json:"transactionType,omitempty"`
	Quantity        int64           `json:"quantity"`
	Price           *float64        `json:"price,omitempty"`
	ExecutionTimeMs float64         `json:"executionTimeMs"`
	DryRun          bool            `json:"dryRun,omitempty"`
}

// Placed builds a successful outcome
func Placed(accountID, brokerOrderID string, quantity int64) OrderOutcome {
	return OrderOutcome{
		AccountID:     accountID,
		Status:        StatusPlaced,
		BrokerOrderID: brokerOrderID,
		Quantity:      quantity,
	}
}

// Failed builds a failed outcome from err
func Failed(accountID string, quantity int64, err error) OrderOutcome {
	o := OrderOutcome{
		AccountID: accountID,
		Status:    StatusFailed,
		ErrorKind: ClassifyError(err),
		Quantity:  quantity,
	}
	if err != nil {
		o.ErrorMessage = err.Error()
	}
	return o
}

// Skipped builds an outcome for an order that was never submitted
func Skipped(accountID string, quantity int64, reason string) OrderOutcome {
	return OrderOutcome{
		AccountID:    accountID,
		Status:       StatusSkipped,
		ErrorMessage: reason,
		Quantity:     quantity,
	}
}

// BatchSummary counts outcomes by status
type BatchSummary struct {
	Total   int `json:"total"`
	Placed  int `json:"placed"`
	Failed  int `json:"failed"`
	Skipped int `json:"skipped"`
}

// BatchMetadata describes how a batch ran
type BatchMetadata struct {
	StartedAt  time.Time `json:"startedAt"`
	DurationMs float64   `json:"durationMs"`
	MeanUnitMs float64   `json:"meanUnitMs"`
	P95UnitMs  float64   `json:"p95UnitMs"`
	Workers    int       `json:"workers"`
	DryRun     bool      `json:"dryRun"`
}

// BatchReport is the aggregate result of one batch, outcomes in input order
type BatchReport struct {
	RequestID       string          `json:"requestId"`
	Symbol          string          `json:"symbol"`
	Exchange        Exchange        `json:"exchange"`
	TransactionType TransactionType `json:"transactionType"`
	Outcomes        []OrderOutcome  `json:"outcomes"`
	Summary         BatchSummary    `json:"summary"`
	Metadata        BatchMetadata   `json:"metadata"`
}

// NewBatchReport builds a report and derives its summary from outcomes
func NewBatchReport(requestID string, template OrderTemplate, outcomes []OrderOutcome) *BatchReport {
	if outcomes == nil {
		outcomes = []OrderOutcome{}
	}
	return &BatchReport{
		RequestID:       requestID,
		Symbol:          template.Symbol,
		Exchange:        template.Exchange,
		TransactionType: template.TransactionType,
		Outcomes:        outcomes,
		Summary:         Summarize(outcomes),
	}
}

// Summarize counts outcomes by status
func Summarize(outcomes []OrderOutcome) BatchSummary {
	s := BatchSummary{Total: len(outcomes)}
	for _, o := range outcomes {
		switch o.Status {
		case StatusPlaced:
			s.Placed++
		case StatusFailed:
			s.Failed++
		case StatusSkipped:
			s.Skipped++
		}
	}
	return s
}
