package dispatch

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/aristath/fleet/internal/domain"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"github.com/shopspring/decimal"
)

// BatchRequest is the HTTP body of execute-all and exit-all
type BatchRequest struct {
	Symbol          string                 `json:"symbol"`
	Exchange        domain.Exchange        `json:"exchange"`
	OrderType       domain.OrderType       `json:"orderType"`
	TransactionType domain.TransactionType `json:"transactionType"`
	ProductType     domain.ProductType     `json:"productType"`
	Validity        domain.Validity        `json:"validity,omitempty"`
	DefaultPrice    decimal.NullDecimal    `json:"defaultPrice"`
	TriggerPrice    decimal.NullDecimal    `json:"triggerPrice"`
	DryRun          bool                   `json:"dryRun"`
	AccountOrders   []domain.AccountOrder  `json:"accountOrders"`
}

// Template returns the order template of the request
func (r BatchRequest) Template() domain.OrderTemplate {
	return domain.OrderTemplate{
		Symbol:          strings.ToUpper(strings.TrimSpace(r.Symbol)),
		Exchange:        r.Exchange,
		TransactionType: r.TransactionType,
		OrderType:       r.OrderType,
		ProductType:     r.ProductType,
		Validity:        r.Validity,
		DefaultPrice:    r.DefaultPrice,
		TriggerPrice:    r.TriggerPrice,
	}
}

// ExitPositionsRequest is the HTTP body of exit-positions
type ExitPositionsRequest struct {
	Symbol       string              `json:"symbol"`
	Exchange     domain.Exchange     `json:"exchange"`
	OrderType    domain.OrderType    `json:"orderType"`
	ProductType  domain.ProductType  `json:"productType"`
	Price        decimal.NullDecimal `json:"price"`
	TriggerPrice decimal.NullDecimal `json:"triggerPrice"`
	MinQuantity  int64               `json:"minQuantity"`
	AccountIDs   []string            `json:"accountIds"`
	DryRun       bool                `json:"dryRun"`
}

// ExitRequest converts the body to a dispatcher request
func (r ExitPositionsRequest) ExitRequest() ExitRequest {
	return ExitRequest{
		Symbol:       strings.ToUpper(strings.TrimSpace(r.Symbol)),
		Exchange:     r.Exchange,
		OrderType:    r.OrderType,
		ProductType:  r.ProductType,
		Price:        r.Price,
		TriggerPrice: r.TriggerPrice,
		MinQuantity:  r.MinQuantity,
		AccountIDs:   r.AccountIDs,
		DryRun:       r.DryRun,
	}
}

const priceSchema = `{"type": ["number", "string", "null"]}`

var batchRequestSchema = mustCompileSchema("batch_request.json", `{
	"type": "object",
	"required": ["symbol", "exchange", "orderType", "transactionType", "productType", "accountOrders"],
	"properties": {
		"symbol": {"type": "string", "minLength": 1, "maxLength": 50},
		"exchange": {"enum": ["NSE", "BSE", "MCX", "NCDEX"]},
		"orderType": {"enum": ["MKT", "LMT", "SL", "SLM"]},
		"transactionType": {"enum": ["BUY", "SELL"]},
		"productType": {"enum": ["MIS", "CNC", "NRML"]},
		"validity": {"enum": ["DAY", "IOC", "GTD"]},
		"defaultPrice": `+priceSchema+`,
		"triggerPrice": `+priceSchema+`,
		"dryRun": {"type": "boolean"},
		"accountOrders": {
			"type": "array",
			"minItems": 1,
			"items": {
				"type": "object",
				"required": ["accountId", "quantity"],
				"properties": {
					"accountId": {"type": "string", "minLength": 1},
					"quantity": {"type": "integer"},
					"price": `+priceSchema+`
				}
			}
		}
	}
}`)

var exitPositionsSchema = mustCompileSchema("exit_positions_request.json", `{
	"type": "object",
	"required": ["symbol", "exchange", "orderType", "productType", "accountIds"],
	"properties": {
		"symbol": {"type": "string", "minLength": 1, "maxLength": 50},
		"exchange": {"enum": ["NSE", "BSE", "MCX", "NCDEX"]},
		"orderType": {"enum": ["MKT", "LMT", "SL", "SLM"]},
		"productType": {"enum": ["MIS", "CNC", "NRML"]},
		"price": `+priceSchema+`,
		"triggerPrice": `+priceSchema+`,
		"minQuantity": {"type": "integer", "minimum": 0},
		"accountIds": {"type": "array", "minItems": 1, "items": {"type": "string", "minLength": 1}},
		"dryRun": {"type": "boolean"}
	}
}`)

func mustCompileSchema(name, schema string) *jsonschema.Schema {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(name, strings.NewReader(schema)); err != nil {
		panic(fmt.Sprintf("add schema %s: %v", name, err))
	}
	compiled, err := compiler.Compile(name)
	if err != nil {
		panic(fmt.Sprintf("compile schema %s: %v", name, err))
	}
	return compiled
}

// DecodeBatchRequest validates body against the batch schema and decodes it
func DecodeBatchRequest(body []byte) (*BatchRequest, error) {
	if err := validateAgainst(batchRequestSchema, body); err != nil {
		return nil, err
	}
	var req BatchRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, &domain.ValidationError{Message: err.Error()}
	}
	return &req, nil
}

// DecodeExitPositionsRequest validates body against the exit schema and decodes it
func DecodeExitPositionsRequest(body []byte) (*ExitPositionsRequest, error) {
	if err := validateAgainst(exitPositionsSchema, body); err != nil {
		return nil, err
	}
	var req ExitPositionsRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, &domain.ValidationError{Message: err.Error()}
	}
	return &req, nil
}

func validateAgainst(schema *jsonschema.Schema, body []byte) error {
	var doc interface{}
	if err := json.Unmarshal(body, &doc); err != nil {
		return &domain.ValidationError{Message: "malformed JSON: " + err.Error()}
	}
	if err := schema.Validate(doc); err != nil {
		var verr *jsonschema.ValidationError
		if errors.As(err, &verr) {
			return &domain.ValidationError{Message: leafMessage(verr)}
		}
		return &domain.ValidationError{Message: err.Error()}
	}
	return nil
}

// leafMessage reports the most specific cause with its location
func leafMessage(v *jsonschema.ValidationError) string {
	for len(v.Causes) > 0 {
		v = v.Causes[0]
	}
	if v.InstanceLocation == "" {
		return v.Message
	}
	return v.InstanceLocation + ": " + v.Message
}
