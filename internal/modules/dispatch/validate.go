package dispatch

import (
	"fmt"
	"strings"

	"github.com/aristath/fleet/internal/domain"
	"github.com/shopspring/decimal"
)

// ValidateBatch checks the structure of a batch. Only structural problems
// fail the whole batch; per-account problems become failed outcomes.
func ValidateBatch(template domain.OrderTemplate, orders []domain.AccountOrder) error {
	if len(orders) == 0 {
		return &domain.ValidationError{Field: "accountOrders", Message: "at least one account order is required"}
	}
	if err := validateTemplate(template); err != nil {
		return err
	}

	pricedAnywhere := template.DefaultPrice.Valid
	for i, o := range orders {
		if strings.TrimSpace(o.AccountID) == "" {
			return &domain.ValidationError{Field: "accountOrders", Message: fmt.Sprintf("account id is required at index %d", i)}
		}
		if o.Price.Valid {
			if o.Price.Decimal.Sign() < 0 {
				return &domain.ValidationError{Field: "price", Message: fmt.Sprintf("must not be negative for account %s", o.AccountID)}
			}
			if !o.Skip() {
				pricedAnywhere = true
			}
		}
	}

	if template.OrderType.RequiresPrice() && !pricedAnywhere {
		return &domain.ValidationError{Field: "price", Message: fmt.Sprintf("price is required for %s orders", template.OrderType)}
	}
	return nil
}

func validateTemplate(t domain.OrderTemplate) error {
	if strings.TrimSpace(t.Symbol) == "" {
		return &domain.ValidationError{Field: "symbol", Message: "is required"}
	}
	if !t.Exchange.Valid() {
		return &domain.ValidationError{Field: "exchange", Message: fmt.Sprintf("unsupported exchange %q", t.Exchange)}
	}
	if !t.OrderType.Valid() {
		return &domain.ValidationError{Field: "orderType", Message: fmt.Sprintf("unsupported order type %q", t.OrderType)}
	}
	if !t.TransactionType.Valid() {
		return &domain.ValidationError{Field: "transactionType", Message: "must be BUY or SELL"}
	}
	if !t.ProductType.Valid() {
		return &domain.ValidationError{Field: "productType", Message: fmt.Sprintf("unsupported product type %q", t.ProductType)}
	}
	if t.Validity != "" && !t.Validity.Valid() {
		return &domain.ValidationError{Field: "validity", Message: fmt.Sprintf("unsupported validity %q", t.Validity)}
	}
	if negative(t.DefaultPrice) {
		return &domain.ValidationError{Field: "defaultPrice", Message: "must not be negative"}
	}
	if t.OrderType.RequiresTrigger() {
		if !t.TriggerPrice.Valid {
			return &domain.ValidationError{Field: "triggerPrice", Message: fmt.Sprintf("trigger price is required for %s orders", t.OrderType)}
		}
		if negative(t.TriggerPrice) {
			return &domain.ValidationError{Field: "triggerPrice", Message: "must not be negative"}
		}
	}
	return nil
}

// ValidateExit checks an exit-positions request
func ValidateExit(req ExitRequest) error {
	if len(req.AccountIDs) == 0 {
		return &domain.ValidationError{Field: "accountIds", Message: "at least one account is required"}
	}
	for i, id := range req.AccountIDs {
		if strings.TrimSpace(id) == "" {
			return &domain.ValidationError{Field: "accountIds", Message: fmt.Sprintf("account id is required at index %d", i)}
		}
	}
	if req.MinQuantity < 0 {
		return &domain.ValidationError{Field: "minQuantity", Message: "must not be negative"}
	}

	// The side is chosen per position, BUY is a placeholder for validation
	t := req.template(domain.TransactionBuy)
	if err := validateTemplate(t); err != nil {
		return err
	}
	if t.OrderType.RequiresPrice() && !t.DefaultPrice.Valid {
		return &domain.ValidationError{Field: "price", Message: fmt.Sprintf("price is required for %s orders", t.OrderType)}
	}
	return nil
}

func negative(d decimal.NullDecimal) bool {
	return d.Valid && d.Decimal.Sign() < 0
}
