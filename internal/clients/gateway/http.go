package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/aristath/fleet/internal/domain"
	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"
	"golang.org/x/time/rate"
)

const (
	pathLogin     = "/rest/login/v3/authdirectapi"
	pathLogout    = "/rest/login/v2/logout"
	pathPositions = "/rest/report/v1/getposition"
	pathPlace     = "/rest/secure/v1/placeorder"
	pathCancel    = "/rest/secure/v1/cancelorder"
	pathOrder     = "/rest/report/v1/getorderdetail"

	maxResponseBytes = 4 << 20
)

// Token and order id fields vary between API revisions
var (
	tokenFields   = []string{"AuthToken", "authToken", "token", "access_token"}
	orderIDFields = []string{"uniqueorderid", "orderid", "order_id", "orderId"}
)

// HTTPConfig configures the REST gateway client
type HTTPConfig struct {
	BaseURL       string
	Timeout       time.Duration
	RatePerSecond float64
	Burst         int
	// TokenLifetime bounds the session when the broker does not return an expiry
	TokenLifetime time.Duration
}

// HTTPClient is a BrokerGateway talking to the broker REST API.
// Every request waits on a shared rate limiter and is bound to its ctx.
type HTTPClient struct {
	baseURL       string
	httpClient    *http.Client
	limiter       *rate.Limiter
	tokenLifetime time.Duration
	now           func() time.Time
	log           zerolog.Logger
}

// NewHTTPClient creates a new REST gateway client
func NewHTTPClient(cfg HTTPConfig, log zerolog.Logger) *HTTPClient {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	limit := rate.Inf
	if cfg.RatePerSecond > 0 {
		limit = rate.Limit(cfg.RatePerSecond)
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	lifetime := cfg.TokenLifetime
	if lifetime <= 0 {
		lifetime = 8 * time.Hour
	}

	return &HTTPClient{
		baseURL:       strings.TrimRight(cfg.BaseURL, "/"),
		httpClient:    &http.Client{Timeout: timeout},
		limiter:       rate.NewLimiter(limit, burst),
		tokenLifetime: lifetime,
		now:           time.Now,
		log:           log.With().Str("component", "broker-http").Logger(),
	}
}

// Authenticate logs the account in and returns a session carrying the bearer token
func (c *HTTPClient) Authenticate(ctx context.Context, accountID string, creds domain.Credentials) (*domain.AccountSession, error) {
	if !creds.Complete() {
		return nil, &domain.AuthenticationError{AccountID: accountID, Cause: errors.New("incomplete credentials")}
	}

	payload := map[string]string{
		"userid":   creds.UserID,
		"password": creds.Password,
		"apikey":   creds.APIKey,
	}
	if creds.DOB != "" {
		payload["2FA"] = creds.DOB
	}

	issued := c.now()
	body, err := c.do(ctx, pathLogin, "", payload)
	if err != nil {
		var rejected *domain.GatewayRejectedError
		if errors.As(err, &rejected) {
			return nil, &domain.AuthenticationError{AccountID: accountID, Cause: err}
		}
		var authErr *domain.AuthenticationError
		if errors.As(err, &authErr) && authErr.AccountID == "" {
			authErr.AccountID = accountID
		}
		return nil, err
	}

	token := firstString(body, tokenFields)
	if token == "" {
		return nil, &domain.AuthenticationError{AccountID: accountID, Cause: errors.New("no token in login response")}
	}

	c.log.Info().Str("account_id", accountID).Msg("Authenticated with broker")
	return &domain.AccountSession{
		AccountID: accountID,
		Token:     token,
		IssuedAt:  issued,
		ExpiresAt: issued.Add(c.tokenLifetime),
	}, nil
}

// Logout ends the broker session
func (c *HTTPClient) Logout(ctx context.Context, session *domain.AccountSession) error {
	_, err := c.do(ctx, pathLogout, session.Token, map[string]string{"clientcode": session.AccountID})
	return err
}

// PlaceOrder submits one order and returns the broker order id
func (c *HTTPClient) PlaceOrder(ctx context.Context, session *domain.AccountSession, template domain.OrderTemplate, order domain.AccountOrder) (string, error) {
	validity := template.Validity
	if validity == "" {
		validity = domain.ValidityDay
	}

	payload := map[string]string{
		"clientcode":      session.AccountID,
		"symbol":          template.Symbol,
		"exchange":        string(template.Exchange),
		"transactiontype": string(template.TransactionType),
		"ordertype":       string(template.OrderType),
		"producttype":     string(template.ProductType),
		"quantity":        fmt.Sprintf("%d", order.Quantity),
		"validity":        string(validity),
	}
	if price := order.EffectivePrice(template); price.Valid {
		payload["price"] = price.Decimal.String()
	}
	if template.TriggerPrice.Valid {
		payload["triggerprice"] = template.TriggerPrice.Decimal.String()
	}

	body, err := c.do(ctx, pathPlace, session.Token, payload)
	if err != nil {
		return "", err
	}

	orderID := firstString(body, orderIDFields)
	if orderID == "" {
		return "", fmt.Errorf("no order id in place order response")
	}
	return orderID, nil
}

// CancelOrder cancels a previously placed order
func (c *HTTPClient) CancelOrder(ctx context.Context, session *domain.AccountSession, brokerOrderID string) error {
	_, err := c.do(ctx, pathCancel, session.Token, map[string]string{
		"clientcode":    session.AccountID,
		"uniqueorderid": brokerOrderID,
	})
	return err
}

// OrderStatus returns the raw order detail document for an order
func (c *HTTPClient) OrderStatus(ctx context.Context, session *domain.AccountSession, brokerOrderID string) (string, error) {
	body, err := c.do(ctx, pathOrder, session.Token, map[string]string{
		"clientcode":    session.AccountID,
		"uniqueorderid": brokerOrderID,
	})
	if err != nil {
		return "", err
	}
	return gjson.GetBytes(body, "data").Raw, nil
}

// GetPositions returns the open positions of the account
func (c *HTTPClient) GetPositions(ctx context.Context, session *domain.AccountSession) ([]domain.Position, error) {
	body, err := c.do(ctx, pathPositions, session.Token, map[string]string{"clientcode": session.AccountID})
	if err != nil {
		return nil, err
	}

	data := gjson.GetBytes(body, "data")
	var rows []gjson.Result
	switch {
	case data.IsArray():
		rows = data.Array()
	case data.IsObject():
		rows = []gjson.Result{data}
	}

	positions := make([]domain.Position, 0, len(rows))
	for _, row := range rows {
		positions = append(positions, parsePosition(row))
	}
	return positions, nil
}

// parsePosition reads a position row. Numeric fields may arrive as strings.
func parsePosition(row gjson.Result) domain.Position {
	p := domain.Position{
		Symbol:      strings.ToUpper(row.Get("symbol").String()),
		Exchange:    domain.Exchange(strings.ToUpper(row.Get("exchange").String())),
		ProductType: domain.ProductType(strings.ToUpper(row.Get("product_type").String())),
		Quantity:    row.Get("quantity").Int(),
		AvgPrice:    row.Get("avg_price").Float(),
		LastPrice:   row.Get("ltp").Float(),
		MarketValue: row.Get("market_value").Float(),
		PnL:         row.Get("pnl").Float(),
		DayPnL:      row.Get("day_pnl").Float(),
	}
	if p.MarketValue == 0 && p.LastPrice != 0 {
		p.MarketValue = float64(p.Quantity) * p.LastPrice
	}
	return p
}

// do posts a JSON payload and returns the response body once the envelope reports success
func (c *HTTPClient) do(ctx context.Context, path, token string, payload interface{}) ([]byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		// Wait fails early when the deadline would pass before a token frees up
		if ctx.Err() == nil || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: %v", domain.ErrGatewayTimeout, err)
		}
		return nil, err
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, c.ctxError(ctx, fmt.Errorf("request to %s failed: %w", path, err))
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, c.ctxError(ctx, fmt.Errorf("failed to read response: %w", err))
	}

	c.log.Debug().
		Str("path", path).
		Int("status", resp.StatusCode).
		Dur("duration", time.Since(start)).
		Msg("Broker request completed")

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return nil, &domain.AuthenticationError{Cause: fmt.Errorf("HTTP %d: %s", resp.StatusCode, message(body))}
	}
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("broker returned HTTP %d: %s", resp.StatusCode, message(body))
	}
	if !gjson.ValidBytes(body) {
		return nil, fmt.Errorf("invalid JSON response from %s", path)
	}

	status := gjson.GetBytes(body, "status")
	if strings.EqualFold(status.String(), "success") || (!status.Exists() && gjson.GetBytes(body, "data").Exists()) {
		return body, nil
	}
	return nil, &domain.GatewayRejectedError{
		Reason: message(body),
		Code:   gjson.GetBytes(body, "errorcode").String(),
	}
}

// ctxError turns an expired deadline into ErrGatewayTimeout
func (c *HTTPClient) ctxError(ctx context.Context, err error) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", domain.ErrGatewayTimeout, err)
	}
	var netErr interface{ Timeout() bool }
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %v", domain.ErrGatewayTimeout, err)
	}
	return err
}

func firstString(body []byte, fields []string) string {
	for _, f := range fields {
		for _, path := range []string{"data." + f, f} {
			if v := gjson.GetBytes(body, path); v.Exists() && v.String() != "" {
				return v.String()
			}
		}
	}
	return ""
}

func message(body []byte) string {
	if msg := gjson.GetBytes(body, "message").String(); msg != "" {
		return msg
	}
	if len(body) > 200 {
		return string(body[:200])
	}
	return string(body)
}
