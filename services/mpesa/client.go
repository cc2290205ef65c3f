package mpesa

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"

	"storefront-payment-api/utils"
)

const (
	SandboxBaseURL    = "https://sandbox.safaricom.co.ke"
	ProductionBaseURL = "https://api.safaricom.co.ke"

	defaultTimeout         = 15 * time.Second
	defaultTokenLifetime   = 3599 * time.Second
	defaultTransactionType = "CustomerPayBillOnline"

	AccountReferenceLimit = 12
	DescriptionLimit      = 13
)

type Config struct {
	Environment     string
	BaseURL         string
	ConsumerKey     string
	ConsumerSecret  string
	ShortCode       string
	PassKey         string
	TransactionType string
	CallbackURL     string
	Timeout         time.Duration
	MaxAmount       decimal.Decimal
}

// BaseURLFor picks the gateway host for an environment name.
func BaseURLFor(environment string) string {
	if strings.EqualFold(environment, "production") {
		return ProductionBaseURL
	}
	return SandboxBaseURL
}

type Client struct {
	httpClient *http.Client
	cfg        Config
	breaker    *gobreaker.CircuitBreaker[*PushAck]
	logger     *zap.SugaredLogger
	now        func() time.Time
}

func NewClient(cfg Config, httpClient *http.Client, logger *zap.SugaredLogger) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = BaseURLFor(cfg.Environment)
	}
	cfg.BaseURL = strings.TrimSuffix(cfg.BaseURL, "/")
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.TransactionType == "" {
		cfg.TransactionType = defaultTransactionType
	}
	if httpClient == nil {
		httpClient = &http.Client{}
	}

	c := &Client{
		httpClient: httpClient,
		cfg:        cfg,
		logger:     logger,
		now:        time.Now,
	}

	c.breaker = gobreaker.NewCircuitBreaker[*PushAck](gobreaker.Settings{
		Name:        "mpesa-stkpush",
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		// Only lost requests say anything about gateway health.
		IsSuccessful: func(err error) bool {
			return err == nil || !IsTransport(err)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warnw("circuit breaker state changed", "breaker", name, "from", from.String(), "to", to.String())
		},
	})

	return c
}

// RequestToken fetches a fresh OAuth access token with the consumer credentials.
func (c *Client) RequestToken(ctx context.Context) (*AccessToken, error) {
	basic := base64.StdEncoding.EncodeToString([]byte(c.cfg.ConsumerKey + ":" + c.cfg.ConsumerSecret))

	status, body, err := c.doRequest(ctx, "token", http.MethodGet,
		"/oauth/v1/generate?grant_type=client_credentials", "Basic "+basic, nil)
	if err != nil {
		return nil, err
	}
	if status >= http.StatusMultipleChoices {
		return nil, classifyStatus("token", status, body)
	}

	var resp tokenResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, &TransportError{Op: "token", Err: fmt.Errorf("decode token response: %w", err)}
	}
	if resp.AccessToken == "" {
		return nil, errors.New("token response missing access_token")
	}

	lifetime := defaultTokenLifetime
	if resp.ExpiresIn != "" {
		seconds, err := strconv.Atoi(string(resp.ExpiresIn))
		if err == nil && seconds > 0 {
			lifetime = time.Duration(seconds) * time.Second
		}
	}

	return &AccessToken{
		Value:     resp.AccessToken,
		ExpiresAt: c.now().Add(lifetime),
	}, nil
}

// InitiatePush asks the gateway to prompt the payer's phone. It is never
// retried here: a lost request may still have charged the payer.
func (c *Client) InitiatePush(ctx context.Context, token string, req PushRequest) (*PushAck, error) {
	if err := ValidatePushRequest(req, c.cfg.MaxAmount); err != nil {
		return nil, err
	}

	timestamp := utils.GatewayTimestamp(c.now())
	body := stkPushBody{
		BusinessShortCode: c.cfg.ShortCode,
		Password:          c.password(timestamp),
		Timestamp:         timestamp,
		TransactionType:   c.cfg.TransactionType,
		Amount:            req.Amount.IntPart(),
		PartyA:            req.PhoneNumber,
		PartyB:            c.cfg.ShortCode,
		PhoneNumber:       req.PhoneNumber,
		CallBackURL:       c.cfg.CallbackURL,
		AccountReference:  req.AccountReference,
		TransactionDesc:   req.Description,
	}

	ack, err := c.breaker.Execute(func() (*PushAck, error) {
		return c.initiatePush(ctx, token, body)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, ErrGatewayUnavailable
	}
	return ack, err
}

func (c *Client) initiatePush(ctx context.Context, token string, body stkPushBody) (*PushAck, error) {
	status, data, err := c.doRequest(ctx, "stkpush", http.MethodPost,
		"/mpesa/stkpush/v1/processrequest", "Bearer "+token, body)
	if err != nil {
		return nil, err
	}
	if status >= http.StatusMultipleChoices {
		return nil, classifyStatus("stkpush", status, data)
	}

	var ack PushAck
	if err := json.Unmarshal(data, &ack); err != nil {
		return nil, &TransportError{Op: "stkpush", Err: fmt.Errorf("decode push response: %w", err)}
	}
	if ack.ResponseCode != ResultSuccess {
		return nil, &GatewayError{
			StatusCode: status,
			Code:       ack.ResponseCode,
			Message:    ack.ResponseDescription,
		}
	}
	if ack.CheckoutRequestID == "" {
		return nil, &TransportError{Op: "stkpush", Err: errors.New("push response missing CheckoutRequestID")}
	}
	return &ack, nil
}

// QueryPush asks the gateway for the result of an earlier push request.
func (c *Client) QueryPush(ctx context.Context, token, checkoutRequestID string) (*PushStatus, error) {
	if checkoutRequestID == "" {
		return nil, fmt.Errorf("%w: checkout request id is required", ErrInvalidPushRequest)
	}

	timestamp := utils.GatewayTimestamp(c.now())
	body := stkQueryBody{
		BusinessShortCode: c.cfg.ShortCode,
		Password:          c.password(timestamp),
		Timestamp:         timestamp,
		CheckoutRequestID: checkoutRequestID,
	}

	status, data, err := c.doRequest(ctx, "stkpushquery", http.MethodPost,
		"/mpesa/stkpushquery/v1/query", "Bearer "+token, body)
	if err != nil {
		return nil, err
	}
	if status >= http.StatusMultipleChoices {
		var gatewayErr *GatewayError
		err := classifyStatus("stkpushquery", status, data)
		if errors.As(err, &gatewayErr) && gatewayErr.Code == pendingErrorCode {
			return nil, ErrPushPending
		}
		return nil, err
	}

	var resp queryResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, &TransportError{Op: "stkpushquery", Err: fmt.Errorf("decode query response: %w", err)}
	}
	if resp.ResultCode == "" {
		return nil, &TransportError{Op: "stkpushquery", Err: errors.New("query response missing ResultCode")}
	}
	return &PushStatus{
		MerchantRequestID:   resp.MerchantRequestID,
		CheckoutRequestID:   resp.CheckoutRequestID,
		ResponseCode:        string(resp.ResponseCode),
		ResponseDescription: resp.ResponseDescription,
		ResultCode:          string(resp.ResultCode),
		ResultDesc:          resp.ResultDesc,
	}, nil
}

func (c *Client) password(timestamp string) string {
	return base64.StdEncoding.EncodeToString([]byte(c.cfg.ShortCode + c.cfg.PassKey + timestamp))
}

func (c *Client) doRequest(ctx context.Context, op, method, path, authorization string, payload any) (int, []byte, error) {
	var body io.Reader
	if payload != nil {
		buf := &bytes.Buffer{}
		if err := json.NewEncoder(buf).Encode(payload); err != nil {
			return 0, nil, err
		}
		body = buf
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, body)
	if err != nil {
		return 0, nil, err
	}

	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if authorization != "" {
		req.Header.Set("Authorization", authorization)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, nil, &TransportError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return resp.StatusCode, nil, &TransportError{Op: op, Err: fmt.Errorf("read response: %w", err)}
	}

	return resp.StatusCode, data, nil
}

// classifyStatus turns a non-2xx response into a GatewayError, wrapped in a
// TransportError for 5xx since the gateway may have acted before failing.
func classifyStatus(op string, status int, body []byte) error {
	gatewayErr := &GatewayError{StatusCode: status, Message: strings.TrimSpace(string(body))}

	var parsed errorResponse
	if err := json.Unmarshal(body, &parsed); err == nil && (parsed.ErrorCode != "" || parsed.ErrorMessage != "") {
		gatewayErr.Code = parsed.ErrorCode
		gatewayErr.Message = parsed.ErrorMessage
		gatewayErr.RequestID = parsed.RequestID
	}

	if status >= http.StatusInternalServerError {
		if gatewayErr.Code == pendingErrorCode {
			return gatewayErr
		}
		return &TransportError{Op: op, Err: gatewayErr}
	}
	return gatewayErr
}

// ValidatePushRequest checks a push request locally before anything is sent.
func ValidatePushRequest(req PushRequest, maxAmount decimal.Decimal) error {
	if err := utils.ValidateAmount(req.Amount, maxAmount); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPushRequest, err)
	}
	normalized, err := utils.NormalizePhone(req.PhoneNumber)
	if err != nil || normalized != req.PhoneNumber {
		return fmt.Errorf("%w: phone number must be normalized", ErrInvalidPushRequest)
	}
	if req.AccountReference == "" || len(req.AccountReference) > AccountReferenceLimit {
		return fmt.Errorf("%w: account reference must be 1-%d characters", ErrInvalidPushRequest, AccountReferenceLimit)
	}
	if len(req.Description) > DescriptionLimit {
		return fmt.Errorf("%w: description must be at most %d characters", ErrInvalidPushRequest, DescriptionLimit)
	}
	return nil
}
