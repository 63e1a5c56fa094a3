package gateway

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"strings"
	"sync"
	"time"
)

// DarajaConfig configures the mobile money client.
type DarajaConfig struct {
	BaseURL            string
	AppKey             string
	AppSecret          string
	ShortCode          string
	PassKey            string
	InitiatorName      string
	SecurityCredential string
	CallbackURL        string
}

// Daraja is the mobile money rail. Collects run as STK push prompts on
// the user's phone; payouts run as B2C business payments.
type Daraja struct {
	cfg    DarajaConfig
	client *http.Client

	mu          sync.Mutex
	accessToken string
	tokenExpiry time.Time
}

var _ Client = (*Daraja)(nil)

// NewDaraja creates a mobile money client.
func NewDaraja(cfg DarajaConfig) *Daraja {
	return &Daraja{
		cfg: cfg,
		client: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// token returns a cached OAuth access token, refreshing when expired.
func (d *Daraja) token(ctx context.Context) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.accessToken != "" && time.Now().Before(d.tokenExpiry) {
		return d.accessToken, nil
	}

	url := d.cfg.BaseURL + "/oauth/v1/generate?grant_type=client_credentials"
	req, err := http.NewRequestWithContext(ctx, "GET", url, nil)
	if err != nil {
		return "", fmt.Errorf("failed to create token request: %w", err)
	}
	req.SetBasicAuth(d.cfg.AppKey, d.cfg.AppSecret)

	resp, err := d.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("token request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("token request returned status %d", resp.StatusCode)
	}

	var body struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   string `json:"expires_in"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", fmt.Errorf("failed to decode token response: %w", err)
	}

	d.accessToken = body.AccessToken
	// Tokens last 3600s; refresh a minute early.
	d.tokenExpiry = time.Now().Add(59 * time.Minute)
	return d.accessToken, nil
}

// stkPassword builds the base64(shortcode+passkey+timestamp) credential.
func (d *Daraja) stkPassword(timestamp string) string {
	raw := d.cfg.ShortCode + d.cfg.PassKey + timestamp
	return base64.StdEncoding.EncodeToString([]byte(raw))
}

// InitiatePayment starts an STK push (collect) or B2C payment (payout).
func (d *Daraja) InitiatePayment(ctx context.Context, req PaymentRequest) (*PaymentResult, error) {
	switch req.Direction {
	case DirectionCollect:
		return d.stkPush(ctx, req)
	case DirectionPayout:
		return d.b2cPayment(ctx, req)
	default:
		return nil, &Error{Rail: RailMobileMoney, Op: "initiate",
			Err: fmt.Errorf("unknown direction %q", req.Direction)}
	}
}

func (d *Daraja) stkPush(ctx context.Context, req PaymentRequest) (*PaymentResult, error) {
	timestamp := time.Now().Format("20060102150405")
	payload := map[string]interface{}{
		"BusinessShortCode": d.cfg.ShortCode,
		"Password":          d.stkPassword(timestamp),
		"Timestamp":         timestamp,
		"TransactionType":   "CustomerPayBillOnline",
		"Amount":            wholeShillings(req.Amount),
		"PartyA":            req.Party,
		"PartyB":            d.cfg.ShortCode,
		"PhoneNumber":       req.Party,
		"CallBackURL":       d.cfg.CallbackURL,
		"AccountReference":  req.RequestID,
		"TransactionDesc":   req.Narrative,
	}

	var resp struct {
		CheckoutRequestID string `json:"CheckoutRequestID"`
		ResponseCode      string `json:"ResponseCode"`
		ResponseDesc      string `json:"ResponseDescription"`
	}
	if err := d.post(ctx, "/mpesa/stkpush/v1/processrequest", payload, &resp); err != nil {
		return nil, &Error{Rail: RailMobileMoney, Op: "stk_push", Err: err}
	}
	if resp.ResponseCode != "0" {
		return nil, &Error{Rail: RailMobileMoney, Op: "stk_push",
			Err: fmt.Errorf("%w: %s", ErrDeclined, resp.ResponseDesc)}
	}

	return &PaymentResult{
		GatewayRef: resp.CheckoutRequestID,
		Status:     PaymentPending,
	}, nil
}

func (d *Daraja) b2cPayment(ctx context.Context, req PaymentRequest) (*PaymentResult, error) {
	payload := map[string]interface{}{
		"InitiatorName":      d.cfg.InitiatorName,
		"SecurityCredential": d.cfg.SecurityCredential,
		"CommandID":          "BusinessPayment",
		"Amount":             wholeShillings(req.Amount),
		"PartyA":             d.cfg.ShortCode,
		"PartyB":             req.Party,
		"Remarks":            req.Narrative,
		"Occasion":           req.RequestID,
		"QueueTimeOutURL":    d.cfg.CallbackURL,
		"ResultURL":          d.cfg.CallbackURL,
	}

	var resp struct {
		ConversationID           string `json:"ConversationID"`
		OriginatorConversationID string `json:"OriginatorConversationID"`
		ResponseCode             string `json:"ResponseCode"`
		ResponseDesc             string `json:"ResponseDescription"`
	}
	if err := d.post(ctx, "/mpesa/b2c/v1/paymentrequest", payload, &resp); err != nil {
		return nil, &Error{Rail: RailMobileMoney, Op: "b2c", Err: err}
	}
	if resp.ResponseCode != "0" {
		return nil, &Error{Rail: RailMobileMoney, Op: "b2c",
			Err: fmt.Errorf("%w: %s", ErrDeclined, resp.ResponseDesc)}
	}

	return &PaymentResult{
		GatewayRef: resp.ConversationID,
		Status:     PaymentPending,
	}, nil
}

// PollStatus queries a previously initiated payment. STK push references
// (ws_CO_*) use the stkpushquery endpoint; B2C references use the
// transaction status endpoint.
func (d *Daraja) PollStatus(ctx context.Context, gatewayRef string) (PaymentStatus, error) {
	if strings.HasPrefix(gatewayRef, "ws_CO_") {
		return d.pollSTK(ctx, gatewayRef)
	}
	return d.pollB2C(ctx, gatewayRef)
}

func (d *Daraja) pollSTK(ctx context.Context, checkoutRequestID string) (PaymentStatus, error) {
	timestamp := time.Now().Format("20060102150405")
	payload := map[string]interface{}{
		"BusinessShortCode": d.cfg.ShortCode,
		"Password":          d.stkPassword(timestamp),
		"Timestamp":         timestamp,
		"CheckoutRequestID": checkoutRequestID,
	}

	var resp struct {
		ResultCode string `json:"ResultCode"`
		ResultDesc string `json:"ResultDesc"`
		ErrorCode  string `json:"errorCode"`
	}
	if err := d.post(ctx, "/mpesa/stkpushquery/v1/query", payload, &resp); err != nil {
		return "", &Error{Rail: RailMobileMoney, Op: "stk_query", Err: err}
	}

	// 500.001.1001 = transaction still processing
	if resp.ErrorCode == "500.001.1001" {
		return PaymentPending, nil
	}

	switch resp.ResultCode {
	case "0":
		return PaymentSucceeded, nil
	case "":
		return PaymentPending, nil
	default:
		return PaymentFailed, nil
	}
}

func (d *Daraja) pollB2C(ctx context.Context, conversationID string) (PaymentStatus, error) {
	payload := map[string]interface{}{
		"Initiator":                d.cfg.InitiatorName,
		"SecurityCredential":       d.cfg.SecurityCredential,
		"CommandID":                "TransactionStatusQuery",
		"OriginatorConversationID": conversationID,
		"PartyA":                   d.cfg.ShortCode,
		"IdentifierType":           "4",
		"ResultURL":                d.cfg.CallbackURL,
		"QueueTimeOutURL":          d.cfg.CallbackURL,
		"Remarks":                  "status check",
	}

	var resp struct {
		ResultCode string `json:"ResultCode"`
		ErrorCode  string `json:"errorCode"`
	}
	if err := d.post(ctx, "/mpesa/transactionstatus/v1/query", payload, &resp); err != nil {
		return "", &Error{Rail: RailMobileMoney, Op: "b2c_query", Err: err}
	}

	if resp.ErrorCode == "500.001.1001" {
		return PaymentPending, nil
	}

	switch resp.ResultCode {
	case "0":
		return PaymentSucceeded, nil
	case "":
		return PaymentPending, nil
	default:
		return PaymentFailed, nil
	}
}

// post sends an authenticated JSON request and decodes the response.
func (d *Daraja) post(ctx context.Context, path string, payload interface{}, out interface{}) error {
	token, err := d.token(ctx)
	if err != nil {
		return err
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", d.cfg.BaseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return fmt.Errorf("provider returned status %d", resp.StatusCode)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// wholeShillings converts KES cents to the whole-shilling integer the
// provider expects. Sub-shilling amounts round down.
func wholeShillings(cents *big.Int) int64 {
	if cents == nil {
		return 0
	}
	return new(big.Int).Quo(cents, big.NewInt(100)).Int64()
}
