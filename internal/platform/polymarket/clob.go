package polymarket

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"math/rand"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/pmquant/polyrev/internal/crypto"
	"github.com/pmquant/polyrev/internal/domain"
)

// ClobClient is the REST client for the Polymarket CLOB (Central Limit
// Order Book) API: order placement, cancellation, fills, and the pre-submit
// orderability check.
type ClobClient struct {
	baseURL    string
	httpClient *http.Client
	signer     *crypto.Signer

	// funder is the address that holds the collateral. With a proxy wallet
	// it differs from the signer's EOA address.
	funder  string
	sigType int

	hmacAuth *crypto.HMACAuth
}

// NewClobClient creates a new CLOB REST client.
//
// baseURL is the CLOB API root, e.g. "https://clob.polymarket.com".
// signer is the EIP-712 signer for order signatures and auth messages.
// funder is the collateral wallet address; sigType selects the signature
// scheme (0 = EOA, 1 = proxy, 2 = Gnosis safe).
func NewClobClient(baseURL string, signer *crypto.Signer, funder string, sigType int, hmac *crypto.HMACAuth) *ClobClient {
	return &ClobClient{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		signer:   signer,
		funder:   funder,
		sigType:  sigType,
		hmacAuth: hmac,
	}
}

// OrderRequest is everything needed to sign and post one limit order.
type OrderRequest struct {
	TokenID string
	Side    domain.OrderSide
	Price   float64
	Size    float64 // shares
}

// sixDecimals converts a unit amount to the venue's 6-decimal fixed point.
func sixDecimals(v float64) string {
	scaled := new(big.Float).Mul(big.NewFloat(v), big.NewFloat(1e6))
	i, _ := scaled.Int(nil)
	return i.String()
}

// PostOrder signs the order and submits it, returning the venue order id.
func (c *ClobClient) PostOrder(ctx context.Context, req OrderRequest) (string, error) {
	if req.TokenID == "" || req.Price <= 0 || req.Size <= 0 {
		return "", fmt.Errorf("polymarket/clob: %w", domain.ErrInvalidOrder)
	}

	// BUY: maker gives USDC, takes shares. SELL: the reverse.
	notional := req.Price * req.Size
	var side int
	var makerAmount, takerAmount string
	if req.Side == domain.OrderSideBuy {
		side = 0
		makerAmount = sixDecimals(notional)
		takerAmount = sixDecimals(req.Size)
	} else {
		side = 1
		makerAmount = sixDecimals(req.Size)
		takerAmount = sixDecimals(notional)
	}

	payload := crypto.OrderPayload{
		Salt:          strconv.FormatInt(rand.Int63(), 10),
		Maker:         c.funder,
		Signer:        c.signer.Address().Hex(),
		Taker:         "0x0000000000000000000000000000000000000000",
		TokenID:       req.TokenID,
		MakerAmount:   makerAmount,
		TakerAmount:   takerAmount,
		Expiration:    "0",
		Nonce:         "0",
		FeeRateBps:    "0",
		Side:          side,
		SignatureType: c.sigType,
	}

	sig, err := c.signer.SignOrder(payload)
	if err != nil {
		return "", fmt.Errorf("polymarket/clob: sign order: %w", err)
	}

	sideStr := "BUY"
	if side == 1 {
		sideStr = "SELL"
	}
	body := map[string]any{
		"order": map[string]any{
			"salt":          payload.Salt,
			"maker":         payload.Maker,
			"signer":        payload.Signer,
			"taker":         payload.Taker,
			"tokenID":       payload.TokenID,
			"makerAmount":   payload.MakerAmount,
			"takerAmount":   payload.TakerAmount,
			"side":          sideStr,
			"expiration":    payload.Expiration,
			"nonce":         payload.Nonce,
			"feeRateBps":    payload.FeeRateBps,
			"signatureType": payload.SignatureType,
			"signature":     sig,
		},
		"owner":     c.hmacKey(),
		"orderType": "GTC",
	}

	respBody, err := c.doAuthenticatedRequest(ctx, http.MethodPost, "/order", body)
	if err != nil {
		return "", fmt.Errorf("polymarket/clob: post order: %w", err)
	}

	var result APIOrderResult
	if err := json.Unmarshal(respBody, &result); err != nil {
		return "", fmt.Errorf("polymarket/clob: decode order result: %w", err)
	}
	if !result.Success {
		return "", fmt.Errorf("polymarket/clob: order rejected: %s", result.ErrorMsg)
	}

	return result.OrderID, nil
}

// CancelOrder cancels a single order by its venue id.
func (c *ClobClient) CancelOrder(ctx context.Context, venueOrderID string) error {
	body := map[string]any{
		"orderID": venueOrderID,
	}

	respBody, err := c.doAuthenticatedRequest(ctx, http.MethodDelete, "/order", body)
	if err != nil {
		return fmt.Errorf("polymarket/clob: cancel order %s: %w", venueOrderID, err)
	}

	var result struct {
		Success  bool   `json:"success"`
		ErrorMsg string `json:"errorMsg"`
	}
	if err := json.Unmarshal(respBody, &result); err != nil {
		return fmt.Errorf("polymarket/clob: decode cancel response: %w", err)
	}
	if !result.Success {
		return fmt.Errorf("polymarket/clob: cancel failed: %s", result.ErrorMsg)
	}

	return nil
}

// Orderable reports whether the venue currently accepts orders for the
// market (condition id).
func (c *ClobClient) Orderable(ctx context.Context, marketID string) (bool, error) {
	path := fmt.Sprintf("/markets/%s", url.PathEscape(marketID))

	respBody, err := c.doAuthenticatedRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return false, fmt.Errorf("polymarket/clob: get market %s: %w", marketID, err)
	}

	var m APIClobMarket
	if err := json.Unmarshal(respBody, &m); err != nil {
		return false, fmt.Errorf("polymarket/clob: decode market: %w", err)
	}
	return m.Orderable(), nil
}

// Fills returns the executed fills for one of our live orders.
func (c *ClobClient) Fills(ctx context.Context, venueOrderID string) ([]VenueFill, error) {
	params := url.Values{}
	params.Set("maker_address", c.funder)
	params.Set("id", venueOrderID)

	respBody, err := c.doAuthenticatedRequest(ctx, http.MethodGet, "/data/trades?"+params.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("polymarket/clob: get fills %s: %w", venueOrderID, err)
	}

	var apiFills []APIFill
	if err := json.Unmarshal(respBody, &apiFills); err != nil {
		return nil, fmt.Errorf("polymarket/clob: decode fills: %w", err)
	}

	fills := make([]VenueFill, 0, len(apiFills))
	for _, f := range apiFills {
		at := time.Now().UTC()
		if secs, err := strconv.ParseInt(f.MatchTime, 10, 64); err == nil {
			at = time.Unix(secs, 0).UTC()
		}
		fills = append(fills, VenueFill{
			Qty:   float64(f.Size),
			Price: float64(f.Price),
			At:    at,
		})
	}
	return fills, nil
}

// OrderStatus returns the venue's status string for an order ("LIVE",
// "MATCHED", "CANCELED", ...).
func (c *ClobClient) OrderStatus(ctx context.Context, venueOrderID string) (string, error) {
	path := fmt.Sprintf("/data/order/%s", url.PathEscape(venueOrderID))

	respBody, err := c.doAuthenticatedRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return "", fmt.Errorf("polymarket/clob: get order %s: %w", venueOrderID, err)
	}

	var o struct {
		Status string `json:"status"`
	}
	if err := json.Unmarshal(respBody, &o); err != nil {
		return "", fmt.Errorf("polymarket/clob: decode order: %w", err)
	}
	return o.Status, nil
}

// DeriveAPIKey performs the CLOB auth flow to obtain an HMAC API key. It
// signs a ClobAuth EIP-712 message and sends it with L1 headers to the
// derive-api-key endpoint. Per Polymarket docs, L1 requires POLY_ADDRESS,
// POLY_SIGNATURE, POLY_TIMESTAMP, POLY_NONCE. On success it populates the
// client's hmacAuth field.
func (c *ClobClient) DeriveAPIKey(ctx context.Context) error {
	address := c.signer.Address().Hex()
	timestamp := time.Now().Unix()
	nonce := int64(0)

	sig, err := c.signer.SignAuthMessage(address, timestamp, nonce)
	if err != nil {
		return fmt.Errorf("polymarket/clob: sign auth message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/auth/derive-api-key", nil)
	if err != nil {
		return fmt.Errorf("polymarket/clob: create auth request: %w", err)
	}
	req.Header.Set("POLY_ADDRESS", address)
	req.Header.Set("POLY_SIGNATURE", sig)
	req.Header.Set("POLY_TIMESTAMP", fmt.Sprintf("%d", timestamp))
	req.Header.Set("POLY_NONCE", fmt.Sprintf("%d", nonce))

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("polymarket/clob: auth request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("polymarket/clob: read auth response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("polymarket/clob: auth failed (HTTP %d): %s", resp.StatusCode, string(respBody))
	}

	var authResp struct {
		APIKey     string `json:"apiKey"`
		Secret     string `json:"secret"`
		Passphrase string `json:"passphrase"`
	}
	if err := json.Unmarshal(respBody, &authResp); err != nil {
		return fmt.Errorf("polymarket/clob: decode auth response: %w", err)
	}

	c.hmacAuth = &crypto.HMACAuth{
		Key:        authResp.APIKey,
		Secret:     authResp.Secret,
		Passphrase: authResp.Passphrase,
	}

	return nil
}

// --------------------------------------------------------------------------
// Internal helpers
// --------------------------------------------------------------------------

func (c *ClobClient) hmacKey() string {
	if c.hmacAuth == nil {
		return ""
	}
	return c.hmacAuth.Key
}

// doAuthenticatedRequest builds, signs (HMAC), sends, and reads an HTTP
// request against the CLOB API. It returns the raw response body.
func (c *ClobClient) doAuthenticatedRequest(ctx context.Context, method, path string, body any) ([]byte, error) {
	var bodyReader io.Reader
	var bodyStr string

	if body != nil {
		jsonBody, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request body: %w", err)
		}
		bodyStr = string(jsonBody)
		bodyReader = bytes.NewReader(jsonBody)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	// Apply HMAC authentication headers.
	if c.hmacAuth != nil {
		address := c.signer.Address().Hex()
		headers := c.hmacAuth.L2Headers(address, method, path, bodyStr)
		for k, v := range headers {
			req.Header.Set(k, v)
		}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if err := checkHTTPStatus(resp.StatusCode, respBody); err != nil {
		return nil, err
	}

	return respBody, nil
}

// checkHTTPStatus maps non-2xx status codes to appropriate domain errors.
func checkHTTPStatus(statusCode int, body []byte) error {
	if statusCode >= 200 && statusCode < 300 {
		return nil
	}

	bodyStr := string(body)
	switch statusCode {
	case http.StatusNotFound:
		return fmt.Errorf("%w: %s", domain.ErrNotFound, bodyStr)
	case http.StatusUnauthorized, http.StatusForbidden:
		return fmt.Errorf("%w: %s", domain.ErrUnauthorized, bodyStr)
	case http.StatusTooManyRequests:
		return fmt.Errorf("%w: %s", domain.ErrRateLimited, bodyStr)
	default:
		return fmt.Errorf("HTTP %d: %s", statusCode, bodyStr)
	}
}
