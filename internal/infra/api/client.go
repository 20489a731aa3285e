// Package api is the request/response collaborator for the auction service's HTTP endpoints.
package api

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/time/rate"

	"github.com/coachpo/auctionsync/errs"
	"github.com/coachpo/auctionsync/internal/domain/auction"
	"github.com/coachpo/auctionsync/internal/infra/telemetry"
	"github.com/coachpo/auctionsync/internal/observability"
)

// Summary is one auction as listed by the service.
type Summary struct {
	ID         string          `json:"id"`
	SellerID   string          `json:"seller_id"`
	StartsAt   time.Time       `json:"starts_at"`
	EndsAt     time.Time       `json:"ends_at"`
	Status     string          `json:"status"`
	HighBid    decimal.Decimal `json:"high_bid"`
	HighBidder string          `json:"high_bidder"`
}

// AuctionStatus maps the listed status onto the canonical one.
func (s Summary) AuctionStatus() auction.Status {
	return auction.ParseStatus(s.Status)
}

// ListOptions filters a listing. Zero values are omitted from the query.
type ListOptions struct {
	Status string
	Limit  int
	Offset int
}

// Options configures a Client.
type Options struct {
	BaseURL string
	Timeout time.Duration
	// Rate limits requests per second; zero means unlimited.
	Rate   float64
	Burst  int
	Logger observability.Logger
	HTTP   *http.Client
}

// Client talks to the auction service over HTTP.
type Client struct {
	baseURL string
	http    *http.Client
	limiter *rate.Limiter
	logger  observability.Logger

	requestsCounter metric.Int64Counter
}

// NewClient creates a client for the service at opts.BaseURL.
func NewClient(opts Options) *Client {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	client := opts.HTTP
	if client == nil {
		client = new(http.Client)
		client.Timeout = timeout
	}
	limit := rate.Inf
	if opts.Rate > 0 {
		limit = rate.Limit(opts.Rate)
	}
	burst := opts.Burst
	if burst <= 0 {
		burst = 1
	}
	c := &Client{
		baseURL: strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/"),
		http:    client,
		limiter: rate.NewLimiter(limit, burst),
		logger:  observability.OrDefault(opts.Logger),
	}
	meter := otel.Meter("api")
	c.requestsCounter, _ = meter.Int64Counter("api.requests",
		metric.WithDescription("Auction service requests by operation and result"),
		metric.WithUnit("{request}"))
	return c
}

type startBody struct {
	SellerID string    `json:"seller_id"`
	EndsAt   time.Time `json:"ends_at"`
}

// StartAuction starts the auction with sellerID as seller, running until endsAt.
func (c *Client) StartAuction(ctx context.Context, auctionID, sellerID string, endsAt time.Time) error {
	body, err := json.Marshal(startBody{SellerID: sellerID, EndsAt: endsAt.UTC()})
	if err != nil {
		return fmt.Errorf("encode start body: %w", err)
	}
	_, err = c.do(ctx, "start", http.MethodPost, "/auctions/"+url.PathEscape(auctionID)+"/start", nil, body)
	return err
}

// StopAuction stops the auction early. userID is sent when known.
func (c *Client) StopAuction(ctx context.Context, auctionID, userID string) error {
	q := url.Values{}
	if userID != "" {
		q.Set("user_id", userID)
	}
	_, err := c.do(ctx, "stop", http.MethodPost, "/auctions/"+url.PathEscape(auctionID)+"/stop", q, nil)
	return err
}

// ListAuctions returns auctions matching opts.
func (c *Client) ListAuctions(ctx context.Context, opts ListOptions) ([]Summary, error) {
	q := url.Values{}
	if opts.Status != "" {
		q.Set("status", opts.Status)
	}
	if opts.Limit > 0 {
		q.Set("limit", strconv.Itoa(opts.Limit))
	}
	if opts.Offset > 0 {
		q.Set("offset", strconv.Itoa(opts.Offset))
	}
	raw, err := c.do(ctx, "list", http.MethodGet, "/auctions", q, nil)
	if err != nil {
		return nil, err
	}
	var out []Summary
	if len(bytes.TrimSpace(raw)) == 0 {
		return out, nil
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, errs.New("api/list", errs.CodeDecode, errs.WithMessage("malformed auction list"), errs.WithCause(err))
	}
	return out, nil
}

// GetAuction returns one auction.
func (c *Client) GetAuction(ctx context.Context, auctionID string) (Summary, error) {
	raw, err := c.do(ctx, "info", http.MethodGet, "/auctions/"+url.PathEscape(auctionID), nil, nil)
	if err != nil {
		return Summary{}, err
	}
	var out Summary
	if err := json.Unmarshal(raw, &out); err != nil {
		return Summary{}, errs.New("api/info", errs.CodeDecode, errs.WithMessage("malformed auction"), errs.WithCause(err))
	}
	return out, nil
}

type errorBody struct {
	Error string `json:"error"`
}

func (c *Client) do(ctx context.Context, op, method, path string, query url.Values, body []byte) ([]byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("%s: rate limit: %w", op, err)
	}
	target := c.baseURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		c.record(ctx, op, telemetry.ResultError)
		return nil, errs.New("api/"+op, errs.CodeRequest,
			errs.WithMessage("request failed"),
			errs.WithCause(err))
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		c.record(ctx, op, telemetry.ResultError)
		return nil, fmt.Errorf("%s read: %w", op, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		c.record(ctx, op, telemetry.ResultError)
		msg := http.StatusText(resp.StatusCode)
		// an unparseable error body counts as an empty one
		var eb errorBody
		if json.Unmarshal(raw, &eb) == nil && strings.TrimSpace(eb.Error) != "" {
			msg = eb.Error
		}
		c.logger.Warn("auction service request failed",
			observability.F("operation", op),
			observability.F("status", resp.StatusCode),
			observability.F("message", msg))
		return nil, errs.New("api/"+op, errs.CodeRequest,
			errs.WithHTTP(resp.StatusCode),
			errs.WithMessage(msg))
	}
	c.record(ctx, op, telemetry.ResultOK)
	return raw, nil
}

func (c *Client) record(ctx context.Context, op, result string) {
	if c.requestsCounter == nil {
		return
	}
	c.requestsCounter.Add(context.WithoutCancel(ctx), 1,
		metric.WithAttributes(telemetry.OperationAttributes(op, result)...))
}
