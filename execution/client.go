package execution

import (
	"context"
	"crypto/ecdsa"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"capital-gate/comm"
	"capital-gate/config"
	"capital-gate/trading"
)

// QuoteSource supplies streamed quotes. marketdata.Feed implements it.
type QuoteSource interface {
	Quote(symbol string) (trading.Quote, error)
}

// Client is the REST implementation of Venue. Reads go to /info and are
// retried; mutations are signed, posted to /exchange and never retried.
type Client struct {
	http       *comm.Client
	limiter    *rate.Limiter
	privateKey *ecdsa.PrivateKey
	address    string
	quotes     QuoteSource
	logger     *zap.Logger
	now        func() time.Time
}

// NewClient builds a venue client. An empty private key yields a read-only
// client whose mutations fail with ErrNoSigner.
func NewClient(cfg config.TransportConfig, quotes QuoteSource, logger *zap.Logger) (*Client, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	c := &Client{
		http:   comm.NewClient("venue", cfg.VenueURL, cfg, logger),
		quotes: quotes,
		logger: logger.With(zap.String("component", "venue")),
		now:    time.Now,
	}

	if cfg.RateLimitRPS > 0 {
		burst := int(cfg.RateLimitRPS)
		if burst < 1 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimitRPS), burst)
	}

	if cfg.PrivateKeyHex != "" {
		keyBytes, err := hex.DecodeString(strings.TrimPrefix(cfg.PrivateKeyHex, "0x"))
		if err != nil {
			return nil, fmt.Errorf("invalid private key hex: %w", err)
		}
		key, err := crypto.ToECDSA(keyBytes)
		if err != nil {
			return nil, fmt.Errorf("invalid private key: %w", err)
		}
		c.privateKey = key
		c.address = crypto.PubkeyToAddress(key.PublicKey).Hex()
	}

	return c, nil
}

// Address is the account address derived from the signing key.
func (c *Client) Address() string {
	return c.address
}

type exchangeRequest struct {
	Action    interface{} `json:"action"`
	Nonce     int64       `json:"nonce"`
	Signature string      `json:"signature"`
}

type exchangeResponse struct {
	Status   string      `json:"status"`
	Response OrderResult `json:"response"`
}

type orderAction struct {
	Type  string       `json:"type"`
	Order OrderRequest `json:"order"`
}

type closeAction struct {
	Type       string          `json:"type"`
	PositionID string          `json:"position_id"`
	Volume     decimal.Decimal `json:"volume"`
}

func (c *Client) PlaceMarketOrder(ctx context.Context, req OrderRequest) (OrderResult, error) {
	return c.exchange(ctx, "place order", orderAction{Type: "order", Order: req})
}

func (c *Client) ClosePosition(ctx context.Context, positionID string, volume decimal.Decimal) (OrderResult, error) {
	return c.exchange(ctx, "close position", closeAction{Type: "close", PositionID: positionID, Volume: volume})
}

func (c *Client) exchange(ctx context.Context, op string, action interface{}) (OrderResult, error) {
	if c.privateKey == nil {
		return OrderResult{}, ErrNoSigner
	}
	if err := c.wait(ctx); err != nil {
		return OrderResult{}, err
	}

	nonce := c.now().UnixMilli()
	signature, err := c.signAction(action, nonce)
	if err != nil {
		return OrderResult{}, fmt.Errorf("sign %s: %w", op, err)
	}

	var resp exchangeResponse
	err = c.http.Do(ctx, comm.Request{
		Method: http.MethodPost,
		Path:   "/exchange",
		Body:   exchangeRequest{Action: action, Nonce: nonce, Signature: signature},
	}, &resp)
	if err != nil {
		var se *comm.StatusError
		if errors.As(err, &se) {
			var rejected exchangeResponse
			if json.Unmarshal(se.Body, &rejected) == nil && rejected.Response.Code != 0 {
				return rejected.Response, &OrderError{Op: op, Code: rejected.Response.Code, Description: rejected.Response.Description}
			}
		}
		return OrderResult{}, err
	}

	if !resp.Response.OK() {
		return resp.Response, &OrderError{Op: op, Code: resp.Response.Code, Description: resp.Response.Description}
	}
	return resp.Response, nil
}

// signAction signs keccak256(json(action) || nonce) with the account key.
func (c *Client) signAction(action interface{}, nonce int64) (string, error) {
	actionBytes, err := json.Marshal(action)
	if err != nil {
		return "", err
	}

	nonceBytes := make([]byte, 8)
	binary.BigEndian.PutUint64(nonceBytes, uint64(nonce))

	hash := crypto.Keccak256Hash(actionBytes, nonceBytes)
	signature, err := crypto.Sign(hash.Bytes(), c.privateKey)
	if err != nil {
		return "", err
	}
	return "0x" + hex.EncodeToString(signature), nil
}

type infoRequest struct {
	Type       string `json:"type"`
	User       string `json:"user,omitempty"`
	Symbol     string `json:"symbol,omitempty"`
	PositionID string `json:"position_id,omitempty"`
}

func (c *Client) info(ctx context.Context, req infoRequest, out interface{}) error {
	if err := c.wait(ctx); err != nil {
		return err
	}
	req.User = c.address
	return c.http.Do(ctx, comm.Request{Method: http.MethodPost, Path: "/info", Body: req, Retry: true}, out)
}

func (c *Client) QueryPosition(ctx context.Context, positionID string) (PositionStatus, error) {
	var status PositionStatus
	err := c.info(ctx, infoRequest{Type: "position", PositionID: positionID}, &status)
	if err != nil {
		var se *comm.StatusError
		if errors.As(err, &se) && se.StatusCode == http.StatusNotFound {
			return PositionStatus{}, fmt.Errorf("%s: %w", positionID, ErrPositionNotFound)
		}
		return PositionStatus{}, err
	}
	return status, nil
}

func (c *Client) Positions(ctx context.Context) ([]trading.Position, error) {
	var resp struct {
		Positions []trading.Position `json:"positions"`
	}
	if err := c.info(ctx, infoRequest{Type: "positions"}, &resp); err != nil {
		return nil, err
	}
	return resp.Positions, nil
}

func (c *Client) Instrument(ctx context.Context, symbol string) (trading.Instrument, error) {
	var inst trading.Instrument
	if err := c.info(ctx, infoRequest{Type: "instrument", Symbol: symbol}, &inst); err != nil {
		return trading.Instrument{}, err
	}
	if inst.Symbol == "" {
		inst.Symbol = symbol
	}
	return inst, nil
}

// Quote prefers the streamed quote and falls back to a REST snapshot when
// the stream has nothing fresh.
func (c *Client) Quote(ctx context.Context, symbol string) (trading.Quote, error) {
	if c.quotes != nil {
		q, err := c.quotes.Quote(symbol)
		if err == nil {
			return q, nil
		}
		c.logger.Debug("Streamed quote unavailable, using snapshot", zap.String("symbol", symbol), zap.Error(err))
	}

	var q trading.Quote
	if err := c.info(ctx, infoRequest{Type: "quote", Symbol: symbol}, &q); err != nil {
		return trading.Quote{}, err
	}
	if q.Symbol == "" {
		q.Symbol = symbol
	}
	if !q.Valid() {
		return trading.Quote{}, fmt.Errorf("invalid quote for %s: bid=%s ask=%s", symbol, q.Bid, q.Ask)
	}
	return q, nil
}

func (c *Client) Account(ctx context.Context) (trading.AccountSnapshot, error) {
	var snap trading.AccountSnapshot
	if err := c.info(ctx, infoRequest{Type: "account"}, &snap); err != nil {
		return trading.AccountSnapshot{}, err
	}
	return snap, nil
}

func (c *Client) wait(ctx context.Context) error {
	if c.limiter == nil {
		return nil
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("venue rate limit: %w", err)
	}
	return nil
}
