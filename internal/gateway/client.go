// Package gateway speaks the card gateway's wire protocol: a password-grant
// token endpoint and a JSON charge endpoint.
package gateway

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"
	log "github.com/sirupsen/logrus"

	"github.com/ashendes/card-payments/internal/metrics"
	"github.com/ashendes/card-payments/internal/models"
	"github.com/ashendes/card-payments/internal/patterns"
)

const serviceName = "payments-api"

// Config holds the gateway endpoints and service credentials
type Config struct {
	Username      string
	Password      string
	TokenURL      string
	ChargeURL     string
	Timeout       time.Duration
	MaxConcurrent int
	BulkheadWait  time.Duration
	CAFile        string
	Breaker       patterns.BreakerConfig
}

// Client charges cards through the gateway. Every failure it returns is a
// *models.UpstreamChargeError.
type Client struct {
	http     *resty.Client
	cfg      Config
	tokens   *tokenSource
	breaker  *patterns.CircuitBreakerWrapper
	bulkhead *patterns.Bulkhead
	logger   log.FieldLogger
}

// NewClient builds a gateway client. Certificate verification is always on;
// CAFile only adds trusted roots.
func NewClient(cfg Config, logger log.FieldLogger) (*Client, error) {
	if cfg.Timeout <= 0 {
		cfg.Timeout = patterns.DefaultGatewayTimeout
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 10
	}
	if cfg.BulkheadWait <= 0 {
		cfg.BulkheadWait = time.Second
	}
	if cfg.Breaker == (patterns.BreakerConfig{}) {
		cfg.Breaker = patterns.DefaultBreakerConfig()
	}

	tlsConfig, err := buildTLSConfig(cfg.CAFile)
	if err != nil {
		return nil, err
	}

	httpClient := resty.New().
		SetTimeout(cfg.Timeout).
		SetRetryCount(0).
		SetTLSClientConfig(tlsConfig)

	return &Client{
		http: httpClient,
		cfg:  cfg,
		tokens: &tokenSource{
			client:   httpClient,
			url:      cfg.TokenURL,
			username: cfg.Username,
			password: cfg.Password,
			timeout:  cfg.Timeout,
			logger:   logger,
			now:      time.Now,
		},
		breaker:  patterns.NewCircuitBreaker("Gateway", serviceName, cfg.Breaker, logger),
		bulkhead: patterns.NewBulkhead(cfg.MaxConcurrent, cfg.BulkheadWait, "gateway", serviceName),
		logger:   logger,
	}, nil
}

func buildTLSConfig(caFile string) (*tls.Config, error) {
	tlsConfig := &tls.Config{MinVersion: tls.VersionTLS12}
	if caFile == "" {
		return tlsConfig, nil
	}

	pem, err := os.ReadFile(caFile)
	if err != nil {
		return nil, fmt.Errorf("read gateway CA file: %w", err)
	}
	pool, err := x509.SystemCertPool()
	if err != nil || pool == nil {
		pool = x509.NewCertPool()
	}
	if !pool.AppendCertsFromPEM(pem) {
		return nil, fmt.Errorf("gateway CA file %s has no usable certificates", caFile)
	}
	tlsConfig.RootCAs = pool
	return tlsConfig, nil
}

// Charge submits req with a hard timeout. The request is single-attempt; the
// only resubmission happens when the gateway rejects a cached token, in which
// case the charge never reached the processor.
func (c *Client) Charge(ctx context.Context, req *ChargeRequest) (ChargeResult, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	var result ChargeResult
	err := c.bulkhead.Execute(ctx, func() error {
		out, cbErr := c.breaker.Execute(func() (interface{}, error) {
			res, err := c.chargeWithToken(ctx, req)
			if isClientRejection(err) {
				// A declined card says nothing about gateway health.
				return chargeOutcome{err: err}, nil
			}
			return chargeOutcome{result: res}, err
		})
		if cbErr != nil {
			return cbErr
		}
		outcome := out.(chargeOutcome)
		result = outcome.result
		return outcome.err
	})
	if err != nil {
		upstream := classify(err)
		c.logger.WithFields(log.Fields{
			"cause":         upstream.Cause,
			"status_code":   upstream.StatusCode,
			"bulkhead":      c.bulkhead.Name(),
			"circuit_state": c.breaker.GetState(),
		}).Warn("Gateway charge failed")
		return ChargeResult{}, upstream
	}

	return result, nil
}

func (c *Client) chargeWithToken(ctx context.Context, req *ChargeRequest) (ChargeResult, error) {
	token, err := c.tokens.Token(ctx)
	if err != nil {
		return ChargeResult{}, err
	}

	result, err := c.postCharge(ctx, token, req)

	var upstream *models.UpstreamChargeError
	if errors.As(err, &upstream) && upstream.Cause == models.CauseStatus &&
		(upstream.StatusCode == http.StatusUnauthorized || upstream.StatusCode == http.StatusForbidden) {
		c.logger.WithField("status_code", upstream.StatusCode).Info("Gateway rejected access token, re-authenticating")
		c.tokens.Invalidate(token)

		token, err = c.tokens.Token(ctx)
		if err != nil {
			return ChargeResult{}, err
		}
		return c.postCharge(ctx, token, req)
	}

	return result, err
}

func (c *Client) postCharge(ctx context.Context, token string, req *ChargeRequest) (ChargeResult, error) {
	start := time.Now()
	resp, err := c.http.R().
		SetContext(ctx).
		SetAuthToken(token).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json").
		SetBody(req).
		Post(c.cfg.ChargeURL)
	if err != nil {
		metrics.GatewayRequestDuration.WithLabelValues("charge", "error").Observe(time.Since(start).Seconds())
		return ChargeResult{}, requestError(err)
	}
	metrics.GatewayRequestDuration.WithLabelValues("charge", strconv.Itoa(resp.StatusCode())).Observe(time.Since(start).Seconds())

	if !resp.IsSuccess() {
		return ChargeResult{}, &models.UpstreamChargeError{Cause: models.CauseStatus, StatusCode: resp.StatusCode()}
	}

	ref, err := parseChargeResponse(resp.Body())
	if err != nil {
		return ChargeResult{}, &models.UpstreamChargeError{Cause: models.CauseMalformedResponse, StatusCode: resp.StatusCode()}
	}
	if ref == models.UnknownGatewayReference {
		c.logger.WithField("status_code", resp.StatusCode()).Warn("Gateway accepted charge without a transaction reference")
	}

	return ChargeResult{GatewayReference: ref}, nil
}

type chargeOutcome struct {
	result ChargeResult
	err    error
}

// isClientRejection reports a 4xx answer other than throttling
func isClientRejection(err error) bool {
	var upstream *models.UpstreamChargeError
	if !errors.As(err, &upstream) || upstream.Cause != models.CauseStatus {
		return false
	}
	return upstream.StatusCode >= 400 && upstream.StatusCode < 500 &&
		upstream.StatusCode != http.StatusTooManyRequests
}

// requestError tags a transport-level failure as timeout or transport
func requestError(err error) *models.UpstreamChargeError {
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return &models.UpstreamChargeError{Cause: models.CauseTimeout}
	}
	return &models.UpstreamChargeError{Cause: models.CauseTransport}
}

func classify(err error) *models.UpstreamChargeError {
	var upstream *models.UpstreamChargeError
	switch {
	case errors.As(err, &upstream):
		return upstream
	case patterns.IsRejection(err):
		return &models.UpstreamChargeError{Cause: models.CauseCircuitOpen}
	case errors.Is(err, patterns.ErrBulkheadFull):
		return &models.UpstreamChargeError{Cause: models.CauseBulkheadFull}
	default:
		return requestError(err)
	}
}
