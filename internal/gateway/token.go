package gateway

import (
	"context"
	"encoding/json"
	"strconv"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"github.com/ashendes/card-payments/internal/metrics"
	"github.com/ashendes/card-payments/internal/models"
)

// defaultTokenLifetime applies when the auth endpoint omits expires_in
const defaultTokenLifetime = 5 * time.Minute

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
}

// tokenSource caches the service access token and refreshes it at most once
// at a time, so concurrent charges do not stampede the auth endpoint.
type tokenSource struct {
	client   *resty.Client
	url      string
	username string
	password string
	timeout  time.Duration
	logger   log.FieldLogger
	now      func() time.Time

	mu     sync.RWMutex
	token  string
	expiry time.Time
	group  singleflight.Group
}

func (s *tokenSource) cached() (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.token != "" && s.now().Before(s.expiry) {
		return s.token, true
	}
	return "", false
}

// Token returns a valid access token, fetching a new one when needed
func (s *tokenSource) Token(ctx context.Context) (string, error) {
	if token, ok := s.cached(); ok {
		return token, nil
	}

	v, err, _ := s.group.Do("token", func() (interface{}, error) {
		if token, ok := s.cached(); ok {
			return token, nil
		}

		// The refresh is shared by every waiting caller, so it must not die
		// with the first caller's context.
		fetchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.timeout)
		defer cancel()

		token, ttl, err := s.fetch(fetchCtx)
		if err != nil {
			metrics.GatewayTokenRefreshes.WithLabelValues("error").Inc()
			return nil, err
		}
		metrics.GatewayTokenRefreshes.WithLabelValues("ok").Inc()

		s.mu.Lock()
		s.token = token
		s.expiry = s.now().Add(ttl - ttl/10)
		s.mu.Unlock()

		return token, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// Invalidate drops token if it is still the cached one
func (s *tokenSource) Invalidate(token string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.token == token {
		s.token = ""
		s.expiry = time.Time{}
	}
}

func (s *tokenSource) fetch(ctx context.Context) (string, time.Duration, error) {
	start := time.Now()
	resp, err := s.client.R().
		SetContext(ctx).
		SetBasicAuth(s.username, s.password).
		SetHeader("Accept", "application/json").
		SetFormData(map[string]string{
			"grant_type": "password",
			"username":   s.username,
			"password":   s.password,
		}).
		Post(s.url)
	if err != nil {
		metrics.GatewayRequestDuration.WithLabelValues("token", "error").Observe(time.Since(start).Seconds())
		upstream := requestError(err)
		if upstream.Cause == models.CauseTransport {
			upstream.Cause = models.CauseAuth
		}
		s.logger.WithField("cause", upstream.Cause).Warn("Gateway token request failed")
		return "", 0, upstream
	}
	metrics.GatewayRequestDuration.WithLabelValues("token", strconv.Itoa(resp.StatusCode())).Observe(time.Since(start).Seconds())

	if !resp.IsSuccess() {
		s.logger.WithField("status_code", resp.StatusCode()).Warn("Gateway rejected token request")
		return "", 0, &models.UpstreamChargeError{Cause: models.CauseAuth, StatusCode: resp.StatusCode()}
	}

	var body tokenResponse
	if err := json.Unmarshal(resp.Body(), &body); err != nil || body.AccessToken == "" {
		s.logger.WithField("status_code", resp.StatusCode()).Warn("Gateway token response missing access_token")
		return "", 0, &models.UpstreamChargeError{Cause: models.CauseAuth, StatusCode: resp.StatusCode()}
	}

	ttl := defaultTokenLifetime
	if body.ExpiresIn > 0 {
		ttl = time.Duration(body.ExpiresIn) * time.Second
	}
	return body.AccessToken, ttl, nil
}
