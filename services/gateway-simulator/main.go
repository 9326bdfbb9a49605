package main

import (
	"math/rand"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"

	"github.com/ashendes/card-payments/internal/gateway"
	"github.com/ashendes/card-payments/internal/metrics"
)

const tokenLifetime = 5 * time.Minute

// declinedCard is always refused with 402
const declinedCard = "4000000000000002"

type charge struct {
	ID        string    `json:"transaction_id"`
	Amount    int64     `json:"amount"`
	Currency  string    `json:"currency"`
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
}

// chaosMode selects the failure injected into charges
type chaosMode string

const (
	chaosNone          chaosMode = "none"
	chaosFail          chaosMode = "fail"
	chaosSlow          chaosMode = "slow"
	chaosHang          chaosMode = "hang"
	chaosOmitReference chaosMode = "omit-reference"
	chaosMalformed     chaosMode = "malformed"
)

var chaosModes = []chaosMode{chaosFail, chaosSlow, chaosHang, chaosOmitReference, chaosMalformed}

// GatewaySimulator imitates the card gateway for local runs
type GatewaySimulator struct {
	username string
	password string

	charges map[string]*charge
	tokens  map[string]time.Time
	mutex   sync.RWMutex

	chaos      chaosMode
	chaosMutex sync.RWMutex
}

var simulator *GatewaySimulator

func init() {
	log.SetFormatter(&log.JSONFormatter{})
	log.SetLevel(log.InfoLevel)

	simulator = &GatewaySimulator{
		username: getEnv("SIM_USER", "sandbox"),
		password: getEnv("SIM_PASS", "sandbox"),
		charges:  make(map[string]*charge),
		tokens:   make(map[string]time.Time),
		chaos:    chaosNone,
	}
}

func main() {
	router := newRouter()

	port := getEnv("PORT", "8090")
	log.WithField("port", port).Info("Gateway simulator starting")
	if err := router.Run(":" + port); err != nil {
		log.Fatal("Failed to start server: ", err)
	}
}

func newRouter() *gin.Engine {
	router := gin.Default()
	router.Use(metrics.PrometheusMiddleware("gateway-simulator"))

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "healthy"})
	})
	router.GET("/status", getStatus)

	router.POST("/oauth/token", issueToken)
	router.POST("/v1/charges", createCharge)

	router.POST("/chaos/:mode", enableChaos)

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return router
}

func getStatus(c *gin.Context) {
	simulator.mutex.RLock()
	charges := len(simulator.charges)
	simulator.mutex.RUnlock()

	c.JSON(http.StatusOK, gin.H{
		"service":   "gateway-simulator",
		"status":    "healthy",
		"chaos":     simulator.getChaos(),
		"charges":   charges,
		"timestamp": time.Now().Format(time.RFC3339),
	})
}

func issueToken(c *gin.Context) {
	user, pass, ok := c.Request.BasicAuth()
	if !ok || user != simulator.username || pass != simulator.password {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid_client"})
		return
	}
	if c.PostForm("grant_type") != "password" ||
		c.PostForm("username") != simulator.username ||
		c.PostForm("password") != simulator.password {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_grant"})
		return
	}

	token := uuid.New().String()
	simulator.mutex.Lock()
	simulator.tokens[token] = time.Now().Add(tokenLifetime)
	simulator.mutex.Unlock()

	c.JSON(http.StatusOK, gin.H{
		"access_token": token,
		"token_type":   "bearer",
		"expires_in":   int(tokenLifetime.Seconds()),
	})
}

func createCharge(c *gin.Context) {
	if !simulator.validToken(c.GetHeader("Authorization")) {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid_token"})
		return
	}

	var req gateway.ChargeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid charge request"})
		return
	}
	defer req.Wipe()

	if req.Amount <= 0 || len(req.Currency) != 3 || !req.Capture {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid charge request"})
		return
	}

	mode := simulator.getChaos()
	switch mode {
	case chaosSlow:
		delay := time.Duration(5000+rand.Intn(5000)) * time.Millisecond
		log.WithField("delay_ms", delay.Milliseconds()).Debug("Chaos: Simulating slow response")
		time.Sleep(delay)
	case chaosHang:
		time.Sleep(30 * time.Second)
	case chaosFail:
		if rand.Float32() < 0.4 {
			log.WithField("amount", req.Amount).Warn("Chaos: Simulated gateway failure")
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "gateway temporarily unavailable"})
			return
		}
	case chaosMalformed:
		c.Data(http.StatusOK, "application/json", []byte(`{"transaction_id": "tx_`))
		return
	}

	if req.Card.Number == declinedCard {
		c.JSON(http.StatusPaymentRequired, gin.H{"status": "declined", "error": "card_declined"})
		return
	}

	ch := &charge{
		ID:        "tx_" + strings.ReplaceAll(uuid.New().String(), "-", "")[:16],
		Amount:    req.Amount,
		Currency:  req.Currency,
		Status:    "approved",
		Timestamp: time.Now(),
	}
	simulator.mutex.Lock()
	simulator.charges[ch.ID] = ch
	simulator.mutex.Unlock()

	log.WithFields(log.Fields{
		"transaction_id": ch.ID,
		"amount":         ch.Amount,
		"currency":       ch.Currency,
	}).Info("Charge approved")

	if mode == chaosOmitReference {
		c.JSON(http.StatusOK, gin.H{"status": ch.Status})
		return
	}
	c.JSON(http.StatusOK, ch)
}

func enableChaos(c *gin.Context) {
	mode := chaosMode(c.Param("mode"))
	if mode == "reset" {
		resetChaos(c)
		return
	}
	known := false
	for _, m := range chaosModes {
		if m == mode {
			known = true
		}
	}
	if !known {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown chaos mode", "modes": chaosModes})
		return
	}

	simulator.setChaos(mode)
	log.WithField("mode", mode).Info("Chaos mode ENABLED for gateway simulator")
	c.JSON(http.StatusOK, gin.H{"message": "Chaos mode enabled", "mode": mode})
}

func resetChaos(c *gin.Context) {
	simulator.setChaos(chaosNone)
	log.Info("Chaos mode DISABLED for gateway simulator")
	c.JSON(http.StatusOK, gin.H{"message": "Chaos mode disabled"})
}

func (s *GatewaySimulator) validToken(header string) bool {
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok {
		return false
	}
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	expiry, found := s.tokens[token]
	return found && time.Now().Before(expiry)
}

func (s *GatewaySimulator) setChaos(mode chaosMode) {
	s.chaosMutex.Lock()
	defer s.chaosMutex.Unlock()
	s.chaos = mode
	for _, m := range chaosModes {
		value := 0.0
		if m == mode {
			value = 1
		}
		metrics.SimulatorChaosMode.WithLabelValues(string(m)).Set(value)
	}
}

func (s *GatewaySimulator) getChaos() chaosMode {
	s.chaosMutex.RLock()
	defer s.chaosMutex.RUnlock()
	return s.chaos
}

// getEnv gets environment variable with fallback
func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return fallback
}
