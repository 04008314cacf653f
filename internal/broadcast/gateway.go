package broadcast

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"go.broadcastengine.dev/internal/common/metrics"
)

// ProviderResponse is the structured result of a Telegram Bot API call
// (spec §4.E): {ok, code?, description?, parameters.retry_after?}.
type ProviderResponse struct {
	OK          bool
	ErrorCode   int
	Description string
	RetryAfter  *int
}

// GatewayConfig configures the API Gateway.
type GatewayConfig struct {
	BotToken             string
	RequestTimeout       time.Duration
	MaxMessagesPerSecond float64
}

// Gateway is the API Gateway (spec §4.E): sends a campaign's message to
// one chat via the Telegram Bot API, enforcing a global send-rate
// ceiling and tripping a circuit breaker on a run of transport/5xx
// failures rather than hammering a down endpoint.
type Gateway struct {
	botToken       string
	httpClient     *http.Client
	limiter        *rate.Limiter
	circuitBreaker *gobreaker.CircuitBreaker
}

// NewGateway creates a new API Gateway.
func NewGateway(cfg GatewayConfig) *Gateway {
	if cfg.RequestTimeout == 0 {
		cfg.RequestTimeout = 10 * time.Second
	}
	if cfg.MaxMessagesPerSecond == 0 {
		cfg.MaxMessagesPerSecond = 25
	}

	g := &Gateway{
		botToken: cfg.BotToken,
		httpClient: &http.Client{
			Timeout: cfg.RequestTimeout,
		},
		limiter: rate.NewLimiter(rate.Limit(cfg.MaxMessagesPerSecond), 1),
	}

	g.circuitBreaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "telegram-gateway",
		MaxRequests: 5,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < 10 {
				return false
			}
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return failureRatio >= 0.6
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			slog.Info("gateway circuit breaker state changed", "name", name, "from", from.String(), "to", to.String())

			var stateValue float64
			switch to {
			case gobreaker.StateClosed:
				stateValue = metrics.CircuitBreakerClosed
			case gobreaker.StateOpen:
				stateValue = metrics.CircuitBreakerOpen
				metrics.GatewayCircuitBreakerTrips.Inc()
			case gobreaker.StateHalfOpen:
				stateValue = metrics.CircuitBreakerHalfOpen
			}
			metrics.GatewayCircuitBreakerState.Set(stateValue)
		},
	})

	return g
}

// Send dispatches a campaign's message to chatID, enforcing the global
// rate ceiling first, then routing to send_photo or send_text
// depending on whether the campaign carries a photo reference.
func (g *Gateway) Send(ctx context.Context, c *Campaign, chatID int64) (ProviderResponse, error) {
	if err := g.waitForRateLimit(ctx); err != nil {
		return ProviderResponse{}, err
	}

	method := "sendMessage"
	if c.HasPhoto() {
		method = "sendPhoto"
	}

	start := time.Now()
	resp, err := g.call(ctx, c, chatID)
	duration := time.Since(start)

	outcome := "ok"
	if k := Classify(resp, err, 0, 0).Kind; k != OutcomeSuccess {
		outcome = string(k)
	}
	metrics.GatewayRequests.WithLabelValues(method, outcome).Inc()
	metrics.GatewayRequestDuration.WithLabelValues(method).Observe(duration.Seconds())

	return resp, err
}

func (g *Gateway) waitForRateLimit(ctx context.Context) error {
	r := g.limiter.Reserve()
	if !r.OK() {
		return errors.New("gateway: rate limiter cannot satisfy request")
	}
	delay := r.Delay()
	if delay > 0 {
		metrics.GatewayRateLimitWaits.Inc()
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			r.Cancel()
			return ctx.Err()
		case <-timer.C:
		}
	}
	return nil
}

// errProviderServerError marks a 5xx provider response so the circuit
// breaker counts it as a failure; call still returns the response itself.
var errProviderServerError = errors.New("gateway: provider server error")

func (g *Gateway) call(ctx context.Context, c *Campaign, chatID int64) (ProviderResponse, error) {
	result, err := g.circuitBreaker.Execute(func() (interface{}, error) {
		resp, err := g.doCall(ctx, c, chatID)
		if err == nil && resp.ErrorCode >= 500 {
			return resp, errProviderServerError
		}
		return resp, err
	})
	if errors.Is(err, errProviderServerError) {
		return result.(ProviderResponse), nil
	}
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return ProviderResponse{}, err
		}
		return ProviderResponse{}, err
	}
	return result.(ProviderResponse), nil
}

func (g *Gateway) doCall(ctx context.Context, c *Campaign, chatID int64) (ProviderResponse, error) {
	var method string
	var payload map[string]interface{}
	replyMarkup := parseJSONObject(c.ReplyMarkup)

	if c.HasPhoto() {
		method = "sendPhoto"
		payload = map[string]interface{}{
			"chat_id":    chatID,
			"photo":      c.PhotoRef(),
			"caption":    c.Text,
			"parse_mode": c.ParseMode,
		}
	} else {
		method = "sendMessage"
		payload = map[string]interface{}{
			"chat_id":                  chatID,
			"text":                     c.Text,
			"parse_mode":               c.ParseMode,
			"disable_web_page_preview": c.DisableWebPagePreview,
		}
	}
	if replyMarkup != nil {
		payload["reply_markup"] = replyMarkup
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return ProviderResponse{}, fmt.Errorf("gateway: marshal payload: %w", err)
	}

	url := fmt.Sprintf("https://api.telegram.org/bot%s/%s", g.botToken, method)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return ProviderResponse{}, fmt.Errorf("gateway: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return ProviderResponse{}, fmt.Errorf("gateway: transport error: %w", err)
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))

	var wire struct {
		OK          bool   `json:"ok"`
		ErrorCode   int    `json:"error_code"`
		Description string `json:"description"`
		Parameters  *struct {
			RetryAfter *flexibleInt `json:"retry_after"`
		} `json:"parameters"`
	}

	if err := json.Unmarshal(raw, &wire); err != nil {
		return ProviderResponse{
			OK:          false,
			ErrorCode:   resp.StatusCode,
			Description: "non-JSON body",
		}, nil
	}

	out := ProviderResponse{
		OK:          wire.OK,
		ErrorCode:   wire.ErrorCode,
		Description: wire.Description,
	}
	if wire.Parameters != nil && wire.Parameters.RetryAfter != nil {
		v := int(*wire.Parameters.RetryAfter)
		out.RetryAfter = &v
	}
	return out, nil
}

// flexibleInt unmarshals a JSON number or a numeric string into an int,
// since Telegram's parameters.retry_after has been observed in both forms
// (spec §6).
type flexibleInt int

func (f *flexibleInt) UnmarshalJSON(data []byte) error {
	var n int
	if err := json.Unmarshal(data, &n); err == nil {
		*f = flexibleInt(n)
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("retry_after: not a number or numeric string: %w", err)
	}
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return fmt.Errorf("retry_after: invalid numeric string %q: %w", s, err)
	}
	*f = flexibleInt(n)
	return nil
}

func parseJSONObject(raw string) map[string]interface{} {
	if raw == "" {
		return nil
	}
	var v map[string]interface{}
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return nil
	}
	return v
}
