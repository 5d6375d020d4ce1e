package gateway

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	"github.com/fiscalhub/fiscsync/types"
	"github.com/fiscalhub/fiscsync/utils"
)

type State int32

const (
	StateRunning State = iota
	StateStopping
	StateStopped
)

// HTTPGateway is the single HTTP path to the backend. It attaches the
// bearer credential from the session store to every request and maps
// HTTP failures onto the shared error taxonomy. Fetch retry policy
// belongs to the query layer; the gateway performs exactly one attempt
// per call.
type HTTPGateway struct {
	ctx             context.Context
	cancel          context.CancelFunc
	logger          types.Logger
	client          *fasthttp.Client
	origin          string
	config          *types.GatewayConfig
	tokens          types.TokenSource
	breaker         *Breaker
	metrics         types.MetricsManager
	state           atomic.Value
	requestTimeout  time.Duration
	shutdownTimeout time.Duration
}

func NewHTTPGateway(ctx context.Context, logger types.Logger, config *types.GatewayConfig, tokens types.TokenSource, metrics types.MetricsManager) *HTTPGateway {
	gatewayCtx, cancel := context.WithCancel(ctx)

	client := &fasthttp.Client{
		ReadTimeout:  config.Timeout,
		WriteTimeout: config.Timeout,
	}

	g := &HTTPGateway{
		ctx:             gatewayCtx,
		cancel:          cancel,
		logger:          logger,
		client:          client,
		origin:          config.Origin,
		config:          config,
		tokens:          tokens,
		breaker:         NewBreaker(config.Breaker, logger),
		metrics:         metrics,
		requestTimeout:  config.Timeout,
		shutdownTimeout: 10 * time.Second,
	}

	g.state.Store(StateRunning)

	logger.Info("Gateway initialized",
		zap.String("origin", config.Origin),
		zap.Duration("timeout", config.Timeout))

	return g
}

func (g *HTTPGateway) Request(ctx context.Context, method, path string, params map[string]string, body interface{}) ([]byte, int, error) {
	if !g.IsRunning() {
		return nil, 0, types.ErrGatewayNotRunning
	}

	if !g.breaker.CanExecute() {
		return nil, 0, types.ErrBreakerOpen
	}

	start := time.Now()

	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(g.origin + path)
	req.Header.SetMethod(method)

	for key, value := range params {
		req.URI().QueryArgs().Set(key, value)
	}

	if token := g.tokens.Token(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	if body != nil {
		data, err := utils.Marshal(body)
		if err != nil {
			return nil, 0, types.WrapError(err, "failed to marshal request body")
		}
		req.SetBody(data)
		req.Header.SetContentType("application/json")
	}

	timeout := g.requestTimeout
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); remaining < timeout {
			timeout = remaining
		}
	}

	done := make(chan error, 1)
	go func() {
		done <- g.client.DoTimeout(req, resp, timeout)
	}()

	var err error
	select {
	case err = <-done:
	case <-ctx.Done():
		g.recordMetric(method, path, "canceled", time.Since(start))
		return nil, 0, types.WrapError(ctx.Err(), "request canceled")
	case <-g.ctx.Done():
		return nil, 0, types.ErrGatewayNotRunning
	}

	if err != nil {
		g.breaker.RecordFailure()
		g.recordMetric(method, path, "network_error", time.Since(start))
		return nil, 0, types.WrapError(err, "request failed")
	}

	statusCode := resp.StatusCode()
	responseBody := make([]byte, len(resp.Body()))
	copy(responseBody, resp.Body())

	switch {
	case statusCode >= 200 && statusCode < 300:
		g.breaker.RecordSuccess()
		g.recordMetric(method, path, "success", time.Since(start))
		return responseBody, statusCode, nil
	case statusCode == 401:
		// credential refresh is the caller's responsibility
		g.breaker.RecordSuccess()
		g.recordMetric(method, path, "unauthorized", time.Since(start))
		return responseBody, statusCode, &types.RequestError{Status: statusCode, Body: responseBody}
	default:
		if isBreakerFailure(statusCode) {
			g.breaker.RecordFailure()
		}
		g.recordMetric(method, path, "error", time.Since(start))
		g.logger.Debug("Request failed",
			zap.String("method", method),
			zap.String("path", path),
			zap.Int("status_code", statusCode))
		return responseBody, statusCode, &types.RequestError{Status: statusCode, Body: responseBody}
	}
}

// List fetches a collection and normalizes it into canonical records,
// accepting both the bare-array and {"data": [...]} envelope shapes.
func (g *HTTPGateway) List(ctx context.Context, collection string, params map[string]string) ([]types.Record, error) {
	body, _, err := g.Request(ctx, fasthttp.MethodGet, "/"+collection, params, nil)
	if err != nil {
		return nil, err
	}
	return NormalizeListPayload(body)
}

// Object fetches a single aggregate (statistics, KPI summaries) as one
// normalized record.
func (g *HTTPGateway) Object(ctx context.Context, path string, params map[string]string) (types.Record, error) {
	body, _, err := g.Request(ctx, fasthttp.MethodGet, path, params, nil)
	if err != nil {
		return nil, err
	}
	return NormalizeObjectPayload(body)
}

func (g *HTTPGateway) Close() {
	if !g.transitionState(StateRunning, StateStopping) {
		return
	}

	defer func() {
		g.setState(StateStopped)
		g.cancel()
	}()

	if err := g.breaker.Stop(); err != nil && !types.IsError(err, types.ErrServiceIsNotRunning) {
		g.logger.Debug("Breaker stop", zap.Error(err))
	}

	g.logger.Debug("Gateway closed")
}

func (g *HTTPGateway) IsRunning() bool {
	return g.getState() == StateRunning
}

func (g *HTTPGateway) getState() State {
	return g.state.Load().(State)
}

func (g *HTTPGateway) setState(newState State) bool {
	currentState := g.getState()
	return g.state.CompareAndSwap(currentState, newState)
}

func (g *HTTPGateway) transitionState(from, to State) bool {
	return g.state.CompareAndSwap(from, to)
}

func (g *HTTPGateway) recordMetric(method, path, result string, duration time.Duration) {
	if g.metrics == nil {
		return
	}

	counter := g.metrics.Counter("gateway_requests_total", map[string]string{
		"method": method,
		"path":   path,
		"result": result,
	})
	counter.Inc()

	histogram := g.metrics.Histogram("gateway_request_duration_seconds",
		[]float64{0.01, 0.05, 0.1, 0.5, 1.0, 5.0, 30.0},
		map[string]string{"method": method, "path": path},
	)
	histogram.Observe(duration.Seconds())
}

func isBreakerFailure(statusCode int) bool {
	switch statusCode {
	case 408, 429, 502, 503, 504:
		return true
	default:
		return false
	}
}
