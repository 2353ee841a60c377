// Package market implements the typed client for the marketplace node API:
// one POST endpoint per method, per-endpoint retry policies, and result
// shapes normalized for the fleet core.
package market

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/retrypolicy"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"taskfleet/internal/core"
	"taskfleet/internal/pricing"
	apperrors "taskfleet/pkg/errors"
	"taskfleet/pkg/telemetry"
)

const rpcPathPrefix = "/rpc/v1/"

// rpcResult is one transport round trip. The status code is taken from the
// response envelope when present, else from the HTTP status.
type rpcResult struct {
	statusCode int
	body       []byte
}

func (r *rpcResult) ok() bool {
	return r != nil && r.statusCode == http.StatusOK
}

// Client talks to the marketplace node. Methods are safe for concurrent
// use; retries happen internally and a returned error means the attempts
// are exhausted.
type Client struct {
	http     *http.Client
	baseURL  string
	consumer string
	timeout  time.Duration
	logger   core.ILogger
	metrics  *telemetry.MetricsHolder
	tracer   trace.Tracer

	// Per-endpoint retry behavior: task.status gets long patience because
	// workers answer it lazily, task.start must never be repeated blindly.
	execDefault    failsafe.Executor[*rpcResult]
	execTaskStatus failsafe.Executor[*rpcResult]
	execTaskStart  failsafe.Executor[*rpcResult]
}

var _ core.IMarketClient = (*Client)(nil)

// NewClient creates a marketplace client for the node at nodeAddress acting
// as the given consumer address.
func NewClient(nodeAddress, consumerAddr string, timeout time.Duration, logger core.ILogger) *Client {
	retryOn := func(result *rpcResult, err error) bool {
		return err != nil || !result.ok()
	}

	defaultPolicy := retrypolicy.NewBuilder[*rpcResult]().
		HandleIf(retryOn).
		WithDelay(3 * time.Second).
		WithMaxRetries(2).
		ReturnLastFailure().
		Build()
	taskStatusPolicy := retrypolicy.NewBuilder[*rpcResult]().
		HandleIf(retryOn).
		WithDelay(10 * time.Second).
		WithMaxRetries(9).
		ReturnLastFailure().
		Build()
	taskStartPolicy := retrypolicy.NewBuilder[*rpcResult]().
		HandleIf(retryOn).
		WithMaxRetries(0).
		ReturnLastFailure().
		Build()

	return &Client{
		http:           &http.Client{},
		baseURL:        strings.TrimSuffix(nodeAddress, "/"),
		consumer:       consumerAddr,
		timeout:        timeout,
		logger:         logger.WithField("component", "market_client"),
		metrics:        telemetry.GetGlobalMetrics(),
		tracer:         telemetry.GetTracer("market-client"),
		execDefault:    failsafe.With[*rpcResult](defaultPolicy),
		execTaskStatus: failsafe.With[*rpcResult](taskStatusPolicy),
		execTaskStart:  failsafe.With[*rpcResult](taskStartPolicy),
	}
}

// ConsumerAddress returns the Ethereum address orders are placed under.
func (c *Client) ConsumerAddress() string {
	return c.consumer
}

// OrderCreate places a buy order built from the bid.
func (c *Client) OrderCreate(ctx context.Context, bid *core.Bid) (*core.OrderCreated, error) {
	order, err := normalizeBid(bid)
	if err != nil {
		return nil, err
	}
	result, err := c.call(ctx, c.execDefault, "order.create", order, c.timeout)
	if err != nil {
		return nil, err
	}
	var parsed orderCreateResponse
	if err := json.Unmarshal(result.body, &parsed); err != nil || parsed.ID == "" {
		return nil, fmt.Errorf("order.create: %w", apperrors.ErrBadResponse)
	}
	c.metrics.OrdersPlacedTotal.Add(ctx, 1)
	return &core.OrderCreated{ID: parsed.ID}, nil
}

// OrderList returns our standing orders, up to limit. Orders whose tag does
// not decode are skipped; a response without an orders key is an empty list.
func (c *Client) OrderList(ctx context.Context, limit int) ([]core.OrderInfo, error) {
	result, err := c.call(ctx, c.execDefault, "order.list",
		&orderListRequest{Author: c.consumer, Limit: limit}, c.timeout)
	if err != nil {
		return nil, err
	}
	var parsed orderListResponse
	if err := json.Unmarshal(result.body, &parsed); err != nil {
		return nil, fmt.Errorf("order.list: %w", apperrors.ErrBadResponse)
	}
	orders := make([]core.OrderInfo, 0, len(parsed.Orders))
	for _, entry := range parsed.Orders {
		tag, err := parseTag(entry.Order.Tag)
		if err != nil {
			c.logger.Warn("Skipping order with undecodable tag", "order_id", entry.Order.ID, "error", err)
			continue
		}
		orders = append(orders, core.OrderInfo{
			ID:    entry.Order.ID,
			Tag:   tag,
			Price: entry.Order.Price,
		})
	}
	return orders, nil
}

// OrderStatus fetches one order's state with its tag decoded.
func (c *Client) OrderStatus(ctx context.Context, orderID string) (*core.OrderState, error) {
	result, err := c.call(ctx, c.execDefault, "order.status",
		&orderStatusRequest{ID: orderID}, c.timeout)
	if err != nil {
		return nil, err
	}
	var parsed orderStatusResponse
	if err := json.Unmarshal(result.body, &parsed); err != nil {
		return nil, fmt.Errorf("order.status: %w", apperrors.ErrBadResponse)
	}
	tag, err := parseTag(parsed.Tag)
	if err != nil {
		return nil, fmt.Errorf("order.status: %w", apperrors.ErrBadResponse)
	}
	return &core.OrderState{
		OrderStatus: parsed.OrderStatus,
		Tag:         tag,
		DealID:      parsed.DealID,
	}, nil
}

// OrderCancel withdraws a standing order.
func (c *Client) OrderCancel(ctx context.Context, orderID string) error {
	_, err := c.call(ctx, c.execDefault, "order.cancel",
		&orderCancelRequest{IDs: []string{orderID}}, c.timeout)
	if err != nil {
		return err
	}
	c.metrics.OrdersCancelTotal.Add(ctx, 1)
	return nil
}

// DealList returns ids of our open deals, up to limit.
func (c *Client) DealList(ctx context.Context, limit int) ([]core.DealInfo, error) {
	result, err := c.call(ctx, c.execDefault, "deal.list", &dealListRequest{
		Status:     core.DealStatusOpened,
		ConsumerID: c.consumer,
		Limit:      limit,
	}, c.timeout)
	if err != nil {
		return nil, err
	}
	var parsed dealListResponse
	if err := json.Unmarshal(result.body, &parsed); err != nil {
		return nil, fmt.Errorf("deal.list: %w", apperrors.ErrBadResponse)
	}
	deals := make([]core.DealInfo, 0, len(parsed.Deals))
	for _, entry := range parsed.Deals {
		deals = append(deals, core.DealInfo{ID: entry.Deal.ID})
	}
	return deals, nil
}

// DealStatus fetches one deal's state. The worker is reported offline when
// it did not answer the resources request.
func (c *Client) DealStatus(ctx context.Context, dealID string) (*core.DealState, error) {
	result, err := c.call(ctx, c.execDefault, "deal.status",
		&dealStatusRequest{ID: dealID}, c.timeout)
	if err != nil {
		return nil, err
	}
	var parsed dealStatusResponse
	if err := json.Unmarshal(result.body, &parsed); err != nil {
		return nil, fmt.Errorf("deal.status: %w", apperrors.ErrBadResponse)
	}
	offline := len(parsed.Deal.Resources) == 0 || string(parsed.Deal.Resources) == "null"
	return &core.DealState{
		Status:        parsed.Deal.Status,
		BidID:         parsed.Deal.BidID,
		Price:         parsed.Deal.Price,
		Running:       parsed.Deal.Running,
		WorkerOffline: offline,
	}, nil
}

// DealClose closes a deal, optionally blacklisting the worker.
func (c *Client) DealClose(ctx context.Context, dealID string, blacklist bool) error {
	_, err := c.call(ctx, c.execDefault, "deal.close",
		&dealCloseRequest{ID: dealID, BlacklistWorker: blacklist}, c.timeout)
	if err != nil {
		return err
	}
	c.metrics.DealsClosedTotal.Add(ctx, 1)
	if blacklist {
		c.metrics.BlacklistedTotal.Add(ctx, 1)
	}
	return nil
}

// TaskStart launches a task on a deal. Single attempt: a start that may
// have half-landed must not be repeated. The timeout comes from the task
// class because image pull time dominates.
func (c *Client) TaskStart(ctx context.Context, dealID string, spec map[string]interface{}, timeout time.Duration) (*core.TaskInfo, error) {
	result, err := c.call(ctx, c.execTaskStart, "task.start",
		&taskStartRequest{DealID: dealID, Spec: spec}, timeout)
	if err != nil {
		return nil, err
	}
	var parsed taskStartResponse
	if err := json.Unmarshal(result.body, &parsed); err != nil || parsed.ID == "" {
		return nil, fmt.Errorf("task.start: %w", apperrors.ErrBadResponse)
	}
	return &core.TaskInfo{ID: parsed.ID}, nil
}

// TaskStatus fetches one task's state with uptime normalized to seconds.
func (c *Client) TaskStatus(ctx context.Context, dealID, taskID string) (*core.TaskState, error) {
	result, err := c.call(ctx, c.execTaskStatus, "task.status",
		&taskStatusRequest{DealID: dealID, ID: taskID}, c.timeout)
	if err != nil {
		return nil, err
	}
	var parsed taskStatusResponse
	if err := json.Unmarshal(result.body, &parsed); err != nil {
		return nil, fmt.Errorf("task.status: %w", apperrors.ErrBadResponse)
	}
	uptimeNs, err := parsed.Uptime.toInt64()
	if err != nil {
		return nil, fmt.Errorf("task.status uptime: %w", apperrors.ErrBadResponse)
	}
	return &core.TaskState{
		Status:        core.TaskStatus(parsed.Status),
		UptimeSeconds: uptimeNs / int64(time.Second),
	}, nil
}

// PredictBid quotes the market price for a resource bundle.
func (c *Client) PredictBid(ctx context.Context, resources *core.BidResources) (*core.Prediction, error) {
	result, err := c.call(ctx, c.execDefault, "predictor.predict", resources, c.timeout)
	if err != nil {
		return nil, err
	}
	var parsed predictResponse
	if err := json.Unmarshal(result.body, &parsed); err != nil || parsed.PerSecond == "" {
		return nil, fmt.Errorf("predictor.predict: %w", apperrors.ErrBadResponse)
	}
	perHour, err := pricing.ParseWeiPerSecond(string(parsed.PerSecond))
	if err != nil {
		return nil, fmt.Errorf("predictor.predict: %w", apperrors.ErrBadResponse)
	}
	return &core.Prediction{PerHourUSD: perHour}, nil
}

// TokenBalance fetches the account balances. It never fails: any error or
// partial response degrades to an "n/a" snapshot.
func (c *Client) TokenBalance(ctx context.Context) *core.Balance {
	unavailable := &core.Balance{LiveBalance: "n/a", SideBalance: "n/a", LiveEthBalance: "n/a"}

	result, err := c.call(ctx, c.execDefault, "token.balance", struct{}{}, c.timeout)
	if err != nil {
		return unavailable
	}
	var parsed balanceResponse
	if err := json.Unmarshal(result.body, &parsed); err != nil {
		return unavailable
	}
	if parsed.LiveBalance == nil || parsed.SideBalance == nil || parsed.LiveEthBalance == nil {
		return unavailable
	}
	return &core.Balance{
		LiveBalance:    fmt.Sprintf("%.4f", *parsed.LiveBalance),
		SideBalance:    fmt.Sprintf("%.4f", *parsed.SideBalance),
		LiveEthBalance: fmt.Sprintf("%.4f", *parsed.LiveEthBalance),
	}
}

// normalizeBid converts the operator-facing bid to its wire form.
func normalizeBid(bid *core.Bid) (*wireOrder, error) {
	duration, err := time.ParseDuration(bid.Duration)
	if err != nil {
		return nil, fmt.Errorf("bid duration %q: %w", bid.Duration, err)
	}
	usdPerHour, err := pricing.ParsePrice(bid.Price)
	if err != nil {
		return nil, err
	}
	identity, ok := core.IdentityCode(bid.Identity)
	if !ok {
		return nil, fmt.Errorf("unknown identity level %q", bid.Identity)
	}
	return &wireOrder{
		Duration:     wireDuration{Nanoseconds: duration.Nanoseconds()},
		Price:        wirePrice{PerSecond: pricing.WeiPerSecond(usdPerHour).String()},
		Identity:     identity,
		Tag:          encodeTag(bid.Tag),
		Counterparty: bid.Counterparty,
		Resources:    bid.Resources,
	}, nil
}

// call runs one RPC through the given retry executor and verifies the final
// status. ReturnLastFailure means an exhausted policy hands back the last
// bad result with a nil error, so the status is re-checked here.
func (c *Client) call(ctx context.Context, exec failsafe.Executor[*rpcResult], method string, payload interface{}, timeout time.Duration) (*rpcResult, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s request: %w", method, err)
	}

	ctx, span := c.tracer.Start(ctx, "rpc "+method, trace.WithAttributes(
		attribute.String("rpc.method", method),
	))
	defer span.End()

	start := time.Now()
	result, err := exec.WithContext(ctx).GetWithExecution(func(e failsafe.Execution[*rpcResult]) (*rpcResult, error) {
		return c.roundTrip(ctx, method, body, timeout)
	})
	elapsed := float64(time.Since(start).Microseconds()) / 1000.0

	outcome := "ok"
	if err != nil || !result.ok() {
		outcome = "failed"
	}
	c.metrics.RPCRequestsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("method", method),
		attribute.String("outcome", outcome),
	))
	c.metrics.RPCLatency.Record(ctx, elapsed, metric.WithAttributes(
		attribute.String("method", method),
	))

	if err != nil {
		span.RecordError(err)
		c.logger.Error("RPC failed", "method", method, "error", err)
		return nil, fmt.Errorf("%s: %v: %w", method, err, apperrors.ErrRPCExhausted)
	}
	if !result.ok() {
		status := 0
		if result != nil {
			status = result.statusCode
		}
		span.SetAttributes(attribute.Int("rpc.status_code", status))
		c.logger.Error("RPC failed", "method", method, "status_code", status)
		return nil, fmt.Errorf("%s: status %d: %w", method, status, apperrors.ErrRPCExhausted)
	}
	span.SetAttributes(attribute.Int("rpc.status_code", result.statusCode))
	return result, nil
}

// roundTrip is one attempt: POST, read, and resolve the status code.
func (c *Client) roundTrip(ctx context.Context, method string, body []byte, timeout time.Duration) (*rpcResult, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+rpcPathPrefix+method, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Request-ID", uuid.NewString())

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	status := resp.StatusCode
	var envelope struct {
		StatusCode *int `json:"status_code"`
	}
	if err := json.Unmarshal(raw, &envelope); err == nil && envelope.StatusCode != nil {
		status = *envelope.StatusCode
	}
	return &rpcResult{statusCode: status, body: raw}, nil
}
