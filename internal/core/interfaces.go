// Package core defines the core types and interfaces for the fleet manager.
package core

import (
	"context"
	"time"
)

// IMarketClient is the marketplace node API consumed by the fleet.
// Implementations retry transient failures internally; a returned error
// means retries are exhausted and the caller decides how to degrade.
type IMarketClient interface {
	// Order operations
	OrderCreate(ctx context.Context, bid *Bid) (*OrderCreated, error)
	OrderList(ctx context.Context, limit int) ([]OrderInfo, error)
	OrderStatus(ctx context.Context, orderID string) (*OrderState, error)
	OrderCancel(ctx context.Context, orderID string) error

	// Deal operations
	DealList(ctx context.Context, limit int) ([]DealInfo, error)
	DealStatus(ctx context.Context, dealID string) (*DealState, error)
	DealClose(ctx context.Context, dealID string, blacklist bool) error

	// Task operations. TaskStart is a single attempt: a start that may
	// have half-landed must not be repeated blindly.
	TaskStart(ctx context.Context, dealID string, spec map[string]interface{}, timeout time.Duration) (*TaskInfo, error)
	TaskStatus(ctx context.Context, dealID, taskID string) (*TaskState, error)
	TaskLogs(ctx context.Context, dealID, taskID, tail, path string) error

	// Market data
	PredictBid(ctx context.Context, resources *BidResources) (*Prediction, error)
	// TokenBalance never fails: an unreachable endpoint yields an "n/a"
	// snapshot.
	TokenBalance(ctx context.Context) *Balance

	// Identity
	ConsumerAddress() string
}

// IJournal records fleet lifecycle events for offline auditing.
type IJournal interface {
	Record(nodeTag, event, detail string)
	Close() error
}

// IHealthMonitor defines the interface for health monitoring
type IHealthMonitor interface {
	Register(component string, check func() error)
	GetStatus() map[string]string
	IsHealthy() bool
}

// ILogger defines the interface for logging
type ILogger interface {
	Debug(msg string, fields ...interface{})
	Info(msg string, fields ...interface{})
	Warn(msg string, fields ...interface{})
	Error(msg string, fields ...interface{})
	Fatal(msg string, fields ...interface{})
	WithField(key string, value interface{}) ILogger
	WithFields(fields map[string]interface{}) ILogger
}
