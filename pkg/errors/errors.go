package apperrors

import "errors"

// Standardized Marketplace Errors
var (
	ErrRPCExhausted    = errors.New("rpc retries exhausted")
	ErrBadResponse     = errors.New("malformed rpc response")
	ErrOrderNotFound   = errors.New("order not found")
	ErrDealNotFound    = errors.New("deal not found")
	ErrTaskNotFound    = errors.New("task not found")
	ErrWorkerOffline   = errors.New("worker offline")
	ErrNodeUnavailable = errors.New("marketplace node unavailable")
	ErrKeystoreLocked  = errors.New("cannot decrypt ethereum keystore")
)
