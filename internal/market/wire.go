package market

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"taskfleet/internal/core"
)

// tagWidth is the fixed byte width tags occupy on the wire. Shorter tags
// are NUL-padded before Base64 encoding.
const tagWidth = 70

// encodeTag converts a node tag to its wire form.
func encodeTag(tag string) string {
	padded := make([]byte, tagWidth)
	copy(padded, tag)
	return base64.StdEncoding.EncodeToString(padded)
}

// parseTag decodes a wire tag and strips the NUL padding.
func parseTag(encoded string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("tag is not valid base64: %w", err)
	}
	return strings.TrimRight(string(raw), "\x00"), nil
}

// Requests. Orders are placed with structured duration and price; every
// other endpoint takes plain identifiers.

type wireDuration struct {
	Nanoseconds int64 `json:"nanoseconds"`
}

type wirePrice struct {
	PerSecond string `json:"perSecond"`
}

type wireOrder struct {
	Duration     wireDuration      `json:"duration"`
	Price        wirePrice         `json:"price"`
	Identity     int64             `json:"identity"`
	Tag          string            `json:"tag"`
	Counterparty string            `json:"counterparty,omitempty"`
	Resources    core.BidResources `json:"resources"`
}

type orderListRequest struct {
	Author string `json:"author"`
	Limit  int    `json:"limit"`
}

type orderStatusRequest struct {
	ID string `json:"id"`
}

type orderCancelRequest struct {
	IDs []string `json:"ids"`
}

type dealListRequest struct {
	Status     int    `json:"status"`
	ConsumerID string `json:"consumerID"`
	Limit      int    `json:"limit"`
}

type dealStatusRequest struct {
	ID string `json:"id"`
}

type dealCloseRequest struct {
	ID              string `json:"id"`
	BlacklistWorker bool   `json:"blacklistWorker"`
}

type taskStartRequest struct {
	DealID string                 `json:"dealID"`
	Spec   map[string]interface{} `json:"spec"`
}

type taskStatusRequest struct {
	DealID string `json:"dealID"`
	ID     string `json:"id"`
}

// Responses. Every response carries a status_code; payload fields ride
// alongside it. Prices come back as plain wei-per-second strings.

type orderCreateResponse struct {
	ID string `json:"id"`
}

type orderListResponse struct {
	Orders []struct {
		Order struct {
			ID    string `json:"id"`
			Tag   string `json:"tag"`
			Price string `json:"price"`
		} `json:"order"`
	} `json:"orders"`
}

type orderStatusResponse struct {
	OrderStatus int    `json:"orderStatus"`
	Tag         string `json:"tag"`
	DealID      string `json:"dealID"`
}

type dealListResponse struct {
	Deals []struct {
		Deal struct {
			ID string `json:"id"`
		} `json:"deal"`
	} `json:"deals"`
}

// dealStatusResponse mirrors the deal.status shape: running tasks and the
// worker's resource report live inside the deal object. A worker that does
// not answer the resources request leaves the field unset.
type dealStatusResponse struct {
	Deal struct {
		Status    int             `json:"status"`
		BidID     string          `json:"bidID"`
		Price     string          `json:"price"`
		Running   []string        `json:"running"`
		Resources json.RawMessage `json:"resources"`
	} `json:"deal"`
}

type taskStartResponse struct {
	ID string `json:"id"`
}

type taskStatusResponse struct {
	Status int        `json:"status"`
	Uptime wireNumber `json:"uptime"`
}

type predictResponse struct {
	PerSecond wireNumber `json:"perSecond"`
}

type balanceResponse struct {
	LiveBalance    *float64 `json:"liveBalance"`
	SideBalance    *float64 `json:"sideBalance"`
	LiveEthBalance *float64 `json:"liveEthBalance"`
}

// wireNumber captures a numeric field as its literal text; the node is not
// consistent about sending counters quoted or bare.
type wireNumber string

func (w *wireNumber) UnmarshalJSON(data []byte) error {
	s := strings.Trim(string(data), `"`)
	if s == "null" {
		s = ""
	}
	*w = wireNumber(s)
	return nil
}

// toInt64 parses the captured text, truncating float-formatted values.
func (w wireNumber) toInt64() (int64, error) {
	if w == "" {
		return 0, nil
	}
	if v, err := strconv.ParseInt(string(w), 10, 64); err == nil {
		return v, nil
	}
	f, err := strconv.ParseFloat(string(w), 64)
	if err != nil {
		return 0, fmt.Errorf("not a number: %q", string(w))
	}
	return int64(f), nil
}
