package core

import (
	"encoding/json"
	"fmt"

	"github.com/shopspring/decimal"
)

// State is the lifecycle state of a logical worker node.
type State int

const (
	StateStart State = iota
	StateCreateOrder
	StatePlacingOrder
	StateAwaitingDeal
	StateDealOpened
	StateDealDisappeared
	StateStartingTask
	StateTaskRunning
	StateTaskFailed
	StateTaskFailedToStart
	StateTaskBroken
	StateTaskFinished
	StateWorkCompleted
)

var stateNames = map[State]string{
	StateStart:             "START",
	StateCreateOrder:       "CREATE_ORDER",
	StatePlacingOrder:      "PLACING_ORDER",
	StateAwaitingDeal:      "AWAITING_DEAL",
	StateDealOpened:        "DEAL_OPENED",
	StateDealDisappeared:   "DEAL_DISAPPEARED",
	StateStartingTask:      "STARTING_TASK",
	StateTaskRunning:       "TASK_RUNNING",
	StateTaskFailed:        "TASK_FAILED",
	StateTaskFailedToStart: "TASK_FAILED_TO_START",
	StateTaskBroken:        "TASK_BROKEN",
	StateTaskFinished:      "TASK_FINISHED",
	StateWorkCompleted:     "WORK_COMPLETED",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return "UNKNOWN"
}

// MarshalJSON renders the state by name, the form the dashboard feed uses.
func (s State) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// UnmarshalJSON accepts the name form produced by MarshalJSON.
func (s *State) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return err
	}
	for state, n := range stateNames {
		if n == name {
			*s = state
			return nil
		}
	}
	return fmt.Errorf("unknown node state %q", name)
}

// TaskStatus is the remote container status reported by the worker.
type TaskStatus int

const (
	TaskStatusUnknown TaskStatus = iota
	TaskStatusSpooling
	TaskStatusSpawning
	TaskStatusRunning
	TaskStatusFinished
	TaskStatusBroken
)

// Marketplace wire constants.
const (
	// OrderStatusActive is the order.status code for an active order. An
	// active order with no deal attached was cancelled and re-listed on the
	// remote side, so the node abandons it and places a fresh one.
	OrderStatusActive = 1
	// DealStatusOpened is the remote deal status while the deal is live.
	DealStatusOpened = 1
	// DealStatusClosed is the remote deal status once either side closed it.
	DealStatusClosed = 2
	// NoDealID is the deal id an active order carries before a match.
	NoDealID = "0"
)

// identityCodes maps the configured identity level to its wire code.
var identityCodes = map[string]int64{
	"unknown":      0,
	"anonymous":    1,
	"registered":   2,
	"identified":   3,
	"professional": 4,
}

// IdentityCode resolves an identity level name to its wire code.
func IdentityCode(name string) (int64, bool) {
	code, ok := identityCodes[name]
	return code, ok
}

// NetworkSpec describes the network requirements of a bid.
type NetworkSpec struct {
	Overlay  bool `yaml:"overlay" json:"overlay"`
	Outbound bool `yaml:"outbound" json:"outbound"`
	Incoming bool `yaml:"incoming" json:"incoming"`
}

// Benchmarks carries the scaled benchmark requirements of a bid.
// Memory, storage and network are bytes, hashrate is hashes per second.
type Benchmarks struct {
	RAMSize           uint64 `yaml:"ram-size" json:"ram-size"`
	StorageSize       uint64 `yaml:"storage-size" json:"storage-size"`
	CPUCores          uint64 `yaml:"cpu-cores" json:"cpu-cores"`
	CPUSysbenchSingle uint64 `yaml:"cpu-sysbench-single" json:"cpu-sysbench-single"`
	CPUSysbenchMulti  uint64 `yaml:"cpu-sysbench-multi" json:"cpu-sysbench-multi"`
	NetDownload       uint64 `yaml:"net-download" json:"net-download"`
	NetUpload         uint64 `yaml:"net-upload" json:"net-upload"`
	GPUCount          uint64 `yaml:"gpu-count" json:"gpu-count"`
	GPUMem            uint64 `yaml:"gpu-mem" json:"gpu-mem"`
	GPUEthHashrate    uint64 `yaml:"gpu-eth-hashrate" json:"gpu-eth-hashrate"`
}

// BidResources bundles the resource requirements sent to the marketplace,
// both in orders and in price predictions.
type BidResources struct {
	Network    NetworkSpec `yaml:"network" json:"network"`
	Benchmarks Benchmarks  `yaml:"benchmarks" json:"benchmarks"`
}

// Bid is a buy order before wire normalization. Duration stays a
// human-readable string and price keeps its USD/h suffix so the YAML audit
// dump is operator-friendly; the client converts both on send.
type Bid struct {
	Duration     string       `yaml:"duration" json:"duration"`
	Price        string       `yaml:"price" json:"price"`
	Identity     string       `yaml:"identity" json:"identity"`
	Tag          string       `yaml:"tag" json:"tag"`
	Counterparty string       `yaml:"counterparty,omitempty" json:"counterparty,omitempty"`
	Resources    BidResources `yaml:"resources" json:"resources"`
}

// OrderCreated is the normalized order.create result.
type OrderCreated struct {
	ID string
}

// OrderInfo is one entry of the normalized order.list result.
type OrderInfo struct {
	ID    string
	Tag   string
	Price string
}

// OrderState is the normalized order.status result.
type OrderState struct {
	OrderStatus int
	Tag         string
	DealID      string
}

// DealInfo is one entry of the normalized deal.list result.
type DealInfo struct {
	ID string
}

// DealState is the normalized deal.status result. WorkerOffline is derived
// from the absence of the resources section: a worker that does not answer
// the resources request is assumed gone.
type DealState struct {
	Status        int
	BidID         string
	Price         string
	Running       []string
	WorkerOffline bool
}

// TaskInfo is the normalized task.start result.
type TaskInfo struct {
	ID string
}

// TaskState is the normalized task.status result. Uptime is seconds; the
// wire reports nanoseconds.
type TaskState struct {
	Status        TaskStatus
	UptimeSeconds int64
}

// Prediction is the normalized predictor quote for a resource bundle.
type Prediction struct {
	PerHourUSD decimal.Decimal
}

// Balance is the marketplace token balance snapshot. Fields are formatted
// to four decimals, or "n/a" when the balance endpoint is unreachable.
type Balance struct {
	LiveBalance    string `json:"liveBalance"`
	SideBalance    string `json:"sideBalance"`
	LiveEthBalance string `json:"liveEthBalance"`
}

// TableRow is one node's row in the fleet state table and on the dashboard.
// TaskTag groups rows into one dashboard table per task.
type TableRow struct {
	NodeTag        string `json:"node"`
	TaskTag        string `json:"task_tag"`
	OrderID        string `json:"order_id"`
	OrderPrice     string `json:"order_price"`
	DealID         string `json:"deal_id"`
	TaskID         string `json:"task_id"`
	TaskUptime     int64  `json:"task_uptime"`
	Status         State  `json:"node_status"`
	SinceHeartbeat int64  `json:"since_hb"`
	Class          string `json:"css_class"`
}

// DisplayClass maps a node's state and heartbeat age to the bootstrap table
// class used by the dashboard. A stalled heartbeat outranks everything.
func DisplayClass(state State, sinceHeartbeat, restartTimeout int64) string {
	switch {
	case sinceHeartbeat > restartTimeout,
		state == StateTaskFailed, state == StateTaskFailedToStart, state == StateTaskBroken:
		return "table-danger"
	case state == StateDealDisappeared:
		return "table-warning"
	case state == StateTaskRunning, state == StateTaskFinished:
		return "table-success"
	case state == StateDealOpened, state == StateStartingTask:
		return "table-primary"
	case state == StateStart, state == StateCreateOrder,
		state == StatePlacingOrder, state == StateAwaitingDeal:
		return "table-info"
	default:
		return "table-light"
	}
}
