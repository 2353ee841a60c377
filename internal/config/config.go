// Package config loads and validates the fleet configuration folder: a base
// config.yaml plus one YAML file per task class and the task template files
// referenced by them.
package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"text/template"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"taskfleet/internal/core"
	"taskfleet/internal/pricing"
)

// DefaultFolder is the config folder used when none is given on the command line.
const DefaultFolder = "conf"

const (
	defaultTimeout        = 60
	defaultRestartTimeout = 600
	defaultJournalPath    = "out/journal.db"
	defaultMetricsAddress = ":9090"
	defaultLogLevel       = "INFO"
)

// baseRequiredKeys must be present in config.yaml before decoding.
var baseRequiredKeys = []string{"node_address", "ethereum", "tasks"}

// taskRequiredKeys must be present in every task file before decoding.
var taskRequiredKeys = []string{
	"numberofnodes", "tag", "price_coefficient", "max_price", "ets",
	"task_start_timeout", "template_file", "duration", "counterparty",
	"identity", "ramsize", "storagesize", "cpucores", "sysbenchsingle",
	"sysbenchmulti", "netdownload", "netupload", "overlay", "incoming",
	"gpucount", "gpumem", "ethhashrate",
}

var ethAddrPattern = regexp.MustCompile(`^0x[a-fA-F0-9]{40}$`)

// BaseConfig is the top-level configuration from config.yaml.
type BaseConfig struct {
	NodeAddress    string           `yaml:"node_address"`
	Timeout        int              `yaml:"timeout"`
	RestartTimeout int              `yaml:"restart_timeout"`
	LogLevel       string           `yaml:"log_level"`
	JournalPath    string           `yaml:"journal_path"`
	MetricsAddress string           `yaml:"metrics_address"`
	Ethereum       EthereumConfig   `yaml:"ethereum"`
	HTTPServer     HTTPServerConfig `yaml:"http_server"`
	Alerts         AlertConfig      `yaml:"alerts"`
	Tasks          []string         `yaml:"tasks"`
}

// EthereumConfig points at the keystore used for the consumer identity.
type EthereumConfig struct {
	KeyPath  string `yaml:"key_path"`
	Password Secret `yaml:"password"`
}

// HTTPServerConfig configures the status dashboard.
type HTTPServerConfig struct {
	Run      bool   `yaml:"run"`
	User     string `yaml:"user"`
	Password Secret `yaml:"password"`
	Port     int    `yaml:"port"`
}

// AlertConfig configures the optional alert channels. Empty values leave the
// corresponding channel inert.
type AlertConfig struct {
	SlackWebhook   Secret `yaml:"slack_webhook"`
	TelegramToken  Secret `yaml:"telegram_token"`
	TelegramChatID string `yaml:"telegram_chat_id"`
}

// RPCTimeout returns the marketplace RPC timeout.
func (b *BaseConfig) RPCTimeout() time.Duration {
	if b.Timeout <= 0 {
		return defaultTimeout * time.Second
	}
	return time.Duration(b.Timeout) * time.Second
}

// NodeRestartTimeout returns the heartbeat watchdog threshold.
func (b *BaseConfig) NodeRestartTimeout() time.Duration {
	if b.RestartTimeout <= 0 {
		return defaultRestartTimeout * time.Second
	}
	return time.Duration(b.RestartTimeout) * time.Second
}

// TaskConfig is one task class, loaded from its own YAML file. Sizes follow
// the operator units: RAM/GPU memory in MiB, storage in GiB, network in
// MiB/s, hashrate in MH/s. Scaling to wire units happens in Resources.
type TaskConfig struct {
	NumberOfNodes    int    `yaml:"numberofnodes"`
	Tag              string `yaml:"tag"`
	PriceCoefficient int    `yaml:"price_coefficient"`
	MaxPrice         string `yaml:"max_price"`
	ETS              int64  `yaml:"ets"`
	TaskStartTimeout int    `yaml:"task_start_timeout"`
	TemplateFile     string `yaml:"template_file"`
	Duration         string `yaml:"duration"`
	Counterparty     string `yaml:"counterparty"`
	Identity         string `yaml:"identity"`
	RAMSize          uint64 `yaml:"ramsize"`
	StorageSize      uint64 `yaml:"storagesize"`
	CPUCores         uint64 `yaml:"cpucores"`
	SysbenchSingle   uint64 `yaml:"sysbenchsingle"`
	SysbenchMulti    uint64 `yaml:"sysbenchmulti"`
	NetDownload      uint64 `yaml:"netdownload"`
	NetUpload        uint64 `yaml:"netupload"`
	Overlay          bool   `yaml:"overlay"`
	Incoming         bool   `yaml:"incoming"`
	GPUCount         uint64 `yaml:"gpucount"`
	GPUMem           uint64 `yaml:"gpumem"`
	EthHashrate      uint64 `yaml:"ethhashrate"`

	maxPriceUSD decimal.Decimal
}

// MaxPriceUSD returns the parsed max_price in USD per hour.
func (t *TaskConfig) MaxPriceUSD() decimal.Decimal {
	return t.maxPriceUSD
}

// Resources builds the wire resource bundle for this task class. A zero GPU
// count forces GPU memory and hashrate to zero whatever the file says.
func (t *TaskConfig) Resources() *core.BidResources {
	gpuMem := t.GPUMem
	hashrate := t.EthHashrate
	if t.GPUCount == 0 {
		gpuMem = 0
		hashrate = 0
	}
	return &core.BidResources{
		Network: core.NetworkSpec{
			Overlay:  t.Overlay,
			Outbound: true,
			Incoming: t.Incoming,
		},
		Benchmarks: core.Benchmarks{
			RAMSize:           t.RAMSize * 1024 * 1024,
			StorageSize:       t.StorageSize * 1024 * 1024 * 1024,
			CPUCores:          t.CPUCores,
			CPUSysbenchSingle: t.SysbenchSingle,
			CPUSysbenchMulti:  t.SysbenchMulti,
			NetDownload:       t.NetDownload * 1024 * 1024,
			NetUpload:         t.NetUpload * 1024 * 1024,
			GPUCount:          t.GPUCount,
			GPUMem:            gpuMem * 1024 * 1024,
			GPUEthHashrate:    hashrate * 1000000,
		},
	}
}

// Bid builds an order template for one node of this class. The price starts
// at zero; the node fills it in from the pricing oracle before placing.
func (t *TaskConfig) Bid(nodeTag string) *core.Bid {
	return &core.Bid{
		Duration:     t.Duration,
		Price:        "0USD/h",
		Identity:     t.Identity,
		Tag:          nodeTag,
		Counterparty: t.Counterparty,
		Resources:    *t.Resources(),
	}
}

// ValidationError describes one rejected configuration value.
type ValidationError struct {
	Field   string
	Value   interface{}
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("validation error for field '%s' (value: %v): %s", e.Field, e.Value, e.Message)
}

// Snapshot is one immutable view of the whole configuration: the base config
// plus every task class by tag and the expanded per-node configs keyed
// "<tag>_<i>". Readers keep whatever snapshot they were handed; reloads
// publish a fresh one.
type Snapshot struct {
	Base  *BaseConfig
	Tasks map[string]*TaskConfig
	Nodes map[string]*TaskConfig
}

// NodeTags returns every configured node tag. Order is unspecified.
func (s *Snapshot) NodeTags() []string {
	tags := make([]string, 0, len(s.Nodes))
	for tag := range s.Nodes {
		tags = append(tags, tag)
	}
	return tags
}

// Resources returns the resource bundle per task tag, the shape the price
// oracle refreshes from.
func (s *Snapshot) Resources() map[string]*core.BidResources {
	resources := make(map[string]*core.BidResources, len(s.Tasks))
	for tag, task := range s.Tasks {
		resources[tag] = task.Resources()
	}
	return resources
}

// Load reads and validates the whole config folder.
func Load(folder string) (*Snapshot, error) {
	base, err := loadBase(folder)
	if err != nil {
		return nil, err
	}

	tasks := make(map[string]*TaskConfig, len(base.Tasks))
	nodes := make(map[string]*TaskConfig)
	for _, file := range base.Tasks {
		task, err := loadTask(folder, file)
		if err != nil {
			return nil, err
		}
		if _, dup := tasks[task.Tag]; dup {
			return nil, ValidationError{Field: "tag", Value: task.Tag, Message: "config has tasks with same tag"}
		}
		tasks[task.Tag] = task
		for i := 1; i <= task.NumberOfNodes; i++ {
			nodes[fmt.Sprintf("%s_%d", task.Tag, i)] = task
		}
	}

	return &Snapshot{Base: base, Tasks: tasks, Nodes: nodes}, nil
}

func loadBase(folder string) (*BaseConfig, error) {
	raw, err := loadYAMLMap(filepath.Join(folder, "config.yaml"))
	if err != nil {
		return nil, err
	}
	if err := requireKeys(raw, baseRequiredKeys, "config.yaml"); err != nil {
		return nil, err
	}

	base := &BaseConfig{
		Timeout:        defaultTimeout,
		RestartTimeout: defaultRestartTimeout,
		LogLevel:       defaultLogLevel,
		JournalPath:    defaultJournalPath,
		MetricsAddress: defaultMetricsAddress,
	}
	if err := decodeInto(raw, base); err != nil {
		return nil, fmt.Errorf("config.yaml: %w", err)
	}
	if len(base.Tasks) == 0 {
		return nil, ValidationError{Field: "tasks", Message: "configuration must have at least one task"}
	}
	return base, nil
}

func loadTask(folder, file string) (*TaskConfig, error) {
	raw, err := loadYAMLMap(filepath.Join(folder, file))
	if err != nil {
		return nil, err
	}
	if err := requireKeys(raw, taskRequiredKeys, file); err != nil {
		return nil, err
	}

	task := &TaskConfig{}
	if err := decodeInto(raw, task); err != nil {
		return nil, fmt.Errorf("%s: %w", file, err)
	}
	if err := task.validate(file); err != nil {
		return nil, err
	}
	return task, nil
}

func (t *TaskConfig) validate(file string) error {
	maxPrice, err := pricing.ParsePrice(t.MaxPrice)
	if err != nil {
		return ValidationError{Field: file + ".max_price", Value: t.MaxPrice, Message: err.Error()}
	}
	t.maxPriceUSD = maxPrice

	if t.NumberOfNodes < 0 {
		return ValidationError{Field: file + ".numberofnodes", Value: t.NumberOfNodes, Message: "must not be negative"}
	}
	if t.Tag == "" {
		return ValidationError{Field: file + ".tag", Message: "tag is required"}
	}
	if _, ok := core.IdentityCode(t.Identity); !ok {
		return ValidationError{Field: file + ".identity", Value: t.Identity,
			Message: "must be one of: unknown, anonymous, registered, identified, professional"}
	}
	if _, err := time.ParseDuration(t.Duration); err != nil {
		return ValidationError{Field: file + ".duration", Value: t.Duration, Message: "unparseable duration"}
	}

	// An invalid counterparty silently becomes "no restriction".
	t.Counterparty = ValidateEthAddr(t.Counterparty)
	return nil
}

// ValidateEthAddr returns the address when it matches ^0x[a-fA-F0-9]{40}$
// and the empty string otherwise.
func ValidateEthAddr(addr string) string {
	if addr != "" && ethAddrPattern.MatchString(addr) {
		return addr
	}
	return ""
}

func loadYAMLMap(path string) (map[string]interface{}, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	var raw map[string]interface{}
	if err := yaml.Unmarshal([]byte(expandEnvVars(string(data))), &raw); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", filepath.Base(path), err)
	}
	return raw, nil
}

// expandEnvVars substitutes ${VAR} references before parsing so secrets can
// stay out of the config files.
func expandEnvVars(s string) string {
	return os.Expand(s, os.Getenv)
}

// requireKeys checks key presence on the raw map before decoding so the
// error can list every missing key at once.
func requireKeys(raw map[string]interface{}, keys []string, file string) error {
	var missed []string
	for _, key := range keys {
		if _, ok := raw[key]; !ok {
			missed = append(missed, key)
		}
	}
	if len(missed) > 0 {
		return ValidationError{
			Field:   file,
			Message: fmt.Sprintf("missed keys: '%s'", strings.Join(missed, "', '")),
		}
	}
	return nil
}

// decodeInto re-marshals the raw map into the typed struct. Going through
// bytes keeps the presence check and the decode on the same parsed document.
func decodeInto(raw map[string]interface{}, out interface{}) error {
	data, err := yaml.Marshal(raw)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(data, out)
}

// RenderTaskTemplate reads a task template from the config folder and
// substitutes the node tag, yielding the task manifest sent to task.start.
func RenderTaskTemplate(folder, file, nodeTag string) (map[string]interface{}, error) {
	tmpl, err := template.ParseFiles(filepath.Join(folder, file))
	if err != nil {
		return nil, fmt.Errorf("failed to read task template: %w", err)
	}
	var rendered bytes.Buffer
	if err := tmpl.Execute(&rendered, map[string]string{"node_tag": nodeTag}); err != nil {
		return nil, fmt.Errorf("failed to render task template %s: %w", file, err)
	}
	var task map[string]interface{}
	if err := yaml.Unmarshal(rendered.Bytes(), &task); err != nil {
		return nil, fmt.Errorf("failed to parse task template %s: %w", file, err)
	}
	return task, nil
}

// CreateDirs makes the output directories the fleet writes audit files to.
func CreateDirs(dirs ...string) error {
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}
	return nil
}
