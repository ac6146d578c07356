package sensors

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"golang.org/x/time/rate"

	"github.com/luigilabs/luigid/internal/config"
	"github.com/luigilabs/luigid/internal/sysinfo"
)

// Topic layout follows the Home Assistant MQTT conventions: a retained
// discovery config per sensor, a shared state topic carrying one JSON
// document, and an availability topic flipped on connect/disconnect.
const (
	availabilityTopicFmt = "luigi/%s/availability"
	stateTopicFmt        = "luigi/%s/state"
	discoveryTopicFmt    = "homeassistant/sensor/%s_%s/config"
)

// Client is the subset of the paho client the bridge needs, so tests can
// substitute a fake without a broker.
type Client interface {
	Connect() mqtt.Token
	Disconnect(quiesce uint)
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
	IsConnected() bool
}

// pahoClient wraps the real paho client.
type pahoClient struct {
	client mqtt.Client
}

func (p *pahoClient) Connect() mqtt.Token       { return p.client.Connect() }
func (p *pahoClient) Disconnect(quiesce uint)   { p.client.Disconnect(quiesce) }
func (p *pahoClient) IsConnected() bool         { return p.client.IsConnected() }
func (p *pahoClient) Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token {
	return p.client.Publish(topic, qos, retained, payload)
}

// hostSensor describes one metric published for this host.
type hostSensor struct {
	ID          string
	Name        string
	Unit        string
	DeviceClass string
	Value       func(m sysinfo.Metrics) float64
}

var hostSensors = []hostSensor{
	{ID: "cpu_temperature", Name: "CPU Temperature", Unit: "°C", DeviceClass: "temperature",
		Value: func(m sysinfo.Metrics) float64 { return m.CPUTempC }},
	{ID: "memory_used", Name: "Memory Used", Unit: "%",
		Value: func(m sysinfo.Metrics) float64 { return m.MemoryUsedPercent }},
	{ID: "disk_used", Name: "Disk Used", Unit: "%",
		Value: func(m sysinfo.Metrics) float64 { return m.DiskUsedPercent }},
	{ID: "uptime", Name: "Uptime", Unit: "h",
		Value: func(m sysinfo.Metrics) float64 { return m.UptimeHours }},
	{ID: "load_1m", Name: "Load Average (1m)",
		Value: func(m sysinfo.Metrics) float64 { return m.Load1 }},
}

// Bridge publishes host metrics over MQTT and records them in the store.
type Bridge struct {
	client    Client
	collector *sysinfo.Collector
	store     *Store
	limiter   *rate.Limiter
	hostname  string
	interval  time.Duration
	logger    *slog.Logger
}

// NewBridge wires the bridge over an existing client. client may be nil, in
// which case a real paho client is built from cfg.
func NewBridge(cfg config.MQTTConfig, client Client, collector *sysinfo.Collector, store *Store, hostname string, interval time.Duration, logger *slog.Logger) *Bridge {
	if client == nil {
		opts := mqtt.NewClientOptions()
		opts.AddBroker(fmt.Sprintf("tcp://%s:%d", cfg.Broker, cfg.Port))
		opts.SetClientID(cfg.ClientID)
		if cfg.Username != "" {
			opts.SetUsername(cfg.Username)
			opts.SetPassword(cfg.Password)
		}
		opts.SetKeepAlive(30 * time.Second)
		opts.SetCleanSession(true)
		opts.SetAutoReconnect(true)
		opts.SetMaxReconnectInterval(30 * time.Second)
		opts.SetWill(fmt.Sprintf(availabilityTopicFmt, hostname), "offline", 1, true)
		opts.SetConnectionLostHandler(func(c mqtt.Client, err error) {
			logger.Warn("mqtt connection lost", "error", err)
		})
		client = &pahoClient{client: mqtt.NewClient(opts)}
	}
	if interval <= 0 {
		interval = time.Minute
	}
	return &Bridge{
		client:    client,
		collector: collector,
		store:     store,
		// Publishing is throttled independently of the tick interval so a
		// misconfigured schedule cannot flood the broker.
		limiter:  rate.NewLimiter(rate.Every(5*time.Second), 2),
		hostname: hostname,
		interval: interval,
		logger:   logger.With("component", "sensors"),
	}
}

// Start connects, announces availability and discovery, then publishes on
// the configured interval until ctx is done.
func (b *Bridge) Start(ctx context.Context) error {
	if token := b.client.Connect(); token.Wait() && token.Error() != nil {
		return fmt.Errorf("mqtt connect: %w", token.Error())
	}
	b.logger.Info("mqtt bridge connected", "hostname", b.hostname)

	b.publishDiscovery()
	b.publishRaw(fmt.Sprintf(availabilityTopicFmt, b.hostname), "online", true)

	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()

	b.PublishMetrics(ctx)
	for {
		select {
		case <-ctx.Done():
			b.publishRaw(fmt.Sprintf(availabilityTopicFmt, b.hostname), "offline", true)
			b.client.Disconnect(250)
			b.logger.Info("mqtt bridge stopped")
			return nil
		case <-ticker.C:
			b.PublishMetrics(ctx)
		}
	}
}

// PublishMetrics collects one snapshot, persists it, and publishes the state
// document. Throttled; an early extra call is skipped, not queued.
func (b *Bridge) PublishMetrics(ctx context.Context) {
	if !b.limiter.Allow() {
		b.logger.Debug("publish throttled")
		return
	}

	m := b.collector.Collect()

	if b.store != nil {
		for _, s := range hostSensors {
			err := b.store.Insert(Reading{
				SensorID:   s.ID,
				Value:      s.Value(m),
				Unit:       s.Unit,
				RecordedAt: m.CollectedAt,
			})
			if err != nil {
				b.logger.Warn("failed to store reading", "sensor", s.ID, "error", err)
			}
		}
	}

	state := make(map[string]any, len(hostSensors))
	for _, s := range hostSensors {
		state[s.ID] = s.Value(m)
	}
	payload, err := json.Marshal(state)
	if err != nil {
		b.logger.Error("failed to marshal state", "error", err)
		return
	}
	b.publishRaw(fmt.Sprintf(stateTopicFmt, b.hostname), payload, false)
}

// publishDiscovery announces every host sensor to Home Assistant. Discovery
// payloads are retained so a restarted broker re-learns them.
func (b *Bridge) publishDiscovery() {
	for _, s := range hostSensors {
		cfg := map[string]any{
			"name":                s.Name,
			"unique_id":           fmt.Sprintf("%s_%s", b.hostname, s.ID),
			"state_topic":         fmt.Sprintf(stateTopicFmt, b.hostname),
			"availability_topic":  fmt.Sprintf(availabilityTopicFmt, b.hostname),
			"value_template":      fmt.Sprintf("{{ value_json.%s }}", s.ID),
			"device": map[string]any{
				"identifiers": []string{b.hostname},
				"name":        b.hostname,
				"model":       "Luigi Host",
			},
		}
		if s.Unit != "" {
			cfg["unit_of_measurement"] = s.Unit
		}
		if s.DeviceClass != "" {
			cfg["device_class"] = s.DeviceClass
		}
		payload, err := json.Marshal(cfg)
		if err != nil {
			b.logger.Error("failed to marshal discovery config", "sensor", s.ID, "error", err)
			continue
		}
		b.publishRaw(fmt.Sprintf(discoveryTopicFmt, b.hostname, s.ID), payload, true)
	}
}

func (b *Bridge) publishRaw(topic string, payload interface{}, retained bool) {
	token := b.client.Publish(topic, 1, retained, payload)
	if token.Wait() && token.Error() != nil {
		b.logger.Warn("mqtt publish failed", "topic", topic, "error", token.Error())
	}
}
