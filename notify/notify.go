// Package notify is the only component that applies committed rule actions:
// it persists the device state change, publishes it on the shared Redis
// pub/sub channel, and fans the notification out to the delivery protocols.
// The worker pool hands it action commands through core.ActionSink and never
// touches devices itself.
//
// The bridge borrows the process Redis handle in a publisher role. Closing
// the bridge stops its own work only; the shared connection belongs to the
// process owner.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/sensorgrid/ruleengine/core"
	"github.com/sensorgrid/ruleengine/store"
)

// StateChangeChannel is the pub/sub channel carrying every committed state
// change.
const StateChangeChannel = "notifications:device-state-change"

// Delivery protocols.
const (
	ProtocolSocket = "socket"
	ProtocolMQTT   = "mqtt"
	ProtocolCoAP   = "coap"
	ProtocolEmail  = "email"
	ProtocolSMS    = "sms"
)

// State names that always escalate to high priority.
var alertStateNames = map[string]struct{}{
	"error":     {},
	"fault":     {},
	"alarm":     {},
	"emergency": {},
	"critical":  {},
}

// StateStore is the persistence surface the bridge needs. *store.Store
// implements it.
type StateStore interface {
	Device(ctx context.Context, uuid string) (*store.Device, error)
	PreviousDeviceState(ctx context.Context, deviceUUID, stateName string) (string, bool, error)
	InsertDeviceState(ctx context.Context, deviceUUID, stateName, value, dataType string, at time.Time, metadata map[string]interface{}) (int64, error)
}

// Notification is the fan-out payload.
type Notification struct {
	StateInstanceID int64       `json:"stateInstanceId"`
	DeviceUUID      string      `json:"deviceUuid"`
	DeviceName      string      `json:"deviceName,omitempty"`
	StateName       string      `json:"stateName"`
	Value           interface{} `json:"value"`
	PreviousValue   *string     `json:"previousValue,omitempty"`
	RuleChainID     int64       `json:"ruleChainId"`
	HighPriority    bool        `json:"highPriority"`
	OccurredAt      time.Time   `json:"occurredAt"`
}

// ChannelFunc delivers one notification over one protocol.
type ChannelFunc func(ctx context.Context, n Notification) error

// Metrics is the bridge's observation hook.
type Metrics interface {
	IncNotification(protocol, result string)
	IncStateChange(actionType string)
}

// Config configures the bridge.
type Config struct {
	// Channels maps protocol names to delivery functions. Nil installs the
	// default Redis relay channels.
	Channels map[string]ChannelFunc

	Logger  core.Logger
	Metrics Metrics
}

// Bridge applies action commands. It implements core.ActionSink.
type Bridge struct {
	rc       *core.RedisClient
	store    StateStore
	channels map[string]ChannelFunc
	logger   core.Logger
	metrics  Metrics
}

var _ core.ActionSink = (*Bridge)(nil)

// New creates the bridge over the shared Redis handle.
func New(rc *core.RedisClient, st StateStore, config Config) *Bridge {
	if config.Logger == nil {
		config.Logger = &core.NoOpLogger{}
	}
	b := &Bridge{
		rc:      rc,
		store:   st,
		logger:  config.Logger,
		metrics: config.Metrics,
	}
	if config.Channels != nil {
		b.channels = config.Channels
	} else {
		b.channels = b.defaultChannels()
	}
	return b
}

// defaultChannels relay each protocol onto its own Redis channel, where the
// protocol gateways consume them.
func (b *Bridge) defaultChannels() map[string]ChannelFunc {
	relay := func(protocol string) ChannelFunc {
		channel := "notify:" + protocol
		return func(ctx context.Context, n Notification) error {
			data, err := json.Marshal(n)
			if err != nil {
				return err
			}
			return b.rc.Client().Publish(ctx, channel, data).Err()
		}
	}
	return map[string]ChannelFunc{
		ProtocolSocket: relay(ProtocolSocket),
		ProtocolMQTT:   relay(ProtocolMQTT),
		ProtocolCoAP:   relay(ProtocolCoAP),
		ProtocolEmail:  relay(ProtocolEmail),
		ProtocolSMS:    relay(ProtocolSMS),
	}
}

// Apply persists and fans out every action of one chain execution. A
// delivery failure on one channel never blocks the others or the remaining
// actions; only a persistence failure fails the call, since an unpersisted
// state change must re-run with the job.
func (b *Bridge) Apply(ctx context.Context, ruleChainID int64, actions []core.ActionCommand) error {
	for _, action := range actions {
		if err := b.applyOne(ctx, ruleChainID, action); err != nil {
			return err
		}
	}
	return nil
}

func (b *Bridge) applyOne(ctx context.Context, ruleChainID int64, action core.ActionCommand) error {
	if action.DeviceUUID == "" || action.StateName == "" {
		return fmt.Errorf("action needs device and state name: %w", core.ErrInvalidArgument)
	}

	device, err := b.store.Device(ctx, action.DeviceUUID)
	if err != nil {
		return fmt.Errorf("resolving action target: %w", err)
	}

	previous, hasPrevious, err := b.store.PreviousDeviceState(ctx, action.DeviceUUID, action.StateName)
	if err != nil {
		// Priority classification degrades without history.
		b.logger.Warn("Previous state unavailable", map[string]interface{}{
			"operation":   "notify_apply",
			"device_uuid": action.DeviceUUID,
			"state_name":  action.StateName,
			"error":       err.Error(),
		})
		hasPrevious = false
	}

	value, dataType := renderValue(action.Value)
	now := time.Now()
	stateID, err := b.store.InsertDeviceState(ctx, action.DeviceUUID, action.StateName, value, dataType, now,
		map[string]interface{}{"ruleChainId": ruleChainID})
	if err != nil {
		return fmt.Errorf("persisting state change: %w", err)
	}
	if b.metrics != nil {
		b.metrics.IncStateChange(dataType)
	}

	n := Notification{
		StateInstanceID: stateID,
		DeviceUUID:      action.DeviceUUID,
		DeviceName:      device.Name,
		StateName:       action.StateName,
		Value:           action.Value,
		RuleChainID:     ruleChainID,
		OccurredAt:      now,
	}
	if hasPrevious {
		n.PreviousValue = &previous
	}
	n.HighPriority = classify(device, action.StateName, value, dataType, previous, hasPrevious)

	b.publish(ctx, n)
	b.fanOut(ctx, n)
	return nil
}

// publish broadcasts the committed change on the shared state channel.
// Pub/sub is fire-and-forget; the persisted row is the record.
func (b *Bridge) publish(ctx context.Context, n Notification) {
	data, err := json.Marshal(n)
	if err != nil {
		return
	}
	if err := b.rc.Client().Publish(ctx, StateChangeChannel, data).Err(); err != nil {
		b.logger.Warn("State change publish failed", map[string]interface{}{
			"operation":   "notify_publish",
			"device_uuid": n.DeviceUUID,
			"error":       err.Error(),
		})
	}
}

// fanOut delivers over every applicable protocol. Device-facing protocols
// always fire; person-facing protocols only escalate high-priority changes.
func (b *Bridge) fanOut(ctx context.Context, n Notification) {
	for protocol, deliver := range b.channels {
		if !n.HighPriority && (protocol == ProtocolEmail || protocol == ProtocolSMS) {
			continue
		}
		result := "success"
		if err := deliver(ctx, n); err != nil {
			result = "error"
			b.logger.Warn("Notification delivery failed", map[string]interface{}{
				"operation":   "notify_fanout",
				"protocol":    protocol,
				"device_uuid": n.DeviceUUID,
				"error":       err.Error(),
			})
		}
		if b.metrics != nil {
			b.metrics.IncNotification(protocol, result)
		}
	}
}

// classify decides whether a state change is high priority: critical
// devices, alerting state names, first-ever values, boolean flips, and
// numeric swings over 50 percent all escalate.
func classify(device *store.Device, stateName, value, dataType, previous string, hasPrevious bool) bool {
	if device.Critical {
		return true
	}
	if _, alerting := alertStateNames[strings.ToLower(stateName)]; alerting {
		return true
	}
	if !hasPrevious {
		return true
	}
	switch dataType {
	case "boolean":
		return value != previous
	case "number":
		newVal, err1 := strconv.ParseFloat(value, 64)
		oldVal, err2 := strconv.ParseFloat(previous, 64)
		if err1 != nil || err2 != nil {
			return false
		}
		if oldVal == 0 {
			return newVal != 0
		}
		return math.Abs(newVal-oldVal)/math.Abs(oldVal) > 0.5
	default:
		return false
	}
}

// renderValue serializes an action value for persistence, classifying its
// data type.
func renderValue(v interface{}) (string, string) {
	switch val := v.(type) {
	case nil:
		return "", "string"
	case bool:
		return strconv.FormatBool(val), "boolean"
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64), "number"
	case float32:
		return strconv.FormatFloat(float64(val), 'f', -1, 64), "number"
	case int:
		return strconv.Itoa(val), "number"
	case int64:
		return strconv.FormatInt(val, 10), "number"
	case json.Number:
		return val.String(), "number"
	case string:
		return val, "string"
	default:
		data, err := json.Marshal(val)
		if err != nil {
			return fmt.Sprintf("%v", val), "string"
		}
		return string(data), "string"
	}
}

// Close stops the bridge's own resources. The shared Redis handle stays
// connected; the process owner closes it at shutdown.
func (b *Bridge) Close() error {
	b.logger.Debug("Notification bridge closed", map[string]interface{}{
		"operation": "notify_close",
	})
	return nil
}
