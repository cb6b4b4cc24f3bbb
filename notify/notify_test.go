package notify

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sensorgrid/ruleengine/core"
	"github.com/sensorgrid/ruleengine/store"
)

type fakeStateStore struct {
	mu       sync.Mutex
	devices  map[string]*store.Device
	previous map[string]string
	prevErr  error
	inserted []insertedState
	insErr   error
	nextID   int64
}

type insertedState struct {
	deviceUUID, stateName, value, dataType string
	metadata                               map[string]interface{}
}

func newFakeStateStore() *fakeStateStore {
	return &fakeStateStore{
		devices:  map[string]*store.Device{"d-1": {UUID: "d-1", Name: "pump"}},
		previous: map[string]string{},
		nextID:   100,
	}
}

func (f *fakeStateStore) Device(ctx context.Context, uuid string) (*store.Device, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	d, ok := f.devices[uuid]
	if !ok {
		return nil, core.ErrDeviceNotFound
	}
	return d, nil
}

func (f *fakeStateStore) PreviousDeviceState(ctx context.Context, deviceUUID, stateName string) (string, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.prevErr != nil {
		return "", false, f.prevErr
	}
	v, ok := f.previous[deviceUUID+":"+stateName]
	return v, ok, nil
}

func (f *fakeStateStore) InsertDeviceState(ctx context.Context, deviceUUID, stateName, value, dataType string, at time.Time, metadata map[string]interface{}) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.insErr != nil {
		return 0, f.insErr
	}
	f.inserted = append(f.inserted, insertedState{deviceUUID, stateName, value, dataType, metadata})
	f.nextID++
	return f.nextID, nil
}

func testBridge(t *testing.T, st StateStore, cfg Config) (*Bridge, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	rc := core.NewRedisClientFromExisting(client, "test", nil)
	return New(rc, st, cfg), client
}

func TestApplyPersistsAndPublishes(t *testing.T) {
	st := newFakeStateStore()
	b, client := testBridge(t, st, Config{})
	ctx := context.Background()

	sub := client.Subscribe(ctx, StateChangeChannel)
	t.Cleanup(func() { sub.Close() })
	_, err := sub.Receive(ctx)
	require.NoError(t, err)

	err = b.Apply(ctx, 7, []core.ActionCommand{
		{DeviceUUID: "d-1", StateName: "fan", Value: "on"},
	})
	require.NoError(t, err)

	require.Len(t, st.inserted, 1)
	assert.Equal(t, insertedState{"d-1", "fan", "on", "string",
		map[string]interface{}{"ruleChainId": int64(7)}}, st.inserted[0])

	msg, err := sub.ReceiveTimeout(ctx, time.Second)
	require.NoError(t, err)
	payload, ok := msg.(*redis.Message)
	require.True(t, ok)

	var n Notification
	require.NoError(t, json.Unmarshal([]byte(payload.Payload), &n))
	assert.Equal(t, "d-1", n.DeviceUUID)
	assert.Equal(t, "pump", n.DeviceName)
	assert.Equal(t, int64(7), n.RuleChainID)
	assert.True(t, n.HighPriority, "first-ever value escalates")
}

func TestApplyChannelFailureIsolated(t *testing.T) {
	st := newFakeStateStore()
	st.previous["d-1:fan"] = "on"
	var delivered []string
	var mu sync.Mutex
	channels := map[string]ChannelFunc{
		ProtocolSocket: func(ctx context.Context, n Notification) error {
			return errors.New("socket gateway down")
		},
		ProtocolMQTT: func(ctx context.Context, n Notification) error {
			mu.Lock()
			defer mu.Unlock()
			delivered = append(delivered, ProtocolMQTT)
			return nil
		},
	}
	metrics := &notifyCounter{}
	b, _ := testBridge(t, st, Config{Channels: channels, Metrics: metrics})

	err := b.Apply(context.Background(), 7, []core.ActionCommand{
		{DeviceUUID: "d-1", StateName: "fan", Value: "off"},
	})
	require.NoError(t, err, "a channel failure must not fail the apply")
	assert.Equal(t, []string{ProtocolMQTT}, delivered)
	assert.Equal(t, 1, metrics.byResult["socket:error"])
	assert.Equal(t, 1, metrics.byResult["mqtt:success"])
}

func TestApplyPersistenceFailureFails(t *testing.T) {
	st := newFakeStateStore()
	st.insErr = errors.New("insert failed")
	b, _ := testBridge(t, st, Config{})

	err := b.Apply(context.Background(), 7, []core.ActionCommand{
		{DeviceUUID: "d-1", StateName: "fan", Value: "on"},
	})
	assert.Error(t, err, "an unpersisted state change must re-run with the job")
}

func TestApplyUnknownDevice(t *testing.T) {
	b, _ := testBridge(t, newFakeStateStore(), Config{})

	err := b.Apply(context.Background(), 7, []core.ActionCommand{
		{DeviceUUID: "nope", StateName: "fan", Value: "on"},
	})
	assert.ErrorIs(t, err, core.ErrDeviceNotFound)
}

func TestEscalationRules(t *testing.T) {
	normal := &store.Device{UUID: "d-1"}
	critical := &store.Device{UUID: "d-2", Critical: true}

	cases := []struct {
		name        string
		device      *store.Device
		stateName   string
		value       string
		dataType    string
		previous    string
		hasPrevious bool
		want        bool
	}{
		{"critical device always", critical, "fan", "on", "string", "on", true, true},
		{"alarm state name", normal, "ALARM", "1", "number", "1", true, true},
		{"first value", normal, "fan", "on", "string", "", false, true},
		{"boolean flip", normal, "active", "false", "boolean", "true", true, true},
		{"boolean steady", normal, "active", "true", "boolean", "true", true, false},
		{"numeric swing over 50 percent", normal, "rpm", "160", "number", "100", true, true},
		{"numeric small change", normal, "rpm", "110", "number", "100", true, false},
		{"numeric from zero", normal, "rpm", "10", "number", "0", true, true},
		{"string change", normal, "mode", "eco", "string", "boost", true, false},
	}
	for _, tc := range cases {
		got := classify(tc.device, tc.stateName, tc.value, tc.dataType, tc.previous, tc.hasPrevious)
		assert.Equal(t, tc.want, got, tc.name)
	}
}

func TestLowPrioritySkipsPersonChannels(t *testing.T) {
	st := newFakeStateStore()
	st.previous["d-1:mode"] = "eco"
	var mu sync.Mutex
	fired := map[string]int{}
	channels := map[string]ChannelFunc{}
	for _, p := range []string{ProtocolSocket, ProtocolMQTT, ProtocolCoAP, ProtocolEmail, ProtocolSMS} {
		protocol := p
		channels[protocol] = func(ctx context.Context, n Notification) error {
			mu.Lock()
			defer mu.Unlock()
			fired[protocol]++
			return nil
		}
	}
	b, _ := testBridge(t, st, Config{Channels: channels})

	require.NoError(t, b.Apply(context.Background(), 7, []core.ActionCommand{
		{DeviceUUID: "d-1", StateName: "mode", Value: "boost"},
	}))
	assert.Equal(t, 1, fired[ProtocolSocket])
	assert.Equal(t, 1, fired[ProtocolMQTT])
	assert.Equal(t, 1, fired[ProtocolCoAP])
	assert.Zero(t, fired[ProtocolEmail])
	assert.Zero(t, fired[ProtocolSMS])
}

func TestRenderValueTypes(t *testing.T) {
	cases := []struct {
		in       interface{}
		value    string
		dataType string
	}{
		{"on", "on", "string"},
		{true, "true", "boolean"},
		{21.5, "21.5", "number"},
		{int64(3), "3", "number"},
		{nil, "", "string"},
		{map[string]interface{}{"a": 1}, `{"a":1}`, "string"},
	}
	for _, tc := range cases {
		v, dt := renderValue(tc.in)
		assert.Equal(t, tc.value, v)
		assert.Equal(t, tc.dataType, dt)
	}
}

func TestCloseLeavesSharedRedisConnected(t *testing.T) {
	st := newFakeStateStore()
	b, client := testBridge(t, st, Config{})

	require.NoError(t, b.Close())
	assert.NoError(t, client.Ping(context.Background()).Err(),
		"closing the bridge must not disconnect the shared handle")
}

type notifyCounter struct {
	mu       sync.Mutex
	byResult map[string]int
}

func (m *notifyCounter) IncNotification(protocol, result string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.byResult == nil {
		m.byResult = make(map[string]int)
	}
	m.byResult[protocol+":"+result]++
}

func (m *notifyCounter) IncStateChange(actionType string) {}
