package notify

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/fleet-dispatch/internal/models"
)

type recordedBroadcast struct {
	topics  []string
	payload BroadcastPayload
}

type fakeBroadcaster struct {
	mu    sync.Mutex
	calls []recordedBroadcast
	fail  map[string]bool // recipient public id -> fail
}

func (f *fakeBroadcaster) Broadcast(_ context.Context, topics []string, payload []byte) error {
	var p BroadcastPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail[p.Recipient] {
		return errors.New("broadcast down")
	}
	f.calls = append(f.calls, recordedBroadcast{topics: topics, payload: p})
	return nil
}

type fakePusher struct {
	name  string
	mu    sync.Mutex
	sent  map[string]PushMessage
	fail  map[string]bool
	panic map[string]bool
}

func newFakePusher(name string) *fakePusher {
	return &fakePusher{name: name, sent: map[string]PushMessage{}, fail: map[string]bool{}, panic: map[string]bool{}}
}

func (f *fakePusher) Name() string { return f.name }

func (f *fakePusher) Push(_ context.Context, d models.Driver, msg PushMessage) error {
	if f.panic[d.UUID] {
		panic("device exploded")
	}
	if d.FCMToken == "" {
		return ErrNoAddress
	}
	if f.fail[d.UUID] {
		return errors.New("push down")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent[d.UUID] = msg
	return nil
}

type failingSerializer struct{}

func (failingSerializer) Serialize(models.OrderSnapshot) (map[string]any, error) {
	return nil, errors.New("cannot render")
}

func snapshot() models.OrderSnapshot {
	return models.OrderSnapshot{
		UUID:            "o-uuid",
		PublicID:        "order_1",
		CompanyUUID:     "c-uuid",
		CompanyPublicID: "company_1",
		Adhoc:           true,
		Pickup:          &models.Point{Lat: 1, Lon: 1},
	}
}

func recipient(uuid string, distance float64) Recipient {
	d := distance
	return Recipient{
		Driver:   models.Driver{UUID: uuid, PublicID: "driver_" + uuid, FCMToken: "tok-" + uuid},
		Distance: &d,
	}
}

func newFanout(b Broadcaster, pushers ...Pusher) *Fanout {
	return &Fanout{
		Broadcaster: b,
		Pushers:     pushers,
		APIVersion:  "v1",
		Concurrency: 4,
		Now:         func() time.Time { return time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC) },
		Logger:      zerolog.Nop(),
	}
}

func TestPingCarriesEachDriversDistance(t *testing.T) {
	b := &fakeBroadcaster{}
	fcm := newFakePusher("fcm")
	f := newFanout(b, fcm)
	tenant := models.Tenant{CompanyUUID: "c-uuid", CompanyPublicID: "company_1", APICredential: "cred"}

	report, err := f.Notify(context.Background(), snapshot(), []Recipient{recipient("a", 500), recipient("b", 2500)}, Ping, tenant)
	require.NoError(t, err)
	require.Len(t, report.Results, 2)
	assert.Equal(t, 2, report.Delivered())
	assert.Equal(t, 0, report.Failed())
	assert.True(t, strings.HasPrefix(report.EventID, "event_"))

	require.Len(t, b.calls, 2)
	sort.Slice(b.calls, func(i, j int) bool { return b.calls[i].payload.Recipient < b.calls[j].payload.Recipient })
	for _, c := range b.calls {
		assert.Equal(t, []string{"company.c-uuid", "company.company_1", "api.cred", "order.o-uuid", "order.order_1"}, c.topics)
		assert.Equal(t, "order.ping", c.payload.Event)
		assert.Equal(t, "v1", c.payload.APIVersion)
		assert.Equal(t, "2024-05-01T10:00:00Z", c.payload.CreatedAt)
		assert.Equal(t, report.EventID, c.payload.ID)
		assert.Equal(t, "order_1", c.payload.Data["id"])
		assert.Equal(t, "company_1", c.payload.Data["company"])
	}
	require.NotNil(t, b.calls[0].payload.Distance)
	assert.Equal(t, 500.0, *b.calls[0].payload.Distance)
	assert.Equal(t, 2500.0, *b.calls[1].payload.Distance)

	assert.Equal(t, "New order available for pickup about 500 meters away", fcm.sent["a"].Body)
	assert.Equal(t, "New order available for pickup about 2.5 kilometers away", fcm.sent["b"].Body)
	assert.Equal(t, "New incoming order!", fcm.sent["a"].Title)
	assert.Equal(t, map[string]string{"id": "order_1", "type": "order_ping"}, fcm.sent["a"].Data)
}

func TestRecipientFailuresAreIsolated(t *testing.T) {
	b := &fakeBroadcaster{fail: map[string]bool{"driver_bad": true}}
	fcm := newFakePusher("fcm")
	fcm.fail["bad"] = true
	fcm.panic["boom"] = true
	f := newFanout(b, fcm)

	recipients := []Recipient{recipient("good", 100), recipient("bad", 200), recipient("boom", 300)}
	report, err := f.Notify(context.Background(), snapshot(), recipients, Ping, models.Tenant{})
	require.NoError(t, err)

	byDriver := map[string]Result{}
	for _, r := range report.Results {
		byDriver[r.DriverUUID] = r
	}
	assert.True(t, byDriver["good"].OK())
	assert.True(t, byDriver["good"].Delivered())
	assert.False(t, byDriver["bad"].OK())
	assert.False(t, byDriver["bad"].Delivered())
	assert.False(t, byDriver["boom"].OK())
	// the broadcast for the panicking driver still went out
	assert.True(t, byDriver["boom"].Delivered())
	assert.Equal(t, 2, report.Failed())
	assert.Contains(t, fcm.sent, "good")
}

func TestMissingTokenIsSkippedNotFailed(t *testing.T) {
	fcm := newFakePusher("fcm")
	f := newFanout(nil, fcm)
	r := recipient("a", 10)
	r.Driver.FCMToken = ""

	report, err := f.Notify(context.Background(), snapshot(), []Recipient{r}, Ping, models.Tenant{})
	require.NoError(t, err)
	require.Len(t, report.Results[0].Channels, 1)
	assert.Equal(t, Skipped, report.Results[0].Channels[0].Status)
	assert.True(t, report.Results[0].OK())
	assert.False(t, report.Results[0].Delivered())
}

func TestAssignedMode(t *testing.T) {
	b := &fakeBroadcaster{}
	fcm := newFakePusher("fcm")
	f := newFanout(b, fcm)
	r := Recipient{Driver: models.Driver{UUID: "a", PublicID: "driver_a", FCMToken: "tok"}}

	report, err := f.Notify(context.Background(), snapshot(), []Recipient{r}, Assigned, models.Tenant{CompanyUUID: "c-uuid"})
	require.NoError(t, err)
	assert.Equal(t, 1, report.Delivered())
	require.Len(t, b.calls, 1)
	assert.Equal(t, "order.assigned", b.calls[0].payload.Event)
	assert.Nil(t, b.calls[0].payload.Distance)
	assert.Equal(t, "Order order_1 has been dispatched!", fcm.sent["a"].Title)
	assert.Equal(t, "order_dispatched", fcm.sent["a"].Data["type"])
}

func TestSerializerFailureIsBatchLevel(t *testing.T) {
	f := newFanout(&fakeBroadcaster{})
	f.Serializer = failingSerializer{}
	_, err := f.Notify(context.Background(), snapshot(), []Recipient{recipient("a", 1)}, Assigned, models.Tenant{})
	assert.Error(t, err)
}

func TestNoRecipients(t *testing.T) {
	f := newFanout(&fakeBroadcaster{})
	f.Serializer = failingSerializer{}
	report, err := f.Notify(context.Background(), snapshot(), nil, Ping, models.Tenant{})
	require.NoError(t, err)
	assert.Empty(t, report.Results)
}

func TestTopicsSkipEmptyKeys(t *testing.T) {
	o := models.OrderSnapshot{UUID: "o", CompanyUUID: "c"}
	assert.Equal(t, []string{"company.c", "order.o"}, Topics(o, models.Tenant{}))
}

func TestGenericPingBodyWithoutDistance(t *testing.T) {
	msg := BuildPush(snapshot(), Ping, nil)
	assert.Equal(t, "New order is available for pickup.", msg.Body)
	assert.Equal(t, 1, msg.Badge)
	assert.Equal(t, "view_order", msg.Action)
	assert.Equal(t, map[string]string{"id": "order_1"}, msg.ActionArgs)
}
