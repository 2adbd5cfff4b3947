package events

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	mu     sync.Mutex
	events []Event
	err    error
}

func (r *recorder) Publish(_ context.Context, e Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return r.err
}

func TestMulti_FansOutDespiteFailures(t *testing.T) {
	failing := &recorder{err: errors.New("broker down")}
	ok := &recorder{}
	m := NewMulti(time.Second, failing, ok)

	err := m.Publish(context.Background(), New(OTPSent, time.Now()))
	assert.Error(t, err)
	assert.Len(t, failing.events, 1)
	assert.Len(t, ok.events, 1)
	assert.Equal(t, 2, m.Len())
}

func TestEvent_WithCopiesAttributes(t *testing.T) {
	base := New(OTPVerified, time.Now()).With("a", "1")
	derived := base.With("b", "2")
	assert.Len(t, base.Attributes, 1)
	assert.Len(t, derived.Attributes, 2)
	assert.Equal(t, "otp", base.Domain())
	assert.Equal(t, "credit", New(CreditBalanceUpdated, time.Now()).Domain())
}

type fakeProducer struct {
	topic   string
	key     string
	value   []byte
	headers map[string]string
}

func (f *fakeProducer) ProduceMessage(_ context.Context, topic string, key, value []byte, headers map[string]string) error {
	f.topic, f.key, f.value, f.headers = topic, string(key), value, headers
	return nil
}

func TestKafkaSink_RoutesByDomain(t *testing.T) {
	p := &fakeProducer{}
	sink := NewKafkaSink(p, "smsup.otp", "smsup.credit")

	e := New(OTPSent, time.Now())
	e.SessionID = "s-1"
	require.NoError(t, sink.Publish(context.Background(), e))
	assert.Equal(t, "smsup.otp", p.topic)
	assert.Equal(t, "s-1", p.key)
	assert.Equal(t, OTPSent, p.headers["event-type"])

	c := New(CreditBalanceUpdated, time.Now()).With("balance", "10")
	c.UserID = "u-1"
	require.NoError(t, sink.Publish(context.Background(), c))
	assert.Equal(t, "smsup.credit", p.topic)
	assert.Equal(t, "u-1", p.key)

	var decoded Event
	require.NoError(t, json.Unmarshal(p.value, &decoded))
	assert.Equal(t, "10", decoded.Attributes["balance"])
}

type fakeIndexer struct{ index, id string }

func (f *fakeIndexer) IndexDocument(_ context.Context, index, id string, _ interface{}) error {
	f.index, f.id = index, id
	return nil
}

func TestAuditSink(t *testing.T) {
	idx := &fakeIndexer{}
	e := New(OTPBlocked, time.Now())
	require.NoError(t, NewAuditSink(idx, "smsup-audit").Publish(context.Background(), e))
	assert.Equal(t, "smsup-audit", idx.index)
	assert.Equal(t, e.ID, idx.id)
}

type fakeExec struct {
	queries []string
	args    [][]interface{}
}

func (f *fakeExec) Exec(_ context.Context, q string, args ...interface{}) error {
	f.queries = append(f.queries, q)
	f.args = append(f.args, args)
	return nil
}

func TestAnalyticsSink(t *testing.T) {
	db := &fakeExec{}
	sink := NewAnalyticsSink(db, func(string) int { return 3 })
	require.NoError(t, sink.EnsureTable(context.Background()))

	e := New(OTPSent, time.Now())
	e.SessionID = "s"
	e.PhoneBucket = 7
	require.NoError(t, sink.Publish(context.Background(), e))

	require.Len(t, db.args, 2)
	args := db.args[1]
	assert.Equal(t, e.ID, args[0])
	assert.Equal(t, uint16(7), args[6])
	assert.Equal(t, uint16(3), args[7])
	assert.Equal(t, map[string]string{}, args[8])
}
