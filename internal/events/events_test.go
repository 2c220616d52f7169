package events

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/cuongbtq/hv-orchestrator/internal/domain"
	"github.com/cuongbtq/hv-orchestrator/internal/envelope"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingSink struct {
	mu     sync.Mutex
	events []Event
	err    error
	block  chan struct{}
}

func (s *recordingSink) Name() string { return "recording" }

func (s *recordingSink) Handle(ctx context.Context, ev Event) error {
	if s.block != nil {
		<-s.block
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
	return s.err
}

func (s *recordingSink) received() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Event(nil), s.events...)
}

type fakePublisher struct {
	key         string
	body        []byte
	contentType string
	err         error
}

func (p *fakePublisher) PublishWithRetry(ctx context.Context, routingKey string, body []byte, contentType string) error {
	p.key = routingKey
	p.body = body
	p.contentType = contentType
	return p.err
}

type fakeStore struct {
	execs   []string
	rows    []InventoryRow
	selects []interface{}
	err     error
}

func (s *fakeStore) ExecContext(ctx context.Context, query string, args ...interface{}) error {
	s.execs = append(s.execs, query)
	return s.err
}

func (s *fakeStore) SelectContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error {
	s.selects = append(s.selects, args...)
	if s.err != nil {
		return s.err
	}
	out := dest.(*[]InventoryRow)
	for _, r := range s.rows {
		if r.Host == args[0] && !r.Deleted {
			*out = append(*out, r)
		}
	}
	return nil
}

func (s *fakeStore) NamedExecContext(ctx context.Context, query string, arg interface{}) error {
	if s.err != nil {
		return s.err
	}
	s.rows = append(s.rows, arg.(InventoryRow))
	return nil
}

func TestFromSnapshot_SingleStep(t *testing.T) {
	now := time.Now()
	snap := domain.Snapshot{
		ID:            "job-1",
		Type:          domain.JobTypeCreateDisk,
		Status:        domain.JobStatusSucceeded,
		TargetHost:    "hv01",
		CorrelationID: "c-1",
		ResourceSpec:  map[string]any{"vm_id": "vm-1", "disk_size_gb": 40},
		Result:        &envelope.Result{Status: envelope.StatusSuccess, Data: map[string]any{"disk_id": "disk-9"}},
	}

	ev := FromSnapshot(snap, now)

	assert.Equal(t, "job-1", ev.JobID)
	assert.Equal(t, domain.JobTypeCreateDisk, ev.Type)
	assert.Equal(t, []string{"disk-9", "vm-1"}, ev.AffectedResourceIDs)
	assert.Equal(t, now, ev.OccurredAt)
}

func TestFromSnapshot_Composite(t *testing.T) {
	snap := domain.Snapshot{
		ID:     "job-2",
		Type:   domain.JobTypeManagedDeployment,
		Status: domain.JobStatusPartial,
		Steps: []domain.Step{
			{Name: "create_vm", JobType: domain.JobTypeCreateVM, State: domain.StepSucceeded, ResourceID: "vm-1"},
			{Name: "create_disk", JobType: domain.JobTypeCreateDisk, State: domain.StepFailed},
			{Name: "create_nic", JobType: domain.JobTypeCreateNIC, State: domain.StepNotAttempted},
		},
		Result: &envelope.Result{Status: envelope.StatusPartial, Code: envelope.CodePartialFailure, Message: "create_disk failed"},
	}

	ev := FromSnapshot(snap, time.Now())

	assert.Equal(t, []string{"vm-1"}, ev.AffectedResourceIDs)
	assert.Equal(t, []domain.ResourceRef{{Kind: domain.KindVM, ID: "vm-1"}}, ev.Resources)
	assert.Equal(t, envelope.CodePartialFailure, ev.Code)
}

func TestFromSnapshot_NoResources(t *testing.T) {
	ev := FromSnapshot(domain.Snapshot{ID: "job-3", Type: domain.JobTypeNoopTest}, time.Now())

	require.NotNil(t, ev.AffectedResourceIDs)
	assert.Empty(t, ev.AffectedResourceIDs)

	body, err := json.Marshal(ev)
	require.NoError(t, err)
	assert.Contains(t, string(body), `"affected_resource_ids":[]`)
}

func TestBus_DeliversInOrder(t *testing.T) {
	first := &recordingSink{}
	second := &recordingSink{err: errors.New("sink down")}
	bus := NewBus(16, time.Second, nil, first, second)
	bus.Start()

	for _, id := range []string{"a", "b", "c"} {
		bus.Publish(Event{JobID: id})
	}
	require.NoError(t, bus.Close(context.Background()))

	for _, sink := range []*recordingSink{first, second} {
		got := sink.received()
		require.Len(t, got, 3)
		assert.Equal(t, "a", got[0].JobID)
		assert.Equal(t, "c", got[2].JobID)
	}
}

func TestBus_PublishNeverBlocks(t *testing.T) {
	sink := &recordingSink{block: make(chan struct{})}
	bus := NewBus(1, time.Second, nil, sink)
	bus.Start()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			bus.Publish(Event{JobID: "x"})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked on a slow sink")
	}
	assert.Greater(t, bus.Dropped(), int64(0))

	close(sink.block)
	require.NoError(t, bus.Close(context.Background()))
}

func TestBus_PublishAfterClose(t *testing.T) {
	sink := &recordingSink{}
	bus := NewBus(4, time.Second, nil, sink)
	bus.Start()
	require.NoError(t, bus.Close(context.Background()))

	assert.NotPanics(t, func() { bus.Publish(Event{JobID: "late"}) })
	assert.Empty(t, sink.received())
}

func TestBus_CloseWithoutStart(t *testing.T) {
	bus := NewBus(4, time.Second, nil)
	assert.NoError(t, bus.Close(context.Background()))
}

func TestAMQPSink_Handle(t *testing.T) {
	pub := &fakePublisher{}
	sink := NewAMQPSink(pub, "orchestrator.")

	err := sink.Handle(context.Background(), Event{
		JobID:               "job-1",
		Type:                domain.JobTypeCreateVM,
		Status:              domain.JobStatusSucceeded,
		AffectedResourceIDs: []string{"vm-1"},
	})
	require.NoError(t, err)

	assert.Equal(t, "orchestrator.create_vm.succeeded", pub.key)
	assert.Equal(t, "application/json", pub.contentType)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(pub.body, &decoded))
	assert.Equal(t, "job-1", decoded["job_id"])
	assert.Equal(t, []any{"vm-1"}, decoded["affected_resource_ids"])
}

func TestAMQPSink_PublishError(t *testing.T) {
	sink := NewAMQPSink(&fakePublisher{err: errors.New("channel closed")}, "")

	err := sink.Handle(context.Background(), Event{JobID: "job-1", Type: domain.JobTypeNoopTest})

	require.Error(t, err)
	assert.Contains(t, err.Error(), "job-1")
}

func TestInventoryRows(t *testing.T) {
	now := time.Now()
	tests := []struct {
		name        string
		ev          Event
		wantLen     int
		wantDeleted bool
	}{
		{
			name: "created vm",
			ev: Event{JobID: "j1", Type: domain.JobTypeCreateVM, Status: domain.JobStatusSucceeded, TargetHost: "hv01",
				Resources: []domain.ResourceRef{{Kind: domain.KindVM, ID: "vm-1"}}, OccurredAt: now},
			wantLen: 1,
		},
		{
			name: "deleted disk",
			ev: Event{JobID: "j2", Type: domain.JobTypeDeleteDisk, Status: domain.JobStatusSucceeded, TargetHost: "hv01",
				Resources: []domain.ResourceRef{{Kind: domain.KindDisk, ID: "d-1"}}, OccurredAt: now},
			wantLen:     1,
			wantDeleted: true,
		},
		{
			name: "failed job leaves mirror alone",
			ev: Event{JobID: "j3", Type: domain.JobTypeCreateVM, Status: domain.JobStatusFailed,
				Resources: []domain.ResourceRef{{Kind: domain.KindVM, ID: "vm-1"}}},
			wantLen: 0,
		},
		{
			name: "generic resources are not mirrored",
			ev: Event{JobID: "j4", Type: domain.JobTypeNoopTest, Status: domain.JobStatusSucceeded,
				Resources: []domain.ResourceRef{{Kind: domain.KindResource, ID: "r-1"}}},
			wantLen: 0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rows := InventoryRows(tt.ev)
			require.Len(t, rows, tt.wantLen)
			if tt.wantLen > 0 {
				assert.Equal(t, tt.wantDeleted, rows[0].Deleted)
				assert.Equal(t, tt.ev.JobID, rows[0].LastJobID)
				assert.Equal(t, tt.ev.TargetHost, rows[0].Host)
			}
		})
	}
}

func TestInventorySink(t *testing.T) {
	store := &fakeStore{}
	sink := NewInventorySink(store)

	require.NoError(t, sink.EnsureSchema(context.Background()))
	require.Len(t, store.execs, 1)
	assert.Contains(t, store.execs[0], "CREATE TABLE IF NOT EXISTS inventory_resources")

	err := sink.Handle(context.Background(), Event{
		JobID:      "j1",
		Type:       domain.JobTypeManagedDeployment,
		Status:     domain.JobStatusPartial,
		TargetHost: "hv01",
		Resources:  []domain.ResourceRef{{Kind: domain.KindVM, ID: "vm-1"}, {Kind: domain.KindDisk, ID: "d-1"}},
	})
	require.NoError(t, err)
	require.Len(t, store.rows, 2)
	assert.Equal(t, "d-1", store.rows[1].ResourceID)
	assert.False(t, store.rows[1].Deleted)

	store.err = errors.New("connection reset")
	err = sink.Handle(context.Background(), Event{
		JobID: "j2", Type: domain.JobTypeCreateVM, Status: domain.JobStatusSucceeded,
		Resources: []domain.ResourceRef{{Kind: domain.KindVM, ID: "vm-2"}},
	})
	assert.Error(t, err)
}

func TestInventorySink_List(t *testing.T) {
	store := &fakeStore{rows: []InventoryRow{
		{Host: "hv01", Kind: domain.KindVM, ResourceID: "vm-1"},
		{Host: "hv01", Kind: domain.KindVM, ResourceID: "vm-2", Deleted: true},
		{Host: "hv02", Kind: domain.KindVM, ResourceID: "vm-3"},
	}}
	sink := NewInventorySink(store)

	rows, err := sink.List(context.Background(), "hv01")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "vm-1", rows[0].ResourceID)
	assert.Equal(t, []interface{}{"hv01"}, store.selects)

	rows, err = sink.List(context.Background(), "hv09")
	require.NoError(t, err)
	assert.NotNil(t, rows)
	assert.Empty(t, rows)

	store.err = errors.New("connection reset")
	_, err = sink.List(context.Background(), "hv01")
	assert.ErrorContains(t, err, "hv01")
}
