package gateway

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/strata/internal/interfaces"
	"github.com/ternarybob/strata/internal/models"
)

// fakeSpec is a single-stage workflow for gateway tests.
type fakeSpec struct {
	validateErr error
}

func (s *fakeSpec) JobType() string { return "fake_job" }

func (s *fakeSpec) Stages() []interfaces.StageDescriptor {
	return []interfaces.StageDescriptor{
		{Number: 1, TaskType: "fake_task", Parallelism: interfaces.ParallelismSingle},
	}
}

func (s *fakeSpec) ValidateParameters(params map[string]interface{}) (map[string]interface{}, error) {
	if s.validateErr != nil {
		return nil, s.validateErr
	}
	return params, nil
}

func (s *fakeSpec) CreateTasksForStage(ctx context.Context, stage int, jobParams map[string]interface{},
	jobID string, prev *models.StageResult) ([]interfaces.TaskDefinition, error) {
	return []interfaces.TaskDefinition{{Index: "0", Parameters: jobParams}}, nil
}

func (s *fakeSpec) FinalizeJob(ctx context.Context, jobParams map[string]interface{},
	stageResults map[string]*models.StageResult) (map[string]interface{}, error) {
	return map[string]interface{}{}, nil
}

func (s *fakeSpec) StrictFailurePolicy() bool { return false }

type fakeRegistry struct {
	specs map[string]interfaces.WorkflowSpec
}

func (r *fakeRegistry) Register(spec interfaces.WorkflowSpec) error {
	r.specs[spec.JobType()] = spec
	return nil
}

func (r *fakeRegistry) Get(jobType string) (interfaces.WorkflowSpec, bool) {
	spec, ok := r.specs[jobType]
	return spec, ok
}

func (r *fakeRegistry) JobTypes() []string { return nil }

// fakeStore records CreateJob calls; all other StateStore methods come from
// the embedded nil interface and are never reached by the gateway.
type fakeStore struct {
	interfaces.StateStore
	created   []*models.Job
	existing  models.JobStatus
	dedupNext bool
	createErr error
}

func (s *fakeStore) CreateJob(ctx context.Context, job *models.Job) (*interfaces.CreateJobResult, error) {
	if s.createErr != nil {
		return nil, s.createErr
	}
	if s.dedupNext {
		return &interfaces.CreateJobResult{Created: false, ExistingStatus: s.existing}, nil
	}
	s.created = append(s.created, job)
	return &interfaces.CreateJobResult{Created: true}, nil
}

type fakeQueue struct {
	interfaces.Queue
	enqueued   [][]byte
	enqueueErr error
}

func (q *fakeQueue) Enqueue(ctx context.Context, body []byte) error {
	if q.enqueueErr != nil {
		return q.enqueueErr
	}
	q.enqueued = append(q.enqueued, body)
	return nil
}

func newTestGateway(store *fakeStore, queue *fakeQueue) *Gateway {
	registry := &fakeRegistry{specs: map[string]interfaces.WorkflowSpec{
		"fake_job": &fakeSpec{},
	}}
	return NewGateway(store, queue, registry, arbor.NewLogger())
}

func TestSubmitCreatesJobAndEnqueuesOneMessage(t *testing.T) {
	store := &fakeStore{}
	queue := &fakeQueue{}
	gw := newTestGateway(store, queue)

	result, err := gw.Submit(context.Background(), "fake_job", map[string]interface{}{"x": 1.0})
	require.NoError(t, err)

	assert.False(t, result.Deduplicated)
	assert.Equal(t, models.JobStatusQueued, result.Status)
	assert.Len(t, result.JobID, 64)
	assert.NotEmpty(t, result.CorrelationID)

	require.Len(t, store.created, 1)
	assert.Equal(t, result.JobID, store.created[0].JobID)
	assert.Equal(t, 1, store.created[0].TotalStages)

	require.Len(t, queue.enqueued, 1)
	msg, err := models.JobMessageFromJSON(queue.enqueued[0])
	require.NoError(t, err)
	assert.Equal(t, result.JobID, msg.JobID)
	assert.Equal(t, 1, msg.Stage)
}

func TestSubmitDeduplicatesWithoutEnqueue(t *testing.T) {
	store := &fakeStore{dedupNext: true, existing: models.JobStatusProcessing}
	queue := &fakeQueue{}
	gw := newTestGateway(store, queue)

	result, err := gw.Submit(context.Background(), "fake_job", map[string]interface{}{"x": 1.0})
	require.NoError(t, err)

	assert.True(t, result.Deduplicated)
	assert.Equal(t, models.JobStatusProcessing, result.Status)
	assert.Empty(t, queue.enqueued, "dedup hit must not enqueue")
}

func TestSubmitUnknownJobType(t *testing.T) {
	gw := newTestGateway(&fakeStore{}, &fakeQueue{})

	_, err := gw.Submit(context.Background(), "nope", nil)
	assert.ErrorIs(t, err, interfaces.ErrUnknownJobType)
}

func TestSubmitBadParameters(t *testing.T) {
	store := &fakeStore{}
	queue := &fakeQueue{}
	registry := &fakeRegistry{specs: map[string]interfaces.WorkflowSpec{
		"fake_job": &fakeSpec{validateErr: errors.New("missing field")},
	}}
	gw := NewGateway(store, queue, registry, arbor.NewLogger())

	_, err := gw.Submit(context.Background(), "fake_job", nil)
	assert.ErrorIs(t, err, interfaces.ErrBadParameters)
	assert.Empty(t, store.created)
}

func TestSubmitEnqueueFailureKeepsRecord(t *testing.T) {
	store := &fakeStore{}
	queue := &fakeQueue{enqueueErr: errors.New("queue down")}
	gw := newTestGateway(store, queue)

	_, err := gw.Submit(context.Background(), "fake_job", map[string]interface{}{"x": 1.0})
	assert.Error(t, err)
	assert.Len(t, store.created, 1, "the job record survives the enqueue failure")
}
