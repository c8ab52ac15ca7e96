package lifecycle_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Arcay322/Granja-cuyes-sub002/internal/domain"
	"github.com/Arcay322/Granja-cuyes-sub002/internal/lifecycle"
	"github.com/Arcay322/Granja-cuyes-sub002/internal/postgres"
)

// ── mocks ──────────────────────────────────────────────────────────────

type memStore struct {
	mu      sync.Mutex
	jobs    map[string]*domain.Job
	active  int
	activeE error
	stats   *postgres.AggregateStats
	listed  []*domain.Job
	gotFilter postgres.HistoryFilter
}

func newMemStore(jobs ...*domain.Job) *memStore {
	s := &memStore{jobs: make(map[string]*domain.Job)}
	for _, j := range jobs {
		s.jobs[j.ID] = j
	}
	return s
}

func (s *memStore) CreateJob(_ context.Context, job *domain.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[job.ID] = job
	return nil
}

func (s *memStore) GetJob(_ context.Context, id string) (*domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return nil, &domain.JobNotFoundError{JobID: id}
	}
	cp := *job
	return &cp, nil
}

func (s *memStore) UpdateJob(_ context.Context, id string, patch postgres.JobPatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return &domain.JobNotFoundError{JobID: id}
	}
	if patch.Status != nil {
		job.Status = *patch.Status
	}
	if patch.Progress != nil {
		job.Progress = *patch.Progress
	}
	if patch.ProgressNote != nil {
		job.ProgressNote = *patch.ProgressNote
	}
	if patch.ErrorMessage != nil {
		job.ErrorMessage = *patch.ErrorMessage
	}
	if patch.StartedAt != nil {
		t := *patch.StartedAt
		job.StartedAt = &t
	}
	if patch.CompletedAt != nil {
		t := *patch.CompletedAt
		job.CompletedAt = &t
	}
	if patch.ClearTimestamps {
		job.StartedAt = nil
		job.CompletedAt = nil
	}
	return nil
}

func (s *memStore) ListJobs(_ context.Context, filter postgres.HistoryFilter) ([]*domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gotFilter = filter
	return s.listed, nil
}

func (s *memStore) CountActive(context.Context, string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active, s.activeE
}

func (s *memStore) Stats(context.Context) (*postgres.AggregateStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stats != nil {
		return s.stats, nil
	}
	return &postgres.AggregateStats{}, nil
}

func (s *memStore) TimedOutJobs(context.Context, time.Duration) ([]*domain.Job, error) {
	return nil, nil
}
func (s *memStore) MarkTimedOut(context.Context, []string) error          { return nil }
func (s *memStore) CreateFile(context.Context, *domain.ExportFile) error  { return nil }
func (s *memStore) DeleteExpired(context.Context, time.Duration) (int, error) { return 0, nil }

func (s *memStore) job(id string) domain.Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.jobs[id]
}

type fakeQueue struct {
	mu        sync.Mutex
	added     []*domain.Job
	addErr    error
	cancelled []string
	cancelOK  bool
}

func (f *fakeQueue) Add(_ context.Context, job *domain.Job) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.addErr != nil {
		return f.addErr
	}
	f.added = append(f.added, job)
	return nil
}

func (f *fakeQueue) Cancel(jobID, _ string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = append(f.cancelled, jobID)
	return f.cancelOK
}

func terminalJob(id string, status domain.Status) *domain.Job {
	started := time.Now().Add(-time.Minute)
	completed := time.Now()
	return &domain.Job{
		ID:          id,
		UserID:      "user-1",
		TemplateID:  "inventory",
		Format:      domain.FormatCSV,
		Status:      status,
		Progress:    42,
		ErrorMessage: "something broke",
		CreatedAt:   time.Now().Add(-2 * time.Minute),
		StartedAt:   &started,
		CompletedAt: &completed,
	}
}

// ── create ─────────────────────────────────────────────────────────────

func TestCreateJob_PersistsAndEnqueues(t *testing.T) {
	store := newMemStore()
	q := &fakeQueue{}
	m := lifecycle.NewManager(store, q)

	job, err := m.CreateJob(context.Background(), "user-1", lifecycle.CreateRequest{
		TemplateID: "reproduction",
		Format:     domain.FormatPDF,
	})
	require.NoError(t, err)

	assert.NotEmpty(t, job.ID)
	assert.Equal(t, "user-1", job.UserID)
	assert.Equal(t, domain.StatusPending, job.Status)
	assert.Zero(t, job.Progress)

	require.Len(t, q.added, 1)
	assert.Equal(t, job.ID, q.added[0].ID)
	assert.Equal(t, domain.StatusPending, store.job(job.ID).Status)
}

func TestCreateJob_ValidationFailureNeverPersists(t *testing.T) {
	store := newMemStore()
	q := &fakeQueue{}
	m := lifecycle.NewManager(store, q)

	_, err := m.CreateJob(context.Background(), "user-1", lifecycle.CreateRequest{
		TemplateID: "inventory",
		Format:     domain.Format("DOCX"),
	})
	require.Error(t, err)
	assert.Empty(t, q.added)
	assert.Empty(t, store.jobs)
}

func TestCreateJob_QuotaExceeded(t *testing.T) {
	store := newMemStore()
	store.active = 10
	m := lifecycle.NewManager(store, &fakeQueue{})

	_, err := m.CreateJob(context.Background(), "user-1", lifecycle.CreateRequest{
		TemplateID: "inventory",
		Format:     domain.FormatCSV,
	})

	var quota *domain.QuotaExceededError
	require.True(t, errors.As(err, &quota))
	assert.Equal(t, "user-1", quota.UserID)
	assert.Equal(t, 10, quota.Limit)
}

func TestCreateJob_CustomQuota(t *testing.T) {
	store := newMemStore()
	store.active = 3
	m := lifecycle.NewManager(store, &fakeQueue{}, lifecycle.WithMaxActiveJobs(3))

	_, err := m.CreateJob(context.Background(), "user-1", lifecycle.CreateRequest{
		TemplateID: "inventory",
		Format:     domain.FormatCSV,
	})
	var quota *domain.QuotaExceededError
	assert.True(t, errors.As(err, &quota))
}

// ── transitions ────────────────────────────────────────────────────────

func TestTransitionStatus_ValidPath(t *testing.T) {
	job := &domain.Job{ID: "job-1", Status: domain.StatusPending, CreatedAt: time.Now()}
	store := newMemStore(job)
	m := lifecycle.NewManager(store, &fakeQueue{})

	res := m.TransitionStatus(context.Background(), "job-1", domain.StatusProcessing, postgres.JobPatch{})
	require.True(t, res.OK)
	assert.Equal(t, domain.StatusPending, res.Previous)

	updated := store.job("job-1")
	assert.Equal(t, domain.StatusProcessing, updated.Status)
	assert.NotNil(t, updated.StartedAt, "entering PROCESSING stamps started_at")

	res = m.TransitionStatus(context.Background(), "job-1", domain.StatusCompleted, postgres.JobPatch{})
	require.True(t, res.OK)
	assert.NotNil(t, store.job("job-1").CompletedAt, "terminal transition stamps completed_at")
}

func TestTransitionStatus_RejectsInvalidEdges(t *testing.T) {
	cases := []struct {
		from, to domain.Status
	}{
		{domain.StatusPending, domain.StatusCompleted},
		{domain.StatusPending, domain.StatusTimeout},
		{domain.StatusCompleted, domain.StatusProcessing},
		{domain.StatusCompleted, domain.StatusFailed},
		{domain.StatusFailed, domain.StatusProcessing},
		{domain.StatusTimeout, domain.StatusCompleted},
	}
	for _, tc := range cases {
		t.Run(string(tc.from)+"_to_"+string(tc.to), func(t *testing.T) {
			store := newMemStore(&domain.Job{ID: "job-1", Status: tc.from})
			m := lifecycle.NewManager(store, &fakeQueue{})

			res := m.TransitionStatus(context.Background(), "job-1", tc.to, postgres.JobPatch{})
			assert.False(t, res.OK)
			assert.Equal(t, tc.from, res.Previous)
			assert.Equal(t, tc.from, store.job("job-1").Status, "rejected transition must not write")
		})
	}
}

func TestTransitionStatus_UnknownJob(t *testing.T) {
	m := lifecycle.NewManager(newMemStore(), &fakeQueue{})

	res := m.TransitionStatus(context.Background(), "ghost", domain.StatusProcessing, postgres.JobPatch{})
	assert.False(t, res.OK)
	assert.Contains(t, res.Message, "not found")
}

// ── cancel ─────────────────────────────────────────────────────────────

func TestCancelJob_ViaQueue(t *testing.T) {
	store := newMemStore(&domain.Job{ID: "job-1", Status: domain.StatusPending})
	q := &fakeQueue{cancelOK: true}
	m := lifecycle.NewManager(store, q)

	assert.True(t, m.CancelJob(context.Background(), "job-1", "changed my mind"))
	assert.Equal(t, []string{"job-1"}, q.cancelled)
	// Queue owns the store write in this path.
	assert.Equal(t, domain.StatusPending, store.job("job-1").Status)
}

func TestCancelJob_OutsideQueueWritesStore(t *testing.T) {
	// FAILED job unknown to the queue: the record still reflects the cancel.
	store := newMemStore(terminalJob("job-1", domain.StatusFailed))
	q := &fakeQueue{cancelOK: false}
	m := lifecycle.NewManager(store, q)

	assert.True(t, m.CancelJob(context.Background(), "job-1", ""))

	final := store.job("job-1")
	assert.Equal(t, domain.StatusFailed, final.Status)
	assert.Equal(t, "cancelled by user", final.ErrorMessage)
}

func TestCancelJob_CompletedIsRefused(t *testing.T) {
	store := newMemStore(terminalJob("job-1", domain.StatusCompleted))
	q := &fakeQueue{cancelOK: true}
	m := lifecycle.NewManager(store, q)

	assert.False(t, m.CancelJob(context.Background(), "job-1", ""))
	assert.Empty(t, q.cancelled)
}

func TestCancelJob_UnknownJob(t *testing.T) {
	m := lifecycle.NewManager(newMemStore(), &fakeQueue{})
	assert.False(t, m.CancelJob(context.Background(), "ghost", ""))
}

// ── retry ──────────────────────────────────────────────────────────────

func TestRetryJob_ResetsAndReenqueues(t *testing.T) {
	for _, status := range []domain.Status{domain.StatusFailed, domain.StatusTimeout} {
		t.Run(string(status), func(t *testing.T) {
			store := newMemStore(terminalJob("job-1", status))
			q := &fakeQueue{}
			m := lifecycle.NewManager(store, q)

			require.True(t, m.RetryJob(context.Background(), "job-1"))

			reset := store.job("job-1")
			assert.Equal(t, domain.StatusPending, reset.Status)
			assert.Zero(t, reset.Progress)
			assert.Empty(t, reset.ErrorMessage)
			assert.Nil(t, reset.StartedAt)
			assert.Nil(t, reset.CompletedAt)

			require.Len(t, q.added, 1)
			assert.Equal(t, "job-1", q.added[0].ID, "retry keeps the original job ID")
			assert.Equal(t, domain.StatusPending, q.added[0].Status)
		})
	}
}

func TestRetryJob_RefusedForNonTerminalStatuses(t *testing.T) {
	for _, status := range []domain.Status{domain.StatusPending, domain.StatusProcessing, domain.StatusCompleted} {
		t.Run(string(status), func(t *testing.T) {
			store := newMemStore(&domain.Job{ID: "job-1", Status: status})
			q := &fakeQueue{}
			m := lifecycle.NewManager(store, q)

			assert.False(t, m.RetryJob(context.Background(), "job-1"))
			assert.Empty(t, q.added)
		})
	}
}

func TestRetryJob_EnqueueFailure(t *testing.T) {
	store := newMemStore(terminalJob("job-1", domain.StatusFailed))
	q := &fakeQueue{addErr: errors.New("queue shut down")}
	m := lifecycle.NewManager(store, q)

	assert.False(t, m.RetryJob(context.Background(), "job-1"))
}

// ── progress / reads / stats ───────────────────────────────────────────

func TestUpdateProgress(t *testing.T) {
	store := newMemStore(&domain.Job{ID: "job-1", Status: domain.StatusProcessing})
	m := lifecycle.NewManager(store, &fakeQueue{})

	require.NoError(t, m.UpdateProgress(context.Background(), "job-1", 55, "rendering pages"))

	job := store.job("job-1")
	assert.Equal(t, 55, job.Progress)
	assert.Equal(t, "rendering pages", job.ProgressNote)
}

func TestUpdateProgress_RejectsOutOfRange(t *testing.T) {
	m := lifecycle.NewManager(newMemStore(), &fakeQueue{})

	for _, pct := range []int{-1, 101} {
		err := m.UpdateProgress(context.Background(), "job-1", pct, "")
		var verr *domain.ValidationError
		require.True(t, errors.As(err, &verr), "progress %d", pct)
	}
}

func TestGetJobHistory_DefaultsLimitAndScopesUser(t *testing.T) {
	store := newMemStore()
	m := lifecycle.NewManager(store, &fakeQueue{})

	_, err := m.GetJobHistory(context.Background(), "user-1", postgres.HistoryFilter{})
	require.NoError(t, err)
	assert.Equal(t, "user-1", store.gotFilter.UserID)
	assert.Equal(t, 50, store.gotFilter.Limit)

	_, err = m.GetJobHistory(context.Background(), "user-1", postgres.HistoryFilter{Limit: 5})
	require.NoError(t, err)
	assert.Equal(t, 5, store.gotFilter.Limit)
}

func TestHandleJobTimeout(t *testing.T) {
	store := newMemStore(&domain.Job{ID: "job-1", Status: domain.StatusProcessing})
	m := lifecycle.NewManager(store, &fakeQueue{})

	res := m.HandleJobTimeout(context.Background(), "job-1")
	require.True(t, res.OK)
	assert.Equal(t, domain.StatusTimeout, res.Next)

	job := store.job("job-1")
	assert.Equal(t, domain.StatusTimeout, job.Status)
	assert.Equal(t, "export timed out", job.ErrorMessage)
	assert.NotNil(t, job.CompletedAt)
}

func TestGetStats_DerivesRates(t *testing.T) {
	store := newMemStore()
	store.stats = &postgres.AggregateStats{
		Total: 20, Pending: 2, Processing: 3, Completed: 10, Failed: 4, Timeout: 1,
	}
	m := lifecycle.NewManager(store, &fakeQueue{})

	stats, err := m.GetStats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0.5, stats.SuccessRate)
	assert.Equal(t, 0.25, stats.RetryRate)
	assert.Equal(t, 0.05, stats.TimeoutRate)
}

func TestGetStats_EmptyStoreNoDivideByZero(t *testing.T) {
	m := lifecycle.NewManager(newMemStore(), &fakeQueue{})

	stats, err := m.GetStats(context.Background())
	require.NoError(t, err)
	assert.Zero(t, stats.SuccessRate)
	assert.Zero(t, stats.RetryRate)
}
