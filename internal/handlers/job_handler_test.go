package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ternarybob/aviary/internal/common"
	"github.com/ternarybob/aviary/internal/interfaces"
	"github.com/ternarybob/aviary/internal/models"
)

// stubScheduler scripts SchedulerService responses
type stubScheduler struct {
	submitted *models.JobSpec
	submitErr error
	jobs      map[string]*models.Job
	cancelErr error
}

func (s *stubScheduler) Submit(ctx context.Context, spec models.JobSpec) (string, error) {
	if s.submitErr != nil {
		return "", s.submitErr
	}
	s.submitted = &spec
	return "job_test", nil
}

func (s *stubScheduler) Cancel(ctx context.Context, jobID string) error  { return s.cancelErr }
func (s *stubScheduler) Restart(ctx context.Context, jobID string) error { return nil }

func (s *stubScheduler) Status(ctx context.Context, jobID string) (*models.Job, error) {
	job, ok := s.jobs[jobID]
	if !ok {
		return nil, fmt.Errorf("job %s not found", jobID)
	}
	return job, nil
}

func (s *stubScheduler) List(ctx context.Context, opts *interfaces.JobListOptions) ([]*models.Job, error) {
	var out []*models.Job
	for _, job := range s.jobs {
		out = append(out, job)
	}
	return out, nil
}

func (s *stubScheduler) Stats() interfaces.SchedulerStats {
	return interfaces.SchedulerStats{MaxConcurrency: 2}
}

func newMux(scheduler interfaces.SchedulerService) *http.ServeMux {
	h := NewJobHandler(scheduler, common.GetLogger())
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/jobs", h.Submit)
	mux.HandleFunc("GET /api/jobs", h.List)
	mux.HandleFunc("GET /api/jobs/{id}", h.Get)
	mux.HandleFunc("POST /api/jobs/{id}/cancel", h.Cancel)
	return mux
}

func TestSubmitCreatesJob(t *testing.T) {
	scheduler := &stubScheduler{}
	mux := newMux(scheduler)

	body, _ := json.Marshal(models.JobSpec{
		Name:     "crawl alice",
		Accounts: []string{"alice"},
		MinLikes: 10,
	})
	req := httptest.NewRequest(http.MethodPost, "/api/jobs", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	require.Equal(t, http.StatusCreated, rec.Code)
	var resp map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "job_test", resp["job_id"])
	require.NotNil(t, scheduler.submitted)
	assert.Equal(t, uint32(10), scheduler.submitted.MinLikes)
}

func TestSubmitRejectsMissingName(t *testing.T) {
	mux := newMux(&stubScheduler{})

	req := httptest.NewRequest(http.MethodPost, "/api/jobs",
		bytes.NewReader([]byte(`{"accounts":["alice"]}`)))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSubmitRejectsInvalidJSON(t *testing.T) {
	mux := newMux(&stubScheduler{})

	req := httptest.NewRequest(http.MethodPost, "/api/jobs",
		bytes.NewReader([]byte(`{not json`)))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSubmitMapsConstraintViolationTo400(t *testing.T) {
	scheduler := &stubScheduler{
		submitErr: models.Tagf(models.ErrKindConstraintViolation, "no targets"),
	}
	mux := newMux(scheduler)

	body, _ := json.Marshal(models.JobSpec{Name: "empty"})
	req := httptest.NewRequest(http.MethodPost, "/api/jobs", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetReturns404ForUnknownJob(t *testing.T) {
	mux := newMux(&stubScheduler{jobs: map[string]*models.Job{}})

	req := httptest.NewRequest(http.MethodGet, "/api/jobs/job_missing", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGetReturnsJob(t *testing.T) {
	job := models.NewJob(models.JobSpec{Name: "t", Accounts: []string{"alice"}})
	mux := newMux(&stubScheduler{jobs: map[string]*models.Job{job.ID: job}})

	req := httptest.NewRequest(http.MethodGet, "/api/jobs/"+job.ID, nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var got models.Job
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, job.ID, got.ID)
}

func TestCancelMapsTerminalJobTo400(t *testing.T) {
	scheduler := &stubScheduler{
		cancelErr: models.Tagf(models.ErrKindConstraintViolation, "already completed"),
	}
	mux := newMux(scheduler)

	req := httptest.NewRequest(http.MethodPost, "/api/jobs/job_1/cancel", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestPagingParamsBounds(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/api/jobs?limit=20&offset=40", nil)
	limit, offset := PagingParams(req, 50, 100)
	assert.Equal(t, 20, limit)
	assert.Equal(t, 40, offset)

	// Over the cap falls back to the default
	req = httptest.NewRequest(http.MethodGet, "/api/jobs?limit=9999&offset=-1", nil)
	limit, offset = PagingParams(req, 50, 100)
	assert.Equal(t, 50, limit)
	assert.Equal(t, 0, offset)
}
