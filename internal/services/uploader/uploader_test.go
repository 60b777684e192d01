package uploader

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ternarybob/aviary/internal/common"
	"github.com/ternarybob/aviary/internal/interfaces"
	"github.com/ternarybob/aviary/internal/models"
	"github.com/ternarybob/aviary/internal/ratelimit"
)

// fakeAPI is a scriptable stand-in for the tabular service
type fakeAPI struct {
	mu             sync.Mutex
	tokenCalls     int
	fieldsCalls    int
	batchCalls     int
	batchResponses []func(w http.ResponseWriter, sent int)
	fields         []FieldInfo
}

func defaultFields() []FieldInfo {
	return []FieldInfo{
		{FieldName: "author", Type: fieldTypeText},
		{FieldName: "content", Type: fieldTypeText},
		{FieldName: "likes", Type: fieldTypeNumber},
		{FieldName: "created_at", Type: fieldTypeDatetime},
		{FieldName: "link", Type: fieldTypeText},
	}
}

func (f *fakeAPI) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/auth/v3/tenant_access_token/internal", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.tokenCalls++
		f.mu.Unlock()
		writeJSON(w, map[string]interface{}{
			"code": 0, "tenant_access_token": "tok-" + fmt.Sprint(f.tokenCalls), "expire": 7200,
		})
	})
	mux.HandleFunc("GET /bitable/v1/apps/", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.fieldsCalls++
		f.mu.Unlock()
		writeJSON(w, map[string]interface{}{
			"code": 0, "data": map[string]interface{}{"items": f.fields},
		})
	})
	mux.HandleFunc("POST /bitable/v1/apps/", func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/records/batch_create") {
			http.NotFound(w, r)
			return
		}
		var payload struct {
			Records []json.RawMessage `json:"records"`
		}
		_ = json.NewDecoder(r.Body).Decode(&payload)

		f.mu.Lock()
		call := f.batchCalls
		f.batchCalls++
		f.mu.Unlock()

		if call < len(f.batchResponses) {
			f.batchResponses[call](w, len(payload.Records))
			return
		}
		confirmAll(w, len(payload.Records))
	})
	return mux
}

func confirmAll(w http.ResponseWriter, sent int) {
	confirmN(w, sent)
}

func confirmN(w http.ResponseWriter, n int) {
	records := make([]map[string]string, n)
	for i := range records {
		records[i] = map[string]string{"record_id": fmt.Sprintf("row_%d", i)}
	}
	writeJSON(w, map[string]interface{}{
		"code": 0, "data": map[string]interface{}{"records": records},
	})
}

func writeJSON(w http.ResponseWriter, body map[string]interface{}) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(body)
}

// memStore is an in-memory RecordStorage tracking synced flags
type memStore struct {
	mu      sync.Mutex
	records []*models.Record
}

func (m *memStore) AppendRecords(ctx context.Context, jobID string, records []*models.Record) (*interfaces.AppendResult, error) {
	m.records = append(m.records, records...)
	return &interfaces.AppendResult{Inserted: len(records)}, nil
}

func (m *memStore) ListUnsynced(ctx context.Context, jobID string, limit int) ([]*models.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.Record
	for _, r := range m.records {
		if r.Synced {
			continue
		}
		if jobID != "" && r.JobID != jobID {
			continue
		}
		out = append(out, r)
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (m *memStore) MarkSynced(ctx context.Context, recordIDs []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make(map[string]struct{}, len(recordIDs))
	for _, id := range recordIDs {
		ids[id] = struct{}{}
	}
	for _, r := range m.records {
		if _, ok := ids[r.ID]; ok {
			r.Synced = true
		}
	}
	return nil
}

func (m *memStore) ResetSyncFlag(ctx context.Context, jobID string) (int, error) { return 0, nil }
func (m *memStore) ListRecords(ctx context.Context, filter *models.RecordFilter) ([]*models.Record, error) {
	return m.records, nil
}
func (m *memStore) CountRecords(ctx context.Context, jobID string) (int, error) {
	return len(m.records), nil
}
func (m *memStore) SetCategory(ctx context.Context, recordID, category string) error { return nil }

func (m *memStore) syncedCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, r := range m.records {
		if r.Synced {
			n++
		}
	}
	return n
}

// memJobs is an in-memory JobStorage
type memJobs struct {
	mu   sync.Mutex
	jobs map[string]*models.Job
}

func newMemJobs() *memJobs { return &memJobs{jobs: make(map[string]*models.Job)} }

func (m *memJobs) CreateJob(ctx context.Context, job *models.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.jobs[job.ID] = job
	return nil
}
func (m *memJobs) GetJob(ctx context.Context, jobID string) (*models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[jobID]
	if !ok {
		return nil, fmt.Errorf("job %s not found", jobID)
	}
	return job, nil
}
func (m *memJobs) UpdateJob(ctx context.Context, job *models.Job) error {
	return m.CreateJob(ctx, job)
}
func (m *memJobs) UpdateJobState(ctx context.Context, jobID string, status models.JobStatus) error {
	return nil
}
func (m *memJobs) ListJobs(ctx context.Context, opts *interfaces.JobListOptions) ([]*models.Job, error) {
	return nil, nil
}
func (m *memJobs) CountJobs(ctx context.Context) (int, error)          { return 0, nil }
func (m *memJobs) NextPending(ctx context.Context) (*models.Job, error) { return nil, nil }
func (m *memJobs) ResetInterrupted(ctx context.Context) (int, error)   { return 0, nil }

func newTestService(t *testing.T, api *fakeAPI, store *memStore, jobs *memJobs) *Service {
	t.Helper()
	server := httptest.NewServer(api.handler())
	t.Cleanup(server.Close)

	cfg := common.Default().Uploader
	cfg.BaseURL = server.URL
	cfg.AppID = "app"
	cfg.AppSecret = "secret"
	cfg.DocToken = "doc1"
	cfg.TableID = "tbl1"
	cfg.BatchSize = 3

	governor := ratelimit.NewGovernor(cfg.RateCeiling, ratelimit.WithWindow(time.Millisecond))
	client := NewClient(&cfg, governor, common.GetLogger())
	service := NewService(client, store, jobs, nil, &cfg, common.GetLogger())
	service.sleep = func(ctx context.Context, _ time.Duration) error { return ctx.Err() }
	return service
}

func seedRecords(store *memStore, jobID string, n int) {
	for i := 0; i < n; i++ {
		r := models.NewRecord(jobID, models.Target{Account: "alice"})
		r.Author = "alice"
		r.Content = fmt.Sprintf("post %d", i)
		r.Link = fmt.Sprintf("https://x.com/alice/status/%d", i)
		r.Likes = uint32(i)
		store.records = append(store.records, r)
	}
}

func TestUploadMarksConfirmedRecordsSynced(t *testing.T) {
	api := &fakeAPI{fields: defaultFields()}
	store := &memStore{}
	seedRecords(store, "job_1", 5)

	service := newTestService(t, api, store, newMemJobs())
	result, err := service.Upload(context.Background(), "job_1")
	require.NoError(t, err)

	assert.Equal(t, 5, result.Uploaded)
	assert.Equal(t, 0, result.Failed)
	assert.Equal(t, 5, store.syncedCount())
	// Batch size 3: two batches for five records
	assert.Equal(t, 2, api.batchCalls)
	// Token exchanged once, schema discovered once
	assert.Equal(t, 1, api.tokenCalls)
	assert.Equal(t, 1, api.fieldsCalls)
}

func TestUploadRetriesRateLimit(t *testing.T) {
	api := &fakeAPI{fields: defaultFields()}
	api.batchResponses = []func(w http.ResponseWriter, sent int){
		func(w http.ResponseWriter, sent int) {
			w.WriteHeader(http.StatusTooManyRequests)
			writeJSON(w, map[string]interface{}{"code": codeRateLimited, "msg": "rate limited"})
		},
	}
	store := &memStore{}
	seedRecords(store, "job_1", 2)

	service := newTestService(t, api, store, newMemJobs())
	result, err := service.Upload(context.Background(), "job_1")
	require.NoError(t, err)

	assert.Equal(t, 2, result.Uploaded)
	assert.Equal(t, 2, api.batchCalls)
	assert.Equal(t, 2, store.syncedCount())
}

func TestUploadRefreshesExpiredToken(t *testing.T) {
	api := &fakeAPI{fields: defaultFields()}
	api.batchResponses = []func(w http.ResponseWriter, sent int){
		func(w http.ResponseWriter, sent int) {
			writeJSON(w, map[string]interface{}{"code": 99991663, "msg": "token expired"})
		},
	}
	store := &memStore{}
	seedRecords(store, "job_1", 1)

	service := newTestService(t, api, store, newMemJobs())
	result, err := service.Upload(context.Background(), "job_1")
	require.NoError(t, err)

	assert.Equal(t, 1, result.Uploaded)
	// Expiry forced a second token exchange, retry not counted as an attempt
	assert.Equal(t, 2, api.tokenCalls)
}

func TestUploadPartialConfirmationDefersTail(t *testing.T) {
	api := &fakeAPI{fields: defaultFields()}
	api.batchResponses = []func(w http.ResponseWriter, sent int){
		func(w http.ResponseWriter, sent int) { confirmN(w, sent-1) },
	}
	store := &memStore{}
	seedRecords(store, "job_1", 3)

	service := newTestService(t, api, store, newMemJobs())
	result, err := service.Upload(context.Background(), "job_1")
	require.NoError(t, err)

	assert.Equal(t, 2, result.Uploaded)
	assert.Equal(t, 1, result.Skipped)
	assert.Equal(t, 2, store.syncedCount())

	// The deferred record goes through on the next run
	result, err = service.Upload(context.Background(), "job_1")
	require.NoError(t, err)
	assert.Equal(t, 1, result.Uploaded)
	assert.Equal(t, 3, store.syncedCount())
}

func TestUploadPersistentFailureSetsJobUploadError(t *testing.T) {
	api := &fakeAPI{fields: defaultFields()}
	reject := func(w http.ResponseWriter, sent int) {
		w.WriteHeader(http.StatusTooManyRequests)
		writeJSON(w, map[string]interface{}{"code": codeRateLimited, "msg": "rate limited"})
	}
	// More rejections than maxRetries allows
	for i := 0; i < 10; i++ {
		api.batchResponses = append(api.batchResponses, reject)
	}
	store := &memStore{}
	seedRecords(store, "job_1", 2)
	jobs := newMemJobs()
	job := models.NewJob(models.JobSpec{Name: "t", Accounts: []string{"alice"}})
	job.ID = "job_1"
	require.NoError(t, jobs.CreateJob(context.Background(), job))

	service := newTestService(t, api, store, jobs)
	result, err := service.Upload(context.Background(), "job_1")
	require.Error(t, err)

	assert.Equal(t, 0, result.Uploaded)
	assert.Equal(t, 2, result.Failed)
	assert.Equal(t, 0, store.syncedCount())

	// Job status untouched; only the upload error field is set
	stored, err := jobs.GetJob(context.Background(), "job_1")
	require.NoError(t, err)
	assert.NotEmpty(t, stored.UploadError)
	assert.Equal(t, models.JobStatusPending, stored.Status)
}

func TestUploadPermissionDeniedFailsFast(t *testing.T) {
	api := &fakeAPI{fields: defaultFields()}
	api.batchResponses = []func(w http.ResponseWriter, sent int){
		func(w http.ResponseWriter, sent int) {
			w.WriteHeader(http.StatusForbidden)
			writeJSON(w, map[string]interface{}{"code": 1, "msg": "no access"})
		},
	}
	store := &memStore{}
	seedRecords(store, "job_1", 1)

	service := newTestService(t, api, store, newMemJobs())
	_, err := service.Upload(context.Background(), "job_1")
	require.Error(t, err)
	assert.Equal(t, models.ErrKindPermissionDenied, models.KindOf(err))
	// No retries for a non-retryable kind
	assert.Equal(t, 1, api.batchCalls)
}

func TestMarshalRowCoercesTypes(t *testing.T) {
	s := newSchema([]FieldInfo{
		{FieldName: "author", Type: fieldTypeText},
		{FieldName: "content", Type: fieldTypeText},
		{FieldName: "likes", Type: fieldTypeNumber},
		{FieldName: "published_at", Type: fieldTypeDatetime},
		{FieldName: "created_at", Type: fieldTypeDatetime},
	})

	record := models.NewRecord("job_1", models.Target{Account: "alice"})
	record.Author = "alice"
	record.Likes = 42
	record.PublishedAt = "2026-08-24T10:00:00Z"

	row, dropped := marshalRow(record, s)

	assert.Equal(t, "alice", row["author"])
	assert.Equal(t, int64(42), row["likes"])
	want := time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC).UnixMilli()
	assert.Equal(t, want, row["published_at"])
	assert.Equal(t, record.CreatedAt.UnixMilli(), row["created_at"])
	// Columns absent from the table schema are dropped by name
	assert.Contains(t, dropped, "replies")
	// Text columns ride along even when empty
	assert.Equal(t, "", row["content"])
}

func TestCoerceNumberTruncates(t *testing.T) {
	value, ok := coerceNumber("12.9")
	require.True(t, ok)
	assert.Equal(t, int64(12), value)

	value, ok = coerceNumber("junk")
	require.True(t, ok)
	assert.Equal(t, int64(0), value)
}

func TestCoerceDatetimeScalesSecondEpochs(t *testing.T) {
	value, ok := coerceDatetime(int64(1_700_000_000))
	require.True(t, ok)
	assert.Equal(t, int64(1_700_000_000_000), value)

	value, ok = coerceDatetime(int64(1_700_000_000_000))
	require.True(t, ok)
	assert.Equal(t, int64(1_700_000_000_000), value)

	_, ok = coerceDatetime("")
	assert.False(t, ok)
}
