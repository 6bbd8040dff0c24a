package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang/mock/gomock"

	"relentless-harvester/internal/job"
	"relentless-harvester/internal/models"
	"relentless-harvester/internal/store"
	"relentless-harvester/mocks"
)

func newTestServer(t *testing.T) (*server, *mocks.MockRequestProducer, *store.MemoryStore) {
	t.Helper()

	ctrl := gomock.NewController(t)
	t.Cleanup(ctrl.Finish)

	prod := mocks.NewMockRequestProducer(ctrl)
	st := store.NewMemoryStore()
	controller := job.NewController(st, 10*time.Millisecond)
	return newServer(controller, prod, st), prod, st
}

func do(t *testing.T, srv *server, method, target string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, nil)
	rec := httptest.NewRecorder()
	srv.routes().ServeHTTP(rec, req)
	return rec
}

func TestHandleTrigger(t *testing.T) {
	srv, prod, _ := newTestServer(t)

	var published models.ScanRequest
	prod.EXPECT().WriteRequest(gomock.Any(), gomock.Any()).DoAndReturn(func(_ context.Context, req models.ScanRequest) error {
		published = req
		return nil
	})

	rec := do(t, srv, http.MethodPost, "/scan?family=lenses")
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected status %d, got %d", http.StatusAccepted, rec.Code)
	}

	var payload triggerResponse
	if err := json.NewDecoder(rec.Body).Decode(&payload); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if !payload.Created || payload.Job.ID == "" {
		t.Fatalf("expected created job, got %+v", payload)
	}
	if payload.Job.Status != models.JobRunning || payload.Job.Trigger != models.TriggerManual {
		t.Fatalf("unexpected job: %+v", payload.Job)
	}
	if published.JobID != payload.Job.ID || published.Family != "lenses" {
		t.Fatalf("unexpected published request: %+v", published)
	}
}

func TestHandleTriggerRefusedWhileActive(t *testing.T) {
	srv, prod, _ := newTestServer(t)
	prod.EXPECT().WriteRequest(gomock.Any(), gomock.Any()).Return(nil).Times(1)

	first := do(t, srv, http.MethodPost, "/scan")
	if first.Code != http.StatusAccepted {
		t.Fatalf("expected first trigger accepted, got %d", first.Code)
	}
	var created triggerResponse
	_ = json.NewDecoder(first.Body).Decode(&created)

	second := do(t, srv, http.MethodPost, "/scan?kind=auto")
	if second.Code != http.StatusConflict {
		t.Fatalf("expected status %d, got %d", http.StatusConflict, second.Code)
	}
	var refused triggerResponse
	if err := json.NewDecoder(second.Body).Decode(&refused); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if refused.Created || refused.Job.ID != created.Job.ID {
		t.Fatalf("expected existing job %s, got %+v", created.Job.ID, refused)
	}
	if !strings.Contains(do(t, srv, http.MethodGet, "/metrics").Body.String(), `harvester_api_triggers_total{result="refused"} 1`) {
		t.Fatalf("expected refused trigger to be counted")
	}
}

func TestHandleTriggerEnqueueFailureReleasesFamily(t *testing.T) {
	srv, prod, st := newTestServer(t)
	prod.EXPECT().WriteRequest(gomock.Any(), gomock.Any()).Return(errors.New("broker down"))

	rec := do(t, srv, http.MethodPost, "/scan")
	if rec.Code != http.StatusBadGateway {
		t.Fatalf("expected status %d, got %d", http.StatusBadGateway, rec.Code)
	}

	latest, err := st.LatestJob(context.Background(), models.DefaultFamily)
	if err != nil {
		t.Fatalf("latest job: %v", err)
	}
	if latest.Status != models.JobFailed {
		t.Fatalf("expected failed job, got %s", latest.Status)
	}
	if _, err := st.ActiveJob(context.Background(), models.DefaultFamily); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected no active job, got %v", err)
	}
}

func TestHandleTriggerMethodNotAllowed(t *testing.T) {
	srv, prod, _ := newTestServer(t)
	prod.EXPECT().WriteRequest(gomock.Any(), gomock.Any()).Times(0)

	rec := do(t, srv, http.MethodGet, "/scan")
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected status %d, got %d", http.StatusMethodNotAllowed, rec.Code)
	}
}

func TestPauseResumeCancel(t *testing.T) {
	srv, prod, _ := newTestServer(t)
	prod.EXPECT().WriteRequest(gomock.Any(), gomock.Any()).Return(nil)

	if rec := do(t, srv, http.MethodPost, "/scan"); rec.Code != http.StatusAccepted {
		t.Fatalf("trigger: %d", rec.Code)
	}

	steps := []struct {
		path   string
		code   int
		status models.JobStatus
	}{
		{"/scan/pause", http.StatusOK, models.JobPaused},
		{"/scan/pause", http.StatusConflict, ""},
		{"/scan/resume", http.StatusOK, models.JobRunning},
		{"/scan/cancel", http.StatusOK, models.JobCancelled},
		{"/scan/resume", http.StatusNotFound, ""},
	}
	for _, step := range steps {
		rec := do(t, srv, http.MethodPost, step.path)
		if rec.Code != step.code {
			t.Fatalf("%s: expected status %d, got %d", step.path, step.code, rec.Code)
		}
		if step.status == "" {
			continue
		}
		var j models.Job
		if err := json.NewDecoder(rec.Body).Decode(&j); err != nil {
			t.Fatalf("%s: decode: %v", step.path, err)
		}
		if j.Status != step.status {
			t.Fatalf("%s: expected %s, got %s", step.path, step.status, j.Status)
		}
	}

	rec := do(t, srv, http.MethodGet, "/scan/status")
	if rec.Code != http.StatusOK {
		t.Fatalf("status: %d", rec.Code)
	}
	var j models.Job
	_ = json.NewDecoder(rec.Body).Decode(&j)
	if j.Status != models.JobCancelled {
		t.Fatalf("expected latest job cancelled, got %s", j.Status)
	}
}

func TestHandleStatusNotFound(t *testing.T) {
	srv, _, _ := newTestServer(t)

	rec := do(t, srv, http.MethodGet, "/scan/status?family=never")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected status %d, got %d", http.StatusNotFound, rec.Code)
	}
}

func TestEgressAdmin(t *testing.T) {
	srv, _, st := newTestServer(t)
	ctx := context.Background()
	_ = st.UpsertEgress(ctx, models.Egress{ID: "e1", Address: "10.0.0.1:3128", Kind: models.EgressHTTPProxy, IsAlive: true})
	_ = st.UpsertEgress(ctx, models.Egress{ID: "e2", Address: "10.0.0.2:3128", Kind: models.EgressHTTPProxy})

	rec := do(t, srv, http.MethodGet, "/egress")
	if rec.Code != http.StatusOK {
		t.Fatalf("list: %d", rec.Code)
	}
	var list []models.Egress
	if err := json.NewDecoder(rec.Body).Decode(&list); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("expected 2 egresses, got %d", len(list))
	}

	if rec := do(t, srv, http.MethodDelete, "/egress/e2"); rec.Code != http.StatusNoContent {
		t.Fatalf("delete: %d", rec.Code)
	}
	if rec := do(t, srv, http.MethodDelete, "/egress/e2"); rec.Code != http.StatusNotFound {
		t.Fatalf("second delete: %d", rec.Code)
	}
	if rec := do(t, srv, http.MethodDelete, "/egress/"); rec.Code != http.StatusBadRequest {
		t.Fatalf("empty id: %d", rec.Code)
	}

	remaining, _ := st.ListEgresses(ctx)
	if len(remaining) != 1 || remaining[0].ID != "e1" {
		t.Fatalf("unexpected remaining egresses: %+v", remaining)
	}
}

func TestSchedulerTriggerPublishes(t *testing.T) {
	srv, prod, _ := newTestServer(t)
	prod.EXPECT().WriteRequest(gomock.Any(), gomock.Any()).DoAndReturn(func(_ context.Context, req models.ScanRequest) error {
		if req.Trigger != models.TriggerAuto {
			t.Errorf("expected auto trigger, got %s", req.Trigger)
		}
		return nil
	})

	j, created, err := srv.trigger(context.Background(), "cameras", models.TriggerAuto)
	if err != nil || !created {
		t.Fatalf("expected created job, got %v %v", created, err)
	}
	if j.Family != "cameras" {
		t.Fatalf("unexpected family %s", j.Family)
	}
}

func TestHandleMetrics(t *testing.T) {
	srv, _, _ := newTestServer(t)

	rec := do(t, srv, http.MethodGet, "/metrics")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d", http.StatusOK, rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "harvester_api_up 1") {
		t.Fatalf("unexpected metrics body: %s", rec.Body.String())
	}
}
