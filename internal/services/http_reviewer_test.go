package services

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Cstolworthy/AgentParty/pkg/models"
)

func TestHTTPReviewerDecide(t *testing.T) {
	var got ReviewRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/review", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_ = json.NewEncoder(w).Encode(map[string]any{"approved": true, "comments": "ship it"})
	}))
	defer srv.Close()

	reviewer := NewHTTPReviewer(srv.URL+"/", time.Second)
	verdict, err := reviewer.Decide(context.Background(), ReviewRequest{
		JobID: "feature", StepID: "build", Approver: "qa", ApprovalType: models.ApprovalTypeReview,
		Artifacts: []string{"main.go"},
	})
	require.NoError(t, err)

	assert.True(t, verdict.Approved)
	assert.Equal(t, "ship it", verdict.Comments)
	assert.Equal(t, "qa", verdict.Reviewer)
	assert.Equal(t, "build", got.StepID)
	assert.Equal(t, []string{"main.go"}, got.Artifacts)
}

func TestHTTPReviewerErrors(t *testing.T) {
	failing := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer failing.Close()

	_, err := NewHTTPReviewer(failing.URL, time.Second).Decide(context.Background(), ReviewRequest{Approver: "qa"})
	assert.ErrorContains(t, err, "status code 502")

	garbled := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("not json"))
	}))
	defer garbled.Close()

	_, err = NewHTTPReviewer(garbled.URL, time.Second).Decide(context.Background(), ReviewRequest{Approver: "qa"})
	assert.ErrorContains(t, err, "failed to decode response body")
}

func TestHTTPReviewerConsult(t *testing.T) {
	var got ConsultRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/consult", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_ = json.NewEncoder(w).Encode(map[string]any{
			"guidance": "split the migration",
			"usage":    map[string]any{"tokens_used": 420, "cost_usd": 0.03},
		})
	}))
	defer srv.Close()

	guidance, err := NewHTTPReviewer(srv.URL, time.Second).Consult(context.Background(), ConsultRequest{
		AgentID: "architect", Question: "one migration or two?", JobID: "add-search",
	})
	require.NoError(t, err)

	assert.Equal(t, "architect", guidance.Agent)
	assert.Equal(t, "split the migration", guidance.Guidance)
	assert.Equal(t, Usage{TokensUsed: 420, CostUSD: 0.03}, guidance.Usage)
	assert.Equal(t, "one migration or two?", got.Question)
	assert.Equal(t, "add-search", got.JobID)

	failing := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer failing.Close()

	_, err = NewHTTPReviewer(failing.URL, time.Second).Consult(context.Background(), ConsultRequest{AgentID: "architect"})
	assert.ErrorContains(t, err, "failed to get consult from architect: status code 503")
}
