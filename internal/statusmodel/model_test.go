package statusmodel

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/repoledger/repoledger/internal/evidence"
	"github.com/repoledger/repoledger/internal/faults"
	"github.com/repoledger/repoledger/internal/models"
)

func bundleWith(counts map[evidence.WorkType]int) evidence.Bundle {
	base := time.Date(2024, 7, 1, 0, 0, 0, 0, time.UTC)
	b := evidence.Bundle{
		Repository:  models.Repository{ID: uuid.New(), Owner: "octo", Name: "reef"},
		WindowStart: base,
		WindowEnd:   base.AddDate(0, 0, 7),
	}
	for wt, n := range counts {
		group := evidence.Group{WorkType: wt}
		for i := 0; i < n; i++ {
			group.Facts = append(group.Facts, evidence.Fact{
				ID:         uuid.New(),
				EventType:  models.EventTypeCommit,
				OccurredAt: base.Add(time.Duration(i) * time.Hour),
				Title:      string(wt) + " work",
				WorkType:   wt,
			})
		}
		b.Groups = append(b.Groups, group)
	}
	return b
}

func TestHeuristicStatusRules(t *testing.T) {
	ctx := context.Background()
	h := NewHeuristic()

	onTrack, err := h.SummariseRepository(ctx, bundleWith(map[evidence.WorkType]int{
		evidence.WorkFeature: 3, evidence.WorkBug: 1,
	}))
	require.NoError(t, err)
	require.Equal(t, models.StatusOnTrack, onTrack.Status)
	require.NotEmpty(t, onTrack.SummaryText)

	atRisk, err := h.SummariseRepository(ctx, bundleWith(map[evidence.WorkType]int{
		evidence.WorkFeature: 1, evidence.WorkBug: 3,
	}))
	require.NoError(t, err)
	require.Equal(t, models.StatusAtRisk, atRisk.Status)
	require.NotEmpty(t, atRisk.Risks)

	blocked, err := h.SummariseRepository(ctx, bundleWith(map[evidence.WorkType]int{
		evidence.WorkBug: 2,
	}))
	require.NoError(t, err)
	require.Equal(t, models.StatusBlocked, blocked.Status)
}

func TestHeuristicDeterministic(t *testing.T) {
	ctx := context.Background()
	h := NewHeuristic()
	bundle := bundleWith(map[evidence.WorkType]int{evidence.WorkFeature: 2, evidence.WorkChore: 1})

	first, err := h.SummariseRepository(ctx, bundle)
	require.NoError(t, err)
	second, err := h.SummariseRepository(ctx, bundle)
	require.NoError(t, err)
	require.Equal(t, first, second)
}

func chatServer(t *testing.T, handler http.HandlerFunc) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return srv
}

func TestChatCompletionParsesSummaryAndUsage(t *testing.T) {
	content, _ := json.Marshal(wireSummary{
		Status:      "at_risk",
		SummaryText: "two regressions under investigation",
		Risks:       []string{"login flow broken"},
	})
	srv := chatServer(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		var req chatRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.Equal(t, "reporter-1", req.Model)
		require.Len(t, req.Messages, 2)

		resp := map[string]interface{}{
			"choices": []map[string]interface{}{
				{"message": map[string]string{"role": "assistant", "content": string(content)}},
			},
			"usage": map[string]int{"prompt_tokens": 120, "completion_tokens": 40, "total_tokens": 160},
		}
		json.NewEncoder(w).Encode(resp)
	})

	model, err := NewChatCompletion(ChatCompletionConfig{
		Endpoint: srv.URL, APIKey: "secret", Model: "reporter-1",
	})
	require.NoError(t, err)

	summary, err := model.SummariseRepository(context.Background(), bundleWith(map[evidence.WorkType]int{evidence.WorkBug: 2}))
	require.NoError(t, err)
	require.Equal(t, models.StatusAtRisk, summary.Status)
	require.Equal(t, "two regressions under investigation", summary.SummaryText)
	require.NotNil(t, summary.Usage)
	require.Equal(t, 160, summary.Usage.TotalTokens)
}

func TestChatCompletionRetriesServerErrors(t *testing.T) {
	var calls int32
	content, _ := json.Marshal(wireSummary{Status: "on_track", SummaryText: "fine"})
	srv := chatServer(t, func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			http.Error(w, "bad gateway", http.StatusBadGateway)
			return
		}
		json.NewEncoder(w).Encode(map[string]interface{}{
			"choices": []map[string]interface{}{
				{"message": map[string]string{"role": "assistant", "content": string(content)}},
			},
		})
	})

	model, err := NewChatCompletion(ChatCompletionConfig{Endpoint: srv.URL, Model: "reporter-1"})
	require.NoError(t, err)

	summary, err := model.SummariseRepository(context.Background(), bundleWith(nil))
	require.NoError(t, err)
	require.Equal(t, models.StatusOnTrack, summary.Status)
	require.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestChatCompletionSurfacesClientErrors(t *testing.T) {
	var calls int32
	srv := chatServer(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		http.Error(w, "unauthorised", http.StatusUnauthorized)
	})

	model, err := NewChatCompletion(ChatCompletionConfig{Endpoint: srv.URL, Model: "reporter-1"})
	require.NoError(t, err)

	_, err = model.SummariseRepository(context.Background(), bundleWith(nil))
	require.Error(t, err)
	require.Equal(t, faults.Remote4xx, faults.KindOf(err))
	require.Equal(t, int32(1), atomic.LoadInt32(&calls), "4xx must not be retried")
}

func TestChatCompletionRejectsMalformedOutput(t *testing.T) {
	srv := chatServer(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{
			"choices": []map[string]interface{}{
				{"message": map[string]string{"role": "assistant", "content": "not json at all"}},
			},
		})
	})

	model, err := NewChatCompletion(ChatCompletionConfig{Endpoint: srv.URL, Model: "reporter-1"})
	require.NoError(t, err)

	_, err = model.SummariseRepository(context.Background(), bundleWith(nil))
	require.Error(t, err)
	require.Equal(t, faults.SchemaDrift, faults.KindOf(err))
}
