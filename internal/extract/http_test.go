package extract

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/tsumugi/internal/model"
	"github.com/ashita-ai/tsumugi/internal/testutil"
)

func TestParseOracleResponse(t *testing.T) {
	clean := `{"topics":[{"name":"deploy-pipeline","confidence":0.9}],"atoms":[]}`

	tests := []struct {
		name     string
		response string
		wantErr  bool
	}{
		{name: "clean JSON", response: clean},
		{name: "markdown fenced", response: "```json\n" + clean + "\n```"},
		{name: "prose around JSON", response: "Here is what I found:\n" + clean + "\nLet me know if you need more."},
		{name: "empty", response: "", wantErr: true},
		{name: "no JSON at all", response: "I could not find any topics.", wantErr: true},
		{name: "broken JSON", response: `{"topics": [`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := ParseOracleResponse(tt.response)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.Len(t, result.Topics, 1)
			assert.Equal(t, "deploy-pipeline", result.Topics[0].Name)
		})
	}
}

func TestHTTPOracleExtract(t *testing.T) {
	msgID := uuid.New()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))

		var req chatRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "gpt-4o-mini", req.Model)
		require.Len(t, req.Messages, 1)
		assert.Contains(t, req.Messages[0].Content, msgID.String())

		content := `{"topics":[{"name":"db-failover","description":"failover drill","confidence":0.85,` +
			`"related_message_ids":["` + msgID.String() + `"]}],` +
			`"atoms":[{"type":"decision","title":"Run drill at ten","confidence":0.8,"topic":"db-failover",` +
			`"links":[{"target":"postmortem","type":"relates_to"},{"target":"","type":"solves"}]}]}`
		_ = json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{
				{"message": map[string]any{"content": "```json\n" + content + "\n```"}},
			},
		})
	}))
	defer srv.Close()

	oracle := NewHTTPOracle(srv.URL+"/v1", "test-key", testutil.TestLogger())
	result, err := oracle.Extract(context.Background(), []model.Message{
		{ID: msgID, ChannelID: "ops", Author: "rin", Content: "db failover drill at ten", SentAt: time.Now()},
	}, model.ConfigSnapshot{Model: "gpt-4o-mini"})
	require.NoError(t, err)

	require.Len(t, result.Topics, 1)
	assert.Equal(t, "db-failover", result.Topics[0].Name)
	assert.Equal(t, []uuid.UUID{msgID}, result.Topics[0].MessageIDs)

	require.Len(t, result.Atoms, 1)
	// The link with an empty target was dropped during sanitization.
	require.Len(t, result.Atoms[0].Links, 1)
	assert.Equal(t, "postmortem", result.Atoms[0].Links[0].TargetName)
}

func TestHTTPOracleExtract_APIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "rate limited", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	oracle := NewHTTPOracle(srv.URL, "", testutil.TestLogger())
	_, err := oracle.Extract(context.Background(), nil, model.ConfigSnapshot{Model: "gpt-4o-mini"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 429")
}

func TestHTTPOracleSanitize_ClampsConfidence(t *testing.T) {
	oracle := NewHTTPOracle("http://unused", "", testutil.TestLogger())
	result := Result{
		Topics: []TopicCandidate{
			{Name: "valid", Confidence: 1.7},
			{Name: "  ", Confidence: 0.9},
		},
		Atoms: []AtomCandidate{
			{Title: "valid atom", Confidence: -0.2},
		},
	}
	oracle.sanitize(&result)

	require.Len(t, result.Topics, 1)
	assert.Equal(t, float32(1), result.Topics[0].Confidence)
	require.Len(t, result.Atoms, 1)
	assert.Equal(t, float32(0), result.Atoms[0].Confidence)
}
