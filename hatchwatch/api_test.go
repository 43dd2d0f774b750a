package hatchwatch

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestAPI(t testing.TB, mut func(*APIConfig)) (*API, *RecordStore) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	cfg := DefaultConfig().API
	cfg.RateLimit = 1000
	cfg.RateWindow = time.Minute
	if mut != nil {
		mut(cfg)
	}
	store := newTestStore(t)
	return newAPI(cfg, store), store
}

func apiRequest(api *API, method, target string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req := httptest.NewRequest(method, target, nil)
	api.engine.ServeHTTP(w, req)
	return w
}

func TestAPIMissingStore(t *testing.T) {
	api, _ := newTestAPI(t, nil)

	w := apiRequest(api, http.MethodGet, apiPathHatches)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, noHatchesFileMessage, w.Body.String())
}

func TestAPIGetHatches(t *testing.T) {
	api, store := newTestAPI(t, nil)
	for i := 1; i <= 30; i++ {
		appendRecords(t, store, HatchRecord{ID: fmt.Sprint(i)})
	}

	w := apiRequest(api, http.MethodGet, apiPathHatches)
	require.Equal(t, http.StatusOK, w.Code)

	var recs []HatchRecord
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &recs))
	require.Len(t, recs, defaultQueryNum)
	assert.Equal(t, "30", recs[0].ID)
	assert.Equal(t, "10", recs[len(recs)-1].ID)
}

func TestAPINumClamping(t *testing.T) {
	api, store := newTestAPI(t, nil)
	for i := 1; i <= 150; i++ {
		appendRecords(t, store, HatchRecord{ID: fmt.Sprint(i)})
	}

	tests := []struct {
		param    string
		expected int
	}{
		{"num=5", 5},
		{"num=0", 1},
		{"num=-3", 1},
		{"num=500", maxQueryNum},
		{"num=banana", defaultQueryNum},
	}
	for _, tt := range tests {
		t.Run(
			tt.param, func(t *testing.T) {
				w := apiRequest(
					api,
					http.MethodGet,
					apiPathHatches+"?"+tt.param,
				)
				require.Equal(t, http.StatusOK, w.Code)
				var recs []HatchRecord
				require.NoError(
					t,
					json.Unmarshal(w.Body.Bytes(), &recs),
				)
				assert.Len(t, recs, tt.expected)
			},
		)
	}
}

func TestAPIQueryModes(t *testing.T) {
	api, store := newTestAPI(t, nil)
	appendRecords(
		t, store,
		HatchRecord{ID: "1", HatchedBy: "Alice (@alice_123)"},
		HatchRecord{ID: "2"},
		HatchRecord{ID: "3", HatchedBy: "bob"},
	)

	decode := func(w *httptest.ResponseRecorder) []HatchRecord {
		var recs []HatchRecord
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &recs))
		return recs
	}

	w := apiRequest(api, http.MethodGet, apiPathHatches+"?oldest")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []string{"3", "2", "1"}, recordIDs(decode(w)))

	w = apiRequest(api, http.MethodGet, apiPathHatches+"?verified")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []string{"3", "1"}, recordIDs(decode(w)))

	w = apiRequest(api, http.MethodGet, apiPathHatches+"?after=3")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []string{"2", "1"}, recordIDs(decode(w)))

	w = apiRequest(api, http.MethodGet, apiPathHatches+"?username=alice")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []string{"1"}, recordIDs(decode(w)))

	// no matches serializes as an empty array, not null
	w = apiRequest(api, http.MethodGet, apiPathHatches+"?username=nobody")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "[]", w.Body.String())
}

func TestAPIRateLimited(t *testing.T) {
	api, store := newTestAPI(
		t, func(cfg *APIConfig) {
			cfg.RateLimit = 2
			cfg.RateWindow = 200 * time.Millisecond
		},
	)
	appendRecords(t, store, HatchRecord{ID: "1"})

	for i := 0; i < 2; i++ {
		w := apiRequest(api, http.MethodGet, apiPathHatches)
		require.Equal(t, http.StatusOK, w.Code)
	}

	w := apiRequest(api, http.MethodGet, apiPathHatches)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, rateLimitedMessage, w.Body.String())

	// the window rolls: once the earlier requests age out, new ones
	// are admitted again
	time.Sleep(250 * time.Millisecond)
	w = apiRequest(api, http.MethodGet, apiPathHatches)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestAPICORSHeaders(t *testing.T) {
	api, store := newTestAPI(t, nil)
	appendRecords(t, store, HatchRecord{ID: "1"})

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, apiPathHatches, nil)
	req.Header.Set("Origin", "https://example.com")
	api.engine.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))

	w = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodOptions, apiPathHatches, nil)
	req.Header.Set("Origin", "https://example.com")
	req.Header.Set("Access-Control-Request-Method", http.MethodGet)
	api.engine.ServeHTTP(w, req)
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))

	// an OPTIONS request with no Origin header gets a 204 too
	w = apiRequest(api, http.MethodOptions, apiPathHatches)
	assert.Equal(t, http.StatusNoContent, w.Code)
}

func TestSlidingWindowAllow(t *testing.T) {
	limiter := newSlidingWindow(2, 100*time.Millisecond)

	assert.True(t, limiter.Allow())
	assert.True(t, limiter.Allow())
	assert.False(t, limiter.Allow())

	time.Sleep(120 * time.Millisecond)
	assert.True(t, limiter.Allow())
}

func TestSlidingWindowRejectionsNotRecorded(t *testing.T) {
	limiter := newSlidingWindow(1, 150*time.Millisecond)

	require.True(t, limiter.Allow())
	for i := 0; i < 10; i++ {
		assert.False(t, limiter.Allow())
	}

	// only the single admitted request occupies the window, so one
	// request is admitted as soon as it expires
	time.Sleep(180 * time.Millisecond)
	assert.True(t, limiter.Allow())
}
