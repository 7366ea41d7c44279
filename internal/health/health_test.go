package health

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/terrpan/runnerhost/internal/store"
)

func statsOf(st store.Statistics, ok bool) StatsFunc {
	return func() (store.Statistics, bool) { return st, ok }
}

var testInfo = Info{HostID: "node-1", Sources: []string{"docker.logs", "sequence"}}

func TestHandlerReturnsStatusOK(t *testing.T) {
	handler := Handler(testInfo, nil)
	req := httptest.NewRequest("GET", "/healthz", nil)
	w := httptest.NewRecorder()

	handler(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
}

func TestHandlerResponseStructure(t *testing.T) {
	handler := Handler(testInfo, statsOf(store.Statistics{Sessions: 2, Runners: 5, Size: 7}, true))
	req := httptest.NewRequest("GET", "/healthz", nil)
	w := httptest.NewRecorder()

	handler(w, req)

	var resp Response
	err := json.Unmarshal(w.Body.Bytes(), &resp)
	require.NoError(t, err)

	assert.Equal(t, "healthy", resp.Status)
	assert.Equal(t, "runnerhost", resp.ServiceName)
	assert.Equal(t, "node-1", resp.HostID)
	assert.Equal(t, []string{"docker.logs", "sequence"}, resp.Sources)
	assert.NotEmpty(t, resp.Version)
	assert.NotEmpty(t, resp.Commit)
	assert.NotEmpty(t, resp.BuildTime)
	assert.NotEmpty(t, resp.GoVersion)
	assert.NotEmpty(t, resp.OS)
	assert.NotEmpty(t, resp.Architecture)
	assert.False(t, resp.Timestamp.IsZero())
	require.NotNil(t, resp.Store)
	assert.Equal(t, int64(2), resp.Store.Sessions)
	assert.Equal(t, int64(5), resp.Store.Runners)
	assert.Equal(t, int64(7), resp.Store.Size)
}

func TestHandlerOmitsDisabledStatistics(t *testing.T) {
	handler := Handler(testInfo, statsOf(store.Statistics{}, false))
	req := httptest.NewRequest("GET", "/healthz", nil)
	w := httptest.NewRecorder()

	handler(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.False(t, strings.Contains(w.Body.String(), `"store"`))
}

func TestStatsHandler(t *testing.T) {
	t.Run("enabled", func(t *testing.T) {
		w := httptest.NewRecorder()
		StatsHandler(statsOf(store.Statistics{SessionsCreated: 3}, true))(w, httptest.NewRequest("GET", "/stats", nil))

		assert.Equal(t, http.StatusOK, w.Code)
		var st store.Statistics
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &st))
		assert.Equal(t, int64(3), st.SessionsCreated)
	})

	t.Run("disabled", func(t *testing.T) {
		w := httptest.NewRecorder()
		StatsHandler(statsOf(store.Statistics{}, false))(w, httptest.NewRequest("GET", "/stats", nil))

		assert.Equal(t, http.StatusNotFound, w.Code)
		assert.Contains(t, w.Body.String(), "disabled")
	})
}

func TestRouter(t *testing.T) {
	metrics := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("# metrics\n"))
	})
	srv := httptest.NewServer(NewRouter(testInfo, statsOf(store.Statistics{}, true), metrics))
	defer srv.Close()

	for path, want := range map[string]int{
		"/healthz": http.StatusOK,
		"/stats":   http.StatusOK,
		"/metrics": http.StatusOK,
		"/nope":    http.StatusNotFound,
	} {
		t.Run(path, func(t *testing.T) {
			resp, err := http.Get(srv.URL + path)
			require.NoError(t, err)
			defer resp.Body.Close()
			assert.Equal(t, want, resp.StatusCode)
		})
	}

	resp, err := http.Post(srv.URL+"/healthz", "application/json", nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestRouterWithoutMetrics(t *testing.T) {
	srv := httptest.NewServer(NewRouter(testInfo, statsOf(store.Statistics{}, true), nil))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}
