package checkpoint

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"deedwatch/internal/nav"
)

type kvServer struct {
	states map[string]State
	writes int
}

func newKVServer() (*kvServer, *httptest.Server) {
	kv := &kvServer{states: map[string]State{}}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			state, ok := kv.states[r.URL.Path[len("/kv/"):]]
			if !ok {
				w.WriteHeader(http.StatusNotFound)
				return
			}
			json.NewEncoder(w).Encode(state)
		case http.MethodPost:
			var body struct {
				Key   string `json:"key"`
				Value State  `json:"value"`
			}
			json.NewDecoder(r.Body).Decode(&body)
			kv.states[body.Key] = body.Value
			kv.writes++
			w.WriteHeader(http.StatusOK)
		}
	}))
	return kv, srv
}

func TestReadWriteRoundTrip(t *testing.T) {
	kv, srv := newKVServer()
	defer srv.Close()

	store := NewStore("orlando_fl", Options{BaseURL: srv.URL, Token: "secret"})
	ctx := context.Background()

	_, ok, err := store.Read(ctx)
	require.NoError(t, err)
	require.False(t, ok)

	store.Write(ctx, "1002")
	require.Equal(t, 1, kv.writes)

	state, ok, err := store.Read(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "1002", state.LastProcessedNode)
	require.False(t, state.LastRun.IsZero())
}

type fakeCursor struct {
	node string
	sets []string
}

func (f *fakeCursor) SetCursor(ctx context.Context, scraperID, node string) error {
	f.sets = append(f.sets, node)
	f.node = node
	return nil
}

func (f *fakeCursor) Cursor(ctx context.Context, scraperID string) (string, time.Time, bool, error) {
	if f.node == "" {
		return "", time.Time{}, false, nil
	}
	return f.node, time.Unix(1700000000, 0), true, nil
}

func TestReadFallsBackToLocalCursor(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	local := &fakeCursor{node: "1001"}
	store := NewStore("orlando_fl", Options{
		BaseURL:   srv.URL,
		Retries:   1,
		RetryWait: time.Millisecond,
		Local:     local,
	})

	state, ok, err := store.Read(context.Background())
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "1001", state.LastProcessedNode)
}

func TestWriteShadowsLocalCursorAndSurvivesBackendOutage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	local := &fakeCursor{}
	store := NewStore("orlando_fl", Options{
		BaseURL:   srv.URL,
		Retries:   1,
		RetryWait: time.Millisecond,
		Local:     local,
	})

	store.Write(context.Background(), "1003")
	require.Equal(t, []string{"1003"}, local.sets)
}

func TestStartIndex(t *testing.T) {
	lots := []nav.Lot{{Node: "1001"}, {Node: "1002"}, {Node: "1003"}}

	for _, tc := range []struct {
		name     string
		lastNode string
		want     int
	}{
		{"no checkpoint starts at top", "", 0},
		{"resumes after last processed", "1002", 2},
		{"last record done means past the end", "1003", 3},
		{"vanished node restarts from top", "9999", 0},
	} {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, StartIndex(lots, tc.lastNode))
		})
	}
}
