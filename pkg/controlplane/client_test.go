package controlplane

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func projectAllResponse(apps ...wireApplication) string {
	env := map[string]any{
		"result": map[string]any{
			"data": map[string]any{
				"json": []map[string]any{
					{
						"environments": []map[string]any{
							{"applications": apps},
						},
					},
				},
			},
		},
	}
	raw, _ := json.Marshal(env)
	return string(raw)
}

func TestListApplications_DisabledClientReturnsEmptyNoCalls(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
	}))
	defer srv.Close()

	c := New(srv.URL, "", time.Minute)
	require.False(t, c.Enabled())
	assert.Empty(t, c.ListApplications(context.Background()))
	assert.Zero(t, atomic.LoadInt32(&calls))
}

func TestListApplications_CachesWithinTTL(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		assert.Equal(t, "secret", r.Header.Get("x-api-key"))
		w.Write([]byte(projectAllResponse(wireApplication{ApplicationID: "1", AppName: "blog"})))
	}))
	defer srv.Close()

	c := New(srv.URL, "secret", time.Hour)
	apps := c.ListApplications(context.Background())
	require.Len(t, apps, 1)
	assert.Equal(t, "blog", apps[0].AppName)

	c.ListApplications(context.Background())
	assert.EqualValues(t, 1, atomic.LoadInt32(&calls))
}

func TestFindByAppName_DeepCopyPreventsCacheMutation(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(projectAllResponse(wireApplication{
			ApplicationID: "1",
			AppName:       "blog",
			LabelsSwarm:   map[string]string{"a": "b"},
		})))
	}))
	defer srv.Close()

	c := New(srv.URL, "secret", time.Hour)
	app, ok := c.FindByAppName(context.Background(), "blog")
	require.True(t, ok)
	app.LabelsSwarm["a"] = "mutated"

	again, ok := c.FindByAppName(context.Background(), "blog")
	require.True(t, ok)
	assert.Equal(t, "b", again.LabelsSwarm["a"])
}

func TestUpdateApplication_ForcesRefreshAfterWrite(t *testing.T) {
	var gets int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			atomic.AddInt32(&gets, 1)
			w.Write([]byte(projectAllResponse(wireApplication{ApplicationID: "1", AppName: "blog"})))
		case http.MethodPost:
			var body map[string]any
			json.NewDecoder(r.Body).Decode(&body)
			w.Write([]byte(`{"result":{"data":{"json":{}}}}`))
		}
	}))
	defer srv.Close()

	c := New(srv.URL, "secret", time.Hour)
	c.ListApplications(context.Background())
	assert.EqualValues(t, 1, atomic.LoadInt32(&gets))

	c.UpdateApplication(context.Background(), "1", map[string]string{"x": "y"}, nil)
	assert.EqualValues(t, 2, atomic.LoadInt32(&gets))
}

func TestUpdateDomain_PostsFieldsAndForcesRefresh(t *testing.T) {
	var gets, posts int32
	var lastBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			atomic.AddInt32(&gets, 1)
			w.Write([]byte(projectAllResponse(wireApplication{ApplicationID: "1", AppName: "blog"})))
		case http.MethodPost:
			atomic.AddInt32(&posts, 1)
			json.NewDecoder(r.Body).Decode(&lastBody)
			w.Write([]byte(`{"result":{"data":{"json":{}}}}`))
		}
	}))
	defer srv.Close()

	c := New(srv.URL, "secret", time.Hour)
	c.UpdateDomain(context.Background(), "domain-1", map[string]any{"host": "new.example.com"})

	assert.EqualValues(t, 1, atomic.LoadInt32(&posts))
	assert.EqualValues(t, 1, atomic.LoadInt32(&gets), "a successful write forces a cache refresh")
	entry, ok := lastBody["0"].(map[string]any)
	require.True(t, ok)
	payload, ok := entry["json"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "domain-1", payload["domainId"])
	assert.Equal(t, "new.example.com", payload["host"])
}

func TestRefresh_ErrorLeavesSnapshotIntact(t *testing.T) {
	var fail atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if fail.Load() {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Write([]byte(projectAllResponse(wireApplication{ApplicationID: "1", AppName: "blog"})))
	}))
	defer srv.Close()

	c := New(srv.URL, "secret", time.Millisecond)
	apps := c.ListApplications(context.Background())
	require.Len(t, apps, 1)

	fail.Store(true)
	time.Sleep(2 * time.Millisecond)
	apps = c.ListApplications(context.Background())
	require.Len(t, apps, 1, "stale snapshot should survive a failed refresh")
}
