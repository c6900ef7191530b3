package httpremote

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

	"github.com/starford/jobtrail/internal/entity"
	"github.com/starford/jobtrail/internal/remote"
)

// fakeService is a minimal implementation of the collection API.
type fakeService struct {
	mu      sync.Mutex
	records map[string]map[string]wireRecord
	seq     int
	token   string
	status  int // forced status for every API call when non-zero
	refresh int
}

func newFakeService() *fakeService {
	return &fakeService{records: map[string]map[string]wireRecord{}, token: "fresh-token"}
}

func (f *fakeService) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /oauth/token", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.refresh++
		f.mu.Unlock()
		if r.FormValue("refresh_token") != "good-refresh" {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusBadRequest)
			fmt.Fprint(w, `{"error":"invalid_grant"}`)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"access_token":%q,"token_type":"Bearer","expires_in":3600}`, f.token)
	})
	mux.HandleFunc("/api/{coll}", f.collection)
	mux.HandleFunc("/api/{coll}/{ref}", f.item)
	return mux
}

func (f *fakeService) setStatus(status int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.status = status
}

func (f *fakeService) authorized(w http.ResponseWriter, r *http.Request) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.status != 0 {
		w.WriteHeader(f.status)
		return false
	}
	if r.Header.Get("Authorization") != "Bearer "+f.token {
		w.WriteHeader(http.StatusUnauthorized)
		return false
	}
	return true
}

func (f *fakeService) collection(w http.ResponseWriter, r *http.Request) {
	if !f.authorized(w, r) {
		return
	}
	coll := r.PathValue("coll")
	f.mu.Lock()
	defer f.mu.Unlock()
	switch r.Method {
	case http.MethodGet:
		out := []wireRecord{}
		for _, rec := range f.records[coll] {
			out = append(out, rec)
		}
		_ = json.NewEncoder(w).Encode(out)
	case http.MethodPost:
		var in wireWrite
		_ = json.NewDecoder(r.Body).Decode(&in)
		f.seq++
		rec := wireRecord{Ref: fmt.Sprintf("row-%d", f.seq), EntityID: in.EntityID, UpdatedAt: time.Now().UTC(), Fields: in.Fields}
		if f.records[coll] == nil {
			f.records[coll] = map[string]wireRecord{}
		}
		f.records[coll][rec.Ref] = rec
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(rec)
	}
}

func (f *fakeService) item(w http.ResponseWriter, r *http.Request) {
	if !f.authorized(w, r) {
		return
	}
	coll, ref := r.PathValue("coll"), r.PathValue("ref")
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.records[coll][ref]
	if !ok {
		http.NotFound(w, r)
		return
	}
	switch r.Method {
	case http.MethodPut:
		var in wireWrite
		_ = json.NewDecoder(r.Body).Decode(&in)
		rec.Fields = in.Fields
		rec.UpdatedAt = time.Now().UTC()
		f.records[coll][ref] = rec
		w.WriteHeader(http.StatusNoContent)
	case http.MethodDelete:
		delete(f.records[coll], ref)
		w.WriteHeader(http.StatusNoContent)
	}
}

func setup(t *testing.T, creds Credentials) (*Remote, *fakeService, *httptest.Server) {
	t.Helper()
	svc := newFakeService()
	srv := httptest.NewServer(svc.handler())
	t.Cleanup(srv.Close)
	if creds.TokenURL == "" && creds.RefreshToken != "" {
		creds.TokenURL = srv.URL + "/oauth/token"
	}
	r, err := New(Config{Name: "sheets", BaseURL: srv.URL + "/api/", Credentials: creds})
	require.NoError(t, err)
	return r, svc, srv
}

func acme() *entity.Pipeline {
	p := &entity.Pipeline{Company: "Acme", Role: "Engineer", Status: entity.StatusApplied, Priority: 2}
	p.ID = "p-1"
	return p
}

func TestRefreshTokenFlow(t *testing.T) {
	r, svc, _ := setup(t, Credentials{ClientID: "jobtrail", RefreshToken: "good-refresh"})
	ctx := context.Background()

	ref, err := r.Push(ctx, acme())
	require.NoError(t, err)
	assert.Equal(t, "row-1", ref)

	recs, err := r.Pull(ctx, entity.KindPipeline)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "p-1", recs[0].EntityID)
	svc.mu.Lock()
	assert.Equal(t, 1, svc.refresh)
	svc.mu.Unlock()

	e, err := recs[0].Decode(entity.SurfacePrimary)
	require.NoError(t, err)
	assert.Equal(t, "Acme", e.(*entity.Pipeline).Company)
}

func TestPushUpdateAndRecreate(t *testing.T) {
	r, svc, _ := setup(t, Credentials{AccessToken: "fresh-token"})
	ctx := context.Background()

	p := acme()
	ref, err := r.Push(ctx, p)
	require.NoError(t, err)

	p.RemoteRef = ref
	p.Notes = "onsite next week"
	again, err := r.Push(ctx, p)
	require.NoError(t, err)
	assert.Equal(t, ref, again)

	// Removed on the service side: the update recreates it.
	svc.mu.Lock()
	delete(svc.records["pipelines"], ref)
	svc.mu.Unlock()
	recreated, err := r.Push(ctx, p)
	require.NoError(t, err)
	assert.NotEqual(t, ref, recreated)
}

func TestDeleteMissingIsNoop(t *testing.T) {
	r, _, _ := setup(t, Credentials{AccessToken: "fresh-token"})
	assert.NoError(t, r.Delete(context.Background(), entity.KindQuestion, "row-404"))
}

func TestErrorClassification(t *testing.T) {
	t.Run("revoked refresh token", func(t *testing.T) {
		r, _, _ := setup(t, Credentials{RefreshToken: "revoked"})
		_, err := r.Pull(context.Background(), entity.KindPipeline)
		assert.ErrorIs(t, err, remote.ErrAuthRequired)
	})

	t.Run("stale access token", func(t *testing.T) {
		r, _, _ := setup(t, Credentials{AccessToken: "expired"})
		_, err := r.Pull(context.Background(), entity.KindPipeline)
		assert.ErrorIs(t, err, remote.ErrAuthRequired)
	})

	t.Run("server error", func(t *testing.T) {
		r, svc, _ := setup(t, Credentials{AccessToken: "fresh-token"})
		svc.setStatus(http.StatusBadGateway)
		_, err := r.Push(context.Background(), acme())
		assert.ErrorIs(t, err, remote.ErrUnreachable)
	})

	t.Run("server down", func(t *testing.T) {
		r, _, srv := setup(t, Credentials{AccessToken: "fresh-token"})
		srv.Close()
		_, err := r.Pull(context.Background(), entity.KindPipeline)
		assert.ErrorIs(t, err, remote.ErrUnreachable)
	})

	t.Run("bad request is neither", func(t *testing.T) {
		r, svc, _ := setup(t, Credentials{AccessToken: "fresh-token"})
		svc.setStatus(http.StatusBadRequest)
		_, err := r.Push(context.Background(), acme())
		require.Error(t, err)
		assert.False(t, remote.IsRetryable(err))
		assert.NotErrorIs(t, err, remote.ErrAuthRequired)
	})
}

func TestNew_RequiresBaseURL(t *testing.T) {
	_, err := New(Config{Name: "sheets", BaseURL: "  "})
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "base url"))
}
