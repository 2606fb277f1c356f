package peerproto

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/charmbracelet/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/defgrid/vpn-coordinator/internal/state"
)

type fakeHandler struct {
	localStatus state.SiteStatus
	encoded     []byte
	encodeErr   error

	siteStatusCalls []struct {
		siteID string
		status state.SiteStatus
	}
	enqueued []struct {
		siteID, vname string
		status        state.VPNStatus
	}
}

func (f *fakeHandler) HandleSiteStatus(ctx context.Context, siteID string, status state.SiteStatus) {
	f.siteStatusCalls = append(f.siteStatusCalls, struct {
		siteID string
		status state.SiteStatus
	}{siteID, status})
}

func (f *fakeHandler) EncodeState() ([]byte, error) { return f.encoded, f.encodeErr }

func (f *fakeHandler) LocalSiteStatus() state.SiteStatus { return f.localStatus }

func (f *fakeHandler) EnqueuePeerVPNStatus(siteID, vname string, status state.VPNStatus) {
	f.enqueued = append(f.enqueued, struct {
		siteID, vname string
		status        state.VPNStatus
	}{siteID, vname, status})
}

func TestPullHandlerMarksCallerOnlineAndReturnsState(t *testing.T) {
	h := &fakeHandler{localStatus: state.SiteOnline, encoded: []byte(`{"id":"site-a"}`)}
	srv := NewServer(h, log.New(io.Discard))

	body, _ := json.Marshal(map[string]string{"site_id": "site-b"})
	req := httptest.NewRequest(http.MethodGet, "/peer/pull_state", bytes.NewReader(body))
	rec := httptest.NewRecorder()

	srv.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"id":"site-a"}`, rec.Body.String())
	require.Len(t, h.siteStatusCalls, 1)
	assert.Equal(t, "site-b", h.siteStatusCalls[0].siteID)
	assert.Equal(t, state.SiteOnline, h.siteStatusCalls[0].status)
}

func TestPullHandlerIgnoredWhenLocalAdminOffline(t *testing.T) {
	h := &fakeHandler{localStatus: state.SiteAdminOffline, encoded: []byte(`{}`)}
	srv := NewServer(h, log.New(io.Discard))

	body, _ := json.Marshal(map[string]string{"site_id": "site-b"})
	req := httptest.NewRequest(http.MethodGet, "/peer/pull_state", bytes.NewReader(body))
	rec := httptest.NewRecorder()

	srv.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, h.siteStatusCalls, "admin offline must skip marking the caller online")
}

func TestPushHandlerEnqueuesTriplesFromCaller(t *testing.T) {
	h := &fakeHandler{localStatus: state.SiteOnline}
	srv := NewServer(h, log.New(io.Discard))

	doc := `{"id":"site-b","replica_mode":"Auto","state":{"site-b":{"id":"site-b","vpn":{"dynvpn1":"Online"}}}}`
	req := httptest.NewRequest(http.MethodPost, "/peer/push_state", bytes.NewReader([]byte(doc)))
	rec := httptest.NewRecorder()

	srv.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, h.enqueued, 1)
	assert.Equal(t, "site-b", h.enqueued[0].siteID)
	assert.Equal(t, "dynvpn1", h.enqueued[0].vname)
	assert.Equal(t, state.VPNOnline, h.enqueued[0].status)
	require.Len(t, h.siteStatusCalls, 1)
	assert.Equal(t, "site-b", h.siteStatusCalls[0].siteID)
}

func TestPushHandlerIgnoredWhenLocalAdminOffline(t *testing.T) {
	h := &fakeHandler{localStatus: state.SiteAdminOffline}
	srv := NewServer(h, log.New(io.Discard))

	doc := `{"id":"site-b","replica_mode":"Auto","state":{"site-b":{"id":"site-b","vpn":{"dynvpn1":"Online"}}}}`
	req := httptest.NewRequest(http.MethodPost, "/peer/push_state", bytes.NewReader([]byte(doc)))
	rec := httptest.NewRecorder()

	srv.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, h.enqueued)
	assert.Empty(t, h.siteStatusCalls)
}
