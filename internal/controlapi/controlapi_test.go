package controlapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/charmbracelet/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/defgrid/vpn-coordinator/internal/state"
)

type fakeCoordinator struct {
	knownVPNs   map[string]bool
	replicaMode state.ReplicaMode

	onlineErr  error
	offlineErr error
	replicaErr error
	restartErr error
	shutdownErr error

	onlineCalls  int
	restartCalls int
}

func (f *fakeCoordinator) VPNOnline(ctx context.Context, vname string, broadcast, timeoutThrow, lock bool, retries int) (bool, error) {
	f.onlineCalls++
	return f.onlineErr == nil, f.onlineErr
}
func (f *fakeCoordinator) VPNOffline(ctx context.Context, vname string, broadcast, lock bool) error {
	return f.offlineErr
}
func (f *fakeCoordinator) VPNReplica(ctx context.Context, vname string, broadcast, lock bool) error {
	return f.replicaErr
}
func (f *fakeCoordinator) VPNRestart(ctx context.Context, vname string, lock bool) error {
	f.restartCalls++
	return f.restartErr
}
func (f *fakeCoordinator) EncodeState() ([]byte, error) { return []byte(`{"id":"site-a"}`), nil }
func (f *fakeCoordinator) DebugState() ([]byte, error)  { return []byte(`{"tasks":[]}`), nil }
func (f *fakeCoordinator) Shutdown(ctx context.Context) error { return f.shutdownErr }
func (f *fakeCoordinator) SetReplicaMode(mode state.ReplicaMode) { f.replicaMode = mode }
func (f *fakeCoordinator) ReplicaMode() state.ReplicaMode        { return f.replicaMode }
func (f *fakeCoordinator) HasLocalVPN(vname string) bool         { return f.knownVPNs[vname] }

func newTestAPI(f *fakeCoordinator) *API {
	return New(f, time.Second, log.New(io.Discard))
}

func decodeResult(t *testing.T, body io.Reader) map[string]string {
	t.Helper()
	var m map[string]string
	require.NoError(t, json.NewDecoder(body).Decode(&m))
	return m
}

func TestSetOnlineUnknownVPNReturns200WithError(t *testing.T) {
	f := &fakeCoordinator{knownVPNs: map[string]bool{}}
	api := newTestAPI(f)

	req := httptest.NewRequest(http.MethodPost, "/vpn/set_online/dynvpn1", nil)
	rec := httptest.NewRecorder()
	api.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code, "application errors must still be HTTP 200 per the control API contract")
	m := decodeResult(t, rec.Body)
	assert.Contains(t, m["error"], "unknown VPN")
	assert.Equal(t, 0, f.onlineCalls)
}

func TestSetOnlineSuccessReturnsEmptyObject(t *testing.T) {
	f := &fakeCoordinator{knownVPNs: map[string]bool{"dynvpn1": true}}
	api := newTestAPI(f)

	req := httptest.NewRequest(http.MethodPost, "/vpn/set_online/dynvpn1", nil)
	rec := httptest.NewRecorder()
	api.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{}`, rec.Body.String())
	assert.Equal(t, 1, f.onlineCalls)
}

func TestSetOnlineTimeoutReportsTimedOut(t *testing.T) {
	f := &fakeCoordinator{knownVPNs: map[string]bool{"dynvpn1": true}, onlineErr: context.DeadlineExceeded}
	api := newTestAPI(f)

	req := httptest.NewRequest(http.MethodPost, "/vpn/set_online/dynvpn1", nil)
	rec := httptest.NewRecorder()
	api.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	m := decodeResult(t, rec.Body)
	assert.Equal(t, "timed out", m["error"])
}

func TestSetReplicaRefusedWhenReplicaModeDisabled(t *testing.T) {
	f := &fakeCoordinator{knownVPNs: map[string]bool{"dynvpn1": true}, replicaMode: state.ReplicaDisabled}
	api := newTestAPI(f)

	req := httptest.NewRequest(http.MethodPost, "/vpn/set_replica/dynvpn1", nil)
	rec := httptest.NewRecorder()
	api.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	m := decodeResult(t, rec.Body)
	assert.Contains(t, m["error"], "Disabled")
}

func TestSetReplicaModeValidatesValue(t *testing.T) {
	f := &fakeCoordinator{}
	api := newTestAPI(f)

	req := httptest.NewRequest(http.MethodPost, "/set_replica_mode/Bogus", nil)
	rec := httptest.NewRecorder()
	api.Handler().ServeHTTP(rec, req)

	m := decodeResult(t, rec.Body)
	assert.Contains(t, m["error"], "unknown replica_mode")
	assert.Equal(t, state.ReplicaMode(""), f.replicaMode)

	req2 := httptest.NewRequest(http.MethodPost, "/set_replica_mode/Manual", nil)
	rec2 := httptest.NewRecorder()
	api.Handler().ServeHTTP(rec2, req2)
	assert.JSONEq(t, `{}`, rec2.Body.String())
	assert.Equal(t, state.ReplicaManual, f.replicaMode)
}

func TestRestartUnknownVPNReturns200WithError(t *testing.T) {
	f := &fakeCoordinator{knownVPNs: map[string]bool{}}
	api := newTestAPI(f)

	req := httptest.NewRequest(http.MethodPost, "/vpn/restart/dynvpn1", nil)
	rec := httptest.NewRecorder()
	api.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	m := decodeResult(t, rec.Body)
	assert.Contains(t, m["error"], "unknown VPN")
	assert.Equal(t, 0, f.restartCalls)
}

func TestRestartCallsLowLevelRestartNotOfflineOnline(t *testing.T) {
	f := &fakeCoordinator{knownVPNs: map[string]bool{"dynvpn1": true}}
	api := newTestAPI(f)

	req := httptest.NewRequest(http.MethodPost, "/vpn/restart/dynvpn1", nil)
	rec := httptest.NewRecorder()
	api.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{}`, rec.Body.String())
	assert.Equal(t, 1, f.restartCalls)
	assert.Equal(t, 0, f.onlineCalls, "restart must not go through the high-level VPNOnline op")
}

func TestRestartPropagatesCoordinatorError(t *testing.T) {
	f := &fakeCoordinator{knownVPNs: map[string]bool{"dynvpn1": true}, restartErr: errors.New("boom")}
	api := newTestAPI(f)

	req := httptest.NewRequest(http.MethodPost, "/vpn/restart/dynvpn1", nil)
	rec := httptest.NewRecorder()
	api.Handler().ServeHTTP(rec, req)

	m := decodeResult(t, rec.Body)
	assert.Equal(t, "failed", m["error"])
}

func TestRestartTimeoutReportsTimedOut(t *testing.T) {
	f := &fakeCoordinator{knownVPNs: map[string]bool{"dynvpn1": true}, restartErr: context.DeadlineExceeded}
	api := newTestAPI(f)

	req := httptest.NewRequest(http.MethodPost, "/vpn/restart/dynvpn1", nil)
	rec := httptest.NewRecorder()
	api.Handler().ServeHTTP(rec, req)

	m := decodeResult(t, rec.Body)
	assert.Equal(t, "timed out", m["error"])
}

func TestNodeStateReturnsEncodedState(t *testing.T) {
	f := &fakeCoordinator{}
	api := newTestAPI(f)

	req := httptest.NewRequest(http.MethodGet, "/node_state", nil)
	rec := httptest.NewRecorder()
	api.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"id":"site-a"}`, rec.Body.String())
}

func TestShutdownPropagatesCoordinatorError(t *testing.T) {
	f := &fakeCoordinator{shutdownErr: errors.New("busy")}
	api := newTestAPI(f)

	req := httptest.NewRequest(http.MethodPost, "/shutdown", nil)
	rec := httptest.NewRecorder()
	api.Handler().ServeHTTP(rec, req)

	m := decodeResult(t, rec.Body)
	assert.Equal(t, "busy", m["error"])
}
