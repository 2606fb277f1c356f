// Package controlapi implements the user-facing HTTP control plane of
// spec.md §4.8, grounded on the Python prototype's dynvpn_http.server
// handlers (restart_handler, shutdown_handler, vpn_online_handler, etc.)
// and routed with gorilla/mux like internal/peerproto.
package controlapi

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gorilla/mux"

	"github.com/defgrid/vpn-coordinator/internal/state"
)

// Coordinator is the subset of *coordinator.Coordinator this package
// drives, declared structurally to avoid controlapi importing coordinator
// directly being the only dependency edge (kept explicit for clarity and
// to make the handler's surface reviewable in one place).
type Coordinator interface {
	VPNOnline(ctx context.Context, vname string, broadcast, timeoutThrow, lock bool, retries int) (bool, error)
	VPNOffline(ctx context.Context, vname string, broadcast, lock bool) error
	VPNReplica(ctx context.Context, vname string, broadcast, lock bool) error
	VPNRestart(ctx context.Context, vname string, lock bool) error
	EncodeState() ([]byte, error)
	DebugState() ([]byte, error)
	Shutdown(ctx context.Context) error
	SetReplicaMode(mode state.ReplicaMode)
	ReplicaMode() state.ReplicaMode
	HasLocalVPN(vname string) bool
}

type API struct {
	coord  Coordinator
	logger *log.Logger
	router *mux.Router

	requestTimeout time.Duration
}

func New(coord Coordinator, requestTimeout time.Duration, logger *log.Logger) *API {
	a := &API{coord: coord, logger: logger, router: mux.NewRouter(), requestTimeout: requestTimeout}

	a.router.HandleFunc("/vpn/set_online/{name}", a.setOnline).Methods(http.MethodPost)
	a.router.HandleFunc("/vpn/set_offline/{name}", a.setOffline).Methods(http.MethodPost)
	a.router.HandleFunc("/vpn/set_replica/{name}", a.setReplica).Methods(http.MethodPost)
	a.router.HandleFunc("/vpn/restart/{name}", a.restart).Methods(http.MethodPost)
	a.router.HandleFunc("/shutdown", a.shutdown).Methods(http.MethodPost)
	a.router.HandleFunc("/set_replica_mode/{value}", a.setReplicaMode).Methods(http.MethodPost)
	a.router.HandleFunc("/node_state", a.nodeState).Methods(http.MethodGet)
	a.router.HandleFunc("/debug_state", a.debugState).Methods(http.MethodGet)

	return a
}

func (a *API) Handler() http.Handler { return a.router }

type errorBody struct {
	Error string `json:"error"`
}

// writeResult writes {} on success or {"error": msg} otherwise; the
// control API never uses non-2xx for application errors (spec.md §7).
func writeResult(w http.ResponseWriter, errMsg string) {
	w.Header().Set("Content-Type", "application/json")
	if errMsg == "" {
		w.Write([]byte("{}\n"))
		return
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "    ")
	enc.Encode(errorBody{Error: errMsg})
}

func (a *API) setOnline(w http.ResponseWriter, r *http.Request) {
	vname := mux.Vars(r)["name"]
	if !a.coord.HasLocalVPN(vname) {
		writeResult(w, "unknown VPN "+vname)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), a.requestTimeout)
	defer cancel()

	_, err := a.coord.VPNOnline(ctx, vname, true, true, true, 0)
	if err == context.DeadlineExceeded {
		writeResult(w, "timed out")
		return
	}
	if err != nil {
		writeResult(w, err.Error())
		return
	}
	writeResult(w, "")
}

func (a *API) setOffline(w http.ResponseWriter, r *http.Request) {
	vname := mux.Vars(r)["name"]
	if !a.coord.HasLocalVPN(vname) {
		writeResult(w, "unknown VPN "+vname)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), a.requestTimeout)
	defer cancel()

	if err := a.coord.VPNOffline(ctx, vname, true, true); err != nil {
		writeResult(w, err.Error())
		return
	}
	writeResult(w, "")
}

func (a *API) setReplica(w http.ResponseWriter, r *http.Request) {
	vname := mux.Vars(r)["name"]
	if !a.coord.HasLocalVPN(vname) {
		writeResult(w, "unknown VPN "+vname)
		return
	}
	if a.coord.ReplicaMode() == state.ReplicaDisabled {
		writeResult(w, "replica_mode is Disabled")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), a.requestTimeout)
	defer cancel()

	if err := a.coord.VPNReplica(ctx, vname, true, true); err != nil {
		writeResult(w, err.Error())
		return
	}
	writeResult(w, "")
}

// restart stops the VPN without removing its route, briefly sleeps, and
// brings it back up, grounded on dynvpn_http.server.restart_handler, which
// drives the low-level offline/online primitives rather than vpn_offline/
// vpn_online, so status and route are both left untouched by the bounce.
func (a *API) restart(w http.ResponseWriter, r *http.Request) {
	vname := mux.Vars(r)["name"]
	if !a.coord.HasLocalVPN(vname) {
		writeResult(w, "unknown VPN "+vname)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), a.requestTimeout)
	defer cancel()

	if err := a.coord.VPNRestart(ctx, vname, true); err != nil {
		if err == context.DeadlineExceeded {
			writeResult(w, "timed out")
			return
		}
		writeResult(w, "failed")
		return
	}
	writeResult(w, "")
}

func (a *API) shutdown(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), a.requestTimeout)
	defer cancel()

	if err := a.coord.Shutdown(ctx); err != nil {
		writeResult(w, err.Error())
		return
	}
	writeResult(w, "")
}

func (a *API) setReplicaMode(w http.ResponseWriter, r *http.Request) {
	value := mux.Vars(r)["value"]
	mode := state.ReplicaMode(value)
	switch mode {
	case state.ReplicaAuto, state.ReplicaManual, state.ReplicaDisabled:
		a.coord.SetReplicaMode(mode)
		writeResult(w, "")
	default:
		writeResult(w, "unknown replica_mode "+value)
	}
}

func (a *API) nodeState(w http.ResponseWriter, r *http.Request) {
	doc, err := a.coord.EncodeState()
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(doc)
}

func (a *API) debugState(w http.ResponseWriter, r *http.Request) {
	doc, err := a.coord.DebugState()
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(doc)
}
