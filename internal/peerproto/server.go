package peerproto

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/charmbracelet/log"
	"github.com/gorilla/mux"

	"github.com/defgrid/vpn-coordinator/internal/state"
)

// Handler is satisfied by *coordinator.Coordinator.
type Handler interface {
	SiteStatusSetter
	EncodeState() ([]byte, error)
	LocalSiteStatus() state.SiteStatus
	EnqueuePeerVPNStatus(siteID, vname string, status state.VPNStatus)
}

// Server exposes the peer-facing endpoints of spec.md §4.6.
type Server struct {
	handler Handler
	logger  *log.Logger
	router  *mux.Router
}

func NewServer(handler Handler, logger *log.Logger) *Server {
	s := &Server{handler: handler, logger: logger, router: mux.NewRouter()}
	s.router.HandleFunc("/peer/pull_state", s.pullHandler).Methods(http.MethodGet)
	s.router.HandleFunc("/peer/push_state", s.pushHandler).Methods(http.MethodPost)
	return s
}

func (s *Server) Handler() http.Handler { return s.router }

// pullHandler serves GET /peer/pull_state: marks the caller Online and
// responds with the full encoded state, unless the local site is
// Admin_offline, in which case the request is logged and ignored.
func (s *Server) pullHandler(w http.ResponseWriter, r *http.Request) {
	s.logger.Debug("peerproto: received pull_state", "remote", r.RemoteAddr)

	var req struct {
		SiteID string `json:"site_id"`
	}
	body, _ := io.ReadAll(r.Body)
	if err := json.Unmarshal(body, &req); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	if s.handler.LocalSiteStatus() == state.SiteAdminOffline {
		s.logger.Warn("peerproto: ignoring pull_state, local state is Admin_offline", "remote", r.RemoteAddr)
		w.WriteHeader(http.StatusOK)
		return
	}

	s.handler.HandleSiteStatus(r.Context(), req.SiteID, state.SiteOnline)

	doc, err := s.handler.EncodeState()
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(doc)
}

// pushHandler serves POST /peer/push_state: marks the caller Online and
// enqueues into the first event processor each (site_id, vname, status)
// triple the caller reports for its own site; entries the document
// carries for other sites are not enqueued.
func (s *Server) pushHandler(w http.ResponseWriter, r *http.Request) {
	s.logger.Debug("peerproto: received push_state", "remote", r.RemoteAddr)

	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	siteID, _, err := state.DecodeState(body, func(siteID, vname string, status state.VPNStatus) {
		// deferred until we know the caller is not Admin_offline locally
	})
	if err != nil {
		s.logger.Error("peerproto: push_handler decode failed", "err", err)
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	if s.handler.LocalSiteStatus() == state.SiteAdminOffline {
		s.logger.Warn("peerproto: ignoring push_state, local state is Admin_offline", "remote", r.RemoteAddr)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte("{}\n"))
		return
	}

	s.handler.HandleSiteStatus(r.Context(), siteID, state.SiteOnline)

	// second pass: now actually enqueue, since we know the caller is live.
	_, _, _ = state.DecodeState(body, func(fromSite, vname string, status state.VPNStatus) {
		if fromSite == siteID {
			s.handler.EnqueuePeerVPNStatus(fromSite, vname, status)
		}
	})

	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte("{}\n"))
}

