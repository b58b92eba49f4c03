package web

import (
	"context"
	"errors"
	"net/http"
	"sort"
	"strconv"

	"xsense-go-home/internal/cloud"
	"xsense-go-home/internal/gateway"
	"xsense-go-home/internal/store"
	"xsense-go-home/internal/tree"
)

// errorStatus maps gateway and cloud failures to HTTP statuses.
func errorStatus(err error) int {
	switch {
	case errors.Is(err, cloud.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, gateway.ErrCoolingDown):
		return http.StatusTooManyRequests
	case errors.Is(err, gateway.ErrNoSensors):
		return http.StatusConflict
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case cloud.KindOf(err) != "":
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := errorStatus(err)
	if status >= http.StatusInternalServerError {
		s.logger.Warn("api error", "status", status, "err", err)
	}
	s.writeJSON(w, status, errorBody{Error: cloud.Message(err), Kind: cloud.KindOf(err)})
}

type houseView struct {
	ID       string   `json:"id"`
	Name     string   `json:"name"`
	Region   string   `json:"region,omitempty"`
	Stations []string `json:"stations"`
}

func (s *Server) handleAPIHouses(w http.ResponseWriter, r *http.Request) {
	houses := s.gw.Inventory().Snapshot()
	out := make([]houseView, 0, len(houses))
	for _, h := range houses {
		v := houseView{ID: h.ID, Name: h.Name(), Region: h.Region(), Stations: []string{}}
		for sn := range h.Stations {
			v.Stations = append(v.Stations, sn)
		}
		sort.Strings(v.Stations)
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	s.writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleAPIStations(w http.ResponseWriter, r *http.Request) {
	list := s.gw.Stations()
	if list == nil {
		list = []gateway.StationInfo{}
	}
	s.writeJSON(w, http.StatusOK, list)
}

type stationDetail struct {
	gateway.StationInfo
	Values map[string]tree.Value `json:"values"`
}

func (s *Server) handleAPIStation(w http.ResponseWriter, r *http.Request) {
	sn := r.PathValue("sn")
	info, ok := s.gw.Station(sn)
	if !ok {
		s.writeJSON(w, http.StatusNotFound, errorBody{Error: "station not found", Kind: cloud.KindNotFound})
		return
	}
	s.writeJSON(w, http.StatusOK, stationDetail{StationInfo: info, Values: s.gw.StationValues(sn)})
}

func (s *Server) handleAPITriggerAction(w http.ResponseWriter, r *http.Request) {
	sn, action := r.PathValue("sn"), r.PathValue("action")
	if ok, wait := s.allowAction(sn); !ok {
		if wait > 0 {
			w.Header().Set("Retry-After", strconv.Itoa(int(wait.Seconds())+1))
		}
		s.writeJSON(w, http.StatusTooManyRequests, errorBody{Error: "too many actions for " + sn})
		return
	}

	desired, err := s.gw.TriggerAction(r.Context(), sn, action)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "action": action, "desired": desired})
}

func (s *Server) handleAPISensorReport(w http.ResponseWriter, r *http.Request) {
	if err := s.gw.RequestSensorReport(r.Context(), r.PathValue("sn")); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, map[string]string{"status": "requested"})
}

func (s *Server) handleAPISync(w http.ResponseWriter, r *http.Request) {
	if err := s.gw.Update(r.Context()); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "stations": len(s.gw.Stations())})
}

func (s *Server) handleAPIValues(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.gw.Values().Snapshot(r.URL.Query().Get("prefix")))
}

type diagnosticsView struct {
	store.Diagnostics
	Session string   `json:"session"`
	Topics  []string `json:"topics"`
}

func (s *Server) handleAPIDiagnostics(w http.ResponseWriter, r *http.Request) {
	d, err := s.gw.Diagnostics()
	if err != nil {
		s.writeError(w, err)
		return
	}
	topics := s.gw.Topics()
	if topics == nil {
		topics = []string{}
	}
	s.writeJSON(w, http.StatusOK, diagnosticsView{Diagnostics: d, Session: s.gw.SessionState().String(), Topics: topics})
}

func (s *Server) handleAPISession(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"state": s.gw.SessionState().String()})
}

func (s *Server) handleAPIVersion(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"version": s.version})
}
