package web

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"zigbee-lock-hub/internal/core"
	"zigbee-lock-hub/internal/store"
	"zigbee-lock-hub/internal/zha"
)

const maxBodyBytes = 1 << 20

func (s *Server) handleAPIListStates(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.hub.States().All())
}

func (s *Server) handleAPIGetState(w http.ResponseWriter, r *http.Request) {
	st := s.hub.States().Get(r.PathValue("entity_id"))
	if st == nil {
		s.writeError(w, http.StatusNotFound, "entity not found")
		return
	}
	s.writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleAPIListServices(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.hub.Services().Services())
}

// handleAPICallService runs a service with the JSON body as its data and
// answers with the resulting states of the targeted entities.
func (s *Server) handleAPICallService(w http.ResponseWriter, r *http.Request) {
	domain, service := r.PathValue("domain"), r.PathValue("service")

	data := map[string]any{}
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(&data); err != nil && !errors.Is(err, io.EOF) {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if err := s.hub.Services().Call(r.Context(), domain, service, data, true); err != nil {
		status := serviceErrorStatus(err)
		if status == http.StatusInternalServerError {
			s.logger.Error("service call", "domain", domain, "service", service, "err", err)
		}
		s.writeError(w, status, err.Error())
		return
	}

	ids := core.TargetEntityIDs(data)
	if len(ids) == 1 && ids[0] == "all" {
		ids = s.hub.States().EntityIDs(strings.ToLower(domain))
	}
	states := make([]*core.State, 0, len(ids))
	for _, id := range ids {
		if st := s.hub.States().Get(id); st != nil {
			states = append(states, st)
		}
	}
	s.writeJSON(w, http.StatusOK, states)
}

func serviceErrorStatus(err error) int {
	switch {
	case errors.Is(err, core.ErrServiceNotFound), errors.Is(err, zha.ErrEntityNotFound):
		return http.StatusNotFound
	case errors.Is(err, errors.ErrUnsupported), errors.Is(err, zha.ErrNoTarget):
		return http.StatusBadRequest
	case errors.Is(err, zha.ErrCommandFailed):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// deviceView is a stored device plus what the gateway knows about it.
type deviceView struct {
	*store.Device
	Available bool     `json:"available"`
	Entities  []string `json:"entities"`
}

func (s *Server) viewDevice(dev *store.Device) deviceView {
	v := deviceView{Device: dev, Entities: []string{}}
	if d := s.gw.Device(dev.IEEEAddress); d != nil {
		v.Available = d.Available()
	}
	for _, e := range s.gw.EntitiesForDevice(dev.IEEEAddress) {
		v.Entities = append(v.Entities, e.EntityID())
	}
	return v
}

func (s *Server) handleAPIListDevices(w http.ResponseWriter, r *http.Request) {
	devices, err := s.coord.Devices().ListDevices()
	if err != nil {
		s.logger.Error("list devices", "err", err)
		s.writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	views := make([]deviceView, 0, len(devices))
	for _, dev := range devices {
		views = append(views, s.viewDevice(dev))
	}
	s.writeJSON(w, http.StatusOK, views)
}

func (s *Server) handleAPIGetDevice(w http.ResponseWriter, r *http.Request) {
	dev, err := s.coord.Devices().GetDevice(r.PathValue("ieee"))
	if err != nil {
		s.writeDeviceError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, s.viewDevice(dev))
}

func (s *Server) handleAPIDeleteDevice(w http.ResponseWriter, r *http.Request) {
	ieee := r.PathValue("ieee")
	if err := s.coord.Devices().RemoveDevice(ieee); err != nil {
		s.writeDeviceError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type entityView struct {
	EntityID string      `json:"entity_id"`
	UniqueID string      `json:"unique_id"`
	Platform string      `json:"platform"`
	Endpoint uint8       `json:"endpoint"`
	State    *core.State `json:"state"`
}

func (s *Server) handleAPIDeviceEntities(w http.ResponseWriter, r *http.Request) {
	ieee := r.PathValue("ieee")
	if s.gw.Device(ieee) == nil {
		s.writeError(w, http.StatusNotFound, "device not found")
		return
	}
	entities := s.gw.EntitiesForDevice(ieee)
	views := make([]entityView, 0, len(entities))
	for _, e := range entities {
		views = append(views, entityView{
			EntityID: e.EntityID(),
			UniqueID: e.UniqueID(),
			Platform: zha.PlatformLock,
			Endpoint: e.DoorLock().Cluster().Endpoint().ID,
			State:    s.hub.States().Get(e.EntityID()),
		})
	}
	s.writeJSON(w, http.StatusOK, views)
}

func (s *Server) writeDeviceError(w http.ResponseWriter, err error) {
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "device not found")
		return
	}
	s.logger.Error("device request", "err", err)
	s.writeError(w, http.StatusInternalServerError, "internal server error")
}

func (s *Server) handleAPINetworkInfo(w http.ResponseWriter, r *http.Request) {
	info := s.coord.NetworkInfo()
	if devices, err := s.coord.Devices().ListDevices(); err == nil {
		info["device_count"] = len(devices)
	}
	s.writeJSON(w, http.StatusOK, info)
}

type permitJoinRequest struct {
	Duration uint8 `json:"duration"`
}

func (s *Server) handleAPIPermitJoin(w http.ResponseWriter, r *http.Request) {
	var req permitJoinRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := s.coord.PermitJoin(r.Context(), req.Duration); err != nil {
		s.logger.Error("permit join", "err", err)
		s.writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "duration": req.Duration})
}
