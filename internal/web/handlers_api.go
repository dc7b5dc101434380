package web

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"eq3-go-home/internal/store"
	"eq3-go-home/internal/thermostat"
)

type thermostatResponse struct {
	Info       thermostat.AccessoryInfo `json:"info"`
	Connection string                   `json:"connection"`
	State      thermostat.StateView     `json:"state"`
}

func (s *Server) handleAPIGetThermostat(w http.ResponseWriter, r *http.Request) {
	acc := s.thermo.Accessory()
	view, err := acc.State(r.Context())
	if err != nil {
		s.writeError(w, "read thermostat", err)
		return
	}
	s.writeJSON(w, http.StatusOK, thermostatResponse{
		Info:       acc.Info(),
		Connection: s.thermo.Connection().State().String(),
		State:      view,
	})
}

func (s *Server) handleAPIGetProperty(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("property")
	prop, ok := s.thermo.Accessory().Property(name)
	if !ok {
		s.writeError(w, "get property", thermostat.ErrUnknownProperty)
		return
	}
	v, err := prop.Get(r.Context())
	if err != nil {
		s.writeError(w, "get "+name, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"property": name, "value": v})
}

type setPropertyRequest struct {
	Value interface{} `json:"value"`
}

func (s *Server) handleAPISetProperty(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("property")
	prop, ok := s.thermo.Accessory().Property(name)
	if !ok {
		s.writeError(w, "set property", thermostat.ErrUnknownProperty)
		return
	}
	if prop.Set == nil {
		s.writeError(w, "set "+name, thermostat.ErrReadOnly)
		return
	}

	var req setPropertyRequest
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Value == nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}

	if err := prop.Set(r.Context(), req.Value); err != nil {
		s.writeError(w, "set "+name, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"status": "ok", "property": name, "value": req.Value})
}

type connectionResponse struct {
	Address string `json:"address"`
	State   string `json:"state"`
}

func (s *Server) connectionStatus() connectionResponse {
	conn := s.thermo.Connection()
	return connectionResponse{Address: conn.Address(), State: conn.State().String()}
}

func (s *Server) handleAPIConnection(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.connectionStatus())
}

func (s *Server) handleAPIConnect(w http.ResponseWriter, r *http.Request) {
	// An empty operation goes through the dispatcher so the idle timer is armed behind it.
	res := thermostat.Run(r.Context(), s.thermo.Dispatcher(), func(context.Context, *thermostat.Session) (struct{}, error) {
		return struct{}{}, nil
	})
	if res.Failed() {
		s.writeError(w, "connect", res.Err())
		return
	}
	s.writeJSON(w, http.StatusOK, s.connectionStatus())
}

func (s *Server) handleAPIDisconnect(w http.ResponseWriter, r *http.Request) {
	s.thermo.Connection().Disconnect()
	s.writeJSON(w, http.StatusOK, s.connectionStatus())
}

func (s *Server) handleAPIHistory(w http.ResponseWriter, r *http.Request) {
	if s.journal == nil {
		s.writeJSON(w, http.StatusOK, []*store.Entry{})
		return
	}

	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid limit"})
			return
		}
		limit = n
	}

	entries, err := s.journal.List(limit, r.URL.Query().Get("type"))
	if err != nil {
		s.logger.Error("list history", "err", err)
		s.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal server error"})
		return
	}
	if entries == nil {
		entries = []*store.Entry{}
	}
	s.writeJSON(w, http.StatusOK, entries)
}

// statusForError maps thermostat errors onto HTTP status codes.
func statusForError(err error) int {
	var (
		unsupported *thermostat.UnsupportedModeError
		outOfRange  *thermostat.TemperatureRangeError
		deviceOp    *thermostat.DeviceOperationError
	)
	switch {
	case thermostat.IsConnectionError(err):
		return http.StatusServiceUnavailable
	case errors.As(err, &unsupported), errors.As(err, &outOfRange), errors.Is(err, thermostat.ErrInvalidValue):
		return http.StatusBadRequest
	case errors.Is(err, thermostat.ErrUnknownProperty):
		return http.StatusNotFound
	case errors.Is(err, thermostat.ErrReadOnly):
		return http.StatusMethodNotAllowed
	case errors.As(err, &deviceOp):
		return http.StatusBadGateway
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeError(w http.ResponseWriter, op string, err error) {
	status := statusForError(err)
	if status >= http.StatusInternalServerError {
		s.logger.Warn(op+" failed", "err", err, "status", status)
	}
	s.writeJSON(w, status, map[string]string{"error": err.Error()})
}
