package httpapi

import (
	"net/http"

	"github.com/example/ride-hailing/internal/models"
)

func (s *Server) handleNearby(w http.ResponseWriter, r *http.Request) {
	lat, err := queryFloat(r, "lat", true)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	lon, err := queryFloat(r, "lon", true)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	radius, err := queryFloat(r, "radius", false)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	limit, err := queryInt(r, "limit", 0)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	drivers, err := s.Matcher.NearbyDrivers(r.Context(), models.Coord{Lat: lat, Lon: lon}, radius, limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"count": len(drivers), "drivers": drivers})
}

// driverOnly returns the calling driver's id, or writes 403.
func (s *Server) driverOnly(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := identityFrom(r.Context())
	if id.Role != models.RoleDriver {
		s.writeError(w, r, errForbidden("driver endpoint"))
		return "", false
	}
	return id.UserID, true
}

func (s *Server) handleLocation(w http.ResponseWriter, r *http.Request) {
	driverID, ok := s.driverOnly(w, r)
	if !ok {
		return
	}
	var loc models.Coord
	if err := decode(r, &loc, false); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.Matcher.UpdateLocation(r.Context(), driverID, loc); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleAvailability(w http.ResponseWriter, r *http.Request) {
	driverID, ok := s.driverOnly(w, r)
	if !ok {
		return
	}
	var body struct {
		Available *bool `json:"available"`
	}
	if err := decode(r, &body, false); err != nil {
		s.writeError(w, r, err)
		return
	}
	if body.Available == nil {
		s.writeError(w, r, models.Invalid("available", "required"))
		return
	}
	u, err := s.Matcher.SetAvailability(r.Context(), driverID, *body.Available)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, u)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	driverID, ok := s.driverOnly(w, r)
	if !ok {
		return
	}
	st, err := s.Matcher.DriverStats(r.Context(), driverID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}
