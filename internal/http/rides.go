package httpapi

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/example/ride-hailing/internal/matcher"
	"github.com/example/ride-hailing/internal/models"
)

func actorOf(r *http.Request) matcher.Actor {
	id := identityFrom(r.Context())
	return matcher.Actor{ID: id.UserID, Role: id.Role}
}

func (s *Server) handleRequestRide(w http.ResponseWriter, r *http.Request) {
	actor := actorOf(r)
	var req matcher.RideRequest
	if err := decode(r, &req, false); err != nil {
		s.writeError(w, r, err)
		return
	}
	switch actor.Role {
	case models.RoleRider:
		if req.RiderID != "" && req.RiderID != actor.ID {
			s.writeError(w, r, errForbidden("riders request rides for themselves"))
			return
		}
		req.RiderID = actor.ID
	case models.RoleSystem:
	default:
		s.writeError(w, r, errForbidden("only riders request rides"))
		return
	}
	res, err := s.Matcher.RequestRide(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

type estimateRequest struct {
	Pickup      models.Place     `json:"pickup"`
	Destination models.Place     `json:"destination"`
	Class       models.RideClass `json:"rideClass"`
}

func (s *Server) handleEstimate(w http.ResponseWriter, r *http.Request) {
	var req estimateRequest
	if err := decode(r, &req, false); err != nil {
		s.writeError(w, r, err)
		return
	}
	q, err := s.Matcher.Estimate(r.Context(), req.Pickup, req.Destination, req.Class)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, q)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	page, err := queryInt(r, "page", 1)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	limit, err := queryInt(r, "limit", 10)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	rides, p, err := s.Matcher.History(r.Context(), actorOf(r), page, limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"rides": rides, "pagination": p})
}

func (s *Server) handleGetRide(w http.ResponseWriter, r *http.Request) {
	ride, err := s.Matcher.GetRide(r.Context(), mux.Vars(r)["id"], actorOf(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ride)
}

func (s *Server) handleAccept(w http.ResponseWriter, r *http.Request) {
	actor := actorOf(r)
	var body struct {
		DriverID string `json:"driverId"`
	}
	if err := decode(r, &body, true); err != nil {
		s.writeError(w, r, err)
		return
	}
	driverID := body.DriverID
	switch actor.Role {
	case models.RoleDriver:
		if driverID != "" && driverID != actor.ID {
			s.writeError(w, r, errForbidden("drivers accept rides for themselves"))
			return
		}
		driverID = actor.ID
	case models.RoleSystem:
	default:
		s.writeError(w, r, errForbidden("only drivers accept rides"))
		return
	}
	ride, err := s.Matcher.AcceptRide(r.Context(), mux.Vars(r)["id"], driverID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ride)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Status models.Status `json:"status"`
	}
	if err := decode(r, &body, false); err != nil {
		s.writeError(w, r, err)
		return
	}
	if body.Status == "" {
		s.writeError(w, r, models.Invalid("status", "required"))
		return
	}
	ride, err := s.Matcher.UpdateStatus(r.Context(), mux.Vars(r)["id"], body.Status, actorOf(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ride)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Reason string `json:"reason"`
	}
	if err := decode(r, &body, true); err != nil {
		s.writeError(w, r, err)
		return
	}
	ride, err := s.Matcher.CancelRide(r.Context(), mux.Vars(r)["id"], actorOf(r), body.Reason)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ride)
}

type rateRequest struct {
	Role    models.Role `json:"role"`
	Value   float64     `json:"value"`
	Comment string      `json:"comment"`
}

// handleRate records the caller's rating of the other party. System callers
// must name the rater role.
func (s *Server) handleRate(w http.ResponseWriter, r *http.Request) {
	actor := actorOf(r)
	var req rateRequest
	if err := decode(r, &req, false); err != nil {
		s.writeError(w, r, err)
		return
	}
	id := mux.Vars(r)["id"]
	if actor.Role != models.RoleSystem {
		if req.Role != "" && req.Role != actor.Role {
			s.writeError(w, r, errForbidden("callers rate in their own role"))
			return
		}
		req.Role = actor.Role
		ride, err := s.Matcher.GetRide(r.Context(), id, actor)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		if role, ok := ride.PartyRole(actor.ID); !ok || role != actor.Role {
			s.writeError(w, r, errForbidden("only parties to the ride can rate it"))
			return
		}
	}
	ratee, err := s.Ratings.Rate(r.Context(), id, req.Role, req.Value, req.Comment)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"rideId":      id,
		"rateeId":     ratee.ID,
		"rating":      ratee.Rating,
		"ratingCount": ratee.RatingCount,
	})
}
