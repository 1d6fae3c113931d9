package httpapi

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/example/fleet-dispatch/internal/dispatch"
	"github.com/example/fleet-dispatch/internal/events"
	"github.com/example/fleet-dispatch/internal/ingest"
	"github.com/example/fleet-dispatch/internal/models"
	"github.com/example/fleet-dispatch/internal/notify"
	"github.com/example/fleet-dispatch/internal/simulate"
	"github.com/example/fleet-dispatch/internal/storage"
)

const HeaderAPICredential = "X-API-Credential"

type Dispatcher interface {
	HandleEvent(ctx context.Context, e events.OrderDispatched) (dispatch.Outcome, error)
}

type RouteSimulator interface {
	Simulate(ctx context.Context, driver models.Driver, waypoints []models.Waypoint) (string, error)
	SimulateTo(ctx context.Context, driver models.Driver, destination models.Point) (string, error)
}

type LocationRecorder interface {
	Record(ctx context.Context, driverUUID string, p models.Point, source string) error
}

type LocationPublisher interface {
	PublishLocation(ctx context.Context, u ingest.LocationUpdate) error
}

// Deps are the collaborators served over HTTP. Nil optional fields disable
// the matching feature.
type Deps struct {
	Dispatcher Dispatcher
	Simulator  RouteSimulator
	Drivers    storage.DriverStore
	Locations  LocationRecorder
	// Publisher, when set, receives driver locations instead of Locations.
	Publisher LocationPublisher
	Hub       *notify.WSHub
	Ready     func(ctx context.Context) error
	Logger    zerolog.Logger
}

type Server struct {
	deps     Deps
	validate *validator.Validate
	logger   zerolog.Logger
	mux      *mux.Router
}

func NewServer(deps Deps) *Server {
	s := &Server{deps: deps, validate: validator.New(), logger: deps.Logger, mux: mux.NewRouter()}
	s.registerMiddleware()
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("/internal/driver/locations", s.handleDriverLocation).Methods(http.MethodPost)
	s.mux.HandleFunc("/api/v1/orders/{id}/dispatch", s.handleDispatch).Methods(http.MethodPost)
	s.mux.HandleFunc("/api/v1/drivers/{id}/simulate", s.handleSimulate).Methods(http.MethodPost)
	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); w.Write([]byte("ok")) }).Methods(http.MethodGet)
	s.mux.HandleFunc("/ready", s.handleReady).Methods(http.MethodGet)
	s.mux.Handle("/metrics", promhttp.Handler())
	s.mux.HandleFunc("/ws", s.handleWS)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if s.deps.Ready != nil {
		if err := s.deps.Ready(r.Context()); err != nil {
			http.Error(w, "not ready", http.StatusServiceUnavailable)
			return
		}
	}
	w.WriteHeader(200)
	w.Write([]byte("ready"))
}

func (s *Server) handleDriverLocation(w http.ResponseWriter, r *http.Request) {
	var u ingest.LocationUpdate
	if err := json.NewDecoder(r.Body).Decode(&u); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.validate.Struct(u); err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	if u.At.IsZero() {
		u.At = time.Now().UTC()
	}

	var err error
	if s.deps.Publisher != nil {
		err = s.deps.Publisher.PublishLocation(r.Context(), u)
	} else {
		err = s.deps.Locations.Record(r.Context(), u.DriverUUID, u.Point(), ingest.SourceAPI)
	}
	switch {
	case errors.Is(err, storage.ErrNotFound):
		writeError(w, http.StatusNotFound, "driver not found")
	case err != nil:
		writeError(w, http.StatusBadGateway, err.Error())
	default:
		w.WriteHeader(http.StatusNoContent)
	}
}

type dispatchResponse struct {
	Order      string `json:"order"`
	State      string `json:"state"`
	EventID    string `json:"event_id,omitempty"`
	Recipients int    `json:"recipients"`
	Delivered  int    `json:"delivered"`
	Failed     int    `json:"failed"`
}

func (s *Server) handleDispatch(w http.ResponseWriter, r *http.Request) {
	e := events.OrderDispatched{
		OrderUUID:     mux.Vars(r)["id"],
		APICredential: r.Header.Get(HeaderAPICredential),
	}
	if err := s.validate.Struct(e); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	out, err := s.deps.Dispatcher.HandleEvent(r.Context(), e)
	resp := dispatchResponse{Order: e.OrderUUID, State: string(out.State)}
	if rep := out.Report; rep != nil {
		resp.EventID = rep.EventID
		resp.Recipients = len(rep.Results)
		resp.Delivered = rep.Delivered()
		resp.Failed = rep.Failed()
	}
	switch {
	case errors.Is(err, storage.ErrNotFound):
		writeError(w, http.StatusNotFound, "order not found")
	case errors.Is(err, dispatch.ErrNotifyFailed):
		writeJSON(w, http.StatusBadGateway, resp)
	case err != nil:
		s.logger.Error().Err(err).Str("order", e.OrderUUID).Msg("dispatch failed")
		writeError(w, http.StatusInternalServerError, "dispatch failed")
	default:
		writeJSON(w, http.StatusOK, resp)
	}
}

type pointInput struct {
	Lat float64 `json:"lat" validate:"gte=-90,lte=90"`
	Lon float64 `json:"lon" validate:"gte=-180,lte=180"`
}

type waypointInput struct {
	pointInput
	Meta map[string]any `json:"meta,omitempty"`
}

type simulateRequest struct {
	Waypoints   []waypointInput `json:"waypoints" validate:"required_without=Destination,omitempty,dive"`
	Destination *pointInput     `json:"destination" validate:"required_without=Waypoints,omitempty"`
}

func (s *Server) handleSimulate(w http.ResponseWriter, r *http.Request) {
	var req simulateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.validate.Struct(req); err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}

	driver, err := s.deps.Drivers.GetDriver(r.Context(), mux.Vars(r)["id"])
	if errors.Is(err, storage.ErrNotFound) {
		writeError(w, http.StatusNotFound, "driver not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	var runID string
	if len(req.Waypoints) > 0 {
		wps := make([]models.Waypoint, len(req.Waypoints))
		for i, wp := range req.Waypoints {
			wps[i] = models.Waypoint{Index: i, Point: models.Point{Lat: wp.Lat, Lon: wp.Lon}, Meta: wp.Meta}
		}
		runID, err = s.deps.Simulator.Simulate(r.Context(), *driver, wps)
	} else {
		runID, err = s.deps.Simulator.SimulateTo(r.Context(), *driver, models.Point{Lat: req.Destination.Lat, Lon: req.Destination.Lon})
	}
	switch {
	case errors.Is(err, simulate.ErrNoWaypoints), errors.Is(err, simulate.ErrNoOrigin):
		writeError(w, http.StatusUnprocessableEntity, err.Error())
	case err != nil:
		writeError(w, http.StatusBadGateway, err.Error())
	default:
		writeJSON(w, http.StatusAccepted, map[string]string{"run_id": runID, "driver": driver.UUID})
	}
}

var upgrader = websocket.Upgrader{}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	topics := r.URL.Query()["channel"]
	if len(topics) == 0 {
		http.Error(w, "channel is required", http.StatusBadRequest)
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already replied
		return
	}
	session := s.deps.Hub.Subscribe(conn, topics)
	defer s.deps.Hub.Remove(session)
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func newID() string { b := make([]byte, 8); _, _ = rand.Read(b); return hex.EncodeToString(b) }
