package main

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/kwv/headmesh/coreg"
)

var (
	httpDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name: "headmesh_http_response_time_seconds",
		Help: "Duration of HTTP requests.",
	}, []string{"path"})
	httpRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "headmesh_http_requests_total",
		Help: "Number of HTTP requests.",
	}, []string{"path"})
)

// PrometheusMiddleware records request counts and durations per route.
func PrometheusMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		path := r.URL.Path
		if route := mux.CurrentRoute(r); route != nil {
			if tmpl, err := route.GetPathTemplate(); err == nil {
				path = tmpl
			}
		}
		httpDuration.WithLabelValues(path).Observe(time.Since(start).Seconds())
		httpRequests.WithLabelValues(path).Inc()
	})
}

// newHTTPServer creates an HTTP server with all endpoints
func newHTTPServer(store *coreg.ResultStore, log *zap.SugaredLogger) http.Handler {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	log = log.Named("http")

	r := mux.NewRouter()
	r.Use(PrometheusMiddleware)

	r.HandleFunc("/health", func(w http.ResponseWriter, req *http.Request) {
		log.Debugw("health request", "remote", req.RemoteAddr)
		writeJSON(w, log, struct {
			Status    string    `json:"status"`
			Timestamp time.Time `json:"timestamp"`
			Subjects  int       `json:"subjects"`
		}{
			Status:    "ok",
			Timestamp: time.Now(),
			Subjects:  store.Len(),
		})
	}).Methods(http.MethodGet)

	r.HandleFunc("/subjects", func(w http.ResponseWriter, req *http.Request) {
		writeJSON(w, log, store.Results())
	}).Methods(http.MethodGet)

	r.HandleFunc("/subjects/{id}", func(w http.ResponseWriter, req *http.Request) {
		state, ok := subjectState(w, req, store)
		if !ok {
			return
		}
		writeJSON(w, log, state.Result)
	}).Methods(http.MethodGet)

	r.HandleFunc("/subjects/{id}/residuals.svg", func(w http.ResponseWriter, req *http.Request) {
		state, ok := residualState(w, req, store)
		if !ok {
			return
		}
		renderer := coreg.NewResidualRenderer(state.Result.SubjectID, state.Points, state.Distances, state.Vertices)
		w.Header().Set("Content-Type", "image/svg+xml")
		w.Header().Set("Cache-Control", "no-cache")
		if err := renderer.RenderToSVG(w); err != nil {
			log.Errorw("rendering residual SVG", "subject", state.Result.SubjectID, "error", err)
		}
	}).Methods(http.MethodGet)

	r.HandleFunc("/subjects/{id}/residuals.png", func(w http.ResponseWriter, req *http.Request) {
		state, ok := residualState(w, req, store)
		if !ok {
			return
		}
		renderer := coreg.NewResidualRenderer(state.Result.SubjectID, state.Points, state.Distances, state.Vertices)
		w.Header().Set("Content-Type", "image/png")
		w.Header().Set("Cache-Control", "no-cache")
		if err := renderer.RenderToPNG(w); err != nil {
			log.Errorw("rendering residual PNG", "subject", state.Result.SubjectID, "error", err)
		}
	}).Methods(http.MethodGet)

	r.HandleFunc("/subjects/{id}/residuals.geojson", func(w http.ResponseWriter, req *http.Request) {
		view := coreg.ViewSagittal
		if v := req.URL.Query().Get("view"); v != "" {
			parsed, err := coreg.ParseView(v)
			if err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			view = parsed
		}
		state, ok := residualState(w, req, store)
		if !ok {
			return
		}
		fc := coreg.ResidualReport(state.Result.SubjectID, view, state.Points, state.Distances, state.Vertices)
		w.Header().Set("Content-Type", "application/geo+json")
		writeJSON(w, log, fc)
	}).Methods(http.MethodGet)

	r.Handle("/metrics", promhttp.Handler())

	// residual images are embedded by acquisition dashboards on other origins
	return handlers.CORS(
		handlers.AllowedHeaders([]string{"Content-Type"}),
		handlers.AllowedMethods([]string{http.MethodGet, http.MethodOptions}),
		handlers.AllowedOrigins([]string{"*"}))(r)
}

func subjectState(w http.ResponseWriter, req *http.Request, store *coreg.ResultStore) (coreg.SubjectState, bool) {
	id := mux.Vars(req)["id"]
	state, ok := store.Get(id)
	if !ok {
		http.Error(w, "Unknown subject", http.StatusNotFound)
		return coreg.SubjectState{}, false
	}
	return state, true
}

// residualState also requires point data, which results restored from the
// cache do not have until the subject is refitted.
func residualState(w http.ResponseWriter, req *http.Request, store *coreg.ResultStore) (coreg.SubjectState, bool) {
	state, ok := subjectState(w, req, store)
	if !ok {
		return state, false
	}
	if len(state.Points) == 0 {
		http.Error(w, "No residuals available", http.StatusServiceUnavailable)
		return state, false
	}
	return state, true
}

func writeJSON(w http.ResponseWriter, log *zap.SugaredLogger, v interface{}) {
	if w.Header().Get("Content-Type") == "" {
		w.Header().Set("Content-Type", "application/json")
	}
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Errorw("encoding response", "error", err)
	}
}
