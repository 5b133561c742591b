package server

import (
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"time"

	humanize "github.com/dustin/go-humanize"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"github.com/zenazn/goji/web"
	"github.com/zenazn/goji/web/middleware"

	"github.com/janelia-flyem/slicecube/dvid"
	"github.com/janelia-flyem/slicecube/scheduler"
)

// Version of slicecube.
const Version = "0.9.0"

// StatusConfig is the [status] section of the TOML configuration.
type StatusConfig struct {
	Address     string
	CORSOrigins []string `toml:"cors_origins"`
}

// StatsFunc returns the current scheduler statistics.
type StatsFunc func() scheduler.Stats

type statusResponse struct {
	Version   string
	Started   time.Time
	Uptime    string
	Uploaded  string // human-readable BytesUploaded
	Scheduler scheduler.Stats
}

// logHTTP is middleware that logs requests at debug level.
func logHTTP(c *web.C, h http.Handler) http.Handler {
	fn := func(w http.ResponseWriter, r *http.Request) {
		t0 := time.Now()
		h.ServeHTTP(w, r)
		dvid.Debugf("HTTP %s: %s (%s)\n", r.Method, r.URL, time.Since(t0))
	}
	return http.HandlerFunc(fn)
}

// BadRequest writes an error to the response and logs it.
func BadRequest(w http.ResponseWriter, r *http.Request, format string, args ...interface{}) {
	message := fmt.Sprintf(format, args...)
	errorMsg := fmt.Sprintf("%s (%s).", message, r.URL.Path)
	dvid.Errorf("%s\n", errorMsg)
	http.Error(w, errorMsg, http.StatusBadRequest)
}

// NewStatusHandler returns the status web handler: GET /status returns JSON
// statistics and GET /metrics the prometheus metrics.
func NewStatusHandler(cfg StatusConfig, stats StatsFunc) http.Handler {
	started := time.Now()
	mux := web.New()
	mux.Use(middleware.Recoverer)
	mux.Use(logHTTP)
	mux.Get("/status", func(c web.C, w http.ResponseWriter, r *http.Request) {
		st := stats()
		resp := statusResponse{
			Version:   Version,
			Started:   started,
			Uptime:    time.Since(started).Round(time.Second).String(),
			Uploaded:  humanize.IBytes(st.BytesUploaded),
			Scheduler: st,
		}
		data, err := json.Marshal(resp)
		if err != nil {
			BadRequest(w, r, "unable to encode status: %v", err)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(data)
	})
	mux.Get("/metrics", promhttp.Handler())

	origins := cfg.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	return cors.New(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{"GET"},
	}).Handler(mux)
}

// StartStatus serves the status handler on the configured address.  It returns nil
// if no address is configured.
func StartStatus(cfg StatusConfig, stats StatsFunc) (*http.Server, error) {
	if cfg.Address == "" {
		return nil, nil
	}
	ln, err := net.Listen("tcp", cfg.Address)
	if err != nil {
		return nil, fmt.Errorf("unable to serve status at %s: %v", cfg.Address, err)
	}
	srv := &http.Server{
		Handler:     NewStatusHandler(cfg, stats),
		ReadTimeout: time.Minute,
	}
	dvid.Infof("Status server listening at %s ...\n", ln.Addr())
	go func() {
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			dvid.Errorf("Status server failed: %v\n", err)
		}
	}()
	return srv, nil
}
