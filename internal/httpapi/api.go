// Package httpapi exposes the bookkeeping engine over HTTP. It is the
// adapter a chat-platform transport daemon talks to: the daemon forwards
// group messages and button callbacks here and relays the replies back.
package httpapi

import (
	"net/http"

	"tallybot.org/internal/engine"
	"tallybot.org/internal/obs"
)

// API is the HTTP layer.
type API struct {
	mux        *http.ServeMux
	engine     *engine.Engine
	readyProbe ReadyProbe
	version    string

	rateBurst  int
	ratePerSec int
}

func New(rp ReadyProbe, version string, eng *engine.Engine) *API {
	a := &API{
		mux:        http.NewServeMux(),
		engine:     eng,
		readyProbe: rp,
		version:    version,
		rateBurst:  50,
		ratePerSec: 25,
	}

	// health/ready/info
	a.mux.HandleFunc("/healthz", a.Healthz)
	a.mux.HandleFunc("/readyz", a.Ready)
	a.mux.HandleFunc("/v1/info", a.Info)

	// token issuance for transport daemons
	a.mux.HandleFunc("/v1/auth/token", a.handleAuthToken)

	// engine surface
	a.mux.HandleFunc("/v1/events", a.handleEvents)
	a.mux.HandleFunc("/v1/callbacks", a.handleCallbacks)
	a.mux.HandleFunc("/v1/chats/", a.handleChatResource)

	// Prometheus metrics
	a.mux.Handle("/metrics", obs.Handler())

	a.mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})

	return a
}

// Handler returns the fully wrapped http.Handler for the server.
func (a *API) Handler() http.Handler {
	var h http.Handler = a.mux
	h = a.withAuth(h)
	h = MaxBodyBytes(h, 1<<20)
	h = RateLimit(h, a.rateBurst, a.ratePerSec)
	h = SecurityHeaders(h)
	h = Logging(h)
	h = RequestID(h)
	return obs.Instrument(h)
}
