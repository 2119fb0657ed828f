package servient

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
)

// Catalogue is the plain HTTP discovery endpoint (§4.K), grounded on the
// teacher's pkg/tlsserver/TLSServer.go mux/http.Server shape, minus TLS —
// the catalogue is intentionally unauthenticated.
type Catalogue struct {
	servient *Servient
	port     int
	router   *mux.Router
	http     *http.Server
}

func NewCatalogue(s *Servient, port int) *Catalogue {
	return &Catalogue{servient: s, port: port}
}

func (c *Catalogue) Start(ctx context.Context) error {
	c.router = mux.NewRouter()
	c.router.HandleFunc("/", c.handleIndex).Methods(http.MethodGet)
	c.router.HandleFunc("/{thingUrlName}", c.handleThing).Methods(http.MethodGet)

	c.http = &http.Server{
		Addr:    fmt.Sprintf(":%d", c.port),
		Handler: c.router,
	}
	go func() {
		if err := c.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logrus.Errorf("catalogue: ListenAndServe: %s", err)
		}
	}()
	return nil
}

func (c *Catalogue) Stop(ctx context.Context) error {
	if c.http == nil {
		return nil
	}
	return c.http.Shutdown(ctx)
}

// handleIndex returns {thing-title: "/<thing-url-name>"} for every enabled
// Thing; with ?expanded=1 the value is the full TD with base filled in.
func (c *Catalogue) handleIndex(w http.ResponseWriter, r *http.Request) {
	expanded := r.URL.Query().Get("expanded") == "1"
	out := map[string]interface{}{}
	for _, et := range c.servient.EnabledThings() {
		if !expanded {
			out[et.Thing().Title] = "/" + et.URLName()
			continue
		}
		doc, err := et.Thing().EncodeWithBase(c.baseURL(et.URLName()))
		if err != nil {
			logrus.Warnf("catalogue: encode %s failed: %s", et.ThingID(), err)
			continue
		}
		var tdMap map[string]interface{}
		if err := json.Unmarshal(doc, &tdMap); err == nil {
			out[et.Thing().Title] = tdMap
		}
	}
	writeJSON(w, http.StatusOK, out)
}

// handleThing returns one Thing's TD with base filled in, or 404 if it is
// not currently exposed under that url name.
func (c *Catalogue) handleThing(w http.ResponseWriter, r *http.Request) {
	urlName := mux.Vars(r)["thingUrlName"]
	et, ok := c.servient.FindByURLName(urlName)
	if !ok {
		http.Error(w, "thing not found", http.StatusNotFound)
		return
	}
	doc, err := et.Thing().EncodeWithBase(c.baseURL(urlName))
	if err != nil {
		http.Error(w, "encode failed", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(doc)
}

func (c *Catalogue) baseURL(urlName string) string {
	return fmt.Sprintf("http://%s:%d/%s", c.servient.hostname, c.port, urlName)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
