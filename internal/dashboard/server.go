// Package dashboard serves the dispatcher's read-only status view: a
// Gin-rendered HTML page listing builders and recent jobs, updated live
// over Server-Sent Events as jobs change state. Grounded on the
// teacher's internal/dashboard server.go/routes.go shape, rewritten for
// Job/Builder state instead of Engine/Car telemetry.
package dashboard

import (
	"html/template"
	"net/http"

	"github.com/ej-framework/ej/internal/models"
	"github.com/ej-framework/ej/internal/storage"
	"github.com/gin-gonic/gin"
)

// Server renders the dashboard and streams job updates.
type Server struct {
	st     storage.Store
	tmpl   *template.Template
	broker *Broker
}

// New parses the embedded templates and wires routes onto r.
func New(st storage.Store, r *gin.Engine) (*Server, error) {
	tmpl, err := template.ParseFS(templatesFS, "templates/*.html")
	if err != nil {
		return nil, err
	}
	s := &Server{st: st, tmpl: tmpl, broker: NewBroker()}

	r.GET("/dashboard", s.index)
	r.GET("/dashboard/events", s.events)
	r.StaticFS("/assets", http.FS(assetsFS))
	return s, nil
}

// Broker exposes PublishJob for the dispatcher/httpapi layer to push job
// state changes as they happen.
func (s *Server) Broker() *Broker { return s.broker }

type indexData struct {
	Builders []models.Builder
	Jobs     []models.Job
}

func (s *Server) index(c *gin.Context) {
	builders, err := s.st.ListBuilders()
	if err != nil {
		c.String(http.StatusInternalServerError, "%v", err)
		return
	}
	jobs, err := s.st.ListRecentJobs(50)
	if err != nil {
		c.String(http.StatusInternalServerError, "%v", err)
		return
	}
	c.Status(http.StatusOK)
	c.Header("Content-Type", "text/html; charset=utf-8")
	if err := s.tmpl.ExecuteTemplate(c.Writer, "index.html", indexData{Builders: builders, Jobs: jobs}); err != nil {
		c.String(http.StatusInternalServerError, "%v", err)
	}
}

func (s *Server) events(c *gin.Context) {
	s.broker.ServeHTTP(c.Writer, c.Request)
}
