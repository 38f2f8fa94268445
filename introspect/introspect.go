// Package introspect serves the read-only HTTP view of a running engine
// (spec §4.9): current chart state, a chart's journal, and the set of live
// instances. It never mutates anything xjog owns.
//
// Grounded on http/server.go's NewEchoServer (logger + recover middleware,
// HideBanner/HidePort) and statemanager/handlers.go's one-handler-per-route
// shape over echo/v4, adapted to xjog's own read paths. Authn/authz of this
// surface is explicitly out of scope; deployments front it with their own
// reverse proxy.
package introspect

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/evalgo/xjog/engine"
	"github.com/evalgo/xjog/model"
	"github.com/evalgo/xjog/xjogerr"
)

// Server wraps an *engine.Engine with its read-only HTTP surface.
type Server struct {
	eng *engine.Engine
	e   *echo.Echo
}

// New builds a Server and registers its routes. Call Handler (or
// ListenAndServe) to start serving.
func New(eng *engine.Engine) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.LoggerWithConfig(middleware.LoggerConfig{
		Format: "[${time_rfc3339}] ${status} ${method} ${uri} (${latency_human})\n",
	}))
	e.Use(middleware.Recover())

	s := &Server{eng: eng, e: e}
	e.GET("/instances", s.listInstances)
	e.GET("/charts/:machineId/:chartId", s.getChart)
	e.GET("/charts/:machineId/:chartId/journal", s.getJournal)
	e.GET("/digests", s.queryDigests)
	return s
}

// Handler returns the http.Handler to mount, e.g. behind http.ListenAndServe.
func (s *Server) Handler() http.Handler {
	return s.e
}

// ListenAndServe blocks serving on addr (e.g. ":8090").
func (s *Server) ListenAndServe(addr string) error {
	return s.e.Start(addr)
}

type instanceView struct {
	InstanceID string `json:"instanceId"`
	StartedAt  string `json:"startedAt"`
	Dying      bool   `json:"dying"`
}

func (s *Server) listInstances(c echo.Context) error {
	instances, err := s.eng.Store().ListInstances(c.Request().Context())
	if err != nil {
		return httpError(c, err)
	}
	out := make([]instanceView, 0, len(instances))
	for _, inst := range instances {
		out = append(out, instanceView{
			InstanceID: inst.InstanceID,
			StartedAt:  inst.StartedAt.Format("2006-01-02T15:04:05.000Z07:00"),
			Dying:      inst.Dying,
		})
	}
	return c.JSON(http.StatusOK, out)
}

func (s *Server) getChart(c echo.Context) error {
	ref := model.NewChartReference(c.Param("machineId"), c.Param("chartId"))
	chart, err := s.eng.GetChart(c.Request().Context(), ref)
	if err != nil {
		return httpError(c, err)
	}
	return c.JSON(http.StatusOK, chart)
}

func (s *Server) getJournal(c echo.Context) error {
	ref := model.NewChartReference(c.Param("machineId"), c.Param("chartId"))

	q := model.JournalQuery{Ref: &ref, Order: model.OrderAsc, Limit: 100}
	if limitParam := c.QueryParam("limit"); limitParam != "" {
		n, err := strconv.Atoi(limitParam)
		if err != nil {
			return c.JSON(http.StatusBadRequest, errorView{Error: "invalid limit"})
		}
		q.Limit = n
	}
	if c.QueryParam("order") == string(model.OrderDesc) {
		q.Order = model.OrderDesc
	}
	if afterParam := c.QueryParam("after"); afterParam != "" {
		n, err := strconv.ParseInt(afterParam, 10, 64)
		if err != nil {
			return c.JSON(http.StatusBadRequest, errorView{Error: "invalid after"})
		}
		q.ID.After = &n
	}

	entries, err := s.eng.Journal().QueryEntries(c.Request().Context(), q)
	if err != nil {
		return httpError(c, err)
	}
	return c.JSON(http.StatusOK, entries)
}

// queryDigests answers spec §6's "event query filters": find every chart
// whose digest value for a key matches (eq|matches), or whose metadata
// matches, via model.EventFilter. A bare ?key= with no comparator is a
// presence check ("chart has recorded this digest key at all").
func (s *Server) queryDigests(c echo.Context) error {
	f := model.EventFilter{
		Key:              c.QueryParam("key"),
		Matches:          c.QueryParam("matches"),
		MachineIDPattern: c.QueryParam("machineId"),
		ChartIDPattern:   c.QueryParam("chartId"),
	}
	if eq := c.QueryParam("eq"); eq != "" {
		f.Eq = eq
	}

	refs, err := s.eng.Journal().QueryDigests(c.Request().Context(), f)
	if err != nil {
		return httpError(c, err)
	}
	return c.JSON(http.StatusOK, refs)
}

type errorView struct {
	Error string `json:"error"`
}

func httpError(c echo.Context, err error) error {
	switch {
	case errors.Is(err, xjogerr.ErrChartNotFound), errors.Is(err, xjogerr.ErrMachineNotFound):
		return c.JSON(http.StatusNotFound, errorView{Error: err.Error()})
	default:
		return c.JSON(http.StatusInternalServerError, errorView{Error: err.Error()})
	}
}
