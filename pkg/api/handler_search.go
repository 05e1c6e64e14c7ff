package api

import (
	"errors"
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/loghive/loghive/pkg/search"
)

// searchHandler handles GET /api/logs/search with the filter in the query
// string.
func (s *Server) searchHandler(c *echo.Context) error {
	spec := search.ParseQuery(c.Request().URL.Query())
	page, err := s.search.Search(c.Request().Context(), spec)
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, page)
}

// searchBodyHandler handles POST /api/logs/search with a FilterSpec JSON
// body, for filters too unwieldy for a query string.
func (s *Server) searchBodyHandler(c *echo.Context) error {
	var spec search.FilterSpec
	if err := c.Bind(&spec); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	page, err := s.search.Search(c.Request().Context(), spec)
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, page)
}

// exportHandler handles GET /api/logs/export, streaming matching events as
// CSV. The first row commits the 200; a filter that fails to compile still
// gets a proper error response, while a mid-stream failure can only
// truncate the download.
func (s *Server) exportHandler(c *echo.Context) error {
	spec := search.ParseQuery(c.Request().URL.Query())

	h := c.Response().Header()
	h.Set("Content-Type", "text/csv; charset=utf-8")
	h.Set("Content-Disposition", `attachment; filename="logs.csv"`)

	if err := s.search.Export(c.Request().Context(), spec, c.Response()); err != nil {
		if r, _ := echo.UnwrapResponse(c.Response()); r != nil && r.Committed && errors.Is(err, search.ErrTimeout) {
			return nil
		}
		return mapServiceError(err)
	}
	return nil
}

// facetsHandler handles GET /api/logs/facets. The filter narrows the
// population; fields selects which facet columns to count.
func (s *Server) facetsHandler(c *echo.Context) error {
	values := c.Request().URL.Query()
	spec := search.ParseQuery(values)
	facets, err := s.search.Facets(c.Request().Context(), spec, values["fields"])
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, facets)
}
