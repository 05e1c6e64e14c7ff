package api

import (
	"encoding/json"
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/loghive/loghive/pkg/models"
	"github.com/loghive/loghive/pkg/search"
)

type savedSearchRequest struct {
	Name        string            `json:"name"`
	Description string            `json:"description"`
	Filter      json.RawMessage   `json:"filter,omitempty"`
	Visibility  models.Visibility `json:"visibility"`
}

func (s *Server) requireSavedSearches() error {
	if s.saved == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "saved searches not available")
	}
	return nil
}

func (s *Server) listSavedSearchesHandler(c *echo.Context) error {
	if err := s.requireSavedSearches(); err != nil {
		return err
	}
	p := currentPrincipal(c)
	out, err := s.saved.List(c.Request().Context(), p.Username, p.Role == models.RoleAdmin)
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, out)
}

func (s *Server) createSavedSearchHandler(c *echo.Context) error {
	if err := s.requireSavedSearches(); err != nil {
		return err
	}
	var req savedSearchRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	p := currentPrincipal(c)
	created, err := s.saved.Create(c.Request().Context(), p.Username, req.Name, req.Description, req.Filter, req.Visibility, clientIP(c))
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusCreated, created)
}

func (s *Server) getSavedSearchHandler(c *echo.Context) error {
	if err := s.requireSavedSearches(); err != nil {
		return err
	}
	id, err := pathID(c)
	if err != nil {
		return err
	}
	p := currentPrincipal(c)
	found, err := s.saved.Get(c.Request().Context(), id, p.Username, p.Role == models.RoleAdmin)
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, found)
}

// savedSearchResultsHandler executes a stored filter and returns the page,
// bumping the search's usage counter.
func (s *Server) savedSearchResultsHandler(c *echo.Context) error {
	if err := s.requireSavedSearches(); err != nil {
		return err
	}
	id, err := pathID(c)
	if err != nil {
		return err
	}
	p := currentPrincipal(c)
	found, err := s.saved.Get(c.Request().Context(), id, p.Username, p.Role == models.RoleAdmin)
	if err != nil {
		return mapServiceError(err)
	}

	var spec search.FilterSpec
	if err := json.Unmarshal(found.Filter, &spec); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "stored filter is not a valid filter spec")
	}
	// Cursor paging continues from the query string, not the stored filter.
	if cursor := c.QueryParam("cursor"); cursor != "" {
		spec.Cursor = cursor
	}

	page, err := s.search.Search(c.Request().Context(), spec)
	if err != nil {
		return mapServiceError(err)
	}
	s.saved.TouchUse(id)
	return c.JSON(http.StatusOK, page)
}

func (s *Server) updateSavedSearchHandler(c *echo.Context) error {
	if err := s.requireSavedSearches(); err != nil {
		return err
	}
	id, err := pathID(c)
	if err != nil {
		return err
	}
	var req savedSearchRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	p := currentPrincipal(c)
	updated, err := s.saved.Update(c.Request().Context(), id, p.Username, p.Role == models.RoleAdmin, req.Name, req.Description, req.Filter, req.Visibility, clientIP(c))
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, updated)
}

func (s *Server) deleteSavedSearchHandler(c *echo.Context) error {
	if err := s.requireSavedSearches(); err != nil {
		return err
	}
	id, err := pathID(c)
	if err != nil {
		return err
	}
	p := currentPrincipal(c)
	if err := s.saved.Delete(c.Request().Context(), id, p.Username, p.Role == models.RoleAdmin, clientIP(c)); err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, map[string]bool{"success": true})
}
