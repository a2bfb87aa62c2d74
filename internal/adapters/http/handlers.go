package http

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/rcoup/kart/internal/domain"
)

// QueryParams represents the query parameters for a point query.
type QueryParams struct {
	X    float64
	Y    float64
	SRID int
}

// handleHealth returns detailed health status.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	details := s.health.GetHealthDetails(r.Context())

	status := http.StatusOK
	if !details.Healthy {
		status = http.StatusServiceUnavailable
	}

	s.writeJSON(w, status, map[string]interface{}{
		"status":            boolToStatus(details.Healthy),
		"ready":             details.Ready,
		"working_copy_open": details.WorkingCopyOpen,
		"components":        details.Components,
	})
}

// handleLiveness returns liveness status.
func (s *Server) handleLiveness(w http.ResponseWriter, r *http.Request) {
	if s.health.IsHealthy(r.Context()) {
		s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	} else {
		s.writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unhealthy"})
	}
}

// handleReadiness returns readiness status.
func (s *Server) handleReadiness(w http.ResponseWriter, r *http.Request) {
	if s.health.IsReady(r.Context()) {
		s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	} else {
		s.writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not ready"})
	}
}

// handleListLayers returns every layer currently present in the working
// copy.
func (s *Server) handleListLayers(w http.ResponseWriter, r *http.Request) {
	layers, err := s.inspection.ListLayers(r.Context())
	if err != nil {
		s.logger.Error("failed to list layers", "error", err)
		s.writeError(w, http.StatusInternalServerError, "Failed to list layers")
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"layers": layers,
		"count":  len(layers),
	})
}

// handleQueryLayer handles point queries against one layer.
func (s *Server) handleQueryLayer(w http.ResponseWriter, r *http.Request) {
	layer := mux.Vars(r)["layer"]

	params, err := s.parseQueryParams(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	coord := domain.Coordinate{X: params.X, Y: params.Y, SRID: params.SRID}

	rows, err := s.inspection.QueryPoint(r.Context(), layer, coord)
	if err != nil {
		s.handleQueryError(w, err)
		return
	}

	s.writeJSON(w, http.StatusOK, s.formatQueryResponse(layer, coord, rows))
}

// handleOpenAPI returns the OpenAPI specification.
func (s *Server) handleOpenAPI(w http.ResponseWriter, _ *http.Request) {
	spec, err := getOpenAPIJSON()
	if err != nil {
		s.logger.Error("failed to get OpenAPI spec", "error", err)
		s.writeError(w, http.StatusInternalServerError, "Failed to load OpenAPI specification")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(spec)
}

// parseQueryParams parses x/y/srid query parameters from the request.
func (s *Server) parseQueryParams(r *http.Request) (*QueryParams, error) {
	params := &QueryParams{SRID: domain.SRIDWGS84}

	q := r.URL.Query()

	x := q.Get("x")
	y := q.Get("y")
	if x == "" || y == "" {
		return nil, errors.New("coordinates required: x and y query parameters")
	}

	xv, err := strconv.ParseFloat(x, 64)
	if err != nil {
		return nil, errors.New("invalid x parameter")
	}
	params.X = xv

	yv, err := strconv.ParseFloat(y, 64)
	if err != nil {
		return nil, errors.New("invalid y parameter")
	}
	params.Y = yv

	if srid := q.Get("srid"); srid != "" {
		v, err := strconv.Atoi(srid)
		if err != nil {
			return nil, errors.New("invalid srid parameter")
		}
		params.SRID = v
	}

	return params, nil
}

// formatQueryResponse formats the query response for JSON output.
func (s *Server) formatQueryResponse(layer string, coord domain.Coordinate, rows []domain.Row) map[string]interface{} {
	features := make([]map[string]interface{}, len(rows))
	for i, row := range rows {
		props := make(map[string]interface{}, len(row.Columns))
		for _, col := range row.Columns {
			if row.IsGeomColumn(col) {
				continue
			}
			props[col] = row.Values[col]
		}
		features[i] = map[string]interface{}{
			"pk":         row.PK(),
			"properties": props,
		}
	}

	return map[string]interface{}{
		"layer": layer,
		"coordinate": map[string]interface{}{
			"x":    coord.X,
			"y":    coord.Y,
			"srid": coord.SRID,
		},
		"geometry":      coord.GeoJSON(),
		"features":      features,
		"feature_count": len(features),
	}
}

// handleQueryError handles query errors and returns the appropriate HTTP
// status.
func (s *Server) handleQueryError(w http.ResponseWriter, err error) {
	var validationErr *domain.ValidationError
	if errors.As(err, &validationErr) {
		s.writeError(w, http.StatusBadRequest, validationErr.Message)
		return
	}

	if errors.Is(err, domain.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "Layer not found")
		return
	}

	s.logger.Error("query error", "error", err)
	s.writeError(w, http.StatusInternalServerError, "Query failed")
}

// writeJSON writes a JSON response.
func (s *Server) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// writeError writes an error response.
func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]interface{}{
		"error":   http.StatusText(status),
		"message": message,
	})
}

func boolToStatus(b bool) string {
	if b {
		return "ok"
	}
	return "unhealthy"
}
