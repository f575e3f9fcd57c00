package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/ternarybob/salas/internal/models"
)

// RequireMethod validates that the HTTP request uses the specified method.
// Returns true if the method matches, false otherwise (and writes error response).
func RequireMethod(w http.ResponseWriter, r *http.Request, method string) bool {
	if r.Method != method {
		WriteError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return false
	}
	return true
}

// WriteJSON writes a JSON response with the specified status code and data.
func WriteJSON(w http.ResponseWriter, statusCode int, data interface{}) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	return json.NewEncoder(w).Encode(data)
}

// WriteError writes a standard error JSON response.
func WriteError(w http.ResponseWriter, statusCode int, message string) error {
	return WriteJSON(w, statusCode, map[string]string{
		"status": "error",
		"error":  message,
	})
}

// PaginationResponse contains pagination metadata for API responses.
type PaginationResponse struct {
	Page       int `json:"page"`
	PageSize   int `json:"page_size"`
	TotalItems int `json:"total_items"`
	TotalPages int `json:"total_pages"`
}

// GetPaginationParams extracts pagination parameters from query string.
// Returns page (0-indexed) and pageSize (default 10, max 100).
func GetPaginationParams(r *http.Request) (page, pageSize int) {
	page = 0
	pageSize = 10

	if pageStr := r.URL.Query().Get("page"); pageStr != "" {
		if p, err := strconv.Atoi(pageStr); err == nil && p >= 0 {
			page = p
		}
	}

	if pageSizeStr := r.URL.Query().Get("pageSize"); pageSizeStr != "" {
		if ps, err := strconv.Atoi(pageSizeStr); err == nil && ps > 0 && ps <= 100 {
			pageSize = ps
		}
	}

	return page, pageSize
}

// ParsePeriod reads the optional year and semester parameters. Both absent
// yields nil; one without the other, or a non-numeric value, is an error.
// Range checks are left to the job manager.
func ParsePeriod(query url.Values) (*models.Period, error) {
	year := strings.TrimSpace(query.Get("year"))
	semester := strings.TrimSpace(query.Get("semester"))

	if year == "" && semester == "" {
		return nil, nil
	}
	if year == "" || semester == "" {
		return nil, fmt.Errorf("year and semester must be given together")
	}

	y, err := strconv.Atoi(year)
	if err != nil {
		return nil, fmt.Errorf("invalid year %q", year)
	}
	s, err := strconv.Atoi(semester)
	if err != nil {
		return nil, fmt.Errorf("invalid semester %q", semester)
	}

	return &models.Period{Year: y, Semester: s}, nil
}

// jobPathID extracts {id} from /api/jobs/{id} and /api/jobs/{id}/logs
func jobPathID(path string) string {
	rest := strings.TrimPrefix(path, "/api/jobs/")
	id, _, _ := strings.Cut(rest, "/")
	return id
}
