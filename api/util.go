package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
)

const (
	defaultPageSize = 20
	maxPageSize     = 100
)

type errorResponse struct {
	Status  int    `json:"status"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Errorf("Error writing response: %s", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Status: status, Message: msg})
}

func writeInternalError(w http.ResponseWriter, err error) {
	log.Errorf("Internal error: %s", err)
	writeError(w, http.StatusInternalServerError, "internal server error")
}

// pageInfo describes one page of a listing. Pages are numbered from zero.
type pageInfo struct {
	Number        int `json:"number"`
	Size          int `json:"size"`
	TotalElements int `json:"totalElements"`
	TotalPages    int `json:"totalPages"`
}

type pageRequest struct {
	number, size int
}

func (p pageRequest) offset() int {
	return p.number * p.size
}

func (p pageRequest) info(total int) pageInfo {
	return pageInfo{
		Number:        p.number,
		Size:          p.size,
		TotalElements: total,
		TotalPages:    (total + p.size - 1) / p.size,
	}
}

func parsePage(r *http.Request) (pageRequest, error) {
	p := pageRequest{size: defaultPageSize}
	q := r.URL.Query()
	if s := q.Get("page"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			return p, fmt.Errorf("invalid page %q", s)
		}
		p.number = n
	}
	if s := q.Get("size"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 1 || n > maxPageSize {
			return p, fmt.Errorf("invalid page size %q", s)
		}
		p.size = n
	}
	return p, nil
}
