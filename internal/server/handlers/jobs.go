package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	apperrors "github.com/3leaps/defcal/internal/errors"
	"github.com/3leaps/defcal/pkg/ledger"
)

// JobsResponse lists the job records of a batch directory.
type JobsResponse struct {
	Root   string          `json:"root"`
	Counts map[string]int  `json:"counts"`
	Jobs   []ledger.Record `json:"jobs"`
}

// JobsHandler serves job records from a ledger root.
type JobsHandler struct {
	store *ledger.Store
}

func NewJobsHandler(store *ledger.Store) *JobsHandler {
	return &JobsHandler{store: store}
}

// List handles GET /jobs. An optional ?state= filter keeps matching
// records only.
func (h *JobsHandler) List(w http.ResponseWriter, r *http.Request) {
	records, err := h.store.List()
	if err != nil {
		respondWithError(w, r, err)
		return
	}

	want := ledger.State(strings.ToLower(strings.TrimSpace(r.URL.Query().Get("state"))))
	counts := make(map[string]int)
	jobs := make([]ledger.Record, 0, len(records))
	for _, rec := range records {
		counts[string(rec.State)]++
		if want != "" && rec.State != want {
			continue
		}
		jobs = append(jobs, rec)
	}

	writeJSON(w, http.StatusOK, JobsResponse{Root: h.store.RootDir(), Counts: counts, Jobs: jobs})
}

// Get handles GET /jobs/{index}.
func (h *JobsHandler) Get(w http.ResponseWriter, r *http.Request) {
	raw := chi.URLParam(r, "index")
	index, err := strconv.Atoi(raw)
	if err != nil || index < 0 {
		respondWithError(w, r, apperrors.NewBadRequest("job index must be a non-negative integer"))
		return
	}

	rec, err := h.store.Find(index)
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
