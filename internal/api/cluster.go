package api

import (
	"net/http"
	"sort"
	"time"
)

// --- GET /api/tags (merged fleet model list, Ollama-shaped) ---

func (s *Server) handleTags(w http.ResponseWriter, r *http.Request) {
	perNode := s.svc.ListModels(r.Context())

	type ollamaModel struct {
		Name       string    `json:"name"`
		ModifiedAt time.Time `json:"modified_at"`
		Size       int64     `json:"size"`
		Digest     string    `json:"digest"`
	}

	// A model installed on several nodes appears once.
	merged := make(map[string]ollamaModel)
	for _, models := range perNode {
		for _, m := range models {
			if _, ok := merged[m.Name]; !ok {
				merged[m.Name] = ollamaModel{
					Name:       m.Name,
					ModifiedAt: m.ModifiedAt,
					Size:       m.SizeBytes,
					Digest:     m.Digest,
				}
			}
		}
	}

	out := make([]ollamaModel, 0, len(merged))
	for _, m := range merged {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })

	writeJSON(w, http.StatusOK, map[string]any{"models": out})
}

// --- GET /api/models (per-node model map) ---

func (s *Server) handleModels(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.svc.ListModels(r.Context()))
}

// --- GET /api/cluster ---

func (s *Server) handleCluster(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.svc.ClusterStats())
}

// --- GET /api/nodes ---

func (s *Server) handleNodes(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.svc.NodeResources())
}
