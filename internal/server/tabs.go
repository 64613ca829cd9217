package server

import (
	"net/http"
)

type tabRequest struct {
	Title string `json:"title"`
}

func (s *Server) handleListTabs(w http.ResponseWriter, r *http.Request) {
	folders, err := s.archive.ListFolders(r.Context(), userFrom(r))
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, folders)
}

func (s *Server) handleCreateTab(w http.ResponseWriter, r *http.Request) {
	var req tabRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeErr(w, r, err)
		return
	}
	folder, err := s.archive.CreateFolder(r.Context(), userFrom(r), req.Title)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, folder)
}

func (s *Server) handleRenameTab(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "tabID")
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	var req tabRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeErr(w, r, err)
		return
	}
	folder, err := s.archive.RenameFolder(r.Context(), userFrom(r), id, req.Title)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, folder)
}

func (s *Server) handleDeleteTab(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "tabID")
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	if err := s.archive.DeleteFolder(r.Context(), userFrom(r), id); err != nil {
		s.writeErr(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type reorderTabsRequest struct {
	TabIDs []int64 `json:"tab_ids"`
}

func (s *Server) handleReorderTabs(w http.ResponseWriter, r *http.Request) {
	var req reorderTabsRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeErr(w, r, err)
		return
	}
	if err := s.archive.ReorderFolders(r.Context(), userFrom(r), req.TabIDs); err != nil {
		s.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}
