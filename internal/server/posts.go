package server

import (
	"errors"
	"fmt"
	"mime/multipart"
	"net/http"
	"strconv"

	"github.com/bryan-buckman/tabs/internal/archive"
	"github.com/bryan-buckman/tabs/internal/model"
)

// maxMemory is how much of a multipart body is buffered before spilling to
// temp files.
const maxMemory = 8 << 20

func (s *Server) handleListPosts(w http.ResponseWriter, r *http.Request) {
	folderID, err := optionalID(r.URL.Query().Get("tab_id"))
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	items, err := s.archive.List(r.Context(), userFrom(r), folderID)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, archive.ToPosts(items))
}

func (s *Server) handleGetPost(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "postID")
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	item, err := s.archive.Get(r.Context(), userFrom(r), id)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, archive.ToPost(item))
}

func (s *Server) handleCreatePost(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.opts.MaxUploadBytes)
	if err := r.ParseMultipartForm(maxMemory); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) || errors.Is(err, multipart.ErrMessageTooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "too_large",
				fmt.Sprintf("request body exceeds %d bytes", s.opts.MaxUploadBytes))
			return
		}
		s.writeErr(w, r, fmt.Errorf("%w: invalid multipart body: %v", model.ErrValidation, err))
		return
	}
	defer r.MultipartForm.RemoveAll()

	in := archive.NewPost{Text: r.FormValue("content")}

	folderID, err := optionalID(r.FormValue("tab_id"))
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	in.FolderID = folderID

	if raw := r.FormValue("link_preview"); raw != "" && raw != "null" {
		preview, err := s.validator.decode([]byte(raw))
		if err != nil {
			s.writeErr(w, r, err)
			return
		}
		in.LinkPreview = preview
	}

	headers := r.MultipartForm.File["media"]
	files := make([]multipart.File, 0, len(headers))
	defer func() {
		for _, f := range files {
			f.Close()
		}
	}()
	for _, fh := range headers {
		f, err := fh.Open()
		if err != nil {
			s.writeErr(w, r, fmt.Errorf("open upload %s: %w", fh.Filename, err))
			return
		}
		files = append(files, f)
		in.Media = append(in.Media, archive.Upload{Name: fh.Filename, Reader: f})
	}

	item, err := s.archive.Create(r.Context(), userFrom(r), in)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, archive.ToPost(item))
}

func (s *Server) handleDeletePost(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "postID")
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	if err := s.archive.Delete(r.Context(), userFrom(r), id); err != nil {
		s.writeErr(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type moveRequest struct {
	TabID *int64 `json:"tab_id"`
}

func (s *Server) handleMovePost(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "postID")
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	var req moveRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeErr(w, r, err)
		return
	}
	if err := s.archive.Move(r.Context(), userFrom(r), id, req.TabID); err != nil {
		s.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

type reorderPostsRequest struct {
	PostIDs []int64 `json:"post_ids"`
}

func (s *Server) handleReorderPosts(w http.ResponseWriter, r *http.Request) {
	var req reorderPostsRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeErr(w, r, err)
		return
	}
	if err := s.archive.Reorder(r.Context(), userFrom(r), req.PostIDs); err != nil {
		s.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

// optionalID parses a folder id where empty means the inbox.
func optionalID(raw string) (*int64, error) {
	if raw == "" || raw == "null" {
		return nil, nil
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid tab_id", model.ErrValidation)
	}
	return &id, nil
}
