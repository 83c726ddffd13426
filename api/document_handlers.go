package api

import (
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/fabfab/go-assistant/authz"
	"github.com/fabfab/go-assistant/ingestion"
)

type createDocumentRequest struct {
	FileName string `json:"file_name" validate:"required,max=255"`
	Text     string `json:"text" validate:"required"`
}

type shareRequest struct {
	User     string `json:"user" validate:"required"`
	Relation string `json:"relation" validate:"omitempty,oneof=viewer owner"`
}

type documentView struct {
	ingestion.Document
	Owned bool `json:"owned"`
}

type listDocumentsResponse struct {
	Documents []documentView `json:"documents"`
}

func (s *Server) handleCreateDocument(w http.ResponseWriter, r *http.Request) {
	id, err := identity(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	var res ingestion.Result
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType == "multipart/form-data" {
		res, err = s.ingestUpload(w, r, id.Subject)
	} else {
		var req createDocumentRequest
		if err = decodeJSON(r, &req); err == nil {
			res, err = s.deps.Documents.IngestText(r.Context(), id.Subject, req.FileName, req.Text)
		}
	}
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	status := http.StatusOK
	if res.Created {
		status = http.StatusCreated
	}
	s.writeJSON(w, status, res)
}

func (s *Server) ingestUpload(w http.ResponseWriter, r *http.Request, owner string) (ingestion.Result, error) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBody)
	file, header, err := r.FormFile("file")
	if err != nil {
		return ingestion.Result{}, badRequest("read upload: %v", err)
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		return ingestion.Result{}, badRequest("read upload: %v", err)
	}
	return s.deps.Documents.IngestFile(r.Context(), owner, header.Filename, data)
}

// handleListDocuments returns every document the caller can view.
func (s *Server) handleListDocuments(w http.ResponseWriter, r *http.Request) {
	id, err := identity(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	ctx := r.Context()

	visible, err := s.deps.Permissions.ListObjects(ctx, id.Subject, authz.RelationCanView)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	owned, err := s.deps.Permissions.ListObjects(ctx, id.Subject, authz.RelationOwner)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	ownedSet := make(map[string]struct{}, len(owned))
	for _, o := range owned {
		ownedSet[o] = struct{}{}
	}

	docs, err := s.deps.Documents.Documents(ctx, visible)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	out := listDocumentsResponse{Documents: make([]documentView, 0, len(docs))}
	for _, d := range docs {
		_, mine := ownedSet[d.ID]
		out.Documents = append(out.Documents, documentView{Document: d, Owned: mine})
	}
	s.writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleDeleteDocument(w http.ResponseWriter, r *http.Request) {
	docID := chi.URLParam(r, "id")
	if err := s.requireOwner(r, docID); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.deps.Documents.DeleteDocument(r.Context(), docID); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleShare(w http.ResponseWriter, r *http.Request) {
	s.changeShare(w, r, true)
}

func (s *Server) handleUnshare(w http.ResponseWriter, r *http.Request) {
	s.changeShare(w, r, false)
}

// changeShare grants or revokes a relation on a document. Only owners may.
func (s *Server) changeShare(w http.ResponseWriter, r *http.Request, grant bool) {
	docID := chi.URLParam(r, "id")
	var req shareRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.requireOwner(r, docID); err != nil {
		s.writeError(w, r, err)
		return
	}

	relation := req.Relation
	if relation == "" {
		relation = authz.RelationViewer
	}
	tuple := authz.Tuple{User: strings.TrimSpace(req.User), Relation: relation, Object: docID}

	var err error
	if grant {
		err = s.deps.Permissions.Write(r.Context(), tuple)
	} else {
		err = s.deps.Permissions.Delete(r.Context(), tuple)
	}
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	s.logger.Info("document permissions changed",
		zap.String("document_id", docID),
		zap.String("tuple", tuple.String()),
		zap.Bool("granted", grant),
	)
	s.writeJSON(w, http.StatusOK, tuple)
}

func (s *Server) requireOwner(r *http.Request, docID string) error {
	id, err := identity(r)
	if err != nil {
		return err
	}
	ok, err := s.deps.Permissions.Check(r.Context(), id.Subject, docID, authz.RelationOwner)
	if err != nil {
		return fmt.Errorf("check ownership of %s: %w", docID, err)
	}
	if !ok {
		return fmt.Errorf("%w: only the owner of %s may do that", errForbidden, docID)
	}
	return nil
}
