package files

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/carepoint/hospital/internal/shared/auth"
	"github.com/carepoint/hospital/internal/shared/errors"
	"github.com/carepoint/hospital/internal/shared/httpx"
	"github.com/carepoint/hospital/internal/shared/response"
)

// Handler serves uploads and downloads
type Handler struct {
	storage *Storage
}

// NewHandler creates a new files handler
func NewHandler(storage *Storage) *Handler {
	return &Handler{storage: storage}
}

// UploadRoutes mounts POST / for uploads.
func (h *Handler) UploadRoutes(authn *auth.Authenticator) chi.Router {
	r := chi.NewRouter()
	httpx.Route(r, authn, "/", httpx.Post(h.Upload))
	return r
}

// DownloadRoutes mounts GET / for downloads.
func (h *Handler) DownloadRoutes(authn *auth.Authenticator) chi.Router {
	r := chi.NewRouter()
	httpx.Route(r, authn, "/", httpx.Get(h.Download))
	return r
}

// Upload stores the multipart file field under the type given in the query.
func (h *Handler) Upload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, h.storage.MaxBytes()+1<<20)
	if err := r.ParseMultipartForm(h.storage.MaxBytes()); err != nil {
		response.Error(w, r, errors.BadRequest("No file uploaded or upload error"))
		return
	}
	_, header, err := r.FormFile("file")
	if err != nil {
		response.Error(w, r, errors.BadRequest("No file uploaded or upload error"))
		return
	}

	fileType := r.URL.Query().Get("type")
	if fileType == "" {
		fileType = r.FormValue("type")
	}

	stored, err := h.storage.Save(fileType, header)
	if err != nil {
		response.Error(w, r, err)
		return
	}

	response.OK(w, "File uploaded successfully", stored)
}

// Download streams a stored file as an attachment.
func (h *Handler) Download(w http.ResponseWriter, r *http.Request) {
	path, err := h.storage.Resolve(r.URL.Query().Get("file"))
	if err != nil {
		response.Error(w, r, err)
		return
	}
	ServeAttachment(w, r, path)
}
