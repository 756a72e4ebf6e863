// Package files stores uploaded attachments and generated documents on disk
// and serves them back to authenticated callers.
package files

import (
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/carepoint/hospital/internal/shared/config"
	"github.com/carepoint/hospital/internal/shared/errors"
	"github.com/carepoint/hospital/internal/shared/metrics"
)

// File types accepted by uploads.
const (
	TypePhoto        = "photo"
	TypeDocument     = "document"
	TypeCertificate  = "certificate"
	TypePassport     = "passport"
	TypePrescription = "prescription"
	TypeGeneral      = "general"
)

var (
	imageExtensions    = []string{"jpg", "jpeg", "png", "gif"}
	documentExtensions = []string{"pdf", "doc", "docx", "jpg", "jpeg", "png"}
)

// AllowedExtensions returns the lowercase extensions accepted for fileType.
func AllowedExtensions(fileType string) []string {
	switch fileType {
	case TypePhoto:
		return imageExtensions
	case TypeDocument, TypeCertificate, TypePassport:
		return documentExtensions
	case TypePrescription:
		return []string{"pdf", "html"}
	default:
		return []string{"jpg", "jpeg", "png", "gif", "pdf", "doc", "docx"}
	}
}

// StoredFile describes a file written to the upload directory.
type StoredFile struct {
	Filename     string `json:"filename"`
	Path         string `json:"filepath"`
	Size         int64  `json:"filesize"`
	ContentType  string `json:"filetype"`
	OriginalName string `json:"original_name"`
}

// Storage keeps uploads under one directory and generated prescription
// documents under another.
type Storage struct {
	uploadDir       string
	prescriptionDir string
	maxBytes        int64
	now             func() time.Time
}

// NewStorage creates a Storage from cfg. Directories are created on demand.
func NewStorage(cfg config.StorageConfig) *Storage {
	return &Storage{
		uploadDir:       cfg.UploadDir,
		prescriptionDir: cfg.PrescriptionDir,
		maxBytes:        cfg.MaxUploadBytes,
		now:             time.Now,
	}
}

// MaxBytes returns the upload size limit.
func (s *Storage) MaxBytes() int64 {
	return s.maxBytes
}

// Save validates and stores an uploaded file as
// <upload_dir>/<type>/<random>_<unix>.<ext>.
func (s *Storage) Save(fileType string, header *multipart.FileHeader) (*StoredFile, error) {
	if fileType == "" {
		fileType = TypeGeneral
	}
	if strings.ContainsAny(fileType, `/\.`) {
		return nil, errors.BadRequest("Invalid file type")
	}
	if header.Size > s.maxBytes {
		return nil, errors.BadRequest("File size too large")
	}

	ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(header.Filename), "."))
	if !contains(AllowedExtensions(fileType), ext) {
		return nil, errors.BadRequest("File type not allowed")
	}

	src, err := header.Open()
	if err != nil {
		return nil, errors.Wrap(err, "failed to open upload")
	}
	defer src.Close()

	dir := filepath.Join(s.uploadDir, fileType)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrap(err, "failed to create upload directory")
	}

	name := fmt.Sprintf("%s_%d.%s", strings.ReplaceAll(uuid.NewString(), "-", "")[:16], s.now().Unix(), ext)
	path := filepath.Join(dir, name)

	dst, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create file")
	}
	// one byte past the limit detects a lying Size header
	written, err := io.Copy(dst, io.LimitReader(src, s.maxBytes+1))
	closeErr := dst.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(path)
		return nil, errors.Wrap(err, "failed to write file")
	}
	if written > s.maxBytes {
		os.Remove(path)
		return nil, errors.BadRequest("File size too large")
	}

	contentType := header.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	metrics.RecordFileUploaded(fileType)

	return &StoredFile{
		Filename:     name,
		Path:         filepath.ToSlash(path),
		Size:         written,
		ContentType:  contentType,
		OriginalName: filepath.Base(header.Filename),
	}, nil
}

// WriteDocument writes a generated document into the prescription directory
// and returns its path.
func (s *Storage) WriteDocument(name string, content []byte) (string, error) {
	if name != filepath.Base(name) {
		return "", errors.BadRequest("Invalid document name")
	}
	if err := os.MkdirAll(s.prescriptionDir, 0o755); err != nil {
		return "", errors.Wrap(err, "failed to create document directory")
	}
	path := filepath.Join(s.prescriptionDir, name)
	if err := os.WriteFile(path, content, 0o644); err != nil {
		return "", errors.Wrap(err, "failed to write document")
	}
	return filepath.ToSlash(path), nil
}

// Exists reports whether path names a regular file.
func (s *Storage) Exists(path string) bool {
	info, err := os.Stat(filepath.FromSlash(path))
	return err == nil && info.Mode().IsRegular()
}

// Remove deletes a stored file. Missing files are ignored.
func (s *Storage) Remove(path string) error {
	if path == "" {
		return nil
	}
	if err := os.Remove(filepath.FromSlash(path)); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// Resolve maps a requested download path to a file inside the upload or
// prescription directory.
func (s *Storage) Resolve(requested string) (string, error) {
	if strings.TrimSpace(requested) == "" {
		return "", errors.BadRequest("File path required")
	}

	target, err := filepath.Abs(filepath.Clean(filepath.FromSlash(requested)))
	if err != nil {
		return "", errors.Forbidden("Access denied")
	}

	allowed := false
	for _, root := range []string{s.uploadDir, s.prescriptionDir} {
		if within(root, target) {
			allowed = true
			break
		}
	}
	if !allowed {
		return "", errors.Forbidden("Access denied")
	}

	info, err := os.Stat(target)
	if err != nil || !info.Mode().IsRegular() {
		return "", errors.NotFoundMessage("File not found")
	}

	// a symlink inside the tree must not lead out of it
	real, err := filepath.EvalSymlinks(target)
	if err != nil {
		return "", errors.NotFoundMessage("File not found")
	}
	for _, root := range []string{s.uploadDir, s.prescriptionDir} {
		if realRoot, err := filepath.EvalSymlinks(root); err == nil && within(realRoot, real) {
			return real, nil
		}
	}
	return "", errors.Forbidden("Access denied")
}

// within reports whether target lies strictly below root.
func within(root, target string) bool {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return false
	}
	rel, err := filepath.Rel(absRoot, target)
	if err != nil {
		return false
	}
	return rel != "." && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}

// ServeAttachment streams the file at path as a download.
func ServeAttachment(w http.ResponseWriter, r *http.Request, path string) {
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filepath.Base(path)))
	w.Header().Set("Cache-Control", "no-cache, must-revalidate")
	w.Header().Set("Pragma", "public")
	http.ServeFile(w, r, path)
}
