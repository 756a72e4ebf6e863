package files

import (
	"bytes"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/carepoint/hospital/internal/shared/config"
	apperrors "github.com/carepoint/hospital/internal/shared/errors"
)

func newStorage(t *testing.T, maxBytes int64) *Storage {
	t.Helper()
	root := t.TempDir()
	return NewStorage(config.StorageConfig{
		UploadDir:       filepath.Join(root, "uploads"),
		PrescriptionDir: filepath.Join(root, "prescriptions"),
		MaxUploadBytes:  maxBytes,
	})
}

// multipartRequest builds a request whose form carries one file field.
func multipartRequest(t *testing.T, target, field, filename string, content []byte) *http.Request {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile(field, filename)
	require.NoError(t, err)
	_, err = part.Write(content)
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, target, &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func fileHeader(t *testing.T, filename string, content []byte) *multipart.FileHeader {
	t.Helper()
	req := multipartRequest(t, "/", "file", filename, content)
	require.NoError(t, req.ParseMultipartForm(1<<20))
	return req.MultipartForm.File["file"][0]
}

func appMessage(t *testing.T, err error) string {
	t.Helper()
	appErr, ok := apperrors.As(err)
	require.True(t, ok)
	return appErr.Message
}

func TestAllowedExtensions(t *testing.T) {
	assert.Contains(t, AllowedExtensions(TypePhoto), "gif")
	assert.NotContains(t, AllowedExtensions(TypePhoto), "pdf")
	assert.Contains(t, AllowedExtensions(TypeCertificate), "docx")
	assert.Equal(t, []string{"pdf", "html"}, AllowedExtensions(TypePrescription))
	assert.Contains(t, AllowedExtensions("anything"), "pdf")
}

func TestSave(t *testing.T) {
	s := newStorage(t, 1024)

	stored, err := s.Save(TypePhoto, fileHeader(t, "Me.PNG", []byte("png-bytes")))
	require.NoError(t, err)
	assert.Regexp(t, `^[0-9a-f]{16}_\d+\.png$`, stored.Filename)
	assert.Equal(t, int64(9), stored.Size)
	assert.Equal(t, "Me.PNG", stored.OriginalName)
	assert.True(t, s.Exists(stored.Path))
	assert.Equal(t, "photo", filepath.Base(filepath.Dir(stored.Path)))

	_, err = s.Save(TypePhoto, fileHeader(t, "cv.pdf", []byte("pdf")))
	assert.Equal(t, "File type not allowed", appMessage(t, err))

	_, err = s.Save(TypeDocument, fileHeader(t, "big.pdf", bytes.Repeat([]byte("x"), 2048)))
	assert.Equal(t, "File size too large", appMessage(t, err))

	_, err = s.Save("../etc", fileHeader(t, "a.png", []byte("x")))
	assert.Error(t, err)

	require.NoError(t, s.Remove(stored.Path))
	assert.False(t, s.Exists(stored.Path))
	assert.NoError(t, s.Remove(stored.Path))
}

func TestResolve(t *testing.T) {
	s := newStorage(t, 1024)

	path, err := s.WriteDocument("prescription_RX1.html", []byte("<html></html>"))
	require.NoError(t, err)

	resolved, err := s.Resolve(path)
	require.NoError(t, err)
	assert.Equal(t, "prescription_RX1.html", filepath.Base(resolved))

	_, err = s.Resolve("")
	assert.Equal(t, "File path required", appMessage(t, err))

	_, err = s.Resolve(path + "/../../../../etc/passwd")
	assert.Equal(t, "Access denied", appMessage(t, err))

	_, err = s.Resolve("/etc/passwd")
	assert.Equal(t, "Access denied", appMessage(t, err))

	_, err = s.Resolve(filepath.Join(s.prescriptionDir, "missing.html"))
	assert.Equal(t, "File not found", appMessage(t, err))

	// the root directory itself is not a file inside it
	_, err = s.Resolve(s.uploadDir)
	assert.Equal(t, "Access denied", appMessage(t, err))

	_, err = s.WriteDocument("../escape.html", nil)
	assert.Error(t, err)
}

func TestResolveRejectsSymlinkEscape(t *testing.T) {
	s := newStorage(t, 1024)
	require.NoError(t, os.MkdirAll(s.uploadDir, 0o755))

	outside := filepath.Join(t.TempDir(), "secret.txt")
	require.NoError(t, os.WriteFile(outside, []byte("secret"), 0o644))
	link := filepath.Join(s.uploadDir, "link.txt")
	if err := os.Symlink(outside, link); err != nil {
		t.Skip("symlinks not supported")
	}

	_, err := s.Resolve(link)
	assert.Equal(t, "Access denied", appMessage(t, err))
}

func TestUploadHandler(t *testing.T) {
	h := NewHandler(newStorage(t, 1024))

	rec := httptest.NewRecorder()
	h.Upload(rec, multipartRequest(t, "/api/upload?type=certificate", "file", "license.pdf", []byte("%PDF")))
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Success bool       `json:"success"`
		Message string     `json:"message"`
		Data    StoredFile `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.True(t, body.Success)
	assert.Equal(t, "File uploaded successfully", body.Message)
	assert.Equal(t, "license.pdf", body.Data.OriginalName)

	rec = httptest.NewRecorder()
	h.Upload(rec, multipartRequest(t, "/api/upload", "other", "license.pdf", []byte("%PDF")))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "No file uploaded or upload error")
}

func TestDownloadHandler(t *testing.T) {
	s := newStorage(t, 1024)
	h := NewHandler(s)
	path, err := s.WriteDocument("prescription_RX2.html", []byte("<p>rx</p>"))
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	h.Download(rec, httptest.NewRequest(http.MethodGet, "/api/download?file="+path, nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, `attachment; filename="prescription_RX2.html"`, rec.Header().Get("Content-Disposition"))
	assert.Equal(t, "no-cache, must-revalidate", rec.Header().Get("Cache-Control"))
	assert.Equal(t, "<p>rx</p>", rec.Body.String())

	rec = httptest.NewRecorder()
	h.Download(rec, httptest.NewRequest(http.MethodGet, "/api/download?file=/etc/passwd", nil))
	assert.Equal(t, http.StatusForbidden, rec.Code)
}
