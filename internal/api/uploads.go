package api

import (
	"errors"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/elabx-org/cloudmux/internal/domain"
	"github.com/elabx-org/cloudmux/internal/router"
	"github.com/elabx-org/cloudmux/internal/service"
)

// uploadForm is a parsed upload request. The file part is spooled once to a
// temp file so retries can re-read it.
type uploadForm struct {
	spool    *os.File
	size     int64
	name     string
	partType string
	fields   map[string]string
}

func (f *uploadForm) cleanup() {
	if f.spool != nil {
		f.spool.Close()
		os.Remove(f.spool.Name())
	}
}

// readUploadForm streams the multipart body. Fields may come before or after
// the "file" part.
func readUploadForm(r *http.Request) (*uploadForm, error) {
	mr, err := r.MultipartReader()
	if err != nil {
		return nil, err
	}
	form := &uploadForm{fields: map[string]string{}}
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			form.cleanup()
			return nil, err
		}
		err = form.readPart(part)
		part.Close()
		if err != nil {
			form.cleanup()
			return nil, err
		}
	}
	return form, nil
}

func (f *uploadForm) readPart(part *multipart.Part) error {
	switch name := part.FormName(); {
	case name == "file" && f.spool == nil:
		spool, err := os.CreateTemp("", "cloudmux-upload-*")
		if err != nil {
			return err
		}
		f.spool = spool
		f.name = filepath.Base(part.FileName())
		f.partType = part.Header.Get("Content-Type")
		f.size, err = io.Copy(spool, part)
		return err
	case name != "":
		v, err := io.ReadAll(io.LimitReader(part, maxFieldBytes))
		if err != nil {
			return err
		}
		f.fields[name] = string(v)
	}
	return nil
}

// handleUpload accepts a multipart form with a "file" part and optional
// "mime", "folder" and "retries" fields.
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	if limit := s.cfg.Server.MaxUploadMB; limit > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, limit<<20)
	}
	form, err := readUploadForm(r)
	if err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			writeJSON(w, http.StatusRequestEntityTooLarge, errorBody{
				Error: "upload exceeds " + strconv.FormatInt(tooBig.Limit, 10) + " bytes",
			})
			return
		}
		badRequest(w, "invalid multipart form: "+err.Error())
		return
	}
	defer form.cleanup()
	if form.spool == nil {
		badRequest(w, "file part is required")
		return
	}

	name := form.name
	mt := form.fields["mime"]
	if mt == "" {
		mt = form.partType
	}
	if mt == "" || mt == "application/octet-stream" {
		if byExt := mime.TypeByExtension(filepath.Ext(name)); byExt != "" {
			mt = byExt
		}
	}
	if parsed, _, err := mime.ParseMediaType(mt); err == nil {
		mt = parsed
	}

	opts := service.RouteOptions{TriggeredBy: "api"}
	if v := form.fields["retries"]; v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			badRequest(w, "retries must be a non-negative integer")
			return
		}
		opts.Retries = n
	}

	ws := chi.URLParam(r, "ws")
	p, err := s.svc.RouteUpload(r.Context(), ws, router.Upload{
		File: domain.FileInfo{
			Name:         name,
			MimeType:     mt,
			Size:         form.size,
			SourceFolder: form.fields["folder"],
		},
		Body: form.spool,
	}, opts)
	if err != nil {
		writeError(w, r, err)
		return
	}
	log.Info().Str("workspace", ws).Str("file", name).Str("provider_id", p.ProviderID).Msg("api: upload placed")
	writeJSON(w, http.StatusCreated, p)
}
