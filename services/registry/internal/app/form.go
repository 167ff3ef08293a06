package app

import (
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
)

// maxFieldBytes bounds the combined size of non-file form values.
const maxFieldBytes = 1 << 20

// StagedFile is an uploaded part spooled to a temp file.
type StagedFile struct {
	Key         string
	Filename    string
	ContentType string
	Path        string
	Size        int64
}

// AgentForm is a staged multipart request. Cleanup must be called once the
// request is finished with it.
type AgentForm struct {
	Values url.Values
	Files  []StagedFile
}

// Value returns the first value of name, trimmed.
func (f *AgentForm) Value(name string) string {
	if f == nil {
		return ""
	}
	return strings.TrimSpace(f.Values.Get(name))
}

// Has reports whether name was submitted at all.
func (f *AgentForm) Has(name string) bool {
	if f == nil {
		return false
	}
	_, ok := f.Values[name]
	return ok
}

// Cleanup removes every staged temp file.
func (f *AgentForm) Cleanup() error {
	if f == nil {
		return nil
	}
	var errs []error
	for _, file := range f.Files {
		if err := os.Remove(file.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// StageMultipart streams every part of mr. Scalar values are collected and
// file parts are copied to temp files under dir. Parts without a filename
// are scalars; file parts that turn out empty are dropped. On error nothing
// is left on disk.
func StageMultipart(mr *multipart.Reader, dir string) (_ *AgentForm, err error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create staging dir: %w", err)
	}
	form := &AgentForm{Values: url.Values{}}
	defer func() {
		if err != nil {
			_ = form.Cleanup()
		}
	}()

	fieldBudget := int64(maxFieldBytes)
	parts := 0
	for {
		part, nextErr := mr.NextPart()
		if errors.Is(nextErr, io.EOF) {
			if parts == 0 {
				// A body without a single boundary reads as an immediate EOF.
				return nil, &ParseError{Reason: "invalid form data", Err: errors.New("no multipart parts")}
			}
			return form, nil
		}
		if nextErr != nil {
			return nil, parseErr("invalid form data", nextErr)
		}
		parts++
		name := part.FormName()
		if name == "" {
			_ = part.Close()
			continue
		}
		if part.FileName() == "" {
			data, readErr := io.ReadAll(io.LimitReader(part, fieldBudget+1))
			_ = part.Close()
			if readErr != nil {
				return nil, parseErr("invalid form data", readErr)
			}
			fieldBudget -= int64(len(data))
			if fieldBudget < 0 {
				return nil, &ParseError{Reason: "form fields too large", TooLarge: true}
			}
			form.Values.Add(name, string(data))
			continue
		}
		staged, ok, stageErr := stagePart(part, dir)
		_ = part.Close()
		if stageErr != nil {
			return nil, stageErr
		}
		if ok {
			form.Files = append(form.Files, staged)
		}
	}
}

func stagePart(part *multipart.Part, dir string) (StagedFile, bool, error) {
	tmp, err := os.CreateTemp(dir, "part-*")
	if err != nil {
		return StagedFile{}, false, fmt.Errorf("create temp file: %w", err)
	}
	n, copyErr := io.Copy(tmp, part)
	closeErr := tmp.Close()
	if copyErr != nil || closeErr != nil || n == 0 {
		_ = os.Remove(tmp.Name())
	}
	if copyErr != nil {
		return StagedFile{}, false, parseErr("invalid form data", copyErr)
	}
	if closeErr != nil {
		return StagedFile{}, false, fmt.Errorf("close temp file: %w", closeErr)
	}
	if n == 0 {
		return StagedFile{}, false, nil
	}
	filename := filepath.Base(part.FileName())
	return StagedFile{
		Key:         part.FormName(),
		Filename:    filename,
		ContentType: partContentType(part.Header.Get("Content-Type"), filename),
		Path:        tmp.Name(),
		Size:        n,
	}, true, nil
}

// partContentType prefers the declared type, then the extension. Generic
// octet-stream declarations fall through to the extension lookup.
func partContentType(declared, filename string) string {
	declared = strings.TrimSpace(declared)
	if declared != "" && declared != "application/octet-stream" {
		return declared
	}
	if byExt := mime.TypeByExtension(strings.ToLower(filepath.Ext(filename))); byExt != "" {
		return byExt
	}
	return declared
}

func parseErr(reason string, err error) error {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		return &ParseError{Reason: "file too large", TooLarge: true, Err: err}
	}
	return &ParseError{Reason: reason, Err: err}
}
