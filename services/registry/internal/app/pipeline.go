package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"agentregistry/internal/util"
	"agentregistry/pkg/domain"
	"agentregistry/pkg/storage"
	"agentregistry/pkg/store"
)

// requiredAgentFields are checked in this order; the first gap is reported.
var requiredAgentFields = []string{"firstName", "lastName", "email", "mobileNumber", "gender", "dateOfBirth"}

// CreateAgent runs the create pipeline: normalize, validate, check
// uniqueness, upload documents, persist. Duplicates are rejected before any
// blob is written. The caller still owns form cleanup.
func (a *App) CreateAgent(ctx context.Context, form *AgentForm) (domain.Agent, error) {
	input, err := agentInputFromForm(form)
	if err != nil {
		return domain.Agent{}, err
	}
	if err := a.checkAgentUnique(ctx, input); err != nil {
		return domain.Agent{}, err
	}

	files := a.acceptedFiles(ctx, form)
	docs, uploaded, err := a.uploadFiles(ctx, files)
	if err != nil {
		a.reportOrphans(ctx, uploaded, "upload failed")
		return domain.Agent{}, err
	}

	now := a.now()
	agent := domain.Agent{
		AgentID:      a.newID(),
		FirstName:    input.FirstName,
		LastName:     input.LastName,
		Email:        input.Email,
		MobileNumber: input.MobileNumber,
		Gender:       input.Gender,
		DateOfBirth:  input.DateOfBirth,
		Address:      input.Address,
		Documents:    docs,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if _, err := a.store.InsertAgent(ctx, agent); err != nil {
		a.reportOrphans(ctx, uploaded, "insert agent failed")
		return domain.Agent{}, storeWriteErr("insert agent", err)
	}
	util.LoggerFromContext(ctx).Info("agent created", "agent_id", agent.AgentID, "documents", len(docs))
	return agent, nil
}

// UpdateAgentDocuments merges submitted scalars and newly uploaded documents
// into an existing agent. Absent fields are left untouched.
func (a *App) UpdateAgentDocuments(ctx context.Context, id string, form *AgentForm) (domain.Agent, error) {
	if _, ok, err := a.store.GetAgent(ctx, id); err != nil {
		return domain.Agent{}, &PersistenceError{Op: "get agent", Err: err}
	} else if !ok {
		return domain.Agent{}, ErrNotFound
	}
	patch, err := agentPatchFromForm(form)
	if err != nil {
		return domain.Agent{}, err
	}
	files := a.acceptedFiles(ctx, form)
	if patch.IsEmpty() && len(files) == 0 {
		return domain.Agent{}, &ValidationError{Reason: ReasonEmptyUpdate}
	}
	docs, uploaded, err := a.uploadFiles(ctx, files)
	if err != nil {
		a.reportOrphans(ctx, uploaded, "upload failed")
		return domain.Agent{}, err
	}
	patch.Documents = docs

	updated, err := a.store.UpdateAgent(ctx, id, patch)
	if err != nil {
		a.reportOrphans(ctx, uploaded, "update agent failed")
		return domain.Agent{}, storeWriteErr("update agent", err)
	}
	util.LoggerFromContext(ctx).Info("agent documents updated", "agent_id", id, "documents", len(docs))
	return updated, nil
}

func agentInputFromForm(form *AgentForm) (domain.AgentInput, error) {
	for _, field := range requiredAgentFields {
		if form.Value(field) == "" {
			return domain.AgentInput{}, required(field)
		}
	}
	dob := form.Value("dateOfBirth")
	if !validDate(dob) {
		return domain.AgentInput{}, &ValidationError{Field: "dateOfBirth", Reason: ReasonInvalidDate}
	}
	input := domain.AgentInput{
		FirstName:    form.Value("firstName"),
		LastName:     form.Value("lastName"),
		Email:        form.Value("email"),
		MobileNumber: form.Value("mobileNumber"),
		Gender:       form.Value("gender"),
		DateOfBirth:  dob,
	}
	for _, field := range domain.AddressFields {
		*input.Address.Field(field) = form.Value(field)
	}
	return input, nil
}

func agentPatchFromForm(form *AgentForm) (domain.AgentPatch, error) {
	pick := func(field string) *string {
		if !form.Has(field) {
			return nil
		}
		v := form.Value(field)
		return &v
	}
	patch := domain.AgentPatch{
		FirstName:    pick("firstName"),
		LastName:     pick("lastName"),
		Email:        pick("email"),
		MobileNumber: pick("mobileNumber"),
		Gender:       pick("gender"),
		DateOfBirth:  pick("dateOfBirth"),
	}
	address := &domain.AddressPatch{}
	for _, field := range domain.AddressFields {
		*address.Field(field) = pick(field)
	}
	if !address.IsEmpty() {
		patch.Address = address
	}
	if err := validateAgentPatch(patch); err != nil {
		return domain.AgentPatch{}, err
	}
	return patch, nil
}

// validateAgentPatch rejects blanking a required field and malformed dates.
func validateAgentPatch(p domain.AgentPatch) error {
	fields := []struct {
		name  string
		value *string
	}{
		{"firstName", p.FirstName},
		{"lastName", p.LastName},
		{"email", p.Email},
		{"mobileNumber", p.MobileNumber},
		{"gender", p.Gender},
		{"dateOfBirth", p.DateOfBirth},
	}
	for _, f := range fields {
		if f.value != nil && *f.value == "" {
			return required(f.name)
		}
	}
	if p.DateOfBirth != nil && !validDate(*p.DateOfBirth) {
		return &ValidationError{Field: "dateOfBirth", Reason: ReasonInvalidDate}
	}
	return nil
}

func validDate(s string) bool {
	if _, err := time.Parse(time.DateOnly, s); err == nil {
		return true
	}
	_, err := time.Parse(time.RFC3339, s)
	return err == nil
}

func (a *App) checkAgentUnique(ctx context.Context, input domain.AgentInput) error {
	for _, check := range []struct{ field, value string }{
		{store.FieldEmail, input.Email},
		{store.FieldMobileNumber, input.MobileNumber},
	} {
		_, exists, err := a.store.FindAgent(ctx, check.field, check.value)
		if err != nil {
			return &PersistenceError{Op: "find agent by " + check.field, Err: err}
		}
		if exists {
			return &ConflictError{Field: check.field}
		}
	}
	return nil
}

// acceptedFiles drops files whose key is not a configured document key and
// repeated keys after the first.
func (a *App) acceptedFiles(ctx context.Context, form *AgentForm) []StagedFile {
	if form == nil {
		return nil
	}
	logger := util.LoggerFromContext(ctx)
	seen := make(map[string]bool, len(form.Files))
	out := make([]StagedFile, 0, len(form.Files))
	for _, f := range form.Files {
		if _, ok := a.documentKeys[f.Key]; !ok {
			logger.Warn("discarding file with unknown document key", "key", f.Key, "filename", f.Filename)
			continue
		}
		if seen[f.Key] {
			logger.Warn("discarding repeated document", "key", f.Key, "filename", f.Filename)
			continue
		}
		seen[f.Key] = true
		out = append(out, f)
	}
	return out
}

// uploadFiles pushes files to the blob store concurrently. It returns the
// document URLs by key plus the names of every blob that was written, which
// is non-empty on partial failure.
func (a *App) uploadFiles(ctx context.Context, files []StagedFile) (map[string]string, []string, error) {
	if len(files) == 0 {
		return nil, nil, nil
	}
	var (
		mu       sync.Mutex
		docs     = make(map[string]string, len(files))
		uploaded []string
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(a.uploadConcurrency)
	for _, file := range files {
		file := file
		g.Go(func() error {
			name := file.Key + "-" + a.newID()
			url, err := a.uploadOne(gctx, name, file)
			if err != nil {
				return err
			}
			mu.Lock()
			docs[file.Key] = url
			uploaded = append(uploaded, name)
			mu.Unlock()
			util.LoggerFromContext(ctx).Debug("document uploaded", "key", file.Key, "blob", name, "bytes", file.Size)
			return nil
		})
	}
	err := g.Wait()
	if err != nil {
		return nil, uploaded, err
	}
	return docs, uploaded, nil
}

func (a *App) uploadOne(ctx context.Context, name string, file StagedFile) (string, error) {
	f, err := os.Open(file.Path)
	if err != nil {
		return "", &storage.UploadError{Name: name, Err: fmt.Errorf("open staged file: %w", err)}
	}
	defer f.Close()
	url, err := a.blobs.Upload(ctx, name, f, file.Size, file.ContentType)
	if err != nil {
		var uploadErr *storage.UploadError
		if !errors.As(err, &uploadErr) {
			err = &storage.UploadError{Name: name, Err: err}
		}
		return "", err
	}
	return url, nil
}

// reportOrphans logs and enqueues blobs left behind by a failed request. It
// runs detached from ctx cancellation so a dropped client still gets its
// blobs queued.
func (a *App) reportOrphans(ctx context.Context, blobs []string, reason string) {
	if len(blobs) == 0 {
		return
	}
	logger := util.LoggerFromContext(ctx)
	detached := context.WithoutCancel(ctx)
	for _, blob := range blobs {
		logger.Warn("orphaned blob", "blob", blob, "reason", reason)
		if a.orphans == nil {
			continue
		}
		if _, err := a.orphans.Enqueue(detached, blob, reason); err != nil {
			logger.Error("enqueue orphaned blob", "blob", blob, "err", err)
		}
	}
}

func storeWriteErr(op string, err error) error {
	var dup *store.DuplicateKeyError
	switch {
	case errors.As(err, &dup):
		field := dup.Field
		if field == "" {
			field = store.FieldEmail
		}
		return &ConflictError{Field: field, Err: err}
	case errors.Is(err, store.ErrNotFound):
		return ErrNotFound
	default:
		return &PersistenceError{Op: op, Err: err}
	}
}
