package app

import (
	"context"
	"errors"
	"strings"
	"testing"

	"agentregistry/pkg/domain"
	"agentregistry/pkg/storage"
	"agentregistry/pkg/store"
)

func TestCreateAgentMissingFieldHasNoSideEffects(t *testing.T) {
	for _, field := range requiredAgentFields {
		t.Run(field, func(t *testing.T) {
			env := newTestEnv(t)
			fields := validAgentFields()
			fields[field] = "   "
			form := stageForm(t, fields, filePart{key: "pan", filename: "pan.pdf", body: "pdf"})

			_, err := env.app.CreateAgent(context.Background(), form)
			var verr *ValidationError
			if !errors.As(err, &verr) || verr.Field != field {
				t.Fatalf("err = %v, want ValidationError on %s", err, field)
			}
			if agents, _ := env.store.ListAgents(context.Background()); len(agents) != 0 {
				t.Fatalf("agent persisted despite validation error")
			}
			if names := env.blobs.Names(); len(names) != 0 {
				t.Fatalf("blobs uploaded despite validation error: %v", names)
			}
		})
	}
}

func TestCreateAgentRejectsBadDate(t *testing.T) {
	env := newTestEnv(t)
	fields := validAgentFields()
	fields["dateOfBirth"] = "12/04/1990"
	_, err := env.app.CreateAgent(context.Background(), stageForm(t, fields))
	var verr *ValidationError
	if !errors.As(err, &verr) || verr.Field != "dateOfBirth" || verr.Reason != ReasonInvalidDate {
		t.Fatalf("err = %v", err)
	}

	fields["dateOfBirth"] = "1990-04-12T00:00:00Z"
	if _, err := env.app.CreateAgent(context.Background(), stageForm(t, fields)); err != nil {
		t.Fatalf("rfc3339 date rejected: %v", err)
	}
}

func TestCreateAgentRoundTrip(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	form := stageForm(t, validAgentFields(),
		filePart{key: "pan", filename: "pan.pdf", contentType: "application/pdf", body: "pan-bytes"},
		filePart{key: "aadhar", filename: "aadhar.png", body: "aadhar-bytes"},
	)

	created, err := env.app.CreateAgent(ctx, form)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	got, err := env.app.GetAgent(ctx, created.AgentID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.FirstName != "Asha" || got.Email != "asha@example.com" || got.DateOfBirth != "1990-04-12" {
		t.Fatalf("scalars not round-tripped: %+v", got)
	}
	if got.Address.City != "Pune" || got.Address.PostCode != "411001" || got.Address.Street != "" {
		t.Fatalf("address = %+v", got.Address)
	}
	if len(got.Documents) != 2 {
		t.Fatalf("documents = %v, want exactly pan and aadhar", got.Documents)
	}
	for key, url := range got.Documents {
		if !strings.HasPrefix(url, "https://blobs.test/agentfiles/"+key+"-") {
			t.Fatalf("%s url = %q", key, url)
		}
	}
	names := env.blobs.Names()
	if len(names) != 2 {
		t.Fatalf("blobs = %v", names)
	}
	for _, name := range names {
		blob, _ := env.blobs.Blob(name)
		switch {
		case strings.HasPrefix(name, "pan-"):
			if string(blob.Data) != "pan-bytes" || blob.ContentType != "application/pdf" {
				t.Fatalf("pan blob = %+v", blob)
			}
		case strings.HasPrefix(name, "aadhar-"):
			if blob.ContentType != "image/png" {
				t.Fatalf("aadhar content type = %q, want extension fallback", blob.ContentType)
			}
		default:
			t.Fatalf("unexpected blob %q", name)
		}
	}
}

func TestCreateAgentWithoutFilesHasNoFileFields(t *testing.T) {
	env := newTestEnv(t)
	created, err := env.app.CreateAgent(context.Background(), stageForm(t, validAgentFields(),
		filePart{key: "pan", filename: "empty.pdf", body: ""},
	))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if len(created.Documents) != 0 {
		t.Fatalf("documents = %v, want none for empty file part", created.Documents)
	}
}

func TestCreateAgentDiscardsUnknownDocumentKeys(t *testing.T) {
	env := newTestEnv(t)
	created, err := env.app.CreateAgent(context.Background(), stageForm(t, validAgentFields(),
		filePart{key: "passport", filename: "p.pdf", body: "x"},
		filePart{key: "voterId", filename: "v.pdf", body: "y"},
		filePart{key: "voterId", filename: "v2.pdf", body: "z"},
	))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if len(created.Documents) != 1 || created.Documents["voterId"] == "" {
		t.Fatalf("documents = %v", created.Documents)
	}
	if names := env.blobs.Names(); len(names) != 1 {
		t.Fatalf("blobs = %v", names)
	}
}

func TestCreateAgentDuplicateUploadsNothing(t *testing.T) {
	for _, field := range []string{store.FieldEmail, store.FieldMobileNumber} {
		t.Run(field, func(t *testing.T) {
			env := newTestEnv(t)
			ctx := context.Background()
			if _, err := env.app.CreateAgent(ctx, stageForm(t, validAgentFields())); err != nil {
				t.Fatalf("seed: %v", err)
			}
			fields := validAgentFields()
			if field == store.FieldEmail {
				fields["mobileNumber"] = "9000000099"
			} else {
				fields["email"] = "other@example.com"
			}
			_, err := env.app.CreateAgent(ctx, stageForm(t, fields, filePart{key: "pan", filename: "pan.pdf", body: "x"}))
			var conflict *ConflictError
			if !errors.As(err, &conflict) || conflict.Field != field {
				t.Fatalf("err = %v, want conflict on %s", err, field)
			}
			if names := env.blobs.Names(); len(names) != 0 {
				t.Fatalf("blobs uploaded for duplicate: %v", names)
			}
		})
	}
}

func TestCreateAgentUploadFailureReportsOrphans(t *testing.T) {
	env := newTestEnv(t)
	env.blobs.FailUpload = func(name string) error {
		if strings.HasPrefix(name, "aadhar-") {
			return errors.New("403 AuthorizationFailure")
		}
		return nil
	}
	_, err := env.app.CreateAgent(context.Background(), stageForm(t, validAgentFields(),
		filePart{key: "pan", filename: "pan.pdf", body: "x"},
		filePart{key: "aadhar", filename: "a.pdf", body: "y"},
	))
	var uploadErr *storage.UploadError
	if !errors.As(err, &uploadErr) || !strings.HasPrefix(uploadErr.Name, "aadhar-") {
		t.Fatalf("err = %v, want UploadError for aadhar", err)
	}
	if agents, _ := env.store.ListAgents(context.Background()); len(agents) != 0 {
		t.Fatalf("agent persisted after upload failure")
	}
	orphans := env.orphans.blobs()
	if len(orphans) != 1 || !strings.HasPrefix(orphans[0], "pan-") {
		t.Fatalf("orphans = %v, want the uploaded pan blob", orphans)
	}
}

// racyStore lets the pre-check pass so the insert hits the unique index, as
// with two concurrent creates.
type racyStore struct {
	*store.MemoryStore
}

func (racyStore) FindAgent(context.Context, string, string) (domain.Agent, bool, error) {
	return domain.Agent{}, false, nil
}

func TestCreateAgentInsertConflictReportsOrphans(t *testing.T) {
	mem := store.NewMemoryStore()
	env := newTestEnvWithStore(t, racyStore{mem})
	ctx := context.Background()
	if _, err := env.app.CreateAgent(ctx, stageForm(t, validAgentFields())); err != nil {
		t.Fatalf("seed: %v", err)
	}
	fields := validAgentFields()
	fields["email"] = "new@example.com"
	_, err := env.app.CreateAgent(ctx, stageForm(t, fields, filePart{key: "pan", filename: "pan.pdf", body: "x"}))
	var conflict *ConflictError
	if !errors.As(err, &conflict) || conflict.Field != store.FieldMobileNumber {
		t.Fatalf("err = %v, want mobileNumber conflict", err)
	}
	if !errors.Is(err, store.ErrDuplicateKey) {
		t.Fatalf("conflict should wrap the store error")
	}
	if orphans := env.orphans.blobs(); len(orphans) != 1 {
		t.Fatalf("orphans = %v", orphans)
	}
}

func TestUpdateAgentDocumentsMerges(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	created, err := env.app.CreateAgent(ctx, stageForm(t, validAgentFields(),
		filePart{key: "pan", filename: "pan.pdf", body: "x"},
	))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	updated, err := env.app.UpdateAgentDocuments(ctx, created.AgentID, stageForm(t,
		map[string]string{"city": "Mumbai"},
		filePart{key: "voterId", filename: "v.pdf", body: "v"},
	))
	if err != nil {
		t.Fatalf("update documents: %v", err)
	}
	if updated.Documents["pan"] != created.Documents["pan"] || updated.Documents["voterId"] == "" {
		t.Fatalf("documents = %v", updated.Documents)
	}
	if updated.Address.City != "Mumbai" || updated.Address.PostCode != "411001" || updated.Email != created.Email {
		t.Fatalf("unexpected merge: %+v", updated)
	}
}

func TestUpdateAgentDocumentsChecksExistenceBeforeUpload(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.app.UpdateAgentDocuments(context.Background(), "missing", stageForm(t, nil,
		filePart{key: "pan", filename: "pan.pdf", body: "x"},
	))
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
	if names := env.blobs.Names(); len(names) != 0 {
		t.Fatalf("blobs uploaded for missing agent: %v", names)
	}
}

func TestUpdateAgentDocumentsRejectsEmptyUpdate(t *testing.T) {
	env := newTestEnv(t)
	created, err := env.app.CreateAgent(context.Background(), stageForm(t, validAgentFields()))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	_, err = env.app.UpdateAgentDocuments(context.Background(), created.AgentID, stageForm(t, map[string]string{"remarks": "nothing to change"}))
	var verr *ValidationError
	if !errors.As(err, &verr) || verr.Reason != ReasonEmptyUpdate {
		t.Fatalf("err = %v", err)
	}
}

func TestPatchAgentOnlyTouchesGivenFields(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	created, err := env.app.CreateAgent(ctx, stageForm(t, validAgentFields(),
		filePart{key: "pan", filename: "pan.pdf", body: "x"},
	))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	name := " Asha Devi "
	updated, err := env.app.PatchAgent(ctx, created.AgentID, domain.AgentPatch{FirstName: &name})
	if err != nil {
		t.Fatalf("patch: %v", err)
	}
	if updated.FirstName != "Asha Devi" {
		t.Fatalf("firstName = %q", updated.FirstName)
	}
	if updated.Email != created.Email || updated.MobileNumber != created.MobileNumber || updated.Documents["pan"] != created.Documents["pan"] {
		t.Fatalf("untouched fields changed: %+v", updated)
	}
}

func TestPatchAgentErrors(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	created, err := env.app.CreateAgent(ctx, stageForm(t, validAgentFields()))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	blank := ""
	var verr *ValidationError
	if _, err := env.app.PatchAgent(ctx, created.AgentID, domain.AgentPatch{Email: &blank}); !errors.As(err, &verr) || verr.Field != "email" {
		t.Fatalf("blank email err = %v", err)
	}
	if _, err := env.app.PatchAgent(ctx, created.AgentID, domain.AgentPatch{}); !errors.As(err, &verr) {
		t.Fatalf("empty patch err = %v", err)
	}
	name := "X"
	if _, err := env.app.PatchAgent(ctx, "missing", domain.AgentPatch{FirstName: &name}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("missing agent err = %v", err)
	}
}

func TestDeleteAgent(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	created, err := env.app.CreateAgent(ctx, stageForm(t, validAgentFields(),
		filePart{key: "pan", filename: "pan.pdf", body: "x"},
	))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := env.app.DeleteAgent(ctx, created.AgentID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := env.app.GetAgent(ctx, created.AgentID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("get after delete = %v", err)
	}
	if err := env.app.DeleteAgent(ctx, created.AgentID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("second delete = %v", err)
	}
	if names := env.blobs.Names(); len(names) != 1 {
		t.Fatalf("blobs should be kept on delete, got %v", names)
	}
}
