package record

import (
	"context"
	"errors"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/medxfer/medxfer/internal/platform/auth"
	"github.com/medxfer/medxfer/internal/platform/hipaa"
)

type mockRepo struct {
	items map[uuid.UUID]*Record
}

func newMockRepo() *mockRepo {
	return &mockRepo{items: make(map[uuid.UUID]*Record)}
}

func (m *mockRepo) Create(_ context.Context, r *Record) error {
	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	r.CreatedAt = time.Now()
	r.UpdatedAt = r.CreatedAt
	cp := *r
	m.items[r.ID] = &cp
	return nil
}

func (m *mockRepo) GetByID(_ context.Context, id uuid.UUID) (*Record, error) {
	r, ok := m.items[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *r
	return &cp, nil
}

func (m *mockRepo) Update(_ context.Context, r *Record) error {
	if _, ok := m.items[r.ID]; !ok {
		return ErrNotFound
	}
	r.UpdatedAt = time.Now()
	cp := *r
	m.items[r.ID] = &cp
	return nil
}

func (m *mockRepo) ListByHospital(_ context.Context, hospital string, limit, offset int) ([]*Record, error) {
	var out []*Record
	for _, r := range m.items {
		if r.Hospital == hospital {
			cp := *r
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if offset >= len(out) {
		return nil, nil
	}
	out = out[offset:]
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

var doctorA = auth.Principal{UserID: "doc-a", Username: "dr.a", Hospital: "Alpha Clinic", Roles: []string{auth.RoleDoctor}}

func newCipher() Cipher {
	return hipaa.NewAESGCM()
}

func newTestService() (*Service, *mockRepo) {
	repo := newMockRepo()
	return NewService(repo, newCipher()), repo
}

func TestService_Create_SealsAtRest(t *testing.T) {
	svc, repo := newTestService()
	rec, err := svc.Create(context.Background(), doctorA, Draft{
		PatientID: "P-1", Diagnosis: "flu", Prescription: "rest",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	stored := repo.items[rec.ID]
	if stored.Diagnosis == "flu" || strings.Contains(stored.Diagnosis, "flu") {
		t.Error("diagnosis stored in plaintext")
	}
	if stored.Prescription == "rest" {
		t.Error("prescription stored in plaintext")
	}
	if len(stored.StorageKey) != hipaa.KeySize {
		t.Errorf("expected %d-byte storage key, got %d", hipaa.KeySize, len(stored.StorageKey))
	}
	if stored.DoctorID != "doc-a" || stored.Hospital != "Alpha Clinic" {
		t.Errorf("unexpected owner %q/%q", stored.DoctorID, stored.Hospital)
	}
	if stored.TransferredFrom != nil {
		t.Error("locally created record should carry no provenance")
	}

	v, err := svc.Reveal(stored)
	if err != nil {
		t.Fatal(err)
	}
	if v.Diagnosis != "flu" || v.Prescription != "rest" {
		t.Errorf("unexpected view %+v", v)
	}
}

func TestService_Create_FreshKeyPerRecord(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()
	a, _ := svc.Create(ctx, doctorA, Draft{PatientID: "P-1", Diagnosis: "flu"})
	b, _ := svc.Create(ctx, doctorA, Draft{PatientID: "P-1", Diagnosis: "flu"})
	if string(a.StorageKey) == string(b.StorageKey) {
		t.Error("records must not share a storage key")
	}
}

func TestService_Create_Provenance(t *testing.T) {
	svc, _ := newTestService()
	rec, err := svc.Create(context.Background(), doctorA, Draft{
		PatientID: "P-1", Diagnosis: "flu", TransferredFrom: "Beta Hospital",
	})
	if err != nil {
		t.Fatal(err)
	}
	if rec.TransferredFrom == nil || *rec.TransferredFrom != "Beta Hospital" {
		t.Errorf("expected provenance Beta Hospital, got %v", rec.TransferredFrom)
	}
}

func TestService_Create_Validation(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()
	tests := []struct {
		name  string
		owner auth.Principal
		draft Draft
	}{
		{"missing patient", doctorA, Draft{Diagnosis: "flu"}},
		{"blank diagnosis", doctorA, Draft{PatientID: "P-1", Diagnosis: "  "}},
		{"owner without hospital", auth.Principal{UserID: "x"}, Draft{PatientID: "P-1", Diagnosis: "flu"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := svc.Create(ctx, tt.owner, tt.draft); !errors.Is(err, ErrInvalidInput) {
				t.Errorf("expected ErrInvalidInput, got %v", err)
			}
		})
	}
}

func TestService_UpdateClinical_Reseals(t *testing.T) {
	svc, repo := newTestService()
	ctx := context.Background()
	rec, _ := svc.Create(ctx, doctorA, Draft{PatientID: "P-1", Diagnosis: "flu", Prescription: "rest"})
	oldKey := rec.StorageKey

	updated, err := svc.UpdateClinical(ctx, "Alpha Clinic", rec.ID, "pneumonia", "antibiotics")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(updated.StorageKey) == string(oldKey) {
		t.Error("expected a new storage key")
	}
	v, err := svc.Reveal(repo.items[rec.ID])
	if err != nil {
		t.Fatal(err)
	}
	if v.Diagnosis != "pneumonia" || v.Prescription != "antibiotics" {
		t.Errorf("unexpected view %+v", v)
	}
}

func TestService_UpdateClinical_OtherHospital(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()
	rec, _ := svc.Create(ctx, doctorA, Draft{PatientID: "P-1", Diagnosis: "flu"})
	_, err := svc.UpdateClinical(ctx, "Beta Hospital", rec.ID, "x", "y")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestService_Reveal_Corrupt(t *testing.T) {
	svc, _ := newTestService()
	rec, _ := svc.Create(context.Background(), doctorA, Draft{PatientID: "P-1", Diagnosis: "flu"})
	rec.Diagnosis = "not-ciphertext"
	v, err := svc.Reveal(rec)
	if !errors.Is(err, hipaa.ErrOpen) {
		t.Errorf("expected ErrOpen, got %v", err)
	}
	if !v.Unreadable || v.Diagnosis != "" {
		t.Errorf("expected an unreadable view without content, got %+v", v)
	}
}

func TestService_Put(t *testing.T) {
	svc, repo := newTestService()
	ctx := context.Background()
	rec, _ := svc.Create(ctx, doctorA, Draft{PatientID: "P-1", Diagnosis: "flu"})
	rec.AltPatientIDs = []string{"ABHA-9"}
	if err := svc.Put(ctx, rec); err != nil {
		t.Fatal(err)
	}
	if got := repo.items[rec.ID].AltPatientIDs; len(got) != 1 || got[0] != "ABHA-9" {
		t.Errorf("unexpected alt ids %v", got)
	}
	if err := svc.Put(ctx, &Record{ID: uuid.New()}); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound for unknown record, got %v", err)
	}
}
