package record

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/medxfer/medxfer/internal/platform/auth"
)

// Cipher seals clinical text at rest. Every record gets its own key.
type Cipher interface {
	NewKey() ([]byte, error)
	Seal(plaintext string, key []byte) (string, error)
	Open(ciphertext string, key []byte) (string, error)
}

type Service struct {
	repo   Repository
	cipher Cipher
}

func NewService(repo Repository, cipher Cipher) *Service {
	return &Service{repo: repo, cipher: cipher}
}

// Create encrypts d under a fresh storage key and stores it as a record owned
// by owner and owner's hospital.
func (s *Service) Create(ctx context.Context, owner auth.Principal, d Draft) (*Record, error) {
	d.PatientID = strings.TrimSpace(d.PatientID)
	if d.PatientID == "" {
		return nil, fmt.Errorf("%w: patientId is required", ErrInvalidInput)
	}
	if strings.TrimSpace(d.Diagnosis) == "" {
		return nil, fmt.Errorf("%w: diagnosis is required", ErrInvalidInput)
	}
	if owner.UserID == "" || owner.Hospital == "" {
		return nil, fmt.Errorf("%w: owner must have a user id and hospital", ErrInvalidInput)
	}

	key, err := s.cipher.NewKey()
	if err != nil {
		return nil, err
	}
	rec := &Record{
		DoctorID:      owner.UserID,
		DoctorName:    owner.Username,
		Hospital:      owner.Hospital,
		PatientID:     d.PatientID,
		AltPatientIDs: d.AltPatientIDs,
		StorageKey:    key,
	}
	if d.TransferredFrom != "" {
		from := d.TransferredFrom
		rec.TransferredFrom = &from
	}
	if err := s.seal(rec, d.Diagnosis, d.Prescription); err != nil {
		return nil, err
	}
	if err := s.repo.Create(ctx, rec); err != nil {
		return nil, fmt.Errorf("create record: %w", err)
	}
	return rec, nil
}

func (s *Service) seal(rec *Record, diagnosis, prescription string) error {
	var err error
	if rec.Diagnosis, err = s.cipher.Seal(diagnosis, rec.StorageKey); err != nil {
		return fmt.Errorf("seal diagnosis: %w", err)
	}
	if rec.Prescription, err = s.cipher.Seal(prescription, rec.StorageKey); err != nil {
		return fmt.Errorf("seal prescription: %w", err)
	}
	return nil
}

// Get returns the stored record with its clinical fields still sealed.
func (s *Service) Get(ctx context.Context, id uuid.UUID) (*Record, error) {
	return s.repo.GetByID(ctx, id)
}

// Put writes rec back as given. Callers are responsible for keeping its
// ciphertext sealed under its storage key.
func (s *Service) Put(ctx context.Context, rec *Record) error {
	return s.repo.Update(ctx, rec)
}

// UpdateClinical replaces the diagnosis and prescription of a record owned by
// hospital. The record is re-sealed under a new storage key.
func (s *Service) UpdateClinical(ctx context.Context, hospital string, id uuid.UUID, diagnosis, prescription string) (*Record, error) {
	if strings.TrimSpace(diagnosis) == "" {
		return nil, fmt.Errorf("%w: diagnosis is required", ErrInvalidInput)
	}
	rec, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if rec.Hospital != hospital {
		return nil, ErrNotFound
	}
	key, err := s.cipher.NewKey()
	if err != nil {
		return nil, err
	}
	rec.StorageKey = key
	if err := s.seal(rec, diagnosis, prescription); err != nil {
		return nil, err
	}
	if err := s.repo.Update(ctx, rec); err != nil {
		return nil, err
	}
	return rec, nil
}

func (s *Service) ListByHospital(ctx context.Context, hospital string, limit, offset int) ([]*Record, error) {
	return s.repo.ListByHospital(ctx, hospital, limit, offset)
}

// Reveal decrypts rec for its owning hospital. A record whose ciphertext no
// longer opens is returned with Unreadable set and the error.
func (s *Service) Reveal(rec *Record) (View, error) {
	v := rec.view()
	diagnosis, err := s.cipher.Open(rec.Diagnosis, rec.StorageKey)
	if err != nil {
		v.Unreadable = true
		return v, fmt.Errorf("open diagnosis of record %s: %w", rec.ID, err)
	}
	prescription, err := s.cipher.Open(rec.Prescription, rec.StorageKey)
	if err != nil {
		v.Unreadable = true
		return v, fmt.Errorf("open prescription of record %s: %w", rec.ID, err)
	}
	v.Diagnosis, v.Prescription = diagnosis, prescription
	return v, nil
}
