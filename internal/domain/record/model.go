package record

import (
	"time"

	"github.com/google/uuid"
)

// Record is a medical record as stored: Diagnosis and Prescription hold
// ciphertext sealed under StorageKey, which never leaves the owning
// hospital's storage.
type Record struct {
	ID              uuid.UUID
	DoctorID        string
	DoctorName      string
	Hospital        string
	PatientID       string
	AltPatientIDs   []string
	Diagnosis       string
	Prescription    string
	StorageKey      []byte
	TransferredFrom *string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Draft is the plaintext content of a new record.
type Draft struct {
	PatientID     string   `json:"patientId"`
	AltPatientIDs []string `json:"altPatientIds,omitempty"`
	Diagnosis     string   `json:"diagnosis"`
	Prescription  string   `json:"prescription"`
	// TransferredFrom names the sending hospital when the record arrives
	// through a transfer.
	TransferredFrom string `json:"-"`
}

// View is a record with its clinical fields decrypted, as returned to the
// owning hospital.
type View struct {
	ID              uuid.UUID `json:"id"`
	DoctorID        string    `json:"doctorId"`
	DoctorName      string    `json:"doctorName,omitempty"`
	Hospital        string    `json:"hospital"`
	PatientID       string    `json:"patientId"`
	AltPatientIDs   []string  `json:"altPatientIds,omitempty"`
	Diagnosis       string    `json:"diagnosis"`
	Prescription    string    `json:"prescription"`
	TransferredFrom *string   `json:"transferredFrom,omitempty"`
	Unreadable      bool      `json:"unreadable,omitempty"`
	CreatedAt       time.Time `json:"createdAt"`
}

func (r *Record) view() View {
	return View{
		ID:              r.ID,
		DoctorID:        r.DoctorID,
		DoctorName:      r.DoctorName,
		Hospital:        r.Hospital,
		PatientID:       r.PatientID,
		AltPatientIDs:   r.AltPatientIDs,
		TransferredFrom: r.TransferredFrom,
		CreatedAt:       r.CreatedAt,
	}
}
