package mailbox

import (
	"time"

	"github.com/google/uuid"
)

type Status string

const (
	StatusLocked   Status = "LOCKED"
	StatusUnlocked Status = "UNLOCKED"
)

// Entry is one pending transfer in a destination hospital's mailbox. It holds
// only ciphertext. The transmission key lives in key custody under the entry
// id, and KeyID is a non-reversible label for it.
type Entry struct {
	ID                    uuid.UUID
	DestinationHospitalID uuid.UUID
	DestinationHospital   string
	SenderHospital        string
	SourceRecordID        uuid.UUID
	PatientID             string
	AltPatientIDs         []string
	Diagnosis             string
	Prescription          string
	Signature             string
	KeyID                 string
	Status                Status
	ReceivedAt            time.Time
}
