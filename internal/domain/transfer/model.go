package transfer

import (
	"time"

	"github.com/google/uuid"

	"github.com/medxfer/medxfer/internal/platform/qkd"
)

const (
	PacketSuccess = "success"
	PacketSkipped = "skipped"

	// ManualReview replaces a field that could not be decrypted on
	// acceptance.
	ManualReview = "[manual review needed]"

	redacted   = "[encrypted]"
	previewLen = 50
)

// Packet describes one delivery. It never carries the transmission key.
type Packet struct {
	Status    string        `json:"status"`
	EntryID   *uuid.UUID    `json:"entryId,omitempty"`
	Sender    string        `json:"sender"`
	Receiver  string        `json:"receiver"`
	Timestamp time.Time     `json:"timestamp"`
	QKDStats  *ExchangeInfo `json:"qkdStats,omitempty"`
	Payload   *Sealed       `json:"securePayload,omitempty"`
}

type ExchangeInfo struct {
	qkd.Stats
	KeyID string `json:"key_id"`
}

type Sealed struct {
	PatientID             string   `json:"patientId"`
	AltPatientIDs         []string `json:"altPatientIds,omitempty"`
	EncryptedDiagnosis    string   `json:"encryptedDiagnosis"`
	EncryptedPrescription string   `json:"encryptedPrescription"`
}

type Failure struct {
	ID     string `json:"id"`
	Reason string `json:"reason"`
}

type BatchResult struct {
	Succeeded []string  `json:"succeeded"`
	Skipped   []string  `json:"skipped"`
	Failed    []Failure `json:"failed"`
}

func newBatchResult() *BatchResult {
	return &BatchResult{Succeeded: []string{}, Skipped: []string{}, Failed: []Failure{}}
}

// InboxItem is a mailbox entry as listed to its hospital, with the payload
// redacted.
type InboxItem struct {
	ID               uuid.UUID `json:"id"`
	From             string    `json:"from"`
	RecordID         uuid.UUID `json:"recordId"`
	PatientID        string    `json:"patientId"`
	Status           string    `json:"status"`
	KeyID            string    `json:"keyId"`
	Diagnosis        string    `json:"diagnosis"`
	EncryptedPreview string    `json:"encryptedPreview"`
	ReceivedAt       time.Time `json:"time"`
}

type Decrypted struct {
	Diagnosis    string `json:"decryptedDiagnosis"`
	Prescription string `json:"decryptedPrescription"`
}

func preview(ciphertext string) string {
	if len(ciphertext) > previewLen {
		ciphertext = ciphertext[:previewLen]
	}
	return ciphertext + "..."
}
