package transfer

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
)

// Fingerprint returns the content signature of a record version: the hex
// SHA-256 of the patient id and plaintext diagnosis, each length-prefixed so
// that no two distinct pairs encode to the same bytes.
func Fingerprint(patientID, plaintextDiagnosis string) string {
	h := sha256.New()
	var n [8]byte
	for _, field := range []string{patientID, plaintextDiagnosis} {
		binary.BigEndian.PutUint64(n[:], uint64(len(field)))
		h.Write(n[:])
		h.Write([]byte(field))
	}
	return hex.EncodeToString(h.Sum(nil))
}
