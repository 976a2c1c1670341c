package auditlog

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"time"

	"github.com/medxfer/medxfer/internal/platform/ids"
)

const StatusDelivered = "DELIVERED"

// Entry is one transfer event. It carries routing metadata and a key label
// only, never clinical content. Entries are chained: Hash covers PrevHash and
// every other field, so an edited or removed row breaks the chain.
type Entry struct {
	ID               string    `json:"id"`
	SenderHospital   string    `json:"senderHospital"`
	SenderActor      string    `json:"senderActor"`
	ReceiverHospital string    `json:"receiverHospital"`
	SourceRecordID   string    `json:"recordId"`
	KeyID            string    `json:"keyId"`
	Status           string    `json:"status"`
	Timestamp        time.Time `json:"timestamp"`
	PrevHash         string    `json:"prevHash"`
	Hash             string    `json:"hash"`
}

var ErrBrokenChain = errors.New("audit chain broken")

// Link stamps e and chains it after prevHash. ID and Timestamp are assigned
// only when unset. Timestamps are kept at microsecond precision so they
// survive a round trip through Postgres unchanged.
func Link(e *Entry, prevHash string, now time.Time) {
	if e.Timestamp.IsZero() {
		e.Timestamp = now.UTC().Truncate(time.Microsecond)
	}
	if e.ID == "" {
		e.ID = ids.NewAt(e.Timestamp)
	}
	e.PrevHash = prevHash
	e.Hash = digest(e)
}

func digest(e *Entry) string {
	h := sha256.New()
	for _, f := range []string{
		e.PrevHash, e.ID, e.SenderHospital, e.SenderActor, e.ReceiverHospital,
		e.SourceRecordID, e.KeyID, e.Status, e.Timestamp.UTC().Format(time.RFC3339Nano),
	} {
		writeField(h, f)
	}
	return hex.EncodeToString(h.Sum(nil))
}

func writeField(h hash.Hash, s string) {
	fmt.Fprintf(h, "%d:", len(s))
	h.Write([]byte(s))
}

// Verify checks a contiguous, newest-first run of entries as returned by
// List. Each entry must hash to its stored Hash and point at the entry
// after it.
func Verify(entries []*Entry) error {
	for i, e := range entries {
		if digest(e) != e.Hash {
			return fmt.Errorf("%w: entry %s does not match its hash", ErrBrokenChain, e.ID)
		}
		if i+1 < len(entries) && e.PrevHash != entries[i+1].Hash {
			return fmt.Errorf("%w: entry %s does not follow %s", ErrBrokenChain, e.ID, entries[i+1].ID)
		}
	}
	return nil
}
