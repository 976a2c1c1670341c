package auditlog

import (
	"errors"
	"testing"
	"time"

	"github.com/medxfer/medxfer/internal/platform/ids"
)

func chain(n int) []*Entry {
	var prev string
	now := time.Date(2026, 3, 1, 12, 0, 0, 123456789, time.UTC)
	out := make([]*Entry, 0, n)
	for i := 0; i < n; i++ {
		e := &Entry{
			SenderHospital:   "Alpha Clinic",
			SenderActor:      "dr.a",
			ReceiverHospital: "Beta Hospital",
			SourceRecordID:   "rec-" + string(rune('a'+i)),
			KeyID:            "KEY-000000000000",
			Status:           StatusDelivered,
		}
		Link(e, prev, now.Add(time.Duration(i)*time.Second))
		prev = e.Hash
		out = append([]*Entry{e}, out...)
	}
	return out
}

func TestLink_StampsAndTruncates(t *testing.T) {
	e := &Entry{SenderHospital: "A"}
	now := time.Date(2026, 3, 1, 12, 0, 0, 123456789, time.UTC)
	Link(e, "", now)

	if e.Timestamp.Nanosecond() != 123456000 {
		t.Errorf("expected microsecond precision, got %d ns", e.Timestamp.Nanosecond())
	}
	ts, err := ids.Time(e.ID)
	if err != nil {
		t.Fatalf("id is not a ULID: %v", err)
	}
	if !ts.Equal(e.Timestamp.Truncate(time.Millisecond)) {
		t.Errorf("ULID time %v does not match timestamp %v", ts, e.Timestamp)
	}
	if len(e.Hash) != 64 {
		t.Errorf("expected hex sha256, got %q", e.Hash)
	}
}

func TestLink_KeepsAssignedID(t *testing.T) {
	e := &Entry{ID: "fixed"}
	Link(e, "", time.Now())
	if e.ID != "fixed" {
		t.Errorf("expected id to be kept, got %q", e.ID)
	}
}

func TestVerify_IntactChain(t *testing.T) {
	if err := Verify(chain(5)); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	if err := Verify(nil); err != nil {
		t.Errorf("empty chain should verify, got %v", err)
	}
}

func TestVerify_SurvivesTimezoneChange(t *testing.T) {
	entries := chain(2)
	loc := time.FixedZone("UTC+5", 5*3600)
	for _, e := range entries {
		e.Timestamp = e.Timestamp.In(loc)
	}
	if err := Verify(entries); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestVerify_DetectsTampering(t *testing.T) {
	tests := []struct {
		name   string
		mutate func([]*Entry) []*Entry
	}{
		{"edited field", func(es []*Entry) []*Entry { es[2].ReceiverHospital = "Gamma"; return es }},
		{"edited status", func(es []*Entry) []*Entry { es[0].Status = "REVOKED"; return es }},
		{"removed entry", func(es []*Entry) []*Entry { return append(es[:1], es[2:]...) }},
		{"reordered", func(es []*Entry) []*Entry { es[1], es[2] = es[2], es[1]; return es }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Verify(tt.mutate(chain(4)))
			if !errors.Is(err, ErrBrokenChain) {
				t.Errorf("expected ErrBrokenChain, got %v", err)
			}
		})
	}
}

func TestDigest_FieldBoundaries(t *testing.T) {
	ts := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	a := &Entry{ID: "x", SenderHospital: "ab", SenderActor: "c", Timestamp: ts}
	b := &Entry{ID: "x", SenderHospital: "a", SenderActor: "bc", Timestamp: ts}
	if digest(a) == digest(b) {
		t.Error("shifting text between fields must change the hash")
	}
}
