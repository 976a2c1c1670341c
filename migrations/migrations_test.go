package migrations

import (
	"strings"
	"testing"

	"github.com/medxfer/medxfer/internal/platform/db"
)

func TestEmbeddedMigrationsLoad(t *testing.T) {
	all, err := db.NewMigrator(nil, FS).LoadMigrations()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(all) == 0 || all[0].Version != 1 {
		t.Fatalf("expected migration 001 first, got %+v", all)
	}
	for _, table := range []string{"hospital", "medical_record", "mailbox_entry", "transfer_audit_log"} {
		if !strings.Contains(all[0].SQL, "CREATE TABLE IF NOT EXISTS "+table+" (") {
			t.Errorf("expected table %s in %s", table, all[0].Name)
		}
	}
	if !strings.Contains(all[0].SQL, "UNIQUE (destination_hospital_id, source_record_id, signature)") {
		t.Error("mailbox must enforce one entry per content version")
	}
}
