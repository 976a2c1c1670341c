package transfer

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/medxfer/medxfer/internal/domain/auditlog"
	"github.com/medxfer/medxfer/internal/domain/hospital"
	"github.com/medxfer/medxfer/internal/domain/mailbox"
	"github.com/medxfer/medxfer/internal/domain/record"
	"github.com/medxfer/medxfer/internal/platform/auth"
	"github.com/medxfer/medxfer/internal/platform/custody"
	"github.com/medxfer/medxfer/internal/platform/hipaa"
	"github.com/medxfer/medxfer/internal/platform/kms"
	"github.com/medxfer/medxfer/internal/platform/qkd"
	"github.com/medxfer/medxfer/internal/platform/telemetry"
)

// -- Mock Repositories --

type mockRecordRepo struct {
	mu    sync.Mutex
	items map[uuid.UUID]*record.Record
}

func newMockRecordRepo() *mockRecordRepo {
	return &mockRecordRepo{items: make(map[uuid.UUID]*record.Record)}
}

func (m *mockRecordRepo) Create(_ context.Context, r *record.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	r.CreatedAt = time.Now()
	cp := *r
	m.items[r.ID] = &cp
	return nil
}

func (m *mockRecordRepo) GetByID(_ context.Context, id uuid.UUID) (*record.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.items[id]
	if !ok {
		return nil, record.ErrNotFound
	}
	cp := *r
	return &cp, nil
}

func (m *mockRecordRepo) Update(_ context.Context, r *record.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.items[r.ID]; !ok {
		return record.ErrNotFound
	}
	cp := *r
	m.items[r.ID] = &cp
	return nil
}

func (m *mockRecordRepo) ListByHospital(_ context.Context, hospitalName string, limit, offset int) ([]*record.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*record.Record
	for _, r := range m.items {
		if r.Hospital == hospitalName {
			cp := *r
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *mockRecordRepo) byHospital(name string) []*record.Record {
	out, _ := m.ListByHospital(context.Background(), name, 0, 0)
	return out
}

type mockMailbox struct {
	mu      sync.Mutex
	entries []*mailbox.Entry // insertion order
	// insertErr, when set, is returned by the next Insert.
	insertErr error
}

func (m *mockMailbox) ListInbox(_ context.Context, hospitalID uuid.UUID, limit, offset int) ([]*mailbox.Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*mailbox.Entry
	for i := len(m.entries) - 1; i >= 0; i-- {
		if m.entries[i].DestinationHospitalID == hospitalID {
			cp := *m.entries[i]
			out = append(out, &cp)
		}
	}
	if offset >= len(out) {
		return nil, nil
	}
	out = out[offset:]
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *mockMailbox) find(hospitalID, entryID uuid.UUID) (int, *mailbox.Entry) {
	for i, e := range m.entries {
		if e.DestinationHospitalID == hospitalID && e.ID == entryID {
			return i, e
		}
	}
	return -1, nil
}

func (m *mockMailbox) GetByID(_ context.Context, hospitalID, entryID uuid.UUID) (*mailbox.Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, e := m.find(hospitalID, entryID)
	if e == nil {
		return nil, mailbox.ErrNotFound
	}
	cp := *e
	return &cp, nil
}

func (m *mockMailbox) FindBySignature(_ context.Context, hospitalID, sourceRecordID uuid.UUID, signature string) (*mailbox.Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.entries {
		if e.DestinationHospitalID == hospitalID && e.SourceRecordID == sourceRecordID && e.Signature == signature {
			cp := *e
			return &cp, nil
		}
	}
	return nil, nil
}

func (m *mockMailbox) Insert(_ context.Context, e *mailbox.Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.insertErr != nil {
		err := m.insertErr
		m.insertErr = nil
		return err
	}
	for _, x := range m.entries {
		if x.DestinationHospitalID == e.DestinationHospitalID && x.SourceRecordID == e.SourceRecordID && x.Signature == e.Signature {
			return mailbox.ErrDuplicate
		}
	}
	e.ReceivedAt = time.Now()
	cp := *e
	m.entries = append(m.entries, &cp)
	return nil
}

func (m *mockMailbox) MarkUnlocked(_ context.Context, hospitalID, entryID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, e := m.find(hospitalID, entryID)
	if e == nil {
		return mailbox.ErrNotFound
	}
	e.Status = mailbox.StatusUnlocked
	return nil
}

func (m *mockMailbox) Remove(_ context.Context, hospitalID, entryID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	i, _ := m.find(hospitalID, entryID)
	if i < 0 {
		return mailbox.ErrNotFound
	}
	m.entries = append(m.entries[:i], m.entries[i+1:]...)
	return nil
}

func (m *mockMailbox) ClaimForAcceptance(ctx context.Context, hospitalID, entryID uuid.UUID) (*mailbox.Entry, error) {
	return m.GetByID(ctx, hospitalID, entryID)
}

func (m *mockMailbox) all() []*mailbox.Entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*mailbox.Entry, len(m.entries))
	copy(out, m.entries)
	return out
}

type mockLedger struct {
	mu      sync.Mutex
	entries []*auditlog.Entry // oldest first
}

func (m *mockLedger) Append(_ context.Context, e *auditlog.Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	var prev string
	if n := len(m.entries); n > 0 {
		prev = m.entries[n-1].Hash
	}
	auditlog.Link(e, prev, time.Now())
	m.entries = append(m.entries, e)
	return nil
}

func (m *mockLedger) List(_ context.Context, limit, offset int) ([]*auditlog.Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*auditlog.Entry
	for i := len(m.entries) - 1; i >= 0; i-- {
		out = append(out, m.entries[i])
	}
	if offset >= len(out) {
		return nil, nil
	}
	out = out[offset:]
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

type mockHospitalRepo struct {
	items []*hospital.Hospital
}

func (m *mockHospitalRepo) Create(_ context.Context, h *hospital.Hospital) error {
	for _, x := range m.items {
		if x.Slug == h.Slug {
			return hospital.ErrDuplicate
		}
	}
	h.ID = uuid.New()
	m.items = append(m.items, h)
	return nil
}

func (m *mockHospitalRepo) GetByID(_ context.Context, id uuid.UUID) (*hospital.Hospital, error) {
	for _, h := range m.items {
		if h.ID == id {
			return h, nil
		}
	}
	return nil, hospital.ErrNotFound
}

func (m *mockHospitalRepo) GetBySlug(_ context.Context, slug string) (*hospital.Hospital, error) {
	for _, h := range m.items {
		if h.Slug == slug {
			return h, nil
		}
	}
	return nil, hospital.ErrNotFound
}

func (m *mockHospitalRepo) List(_ context.Context) ([]*hospital.Hospital, error) {
	out := append([]*hospital.Hospital(nil), m.items...)
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// passTx runs fn directly. The mocks have no rollback.
type passTx struct{}

func (passTx) WithinTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return fn(ctx)
}

type failingExchange struct{ err error }

func (f failingExchange) NegotiateKey(context.Context) ([]byte, qkd.Stats, error) {
	return nil, qkd.Stats{Protocol: qkd.Protocol, Attempts: 3}, f.err
}

// recordingExchange remembers every key it hands out.
type recordingExchange struct {
	inner KeyExchange
	mu    sync.Mutex
	keys  [][]byte
}

func (r *recordingExchange) NegotiateKey(ctx context.Context) ([]byte, qkd.Stats, error) {
	key, stats, err := r.inner.NegotiateKey(ctx)
	if err == nil {
		r.mu.Lock()
		r.keys = append(r.keys, append([]byte(nil), key...))
		r.mu.Unlock()
	}
	return key, stats, err
}

// -- Fixture --

var (
	doctorA = auth.Principal{UserID: "doc-a", Username: "dr.alice", Hospital: "Alpha Clinic", Roles: []string{auth.RoleDoctor}}
	doctorB = auth.Principal{UserID: "doc-b", Username: "dr.bob", Hospital: "Beta Hospital", Roles: []string{auth.RoleDoctor}}
	auditor = auth.Principal{UserID: "gov-1", Username: "inspector", Roles: []string{auth.RoleGovernment}}
)

type fixture struct {
	svc       *Service
	records   *record.Service
	recRepo   *mockRecordRepo
	mailbox   *mockMailbox
	ledger    *mockLedger
	hospitals *hospital.Service
	exchange  *recordingExchange
	custody   *custody.Store
	metrics   *telemetry.Metrics
	reg       *prometheus.Registry
	alpha     *hospital.Hospital
	beta      *hospital.Hospital
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()

	f := &fixture{
		recRepo:   newMockRecordRepo(),
		mailbox:   &mockMailbox{},
		ledger:    &mockLedger{},
		hospitals: hospital.NewService(&mockHospitalRepo{}),
		exchange:  &recordingExchange{inner: qkd.New(qkd.DefaultConfig())},
		reg:       prometheus.NewRegistry(),
	}
	f.metrics = telemetry.New(f.reg)
	f.records = record.NewService(f.recRepo, hipaa.NewAESGCM())

	var err error
	if f.alpha, err = f.hospitals.Register(ctx, "Alpha Clinic"); err != nil {
		t.Fatal(err)
	}
	if f.beta, err = f.hospitals.Register(ctx, "Beta Hospital"); err != nil {
		t.Fatal(err)
	}

	kek, err := hipaa.NewAESGCM().NewKey()
	if err != nil {
		t.Fatal(err)
	}
	wrapper, err := kms.NewLocal(kek)
	if err != nil {
		t.Fatal(err)
	}
	if f.custody, err = custody.Open(t.TempDir(), wrapper); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { f.custody.Close() })

	f.svc = NewService(Deps{
		Records:   f.records,
		Mailbox:   f.mailbox,
		Ledger:    f.ledger,
		Hospitals: f.hospitals,
		Exchange:  f.exchange,
		Cipher:    hipaa.NewAESGCM(),
		Custody:   f.custody,
		Tx:        passTx{},
		Metrics:   f.metrics,
		Logger:    zerolog.Nop(),
	})
	return f
}

func (f *fixture) createRecord(t *testing.T, owner auth.Principal, patientID, diagnosis string) *record.Record {
	t.Helper()
	rec, err := f.records.Create(context.Background(), owner, record.Draft{
		PatientID: patientID, Diagnosis: diagnosis, Prescription: "rx for " + diagnosis,
	})
	if err != nil {
		t.Fatal(err)
	}
	return rec
}

func (f *fixture) entriesFor(h *hospital.Hospital) []*mailbox.Entry {
	var out []*mailbox.Entry
	for _, e := range f.mailbox.all() {
		if e.DestinationHospitalID == h.ID {
			out = append(out, e)
		}
	}
	return out
}

var errBoom = errors.New("boom")

// counterValue reads one labelled counter from reg.
func counterValue(t *testing.T, reg prometheus.Gatherer, name, label, value string) float64 {
	t.Helper()
	mfs, err := reg.Gather()
	if err != nil {
		t.Fatal(err)
	}
	for _, mf := range mfs {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.GetMetric() {
			for _, lp := range m.GetLabel() {
				if lp.GetName() == label && lp.GetValue() == value {
					return m.GetCounter().GetValue()
				}
			}
		}
	}
	return 0
}
