package transfer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/medxfer/medxfer/internal/domain/auditlog"
	"github.com/medxfer/medxfer/internal/domain/hospital"
	"github.com/medxfer/medxfer/internal/domain/mailbox"
	"github.com/medxfer/medxfer/internal/domain/record"
	"github.com/medxfer/medxfer/internal/platform/auth"
	"github.com/medxfer/medxfer/internal/platform/custody"
	"github.com/medxfer/medxfer/internal/platform/hipaa"
	"github.com/medxfer/medxfer/internal/platform/telemetry"
)

type Deps struct {
	Records   RecordStore
	Mailbox   mailbox.Repository
	Ledger    auditlog.Repository
	Hospitals HospitalDirectory
	Exchange  KeyExchange
	Cipher    Cipher
	Custody   KeyCustody
	Tx        Transactor
	Metrics   *telemetry.Metrics
	Logger    zerolog.Logger
}

type Service struct {
	records   RecordStore
	mailbox   mailbox.Repository
	ledger    auditlog.Repository
	hospitals HospitalDirectory
	exchange  KeyExchange
	cipher    Cipher
	custody   KeyCustody
	tx        Transactor
	metrics   *telemetry.Metrics
	logger    zerolog.Logger
	now       func() time.Time
}

func NewService(d Deps) *Service {
	return &Service{
		records:   d.Records,
		mailbox:   d.Mailbox,
		ledger:    d.Ledger,
		hospitals: d.Hospitals,
		exchange:  d.Exchange,
		cipher:    d.Cipher,
		custody:   d.Custody,
		tx:        d.Tx,
		metrics:   d.Metrics,
		logger:    d.Logger,
		now:       time.Now,
	}
}

func requireRole(p auth.Principal, role string) error {
	if !p.HasRole(role) {
		return ErrForbidden
	}
	return nil
}

// callerHospital resolves the registry entry of p's hospital. A principal
// whose hospital is not registered cannot act on any mailbox.
func (s *Service) callerHospital(ctx context.Context, p auth.Principal) (*hospital.Hospital, error) {
	h, err := s.hospitals.Resolve(ctx, p.Hospital)
	if errors.Is(err, hospital.ErrNotFound) {
		return nil, ErrForbidden
	}
	if err != nil {
		return nil, fmt.Errorf("resolve hospital %q: %w", p.Hospital, err)
	}
	return h, nil
}

// route resolves sender and destination once per request.
func (s *Service) route(ctx context.Context, actor auth.Principal, destination string) (sender, dest *hospital.Hospital, err error) {
	if err := requireRole(actor, auth.RoleDoctor); err != nil {
		return nil, nil, err
	}
	if sender, err = s.callerHospital(ctx, actor); err != nil {
		return nil, nil, err
	}
	dest, err = s.hospitals.Resolve(ctx, destination)
	if errors.Is(err, hospital.ErrNotFound) {
		return nil, nil, fmt.Errorf("%w: unknown destination hospital %q", ErrInvalidInput, destination)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("resolve hospital %q: %w", destination, err)
	}
	if dest.ID == sender.ID {
		return nil, nil, fmt.Errorf("%w: cannot transfer to own hospital", ErrInvalidInput)
	}
	return sender, dest, nil
}

// TransferSingle delivers one record and returns the full packet. Content
// already delivered to the destination yields a packet with status
// "skipped" that points at the existing entry.
func (s *Service) TransferSingle(ctx context.Context, id, destination string, actor auth.Principal) (*Packet, error) {
	sender, dest, err := s.route(ctx, actor, destination)
	if err != nil {
		return nil, err
	}
	pkt, err := s.deliver(ctx, id, sender, dest, actor)
	s.metrics.TransferItem(outcomeOf(pkt, err))
	return pkt, err
}

// TransferBatch delivers each id independently and in order. One item's
// failure never affects another's; the returned error is only for a request
// that could not be routed at all.
func (s *Service) TransferBatch(ctx context.Context, ids []string, destination string, actor auth.Principal) (*BatchResult, error) {
	sender, dest, err := s.route(ctx, actor, destination)
	if err != nil {
		return nil, err
	}

	res := newBatchResult()
	for _, id := range ids {
		pkt, err := s.deliver(ctx, id, sender, dest, actor)
		s.metrics.TransferItem(outcomeOf(pkt, err))
		switch {
		case err != nil:
			if !isExpected(err) {
				s.logger.Error().Err(err).Str("record_id", id).Str("destination", dest.Name).Msg("transfer item failed")
			}
			res.Failed = append(res.Failed, Failure{ID: id, Reason: reason(err)})
		case pkt.Status == PacketSkipped:
			res.Skipped = append(res.Skipped, id)
		default:
			res.Succeeded = append(res.Succeeded, id)
		}
	}
	return res, nil
}

func isExpected(err error) bool {
	return errors.Is(err, ErrInvalidInput) || errors.Is(err, ErrNotFound) || errors.Is(err, ErrDecryption)
}

func outcomeOf(pkt *Packet, err error) string {
	switch {
	case err != nil:
		return telemetry.OutcomeFailed
	case pkt.Status == PacketSkipped:
		return telemetry.OutcomeSkipped
	default:
		return telemetry.OutcomeSucceeded
	}
}

func (s *Service) deliver(ctx context.Context, rawID string, sender, dest *hospital.Hospital, actor auth.Principal) (*Packet, error) {
	id, err := uuid.Parse(rawID)
	if err != nil {
		return nil, fmt.Errorf("%w: record id %q", ErrInvalidInput, rawID)
	}

	rec, err := s.records.Get(ctx, id)
	if errors.Is(err, record.ErrNotFound) {
		return nil, fmt.Errorf("%w: record %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("fetch record %s: %w", id, err)
	}
	// Records are owned under the registry name. Storage keys never leave the
	// owning hospital, so another hospital's record is indistinguishable from
	// a missing one.
	if rec.Hospital != sender.Name {
		return nil, fmt.Errorf("%w: record %s", ErrNotFound, id)
	}

	diagnosis, err := s.cipher.Open(rec.Diagnosis, rec.StorageKey)
	if err != nil {
		return nil, fmt.Errorf("%w: record %s diagnosis: %v", ErrDecryption, id, err)
	}
	prescription, err := s.cipher.Open(rec.Prescription, rec.StorageKey)
	if err != nil {
		return nil, fmt.Errorf("%w: record %s prescription: %v", ErrDecryption, id, err)
	}

	signature := Fingerprint(rec.PatientID, diagnosis)
	existing, err := s.mailbox.FindBySignature(ctx, dest.ID, rec.ID, signature)
	if err != nil {
		return nil, fmt.Errorf("check mailbox for record %s: %w", id, err)
	}
	if existing != nil {
		return s.skipped(sender, dest, existing), nil
	}

	key, stats, err := s.exchange.NegotiateKey(ctx)
	s.metrics.KeyExchange(stats.Attempts, err)
	if err != nil {
		return nil, fmt.Errorf("key exchange for record %s: %w", id, err)
	}
	keyID := hipaa.KeyID(key)

	entry := &mailbox.Entry{
		ID:                    uuid.New(),
		DestinationHospitalID: dest.ID,
		DestinationHospital:   dest.Name,
		SenderHospital:        sender.Name,
		SourceRecordID:        rec.ID,
		PatientID:             rec.PatientID,
		AltPatientIDs:         rec.AltPatientIDs,
		Signature:             signature,
		KeyID:                 keyID,
		Status:                mailbox.StatusLocked,
	}
	if entry.Diagnosis, err = s.cipher.Seal(diagnosis, key); err != nil {
		return nil, fmt.Errorf("seal diagnosis of record %s: %w", id, err)
	}
	if entry.Prescription, err = s.cipher.Seal(prescription, key); err != nil {
		return nil, fmt.Errorf("seal prescription of record %s: %w", id, err)
	}

	if err := s.custody.Deposit(ctx, entry.ID, key); err != nil {
		s.metrics.CustodyFailure("deposit")
		return nil, fmt.Errorf("deposit key for record %s: %w", id, err)
	}

	err = s.tx.WithinTx(ctx, func(ctx context.Context) error {
		if err := s.mailbox.Insert(ctx, entry); err != nil {
			return err
		}
		return s.ledger.Append(ctx, &auditlog.Entry{
			SenderHospital:   sender.Name,
			SenderActor:      actorName(actor),
			ReceiverHospital: dest.Name,
			SourceRecordID:   rec.ID.String(),
			KeyID:            keyID,
			Status:           auditlog.StatusDelivered,
		})
	})
	if err != nil {
		s.destroyKey(ctx, entry.ID)
		if errors.Is(err, mailbox.ErrDuplicate) {
			// A concurrent transfer delivered the same content first.
			existing, _ = s.mailbox.FindBySignature(ctx, dest.ID, rec.ID, signature)
			return s.skipped(sender, dest, existing), nil
		}
		return nil, fmt.Errorf("deliver record %s: %w", id, err)
	}

	s.logger.Info().
		Str("record_id", rec.ID.String()).
		Str("entry_id", entry.ID.String()).
		Str("destination", dest.Name).
		Str("key_id", keyID).
		Msg("record delivered")

	return &Packet{
		Status:    PacketSuccess,
		EntryID:   &entry.ID,
		Sender:    sender.Name,
		Receiver:  dest.Name,
		Timestamp: s.now().UTC(),
		QKDStats:  &ExchangeInfo{Stats: stats, KeyID: keyID},
		Payload: &Sealed{
			PatientID:             entry.PatientID,
			AltPatientIDs:         entry.AltPatientIDs,
			EncryptedDiagnosis:    entry.Diagnosis,
			EncryptedPrescription: entry.Prescription,
		},
	}, nil
}

func (s *Service) skipped(sender, dest *hospital.Hospital, existing *mailbox.Entry) *Packet {
	pkt := &Packet{
		Status:    PacketSkipped,
		Sender:    sender.Name,
		Receiver:  dest.Name,
		Timestamp: s.now().UTC(),
	}
	if existing != nil {
		pkt.EntryID = &existing.ID
	}
	return pkt
}

func actorName(p auth.Principal) string {
	if p.Username != "" {
		return p.Username
	}
	return p.UserID
}

func (s *Service) destroyKey(ctx context.Context, entryID uuid.UUID) {
	if err := s.custody.Destroy(ctx, entryID); err != nil {
		s.metrics.CustodyFailure("destroy")
		s.logger.Warn().Err(err).Str("entry_id", entryID.String()).Msg("transmission key not destroyed")
	}
}

func parseEntryID(raw string) (uuid.UUID, error) {
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: inbox id %q", ErrInvalidInput, raw)
	}
	return id, nil
}

func (s *Service) releaseKey(ctx context.Context, entryID uuid.UUID) ([]byte, error) {
	key, err := s.custody.Release(ctx, entryID)
	if err != nil {
		s.metrics.CustodyFailure("release")
	}
	return key, err
}

// Accept moves a mailbox entry of p's hospital into its record set and
// returns the new record id. A field that does not decrypt is kept as
// ManualReview. The record insert and the entry removal commit together,
// and the entry row stays locked between them.
func (s *Service) Accept(ctx context.Context, rawEntryID string, p auth.Principal) (newID uuid.UUID, err error) {
	defer func() { s.metrics.Accept(err) }()

	if err := requireRole(p, auth.RoleDoctor); err != nil {
		return uuid.Nil, err
	}
	entryID, err := parseEntryID(rawEntryID)
	if err != nil {
		return uuid.Nil, err
	}
	home, err := s.callerHospital(ctx, p)
	if err != nil {
		return uuid.Nil, err
	}

	err = s.tx.WithinTx(ctx, func(ctx context.Context) error {
		entry, err := s.mailbox.ClaimForAcceptance(ctx, home.ID, entryID)
		if errors.Is(err, mailbox.ErrNotFound) {
			return fmt.Errorf("%w: inbox entry %s", ErrNotFound, entryID)
		}
		if err != nil {
			return fmt.Errorf("claim inbox entry %s: %w", entryID, err)
		}

		diagnosis, prescription := ManualReview, ManualReview
		key, err := s.releaseKey(ctx, entryID)
		if err != nil {
			s.logger.Warn().Err(err).Str("entry_id", entryID.String()).Msg("transmission key unavailable, accepting for manual review")
		} else {
			diagnosis = s.openOrReview(entry.Diagnosis, key, entryID, "diagnosis")
			prescription = s.openOrReview(entry.Prescription, key, entryID, "prescription")
		}

		owner := p
		owner.Hospital = home.Name
		rec, err := s.records.Create(ctx, owner, record.Draft{
			PatientID:       entry.PatientID,
			AltPatientIDs:   entry.AltPatientIDs,
			Diagnosis:       diagnosis,
			Prescription:    prescription,
			TransferredFrom: entry.SenderHospital,
		})
		if err != nil {
			return fmt.Errorf("create record from inbox entry %s: %w", entryID, err)
		}
		if err := s.mailbox.Remove(ctx, home.ID, entryID); err != nil {
			return fmt.Errorf("remove inbox entry %s: %w", entryID, err)
		}
		newID = rec.ID
		return nil
	})
	if err != nil {
		return uuid.Nil, err
	}

	s.destroyKey(ctx, entryID)
	s.logger.Info().
		Str("entry_id", entryID.String()).
		Str("record_id", newID.String()).
		Str("hospital", home.Name).
		Msg("inbox entry accepted")
	return newID, nil
}

func (s *Service) openOrReview(ciphertext string, key []byte, entryID uuid.UUID, field string) string {
	plaintext, err := s.cipher.Open(ciphertext, key)
	if err != nil {
		s.logger.Warn().Err(err).Str("entry_id", entryID.String()).Str("field", field).Msg("field kept for manual review")
		return ManualReview
	}
	return plaintext
}

// Decrypt opens an entry of p's hospital without accepting it and marks the
// entry UNLOCKED.
func (s *Service) Decrypt(ctx context.Context, rawEntryID string, p auth.Principal) (*Decrypted, error) {
	if err := requireRole(p, auth.RoleDoctor); err != nil {
		return nil, err
	}
	entryID, err := parseEntryID(rawEntryID)
	if err != nil {
		return nil, err
	}
	home, err := s.callerHospital(ctx, p)
	if err != nil {
		return nil, err
	}

	entry, err := s.mailbox.GetByID(ctx, home.ID, entryID)
	if errors.Is(err, mailbox.ErrNotFound) {
		return nil, fmt.Errorf("%w: inbox entry %s", ErrNotFound, entryID)
	}
	if err != nil {
		return nil, fmt.Errorf("fetch inbox entry %s: %w", entryID, err)
	}

	key, err := s.releaseKey(ctx, entryID)
	if errors.Is(err, custody.ErrKeyNotFound) {
		return nil, fmt.Errorf("%w: no transmission key for inbox entry %s", ErrDecryption, entryID)
	}
	if err != nil {
		return nil, fmt.Errorf("release key for inbox entry %s: %w", entryID, err)
	}

	out := &Decrypted{}
	if out.Diagnosis, err = s.cipher.Open(entry.Diagnosis, key); err != nil {
		return nil, fmt.Errorf("%w: inbox entry %s diagnosis: %v", ErrDecryption, entryID, err)
	}
	if out.Prescription, err = s.cipher.Open(entry.Prescription, key); err != nil {
		return nil, fmt.Errorf("%w: inbox entry %s prescription: %v", ErrDecryption, entryID, err)
	}

	if err := s.mailbox.MarkUnlocked(ctx, home.ID, entryID); err != nil {
		return nil, fmt.Errorf("unlock inbox entry %s: %w", entryID, err)
	}
	return out, nil
}

// ListInbox lists p's hospital mailbox, newest first.
func (s *Service) ListInbox(ctx context.Context, p auth.Principal, limit, offset int) ([]InboxItem, error) {
	if err := requireRole(p, auth.RoleDoctor); err != nil {
		return nil, err
	}
	home, err := s.callerHospital(ctx, p)
	if err != nil {
		return nil, err
	}
	return s.inbox(ctx, home, limit, offset)
}

// ListInboxFor lists any hospital's mailbox. It is an oversight view and
// needs the government role.
func (s *Service) ListInboxFor(ctx context.Context, p auth.Principal, hospitalRef string, limit, offset int) ([]InboxItem, error) {
	if err := requireRole(p, auth.RoleGovernment); err != nil {
		return nil, err
	}
	h, err := s.hospitals.Resolve(ctx, hospitalRef)
	if errors.Is(err, hospital.ErrNotFound) {
		return nil, fmt.Errorf("%w: hospital %q", ErrNotFound, hospitalRef)
	}
	if err != nil {
		return nil, fmt.Errorf("resolve hospital %q: %w", hospitalRef, err)
	}
	return s.inbox(ctx, h, limit, offset)
}

func (s *Service) inbox(ctx context.Context, h *hospital.Hospital, limit, offset int) ([]InboxItem, error) {
	entries, err := s.mailbox.ListInbox(ctx, h.ID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list inbox of %s: %w", h.Name, err)
	}
	items := make([]InboxItem, 0, len(entries))
	for _, e := range entries {
		items = append(items, InboxItem{
			ID:               e.ID,
			From:             e.SenderHospital,
			RecordID:         e.SourceRecordID,
			PatientID:        e.PatientID,
			Status:           string(e.Status),
			KeyID:            e.KeyID,
			Diagnosis:        redacted,
			EncryptedPreview: preview(e.Diagnosis),
			ReceivedAt:       e.ReceivedAt,
		})
	}
	return items, nil
}

// AuditLogs returns ledger entries newest first to a government principal.
func (s *Service) AuditLogs(ctx context.Context, p auth.Principal, limit, offset int) ([]*auditlog.Entry, error) {
	if err := requireRole(p, auth.RoleGovernment); err != nil {
		return nil, err
	}
	return s.ledger.List(ctx, limit, offset)
}

// VerifyAuditChain checks the hash links of the newest limit entries and
// returns how many were checked.
func (s *Service) VerifyAuditChain(ctx context.Context, p auth.Principal, limit int) (int, error) {
	entries, err := s.AuditLogs(ctx, p, limit, 0)
	if err != nil {
		return 0, err
	}
	return len(entries), auditlog.Verify(entries)
}
