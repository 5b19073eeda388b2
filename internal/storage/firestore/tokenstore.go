// Package firestore keeps device records in Google Cloud Firestore.
package firestore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/google/uuid"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/tinywideclouds/go-device-registry/pkg/dispatch"
)

const (
	devicesCollection = "devices"
	// maxInValues is Firestore's limit on values in an "in" filter.
	maxInValues = 30
)

// FirestoreStore implements dispatch.DeviceStore using Google Cloud Firestore.
// Documents live at devices/{id}.
type FirestoreStore struct {
	client *firestore.Client
	logger *slog.Logger
}

func NewFirestoreStore(client *firestore.Client, logger *slog.Logger) *FirestoreStore {
	return &FirestoreStore{client: client, logger: logger.With("component", "FirestoreDeviceStore")}
}

// deviceRecord is the internal DB representation.
type deviceRecord struct {
	RegistrationID string            `firestore:"registration_id"`
	Type           string            `firestore:"type"`
	Name           string            `firestore:"name,omitempty"`
	DeviceID       string            `firestore:"device_id,omitempty"`
	UserID         string            `firestore:"user_id"`
	Active         bool              `firestore:"active"`
	DateCreated    time.Time         `firestore:"date_created"`
	Extra          map[string]string `firestore:"extra,omitempty"`
}

func (s *FirestoreStore) Create(ctx context.Context, device *dispatch.Device) error {
	if device.ID == uuid.Nil {
		id, err := uuid.NewV7()
		if err != nil {
			return err
		}
		device.ID = id
	}
	if device.DateCreated.IsZero() {
		device.DateCreated = time.Now().UTC()
	}
	_, err := s.deviceRef(device.ID).Create(ctx, toRecord(device))
	if status.Code(err) == codes.AlreadyExists {
		return fmt.Errorf("%w: device %s exists", dispatch.ErrDuplicateToken, device.ID)
	}
	return err
}

func (s *FirestoreStore) Update(ctx context.Context, device *dispatch.Device) error {
	_, err := s.deviceRef(device.ID).Update(ctx, []firestore.Update{
		{Path: "registration_id", Value: device.RegistrationID},
		{Path: "type", Value: string(device.Type)},
		{Path: "name", Value: device.Name},
		{Path: "device_id", Value: device.DeviceID},
		{Path: "user_id", Value: device.UserID},
		{Path: "active", Value: device.Active},
		{Path: "extra", Value: device.Extra},
	})
	if status.Code(err) == codes.NotFound {
		return dispatch.ErrDeviceNotFound
	}
	return err
}

func (s *FirestoreStore) Get(ctx context.Context, id uuid.UUID) (*dispatch.Device, error) {
	doc, err := s.deviceRef(id).Get(ctx)
	if status.Code(err) == codes.NotFound {
		return nil, dispatch.ErrDeviceNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("firestore get failed: %w", err)
	}
	return fromSnapshot(doc)
}

// List pushes the equality predicates down to Firestore and evaluates the
// rest in memory. Results are sorted by ID.
func (s *FirestoreStore) List(ctx context.Context, filter dispatch.DeviceFilter) ([]dispatch.Device, error) {
	q := s.client.Collection(devicesCollection).Query
	if filter.Active != nil {
		q = q.Where("active", "==", *filter.Active)
	}
	if filter.UserID != "" {
		q = q.Where("user_id", "==", filter.UserID)
	}
	// Larger token sets fall back to the in-memory match below.
	if n := len(filter.RegistrationIDs); n > 0 && n <= maxInValues {
		q = q.Where("registration_id", "in", filter.RegistrationIDs)
	}

	iter := q.Documents(ctx)
	defer iter.Stop()

	devices := make([]dispatch.Device, 0)
	for {
		doc, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("firestore iteration failed: %w", err)
		}
		d, err := fromSnapshot(doc)
		if err != nil {
			s.logger.Warn("Skipping unreadable device document", "doc_id", doc.Ref.ID, "err", err)
			continue
		}
		if filter.Matches(*d) {
			devices = append(devices, *d)
		}
	}
	dispatch.SortDevices(devices)
	return devices, nil
}

func (s *FirestoreStore) ListTokens(ctx context.Context, filter dispatch.DeviceFilter) ([]string, error) {
	devices, err := s.List(ctx, filter)
	if err != nil {
		return nil, err
	}
	return dispatch.Tokens(devices), nil
}

func (s *FirestoreStore) SetActive(ctx context.Context, filter dispatch.DeviceFilter, active bool) (int64, error) {
	devices, err := s.List(ctx, filter)
	if err != nil {
		return 0, err
	}
	refs := make([]*firestore.DocumentRef, 0, len(devices))
	for _, d := range devices {
		if d.Active != active {
			refs = append(refs, s.deviceRef(d.ID))
		}
	}
	return s.bulkUpdate(ctx, refs, active)
}

// Deactivate clears the active flag on every active record holding one of tokens.
func (s *FirestoreStore) Deactivate(ctx context.Context, tokens []string) (int64, error) {
	refs, err := s.refsForTokens(ctx, tokens, true)
	if err != nil {
		return 0, err
	}
	return s.bulkUpdate(ctx, refs, false)
}

func (s *FirestoreStore) DeleteTokens(ctx context.Context, tokens []string) (int64, error) {
	refs, err := s.refsForTokens(ctx, tokens, false)
	if err != nil {
		return 0, err
	}
	return s.bulkDelete(ctx, refs)
}

func (s *FirestoreStore) Delete(ctx context.Context, id uuid.UUID) error {
	_, err := s.deviceRef(id).Delete(ctx, firestore.Exists)
	if status.Code(err) == codes.NotFound {
		return dispatch.ErrDeviceNotFound
	}
	return err
}

func (s *FirestoreStore) DeleteForUser(ctx context.Context, userID string) (int64, error) {
	if userID == "" {
		return 0, fmt.Errorf("%w: user id is required", dispatch.ErrInvalidDevice)
	}
	refs, err := s.client.Collection(devicesCollection).Where("user_id", "==", userID).Documents(ctx).GetAll()
	if err != nil {
		return 0, fmt.Errorf("firestore query failed: %w", err)
	}
	docRefs := make([]*firestore.DocumentRef, len(refs))
	for i, snap := range refs {
		docRefs[i] = snap.Ref
	}
	n, err := s.bulkDelete(ctx, docRefs)
	if err == nil {
		s.logger.Info("Deleted devices for user", "user_id", userID, "rows", n)
	}
	return n, err
}

// --- Helpers ---

// refsForTokens resolves tokens to document refs in "in" queries of at most
// maxInValues tokens each.
func (s *FirestoreStore) refsForTokens(ctx context.Context, tokens []string, activeOnly bool) ([]*firestore.DocumentRef, error) {
	var refs []*firestore.DocumentRef
	for chunk := range slices.Chunk(tokens, maxInValues) {
		q := s.client.Collection(devicesCollection).Where("registration_id", "in", chunk)
		if activeOnly {
			q = q.Where("active", "==", true)
		}
		snaps, err := q.Documents(ctx).GetAll()
		if err != nil {
			return nil, fmt.Errorf("firestore token query failed: %w", err)
		}
		for _, snap := range snaps {
			refs = append(refs, snap.Ref)
		}
	}
	return refs, nil
}

func (s *FirestoreStore) bulkUpdate(ctx context.Context, refs []*firestore.DocumentRef, active bool) (int64, error) {
	if len(refs) == 0 {
		return 0, nil
	}
	bw := s.client.BulkWriter(ctx)
	jobs := make([]*firestore.BulkWriterJob, 0, len(refs))
	for _, ref := range refs {
		job, err := bw.Update(ref, []firestore.Update{{Path: "active", Value: active}})
		if err != nil {
			bw.End()
			return 0, fmt.Errorf("failed to enqueue update: %w", err)
		}
		jobs = append(jobs, job)
	}
	bw.End()
	return collect(jobs)
}

func (s *FirestoreStore) bulkDelete(ctx context.Context, refs []*firestore.DocumentRef) (int64, error) {
	if len(refs) == 0 {
		return 0, nil
	}
	bw := s.client.BulkWriter(ctx)
	jobs := make([]*firestore.BulkWriterJob, 0, len(refs))
	for _, ref := range refs {
		job, err := bw.Delete(ref)
		if err != nil {
			bw.End()
			return 0, fmt.Errorf("failed to enqueue delete: %w", err)
		}
		jobs = append(jobs, job)
	}
	bw.End()
	return collect(jobs)
}

// collect waits for every job. Writes that succeeded are counted even when a
// later one fails.
func collect(jobs []*firestore.BulkWriterJob) (int64, error) {
	var n int64
	var errs []error
	for _, job := range jobs {
		if _, err := job.Results(); err != nil {
			errs = append(errs, err)
			continue
		}
		n++
	}
	return n, errors.Join(errs...)
}

func (s *FirestoreStore) deviceRef(id uuid.UUID) *firestore.DocumentRef {
	return s.client.Collection(devicesCollection).Doc(id.String())
}

func toRecord(d *dispatch.Device) deviceRecord {
	return deviceRecord{
		RegistrationID: d.RegistrationID,
		Type:           string(d.Type),
		Name:           d.Name,
		DeviceID:       d.DeviceID,
		UserID:         d.UserID,
		Active:         d.Active,
		DateCreated:    d.DateCreated,
		Extra:          d.Extra,
	}
}

func fromSnapshot(doc *firestore.DocumentSnapshot) (*dispatch.Device, error) {
	id, err := uuid.Parse(doc.Ref.ID)
	if err != nil {
		return nil, fmt.Errorf("invalid device id %q: %w", doc.Ref.ID, err)
	}
	var rec deviceRecord
	if err := doc.DataTo(&rec); err != nil {
		return nil, err
	}
	return &dispatch.Device{
		ID:             id,
		RegistrationID: rec.RegistrationID,
		Type:           dispatch.DeviceType(rec.Type),
		Name:           rec.Name,
		DeviceID:       rec.DeviceID,
		UserID:         rec.UserID,
		Active:         rec.Active,
		DateCreated:    rec.DateCreated,
		Extra:          rec.Extra,
	}, nil
}
