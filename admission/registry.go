// Package admission tracks attachment ids from issuance to durable upload.
//
// Clients either fetch an id first and upload into it (IssueID with tracking,
// then CompleteUpload) or upload directly and receive a fresh id (Upload).
// Either way the id ends up acknowledged, and the delivery pipeline refuses
// messages that reference ids that are not.
package admission

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/migadu/soramail/consts"
	"github.com/migadu/soramail/logger"
	"github.com/migadu/soramail/mail"
	"github.com/migadu/soramail/mailstore"
	"github.com/migadu/soramail/pkg/metrics"
)

const metaSuffix = ".meta"

// Upload is one attachment transfer.
type Upload struct {
	FileName  string
	MimeType  string
	Owner     string
	Accessors []string
	Body      io.Reader
}

// Metadata is stored next to the attachment bytes.
type Metadata struct {
	ID        string    `json:"id"`
	FileName  string    `json:"fileName"`
	MimeType  string    `json:"mimeType"`
	Size      int64     `json:"size"`
	Owner     string    `json:"owner"`
	Accessors []string  `json:"accessors"`
	CreatedAt time.Time `json:"createdAt"`
}

// Ref returns the reference a message carries for this attachment.
func (m Metadata) Ref() mail.AttachmentRef {
	return mail.AttachmentRef{ID: m.ID, FileName: m.FileName, MimeType: m.MimeType, Size: m.Size}
}

// CanAccess reports whether addr is the uploader or one of the accessors.
func (m Metadata) CanAccess(addr string) bool {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return false
	}
	if strings.EqualFold(m.Owner, addr) {
		return true
	}
	for _, a := range m.Accessors {
		if strings.EqualFold(a, addr) {
			return true
		}
	}
	return false
}

// Options configures registry lifetimes. Zero values take the defaults.
type Options struct {
	IssuedTTL       time.Duration
	AcknowledgedTTL time.Duration
	SweepInterval   time.Duration
}

// Registry holds the issued and acknowledged id sets. It is created at
// service start, swept by Start and torn down with Stop.
type Registry struct {
	mu           sync.Mutex
	issued       map[string]time.Time
	acknowledged map[string]time.Time

	store         ByteStore
	metaLocks     *mailstore.KeyedMutex
	issuedTTL     time.Duration
	ackTTL        time.Duration
	sweepInterval time.Duration
	stopCh        chan struct{}
	stopOnce      sync.Once

	// Now is the registry clock.
	Now func() time.Time
}

func NewRegistry(store ByteStore, opts Options) *Registry {
	if opts.IssuedTTL <= 0 {
		opts.IssuedTTL = 5 * time.Minute
	}
	if opts.AcknowledgedTTL <= 0 {
		opts.AcknowledgedTTL = 24 * time.Hour
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = time.Minute
	}
	return &Registry{
		issued:        make(map[string]time.Time),
		acknowledged:  make(map[string]time.Time),
		store:         store,
		metaLocks:     mailstore.NewKeyedMutex(),
		issuedTTL:     opts.IssuedTTL,
		ackTTL:        opts.AcknowledgedTTL,
		sweepInterval: opts.SweepInterval,
		stopCh:        make(chan struct{}),
		Now:           time.Now,
	}
}

func validID(id string) error {
	if _, err := uuid.Parse(id); err != nil {
		return fmt.Errorf("%w: %q", consts.ErrAttachmentIDInvalid, id)
	}
	return nil
}

// IssueID returns a fresh id. With track set, the id is recorded as issued
// and stays valid for the issued TTL.
func (r *Registry) IssueID(track bool) string {
	id := uuid.NewString()
	if !track {
		return id
	}
	r.mu.Lock()
	r.issued[id] = r.Now().Add(r.issuedTTL)
	r.mu.Unlock()
	metrics.AdmissionEventsTotal.WithLabelValues("issued").Inc()
	return id
}

// IsValidIssuedID reports whether id is issued and not yet expired.
func (r *Registry) IsValidIssuedID(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	exp, ok := r.issued[id]
	return ok && r.Now().Before(exp)
}

// claim removes id from the issued set so no second upload can use it.
func (r *Registry) claim(id string) (time.Time, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	exp, ok := r.issued[id]
	if !ok || !r.Now().Before(exp) {
		return time.Time{}, false
	}
	delete(r.issued, id)
	return exp, true
}

func (r *Registry) unclaim(id string, exp time.Time) {
	r.mu.Lock()
	r.issued[id] = exp
	r.mu.Unlock()
}

func (r *Registry) acknowledge(id string) {
	r.mu.Lock()
	r.acknowledged[id] = r.Now().Add(r.ackTTL)
	r.mu.Unlock()
	metrics.AdmissionEventsTotal.WithLabelValues("acknowledged").Inc()
}

func reject(err error) error {
	metrics.AdmissionEventsTotal.WithLabelValues("rejected").Inc()
	return err
}

// CompleteUpload stores the bytes of a pre-issued id. The id is consumed on
// success; a failed transfer leaves it valid for a retry.
func (r *Registry) CompleteUpload(ctx context.Context, id string, u Upload) (Metadata, error) {
	if err := validID(id); err != nil {
		return Metadata{}, reject(err)
	}
	if err := CheckMimeType(u.FileName, u.MimeType); err != nil {
		return Metadata{}, reject(err)
	}
	exp, ok := r.claim(id)
	if !ok {
		return Metadata{}, reject(fmt.Errorf("%w: %s", consts.ErrAttachmentIDInvalid, id))
	}

	meta, err := r.persist(ctx, id, u)
	if err != nil {
		r.unclaim(id, exp)
		return Metadata{}, reject(err)
	}
	r.acknowledge(id)
	logger.Info("ADMISSION: upload completed", "id", id, "owner", u.Owner, "size", meta.Size)
	return meta, nil
}

// Upload stores the bytes under a freshly minted id. The id is acknowledged
// only when the transfer carried data.
func (r *Registry) Upload(ctx context.Context, u Upload) (Metadata, error) {
	if err := CheckMimeType(u.FileName, u.MimeType); err != nil {
		return Metadata{}, reject(err)
	}
	id := r.IssueID(false)
	meta, err := r.persist(ctx, id, u)
	if err != nil {
		return Metadata{}, reject(err)
	}
	r.acknowledge(id)
	logger.Info("ADMISSION: upload stored", "id", id, "owner", u.Owner, "size", meta.Size)
	return meta, nil
}

// persist writes the bytes and the metadata sidecar, removing the bytes again
// if the upload turns out empty or the sidecar cannot be written.
func (r *Registry) persist(ctx context.Context, id string, u Upload) (Metadata, error) {
	if u.Body == nil {
		return Metadata{}, consts.ErrEmptyUpload
	}
	declared, _, _ := strings.Cut(u.MimeType, ";")
	mimeType := strings.ToLower(strings.TrimSpace(declared))

	n, err := r.store.Write(ctx, id, mimeType, u.Body)
	if err != nil {
		return Metadata{}, fmt.Errorf("%w: %v", consts.ErrStorage, err)
	}
	if n == 0 {
		r.discard(ctx, id)
		return Metadata{}, consts.ErrEmptyUpload
	}
	metrics.AttachmentBytesWritten.Add(float64(n))

	meta := Metadata{
		ID:        id,
		FileName:  u.FileName,
		MimeType:  mimeType,
		Size:      n,
		Owner:     u.Owner,
		Accessors: normalizeAccessors(u.Accessors),
		CreatedAt: r.Now().UTC(),
	}
	if err := r.writeMetadata(ctx, meta); err != nil {
		r.discard(ctx, id)
		return Metadata{}, err
	}
	return meta, nil
}

func (r *Registry) discard(ctx context.Context, id string) {
	if err := r.store.Delete(ctx, id); err != nil {
		logger.Warn("ADMISSION: failed to remove partial upload", "id", id, "error", err)
	}
}

func normalizeAccessors(in []string) []string {
	out := make([]string, 0, len(in))
	seen := make(map[string]bool, len(in))
	for _, a := range in {
		for _, part := range strings.Split(a, ",") {
			part = strings.ToLower(strings.TrimSpace(part))
			if part == "" || seen[part] {
				continue
			}
			seen[part] = true
			out = append(out, part)
		}
	}
	return out
}

func (r *Registry) writeMetadata(ctx context.Context, meta Metadata) error {
	data, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("failed to encode attachment metadata: %w", err)
	}
	if _, err := r.store.Write(ctx, meta.ID+metaSuffix, "application/json", bytes.NewReader(data)); err != nil {
		return fmt.Errorf("%w: failed to write attachment metadata: %v", consts.ErrStorage, err)
	}
	return nil
}

// Metadata loads the sidecar for id.
func (r *Registry) Metadata(ctx context.Context, id string) (Metadata, error) {
	if err := validID(id); err != nil {
		return Metadata{}, err
	}
	rc, err := r.store.Read(ctx, id+metaSuffix)
	if err != nil {
		if errors.Is(err, consts.ErrNotFound) {
			return Metadata{}, fmt.Errorf("attachment %s: %w", id, consts.ErrNotFound)
		}
		return Metadata{}, fmt.Errorf("%w: %v", consts.ErrStorage, err)
	}
	defer rc.Close()

	var meta Metadata
	if err := json.NewDecoder(rc).Decode(&meta); err != nil {
		return Metadata{}, fmt.Errorf("%w: corrupt metadata for attachment %s: %v", consts.ErrStorage, id, err)
	}
	return meta, nil
}

// IsAcknowledged reports whether id was uploaded. Ids no longer tracked in
// memory are looked up in the byte store.
func (r *Registry) IsAcknowledged(ctx context.Context, id string) (bool, error) {
	if validID(id) != nil {
		return false, nil
	}
	r.mu.Lock()
	exp, ok := r.acknowledged[id]
	live := ok && r.Now().Before(exp)
	r.mu.Unlock()
	if live {
		return true, nil
	}

	exists, err := r.store.Exists(ctx, id)
	if err != nil {
		return false, fmt.Errorf("%w: %v", consts.ErrStorage, err)
	}
	return exists, nil
}

// RequireAcknowledged fails with ErrAttachmentNotAcknowledged on the first
// reference that was never uploaded.
func (r *Registry) RequireAcknowledged(ctx context.Context, refs []mail.AttachmentRef) error {
	for _, ref := range refs {
		ok, err := r.IsAcknowledged(ctx, ref.ID)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: %s", consts.ErrAttachmentNotAcknowledged, ref.ID)
		}
	}
	return nil
}

// Open streams the attachment to requester if they may read it.
func (r *Registry) Open(ctx context.Context, id, requester string) (io.ReadCloser, Metadata, error) {
	meta, err := r.Metadata(ctx, id)
	if err != nil {
		return nil, Metadata{}, err
	}
	if !meta.CanAccess(requester) {
		logger.Warn("ADMISSION: access denied", "id", id, "requester", requester)
		return nil, Metadata{}, fmt.Errorf("%w: %s", consts.ErrAttachmentForbidden, id)
	}
	rc, err := r.store.Read(ctx, id)
	if err != nil {
		return nil, Metadata{}, err
	}
	return rc, meta, nil
}

// GrantAccess adds addrs to the accessor list of id.
func (r *Registry) GrantAccess(ctx context.Context, id string, addrs ...string) error {
	unlock := r.metaLocks.Lock(id)
	defer unlock()

	meta, err := r.Metadata(ctx, id)
	if err != nil {
		return err
	}
	merged := normalizeAccessors(append(append([]string(nil), meta.Accessors...), addrs...))
	if len(merged) == len(meta.Accessors) {
		return nil
	}
	meta.Accessors = merged
	return r.writeMetadata(ctx, meta)
}

// Sweep evicts expired entries from both sets and returns how many it removed.
func (r *Registry) Sweep() int {
	now := r.Now()
	r.mu.Lock()
	removed := 0
	for id, exp := range r.issued {
		if !now.Before(exp) {
			delete(r.issued, id)
			removed++
		}
	}
	for id, exp := range r.acknowledged {
		if !now.Before(exp) {
			delete(r.acknowledged, id)
			removed++
		}
	}
	issued, acked := len(r.issued), len(r.acknowledged)
	r.mu.Unlock()

	metrics.AdmissionEventsTotal.WithLabelValues("expired").Add(float64(removed))
	metrics.AdmissionEntries.WithLabelValues("issued").Set(float64(issued))
	metrics.AdmissionEntries.WithLabelValues("acknowledged").Set(float64(acked))
	if removed > 0 {
		logger.Debug("ADMISSION: swept expired entries", "removed", removed)
	}
	return removed
}

// Stats implements metrics.AdmissionStatsProvider.
func (r *Registry) Stats() metrics.AdmissionStats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return metrics.AdmissionStats{Issued: len(r.issued), Acknowledged: len(r.acknowledged)}
}

// Start sweeps the registry until ctx is done or Stop is called.
func (r *Registry) Start(ctx context.Context) {
	ticker := time.NewTicker(r.sweepInterval)
	defer ticker.Stop()

	logger.Info("ADMISSION: sweeper started", "interval", r.sweepInterval)
	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stopCh:
			logger.Info("ADMISSION: sweeper stopped")
			return
		case <-ticker.C:
			r.Sweep()
		}
	}
}

func (r *Registry) Stop() {
	r.stopOnce.Do(func() { close(r.stopCh) })
}
