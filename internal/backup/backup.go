package backup

import (
	"bytes"
	"compress/gzip"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/google/uuid"

	"clinaxis.org/internal/audit"
	"clinaxis.org/internal/crypto"
	"clinaxis.org/internal/obs"
)

var (
	ErrNotFound     = errors.New("backup: not found")
	ErrInvalidInput = errors.New("backup: invalid input")
)

const (
	envelopeVersion = 1

	defaultRetention = 30 * 24 * time.Hour
)

// redactedFields are stripped from snapshots unless the caller explicitly
// asks for sensitive material.
var redactedFields = map[string]struct{}{
	"password_hash":      {},
	"token_hash":         {},
	"refresh_token_hash": {},
}

const redactedPlaceholder = "[REDACTED]"

// Options control what a backup contains and how the artifact is packaged.
type Options struct {
	IncludeAudit     bool `json:"include_audit"`
	IncludeSensitive bool `json:"include_sensitive"`
	Compress         bool `json:"compress"`
	Encrypt          bool `json:"encrypt"`
}

// Record describes one finished backup artifact.
type Record struct {
	ID         string    `json:"id"`
	Filename   string    `json:"filename"`
	Size       int64     `json:"size"`
	Checksum   string    `json:"checksum"`
	Encrypted  bool      `json:"encrypted"`
	Compressed bool      `json:"compressed"`
	Options    Options   `json:"options"`
	CreatedAt  time.Time `json:"created_at"`
}

// RecordStore persists backup records. Implemented externally.
type RecordStore interface {
	Create(ctx context.Context, r *Record) error
	Find(ctx context.Context, id string) (*Record, error)
	List(ctx context.Context) ([]Record, error)
	DeleteOlderThan(ctx context.Context, before time.Time) ([]Record, error)
}

// Tables maps table name to its exported rows.
type Tables map[string][]map[string]any

// SnapshotProvider exports the entity sets a backup should contain. The
// business layer implements it.
type SnapshotProvider interface {
	Snapshot(ctx context.Context, opts Options) (Tables, error)
}

// Restorer applies restored data. The default implementation only reports
// what it would apply; actual merge semantics belong to the business layer.
type Restorer interface {
	Apply(ctx context.Context, data Tables) error
}

// envelope is the artifact payload before compression/encryption.
type envelope struct {
	Version   int       `json:"version"`
	CreatedAt time.Time `json:"created_at"`
	Options   Options   `json:"options"`
	Data      Tables    `json:"data"`
}

// Coordinator orchestrates backup creation and restore.
type Coordinator struct {
	dir       string
	provider  SnapshotProvider
	store     RecordStore
	crypto    *crypto.Service
	rec       *audit.Recorder
	restorer  Restorer
	retention time.Duration
	now       func() time.Time
}

// Option configures the Coordinator.
type Option func(*Coordinator)

// WithClock overrides the time source.
func WithClock(fn func() time.Time) Option {
	return func(c *Coordinator) {
		if fn != nil {
			c.now = fn
		}
	}
}

// WithRecorder attaches the audit pipeline.
func WithRecorder(rec *audit.Recorder) Option {
	return func(c *Coordinator) { c.rec = rec }
}

// WithRestorer replaces the default no-op restorer.
func WithRestorer(r Restorer) Option {
	return func(c *Coordinator) { c.restorer = r }
}

// WithRetention overrides how long records and artifacts are kept.
func WithRetention(d time.Duration) Option {
	return func(c *Coordinator) {
		if d > 0 {
			c.retention = d
		}
	}
}

// NewCoordinator constructs a Coordinator writing artifacts under dir.
func NewCoordinator(dir string, provider SnapshotProvider, store RecordStore, cs *crypto.Service, opts ...Option) (*Coordinator, error) {
	if dir == "" {
		return nil, fmt.Errorf("%w: artifact directory is required", ErrInvalidInput)
	}
	if provider == nil || store == nil || cs == nil {
		return nil, fmt.Errorf("%w: provider, store and crypto service are required", ErrInvalidInput)
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create backup dir: %w", err)
	}
	c := &Coordinator{
		dir:       dir,
		provider:  provider,
		store:     store,
		crypto:    cs,
		restorer:  loggingRestorer{},
		retention: defaultRetention,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Create exports a snapshot, packages it per opts and finalizes the artifact
// atomically: write to temp, checksum, rename. A cancelled context never
// leaves a completed record behind.
func (c *Coordinator) Create(ctx context.Context, opts Options) (*Record, error) {
	data, err := c.provider.Snapshot(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("snapshot: %w", err)
	}
	if !opts.IncludeSensitive {
		redact(data)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	now := c.now().UTC()
	payload, err := json.Marshal(envelope{
		Version:   envelopeVersion,
		CreatedAt: now,
		Options:   opts,
		Data:      data,
	})
	if err != nil {
		return nil, fmt.Errorf("encode snapshot: %w", err)
	}

	name := "backup_" + now.Format("20060102T150405Z") + "_" + uuid.NewString()[:8] + ".json"
	if opts.Compress {
		payload, err = gzipBytes(payload)
		if err != nil {
			return nil, err
		}
		name += ".gz"
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if opts.Encrypt {
		sealed, err := c.crypto.Encrypt(string(payload), "backup")
		if err != nil {
			return nil, err
		}
		payload = []byte(sealed)
		name += ".enc"
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	sum := sha256.Sum256(payload)
	checksum := hex.EncodeToString(sum[:])

	tmp, err := os.CreateTemp(c.dir, ".tmp-backup-*")
	if err != nil {
		return nil, fmt.Errorf("create temp artifact: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(payload); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return nil, fmt.Errorf("write artifact: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return nil, fmt.Errorf("close artifact: %w", err)
	}
	final := filepath.Join(c.dir, name)
	if err := os.Rename(tmpName, final); err != nil {
		os.Remove(tmpName)
		return nil, fmt.Errorf("finalize artifact: %w", err)
	}

	record := &Record{
		ID:         uuid.NewString(),
		Filename:   name,
		Size:       int64(len(payload)),
		Checksum:   checksum,
		Encrypted:  opts.Encrypt,
		Compressed: opts.Compress,
		Options:    opts,
		CreatedAt:  now,
	}
	if err := c.store.Create(ctx, record); err != nil {
		os.Remove(final)
		return nil, err
	}

	if c.rec != nil {
		c.rec.LogSecurityEvent(ctx, &audit.SecurityEvent{
			Type:        audit.EventBackupCreated,
			Severity:    audit.SeverityInfo,
			Description: "backup artifact created",
			Metadata: map[string]string{
				"backup_id":  record.ID,
				"filename":   record.Filename,
				"size":       strconv.FormatInt(record.Size, 10),
				"encrypted":  strconv.FormatBool(record.Encrypted),
				"compressed": strconv.FormatBool(record.Compressed),
			},
		})
	}

	c.purgeExpired(ctx, now)
	return record, nil
}

// Restore reads an artifact, verifies its checksum before trusting any byte,
// then unpacks it and hands the tables to the restorer.
func (c *Coordinator) Restore(ctx context.Context, id string) (Tables, error) {
	record, err := c.store.Find(ctx, id)
	if err != nil {
		return nil, err
	}
	payload, err := os.ReadFile(filepath.Join(c.dir, record.Filename))
	if err != nil {
		return nil, fmt.Errorf("%w: artifact %s", ErrNotFound, record.Filename)
	}

	sum := sha256.Sum256(payload)
	if hex.EncodeToString(sum[:]) != record.Checksum {
		return nil, fmt.Errorf("%w: backup %s checksum mismatch", crypto.ErrIntegrity, id)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if record.Encrypted {
		plain, err := c.crypto.Decrypt(string(payload), "backup")
		if err != nil {
			return nil, err
		}
		payload = []byte(plain)
	}
	if record.Compressed {
		payload, err = gunzipBytes(payload)
		if err != nil {
			return nil, err
		}
	}

	var env envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return nil, fmt.Errorf("%w: backup %s payload malformed", crypto.ErrIntegrity, id)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := c.restorer.Apply(ctx, env.Data); err != nil {
		return nil, fmt.Errorf("apply restore: %w", err)
	}

	if c.rec != nil {
		rows := 0
		for _, tableRows := range env.Data {
			rows += len(tableRows)
		}
		c.rec.LogSecurityEvent(ctx, &audit.SecurityEvent{
			Type:        audit.EventBackupRestored,
			Severity:    audit.SeverityHigh,
			Description: "backup artifact restored",
			Metadata: map[string]string{
				"backup_id": id,
				"tables":    strconv.Itoa(len(env.Data)),
				"rows":      strconv.Itoa(rows),
			},
		})
	}
	return env.Data, nil
}

// List returns all known backup records.
func (c *Coordinator) List(ctx context.Context) ([]Record, error) {
	return c.store.List(ctx)
}

// purgeExpired removes records and artifacts past retention. Failures are
// logged and skipped; the backup that just succeeded stands either way.
func (c *Coordinator) purgeExpired(ctx context.Context, now time.Time) {
	expired, err := c.store.DeleteOlderThan(ctx, now.Add(-c.retention))
	if err != nil {
		obs.Warn("backup retention purge failed", map[string]any{"cause": err.Error()})
		return
	}
	for _, record := range expired {
		if err := os.Remove(filepath.Join(c.dir, record.Filename)); err != nil && !os.IsNotExist(err) {
			obs.Warn("failed to remove expired artifact", map[string]any{
				"filename": record.Filename,
				"cause":    err.Error(),
			})
		}
	}
}

func redact(data Tables) {
	for _, rows := range data {
		for _, row := range rows {
			for field := range row {
				if _, ok := redactedFields[field]; ok {
					row[field] = redactedPlaceholder
				}
			}
		}
	}
}

func gzipBytes(payload []byte) ([]byte, error) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(payload); err != nil {
		return nil, fmt.Errorf("compress artifact: %w", err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("compress artifact: %w", err)
	}
	return buf.Bytes(), nil
}

func gunzipBytes(payload []byte) ([]byte, error) {
	zr, err := gzip.NewReader(bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("%w: artifact not gzip", crypto.ErrIntegrity)
	}
	defer zr.Close()
	out, err := io.ReadAll(zr)
	if err != nil {
		return nil, fmt.Errorf("%w: artifact truncated", crypto.ErrIntegrity)
	}
	return out, nil
}

// loggingRestorer is the default Restorer: it reports what a restore would
// apply without touching data. Merge/overwrite semantics are still an open
// product decision.
type loggingRestorer struct{}

func (loggingRestorer) Apply(ctx context.Context, data Tables) error {
	rows := 0
	for _, tableRows := range data {
		rows += len(tableRows)
	}
	obs.Warn("restore verified but not applied: no restorer configured", map[string]any{
		"tables": len(data),
		"rows":   rows,
	})
	return nil
}
