// ABOUTME: Tracks concurrent file uploads with per-file progress and cancellation.
// ABOUTME: Files in a batch fail or finish independently; uploads run detached from any conversation switch.

// Package upload manages file uploads independently of the message
// pipeline. Every file is one attachment entity in the store with
// monotonically increasing progress and exactly one terminal state; a batch
// is only a loose grouping, so two failing siblings never poison a third
// file that uploaded fine.
package upload

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/2389/loom-client/internal/api"
	"github.com/2389/loom-client/internal/store"
)

// DefaultMaxFileSize bounds a single upload unless configured otherwise.
const DefaultMaxFileSize = 50 << 20

// CancelledReason is the failure reason recorded for cancelled uploads.
const CancelledReason = "cancelled"

// Uploader performs the actual transfer; implemented by the api client.
type Uploader interface {
	UploadFile(ctx context.Context, convID, filename, mimeType string, size int64, r io.Reader, progress func(pct int)) (*api.FileMeta, error)
}

// FileSpec describes one file to upload. Once Start accepts a batch the
// tracker owns every Reader: readers implementing io.Closer are closed when
// their upload reaches a terminal state.
type FileSpec struct {
	Filename string
	MimeType string
	Size     int64
	Reader   io.Reader
}

// Config tunes tracker behavior.
type Config struct {
	// MaxFileSize rejects oversized files locally, before any network call.
	// Zero means DefaultMaxFileSize.
	MaxFileSize int64
	// SurviveSwitch keeps conversation-bound uploads running when the user
	// switches away. When false, CancelConversation is invoked on switch.
	SurviveSwitch bool
}

// Tracker owns all in-flight uploads.
type Tracker struct {
	store    *store.Store
	uploader Uploader
	cfg      Config
	logger   *slog.Logger

	mu     sync.Mutex
	active map[string]*activeUpload // attachment id -> cancel handle
}

type activeUpload struct {
	conversationID string
	cancel         context.CancelFunc
}

// NewTracker creates a tracker writing attachment state into st.
func NewTracker(st *store.Store, uploader Uploader, cfg Config, logger *slog.Logger) *Tracker {
	if cfg.MaxFileSize <= 0 {
		cfg.MaxFileSize = DefaultMaxFileSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracker{
		store:    st,
		uploader: uploader,
		cfg:      cfg,
		logger:   logger.With("component", "uploads"),
		active:   make(map[string]*activeUpload),
	}
}

// SurviveSwitch reports whether conversation-bound uploads outlive a
// conversation switch.
func (t *Tracker) SurviveSwitch() bool { return t.cfg.SurviveSwitch }

// Start validates the batch and begins one independent upload per file,
// returning the attachment IDs in spec order. Validation failures are
// returned synchronously and nothing is started. convID may be empty for
// uploads not bound to a conversation.
func (t *Tracker) Start(convID string, specs []FileSpec) ([]string, error) {
	if len(specs) == 0 {
		return nil, errors.New("no files to upload")
	}
	for _, spec := range specs {
		if spec.Filename == "" {
			return nil, errors.New("filename is required")
		}
		if spec.Reader == nil {
			return nil, fmt.Errorf("%s: no content", spec.Filename)
		}
		if spec.Size <= 0 {
			return nil, fmt.Errorf("%s: unknown size", spec.Filename)
		}
		if spec.Size > t.cfg.MaxFileSize {
			return nil, fmt.Errorf("%s: file too large (%d bytes, max %d)", spec.Filename, spec.Size, t.cfg.MaxFileSize)
		}
	}

	ids := make([]string, 0, len(specs))
	for _, spec := range specs {
		id := uuid.New().String()
		if err := t.store.AddAttachment(store.FileAttachment{
			ID:             id,
			ConversationID: convID,
			Filename:       spec.Filename,
			Size:           spec.Size,
			MimeType:       spec.MimeType,
			Status:         store.UploadActive,
		}); err != nil {
			return ids, fmt.Errorf("registering %s: %w", spec.Filename, err)
		}

		// Uploads are detached from the caller's lifetime; cancellation goes
		// through Cancel/CancelConversation only.
		ctx, cancel := context.WithCancel(context.Background())
		t.mu.Lock()
		t.active[id] = &activeUpload{conversationID: convID, cancel: cancel}
		t.mu.Unlock()

		ids = append(ids, id)
		go t.run(ctx, id, convID, spec)
	}
	return ids, nil
}

// run performs one upload and records its terminal state.
func (t *Tracker) run(ctx context.Context, id, convID string, spec FileSpec) {
	defer t.forget(id)
	if closer, ok := spec.Reader.(io.Closer); ok {
		defer closer.Close()
	}

	meta, err := t.uploader.UploadFile(ctx, convID, spec.Filename, spec.MimeType, spec.Size, spec.Reader,
		func(pct int) {
			t.store.SetUploadProgress(id, pct)
		})
	if err != nil {
		reason := failureReason(ctx, err)
		if ferr := t.store.FailUpload(id, reason); ferr != nil {
			t.logger.Warn("could not record upload failure", "error", ferr, "attachment_id", id)
		}
		t.logger.Debug("upload failed",
			"attachment_id", id,
			"filename", spec.Filename,
			"reason", reason)
		return
	}

	if err := t.store.FinishUpload(id, meta.ID, meta.DownloadURL); err != nil {
		t.logger.Warn("could not record upload completion", "error", err, "attachment_id", id)
		return
	}
	t.logger.Debug("upload finished",
		"attachment_id", id,
		"file_id", meta.ID,
		"filename", spec.Filename)
}

// failureReason maps an upload error to the user-visible reason.
func failureReason(ctx context.Context, err error) string {
	if ctx.Err() != nil || errors.Is(err, context.Canceled) {
		return CancelledReason
	}
	var apiErr *api.Error
	if errors.As(err, &apiErr) {
		return apiErr.Message
	}
	return "network error: " + err.Error()
}

// Cancel aborts one in-flight upload. Returns false when the upload is
// unknown or already terminal.
func (t *Tracker) Cancel(id string) bool {
	t.mu.Lock()
	up, ok := t.active[id]
	t.mu.Unlock()
	if !ok {
		return false
	}
	up.cancel()
	return true
}

// CancelConversation aborts every in-flight upload bound to a conversation
// and returns how many were cancelled. Only called on conversation switch
// when SurviveSwitch is disabled.
func (t *Tracker) CancelConversation(convID string) int {
	t.mu.Lock()
	var cancels []context.CancelFunc
	for _, up := range t.active {
		if up.conversationID == convID {
			cancels = append(cancels, up.cancel)
		}
	}
	t.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
	return len(cancels)
}

// forget drops the cancel handle once an upload reaches a terminal state.
func (t *Tracker) forget(id string) {
	t.mu.Lock()
	if up, ok := t.active[id]; ok {
		up.cancel()
		delete(t.active, id)
	}
	t.mu.Unlock()
}
