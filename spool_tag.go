package main

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"strings"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"
)

// TagStatusKind is the step a tag operation reached
type TagStatusKind int

const (
	TagFoundNowReading TagStatusKind = iota
	TagFoundNowWriting
	TagReadSuccess
	TagWriteSuccess
	TagFailure
)

var tagStatusNames = [...]string{"found_tag_now_reading", "found_tag_now_writing", "read_success", "write_success", "failure"}

func (k TagStatusKind) String() string {
	if k < 0 || int(k) >= len(tagStatusNames) {
		return "unknown"
	}
	return tagStatusNames[k]
}

func (k TagStatusKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// TagFailureKind tells which operation failed
type TagFailureKind int

const (
	TagReadFailure TagFailureKind = iota
	TagWriteFailure
)

func (k TagFailureKind) String() string {
	if k == TagWriteFailure {
		return "write_failure"
	}
	return "read_failure"
}

func (k TagFailureKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// TagStatus is published on the tag bus for every step of a tag operation
type TagStatus struct {
	Kind    TagStatusKind  `json:"kind"`
	UID     string         `json:"uid,omitempty"`
	Text    string         `json:"text,omitempty"`
	TrayID  int            `json:"tray_id"`
	Failure TagFailureKind `json:"failure"`
	Err     error          `json:"-"`
}

// Terminal reports whether this status ends an operation
func (s TagStatus) Terminal() bool {
	return s.Kind == TagReadSuccess || s.Kind == TagWriteSuccess || s.Kind == TagFailure
}

// WriteRequest is a descriptor waiting for the next tag
type WriteRequest struct {
	Text      string    `json:"text"`
	TrayID    int       `json:"tray_id"`
	CreatedAt time.Time `json:"created_at"`
}

// EncodeTagUID renders a UID the way it is embedded in descriptors
func EncodeTagUID(uid []byte) string {
	return base64.RawURLEncoding.EncodeToString(uid)
}

// SpoolTag decides what happens when a tag enters the field: a pending write request
// is written to it, otherwise it is read. Run owns the device; WriteTag and
// CancelOperation may be called from any goroutine.
type SpoolTag struct {
	device  TagDevice
	events  *Bus[TagStatus]
	pending atomic.Pointer[WriteRequest]
	logger  *log.Entry

	now          func() time.Time
	opTimeout    time.Duration
	errorBackoff time.Duration

	prevUID  []byte
	prevScan time.Time
}

func NewSpoolTag(device TagDevice, events *Bus[TagStatus]) *SpoolTag {
	return &SpoolTag{
		device:       device,
		events:       events,
		logger:       log.WithField("component", "tag"),
		now:          time.Now,
		opTimeout:    TagOperationTimeout,
		errorBackoff: time.Second,
	}
}

// WriteTag queues text for the next presented tag, replacing any pending request
func (t *SpoolTag) WriteTag(text string, trayID int) {
	prev := t.pending.Swap(&WriteRequest{Text: text, TrayID: trayID, CreatedAt: t.now()})
	if prev != nil {
		t.logger.Debugf("Replaced pending write for tray %d", prev.TrayID)
	}
}

// CancelOperation drops the pending write request. A write already started is not
// affected.
func (t *SpoolTag) CancelOperation() {
	t.pending.Store(nil)
}

// PendingWrite returns the write request waiting for a tag, if any
func (t *SpoolTag) PendingWrite() (WriteRequest, bool) {
	req := t.pending.Load()
	if req == nil {
		return WriteRequest{}, false
	}
	return *req, true
}

// Run polls for tags until ctx is cancelled
func (t *SpoolTag) Run(ctx context.Context) error {
	t.logger.Info("Waiting for tags")
	for ctx.Err() == nil {
		t.poll(ctx)
	}
	return nil
}

func (t *SpoolTag) publish(status TagStatus) {
	if t.events != nil {
		t.events.Publish(status)
	}
}

func (t *SpoolTag) poll(ctx context.Context) {
	uid, err := t.device.WaitForTag(ctx)
	if err != nil {
		t.handleWaitError(ctx, err)
		return
	}

	now := t.now()
	if bytes.Equal(uid, t.prevUID) && now.Sub(t.prevScan) < TagDebounceWindow {
		// tag resting in the field
		t.prevScan = now
		return
	}
	t.prevUID = uid
	t.logger.Debugf("Found tag %X", uid)

	if req := t.pending.Swap(nil); req != nil {
		t.write(ctx, uid, req)
	} else {
		t.read(ctx, uid)
	}
	t.prevScan = t.now()
}

func (t *SpoolTag) handleWaitError(ctx context.Context, err error) {
	switch {
	case ctx.Err() != nil:
		return
	case errors.Is(err, ErrTagTimeout):
		t.prevUID = nil
		return
	case errors.Is(err, ErrTagAck):
		t.logger.Warnf("Tag reader: %v", err)
		t.prevUID = nil
		return
	}

	t.logger.Warnf("Error when waiting for tag: %v", err)
	failure := TagReadFailure
	if req := t.pending.Swap(nil); req != nil {
		failure = TagWriteFailure
	}
	t.publish(TagStatus{Kind: TagFailure, Failure: failure, Err: err})

	select {
	case <-ctx.Done():
	case <-time.After(t.errorBackoff):
	}
}

func (t *SpoolTag) write(ctx context.Context, uid []byte, req *WriteRequest) {
	encodedUID := EncodeTagUID(uid)
	t.publish(TagStatus{Kind: TagFoundNowWriting, UID: encodedUID, TrayID: req.TrayID})

	text := strings.ReplaceAll(req.Text, TagIDPlaceholder, encodedUID)
	opCtx, cancel := context.WithTimeout(ctx, t.opTimeout)
	defer cancel()
	if err := t.device.WriteURI(opCtx, text); err != nil {
		t.logger.Errorf("Error writing to tag: %v", err)
		t.publish(TagStatus{Kind: TagFailure, UID: encodedUID, Text: text, TrayID: req.TrayID, Failure: TagWriteFailure, Err: err})
		return
	}
	t.logger.Debugf("Wrote %s to tag", text)
	t.publish(TagStatus{Kind: TagWriteSuccess, UID: encodedUID, Text: text, TrayID: req.TrayID})
}

func (t *SpoolTag) read(ctx context.Context, uid []byte) {
	encodedUID := EncodeTagUID(uid)
	t.publish(TagStatus{Kind: TagFoundNowReading, UID: encodedUID})

	opCtx, cancel := context.WithTimeout(ctx, t.opTimeout)
	defer cancel()
	text, err := t.device.ReadURI(opCtx)
	if err != nil {
		t.logger.Errorf("Error reading tag: %v", err)
		t.publish(TagStatus{Kind: TagFailure, UID: encodedUID, Failure: TagReadFailure, Err: err})
		return
	}
	t.logger.Debugf("Read %s from tag", text)
	t.publish(TagStatus{Kind: TagReadSuccess, UID: encodedUID, Text: text})
}
