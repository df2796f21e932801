package main

import (
	"context"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordedEvent struct {
	Type string
	Data any
}

type recordingBroadcaster struct {
	mu     sync.Mutex
	events []recordedEvent
}

func (r *recordingBroadcaster) BroadcastEvent(eventType string, data any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, recordedEvent{Type: eventType, Data: data})
}

func (r *recordingBroadcaster) types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.events))
	for i, e := range r.events {
		out[i] = e.Type
	}
	return out
}

type bridgeHarness struct {
	*sessionHarness
	bridge      *SpoolBridge
	tag         *SpoolTag
	store       *Store
	config      *Config
	broadcaster *recordingBroadcaster
}

func startBridge(t *testing.T) *bridgeHarness {
	t.Helper()
	sh := startSession(t, time.Hour)
	h := &bridgeHarness{
		sessionHarness: sh,
		store:          openTestStore(t),
		config:         defaultConfig(),
		broadcaster:    &recordingBroadcaster{},
	}
	h.tag = NewSpoolTag(&scriptedDevice{}, sh.events.Tag)
	h.bridge = NewSpoolBridge(h.config, h.store, sh.session, h.tag, sh.events)
	h.bridge.SetBroadcaster(h.broadcaster)

	sh.inbound <- []byte(initialStatus)
	sh.sync(t)
	sh.publisher.reset()
	return h
}

func TestBridgeStagesReadTag(t *testing.T) {
	h := startBridge(t)
	text := EncodeDescriptor(plaFilament(), "")

	h.bridge.handleTagStatus(context.Background(), TagStatus{Kind: TagReadSuccess, UID: "BKGy", Text: text})

	staged, ok := h.bridge.Staging()
	require.True(t, ok)
	assert.True(t, plaFilament().Equal(staged))

	entries, err := h.store.RecentTagHistory(10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "read", entries[0].Operation)
	assert.True(t, entries[0].Success)
	assert.Equal(t, "BKGy", entries[0].UID)
}

func TestBridgeRejectsInvalidTag(t *testing.T) {
	h := startBridge(t)

	h.bridge.handleTagStatus(context.Background(), TagStatus{Kind: TagReadSuccess, Text: "https://example.com/"})

	_, ok := h.bridge.Staging()
	assert.False(t, ok)
	assert.Contains(t, h.broadcaster.types(), "tag_error")
}

func TestBridgeRecordsFailures(t *testing.T) {
	h := startBridge(t)

	h.bridge.handleTagStatus(context.Background(), TagStatus{Kind: TagFoundNowWriting, TrayID: 2})
	h.bridge.handleTagStatus(context.Background(), TagStatus{Kind: TagFailure, Failure: TagWriteFailure, TrayID: 2})

	entries, err := h.store.RecentTagHistory(10)
	require.NoError(t, err)
	require.Len(t, entries, 1, "only terminal statuses are recorded")
	assert.Equal(t, "write", entries[0].Operation)
	assert.False(t, entries[0].Success)
	require.NotNil(t, h.bridge.Status().LastTag)
	assert.Equal(t, TagFailure, h.bridge.Status().LastTag.Kind)
}

func TestBridgeSetStagingToTray(t *testing.T) {
	h := startBridge(t)
	ctx := context.Background()

	assert.ErrorIs(t, h.bridge.SetStagingToTray(ctx, 1), ErrNothingStaged)

	h.bridge.setStaging(plaFilament())
	require.NoError(t, h.bridge.SetStagingToTray(ctx, 1))

	cmds := h.publisher.commands(t)
	require.Len(t, cmds, 2)
	assert.Equal(t, CommandAMSFilamentSetting, cmds[0]["command"])
	assert.EqualValues(t, 1, cmds[0]["tray_id"])
	_, ok := h.bridge.Staging()
	assert.False(t, ok)

	h.bridge.setStaging(plaFilament())
	assert.ErrorIs(t, h.bridge.SetStagingToTray(ctx, 42), ErrInvalidTray)
	_, ok = h.bridge.Staging()
	assert.True(t, ok, "failed assignment keeps the staging")
}

func TestBridgeEncodeTrayToTag(t *testing.T) {
	h := startBridge(t)

	require.NoError(t, h.bridge.EncodeTrayToTag(0))
	req, ok := h.tag.PendingWrite()
	require.True(t, ok)
	assert.Equal(t, 0, req.TrayID)
	assert.Contains(t, req.Text, "M=PLA&C=FF0000FF&NN=190&NX=230")
	assert.Contains(t, req.Text, TagIDPlaceholder)

	assert.ErrorIs(t, h.bridge.EncodeTrayToTag(1), ErrUnknownFilament)
	assert.ErrorIs(t, h.bridge.EncodeTrayToTag(StagingTrayID), ErrNothingStaged)

	h.bridge.setStaging(plaFilament())
	require.NoError(t, h.bridge.EncodeTrayToTag(StagingTrayID))
	req, _ = h.tag.PendingWrite()
	assert.Equal(t, StagingTrayID, req.TrayID)

	h.bridge.CancelTagOperation()
	_, ok = h.tag.PendingWrite()
	assert.False(t, ok)

	noReader := NewSpoolBridge(h.config, h.store, h.session, nil, h.events)
	assert.ErrorIs(t, noReader.EncodeTrayToTag(0), ErrNoTagReader)
}

func TestBridgeStagesWrittenFilament(t *testing.T) {
	h := startBridge(t)

	h.bridge.handleTagStatus(context.Background(), TagStatus{Kind: TagWriteSuccess, TrayID: 0})

	staged, ok := h.bridge.Staging()
	require.True(t, ok)
	assert.Equal(t, "PLA", staged.TrayType)
}

func TestBridgeAutoAssignsOnLoad(t *testing.T) {
	h := startBridge(t)
	h.config.AutoAssignOnLoad = true
	h.bridge.setStaging(plaFilament())

	h.bridge.handleTraysUpdate(context.Background(), TraysUpdate{Snapshot: h.session.Snapshot(), NewlyReading: []int{1}})

	cmds := h.publisher.commands(t)
	require.Len(t, cmds, 2)
	assert.EqualValues(t, 1, cmds[0]["tray_id"])
	_, ok := h.bridge.Staging()
	assert.False(t, ok)
}

func TestBridgeNoAutoAssignForSeveralTrays(t *testing.T) {
	h := startBridge(t)
	h.config.AutoAssignOnLoad = true
	h.bridge.setStaging(plaFilament())

	h.bridge.handleTraysUpdate(context.Background(), TraysUpdate{Snapshot: h.session.Snapshot(), NewlyReading: []int{0, 1}})

	assert.Empty(t, h.publisher.commands(t))
	_, ok := h.bridge.Staging()
	assert.True(t, ok)
}

func TestBridgeRunForwardsEvents(t *testing.T) {
	h := startBridge(t)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.bridge.Run(ctx) }()

	// Run subscribes asynchronously; keep publishing until it is listening
	require.Eventually(t, func() bool {
		h.events.Connectivity.Publish(ConnectivityChange{Connected: true})
		return slices.Contains(h.broadcaster.types(), "connectivity")
	}, time.Second, 10*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
}

func TestBridgeTrayViews(t *testing.T) {
	h := startBridge(t)

	views := h.bridge.Trays()
	require.Len(t, views, 5)
	assert.Equal(t, 0, views[0].ID)
	assert.True(t, views[0].Known)
	assert.Equal(t, "#FF0000", views[0].Color)
	assert.Equal(t, "(0.020)", views[0].K)
	assert.Equal(t, TrayEmpty, views[3].State)
	assert.Equal(t, ExternalTrayID, views[4].ID)
	assert.Equal(t, ExternalAMSID, views[4].AMSID)

	status := h.bridge.Status()
	assert.True(t, status.Connected)
	assert.Equal(t, "0.4", status.NozzleDiameter)
	assert.Equal(t, DefaultPrinterName, status.PrinterName)
}

func TestBridgeOnPrinterDiscovered(t *testing.T) {
	h := startBridge(t)
	h.bridge.OnPrinterDiscovered(PrinterLocation{IP: "10.0.0.5", Name: "Garage"})
	assert.Equal(t, "Garage", h.bridge.PrinterName())
	assert.Equal(t, "10.0.0.5", h.config.Printer.IP)
}

func TestFormatKForDisplay(t *testing.T) {
	assert.Equal(t, "0.020", formatKForDisplay("0.02"))
	assert.Equal(t, "(0.020)", formatKForDisplay("(0.020)"))
	assert.Equal(t, "0.000", formatKForDisplay("abc"))
	assert.Equal(t, "", formatKForDisplay(""))
}

func TestDisplayColor(t *testing.T) {
	assert.Equal(t, "#00FF00", displayColor("00ff00FF"))
	assert.Equal(t, "", displayColor("0F"))
	assert.Equal(t, "", displayColor("ZZZZZZFF"))
}
