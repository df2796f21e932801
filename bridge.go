package main

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

var (
	ErrNothingStaged   = errors.New("no filament staged")
	ErrUnknownFilament = errors.New("tray filament is unknown")
	ErrNoTagReader     = errors.New("no tag reader available")
)

// Broadcaster pushes events to connected UI clients
type Broadcaster interface {
	BroadcastEvent(eventType string, data any)
}

// SpoolBridge connects the printer session, the tag loop and the UI. It holds the
// staged filament: a filament read from a tag (or written to one) waiting to be
// assigned to a tray.
type SpoolBridge struct {
	config  *Config
	store   *Store
	session *PrinterSession
	tag     *SpoolTag
	events  *Events
	logger  *log.Entry

	mutex       sync.RWMutex
	staged      *FilamentInfo
	broadcaster Broadcaster
	lastTag     *TagStatus
}

// TrayView is a tray as shown to users
type TrayView struct {
	ID       int           `json:"id"`
	AMSID    int           `json:"ams_id"`
	Slot     int           `json:"slot"`
	State    TrayState     `json:"state"`
	Known    bool          `json:"known"`
	Material string        `json:"material,omitempty"`
	Color    string        `json:"color,omitempty"`
	K        string        `json:"k"`
	Filament *FilamentInfo `json:"filament,omitempty"`
}

// BridgeStatus is the overall state served to the UI
type BridgeStatus struct {
	Connected      bool          `json:"connected"`
	PrinterName    string        `json:"printer_name"`
	NozzleDiameter string        `json:"nozzle_diameter"`
	Trays          []TrayView    `json:"trays"`
	Staging        *FilamentInfo `json:"staging"`
	StagingK       string        `json:"staging_k"`
	PendingWrite   *WriteRequest `json:"pending_write"`
	LastTag        *TagStatus    `json:"last_tag"`
	Timestamp      time.Time     `json:"timestamp"`
}

// NewSpoolBridge creates the bridge. tag may be nil when no reader is attached.
func NewSpoolBridge(config *Config, store *Store, session *PrinterSession, tag *SpoolTag, events *Events) *SpoolBridge {
	return &SpoolBridge{
		config:  config,
		store:   store,
		session: session,
		tag:     tag,
		events:  events,
		logger:  log.WithField("component", "bridge"),
	}
}

// SetBroadcaster installs the UI event sink
func (b *SpoolBridge) SetBroadcaster(br Broadcaster) {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	b.broadcaster = br
}

func (b *SpoolBridge) broadcast(eventType string, data any) {
	b.mutex.RLock()
	br := b.broadcaster
	b.mutex.RUnlock()
	if br != nil {
		br.BroadcastEvent(eventType, data)
	}
}

// Run reacts to printer, tag and connectivity events until ctx is cancelled
func (b *SpoolBridge) Run(ctx context.Context) error {
	trays := b.events.Trays.Subscribe()
	defer b.events.Trays.Unsubscribe(trays)
	tags := b.events.Tag.Subscribe()
	defer b.events.Tag.Unsubscribe(tags)
	conn := b.events.Connectivity.Subscribe()
	defer b.events.Connectivity.Unsubscribe(conn)

	for {
		select {
		case <-ctx.Done():
			return nil
		case update := <-trays.C:
			b.handleTraysUpdate(ctx, update)
		case status := <-tags.C:
			b.handleTagStatus(ctx, status)
		case change := <-conn.C:
			b.handleConnectivity(change)
		}
	}
}

func (b *SpoolBridge) handleTraysUpdate(ctx context.Context, update TraysUpdate) {
	b.broadcast("trays", b.trayViews(update.Snapshot))

	if len(update.NewlyReading) != 1 {
		return
	}
	trayID := update.NewlyReading[0]
	b.logger.Infof("Single tray %d is loading now", trayID)
	b.broadcast("single_tray_loading", map[string]any{"tray_id": trayID})

	if !b.autoAssignOnLoad() {
		return
	}
	if _, ok := b.Staging(); !ok {
		return
	}
	if err := b.SetStagingToTray(ctx, trayID); err != nil {
		b.logger.Warnf("Failed to assign staged filament to tray %d: %v", trayID, err)
	}
}

func (b *SpoolBridge) handleTagStatus(ctx context.Context, status TagStatus) {
	b.mutex.Lock()
	st := status
	b.lastTag = &st
	b.mutex.Unlock()
	b.broadcast("tag", status)

	switch status.Kind {
	case TagReadSuccess:
		f, err := b.DecodeDescriptor(ctx, status.Text)
		if err != nil {
			b.logger.Warnf("Invalid tag info: %v", err)
			b.broadcast("tag_error", map[string]any{"message": "Invalid Tag Info"})
		} else {
			b.setStaging(f)
		}
	case TagWriteSuccess:
		if f, err := b.filamentForTray(status.TrayID); err == nil {
			b.setStaging(f)
		}
	case TagFailure:
		msg := "Error: Failed to Scan Tag"
		if status.Failure == TagWriteFailure {
			msg = "Error: Failed to Encode Tag"
		}
		b.broadcast("tag_error", map[string]any{"message": msg})
	}

	if status.Terminal() {
		b.logTagOperation(status)
	}
}

func (b *SpoolBridge) logTagOperation(status TagStatus) {
	if b.store == nil {
		return
	}
	entry := TagHistoryEntry{
		UID:        status.UID,
		Descriptor: status.Text,
		Success:    status.Kind != TagFailure,
	}
	switch {
	case status.Kind == TagWriteSuccess, status.Kind == TagFailure && status.Failure == TagWriteFailure:
		entry.Operation = "write"
		id := status.TrayID
		entry.TrayID = &id
	default:
		entry.Operation = "read"
	}
	if err := b.store.LogTagOperation(entry); err != nil {
		b.logger.Errorf("Failed to record tag operation: %v", err)
	}
}

func (b *SpoolBridge) handleConnectivity(change ConnectivityChange) {
	if change.Connected {
		b.logger.Info("Printer connected")
	} else {
		b.logger.Warn("Printer connectivity lost")
	}
	b.broadcast("connectivity", change)
}

func (b *SpoolBridge) autoAssignOnLoad() bool {
	b.mutex.RLock()
	defer b.mutex.RUnlock()
	return b.config.AutoAssignOnLoad
}

// PrinterName is the name embedded in descriptors
func (b *SpoolBridge) PrinterName() string {
	b.mutex.RLock()
	defer b.mutex.RUnlock()
	return b.config.PrinterName()
}

// OnPrinterDiscovered records the address and name found by discovery
func (b *SpoolBridge) OnPrinterDiscovered(loc PrinterLocation) {
	b.mutex.Lock()
	b.config.Printer.IP = loc.IP
	if b.config.Printer.Name == "" || b.config.Printer.Name == DefaultPrinterName {
		b.config.Printer.Name = loc.Name
	}
	b.mutex.Unlock()
	b.broadcast("printer_discovered", map[string]any{"ip": loc.IP, "name": loc.Name})
}

// Staging returns a copy of the staged filament
func (b *SpoolBridge) Staging() (*FilamentInfo, bool) {
	b.mutex.RLock()
	defer b.mutex.RUnlock()
	if b.staged == nil {
		return nil, false
	}
	return b.staged.Clone(), true
}

func (b *SpoolBridge) setStaging(f *FilamentInfo) {
	b.mutex.Lock()
	b.staged = f.Clone()
	b.mutex.Unlock()
	b.broadcast("staging", f)
}

// ClearStaging drops the staged filament
func (b *SpoolBridge) ClearStaging() {
	b.mutex.Lock()
	b.staged = nil
	b.mutex.Unlock()
	b.broadcast("staging", nil)
}

// SetStagingToTray assigns the staged filament to a tray and clears the staging
func (b *SpoolBridge) SetStagingToTray(ctx context.Context, trayID int) error {
	f, ok := b.Staging()
	if !ok {
		return ErrNothingStaged
	}
	var setErr error
	if err := b.session.Do(ctx, func(p *Printer) {
		setErr = p.SetTrayFilament(trayID, f)
	}); err != nil {
		return err
	}
	if setErr != nil {
		return setErr
	}
	b.ClearStaging()
	b.logger.Infof("Assigned %s %s to tray %d", f.TrayType, f.TrayColor, trayID)
	b.broadcast("tray_update_succeeded", map[string]any{"tray_id": trayID})
	return nil
}

// DecodeDescriptor parses tag text against the printer's current calibrations
func (b *SpoolBridge) DecodeDescriptor(ctx context.Context, text string) (*FilamentInfo, error) {
	var (
		f      *FilamentInfo
		decErr error
	)
	if err := b.session.Do(ctx, func(p *Printer) {
		f, decErr = DecodeDescriptor(text, p.calibrations)
	}); err != nil {
		return nil, err
	}
	return f, decErr
}

// filamentForTray returns the filament of a tray, or of the staging for StagingTrayID
func (b *SpoolBridge) filamentForTray(trayID int) (*FilamentInfo, error) {
	if trayID == StagingTrayID {
		f, ok := b.Staging()
		if !ok {
			return nil, ErrNothingStaged
		}
		return f, nil
	}
	tray, ok := b.session.Snapshot().Tray(trayID)
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrInvalidTray, trayID)
	}
	if tray.Filament == nil {
		return nil, ErrUnknownFilament
	}
	return tray.Filament.Clone(), nil
}

// DescriptorForTray renders the tag text for a tray (or the staging)
func (b *SpoolBridge) DescriptorForTray(trayID int) (string, error) {
	f, err := b.filamentForTray(trayID)
	if err != nil {
		return "", err
	}
	return EncodeDescriptor(f, b.PrinterName()), nil
}

// EncodeTrayToTag queues a tag write of the tray's filament
func (b *SpoolBridge) EncodeTrayToTag(trayID int) error {
	if b.tag == nil {
		return ErrNoTagReader
	}
	text, err := b.DescriptorForTray(trayID)
	if err != nil {
		return err
	}
	b.tag.WriteTag(text, trayID)
	b.logger.Infof("Waiting for a tag to encode tray %d", trayID)
	return nil
}

// CancelTagOperation drops a pending tag write
func (b *SpoolBridge) CancelTagOperation() {
	if b.tag != nil {
		b.tag.CancelOperation()
	}
}

// Trays returns the trays of the present AMS units and the external tray
func (b *SpoolBridge) Trays() []TrayView {
	return b.trayViews(b.session.Snapshot())
}

func (b *SpoolBridge) trayViews(snap *PrinterSnapshot) []TrayView {
	views := []TrayView{}
	if snap == nil {
		return views
	}
	for _, amsID := range snap.AMSUnits {
		for slot := 0; slot < TraysPerAMS; slot++ {
			id := amsID*TraysPerAMS + slot
			views = append(views, newTrayView(id, snap.AMSTrays[id]))
		}
	}
	return append(views, newTrayView(ExternalTrayID, snap.ExternalTray))
}

func newTrayView(id int, t Tray) TrayView {
	v := TrayView{ID: id, State: t.State, Filament: t.Filament}
	if id == ExternalTrayID {
		v.AMSID, v.Slot = ExternalAMSID, ExternalTrayID
	} else {
		v.AMSID, v.Slot = id/TraysPerAMS, id%TraysPerAMS
	}
	if t.Filament != nil {
		v.Known = true
		v.Material = t.Filament.TrayType
		v.Color = displayColor(t.Filament.TrayColor)
	}
	if t.K != nil {
		v.K = formatKForDisplay(*t.K)
	}
	return v
}

// formatKForDisplay normalizes k to three decimals, keeping the parens of a raw value
func formatKForDisplay(k string) string {
	if k == "" {
		return ""
	}
	raw := strings.HasPrefix(k, "(")
	value, err := strconv.ParseFloat(strings.Trim(k, "()"), 64)
	if err != nil {
		value = 0
	}
	if raw {
		return fmt.Sprintf("(%.3f)", value)
	}
	return fmt.Sprintf("%.3f", value)
}

// displayColor turns an RRGGBBAA tray color into #RRGGBB
func displayColor(trayColor string) string {
	if len(trayColor) < 6 {
		return ""
	}
	if _, err := strconv.ParseUint(trayColor[:6], 16, 32); err != nil {
		return ""
	}
	return "#" + strings.ToUpper(trayColor[:6])
}

// Status collects everything the UI shows
func (b *SpoolBridge) Status() BridgeStatus {
	snap := b.session.Snapshot()
	status := BridgeStatus{
		Connected:      b.session.Connected(),
		PrinterName:    b.PrinterName(),
		NozzleDiameter: snap.NozzleDiameter,
		Trays:          b.trayViews(snap),
		Timestamp:      time.Now(),
	}
	if f, ok := b.Staging(); ok {
		status.Staging = f
		if cal, ok := f.Calibrations[snap.NozzleDiameter]; ok {
			status.StagingK = formatKForDisplay(cal.KValue)
		}
	}
	if b.tag != nil {
		if req, ok := b.tag.PendingWrite(); ok {
			status.PendingWrite = &req
		}
	}
	b.mutex.RLock()
	if b.lastTag != nil {
		st := *b.lastTag
		status.LastTag = &st
	}
	b.mutex.RUnlock()
	return status
}

// UpdatePrinterConfig validates and stores the printer login. It takes effect on the
// next start.
func (b *SpoolBridge) UpdatePrinterConfig(p PrinterConfig) error {
	if err := validatePrinterConfig(p); err != nil {
		return err
	}
	if err := b.store.SetConfigJSON(ConfigKeyPrinter, p); err != nil {
		return err
	}
	b.logger.Infof("Stored printer settings for %s", p.Serial)
	return nil
}

// UpdateTagSettings stores the tag settings and the auto-assign switch
func (b *SpoolBridge) UpdateTagSettings(scanTimeout int, autoAssign bool) error {
	if scanTimeout <= 0 {
		return fmt.Errorf("invalid scan timeout %d", scanTimeout)
	}
	if err := b.store.SetConfigJSON(ConfigKeyTag, TagConfig{ScanTimeout: scanTimeout}); err != nil {
		return err
	}
	if err := b.store.SetConfigValue(ConfigKeyAutoAssignOnLoad, strconv.FormatBool(autoAssign)); err != nil {
		return err
	}
	b.mutex.Lock()
	b.config.Tag.ScanTimeout = scanTimeout
	b.config.AutoAssignOnLoad = autoAssign
	b.mutex.Unlock()
	return nil
}

// Settings returns the current configuration without the access code
func (b *SpoolBridge) Settings() map[string]any {
	b.mutex.RLock()
	defer b.mutex.RUnlock()
	return map[string]any{
		"printer": PrinterConfig{
			IP:     b.config.Printer.IP,
			Serial: b.config.Printer.Serial,
			Name:   b.config.PrinterName(),
		},
		"access_code_set":     b.config.Printer.AccessCode != "",
		"scan_timeout":        b.config.Tag.ScanTimeout,
		"auto_assign_on_load": b.config.AutoAssignOnLoad,
		"web_port":            b.config.WebPort,
	}
}

// TagHistory returns recent tag operations
func (b *SpoolBridge) TagHistory(limit int) ([]TagHistoryEntry, error) {
	if b.store == nil {
		return []TagHistoryEntry{}, nil
	}
	return b.store.RecentTagHistory(limit)
}
