package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"strconv"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
)

// TrayState is the physical state of a tray
type TrayState int

const (
	TrayUnknown TrayState = iota
	TrayEmpty
	TraySpool
	TrayReading
	TrayReady
	TrayLoading
	TrayUnloading
	TrayLoaded
)

var trayStateNames = [...]string{"unknown", "empty", "spool", "reading", "ready", "loading", "unloading", "loaded"}

func (s TrayState) String() string {
	if s < 0 || int(s) >= len(trayStateNames) {
		return fmt.Sprintf("TrayState(%d)", int(s))
	}
	return trayStateNames[s]
}

func (s TrayState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

var (
	ErrNozzleUnknown = errors.New("nozzle diameter not reported by printer yet")
	ErrInvalidTray   = errors.New("invalid tray id")
	ErrQueueFull     = errors.New("outgoing command queue full")
)

// Calibration is one pressure advance profile of the printer
type Calibration struct {
	FilamentID string  `json:"filament_id"`
	KValue     string  `json:"k_value"`
	NCoef      float64 `json:"n_coef"`
	SettingID  string  `json:"setting_id"`
	Name       string  `json:"name"`
	CaliIdx    int     `json:"cali_idx"`
}

func calibrationFromRecord(r CalibrationRecord) Calibration {
	nCoef, err := strconv.ParseFloat(strings.TrimSpace(r.NCoef), 64)
	if err != nil {
		nCoef = -1
	}
	return Calibration{
		FilamentID: r.FilamentID,
		KValue:     r.KValue,
		NCoef:      nCoef,
		SettingID:  r.SettingID,
		Name:       r.Name,
		CaliIdx:    r.CaliIdx,
	}
}

// CalibrationTables holds the printer calibrations keyed by nozzle diameter, then cali_idx
type CalibrationTables map[string]map[int]Calibration

// Lookup finds the calibration with caliIdx in the table of a nozzle diameter
func (c CalibrationTables) Lookup(nozzleDiameter string, caliIdx int) (Calibration, bool) {
	cal, ok := c[nozzleDiameter][caliIdx]
	return cal, ok
}

// Clone returns a deep copy
func (c CalibrationTables) Clone() CalibrationTables {
	out := make(CalibrationTables, len(c))
	for nozzle, table := range c {
		out[nozzle] = maps.Clone(table)
	}
	return out
}

// FilamentInfo identifies the filament on a spool
type FilamentInfo struct {
	TrayInfoIdx   string                 `json:"tray_info_idx"`
	TrayType      string                 `json:"tray_type"`
	TrayColor     string                 `json:"tray_color"`
	NozzleTempMin int                    `json:"nozzle_temp_min"`
	NozzleTempMax int                    `json:"nozzle_temp_max"`
	Calibrations  map[string]Calibration `json:"calibrations"`
}

// Clone returns a deep copy; nil stays nil
func (f *FilamentInfo) Clone() *FilamentInfo {
	if f == nil {
		return nil
	}
	c := *f
	c.Calibrations = maps.Clone(f.Calibrations)
	if c.Calibrations == nil {
		c.Calibrations = map[string]Calibration{}
	}
	return &c
}

// Equal compares two filaments, nil meaning unknown
func (f *FilamentInfo) Equal(o *FilamentInfo) bool {
	if f == nil || o == nil {
		return f == nil && o == nil
	}
	return f.TrayInfoIdx == o.TrayInfoIdx &&
		f.TrayType == o.TrayType &&
		f.TrayColor == o.TrayColor &&
		f.NozzleTempMin == o.NozzleTempMin &&
		f.NozzleTempMax == o.NozzleTempMax &&
		maps.Equal(f.Calibrations, o.Calibrations)
}

func (f *FilamentInfo) setCalibration(nozzleDiameter string, cal Calibration) {
	if f.Calibrations == nil {
		f.Calibrations = map[string]Calibration{}
	}
	f.Calibrations[nozzleDiameter] = cal
}

// Tray is one filament slot. A nil Filament means the filament is unknown. K is a
// calibrated value ("0.020") or a raw one from the printer in parens ("(0.020)").
type Tray struct {
	State    TrayState     `json:"state"`
	Filament *FilamentInfo `json:"filament,omitempty"`
	K        *string       `json:"k,omitempty"`
	CaliIdx  *int          `json:"cali_idx,omitempty"`
}

// UnknownTray is the state of every slot before the printer reports anything
func UnknownTray() Tray {
	return Tray{State: TrayUnknown}
}

func (t Tray) Clone() Tray {
	c := t
	c.Filament = t.Filament.Clone()
	if t.K != nil {
		k := *t.K
		c.K = &k
	}
	if t.CaliIdx != nil {
		idx := *t.CaliIdx
		c.CaliIdx = &idx
	}
	return c
}

func (t Tray) Equal(o Tray) bool {
	return t.State == o.State &&
		t.Filament.Equal(o.Filament) &&
		ptrEqual(t.K, o.K) &&
		ptrEqual(t.CaliIdx, o.CaliIdx)
}

func ptrEqual[T comparable](a, b *T) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

// BitFlags is a per-tray bitset that stays unknown until the printer first reports it
type BitFlags struct {
	value uint32
	known bool
}

func KnownBits(v uint32) BitFlags {
	return BitFlags{value: v, known: true}
}

func (b BitFlags) Known() bool   { return b.known }
func (b BitFlags) Value() uint32 { return b.value }

// IsSet reports whether bit i is set; unknown flags have no bits set
func (b BitFlags) IsSet(i int) bool {
	return b.known && i >= 0 && i < 32 && (b.value>>uint(i))&1 != 0
}

func (b BitFlags) MarshalJSON() ([]byte, error) {
	if !b.known {
		return []byte("null"), nil
	}
	return json.Marshal(b.value)
}

func parseBits(s string, base int) (BitFlags, bool) {
	v, err := strconv.ParseUint(strings.TrimSpace(s), base, 32)
	if err != nil {
		return BitFlags{}, false
	}
	return KnownBits(uint32(v)), true
}

func formatRawK(k float64) string {
	return fmt.Sprintf("(%.3f)", k)
}

// CommandPublisher sends a serialized command to the printer. It must not block and
// reports false when the command was dropped.
type CommandPublisher interface {
	Publish(payload []byte) bool
}

// ChangeSet describes the outcome of ProcessMessage for the follow-up Notify call
type ChangeSet struct {
	Changed         bool
	PrevReadingBits BitFlags
	NewReadingBits  BitFlags
}

// NewlyReadingTrays returns the AMS trays whose reading bit went from 0 to 1
func (c ChangeSet) NewlyReadingTrays() []int {
	if !c.NewReadingBits.Known() {
		return nil
	}
	var trays []int
	for trayID := 0; trayID < AMSTrayCount; trayID++ {
		if !c.PrevReadingBits.IsSet(trayID) && c.NewReadingBits.IsSet(trayID) {
			trays = append(trays, trayID)
		}
	}
	return trays
}

// Printer is the state model of one printer session. It is owned by a single goroutine
// (see PrinterSession); nothing here is safe for concurrent use.
type Printer struct {
	publisher CommandPublisher
	events    *Bus[TraysUpdate]
	logger    *log.Entry

	nozzleDiameter string
	amsTrays       [AMSTrayCount]Tray
	virtTray       Tray

	amsExistBits     BitFlags
	trayExistBits    BitFlags
	trayReadDoneBits BitFlags
	trayReadingBits  BitFlags
	trayNow          string
	trayTar          string

	calibrations CalibrationTables
}

// NewPrinter creates the state model with every tray unknown
func NewPrinter(publisher CommandPublisher, events *Bus[TraysUpdate]) *Printer {
	p := &Printer{
		publisher:    publisher,
		events:       events,
		logger:       log.WithField("component", "printer"),
		virtTray:     UnknownTray(),
		calibrations: CalibrationTables{},
	}
	for i := range p.amsTrays {
		p.amsTrays[i] = UnknownTray()
	}
	return p
}

// ProcessMessage applies one report to the state. It never notifies observers; the
// caller passes the returned ChangeSet to Notify once it is done with the printer.
func (p *Printer) ProcessMessage(msg *PrintData) (bool, ChangeSet) {
	cs := ChangeSet{PrevReadingBits: p.trayReadingBits}
	if msg == nil {
		return false, cs
	}
	if seq := msg.Sequence(); seq != "" {
		p.logger.Debugf("-> %s message %s", msg.Command, seq)
	}

	var changed bool
	switch msg.Command {
	case CommandPushStatus:
		changed = p.processPushStatus(msg)
	case CommandAMSFilamentSetting:
		changed = p.processFilamentSetting(msg)
	case CommandExtrusionCaliSet, CommandExtrusionCaliDel:
		if msg.NozzleDiameter != nil {
			p.FetchCalibrations(*msg.NozzleDiameter)
		}
	case CommandExtrusionCaliSel:
		changed = p.processCaliSel(msg)
	case CommandExtrusionCaliGet:
		changed = p.processCaliGet(msg)
	}

	cs.Changed = changed
	cs.NewReadingBits = p.trayReadingBits
	return changed, cs
}

// Notify publishes the tray update of a ChangeSet to subscribers
func (p *Printer) Notify(cs ChangeSet) {
	if p.events == nil {
		return
	}
	p.events.Publish(TraysUpdate{
		Snapshot:        p.Snapshot(),
		PrevReadingBits: cs.PrevReadingBits,
		NewReadingBits:  cs.NewReadingBits,
		NewlyReading:    cs.NewlyReadingTrays(),
	})
}

func (p *Printer) processPushStatus(msg *PrintData) bool {
	changed := false
	if msg.NozzleDiameter != nil && *msg.NozzleDiameter != p.nozzleDiameter {
		p.nozzleDiameter = *msg.NozzleDiameter
		if _, ok := p.calibrations[p.nozzleDiameter]; !ok {
			p.FetchCalibrations(p.nozzleDiameter)
		}
		p.refreshTrayCalibrations()
		changed = true
	}
	if msg.AMS != nil {
		changed = p.processAMS(msg.AMS) || changed
	}
	if msg.VTTray != nil {
		changed = p.processVTTray(msg.VTTray) || changed
	}
	return changed
}

func (p *Printer) updateBits(dst *BitFlags, raw *string, base int, name string) bool {
	if raw == nil {
		return false
	}
	bits, ok := parseBits(*raw, base)
	if !ok {
		p.logger.Warnf("Ignoring unparsable %s %q", name, *raw)
		return false
	}
	if *dst == bits {
		return false
	}
	*dst = bits
	return true
}

func (p *Printer) processAMS(ams *PrintAMS) bool {
	changed := p.updateBits(&p.amsExistBits, ams.AMSExistBits, 10, "ams_exist_bits")
	changed = p.updateBits(&p.trayExistBits, ams.TrayExistBits, 16, "tray_exist_bits") || changed
	changed = p.updateBits(&p.trayReadDoneBits, ams.TrayReadDoneBits, 16, "tray_read_done_bits") || changed
	changed = p.updateBits(&p.trayReadingBits, ams.TrayReadingBits, 16, "tray_reading_bits") || changed
	if ams.TrayNow != nil && *ams.TrayNow != p.trayNow {
		p.trayNow = *ams.TrayNow
		changed = true
	}
	if ams.TrayTar != nil && *ams.TrayTar != p.trayTar {
		p.trayTar = *ams.TrayTar
		changed = true
	}

	for trayID := 0; trayID < AMSTrayCount; trayID++ {
		newTray, ok := p.updatedAMSTray(p.amsTrays[trayID], findTrayFragment(ams.AMS, trayID), trayID)
		if !ok {
			continue
		}
		newTray.State = p.loadState(newTray.State, trayID)
		if !newTray.Equal(p.amsTrays[trayID]) {
			p.amsTrays[trayID] = newTray
			changed = true
		}
	}

	// tray_now may have moved onto or away from the external spool
	if state := p.loadState(p.virtTray.State, ExternalTrayID); state != p.virtTray.State {
		p.virtTray.State = state
		changed = true
	}
	return changed
}

func findTrayFragment(units []PrintAMSUnit, trayID int) *PrintTray {
	amsID := strconv.Itoa(trayID / TraysPerAMS)
	slot := trayID % TraysPerAMS
	for i := range units {
		if units[i].ID != amsID {
			continue
		}
		for j := range units[i].Tray {
			tray := &units[i].Tray[j]
			if tray.ID.Valid && tray.ID.Value == slot {
				return tray
			}
		}
	}
	return nil
}

// updatedAMSTray reconciles one AMS slot. It returns false when the slot must be left
// untouched because the update fragment was rejected as junk.
func (p *Printer) updatedAMSTray(old Tray, update *PrintTray, trayID int) (Tray, bool) {
	if !p.trayExistBits.Known() {
		return UnknownTray(), true
	}

	if !p.trayExistBits.IsSet(trayID) {
		// the printer clears the slot content on removal; keep the last known filament
		t := old.Clone()
		t.State = TrayEmpty
		return t, true
	}

	t, ok, err := p.trayFromUpdate(update)
	if err != nil {
		return Tray{}, false
	}
	if !ok {
		t = old.Clone()
	}
	t.State = TraySpool
	if p.trayReadingBits.IsSet(trayID) {
		t.State = TrayReading
	}
	if p.trayReadDoneBits.IsSet(trayID) {
		t.State = TrayReady
	}
	return t, true
}

func isJunkFragment(trayType, trayInfoIdx, trayColor string) bool {
	return strings.HasSuffix(trayType, junkSuffix) ||
		strings.HasSuffix(trayColor, junkSuffix) ||
		strings.HasPrefix(trayInfoIdx, junkPrefix)
}

// trayFromUpdate turns a tray fragment into a tray. ok is false when the fragment does
// not carry filament data; err is set when the fragment is junk.
func (p *Printer) trayFromUpdate(update *PrintTray) (Tray, bool, error) {
	if update == nil || update.TrayType == nil || update.TrayInfoIdx == nil || update.TrayColor == nil {
		return Tray{}, false, nil
	}
	trayType, trayInfoIdx, trayColor := *update.TrayType, *update.TrayInfoIdx, *update.TrayColor
	if isJunkFragment(trayType, trayInfoIdx, trayColor) {
		p.logger.Warnf("Rejecting junk tray fragment (type %q, info idx %q, color %q)", trayType, trayInfoIdx, trayColor)
		return Tray{}, false, fmt.Errorf("junk tray fragment")
	}

	var t Tray
	if trayType != "" {
		t.Filament = &FilamentInfo{
			TrayInfoIdx:   trayInfoIdx,
			TrayType:      trayType,
			TrayColor:     trayColor,
			NozzleTempMin: update.NozzleTempMin.Int(DefaultNozzleTempMin),
			NozzleTempMax: update.NozzleTempMax.Int(DefaultNozzleTempMax),
			Calibrations:  map[string]Calibration{},
		}
	}
	if update.CaliIdx.Valid {
		idx := update.CaliIdx.Value
		t.CaliIdx = &idx
	}
	if update.K != nil {
		k := formatRawK(*update.K)
		t.K = &k
	}
	p.deriveK(&t)
	return t, true, nil
}

// deriveK resolves the tray's k from its cali_idx and the current nozzle's table and
// refreshes the calibration copy in its filament. Without a match the existing k is
// kept but marked unresolved.
func (p *Printer) deriveK(t *Tray) {
	if t.CaliIdx == nil || p.nozzleDiameter == "" {
		return
	}
	cal, ok := p.calibrations.Lookup(p.nozzleDiameter, *t.CaliIdx)
	if !ok {
		if t.Filament != nil {
			delete(t.Filament.Calibrations, p.nozzleDiameter)
		}
		if t.K != nil && !strings.HasPrefix(*t.K, "(") {
			k := "(" + *t.K + ")"
			t.K = &k
		}
		return
	}
	k := cal.KValue
	t.K = &k
	if t.Filament != nil {
		t.Filament.setCalibration(p.nozzleDiameter, cal)
	}
}

func (p *Printer) refreshTrayCalibrations() {
	for i := range p.amsTrays {
		t := p.amsTrays[i].Clone()
		p.deriveK(&t)
		p.amsTrays[i] = t
	}
	t := p.virtTray.Clone()
	p.deriveK(&t)
	p.virtTray = t
}

// loadState overlays the extruder load progress on a ready tray
func (p *Printer) loadState(state TrayState, trayID int) TrayState {
	switch state {
	case TrayReady, TrayLoading, TrayUnloading, TrayLoaded:
	default:
		return state
	}
	id := strconv.Itoa(trayID)
	targetIsOther := p.trayTar != "" && p.trayTar != NoTrayLoaded && p.trayTar != id
	switch {
	case p.trayTar == id && p.trayNow != id:
		return TrayLoading
	case p.trayNow == id && targetIsOther:
		return TrayUnloading
	case p.trayNow == id:
		return TrayLoaded
	}
	return TrayReady
}

func (p *Printer) processVTTray(update *PrintTray) bool {
	t, ok, err := p.trayFromUpdate(update)
	if err != nil {
		return false
	}
	switch {
	case !ok:
		t = UnknownTray()
	case t.Filament == nil:
		t.State = TrayEmpty
	default:
		t.State = TrayReady
	}
	t.State = p.loadState(t.State, ExternalTrayID)
	if t.Equal(p.virtTray) {
		return false
	}
	p.virtTray = t
	return true
}

func (p *Printer) processFilamentSetting(msg *PrintData) bool {
	if !msg.TrayID.Valid {
		return false
	}
	var filament *FilamentInfo
	if msg.TrayInfoIdx != nil && *msg.TrayInfoIdx != "" {
		filament = &FilamentInfo{
			TrayInfoIdx:   *msg.TrayInfoIdx,
			TrayType:      deref(msg.TrayType),
			TrayColor:     deref(msg.TrayColor),
			NozzleTempMin: msg.NozzleTempMin.Int(DefaultNozzleTempMin),
			NozzleTempMax: msg.NozzleTempMax.Int(DefaultNozzleTempMax),
			Calibrations:  map[string]Calibration{},
		}
	}

	trayID := msg.TrayID.Value
	if trayID != ExternalTrayID {
		amsID := msg.AMSID.Int(-1)
		if amsID < 0 || amsID >= AMSTrayCount/TraysPerAMS || trayID < 0 || trayID >= TraysPerAMS {
			p.logger.Warnf("Ignoring %s for ams %d tray %d", msg.Command, amsID, trayID)
			return false
		}
		trayID = amsID*TraysPerAMS + trayID
	}
	tray := p.trayRef(trayID)
	if tray == nil {
		p.logger.Warnf("Ignoring %s for unknown tray %d", msg.Command, trayID)
		return false
	}
	if tray.Filament.Equal(filament) {
		return false
	}
	tray.Filament = filament
	return true
}

func (p *Printer) processCaliSel(msg *PrintData) bool {
	if msg.NozzleDiameter == nil || !msg.TrayID.Valid || !msg.CaliIdx.Valid {
		return false
	}
	tray := p.trayRef(msg.TrayID.Value)
	if tray == nil {
		return false
	}

	t := tray.Clone()
	caliIdx := msg.CaliIdx.Value
	if caliIdx == -1 {
		t.CaliIdx = nil
	} else {
		t.CaliIdx = &caliIdx
	}
	k := formatRawK(DefaultRawK)
	if cal, ok := p.calibrations.Lookup(*msg.NozzleDiameter, caliIdx); ok {
		k = cal.KValue
	}
	t.K = &k
	if t.CaliIdx != nil && t.Filament != nil && p.nozzleDiameter != "" {
		if cal, ok := p.calibrations.Lookup(p.nozzleDiameter, *t.CaliIdx); ok {
			t.Filament.setCalibration(p.nozzleDiameter, cal)
		}
	}

	if t.Equal(*tray) {
		return false
	}
	*tray = t
	return true
}

func (p *Printer) processCaliGet(msg *PrintData) bool {
	// the request echo carries no filament list and is skipped
	if msg.NozzleDiameter == nil || msg.Filaments == nil {
		return false
	}
	nozzle, filamentID := *msg.NozzleDiameter, deref(msg.FilamentID)

	table := p.calibrations[nozzle]
	if table == nil {
		table = map[int]Calibration{}
		p.calibrations[nozzle] = table
	}
	if filamentID == "" {
		clear(table)
	} else {
		maps.DeleteFunc(table, func(_ int, cal Calibration) bool {
			return cal.FilamentID == filamentID
		})
	}
	for _, record := range msg.Filaments {
		table[record.CaliIdx] = calibrationFromRecord(record)
	}
	p.logger.Debugf("Calibration table for nozzle %s now has %d entries", nozzle, len(table))

	p.refreshTrayCalibrations()
	return true
}

func (p *Printer) trayRef(trayID int) *Tray {
	switch {
	case trayID == ExternalTrayID:
		return &p.virtTray
	case trayID >= 0 && trayID < AMSTrayCount:
		return &p.amsTrays[trayID]
	}
	return nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

// NozzleDiameter returns the current nozzle diameter, "" until the printer reports it
func (p *Printer) NozzleDiameter() string {
	return p.nozzleDiameter
}

// Tray returns a copy of a tray by global id (0-15 or 254)
func (p *Printer) Tray(trayID int) (Tray, bool) {
	t := p.trayRef(trayID)
	if t == nil {
		return Tray{}, false
	}
	return t.Clone(), true
}

// Calibrations returns a copy of the calibration tables
func (p *Printer) Calibrations() CalibrationTables {
	return p.calibrations.Clone()
}

// FilamentCalibration returns the filament's calibration for the current nozzle
func (p *Printer) FilamentCalibration(f *FilamentInfo) (Calibration, bool) {
	if f == nil || p.nozzleDiameter == "" {
		return Calibration{}, false
	}
	cal, ok := f.Calibrations[p.nozzleDiameter]
	return cal, ok
}

// FilamentK returns the filament's k for the current nozzle, "" when it has none
func (p *Printer) FilamentK(f *FilamentInfo) string {
	if cal, ok := p.FilamentCalibration(f); ok {
		return cal.KValue
	}
	return ""
}

func (p *Printer) publish(cmd any) bool {
	if p.publisher == nil {
		return false
	}
	payload, err := json.Marshal(cmd)
	if err != nil {
		p.logger.Errorf("Failed to marshal command: %v", err)
		return false
	}
	if !p.publisher.Publish(payload) {
		p.logger.Warnf("Dropped command, outgoing queue full: %s", payload)
		return false
	}
	p.logger.Debugf("<- %s", payload)
	return true
}

// RequestFullUpdate asks the printer to resend its complete state
func (p *Printer) RequestFullUpdate() bool {
	return p.publish(NewPushAllCommand())
}

// FetchCalibrations requests the calibration table of a nozzle diameter. The answer
// arrives later as an extrusion_cali_get report.
func (p *Printer) FetchCalibrations(nozzleDiameter string) bool {
	return p.publish(NewExtrusionCaliGetCommand(nozzleDiameter))
}

// InitialFetch requests the calibration tables of the common nozzle sizes and a full
// state dump. The table of the actual nozzle is requested again once it is reported.
func (p *Printer) InitialFetch() {
	for _, nozzle := range initialNozzleDiameters {
		p.FetchCalibrations(nozzle)
	}
	p.RequestFullUpdate()
}

// SetTrayFilament assigns a filament to a tray on the printer and selects the matching
// calibration, or none when the printer no longer has it.
func (p *Printer) SetTrayFilament(trayID int, f *FilamentInfo) error {
	if f == nil {
		return fmt.Errorf("no filament to assign to tray %d", trayID)
	}
	if p.nozzleDiameter == "" {
		return ErrNozzleUnknown
	}

	var amsID, amsTrayID int
	switch {
	case trayID == ExternalTrayID:
		amsID, amsTrayID = ExternalAMSID, ExternalTrayID
	case trayID >= 0 && trayID < AMSTrayCount:
		amsID, amsTrayID = trayID/TraysPerAMS, trayID%TraysPerAMS
	default:
		return fmt.Errorf("%w: %d", ErrInvalidTray, trayID)
	}

	var settingID *string
	caliIdx := -1
	if cal, ok := p.FilamentCalibration(f); ok {
		s := cal.SettingID
		settingID = &s
		if _, ok := p.calibrations.Lookup(p.nozzleDiameter, cal.CaliIdx); ok {
			caliIdx = cal.CaliIdx
		}
	}

	if !p.publish(NewAMSFilamentSettingCommand(amsID, amsTrayID, f, settingID)) {
		return ErrQueueFull
	}
	if !p.publish(NewExtrusionCaliSelCommand(p.nozzleDiameter, trayID, f.TrayInfoIdx, caliIdx)) {
		return ErrQueueFull
	}
	return nil
}

// PrinterSnapshot is a read-only copy of the printer state
type PrinterSnapshot struct {
	NozzleDiameter   string             `json:"nozzle_diameter"`
	AMSUnits         []int              `json:"ams_units"`
	AMSTrays         [AMSTrayCount]Tray `json:"ams_trays"`
	ExternalTray     Tray               `json:"external_tray"`
	AMSExistBits     BitFlags           `json:"ams_exist_bits"`
	TrayExistBits    BitFlags           `json:"tray_exist_bits"`
	TrayReadDoneBits BitFlags           `json:"tray_read_done_bits"`
	TrayReadingBits  BitFlags           `json:"tray_reading_bits"`
	TrayNow          string             `json:"tray_now,omitempty"`
	TrayTar          string             `json:"tray_tar,omitempty"`
	TakenAt          time.Time          `json:"taken_at"`
}

// Tray returns a tray of the snapshot by global id
func (s *PrinterSnapshot) Tray(trayID int) (Tray, bool) {
	switch {
	case trayID == ExternalTrayID:
		return s.ExternalTray, true
	case trayID >= 0 && trayID < AMSTrayCount:
		return s.AMSTrays[trayID], true
	}
	return Tray{}, false
}

// Snapshot copies the current state for readers outside the owner goroutine
func (p *Printer) Snapshot() *PrinterSnapshot {
	s := &PrinterSnapshot{
		NozzleDiameter:   p.nozzleDiameter,
		AMSUnits:         []int{},
		ExternalTray:     p.virtTray.Clone(),
		AMSExistBits:     p.amsExistBits,
		TrayExistBits:    p.trayExistBits,
		TrayReadDoneBits: p.trayReadDoneBits,
		TrayReadingBits:  p.trayReadingBits,
		TrayNow:          p.trayNow,
		TrayTar:          p.trayTar,
		TakenAt:          time.Now(),
	}
	for i := range p.amsTrays {
		s.AMSTrays[i] = p.amsTrays[i].Clone()
	}
	for amsID := 0; amsID < AMSTrayCount/TraysPerAMS; amsID++ {
		if p.amsExistBits.IsSet(amsID) {
			s.AMSUnits = append(s.AMSUnits, amsID)
		}
	}
	return s
}
