package main

import (
	"encoding/json"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakePublisher records published commands
type fakePublisher struct {
	mu       sync.Mutex
	payloads [][]byte
	reject   bool
}

func (f *fakePublisher) Publish(payload []byte) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.reject {
		return false
	}
	f.payloads = append(f.payloads, payload)
	return true
}

// commands returns the "print" (or "pushing") section of every published command
func (f *fakePublisher) commands(t *testing.T) []map[string]any {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []map[string]any
	for _, payload := range f.payloads {
		var envelope map[string]map[string]any
		require.NoError(t, json.Unmarshal(payload, &envelope))
		for _, section := range envelope {
			out = append(out, section)
		}
	}
	return out
}

func (f *fakePublisher) reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.payloads = nil
}

func process(t *testing.T, p *Printer, payload string) (bool, ChangeSet) {
	t.Helper()
	msg, err := ParsePrintMessage([]byte(payload))
	require.NoError(t, err)
	return p.ProcessMessage(msg)
}

const initialStatus = `{"print":{"command":"push_status","sequence_id":"42","nozzle_diameter":"0.4",
	"ams":{"ams_exist_bits":"1","tray_exist_bits":"3","tray_read_done_bits":"3","tray_reading_bits":"0","tray_now":"255","tray_tar":"255",
	"ams":[{"id":"0","tray":[
		{"id":"0","tray_type":"PLA","tray_info_idx":"GFA00","tray_color":"FF0000FF","nozzle_temp_min":"190","nozzle_temp_max":"230","cali_idx":3,"k":0.02},
		{"id":"1"}
	]}]}}}`

func newScenarioPrinter(t *testing.T) (*Printer, *fakePublisher) {
	t.Helper()
	pub := &fakePublisher{}
	p := NewPrinter(pub, nil)
	changed, _ := process(t, p, initialStatus)
	require.True(t, changed)
	return p, pub
}

func TestNewPrinterIsUnknown(t *testing.T) {
	p := NewPrinter(nil, nil)
	assert.Equal(t, "", p.NozzleDiameter())
	for _, id := range []int{0, 7, 15, ExternalTrayID} {
		tray, ok := p.Tray(id)
		require.True(t, ok)
		assert.Equal(t, TrayUnknown, tray.State)
		assert.Nil(t, tray.Filament)
	}
	_, ok := p.Tray(16)
	assert.False(t, ok)
}

func TestPushStatusPopulatesTrays(t *testing.T) {
	p, pub := newScenarioPrinter(t)

	assert.Equal(t, "0.4", p.NozzleDiameter())

	tray0, _ := p.Tray(0)
	assert.Equal(t, TrayReady, tray0.State)
	require.NotNil(t, tray0.Filament)
	assert.Equal(t, "PLA", tray0.Filament.TrayType)
	assert.Equal(t, "GFA00", tray0.Filament.TrayInfoIdx)
	assert.Equal(t, 190, tray0.Filament.NozzleTempMin)
	assert.Equal(t, 230, tray0.Filament.NozzleTempMax)
	require.NotNil(t, tray0.K)
	assert.Equal(t, "(0.020)", *tray0.K, "no calibration known yet, raw k is shown")
	require.NotNil(t, tray0.CaliIdx)
	assert.Equal(t, 3, *tray0.CaliIdx)

	tray1, _ := p.Tray(1)
	assert.Equal(t, TrayReady, tray1.State)
	assert.Nil(t, tray1.Filament)

	for id := 2; id < AMSTrayCount; id++ {
		tray, _ := p.Tray(id)
		assert.Equal(t, TrayEmpty, tray.State, "tray %d", id)
	}

	ext, _ := p.Tray(ExternalTrayID)
	assert.Equal(t, TrayUnknown, ext.State)

	cmds := pub.commands(t)
	require.Len(t, cmds, 1)
	assert.Equal(t, CommandExtrusionCaliGet, cmds[0]["command"])
	assert.Equal(t, "0.4", cmds[0]["nozzle_diameter"])
}

func TestProcessMessageIsIdempotent(t *testing.T) {
	p, pub := newScenarioPrinter(t)
	pub.reset()

	before := p.Snapshot()
	changed, _ := process(t, p, initialStatus)
	assert.False(t, changed)
	after := p.Snapshot()
	assert.Equal(t, before.AMSTrays, after.AMSTrays)
	assert.Empty(t, pub.commands(t))
}

func TestRemovedTrayKeepsFilament(t *testing.T) {
	p, _ := newScenarioPrinter(t)

	changed, _ := process(t, p, `{"print":{"command":"push_status","ams":{"tray_exist_bits":"2","ams":[{"id":"0","tray":[{"id":"0","tray_type":"","tray_info_idx":"","tray_color":"FFFFFFFF"}]}]}}}`)
	require.True(t, changed)

	tray0, _ := p.Tray(0)
	assert.Equal(t, TrayEmpty, tray0.State)
	require.NotNil(t, tray0.Filament)
	assert.Equal(t, "PLA", tray0.Filament.TrayType)
}

func TestExistBitsGateTrayContent(t *testing.T) {
	p := NewPrinter(&fakePublisher{}, nil)

	changed, _ := process(t, p, `{"print":{"command":"push_status","nozzle_diameter":"0.4",
		"ams":{"ams_exist_bits":"1","tray_read_done_bits":"1","tray_reading_bits":"0",
		"ams":[{"id":"0","tray":[{"id":"0","tray_type":"PLA","tray_info_idx":"GFA00","tray_color":"FF0000FF"}]}]}}}`)
	assert.True(t, changed)

	for i := 0; i < AMSTrayCount; i++ {
		tray, ok := p.Tray(i)
		require.True(t, ok)
		assert.Equal(t, TrayUnknown, tray.State, "tray %d", i)
		assert.Nil(t, tray.Filament, "tray %d", i)
	}
}

func TestJunkFragmentIsIgnored(t *testing.T) {
	p, _ := newScenarioPrinter(t)

	changed, _ := process(t, p, `{"print":{"command":"push_status","ams":{"ams":[{"id":"0","tray":[
		{"id":"0","tray_type":"PLA","tray_info_idx":"GFA00","tray_color":"FF000000","nozzle_temp_min":"190","nozzle_temp_max":"230"}]}]}}}`)
	assert.False(t, changed)

	tray0, _ := p.Tray(0)
	require.NotNil(t, tray0.Filament)
	assert.Equal(t, "FF0000FF", tray0.Filament.TrayColor)
}

func TestUnparsableBitsAreIgnored(t *testing.T) {
	p, _ := newScenarioPrinter(t)

	changed, _ := process(t, p, `{"print":{"command":"push_status","ams":{"tray_exist_bits":"zz"}}}`)
	assert.False(t, changed)
	assert.Equal(t, uint32(3), p.Snapshot().TrayExistBits.Value())
}

func TestCaliGetDerivesK(t *testing.T) {
	p, _ := newScenarioPrinter(t)

	changed, _ := process(t, p, `{"print":{"command":"extrusion_cali_get","nozzle_diameter":"0.4","filament_id":"","filaments":[
		{"filament_id":"GFA00","name":"PLA fast","k_value":"0.025","n_coef":"1.4","setting_id":"PFUS1","cali_idx":3},
		{"filament_id":"GFB00","name":"ABS","k_value":"0.030","n_coef":"1.4","setting_id":"PFUS9","cali_idx":4}]}}`)
	require.True(t, changed)

	tray0, _ := p.Tray(0)
	require.NotNil(t, tray0.K)
	assert.Equal(t, "0.025", *tray0.K)
	cal, ok := p.FilamentCalibration(tray0.Filament)
	require.True(t, ok)
	assert.Equal(t, "PLA fast", cal.Name)
	assert.Equal(t, 1.4, cal.NCoef)
	assert.Equal(t, "0.025", p.FilamentK(tray0.Filament))

	// a filtered answer replaces only the entries of that filament
	changed, _ = process(t, p, `{"print":{"command":"extrusion_cali_get","nozzle_diameter":"0.4","filament_id":"GFA00","filaments":[
		{"filament_id":"GFA00","name":"PLA slow","k_value":"0.040","n_coef":"x","setting_id":"PFUS1","cali_idx":6}]}}`)
	require.True(t, changed)

	tables := p.Calibrations()
	require.Len(t, tables["0.4"], 2)
	assert.Equal(t, "ABS", tables["0.4"][4].Name)
	assert.Equal(t, -1.0, tables["0.4"][6].NCoef)

	tray0, _ = p.Tray(0)
	assert.Equal(t, "(0.025)", *tray0.K, "k stays but is marked unresolved when the index is gone")
	_, ok = p.FilamentCalibration(tray0.Filament)
	assert.False(t, ok)
}

func TestCaliGetEchoIsSkipped(t *testing.T) {
	p, _ := newScenarioPrinter(t)
	changed, _ := process(t, p, `{"print":{"command":"extrusion_cali_get","nozzle_diameter":"0.4","filament_id":""}}`)
	assert.False(t, changed)
}

func TestCaliGetWithoutFilamentIDClearsTable(t *testing.T) {
	p, _ := newScenarioPrinter(t)
	process(t, p, `{"print":{"command":"extrusion_cali_get","nozzle_diameter":"0.4","filament_id":"","filaments":[
		{"filament_id":"GFA00","name":"PLA fast","k_value":"0.025","n_coef":"1.4","setting_id":"PFUS1","cali_idx":3}]}}`)
	require.Len(t, p.Calibrations()["0.4"], 1)

	changed, _ := process(t, p, `{"print":{"command":"extrusion_cali_get","nozzle_diameter":"0.4","filaments":[]}}`)
	require.True(t, changed)
	assert.Empty(t, p.Calibrations()["0.4"])

	tray0, _ := p.Tray(0)
	require.NotNil(t, tray0.K)
	assert.Equal(t, "(0.025)", *tray0.K)
}

func TestCaliSetRefetchesTable(t *testing.T) {
	p, pub := newScenarioPrinter(t)
	pub.reset()

	changed, _ := process(t, p, `{"print":{"command":"extrusion_cali_set","nozzle_diameter":"0.6"}}`)
	assert.False(t, changed)
	cmds := pub.commands(t)
	require.Len(t, cmds, 1)
	assert.Equal(t, CommandExtrusionCaliGet, cmds[0]["command"])
	assert.Equal(t, "0.6", cmds[0]["nozzle_diameter"])
}

func TestCaliSel(t *testing.T) {
	p, _ := newScenarioPrinter(t)
	process(t, p, `{"print":{"command":"extrusion_cali_get","nozzle_diameter":"0.4","filament_id":"","filaments":[
		{"filament_id":"GFA00","name":"PLA fast","k_value":"0.025","n_coef":"1.4","setting_id":"PFUS1","cali_idx":5}]}}`)

	changed, _ := process(t, p, `{"print":{"command":"extrusion_cali_sel","nozzle_diameter":"0.4","tray_id":0,"cali_idx":5}}`)
	require.True(t, changed)
	tray0, _ := p.Tray(0)
	assert.Equal(t, 5, *tray0.CaliIdx)
	assert.Equal(t, "0.025", *tray0.K)
	assert.Equal(t, "0.025", p.FilamentK(tray0.Filament))

	changed, _ = process(t, p, `{"print":{"command":"extrusion_cali_sel","nozzle_diameter":"0.4","tray_id":"0","cali_idx":"-1"}}`)
	require.True(t, changed)
	tray0, _ = p.Tray(0)
	assert.Nil(t, tray0.CaliIdx)
	assert.Equal(t, "(0.020)", *tray0.K)
}

func TestFilamentSetting(t *testing.T) {
	p, _ := newScenarioPrinter(t)
	msg := `{"print":{"command":"ams_filament_setting","ams_id":0,"tray_id":1,"tray_info_idx":"GFB00","tray_type":"ABS","tray_color":"00FF00FF","nozzle_temp_min":240,"nozzle_temp_max":270}}`

	changed, _ := process(t, p, msg)
	require.True(t, changed)
	tray1, _ := p.Tray(1)
	require.NotNil(t, tray1.Filament)
	assert.Equal(t, "ABS", tray1.Filament.TrayType)
	assert.Equal(t, 240, tray1.Filament.NozzleTempMin)
	assert.Equal(t, TrayReady, tray1.State)

	changed, _ = process(t, p, msg)
	assert.False(t, changed)

	changed, _ = process(t, p, `{"print":{"command":"ams_filament_setting","ams_id":255,"tray_id":254,"tray_info_idx":"GFG00","tray_type":"PETG","tray_color":"FFFFFFFF"}}`)
	require.True(t, changed)
	ext, _ := p.Tray(ExternalTrayID)
	require.NotNil(t, ext.Filament)
	assert.Equal(t, "PETG", ext.Filament.TrayType)
	assert.Equal(t, DefaultNozzleTempMin, ext.Filament.NozzleTempMin)
	assert.Equal(t, TrayUnknown, ext.State)

	changed, _ = process(t, p, `{"print":{"command":"ams_filament_setting","ams_id":0,"tray_id":9,"tray_info_idx":"GFB00"}}`)
	assert.False(t, changed)

	for _, amsID := range []string{"4", "-1", "4611686018427387904"} {
		changed, _ = process(t, p, `{"print":{"command":"ams_filament_setting","ams_id":`+amsID+`,"tray_id":0,"tray_info_idx":"GFX","tray_type":"ABS","tray_color":"000000FF"}}`)
		assert.False(t, changed, "ams_id %s", amsID)
	}
	tray0, _ := p.Tray(0)
	require.NotNil(t, tray0.Filament)
	assert.Equal(t, "GFA00", tray0.Filament.TrayInfoIdx)
	assert.Equal(t, "PLA", tray0.Filament.TrayType)
}

func TestLoadOverlay(t *testing.T) {
	p, _ := newScenarioPrinter(t)

	process(t, p, `{"print":{"command":"push_status","ams":{"tray_now":"255","tray_tar":"0"}}}`)
	tray0, _ := p.Tray(0)
	assert.Equal(t, TrayLoading, tray0.State)

	process(t, p, `{"print":{"command":"push_status","ams":{"tray_now":"0","tray_tar":"0"}}}`)
	tray0, _ = p.Tray(0)
	assert.Equal(t, TrayLoaded, tray0.State)

	process(t, p, `{"print":{"command":"push_status","ams":{"tray_now":"0","tray_tar":"1"}}}`)
	tray0, _ = p.Tray(0)
	tray1, _ := p.Tray(1)
	assert.Equal(t, TrayUnloading, tray0.State)
	assert.Equal(t, TrayLoading, tray1.State)

	process(t, p, `{"print":{"command":"push_status","ams":{"tray_now":"1","tray_tar":"255"}}}`)
	tray0, _ = p.Tray(0)
	tray1, _ = p.Tray(1)
	assert.Equal(t, TrayReady, tray0.State)
	assert.Equal(t, TrayLoaded, tray1.State)

	// empty trays are not overlaid
	process(t, p, `{"print":{"command":"push_status","ams":{"tray_tar":"5"}}}`)
	tray5, _ := p.Tray(5)
	assert.Equal(t, TrayEmpty, tray5.State)
}

func TestExternalTray(t *testing.T) {
	p, _ := newScenarioPrinter(t)

	changed, _ := process(t, p, `{"print":{"command":"push_status","vt_tray":{"id":"254","tray_type":"PETG","tray_info_idx":"GFG00","tray_color":"FFFFFFFF","nozzle_temp_min":"220","nozzle_temp_max":"250","k":0.03}}}`)
	require.True(t, changed)
	ext, _ := p.Tray(ExternalTrayID)
	assert.Equal(t, TrayReady, ext.State)
	assert.Equal(t, "PETG", ext.Filament.TrayType)
	assert.Equal(t, "(0.030)", *ext.K)

	process(t, p, `{"print":{"command":"push_status","ams":{"tray_now":"254","tray_tar":"254"}}}`)
	ext, _ = p.Tray(ExternalTrayID)
	assert.Equal(t, TrayLoaded, ext.State)

	changed, _ = process(t, p, `{"print":{"command":"push_status","vt_tray":{"id":"254","tray_type":"","tray_info_idx":"","tray_color":"FFFFFFFF"}}}`)
	require.True(t, changed)
	ext, _ = p.Tray(ExternalTrayID)
	assert.Equal(t, TrayEmpty, ext.State)
	assert.Nil(t, ext.Filament)

	process(t, p, `{"print":{"command":"push_status","vt_tray":{"id":"254"}}}`)
	ext, _ = p.Tray(ExternalTrayID)
	assert.Equal(t, TrayUnknown, ext.State)
}

func TestNewlyReadingTrays(t *testing.T) {
	p, _ := newScenarioPrinter(t)

	changed, cs := process(t, p, `{"print":{"command":"push_status","ams":{"tray_exist_bits":"7","tray_reading_bits":"4"}}}`)
	require.True(t, changed)
	assert.Equal(t, []int{2}, cs.NewlyReadingTrays())
	tray2, _ := p.Tray(2)
	assert.Equal(t, TrayReading, tray2.State)

	_, cs = process(t, p, `{"print":{"command":"push_status","ams":{"tray_reading_bits":"6"}}}`)
	assert.Equal(t, []int{1}, cs.NewlyReadingTrays())
}

func TestNotifyPublishesSnapshot(t *testing.T) {
	events := NewEvents()
	sub := events.Trays.Subscribe()
	defer events.Trays.Unsubscribe(sub)

	p := NewPrinter(&fakePublisher{}, events.Trays)
	msg, err := ParsePrintMessage([]byte(initialStatus))
	require.NoError(t, err)
	changed, cs := p.ProcessMessage(msg)
	require.True(t, changed)
	assert.Empty(t, sub.C, "processing alone must not notify")

	p.Notify(cs)
	update := <-sub.C
	assert.Equal(t, "0.4", update.Snapshot.NozzleDiameter)
	assert.Equal(t, []int{0}, update.Snapshot.AMSUnits)
}

func TestNozzleChangeRederivesK(t *testing.T) {
	p, pub := newScenarioPrinter(t)
	process(t, p, `{"print":{"command":"extrusion_cali_get","nozzle_diameter":"0.6","filament_id":"","filaments":[
		{"filament_id":"GFA00","name":"PLA 06","k_value":"0.012","n_coef":"1.4","setting_id":"PFUS1","cali_idx":3}]}}`)
	pub.reset()

	changed, _ := process(t, p, `{"print":{"command":"push_status","nozzle_diameter":"0.6"}}`)
	require.True(t, changed)
	tray0, _ := p.Tray(0)
	assert.Equal(t, "0.012", *tray0.K)
	assert.Empty(t, pub.commands(t), "table already known")
}

func TestSetTrayFilament(t *testing.T) {
	p := NewPrinter(&fakePublisher{}, nil)
	assert.ErrorIs(t, p.SetTrayFilament(0, plaFilament()), ErrNozzleUnknown)

	p, pub := newScenarioPrinter(t)
	process(t, p, `{"print":{"command":"extrusion_cali_get","nozzle_diameter":"0.4","filament_id":"","filaments":[
		{"filament_id":"GFA00","name":"PLA fast","k_value":"0.025","n_coef":"1.4","setting_id":"PFUS1","cali_idx":3}]}}`)
	pub.reset()

	assert.ErrorIs(t, p.SetTrayFilament(16, plaFilament()), ErrInvalidTray)

	f := plaFilament()
	f.Calibrations["0.4"] = Calibration{FilamentID: "GFA00", KValue: "0.025", SettingID: "PFUS1", Name: "PLA fast", CaliIdx: 3}
	require.NoError(t, p.SetTrayFilament(6, f))

	cmds := pub.commands(t)
	require.Len(t, cmds, 2)
	assert.Equal(t, CommandAMSFilamentSetting, cmds[0]["command"])
	assert.EqualValues(t, 1, cmds[0]["ams_id"])
	assert.EqualValues(t, 2, cmds[0]["tray_id"])
	assert.Equal(t, "PFUS1", cmds[0]["setting_id"])
	assert.Equal(t, "PLA", cmds[0]["tray_type"])
	assert.Equal(t, CommandExtrusionCaliSel, cmds[1]["command"])
	assert.EqualValues(t, 6, cmds[1]["tray_id"])
	assert.EqualValues(t, 3, cmds[1]["cali_idx"])

	pub.reset()
	require.NoError(t, p.SetTrayFilament(ExternalTrayID, plaFilament()))
	cmds = pub.commands(t)
	require.Len(t, cmds, 2)
	assert.EqualValues(t, 255, cmds[0]["ams_id"])
	assert.EqualValues(t, 254, cmds[0]["tray_id"])
	assert.NotContains(t, cmds[0], "setting_id")
	assert.EqualValues(t, -1, cmds[1]["cali_idx"])

	pub.reject = true
	assert.ErrorIs(t, p.SetTrayFilament(0, plaFilament()), ErrQueueFull)
}

func TestBitFlagsJSON(t *testing.T) {
	data, err := json.Marshal(BitFlags{})
	require.NoError(t, err)
	assert.Equal(t, "null", string(data))

	data, err = json.Marshal(KnownBits(5))
	require.NoError(t, err)
	assert.Equal(t, "5", string(data))
	assert.True(t, KnownBits(5).IsSet(2))
	assert.False(t, BitFlags{}.IsSet(0))
}
