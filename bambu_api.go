package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// OptInt is an optional integer that the printer sends either as a JSON number or as a
// numeric string. Values that cannot be parsed read as absent.
type OptInt struct {
	Value int
	Valid bool
}

// Int returns the value, or def when absent
func (o OptInt) Int(def int) int {
	if !o.Valid {
		return def
	}
	return o.Value
}

// UnmarshalJSON accepts 12, "12" and null
func (o *OptInt) UnmarshalJSON(data []byte) error {
	*o = OptInt{}
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return nil
	}
	raw := string(data)
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return nil
		}
		raw = strings.TrimSpace(s)
	}
	if v, err := strconv.Atoi(raw); err == nil {
		o.Value, o.Valid = v, true
		return nil
	}
	if f, err := strconv.ParseFloat(raw, 64); err == nil {
		o.Value, o.Valid = int(f), true
	}
	return nil
}

// MarshalJSON writes the value as a number, or null when absent
func (o OptInt) MarshalJSON() ([]byte, error) {
	if !o.Valid {
		return []byte("null"), nil
	}
	return []byte(strconv.Itoa(o.Value)), nil
}

// PrintMessage is the envelope of every report published by the printer
type PrintMessage struct {
	Print *PrintData `json:"print"`
}

// PrintData carries the fields of all recognized report commands. Which fields are set
// depends on the command.
type PrintData struct {
	Command        string          `json:"command"`
	SequenceID     json.RawMessage `json:"sequence_id,omitempty"`
	NozzleDiameter *string         `json:"nozzle_diameter,omitempty"`
	AMS            *PrintAMS       `json:"ams,omitempty"`
	VTTray         *PrintTray      `json:"vt_tray,omitempty"`

	AMSID         OptInt  `json:"ams_id"`
	TrayID        OptInt  `json:"tray_id"`
	CaliIdx       OptInt  `json:"cali_idx"`
	TrayInfoIdx   *string `json:"tray_info_idx,omitempty"`
	TrayType      *string `json:"tray_type,omitempty"`
	TrayColor     *string `json:"tray_color,omitempty"`
	NozzleTempMin OptInt  `json:"nozzle_temp_min"`
	NozzleTempMax OptInt  `json:"nozzle_temp_max"`
	SettingID     *string `json:"setting_id,omitempty"`

	FilamentID *string             `json:"filament_id,omitempty"`
	Filaments  []CalibrationRecord `json:"filaments,omitempty"`

	Reason string `json:"reason,omitempty"`
	Result string `json:"result,omitempty"`
}

// Sequence returns the sequence id as text, whatever JSON type it arrived as
func (p *PrintData) Sequence() string {
	if len(p.SequenceID) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(p.SequenceID, &s); err == nil {
		return s
	}
	return string(p.SequenceID)
}

// PrintAMS is the AMS block of push_status
type PrintAMS struct {
	AMS              []PrintAMSUnit `json:"ams,omitempty"`
	AMSExistBits     *string        `json:"ams_exist_bits,omitempty"`
	TrayExistBits    *string        `json:"tray_exist_bits,omitempty"`
	TrayIsBBLBits    *string        `json:"tray_is_bbl_bits,omitempty"`
	TrayReadDoneBits *string        `json:"tray_read_done_bits,omitempty"`
	TrayReadingBits  *string        `json:"tray_reading_bits,omitempty"`
	TrayNow          *string        `json:"tray_now,omitempty"`
	TrayTar          *string        `json:"tray_tar,omitempty"`
}

// PrintAMSUnit is one AMS unit and its trays
type PrintAMSUnit struct {
	ID       string      `json:"id"`
	Humidity string      `json:"humidity,omitempty"`
	Tray     []PrintTray `json:"tray"`
}

// PrintTray is a tray fragment, used for AMS trays and for vt_tray
type PrintTray struct {
	ID            OptInt   `json:"id"`
	K             *float64 `json:"k,omitempty"`
	CaliIdx       OptInt   `json:"cali_idx"`
	TrayInfoIdx   *string  `json:"tray_info_idx,omitempty"`
	TrayType      *string  `json:"tray_type,omitempty"`
	TrayColor     *string  `json:"tray_color,omitempty"`
	NozzleTempMin OptInt   `json:"nozzle_temp_min"`
	NozzleTempMax OptInt   `json:"nozzle_temp_max"`
}

// CalibrationRecord is one entry of an extrusion_cali_get response
type CalibrationRecord struct {
	FilamentID string `json:"filament_id"`
	Name       string `json:"name"`
	KValue     string `json:"k_value"`
	NCoef      string `json:"n_coef"`
	SettingID  string `json:"setting_id"`
	CaliIdx    int    `json:"cali_idx"`
}

// Report commands
const (
	CommandPushStatus         = "push_status"
	CommandAMSFilamentSetting = "ams_filament_setting"
	CommandExtrusionCaliSet   = "extrusion_cali_set"
	CommandExtrusionCaliDel   = "extrusion_cali_del"
	CommandExtrusionCaliSel   = "extrusion_cali_sel"
	CommandExtrusionCaliGet   = "extrusion_cali_get"
	CommandPushAll            = "pushall"
)

const commandSequenceID = "1"

// PushAllCommand asks the printer for a full state dump
type PushAllCommand struct {
	Pushing struct {
		Command string `json:"command"`
	} `json:"pushing"`
}

// NewPushAllCommand builds a pushall request
func NewPushAllCommand() PushAllCommand {
	var cmd PushAllCommand
	cmd.Pushing.Command = CommandPushAll
	return cmd
}

// AMSFilamentSettingCommand assigns a filament identity to a tray
type AMSFilamentSettingCommand struct {
	Print AMSFilamentSetting `json:"print"`
}

type AMSFilamentSetting struct {
	Command       string  `json:"command"`
	AMSID         int     `json:"ams_id"`
	TrayID        int     `json:"tray_id"`
	TrayInfoIdx   string  `json:"tray_info_idx"`
	SettingID     *string `json:"setting_id,omitempty"`
	TrayColor     string  `json:"tray_color"`
	NozzleTempMin int     `json:"nozzle_temp_min"`
	NozzleTempMax int     `json:"nozzle_temp_max"`
	TrayType      string  `json:"tray_type"`
	SequenceID    string  `json:"sequence_id"`
}

// NewAMSFilamentSettingCommand builds an ams_filament_setting request. trayID is the
// tray index inside the AMS unit.
func NewAMSFilamentSettingCommand(amsID, trayID int, filament *FilamentInfo, settingID *string) AMSFilamentSettingCommand {
	return AMSFilamentSettingCommand{Print: AMSFilamentSetting{
		Command:       CommandAMSFilamentSetting,
		AMSID:         amsID,
		TrayID:        trayID,
		TrayInfoIdx:   filament.TrayInfoIdx,
		SettingID:     settingID,
		TrayColor:     filament.TrayColor,
		NozzleTempMin: filament.NozzleTempMin,
		NozzleTempMax: filament.NozzleTempMax,
		TrayType:      filament.TrayType,
		SequenceID:    commandSequenceID,
	}}
}

// ExtrusionCaliGetCommand requests the calibration table of a nozzle diameter
type ExtrusionCaliGetCommand struct {
	Print ExtrusionCaliGet `json:"print"`
}

type ExtrusionCaliGet struct {
	Command        string `json:"command"`
	FilamentID     string `json:"filament_id"`
	NozzleDiameter string `json:"nozzle_diameter"`
	SequenceID     string `json:"sequence_id"`
}

// NewExtrusionCaliGetCommand builds a request for all calibrations of a nozzle diameter
func NewExtrusionCaliGetCommand(nozzleDiameter string) ExtrusionCaliGetCommand {
	return ExtrusionCaliGetCommand{Print: ExtrusionCaliGet{
		Command:        CommandExtrusionCaliGet,
		FilamentID:     "",
		NozzleDiameter: nozzleDiameter,
		SequenceID:     commandSequenceID,
	}}
}

// ExtrusionCaliSelCommand selects (or clears, with -1) the calibration of a tray
type ExtrusionCaliSelCommand struct {
	Print ExtrusionCaliSel `json:"print"`
}

type ExtrusionCaliSel struct {
	Command        string `json:"command"`
	CaliIdx        int    `json:"cali_idx"`
	FilamentID     string `json:"filament_id"`
	NozzleDiameter string `json:"nozzle_diameter"`
	TrayID         int    `json:"tray_id"`
	SequenceID     string `json:"sequence_id"`
}

// NewExtrusionCaliSelCommand builds an extrusion_cali_sel request. trayID is the global
// tray id (0-15, or 254).
func NewExtrusionCaliSelCommand(nozzleDiameter string, trayID int, filamentID string, caliIdx int) ExtrusionCaliSelCommand {
	return ExtrusionCaliSelCommand{Print: ExtrusionCaliSel{
		Command:        CommandExtrusionCaliSel,
		CaliIdx:        caliIdx,
		FilamentID:     filamentID,
		NozzleDiameter: nozzleDiameter,
		TrayID:         trayID,
		SequenceID:     commandSequenceID,
	}}
}

// ErrNoPrintSection marks reports without a print section (info, mc_print, ...)
var ErrNoPrintSection = errors.New("printer message has no print section")

// ParsePrintMessage decodes one report payload
func ParsePrintMessage(payload []byte) (*PrintData, error) {
	var msg PrintMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		return nil, fmt.Errorf("failed to decode printer message: %w", err)
	}
	if msg.Print == nil {
		return nil, ErrNoPrintSection
	}
	return msg.Print, nil
}

// RequestTopic is where commands for the printer are published
func RequestTopic(serial string) string {
	return fmt.Sprintf("device/%s/request", serial)
}

// ReportTopic is where the printer publishes its reports
func ReportTopic(serial string) string {
	return fmt.Sprintf("device/%s/report", serial)
}
