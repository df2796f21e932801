package main

import "time"

// Tray addressing
const (
	AMSTrayCount   = 16
	TraysPerAMS    = 4
	ExternalTrayID = 254
	ExternalAMSID  = 255
	StagingTrayID  = 999
	NoTrayLoaded   = "255"
)

// Filament defaults used when the printer omits a value
const (
	DefaultNozzleTempMin = 190
	DefaultNozzleTempMax = 250
	DefaultRawK          = 0.02
)

// Fragments whose fields carry these markers are zero-filled placeholders sent by some
// printer firmware and are rejected whole.
const (
	junkSuffix = "00"
	junkPrefix = "00"
)

// Default configuration values
const (
	DefaultWebPort        = "5000"
	DefaultTagScanTimeout = 10 // seconds
	DefaultDBFileName     = "spoolbridge.db"
	DefaultConfigFile     = "spoolbridge.yaml"
	DefaultLogLevel       = "info"
	DefaultTagBus         = "/dev/i2c-1"
	DefaultPrinterName    = "Unknown"
)

// Printer transport
const (
	MQTTPort          = 8883
	MQTTUser          = "bblp"
	KeepAliveTimeout  = 20 * time.Second
	OutgoingQueueSize = 16
	InboundFeedSize   = 32
	EventBufferSize   = 16
)

// Tag handling
const (
	TagDebounceWindow   = 500 * time.Millisecond
	TagOperationTimeout = 2 * time.Second
)

// Settings store keys
const (
	ConfigKeyPrinter          = "_printer_"
	ConfigKeyTag              = "_tag_"
	ConfigKeyAutoAssignOnLoad = "auto_assign_on_load"
)

// Nozzle diameters whose calibration tables are fetched at startup, in request order.
var initialNozzleDiameters = []string{"0.8", "0.6", "0.2", "0.4"}
