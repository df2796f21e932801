package main

import (
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

// FilamentURLPrefix is the origin every filament descriptor lives under
const FilamentURLPrefix = "https://info.filament3d.org/"

// TagIDPlaceholder is replaced by the tag UID when the descriptor is written
const TagIDPlaceholder = "$tag-id$"

var (
	ErrParse         = errors.New("malformed filament descriptor")
	ErrMissingFields = errors.New("filament descriptor is missing fields")
)

// DecodeError wraps ErrParse or ErrMissingFields with the token that failed
type DecodeError struct {
	Err   error
	Token string
}

func (e *DecodeError) Error() string {
	if e.Token == "" {
		return e.Err.Error()
	}
	return fmt.Sprintf("%v: %q", e.Err, e.Token)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

var (
	nameEncoder = strings.NewReplacer(
		"%", "%25",
		"/", "%2F",
		"&", "%26",
		"?", "%3F",
		" ", "%20",
		"(", "%28",
		")", "%29",
		"~", "%7E",
	)
	nameDecoder = strings.NewReplacer(
		"%25", "%",
		"%2F", "/",
		"%26", "&",
		"%3F", "?",
		"%20", " ",
		"%28", "(",
		"%29", ")",
		"%7E", "~",
	)
	printerWrapped = regexp.MustCompile(`^(.*)\((K.*)\)$`)
)

func encodeNamePart(s string) string { return nameEncoder.Replace(s) }
func decodeNamePart(s string) string { return nameDecoder.Replace(s) }

func trimK(k string) string {
	return strings.TrimRight(k, "0")
}

// EncodeDescriptor renders the filament as tag text. Each calibration becomes its own
// segment, wrapped with the printer name when one is given.
func EncodeDescriptor(f *FilamentInfo, printerName string) string {
	nozzles := make([]string, 0, len(f.Calibrations))
	for nozzle := range f.Calibrations {
		if len(nozzle) >= 3 {
			nozzles = append(nozzles, nozzle)
		}
	}
	sort.Strings(nozzles)

	var cal strings.Builder
	for _, nozzle := range nozzles {
		c := f.Calibrations[nozzle]
		k := fmt.Sprintf("K%c=%s~%s~%s", nozzle[2], trimK(c.KValue), c.SettingID, encodeNamePart(c.Name))
		if printerName != "" {
			fmt.Fprintf(&cal, "&%s(%s)", encodeNamePart(printerName), k)
		} else {
			cal.WriteString("&" + k)
		}
	}

	return fmt.Sprintf("%sV1?ID=%s&M=%s&C=%s&NN=%d&NX=%d%s&FI=%s",
		FilamentURLPrefix, TagIDPlaceholder, f.TrayType, f.TrayColor,
		f.NozzleTempMin, f.NozzleTempMax, cal.String(), f.TrayInfoIdx)
}

func splitDescriptor(s string) []string {
	return strings.FieldsFunc(s, func(r rune) bool {
		return r == '&' || r == '/' || r == '?'
	})
}

// DecodeDescriptor parses tag text. Calibrations are resolved against the printer's
// current tables; a calibration the printer no longer has is left out.
func DecodeDescriptor(descriptor string, tables CalibrationTables) (*FilamentInfo, error) {
	if !strings.HasPrefix(descriptor, FilamentURLPrefix) {
		return nil, &DecodeError{Err: ErrParse, Token: descriptor}
	}
	body := strings.TrimPrefix(descriptor, FilamentURLPrefix)
	segments := splitDescriptor(body)

	f := &FilamentInfo{Calibrations: map[string]Calibration{}}
	seen := map[string]bool{}
	for _, seg := range segments {
		if seg == "V1" {
			seen["V1"] = true
			continue
		}
		// calibration segments belong to the second pass
		if printerWrapped.MatchString(seg) {
			continue
		}
		name, value, ok := strings.Cut(seg, "=")
		if !ok {
			continue
		}
		switch name {
		case "ID":
		case "M":
			f.TrayType = value
		case "C":
			f.TrayColor = value
		case "NN", "NX":
			temp, err := strconv.ParseUint(value, 10, 32)
			if err != nil {
				return nil, &DecodeError{Err: ErrParse, Token: seg}
			}
			if name == "NN" {
				f.NozzleTempMin = int(temp)
			} else {
				f.NozzleTempMax = int(temp)
			}
		case "FI":
			f.TrayInfoIdx = value
		default:
			continue
		}
		seen[name] = true
	}

	for _, seg := range segments {
		if m := printerWrapped.FindStringSubmatch(seg); m != nil {
			seg = m[2]
		}
		name, value, ok := strings.Cut(seg, "=")
		if !ok {
			continue
		}
		switch name {
		case "K4", "K2", "K6", "K8":
		default:
			continue
		}
		parts := strings.SplitN(value, "~", 3)
		if len(parts) < 3 {
			return nil, &DecodeError{Err: ErrParse, Token: seg}
		}
		nozzle := "0." + name[1:]
		if cal, ok := resolveCalibration(tables[nozzle], f.TrayInfoIdx, trimK(parts[0]), parts[1], decodeNamePart(parts[2])); ok {
			f.Calibrations[nozzle] = cal
		}
	}

	for _, field := range []string{"V1", "ID", "M", "FI", "C", "NN", "NX"} {
		if !seen[field] {
			return nil, &DecodeError{Err: ErrMissingFields, Token: field}
		}
	}
	return f, nil
}

// resolveCalibration finds the tag's calibration in a nozzle table, first by k, then by
// name. A k match keeps the k written on the tag.
func resolveCalibration(table map[int]Calibration, filamentID, k, settingID, name string) (Calibration, bool) {
	if len(table) == 0 {
		return Calibration{}, false
	}
	// map order is random; lowest cali_idx wins when several entries match
	indexes := make([]int, 0, len(table))
	for idx := range table {
		indexes = append(indexes, idx)
	}
	sort.Ints(indexes)

	for _, idx := range indexes {
		c := table[idx]
		if trimK(c.KValue) == k && c.FilamentID == filamentID && c.SettingID == settingID {
			return minimalCalibration(k, c), true
		}
	}
	for _, idx := range indexes {
		c := table[idx]
		if strings.TrimSpace(c.Name) == strings.TrimSpace(name) && c.FilamentID == filamentID && c.SettingID == settingID {
			return minimalCalibration(c.KValue, c), true
		}
	}
	return Calibration{}, false
}

func minimalCalibration(k string, c Calibration) Calibration {
	return Calibration{
		FilamentID: c.FilamentID,
		KValue:     k,
		SettingID:  c.SettingID,
		Name:       c.Name,
		CaliIdx:    c.CaliIdx,
	}
}
