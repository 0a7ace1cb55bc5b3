// Package output implements the JSON/CSV device snapshot serializers
// named in spec.md §6: exact field order, exact CSV quoting, so these
// are implemented in full even though the CLI menu itself is an
// external collaborator.
package output

import (
	"encoding/csv"
	"encoding/json"
	"os"
	"strconv"

	"github.com/woshixty/DeviceWatcher/internal/model"
)

// deviceJSON mirrors spec §6's exact field order and casing for
// devices.json: {type, uid, manufacturer, model, osVersion, abi, online}.
type deviceJSON struct {
	Type         string `json:"type"`
	Uid          string `json:"uid"`
	Manufacturer string `json:"manufacturer"`
	Model        string `json:"model"`
	OsVersion    string `json:"osVersion"`
	Abi          string `json:"abi"`
	Online       bool   `json:"online"`
}

// WriteDevicesJSON pretty-prints devices as a two-space-indented JSON
// array to path.
func WriteDevicesJSON(path string, devices []model.DeviceInfo) error {
	out := make([]deviceJSON, len(devices))
	for i, d := range devices {
		out[i] = deviceJSON{
			Type:         d.Type.JSONName(),
			Uid:          d.Uid,
			Manufacturer: d.Manufacturer,
			Model:        d.Model,
			OsVersion:    d.OsVersion,
			Abi:          d.Abi,
			Online:       d.Online,
		}
	}
	data, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

var csvHeader = []string{"type", "uid", "manufacturer", "model", "osVersion", "abi", "online"}

// WriteDevicesCSV writes devices as RFC-4180-quoted CSV to path, header
// first, per spec §6/S6.
func WriteDevicesCSV(path string, devices []model.DeviceInfo) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	w := csv.NewWriter(f)
	if err := w.Write(csvHeader); err != nil {
		return err
	}
	for _, d := range devices {
		record := []string{
			d.Type.JSONName(),
			d.Uid,
			d.Manufacturer,
			d.Model,
			d.OsVersion,
			d.Abi,
			strconv.FormatBool(d.Online),
		}
		if err := w.Write(record); err != nil {
			return err
		}
	}
	w.Flush()
	return w.Error()
}
