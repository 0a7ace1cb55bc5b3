// Package catalog implements C6: a scanner over a backup root directory
// that walks `root/<UDID>/<backup-id>/` two levels deep, parses each
// backup's metadata file, and aggregates its on-disk size.
//
// The plist decode uses github.com/blacktop/go-plist, the same
// dependency the usbmux/lockdown stack already carries for
// Info.plist/Manifest.plist, and the walk/skip-on-error shape follows
// the teacher's readAllPlists in cmd/ipsw/cmd/defaults.go (walk,
// continue past unreadable/unparsable entries rather than aborting).
package catalog

import (
	"os"
	"path/filepath"
	"time"

	"github.com/apex/log"
	"github.com/blacktop/go-plist"

	"github.com/woshixty/DeviceWatcher/internal/model"
)

// ScanResult is the outcome of one catalog Scan: the successfully
// parsed records plus a count of entries that were skipped because
// their metadata could not be parsed.
type ScanResult struct {
	Records []model.BackupRecord
	Skipped int
}

// Scan walks root/<UDID>/<backup-id>/ two levels deep. Unparseable
// entries are counted in Skipped and never abort the scan; I/O errors
// while summing an entry's size are logged and the partial sum kept.
func Scan(root string) (*ScanResult, error) {
	udidEntries, err := os.ReadDir(root)
	if err != nil {
		return nil, err
	}

	res := &ScanResult{}
	for _, udidEntry := range udidEntries {
		if !udidEntry.IsDir() {
			continue
		}
		udid := udidEntry.Name()
		udidPath := filepath.Join(root, udid)

		backupEntries, err := os.ReadDir(udidPath)
		if err != nil {
			log.WithField("udid", udid).WithError(err).Warn("catalog: failed to list backup ids")
			continue
		}
		for _, backupEntry := range backupEntries {
			if !backupEntry.IsDir() {
				continue
			}
			backupPath := filepath.Join(udidPath, backupEntry.Name())

			rec, ok := scanOne(backupPath, udid)
			if !ok {
				res.Skipped++
				continue
			}
			res.Records = append(res.Records, rec)
		}
	}
	return res, nil
}

func scanOne(backupPath, udid string) (model.BackupRecord, bool) {
	meta, ok := readMetadata(backupPath)
	if !ok {
		return model.BackupRecord{}, false
	}

	total, err := sumRegularFileSizes(backupPath)
	if err != nil {
		log.WithField("path", backupPath).WithError(err).Warn("catalog: failed to sum backup size, keeping partial total")
	}

	return model.BackupRecord{
		Path:        backupPath,
		Udid:        udid,
		DeviceName:  meta.deviceName,
		ProductType: meta.productType,
		IosVersion:  meta.productVersion,
		TotalBytes:  total,
		BackupTime:  meta.backupTime,
	}, true
}

type metadata struct {
	deviceName     string
	productType    string
	productVersion string
	backupTime     string
}

// readMetadata prefers Info.plist, falling back to Manifest.plist, per
// spec §4.5. Both are Apple property lists; Info.plist carries the
// fields directly, Manifest.plist nests them under a "Lockdown"
// sub-dict.
func readMetadata(backupPath string) (metadata, bool) {
	if data, err := os.ReadFile(filepath.Join(backupPath, "Info.plist")); err == nil {
		if dict, ok := unmarshalDict(data); ok {
			return metadataFromDict(dict, dict), true
		}
	}
	if data, err := os.ReadFile(filepath.Join(backupPath, "Manifest.plist")); err == nil {
		if dict, ok := unmarshalDict(data); ok {
			lockdown, _ := dict["Lockdown"].(map[string]any)
			return metadataFromDict(dict, lockdown), true
		}
	}
	return metadata{}, false
}

func unmarshalDict(data []byte) (map[string]any, bool) {
	var dict map[string]any
	if _, err := plist.Unmarshal(data, &dict); err != nil {
		return nil, false
	}
	return dict, true
}

// metadataFromDict reads the top-level date field from top (only
// present on Info.plist) and the device identity fields from fields
// (either top itself, or the nested Lockdown dict from Manifest.plist).
func metadataFromDict(top, fields map[string]any) metadata {
	var m metadata
	m.deviceName = firstString(fields, "Device Name", "Display Name")
	m.productType = firstString(fields, "Product Type")
	m.productVersion = firstString(fields, "Product Version")
	if t, ok := top["Last Backup Date"].(time.Time); ok {
		m.backupTime = t.Format(time.RFC3339)
	}
	return m
}

func firstString(dict map[string]any, keys ...string) string {
	if dict == nil {
		return ""
	}
	for _, k := range keys {
		if s, ok := dict[k].(string); ok && s != "" {
			return s
		}
	}
	return ""
}

func sumRegularFileSizes(root string) (int64, error) {
	var total int64
	err := filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			log.WithField("path", path).WithError(err).Warn("catalog: failed to stat entry during size sum")
			return nil
		}
		if info.Mode().IsRegular() {
			total += info.Size()
		}
		return nil
	})
	return total, err
}
