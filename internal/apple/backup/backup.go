// Package backup implements C4: the lockdownd handshake and metadata
// probe (TestConnection) and the full mobilebackup2 protocol driver
// (PerformBackup), including the eight-message DeviceLink dispatch loop.
//
// The transport and handshake are grounded on the teacher's
// pkg/usb/backup/backup.go (service name, client shape) and
// pkg/usb/client.go (DeviceLinkHandshake/Send/Recv); the teacher's own
// backup.Client is a two-method stub (NewClient, GetMsg) that never reads
// past the first frame, so the message loop itself is grounded directly
// on the wire protocol description and on
// original_source's idevicebackup2-shaped C++ backend for the dispatch
// table shape (one handler per DLMessage name, status-response-per-call).
package backup

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/apex/log"
	"github.com/dustin/go-humanize"

	"github.com/woshixty/DeviceWatcher/internal/apple/lockdown"
	"github.com/woshixty/DeviceWatcher/internal/apple/usbmux"
	"github.com/woshixty/DeviceWatcher/internal/model"
	"github.com/woshixty/DeviceWatcher/internal/wire"
)

const serviceName = "com.apple.mobilebackup2"

// supportedVersions is the set PerformBackup offers during the
// mobilebackup2 version exchange, per spec §4.4.
var supportedVersions = []float64{2.0, 2.1, 1.0}

// dlPeer is the subset of *usbmux.Client the message loop needs; an
// interface so tests can drive the loop against an in-memory fake instead
// of a real usbmux/lockdown stack.
type dlPeer interface {
	Send(msg any) error
	DeviceLinkSend(msg any) error
	DeviceLinkRecv() (name string, args []any, err error)
	Conn() net.Conn
}

// TestConnection opens a read-only lockdown session and reports the
// device's identity, per spec §4.4.
func TestConnection(udid string) (*model.DeviceInfo, error) {
	lc, err := lockdown.NewClient(udid)
	if err != nil {
		return nil, classifyConnectErr(err)
	}
	defer lc.Close()

	deviceName, err := lc.GetString("", "DeviceName")
	if err != nil {
		return nil, connectionError("read DeviceName", err)
	}
	productType, err := lc.GetString("", "ProductType")
	if err != nil {
		return nil, connectionError("read ProductType", err)
	}
	productVersion, err := lc.GetString("", "ProductVersion")
	if err != nil {
		return nil, connectionError("read ProductVersion", err)
	}

	return &model.DeviceInfo{
		Type:         model.Apple,
		Uid:          udid,
		DisplayName:  deviceName,
		Manufacturer: "Apple",
		Model:        productType,
		OsVersion:    productVersion,
		Transport:    "USB",
		Online:       true,
	}, nil
}

// Restore always returns Unsupported without touching the device, per
// spec §4.4's capability-gating requirement.
func Restore(string, model.BackupOptions) error {
	return unsupported("restore is not implemented")
}

// PerformBackup drives a fresh full backup of udid into opts.BackupDir.
func PerformBackup(udid string, opts model.BackupOptions) (*model.BackupRecord, error) {
	if opts.BackupDir == "" {
		return nil, ioError("backup dir must not be empty", nil)
	}
	if opts.Encrypt {
		return nil, unsupported("encrypted backups are not implemented")
	}
	if err := os.MkdirAll(opts.BackupDir, 0o755); err != nil {
		return nil, ioError("create backup directory", err)
	}

	lc, err := lockdown.NewClient(udid)
	if err != nil {
		return nil, classifyConnectErr(err)
	}
	willEncrypt, err := lc.GetBool("com.apple.mobile.backup", "WillEncrypt")
	if err != nil {
		lc.Close()
		return nil, connectionError("read WillEncrypt", err)
	}
	if willEncrypt {
		lc.Close()
		return nil, unsupported("device has WillEncrypt set")
	}
	deviceName, _ := lc.GetString("", "DeviceName")
	productType, _ := lc.GetString("", "ProductType")
	productVersion, _ := lc.GetString("", "ProductVersion")
	lc.Close()

	cli, err := lockdown.NewClientForService(serviceName, udid, true)
	if err != nil {
		return nil, connectionError("start mobilebackup2 service", err)
	}
	defer cli.Close()

	// negotiateVersion performs the whole DeviceLink version-exchange
	// round-trip itself (unlike usbmux.Client.DeviceLinkHandshake, which
	// blindly echoes whatever the device offers): it is the only thing
	// that should run here, since the device won't send a second
	// DLMessageVersionExchange for a follow-up handshake call.
	if err := negotiateVersion(cli); err != nil {
		return nil, err
	}

	req := map[string]any{
		"MessageName":      "Backup",
		"TargetIdentifier": udid,
		"SourceIdentifier": udid,
		"Options": map[string]any{
			"ForceFullBackup": opts.FullBackup,
		},
	}
	if err := cli.DeviceLinkSend(req); err != nil {
		return nil, connectionError("send backup request", err)
	}

	rec, err := runMessageLoop(cli, udid, opts.BackupDir)
	if err != nil {
		return nil, err
	}
	rec.DeviceName = deviceName
	rec.ProductType = productType
	rec.IosVersion = productVersion
	return rec, nil
}

func classifyConnectErr(err error) error {
	if err == nil {
		return nil
	}
	if isNoDevice(err) {
		return noDevice("no device with that udid is attached", err)
	}
	return connectionError("open device handle", err)
}

func isNoDevice(err error) bool {
	return errors.Is(err, usbmux.ErrNoDevice)
}

// negotiateVersion reads the offered version set and picks the first
// entry of supportedVersions (in that slice's order: 2.0, then 2.1, then
// 1.0) that the device also offers.
func negotiateVersion(cli dlPeer) error {
	name, args, err := cli.DeviceLinkRecv()
	if err != nil {
		return connectionError("read version exchange", err)
	}
	if name != "DLMessageVersionExchange" || len(args) < 1 {
		return mobilebackup2Error(0, "unexpected message during version exchange: "+name)
	}

	offered, _ := args[0].([]any)
	var chosen float64
	for _, want := range supportedVersions {
		for _, o := range offered {
			if v, ok := toFloat(o); ok && v == want {
				chosen = want
				break
			}
		}
		if chosen != 0 {
			break
		}
	}
	if chosen == 0 {
		return mobilebackup2Error(1, "no compatible protocol version offered")
	}

	if err := cli.Send([]any{"DLMessageVersionExchange", "DLVersionsOk", chosen}); err != nil {
		return connectionError("ack version exchange", err)
	}

	replyName, _, err := cli.DeviceLinkRecv()
	if err != nil {
		return connectionError("read version exchange ack", err)
	}
	if replyName != "DLMessageDeviceReady" {
		return mobilebackup2Error(2, "device did not reply DLMessageDeviceReady")
	}
	return nil
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}

func runMessageLoop(peer dlPeer, udid, backupDir string) (*model.BackupRecord, error) {
	var lastErrCode int
	var lastErrDesc string

loop:
	for {
		name, args, err := peer.DeviceLinkRecv()
		if err != nil {
			return nil, connectionError("message loop recv", err)
		}

		switch name {
		case "DLMessageUploadFiles":
			code, desc := handleUploadFiles(peer, backupDir)
			_ = sendStatus(peer, code, desc, nil)

		case "DLMessageGetFreeDiskSpace":
			free, err := freeDiskSpace(backupDir)
			if err != nil {
				_ = sendStatus(peer, -1, err.Error(), nil)
			} else {
				log.WithField("free", humanize.Bytes(free)).Debug("backup: free disk space queried")
				_ = sendStatus(peer, 0, "", free)
			}

		case "DLContentsOfDirectory":
			handleContentsOfDirectory(peer, backupDir, args)

		case "DLMessageCreateDirectory":
			handleCreateDirectory(peer, backupDir, args)

		case "DLMessageMoveFiles", "DLMessageMoveItems":
			handleMoveItems(peer, backupDir, args)

		case "DLMessageRemoveFiles", "DLMessageRemoveItems":
			handleRemoveItems(peer, backupDir, args)

		case "DLMessageCopyItem":
			handleCopyItem(peer, backupDir, args)

		case "DLMessageProcessMessage":
			lastErrCode, lastErrDesc = parseProcessMessage(args)

		case "DLMessageDisconnect":
			break loop

		default:
			log.WithField("message", name).Debug("backup: ignoring unrecognized devicelink message")
		}
	}

	if lastErrCode != 0 {
		return nil, mobilebackup2Error(lastErrCode, lastErrDesc)
	}

	total, err := sumRegularFileSizes(backupDir)
	if err != nil {
		log.WithError(err).Warn("backup: failed to sum backup size, keeping partial total")
	}

	return &model.BackupRecord{
		Path:        backupDir,
		Udid:        udid,
		TotalBytes: total,
		BackupTime:  time.Now().Format(time.RFC3339),
	}, nil
}

func sendStatus(peer dlPeer, code int32, description string, payload any) error {
	return peer.Send([]any{"DLMessageStatusResponse", code, description, payload})
}

func handleUploadFiles(peer dlPeer, backupDir string) (int32, string) {
	conn := peer.Conn()
	for {
		_, done, err := wire.ReadFilename(conn)
		if err != nil {
			return wire.ErrnoFor(err), err.Error()
		}
		if done {
			return 0, ""
		}
		relpath, _, err := wire.ReadFilename(conn)
		if err != nil {
			return wire.ErrnoFor(err), err.Error()
		}
		path, ok := safeJoin(backupDir, relpath)
		if !ok {
			return -1, fmt.Sprintf("path escapes backup root: %q", relpath)
		}
		if err := uploadOneFile(conn, path); err != nil {
			return wire.ErrnoFor(err), err.Error()
		}
	}
}

func uploadOneFile(conn net.Conn, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	for {
		block, done, err := wire.ReadDataBlock(conn)
		if err != nil {
			return err
		}
		// A bare nlen=0 record ends this file's data blocks outright.
		// Any non-file-data code (success terminator, local/remote
		// error) also ends it; per §9 open question (a) that case is
		// treated conservatively as end-of-file for the current path.
		if done || block.Code != wire.CodeFileData {
			return nil
		}
		if len(block.Payload) > 0 {
			if _, err := f.Write(block.Payload); err != nil {
				return err
			}
		}
	}
}

func handleContentsOfDirectory(peer dlPeer, backupDir string, args []any) {
	rel, _ := stringArg(args, 0)
	path, ok := safeJoin(backupDir, rel)
	if !ok {
		_ = sendStatus(peer, -1, "path escapes backup root", nil)
		return
	}
	entries, err := os.ReadDir(path)
	if err != nil {
		_ = sendStatus(peer, wire.ErrnoFor(err), err.Error(), nil)
		return
	}
	out := make(map[string]any, len(entries))
	for _, e := range entries {
		info, err := e.Info()
		if err != nil {
			continue
		}
		fileType := "Unknown"
		switch {
		case info.IsDir():
			fileType = "Directory"
		case info.Mode().IsRegular():
			fileType = "Regular"
		}
		out[e.Name()] = map[string]any{
			"DLFileType":             fileType,
			"DLFileSize":             info.Size(),
			"DLFileModificationDate": info.ModTime(),
		}
	}
	_ = sendStatus(peer, 0, "", out)
}

func handleCreateDirectory(peer dlPeer, backupDir string, args []any) {
	rel, _ := stringArg(args, 0)
	path, ok := safeJoin(backupDir, rel)
	if !ok {
		_ = sendStatus(peer, -1, "path escapes backup root", nil)
		return
	}
	if err := os.MkdirAll(path, 0o755); err != nil && !os.IsExist(err) {
		_ = sendStatus(peer, wire.ErrnoFor(err), err.Error(), nil)
		return
	}
	_ = sendStatus(peer, 0, "", nil)
}

func handleMoveItems(peer dlPeer, backupDir string, args []any) {
	moves, _ := mapArg(args, 0)
	var lastErr error
	for src, dstAny := range moves {
		dst, _ := dstAny.(string)
		srcPath, ok1 := safeJoin(backupDir, src)
		dstPath, ok2 := safeJoin(backupDir, dst)
		if !ok1 || !ok2 {
			lastErr = fmt.Errorf("path escapes backup root")
			break
		}
		_ = os.RemoveAll(dstPath)
		if err := os.MkdirAll(filepath.Dir(dstPath), 0o755); err != nil {
			lastErr = err
			break
		}
		if err := os.Rename(srcPath, dstPath); err != nil {
			lastErr = err
			break
		}
	}
	if lastErr != nil {
		_ = sendStatus(peer, wire.ErrnoFor(lastErr), lastErr.Error(), nil)
		return
	}
	_ = sendStatus(peer, 0, "", nil)
}

func handleRemoveItems(peer dlPeer, backupDir string, args []any) {
	items, _ := sliceArg(args, 0)
	var lastErr error
	for _, itemAny := range items {
		rel, _ := itemAny.(string)
		path, ok := safeJoin(backupDir, rel)
		if !ok {
			lastErr = fmt.Errorf("path escapes backup root")
			continue
		}
		if err := os.RemoveAll(path); err != nil {
			lastErr = err
		}
	}
	if lastErr != nil {
		_ = sendStatus(peer, wire.ErrnoFor(lastErr), lastErr.Error(), nil)
		return
	}
	_ = sendStatus(peer, 0, "", nil)
}

func handleCopyItem(peer dlPeer, backupDir string, args []any) {
	src, _ := stringArg(args, 0)
	dst, _ := stringArg(args, 1)
	srcPath, ok1 := safeJoin(backupDir, src)
	dstPath, ok2 := safeJoin(backupDir, dst)
	if !ok1 || !ok2 {
		_ = sendStatus(peer, -1, "path escapes backup root", nil)
		return
	}
	if err := copyRecursive(srcPath, dstPath); err != nil {
		_ = sendStatus(peer, wire.ErrnoFor(err), err.Error(), nil)
		return
	}
	_ = sendStatus(peer, 0, "", nil)
}

func parseProcessMessage(args []any) (code int, desc string) {
	dict, ok := mapArg(args, 0)
	if !ok {
		return 0, ""
	}
	if v, ok := toFloat(dict["ErrorCode"]); ok {
		code = int(v)
	}
	if s, ok := dict["ErrorDescription"].(string); ok {
		desc = s
	}
	return code, desc
}

func stringArg(args []any, i int) (string, bool) {
	if i >= len(args) {
		return "", false
	}
	s, ok := args[i].(string)
	return s, ok
}

func mapArg(args []any, i int) (map[string]any, bool) {
	if i >= len(args) {
		return nil, false
	}
	m, ok := args[i].(map[string]any)
	return m, ok
}

func sliceArg(args []any, i int) ([]any, bool) {
	if i >= len(args) {
		return nil, false
	}
	s, ok := args[i].([]any)
	return s, ok
}
