/*
Copyright © 2026 DeviceWatcher contributors

Permission is hereby granted, free of charge, to any person obtaining a copy
of this software and associated documentation files (the "Software"), to deal
in the Software without restriction, including without limitation the rights
to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
copies of the Software, and to permit persons to whom the Software is
furnished to do so, subject to the following conditions:

The above copyright notice and this permission notice shall be included in
all copies or substantial portions of the Software.

THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN
THE SOFTWARE.
*/
package cmd

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/apex/log"
	"github.com/spf13/cobra"

	"github.com/woshixty/DeviceWatcher/internal/adb"
	"github.com/woshixty/DeviceWatcher/internal/apple"
	"github.com/woshixty/DeviceWatcher/internal/colors"
	"github.com/woshixty/DeviceWatcher/internal/model"
	"github.com/woshixty/DeviceWatcher/internal/notifier"
	"github.com/woshixty/DeviceWatcher/internal/output"
	"github.com/woshixty/DeviceWatcher/internal/registry"
)

func init() {
	watchCmd.Flags().String("out-dir", "./out", "directory to write devices.json/devices.csv snapshots into")
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Continuously discover and track attached devices until interrupted",
	RunE: func(cmd *cobra.Command, args []string) error {
		outDir, _ := cmd.Flags().GetString("out-dir")
		if err := os.MkdirAll(outDir, 0o755); err != nil {
			return fmt.Errorf("create out dir: %w", err)
		}

		reg := registry.New(cfg.DebounceWindow)
		defer reg.Stop()

		adbProvider := adb.New(cfg.Adb.AdbAddr(), reg)
		adbProvider.Start()
		defer adbProvider.Stop()

		appleWatcher := apple.NewWatcher(reg)
		appleWatcher.Start()
		defer appleWatcher.Stop()

		n := notifier.New(cfg.Notifier.WebhookURL, cfg.Notifier.TCPAddr)
		n.Attach(reg)
		defer n.Detach(reg)

		reg.Subscribe(func(evt model.DeviceEvent) {
			logEvent(evt)
			writeSnapshots(reg, outDir)
		})

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		log.WithField("out", outDir).Info("devicewatch: watching for devices, press Ctrl-C to stop")
		<-ctx.Done()
		log.Info("devicewatch: shutting down")
		return nil
	},
}

func logEvent(evt model.DeviceEvent) {
	switch evt.Kind {
	case model.Attach:
		colors.Attach().Printf("+ attach  %-6s %-24s %s\n", evt.Info.Type, evt.Info.Uid, evt.Info.Model)
	case model.Detach:
		colors.Detach().Printf("- detach  %-6s %-24s\n", evt.Info.Type, evt.Info.Uid)
	case model.InfoUpdated:
		colors.Info().Printf("~ info    %-6s %-24s %s\n", evt.Info.Type, evt.Info.Uid, evt.Info.Model)
	}
}

// writeSnapshots is called from a registry subscriber; per §5's locking
// discipline it must never call back into the registry while a lock is
// held, which Snapshot already guarantees.
func writeSnapshots(reg *registry.Registry, outDir string) {
	devices := reg.Snapshot()
	if err := output.WriteDevicesJSON(outDir+"/devices.json", devices); err != nil {
		log.WithError(err).Warn("devicewatch: failed to write devices.json")
	}
	if err := output.WriteDevicesCSV(outDir+"/devices.csv", devices); err != nil {
		log.WithError(err).Warn("devicewatch: failed to write devices.csv")
	}
}
