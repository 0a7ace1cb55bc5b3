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
	"time"

	"github.com/spf13/cobra"

	"github.com/woshixty/DeviceWatcher/internal/adb"
	"github.com/woshixty/DeviceWatcher/internal/apple"
	"github.com/woshixty/DeviceWatcher/internal/colors"
	"github.com/woshixty/DeviceWatcher/internal/model"
	"github.com/woshixty/DeviceWatcher/internal/output"
	"github.com/woshixty/DeviceWatcher/internal/registry"
)

func init() {
	listCmd.Flags().Duration("window", 2*time.Second, "how long to wait for providers to report before printing")
	listCmd.Flags().String("json", "", "also write the snapshot to this devices.json path")
	listCmd.Flags().String("csv", "", "also write the snapshot to this devices.csv path")
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "Discover attached devices for a fixed window and print a snapshot",
	RunE: func(cmd *cobra.Command, args []string) error {
		window, _ := cmd.Flags().GetDuration("window")
		jsonPath, _ := cmd.Flags().GetString("json")
		csvPath, _ := cmd.Flags().GetString("csv")

		reg := registry.New(cfg.DebounceWindow)
		defer reg.Stop()

		adbProvider := adb.New(cfg.Adb.AdbAddr(), reg)
		adbProvider.Start()
		defer adbProvider.Stop()

		appleWatcher := apple.NewWatcher(reg)
		appleWatcher.Start()
		defer appleWatcher.Stop()

		time.Sleep(window)

		devices := reg.Snapshot()
		printTable(devices)

		if jsonPath != "" {
			if err := output.WriteDevicesJSON(jsonPath, devices); err != nil {
				return fmt.Errorf("write json: %w", err)
			}
		}
		if csvPath != "" {
			if err := output.WriteDevicesCSV(csvPath, devices); err != nil {
				return fmt.Errorf("write csv: %w", err)
			}
		}
		return nil
	},
}

func printTable(devices []model.DeviceInfo) {
	if len(devices) == 0 {
		colors.Warn().Println("no devices found")
		return
	}
	colors.Header().Printf("%-8s %-24s %-16s %-10s %s\n", "TYPE", "UID", "MODEL", "ONLINE", "OS VERSION")
	for _, d := range devices {
		row := colors.Detach()
		if d.Online {
			row = colors.Attach()
		}
		row.Printf("%-8s %-24s %-16s %-10v %s\n", d.Type, d.Uid, d.Model, d.Online, d.OsVersion)
	}
}
