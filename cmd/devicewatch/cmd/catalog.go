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
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/woshixty/DeviceWatcher/internal/catalog"
	"github.com/woshixty/DeviceWatcher/internal/colors"
	"github.com/woshixty/DeviceWatcher/internal/model"
)

func init() {
	catalogCmd.Flags().String("root", "", "backup root directory to scan (defaults to config's catalog.root)")
	catalogCmd.Flags().Bool("watch", false, "keep scanning as backups are added or removed")
}

var catalogCmd = &cobra.Command{
	Use:   "catalog",
	Short: "Scan a backup root and print the Info.plist/Manifest.plist catalog",
	RunE: func(cmd *cobra.Command, args []string) error {
		root, _ := cmd.Flags().GetString("root")
		if root == "" {
			root = cfg.Catalog.Root
		}
		if root == "" {
			return fmt.Errorf("no backup root given: pass --root or set DEVICEWATCH_CATALOG_ROOT")
		}
		watch, _ := cmd.Flags().GetBool("watch")
		if !cmd.Flags().Changed("watch") {
			watch = cfg.Catalog.Watch
		}

		result, err := catalog.Scan(root)
		if err != nil {
			return fmt.Errorf("scan %s: %w", root, err)
		}
		printCatalog(result)

		if !watch {
			return nil
		}

		w, err := catalog.NewWatcher(root, func(res *catalog.ScanResult, err error) {
			if err != nil {
				log.WithError(err).Warn("catalog: rescan failed")
				return
			}
			printCatalog(res)
		})
		if err != nil {
			return fmt.Errorf("watch %s: %w", root, err)
		}
		w.Start()
		defer w.Stop()

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		colors.Info().Printf("watching %s for backup changes, press Ctrl-C to stop\n", root)
		<-ctx.Done()
		return nil
	},
}

func printCatalog(result *catalog.ScanResult) {
	if len(result.Records) == 0 {
		colors.Warn().Println("no backups found")
	}
	for _, rec := range result.Records {
		printBackupRecord(rec)
	}
	if result.Skipped > 0 {
		colors.Warn().Printf("skipped %d entries with no readable Info.plist/Manifest.plist\n", result.Skipped)
	}
}

func printBackupRecord(rec model.BackupRecord) {
	colors.Attach().Printf(
		"%-24s %-16s %-10s %-10s %s\n",
		rec.Udid, rec.DeviceName, rec.ProductType, humanize.Bytes(uint64(rec.TotalBytes)), rec.BackupTime,
	)
}
