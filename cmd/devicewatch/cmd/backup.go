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
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	applebackup "github.com/woshixty/DeviceWatcher/internal/apple/backup"
	"github.com/woshixty/DeviceWatcher/internal/colors"
	"github.com/woshixty/DeviceWatcher/internal/model"
)

func init() {
	backupCmd.Flags().String("dir", "", "directory to write the backup tree into (required)")
	backupCmd.Flags().Bool("full", true, "force a full backup rather than an incremental one")
	backupCmd.Flags().Bool("encrypt", false, "request an encrypted backup (always returns Unsupported)")
	backupCmd.Flags().Bool("test", false, "only run TestConnection, without starting a backup")
	_ = backupCmd.MarkFlagRequired("dir")
}

var backupCmd = &cobra.Command{
	Use:   "backup <udid>",
	Short: "Back up an Apple device over usbmux/lockdown/mobilebackup2",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		udid := args[0]
		testOnly, _ := cmd.Flags().GetBool("test")

		if testOnly {
			info, err := applebackup.TestConnection(udid)
			if err != nil {
				return err
			}
			printTable([]model.DeviceInfo{*info})
			return nil
		}

		dir, _ := cmd.Flags().GetString("dir")
		full, _ := cmd.Flags().GetBool("full")
		encrypt, _ := cmd.Flags().GetBool("encrypt")

		colors.Info().Printf("backing up %s into %s...\n", udid, dir)
		rec, err := applebackup.PerformBackup(udid, model.BackupOptions{
			BackupDir:  dir,
			FullBackup: full,
			Encrypt:    encrypt,
		})
		if err != nil {
			return err
		}
		colors.Attach().Printf(
			"backup complete: %s (%s, iOS %s) - %s in %s\n",
			rec.DeviceName, rec.ProductType, rec.IosVersion,
			humanize.Bytes(uint64(rec.TotalBytes)), rec.Path,
		)
		return nil
	},
}
