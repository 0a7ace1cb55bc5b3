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
// Package cmd wires the core components (registry, ADB provider, Apple
// usbmux/lockdown/backup stack, notifier, catalog) into a Cobra command
// tree, following cmd/ipsw's shape: one *cobra.Command per file,
// registered from init(), configuration loaded once in
// cobra.OnInitialize.
package cmd

import (
	"os"

	"github.com/apex/log"
	clihandler "github.com/apex/log/handlers/cli"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/woshixty/DeviceWatcher/internal/colors"
	"github.com/woshixty/DeviceWatcher/internal/config"
)

// version is set by the build process; defaults to "dev" for local
// builds.
var version = "dev"

// cfg is the loaded configuration, populated once in initConfig and
// read by every subcommand.
var cfg *config.Config

var noColor bool

var rootCmd = &cobra.Command{
	Use:           "devicewatch",
	Short:         "Discover, enrich and back up Android and Apple devices",
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command. Called once from main.main.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		log.Error(err.Error())
		os.Exit(1)
	}
}

func init() {
	log.SetHandler(clihandler.Default)
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "V", false, "enable debug logging")
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "disable colorized output")
	_ = viper.BindPFlag("debug", rootCmd.PersistentFlags().Lookup("verbose"))

	rootCmd.AddCommand(watchCmd)
	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(backupCmd)
	rootCmd.AddCommand(catalogCmd)

	rootCmd.CompletionOptions.HiddenDefaultCmd = true
}

var verbose bool

func initConfig() {
	v := viper.GetViper()
	v.AutomaticEnv()

	loaded, err := config.Load(v)
	if err != nil {
		log.WithError(err).Fatal("failed to load configuration")
	}
	cfg = loaded

	if cfg.Debug || verbose {
		log.SetLevel(log.DebugLevel)
	}
	if noColor {
		forceOff := false
		colors.Init(&forceOff)
	}
}
