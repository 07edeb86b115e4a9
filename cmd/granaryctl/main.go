// Command granaryctl is a thin transport shim for the command-plane
// device (spec.md §6): it writes one command line at a time to
// /dev/granary (or whatever path --device names) for manual
// operation and debugging. It is not part of the translation
// pipeline itself — internal/command's Device is what interprets
// these lines.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/granarydbt/granary/internal/granarylog"
	"github.com/granarydbt/granary/internal/option"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var devicePath string

	root := &cobra.Command{
		Use:           "granaryctl",
		Short:         "Send commands to the Granary control device",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.PersistentFlags().StringVar(&devicePath, "device", "/dev/granary", "path to the Granary command device")

	root.AddCommand(
		newInitCmd(&devicePath),
		newSimpleCmd(&devicePath, "attach", "attach Granary to the running process"),
		newSimpleCmd(&devicePath, "detach", "detach Granary from the running process"),
		newSimpleCmd(&devicePath, "exit", "tear down Granary and unload"),
	)
	return root
}

func newInitCmd(devicePath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "init [-- options...]",
		Short: "initialize Granary with the given options",
		RunE: func(cmd *cobra.Command, args []string) error {
			line := "init " + option.Format(args)
			return writeCommand(*devicePath, line)
		},
	}
}

func newSimpleCmd(devicePath *string, name, short string) *cobra.Command {
	return &cobra.Command{
		Use:   name,
		Short: short,
		RunE: func(cmd *cobra.Command, args []string) error {
			return writeCommand(*devicePath, name)
		},
	}
}

// writeCommand opens the command device and writes line, newline-
// terminated, as a single command.Device.Write call expects (spec.md
// §6: commands are newline-terminated and matched against the
// configured device's prefix rules).
func writeCommand(devicePath, line string) error {
	f, err := os.OpenFile(devicePath, os.O_WRONLY, 0)
	if err != nil {
		granarylog.L().Error("open command device", zap.String("path", devicePath), zap.Error(err))
		return fmt.Errorf("granaryctl: open %s: %w", devicePath, err)
	}
	defer f.Close()

	if _, err := f.Write([]byte(line + "\n")); err != nil {
		granarylog.L().Error("write command", zap.String("line", line), zap.Error(err))
		return fmt.Errorf("granaryctl: write %q: %w", line, err)
	}
	granarylog.L().Info("sent command", zap.String("line", line))
	return nil
}
