// Copyright (c) 2025 Stefano Scafiti
//
// Permission is hereby granted, free of charge, to any person obtaining a copy
// of this software and associated documentation files (the "Software"), to deal
// in the Software without restriction, including without limitation the rights
// to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
// copies of the Software, and to permit persons to whom the Software is
// furnished to do so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in
// all copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN
// THE SOFTWARE.
package cmd

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/sscafiti/blkclone/internal/analyze"
	"github.com/sscafiti/blkclone/internal/analyze/fat"
	"github.com/sscafiti/blkclone/internal/analyze/ntfs"
	"github.com/sscafiti/blkclone/internal/blockdev"
	"github.com/sscafiti/blkclone/internal/blockmap"
	"github.com/sscafiti/blkclone/internal/logger"
	"github.com/sscafiti/blkclone/pkg/util/format"
)

// registry is populated at process start with every analyzer module this
// binary ships, in the order auto-detect tries them (§9 design note:
// "linker-assembled module tables" re-expressed as an explicit registry).
func registry() *analyze.Registry {
	r := analyze.NewRegistry()
	r.Register(fat.Module())
	r.Register(ntfs.Module())
	return r
}

func DefineAnalyzeCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:          "analyze --src <path> [--type <name>] [--mount <path>]",
		Short:        "Analyze a filesystem and emit its block map",
		Args:         cobra.ArbitraryArgs,
		SilenceUsage: true,
		RunE:         RunAnalyze,
	}

	cmd.Flags().String("src", "", "path to the device or image to analyze")
	cmd.Flags().String("type", "", "force a specific analyzer module by name instead of auto-detecting")
	cmd.Flags().String("mount", "", "mount path hint for modules that need a mounted filesystem")
	cmd.Flags().String("log-level", "INFO", "log level: DEBUG, INFO, WARN, ERROR")
	cmd.Flags().String("log", "", "path to write structured per-run diagnostics to (discarded if unset)")

	return cmd
}

func RunAnalyze(cmd *cobra.Command, args []string) error {
	src, _ := cmd.Flags().GetString("src")
	typeName, _ := cmd.Flags().GetString("type")
	mountHint, _ := cmd.Flags().GetString("mount")
	logLevel, _ := cmd.Flags().GetString("log-level")
	logPath, _ := cmd.Flags().GetString("log")

	log := logger.New(os.Stderr, logger.ParseLevel(logLevel))

	diagWriter, closeDiag, err := openDiagWriter(logPath)
	if err != nil {
		return err
	}
	defer closeDiag()
	diag := logger.Structured(diagWriter, logger.ParseLevel(logLevel))

	dev, err := blockdev.Open(src, false)
	if err != nil {
		return err
	}
	defer dev.Close()

	log.Infof("analyzing %q (%s, type=%q mount=%q)", src, format.FormatBytes(dev.Size()), typeName, mountHint)
	diag.Info("analyze starting", "src", src, "size_bytes", dev.Size(), "type", typeName, "mount", mountHint)

	w := blockmap.NewWriter(os.Stdout)
	runErr := registry().Run(dev, typeName, mountHint, w)
	if runErr != nil {
		diag.Error("analyze failed", "src", src, "err", runErr)
	} else {
		diag.Info("analyze finished", "src", src)
	}
	return runErr
}
