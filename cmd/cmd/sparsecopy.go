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

	"github.com/sscafiti/blkclone/internal/blockdev"
	"github.com/sscafiti/blkclone/internal/blockmap"
	"github.com/sscafiti/blkclone/internal/errs"
	"github.com/sscafiti/blkclone/internal/logger"
	"github.com/sscafiti/blkclone/internal/sparsecopy"
	"github.com/sscafiti/blkclone/pkg/util/format"
)

func DefineSparsecopyCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:          "sparsecopy {export|import} --idx <path> --src <path> --tgt <path> [--nuke] [--force]",
		Short:        "Copy the live extents of a block map between a device and an image",
		Args:         cobra.ExactArgs(1),
		SilenceUsage: true,
		RunE:         RunSparsecopy,
	}

	cmd.Flags().String("idx", "", "path to the block map")
	cmd.Flags().String("src", "", "copy source: the device on export, the image on import")
	cmd.Flags().String("tgt", "", "copy target: the image on export, the device on import")
	cmd.Flags().Bool("nuke", false, "on import, zero-fill every gap between live extents")
	cmd.Flags().Bool("force", false, "allow a swapped regular-file/block-device pairing")
	cmd.Flags().String("log-level", "INFO", "log level: DEBUG, INFO, WARN, ERROR")
	cmd.Flags().String("log", "", "path to write structured per-run diagnostics to (discarded if unset)")

	return cmd
}

func RunSparsecopy(cmd *cobra.Command, args []string) error {
	direction := args[0]

	idx, _ := cmd.Flags().GetString("idx")
	srcPath, _ := cmd.Flags().GetString("src")
	tgtPath, _ := cmd.Flags().GetString("tgt")
	nuke, _ := cmd.Flags().GetBool("nuke")
	force, _ := cmd.Flags().GetBool("force")
	logLevel, _ := cmd.Flags().GetString("log-level")
	logPath, _ := cmd.Flags().GetString("log")

	log := logger.New(os.Stderr, logger.ParseLevel(logLevel))

	diagWriter, closeDiag, err := openDiagWriter(logPath)
	if err != nil {
		return err
	}
	defer closeDiag()
	diag := logger.Structured(diagWriter, logger.ParseLevel(logLevel))

	var mode sparsecopy.Mode
	switch direction {
	case "export":
		mode = sparsecopy.Export
	case "import":
		if nuke {
			mode = sparsecopy.NukeImport
		} else {
			mode = sparsecopy.Import
		}
	default:
		return errs.New(errs.ArgumentError, "unknown sparsecopy direction %q: expected export or import", direction)
	}

	mapFile, err := os.Open(idx)
	if err != nil {
		return errs.Wrap(errs.IoError, err, "opening block map %q", idx)
	}
	defer mapFile.Close()

	srcDev, err := blockdev.Open(srcPath, false)
	if err != nil {
		return err
	}

	var tgtDev *blockdev.Device
	if mode == sparsecopy.Export {
		tgtDev, err = blockdev.Create(tgtPath, true)
	} else {
		tgtDev, err = blockdev.Open(tgtPath, true)
	}
	if err != nil {
		srcDev.Close()
		return err
	}

	log.Infof("sparsecopy %s: idx=%q src=%q (%s) tgt=%q (%s) nuke=%v force=%v",
		direction, idx, srcPath, format.FormatBytes(srcDev.Size()), tgtPath, format.FormatBytes(tgtDev.Size()), nuke, force)
	diag.Info("sparsecopy starting", "direction", direction, "idx", idx, "src", srcPath, "src_bytes", srcDev.Size(),
		"tgt", tgtPath, "tgt_bytes", tgtDev.Size(), "nuke", nuke, "force", force)

	opts := sparsecopy.Options{Mode: mode, Force: force}
	runErr := sparsecopy.Run(opts, blockmap.NewReader(mapFile), srcDev, tgtDev, os.Stderr)
	closeErr := sparsecopy.CloseAll(mapFile, srcDev, tgtDev)
	if runErr != nil {
		diag.Error("sparsecopy failed", "direction", direction, "err", runErr)
		return runErr
	}
	if closeErr != nil {
		diag.Error("sparsecopy teardown failed", "direction", direction, "err", closeErr)
		return closeErr
	}
	diag.Info("sparsecopy finished", "direction", direction)
	return nil
}
