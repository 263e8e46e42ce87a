package cmd

import (
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/sscafiti/blkclone/internal/env"
	"github.com/sscafiti/blkclone/internal/errs"
)

var AppName = env.AppName

// openDiagWriter opens the structured-diagnostics sink named by --log, or
// io.Discard when the flag was left empty. The returned close func is
// always safe to defer.
func openDiagWriter(path string) (io.Writer, func(), error) {
	if path == "" {
		return io.Discard, func() {}, nil
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, nil, errs.Wrap(errs.IoError, err, "opening diagnostics log %q", path)
	}
	return f, func() { f.Close() }, nil
}

func Execute() error {
	rootCmd := &cobra.Command{
		Use:           AppName,
		Short:         AppName + " - sparse disk imaging: filesystem block-map analysis and extent-aware copy",
		SilenceErrors: true,
	}

	rootCmd.AddCommand(DefineAnalyzeCommand())
	rootCmd.AddCommand(DefineSparsecopyCommand())

	return rootCmd.Execute()
}
