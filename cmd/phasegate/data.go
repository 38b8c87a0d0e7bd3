package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/danielpatrickdp/phasegate/internal/rpc"
)

var dataFile string

// #region export

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Write every transition and security event as JSON Lines",
	RunE:  runExport,
}

func runExport(cmd *cobra.Command, args []string) error {
	var w io.Writer = os.Stdout
	if dataFile != "" && dataFile != "-" {
		f, err := os.Create(dataFile)
		if err != nil {
			return fmt.Errorf("create %s: %w", dataFile, err)
		}
		defer f.Close()
		w = f
	}

	if remoteAddr != "" {
		c, err := rpc.NewClient(remoteAddr)
		if err != nil {
			return err
		}
		defer c.Close()
		data, err := c.ExportTrajectories(cmd.Context())
		if err != nil {
			return err
		}
		_, err = w.Write(data)
		return err
	}

	e, err := openEngine()
	if err != nil {
		return err
	}
	defer e.Close()
	return e.ExportTrajectories(cmd.Context(), w)
}

// #endregion export

// #region import

var importCmd = &cobra.Command{
	Use:   "import",
	Short: "Restore a JSON Lines export; records already present are skipped",
	RunE:  runImport,
}

func runImport(cmd *cobra.Command, args []string) error {
	var r io.Reader = os.Stdin
	if dataFile != "" && dataFile != "-" {
		f, err := os.Open(dataFile)
		if err != nil {
			return fmt.Errorf("open %s: %w", dataFile, err)
		}
		defer f.Close()
		r = f
	}

	e, err := openEngine()
	if err != nil {
		return err
	}
	defer e.Close()
	stats, err := e.ImportTrajectories(cmd.Context(), r)
	if err != nil {
		return err
	}
	logger.Info("import complete",
		zap.Int("transitions", stats.Transitions),
		zap.Int("events", stats.Events),
		zap.Int("skipped", stats.Skipped),
	)
	fmt.Printf("imported %d transitions, %d events (%d skipped)\n", stats.Transitions, stats.Events, stats.Skipped)
	return nil
}

// #endregion import

func init() {
	exportCmd.Flags().StringVarP(&dataFile, "file", "f", "", "output file (stdout when empty or -)")
	addRemoteFlag(exportCmd)
	importCmd.Flags().StringVarP(&dataFile, "file", "f", "", "input file (stdin when empty or -)")
}
