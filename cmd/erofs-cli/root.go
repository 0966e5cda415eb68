package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	erofs "github.com/erofs/go-erofs"
)

// app carries the state shared by every subcommand. It is filled in by the
// root command before a subcommand runs.
type app struct {
	v      *viper.Viper
	cfg    Config
	logger *slog.Logger
}

func newRootCmd() *cobra.Command {
	a := &app{v: viper.New()}

	cmd := &cobra.Command{
		Use:   "erofs-cli",
		Short: "Read-only EROFS image explorer",
		Long: `erofs-cli inspects EROFS images without mounting them.

It prints superblock and device information, lists directories, reads
files, symlinks and extended attributes, shows how file data maps onto the
image and can mount an image read-only through FUSE.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.load(cmd)
		},
	}

	pf := cmd.PersistentFlags()
	pf.String("config", "", "config file (default erofs-cli.yaml in ., $HOME/.config/erofs or /etc/erofs)")
	pf.StringP("output", "o", "table", "output format (table, json, yaml)")
	pf.BoolP("verbose", "v", false, "enable debug logging")
	a.v.BindPFlag("output", pf.Lookup("output"))

	cmd.AddCommand(
		a.infoCmd(),
		a.lsCmd(),
		a.catCmd(),
		a.statCmd(),
		a.mapCmd(),
		a.xattrCmd(),
		a.sumCmd(),
		a.mountCmd(),
	)
	return cmd
}

// open decodes the image at path. The returned function closes the file.
func (a *app) open(path string) (*erofs.Image, func() error, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, err
	}
	img, err := erofs.Open(f, erofs.WithLogger(a.logger))
	if err != nil {
		f.Close()
		return nil, nil, fmt.Errorf("%s: %w", path, err)
	}
	return img, f.Close, nil
}
