package main

import (
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/erofs/go-erofs/internal/fusefs"
)

func (a *app) mountCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "mount <image> <dir>",
		Short: "Mount an image read-only through FUSE",
		Long: `Mount serves the image at dir until it is unmounted or the command is
interrupted.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			img, closeImage, err := a.open(args[0])
			if err != nil {
				return err
			}
			defer closeImage()

			server, err := fusefs.Mount(args[1], img.FileSystem(), fusefs.Options{
				AllowOther: a.cfg.Mount.AllowOther,
				Debug:      a.cfg.Mount.Debug,
				FsName:     a.cfg.Mount.FsName,
				Logger:     a.logger,
			})
			if err != nil {
				return err
			}
			a.logger.Info("mounted", slog.String("image", args[0]), slog.String("dir", args[1]))

			sigs := make(chan os.Signal, 1)
			signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
			defer signal.Stop(sigs)
			done := make(chan struct{})
			defer close(done)
			go func() {
				select {
				case <-sigs:
					if err := server.Unmount(); err != nil {
						a.logger.Error("unmount failed", slog.Any("error", err))
					}
				case <-done:
				}
			}()
			server.Wait()
			return nil
		},
	}
	flags := cmd.Flags()
	flags.Bool("allow-other", false, "allow other users to access the mount")
	flags.Bool("debug", false, "log every FUSE request")
	flags.String("fsname", "erofs", "file system name shown in the mount table")
	a.v.BindPFlag("mount.allow_other", flags.Lookup("allow-other"))
	a.v.BindPFlag("mount.debug", flags.Lookup("debug"))
	a.v.BindPFlag("mount.fs_name", flags.Lookup("fsname"))
	return cmd
}
