package main

import (
	"encoding/hex"
	"fmt"
	"io"
	"io/fs"

	"github.com/spf13/cobra"
	"lukechampine.com/blake3"
)

type sumReport struct {
	Path   string `json:"path" yaml:"path"`
	Size   int64  `json:"size" yaml:"size"`
	Blake3 string `json:"blake3" yaml:"blake3"`
}

func digest(fsys fs.FS, name string) (string, error) {
	f, err := fsys.Open(name)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := blake3.New(32, nil)
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("%s: %w", name, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func (a *app) sumCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sum <image> [path]",
		Short: "Print the BLAKE3 digest of every regular file",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			img, closeImage, err := a.open(args[0])
			if err != nil {
				return err
			}
			defer closeImage()

			dir := "."
			if len(args) > 1 {
				dir = cleanPath(args[1])
			}

			var list []sumReport
			err = fs.WalkDir(img, dir, func(name string, entry fs.DirEntry, err error) error {
				if err != nil {
					return err
				}
				if !entry.Type().IsRegular() {
					return nil
				}
				fi, err := entry.Info()
				if err != nil {
					return err
				}
				sum, err := digest(img, name)
				if err != nil {
					return err
				}
				a.logger.Debug("hashed file", "path", name, "size", fi.Size())
				list = append(list, sumReport{Path: name, Size: fi.Size(), Blake3: sum})
				return nil
			})
			if err != nil {
				return err
			}

			return a.render(cmd.OutOrStdout(), list, func(w io.Writer) {
				for _, s := range list {
					fmt.Fprintf(w, "%s\t%s\n", s.Blake3, s.Path)
				}
			})
		},
	}
}
