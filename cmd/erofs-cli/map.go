package main

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	erofs "github.com/erofs/go-erofs"
)

type extentReport struct {
	Logical  uint64 `json:"logical" yaml:"logical"`
	Length   uint64 `json:"length" yaml:"length"`
	Physical uint64 `json:"physical" yaml:"physical"`
	Device   uint16 `json:"device" yaml:"device"`
	Type     string `json:"type" yaml:"type"`
}

// extents maps inode from start to end.
func extents(fsys *erofs.FileSystem, inode *erofs.Inode) ([]extentReport, error) {
	var list []extentReport
	size := inode.Info.FileSize()
	for off := uint64(0); off < size; {
		m, err := fsys.Map(inode, off)
		if err != nil {
			return list, fmt.Errorf("map offset %d: %w", off, err)
		}
		list = append(list, extentReport{
			Logical:  m.Logical.Start,
			Length:   m.Logical.Len,
			Physical: m.Physical.Start,
			Device:   m.DeviceID,
			Type:     m.Type.String(),
		})
		off = m.Logical.End()
	}
	return list, nil
}

func (a *app) mapCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "map <image> <path>",
		Short: "Show the extents of a file",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			img, closeImage, err := a.open(args[0])
			if err != nil {
				return err
			}
			defer closeImage()

			fi, err := img.Stat(cleanPath(args[1]))
			if err != nil {
				return err
			}
			inode, err := img.Inode(fi.Sys().(*erofs.Stat).Nid)
			if err != nil {
				return err
			}
			list, err := extents(img.FileSystem(), inode)
			if err != nil {
				return err
			}

			return a.render(cmd.OutOrStdout(), list, func(w io.Writer) {
				fmt.Fprintf(w, "LOGICAL\tLENGTH\tPHYSICAL\tDEVICE\tTYPE\n")
				for _, e := range list {
					fmt.Fprintf(w, "%d\t%d\t%d\t%d\t%s\n", e.Logical, e.Length, e.Physical, e.Device, e.Type)
				}
			})
		},
	}
}
