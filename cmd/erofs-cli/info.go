package main

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

type infoReport struct {
	UUID            string         `json:"uuid" yaml:"uuid"`
	VolumeName      string         `json:"volume_name" yaml:"volume_name"`
	BlockSize       uint64         `json:"block_size" yaml:"block_size"`
	Blocks          uint32         `json:"blocks" yaml:"blocks"`
	Inodes          uint64         `json:"inodes" yaml:"inodes"`
	RootNid         uint16         `json:"root_nid" yaml:"root_nid"`
	MetaBlkAddr     uint32         `json:"meta_blkaddr" yaml:"meta_blkaddr"`
	XattrBlkAddr    uint32         `json:"xattr_blkaddr" yaml:"xattr_blkaddr"`
	BuildTime       time.Time      `json:"build_time" yaml:"build_time"`
	FeatureCompat   []string       `json:"feature_compat" yaml:"feature_compat"`
	FeatureIncompat []string       `json:"feature_incompat" yaml:"feature_incompat"`
	XattrPrefixes   []string       `json:"xattr_prefixes,omitempty" yaml:"xattr_prefixes,omitempty"`
	Devices         []deviceReport `json:"devices,omitempty" yaml:"devices,omitempty"`
}

type deviceReport struct {
	ID           int    `json:"id" yaml:"id"`
	Tag          string `json:"tag" yaml:"tag"`
	Blocks       uint32 `json:"blocks" yaml:"blocks"`
	MappedBlocks uint32 `json:"mapped_blkaddr" yaml:"mapped_blkaddr"`
}

func (a *app) infoCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "info <image>",
		Short: "Show superblock, feature and device information",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			img, closeImage, err := a.open(args[0])
			if err != nil {
				return err
			}
			defer closeImage()

			fsys := img.FileSystem()
			sb := fsys.SuperBlock()
			report := infoReport{
				UUID:         sb.UUID().String(),
				VolumeName:   sb.VolumeName(),
				BlockSize:    sb.Blksz(),
				Blocks:       sb.Blocks,
				Inodes:       sb.Inos,
				RootNid:      sb.RootNid,
				MetaBlkAddr:  sb.MetaBlkAddr,
				XattrBlkAddr: sb.XattrBlkAddr,
				BuildTime:    time.Unix(int64(sb.BuildTime), int64(sb.BuildTimeNs)).UTC(),
			}
			report.FeatureCompat, report.FeatureIncompat = sb.Features()
			for _, infix := range fsys.XattrInfixes() {
				report.XattrPrefixes = append(report.XattrPrefixes, fmt.Sprintf("%d:%s", infix.PrefixIndex(), infix.Name()))
			}
			for i, spec := range fsys.DeviceInfo().Specs {
				report.Devices = append(report.Devices, deviceReport{
					ID:           i + 1,
					Tag:          strings.TrimRight(string(spec.Tag[:]), "\x00"),
					Blocks:       spec.Blocks,
					MappedBlocks: spec.MappedBlocks,
				})
			}

			return a.render(cmd.OutOrStdout(), report, func(w io.Writer) {
				fmt.Fprintf(w, "UUID:\t%s\n", report.UUID)
				fmt.Fprintf(w, "Volume name:\t%s\n", report.VolumeName)
				fmt.Fprintf(w, "Block size:\t%d\n", report.BlockSize)
				fmt.Fprintf(w, "Blocks:\t%d\n", report.Blocks)
				fmt.Fprintf(w, "Inodes:\t%d\n", report.Inodes)
				fmt.Fprintf(w, "Root nid:\t%d\n", report.RootNid)
				fmt.Fprintf(w, "Meta blkaddr:\t%d\n", report.MetaBlkAddr)
				fmt.Fprintf(w, "Xattr blkaddr:\t%d\n", report.XattrBlkAddr)
				fmt.Fprintf(w, "Build time:\t%s\n", report.BuildTime.Format(time.RFC3339Nano))
				fmt.Fprintf(w, "Compat features:\t%s\n", strings.Join(report.FeatureCompat, " "))
				fmt.Fprintf(w, "Incompat features:\t%s\n", strings.Join(report.FeatureIncompat, " "))
				for _, p := range report.XattrPrefixes {
					fmt.Fprintf(w, "Xattr prefix:\t%s\n", p)
				}
				for _, d := range report.Devices {
					fmt.Fprintf(w, "Device %d:\t%s\t%d blocks\tmapped at %d\n", d.ID, d.Tag, d.Blocks, d.MappedBlocks)
				}
			})
		},
	}
}
