package main

import (
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"path"
	"strings"
	"time"

	"github.com/spf13/cobra"

	erofs "github.com/erofs/go-erofs"
)

type entryReport struct {
	Path    string    `json:"path" yaml:"path"`
	Mode    string    `json:"mode" yaml:"mode"`
	Size    int64     `json:"size" yaml:"size"`
	ModTime time.Time `json:"mtime" yaml:"mtime"`
	Nid     uint64    `json:"nid" yaml:"nid"`
	Target  string    `json:"target,omitempty" yaml:"target,omitempty"`
}

// newEntryReport describes name. An unreadable link target is logged and
// left empty so that one bad entry does not end a listing.
func (a *app) newEntryReport(img *erofs.Image, name string, fi fs.FileInfo) entryReport {
	e := entryReport{
		Path:    name,
		Mode:    fi.Mode().String(),
		Size:    fi.Size(),
		ModTime: fi.ModTime().UTC(),
	}
	if st, ok := fi.Sys().(*erofs.Stat); ok {
		e.Nid = st.Nid
	}
	if fi.Mode()&fs.ModeSymlink != 0 {
		target, err := img.ReadLink(name)
		if err != nil {
			a.logger.Warn("cannot read link target", slog.String("path", name), slog.Any("error", err))
		}
		e.Target = target
	}
	return e
}

func cleanPath(name string) string {
	name = strings.TrimLeft(name, "/")
	if name == "" {
		return "."
	}
	return path.Clean(name)
}

func (a *app) lsCmd() *cobra.Command {
	var (
		long      bool
		recursive bool
	)
	cmd := &cobra.Command{
		Use:   "ls <image> [path]",
		Short: "List a directory",
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

			var entries []entryReport
			if recursive {
				err = fs.WalkDir(img, dir, func(name string, entry fs.DirEntry, err error) error {
					if err != nil {
						return err
					}
					if name == dir {
						return nil
					}
					fi, err := entry.Info()
					if err != nil {
						return err
					}
					entries = append(entries, a.newEntryReport(img, name, fi))
					return nil
				})
			} else {
				var list []fs.DirEntry
				list, err = img.ReadDir(dir)
				for _, entry := range list {
					fi, ierr := entry.Info()
					if ierr != nil {
						return ierr
					}
					entries = append(entries, a.newEntryReport(img, path.Join(dir, entry.Name()), fi))
				}
			}
			if err != nil {
				return err
			}

			return a.render(cmd.OutOrStdout(), entries, func(w io.Writer) {
				for _, e := range entries {
					name := e.Path
					if !recursive {
						name = path.Base(name)
					}
					if !long {
						fmt.Fprintln(w, name)
						continue
					}
					if e.Target != "" {
						name += " -> " + e.Target
					}
					fmt.Fprintf(w, "%s\t%d\t%d\t%s\t%s\n", e.Mode, e.Nid, e.Size, e.ModTime.Format("2006-01-02 15:04"), name)
				}
			})
		},
	}
	cmd.Flags().BoolVarP(&long, "long", "l", false, "show mode, nid, size and modification time")
	cmd.Flags().BoolVarP(&recursive, "recursive", "R", false, "list subdirectories recursively")
	return cmd
}

func (a *app) catCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cat <image> <path>",
		Short: "Write the contents of a file to stdout",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			img, closeImage, err := a.open(args[0])
			if err != nil {
				return err
			}
			defer closeImage()

			f, err := img.Open(cleanPath(args[1]))
			if err != nil {
				return err
			}
			defer f.Close()
			_, err = io.Copy(cmd.OutOrStdout(), f)
			return err
		},
	}
}

type statReport struct {
	entryReport `yaml:",inline"`

	Layout     string `json:"layout" yaml:"layout"`
	UID        uint32 `json:"uid" yaml:"uid"`
	GID        uint32 `json:"gid" yaml:"gid"`
	Nlink      int    `json:"nlink" yaml:"nlink"`
	Ino        int64  `json:"ino" yaml:"ino"`
	XattrCount int16  `json:"xattr_count" yaml:"xattr_count"`
	Rdev       uint32 `json:"rdev,omitempty" yaml:"rdev,omitempty"`
}

func (a *app) statCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stat <image> <path>",
		Short: "Show inode details",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			img, closeImage, err := a.open(args[0])
			if err != nil {
				return err
			}
			defer closeImage()

			name := cleanPath(args[1])
			fi, err := img.Stat(name)
			if err != nil {
				return err
			}
			st := fi.Sys().(*erofs.Stat)
			report := statReport{
				entryReport: a.newEntryReport(img, name, fi),
				Layout:      erofs.Layout(st.InodeLayout).String(),
				UID:         st.UID,
				GID:         st.GID,
				Nlink:       st.Nlink,
				Ino:         st.Inode,
				XattrCount:  st.XattrCount,
				Rdev:        st.Rdev,
			}

			return a.render(cmd.OutOrStdout(), report, func(w io.Writer) {
				fmt.Fprintf(w, "Path:\t%s\n", report.Path)
				if report.Target != "" {
					fmt.Fprintf(w, "Target:\t%s\n", report.Target)
				}
				fmt.Fprintf(w, "Nid:\t%d\n", report.Nid)
				fmt.Fprintf(w, "Ino:\t%d\n", report.Ino)
				fmt.Fprintf(w, "Mode:\t%s\n", report.Mode)
				fmt.Fprintf(w, "Layout:\t%s\n", report.Layout)
				fmt.Fprintf(w, "Size:\t%d\n", report.Size)
				fmt.Fprintf(w, "Links:\t%d\n", report.Nlink)
				fmt.Fprintf(w, "Uid/Gid:\t%d/%d\n", report.UID, report.GID)
				fmt.Fprintf(w, "Xattrs:\t%d\n", report.XattrCount)
				if report.Rdev != 0 {
					fmt.Fprintf(w, "Rdev:\t%#x\n", report.Rdev)
				}
				fmt.Fprintf(w, "Modified:\t%s\n", report.ModTime.Format(time.RFC3339Nano))
			})
		},
	}
}
