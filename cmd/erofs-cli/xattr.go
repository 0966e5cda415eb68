package main

import (
	"fmt"
	"io"
	"strconv"
	"unicode/utf8"

	"github.com/spf13/cobra"
)

type xattrReport struct {
	Name  string `json:"name" yaml:"name"`
	Value string `json:"value" yaml:"value"`
}

func printableValue(b []byte) string {
	if utf8.Valid(b) {
		return string(b)
	}
	return fmt.Sprintf("0x%x", b)
}

func (a *app) xattrCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "xattr <image> <path> [name]",
		Short: "List extended attributes or print one value",
		Args:  cobra.RangeArgs(2, 3),
		RunE: func(cmd *cobra.Command, args []string) error {
			img, closeImage, err := a.open(args[0])
			if err != nil {
				return err
			}
			defer closeImage()

			name := cleanPath(args[1])
			if len(args) == 3 {
				value, err := img.Getxattr(name, args[2])
				if err != nil {
					return err
				}
				_, err = cmd.OutOrStdout().Write(value)
				return err
			}

			names, err := img.Listxattr(name)
			if err != nil {
				return err
			}
			list := make([]xattrReport, 0, len(names))
			for _, attr := range names {
				value, err := img.Getxattr(name, attr)
				if err != nil {
					return err
				}
				list = append(list, xattrReport{Name: attr, Value: printableValue(value)})
			}

			return a.render(cmd.OutOrStdout(), list, func(w io.Writer) {
				for _, x := range list {
					fmt.Fprintf(w, "%s\t%s\n", x.Name, strconv.Quote(x.Value))
				}
			})
		},
	}
}
