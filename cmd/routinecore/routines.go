package main

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/nerrad567/routine-core/internal/routine"
	"github.com/nerrad567/routine-core/internal/routines"
)

func newRoutinesCmd() *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "routines [id]",
		Short: "List the built-in routines, or describe one",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			catalog, err := routines.NewCatalog()
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if len(args) == 1 {
				info, err := catalog.Get(args[0])
				if err != nil {
					return err
				}
				if asJSON {
					return writeJSON(out, info)
				}
				return describeRoutine(out, info)
			}

			infos := catalog.List()
			if asJSON {
				return writeJSON(out, infos)
			}
			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tTITLE\tDEVICES")
			for _, info := range infos {
				fmt.Fprintf(tw, "%s\t%s\t%s\n", info.ID, info.Title, deviceSummary(info))
			}
			return tw.Flush()
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON instead of a table")
	return cmd
}

// deviceSummary lists roles, marking optional ones with a trailing "?".
func deviceSummary(info routine.Info) string {
	roles := make([]string, 0, len(info.RequiredDevices))
	for _, req := range info.RequiredDevices {
		role := req.LogicalID
		if !req.Required {
			role += "?"
		}
		roles = append(roles, role)
	}
	return strings.Join(roles, ", ")
}

func describeRoutine(out io.Writer, info routine.Info) error {
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "%s (%s)\n%s\n\n", info.Title, info.ID, info.Description)

	fmt.Fprintln(tw, "ROLE\tTYPE\tREQUIRED")
	for _, req := range info.RequiredDevices {
		fmt.Fprintf(tw, "%s\t%s\t%t\n", req.LogicalID, req.Type, req.Required)
	}

	names := make([]string, 0, len(info.Parameters))
	for name := range info.Parameters {
		names = append(names, name)
	}
	sort.Strings(names)

	fmt.Fprintln(tw, "\nPARAMETER\tTYPE\tDEFAULT\tRANGE")
	for _, name := range names {
		spec := info.Parameters[name]
		bounds := ""
		if spec.Type == routine.ParamInteger || spec.Type == routine.ParamNumber {
			bounds = fmt.Sprintf("%g..%g", spec.Min, spec.Max)
		}
		fmt.Fprintf(tw, "%s\t%s\t%v\t%s\n", name, spec.Type, spec.Default, bounds)
	}
	return tw.Flush()
}

func writeJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
