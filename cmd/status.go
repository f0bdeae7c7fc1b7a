package cmd

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/xkilldash9x/xpmate-capture/internal/capture"
	"github.com/xkilldash9x/xpmate-capture/internal/catalog"
)

func newStatusCmd() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Shows which report requests have been captured",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctrl, err := newController(cmd)
			if err != nil {
				return err
			}
			defer ctrl.Close()

			st, err := ctrl.Status(cmd.Context())
			if err != nil {
				return err
			}
			if asJSON {
				data, err := json.MarshalIndent(st, "", "  ")
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), string(data))
				return nil
			}
			printStatus(cmd.OutOrStdout(), st)
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the status as JSON")
	addControlFlags(cmd)
	return cmd
}

func printStatus(w io.Writer, st capture.Status) {
	fmt.Fprintf(w, "Phase:    %s\n", st.Phase)
	fmt.Fprintf(w, "Captured: %d/%d\n", st.Count, catalog.Size)
	if len(st.Missing) > 0 {
		names := make([]string, 0, len(st.Missing))
		for _, id := range st.Missing {
			if e, ok := catalog.Lookup(id); ok {
				names = append(names, e.Name)
			} else {
				names = append(names, id)
			}
		}
		fmt.Fprintf(w, "Missing:  %s\n", strings.Join(names, ", "))
	}
	if st.ExpiresAt != nil {
		fmt.Fprintf(w, "Expires:  %s\n", st.ExpiresAt.Local().Format(time.DateTime))
	}
	if st.Note != "" {
		fmt.Fprintf(w, "Note:     %s\n", st.Note)
	}
}
