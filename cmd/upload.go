package cmd

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/xkilldash9x/xpmate-capture/internal/upload"
)

func newUploadCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "upload",
		Short: "Uploads the captured requests now, as the trigger URL would",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctrl, err := newController(cmd)
			if err != nil {
				return err
			}
			defer ctrl.Close()

			res, err := ctrl.Upload(cmd.Context())
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			switch res.Outcome {
			case upload.Succeeded.String():
				fmt.Fprintf(out, "Uploaded %d requests (batch %s).\n", res.Count, res.BatchID)
			case upload.Failed.String():
				return errors.New("upload failed: " + res.Error)
			default:
				fmt.Fprintln(out, "Nothing to upload.")
			}
			return nil
		},
	}
	addControlFlags(cmd)
	return cmd
}
