package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/signwatch/store"
)

var inspectStorePath string

var inspectCmd = &cobra.Command{
	Use:   "inspect",
	Short: "Dump recipient records from the store for auditing",
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := store.Open(inspectStorePath)
		if err != nil {
			return fmt.Errorf("open record store: %w", err)
		}
		defer st.Close()

		ctx := context.Background()
		if err := st.Negotiate(ctx, store.RecordFields); err != nil {
			return fmt.Errorf("negotiate store schema: %w", err)
		}

		recipients, err := st.Recipients(ctx)
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "EMAIL\tNAME\tREPLIED\tSIGNATURE\tOFFER\tDOCUMENT")
		for _, r := range recipients {
			replied := "No"
			if r.Record.Replied {
				replied = "Yes"
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
				r.Email, r.Name, replied,
				r.Record.SignatureVerified, r.Record.OfferSigned,
				r.Record.ExtractedDocumentRef)
		}
		if err := w.Flush(); err != nil {
			return err
		}

		fmt.Printf("\n%d recipients\n", len(recipients))
		return nil
	},
}

func init() {
	inspectCmd.Flags().StringVar(&inspectStorePath, "store", "signwatch.db", "Path to the recipient record store")
	rootCmd.AddCommand(inspectCmd)
}
