package main

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/signwatch/store"
)

var seedStorePath string

// seedCmd loads recipient rows from a CSV export. Record creation is owned by
// the outbound side of the system; this command is the local stand-in for it.
var seedCmd = &cobra.Command{
	Use:   "seed [csv file]",
	Short: "Load recipients into the record store from a CSV with Name,Email columns",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		file, err := os.Open(args[0])
		if err != nil {
			return fmt.Errorf("open csv: %w", err)
		}
		defer file.Close()

		st, err := store.Open(seedStorePath)
		if err != nil {
			return fmt.Errorf("open record store: %w", err)
		}
		defer st.Close()

		ctx := context.Background()
		reader := csv.NewReader(file)

		header, err := reader.Read()
		if err != nil {
			return fmt.Errorf("read csv header: %w", err)
		}
		nameIdx, emailIdx := -1, -1
		for i, column := range header {
			switch strings.ToLower(strings.TrimSpace(column)) {
			case "name":
				nameIdx = i
			case "email":
				emailIdx = i
			}
		}
		if emailIdx < 0 {
			return fmt.Errorf("csv has no Email column")
		}

		added := 0
		for line := 2; ; line++ {
			row, err := reader.Read()
			if err == io.EOF {
				break
			}
			if err != nil {
				return fmt.Errorf("read csv line %d: %w", line, err)
			}

			name := ""
			if nameIdx >= 0 && nameIdx < len(row) {
				name = strings.TrimSpace(row[nameIdx])
			}
			if err := st.AddRecipient(ctx, row[emailIdx], name); err != nil {
				return fmt.Errorf("csv line %d: %w", line, err)
			}
			added++
		}

		fmt.Printf("Seeded %d recipients into %s\n", added, seedStorePath)
		return nil
	},
}

func init() {
	seedCmd.Flags().StringVar(&seedStorePath, "store", "signwatch.db", "Path to the recipient record store")
	rootCmd.AddCommand(seedCmd)
}
