// Command ojp-client-demo runs a query against an OJP proxy cluster
// through the "ojp" database/sql driver and prints the result set.
// Grounded on the teacher's examples/client/sql-example/main.go (same
// sql.Open + rows.Columns()/Scan() loop), retargeted at the "ojp" driver
// and its bracketed multi-endpoint DSN instead of burrowctl's single
// deviceID DSN.
package main

import (
	"database/sql"
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	_ "github.com/openjproxy/ojp/client"
)

var (
	dsn   string
	query string
	debug bool
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "ojp-client-demo",
	Short: "Run a SQL query through an OJP proxy cluster",
	RunE:  run,
}

func init() {
	rootCmd.Flags().StringVar(&dsn, "dsn", "jdbc:ojp[localhost:5672]_user:pass@tcp(localhost:3306)/demo?timeout=5s", "OJP DSN")
	rootCmd.Flags().StringVar(&query, "query", "SELECT 1", "SQL query to run")
	rootCmd.Flags().BoolVar(&debug, "debug", false, "enable debug logging")
}

func run(_ *cobra.Command, _ []string) error {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	if debug {
		log.Logger = log.Logger.Level(zerolog.DebugLevel)
	} else {
		log.Logger = log.Logger.Level(zerolog.InfoLevel)
	}

	db, err := sql.Open("ojp", dsn)
	if err != nil {
		return fmt.Errorf("ojp-client-demo: open: %w", err)
	}
	defer db.Close()

	rows, err := db.Query(query)
	if err != nil {
		return fmt.Errorf("ojp-client-demo: query failed: %w", err)
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return fmt.Errorf("ojp-client-demo: columns: %w", err)
	}

	for i, col := range columns {
		if i > 0 {
			fmt.Print(" | ")
		}
		fmt.Printf("%-15s", col)
	}
	fmt.Println()

	for rows.Next() {
		values := make([]interface{}, len(columns))
		scanArgs := make([]interface{}, len(columns))
		for i := range values {
			scanArgs[i] = &values[i]
		}
		if err := rows.Scan(scanArgs...); err != nil {
			return fmt.Errorf("ojp-client-demo: scan: %w", err)
		}
		for i, val := range values {
			if i > 0 {
				fmt.Print(" | ")
			}
			if val == nil {
				fmt.Printf("%-15s", "<NULL>")
			} else {
				fmt.Printf("%-15v", val)
			}
		}
		fmt.Println()
	}
	return rows.Err()
}
