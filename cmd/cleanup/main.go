package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/mediacourse/segment-pipeline/internal/db"
	"github.com/mediacourse/segment-pipeline/internal/pipeline"
)

func main() {
	hours := flag.Float64("hours", pipeline.DefaultStaleThreshold.Hours(), "staleness threshold in hours")
	dryRun := flag.Bool("dry-run", false, "report stale records without deleting them")
	yes := flag.Bool("yes", false, "skip the confirmation prompt")
	flag.Parse()

	godotenv.Load(".env.local", ".env")

	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})

	pgDB, err := db.InitFromEnv()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to PostgreSQL")
	}
	defer pgDB.Close()

	ctx := context.Background()
	threshold := time.Duration(*hours * float64(time.Hour))
	reaper := pipeline.NewReaper(pgDB.GetDB(), db.NewDbQueue(pgDB.GetDB()))

	stale, err := reaper.FindStale(ctx, threshold)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to find stale records")
	}

	if len(stale) == 0 {
		fmt.Printf("No processing records older than %.1f hours.\n", threshold.Hours())
		return
	}

	printStaleTable(stale)

	if *dryRun {
		fmt.Printf("\nDry run: %d stale record(s) would be deleted.\n", len(stale))
		return
	}

	if !*yes && !confirm(len(stale)) {
		fmt.Println("Aborted.")
		return
	}

	result, err := reaper.Reap(ctx, threshold, false)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to delete stale records")
	}

	fmt.Printf("Deleted %d stale record(s).\n", result.Count)
}

func printStaleTable(stale []pipeline.StaleRecord) {
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "TABLE\tID\tSEGMENT\tBATCH\tSTATUS\tSTARTED\tAGE")
	for _, rec := range stale {
		batch := rec.BatchID
		if batch == "" {
			batch = "-"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			rec.Table, rec.ID, rec.SegmentID, batch, rec.Status,
			rec.StartedAt.Format(time.RFC3339), rec.Age.Round(time.Minute),
		)
	}
	w.Flush()
}

func confirm(count int) bool {
	fmt.Printf("\nDelete %d stale record(s)? [y/N]: ", count)
	reader := bufio.NewReader(os.Stdin)
	answer, err := reader.ReadString('\n')
	if err != nil {
		return false
	}
	return strings.EqualFold(strings.TrimSpace(answer), "y")
}
