package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/ternarybob/salas/internal/app"
	"github.com/ternarybob/salas/internal/bridge"
	"github.com/ternarybob/salas/internal/jobs"
	"github.com/ternarybob/salas/internal/models"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the worker once and print its output",
	Long:  `Runs one job in the foreground, writing each worker line to stdout. Exits non-zero when the job fails.`,
	RunE:  runOnce,
}

var (
	runYear     int
	runSemester int
)

func init() {
	runCmd.Flags().IntVar(&runYear, "year", 0, "Academic year passed to the worker")
	runCmd.Flags().IntVar(&runSemester, "semester", 0, "Semester passed to the worker (1 or 2)")
}

func runOnce(cmd *cobra.Command, args []string) error {
	var period *models.Period
	if cmd.Flags().Changed("year") || cmd.Flags().Changed("semester") {
		period = &models.Period{Year: runYear, Semester: runSemester}
	}

	application, err := app.New(config, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize application: %w", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := application.Close(ctx); err != nil {
			logger.Error().Err(err).Msg("Failed to close application")
		}
	}()

	reservation, err := application.JobManager.Reserve(jobs.Request{Trigger: models.TriggerCLI, Period: period})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	result := reservation.Run(ctx, bridge.NewWriterSink(os.Stdout, application.JobManager.Encoder()))
	if !result.Success() {
		return fmt.Errorf("job %s %s: %s", reservation.ID(), result.Outcome, result.Detail)
	}
	return nil
}
