package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/vipul43/subtrack/internal/client"
	"github.com/vipul43/subtrack/internal/models"
)

var errImportFailed = errors.New("import failed")

func runImport(ctx context.Context, args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("import", flag.ContinueOnError)
	api := fs.String("api", "http://localhost:8080", "API base URL")
	token := fs.String("token", os.Getenv("SUBTRACK_TOKEN"), "bearer token (default $SUBTRACK_TOKEN)")
	connection := fs.String("connection", "", "email connection id")
	interval := fs.Duration("interval", client.DefaultPollInterval, "poll interval")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *connection == "" {
		return errors.New("-connection is required")
	}
	if *token == "" {
		return errors.New("-token is required")
	}

	c := client.New(*api, *token)

	importID, err := c.StartImport(ctx, *connection)
	if err != nil {
		return err
	}
	fmt.Fprintf(stdout, "import %s started\n", importID)

	run, err := c.PollImport(ctx, importID, *interval, func(r *models.ImportRun) {
		fmt.Fprintf(stdout, "%s  %-11s processed=%d found=%d\n",
			time.Now().Format(time.TimeOnly), r.Status, r.EmailsProcessed, r.SubscriptionsFound)
	})
	if err != nil {
		return err
	}

	if run.Status == models.ImportStatusFailed {
		msg := "unknown error"
		if run.ErrorMessage != nil {
			msg = *run.ErrorMessage
		}
		return fmt.Errorf("%w: %s", errImportFailed, msg)
	}

	fmt.Fprintf(stdout, "import %s completed: %d emails, %d new subscriptions\n", run.ID, run.EmailsProcessed, run.SubscriptionsFound)
	return nil
}
