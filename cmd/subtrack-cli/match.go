package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/vipul43/subtrack/internal/models"
	"github.com/vipul43/subtrack/internal/parser"
	"github.com/vipul43/subtrack/internal/templates"
)

// runMatch runs the matcher on saved .eml files, the same way an import
// would treat them
func runMatch(args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("match", flag.ContinueOnError)
	templatesPath := fs.String("templates", "", "template YAML file (default: built-in templates)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() == 0 {
		return errors.New("at least one .eml file is required")
	}

	tpls, err := loadTemplates(*templatesPath)
	if err != nil {
		return err
	}
	matcher, err := parser.NewMatcher(tpls)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	for _, path := range fs.Args() {
		if err := matchFile(matcher, path, now, stdout); err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
	}
	return nil
}

func loadTemplates(path string) ([]models.Template, error) {
	if path == "" {
		return templates.Default()
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return templates.Parse(f)
}

func matchFile(matcher *parser.Matcher, path string, now time.Time, stdout io.Writer) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	h, body, err := parser.DecodeMIME(f)
	if err != nil {
		return err
	}

	res := matcher.Match(h, body)
	if !res.Matched {
		fmt.Fprintf(stdout, "%s: no match (from=%q subject=%q)\n", path, h.From, h.Subject)
		return nil
	}

	draft := parser.BuildDraft(res, h, filepath.Base(path), now)
	fmt.Fprintf(stdout, "%s: matched %s\n", path, res.Template.ServiceName)
	for _, field := range []string{models.FieldAmount, models.FieldDate, models.FieldBillingCycle} {
		if v, ok := res.Data[field]; ok {
			fmt.Fprintf(stdout, "  %s: %q\n", field, v)
		}
	}
	fmt.Fprintf(stdout, "  draft: %s\n", draft)
	return nil
}
