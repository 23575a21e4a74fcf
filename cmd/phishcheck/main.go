// Command phishcheck classifies a single URL from the command line.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/ZanzyTHEbar/phish-o-meter/internal/adapters"
	"github.com/ZanzyTHEbar/phish-o-meter/internal/analysis"
	apperrors "github.com/ZanzyTHEbar/phish-o-meter/internal/errors"
	"github.com/ZanzyTHEbar/phish-o-meter/internal/features"
	"github.com/ZanzyTHEbar/phish-o-meter/internal/monitoring"
	"github.com/urfave/cli/v2"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newApp().RunContext(ctx, os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "phishcheck:", err)
		os.Exit(1)
	}
}

func newApp() *cli.App {
	weightsFlag := &cli.StringFlag{
		Name:    "weights",
		Aliases: []string{"w"},
		Usage:   "weights file (JSON or YAML); built-in table when empty",
		EnvVars: []string{"WEIGHTS_FILE"},
	}
	jsonFlag := &cli.BoolFlag{Name: "json", Usage: "print JSON instead of text"}

	return &cli.App{
		Name:  "phishcheck",
		Usage: "heuristic phishing URL classifier",
		Commands: []*cli.Command{
			{
				Name:  "analyze",
				Usage: "classify one URL",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "url", Aliases: []string{"u"}, Usage: "target URL", Required: true},
					&cli.StringFlag{Name: "html-file", Usage: "read page content from this file"},
					&cli.BoolFlag{Name: "fetch", Usage: "fetch the page over HTTP"},
					&cli.BoolFlag{Name: "browser", Usage: "render the page in headless Chrome"},
					&cli.StringFlag{Name: "remote-url", Usage: "DevTools URL of a running Chrome", EnvVars: []string{"CHROME_REMOTE_URL"}},
					&cli.DurationFlag{Name: "timeout", Value: analysis.DefaultFetchTimeout, Usage: "content acquisition budget"},
					&cli.BoolFlag{Name: "interactive", Aliases: []string{"i"}, Usage: "use the stricter interactive threshold"},
					&cli.BoolFlag{Name: "verbose", Aliases: []string{"v"}, Usage: "log acquisition and extraction details"},
					weightsFlag,
					jsonFlag,
				},
				Action: runAnalyze,
			},
			{
				Name:   "features",
				Usage:  "list the feature set with families and weights",
				Flags:  []cli.Flag{weightsFlag, jsonFlag},
				Action: runFeatures,
			},
			{
				Name:  "weights",
				Usage: "write the active weight table to a file",
				Flags: []cli.Flag{
					weightsFlag,
					&cli.StringFlag{Name: "out", Aliases: []string{"o"}, Usage: "destination (.json, .yaml or .yml)", Required: true},
				},
				Action: runExportWeights,
			},
		},
	}
}

func loadWeights(c *cli.Context) (analysis.WeightTable, error) {
	table, err := analysis.NewWeightStore(c.String("weights")).Load()
	if err != nil {
		return analysis.WeightTable{}, fmt.Errorf("load weights: %w", err)
	}
	return table, nil
}

func runAnalyze(c *cli.Context) error {
	if c.Bool("fetch") && c.Bool("browser") {
		return fmt.Errorf("--fetch and --browser are mutually exclusive")
	}
	if c.String("html-file") != "" && (c.Bool("fetch") || c.Bool("browser")) {
		return fmt.Errorf("--html-file cannot be combined with --fetch or --browser")
	}

	table, err := loadWeights(c)
	if err != nil {
		return err
	}

	level := slog.LevelWarn
	if c.Bool("verbose") {
		level = slog.LevelDebug
	}
	logger := monitoring.NewLoggerTo(c.App.ErrWriter, level)

	opts := []analysis.Option{
		analysis.WithLogger(logger.Logger),
		analysis.WithExtractor(features.NewExtractor(features.WithLogger(logger.Logger))),
		analysis.WithFetchTimeout(c.Duration("timeout")),
	}

	switch {
	case c.Bool("fetch"):
		fetcher := adapters.NewHTTPFetcher(adapters.WithFetchLogger(logger.Logger))
		defer apperrors.SafeClose(fetcher, "page fetcher")
		opts = append(opts, analysis.WithFetcher(fetcher))
	case c.Bool("browser"):
		browser := adapters.NewBrowserFetcher(adapters.BrowserConfig{
			RemoteURL: c.String("remote-url"),
			Logger:    logger.Logger,
		})
		defer apperrors.SafeClose(browser, "browser")
		opts = append(opts, analysis.WithFetcher(browser))
	}

	req := analysis.Request{URL: c.String("url"), Mode: analysis.ModeNavigation}
	if c.Bool("interactive") {
		req.Mode = analysis.ModeInteractive
	}
	if path := c.String("html-file"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read html file: %w", err)
		}
		req.Content = features.HTML(string(data))
	}

	rep := analysis.NewAnalyzer(table, opts...).Analyze(c.Context, req)

	if c.Bool("json") {
		return writeJSON(c.App.Writer, rep)
	}
	return printReport(c.App.Writer, rep)
}

func printReport(w io.Writer, rep analysis.Report) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "url:\t%s\n", rep.URL)
	fmt.Fprintf(tw, "mode:\t%s\n", rep.Mode)
	fmt.Fprintf(tw, "outcome:\t%s\n", rep.Outcome)
	fmt.Fprintf(tw, "verdict:\t%s\n", rep.Verdict)
	if rep.Outcome == analysis.OutcomeScored {
		fmt.Fprintf(tw, "score:\t%.3f (threshold %.2f)\n", rep.Score, rep.Threshold)
		fmt.Fprintf(tw, "confidence:\t%.2f\n", rep.Confidence)
		fmt.Fprintf(tw, "content:\t%t\n", rep.ContentAvailable)
	}
	if rep.FetchError != "" {
		fmt.Fprintf(tw, "fetch error:\t%s\n", rep.FetchError)
	}
	for _, warning := range rep.Warnings {
		fmt.Fprintf(tw, "warning:\t%s\n", warning)
	}

	top := analysis.ScoreResult{Contributors: rep.Contributors}.TopContributors(5)
	if len(top) > 0 {
		fmt.Fprintln(tw, "top contributors:")
		for _, ct := range top {
			fmt.Fprintf(tw, "  %s\t%s\t%+.3f\n", ct.Name, ct.Value, ct.Contribution)
		}
	}
	fmt.Fprintf(tw, "took:\t%s\n", time.Duration(rep.DurationMS)*time.Millisecond)
	return tw.Flush()
}

func runFeatures(c *cli.Context) error {
	table, err := loadWeights(c)
	if err != nil {
		return err
	}

	type row struct {
		Name   features.Name   `json:"name"`
		Family features.Family `json:"family"`
		Weight float64         `json:"weight"`
	}
	checks := features.DefaultRegistry().Checks()
	rows := make([]row, 0, len(checks))
	for _, ch := range checks {
		rows = append(rows, row{Name: ch.Name, Family: ch.Family, Weight: table.Weight(ch.Name)})
	}

	if c.Bool("json") {
		return writeJSON(c.App.Writer, map[string]interface{}{
			"version":  features.SetVersion,
			"features": rows,
		})
	}

	tw := tabwriter.NewWriter(c.App.Writer, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "NAME\tFAMILY\tWEIGHT\n")
	for _, r := range rows {
		fmt.Fprintf(tw, "%s\t%s\t%.2f\n", r.Name, r.Family, r.Weight)
	}
	return tw.Flush()
}

func runExportWeights(c *cli.Context) error {
	table, err := loadWeights(c)
	if err != nil {
		return err
	}

	out := analysis.NewWeightStore(c.String("out"))
	if err := out.Save(table); err != nil {
		return err
	}
	fmt.Fprintf(c.App.Writer, "wrote %d weights to %s\n", table.Len(), out.Path())
	return nil
}

func writeJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
