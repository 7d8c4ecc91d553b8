package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/entrhq/browseract/pkg/browser"
	"github.com/entrhq/browseract/pkg/capture"
	"github.com/entrhq/browseract/pkg/script"
	"github.com/entrhq/browseract/pkg/server"
)

func (c *cli) screenshotCmd() *cobra.Command {
	var (
		output    string
		format    string
		quality   int
		fullPage  bool
		delay     time.Duration
		waitUntil string
		timeout   time.Duration
	)
	cmd := &cobra.Command{
		Use:   "screenshot URL",
		Short: "Capture a page as an image",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			job := capture.NewScreenshotJob(args[0])
			job.Format = browser.ImageFormat(strings.ToLower(format))
			job.FullPage = fullPage
			job.Delay = delay
			job.Timeout = timeout
			job.WaitUntil = browser.WaitUntil(waitUntil)
			if job.Format == browser.FormatJPEG {
				job.Quality = browser.IntPtr(quality)
			} else {
				job.Quality = nil
			}
			if output == "" {
				output = "screenshot." + extension(job.Format)
			}
			return c.captureTo(cmd, job, output)
		},
	}
	f := cmd.Flags()
	f.StringVarP(&output, "output", "o", "", "output file (default screenshot.<format>)")
	f.StringVar(&format, "format", string(capture.DefaultScreenshotFormat), "image format: png or jpeg")
	f.IntVar(&quality, "quality", capture.DefaultScreenshotQuality, "jpeg quality 0-100")
	f.BoolVar(&fullPage, "full-page", true, "capture the full scrollable page")
	f.DurationVar(&delay, "delay", 0, "wait after load before capturing")
	f.StringVar(&waitUntil, "wait-until", "", "load, domcontentloaded or networkidle (default load)")
	f.DurationVar(&timeout, "timeout", 0, "bound for each action (default from config)")
	return cmd
}

func (c *cli) pdfCmd() *cobra.Command {
	var (
		output          string
		format          string
		landscape       bool
		printBackground bool
		margin          string
		cssPageSize     bool
		header          string
		footer          string
		waitUntil       string
		timeout         time.Duration
	)
	cmd := &cobra.Command{
		Use:   "pdf URL",
		Short: "Print a page to PDF (chromium, headless)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			job := capture.PDFJob{
				URL:       args[0],
				WaitUntil: browser.WaitUntil(waitUntil),
				Timeout:   timeout,
				Options: browser.CapturePDF{
					Format:            format,
					PrintBackground:   browser.BoolPtr(printBackground),
					Landscape:         browser.BoolPtr(landscape),
					PreferCSSPageSize: browser.BoolPtr(cssPageSize),
				},
			}
			if margin != "" {
				job.Options.Margin = &browser.Margin{Top: margin, Right: margin, Bottom: margin, Left: margin}
			}
			if header != "" || footer != "" {
				job.Options.DisplayHeaderFooter = browser.BoolPtr(true)
				if header != "" {
					job.Options.HeaderTemplate = browser.StringPtr(header)
				}
				if footer != "" {
					job.Options.FooterTemplate = browser.StringPtr(footer)
				}
			}
			return c.captureTo(cmd, job, output)
		},
	}
	f := cmd.Flags()
	f.StringVarP(&output, "output", "o", "output.pdf", "output file")
	f.StringVar(&format, "format", browser.DefaultPDFFormat, "paper format, e.g. A4 or Letter")
	f.BoolVar(&landscape, "landscape", false, "landscape orientation")
	f.BoolVar(&printBackground, "print-background", true, "print background graphics")
	f.StringVar(&margin, "margin", "", "margin for all sides as a CSS length, e.g. 1cm")
	f.BoolVar(&cssPageSize, "prefer-css-page-size", false, "use the page size declared in CSS")
	f.StringVar(&header, "header-template", "", "HTML header template (enables header and footer)")
	f.StringVar(&footer, "footer-template", "", "HTML footer template (enables header and footer)")
	f.StringVar(&waitUntil, "wait-until", "", "load, domcontentloaded or networkidle (default load)")
	f.DurationVar(&timeout, "timeout", 0, "bound for each action (default from config)")
	return cmd
}

// captureTo runs one capture job and writes its artifact to path.
func (c *cli) captureTo(cmd *cobra.Command, job capture.Job, path string) (err error) {
	rt, err := c.setup(false)
	if err != nil {
		return err
	}
	defer func() { err = errors.Join(err, rt.Close()) }()

	if err := rt.checkURL(job.Target()); err != nil {
		return err
	}

	a, err := rt.runner.Run(cmd.Context(), job)
	if err != nil {
		return err
	}
	if err := writeFile(path, a.Data); err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if a.Pages > 0 {
		fmt.Fprintf(out, "Wrote %s (%d bytes, %d pages) in %s\n", path, len(a.Data), a.Pages, a.Duration.Round(time.Millisecond))
	} else {
		fmt.Fprintf(out, "Wrote %s (%d bytes) in %s\n", path, len(a.Data), a.Duration.Round(time.Millisecond))
	}
	return nil
}

func (c *cli) runCmd() *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:   "run STEPS.yaml",
		Short: "Run a step script and print the results as JSON",
		Long: `Run a YAML or JSON step script in a fresh session. Execution stops at
the first failed step. Results are printed as JSON; binary payloads are
base64. With -o the last screenshot or PDF is also written to a file.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) (err error) {
			doc, err := script.LoadFile(args[0])
			if err != nil {
				return err
			}
			reqs, err := doc.Requests()
			if err != nil {
				return err
			}

			rt, err := c.setup(false)
			if err != nil {
				return err
			}
			defer func() { err = errors.Join(err, rt.Close()) }()

			for _, req := range reqs {
				if nav, ok := req.(browser.Navigate); ok {
					if err := rt.checkURL(nav.URL); err != nil {
						return err
					}
				}
			}

			a, runErr := rt.runner.Run(cmd.Context(), capture.ScriptJob{Name: doc.Name, Requests: reqs})
			if a != nil {
				if err := printJSON(cmd.OutOrStdout(), script.EncodeAll(a.Results)); err != nil {
					return err
				}
				if output != "" && len(a.Data) > 0 && runErr == nil {
					if err := writeFile(output, a.Data); err != nil {
						return err
					}
				}
			}
			return runErr
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "", "write the last screenshot or PDF to this file")
	return cmd
}

func (c *cli) batchCmd() *cobra.Command {
	var (
		outDir      string
		format      string
		concurrency int
		delay       time.Duration
	)
	cmd := &cobra.Command{
		Use:   "batch URLS.txt",
		Short: "Capture every URL of a file concurrently",
		Long: `Capture every URL listed in a file, one per line, each in its own
session. Blank lines and lines starting with # are skipped. Files are
named <n>-<host-and-path>.<ext> in the output directory.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) (err error) {
			f, err := os.Open(args[0])
			if err != nil {
				return fmt.Errorf("failed to open URL list: %w", err)
			}
			urls, err := readURLList(f)
			_ = f.Close()
			if err != nil {
				return err
			}
			if len(urls) == 0 {
				return fmt.Errorf("no URLs in %s", args[0])
			}

			rt, err := c.setup(false)
			if err != nil {
				return err
			}
			defer func() { err = errors.Join(err, rt.Close()) }()

			if outDir == "" {
				outDir = rt.cfg.Output.Dir
			}
			if concurrency <= 0 {
				concurrency = rt.cfg.Output.Concurrency
			}
			if limit := rt.cfg.Browser.MaxSessions; limit > 0 && (concurrency <= 0 || concurrency > limit) {
				concurrency = limit
			}

			jobs := make([]capture.Job, 0, len(urls))
			for _, u := range urls {
				if err := rt.checkURL(u); err != nil {
					return err
				}
				job, err := batchJob(u, strings.ToLower(format), delay)
				if err != nil {
					return err
				}
				jobs = append(jobs, job)
			}

			results, err := rt.runner.Batch(cmd.Context(), jobs, concurrency)
			return reportBatch(cmd.OutOrStdout(), rt.log.Zap(), results, outDir, err)
		},
	}
	fl := cmd.Flags()
	fl.StringVar(&outDir, "out-dir", "", "output directory (default output.dir from config)")
	fl.StringVar(&format, "format", "jpeg", "capture format: jpeg, png or pdf")
	fl.IntVar(&concurrency, "concurrency", 0, "parallel sessions (default output.concurrency from config)")
	fl.DurationVar(&delay, "delay", 0, "wait after load before each screenshot")
	return cmd
}

// batchJob builds the capture job for one URL of a batch.
func batchJob(u, format string, delay time.Duration) (capture.Job, error) {
	switch format {
	case "pdf":
		return capture.PDFJob{URL: u, Options: browser.CapturePDF{Format: browser.DefaultPDFFormat, PrintBackground: browser.BoolPtr(true)}}, nil
	case "jpeg", "jpg":
		job := capture.NewScreenshotJob(u)
		job.Delay = delay
		return job, nil
	case "png":
		job := capture.NewScreenshotJob(u)
		job.Format = browser.FormatPNG
		job.Quality = nil
		job.Delay = delay
		return job, nil
	default:
		return nil, fmt.Errorf("invalid format: %s (must be 'jpeg', 'png', or 'pdf')", format)
	}
}

// reportBatch writes successful artifacts to dir and prints one line per
// job. It fails when any job failed or ctxErr is set.
func reportBatch(out io.Writer, log *zap.Logger, results []capture.BatchResult, dir string, ctxErr error) error {
	failed := 0
	for i, r := range results {
		if r.Err != nil {
			failed++
			fmt.Fprintf(out, "FAIL %s: %v\n", r.Job.Target(), r.Err)
			continue
		}
		path := filepath.Join(dir, outputName(i, r.Job.Target(), r.Artifact.MIMEType))
		if err := writeFile(path, r.Artifact.Data); err != nil {
			failed++
			fmt.Fprintf(out, "FAIL %s: %v\n", r.Job.Target(), err)
			continue
		}
		fmt.Fprintf(out, "ok   %s -> %s\n", r.Job.Target(), path)
	}
	log.Info("Batch finished", zap.Int("jobs", len(results)), zap.Int("failed", failed))

	if ctxErr != nil {
		return ctxErr
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d captures failed", failed, len(results))
	}
	return nil
}

func (c *cli) serveCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve captures over HTTP",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) (err error) {
			rt, err := c.setup(true)
			if err != nil {
				return err
			}
			defer func() { err = errors.Join(err, rt.Close()) }()

			if addr == "" {
				addr = rt.cfg.Server.Addr
			}
			ctx := cmd.Context()
			go reapIdle(ctx, rt)

			srv := server.New(rt.runner, rt.manager, server.Options{
				MaxBodyBytes:   rt.cfg.Server.MaxBodyBytes,
				RequestTimeout: rt.cfg.Server.RequestTimeout,
				RateLimit:      rt.cfg.Server.RateLimit,
				Burst:          rt.cfg.Server.Burst,
				Checker:        rt.hosts,
				Metrics:        rt.collector.Handler(),
				Logger:         rt.log.Zap(),
			})
			fmt.Fprintf(cmd.OutOrStdout(), "Listening on http://%s\n", addr)
			return srv.ListenAndServe(ctx, addr)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default server.addr from config)")
	return cmd
}

// reapIdle closes sessions idle longer than the configured timeout until
// ctx is done.
func reapIdle(ctx context.Context, rt *runtime) {
	idle := rt.cfg.Browser.IdleTimeout
	if idle <= 0 {
		return
	}
	ticker := time.NewTicker(idle / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := rt.manager.CleanupIdle(ctx, idle)
			if err != nil {
				rt.log.Warnf("Idle session cleanup failed: %v", err)
			} else if n > 0 {
				rt.log.Infof("Closed %d idle sessions", n)
			}
		}
	}
}

// readURLList returns the URLs of r, one per line, skipping blanks and
// # comments.
func readURLList(r io.Reader) ([]string, error) {
	var urls []string
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		urls = append(urls, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read URL list: %w", err)
	}
	return urls, nil
}

var unsafeChars = regexp.MustCompile(`[^A-Za-z0-9.-]+`)

const maxNameLength = 80

// outputName derives a file name for the i-th batch artifact.
func outputName(i int, rawURL, mimeType string) string {
	name := rawURL
	if u, err := url.Parse(rawURL); err == nil && u.Host != "" {
		name = u.Host + u.Path
	}
	name = strings.Trim(unsafeChars.ReplaceAllString(name, "_"), "_.")
	if len(name) > maxNameLength {
		name = name[:maxNameLength]
	}
	if name == "" {
		name = "capture"
	}
	return fmt.Sprintf("%03d-%s.%s", i+1, name, extensionFor(mimeType))
}

func extension(f browser.ImageFormat) string {
	if f == browser.FormatJPEG {
		return "jpg"
	}
	return "png"
}

func extensionFor(mimeType string) string {
	switch mimeType {
	case browser.PDFMIMEType:
		return "pdf"
	case "image/jpeg":
		return "jpg"
	default:
		return "png"
	}
}

func writeFile(path string, data []byte) error {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0750); err != nil {
			return fmt.Errorf("failed to create output directory: %w", err)
		}
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return nil
}

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
