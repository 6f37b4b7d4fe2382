// Command verify checks a coverage report against the configured rules and exits
// non-zero when any rule is violated, for use as a CI build gate.
//
//	verify -config config/ci.yaml -report build/reports/jacoco/test/jacocoTestReport.xml
//
// Exit status is 0 when every rule passes, 1 on violations and 2 on any other error.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/kjstillabower/coverage-verifier/internal/config"
	"github.com/kjstillabower/coverage-verifier/internal/events"
	"github.com/kjstillabower/coverage-verifier/internal/observability"
	"github.com/kjstillabower/coverage-verifier/internal/report"
	"github.com/kjstillabower/coverage-verifier/internal/service"
	"github.com/kjstillabower/coverage-verifier/internal/source"
)

const (
	exitPass       = 0
	exitViolations = 1
	exitError      = 2
)

// stdinLocation reads the report from standard input.
const stdinLocation = "-"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdin, os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

type options struct {
	configPath string
	location   string
	format     string
	jsonPath   string
	htmlPath   string
	quiet      bool
}

func parseFlags(args []string, stderr io.Writer) (options, error) {
	var opts options
	fs := flag.NewFlagSet("verify", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.StringVar(&opts.configPath, "config", "", "rules file (default config/$ENV_NAME.yaml)")
	fs.StringVar(&opts.location, "report", "", "report path, http(s):// or s3:// URL, or - for stdin")
	fs.StringVar(&opts.format, "format", string(report.FormatAuto), "report format: auto, xml or json")
	fs.StringVar(&opts.jsonPath, "json", "", "also write the result as JSON to this file")
	fs.StringVar(&opts.htmlPath, "html", "", "also write the result as HTML to this file")
	fs.BoolVar(&opts.quiet, "quiet", false, "print only on failure")
	fs.Usage = func() {
		fmt.Fprintf(fs.Output(), "usage: verify [flags] [report]\n")
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		return opts, err
	}
	if opts.location == "" && fs.NArg() > 0 {
		opts.location = fs.Arg(0)
	}
	if opts.location == "" {
		fs.Usage()
		return opts, errors.New("no report given")
	}
	return opts, nil
}

func run(ctx context.Context, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	opts, err := parseFlags(args, stderr)
	if errors.Is(err, flag.ErrHelp) {
		return exitPass
	}
	if err != nil {
		fmt.Fprintf(stderr, "verify: %v\n", err)
		return exitError
	}

	logger, err := observability.NewCLILogger(opts.quiet)
	if err != nil {
		fmt.Fprintf(stderr, "verify: logger: %v\n", err)
		return exitError
	}
	defer func() { _ = logger.Sync() }()

	cfg, err := loadConfig(opts.configPath)
	if err != nil {
		logger.Error("config", zap.Error(err))
		return exitError
	}

	var publisher events.Publisher
	if cfg.NATSEnabled {
		p, err := events.NewNATSPublisher(events.NATSConfig{URL: cfg.NATSURL, Subject: cfg.NATSSubject, Name: "coverage-verifier-cli"}, logger)
		if err != nil {
			logger.Warn("events disabled", zap.Error(err))
		} else {
			defer func() {
				flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := p.Flush(flushCtx); err != nil {
					logger.Warn("event flush failed", zap.Error(err))
				}
				_ = p.Close()
			}()
			publisher = p
		}
	}

	src, err := newSource(ctx, cfg, opts.location)
	if err != nil {
		logger.Error("report source", zap.Error(err))
		return exitError
	}
	svc, err := service.NewVerificationService(cfg.Rules, service.Options{
		Source:    src,
		Publisher: publisher,
		Logger:    logger,
	})
	if err != nil {
		logger.Error("verification rules", zap.Error(err))
		return exitError
	}

	var out service.Outcome
	if opts.location == stdinLocation {
		var data []byte
		data, err = readLimited(stdin, cfg.MaxReportBytes)
		if err == nil {
			out, err = svc.Verify(ctx, data, opts.format)
		}
	} else {
		out, err = svc.VerifySource(ctx, opts.location, opts.format)
	}
	if err != nil {
		logger.Error("verification failed", zap.Error(err))
		return exitError
	}

	doc := report.NewDocument(out.RunID, out.Result, out.Cached, time.Now())
	if !opts.quiet || !doc.Passed {
		if err := report.WriteText(stdout, doc); err != nil {
			logger.Error("write summary", zap.Error(err))
			return exitError
		}
	}
	if err := writeFile(opts.jsonPath, doc, report.WriteJSON); err != nil {
		logger.Error("write json", zap.Error(err))
		return exitError
	}
	if err := writeFile(opts.htmlPath, doc, report.WriteHTML); err != nil {
		logger.Error("write html", zap.Error(err))
		return exitError
	}

	if !doc.Passed {
		return exitViolations
	}
	return exitPass
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return config.Load()
	}
	return config.LoadFile(path)
}

// newSource builds the backend for location only. Local paths are not confined to
// a root: the CLI runs with the caller's own permissions.
func newSource(ctx context.Context, cfg *config.Config, location string) (source.Source, error) {
	router := &source.Router{}
	switch source.Scheme(location) {
	case source.SchemeFile:
		router.File = &source.FileSource{MaxBytes: cfg.MaxReportBytes}
	case source.SchemeHTTP, source.SchemeHTTPS:
		router.HTTP = source.NewHTTPSource(source.HTTPConfig{
			Timeout:        cfg.SourceTimeout,
			RetryAttempts:  cfg.RetryAttempts,
			RetryBaseDelay: cfg.RetryBaseDelay,
			RetryMaxDelay:  cfg.RetryMaxDelay,
			MaxBytes:       cfg.MaxReportBytes,
			Headers:        cfg.SourceHeaders,
		})
	case source.SchemeS3:
		s3Source, err := source.NewS3Source(ctx, source.S3Config{
			Region:          cfg.S3Region,
			Endpoint:        cfg.S3Endpoint,
			AccessKeyID:     cfg.S3AccessKeyID,
			SecretAccessKey: cfg.S3SecretAccessKey,
			UsePathStyle:    cfg.S3UsePathStyle,
			MaxBytes:        cfg.MaxReportBytes,
		})
		if err != nil {
			return nil, err
		}
		router.S3 = s3Source
	}
	return router, nil
}

func readLimited(r io.Reader, max int64) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(r, max+1))
	if err != nil {
		return nil, fmt.Errorf("read stdin: %w", err)
	}
	if int64(len(data)) > max {
		return nil, fmt.Errorf("%w: stdin exceeds %d bytes", source.ErrTooLarge, max)
	}
	return data, nil
}

func writeFile(path string, doc report.Document, write func(io.Writer, report.Document) error) error {
	if path == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := write(f, doc); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}
