package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io/ioutil"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/caarlos0/env/v6"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"

	"tweet-rehydrate/internal/rehydrate"
	"tweet-rehydrate/internal/rehydrate/reader"
	"tweet-rehydrate/internal/rehydrate/service"
	"tweet-rehydrate/internal/rehydrate/writer"
)

// resultQueueDepth bounds the fetch->write pipeline; writing is
// independent of the next fetch but only one lookup call is ever in
// flight
const resultQueueDepth = 2

type Config struct {
	ConsumerKey string `env:"TWITTER_CONSUMER_KEY"`

	ConsumerSecret string `env:"TWITTER_CONSUMER_SECRET"`

	AccessToken string `env:"TWITTER_ACCESS_TOKEN"`

	AccessTokenSecret string `env:"TWITTER_ACCESS_TOKEN_SECRET"`
}

// credentialsFile mirrors the [twitter] section of the credentials file
type credentialsFile struct {
	Twitter struct {
		ConsumerKey       string `yaml:"consumer_key"`
		ConsumerSecret    string `yaml:"consumer_secret"`
		AccessToken       string `yaml:"access_token"`
		AccessTokenSecret string `yaml:"access_token_secret"`
	} `yaml:"twitter"`
}

func main() {
	idFile := flag.String("i", "", "file containing tweet ids to rehydrate, one per line")
	outFile := flag.String("o", "", "output file for rehydrated tweets (defaults to stdout)")
	missingFile := flag.String("m", "", "failure log for tweets that could not be retrieved (defaults to stderr)")
	credsFile := flag.String("c", "", "YAML credentials file")
	batchSize := flag.Int("s", rehydrate.MaxBatchSize, "number of tweet ids per API call (max 100)")
	waitSeconds := flag.Int("w", 1, "seconds to sleep between API requests")
	maxRetries := flag.Int("retries", 3, "retries per batch before recording its ids as failures")
	resume := flag.Bool("r", false, "skip ids already present in the output file")
	onMalformed := flag.String("on-malformed", "skip", "policy for unparseable input lines: skip or abort")
	flag.Parse()

	if *idFile == "" {
		log.Fatalf("an id file is required (-i)")
	}

	cfg, err := getConfig()
	if err != nil {
		log.Fatalf("unable to get config: %s", err)
	}

	creds, err := getCredentials(cfg, *credsFile)
	if err != nil {
		log.Fatalf("unable to get credentials: %s", err)
	}

	logger, err := zap.NewDevelopment(
		zap.WithCaller(true),
	)
	if err != nil {
		log.Fatalf("unable to initialize logger: %s", err)
	}

	ids, err := loadIDs(logger, *idFile, *outFile, reader.Policy(*onMalformed), *resume)
	if err != nil {
		log.Fatalf("unable to load tweet ids: %s", err)
	}

	out, closeOut, err := openSink(*outFile, os.Stdout)
	if err != nil {
		log.Fatalf("unable to open output file: %s", err)
	}
	defer closeOut()

	failures, closeFailures, err := openSink(*missingFile, os.Stderr)
	if err != nil {
		log.Fatalf("unable to open failure log: %s", err)
	}
	defer closeFailures()

	svc, w, err := getServices(logger, creds, service.Config{
		BatchSize:  *batchSize,
		MaxRetries: *maxRetries,
		Wait:       time.Second * time.Duration(*waitSeconds),
	}, out, failures)
	if err != nil {
		log.Fatalf("unable to initialize services: %s", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// handle interrupts: stop before the next batch call, never
	// mid-record
	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	go func() {
		select {
		case <-ctx.Done():
		case sig := <-c:
			logger.Warn("received signal, stopping", zap.String("signal", sig.String()))
			cancel()
		}
	}()

	err = run(ctx, svc, w, ids)
	cancel()

	summary := w.Summary()
	logger.Info(
		"run complete",
		zap.Int("succeeded", summary.Succeeded),
		zap.Int("notFound", summary.NotFound),
		zap.Int("rateLimited", summary.RateLimited),
		zap.Int("transientError", summary.TransientError),
	)

	switch {
	case errors.Is(err, context.Canceled):
		logger.Warn("run interrupted, re-run with -r to pick up the remainder")
		os.Exit(1)
	case err != nil:
		logger.Error("run aborted", zap.Error(err))
		os.Exit(1)
	case summary.Failed() > 0:
		os.Exit(1)
	}
}

// run pipelines batch fetching with writing over a bounded queue. At
// most one lookup call is in flight at a time.
func run(ctx context.Context, svc *service.Service, w *writer.Service, ids []rehydrate.ID) error {
	g, gctx := errgroup.WithContext(ctx)

	results := make(chan rehydrate.Result, resultQueueDepth)

	g.Go(func() error {
		defer close(results)

		return svc.Rehydrate(gctx, ids, func(res rehydrate.Result) error {
			select {
			case results <- res:
				return nil
			case <-gctx.Done():
				return gctx.Err()
			}
		})
	})

	g.Go(func() error {
		for res := range results {
			if err := w.Write(res); err != nil {
				return err
			}
		}

		return nil
	})

	return g.Wait()
}

func getConfig() (*Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// getCredentials merges the credentials file, if any, with the
// environment. Environment values win.
func getCredentials(cfg *Config, path string) (service.Credentials, error) {
	creds := service.Credentials{
		ConsumerKey:       cfg.ConsumerKey,
		ConsumerSecret:    cfg.ConsumerSecret,
		AccessToken:       cfg.AccessToken,
		AccessTokenSecret: cfg.AccessTokenSecret,
	}

	if path == "" {
		return creds, nil
	}

	b, err := ioutil.ReadFile(path)
	if err != nil {
		return creds, fmt.Errorf("unable to read credentials file: %w", err)
	}

	var file credentialsFile
	if err := yaml.Unmarshal(b, &file); err != nil {
		return creds, fmt.Errorf("unable to parse credentials file: %w", err)
	}

	if creds.ConsumerKey == "" {
		creds.ConsumerKey = file.Twitter.ConsumerKey
	}
	if creds.ConsumerSecret == "" {
		creds.ConsumerSecret = file.Twitter.ConsumerSecret
	}
	if creds.AccessToken == "" {
		creds.AccessToken = file.Twitter.AccessToken
	}
	if creds.AccessTokenSecret == "" {
		creds.AccessTokenSecret = file.Twitter.AccessTokenSecret
	}

	return creds, nil
}

func getServices(logger *zap.Logger, creds service.Credentials, cfg service.Config, out, failures *os.File) (*service.Service, *writer.Service, error) {
	client, err := service.NewTwitterClient(logger, creds)
	if err != nil {
		return nil, nil, err
	}

	svc, err := service.NewService(logger, client, cfg)
	if err != nil {
		return nil, nil, err
	}

	w, err := writer.NewService(logger, out, failures)
	if err != nil {
		return nil, nil, err
	}

	return svc, w, nil
}

// loadIDs reads the id file and, when resuming, subtracts the ids
// already present in the output file
func loadIDs(logger *zap.Logger, idFile, outFile string, policy reader.Policy, resume bool) ([]rehydrate.ID, error) {
	r, err := reader.NewService(logger, policy)
	if err != nil {
		return nil, err
	}

	ids, err := r.LoadFile(idFile)
	if err != nil {
		return nil, err
	}

	if !resume || outFile == "" {
		return ids, nil
	}

	f, err := os.Open(outFile)
	if err != nil {
		if os.IsNotExist(err) {
			return ids, nil
		}
		return nil, fmt.Errorf("unable to open existing output: %w", err)
	}
	defer f.Close()

	written, err := writer.ScanWritten(f)
	if err != nil {
		return nil, err
	}

	remaining := make([]rehydrate.ID, 0, len(ids))
	for _, id := range ids {
		if _, ok := written[id]; !ok {
			remaining = append(remaining, id)
		}
	}

	logger.Info(
		"resuming previous run",
		zap.Int("numWritten", len(written)),
		zap.Int("numRemaining", len(remaining)),
	)

	return remaining, nil
}

// openSink opens path for appending, or falls back to def when no path
// was given
func openSink(path string, def *os.File) (*os.File, func(), error) {
	if path == "" {
		return def, func() {}, nil
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, nil, err
	}

	return f, func() { f.Close() }, nil
}
