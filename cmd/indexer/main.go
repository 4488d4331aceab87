package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/schollz/progressbar/v3"

	"github.com/kirillkom/hybrid-retrieval/internal/bootstrap"
	"github.com/kirillkom/hybrid-retrieval/internal/config"
	"github.com/kirillkom/hybrid-retrieval/internal/observability/logging"
)

func main() {
	corpusPath := flag.String("corpus", "", "corpus file or directory (overrides CORPUS_PATH)")
	artifactDir := flag.String("out", "", "artifact directory (overrides ARTIFACT_DIR)")
	quiet := flag.Bool("quiet", false, "disable the progress bar")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		os.Exit(1)
	}
	if *corpusPath != "" {
		cfg.CorpusPath = *corpusPath
	}
	if *artifactDir != "" {
		cfg.ArtifactDir = *artifactDir
	}
	slog.SetDefault(logging.NewJSONLoggerTo(os.Stderr, "indexer", cfg.LogLevel))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var bar *progressbar.ProgressBar
	progress := func(done, total int) {
		if bar == nil {
			bar = newProgressBar(total, "embedding chunks")
		}
		_ = bar.Set(done)
	}
	if *quiet {
		progress = nil
	}

	indexer, err := bootstrap.NewIndexer(ctx, cfg, progress)
	if err != nil {
		slog.Error("indexer_bootstrap_failed", "error", err)
		os.Exit(1)
	}
	defer indexer.Close()

	report, err := indexer.BuildUC.Build(ctx, indexer.Request())
	if bar != nil {
		_ = bar.Finish()
	}
	if cfg.MetricsTextfile != "" {
		if werr := indexer.Metrics.WriteTextfile(cfg.MetricsTextfile); werr != nil {
			slog.Warn("metrics_textfile_failed", "path", cfg.MetricsTextfile, "error", werr)
		}
	}
	if err != nil {
		slog.Error("index_build_failed", "corpus", cfg.CorpusPath, "error", err)
		indexer.Close()
		os.Exit(1)
	}

	fmt.Printf("build %s: %d documents, %d chunks (%d skipped), tokens min/avg/max %d/%.1f/%d\n",
		report.BuildID,
		report.Stats.Documents,
		report.Stats.Chunks,
		report.Stats.Skipped,
		report.Stats.MinTokens,
		report.Stats.AvgTokens,
		report.Stats.MaxTokens,
	)
}

func newProgressBar(total int, description string) *progressbar.ProgressBar {
	return progressbar.NewOptions(total,
		progressbar.OptionSetWriter(os.Stdout),
		progressbar.OptionSetDescription(description),
		progressbar.OptionSetItsString("chunks"),
		progressbar.OptionShowCount(),
		progressbar.OptionShowIts(),
		progressbar.OptionSetWidth(40),
		progressbar.OptionShowElapsedTimeOnFinish(),
		progressbar.OptionSetPredictTime(true),
		progressbar.OptionSetRenderBlankState(true),
	)
}
