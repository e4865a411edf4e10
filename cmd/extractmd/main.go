// Command extractmd converts PDF and EPUB documents to Markdown through a
// tiered extraction pipeline: embedded text, local Tesseract OCR, then a
// remote vision model, with resumable progress and an optional LLM cleaning
// stage.
//
// Usage:
//
//	extractmd -c extract.yaml book.pdf          # one file
//	extractmd -c extract.yaml                   # every pdf/epub in input_dir
//	extractmd -m ai -w 16 --clean scans.pdf     # force the VLM path, clean
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	_ "modernc.org/sqlite"

	"github.com/hazyhaar/extractmd/config"
	"github.com/hazyhaar/extractmd/docread"
	"github.com/hazyhaar/extractmd/idgen"
	"github.com/hazyhaar/extractmd/ocrengine"
	"github.com/hazyhaar/extractmd/pipeline"
	"github.com/hazyhaar/extractmd/progress"
	"github.com/hazyhaar/extractmd/vlm"
)

const pageSeparator = "\n\n---\n\n"

func main() {
	configPath := flag.String("c", "extract.yaml", "path to YAML config file")
	filesFlag := flag.String("f", "", "comma-separated input files (overrides input_dir scan)")
	methodFlag := flag.String("m", "", "default method: text, ocr, ai, auto, auto_ai")
	workers := flag.Int("w", 0, "worker count (overrides config)")
	wFull := flag.Bool("w-full", false, "use the machine-derived maximum worker count")
	dpi := flag.Int("dpi", 0, "render DPI (overrides config)")
	clean := flag.Bool("clean", false, "run the LLM cleaning stage on extracted pages")
	split := flag.Bool("split", false, "write one file per page instead of a single .md")
	logLevel := flag.String("log-level", "info", "log level: debug, info, warn, error")
	flag.Parse()

	var level slog.Level
	switch *logLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	go forceQuitOnSecondInterrupt()

	opts := runOptions{
		configPath: *configPath,
		files:      splitList(*filesFlag),
		method:     *methodFlag,
		workers:    *workers,
		wFull:      *wFull,
		dpi:        *dpi,
		clean:      *clean,
		split:      *split,
		level:      level,
	}
	opts.files = append(opts.files, flag.Args()...)

	if err := run(ctx, logger, opts); err != nil {
		logger.Error("extractmd: fatal", "error", err)
		os.Exit(1)
	}
}

// forceQuitOnSecondInterrupt makes the second Ctrl-C an immediate exit.
// The first one cancels the run context and lets the pipeline snapshot.
func forceQuitOnSecondInterrupt() {
	ch := make(chan os.Signal, 2)
	signal.Notify(ch, syscall.SIGINT)
	<-ch
	<-ch
	fmt.Fprintln(os.Stderr, "second interrupt, forcing quit")
	os.Exit(130)
}

type runOptions struct {
	configPath string
	files      []string
	method     string
	workers    int
	wFull      bool
	dpi        int
	clean      bool
	split      bool
	level      slog.Level
}

func run(ctx context.Context, logger *slog.Logger, opts runOptions) error {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return err
	}
	if opts.workers > 0 {
		cfg.Settings.MaxWorkers = opts.workers
	}
	if opts.wFull {
		cfg.Settings.MaxWorkers = config.FullWorkers()
	}
	if opts.dpi > 0 {
		cfg.Settings.DPI = opts.dpi
	}
	if opts.method != "" {
		if _, err := pipeline.ParseMethod(opts.method); err != nil {
			return err
		}
	}

	targets := opts.files
	if len(targets) == 0 {
		targets, err = scanInputDir(cfg.FileDirs.InputDir)
		if err != nil {
			return err
		}
	}
	if len(targets) == 0 {
		return fmt.Errorf("no .pdf or .epub files to process")
	}

	client := vlm.NewClient(cfg.API.BaseURL, cfg.API.Key, logger)
	var failed []string
	for _, target := range targets {
		if ctx.Err() != nil {
			break
		}
		fileLogger, closeLog := perFileLogger(logger, target, opts.level)
		err := processFile(ctx, fileLogger, cfg, client, target, opts)
		closeLog()
		if err != nil {
			if ctx.Err() != nil {
				logger.Warn("run interrupted", "file", target)
				break
			}
			logger.Error("file failed", "file", target, "error", err)
			failed = append(failed, target)
		}
	}

	if len(failed) > 0 {
		return fmt.Errorf("%d of %d files failed: %s",
			len(failed), len(targets), strings.Join(failed, ", "))
	}
	if ctx.Err() != nil {
		// Graceful interrupt: progress was snapshotted, so this run
		// succeeded at everything it was allowed to finish.
		logger.Info("interrupted, progress saved")
	}
	return nil
}

// perFileLogger tees log output to log/<timestamp>_<stem>.log next to the
// console. Failing to create the file degrades to console-only logging.
func perFileLogger(base *slog.Logger, target string, level slog.Level) (*slog.Logger, func()) {
	if err := os.MkdirAll("log", 0o755); err != nil {
		return base, func() {}
	}
	stem := strings.TrimSuffix(filepath.Base(target), filepath.Ext(target))
	name := filepath.Join("log", idgen.Timestamped(func() string { return stem })()+".log")
	f, err := os.Create(name)
	if err != nil {
		return base, func() {}
	}
	h := slog.NewTextHandler(io.MultiWriter(os.Stderr, f), &slog.HandlerOptions{Level: level})
	return slog.New(h), func() { f.Close() }
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func scanInputDir(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("scan input dir %s: %w", dir, err)
	}
	var targets []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		switch strings.ToLower(filepath.Ext(e.Name())) {
		case ".pdf", ".epub":
			targets = append(targets, filepath.Join(dir, e.Name()))
		}
	}
	return targets, nil
}

func processFile(ctx context.Context, logger *slog.Logger, cfg *config.Config, client *vlm.Client, target string, opts runOptions) error {
	switch strings.ToLower(filepath.Ext(target)) {
	case ".epub":
		return processEPUB(logger, cfg, target, opts)
	case ".pdf":
		return processPDF(ctx, logger, cfg, client, target, opts)
	}
	return fmt.Errorf("unsupported file type: %s", target)
}

// processEPUB converts the spine directly; EPUB text is already digital so
// the tiered pipeline has nothing to add.
func processEPUB(logger *slog.Logger, cfg *config.Config, target string, opts runOptions) error {
	e, err := docread.OpenEPUB(target)
	if err != nil {
		return err
	}
	logger.Info("epub conversion starting", "file", target, "chapters", e.ChapterCount())
	if opts.split {
		var pages []string
		for i := 0; i < e.ChapterCount(); i++ {
			pages = append(pages, e.ChapterMarkdown(i))
		}
		return writeSplit(cfg.FileDirs.OutputDir, target, pages)
	}
	return writeJoined(cfg.FileDirs.OutputDir, target, e.Markdown())
}

func processPDF(ctx context.Context, logger *slog.Logger, cfg *config.Config, client *vlm.Client, target string, opts runOptions) error {
	doc, err := docread.OpenPDF(target)
	if err != nil {
		return err
	}

	methods, err := assignMethods(cfg, doc.PageCount(), target, opts.method)
	if err != nil {
		return err
	}

	store, err := progress.Open(target, logger)
	if err != nil {
		// Extraction still works without resumability.
		logger.Warn("progress store unavailable", "error", err)
		store = nil
	}

	worker := &pipeline.Worker{
		Client: client,
		Models: vlm.NewModelPool(cfg.API.Models),
		Engine: ocrengine.NewTesseract(cfg.Settings.TesseractLang, logger),
		Renderer: &docread.Renderer{
			Cmd: cfg.Settings.PdftoppmCmd,
			DPI: cfg.Settings.DPI,
		},
		MinTextLen: cfg.Settings.MinTextLen,
		MinOCRLen:  cfg.Settings.MinOCRLen,
		Logger:     logger,
	}

	cleaner := buildCleaner(cfg, client, opts.clean, logger)

	orch := &pipeline.Orchestrator{
		Doc:          doc,
		Worker:       worker,
		Cleaner:      cleaner,
		Methods:      methods,
		MaxWorkers:   cfg.Settings.MaxWorkers,
		SaveInterval: cfg.Settings.SaveInterval,
		Logger:       logger,
	}
	if store != nil {
		orch.Store = store
		defer store.Close()
	}

	results, runErr := orch.Run(ctx)
	if runErr != nil {
		return runErr
	}

	pages := make([]string, doc.PageCount())
	for i := range pages {
		pages[i] = results[i]
	}
	if opts.split {
		err = writeSplit(cfg.FileDirs.OutputDir, target, pages)
	} else {
		err = writeJoined(cfg.FileDirs.OutputDir, target, joinPages(pages))
	}
	if err != nil {
		return err
	}

	if exhausted := orch.ExhaustedPages(); len(exhausted) > 0 {
		// Keep the progress file so a later run can retry these pages.
		logger.Warn("finished with unextracted pages",
			"file", target, "pages", exhausted)
		return nil
	}
	if store != nil {
		if err := store.Delete(); err != nil {
			logger.Warn("progress cleanup failed", "error", err)
		}
	}
	logger.Info("file complete", "file", target, "pages", doc.PageCount())
	return nil
}

// buildCleaner enables the cleaning stage only when asked for and a clean
// model is configured; otherwise every page would pay a judge call and a
// doomed rewrite against an empty model name.
func buildCleaner(cfg *config.Config, client pipeline.Chatter, enabled bool, logger *slog.Logger) *pipeline.Cleaner {
	if !enabled {
		return nil
	}
	if cfg.API.CleanModel == "" {
		logger.Warn("cleaning requested but api.clean_model is not set, skipping")
		return nil
	}
	return &pipeline.Cleaner{
		Client:     client,
		CleanModel: cfg.API.CleanModel,
		ToolModels: vlm.NewModelPool(cfg.API.ToolModels),
		Logger:     logger,
	}
}

// assignMethods resolves the per-page methods: CLI -m beats the per-file
// rule, which beats auto; page overrides from the file rule apply on top.
func assignMethods(cfg *config.Config, total int, target, cliMethod string) ([]pipeline.Method, error) {
	def := pipeline.MethodAuto
	rule := cfg.FileRuleFor(filepath.Base(target))
	if rule != nil && rule.Method != "" {
		m, err := pipeline.ParseMethod(rule.Method)
		if err != nil {
			return nil, fmt.Errorf("file rule %s: %w", target, err)
		}
		def = m
	}
	if cliMethod != "" {
		m, err := pipeline.ParseMethod(cliMethod)
		if err != nil {
			return nil, err
		}
		def = m
	}
	var overrides []config.PageOverride
	if rule != nil {
		overrides = rule.Overrides
	}
	return pipeline.Assign(total, def, overrides)
}

// joinPages joins non-blank pages with the separator.
func joinPages(pages []string) string {
	var parts []string
	for _, p := range pages {
		if strings.TrimSpace(p) != "" {
			parts = append(parts, strings.TrimSpace(p))
		}
	}
	return strings.Join(parts, pageSeparator)
}

func writeJoined(outDir, target, content string) error {
	stem := strings.TrimSuffix(filepath.Base(target), filepath.Ext(target))
	path := filepath.Join(outDir, stem+".md")
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(content+"\n"), 0o644)
}

// writeSplit writes one zero-padded file per page under <stem>/.
func writeSplit(outDir, target string, pages []string) error {
	stem := strings.TrimSuffix(filepath.Base(target), filepath.Ext(target))
	dir := filepath.Join(outDir, stem)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	width := len(fmt.Sprint(len(pages)))
	for i, p := range pages {
		name := fmt.Sprintf("%0*d.md", width, i+1)
		if err := os.WriteFile(filepath.Join(dir, name), []byte(p+"\n"), 0o644); err != nil {
			return err
		}
	}
	return nil
}
