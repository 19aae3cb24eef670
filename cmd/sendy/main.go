// cmd/sendy/main.go
// 命令列入口 - 讀取 CSV 名單與範本，直接執行一次活動

package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"sendy/internal/campaignlog"
	"sendy/internal/config"
	"sendy/internal/engine"
	"sendy/internal/logger"
	"sendy/internal/models"
	"sendy/internal/recipients"
	"sendy/internal/render"
	"sendy/internal/services"
)

// 結束代碼
const (
	exitOK      = 0
	exitFailed  = 1 // 有收件人發送失敗或執行中斷
	exitInvalid = 2 // 設定、名單或範本錯誤
)

type options struct {
	csvPath      string
	templatePath string
	subject      string
	replyTo      string
	logDir       string
	reportPath   string
	exportPath   string
	dryRun       bool
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	os.Exit(run(ctx, os.Args[1:], os.Stdout, os.Stderr))
}

func parseFlags(args []string, cfg *config.Config, stderr io.Writer) (options, error) {
	fs := flag.NewFlagSet("sendy", flag.ContinueOnError)
	fs.SetOutput(stderr)

	var opts options
	fs.StringVar(&opts.csvPath, "csv", cfg.CSVFilePath, "recipient CSV with Name and Email columns")
	fs.StringVar(&opts.templatePath, "template", cfg.TemplatePath, "HTML template path")
	fs.StringVar(&opts.subject, "subject", cfg.EmailSubject, "subject line (placeholders allowed)")
	fs.StringVar(&opts.replyTo, "reply-to", "", "reply-to address")
	fs.StringVar(&opts.logDir, "log-dir", cfg.LogDir, "campaign log directory")
	fs.StringVar(&opts.reportPath, "report", "", "write the session report JSON to this file")
	fs.StringVar(&opts.exportPath, "export", "", "write the campaign log as CSV to this file")
	fs.BoolVar(&opts.dryRun, "dry-run", false, "log messages instead of sending them")

	if err := fs.Parse(args); err != nil {
		return options{}, err
	}
	return opts, nil
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	cfg := config.Load()
	log := logger.NewWithWriter(stderr, cfg.Env, cfg.LogLevel)

	opts, err := parseFlags(args, cfg, stderr)
	if err != nil {
		return exitInvalid
	}
	if opts.dryRun {
		cfg.Transport = config.TransportLog
	}
	cfg.LogDir = opts.logDir

	if err := cfg.Validate(); err != nil {
		log.Error().Err(err).Msg("invalid configuration")
		return exitInvalid
	}

	list, err := loadRecipients(opts.csvPath, log)
	if err != nil {
		log.Error().Err(err).Str("csv", opts.csvPath).Msg("failed to load recipients")
		return exitInvalid
	}

	tmpl, err := render.LoadTemplate(opts.templatePath)
	if err != nil {
		log.Error().Err(err).Msg("failed to load template")
		return exitInvalid
	}
	if names := render.Placeholders(tmpl); len(names) == 0 {
		log.Warn().Msg("template contains no placeholders, every recipient receives the same content")
	} else {
		log.Info().Strs("placeholders", names).Msg("template loaded")
	}

	engineCfg, err := engine.ConfigFrom(cfg)
	if err != nil {
		log.Error().Err(err).Msg("failed to load inline image")
		return exitInvalid
	}

	store, err := campaignlog.NewStore(cfg.LogDir)
	if err != nil {
		log.Error().Err(err).Msg("failed to open campaign log directory")
		return exitInvalid
	}

	negotiate := services.ConfigNegotiator(cfg, logger.Component(log, "transport"))
	svc := services.NewCampaignService(services.CampaignServiceDeps{
		Config:    cfg,
		Engine:    engineCfg,
		Store:     store,
		Negotiate: negotiate,
		Logger:    logger.Component(log, "campaign"),
	})

	t, err := negotiate(ctx)
	if err != nil {
		log.Error().Err(err).Msg("no working transport")
		return exitFailed
	}

	started := time.Now()
	job := &models.CampaignJob{
		CampaignID:  services.NewCampaignID(started),
		Subject:     opts.subject,
		HTML:        tmpl,
		Personalize: true,
		ReplyTo:     opts.replyTo,
		Recipients:  list,
	}
	log.Info().
		Str("campaign_id", job.CampaignID).
		Int("total", len(list)).
		Dur("rate_limit", engineCfg.RateLimitDelay).
		Int("max_attempts", engineCfg.MaxAttempts).
		Msg("sending emails")

	result := svc.Execute(ctx, job, t)

	report, err := store.SessionReport(job.CampaignID, started, time.Now())
	if err != nil {
		log.Error().Err(err).Msg("failed to build session report")
		return exitFailed
	}
	if err := writeReport(stdout, opts.reportPath, report); err != nil {
		log.Error().Err(err).Msg("failed to write session report")
	}
	if opts.exportPath != "" {
		if err := exportCSV(svc, job.CampaignID, opts.exportPath); err != nil {
			log.Error().Err(err).Msg("failed to export campaign log")
		}
	}

	if result.Cancelled {
		log.Warn().Int("processed", result.Processed).Int("total", result.Total).Msg("campaign interrupted")
		return exitFailed
	}
	if result.Failed > 0 || len(result.PersistErrors) > 0 {
		return exitFailed
	}
	return exitOK
}

func loadRecipients(path string, log zerolog.Logger) ([]models.Recipient, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("CSV file not found: %s", path)
	}
	defer f.Close()

	parsed, err := recipients.ParseCSV(f)
	if parsed != nil {
		for _, row := range parsed.Skipped {
			log.Warn().Int("line", row.Line).Str("reason", row.Reason).Msg("skipping row")
		}
	}
	if err != nil {
		return nil, err
	}

	stats := recipients.Stats(parsed.Recipients)
	log.Info().
		Int("total", stats.TotalRecipients).
		Int("unique_domains", stats.UniqueDomains).
		Interface("domains", stats.DomainBreakdown).
		Msg("recipients loaded")

	return parsed.Recipients, nil
}

func writeReport(stdout io.Writer, path string, report *campaignlog.Report) error {
	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintln(stdout, string(data)); err != nil {
		return err
	}
	if path == "" {
		return nil
	}
	return os.WriteFile(path, data, 0o644)
}

func exportCSV(svc *services.CampaignService, campaignID, path string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := svc.Export(campaignID, f); err != nil {
		f.Close()
		if errors.Is(err, campaignlog.ErrEmptyLog) {
			os.Remove(path)
		}
		return err
	}
	return f.Close()
}
