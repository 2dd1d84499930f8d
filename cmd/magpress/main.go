// Magpress runs the magazine content production pipeline: AI-generated
// topics and cards, approval-gated stages, and a layout bridge the
// Figma plugin pulls card data from.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/bottlenote/magpress/ai"
	"github.com/bottlenote/magpress/ai/provider"
	"github.com/bottlenote/magpress/internal/config"
	"github.com/bottlenote/magpress/internal/db"
	"github.com/bottlenote/magpress/internal/web"
	"github.com/bottlenote/magpress/notify"
	"github.com/bottlenote/magpress/search"
	"github.com/bottlenote/magpress/stages"
	"github.com/bottlenote/magpress/workflow"
)

var (
	version   = "dev"
	gitCommit = "unknown"
	buildTime = "unknown"
)

func main() {
	var (
		configPath  = flag.String("config", "magpress.yaml", "Configuration file path")
		dbPath      = flag.String("db", "", "SQLite database path (overrides config)")
		port        = flag.Int("port", 0, "Layout bridge port (overrides config)")
		verbose     = flag.Bool("verbose", false, "Debug logging")
		showVersion = flag.Bool("version", false, "Show version")

		startIssue  = flag.Bool("start", false, "Start a new issue and run topic selection")
		status      = flag.Bool("status", false, "Show active issues")
		selectTopic = flag.String("select", "", "Select a topic: ISSUE:INDEX")
		advance     = flag.Int64("advance", 0, "Advance an issue to its next stage")
		approve     = flag.String("approve", "", "Approve the latest stage data: ISSUE:STAGE")
		reject      = flag.Int64("reject", 0, "Re-run the current stage of an issue")
		retryIssue  = flag.Int64("retry", 0, "Clear errors and re-run the current stage")
		cancel      = flag.Int64("cancel", 0, "Cancel an issue")
		reset       = flag.String("reset", "", "Reset an issue to a stage: ISSUE:STAGE")
		complete    = flag.Int64("complete", 0, "Complete a FINAL_OUTPUT issue")
		threadURL   = flag.String("thread-url", "", "Discussion thread URL to record on -complete")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("magpress %s (commit: %s, built: %s)\n", version, gitCommit, buildTime)
		os.Exit(0)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Config error: %v\n", err)
		os.Exit(1)
	}
	if *dbPath != "" {
		cfg.DBPath = *dbPath
	}
	if *port != 0 {
		cfg.APIPort = *port
	}

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level}))

	database, err := db.Open(cfg.DBPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open database: %v\n", err)
		os.Exit(1)
	}
	defer database.Close()

	store := db.NewStore(database)
	pipeline := workflow.NewPipeline(cfg.Pipeline.WithImages)

	var notifier workflow.Notifier = notify.Nop{}
	if cfg.NotifyWebhookURL != "" {
		notifier = notify.NewWebhook(cfg.NotifyWebhookURL, logger)
	}

	engine := workflow.NewEngine(store, pipeline, notifier, logger)

	overrides, err := cfg.RetryOverrides()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Config error: %v\n", err)
		os.Exit(1)
	}
	recovery := workflow.NewRecovery(store, overrides, logger)

	gen := ai.NewService(provider.New(cfg.AIProvider, cfg.AIAPIKey))
	searcher := search.NewClient(cfg.BraveSearchAPIKey, cfg.NaverClientID, cfg.NaverClientSecret, logger)
	handlers := stages.NewHandlers(store, recovery, gen, searcher, notifier, logger)
	runner := stages.NewRunner(handlers, pipeline)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Operator commands run once and exit.
	switch {
	case *startIssue:
		runStart(ctx, engine, handlers, cfg.ChannelID)
		return
	case *status:
		runStatus(store)
		return
	case *selectTopic != "":
		issueID, index := parseIssueArg(*selectTopic)
		if _, err := handlers.SelectTopic(ctx, issueID, index); err != nil {
			fail(err)
		}
		fmt.Printf("Issue %d: topic %d selected and approved\n", issueID, index)
		return
	case *advance != 0:
		issue, err := engine.AdvanceStage(ctx, *advance)
		if err != nil {
			fail(err)
		}
		fmt.Printf("Issue %d advanced to %s\n", issue.ID, workflow.Label(issue.Stage))
		if err := runner.Run(ctx, issue); err != nil {
			fail(err)
		}
		return
	case *approve != "":
		issueID, stage := parseIssueStageArg(*approve)
		if err := handlers.ApproveStage(issueID, stage); err != nil {
			fail(err)
		}
		fmt.Printf("Issue %d: %s data approved\n", issueID, workflow.Label(stage))
		return
	case *reject != 0:
		issue, err := engine.RerunCurrentStage(ctx, *reject)
		if err != nil {
			fail(err)
		}
		if err := runner.Run(ctx, issue); err != nil {
			fail(err)
		}
		fmt.Printf("Issue %d: %s re-run\n", issue.ID, workflow.Label(issue.Stage))
		return
	case *retryIssue != 0:
		if err := engine.Retry(ctx, *retryIssue, runner); err != nil {
			fail(err)
		}
		fmt.Printf("Issue %d retried\n", *retryIssue)
		return
	case *cancel != 0:
		if _, err := engine.Cancel(ctx, *cancel); err != nil {
			fail(err)
		}
		fmt.Printf("Issue %d cancelled\n", *cancel)
		return
	case *reset != "":
		issueID, stage := parseIssueStageArg(*reset)
		if _, err := engine.Reset(ctx, issueID, stage); err != nil {
			fail(err)
		}
		fmt.Printf("Issue %d reset to %s\n", issueID, workflow.Label(stage))
		return
	case *complete != 0:
		issue, err := engine.Complete(ctx, *complete, *threadURL)
		if err != nil {
			fail(err)
		}
		fmt.Printf("Issue %d is %s\n", issue.ID, workflow.Label(issue.Stage))
		return
	}

	// Default: serve the layout bridge.
	onLayoutComplete := func(issueID int64) {
		go func() {
			issue, err := store.GetIssue(issueID)
			if err != nil || issue == nil {
				logger.Error("layout complete: failed to load issue", "issue", issueID, "error", err)
				return
			}
			if _, err := handlers.FinalOutput(context.Background(), issue); err != nil {
				logger.Error("final output failed", "issue", issueID, "error", err)
			}
		}()
	}

	server := web.NewServer(store, engine, logger, onLayoutComplete)

	go func() {
		if err := server.Start(fmt.Sprintf(":%d", cfg.APIPort)); err != nil && ctx.Err() == nil {
			fmt.Fprintf(os.Stderr, "Bridge server error: %v\n", err)
			stop()
		}
	}()

	fmt.Printf("magpress %s\n", version)
	fmt.Printf("Layout bridge at http://localhost:%d\n", cfg.APIPort)
	fmt.Println("Press Ctrl+C to stop")

	<-ctx.Done()

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", "error", err)
	}
}

func runStart(ctx context.Context, engine *workflow.Engine, handlers *stages.Handlers, channelID string) {
	issue, err := engine.StartIssue(ctx, channelID)
	if err != nil {
		fail(err)
	}
	fmt.Printf("Issue #%d started (id %d)\n", issue.IssueNumber, issue.ID)

	payload, err := handlers.TopicSelection(ctx, issue)
	if err != nil {
		fail(err)
	}
	fmt.Println("Topic candidates:")
	for i, topic := range payload.Topics {
		fmt.Printf("  %d. %s - %s\n", i, topic.Title, topic.Subtitle)
	}
	fmt.Printf("Pick one with: magpress -select %d:INDEX\n", issue.ID)
}

func runStatus(store workflow.Store) {
	issues, err := store.GetAllActiveIssues()
	if err != nil {
		fail(err)
	}
	if len(issues) == 0 {
		fmt.Println("No active issues")
		return
	}
	fmt.Println("=== Active Issues ===")
	for _, issue := range issues {
		title := issue.TopicTitle
		if title == "" {
			title = "(no topic yet)"
		}
		fmt.Printf("  #%d (id %d)  %-16s  %s\n",
			issue.IssueNumber, issue.ID, workflow.Label(issue.Stage), title)
	}
}

// parseIssueArg parses "ISSUE:N" into an issue ID and an index.
func parseIssueArg(arg string) (int64, int) {
	parts := strings.SplitN(arg, ":", 2)
	if len(parts) != 2 {
		fail(fmt.Errorf("expected ISSUE:INDEX, got %q", arg))
	}
	issueID, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		fail(fmt.Errorf("invalid issue ID %q", parts[0]))
	}
	index, err := strconv.Atoi(parts[1])
	if err != nil {
		fail(fmt.Errorf("invalid index %q", parts[1]))
	}
	return issueID, index
}

// parseIssueStageArg parses "ISSUE:STAGE" into an issue ID and a stage.
func parseIssueStageArg(arg string) (int64, workflow.Stage) {
	parts := strings.SplitN(arg, ":", 2)
	if len(parts) != 2 {
		fail(fmt.Errorf("expected ISSUE:STAGE, got %q", arg))
	}
	issueID, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		fail(fmt.Errorf("invalid issue ID %q", parts[0]))
	}
	stage, err := workflow.ParseStage(strings.ToUpper(parts[1]))
	if err != nil {
		fail(err)
	}
	return issueID, stage
}

func fail(err error) {
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	os.Exit(1)
}
