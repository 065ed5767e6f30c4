// ABOUTME: Interactive terminal client for chatting with loom gateway agents.
// ABOUTME: Wires the REST client, streaming transport, and session controller together.

package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/fatih/color"

	"github.com/2389/loom-client/internal/agents"
	"github.com/2389/loom-client/internal/api"
	"github.com/2389/loom-client/internal/config"
	"github.com/2389/loom-client/internal/session"
	"github.com/2389/loom-client/internal/store"
	"github.com/2389/loom-client/internal/transport"
	"github.com/2389/loom-client/internal/upload"
)

// Version is set by goreleaser at build time.
var version = "dev"

// getConfigPath returns the path to the client config file.
// Priority: LOOM_CONFIG env var > XDG_CONFIG_HOME/loom/client.yaml > ~/.config/loom/client.yaml
func getConfigPath() string {
	if envPath := os.Getenv("LOOM_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "client.yaml" // fallback
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "loom", "client.yaml")
}

// getToken returns the API token from LOOM_TOKEN or ~/.config/loom/token.
func getToken() string {
	if token := os.Getenv("LOOM_TOKEN"); token != "" {
		return token
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return ""
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	data, err := os.ReadFile(filepath.Join(configDir, "loom", "token"))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	fmt.Println("\nGoodbye!")
}

func run(ctx context.Context) error {
	configPath := getConfigPath()
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	token := cfg.Server.Token
	if token == "" {
		token = getToken()
	}

	logger := setupLogger(cfg.Logging)
	slog.SetDefault(logger)

	gray := color.New(color.FgHiBlack)
	fmt.Printf("loom-tui %s connected to %s\n", version, cfg.Server.BaseURL)
	if token != "" {
		gray.Println("auth: token configured")
	} else {
		gray.Println("auth: none (set LOOM_TOKEN or server.token)")
	}
	fmt.Println("Type a message and press Enter. /help for commands. Ctrl+C to quit.")
	fmt.Println()

	apiClient := api.NewClient(cfg.Server.BaseURL, token, nil, logger)
	st := store.New(logger)
	registry := agents.NewRegistry(apiClient, logger)
	tracker := upload.NewTracker(st, apiClient, upload.Config{
		MaxFileSize:   cfg.Uploads.MaxFileSize,
		SurviveSwitch: !cfg.Uploads.CancelOnSwitch,
	}, logger)

	dialer := func(conversationID string) transport.Adapter {
		return transport.NewWSAdapter(transport.WSConfig{
			URL:              cfg.Server.StreamURL,
			ConversationID:   conversationID,
			Token:            apiClient.StreamToken,
			HandshakeTimeout: cfg.Session.ConnectTimeout,
			Logger:           logger,
		})
	}

	ctrl := session.New(st, dialer, apiClient, tracker, registry, session.Config{
		ConnectTimeout:       cfg.Session.ConnectTimeout,
		ResponseTimeout:      cfg.Session.ResponseTimeout,
		MaxReconnectAttempts: cfg.Session.MaxReconnectAttempts,
		ReconnectBase:        cfg.Session.ReconnectBaseDelay,
		ReconnectMax:         cfg.Session.ReconnectMaxDelay,
		HistoryPageSize:      cfg.Session.HistoryPageSize,
	}, logger)

	go ctrl.Run(ctx)

	if err := registry.Refresh(ctx); err != nil {
		logger.Warn("initial agent listing failed", "error", err)
	}

	r := newRenderer(st)
	go r.watch(ctx)

	app := &app{
		ctrl:     ctrl,
		api:      apiClient,
		st:       st,
		registry: registry,
		renderer: r,
	}
	return app.loop(ctx)
}

// app holds everything the interactive command loop needs.
type app struct {
	ctrl     *session.Controller
	api      *api.Client
	st       *store.Store
	registry *agents.Registry
	renderer *renderer

	active string
	staged []string // uploaded file IDs attached to the next send
}

func (a *app) loop(ctx context.Context) error {
	scanner := bufio.NewScanner(os.Stdin)

	for {
		if a.active != "" {
			fmt.Printf("[%s]> ", a.active)
		} else {
			fmt.Print("> ")
		}

		inputCh := make(chan string, 1)
		errCh := make(chan error, 1)
		go func() {
			if scanner.Scan() {
				inputCh <- scanner.Text()
			} else if err := scanner.Err(); err != nil {
				errCh <- err
			} else {
				errCh <- io.EOF
			}
		}()

		var input string
		select {
		case <-ctx.Done():
			return nil
		case err := <-errCh:
			if err == io.EOF {
				return nil
			}
			return fmt.Errorf("reading input: %w", err)
		case input = <-inputCh:
		}

		input = strings.TrimSpace(input)
		if input == "" {
			continue
		}
		if input == "/quit" || input == "/exit" || input == "/q" {
			return nil
		}

		if strings.HasPrefix(input, "/") {
			if err := a.handleCommand(ctx, input); err != nil {
				color.Red("[error] %v", err)
			}
			fmt.Println()
			continue
		}

		if a.active == "" {
			fmt.Println("No conversation selected. Use /new or /switch <id> first.")
			fmt.Println()
			continue
		}

		fileIDs := a.staged
		a.staged = nil
		if _, err := a.ctrl.SendMessage(a.active, input, fileIDs); err != nil {
			color.Red("[error] %v", err)
		}
	}
}

func (a *app) handleCommand(ctx context.Context, input string) error {
	cmd, args, _ := strings.Cut(input, " ")
	args = strings.TrimSpace(args)

	switch cmd {
	case "/help":
		printHelp()
	case "/agents":
		return a.cmdAgents(ctx)
	case "/use":
		return a.cmdUse(args)
	case "/conversations":
		return a.cmdConversations(ctx)
	case "/switch":
		return a.cmdSwitch(args)
	case "/new":
		return a.cmdNew(ctx, args)
	case "/delete":
		return a.cmdDelete(ctx, args)
	case "/upload":
		return a.cmdUpload(args)
	case "/files":
		return a.cmdFiles()
	case "/retry":
		return a.cmdRetry(args)
	case "/reconnect":
		return a.cmdReconnect()
	case "/history":
		return a.cmdHistory(ctx)
	case "/keys":
		return a.cmdKeys(ctx, args)
	default:
		return fmt.Errorf("unknown command %s (try /help)", cmd)
	}
	return nil
}

func printHelp() {
	fmt.Println("Commands:")
	fmt.Println("  /agents              List selectable agents")
	fmt.Println("  /use <id>            Select the agent for subsequent messages")
	fmt.Println("  /conversations       List conversations")
	fmt.Println("  /switch <id>         Switch to a conversation")
	fmt.Println("  /new [title]         Create a conversation and switch to it")
	fmt.Println("  /delete <id>         Delete a conversation")
	fmt.Println("  /upload <path>...    Upload files, attached to the next message")
	fmt.Println("  /files               List files in the current conversation")
	fmt.Println("  /retry <message-id>  Re-send a failed message")
	fmt.Println("  /reconnect           Retry a failed connection")
	fmt.Println("  /history             Load older messages")
	fmt.Println("  /keys [add|rm|default] Manage provider API keys")
	fmt.Println("  /quit                Exit")
}

func (a *app) cmdAgents(ctx context.Context) error {
	if err := a.registry.Refresh(ctx); err != nil {
		return err
	}
	infos := a.registry.All()
	if len(infos) == 0 {
		fmt.Println("No agents available")
		return nil
	}
	fmt.Println("Agents:")
	for _, info := range infos {
		caps := strings.Join(info.Capabilities, ", ")
		fmt.Printf("  %s: %s (%s/%s) [%s]\n", info.ID, info.Name, info.Provider, info.Model, caps)
	}
	return nil
}

func (a *app) cmdUse(agentID string) error {
	if agentID == "" {
		return fmt.Errorf("usage: /use <agent-id>")
	}
	if a.active == "" {
		return fmt.Errorf("no conversation selected")
	}
	if err := a.ctrl.SwitchAgent(a.active, agentID); err != nil {
		return err
	}
	fmt.Printf("Now using %s\n", agentID)
	return nil
}

func (a *app) cmdConversations(ctx context.Context) error {
	metas, err := a.api.ListConversations(ctx)
	if err != nil {
		return err
	}
	if len(metas) == 0 {
		fmt.Println("No conversations")
		return nil
	}
	fmt.Println("Conversations:")
	for _, m := range metas {
		marker := "  "
		if m.ID == a.active {
			marker = "* "
		}
		title := m.Title
		if title == "" {
			title = "(untitled)"
		}
		fmt.Printf("%s%s: %s\n", marker, m.ID, title)
	}
	return nil
}

func (a *app) cmdSwitch(convID string) error {
	if convID == "" {
		return fmt.Errorf("usage: /switch <conversation-id>")
	}
	if err := a.ctrl.SwitchConversation(convID); err != nil {
		return err
	}
	a.active = convID
	a.renderer.setActive(convID)
	a.staged = nil
	fmt.Printf("Switched to %s\n", convID)
	return nil
}

func (a *app) cmdNew(ctx context.Context, title string) error {
	id, err := a.ctrl.NewConversation(ctx, title, "")
	if err != nil {
		return err
	}
	fmt.Printf("Created %s\n", id)
	return a.cmdSwitch(id)
}

func (a *app) cmdDelete(ctx context.Context, convID string) error {
	if convID == "" {
		return fmt.Errorf("usage: /delete <conversation-id>")
	}
	if err := a.ctrl.DeleteConversation(ctx, convID); err != nil {
		return err
	}
	if a.active == convID {
		a.active = ""
		a.renderer.setActive("")
	}
	fmt.Printf("Deleted %s\n", convID)
	return nil
}

func (a *app) cmdUpload(args string) error {
	if a.active == "" {
		return fmt.Errorf("no conversation selected")
	}
	paths := strings.Fields(args)
	if len(paths) == 0 {
		return fmt.Errorf("usage: /upload <path>...")
	}

	var specs []upload.FileSpec
	var toClose []*os.File
	for _, path := range paths {
		f, err := os.Open(path)
		if err != nil {
			for _, c := range toClose {
				c.Close()
			}
			return err
		}
		info, err := f.Stat()
		if err != nil {
			f.Close()
			for _, c := range toClose {
				c.Close()
			}
			return err
		}
		toClose = append(toClose, f)
		specs = append(specs, upload.FileSpec{
			Filename: filepath.Base(path),
			MimeType: mime.TypeByExtension(filepath.Ext(path)),
			Size:     info.Size(),
			Reader:   f,
		})
	}

	ids, err := a.ctrl.UploadFiles(a.active, specs)
	if err != nil {
		// The tracker owns (and closes) readers for uploads it started;
		// close only the ones it never took.
		for _, c := range toClose[len(ids):] {
			c.Close()
		}
		return err
	}
	a.staged = append(a.staged, ids...)
	fmt.Printf("Uploading %d file(s); they will be attached to your next message\n", len(ids))
	return nil
}

func (a *app) cmdFiles() error {
	if a.active == "" {
		return fmt.Errorf("no conversation selected")
	}
	files := a.st.Files(a.active)
	if len(files) == 0 {
		fmt.Println("No files")
		return nil
	}
	for _, f := range files {
		switch f.Status {
		case store.UploadActive:
			fmt.Printf("  %s  %s  %d%%\n", f.ID, f.Filename, f.Progress)
		case store.UploadFailed:
			fmt.Printf("  %s  %s  failed: %s\n", f.ID, f.Filename, f.FailReason)
		default:
			fmt.Printf("  %s  %s  uploaded\n", f.ID, f.Filename)
		}
	}
	return nil
}

func (a *app) cmdRetry(messageID string) error {
	if messageID == "" {
		return fmt.Errorf("usage: /retry <message-id>")
	}
	id, err := a.ctrl.RetryMessage(messageID)
	if err != nil {
		return err
	}
	fmt.Printf("Retrying as %s\n", id)
	return nil
}

func (a *app) cmdReconnect() error {
	if a.active == "" {
		return fmt.Errorf("no conversation selected")
	}
	return a.ctrl.RetryConnection(a.active)
}

func (a *app) cmdHistory(ctx context.Context) error {
	if a.active == "" {
		return fmt.Errorf("no conversation selected")
	}
	msgs := a.st.Messages(a.active)
	before := ""
	if len(msgs) > 0 {
		before = msgs[0].ID
	}
	more, err := a.ctrl.FetchOlderMessages(ctx, a.active, before)
	if err != nil {
		return err
	}
	if more {
		fmt.Println("Loaded older messages (more available)")
	} else {
		fmt.Println("Loaded older messages (beginning of conversation)")
	}
	return nil
}

func (a *app) cmdKeys(ctx context.Context, args string) error {
	sub, rest, _ := strings.Cut(args, " ")
	rest = strings.TrimSpace(rest)

	switch sub {
	case "", "list":
		keys, err := a.api.ListAPIKeys(ctx)
		if err != nil {
			return err
		}
		if len(keys) == 0 {
			fmt.Println("No API keys stored")
			return nil
		}
		for _, k := range keys {
			def := ""
			if k.IsDefault {
				def = " (default)"
			}
			fmt.Printf("  %s  %s  %s%s\n", k.ID, k.Provider, k.Label, def)
		}
		return nil
	case "add":
		parts := strings.Fields(rest)
		if len(parts) < 2 {
			return fmt.Errorf("usage: /keys add <provider> <secret> [label]")
		}
		label := ""
		if len(parts) > 2 {
			label = parts[2]
		}
		key, err := a.api.SaveAPIKey(ctx, parts[0], label, parts[1])
		if err != nil {
			return err
		}
		fmt.Printf("Stored key %s for %s\n", key.ID, key.Provider)
		return nil
	case "rm":
		if rest == "" {
			return fmt.Errorf("usage: /keys rm <key-id>")
		}
		return a.api.DeleteAPIKey(ctx, rest)
	case "default":
		if rest == "" {
			return fmt.Errorf("usage: /keys default <key-id>")
		}
		return a.api.SetDefaultAPIKey(ctx, rest)
	default:
		return fmt.Errorf("unknown subcommand %q (list, add, rm, default)", sub)
	}
}

func setupLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}

	return slog.New(handler)
}
