package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"

	"github.com/chzyer/readline"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/michaelbrown/convo/internal/llm"
	"github.com/michaelbrown/convo/internal/session"
	"github.com/michaelbrown/convo/internal/storage"
)

var (
	resumeID     string
	echoFlag     string
	noStreamFlag bool
)

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Start an interactive chat session",
	Long: `Start an interactive conversation. The model can use tools to help answer
your questions, and the conversation is saved so it can be resumed later.

Examples:
  convo chat
  convo chat --provider anthropic
  convo chat --provider ollama --model qwen3:8b --echo all`,
	RunE: runChat,
}

func init() {
	chatCmd.Flags().StringVar(&echoFlag, "echo", "", "Let the session print output itself: text, all or none")
	chatCmd.Flags().BoolVar(&noStreamFlag, "no-stream", false, "Wait for complete responses instead of streaming")
	rootCmd.AddCommand(chatCmd)
}

func runChat(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	providerName, model, profileName := providerFlag, modelFlag, profileFlag
	var conv *storage.Conversation
	var initial []llm.Turn
	if resumeID != "" {
		conv, err = store.Get(ctx, resumeID)
		if err != nil {
			return err
		}
		initial, err = store.LoadTurns(ctx, conv.ID)
		if err != nil {
			return err
		}
		providerName = firstNonEmpty(providerName, conv.Provider)
		model = firstNonEmpty(model, conv.Model)
		profileName = firstNonEmpty(profileName, conv.Profile)
	}

	t, err := resolveTarget(providerName, model, profileName)
	if err != nil {
		return err
	}
	provider, err := t.provider()
	if err != nil {
		return err
	}

	registry, err := newRegistry(ctx)
	if err != nil {
		return err
	}
	defer registry.Close()

	sc := t.sessionConfig()
	if echoFlag != "" {
		if sc.Echo, err = session.ParseEchoMode(echoFlag); err != nil {
			return err
		}
	}
	if conv != nil && conv.SystemPrompt != "" {
		sc.SystemPrompt = conv.SystemPrompt
	}
	sc.Output = os.Stdout

	sess, err := session.New(provider, registry, sc, initial...)
	if err != nil {
		return err
	}
	sess.FilterTools(t.toolFilter())

	fmt.Printf("convo - interactive chat\n")
	if t.profile != nil {
		fmt.Printf("Profile: %s\n", t.profile.Name)
	}
	fmt.Printf("Provider: %s | Model: %s\n", t.providerName, t.model)
	fmt.Printf("Tools: %s\n", strings.Join(registry.Names(), ", "))
	if conv != nil {
		fmt.Printf("Resumed %s (%d turns)\n", conv.ID[:8], len(initial))
	}
	fmt.Printf("Type /help for commands, /quit to exit\n\n")

	c := &chatREPL{
		sess:   sess,
		store:  store,
		conv:   conv,
		target: t,
		stream: !noStreamFlag,
		render: sc.Echo == session.EchoNone,
	}
	if c.render {
		sess.OnToolCall = printToolCall
		sess.OnToolResult = printToolResult
	}
	return c.run(ctx)
}

func firstNonEmpty(a, b string) string {
	if a != "" {
		return a
	}
	return b
}

func printToolCall(req llm.ToolRequest) {
	fmt.Printf("\n  \033[33m⚡ Tool: %s\033[0m\n", session.FormatToolCall(req.Name, req.Arguments))
}

func printToolResult(_ llm.ToolRequest, res llm.ToolResult) {
	color := "90"
	if res.IsError() {
		color = "31"
	}
	lines := strings.Split(strings.TrimSpace(res.Text()), "\n")
	preview := lines
	if len(preview) > 8 {
		preview = preview[:8]
	}
	for _, line := range preview {
		fmt.Printf("  \033[%sm│ %s\033[0m\n", color, line)
	}
	if len(lines) > 8 {
		fmt.Printf("  \033[90m│ ... (%d more lines)\033[0m\n", len(lines)-8)
	}
	fmt.Println()
}

// canceller holds the cancel func of the ask in flight.
type canceller struct {
	mu     sync.Mutex
	cancel context.CancelFunc
}

func (c *canceller) set(f context.CancelFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cancel = f
}

func (c *canceller) fire() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancel != nil {
		c.cancel()
	}
}

type chatREPL struct {
	sess   *session.Session
	store  storage.Store
	conv   *storage.Conversation
	target target
	stream bool
	render bool

	// pending holds images attached with /image for the next message.
	pending []llm.Content
	active  canceller
}

func (c *chatREPL) run(ctx context.Context) error {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "\033[36myou>\033[0m ",
		HistoryFile:     historyFile(),
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
	if err != nil {
		return fmt.Errorf("readline: %w", err)
	}
	defer rl.Close()

	// Ctrl+C cancels the ask in flight, not the whole app. At the prompt
	// readline reports it as ErrInterrupt instead.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		for range sigCh {
			c.active.fire()
		}
	}()

	for {
		line, err := rl.Readline()
		if err != nil {
			if errors.Is(err, readline.ErrInterrupt) || errors.Is(err, io.EOF) {
				fmt.Println("\nGoodbye!")
				return nil
			}
			return err
		}

		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, "/") {
			if quit := c.handleCommand(line); quit {
				return nil
			}
			continue
		}

		input := append(c.pending, llm.Text{Value: line})
		c.pending = nil

		reqCtx, cancel := context.WithCancel(ctx)
		c.active.set(cancel)
		err = c.ask(reqCtx, input)
		interrupted := reqCtx.Err() != nil
		c.active.set(nil)
		cancel()

		switch {
		case err != nil && interrupted:
			fmt.Println("\n(interrupted)")
		case err != nil:
			fmt.Printf("\n\033[31merror: %s\033[0m\n\n", err)
		default:
			fmt.Printf("\n\n")
		}
		c.save(ctx, line, err)
	}
}

func (c *chatREPL) ask(ctx context.Context, input []llm.Content) error {
	if c.render {
		fmt.Printf("\n\033[32massistant>\033[0m ")
	}
	if !c.stream {
		turn, err := c.sess.Chat(ctx, input...)
		if err == nil && c.render {
			fmt.Print(turn.Text())
		}
		return err
	}
	for d, err := range c.sess.Stream(ctx, input...) {
		if err != nil {
			return err
		}
		if c.render && d.Kind == llm.DeltaText {
			fmt.Print(d.Text)
		}
	}
	return nil
}

// save persists the conversation, creating its record on the first
// committed turn.
func (c *chatREPL) save(ctx context.Context, firstLine string, askErr error) {
	turns := c.sess.Turns(false)
	if len(turns) == 0 {
		return
	}
	if c.conv == nil {
		c.conv = &storage.Conversation{
			ID:       uuid.New().String(),
			Title:    titleFrom(firstLine),
			Status:   storage.StatusActive,
			Provider: c.target.providerName,
			Model:    c.target.model,
		}
		if c.target.profile != nil {
			c.conv.Profile = c.target.profile.Name
		}
		if err := c.store.Create(ctx, c.conv); err != nil {
			logger.Error("creating conversation", "error", err)
			c.conv = nil
			return
		}
	}
	if err := c.store.SaveTurns(ctx, c.conv.ID, turns); err != nil {
		logger.Error("saving turns", "conversation", c.conv.ID, "error", err)
		return
	}
	c.conv.Status = storage.StatusCompleted
	if askErr != nil {
		c.conv.Status = storage.StatusFailed
	}
	c.conv.SystemPrompt = c.sess.SystemPrompt()
	c.conv.Usage = c.sess.TotalUsage()
	if err := c.store.Update(ctx, c.conv); err != nil {
		logger.Error("updating conversation", "conversation", c.conv.ID, "error", err)
	}
}

func (c *chatREPL) handleCommand(line string) (quit bool) {
	fields := strings.Fields(line)
	arg := strings.TrimSpace(strings.TrimPrefix(line, fields[0]))

	switch strings.ToLower(fields[0]) {
	case "/quit", "/exit", "/q":
		fmt.Println("Goodbye!")
		return true
	case "/reset":
		c.sess.Reset()
		c.conv = nil
		c.pending = nil
		fmt.Println("Conversation reset. The next message starts a new saved conversation.")
	case "/history":
		data, err := json.MarshalIndent(c.sess.History(), "", "  ")
		if err != nil {
			fmt.Printf("error: %v\n", err)
			break
		}
		fmt.Println(string(data))
	case "/system":
		if arg == "" {
			if p := c.sess.SystemPrompt(); p != "" {
				fmt.Println(p)
			} else {
				fmt.Println("(no system prompt)")
			}
			break
		}
		if arg == "-" {
			arg = ""
		}
		c.sess.SetSystemPrompt(arg)
		fmt.Println("System prompt updated.")
	case "/tokens":
		last, total := c.sess.TokenUsage(), c.sess.TotalUsage()
		fmt.Printf("Last response: %d in / %d out\n", last.InputTokens, last.OutputTokens)
		fmt.Printf("Conversation:  %d in / %d out\n", total.InputTokens, total.OutputTokens)
		fmt.Printf("History estimate: ~%d tokens\n", c.sess.TokenCount())
	case "/image":
		img, err := parseImageArg(arg)
		if err != nil {
			fmt.Printf("error: %v\n", err)
			break
		}
		c.pending = append(c.pending, img)
		fmt.Printf("Image attached to your next message (%d pending).\n", len(c.pending))
	case "/export":
		c.export(arg)
	case "/help":
		fmt.Println("Commands:")
		fmt.Println("  /help                 - Show this help")
		fmt.Println("  /reset                - Clear conversation history")
		fmt.Println("  /history              - Show raw conversation history (JSON)")
		fmt.Println("  /system [text|-]      - Show, set or clear (-) the system prompt")
		fmt.Println("  /tokens               - Show token usage")
		fmt.Println("  /image <url|path> [detail] - Attach an image to the next message")
		fmt.Println("  /export <file> [--force]   - Export as .md, .html or .json")
		fmt.Println("  /quit                 - Exit")
	default:
		fmt.Printf("Unknown command: %s (try /help)\n", fields[0])
	}
	fmt.Println()
	return false
}

// parseImageArg reads "<url|path> [detail]".
func parseImageArg(arg string) (llm.Image, error) {
	fields := strings.Fields(arg)
	if len(fields) == 0 {
		return llm.Image{}, errors.New("usage: /image <url|path> [low|high|auto]")
	}
	var detail llm.ImageDetail
	if len(fields) > 1 {
		detail = llm.ParseImageDetail(fields[1])
	}
	src := fields[0]
	if strings.HasPrefix(src, "http://") || strings.HasPrefix(src, "https://") || strings.HasPrefix(src, "data:") {
		return llm.NewImageURL(src, detail)
	}
	if _, err := os.Stat(src); err != nil {
		return llm.Image{}, err
	}
	return llm.NewImagePath(src, detail)
}

func (c *chatREPL) export(arg string) {
	fields := strings.Fields(arg)
	if len(fields) == 0 {
		fmt.Println("usage: /export <file> [--force]")
		return
	}
	if c.conv == nil {
		fmt.Println("Nothing to export yet.")
		return
	}
	c.conv.SystemPrompt = c.sess.SystemPrompt()
	force := len(fields) > 1 && fields[1] == "--force"
	opts := storage.ExportOptions{IncludeTools: true, IncludeSystemPrompt: true}
	if err := storage.ExportFile(fields[0], c.conv, c.sess.Turns(false), opts, force); err != nil {
		fmt.Printf("error: %v\n", err)
		return
	}
	fmt.Printf("Exported to %s\n", fields[0])
}

func historyFile() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".convo", "history")
}

// titleFrom creates a conversation title from the first user message.
func titleFrom(first string) string {
	t := strings.TrimSpace(first)
	if r := []rune(t); len(r) > 80 {
		t = string(r[:80]) + "..."
	}
	return t
}
