package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/michaelbrown/convo/internal/llm"
	"github.com/michaelbrown/convo/internal/storage"
)

var (
	statusFilter string
	limitFlag    int
	exportFormat string
	exportOutput string
	exportTools  bool
	exportSystem bool
	exportTitle  string
	forceFlag    bool
)

var sessionsCmd = &cobra.Command{
	Use:     "sessions",
	Aliases: []string{"session", "s"},
	Short:   "Manage saved conversations",
}

var sessionsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List saved conversations",
	RunE:  runSessionsList,
}

var sessionsShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show a conversation and its turns",
	Args:  cobra.ExactArgs(1),
	RunE:  runSessionsShow,
}

var sessionsResumeCmd = &cobra.Command{
	Use:   "resume <id>",
	Short: "Continue a saved conversation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		resumeID = args[0]
		return runChat(cmd, args)
	},
}

var sessionsDeleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Delete a conversation",
	Args:  cobra.ExactArgs(1),
	RunE:  runSessionsDelete,
}

var sessionsExportCmd = &cobra.Command{
	Use:   "export <id>",
	Short: "Export a conversation as markdown, HTML or JSON",
	Args:  cobra.ExactArgs(1),
	RunE:  runSessionsExport,
}

func init() {
	rootCmd.AddCommand(sessionsCmd)
	sessionsCmd.AddCommand(sessionsListCmd, sessionsShowCmd, sessionsResumeCmd, sessionsDeleteCmd, sessionsExportCmd)

	sessionsListCmd.Flags().StringVar(&statusFilter, "status", "", "Filter by status (active, completed, failed, running)")
	sessionsListCmd.Flags().IntVar(&limitFlag, "limit", 20, "Max conversations to show")

	sessionsResumeCmd.Flags().StringVar(&echoFlag, "echo", "", "Let the session print output itself: text, all or none")
	sessionsResumeCmd.Flags().BoolVar(&noStreamFlag, "no-stream", false, "Wait for complete responses instead of streaming")

	sessionsExportCmd.Flags().StringVar(&exportFormat, "format", "md", "Export format: md, html or json (ignored with --output)")
	sessionsExportCmd.Flags().StringVarP(&exportOutput, "output", "o", "", "Output file; the format follows its extension (default: stdout)")
	sessionsExportCmd.Flags().BoolVar(&exportTools, "tools", false, "Include tool calls and results")
	sessionsExportCmd.Flags().BoolVar(&exportSystem, "system", false, "Include the system prompt")
	sessionsExportCmd.Flags().StringVar(&exportTitle, "title", "", "Title for the export (default: the conversation title)")
	sessionsExportCmd.Flags().BoolVar(&forceFlag, "force", false, "Overwrite files / skip confirmation")

	sessionsDeleteCmd.Flags().BoolVar(&forceFlag, "force", false, "Skip confirmation")
}

func runSessionsList(cmd *cobra.Command, args []string) error {
	store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	convs, err := store.List(cmd.Context(), storage.ListOptions{
		Status: storage.Status(statusFilter),
		Limit:  limitFlag,
	})
	if err != nil {
		return err
	}

	if len(convs) == 0 {
		fmt.Println("No conversations found.")
		return nil
	}

	fmt.Printf("%-10s %-12s %-40s %-15s %-10s %s\n", "ID", "STATUS", "TITLE", "MODEL", "TOKENS", "UPDATED")
	fmt.Println(strings.Repeat("─", 106))

	for _, c := range convs {
		title := c.Title
		if title == "" {
			title = "(untitled)"
		}
		fmt.Printf("%-10s %-12s %-40s %-15s %-10d %s\n",
			shortID(c.ID), c.Status, truncate(title, 38), truncate(c.Model, 13),
			c.Usage.InputTokens+c.Usage.OutputTokens, timeAgo(c.UpdatedAt))
	}

	return nil
}

func runSessionsShow(cmd *cobra.Command, args []string) error {
	store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	ctx := cmd.Context()
	conv, err := store.Get(ctx, args[0])
	if err != nil {
		return err
	}

	fmt.Printf("Conversation: %s\n", conv.ID)
	fmt.Printf("Title:    %s\n", conv.Title)
	fmt.Printf("Status:   %s\n", conv.Status)
	fmt.Printf("Provider: %s\n", conv.Provider)
	fmt.Printf("Model:    %s\n", conv.Model)
	if conv.Profile != "" {
		fmt.Printf("Profile:  %s\n", conv.Profile)
	}
	fmt.Printf("Tokens:   %d in / %d out\n", conv.Usage.InputTokens, conv.Usage.OutputTokens)
	fmt.Printf("Created:  %s\n", conv.CreatedAt.Format(time.RFC3339))
	fmt.Printf("Updated:  %s\n", conv.UpdatedAt.Format(time.RFC3339))
	if conv.SystemPrompt != "" {
		fmt.Printf("System:   %s\n", truncate(conv.SystemPrompt, 200))
	}

	turns, err := store.LoadTurns(ctx, conv.ID)
	if err != nil {
		return err
	}

	fmt.Printf("\nTurns: %d\n", len(turns))
	fmt.Println(strings.Repeat("─", 60))

	for _, t := range turns {
		switch t.Role {
		case llm.RoleUser:
			fmt.Printf("\n\033[36myou>\033[0m %s\n", truncate(t.Text(), 200))
			if t.HasImages() {
				fmt.Printf("  \033[90m[image attached]\033[0m\n")
			}
		case llm.RoleAssistant:
			if text := t.Text(); text != "" {
				fmt.Printf("\n\033[32massistant>\033[0m %s\n", truncate(text, 200))
			}
			for _, req := range t.ToolRequests() {
				fmt.Printf("  \033[33m⚡ %s\033[0m\n", req.Name)
			}
		case llm.RoleTool:
			for _, res := range t.ToolResults() {
				fmt.Printf("  \033[90m│ %s\033[0m\n", truncate(res.Text(), 100))
			}
		}
	}

	return nil
}

func runSessionsDelete(cmd *cobra.Command, args []string) error {
	store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	ctx := cmd.Context()
	conv, err := store.Get(ctx, args[0])
	if err != nil {
		return err
	}

	if !forceFlag {
		title := conv.Title
		if title == "" {
			title = "(untitled)"
		}
		fmt.Printf("Delete conversation %s - %q? [y/N] ", shortID(conv.ID), title)
		var confirm string
		fmt.Scanln(&confirm)
		if strings.ToLower(confirm) != "y" {
			fmt.Println("Cancelled.")
			return nil
		}
	}

	if err := store.Delete(ctx, conv.ID); err != nil {
		return err
	}
	fmt.Printf("Deleted conversation %s\n", shortID(conv.ID))
	return nil
}

func runSessionsExport(cmd *cobra.Command, args []string) error {
	store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	ctx := cmd.Context()
	conv, turns, err := loadConversation(ctx, store, args[0])
	if err != nil {
		return err
	}

	opts := storage.ExportOptions{Title: exportTitle, IncludeTools: exportTools, IncludeSystemPrompt: exportSystem}
	if exportOutput != "" {
		if err := storage.ExportFile(exportOutput, conv, turns, opts, forceFlag); err != nil {
			return err
		}
		fmt.Fprintf(os.Stderr, "Exported %s to %s\n", shortID(conv.ID), filepath.Clean(exportOutput))
		return nil
	}

	switch exportFormat {
	case "json":
		data, err := storage.ExportJSON(conv, turns)
		if err != nil {
			return err
		}
		fmt.Println(string(data))
	case "html":
		page, err := storage.ExportHTML(conv, turns, opts)
		if err != nil {
			return err
		}
		fmt.Print(page)
	case "md", "markdown":
		fmt.Print(storage.ExportMarkdown(conv, turns, opts))
	default:
		return fmt.Errorf("unknown export format: %s", exportFormat)
	}
	return nil
}

func loadConversation(ctx context.Context, store storage.Store, id string) (*storage.Conversation, []llm.Turn, error) {
	conv, err := store.Get(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	turns, err := store.LoadTurns(ctx, conv.ID)
	if err != nil {
		return nil, nil, err
	}
	return conv, turns, nil
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func truncate(s string, maxLen int) string {
	s = strings.TrimSpace(s)
	if r := []rune(s); len(r) > maxLen {
		return string(r[:maxLen]) + ".."
	}
	return s
}

func timeAgo(t time.Time) string {
	d := time.Since(t)
	switch {
	case d < time.Minute:
		return "just now"
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	default:
		return fmt.Sprintf("%dd ago", int(d.Hours()/24))
	}
}
