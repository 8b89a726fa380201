package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/samsaffron/nohup/internal/llm"
	"github.com/samsaffron/nohup/internal/session"
	"github.com/spf13/cobra"
)

var (
	chatsLimit int
	chatsJSON  bool
)

var chatsCmd = &cobra.Command{
	Use:   "chats",
	Short: "Manage stored chats",
	Long: `List, search, show, and delete stored chats.

Examples:
  nohup chats                             # List recent chats
  nohup chats search "kubernetes"
  nohup chats show <id>
  nohup chats delete <id>`,
	RunE: runChatsList, // Default to list
}

var chatsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List chats",
	RunE:  runChatsList,
}

var chatsSearchCmd = &cobra.Command{
	Use:   "search <query>",
	Short: "Search chat messages",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runChatsSearch,
}

var chatsShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show a chat and its messages",
	Args:  cobra.ExactArgs(1),
	RunE:  runChatsShow,
}

var chatsDeleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Delete a chat",
	Args:  cobra.ExactArgs(1),
	RunE:  runChatsDelete,
}

func init() {
	rootCmd.AddCommand(chatsCmd)
	chatsCmd.AddCommand(chatsListCmd)
	chatsCmd.AddCommand(chatsSearchCmd)
	chatsCmd.AddCommand(chatsShowCmd)
	chatsCmd.AddCommand(chatsDeleteCmd)

	chatsCmd.PersistentFlags().IntVarP(&chatsLimit, "limit", "n", 20, "Maximum chats to list")
	chatsShowCmd.Flags().BoolVar(&chatsJSON, "json", false, "Print as JSON")
}

func openChatStore() (session.Store, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	path, err := cfg.ChatsDBPath()
	if err != nil {
		return nil, fmt.Errorf("failed to get database path: %w", err)
	}
	store, err := session.NewSQLiteStore(session.Config{Path: path})
	if err != nil {
		return nil, fmt.Errorf("failed to open chats database: %w", err)
	}
	return store, nil
}

func runChatsList(cmd *cobra.Command, args []string) error {
	store, err := openChatStore()
	if err != nil {
		return err
	}
	defer store.Close()

	chats, err := store.ListChats(context.Background(), session.ListOptions{Limit: chatsLimit})
	if err != nil {
		return fmt.Errorf("failed to list chats: %w", err)
	}
	printChatList(cmd.OutOrStdout(), chats)
	return nil
}

func printChatList(w io.Writer, chats []session.ChatSummary) {
	if len(chats) == 0 {
		fmt.Fprintln(w, "No chats found.")
		return
	}

	fmt.Fprintf(w, "%-36s  %-30s %-22s %4s %9s  %s\n", "ID", "TITLE", "MODEL", "MSGS", "COST", "ACTIVE")
	fmt.Fprintln(w, strings.Repeat("-", 120))
	for _, c := range chats {
		title := c.Title
		if title == "" {
			title = "(untitled)"
		}
		fmt.Fprintf(w, "%-36s  %-30s %-22s %4d %9s  %s\n",
			c.ID, truncate(title, 30), truncate(c.Model, 22), c.MessageCount,
			formatCost(c.TotalCost), formatRelativeTime(c.LastActiveAt))
	}
}

func runChatsSearch(cmd *cobra.Command, args []string) error {
	store, err := openChatStore()
	if err != nil {
		return err
	}
	defer store.Close()

	query := strings.Join(args, " ")
	results, err := store.Search(context.Background(), query, chatsLimit)
	if err != nil {
		return fmt.Errorf("search failed: %w", err)
	}

	out := cmd.OutOrStdout()
	if len(results) == 0 {
		fmt.Fprintf(out, "No results found for '%s'\n", query)
		return nil
	}
	fmt.Fprintf(out, "Found %d matches for '%s':\n\n", len(results), query)
	for _, r := range results {
		fmt.Fprintf(out, "%s  %s (%s)\n", r.ChatID, r.Title, formatRelativeTime(r.CreatedAt))
		fmt.Fprintf(out, "    %s\n\n", r.Snippet)
	}
	return nil
}

func runChatsShow(cmd *cobra.Command, args []string) error {
	store, err := openChatStore()
	if err != nil {
		return err
	}
	defer store.Close()

	ctx := context.Background()
	chat, err := store.GetChat(ctx, args[0])
	if errors.Is(err, session.ErrNotFound) {
		return fmt.Errorf("chat '%s' not found", args[0])
	}
	if err != nil {
		return fmt.Errorf("failed to get chat: %w", err)
	}
	messages, err := store.GetMessages(ctx, chat.ID, 0, 0)
	if err != nil {
		return fmt.Errorf("failed to get messages: %w", err)
	}

	out := cmd.OutOrStdout()
	if chatsJSON {
		data := struct {
			Chat     *session.Chat     `json:"chat"`
			Messages []session.Message `json:"messages"`
		}{
			Chat:     chat,
			Messages: messages,
		}
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(data)
	}

	printChat(out, chat, messages)
	return nil
}

func printChat(w io.Writer, chat *session.Chat, messages []session.Message) {
	fmt.Fprintf(w, "Chat: %s\n", chat.ID)
	if chat.Title != "" {
		fmt.Fprintf(w, "Title: %s\n", chat.Title)
	}
	fmt.Fprintf(w, "Model: %s\n", chat.Model)
	fmt.Fprintf(w, "Created: %s\n", chat.CreatedAt.Format(time.RFC3339))
	fmt.Fprintf(w, "Last active: %s\n", chat.LastActiveAt.Format(time.RFC3339))
	fmt.Fprintf(w, "Turns: %d  Tokens: %s  Cost: %s\n",
		chat.UserTurns, formatTokens(chat.InputTokens, chat.OutputTokens), formatCost(chat.TotalCost))
	fmt.Fprintln(w)

	for _, m := range messages {
		fmt.Fprintf(w, "[%s] %s\n", m.Role, describeMessage(m))
	}
}

// describeMessage renders one stored message on a single line. Tool calls
// and results have no text content of their own.
func describeMessage(m session.Message) string {
	var calls []string
	for _, p := range m.Parts {
		switch p.Type {
		case llm.PartToolCall:
			if p.ToolCall != nil {
				calls = append(calls, p.ToolCall.Name)
			}
		case llm.PartToolResult:
			if p.ToolResult != nil {
				return fmt.Sprintf("%s -> %s", p.ToolResult.Name, truncate(oneLine(p.ToolResult.Content), 100))
			}
		}
	}
	text := truncate(oneLine(m.TextContent), 200)
	if len(calls) > 0 {
		call := "calls " + strings.Join(calls, ", ")
		if text == "" {
			return call
		}
		return text + " (" + call + ")"
	}
	return text
}

func runChatsDelete(cmd *cobra.Command, args []string) error {
	store, err := openChatStore()
	if err != nil {
		return err
	}
	defer store.Close()

	if err := store.DeleteChat(context.Background(), args[0]); err != nil {
		return fmt.Errorf("failed to delete chat: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Deleted chat: %s\n", args[0])
	return nil
}

func oneLine(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-3]) + "..."
}

func formatCost(c float64) string {
	if c == 0 {
		return "-"
	}
	return fmt.Sprintf("$%.4f", c)
}

// formatTokens formats input/output token counts compactly
func formatTokens(input, output int) string {
	if input == 0 && output == 0 {
		return "-"
	}
	return fmt.Sprintf("%s/%s", formatCount(input), formatCount(output))
}

// formatCount formats a number in compact form (e.g., 1k, 1.2k, 3.4M)
func formatCount(n int) string {
	if n < 1000 {
		return fmt.Sprintf("%d", n)
	}
	if n < 1000000 {
		val := float64(n) / 1000
		if val == float64(int(val)) {
			return fmt.Sprintf("%dk", int(val))
		}
		return fmt.Sprintf("%.1fk", val)
	}
	val := float64(n) / 1000000
	if val == float64(int(val)) {
		return fmt.Sprintf("%dM", int(val))
	}
	return fmt.Sprintf("%.1fM", val)
}

func formatRelativeTime(t time.Time) string {
	dur := time.Since(t)
	switch {
	case dur < time.Minute:
		return "just now"
	case dur < time.Hour:
		return fmt.Sprintf("%dm ago", int(dur.Minutes()))
	case dur < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(dur.Hours()))
	case dur < 7*24*time.Hour:
		return fmt.Sprintf("%dd ago", int(dur.Hours()/24))
	default:
		return t.Format("Jan 2")
	}
}
