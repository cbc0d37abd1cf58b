package main

import (
	"encoding/base64"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/coursebot/backend/internal/config"
)

// --- ask ---

var askCmd = &cobra.Command{
	Use:   "ask <question>",
	Short: "Ask a question about a course",
	Long: `Ask a question about a course.

Examples:
  coursebot ask --course cs101 "What is a closure?"
  coursebot ask --course cs101 --session 7f3a... "And how does that differ from a lambda?"`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		courseID, _ := cmd.Flags().GetString("course")
		sessionID, _ := cmd.Flags().GetString("session")
		topK, _ := cmd.Flags().GetInt("top-k")
		if courseID == "" {
			return fmt.Errorf("--course is required")
		}
		question := strings.Join(args, " ")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		body := map[string]any{
			"course_id": courseID,
			"query":     question,
		}
		if sessionID != "" {
			body["session_id"] = sessionID
		}
		if topK > 0 {
			body["top_k"] = topK
		}

		resp, err := client.post(cmd.Context(), "/chat", body)
		if err != nil {
			return err
		}

		var result struct {
			Answer  string `json:"answer"`
			Sources []struct {
				Text  string  `json:"text"`
				Score float32 `json:"score"`
			} `json:"sources"`
		}
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		fmt.Println(result.Answer)
		for i, s := range result.Sources {
			text := s.Text
			if len(text) > 200 {
				text = text[:200] + "..."
			}
			fmt.Printf("\n%s [score: %.3f]\n  %s\n",
				colorize(colorBold, fmt.Sprintf("Source %d", i+1)), s.Score, text)
		}
		return nil
	},
}

func init() {
	askCmd.Flags().String("course", "", "course identifier")
	askCmd.Flags().String("session", "", "session id for conversation continuity")
	askCmd.Flags().Int("top-k", 0, "maximum passages to retrieve")
}

// --- search ---

var searchCmd = &cobra.Command{
	Use:   "search <query>",
	Short: "Semantic search over a course's material",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		courseID, _ := cmd.Flags().GetString("course")
		topK, _ := cmd.Flags().GetInt("limit")
		if courseID == "" {
			return fmt.Errorf("--course is required")
		}
		query := strings.Join(args, " ")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		body := map[string]any{
			"course_id": courseID,
			"query":     query,
		}
		if topK > 0 {
			body["top_k"] = topK
		}

		resp, err := client.post(cmd.Context(), "/search", body)
		if err != nil {
			return err
		}

		var result struct {
			Results []struct {
				Text     string            `json:"text"`
				Score    float32           `json:"score"`
				Metadata map[string]string `json:"metadata"`
			} `json:"results"`
		}
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		if len(result.Results) == 0 {
			fmt.Println("No results found.")
			return nil
		}
		for i, r := range result.Results {
			fmt.Printf("\n%s [score: %.3f]\n", colorize(colorBold, fmt.Sprintf("Result %d", i+1)), r.Score)
			if src := r.Metadata["source"]; src != "" {
				fmt.Printf("  Source: %s\n", src)
			}
			text := r.Text
			if len(text) > 500 {
				text = text[:500] + "..."
			}
			fmt.Printf("  %s\n", text)
		}
		return nil
	},
}

func init() {
	searchCmd.Flags().String("course", "", "course identifier")
	searchCmd.Flags().Int("limit", 5, "maximum number of results")
}

// --- courses ---

var coursesCmd = &cobra.Command{
	Use:   "courses",
	Short: "Manage course indexes",
}

var coursesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List courses with indexed material",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get(cmd.Context(), "/courses")
		if err != nil {
			return err
		}

		var result struct {
			Courses []string `json:"courses"`
		}
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		if len(result.Courses) == 0 {
			fmt.Println("No indexed courses.")
			return nil
		}
		for _, c := range result.Courses {
			fmt.Println(c)
		}
		return nil
	},
}

var coursesDeleteCmd = &cobra.Command{
	Use:   "delete <course-id>",
	Short: "Delete a course's index",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		confirm, _ := cmd.Flags().GetBool("confirm")
		if !confirm {
			printWarning("This will delete all indexed material for %s. Use --confirm to proceed.", args[0])
			return nil
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.delete(cmd.Context(), "/courses/"+url.PathEscape(args[0])+"/index")
		if err != nil {
			return err
		}

		var result map[string]string
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		printSuccess("Deleted index for %s", args[0])
		return nil
	},
}

func init() {
	coursesDeleteCmd.Flags().Bool("confirm", false, "confirm index deletion")
	coursesCmd.AddCommand(coursesListCmd)
	coursesCmd.AddCommand(coursesDeleteCmd)
}

// --- ingest ---

var ingestCmd = &cobra.Command{
	Use:   "ingest <file>",
	Short: "Index a document into a course",
	Long: `Index a document into a course.

Examples:
  coursebot ingest --course cs101 ./syllabus.pdf
  coursebot ingest --course cs101 --title "Week 3 notes" ./notes.md`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		courseID, _ := cmd.Flags().GetString("course")
		title, _ := cmd.Flags().GetString("title")
		if courseID == "" {
			return fmt.Errorf("--course is required")
		}

		path := args[0]
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("reading file: %w", err)
		}
		name := filepath.Base(path)
		if title == "" {
			title = name
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.post(cmd.Context(), "/courses/"+url.PathEscape(courseID)+"/documents", map[string]any{
			"name":           name,
			"title":          title,
			"content_base64": base64.StdEncoding.EncodeToString(data),
		})
		if err != nil {
			return err
		}

		var result struct {
			Status string `json:"status"`
			Chunks int    `json:"chunks"`
		}
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		printSuccess("Indexed %s into %s (%d chunks)", name, courseID, result.Chunks)
		return nil
	},
}

func init() {
	ingestCmd.Flags().String("course", "", "course identifier")
	ingestCmd.Flags().String("title", "", "title for the document")
}

// --- sessions ---

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "Manage conversation sessions",
}

var sessionsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List a course's sessions",
	RunE: func(cmd *cobra.Command, args []string) error {
		courseID, _ := cmd.Flags().GetString("course")
		limit, _ := cmd.Flags().GetInt("limit")
		if courseID == "" {
			return fmt.Errorf("--course is required")
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get(cmd.Context(), fmt.Sprintf("/sessions?course_id=%s&limit=%d", url.QueryEscape(courseID), limit))
		if err != nil {
			return err
		}

		var result struct {
			Sessions []struct {
				ID           string `json:"id"`
				Title        string `json:"title"`
				Status       string `json:"status"`
				LastActiveAt string `json:"last_active_at"`
			} `json:"sessions"`
		}
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		if len(result.Sessions) == 0 {
			fmt.Println("No sessions found.")
			return nil
		}
		for _, s := range result.Sessions {
			fmt.Printf("%s  %-6s  %s  %s\n",
				colorize(colorCyan, s.ID[:8]), s.Status, s.LastActiveAt, s.Title)
		}
		return nil
	},
}

var sessionsEndCmd = &cobra.Command{
	Use:   "end <session-id>",
	Short: "End a session, storing its summary",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		summary, _ := cmd.Flags().GetString("summary")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.post(cmd.Context(), "/sessions/"+url.PathEscape(args[0])+"/end", map[string]any{
			"summary": summary,
		})
		if err != nil {
			return err
		}

		var result map[string]string
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		printSuccess("Session ended")
		if result["summary"] != "" {
			fmt.Println(result["summary"])
		}
		return nil
	},
}

var sessionsDeleteCmd = &cobra.Command{
	Use:   "delete <session-id>",
	Short: "Delete a session and its messages",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.delete(cmd.Context(), "/sessions/"+url.PathEscape(args[0]))
		if err != nil {
			return err
		}

		var result map[string]string
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		printSuccess("Session deleted")
		return nil
	},
}

func init() {
	sessionsListCmd.Flags().String("course", "", "course identifier")
	sessionsListCmd.Flags().Int("limit", 20, "maximum number of sessions to list")
	sessionsEndCmd.Flags().String("summary", "", "summary text (synthesized from recent messages when empty)")
	sessionsCmd.AddCommand(sessionsListCmd)
	sessionsCmd.AddCommand(sessionsEndCmd)
	sessionsCmd.AddCommand(sessionsDeleteCmd)
}

// --- config ---

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or update configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}

		for _, k := range config.ShowAll(cfg) {
			fmt.Printf("  %s = %s\n", colorize(colorBold, k.Key), k.Value)
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		if err := config.SetKey(key, value); err != nil {
			return err
		}

		printSuccess("Set %s = %s", key, value)
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
}
