package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/kalambet/convqa/internal/api"
	"github.com/kalambet/convqa/internal/config"
	"github.com/kalambet/convqa/internal/conversation"
	"github.com/kalambet/convqa/internal/storage"
)

// --- analyze ---

var analyzeCmd = &cobra.Command{
	Use:   "analyze",
	Short: "Grade the agent answers of one conversation",
	Long: `Grade the agent answers of one conversation.

The file holds either a conversation object or an analyze request
{"conversation": {...}, "knowledgeBaseId": "..."}. Use - to read stdin.

Examples:
  convqa analyze --file conversation.json --kb billing
  convqa analyze --file request.json --json
  cat conversation.json | convqa analyze --file - --kb billing --remote`,
	RunE: func(cmd *cobra.Command, args []string) error {
		file, _ := cmd.Flags().GetString("file")
		kbID, _ := cmd.Flags().GetString("kb")
		remote, _ := cmd.Flags().GetBool("remote")
		asJSON, _ := cmd.Flags().GetBool("json")
		noSave, _ := cmd.Flags().GetBool("no-save")

		if file == "" {
			return fmt.Errorf("--file is required")
		}
		data, err := readInput(file, cmd.InOrStdin())
		if err != nil {
			return err
		}
		req, err := parseAnalyzeRequest(data, kbID)
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		var res conversation.Result
		if remote {
			res, err = analyzeRemote(ctx, req)
		} else {
			res, err = analyzeLocal(ctx, req, !noSave)
		}
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		if asJSON {
			enc := json.NewEncoder(out)
			enc.SetIndent("", "  ")
			return enc.Encode(res)
		}
		printReport(out, res)
		return nil
	},
}

func init() {
	analyzeCmd.Flags().String("file", "", "conversation JSON file, or - for stdin")
	analyzeCmd.Flags().String("kb", "", "knowledge base id (overrides knowledgeBaseId in the file)")
	analyzeCmd.Flags().Bool("remote", false, "send the conversation to a running convqa server")
	analyzeCmd.Flags().Bool("json", false, "print the result as JSON")
	analyzeCmd.Flags().Bool("no-save", false, "do not store the result locally")
}

func readInput(path string, stdin io.Reader) ([]byte, error) {
	if path == "-" {
		return io.ReadAll(stdin)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading conversation: %w", err)
	}
	return data, nil
}

// parseAnalyzeRequest accepts a bare conversation or a full analyze request.
// A non-empty kbID wins over the file's knowledgeBaseId.
func parseAnalyzeRequest(data []byte, kbID string) (api.AnalyzeRequest, error) {
	var probe struct {
		Conversation    json.RawMessage `json:"conversation"`
		KnowledgeBaseID string          `json:"knowledgeBaseId"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return api.AnalyzeRequest{}, fmt.Errorf("invalid conversation JSON: %w", err)
	}

	var req api.AnalyzeRequest
	raw := data
	if len(probe.Conversation) > 0 {
		raw = probe.Conversation
		req.KnowledgeBaseID = probe.KnowledgeBaseID
	}
	if err := json.Unmarshal(raw, &req.Conversation); err != nil {
		return api.AnalyzeRequest{}, fmt.Errorf("invalid conversation JSON: %w", err)
	}
	if kbID != "" {
		req.KnowledgeBaseID = kbID
	}
	if req.KnowledgeBaseID == "" {
		return api.AnalyzeRequest{}, fmt.Errorf("--kb is required when the file has no knowledgeBaseId")
	}
	if err := req.Conversation.Validate(); err != nil {
		return api.AnalyzeRequest{}, err
	}
	return req, nil
}

func analyzeLocal(ctx context.Context, req api.AnalyzeRequest, save bool) (conversation.Result, error) {
	a, err := newApp(save)
	if err != nil {
		return conversation.Result{}, err
	}
	defer a.Close()

	res, err := a.analyzer.Analyze(ctx, req.Conversation, req.KnowledgeBaseID)
	if err != nil {
		return conversation.Result{}, err
	}
	if a.store != nil {
		if err := a.store.SaveAnalysis(res); err != nil {
			a.logger.Warn("failed to store analysis", zap.String("analysis_id", res.AnalysisID), zap.Error(err))
		}
	}
	return res, nil
}

func analyzeRemote(ctx context.Context, req api.AnalyzeRequest) (conversation.Result, error) {
	client, err := newAPIClient()
	if err != nil {
		return conversation.Result{}, err
	}
	resp, err := client.post(ctx, "/v1/analyze", req)
	if err != nil {
		return conversation.Result{}, err
	}
	var res conversation.Result
	if err := decodeJSON(resp, &res); err != nil {
		return conversation.Result{}, err
	}
	return res, nil
}

// --- analyses ---

var analysesCmd = &cobra.Command{
	Use:   "analyses",
	Short: "Browse stored analysis results on the running server",
}

var analysesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recent analyses",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		offset, _ := cmd.Flags().GetInt("offset")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		q := url.Values{}
		q.Set("limit", fmt.Sprint(limit))
		q.Set("offset", fmt.Sprint(offset))
		resp, err := client.get(cmd.Context(), "/v1/analyses?"+q.Encode())
		if err != nil {
			return err
		}

		var list []storage.AnalysisSummary
		if err := decodeJSON(resp, &list); err != nil {
			return err
		}
		if len(list) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No analyses found.")
			return nil
		}

		for _, s := range list {
			id := s.ID
			if len(id) > 8 {
				id = id[:8]
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s  %s  %-20s  %s  %.2f  %d threads\n",
				colorize(colorCyan, id),
				s.AnalyzedAt.Local().Format(time.DateTime),
				truncate(s.ConversationID, 20),
				s.KnowledgeBaseID,
				s.OverallAccuracy,
				s.Threads,
			)
		}
		return nil
	},
}

var analysesShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show a stored analysis",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		asJSON, _ := cmd.Flags().GetBool("json")

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), "/v1/analyses/"+url.PathEscape(args[0]))
		if err != nil {
			return err
		}

		var res conversation.Result
		if err := decodeJSON(resp, &res); err != nil {
			return err
		}
		if asJSON {
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(res)
		}
		printReport(cmd.OutOrStdout(), res)
		return nil
	},
}

var analysesDeleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Delete a stored analysis",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.delete(cmd.Context(), "/v1/analyses/"+url.PathEscape(args[0]))
		if err != nil {
			return err
		}
		if err := decodeJSON(resp, nil); err != nil {
			return err
		}
		printSuccess("Deleted analysis %s", args[0])
		return nil
	},
}

func init() {
	analysesListCmd.Flags().Int("limit", 20, "maximum number of analyses to list")
	analysesListCmd.Flags().Int("offset", 0, "number of analyses to skip")
	analysesShowCmd.Flags().Bool("json", false, "print the result as JSON")
	analysesCmd.AddCommand(analysesListCmd)
	analysesCmd.AddCommand(analysesShowCmd)
	analysesCmd.AddCommand(analysesDeleteCmd)
}

// --- config ---

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or update configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration (secrets hidden)",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Read(cfgFile)
		if err != nil {
			return err
		}
		for _, k := range config.ShowAll(cfg) {
			fmt.Fprintf(cmd.OutOrStdout(), "  %s = %s\n", colorize(colorBold, k.Key), k.Value)
		}
		if err := cfg.Validate(); err != nil {
			printWarning("configuration is incomplete: %v", err)
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value in the config file",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]
		if err := config.SetKey(cfgFile, key, value); err != nil {
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

// --- status ---

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show server and dependency status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus(cmd.Context())
	},
}

type healthReport struct {
	Status       string            `json:"status"`
	Dependencies map[string]string `json:"dependencies"`
}

func showStatus(ctx context.Context) error {
	cfg, err := config.Read(cfgFile)
	if err != nil {
		printError("config error: %v", err)
		return nil
	}
	if err := cfg.Validate(); err != nil {
		printWarning("configuration is incomplete: %v", err)
	}

	client := &http.Client{Timeout: 2 * time.Second}

	if health, err := fetchHealth(ctx, client, "http://"+cfg.Addr()); err != nil {
		printStatus("Server", "stopped")
	} else {
		printStatus("Server", "running on %s", cfg.Addr())
		for name, state := range health.Dependencies {
			printStatus("  "+name, "%s", state)
		}
	}

	if resp, err := getWithContext(ctx, client, cfg.Retrieval.BaseURL+"/health"); err != nil {
		printStatus("Retrieval", "not reachable at %s", cfg.Retrieval.BaseURL)
	} else {
		resp.Body.Close()
		printStatus("Retrieval", "HTTP %d at %s", resp.StatusCode, cfg.Retrieval.BaseURL)
	}

	printStatus("Model", "%s/%s", cfg.Model.Provider, cfg.Model.Name)
	printStatus("Prompts", "%s", cfg.Prompts.Version)
	switch cfg.Storage.Driver {
	case "sqlite":
		printStatus("Storage", "sqlite in %s", cfg.Storage.DataDir)
	default:
		printStatus("Storage", "%s", cfg.Storage.Driver)
	}
	return nil
}

func fetchHealth(ctx context.Context, client *http.Client, baseURL string) (healthReport, error) {
	resp, err := getWithContext(ctx, client, baseURL+"/health")
	if err != nil {
		return healthReport{}, err
	}
	var h healthReport
	if err := decodeJSON(resp, &h); err != nil {
		return healthReport{}, err
	}
	if h.Status != "ok" {
		return h, errors.New("server reported status " + h.Status)
	}
	return h, nil
}

func getWithContext(ctx context.Context, client *http.Client, target string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, err
	}
	return client.Do(req)
}
