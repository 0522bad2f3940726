package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/cwbudde/trialforge/internal/experiment"
	"github.com/cwbudde/trialforge/internal/ledger"
	"github.com/cwbudde/trialforge/internal/service"
	"github.com/cwbudde/trialforge/internal/space"
)

var (
	serverURL string
)

var statusCmd = &cobra.Command{
	Use:   "status [experiment-id]",
	Short: "Query server status or a specific experiment",
	Long: `Queries a running server.
If no experiment-id is provided, prints service info and lists experiments.
If experiment-id is provided, shows its trials and best result.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runStatus,
}

func init() {
	statusCmd.Flags().StringVar(&serverURL, "server", "http://localhost:8080", "Server URL")
	rootCmd.AddCommand(statusCmd)
}

var httpClient = &http.Client{Timeout: 10 * time.Second}

func runStatus(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	base := strings.TrimRight(serverURL, "/")
	if len(args) == 0 {
		return listExperiments(out, base)
	}
	return showExperiment(out, base, args[0])
}

// getJSON decodes a 200 response into v. Other statuses become errors
// carrying the server's detail message.
func getJSON(u string, v any) error {
	resp, err := httpClient.Get(u)
	if err != nil {
		return fmt.Errorf("failed to connect to server: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		var e struct {
			Detail string `json:"detail"`
		}
		if json.Unmarshal(body, &e) == nil && e.Detail != "" {
			return fmt.Errorf("server returned %d: %s", resp.StatusCode, e.Detail)
		}
		return fmt.Errorf("server returned %d: %s", resp.StatusCode, string(body))
	}

	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

func listExperiments(out io.Writer, base string) error {
	var info service.Info
	if err := getJSON(base+"/", &info); err != nil {
		return err
	}
	fmt.Fprintf(out, "%s %s (%s)\n\n", info.Service, info.Version, info.Status)

	var resp struct {
		Experiments []experiment.Summary `json:"experiments"`
	}
	if err := getJSON(base+"/experiments", &resp); err != nil {
		return err
	}

	if len(resp.Experiments) == 0 {
		fmt.Fprintln(out, "No experiments found")
		return nil
	}

	fmt.Fprintf(out, "Found %d experiment(s):\n\n", len(resp.Experiments))
	for _, s := range resp.Experiments {
		printSummary(out, s)
		fmt.Fprintln(out)
	}
	return nil
}

func printSummary(out io.Writer, s experiment.Summary) {
	direction := "maximize"
	if s.Minimize {
		direction = "minimize"
	}
	fmt.Fprintf(out, "Experiment: %s\n", s.ID)
	fmt.Fprintf(out, "  Strategy: %s\n", s.Strategy)
	fmt.Fprintf(out, "  Objective: %s (%s)\n", s.Objective, direction)
	fmt.Fprintf(out, "  Trials: %d proposed, %d completed, %d failed\n",
		s.Trials.Proposed, s.Trials.Completed, s.Trials.Failed)
	if s.BestScore != nil {
		fmt.Fprintf(out, "  Best: %g\n", *s.BestScore)
	}
}

func showExperiment(out io.Writer, base, id string) error {
	escaped := url.PathEscape(id)

	var trials struct {
		Trials []ledger.Trial `json:"trials"`
	}
	if err := getJSON(base+"/get_trials/"+escaped, &trials); err != nil {
		return err
	}

	fmt.Fprintf(out, "Experiment: %s\n", id)
	fmt.Fprintf(out, "Trials: %d\n\n", len(trials.Trials))
	for _, t := range trials.Trials {
		line := fmt.Sprintf("  #%d %-9s", t.Index, t.Status)
		if t.Score != nil {
			line += fmt.Sprintf(" score=%g", *t.Score)
		}
		if t.Reason != "" {
			line += fmt.Sprintf(" reason=%q", t.Reason)
		}
		fmt.Fprintf(out, "%s %s\n", line, formatParams(t.Parameters))
	}

	var best experiment.Result
	if err := getJSON(base+"/get_best/"+escaped, &best); err != nil {
		fmt.Fprintf(out, "\nBest: none (%v)\n", err)
		return nil
	}
	fmt.Fprintf(out, "\nBest: trial #%d score=%g %s\n", best.Index, best.Score, formatParams(best.Parameters))
	return nil
}

func formatParams(params space.Assignment) string {
	b, err := json.Marshal(params)
	if err != nil {
		return "{}"
	}
	return string(b)
}
