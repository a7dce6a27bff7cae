package main

// Client subcommands. These speak to a running gateway over its HTTP API
// and carry no broker or pipeline dependencies, so they work from any
// machine that can reach the gateway.

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/c360studio/devflow/envelope"
	"github.com/c360studio/devflow/gateway"
	"github.com/c360studio/devflow/orchestrator"
)

const defaultGatewayURL = "http://localhost:8080"

// apiClient is a thin wrapper over the gateway HTTP API.
type apiClient struct {
	base string
	http *http.Client
}

func newAPIClient(base string) *apiClient {
	if base == "" {
		base = os.Getenv("DEVFLOW_GATEWAY")
	}
	if base == "" {
		base = defaultGatewayURL
	}
	return &apiClient{
		base: strings.TrimSuffix(base, "/"),
		http: &http.Client{Timeout: 5 * time.Minute},
	}
}

// do issues the request and decodes the JSON response into out. Non-2xx
// responses are turned into errors carrying the gateway's error code and
// message.
func (c *apiClient) do(req *http.Request, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("gateway unreachable: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= 300 {
		var er gateway.ErrorResponse
		if json.Unmarshal(body, &er) == nil && er.Error != "" {
			if er.Message != "" {
				return fmt.Errorf("%s: %s", er.Error, er.Message)
			}
			return errors.New(er.Error)
		}
		return fmt.Errorf("gateway returned %s", resp.Status)
	}
	if out == nil {
		return nil
	}
	if raw, ok := out.(*[]byte); ok {
		*raw = body
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func (c *apiClient) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+path, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func submitCmd() *cobra.Command {
	var (
		gatewayURL   string
		name         string
		requirements []string
		constraints  []string
		preferences  []string
		priority     string
		archivePath  string
		gitURL       string
		gitBranch    string
		asJSON       bool
		wait         bool
		waitTimeout  time.Duration
	)

	cmd := &cobra.Command{
		Use:   "submit [description]",
		Short: "Submit a project brief to the pipeline",
		Long: `Submit work to a running gateway. A plain description starts a new
project; --archive uploads an existing source tree; --git points the
gateway at a repository to clone. With --wait the command polls the
request's status until it reaches a terminal state.

Examples:
  devflow submit "A todo app with auth" -r auth -r CRUD
  devflow submit --archive ./project.tar.gz --priority high
  devflow submit --git https://github.com/acme/todo --branch main --wait`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := newAPIClient(gatewayURL)
			ctx := cmd.Context()

			var (
				resp gateway.SubmitResponse
				err  error
			)
			switch {
			case archivePath != "" && gitURL != "":
				return errors.New("--archive and --git are mutually exclusive")
			case archivePath != "":
				err = submitArchive(ctx, client, archivePath, priority, &resp)
			case gitURL != "":
				err = submitGit(ctx, client, gitURL, gitBranch, priority, &resp)
			default:
				if len(args) == 0 || strings.TrimSpace(args[0]) == "" {
					return errors.New("a project description is required (or use --archive / --git)")
				}
				body := gateway.SubmitRequest{
					ProjectName:  name,
					Description:  args[0],
					Requirements: requirements,
					Constraints:  constraints,
					Preferences:  preferences,
					Priority:     priority,
				}
				err = postJSON(ctx, client, "/submit", body, &resp)
			}
			if err != nil {
				return err
			}

			if asJSON && !wait {
				return printJSON(resp)
			}
			fmt.Printf("Submitted: %s\n", resp.RequestID)

			if !wait {
				fmt.Printf("\nTrack it with:\n  devflow status %s\n", resp.RequestID)
				return nil
			}
			return waitForTerminal(ctx, client, resp.RequestID, waitTimeout, asJSON)
		},
	}

	cmd.Flags().StringVar(&gatewayURL, "gateway", "", "Gateway base URL (default $DEVFLOW_GATEWAY or "+defaultGatewayURL+")")
	cmd.Flags().StringVar(&name, "name", "", "Project name")
	cmd.Flags().StringArrayVarP(&requirements, "requirement", "r", nil, "Requirement (repeatable)")
	cmd.Flags().StringArrayVar(&constraints, "constraint", nil, "Constraint (repeatable)")
	cmd.Flags().StringArrayVar(&preferences, "preference", nil, "Preference (repeatable)")
	cmd.Flags().StringVarP(&priority, "priority", "p", "", "Priority: low, medium, high, urgent")
	cmd.Flags().StringVar(&archivePath, "archive", "", "Path to a source archive (zip, tar.gz, tar) to upload")
	cmd.Flags().StringVar(&gitURL, "git", "", "Git repository URL to ingest")
	cmd.Flags().StringVar(&gitBranch, "branch", "", "Branch for --git (default: remote default)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print raw JSON responses")
	cmd.Flags().BoolVar(&wait, "wait", false, "Wait until the request reaches a terminal state")
	cmd.Flags().DurationVar(&waitTimeout, "timeout", 15*time.Minute, "Give up waiting after this long (with --wait)")
	return cmd
}

func postJSON(ctx context.Context, client *apiClient, path string, body, out any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, client.base+path, strings.NewReader(string(data)))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return client.do(req, out)
}

// submitArchive streams the archive file as a multipart upload so the
// client never buffers it whole.
func submitArchive(ctx context.Context, client *apiClient, path, priority string, out *gateway.SubmitResponse) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open archive: %w", err)
	}
	defer f.Close()

	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)
	go func() {
		err := writeSubmissionPart(mw, gateway.FilesSubmission{Priority: priority})
		if err == nil {
			var part io.Writer
			part, err = mw.CreateFormFile("archive", filepath.Base(path))
			if err == nil {
				_, err = io.Copy(part, f)
			}
		}
		if err == nil {
			err = mw.Close()
		}
		pw.CloseWithError(err)
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, client.base+"/submit_with_files", pr)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return client.do(req, out)
}

func submitGit(ctx context.Context, client *apiClient, repoURL, branch, priority string, out *gateway.SubmitResponse) error {
	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)
	go func() {
		err := writeSubmissionPart(mw, gateway.FilesSubmission{
			Git:      &envelope.GitSource{URL: repoURL, Branch: branch},
			Priority: priority,
		})
		if err == nil {
			err = mw.Close()
		}
		pw.CloseWithError(err)
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, client.base+"/submit_with_files", pr)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return client.do(req, out)
}

func writeSubmissionPart(mw *multipart.Writer, meta gateway.FilesSubmission) error {
	part, err := mw.CreateFormField("submission")
	if err != nil {
		return err
	}
	return json.NewEncoder(part).Encode(meta)
}

// waitForTerminal polls the status endpoint until the request goes
// terminal, printing each phase change. A failed or cancelled outcome is
// returned as an error so scripts can branch on the exit code.
func waitForTerminal(ctx context.Context, client *apiClient, requestID string, timeout time.Duration, asJSON bool) error {
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	var lastPhase envelope.Phase
	for {
		var st envelope.PipelineState
		err := client.get(ctx, "/status/"+url.PathEscape(requestID), &st)
		if err != nil && !strings.Contains(err.Error(), "not_found") {
			return err
		}
		if err == nil && st.CurrentStage != lastPhase {
			lastPhase = st.CurrentStage
			fmt.Printf("  %s  %s\n", time.Now().Format("15:04:05"), st.CurrentStage)
		}
		if err == nil && st.Terminal {
			if asJSON {
				return printJSON(st)
			}
			printState(&st)
			if st.CurrentStage != envelope.PhaseCompleted {
				return fmt.Errorf("request ended %s", st.CurrentStage)
			}
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("request %s not terminal after %s", requestID, timeout)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func statusCmd() *cobra.Command {
	var (
		gatewayURL string
		asJSON     bool
	)

	cmd := &cobra.Command{
		Use:   "status <request_id>",
		Short: "Show one request's pipeline state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := newAPIClient(gatewayURL)
			if asJSON {
				var raw []byte
				if err := client.get(cmd.Context(), "/status/"+url.PathEscape(args[0]), &raw); err != nil {
					return err
				}
				fmt.Print(string(raw))
				return nil
			}
			var st envelope.PipelineState
			if err := client.get(cmd.Context(), "/status/"+url.PathEscape(args[0]), &st); err != nil {
				return err
			}
			printState(&st)
			return nil
		},
	}
	cmd.Flags().StringVar(&gatewayURL, "gateway", "", "Gateway base URL (default $DEVFLOW_GATEWAY or "+defaultGatewayURL+")")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the raw JSON state")
	return cmd
}

// printState renders a pipeline state as text: a header block, the stage
// checklist, and the failure or artifact details when present.
func printState(st *envelope.PipelineState) {
	status := string(st.CurrentStage)
	if st.Stalled {
		status += " (stalled)"
	}
	fmt.Printf("Request:  %s\n", st.RequestID)
	fmt.Printf("Status:   %s\n", status)
	if st.Priority != "" {
		fmt.Printf("Priority: %s\n", st.Priority)
	}
	fmt.Printf("Created:  %s\n", st.CreatedAt.Local().Format("2006-01-02 15:04:05"))
	fmt.Printf("Updated:  %s\n", st.LastEventAt.Local().Format("2006-01-02 15:04:05"))

	fmt.Println("\nStages:")
	entered := make(map[envelope.Phase]envelope.StageHistoryEntry)
	for _, h := range st.StageHistory {
		entered[h.Stage] = h
	}
	for _, stage := range envelope.Stages() {
		h, seen := entered[envelope.PhaseOf(stage)]
		switch {
		case seen && h.CompletedAt != nil:
			fmt.Printf("  [x] %-10s %s -> %s%s\n", stage,
				h.EnteredAt.Local().Format("15:04:05"),
				h.CompletedAt.Local().Format("15:04:05"),
				attemptsNote(h.Attempts))
		case seen:
			fmt.Printf("  [>] %-10s %s%s\n", stage,
				h.EnteredAt.Local().Format("15:04:05"),
				attemptsNote(h.Attempts))
		default:
			fmt.Printf("  [ ] %s\n", stage)
		}
	}

	if st.FailureReason != "" {
		fmt.Printf("\nFailed at %s: %s\n", st.FailureStage, st.FailureReason)
	}
	if st.ArtifactRef != nil {
		fmt.Printf("\nArtifact:\n")
		fmt.Printf("  repo:   %s\n", st.ArtifactRef.RepoURL)
		fmt.Printf("  branch: %s\n", st.ArtifactRef.Branch)
		fmt.Printf("  commit: %s\n", st.ArtifactRef.CommitHash)
		fmt.Printf("  files:  %d\n", len(st.ArtifactRef.Paths))
	}
	if st.Duplicates > 0 {
		fmt.Printf("\nDuplicate deliveries absorbed: %d\n", st.Duplicates)
	}
}

func attemptsNote(attempts int) string {
	if attempts > 1 {
		return fmt.Sprintf("  (%d attempts)", attempts)
	}
	return ""
}

func requestsCmd() *cobra.Command {
	var (
		gatewayURL string
		page       int
		limit      int
		status     string
		priority   string
		asJSON     bool
	)

	cmd := &cobra.Command{
		Use:   "requests",
		Short: "List pipeline requests",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client := newAPIClient(gatewayURL)

			q := url.Values{}
			q.Set("page", strconv.Itoa(page))
			q.Set("limit", strconv.Itoa(limit))
			if status != "" {
				q.Set("status", status)
			}
			if priority != "" {
				q.Set("priority", priority)
			}
			path := "/requests?" + q.Encode()

			if asJSON {
				var raw []byte
				if err := client.get(cmd.Context(), path, &raw); err != nil {
					return err
				}
				fmt.Print(string(raw))
				return nil
			}

			var list orchestrator.ListResponse
			if err := client.get(cmd.Context(), path, &list); err != nil {
				return err
			}
			if list.Total == 0 {
				fmt.Println("No requests.")
				return nil
			}

			fmt.Printf("%-24s %-12s %-8s %s\n", "REQUEST ID", "STATUS", "PRIORITY", "UPDATED")
			for _, st := range list.Requests {
				status := string(st.CurrentStage)
				if st.Stalled {
					status += "!"
				}
				fmt.Printf("%-24s %-12s %-8s %s\n",
					st.RequestID,
					status,
					st.Priority,
					st.LastEventAt.Local().Format("2006-01-02 15:04:05"))
			}
			pages := (list.Total + list.Limit - 1) / list.Limit
			fmt.Printf("\nPage %d/%d, %d request(s) total\n", list.Page, pages, list.Total)
			return nil
		},
	}
	cmd.Flags().StringVar(&gatewayURL, "gateway", "", "Gateway base URL (default $DEVFLOW_GATEWAY or "+defaultGatewayURL+")")
	cmd.Flags().IntVar(&page, "page", 1, "Page number")
	cmd.Flags().IntVar(&limit, "limit", 20, "Page size (max 100)")
	cmd.Flags().StringVar(&status, "status", "", "Filter by status (stage name, submitted, completed, failed, cancelled)")
	cmd.Flags().StringVar(&priority, "priority", "", "Filter by priority")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the raw JSON list")
	return cmd
}

func cancelCmd() *cobra.Command {
	var (
		gatewayURL string
		reason     string
	)

	cmd := &cobra.Command{
		Use:   "cancel <request_id>",
		Short: "Request cancellation of a pipeline request",
		Long: `Ask the orchestrator to cancel a request. Cancellation is a tombstone:
in-flight workers finish their current stage, but the orchestrator
discards their output and the request goes terminal.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := newAPIClient(gatewayURL)

			target := client.base + "/cancel/" + url.PathEscape(args[0])
			if reason != "" {
				target += "?reason=" + url.QueryEscape(reason)
			}
			req, err := http.NewRequestWithContext(cmd.Context(), http.MethodDelete, target, nil)
			if err != nil {
				return err
			}
			var resp gateway.CancelResponse
			if err := client.do(req, &resp); err != nil {
				return err
			}
			fmt.Printf("Cancellation requested for %s\n", resp.RequestID)
			return nil
		},
	}
	cmd.Flags().StringVar(&gatewayURL, "gateway", "", "Gateway base URL (default $DEVFLOW_GATEWAY or "+defaultGatewayURL+")")
	cmd.Flags().StringVar(&reason, "reason", "", "Reason recorded with the cancellation")
	return cmd
}

func printJSON(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}
