package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
)

var apiBase string

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rootCmd := newRootCommand()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "skuflow: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "skuflow",
		Short: "Skuflow import CLI",
		Long: `Skuflow CLI submits CSV files to a running Skuflow API, follows import
progress, and exercises webhook subscriptions.`,
		SilenceUsage: true,
	}
	cmd.PersistentFlags().StringVar(&apiBase, "api", "http://localhost:8080", "Base URL of the Skuflow API")
	cmd.AddCommand(
		newUploadCmd(),
		newProgressCmd(),
		newWatchCmd(),
		newWebhookCmd(),
	)
	return cmd
}

func newUploadCmd() *cobra.Command {
	var watch bool
	cmd := &cobra.Command{
		Use:   "upload <file.csv>",
		Short: "Submit a CSV file for import",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			jobID, err := uploadFile(ctx, args[0])
			if err != nil {
				return err
			}
			fmt.Printf("job %s accepted\n", jobID)
			if watch {
				return watchJob(ctx, jobID)
			}
			return nil
		},
	}
	cmd.Flags().BoolVarP(&watch, "watch", "w", false, "Stream progress until the import finishes")
	return cmd
}

func newProgressCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "progress <job-id>",
		Short: "Print a one-shot snapshot of an import job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := getJSON(cmd.Context(), fmt.Sprintf("%s/api/uploads/%s/progress", apiBase, args[0]))
			if err != nil {
				return err
			}
			fmt.Println(resp)
			return nil
		},
	}
}

func newWatchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "watch <job-id>",
		Short: "Stream import progress until the job finishes",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return watchJob(cmd.Context(), args[0])
		},
	}
}

func newWebhookCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "webhook",
		Short: "Webhook subscription helpers",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "test <webhook-id>",
		Short: "Fire a test delivery at a subscription",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			url := fmt.Sprintf("%s/api/webhooks/%s/test", apiBase, args[0])
			req, err := http.NewRequestWithContext(cmd.Context(), http.MethodPost, url, nil)
			if err != nil {
				return err
			}
			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				return err
			}
			defer resp.Body.Close()
			body, _ := io.ReadAll(resp.Body)
			if resp.StatusCode != http.StatusOK {
				return fmt.Errorf("test delivery failed: %s", strings.TrimSpace(string(body)))
			}
			fmt.Println(strings.TrimSpace(string(body)))
			return nil
		},
	})
	return cmd
}

func uploadFile(ctx context.Context, path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	// The multipart body is streamed through a pipe so large files never sit
	// in memory on the client either.
	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)
	go func() {
		part, err := mw.CreateFormFile("file", filepath.Base(path))
		if err != nil {
			pw.CloseWithError(err)
			return
		}
		if _, err := io.Copy(part, f); err != nil {
			pw.CloseWithError(err)
			return
		}
		pw.CloseWithError(mw.Close())
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, apiBase+"/api/uploads/", pr)
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusAccepted {
		return "", fmt.Errorf("upload rejected: %s", strings.TrimSpace(string(body)))
	}

	var accepted struct {
		JobID string `json:"job_id"`
	}
	if err := json.Unmarshal(body, &accepted); err != nil {
		return "", fmt.Errorf("decode response: %w", err)
	}
	return accepted.JobID, nil
}

func watchJob(ctx context.Context, jobID string) error {
	url := fmt.Sprintf("%s/api/uploads/%s/events", apiBase, jobID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("watch failed: %s", strings.TrimSpace(string(body)))
	}

	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		frame := strings.TrimPrefix(line, "data: ")

		var snapshot struct {
			Status        string  `json:"status"`
			Progress      float64 `json:"progress"`
			ProcessedRows int     `json:"processed_rows"`
			TotalRows     int     `json:"total_rows"`
			Message       string  `json:"message"`
			Error         string  `json:"error"`
		}
		if err := json.Unmarshal([]byte(frame), &snapshot); err != nil {
			continue
		}
		if snapshot.Status == "done" {
			break
		}
		fmt.Printf("[%5.1f%%] %-10s %d/%d %s\n",
			snapshot.Progress, snapshot.Status, snapshot.ProcessedRows, snapshot.TotalRows, snapshot.Message)
		if snapshot.Status == "failed" {
			return fmt.Errorf("import failed: %s", snapshot.Error)
		}
		if snapshot.Status == "completed" {
			break
		}
	}
	return scanner.Err()
}

func getJSON(ctx context.Context, url string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("request failed: %s", strings.TrimSpace(string(body)))
	}
	return strings.TrimSpace(string(body)), nil
}
