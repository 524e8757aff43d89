package main

import (
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/elabx-org/cloudmux/internal/domain"
)

var (
	flagWorkspace string
	flagFile      string
	flagMime      string
	flagFolder    string
	flagRetries   int
	flagBackoff   time.Duration
)

var uploadCmd = &cobra.Command{
	Use:   "upload",
	Short: "Upload a file; the workspace's rules pick the destination",
	RunE:  runUpload,
}

func init() {
	uploadCmd.Flags().StringVar(&flagWorkspace, "workspace", os.Getenv("CLOUDMUX_WORKSPACE"), "Workspace ID (required)")
	uploadCmd.Flags().StringVar(&flagFile, "file", "", "Path of the file to upload (required)")
	uploadCmd.Flags().StringVar(&flagMime, "mime", "", "MIME type (default: guessed by the server)")
	uploadCmd.Flags().StringVar(&flagFolder, "folder", "", "Source folder reported to folder rules")
	uploadCmd.Flags().IntVar(&flagRetries, "retries", 3, "Number of retries on transient failure")
	uploadCmd.Flags().DurationVar(&flagBackoff, "backoff", 2*time.Second, "Delay before the first retry; doubles each time")
	uploadCmd.MarkFlagRequired("file")
	rootCmd.AddCommand(uploadCmd)
}

func runUpload(cmd *cobra.Command, args []string) error {
	if flagWorkspace == "" {
		return errors.New("--workspace is required")
	}

	var (
		p       domain.Placement
		lastErr error
	)
	delay := flagBackoff
	for attempt := 0; attempt <= flagRetries; attempt++ {
		if attempt > 0 {
			fmt.Fprintf(os.Stderr, "cloudmux-agent: retry %d/%d after error: %v\n", attempt, flagRetries, lastErr)
			time.Sleep(delay)
			delay *= 2
		}

		p, lastErr = sendUpload()
		if lastErr == nil {
			break
		}
		var ae *apiError
		if errors.As(lastErr, &ae) && !ae.retryable() {
			fmt.Fprintf(os.Stderr, "cloudmux-agent: permanent error (no retry): %v\n", lastErr)
			return lastErr
		}
	}
	if lastErr != nil {
		fmt.Fprintf(os.Stderr, "cloudmux-agent: failed after %d retries: %v\n", flagRetries, lastErr)
		return lastErr
	}

	fmt.Printf("placed %s on %s (%s) at %s", filepath.Base(flagFile), p.ProviderID, p.ProviderType, p.RemotePath)
	if p.RuleID != "" {
		fmt.Printf(" via rule %s", p.RuleID)
	} else {
		fmt.Print(" via default placement")
	}
	fmt.Println()
	return nil
}

// sendUpload streams the file as a multipart form.
func sendUpload() (domain.Placement, error) {
	f, err := os.Open(flagFile)
	if err != nil {
		return domain.Placement{}, err
	}
	defer f.Close()

	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)
	go func() {
		pw.CloseWithError(writeForm(mw, f))
	}()

	req, err := newRequest(http.MethodPost, "/v1/workspaces/"+flagWorkspace+"/uploads", pr)
	if err != nil {
		return domain.Placement{}, err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	var p domain.Placement
	err = do(req, &p)
	pr.Close()
	return p, err
}

func writeForm(mw *multipart.Writer, f *os.File) error {
	for k, v := range map[string]string{"mime": flagMime, "folder": flagFolder} {
		if v == "" {
			continue
		}
		if err := mw.WriteField(k, v); err != nil {
			return err
		}
	}
	part, err := mw.CreateFormFile("file", filepath.Base(f.Name()))
	if err != nil {
		return err
	}
	if _, err := io.Copy(part, f); err != nil {
		return err
	}
	return mw.Close()
}
