// Command transcribe uploads an audio file to a running transcription API and
// prints the result.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/nupi-ai/whisper-transcribe-api/internal/serviceinfo"
)

func main() {
	var (
		addr    = flag.String("addr", "http://127.0.0.1:5566", "base URL of the transcription API")
		apiKey  = flag.String("api-key", os.Getenv("API_KEY"), "bearer token sent in the Authorization header")
		timeout = flag.Duration("timeout", 5*time.Minute, "request timeout")
		raw     = flag.Bool("json", false, "print the raw JSON response")
	)
	flag.Parse()

	if flag.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: transcribe [flags] <audio-file>")
		os.Exit(2)
	}
	path := flag.Arg(0)

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	req, err := newUploadRequest(ctx, strings.TrimRight(*addr, "/")+"/transcribe", path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "transcribe: %v\n", err)
		os.Exit(1)
	}
	if *apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+*apiKey)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		fmt.Fprintf(os.Stderr, "transcribe: request failed: %v\n", err)
		os.Exit(1)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		fmt.Fprintf(os.Stderr, "transcribe: read response: %v\n", err)
		os.Exit(1)
	}
	if resp.StatusCode != http.StatusOK {
		fmt.Fprintf(os.Stderr, "transcribe: %s: %s\n", resp.Status, strings.TrimSpace(string(body)))
		os.Exit(1)
	}
	if *raw {
		fmt.Println(string(body))
		return
	}

	var result struct {
		Text           string  `json:"text"`
		Language       string  `json:"language"`
		Probability    float64 `json:"probability"`
		ProcessingTime float64 `json:"processing_time"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		fmt.Fprintf(os.Stderr, "transcribe: decode response: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("[%s %.2f, %.2fs, cache %s] %s\n",
		result.Language, result.Probability, result.ProcessingTime,
		strings.ToLower(resp.Header.Get("X-Cache")), result.Text)
}

func newUploadRequest(ctx context.Context, url, path string) (*http.Request, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var body bytes.Buffer
	w := multipart.NewWriter(&body)
	part, err := w.CreateFormFile("file", filepath.Base(path))
	if err != nil {
		return nil, err
	}
	if _, err := part.Write(data); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, &body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", w.FormDataContentType())
	req.Header.Set("User-Agent", serviceinfo.UserAgent())
	req.Header.Set("X-Request-Id", uuid.NewString())
	return req, nil
}
