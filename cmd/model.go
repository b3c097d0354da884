package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/cobra"

	mw "github.com/qninhdt/scene-loom/server/internal/middleware"
	"github.com/qninhdt/scene-loom/server/internal/validation"
)

type modelResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
	Data    struct {
		Tier   string            `json:"tier"`
		Model  string            `json:"model"`
		Models map[string]string `json:"models"`
	} `json:"data"`
}

func runModel(cmd *cobra.Command, args []string) error {
	url := strings.TrimRight(serverURL, "/") + "/api/ai/model"
	client := &http.Client{Timeout: 10 * time.Second}

	var req *http.Request
	var err error
	if len(args) == 0 {
		req, err = http.NewRequestWithContext(cmd.Context(), http.MethodGet, url, nil)
	} else {
		if err := validation.ValidateTier(args[0]); err != nil {
			return err
		}
		token, terr := mw.IssueAdminToken(cfg.AdminSecret, "cli", switchTTL)
		if terr != nil {
			return terr
		}
		body, _ := json.Marshal(map[string]string{"tier": args[0]})
		req, err = http.NewRequestWithContext(cmd.Context(), http.MethodPut, url, bytes.NewReader(body))
		if err != nil {
			return err
		}
		req.Header.Set("Authorization", "Bearer "+token)
		req.Header.Set("Content-Type", "application/json")
	}
	if err != nil {
		return err
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("contact server: %w", err)
	}
	defer resp.Body.Close()

	var out modelResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return fmt.Errorf("decode response (status %d): %w", resp.StatusCode, err)
	}
	if !out.Success {
		return fmt.Errorf("server returned %d: %s", resp.StatusCode, out.Error)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "active tier: %s (%s)\n", out.Data.Tier, out.Data.Model)
	for tier, model := range out.Data.Models {
		fmt.Fprintf(cmd.OutOrStdout(), "  %-8s %s\n", tier, model)
	}
	return nil
}

func runToken(cmd *cobra.Command, args []string) error {
	subject := "admin"
	if len(args) == 1 {
		subject = args[0]
	}
	token, err := mw.IssueAdminToken(cfg.AdminSecret, subject, tokenLifetime)
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), token)
	return nil
}
