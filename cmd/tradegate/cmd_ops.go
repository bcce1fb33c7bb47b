package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/sawpanic/tradegate/internal/config"
)

// opsClient calls the running process's control API. The actor identity
// defaults to the local user so every transition is attributable.
type opsClient struct {
	baseURL string
	token   string
	actor   string
	http    *http.Client
}

func newOpsClient() (*opsClient, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	addr := cfg.Ops.ListenAddr
	if strings.HasPrefix(addr, ":") {
		addr = "localhost" + addr
	}
	actor := os.Getenv("USER")
	if actor == "" {
		actor = "operator"
	}
	return &opsClient{
		baseURL: "http://" + addr,
		token:   cfg.Ops.AuthToken,
		actor:   actor + "@cli",
		http:    &http.Client{Timeout: 10 * time.Second},
	}, nil
}

func (c *opsClient) call(method, path string, body interface{}) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Actor", c.actor)
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("ops API unreachable (is tradegate running?): %w", err)
	}
	defer resp.Body.Close()

	data, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode >= 400 {
		return fmt.Errorf("ops API returned %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}

	var pretty bytes.Buffer
	if err := json.Indent(&pretty, data, "", "  "); err != nil {
		fmt.Println(string(data))
	} else {
		fmt.Println(pretty.String())
	}
	return nil
}

func newModeCmd() *cobra.Command {
	var confirm bool
	cmd := &cobra.Command{
		Use:   "mode [LIVE|PAPER_ONLY|SHADOW]",
		Short: "Show or change the execution mode",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			c, err := newOpsClient()
			if err != nil {
				return err
			}
			if len(args) == 0 {
				return c.call(http.MethodGet, "/v1/status", nil)
			}
			path := "/v1/mode"
			if confirm {
				path = "/v1/mode/confirm"
			}
			return c.call(http.MethodPost, path, map[string]string{"mode": args[0]})
		},
	}
	cmd.Flags().BoolVar(&confirm, "confirm", false, "Confirm mode after persisted-state corruption")
	return cmd
}

func newPauseCmd(pause bool) *cobra.Command {
	use, short := "pause", "Pause new entries (open positions stay managed)"
	if !pause {
		use, short = "resume", "Resume new entries"
	}
	return &cobra.Command{
		Use:   use,
		Short: short,
		RunE: func(_ *cobra.Command, _ []string) error {
			c, err := newOpsClient()
			if err != nil {
				return err
			}
			return c.call(http.MethodPost, "/v1/"+use, nil)
		},
	}
}

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show mode, breaker, budget and open-position status",
		RunE: func(_ *cobra.Command, _ []string) error {
			c, err := newOpsClient()
			if err != nil {
				return err
			}
			return c.call(http.MethodGet, "/v1/status", nil)
		},
	}
}

func newCloseAllCmd() *cobra.Command {
	var yes bool
	cmd := &cobra.Command{
		Use:   "close-all",
		Short: "Flatten every open position immediately",
		RunE: func(_ *cobra.Command, _ []string) error {
			if !yes {
				return fmt.Errorf("close-all flattens all positions at market; re-run with --yes")
			}
			c, err := newOpsClient()
			if err != nil {
				return err
			}
			return c.call(http.MethodPost, "/v1/close-all", nil)
		},
	}
	cmd.Flags().BoolVar(&yes, "yes", false, "Skip confirmation")
	return cmd
}
