package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/Mindburn-Labs/helm-gateway/pkg/config"
	"github.com/Mindburn-Labs/helm-gateway/pkg/contracts"
	"github.com/Mindburn-Labs/helm-gateway/pkg/gateway"
	"github.com/Mindburn-Labs/helm-gateway/pkg/token"
)

type approval struct {
	Token     string    `json:"token"`
	TokenID   string    `json:"token_id"`
	ActionID  string    `json:"action_id"`
	ExpiresAt time.Time `json:"expires_at"`
}

// runApproveCmd issues a token for the action in --action and prints it in
// encoded form. The token is consumed by whichever gateway redeems it first;
// both must share GATEWAY_TOKEN_SECRET.
func runApproveCmd(cfg *config.Config, args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("approve", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	var (
		actionFile string
		approver   string
		jsonOutput bool
	)
	cmd.StringVar(&actionFile, "action", "", "Path to the SafeAction JSON (REQUIRED)")
	cmd.StringVar(&approver, "approver", "", "Approver id (REQUIRED)")
	cmd.BoolVar(&jsonOutput, "json", false, "Output token details as JSON")
	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if actionFile == "" || approver == "" {
		_, _ = fmt.Fprintln(stderr, "Error: --action and --approver are required")
		return 2
	}
	if cfg.TokenSecret == "" {
		_, _ = fmt.Fprintln(stderr, "Error: GATEWAY_TOKEN_SECRET is required to issue transportable tokens")
		return 2
	}

	data, err := os.ReadFile(actionFile)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	var action contracts.SafeAction
	if err := json.Unmarshal(data, &action); err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: invalid action: %v\n", err)
		return 2
	}

	// Issuing never touches the consumption store, so Redis is not needed here.
	issueCfg := *cfg
	issueCfg.RedisAddr = ""
	authority, _, err := gateway.NewAuthority(&issueCfg)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	tok, err := authority.Issue(action, approver)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	encoded, err := authority.Encode(tok)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}

	if jsonOutput {
		out, _ := json.MarshalIndent(approval{
			Token:     encoded,
			TokenID:   tok.TokenID,
			ActionID:  action.ActionID(),
			ExpiresAt: tok.ExpiresAt,
		}, "", "  ")
		_, _ = fmt.Fprintln(stdout, string(out))
		return 0
	}
	_, _ = fmt.Fprintln(stdout, encoded)
	return 0
}

type inspection struct {
	contracts.ExecutionToken
	Expired   bool   `json:"expired"`
	Remaining string `json:"remaining"`
}

// runInspectTokenCmd verifies and prints a token's claims. Nothing is
// consumed.
func runInspectTokenCmd(cfg *config.Config, args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("inspect-token", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	var encoded string
	cmd.StringVar(&encoded, "token", "", "Encoded execution token (REQUIRED)")
	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if encoded == "" {
		_, _ = fmt.Fprintln(stderr, "Error: --token is required")
		return 2
	}
	if cfg.TokenSecret == "" {
		_, _ = fmt.Fprintln(stderr, "Error: GATEWAY_TOKEN_SECRET is required")
		return 2
	}

	codec, err := token.NewCodec([]byte(cfg.TokenSecret))
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	tok, err := codec.Decode(encoded)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	now := time.Now()
	out, _ := json.MarshalIndent(inspection{
		ExecutionToken: tok,
		Expired:        tok.Expired(now),
		Remaining:      token.Remaining(tok, now).Round(time.Second).String(),
	}, "", "  ")
	_, _ = fmt.Fprintln(stdout, string(out))
	return 0
}
