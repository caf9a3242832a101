// Package handlers selects the send adapter that implements the host
// application's send capability.
package handlers

import (
	"fmt"
	"strings"
	"time"

	"msgsched/internal/handlers/dryrun"
	httph "msgsched/internal/handlers/http"
	"msgsched/internal/handlers/shell"
	"msgsched/internal/sender"
)

type Options struct {
	Adapter        string
	WebhookURL     string
	WebhookTimeout time.Duration
	WebhookHeaders map[string]string
	CommandPath    string
	CommandArgs    []string
}

// New returns the adapter named by opts.Adapter: "webhook", "command" or "dryrun".
// A version suffix ("webhook/v1") is accepted; only v1 exists.
func New(opts Options) (sender.Capability, error) {
	name, version, _ := strings.Cut(strings.ToLower(strings.TrimSpace(opts.Adapter)), "/")
	if version != "" && version != "v1" {
		return nil, fmt.Errorf("unsupported %s adapter version %q", name, version)
	}
	switch name {
	case "", "dryrun":
		return dryrun.DryRun{}, nil
	case "webhook":
		if opts.WebhookURL == "" {
			return nil, fmt.Errorf("webhook adapter needs a URL")
		}
		return httph.New(opts.WebhookURL, opts.WebhookTimeout, opts.WebhookHeaders), nil
	case "command":
		if opts.CommandPath == "" {
			return nil, fmt.Errorf("command adapter needs a path")
		}
		return shell.Command{Path: opts.CommandPath, Args: opts.CommandArgs}, nil
	default:
		return nil, fmt.Errorf("unknown send adapter %q", opts.Adapter)
	}
}
