package shell

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"

	"msgsched/internal/domain"
)

// Command sends by running an integration executable. The send request is
// written to its stdin as JSON; exit status 0 is success.
type Command struct {
	Path string
	Args []string
}

func (c Command) SendText(ctx context.Context, variant domain.ChannelVariant, recipients []domain.Recipient, text string) error {
	return c.run(ctx, domain.SendRequest{
		Kind:           domain.SendKindText,
		ChannelVariant: variant,
		Recipients:     recipients,
		Text:           text,
	})
}

func (c Command) SendMedia(ctx context.Context, variant domain.ChannelVariant, recipients []domain.Recipient, caption, fileRef string) error {
	return c.run(ctx, domain.SendRequest{
		Kind:           domain.SendKindMedia,
		ChannelVariant: variant,
		Recipients:     recipients,
		Text:           caption,
		File:           fileRef,
	})
}

func (c Command) run(ctx context.Context, req domain.SendRequest) error {
	if c.Path == "" {
		return fmt.Errorf("command is required")
	}
	in, err := json.Marshal(req)
	if err != nil {
		return err
	}
	cmd := exec.CommandContext(ctx, c.Path, c.Args...)
	cmd.Stdin = bytes.NewReader(in)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("shell error: %v; out=%s", err, string(out))
	}
	return nil
}
