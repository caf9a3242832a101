package dryrun

import (
	"context"

	"github.com/rs/zerolog/log"

	"msgsched/internal/domain"
)

// DryRun logs each send and reports success. Useful for local runs without a
// host integration.
type DryRun struct{}

func (DryRun) SendText(_ context.Context, variant domain.ChannelVariant, recipients []domain.Recipient, text string) error {
	log.Info().Int("variant", int(variant)).Int("recipients", len(recipients)).Int("chars", len(text)).Msg("dry-run text send")
	return nil
}

func (DryRun) SendMedia(_ context.Context, variant domain.ChannelVariant, recipients []domain.Recipient, caption, fileRef string) error {
	log.Info().Int("variant", int(variant)).Int("recipients", len(recipients)).Str("file", fileRef).Int("chars", len(caption)).Msg("dry-run media send")
	return nil
}
