package service

import (
	"context"

	"github.com/netops/dispatcherd/internal/logger"
)

// DummyDriver satisfies Driver without opening any session, the same role
// original_source's Exscript.protocols.Dummy plays in its test suite: a
// stand-in for a real SSH/Telnet driver, useful for exercising the
// dispatcher end to end without a device fleet.
type DummyDriver struct{}

// Run logs the command it would have sent and always succeeds.
func (DummyDriver) Run(ctx context.Context, device, command string) error {
	logger.Info().Str("device", device).Str("command", command).Msg("dummy driver run")
	return nil
}
