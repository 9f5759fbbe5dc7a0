package app

import (
	"errors"

	intrnl "quotechat/internal"
)

// RunClient launches the Bubble Tea TUI with the provided configuration.
func RunClient(cfg ClientConfig) error {
	if cfg.ServerURL == "" {
		return errors.New("server URL is required")
	}
	return intrnl.RunClient(intrnl.ClientOptions{
		ServerJoinURL: cfg.ServerURL,
		Username:      cfg.Username,
		QuotationID:   cfg.QuotationID,
		SessionPath:   cfg.SessionPath,
	})
}
