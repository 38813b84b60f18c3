package nav

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nugget/docent/internal/config"
)

// ErrDisabled is returned by Build when navigation is turned off.
var ErrDisabled = errors.New("navigation disabled")

// ConfigError reports a navigation setting that prevents building a
// provider.
type ConfigError struct {
	Provider string
	Field    string
	Reason   string
}

func (e *ConfigError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("nav provider %q: %s", e.Provider, e.Reason)
	}
	return fmt.Sprintf("nav provider %q: %s %s", e.Provider, e.Field, e.Reason)
}

// Build returns the provider selected by cfg.Provider. It fails at
// construction rather than at move time: disabled yields ErrDisabled
// and missing or unknown settings a *ConfigError.
func Build(ctx context.Context, cfg config.NavConfig, logger *slog.Logger) (Provider, error) {
	switch name := strings.ToLower(strings.TrimSpace(cfg.Provider)); name {
	case "", "disabled", "none", "off":
		return nil, ErrDisabled
	case "mock":
		return NewMockProvider(time.Duration(cfg.Mock.ArriveDelayMs) * time.Millisecond), nil
	case "http":
		p, err := NewHTTPProvider(cfg.HTTP, logger)
		if err != nil {
			return nil, err
		}
		return p, nil
	case "mqtt":
		p, err := NewMQTTProvider(ctx, cfg.MQTT, logger)
		if err != nil {
			return nil, err
		}
		return p, nil
	default:
		return nil, &ConfigError{Provider: name, Reason: "unknown provider"}
	}
}
