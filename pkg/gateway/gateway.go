// Package gateway defines the boundary between the plan executor and the
// network that hosts component instances.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/davidthor/chainctl/pkg/artifacts"
)

// Gateway performs side-effecting operations against a deployment target.
// Calls are not idempotent: a call that returns an error may still have
// taken effect on the target.
type Gateway interface {
	// Name returns the gateway identifier (e.g., "evm", "memory").
	Name() string

	// CreateInstance provisions a new instance of component built from args
	// and returns once the target has confirmed it.
	CreateInstance(ctx context.Context, component string, args []interface{}) (Receipt, error)

	// Invoke calls method on an existing instance and returns once the
	// target has confirmed the call.
	Invoke(ctx context.Context, target Target, method string, args []interface{}) (Receipt, error)

	// ValidateAddress checks that address is well formed for this target.
	ValidateAddress(address string) error
}

// Target identifies an existing instance.
type Target struct {
	Address   string
	Component string
}

// Receipt is the confirmation returned by a successful operation.
type Receipt struct {
	// Address of the created instance. Empty for Invoke.
	Address string
	TxHash  string
	Block   uint64
	GasUsed uint64
}

// TransientError marks a failure that happened before anything was
// submitted to the target, so repeating the call cannot duplicate effects.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string {
	return e.Err.Error()
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// Transient wraps err as a TransientError.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Err: err}
}

// IsTransient reports whether err, or any error it wraps, is transient.
func IsTransient(err error) bool {
	var t *TransientError
	return errors.As(err, &t)
}

// Config carries the settings a gateway factory needs.
type Config struct {
	// Settings holds gateway-specific key/value configuration.
	Settings map[string]string

	// PrivateKey is the hex-encoded signing key, when the gateway signs.
	PrivateKey string

	// Artifacts supplies component definitions by kind.
	Artifacts *artifacts.Store

	Logger *slog.Logger
}

// Setting returns a setting value or def when unset.
func (c Config) Setting(key, def string) string {
	if v, ok := c.Settings[key]; ok && v != "" {
		return v
	}
	return def
}

// LoggerOrDefault returns the configured logger or the process default.
func (c Config) LoggerOrDefault() *slog.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return slog.Default()
}

// ErrUnknownComponent is returned when a component kind has no definition.
var ErrUnknownComponent = errors.New("unknown component")

// UnknownComponent returns an error naming the missing component kind.
func UnknownComponent(kind string) error {
	return fmt.Errorf("%w: %s", ErrUnknownComponent, kind)
}
