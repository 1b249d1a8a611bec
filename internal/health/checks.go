package health

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/MrWong99/livecoach/internal/resilience"
)

// TempDir returns a checker that verifies dir accepts new files. An empty dir
// checks the system temp directory.
func TempDir(dir string) Checker {
	return Checker{
		Name: "temp_dir",
		Check: func(ctx context.Context) error {
			if err := ctx.Err(); err != nil {
				return err
			}
			f, err := os.CreateTemp(dir, ".livecoach-ready-*")
			if err != nil {
				return fmt.Errorf("not writable: %w", err)
			}
			name := f.Name()
			f.Close()
			return os.Remove(name)
		},
	}
}

// Credentials returns a checker that fails when resolve yields no API key.
// envVars are only used to make the failure message actionable.
func Credentials(resolve func() string, envVars ...string) Checker {
	return Checker{
		Name: "credentials",
		Check: func(context.Context) error {
			if resolve() != "" {
				return nil
			}
			if len(envVars) == 0 {
				return errors.New("no API key configured")
			}
			return fmt.Errorf("no API key configured; set session.api_key or one of %s", strings.Join(envVars, ", "))
		},
	}
}

// Breaker returns a checker that fails while cb is open.
func Breaker(cb *resilience.CircuitBreaker) Checker {
	return Checker{
		Name: "upstream",
		Check: func(context.Context) error {
			if s := cb.State(); s == resilience.StateOpen {
				return fmt.Errorf("%s circuit %s", cb.Name(), s)
			}
			return nil
		},
	}
}
