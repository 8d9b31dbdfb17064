package auth

import (
	"fmt"
	"os"

	"github.com/nextlevelbuilder/agentcore/internal/apperr"
)

func osLookupEnv(key string) (string, bool) { return os.LookupEnv(key) }

func errMissingEnv(env string) error {
	return fmt.Errorf("%w: environment variable %q not set", apperr.ErrAuth, env)
}
