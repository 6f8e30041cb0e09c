package secrets

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// EnvProvider reads secrets from environment variables.
type EnvProvider struct{}

// Lookup returns the value of the environment variable named locator.
// A variable that is set but empty counts as missing.
func (EnvProvider) Lookup(_ context.Context, locator string) (string, error) {
	v, ok := os.LookupEnv(locator)
	if !ok || v == "" {
		return "", fmt.Errorf("%w: environment variable %s", ErrSecretNotFound, locator)
	}
	return v, nil
}

// FileProvider reads secrets from files, such as mounted container
// secrets.
type FileProvider struct{}

// Lookup returns the content of the file at locator without trailing
// newlines.
func (FileProvider) Lookup(_ context.Context, locator string) (string, error) {
	if !filepath.IsAbs(locator) {
		return "", fmt.Errorf("%w: file path %q must be absolute", ErrInvalidReference, locator)
	}

	data, err := os.ReadFile(filepath.Clean(locator))
	if errors.Is(err, fs.ErrNotExist) {
		return "", fmt.Errorf("%w: %s", ErrSecretNotFound, locator)
	}
	if err != nil {
		return "", err
	}
	return strings.TrimRight(string(data), "\r\n"), nil
}
