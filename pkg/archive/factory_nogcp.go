//go:build !gcp

package archive

import (
	"context"
	"errors"
)

// ErrGCSDisabled is returned when the binary was built without the gcp tag.
var ErrGCSDisabled = errors.New("archive: gcs backend is not enabled in this build (use -tags gcp)")

func openGCS(context.Context, Config) (Backend, error) {
	return nil, ErrGCSDisabled
}
