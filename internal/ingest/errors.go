package ingest

import "errors"

var (
	// ErrConfig marks configuration problems that abort a pass.
	ErrConfig = errors.New("ingestion config")
	// ErrNoEndpoints is returned for a source without feed endpoints.
	ErrNoEndpoints = errors.New("no feed endpoints configured")
)
