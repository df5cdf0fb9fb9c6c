package source

import (
	"context"

	"github.com/Evan-Kim2028/mev-commit-timescaldb/pkg/streams"
)

// Client fetches the next batch of records for a stream starting at
// fromBlock. A nil batch means the source has no new data. The source may be
// called repeatedly with overlapping ranges; the storage layer deduplicates.
type Client interface {
	FetchEvents(ctx context.Context, stream streams.Stream, fromBlock int64) (*streams.Batch, error)
}
