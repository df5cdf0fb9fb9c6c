package source

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/Evan-Kim2028/mev-commit-timescaldb/pkg/streams"
	"github.com/Evan-Kim2028/mev-commit-timescaldb/pkg/utils"
)

// HypersyncClient queries hypersync-style event endpoints over HTTP. One
// shared http.Client serves every stream endpoint.
type HypersyncClient struct {
	client *http.Client
}

// Opts is the set of options for a new HypersyncClient.
type Opts struct {
	Timeout    time.Duration
	HTTPClient *http.Client
}

// NewHypersync creates a hypersync client with the given options.
func NewHypersync(o Opts) *HypersyncClient {
	if o.Timeout <= 0 {
		o.Timeout = 30 * time.Second
	}
	client := o.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: o.Timeout}
	} else if client.Timeout == 0 {
		client.Timeout = o.Timeout
	}
	return &HypersyncClient{client: client}
}

// eventQuery is the request body for an event query.
type eventQuery struct {
	FromBlock int64  `json:"from_block"`
	Event     string `json:"event_signature,omitempty"`
	Stream    string `json:"stream"`
	TxData    bool   `json:"tx_data"`
}

// eventResponse is a columnar result: column descriptors plus row-major
// values.
type eventResponse struct {
	Columns []struct {
		Name string `json:"name"`
		Type string `json:"type"`
	} `json:"columns"`
	Rows [][]any `json:"rows"`
}

// FetchEvents posts one query for the stream and decodes the result into a
// typed batch. Returns nil when the source reports no rows.
func (c *HypersyncClient) FetchEvents(ctx context.Context, stream streams.Stream, fromBlock int64) (*streams.Batch, error) {
	body, err := json.Marshal(eventQuery{
		FromBlock: fromBlock,
		Event:     stream.Signature,
		Stream:    stream.Name,
		TxData:    true,
	})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, stream.Endpoint+"/query", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", stream.Name, err)
	}
	defer func() { _ = utils.DrainAndClose(resp.Body) }()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("query %s: status %d: %s", stream.Name, resp.StatusCode, snippet)
	}

	var decoded eventResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("decode %s response: %w", stream.Name, err)
	}
	if len(decoded.Rows) == 0 {
		return nil, nil
	}

	return buildBatch(stream, decoded)
}

// buildBatch coerces the decoded JSON values into the batch's Go natives per
// semantic column type.
func buildBatch(stream streams.Stream, decoded eventResponse) (*streams.Batch, error) {
	batch := &streams.Batch{
		Columns: make([]streams.Column, len(decoded.Columns)),
		Rows:    make([][]any, 0, len(decoded.Rows)),
	}
	for i, c := range decoded.Columns {
		batch.Columns[i] = streams.Column{Name: c.Name, Type: streams.ParseType(c.Type)}
	}

	for n, raw := range decoded.Rows {
		if len(raw) != len(batch.Columns) {
			return nil, fmt.Errorf("stream %s: row %d has %d values for %d columns",
				stream.Name, n, len(raw), len(batch.Columns))
		}
		row := make([]any, len(raw))
		for i, v := range raw {
			coerced, err := streams.CoerceValue(batch.Columns[i].Type, v)
			if err != nil {
				return nil, fmt.Errorf("stream %s column %s: %w", stream.Name, batch.Columns[i].Name, err)
			}
			row[i] = coerced
		}
		batch.Rows = append(batch.Rows, row)
	}
	return batch, nil
}
