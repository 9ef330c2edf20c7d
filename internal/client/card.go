// ABOUTME: Agent card discovery fetch from an agent's well-known path
// ABOUTME: A card without a name is rejected so a half-started server never counts as healthy

package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/2389/coven-runtime/internal/protocol"
)

// ErrInvalidCard is returned when a fetched card is unusable.
var ErrInvalidCard = errors.New("invalid agent card")

// FetchCard retrieves and validates the card at baseURL+path.
func (c *Client) FetchCard(ctx context.Context, path string) (*protocol.Card, error) {
	if path == "" {
		path = protocol.DefaultCardPath
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("building card request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	c.authorize(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching card: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096)) //nolint:errcheck
		return nil, fmt.Errorf("fetching card: status %d: %w", resp.StatusCode, ErrInvalidCard)
	}

	var card protocol.Card
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxBodySize)).Decode(&card); err != nil {
		return nil, fmt.Errorf("decoding card: %v: %w", err, ErrInvalidCard)
	}
	if card.Name == "" {
		return nil, fmt.Errorf("card has no name: %w", ErrInvalidCard)
	}
	return &card, nil
}
