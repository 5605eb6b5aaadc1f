package notion

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

// schemaTTL bounds how long a database's column list is trusted before it is
// fetched again, so columns added while a watcher runs are picked up.
const schemaTTL = 10 * time.Minute

type databaseSchema struct {
	Properties map[string]struct {
		Type string `json:"type"`
	} `json:"properties"`
}

type cachedSchema struct {
	columns   map[string]string
	fetchedAt time.Time
}

type schemaCache struct {
	mu      sync.Mutex
	entries map[string]cachedSchema
}

func (s *schemaCache) get(databaseID string, now time.Time) (map[string]string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.entries[databaseID]
	if !ok || now.Sub(entry.fetchedAt) > schemaTTL {
		return nil, false
	}
	return entry.columns, true
}

func (s *schemaCache) put(databaseID string, columns map[string]string, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.entries == nil {
		s.entries = map[string]cachedSchema{}
	}
	s.entries[databaseID] = cachedSchema{columns: columns, fetchedAt: now}
}

// Columns returns the property name to type map of databaseID.
func (c *Client) Columns(ctx context.Context, databaseID string) (map[string]string, error) {
	databaseID = strings.TrimSpace(databaseID)
	if columns, ok := c.schemas.get(databaseID, c.now()); ok {
		return columns, nil
	}
	var schema databaseSchema
	if err := c.do(ctx, http.MethodGet, "/v1/databases/"+url.PathEscape(databaseID), nil, &schema); err != nil {
		return nil, err
	}
	columns := make(map[string]string, len(schema.Properties))
	for name, prop := range schema.Properties {
		columns[name] = prop.Type
	}
	c.schemas.put(databaseID, columns, c.now())
	return columns, nil
}

// writableProperties keeps the extra properties databaseID has a rich_text
// column for. Writing any other name is rejected by the API with a 400.
func (c *Client) writableProperties(ctx context.Context, databaseID string, props map[string]string) (map[string]string, error) {
	if len(props) == 0 {
		return nil, nil
	}
	if strings.TrimSpace(databaseID) == "" {
		c.logger.Warn("dropping page properties without a database to check them against", "count", len(props))
		return nil, nil
	}
	columns, err := c.Columns(ctx, databaseID)
	if err != nil {
		return nil, err
	}
	out := make(map[string]string, len(props))
	var dropped []string
	for name, value := range props {
		trimmed := strings.TrimSpace(name)
		if trimmed == "" || c.props.reserved(trimmed) {
			continue
		}
		if columns[trimmed] != "rich_text" {
			dropped = append(dropped, trimmed)
			continue
		}
		out[trimmed] = value
	}
	if len(dropped) > 0 {
		c.logger.Debug("dropping properties without a rich_text column", "database_id", databaseID, "properties", dropped)
	}
	return out, nil
}
