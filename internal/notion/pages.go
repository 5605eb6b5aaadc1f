package notion

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const queryPageSize = 100

// Upsert updates remoteID when set, otherwise creates a page in databaseID.
// A create that fails without a definite answer is looked up by fingerprint
// before it is sent again, so a retry never adds a second page. Extra
// properties are written only where databaseID has a rich_text column of the
// same name; the rest are dropped.
func (c *Client) Upsert(ctx context.Context, databaseID, remoteID string, in PageInput) (Page, error) {
	remoteID = strings.TrimSpace(remoteID)
	extra, err := c.writableProperties(ctx, databaseID, in.Properties)
	if err != nil {
		return Page{}, fmt.Errorf("read columns of database %s: %w", databaseID, err)
	}
	in.Properties = extra
	props := c.props.encode(in)
	var obj pageObject
	if remoteID != "" {
		path := "/v1/pages/" + url.PathEscape(remoteID)
		if err := c.do(ctx, http.MethodPatch, path, map[string]any{"properties": props}, &obj); err != nil {
			return Page{}, err
		}
	} else {
		databaseID = strings.TrimSpace(databaseID)
		if databaseID == "" {
			return Page{}, fmt.Errorf("%w: database id is required to create a page", ErrBadRequest)
		}
		body := map[string]any{
			"parent":     map[string]string{"database_id": databaseID},
			"properties": props,
		}
		var existing *Page
		applied := func(ctx context.Context) (bool, error) {
			if strings.TrimSpace(in.Fingerprint) == "" {
				return false, nil
			}
			page, ok, err := c.FindByFingerprint(ctx, databaseID, in.Fingerprint)
			if err != nil || !ok {
				return false, err
			}
			existing = &page
			return true, nil
		}
		if err := c.doChecked(ctx, http.MethodPost, "/v1/pages", body, &obj, applied); err != nil {
			return Page{}, err
		}
		if existing != nil {
			return *existing, nil
		}
	}
	page := c.props.decode(obj)
	if page.ID == "" {
		return Page{}, fmt.Errorf("notion upsert returned no page id")
	}
	if page.DatabaseID == "" {
		page.DatabaseID = databaseID
	}
	return page, nil
}

// FindByFingerprint returns the first non-archived page whose fingerprint
// property equals fp.
func (c *Client) FindByFingerprint(ctx context.Context, databaseID, fp string) (Page, bool, error) {
	databaseID = strings.TrimSpace(databaseID)
	if databaseID == "" || strings.TrimSpace(fp) == "" {
		return Page{}, false, fmt.Errorf("%w: database id and fingerprint are required", ErrBadRequest)
	}
	body := map[string]any{
		"filter": map[string]any{
			"property":  c.props.Fingerprint,
			"rich_text": map[string]string{"equals": fp},
		},
		"page_size": 10,
	}
	var resp queryResponse
	if err := c.do(ctx, http.MethodPost, databaseQueryPath(databaseID), body, &resp); err != nil {
		return Page{}, false, err
	}
	for _, obj := range resp.Results {
		page := c.props.decode(obj)
		if page.Archived || page.Fingerprint != fp {
			continue
		}
		if page.DatabaseID == "" {
			page.DatabaseID = databaseID
		}
		return page, true, nil
	}
	return Page{}, false, nil
}

// ListDatabases returns every database shared with the integration.
func (c *Client) ListDatabases(ctx context.Context) ([]DatabaseRef, error) {
	var (
		out    []DatabaseRef
		cursor *string
	)
	for {
		body := map[string]any{
			"filter":    map[string]string{"property": "object", "value": "database"},
			"page_size": queryPageSize,
		}
		if cursor != nil {
			body["start_cursor"] = *cursor
		}
		var resp searchResponse
		if err := c.do(ctx, http.MethodPost, "/v1/search", body, &resp); err != nil {
			return nil, err
		}
		for _, db := range resp.Results {
			out = append(out, DatabaseRef{ID: db.ID, Title: joinPlain(db.Title), URL: db.URL})
		}
		if !resp.HasMore || resp.NextCursor == nil || strings.TrimSpace(*resp.NextCursor) == "" {
			return out, nil
		}
		cursor = resp.NextCursor
	}
}

// ListPages returns a lazy iterator over pages edited at or after since, in
// ascending edit order. A zero since lists the whole database.
func (c *Client) ListPages(databaseID string, since time.Time) *PageIterator {
	return &PageIterator{
		client:     c,
		databaseID: strings.TrimSpace(databaseID),
		since:      since,
	}
}

// PageIterator walks a database query one API page at a time. It is finite
// and not restartable; create a new one to list again.
type PageIterator struct {
	client     *Client
	databaseID string
	since      time.Time

	cursor  *string
	fetched int
	buf     []Page
	done    bool
	err     error
}

// Next returns the next page, fetching more results as needed. It returns
// false when the listing is exhausted or an error occurred; check Err.
func (it *PageIterator) Next(ctx context.Context) (Page, bool) {
	for len(it.buf) == 0 {
		if it.done || it.err != nil {
			return Page{}, false
		}
		it.fetch(ctx)
	}
	page := it.buf[0]
	it.buf = it.buf[1:]
	return page, true
}

func (it *PageIterator) Err() error {
	return it.err
}

// Fetched reports how many API pages have been requested.
func (it *PageIterator) Fetched() int {
	return it.fetched
}

func (it *PageIterator) fetch(ctx context.Context) {
	if it.databaseID == "" {
		it.err = fmt.Errorf("%w: database id is required", ErrBadRequest)
		return
	}
	body := map[string]any{
		"sorts":     []map[string]string{{"timestamp": "last_edited_time", "direction": "ascending"}},
		"page_size": queryPageSize,
	}
	if !it.since.IsZero() {
		body["filter"] = map[string]any{
			"timestamp":        "last_edited_time",
			"last_edited_time": map[string]string{"on_or_after": it.since.UTC().Format(time.RFC3339Nano)},
		}
	}
	if it.cursor != nil {
		body["start_cursor"] = *it.cursor
	}
	var resp queryResponse
	if err := it.client.do(ctx, http.MethodPost, databaseQueryPath(it.databaseID), body, &resp); err != nil {
		it.err = err
		return
	}
	it.fetched++
	for _, obj := range resp.Results {
		page := it.client.props.decode(obj)
		if page.DatabaseID == "" {
			page.DatabaseID = it.databaseID
		}
		it.buf = append(it.buf, page)
	}
	if !resp.HasMore || resp.NextCursor == nil || strings.TrimSpace(*resp.NextCursor) == "" {
		it.done = true
		return
	}
	it.cursor = resp.NextCursor
}

func databaseQueryPath(databaseID string) string {
	return "/v1/databases/" + url.PathEscape(databaseID) + "/query"
}

type queryResponse struct {
	Results    []pageObject `json:"results"`
	HasMore    bool         `json:"has_more"`
	NextCursor *string      `json:"next_cursor"`
}

type databaseObject struct {
	ID    string      `json:"id"`
	URL   string      `json:"url"`
	Title []plainText `json:"title"`
}

type searchResponse struct {
	Results    []databaseObject `json:"results"`
	HasMore    bool             `json:"has_more"`
	NextCursor *string          `json:"next_cursor"`
}
