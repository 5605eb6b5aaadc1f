// Package syncengine moves inbox items into the remote workspace and pulls
// workflow metadata back, keeping the ledger as the record of what was done.
package syncengine

import (
	"context"
	"time"

	"github.com/agentworkforce/inboxsync/internal/inbox"
	"github.com/agentworkforce/inboxsync/internal/notion"
)

// Store is the local storage the engine reads items from and writes item
// metadata to.
type Store interface {
	ReadProjects(ctx context.Context) ([]inbox.Project, error)
	ReadInboxItems(ctx context.Context, projectID string) ([]inbox.Item, []inbox.Warning, error)
	ReadItem(ctx context.Context, projectID, itemID string) (inbox.Item, error)
	ReadItemMeta(ctx context.Context, projectID, itemID string) (inbox.ItemMeta, bool, error)
	WriteItemMeta(ctx context.Context, projectID, itemID string, meta inbox.ItemMeta) error
}

// Workspace is the write side of the remote workspace.
type Workspace interface {
	Upsert(ctx context.Context, databaseID, remoteID string, in notion.PageInput) (notion.Page, error)
	FindByFingerprint(ctx context.Context, databaseID, fp string) (notion.Page, bool, error)
}

// PageSource lists remote pages for the reverse pass.
type PageSource interface {
	Pages(databaseID string, since time.Time) PageIterator
}

type PageIterator interface {
	Next(ctx context.Context) (notion.Page, bool)
	Err() error
}

// NotionPages adapts a notion client to PageSource.
func NotionPages(client *notion.Client) PageSource {
	return notionPages{client: client}
}

type notionPages struct {
	client *notion.Client
}

func (n notionPages) Pages(databaseID string, since time.Time) PageIterator {
	return n.client.ListPages(databaseID, since)
}

func findProject(projects []inbox.Project, projectID string) (inbox.Project, bool) {
	for _, project := range projects {
		if project.ID == projectID {
			return project, true
		}
	}
	return inbox.Project{}, false
}

func databaseFor(project inbox.Project, fallback string) string {
	if project.DatabaseID != "" {
		return project.DatabaseID
	}
	return fallback
}
