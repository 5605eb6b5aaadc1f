package notion

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"
)

// richTextLimit is the per-segment character limit; a property holds at most
// maxRichTextSegments segments.
const (
	richTextLimit       = 2000
	maxRichTextSegments = 100
)

// PropertyNames maps page fields onto database property names.
type PropertyNames struct {
	Title       string
	Tags        string
	Status      string
	Fingerprint string
	Content     string
	Project     string
	Captured    string
	// StatusKind is "select" or "status", matching the database column type.
	StatusKind string
}

func (p PropertyNames) withDefaults() PropertyNames {
	if strings.TrimSpace(p.Title) == "" {
		p.Title = "Name"
	}
	if strings.TrimSpace(p.Tags) == "" {
		p.Tags = "Tags"
	}
	if strings.TrimSpace(p.Status) == "" {
		p.Status = "Status"
	}
	if strings.TrimSpace(p.Fingerprint) == "" {
		p.Fingerprint = "Fingerprint"
	}
	if strings.TrimSpace(p.Content) == "" {
		p.Content = "Content"
	}
	if strings.TrimSpace(p.Project) == "" {
		p.Project = "Project"
	}
	if strings.TrimSpace(p.Captured) == "" {
		p.Captured = "Captured"
	}
	if p.StatusKind != "status" {
		p.StatusKind = "select"
	}
	return p
}

func (p PropertyNames) reserved(name string) bool {
	switch name {
	case p.Title, p.Tags, p.Status, p.Fingerprint, p.Content, p.Project, p.Captured:
		return true
	}
	return false
}

// PageInput is the content written to a page on create or update.
type PageInput struct {
	Title       string
	Tags        []string
	Status      string
	Fingerprint string
	Content     string
	ProjectID   string
	CapturedAt  time.Time
	// Properties are extra classification fields written as rich text.
	Properties map[string]string
}

type Page struct {
	ID           string            `json:"id"`
	DatabaseID   string            `json:"databaseId"`
	URL          string            `json:"url,omitempty"`
	Title        string            `json:"title"`
	Tags         []string          `json:"tags,omitempty"`
	Status       string            `json:"status,omitempty"`
	Fingerprint  string            `json:"fingerprint,omitempty"`
	Content      string            `json:"content,omitempty"`
	ProjectID    string            `json:"projectId,omitempty"`
	Properties   map[string]string `json:"properties,omitempty"`
	LastEditedAt time.Time         `json:"lastEditedAt"`
	Archived     bool              `json:"archived,omitempty"`
}

// MetadataHash digests the workflow fields a collaborator can edit: status,
// title, tags and extra properties. Tag and property order do not matter.
// Content and edit time are not part of it.
func (p Page) MetadataHash() string {
	h := sha256.New()
	write := func(parts ...string) {
		for _, part := range parts {
			h.Write([]byte(part))
			h.Write([]byte{0})
		}
	}
	write("status", p.Status, "title", p.Title)
	tags := append([]string(nil), p.Tags...)
	sort.Strings(tags)
	write("tags", strconv.Itoa(len(tags)))
	write(tags...)
	keys := make([]string, 0, len(p.Properties))
	for key := range p.Properties {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	write("properties", strconv.Itoa(len(keys)))
	for _, key := range keys {
		write(key, p.Properties[key])
	}
	return hex.EncodeToString(h.Sum(nil))
}

type DatabaseRef struct {
	ID    string `json:"id"`
	Title string `json:"title"`
	URL   string `json:"url,omitempty"`
}

type richTextInput struct {
	Text struct {
		Content string `json:"content"`
	} `json:"text"`
}

type namedOption struct {
	Name string `json:"name"`
}

func (p PropertyNames) encode(in PageInput) map[string]any {
	props := map[string]any{
		p.Title:       map[string]any{"title": richText(in.Title)},
		p.Fingerprint: map[string]any{"rich_text": richText(in.Fingerprint)},
		p.Content:     map[string]any{"rich_text": richText(in.Content)},
	}
	tags := make([]namedOption, 0, len(in.Tags))
	for _, tag := range in.Tags {
		// multi_select option names may not contain commas.
		tag = strings.TrimSpace(strings.ReplaceAll(tag, ",", " "))
		if tag != "" {
			tags = append(tags, namedOption{Name: tag})
		}
	}
	props[p.Tags] = map[string]any{"multi_select": tags}
	if status := strings.TrimSpace(in.Status); status != "" {
		props[p.Status] = map[string]any{p.StatusKind: namedOption{Name: status}}
	}
	if in.ProjectID != "" {
		props[p.Project] = map[string]any{"rich_text": richText(in.ProjectID)}
	}
	if !in.CapturedAt.IsZero() {
		props[p.Captured] = map[string]any{"date": map[string]string{"start": in.CapturedAt.UTC().Format(time.RFC3339)}}
	}
	for name, value := range in.Properties {
		name = strings.TrimSpace(name)
		if name == "" || p.reserved(name) {
			continue
		}
		props[name] = map[string]any{"rich_text": richText(value)}
	}
	return props
}

// richText splits s into segments the API accepts.
func richText(s string) []richTextInput {
	out := make([]richTextInput, 0, 1)
	for s != "" && len(out) < maxRichTextSegments {
		cut := len(s)
		if utf8.RuneCountInString(s) > richTextLimit {
			cut = 0
			for i := 0; i < richTextLimit; i++ {
				_, size := utf8.DecodeRuneInString(s[cut:])
				cut += size
			}
		}
		var seg richTextInput
		seg.Text.Content = s[:cut]
		out = append(out, seg)
		s = s[cut:]
	}
	return out
}

type pageObject struct {
	Object         string                    `json:"object"`
	ID             string                    `json:"id"`
	URL            string                    `json:"url"`
	Archived       bool                      `json:"archived"`
	LastEditedTime string                    `json:"last_edited_time"`
	Parent         parentObject              `json:"parent"`
	Properties     map[string]propertyObject `json:"properties"`
}

type parentObject struct {
	Type       string `json:"type"`
	DatabaseID string `json:"database_id"`
}

type plainText struct {
	PlainText string `json:"plain_text"`
}

type dateValue struct {
	Start string `json:"start"`
}

type propertyObject struct {
	Type        string        `json:"type"`
	Title       []plainText   `json:"title"`
	RichText    []plainText   `json:"rich_text"`
	Select      *namedOption  `json:"select"`
	Status      *namedOption  `json:"status"`
	MultiSelect []namedOption `json:"multi_select"`
	Number      *float64      `json:"number"`
	Checkbox    *bool         `json:"checkbox"`
	URL         *string       `json:"url"`
	Email       *string       `json:"email"`
	Date        *dateValue    `json:"date"`
}

func (p propertyObject) text() string {
	switch p.Type {
	case "title":
		return joinPlain(p.Title)
	case "rich_text":
		return joinPlain(p.RichText)
	case "select":
		if p.Select != nil {
			return p.Select.Name
		}
	case "status":
		if p.Status != nil {
			return p.Status.Name
		}
	case "multi_select":
		names := make([]string, 0, len(p.MultiSelect))
		for _, opt := range p.MultiSelect {
			names = append(names, opt.Name)
		}
		return strings.Join(names, ", ")
	case "number":
		if p.Number != nil {
			return strconv.FormatFloat(*p.Number, 'f', -1, 64)
		}
	case "checkbox":
		if p.Checkbox != nil {
			return strconv.FormatBool(*p.Checkbox)
		}
	case "url":
		if p.URL != nil {
			return *p.URL
		}
	case "email":
		if p.Email != nil {
			return *p.Email
		}
	case "date":
		if p.Date != nil {
			return p.Date.Start
		}
	}
	return ""
}

func joinPlain(parts []plainText) string {
	var b strings.Builder
	for _, part := range parts {
		b.WriteString(part.PlainText)
	}
	return b.String()
}

func (p PropertyNames) decode(obj pageObject) Page {
	page := Page{
		ID:         obj.ID,
		DatabaseID: obj.Parent.DatabaseID,
		URL:        obj.URL,
		Archived:   obj.Archived,
		Properties: map[string]string{},
	}
	if edited, err := time.Parse(time.RFC3339Nano, obj.LastEditedTime); err == nil {
		page.LastEditedAt = edited.UTC()
	}
	for name, prop := range obj.Properties {
		switch name {
		case p.Title:
			page.Title = prop.text()
		case p.Tags:
			for _, opt := range prop.MultiSelect {
				page.Tags = append(page.Tags, opt.Name)
			}
		case p.Status:
			page.Status = prop.text()
		case p.Fingerprint:
			page.Fingerprint = prop.text()
		case p.Content:
			page.Content = prop.text()
		case p.Project:
			page.ProjectID = prop.text()
		case p.Captured:
		default:
			page.Properties[name] = prop.text()
		}
	}
	sort.Strings(page.Tags)
	return page
}
