package nodestore

import (
	"bytes"
	"fmt"
	"html/template"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"

	"github.com/Shakes-tzd/htmlgraph/internal/ir"
)

// timeLayout is used for created_at/updated_at in documents.
const timeLayout = time.RFC3339Nano

// The goldmark instance is configured once and shared; Convert keeps its
// per-call state internally.
var (
	markdownOnce sync.Once
	markdown     goldmark.Markdown
)

func getMarkdown() goldmark.Markdown {
	markdownOnce.Do(func() {
		markdown = goldmark.New(goldmark.WithExtensions(extension.GFM))
	})
	return markdown
}

var documentTemplate = template.Must(template.New("node").Parse(`<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<meta name="generator" content="htmlgraph">
<title>{{.Node.Title}}</title>
</head>
<body>
<article id="{{.Node.ID}}" itemscope itemtype="https://htmlgraph.dev/schema/{{.Node.Type}}">
<header>
<h1 itemprop="title">{{.Node.Title}}</h1>
<dl class="fields">
<dt>Type</dt><dd><data itemprop="type" value="{{.Node.Type}}">{{.Node.Type}}</data></dd>
<dt>Status</dt><dd><data itemprop="status" value="{{.Node.Status}}">{{.Node.Status}}</data></dd>
<dt>Priority</dt><dd><data itemprop="priority" value="{{.Node.Priority}}">{{.Node.Priority}}</data></dd>
<dt>Created</dt><dd><time itemprop="created_at" datetime="{{.Created}}">{{.Created}}</time></dd>
<dt>Updated</dt><dd><time itemprop="updated_at" datetime="{{.Updated}}">{{.Updated}}</time></dd>
{{- if .Node.Deleted}}
<dt>Deleted</dt><dd><data itemprop="deleted" value="true">yes</data></dd>
{{- end}}
</dl>
</header>
{{- if .Links}}
<nav aria-label="Relationships">
<ul>
{{- range .Links}}
<li><a itemprop="{{.Kind}}" rel="{{.Kind}}" href="{{.Href}}" data-node-id="{{.To}}">{{.To}}</a></li>
{{- end}}
</ul>
</nav>
{{- end}}
{{- if .Attributes}}
<dl class="attributes">
{{- range .Attributes}}
<dt>{{.Key}}</dt><dd><data itemprop="attribute" data-key="{{.Key}}" value="{{.Value}}">{{.Value}}</data></dd>
{{- end}}
</dl>
{{- end}}
{{- if .Node.Body}}
<meta itemprop="body" content="{{.Node.Body}}">
<section class="body">
{{.BodyHTML}}</section>
{{- end}}
</article>
</body>
</html>
`))

type documentLink struct {
	Kind ir.EdgeKind
	To   string
	Href string
}

type documentAttr struct {
	Key   string
	Value string
}

type documentData struct {
	Node       ir.Node
	Created    string
	Updated    string
	Links      []documentLink
	Attributes []documentAttr
	BodyHTML   template.HTML
}

// RenderDocument writes the node as an HTML page. Typed fields are embedded
// as microdata so ParseDocument can recover the node exactly; the markdown
// body is also rendered for human readers.
func RenderDocument(w io.Writer, n ir.Node) error {
	data := documentData{
		Node:    n,
		Created: n.CreatedAt.UTC().Format(timeLayout),
		Updated: n.UpdatedAt.UTC().Format(timeLayout),
	}
	for _, e := range n.Edges() {
		data.Links = append(data.Links, documentLink{Kind: e.Kind, To: e.To, Href: hrefFor(e.To)})
	}
	for _, k := range ir.SortedKeys(n.Attributes) {
		data.Attributes = append(data.Attributes, documentAttr{Key: k, Value: n.Attributes[k]})
	}
	if n.Body != "" {
		var buf bytes.Buffer
		if err := getMarkdown().Convert([]byte(n.Body), &buf); err != nil {
			return fmt.Errorf("render body: %w", err)
		}
		// goldmark escapes raw HTML unless WithUnsafe is set.
		data.BodyHTML = template.HTML(buf.String())
	}
	return documentTemplate.Execute(w, data)
}

// hrefFor links to the target's document relative to the node's directory.
func hrefFor(id string) string {
	if t, ok := ir.TypeForTag(ir.TagOf(id)); ok {
		return "../" + string(t) + "/" + id + ".html"
	}
	return "#" + id
}

// ParseDocument reads a node back from its HTML document.
// A document without an itemscope article is CORRUPT.
func ParseDocument(r io.Reader) (ir.Node, error) {
	root, err := html.Parse(r)
	if err != nil {
		return ir.Node{}, ir.WrapError(ir.ErrCodeCorrupt, "nodestore.ParseDocument", "", err)
	}
	article := findArticle(root)
	if article == nil {
		return ir.Node{}, ir.NewError(ir.ErrCodeCorrupt, "nodestore.ParseDocument", "", "no itemscope article")
	}

	n := ir.Node{ID: attr(article, "id")}
	var parseErr error
	walk(article, func(el *html.Node) {
		prop := attr(el, "itemprop")
		if prop == "" || parseErr != nil {
			return
		}
		switch prop {
		case "title":
			n.Title = textContent(el)
		case "type":
			n.Type = ir.NodeType(attr(el, "value"))
		case "status":
			n.Status = ir.Status(attr(el, "value"))
		case "priority":
			n.Priority = ir.Priority(attr(el, "value"))
		case "deleted":
			n.Deleted = attr(el, "value") == "true"
		case "created_at":
			n.CreatedAt, parseErr = time.Parse(timeLayout, attr(el, "datetime"))
		case "updated_at":
			n.UpdatedAt, parseErr = time.Parse(timeLayout, attr(el, "datetime"))
		case string(ir.EdgeDependsOn):
			n.DependsOn = append(n.DependsOn, attr(el, "data-node-id"))
		case string(ir.EdgeBlocks):
			n.Blocks = append(n.Blocks, attr(el, "data-node-id"))
		case string(ir.EdgeTrack):
			n.TrackID = attr(el, "data-node-id")
		case "attribute":
			if n.Attributes == nil {
				n.Attributes = map[string]string{}
			}
			n.Attributes[attr(el, "data-key")] = attr(el, "value")
		case "body":
			n.Body = attr(el, "content")
		}
	})
	if parseErr != nil {
		return ir.Node{}, ir.WrapError(ir.ErrCodeCorrupt, "nodestore.ParseDocument", n.ID, parseErr)
	}
	if n.ID == "" || n.Type == "" {
		return ir.Node{}, ir.NewError(ir.ErrCodeCorrupt, "nodestore.ParseDocument", n.ID, "missing id or type")
	}
	return n, nil
}

func findArticle(n *html.Node) *html.Node {
	var found *html.Node
	walk(n, func(el *html.Node) {
		if found == nil && el.DataAtom == atom.Article && hasAttr(el, "itemscope") {
			found = el
		}
	})
	return found
}

// walk visits element nodes depth-first in document order.
func walk(n *html.Node, fn func(*html.Node)) {
	if n.Type == html.ElementNode {
		fn(n)
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		walk(c, fn)
	}
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

func hasAttr(n *html.Node, key string) bool {
	for _, a := range n.Attr {
		if a.Key == key {
			return true
		}
	}
	return false
}

func textContent(n *html.Node) string {
	var b strings.Builder
	var collect func(*html.Node)
	collect = func(c *html.Node) {
		if c.Type == html.TextNode {
			b.WriteString(c.Data)
		}
		for k := c.FirstChild; k != nil; k = k.NextSibling {
			collect(k)
		}
	}
	collect(n)
	return b.String()
}
