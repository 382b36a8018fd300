// Package content keeps the three representations of an answer body in
// sync: the stored markup (canonical), the plain-text preview used by list
// rows and search, and the render tree handed to display clients. Both
// derivations are pure functions of the stored form.
package content

import (
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// PreviewLimit is the rune bound on the plain-text projection.
const PreviewLimit = 100

const ellipsis = "..."

// PlaceholderText is rendered when the stored body strips to nothing, so a
// render tree is never empty (an image-only answer is valid).
const PlaceholderText = "No answer provided."

type NodeType string

const (
	NodeDocument  NodeType = "document"
	NodeParagraph NodeType = "paragraph"
	NodeText      NodeType = "text"
	NodeBold      NodeType = "bold"
	NodeItalic    NodeType = "italic"
	NodeUnderline NodeType = "underline"
	NodeLink      NodeType = "link"
	NodeImage     NodeType = "image"
	NodeBreak     NodeType = "break"
)

// Node is one node of the display tree. Text is set on text nodes, Href on
// links, Src on images (always an absolute URL by the time it is here).
type Node struct {
	Type     NodeType `json:"type"`
	Text     string   `json:"text,omitempty"`
	Href     string   `json:"href,omitempty"`
	Src      string   `json:"src,omitempty"`
	Children []*Node  `json:"children,omitempty"`
}

// ImageResolver re-points stored image references to fetchable URLs.
// An empty result means the reference is unusable and the image is dropped.
type ImageResolver interface {
	Resolve(ref string) string
}

// ToPreview strips all markup from the stored form, collapses whitespace
// and truncates to PreviewLimit runes, appending "..." when it cut
// anything. Applying it to its own output returns the same string.
func ToPreview(storage string) string {
	plain := stripMarkup(storage)
	plain = strings.Join(strings.Fields(plain), " ")

	runes := []rune(plain)
	if len(runes) <= PreviewLimit {
		return plain
	}
	// Re-truncation of a previous preview lands on the same boundary, so
	// the appended marker reproduces the identical output.
	return string(runes[:PreviewLimit]) + ellipsis
}

// Matches reports whether the plain-text projection of the stored form
// contains the query, case-insensitively. Search never sees markup.
func Matches(storage, query string) bool {
	return strings.Contains(
		strings.ToLower(ToPreview(storage)),
		strings.ToLower(strings.TrimSpace(query)),
	)
}

// ToRenderTree parses the stored form into a display tree. Inline images
// are re-pointed through the resolver; an image whose reference resolves
// to nothing is dropped rather than rendered broken. The result always has
// at least one child.
func ToRenderTree(storage string, images ImageResolver) *Node {
	root := &Node{Type: NodeDocument}

	doc, err := html.Parse(strings.NewReader(storage))
	if err == nil {
		if body := findBody(doc); body != nil {
			for child := body.FirstChild; child != nil; child = child.NextSibling {
				appendRendered(root, child, images)
			}
		}
	}

	if len(root.Children) == 0 {
		root.Children = append(root.Children, &Node{
			Type:     NodeParagraph,
			Children: []*Node{{Type: NodeText, Text: PlaceholderText}},
		})
	}
	return root
}

func findBody(doc *html.Node) *html.Node {
	var body *html.Node
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && n.DataAtom == atom.Body {
			body = n
			return
		}
		for child := n.FirstChild; child != nil && body == nil; child = child.NextSibling {
			walk(child)
		}
	}
	walk(doc)
	return body
}

// appendRendered converts one parsed node and its subtree, appending the
// result to parent. Unknown elements contribute their children in place.
func appendRendered(parent *Node, n *html.Node, images ImageResolver) {
	switch n.Type {
	case html.TextNode:
		if strings.TrimSpace(n.Data) == "" {
			return
		}
		parent.Children = append(parent.Children, &Node{Type: NodeText, Text: n.Data})
		return
	case html.ElementNode:
	default:
		return
	}

	switch n.DataAtom {
	case atom.P, atom.Div:
		node := &Node{Type: NodeParagraph}
		appendChildren(node, n, images)
		if len(node.Children) > 0 {
			parent.Children = append(parent.Children, node)
		}
	case atom.B, atom.Strong:
		appendWrapped(parent, n, NodeBold, images)
	case atom.I, atom.Em:
		appendWrapped(parent, n, NodeItalic, images)
	case atom.U:
		appendWrapped(parent, n, NodeUnderline, images)
	case atom.A:
		node := &Node{Type: NodeLink, Href: attr(n, "href")}
		appendChildren(node, n, images)
		parent.Children = append(parent.Children, node)
	case atom.Img:
		src := ""
		if images != nil {
			src = images.Resolve(attr(n, "src"))
		}
		if src == "" {
			return
		}
		parent.Children = append(parent.Children, &Node{Type: NodeImage, Src: src})
	case atom.Br:
		parent.Children = append(parent.Children, &Node{Type: NodeBreak})
	default:
		appendChildren(parent, n, images)
	}
}

func appendWrapped(parent *Node, n *html.Node, kind NodeType, images ImageResolver) {
	node := &Node{Type: kind}
	appendChildren(node, n, images)
	if len(node.Children) > 0 {
		parent.Children = append(parent.Children, node)
	}
}

func appendChildren(target *Node, n *html.Node, images ImageResolver) {
	for child := n.FirstChild; child != nil; child = child.NextSibling {
		appendRendered(target, child, images)
	}
}

func attr(n *html.Node, name string) string {
	for _, a := range n.Attr {
		if a.Key == name {
			return strings.TrimSpace(a.Val)
		}
	}
	return ""
}

// stripMarkup extracts the text content of the stored form, entities
// decoded, tags discarded. Block boundaries become spaces so text from
// adjacent paragraphs does not run together.
func stripMarkup(storage string) string {
	tokenizer := html.NewTokenizer(strings.NewReader(storage))
	var out strings.Builder
	for {
		switch tokenizer.Next() {
		case html.ErrorToken:
			return out.String()
		case html.TextToken:
			out.Write(tokenizer.Text())
		case html.StartTagToken, html.EndTagToken, html.SelfClosingTagToken:
			name, _ := tokenizer.TagName()
			if isBlockBoundary(string(name)) {
				out.WriteByte(' ')
			}
		}
	}
}

func isBlockBoundary(tag string) bool {
	switch tag {
	case "p", "div", "br", "li", "ul", "ol":
		return true
	}
	return false
}
