package transport

import (
	"bytes"
	"encoding/xml"
	"fmt"
	"io"
	"strings"

	"github.com/convertful/integrations/internal/models"
)

// Pseudo-keys that map onto XML attributes, namespace declarations and
// element text when an element also has attributes or children.
const (
	XMLAttributes = "@attributes"
	XMLNamespaces = "@namespaces"
	XMLValue      = "@value"
)

const xmlHeader = `<?xml version="1.0" encoding="UTF-8"?>`

// EncodeXML renders a map as an XML document. The first key names the
// root element; nested maps become child elements and lists become
// repeated elements named after their key.
func EncodeXML(data any) ([]byte, error) {
	pairs, ok := orderedPairs(data)
	if !ok || len(pairs) == 0 {
		return nil, fmt.Errorf("xml payload must be a non-empty map")
	}
	if len(pairs) > 1 {
		return nil, fmt.Errorf("xml payload must have a single root element, got %d", len(pairs))
	}

	var buf bytes.Buffer
	buf.WriteString(xmlHeader)
	if err := writeXMLElement(&buf, pairs[0].key, pairs[0].value); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func writeXMLElement(buf *bytes.Buffer, name string, value any) error {
	if name == "" || strings.HasPrefix(name, "@") {
		return fmt.Errorf("invalid xml element name %q", name)
	}

	if items, ok := listItems(value); ok {
		for _, item := range items {
			if err := writeXMLElement(buf, name, item); err != nil {
				return err
			}
		}
		return nil
	}

	pairs, isMap := orderedPairs(value)
	buf.WriteString("<" + name)
	if isMap {
		for _, p := range pairs {
			switch p.key {
			case XMLNamespaces:
				nsPairs, _ := orderedPairs(p.value)
				for _, ns := range nsPairs {
					attr := "xmlns"
					if ns.key != "" {
						attr += ":" + ns.key
					}
					writeXMLAttr(buf, attr, models.Stringify(ns.value))
				}
			case XMLAttributes:
				attrPairs, _ := orderedPairs(p.value)
				for _, a := range attrPairs {
					writeXMLAttr(buf, a.key, models.Stringify(a.value))
				}
			}
		}
	}
	buf.WriteString(">")

	if isMap {
		for _, p := range pairs {
			switch p.key {
			case XMLAttributes, XMLNamespaces:
				continue
			case XMLValue:
				_ = xml.EscapeText(buf, []byte(models.Stringify(p.value)))
				continue
			}
			if err := writeXMLElement(buf, p.key, p.value); err != nil {
				return err
			}
		}
	} else if value != nil {
		_ = xml.EscapeText(buf, []byte(models.Stringify(value)))
	}

	buf.WriteString("</" + name + ">")
	return nil
}

func writeXMLAttr(buf *bytes.Buffer, name, value string) {
	buf.WriteString(" " + name + `="`)
	_ = xml.EscapeText(buf, []byte(value))
	buf.WriteString(`"`)
}

type xmlNode struct {
	name       string
	attrs      map[string]any
	namespaces map[string]any
	children   []*xmlNode
	text       strings.Builder
}

// DecodeXML parses an XML document into {root: value}. Leaf elements
// become strings, repeated siblings become lists, attributes and
// namespace declarations land under @attributes / @namespaces.
func DecodeXML(body []byte) (map[string]any, error) {
	dec := xml.NewDecoder(bytes.NewReader(body))
	dec.Strict = true

	var stack []*xmlNode
	var root *xmlNode
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}

		switch t := tok.(type) {
		case xml.StartElement:
			node := &xmlNode{name: t.Name.Local}
			for _, a := range t.Attr {
				switch {
				case a.Name.Space == "xmlns":
					if node.namespaces == nil {
						node.namespaces = map[string]any{}
					}
					node.namespaces[a.Name.Local] = a.Value
				case a.Name.Space == "" && a.Name.Local == "xmlns":
					if node.namespaces == nil {
						node.namespaces = map[string]any{}
					}
					node.namespaces[""] = a.Value
				default:
					if node.attrs == nil {
						node.attrs = map[string]any{}
					}
					node.attrs[a.Name.Local] = a.Value
				}
			}
			if len(stack) > 0 {
				parent := stack[len(stack)-1]
				parent.children = append(parent.children, node)
			} else if root == nil {
				root = node
			}
			stack = append(stack, node)
		case xml.EndElement:
			if len(stack) == 0 {
				return nil, fmt.Errorf("unexpected closing element %s", t.Name.Local)
			}
			stack = stack[:len(stack)-1]
		case xml.CharData:
			if len(stack) > 0 {
				stack[len(stack)-1].text.Write(t)
			}
		}
	}

	if root == nil {
		return nil, fmt.Errorf("xml document has no root element")
	}
	return map[string]any{root.name: root.value()}, nil
}

func (n *xmlNode) value() any {
	text := strings.TrimSpace(n.text.String())
	if len(n.children) == 0 && n.attrs == nil && n.namespaces == nil {
		return text
	}

	out := map[string]any{}
	if n.attrs != nil {
		out[XMLAttributes] = n.attrs
	}
	if n.namespaces != nil {
		out[XMLNamespaces] = n.namespaces
	}
	if text != "" {
		out[XMLValue] = text
	}

	counts := map[string]int{}
	for _, c := range n.children {
		counts[c.name]++
	}
	for _, c := range n.children {
		v := c.value()
		if counts[c.name] == 1 {
			out[c.name] = v
			continue
		}
		list, _ := out[c.name].([]any)
		out[c.name] = append(list, v)
	}
	return out
}
