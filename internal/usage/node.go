package usage

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// Kind identifies the JSON value kind held by a Node
type Kind int

const (
	KindNull Kind = iota
	KindObject
	KindArray
	KindString
	KindNumber
	KindBool
)

// maxDepth bounds recursion on hostile input
const maxDepth = 256

// Field is one member of a JSON object, in document order
type Field struct {
	Key   string
	Value *Node
}

// Node is a parsed JSON value. Objects keep their members in document order
// so that extraction output is deterministic.
type Node struct {
	Kind   Kind
	Fields []Field // KindObject
	Items  []*Node // KindArray
	Text   string  // KindString, or the literal of a KindNumber
	Bool   bool    // KindBool
}

// ErrTooDeep is returned when a document nests deeper than maxDepth
var ErrTooDeep = errors.New("json document nested too deeply")

// Parse decodes a single JSON document into a Node tree
func Parse(data []byte) (*Node, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	node, err := parseValue(dec, 0)
	if err != nil {
		return nil, err
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("unexpected data after json value")
	}
	return node, nil
}

// Get returns the value of the first member named key, or nil
func (n *Node) Get(key string) *Node {
	if n == nil || n.Kind != KindObject {
		return nil
	}
	for _, f := range n.Fields {
		if f.Key == key {
			return f.Value
		}
	}
	return nil
}

// IsScalar reports whether the node is a string, number or bool
func (n *Node) IsScalar() bool {
	return n != nil && (n.Kind == KindString || n.Kind == KindNumber || n.Kind == KindBool)
}

// IsContainer reports whether the node is an object or array
func (n *Node) IsContainer() bool {
	return n != nil && (n.Kind == KindObject || n.Kind == KindArray)
}

func parseValue(dec *json.Decoder, depth int) (*Node, error) {
	if depth > maxDepth {
		return nil, ErrTooDeep
	}

	tok, err := dec.Token()
	if err != nil {
		return nil, err
	}

	switch t := tok.(type) {
	case json.Delim:
		switch t {
		case '{':
			node := &Node{Kind: KindObject}
			for dec.More() {
				keyTok, err := dec.Token()
				if err != nil {
					return nil, err
				}
				key, ok := keyTok.(string)
				if !ok {
					return nil, fmt.Errorf("unexpected object key %v", keyTok)
				}
				value, err := parseValue(dec, depth+1)
				if err != nil {
					return nil, err
				}
				node.Fields = append(node.Fields, Field{Key: key, Value: value})
			}
			if _, err := dec.Token(); err != nil {
				return nil, err
			}
			return node, nil
		case '[':
			node := &Node{Kind: KindArray}
			for dec.More() {
				item, err := parseValue(dec, depth+1)
				if err != nil {
					return nil, err
				}
				node.Items = append(node.Items, item)
			}
			if _, err := dec.Token(); err != nil {
				return nil, err
			}
			return node, nil
		}
		return nil, fmt.Errorf("unexpected delimiter %v", t)
	case string:
		return &Node{Kind: KindString, Text: t}, nil
	case json.Number:
		return &Node{Kind: KindNumber, Text: t.String()}, nil
	case bool:
		return &Node{Kind: KindBool, Bool: t}, nil
	case nil:
		return &Node{Kind: KindNull}, nil
	}
	return nil, fmt.Errorf("unexpected token %v", tok)
}
