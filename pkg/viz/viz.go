// Package viz renders the save history kept by the sqlite store as a graphviz diagram. Each save
// is one node, labelled with its change hash, the actor and sequence number, and a preview of the
// snapshot text at that point.
package viz

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"strconv"
	"sync/atomic"

	"github.com/automerge/automerge-go"
	"github.com/goccy/go-graphviz"
	"github.com/goccy/go-graphviz/cgraph"

	"github.com/astromechza/docsync/pkg/delta"
	"github.com/astromechza/docsync/pkg/store"
)

const previewLength = 24

func RenderHistory(doc *automerge.Doc, w io.Writer) error {
	g := graphviz.New()
	defer g.Close()

	graph, err := g.Graph()
	if err != nil {
		return fmt.Errorf("failed to setup graph: %w", err)
	}
	defer graph.Close()

	changes, err := doc.Changes()
	if err != nil {
		return fmt.Errorf("failed to generate changes: %w", err)
	}

	nodeMap := make(map[string]*cgraph.Node)
	var edgeCounter uint64
	for _, change := range changes {
		docAt, err := doc.Fork(change.Hash())
		if err != nil {
			return fmt.Errorf("failed to checkout %s: %w", change.Hash(), err)
		}
		label, err := describe(docAt)
		if err != nil {
			return fmt.Errorf("failed to describe %s: %w", change.Hash(), err)
		}

		n, err := graph.CreateNode(change.Hash().String())
		if err != nil {
			return fmt.Errorf("failed to create node: %w", err)
		}
		n.SetLabel(fmt.Sprintf("%s %s@%d %s", change.Hash().String()[:8], change.ActorID(), change.ActorSeq(), label))
		nodeMap[n.Name()] = n

		for _, hash := range change.Dependencies() {
			parent, ok := nodeMap[hash.String()]
			if !ok {
				continue
			}
			if _, err := graph.CreateEdge(strconv.FormatUint(atomic.AddUint64(&edgeCounter, 1), 10), parent, n); err != nil {
				return fmt.Errorf("failed to create edge: %w", err)
			}
		}
	}

	if err := g.Render(graph, graphviz.SVG, w); err != nil {
		return fmt.Errorf("failed to render: %w", err)
	}
	return nil
}

func RenderHistoryToFile(doc *automerge.Doc, outputPath string) error {
	var buff bytes.Buffer
	if err := RenderHistory(doc, &buff); err != nil {
		return err
	}
	if err := os.WriteFile(outputPath, buff.Bytes(), 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", outputPath, err)
	}
	return nil
}

// describe summarises the snapshot stored in one historical version.
func describe(docAt *automerge.Doc) (string, error) {
	raw, err := store.HistorySnapshot(docAt)
	if err != nil {
		return "", err
	}
	snapshot, err := delta.Parse(raw)
	if err != nil {
		return "", err
	}
	text := []rune(snapshot.Text())
	preview := string(text)
	if len(text) > previewLength {
		preview = string(text[:previewLength]) + "..."
	}
	return fmt.Sprintf("len=%d %q", snapshot.Length(), preview), nil
}
