package orchestrator

import (
	"fmt"
	"strconv"

	"github.com/awalterschulze/gographviz"

	"github.com/ShayCichocki/switchboard/pkg/models"
)

// RenderDOT renders a sub-task graph in Graphviz DOT. Edges point from a
// dependency to its dependent.
func RenderDOT(tasks []*models.SubTask) (string, error) {
	g := gographviz.NewGraph()
	if err := g.SetName("plan"); err != nil {
		return "", err
	}
	if err := g.SetDir(true); err != nil {
		return "", err
	}
	if err := g.AddAttr("plan", "rankdir", "LR"); err != nil {
		return "", err
	}

	for _, t := range tasks {
		capability := t.Capability
		if capability == "" {
			capability = "unrouted"
		}
		attrs := map[string]string{
			"label": strconv.Quote(fmt.Sprintf("%s\n%s", t.ID, capability)),
			"shape": "box",
		}
		switch t.Status {
		case models.SubTaskStatusDone:
			attrs["color"] = "green"
		case models.SubTaskStatusFailed:
			attrs["color"] = "red"
		}
		if err := g.AddNode("plan", strconv.Quote(t.ID), attrs); err != nil {
			return "", fmt.Errorf("add node %s: %w", t.ID, err)
		}
	}
	for _, t := range tasks {
		for _, dep := range t.DependsOn {
			if err := g.AddEdge(strconv.Quote(dep), strconv.Quote(t.ID), true, nil); err != nil {
				return "", fmt.Errorf("add edge %s -> %s: %w", dep, t.ID, err)
			}
		}
	}
	return g.String(), nil
}
