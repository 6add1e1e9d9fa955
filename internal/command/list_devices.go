package command

import (
	"context"

	"github.com/jedib0t/go-pretty/v6/table"

	"keepsake/internal/action"
)

// ListDevices renders the registered devices. It never produces Actions.
type ListDevices struct {
	Catalog Catalog
	report
}

func (c *ListDevices) Validate(context.Context) { c.validated = true }

func (c *ListDevices) Actions(ctx context.Context) []*action.Action {
	if !c.ready() {
		return nil
	}
	devices, err := c.Catalog.ListDevices(ctx)
	if err != nil {
		c.fail(err)
		return nil
	}
	if len(devices) == 0 {
		c.note("no devices registered")
		return nil
	}
	t := table.NewWriter()
	t.AppendHeader(table.Row{"NAME", "MOUNT PATH", "IDENTIFIER"})
	for _, d := range devices {
		t.AppendRow(table.Row{d.Name, d.MountPath, d.IdentifierType + ":" + d.Identifier})
	}
	c.note(t.Render())
	return nil
}
