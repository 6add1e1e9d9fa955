package command

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/dustin/go-humanize"

	"keepsake/internal/action"
	"keepsake/internal/devicemgr"
	"keepsake/internal/domain"
	"keepsake/internal/fsutil"
)

// maxNegotiationRounds bounds how often a reservation may bounce to another
// device before the add gives up.
const maxNegotiationRounds = 4

// Add backs up one file or one folder tree, optionally onto a named device.
type Add struct {
	Files   []string
	Folders []string
	Devices []string

	Allocator Allocator
	Catalog   Catalog
	Prompter  Prompter

	report
	source string
	folder bool
	device *domain.Device
}

func (c *Add) Validate(ctx context.Context) {
	c.validated = true
	switch {
	case len(c.Files)+len(c.Folders) == 0:
		c.fail(fmt.Errorf("%w: one of --file or --folder is required", ErrValidation))
	case len(c.Files)+len(c.Folders) > 1:
		c.fail(fmt.Errorf("%w: only one --file or --folder may be given", ErrValidation))
	}
	if len(c.Devices) > 1 {
		c.fail(fmt.Errorf("%w: at most one --device may be given", ErrValidation))
	}
	if c.failed() {
		return
	}

	raw := ""
	if len(c.Files) == 1 {
		raw = c.Files[0]
	} else {
		raw, c.folder = c.Folders[0], true
	}
	source, err := filepath.Abs(raw)
	if err != nil {
		c.fail(fmt.Errorf("%w: %s: %v", ErrValidation, raw, err))
		return
	}
	c.source = source
	info, err := os.Stat(source)
	switch {
	case err != nil:
		c.fail(fmt.Errorf("%w: %s does not exist", ErrValidation, source))
		return
	case c.folder && !info.IsDir():
		c.fail(fmt.Errorf("%w: %s is not a folder", ErrValidation, source))
		return
	case !c.folder && !info.Mode().IsRegular():
		c.fail(fmt.Errorf("%w: %s is not a regular file", ErrValidation, source))
		return
	}

	if len(c.Devices) == 1 {
		d, err := c.lookupDevice(ctx, func(d domain.Device) bool {
			return d.Name == c.Devices[0] || d.MountPath == filepath.Clean(c.Devices[0])
		})
		if err != nil {
			c.fail(fmt.Errorf("%w: device %s is not registered", ErrValidation, c.Devices[0]))
			return
		}
		c.device = &d
	}

	if !c.folder {
		exists, err := c.Catalog.FileExists(ctx, source)
		if err != nil {
			c.fail(err)
			return
		}
		if exists {
			c.fail(fmt.Errorf("%w: %s is already backed up", ErrValidation, source))
		}
	}
}

func (c *Add) Actions(ctx context.Context) []*action.Action {
	if !c.ready() {
		return nil
	}
	plan, err := c.plan(ctx)
	if err != nil {
		c.fail(err)
		return nil
	}
	if len(plan.files) == 0 && len(plan.folders) == 0 {
		c.note(fmt.Sprintf("nothing to back up under %s", c.source))
		return nil
	}
	device, err := c.resolve(ctx, plan.size)
	if err != nil {
		c.fail(err)
		return nil
	}

	out := make([]*action.Action, 0, len(plan.folders)+len(plan.files))
	for _, dir := range plan.folders {
		out = append(out, action.New(action.FolderBackup{Source: dir, Device: device, Catalog: c.Catalog}))
	}
	for _, file := range plan.files {
		out = append(out, action.New(action.FileBackup{Source: file, Device: device, Catalog: c.Catalog}))
	}
	c.note(fmt.Sprintf("queued %d action(s) for %s on %s (%s)",
		len(out), c.source, device.Name, humanize.IBytes(plan.size)))
	return out
}

type addPlan struct {
	folders []string
	files   []string
	size    uint64
}

// plan lists what still needs a backup and how much space it takes.
func (c *Add) plan(ctx context.Context) (addPlan, error) {
	var p addPlan
	if !c.folder {
		size, err := fsutil.FileSize(c.source)
		if err != nil {
			return p, err
		}
		p.files = []string{c.source}
		p.size = size
		return p, nil
	}

	recorded, err := c.Catalog.FoldersUnder(ctx, c.source)
	if err != nil {
		return p, err
	}
	known := make(map[string]bool, len(recorded))
	for _, f := range recorded {
		known[f.Path] = true
	}
	err = filepath.WalkDir(c.source, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		switch {
		case d.IsDir():
			if !known[path] {
				p.folders = append(p.folders, path)
			}
		case d.Type().IsRegular():
			exists, err := c.Catalog.FileExists(ctx, path)
			if err != nil {
				return err
			}
			if exists {
				return nil
			}
			info, err := d.Info()
			if err != nil {
				return err
			}
			p.files = append(p.files, path)
			p.size += uint64(info.Size())
		}
		return nil
	})
	return p, err
}

// resolve negotiates a device holding size bytes and returns it with the
// space reserved.
func (c *Add) resolve(ctx context.Context, size uint64) (domain.Device, error) {
	if size == 0 {
		size = 1
	}
	target := ""
	if c.device != nil {
		target = c.device.MountPath
	} else {
		reply, err := c.Allocator.GetDevice(ctx, size)
		if err != nil {
			return domain.Device{}, err
		}
		if reply.Kind != devicemgr.ReplySubstitute {
			return domain.Device{}, fmt.Errorf("%w: %s", devicemgr.ErrUnresolvable, humanize.IBytes(size))
		}
		target = reply.Path
	}

	for round := 0; round < maxNegotiationRounds; round++ {
		reply, err := c.Allocator.CheckDevice(ctx, target, size)
		if err != nil {
			return domain.Device{}, err
		}
		switch reply.Kind {
		case devicemgr.ReplyOK:
			return c.lookupDevice(ctx, func(d domain.Device) bool { return d.MountPath == target })
		case devicemgr.ReplyUnresolvable:
			return domain.Device{}, fmt.Errorf("%w: %s", devicemgr.ErrUnresolvable, humanize.IBytes(size))
		case devicemgr.ReplySubstitute:
			if c.device != nil {
				ok, err := c.Prompter.Confirm(fmt.Sprintf("%s does not have %s free. Use %s instead?",
					target, humanize.IBytes(size), reply.Path))
				if err != nil {
					return domain.Device{}, err
				}
				if !ok {
					return domain.Device{}, ErrDeclined
				}
			}
			c.note(fmt.Sprintf("%s is full, using %s", target, reply.Path))
			target = reply.Path
		default:
			return domain.Device{}, fmt.Errorf("%w: unexpected reply %s", devicemgr.ErrProtocol, reply)
		}
	}
	return domain.Device{}, fmt.Errorf("%w: no stable reservation after %d attempts", devicemgr.ErrUnresolvable, maxNegotiationRounds)
}

func (c *Add) lookupDevice(ctx context.Context, match func(domain.Device) bool) (domain.Device, error) {
	devices, err := c.Catalog.ListDevices(ctx)
	if err != nil {
		return domain.Device{}, err
	}
	for _, d := range devices {
		if match(d) {
			return d, nil
		}
	}
	return domain.Device{}, errors.New("device not registered")
}
