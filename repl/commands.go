package repl

import (
	"context"
	"encoding/json"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/drpcorg/kniga"
	"github.com/drpcorg/kniga/protocol"
	"github.com/drpcorg/kniga/rdx"
	"github.com/drpcorg/kniga/utils"
)

const help = `text <name> [insert <pos> <text> | delete <pos> <n> | mark <from> <till> <key> <json>]
list <name> [push <json>... | insert <pos> <json>... | delete <pos> <n>]
map <name> [set <key> <json> | get <key> | delete <key>]
counter <name> [inc <delta>]
tree <name> [create [<parent>] | move <node> <parent> | delete <node>]
commit [message], undo, redo
value [<name>], vv, log [<id>]
export snapshot|shallow|state|updates <file>
import <file>...
tail <file> | tail off
presence [set <key> <json> | delete <key> | export <file> | import <file>]
checkout <id>..., attach
exit
`

func (repl *REPL) CommandHelp(args []string) error {
	repl.printf("%s", help)
	return nil
}

func usage(format string) error {
	return errors.Wrap(ErrUsage, format)
}

func atoi(s string) (int, error) {
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, errors.Wrapf(ErrUsage, "not a number: %s", s)
	}
	return n, nil
}

func parseValue(s string) (rdx.Value, error) {
	var parsed any
	if err := json.Unmarshal([]byte(s), &parsed); err != nil {
		return rdx.Null(), errors.Wrapf(err, "bad JSON %q", s)
	}
	return rdx.FromNative(parsed)
}

func parseValues(args []string) ([]rdx.Value, error) {
	vals := make([]rdx.Value, 0, len(args))
	for _, a := range args {
		v, err := parseValue(a)
		if err != nil {
			return nil, err
		}
		vals = append(vals, v)
	}
	return vals, nil
}

func (repl *REPL) show(v rdx.Value) error {
	js, err := json.Marshal(v.Native())
	if err != nil {
		return err
	}
	repl.printf("%s\n", js)
	return nil
}

func (repl *REPL) CommandText(args []string) error {
	if len(args) == 0 {
		return usage("text <name> ...")
	}
	text := repl.Doc.GetText(args[0])
	if len(args) == 1 {
		repl.printf("%s\n", text.ToString())
		return nil
	}
	switch args[1] {
	case "insert":
		if len(args) < 4 {
			return usage("text <name> insert <pos> <text>")
		}
		pos, err := atoi(args[2])
		if err != nil {
			return err
		}
		return text.Insert(pos, strings.Join(args[3:], " "))
	case "delete":
		if len(args) != 4 {
			return usage("text <name> delete <pos> <n>")
		}
		pos, err := atoi(args[2])
		if err != nil {
			return err
		}
		n, err := atoi(args[3])
		if err != nil {
			return err
		}
		return text.Delete(pos, n)
	case "mark":
		if len(args) != 6 {
			return usage("text <name> mark <from> <till> <key> <json>")
		}
		from, err := atoi(args[2])
		if err != nil {
			return err
		}
		till, err := atoi(args[3])
		if err != nil {
			return err
		}
		v, err := parseValue(args[5])
		if err != nil {
			return err
		}
		return text.Mark(from, till, args[4], v)
	}
	return usage("text <name> insert|delete|mark")
}

func (repl *REPL) CommandList(args []string) error {
	if len(args) == 0 {
		return usage("list <name> ...")
	}
	list := repl.Doc.GetList(args[0])
	if len(args) == 1 {
		return repl.show(list.DeepValue())
	}
	switch args[1] {
	case "push":
		vals, err := parseValues(args[2:])
		if err != nil {
			return err
		}
		return list.Push(vals...)
	case "insert":
		if len(args) < 3 {
			return usage("list <name> insert <pos> <json>...")
		}
		pos, err := atoi(args[2])
		if err != nil {
			return err
		}
		vals, err := parseValues(args[3:])
		if err != nil {
			return err
		}
		return list.Insert(pos, vals...)
	case "delete":
		if len(args) != 4 {
			return usage("list <name> delete <pos> <n>")
		}
		pos, err := atoi(args[2])
		if err != nil {
			return err
		}
		n, err := atoi(args[3])
		if err != nil {
			return err
		}
		return list.Delete(pos, n)
	}
	return usage("list <name> push|insert|delete")
}

func (repl *REPL) CommandMap(args []string) error {
	if len(args) == 0 {
		return usage("map <name> ...")
	}
	m := repl.Doc.GetMap(args[0])
	if len(args) == 1 {
		return repl.show(m.DeepValue())
	}
	switch {
	case args[1] == "set" && len(args) == 4:
		v, err := parseValue(args[3])
		if err != nil {
			return err
		}
		return m.Set(args[2], v)
	case args[1] == "get" && len(args) == 3:
		v, ok := m.Get(args[2])
		if !ok {
			repl.printf("no such key\n")
			return nil
		}
		return repl.show(v)
	case args[1] == "delete" && len(args) == 3:
		return m.Delete(args[2])
	}
	return usage("map <name> set <key> <json> | get <key> | delete <key>")
}

func (repl *REPL) CommandCounter(args []string) error {
	if len(args) == 0 {
		return usage("counter <name> ...")
	}
	c := repl.Doc.GetCounter(args[0])
	if len(args) == 1 {
		repl.printf("%v\n", c.Value())
		return nil
	}
	if args[1] != "inc" || len(args) != 3 {
		return usage("counter <name> inc <delta>")
	}
	delta, err := strconv.ParseFloat(args[2], 64)
	if err != nil {
		return errors.Wrapf(ErrUsage, "not a number: %s", args[2])
	}
	return c.Increment(delta)
}

func (repl *REPL) CommandTree(args []string) error {
	if len(args) == 0 {
		return usage("tree <name> ...")
	}
	tree := repl.Doc.GetTree(args[0])
	if len(args) == 1 {
		return repl.show(tree.DeepValue())
	}
	ids := make([]rdx.ID, 0, 2)
	for _, a := range args[2:] {
		id, err := rdx.ParseID(a)
		if err != nil {
			return err
		}
		ids = append(ids, id)
	}
	switch {
	case args[1] == "create" && len(ids) <= 1:
		parent := rdx.NoID
		if len(ids) == 1 {
			parent = ids[0]
		}
		node, err := tree.Create(parent)
		if err == nil {
			repl.printf("%s\n", node.String())
		}
		return err
	case args[1] == "move" && len(ids) == 2:
		return tree.Mov(ids[0], ids[1])
	case args[1] == "delete" && len(ids) == 1:
		return tree.Delete(ids[0])
	}
	return usage("tree <name> create [<parent>] | move <node> <parent> | delete <node>")
}

func (repl *REPL) CommandValue(args []string) error {
	if len(args) == 0 {
		return repl.show(repl.Doc.GetDeepValue())
	}
	v, _ := repl.Doc.GetDeepValue().AsMap()
	return repl.show(v[args[0]])
}

func (repl *REPL) CommandLog(args []string) error {
	if len(args) == 0 {
		repl.printf("%d changes, heads %s\n", repl.Doc.ChangeCount(), repl.Doc.OplogFrontiers().String())
		return nil
	}
	id, err := rdx.ParseID(args[0])
	if err != nil {
		return err
	}
	c, err := repl.Doc.GetChange(id)
	if err != nil {
		return err
	}
	repl.printf("%s\n", c.String())
	return nil
}

func (repl *REPL) CommandExport(args []string) error {
	if len(args) != 2 {
		return usage("export snapshot|shallow|state|updates <file>")
	}
	var mode kniga.ExportMode
	switch args[0] {
	case "snapshot":
		mode = kniga.ExportSnapshot()
	case "shallow":
		mode = kniga.ExportShallowSnapshot(repl.Doc.OplogFrontiers())
	case "state":
		mode = kniga.ExportStateOnly(repl.Doc.OplogFrontiers())
	case "updates":
		mode = kniga.ExportUpdates(rdx.NewVV())
	default:
		return usage("export snapshot|shallow|state|updates <file>")
	}
	data, err := repl.Doc.Export(mode)
	if err != nil {
		return err
	}
	if err := os.WriteFile(args[1], data, 0o644); err != nil {
		return err
	}
	repl.printf("%d bytes written\n", len(data))
	return nil
}

func (repl *REPL) CommandImport(args []string) error {
	if len(args) == 0 {
		return usage("import <file>...")
	}
	batch := make([][]byte, 0, len(args))
	for _, name := range args {
		data, err := os.ReadFile(name)
		if err != nil {
			return err
		}
		// a tail file holds many payloads back to back
		for len(data) > 0 {
			_, _, rest, err := protocol.TakeAnyWary(data)
			if err != nil {
				return errors.Wrapf(err, "%s", name)
			}
			batch = append(batch, data[:len(data)-len(rest)])
			data = rest
		}
	}
	status, err := repl.Doc.ImportBatch(batch)
	if err != nil {
		return err
	}
	for _, span := range status.Success {
		repl.printf("+%s\n", span.String())
	}
	return nil
}

func (repl *REPL) CommandCheckout(args []string) error {
	var f rdx.Frontiers
	for _, a := range args {
		id, err := rdx.ParseID(a)
		if err != nil {
			return err
		}
		f = f.With(id)
	}
	ctx := utils.WithLogArgs(context.Background(), "source", "repl")
	if err := repl.Doc.CheckoutContext(ctx, f); err != nil {
		return err
	}
	repl.printf("detached at %s\n", f.String())
	return nil
}

const (
	tailHose      = "tail"
	tailQueueSize = 1 << 20
	tailTimeLimit = 100 * time.Millisecond
	tailBatchSize = 1 << 12
)

// CommandTail appends every local update payload to a file, so the
// file can be imported elsewhere later.
func (repl *REPL) CommandTail(args []string) error {
	if len(args) != 1 {
		return usage("tail <file> | tail off")
	}
	if args[0] == "off" {
		repl.Doc.RemoveUpdateHose(tailHose)
		return nil
	}
	file, err := os.OpenFile(args[0], os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	queue := utils.NewFDQueue[protocol.Records](tailQueueSize, tailTimeLimit, tailBatchSize)
	repl.Doc.AddUpdateHose(tailHose, queue)
	repl.tails.Add(1)
	go func() {
		defer repl.tails.Done()
		err := protocol.PumpThenClose(context.Background(), queue, protocol.NewWriteDrainer(file))
		if !errors.Is(err, utils.ErrClosed) {
			repl.Doc.RemoveUpdateHose(tailHose)
		}
	}()
	repl.printf("writing updates to %s\n", args[0])
	return nil
}

// CommandPresence edits the ephemeral presence store of the session.
func (repl *REPL) CommandPresence(args []string) error {
	p := repl.presence
	if len(args) == 0 {
		p.RemoveOutdated()
		for _, key := range p.Keys() {
			v, _ := p.Get(key)
			repl.printf("%s\t", key)
			if err := repl.show(v); err != nil {
				return err
			}
		}
		return nil
	}
	switch {
	case args[0] == "set" && len(args) == 3:
		v, err := parseValue(args[2])
		if err != nil {
			return err
		}
		p.Set(args[1], v)
		return nil
	case args[0] == "delete" && len(args) == 2:
		p.Delete(args[1])
		return nil
	case args[0] == "export" && len(args) == 2:
		return os.WriteFile(args[1], p.EncodeAll(), 0o644)
	case args[0] == "import" && len(args) == 2:
		data, err := os.ReadFile(args[1])
		if err != nil {
			return err
		}
		return p.Apply(data)
	}
	return usage("presence [set <key> <json> | delete <key> | export <file> | import <file>]")
}
