package command

import (
	"net/url"
	"sort"
	"strconv"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/yndnr/snapkeep-go/internal/cli/output"
	"github.com/yndnr/snapkeep-go/internal/core/domain"
	"github.com/yndnr/snapkeep-go/internal/server/httpserver/handler"
	"github.com/yndnr/snapkeep-go/internal/storage/ledger"
)

// SnapshotCommand returns the snapshot subcommand group.
func SnapshotCommand() *cli.Command {
	waitFlags := []cli.Flag{
		&cli.BoolFlag{
			Name:    "wait",
			Aliases: []string{"w"},
			Usage:   "Wait for the operation to finish",
		},
		&cli.DurationFlag{
			Name:  "wait-timeout",
			Usage: "Give up waiting after this long (0 waits until done)",
		},
	}
	indexFlag := &cli.StringSliceFlag{
		Name:    "index",
		Aliases: []string{"i"},
		Usage:   "Index to include (repeatable, default all)",
	}

	return &cli.Command{
		Name:    "snapshot",
		Aliases: []string{"snap"},
		Usage:   "Create, clone, delete and inspect snapshots",
		Subcommands: []*cli.Command{
			{
				Name:      "list",
				Usage:     "List snapshots committed to a repository",
				ArgsUsage: "REPOSITORY",
				Action:    snapshotList,
			},
			{
				Name:      "create",
				Usage:     "Create a snapshot",
				ArgsUsage: "REPOSITORY NAME",
				Flags: append([]cli.Flag{
					indexFlag,
					&cli.BoolFlag{
						Name:  "include-global-state",
						Usage: "Store cluster metadata with the snapshot",
					},
					&cli.BoolFlag{
						Name:  "partial",
						Usage: "Allow the snapshot to finish with unavailable shards",
					},
				}, waitFlags...),
				Action: snapshotCreate,
			},
			{
				Name:      "clone",
				Usage:     "Clone a snapshot under a new name",
				ArgsUsage: "REPOSITORY SOURCE TARGET",
				Flags:     append([]cli.Flag{indexFlag}, waitFlags...),
				Action:    snapshotClone,
			},
			{
				Name:      "delete",
				Usage:     "Delete a snapshot",
				ArgsUsage: "REPOSITORY NAME",
				Flags:     waitFlags,
				Action:    snapshotDelete,
			},
			{
				Name:      "status",
				Usage:     "Show shard progress of a snapshot",
				ArgsUsage: "REPOSITORY NAME",
				Action:    snapshotStatus,
			},
		},
	}
}

func snapshotList(c *cli.Context) error {
	a, err := args(c, "REPOSITORY")
	if err != nil {
		return err
	}
	ctx, cancel := requestContext(c, 0)
	defer cancel()

	var data ledger.RepositoryData
	if err := newClient(c).Get(ctx, repoPath(a[0])+"/data", &data); err != nil {
		return err
	}
	return render(c, snapshotTable(data))
}

func snapshotCreate(c *cli.Context) error {
	a, err := args(c, "REPOSITORY", "NAME")
	if err != nil {
		return err
	}
	req := handler.CreateSnapshotRequest{
		Name:               a[1],
		Indices:            c.StringSlice("index"),
		IncludeGlobalState: c.Bool("include-global-state"),
		Partial:            c.Bool("partial"),
	}
	return postOperation(c, repoPath(a[0])+"/snapshots", req)
}

func snapshotClone(c *cli.Context) error {
	a, err := args(c, "REPOSITORY", "SOURCE", "TARGET")
	if err != nil {
		return err
	}
	req := handler.CloneSnapshotRequest{Target: a[2], Indices: c.StringSlice("index")}
	return postOperation(c, snapshotPath(a[0], a[1])+"/clone", req)
}

func snapshotDelete(c *cli.Context) error {
	a, err := args(c, "REPOSITORY", "NAME")
	if err != nil {
		return err
	}
	return postOperation(c, snapshotPath(a[0], a[1])+"/delete", handler.DeleteSnapshotRequest{})
}

func snapshotStatus(c *cli.Context) error {
	a, err := args(c, "REPOSITORY", "NAME")
	if err != nil {
		return err
	}
	ctx, cancel := requestContext(c, 0)
	defer cancel()

	var status domain.SnapshotStatus
	if err := newClient(c).Get(ctx, snapshotPath(a[0], a[1])+"/status", &status); err != nil {
		return err
	}
	return render(c, statusView(status))
}

// postOperation submits a snapshot operation and renders the registered
// operation, including its outcome when --wait was given.
func postOperation(c *cli.Context, path string, body any) error {
	var wait time.Duration
	if c.Bool("wait") {
		q := url.Values{"wait_for_completion": {"true"}}
		if d := c.Duration("wait-timeout"); d > 0 {
			q.Set("timeout", d.String())
			wait = d
		} else {
			// Block for as long as the server takes.
			wait = -1
		}
		path += "?" + q.Encode()
	}

	ctx, cancel := requestContext(c, wait)
	defer cancel()

	var op handler.OperationResponse
	if err := newClient(c).Post(ctx, path, body, &op); err != nil {
		return err
	}
	return render(c, operationView(op))
}

type operationView handler.OperationResponse

func (o operationView) Table() *output.Table {
	t := output.NewTable("ID", "REPOSITORY", "KIND", "SNAPSHOT", "STATE", "GENERATION", "FAILURE")
	state, gen, failure := "REGISTERED", "", ""
	if o.Outcome != nil {
		state = string(o.Outcome.State)
		gen = formatGeneration(o.Outcome.Generation)
		failure = o.Outcome.Failure
	}
	t.AddRow(o.ID, o.Repository, string(o.Kind), o.Snapshot.Name, state, gen, failure)
	return t
}

type statusView domain.SnapshotStatus

func (s statusView) Table() *output.Table {
	bar := output.ProgressBar{Width: 20}
	t := output.NewTable("INDEX", "STATE", "PROGRESS", "FAILED")

	names := make([]string, 0, len(s.Indices))
	for name := range s.Indices {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		st := s.Indices[name].Stats
		t.AddRow(name, "", bar.Render(st.Done+st.Failed, st.Total), strconv.Itoa(st.Failed))
	}
	t.AddRow("*", s.State, bar.Render(s.Stats.Done+s.Stats.Failed, s.Stats.Total), strconv.Itoa(s.Stats.Failed))
	return t
}

type snapshotTable ledger.RepositoryData

func (s snapshotTable) Table() *output.Table {
	snaps := make([]*ledger.SnapshotDetails, 0, len(s.Snapshots))
	for _, d := range s.Snapshots {
		snaps = append(snaps, d)
	}
	sort.Slice(snaps, func(i, j int) bool {
		if snaps[i].StartTime != snaps[j].StartTime {
			return snaps[i].StartTime < snaps[j].StartTime
		}
		return snaps[i].ID.Name < snaps[j].ID.Name
	})

	t := output.NewTable("NAME", "UUID", "STATE", "INDICES", "STARTED", "DURATION")
	for _, d := range snaps {
		var duration string
		if d.EndTime >= d.StartTime && d.EndTime > 0 {
			duration = (time.Duration(d.EndTime-d.StartTime) * time.Millisecond).String()
		}
		t.AddRow(d.ID.Name, d.ID.UUID, string(d.State), strconv.Itoa(len(d.Indices)),
			time.UnixMilli(d.StartTime).UTC().Format(time.RFC3339), duration)
	}
	return t
}

func repoPath(repo string) string {
	return "/v1/repositories/" + url.PathEscape(repo)
}

func snapshotPath(repo, name string) string {
	return repoPath(repo) + "/snapshots/" + url.PathEscape(name)
}
