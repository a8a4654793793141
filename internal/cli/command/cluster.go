package command

import (
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/yndnr/snapkeep-go/internal/cli/output"
	"github.com/yndnr/snapkeep-go/internal/server/httpserver/handler"
)

// ClusterCommand returns the cluster subcommand group.
func ClusterCommand() *cli.Command {
	return &cli.Command{
		Name:  "cluster",
		Usage: "Inspect the cluster",
		Subcommands: []*cli.Command{
			{
				Name:   "state",
				Usage:  "Show members and in-flight snapshot operations",
				Action: clusterState,
			},
			{
				Name:   "health",
				Usage:  "Check liveness and readiness of the server",
				Action: clusterHealth,
			},
		},
	}
}

func clusterState(c *cli.Context) error {
	ctx, cancel := requestContext(c, 0)
	defer cancel()

	var resp handler.ClusterStateResponse
	if err := newClient(c).Get(ctx, "/v1/cluster/state", &resp); err != nil {
		return err
	}
	return render(c, clusterView(resp))
}

func clusterHealth(c *cli.Context) error {
	ctx, cancel := requestContext(c, 0)
	defer cancel()

	client := newClient(c)
	result := healthView{Server: client.BaseURL(), Health: "ok", Ready: "ok"}
	if err := client.Get(ctx, "/health", nil); err != nil {
		result.Health = err.Error()
	}
	if err := client.Get(ctx, "/ready", nil); err != nil {
		result.Ready = err.Error()
	}
	if err := render(c, result); err != nil {
		return err
	}
	if result.Health != "ok" || result.Ready != "ok" {
		return fmt.Errorf("server %s is not healthy", result.Server)
	}
	return nil
}

type healthView struct {
	Server string `json:"server"`
	Health string `json:"health"`
	Ready  string `json:"ready"`
}

func (h healthView) Table() *output.Table {
	t := output.NewTable("SERVER", "HEALTH", "READY")
	t.AddRow(h.Server, h.Health, h.Ready)
	return t
}

type clusterView handler.ClusterStateResponse

func (v clusterView) Table() *output.Table {
	t := output.NewTable("KIND", "NAME", "DETAIL")
	leader := v.LeaderAddr
	if v.IsLeader {
		leader += " (this node)"
	}
	t.AddRow("node", v.NodeID, "leader "+leader)
	if v.State == nil {
		return t
	}
	t.AddRow("state", "version "+strconv.FormatUint(v.State.Version, 10), "term "+strconv.FormatUint(v.State.Term, 10))

	ids := make([]string, 0, len(v.State.Members))
	for id := range v.State.Members {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		m := v.State.Members[id]
		t.AddRow("member", m.NodeID, m.Addr)
	}

	ids = ids[:0]
	for id := range v.State.Entries {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		e := v.State.Entries[id]
		age := time.Since(time.UnixMilli(e.StartTime)).Truncate(time.Second)
		t.AddRow("entry", id, fmt.Sprintf("%s %s/%s %s shards=%d age=%s",
			e.Kind, e.Repository, e.Snapshot.Name, e.State, len(e.Shards), age))
	}
	return t
}
