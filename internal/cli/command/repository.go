package command

import (
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"

	"github.com/urfave/cli/v2"

	"github.com/yndnr/snapkeep-go/internal/cli/output"
	"github.com/yndnr/snapkeep-go/internal/core/domain"
	"github.com/yndnr/snapkeep-go/internal/server/httpserver/handler"
)

// RepositoryCommand returns the repository subcommand group.
func RepositoryCommand() *cli.Command {
	return &cli.Command{
		Name:    "repository",
		Aliases: []string{"repo"},
		Usage:   "Manage snapshot repositories",
		Subcommands: []*cli.Command{
			{
				Name:   "list",
				Usage:  "List registered repositories",
				Action: repositoryList,
			},
			{
				Name:      "get",
				Usage:     "Show a repository",
				ArgsUsage: "NAME",
				Action:    repositoryGet,
			},
			{
				Name:      "put",
				Usage:     "Register or update a repository",
				ArgsUsage: "NAME",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:    "type",
						Aliases: []string{"t"},
						Usage:   "Repository type: fs, badger, sqlite, memory",
						Value:   string(domain.RepositoryFS),
					},
					&cli.StringSliceFlag{
						Name:  "setting",
						Usage: "Repository setting as KEY=VALUE (repeatable)",
					},
				},
				Action: repositoryPut,
			},
			{
				Name:      "delete",
				Usage:     "Unregister a repository",
				ArgsUsage: "NAME",
				Action:    repositoryDelete,
			},
		},
	}
}

type repositoryTable []*domain.RepositoryMetadata

func (l repositoryTable) Table() *output.Table {
	t := output.NewTable("NAME", "TYPE", "VERSION", "GENERATION", "SETTINGS")
	for _, r := range l {
		t.AddRow(r.Name, string(r.Type), strconv.FormatInt(r.Version, 10),
			formatGeneration(r.Generation), formatSettings(r.Settings))
	}
	return t
}

func repositoryList(c *cli.Context) error {
	ctx, cancel := requestContext(c, 0)
	defer cancel()

	var repos []*domain.RepositoryMetadata
	if err := newClient(c).Get(ctx, "/v1/repositories", &repos); err != nil {
		return err
	}
	return render(c, repositoryTable(repos))
}

func repositoryGet(c *cli.Context) error {
	a, err := args(c, "NAME")
	if err != nil {
		return err
	}
	ctx, cancel := requestContext(c, 0)
	defer cancel()

	var repo domain.RepositoryMetadata
	if err := newClient(c).Get(ctx, "/v1/repositories/"+url.PathEscape(a[0]), &repo); err != nil {
		return err
	}
	return render(c, repositoryTable{&repo})
}

func repositoryPut(c *cli.Context) error {
	a, err := args(c, "NAME")
	if err != nil {
		return err
	}
	settings, err := parseSettings(c.StringSlice("setting"))
	if err != nil {
		return err
	}
	ctx, cancel := requestContext(c, 0)
	defer cancel()

	var repo domain.RepositoryMetadata
	req := handler.PutRepositoryRequest{Name: a[0], Type: c.String("type"), Settings: settings}
	if err := newClient(c).Post(ctx, "/v1/repositories", req, &repo); err != nil {
		return err
	}
	return render(c, repositoryTable{&repo})
}

func repositoryDelete(c *cli.Context) error {
	a, err := args(c, "NAME")
	if err != nil {
		return err
	}
	ctx, cancel := requestContext(c, 0)
	defer cancel()

	if err := newClient(c).Post(ctx, "/v1/repositories/"+url.PathEscape(a[0])+"/delete", nil, nil); err != nil {
		return err
	}
	fmt.Fprintf(c.App.Writer, "repository %s deleted\n", a[0])
	return nil
}

func parseSettings(pairs []string) (map[string]string, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	settings := make(map[string]string, len(pairs))
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid setting %q (want KEY=VALUE)", p)
		}
		settings[k] = v
	}
	return settings, nil
}

func formatSettings(settings map[string]string) string {
	keys := make([]string, 0, len(settings))
	for k := range settings {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = k + "=" + settings[k]
	}
	return strings.Join(parts, ",")
}

func formatGeneration(gen int64) string {
	if gen == domain.NoGeneration {
		return "none"
	}
	return strconv.FormatInt(gen, 10)
}
