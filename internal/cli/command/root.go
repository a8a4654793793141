package command

import (
	"context"
	"crypto/tls"
	"fmt"
	"strings"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/yndnr/snapkeep-go/internal/cli/connection"
	"github.com/yndnr/snapkeep-go/internal/cli/output"
	"github.com/yndnr/snapkeep-go/internal/infra/buildinfo"
	"github.com/yndnr/snapkeep-go/internal/infra/tlsroots"
)

// App creates the CLI application.
func App() *cli.App {
	return &cli.App{
		Name:    "snapkeep-cli",
		Usage:   "SnapKeep snapshot repository management tool",
		Version: buildinfo.String(),
		Flags:   globalFlags(),
		Commands: []*cli.Command{
			RepositoryCommand(),
			SnapshotCommand(),
			ClusterCommand(),
		},
		Before: func(c *cli.Context) error {
			if _, err := output.ParseFormat(c.String("output")); err != nil {
				return err
			}
			if ca := c.String("ca-file"); ca != "" {
				tlsCfg, err := tlsroots.ClientConfig(ca)
				if err != nil {
					return fmt.Errorf("--ca-file: %w", err)
				}
				if c.App.Metadata == nil {
					c.App.Metadata = map[string]any{}
				}
				c.App.Metadata[tlsMetadataKey] = tlsCfg
			}
			return nil
		},
	}
}

const tlsMetadataKey = "tls"

// globalFlags returns the global CLI flags.
func globalFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:    "server",
			Aliases: []string{"s"},
			Usage:   "SnapKeep server address (e.g., localhost:5080, https://host:5080, unix:///run/snapkeep.sock)",
			EnvVars: []string{"SNAPKEEP_SERVER"},
			Value:   "localhost:5080",
		},
		&cli.StringFlag{
			Name:    "output",
			Aliases: []string{"o"},
			Usage:   "Output format: table, json, yaml",
			EnvVars: []string{"SNAPKEEP_OUTPUT"},
			Value:   "table",
		},
		&cli.DurationFlag{
			Name:  "request-timeout",
			Usage: "Per-request timeout",
			Value: 30 * time.Second,
		},
		&cli.BoolFlag{
			Name:  "no-redirect",
			Usage: "Do not retry writes against the leader",
		},
		&cli.StringFlag{
			Name:    "ca-file",
			Usage:   "PEM CA bundle trusted for https servers, besides the system roots",
			EnvVars: []string{"SNAPKEEP_CA_FILE"},
		},
	}
}

// newClient builds an API client from the global flags. Deadlines come
// from requestContext.
func newClient(c *cli.Context) *connection.Client {
	opts := []connection.Option{connection.WithTimeout(0)}
	if c.Bool("no-redirect") {
		opts = append(opts, connection.WithoutLeaderRedirect())
	}
	if tlsCfg, ok := c.App.Metadata[tlsMetadataKey].(*tls.Config); ok {
		opts = append(opts, connection.WithTLSConfig(tlsCfg))
	}
	return connection.NewClient(c.String("server"), opts...)
}

// render writes data in the selected output format.
func render(c *cli.Context, data any) error {
	format, err := output.ParseFormat(c.String("output"))
	if err != nil {
		return err
	}
	return output.NewFormatter(format).Format(c.App.Writer, data)
}

// requestContext bounds one command by the request timeout extended by
// wait. A negative wait blocks without a deadline.
func requestContext(c *cli.Context, wait time.Duration) (context.Context, context.CancelFunc) {
	d := c.Duration("request-timeout")
	if wait > 0 {
		d += wait
	}
	if d <= 0 || wait < 0 {
		return context.WithCancel(c.Context)
	}
	return context.WithTimeout(c.Context, d)
}

// args returns exactly n positional arguments.
func args(c *cli.Context, names ...string) ([]string, error) {
	if c.NArg() != len(names) {
		return nil, fmt.Errorf("usage: %s %s", c.Command.FullName(), strings.Join(names, " "))
	}
	return c.Args().Slice(), nil
}
