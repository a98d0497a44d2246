package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"clawbernetes/internal/rpc"
	"clawbernetes/pkg/config"

	"github.com/spf13/cobra"
	"github.com/tidwall/pretty"
)

// Exit codes
const (
	exitOK         = 0
	exitFailure    = 1
	exitInvalidArg = 2
	exitConnection = 3
)

// usageError marks locally detected invalid arguments.
type usageError struct{ err error }

func (e *usageError) Error() string { return e.err.Error() }
func (e *usageError) Unwrap() error { return e.err }

func usagef(format string, args ...interface{}) error {
	return &usageError{err: fmt.Errorf(format, args...)}
}

type cli struct {
	gatewayURL string
	token      string
	timeout    time.Duration
	raw        bool

	client *rpc.Client
	out    io.Writer
}

func main() {
	os.Exit(execute(os.Args[1:], os.Stdout, os.Stderr))
}

func execute(args []string, stdout, stderr io.Writer) int {
	c := &cli{out: stdout}
	root := c.rootCmd()
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)

	err := root.Execute()
	if err == nil {
		return exitOK
	}
	fmt.Fprintln(stderr, "error:", err)
	return exitCode(err)
}

func exitCode(err error) int {
	var (
		ue     *usageError
		rpcErr *rpc.Error
	)
	switch {
	case errors.Is(err, rpc.ErrConnection):
		return exitConnection
	case errors.As(err, &ue), strings.HasPrefix(err.Error(), "unknown command"):
		return exitInvalidArg
	case errors.As(err, &rpcErr):
		switch rpcErr.Code {
		case rpc.CodeInvalidParams, rpc.CodeInvalidRequest, rpc.CodeParseError, rpc.CodeMethodNotFound:
			return exitInvalidArg
		}
		return exitFailure
	default:
		return exitFailure
	}
}

func (c *cli) rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "clawctl",
		Short:         "Administer a Clawbernetes gateway",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			client, err := rpc.NewClient(c.gatewayURL, c.token, c.timeout)
			if err != nil {
				return &usageError{err: err}
			}
			c.client = client
			return nil
		},
	}
	root.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return &usageError{err: err}
	})

	gatewayURL := os.Getenv("GATEWAY_URL")
	if gatewayURL == "" {
		gatewayURL = config.DefaultGatewayURL
	}
	flags := root.PersistentFlags()
	flags.StringVar(&c.gatewayURL, "gateway-url", gatewayURL, "gateway URL (env GATEWAY_URL)")
	flags.StringVar(&c.token, "token", os.Getenv("AUTH_TOKEN"), "bearer token (env AUTH_TOKEN)")
	flags.DurationVar(&c.timeout, "timeout", 30*time.Second, "request timeout")
	flags.BoolVar(&c.raw, "raw", false, "print compact JSON")

	root.AddCommand(
		c.statusCmd(),
		c.nodeCmd(),
		c.workloadCmd(),
		c.metricsCmd(),
		c.logsCmd(),
		c.alertCmd(),
	)
	return root
}

// call invokes method and prints its result.
func (c *cli) call(ctx context.Context, method string, params interface{}) error {
	if ctx == nil {
		ctx = context.Background()
	}
	var result json.RawMessage
	if err := c.client.Call(ctx, method, params, &result); err != nil {
		return err
	}
	return c.print(result)
}

func (c *cli) print(result json.RawMessage) error {
	if len(result) == 0 {
		result = json.RawMessage("null")
	}
	var out []byte
	if c.raw {
		out = pretty.Ugly(result)
	} else {
		out = pretty.Pretty(result)
	}
	if len(out) == 0 || out[len(out)-1] != '\n' {
		out = append(out, '\n')
	}
	_, err := c.out.Write(out)
	return err
}

// exactArgs validates positional arguments as usage errors.
func exactArgs(n int, names ...string) cobra.PositionalArgs {
	return func(_ *cobra.Command, args []string) error {
		if len(args) != n {
			return usagef("expected %d argument(s) %v, got %d", n, names, len(args))
		}
		return nil
	}
}
