// Package cli is the validator command line: one-shot ticks, housekeeping and health checks for
// external schedulers, job submission and polling, run export, subject registration and the daemon.
package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/spf13/cobra"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"

	"github.com/joseph-ayodele/specsheet-validator/internal/app"
	"github.com/joseph-ayodele/specsheet-validator/internal/common"
	"github.com/joseph-ayodele/specsheet-validator/internal/server"
)

// ErrUnhealthy is returned by the health command when the check reports a degraded pipeline.
var ErrUnhealthy = errors.New("pipeline unhealthy")

type options struct {
	configFile string
	envFile    string

	cfg    *common.Config
	logger *slog.Logger

	// newApp is replaced in tests.
	newApp func(ctx context.Context, cfg *common.Config, logger *slog.Logger) (*app.App, error)
}

func BuildCLI() *cobra.Command {
	o := &options{newApp: app.New}

	rootCmd := &cobra.Command{
		Use:           "validator",
		Short:         "Specification-sheet validator: asynchronous analysis jobs",
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := common.LoadConfig(o.configFile, o.envFile)
			if err != nil {
				return err
			}
			o.cfg = cfg
			o.logger = app.NewLogger(cfg.Log, cmd.ErrOrStderr())
			slog.SetDefault(o.logger)
			return nil
		},
	}

	rootCmd.PersistentFlags().StringVarP(&o.configFile, "config", "c", "", "YAML config file")
	rootCmd.PersistentFlags().StringVar(&o.envFile, "env-file", ".env", "dotenv file loaded before the environment")

	rootCmd.AddCommand(buildTickCommand(o))
	rootCmd.AddCommand(buildHousekeepCommand(o))
	rootCmd.AddCommand(buildHealthCommand(o))
	rootCmd.AddCommand(buildEnqueueCommand(o))
	rootCmd.AddCommand(buildProgressCommand(o))
	rootCmd.AddCommand(buildRunsCommand(o))
	rootCmd.AddCommand(buildSubjectCommand(o))
	rootCmd.AddCommand(buildServeCommand(o))

	return rootCmd
}

// withApp builds the pipeline for one command and closes it afterwards.
func (o *options) withApp(ctx context.Context, fn func(a *app.App) error) error {
	a, err := o.newApp(ctx, o.cfg, o.logger)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(a)
}

// withClient dials a running daemon's gRPC surface.
func withClient(addr string, fn func(c *server.AnalysisClient) error) error {
	cc, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return fmt.Errorf("dial %s: %w", addr, err)
	}
	defer func(cc *grpc.ClientConn) {
		_ = cc.Close()
	}(cc)
	return fn(server.NewAnalysisClient(cc))
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printProto(w io.Writer, m proto.Message) error {
	b, err := protojson.MarshalOptions{Multiline: true, Indent: "  "}.Marshal(m)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(b))
	return err
}
