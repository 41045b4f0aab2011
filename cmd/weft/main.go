// Copyright 2026 Weft Labs
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//	http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// weft is the command-line entry point for the agent interconnect
// fabric: key management, a demo fabric, and version info.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/weft-labs/weft/internal/log"
	"github.com/weft-labs/weft/pkg/capability"
	"github.com/weft-labs/weft/pkg/fabric"
	"github.com/weft-labs/weft/pkg/identity"
	"github.com/weft-labs/weft/pkg/message"
	"github.com/weft-labs/weft/pkg/registry"
)

var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:           "weft",
		Short:         "Decentralized agent interconnect fabric",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config file")

	root.AddCommand(newVersionCmd())
	root.AddCommand(newKeygenCmd())
	root.AddCommand(newConfigCmd(&configPath))
	root.AddCommand(newDemoCmd(&configPath))
	return root
}

func newConfigCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := fabric.LoadConfig(*configPath)
			if err != nil {
				return err
			}
			out, err := yaml.Marshal(cfg)
			if err != nil {
				return err
			}
			fmt.Fprint(cmd.OutOrStdout(), string(out))
			return nil
		},
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the weft version",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "weft %s\n", version)
		},
	}
}

func newKeygenCmd() *cobra.Command {
	var keyDir string

	cmd := &cobra.Command{
		Use:   "keygen <agent-id>",
		Short: "Generate an agent identity and store its key material",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			agentID := args[0]
			ident, err := identity.CreateKeyBased()
			if err != nil {
				return err
			}

			store, err := identity.NewFileKeyStore(keyDir)
			if err != nil {
				return err
			}
			material, err := identity.ExportMaterial(ident)
			if err != nil {
				return err
			}
			if err := store.Save(agentID, material); err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "agent:\t%s\ndid:\t%s\nkeys:\t%s\n", agentID, ident.DID, keyDir)
			return nil
		},
	}
	cmd.Flags().StringVar(&keyDir, "dir", "keys", "directory for key material")
	return cmd
}

// newDemoCmd spins up a tiny fabric with two echo agents and routes one
// request/response pair through it.
func newDemoCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "demo",
		Short: "Run a two-agent demo fabric",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := fabric.LoadConfig(*configPath)
			if err != nil {
				return err
			}
			logger, err := log.New(cfg.LogLevel, cfg.Development)
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			f, err := fabric.New(fabric.Options{Config: cfg, Logger: logger})
			if err != nil {
				return err
			}
			defer func() {
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = f.Stop(ctx)
			}()

			if _, err := f.SpawnAgent(fabric.AgentSpec{
				ID: "echo",
				Capabilities: []capability.Capability{
					{Name: "echo", Description: "repeat any message back to its sender"},
				},
			}); err != nil {
				return err
			}

			clientIdent, err := identity.CreateKeyBased()
			if err != nil {
				return err
			}
			if _, err := f.Hub().Register(&registry.Registration{
				AgentID:  "demo-client",
				Identity: clientIdent,
			}, 0); err != nil {
				return err
			}

			found, err := f.Discover("demo-client", "repeat a message back", 1)
			if err != nil {
				return err
			}
			if len(found) == 0 {
				return fmt.Errorf("no agent found for the demo capability")
			}
			target := found[0].Registration.AgentID
			logger.Info("discovered agent",
				zap.String("agent_id", target),
				zap.Float64("score", found[0].Score))

			req, err := message.New("demo-client", target, "hello from the demo",
				message.KindText, message.Metadata{RequestID: uuid.NewString()}, clientIdent)
			if err != nil {
				return err
			}
			resp, _, err := f.Hub().SendAndWait(cmd.Context(), req, 5*time.Second)
			if err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "%s replied: %s\n", resp.SenderID, resp.Content)
			return nil
		},
	}
}
