// Copyright 2025 Kadir Pekel
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Command loom runs the agent runtime.
//
// Usage:
//
//	loom serve --config loom.yaml
//	loom chat --config loom.yaml
//	loom validate --config loom.yaml
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/alecthomas/kong"

	"github.com/kadirpekel/loom"
	"github.com/kadirpekel/loom/pkg/config"
	"github.com/kadirpekel/loom/pkg/logger"
)

// CLI defines the command-line interface.
type CLI struct {
	Version  VersionCmd  `cmd:"" help:"Show version information."`
	Serve    ServeCmd    `cmd:"" help:"Start the A2A server."`
	Chat     ChatCmd     `cmd:"" help:"Chat with the agent in the terminal, no server."`
	Validate ValidateCmd `cmd:"" help:"Validate a configuration file."`

	Config    string `short:"c" help:"Path to config file." type:"path"`
	LogLevel  string `help:"Log level (debug, info, warn, error)." default:"info"`
	LogFile   string `help:"Log file path (empty = stderr)."`
	LogFormat string `help:"Log format (text or json)." default:"text"`
}

// VersionCmd shows version information.
type VersionCmd struct{}

func (c *VersionCmd) Run() error {
	fmt.Println(loom.GetVersion().String())
	return nil
}

// ValidateCmd loads and validates a configuration file.
type ValidateCmd struct{}

func (c *ValidateCmd) Run(cli *CLI) error {
	if cli.Config == "" {
		return fmt.Errorf("--config is required")
	}
	cfg, loader, err := config.Load(context.Background(), config.Options{Path: cli.Config})
	if err != nil {
		return err
	}
	loader.Stop()

	fmt.Printf("Configuration valid\n")
	fmt.Printf("  agent: %s\n", cfg.Agent.Name)
	fmt.Printf("  model: %s/%s\n", cfg.Model.Provider, cfg.Model.Name)
	fmt.Printf("  server: %s:%d\n", cfg.Server.Host, cfg.Server.Port)
	return nil
}

func initLogging(cli *CLI) (func(), error) {
	level, err := logger.ParseLevel(cli.LogLevel)
	if err != nil {
		return nil, err
	}

	format := logger.FormatText
	if cli.LogFormat == "json" {
		format = logger.FormatJSON
	}

	output := os.Stderr
	cleanup := func() {}
	if cli.LogFile != "" {
		f, closeFn, err := logger.OpenLogFile(cli.LogFile)
		if err != nil {
			return nil, err
		}
		output = f
		cleanup = closeFn
	}

	logger.Init(level, output, format)
	return cleanup, nil
}

func main() {
	var cli CLI
	ctx := kong.Parse(&cli,
		kong.Name("loom"),
		kong.Description("Distributed AI agent runtime speaking the A2A protocol."),
		kong.UsageOnError(),
	)

	cleanup, err := initLogging(&cli)
	ctx.FatalIfErrorf(err)
	defer cleanup()

	err = ctx.Run(&cli)
	ctx.FatalIfErrorf(err)
}
