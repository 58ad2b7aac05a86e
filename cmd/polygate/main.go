// Copyright 2025 The Polygate Authors
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

// Command polygate runs the multi-protocol AI gateway: it accepts OpenAI,
// Claude, and Gemini dialect requests, translates them to the Gemini
// upstream API, and balances the caller's API keys across quota windows.
package main

import (
	"fmt"
	"runtime/debug"

	"github.com/alecthomas/kong"

	"github.com/polygate/polygate"
	"github.com/polygate/polygate/pkg/config"
)

// version is stamped by the release build; dev builds fall back to module
// build info.
var version = "dev"

// CLI is the top-level command tree.
type CLI struct {
	Serve    ServeCmd    `cmd:"" default:"withargs" help:"Start the gateway (default)."`
	Validate ValidateCmd `cmd:"" help:"Validate a configuration file."`
	Schema   SchemaCmd   `cmd:"" help:"Print the configuration JSON schema."`
	Version  VersionCmd  `cmd:"" help:"Show version information."`

	LogLevel  string `help:"Override the configured log level (debug, info, warn, error)."`
	LogFormat string `help:"Override the configured log format (simple, verbose, json)."`
}

// VersionCmd shows version information.
type VersionCmd struct{}

func (c *VersionCmd) Run() error {
	info := polygate.GetVersion()
	info.Version = resolveVersion()
	fmt.Println(info.String())
	return nil
}

func resolveVersion() string {
	if version != "dev" {
		return version
	}
	if info, ok := debug.ReadBuildInfo(); ok {
		if info.Main.Version != "" && info.Main.Version != "(devel)" {
			return info.Main.Version
		}
	}
	return polygate.Version
}

func main() {
	// Pick up .env before anything reads configuration.
	_ = config.LoadEnvFiles()

	cli := CLI{}
	ctx := kong.Parse(&cli,
		kong.Name("polygate"),
		kong.Description("Multi-protocol AI gateway: OpenAI, Claude, and Gemini dialects over upstream Gemini keys."),
		kong.UsageOnError(),
	)
	ctx.FatalIfErrorf(ctx.Run(&cli))
}
