/*
Copyright 2026 Portcullis Authors

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Command portcullis is the gateway binary and its operations CLI.
// "serve" runs the gateway itself; the other verbs manage routing,
// policies and stays against the same policy store.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/alecthomas/kingpin/v2"
	"github.com/gravitational/trace"

	"github.com/pawelmojski/portcullis"
	"github.com/pawelmojski/portcullis/lib/config"
	"github.com/pawelmojski/portcullis/lib/service"
	"github.com/pawelmojski/portcullis/lib/store"
)

// cliCommand is one verb group plugged into the kingpin parser.
type cliCommand interface {
	// Initialize registers the command's clauses and flags.
	Initialize(app *kingpin.Application)

	// TryRun executes the command when cmd names one of its clauses.
	TryRun(ctx context.Context, cmd string, st *store.Store) (match bool, err error)
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	if err := run(ctx, os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, "error:", trace.UserMessage(err))
		os.Exit(exitCode(err))
	}
}

func run(ctx context.Context, args []string) error {
	app := kingpin.New("portcullis", "Policy-enforcing SSH and RDP gateway.")
	app.Version(portcullis.Version)
	app.Terminate(nil)
	app.UsageWriter(os.Stderr)

	serve := app.Command("serve", "Run the gateway until interrupted.")
	commands := []cliCommand{
		&AllocCommand{},
		&PolicyCommand{},
		&StayCommand{},
		&TranscodeCommand{},
	}
	for _, c := range commands {
		c.Initialize(app)
	}

	selected, err := app.Parse(args)
	if err != nil {
		return trace.BadParameter("%s", err)
	}

	if selected == serve.FullCommand() {
		return trace.Wrap(onServe(ctx))
	}

	st, err := connectStore(ctx)
	if err != nil {
		return trace.Wrap(err)
	}
	defer st.Close()
	for _, c := range commands {
		match, err := c.TryRun(ctx, selected, st)
		if err != nil {
			return trace.Wrap(err)
		}
		if match {
			return nil
		}
	}
	return trace.BadParameter("unknown command %q", selected)
}

func onServe(ctx context.Context) error {
	cfg, err := config.FromEnv(ctx)
	if err != nil {
		return trace.Wrap(err)
	}
	process, err := service.New(ctx, cfg)
	if err != nil {
		return trace.Wrap(err)
	}
	return trace.Wrap(process.Run(ctx))
}

// connectStore opens the policy store for the management verbs. They
// need only DB_URL; the full serve configuration is not required.
func connectStore(ctx context.Context) (*store.Store, error) {
	url := os.Getenv("DB_URL")
	if url == "" {
		return nil, trace.BadParameter("DB_URL is required")
	}
	st, err := store.New(ctx, store.Config{URL: url})
	return st, trace.Wrap(err)
}

// actor names the operator in audit rows written by the CLI.
func actor() string {
	if u := os.Getenv("USER"); u != "" {
		return u
	}
	return "operator"
}

// exitCode maps an error to the CLI exit-code contract: 0 success,
// 2 usage, 3 policy violation, 4 not found, 5 conflict, 1 other.
func exitCode(err error) int {
	switch {
	case err == nil:
		return 0
	case trace.IsBadParameter(err):
		return 2
	case trace.IsAccessDenied(err):
		return 3
	case trace.IsNotFound(err):
		return 4
	case trace.IsAlreadyExists(err), trace.IsCompareFailed(err):
		return 5
	default:
		return 1
	}
}
