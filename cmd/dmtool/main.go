// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

// Command dmtool is a debug front-end for the mapped-device engine:
// it exercises the target table builder, the dependency tree, and
// the activation planner against an in-memory FakeBackend, without
// touching any real kernel device. It is not a replacement for a
// volume-group management tool -- it has no config-file parser and
// no notion of persistence.
package main

import (
	"context"
	"os"

	"github.com/datawire/dlib/dgroup"
	"github.com/datawire/dlib/dlog"
	"github.com/datawire/ocibuild/pkg/cliutil"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/zjc5415/lvm2/lib/dmkernel"
	"github.com/zjc5415/lvm2/lib/profile"
	"github.com/zjc5415/lvm2/lib/textui"
)

type logLevelFlag struct {
	logrus.Level
}

func (lvl *logLevelFlag) Type() string { return "loglevel" }
func (lvl *logLevelFlag) Set(str string) error {
	var err error
	lvl.Level, err = logrus.ParseLevel(str)
	return err
}

var _ pflag.Value = (*logLevelFlag)(nil)

// subcommand is the narrowed RunE signature every dmtool subcommand
// implements: it receives a ready-to-use dlog-carrying context and
// never touches cobra's own plumbing directly.
type subcommand struct {
	cobra.Command
	RunE func(ctx context.Context, cmd *cobra.Command, args []string) error
}

var subcommands []subcommand

func main() {
	logLevel := logLevelFlag{Level: logrus.InfoLevel}
	var dmDir string

	argparser := &cobra.Command{
		Use:   "dmtool {[flags]|SUBCOMMAND}",
		Short: "Exercise the mapped-device engine against a fake kernel boundary",

		Args: cliutil.WrapPositionalArgs(cliutil.OnlySubcommands),
		RunE: cliutil.RunSubcommands,

		SilenceErrors: true,
		SilenceUsage:  true,

		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
	}
	argparser.SetFlagErrorFunc(cliutil.FlagErrorFunc)
	argparser.SetHelpTemplate(cliutil.HelpTemplate)
	argparser.PersistentFlags().Var(&logLevel, "verbosity", "set the verbosity")
	argparser.PersistentFlags().StringVar(&dmDir, "dm-dir", dmkernel.DefaultDMDir, "device directory used by log messages")
	stopProfiling := profile.AddProfileFlags(argparser.PersistentFlags(), "profile-")
	defer func() { _ = stopProfiling() }()

	for _, sub := range subcommands {
		cmd := sub.Command
		runE := sub.RunE
		cmd.RunE = func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			logger := logrus.New()
			logger.SetLevel(logLevel.Level)
			ctx = dlog.WithLogger(ctx, dlog.WrapLogrus(logger))

			dmkernel.SetConfig(dmkernel.Config{
				DMDir:   dmDir,
				Verbose: int(logLevel.Level),
				LogCallback: func(level int, file string, line int, format string, args ...any) {
					dlog.Debugf(ctx, format, args...)
				},
			})

			grp := dgroup.NewGroup(ctx, dgroup.GroupConfig{
				EnableSignalHandling: true,
			})
			grp.Go("main", func(ctx context.Context) error {
				cmd.SetContext(ctx)
				return runE(ctx, cmd, args)
			})
			return grp.Wait()
		}
		argparser.AddCommand(&cmd)
	}

	if err := argparser.ExecuteContext(context.Background()); err != nil {
		textui.Fprintf(os.Stderr, "%v: error: %v\n", argparser.CommandPath(), err)
		os.Exit(1)
	}
}
