// go-fwflash
// Copyright (c) 2025 The Zaparoo Project Contributors.
// SPDX-License-Identifier: LGPL-3.0-or-later
//
// This file is part of go-fwflash.
//
// go-fwflash is free software; you can redistribute it and/or
// modify it under the terms of the GNU Lesser General Public
// License as published by the Free Software Foundation; either
// version 3 of the License, or (at your option) any later version.
//
// go-fwflash is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the GNU
// Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with go-fwflash; if not, write to the Free Software Foundation,
// Inc., 51 Franklin Street, Fifth Floor, Boston, MA  02110-1301, USA.

// Command fwflash inspects, packs and flashes firmware containers.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	fwflash "github.com/ZaparooProject/go-fwflash"
	"github.com/ZaparooProject/go-fwflash/detection"
	// Import detectors and families to register them
	_ "github.com/ZaparooProject/go-fwflash/detection/hid"
	_ "github.com/ZaparooProject/go-fwflash/detection/i2c"
	_ "github.com/ZaparooProject/go-fwflash/detection/uart"
	_ "github.com/ZaparooProject/go-fwflash/detection/usb"
	_ "github.com/ZaparooProject/go-fwflash/family/genericbl"
	"github.com/ZaparooProject/go-fwflash/internal/config"
	"github.com/sirupsen/logrus"
)

const usage = `usage: fwflash [-config file] [-verbose] <command> [arguments]

commands:
  info <file>                      show a firmware container
  pack -o out -vid V -pid P <bin>  wrap a raw binary in a container
  flash [-transport t] <file>      write a container to a device
        [-allow-older] [-allow-reinstall]
  history [-device id]             list past updates
  history block|unblock <digest>   manage the firmware blocklist
  ports                            list candidate devices
`

var errUsage = errors.New("invalid usage")

// app carries what every command needs.
type app struct {
	cfg *config.Config
	out *Output
	log *logrus.Logger
}

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		_, _ = fmt.Fprint(os.Stderr, "\nCancelling at the next safe point...\n")
		cancel()
	}()

	if run(ctx, os.Args[1:], os.Stdout, os.Stderr) != 0 {
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	flags := flag.NewFlagSet("fwflash", flag.ContinueOnError)
	flags.SetOutput(stderr)
	flags.Usage = func() { _, _ = fmt.Fprint(stderr, usage) }
	configPath := flags.String("config", "", "configuration file (default: user config dir)")
	verbose := flags.Bool("verbose", false, "enable debug logging")
	if err := flags.Parse(args); err != nil {
		return 2
	}
	if flags.NArg() == 0 {
		flags.Usage()
		return 2
	}

	log := newLogger(stderr, *verbose)
	fwflash.SetLogger(log)
	detection.SetLogger(log)

	cfg, err := config.Load(*configPath)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "error: %v\n", err)
		return 1
	}
	a := &app{cfg: cfg, out: NewOutput(stdout, *verbose), log: log}

	cmd, rest := flags.Arg(0), flags.Args()[1:]
	switch cmd {
	case "info":
		err = a.info(rest)
	case "pack":
		err = a.pack(rest)
	case "flash":
		err = a.flash(ctx, rest)
	case "history":
		err = a.history(ctx, rest)
	case "ports":
		err = a.ports(ctx, rest)
	default:
		err = fmt.Errorf("unknown command %q: %w", cmd, errUsage)
	}

	switch {
	case err == nil:
		return 0
	case errors.Is(err, errUsage), errors.Is(err, flag.ErrHelp):
		if !errors.Is(err, flag.ErrHelp) {
			_, _ = fmt.Fprintf(stderr, "error: %v\n", err)
		}
		flags.Usage()
		return 2
	default:
		_, _ = fmt.Fprintf(stderr, "error: %v\n", err)
		return 1
	}
}

func newLogger(w io.Writer, verbose bool) *logrus.Logger {
	log := logrus.New()
	log.SetOutput(w)
	log.SetFormatter(&logrus.TextFormatter{
		DisableTimestamp: !verbose,
		FullTimestamp:    true,
	})
	log.SetLevel(logrus.InfoLevel)
	if verbose {
		log.SetLevel(logrus.DebugLevel)
	}
	return log
}
