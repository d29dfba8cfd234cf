// Copyright 2024 LiveKit, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// 	http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/livekit/protocol/logger"

	"github.com/livekit/softphone/pkg/call"
	"github.com/livekit/softphone/pkg/config"
	"github.com/livekit/softphone/pkg/errors"
	"github.com/livekit/softphone/pkg/events"
	"github.com/livekit/softphone/pkg/history"
	"github.com/livekit/softphone/pkg/service"
	"github.com/livekit/softphone/version"
)

func main() {
	cmd := &cli.Command{
		Name:        "softphone",
		Usage:       "LiveKit Softphone",
		Version:     version.Version,
		Description: "SIP softphone registered against a PBX",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Usage:   "Softphone yaml config file",
				Sources: cli.EnvVars("SOFTPHONE_CONFIG_FILE"),
			},
			&cli.StringFlag{
				Name:    "config-body",
				Usage:   "Softphone yaml config body",
				Sources: cli.EnvVars("SOFTPHONE_CONFIG_BODY"),
			},
		},
		Commands: []*cli.Command{
			{
				Name:   "run",
				Usage:  "register and wait for calls",
				Action: runService,
			},
			{
				Name:      "call",
				Usage:     "register, dial a target and wait until the call ends",
				ArgsUsage: "<extension or number>",
				Flags: []cli.Flag{
					&cli.BoolFlag{
						Name:  "reprompt",
						Usage: "ask for microphone access again after an earlier denial",
					},
				},
				Action: runCall,
			},
			{
				Name:  "history",
				Usage: "print the call history",
				Flags: []cli.Flag{
					&cli.BoolFlag{
						Name:  "mark-seen",
						Usage: "mark missed calls as seen after printing",
					},
				},
				Action: printHistory,
			},
		},
		Action: runService,
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func notifySignals() chan os.Signal {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)
	return ch
}

func runService(ctx context.Context, c *cli.Command) error {
	conf, err := getConfig(c, true)
	if err != nil {
		return err
	}
	log := logger.GetLogger()

	svc, err := service.NewService(ctx, conf, log)
	if err != nil {
		return err
	}
	events.On(svc.Bus(), func(ev events.IncomingCall) {
		log.Infow("incoming call", "callID", ev.Call.ID, "from", ev.Call.Counterpart, "name", ev.Call.CallerName, "line", ev.Call.LineName)
	})
	events.On(svc.Bus(), func(ev events.CallEnded) {
		log.Infow("call ended", "callID", ev.Call.ID, "status", ev.Status)
	})

	stopChan := notifySignals()
	go func() {
		sig := <-stopChan
		log.Infow("exit requested, shutting down", "signal", sig)
		svc.Stop()
	}()

	err = svc.Run(ctx)
	svc.Stop()
	return err
}

func runCall(ctx context.Context, c *cli.Command) error {
	target := c.Args().First()
	if target == "" {
		return errors.InvalidTarget("call target is required")
	}
	conf, err := getConfig(c, true)
	if err != nil {
		return err
	}
	log := logger.GetLogger()

	svc, err := service.NewService(ctx, conf, log)
	if err != nil {
		return err
	}
	defer svc.Stop()

	if c.Bool("reprompt") {
		if err = svc.Media().Reprompt(ctx); err != nil {
			return err
		}
	}

	var regOnce, endOnce sync.Once
	registered := make(chan struct{})
	ended := make(chan struct{})
	events.On(svc.Bus(), func(ev events.ConnectionChanged) {
		if ev.State == call.Registered {
			regOnce.Do(func() { close(registered) })
		}
	})
	events.On(svc.Bus(), func(ev events.CallStateChanged) {
		log.Infow("call state", "state", ev.State, "callID", ev.Call.ID)
	})
	events.On(svc.Bus(), func(ev events.CallEnded) {
		log.Infow("call ended", "callID", ev.Call.ID, "status", ev.Status)
		endOnce.Do(func() { close(ended) })
	})

	runErr := make(chan error, 1)
	go func() {
		runErr <- svc.Run(ctx)
	}()

	stopChan := notifySignals()
	select {
	case <-registered:
	case err = <-runErr:
		return err
	case sig := <-stopChan:
		log.Infow("exit requested before registration", "signal", sig)
		return nil
	}

	ctrl := svc.Controller()
	if _, err = ctrl.Call(ctx, target); err != nil {
		return err
	}
	select {
	case <-ended:
	case sig := <-stopChan:
		log.Infow("exit requested, hanging up", "signal", sig)
		if err = ctrl.Hangup(ctx); err != nil {
			log.Warnw("hangup failed", err)
		}
	case err = <-runErr:
		return err
	}
	return nil
}

func printHistory(ctx context.Context, c *cli.Command) error {
	conf, err := getConfig(c, true)
	if err != nil {
		return err
	}
	svc, err := service.NewService(ctx, conf, logger.GetLogger())
	if err != nil {
		return err
	}
	defer svc.Stop()

	store := svc.History()
	_ = store.Sync(ctx, conf.History.SyncLimit)
	writeHistory(os.Stdout, store.Entries(ctx), store.MissedCount(ctx))
	if c.Bool("mark-seen") {
		store.MarkAllSeen(ctx)
	}
	return nil
}

func writeHistory(out io.Writer, entries []history.Entry, missed int) {
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "START\tDIRECTION\tFROM\tTO\tNAME\tSTATUS\tDURATION")
	for _, e := range entries {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			e.StartTime.Local().Format(time.DateTime),
			e.Direction,
			e.CallerNumber,
			e.CalledNumber,
			e.CallerName,
			e.Status,
			e.Duration.Round(time.Second),
		)
	}
	_ = w.Flush()
	fmt.Fprintf(out, "\n%d unseen missed call(s)\n", missed)
}

func getConfig(c *cli.Command, initialize bool) (*config.Config, error) {
	configFile := c.String("config")
	configBody := c.String("config-body")
	if configBody == "" {
		if configFile == "" {
			return nil, errors.ErrNoConfig
		}
		content, err := os.ReadFile(configFile)
		if err != nil {
			return nil, err
		}
		configBody = string(content)
	}

	conf, err := config.NewConfig(configBody)
	if err != nil {
		return nil, err
	}

	if initialize {
		err = conf.Init()
		if err != nil {
			return nil, err
		}
	}

	return conf, nil
}
