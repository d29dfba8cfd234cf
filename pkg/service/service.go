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

package service

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"path/filepath"
	"sync"
	"time"

	"github.com/frostbyte73/core"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/livekit/protocol/logger"

	"github.com/livekit/softphone/pkg/api"
	"github.com/livekit/softphone/pkg/audio"
	"github.com/livekit/softphone/pkg/config"
	"github.com/livekit/softphone/pkg/events"
	"github.com/livekit/softphone/pkg/history"
	"github.com/livekit/softphone/pkg/incoming"
	"github.com/livekit/softphone/pkg/phone"
	"github.com/livekit/softphone/pkg/push"
	"github.com/livekit/softphone/pkg/sip"
	"github.com/livekit/softphone/pkg/stats"
	"github.com/livekit/softphone/pkg/store"
	"github.com/livekit/softphone/version"
)

const (
	dbFile = "softphone.db"

	pushRetryDelay = 5 * time.Second
	stopTimeout    = 5 * time.Second
)

type Service struct {
	conf *config.Config
	log  logger.Logger

	mon     *stats.Monitor
	db      *store.Store
	media   *audio.Manager
	api     *api.Client
	history *history.Store
	agent   *sip.Client
	ctrl    *phone.Controller
	push    *push.Client

	promServer *http.Server

	shutdown core.Fuse
	stopOnce sync.Once
}

// NewService builds every component from conf. Nothing touches the network
// before Run.
func NewService(ctx context.Context, conf *config.Config, log logger.Logger) (*Service, error) {
	if log == nil {
		log = logger.GetLogger()
	}
	s := &Service{
		conf: conf,
		log:  log,
	}

	mon, err := stats.NewMonitor(conf)
	if err != nil {
		return nil, err
	}
	if conf.PrometheusPort > 0 {
		if err = mon.Start(conf); err != nil {
			return nil, err
		}
		s.promServer = &http.Server{
			Addr:    fmt.Sprintf(":%d", conf.PrometheusPort),
			Handler: promhttp.Handler(),
		}
	}
	s.mon = mon

	var (
		flags audio.FlagStore = audio.NewMemoryFlags()
		local history.Log     = history.NewMemoryLog()
	)
	if conf.DataDir != "" {
		s.db, err = store.Open(ctx, filepath.Join(conf.DataDir, dbFile))
		if err != nil {
			mon.Stop()
			return nil, err
		}
		flags, local = s.db.Flags(), s.db.History()
	}

	platform := &audio.WebRTCPlatform{Secure: true}
	if conf.Audio.Deny {
		platform.Consent = func(ctx context.Context) error {
			return audio.ErrConsentDenied
		}
	}
	s.media = audio.NewManager(log, platform, flags, mon)

	s.api = api.NewClient(conf.API, log, mon)
	s.history = history.NewStore(log, s.api, local, mon)
	s.history.SetIdentity(history.Identity{
		Extension: conf.Account.Extension,
		UserID:    conf.History.UserID,
		Username:  conf.History.Username,
	})

	s.agent = sip.NewClient(conf.SIP, log, mon, nil)
	s.ctrl, err = phone.NewController(phone.Params{
		Log:      log,
		Agent:    s.agent,
		Media:    s.media,
		History:  s.history,
		Incoming: incoming.NewHandler(log, s.api, conf.Incoming.CorrelationWindow),
		Bus:      events.NewBus(),
		Monitor:  mon,
	})
	if err != nil {
		_ = s.db.Close()
		mon.Stop()
		return nil, err
	}
	s.push = push.NewClient(conf.API, log, s.ctrl.HandlePush)
	return s, nil
}

func (s *Service) Controller() *phone.Controller {
	return s.ctrl
}

func (s *Service) Media() *audio.Manager {
	return s.media
}

func (s *Service) History() *history.Store {
	return s.history
}

func (s *Service) Bus() *events.Bus {
	return s.ctrl.Bus()
}

// Run starts signaling, registers, and keeps the push channel and metrics
// endpoint up until ctx ends or Stop is called.
func (s *Service) Run(ctx context.Context) error {
	s.log.Debugw("starting service", "version", version.Version)
	if err := s.agent.Start(nil); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, ctx := errgroup.WithContext(ctx)

	if s.promServer != nil {
		ln, err := net.Listen("tcp", s.promServer.Addr)
		if err != nil {
			return err
		}
		g.Go(func() error {
			if err := s.promServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			return s.promServer.Close()
		})
	}

	g.Go(func() error {
		return s.ctrl.Connect(ctx, s.conf.Account)
	})
	g.Go(func() error {
		// Failures are logged by the store; the local log still serves entries.
		_ = s.history.Sync(ctx, s.conf.History.SyncLimit)
		return nil
	})
	if s.push.Enabled() {
		g.Go(func() error {
			s.keepPush(ctx)
			return nil
		})
	}
	g.Go(func() error {
		select {
		case <-s.shutdown.Watch():
			s.log.Infow("shutting down")
			cancel()
		case <-ctx.Done():
		}
		return nil
	})

	s.log.Debugw("service ready")
	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	return err
}

// keepPush reconnects the push channel after a fixed delay whenever it drops.
func (s *Service) keepPush(ctx context.Context) {
	for {
		if err := s.push.Connect(ctx); err != nil {
			s.log.Warnw("push channel unavailable", err, "retryIn", pushRetryDelay)
		} else {
			select {
			case <-s.push.Done():
				s.log.Infow("push channel closed")
			case <-ctx.Done():
				return
			}
		}
		select {
		case <-time.After(pushRetryDelay):
		case <-ctx.Done():
			return
		}
	}
}

// Stop hangs up, unregisters and releases every component. It is safe to
// call more than once and without Run.
func (s *Service) Stop() {
	s.shutdown.Break()
	s.stopOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), stopTimeout)
		defer cancel()

		if err := s.ctrl.Disconnect(ctx); err != nil {
			s.log.Warnw("cannot unregister", err)
		}
		if err := s.push.Close(); err != nil {
			s.log.Debugw("cannot close push channel", "error", err)
		}
		s.ctrl.Close()
		if err := s.agent.Close(); err != nil {
			s.log.Warnw("cannot close signaling", err)
		}
		s.history.Wait()
		if err := s.db.Close(); err != nil {
			s.log.Warnw("cannot close store", err)
		}
		s.mon.Stop()
	})
}
