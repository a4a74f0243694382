/*
 * Copyright 2019 The CovenantSQL Authors.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *    http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package main

import (
	"context"
	"net"
	"net/http"

	"github.com/gorilla/handlers"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/CovenantSQL/litepool/client"
	"github.com/CovenantSQL/litepool/conf"
	"github.com/CovenantSQL/litepool/engine"
	"github.com/CovenantSQL/litepool/metric"
	"github.com/CovenantSQL/litepool/utils/log"
)

// Server serves the configured databases over http.
type Server struct {
	cfg      *conf.Config
	registry *client.Registry
	server   *http.Server
}

// NewServer loads configFile, opens every configured database and prepares the http server.
func NewServer(configFile string, listenAddr string) (s *Server, err error) {
	var cfg *conf.Config
	if cfg, err = conf.LoadConfig(configFile); err != nil {
		return
	}
	if listenAddr != "" {
		cfg.ListenAddr = listenAddr
	}
	log.SetStringLevel(cfg.LogLevel, logrus.InfoLevel)
	return newServerWithConfig(cfg, prometheus.NewRegistry())
}

func newServerWithConfig(cfg *conf.Config, reg *prometheus.Registry) (s *Server, err error) {
	pool := engine.NewPool()
	s = &Server{
		cfg:      cfg,
		registry: client.NewRegistry(pool),
	}
	for i := range cfg.Databases {
		d := &cfg.Databases[i]
		if _, err = s.registry.Open(d.Name, d); err != nil {
			_ = s.registry.CloseAll()
			return
		}
	}

	if err = metric.Register(reg, metric.NewPoolCollector(pool)); err != nil {
		_ = s.registry.CloseAll()
		return
	}

	router := newRouter(s.registry)
	router.Handle(cfg.MetricsPath, promhttp.HandlerFor(reg, promhttp.HandlerOpts{})).Methods(http.MethodGet)

	handler := handlers.CORS()(handlers.RecoveryHandler(handlers.PrintRecoveryStack(true))(router))
	s.server = &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: handler,
	}
	return
}

// Serve binds the listen address and serves in background.
func (s *Server) Serve() (err error) {
	var listener net.Listener
	if listener, err = net.Listen("tcp", s.cfg.ListenAddr); err != nil {
		return
	}
	log.WithField("addr", listener.Addr().String()).Info("litepoold listening")

	go func() {
		if err := s.server.Serve(listener); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Error("serve http failed")
		}
	}()
	return
}

// Shutdown stops the http server and closes every database.
func (s *Server) Shutdown(ctx context.Context) {
	if s.server != nil {
		if err := s.server.Shutdown(ctx); err != nil {
			log.WithError(err).Warning("shutdown http server failed")
		}
	}
	if err := s.registry.CloseAll(); err != nil {
		log.WithError(err).Warning("close databases failed")
	}
}
