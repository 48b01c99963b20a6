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

// Package sshutils contains the plumbing shared by the proxy
// front-ends: the generic accept loop, host key persistence, and SSH
// wire payload parsing.
package sshutils

import (
	"context"
	"net"
	"sync"

	"github.com/gravitational/trace"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"

	"github.com/pawelmojski/portcullis/lib/defaults"
)

// ConnectionHandler serves one accepted connection. The handler owns
// the connection and must close it.
type ConnectionHandler interface {
	HandleConnection(ctx context.Context, conn net.Conn)
}

// ConnectionHandlerFunc is an adapter to use a function as a
// ConnectionHandler.
type ConnectionHandlerFunc func(ctx context.Context, conn net.Conn)

// HandleConnection calls f.
func (f ConnectionHandlerFunc) HandleConnection(ctx context.Context, conn net.Conn) {
	f(ctx, conn)
}

// ServerConfig holds accept loop parameters.
type ServerConfig struct {
	// Listener is the bound socket to accept on.
	Listener net.Listener

	// Handler serves accepted connections.
	Handler ConnectionHandler

	// MaxConnections caps connections served concurrently; further
	// accepts are closed immediately.
	MaxConnections int64

	// Log is an optional logger override.
	Log *logrus.Entry
}

// CheckAndSetDefaults makes sure all required parameters are passed in.
func (c *ServerConfig) CheckAndSetDefaults() error {
	if c.Listener == nil {
		return trace.BadParameter("missing parameter Listener")
	}
	if c.Handler == nil {
		return trace.BadParameter("missing parameter Handler")
	}
	if c.MaxConnections == 0 {
		c.MaxConnections = defaults.MaxProxyConnections
	}
	if c.Log == nil {
		c.Log = logrus.NewEntry(logrus.StandardLogger())
	}
	return nil
}

// Server runs one accept loop over one listener.
type Server struct {
	cfg ServerConfig
	log *logrus.Entry
	sem *semaphore.Weighted

	closeCtx context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// NewServer creates a server around a bound listener.
func NewServer(cfg ServerConfig) (*Server, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		cfg:      cfg,
		log:      cfg.Log,
		sem:      semaphore.NewWeighted(cfg.MaxConnections),
		closeCtx: ctx,
		cancel:   cancel,
	}, nil
}

// Addr returns the listener address.
func (s *Server) Addr() net.Addr {
	return s.cfg.Listener.Addr()
}

// Serve accepts connections until the server is closed. Each accepted
// connection runs on its own goroutine under the connection cap.
func (s *Server) Serve() error {
	for {
		conn, err := s.cfg.Listener.Accept()
		if err != nil {
			select {
			case <-s.closeCtx.Done():
				return nil
			default:
			}
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			return trace.Wrap(err)
		}
		if !s.sem.TryAcquire(1) {
			s.log.WithField("remote", conn.RemoteAddr()).Warn("Connection limit reached, rejecting.")
			conn.Close()
			continue
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer s.sem.Release(1)
			s.cfg.Handler.HandleConnection(s.closeCtx, conn)
		}()
	}
}

// Close stops accepting and waits for in-flight handlers. Handlers
// observe the shutdown through the context passed to them.
func (s *Server) Close() error {
	s.cancel()
	err := s.cfg.Listener.Close()
	s.wg.Wait()
	return trace.Wrap(err)
}
