package main

import (
	"fmt"
	"log/slog"

	"github.com/bamsammich/ferry/internal/config"
	"github.com/bamsammich/ferry/internal/transport"
	"github.com/bamsammich/ferry/internal/worker"
)

// engine is the worker loop plus the session bound to one strand of it.
type engine struct {
	loop    *worker.Loop
	session *transport.Session
}

// openEngine starts a worker loop and connects a session for loc. Local
// locations are served by the local backend.
func openEngine(loc transport.Location, s config.Settings, insecure bool, logger *slog.Logger) (*engine, error) {
	loop := worker.NewLoop(logger)
	if err := loop.Start(s.CycleTimeout, s.MinCycleWait); err != nil {
		return nil, err
	}

	var fs transport.FS = transport.NewLocalFS()
	name := "local"
	if loc.IsRemote() {
		port := loc.Port
		if port == 0 {
			port = s.SSHPort
		}
		client, err := transport.DialSSH(loc.Host, loc.User, transport.SSHOpts{
			KeyFile:               s.KeyFile,
			Port:                  port,
			Timeout:               s.Transfer.FutureTimeout,
			InsecureIgnoreHostKey: insecure,
		})
		if err != nil {
			loop.Stop()
			return nil, err
		}
		sftpFS, err := transport.NewSFTPFS(client)
		if err != nil {
			_ = client.Close()
			loop.Stop()
			return nil, err
		}
		fs, name = sftpFS, loc.Host
	}

	session := transport.NewSession(fs, worker.NewStrand(loop, name),
		transport.WithLogger(logger),
		transport.WithKeepalive(s.Keepalive),
	)
	logger.Debug("session opened", "location", loc.String())
	return &engine{loop: loop, session: session}, nil
}

// stat looks up p through the session.
func (e *engine) stat(p string, s config.Settings) (transport.DirectoryEntry, error) {
	ent, err := e.session.Stat(p).WaitTimeout(s.Transfer.FutureTimeout)
	if err != nil {
		return transport.DirectoryEntry{}, fmt.Errorf("stat %s: %w", p, err)
	}
	return ent, nil
}

func (e *engine) Close() {
	if err := e.session.Close(); err != nil {
		slog.Debug("session close", "error", err)
	}
	e.loop.Stop()
}
