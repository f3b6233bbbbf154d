package mirror

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/cockroachdb/errors"
	"golang.org/x/sync/errgroup"

	"github.com/indexmirror/indexmirrord/internal/git"
)

const shutdownTimeout = 10 * time.Second

// Run starts the mirror daemon: initial acquisition, the refresh
// scheduler, and the HTTP index server. It blocks until ctx is cancelled,
// then shuts the HTTP server down gracefully and waits for the scheduler
// loop to stop.
//
// A failed initial acquisition is returned to the caller and should be
// fatal to the process. After that point synchronization failures are
// contained: the only client-visible effect is staleness.
func Run(ctx context.Context, config *Config) error {
	client := git.NewClient(config.Auth.SSHKeyPath)
	m := New(config, client)

	if err := m.Init(ctx); err != nil {
		return errors.Wrap(err, "initial acquisition")
	}
	state := m.Current()
	slog.Info("mirror ready", "revision", state.Revision, "root", state.RootPath)

	scheduler := NewScheduler(m, config.Interval())

	server := &http.Server{
		Addr:              config.Web.Addr(),
		Handler:           NewServer(m),
		ReadHeaderTimeout: 10 * time.Second,
	}

	group, ctx := errgroup.WithContext(ctx)

	group.Go(func() error {
		return scheduler.Run(ctx)
	})

	group.Go(func() error {
		slog.Info("web server listening", "addr", server.Addr)
		err := server.ListenAndServe()
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})

	group.Go(func() error {
		<-ctx.Done()
		slog.Info("shutting down web server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	return group.Wait()
}
