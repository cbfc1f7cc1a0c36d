package pipeline

import (
	"context"
	"fmt"
	"net"
	"sync"

	"github.com/mrzor/iowatcher/internal/metrics"
	"github.com/mrzor/iowatcher/internal/relay"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// Serve accepts relay sessions from ln and ingests each in its own Task
// until ctx is cancelled. It then stops every running session, waits for
// them, and returns nil. A session failure, including a failed handshake, is
// logged and counted under the producer's host; it does not stop Serve or
// other sessions.
func Serve(ctx context.Context, ln *relay.Listener, in *Ingester) error {
	logger := in.logger()

	var (
		mu    sync.Mutex
		tasks = make(map[*Task]struct{})
		wg    sync.WaitGroup
	)
	defer func() {
		mu.Lock()
		for t := range tasks {
			t.Stop()
		}
		mu.Unlock()
		wg.Wait()
	}()

	for {
		sess, err := ln.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("accepting session: %w", err)
		}

		sessLogger := logger.With(zap.String("remote", sess.Remote()))
		peer := attribute.String(metrics.LabelPeer, peerHost(sess.Remote()))
		task := Start(ctx, sess.Remote(), func(ctx context.Context) error {
			return in.RunSession(ctx, sess)
		})

		mu.Lock()
		tasks[task] = struct{}{}
		mu.Unlock()

		wg.Add(1)
		go func() {
			defer wg.Done()
			err := task.Wait()
			Report(ctx, in.recorder(), sessLogger, "session", err, peer)

			mu.Lock()
			delete(tasks, task)
			mu.Unlock()
		}()
	}
}

// peerHost drops the ephemeral port so the peer label stays bounded.
func peerHost(remote string) string {
	host, _, err := net.SplitHostPort(remote)
	if err != nil {
		return remote
	}
	return host
}
