package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/srediag/shmq/pkg/health"
	"github.com/srediag/shmq/pkg/lifecycle"
	"github.com/srediag/shmq/pkg/shm"
	"github.com/srediag/shmq/pkg/transport"
)

// errUsage is returned after the flag package has already printed the problem.
var errUsage = errors.New("usage")

func parseFlags(fs *flag.FlagSet, args []string, stderr io.Writer) error {
	fs.SetOutput(stderr)
	if err := fs.Parse(args); err != nil {
		return errUsage
	}
	return nil
}

func openTransport(ctx context.Context, cfg *Config) (*shm.Queue, *transport.QueueTransport, error) {
	config, err := cfg.QueueConfig()
	if err != nil {
		return nil, nil, err
	}
	q, err := shm.OpenOrCreate(ctx, config)
	if err != nil {
		return nil, nil, err
	}
	tr, err := newTransport(cfg, q)
	if err != nil {
		teardown(q)
		return nil, nil, err
	}
	return q, tr, nil
}

// newTransport frames messages unless Raw is set.
func newTransport(cfg *Config, q *shm.Queue) (*transport.QueueTransport, error) {
	if cfg.Raw {
		return transport.New(q), nil
	}
	if !transport.CanFrame(q.ElementSize()) {
		return nil, fmt.Errorf("%w: queue %s has %d byte elements, use -raw", transport.ErrElementTooSmall, q.Name(), q.ElementSize())
	}
	return transport.New(q, transport.WithFraming()), nil
}

func teardown(q *shm.Queue) {
	if err := q.Teardown(false); err != nil {
		logger.Warnf("teardown %s: %v", q.Name(), err)
	}
}

func runProduce(ctx context.Context, cfg *Config, args []string, stdin io.Reader, stdout, stderr io.Writer) error {
	fs := flag.NewFlagSet("produce", flag.ContinueOnError)
	cfg.registerQueueFlags(fs)
	noWait := fs.Bool("nowait", false, "fail instead of waiting when the queue is full")
	if err := parseFlags(fs, args, stderr); err != nil {
		return err
	}
	q, tr, err := openTransport(ctx, cfg)
	if err != nil {
		return err
	}
	defer teardown(q)

	send := func(msg []byte) error {
		if *noWait {
			return tr.TrySend(msg)
		}
		return tr.Send(ctx, msg)
	}

	sent := 0
	if fs.NArg() > 0 {
		for _, msg := range fs.Args() {
			if err := send([]byte(msg)); err != nil {
				return fmt.Errorf("after %d messages: %w", sent, err)
			}
			sent++
		}
	} else {
		sc := bufio.NewScanner(stdin)
		for sc.Scan() {
			if err := send(sc.Bytes()); err != nil {
				return fmt.Errorf("after %d messages: %w", sent, err)
			}
			sent++
		}
		if err := sc.Err(); err != nil {
			return err
		}
	}
	fmt.Fprintf(stderr, "sent %d messages to %s\n", sent, q.Name())
	return nil
}

func runConsume(ctx context.Context, cfg *Config, args []string, stdin io.Reader, stdout, stderr io.Writer) error {
	fs := flag.NewFlagSet("consume", flag.ContinueOnError)
	cfg.registerQueueFlags(fs)
	limit := fs.Int("n", 0, "stop after this many messages (0 means no limit)")
	wait := fs.Bool("wait", false, "wait for messages instead of stopping when the queue is empty")
	if err := parseFlags(fs, args, stderr); err != nil {
		return err
	}
	if *limit < 0 {
		fmt.Fprintf(stderr, "invalid value %d for flag -n: must not be negative\n", *limit)
		return errUsage
	}
	q, tr, err := openTransport(ctx, cfg)
	if err != nil {
		return err
	}
	defer teardown(q)

	w := bufio.NewWriter(stdout)
	defer w.Flush()
	for n := 0; *limit == 0 || n < *limit; n++ {
		var msg []byte
		if *wait {
			msg, err = tr.Receive(ctx)
			if errors.Is(err, context.Canceled) {
				return nil
			}
		} else {
			msg, err = tr.TryReceive()
			if transport.IsWouldBlock(err) {
				return nil
			}
		}
		if err != nil {
			return err
		}
		if _, err := w.Write(append(msg, '\n')); err != nil {
			return err
		}
	}
	return nil
}

func runInspect(ctx context.Context, cfg *Config, args []string, stdin io.Reader, stdout, stderr io.Writer) error {
	fs := flag.NewFlagSet("inspect", flag.ContinueOnError)
	cfg.registerQueueFlags(fs)
	if err := parseFlags(fs, args, stderr); err != nil {
		return err
	}
	config, err := cfg.QueueConfig()
	if err != nil {
		return err
	}
	path, err := shm.SegmentPath(config)
	if err != nil {
		return err
	}
	h, err := shm.ReadHeader(path)
	if err != nil {
		return err
	}
	fmt.Fprintf(stdout, "path:%s %s\n", path, h)
	return nil
}

func runUnlink(ctx context.Context, cfg *Config, args []string, stdin io.Reader, stdout, stderr io.Writer) error {
	fs := flag.NewFlagSet("unlink", flag.ContinueOnError)
	cfg.registerQueueFlags(fs)
	if err := parseFlags(fs, args, stderr); err != nil {
		return err
	}
	config, err := cfg.QueueConfig()
	if err != nil {
		return err
	}
	return shm.Unlink(config)
}

func runServe(ctx context.Context, cfg *Config, args []string, stdin io.Reader, stdout, stderr io.Writer) error {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	cfg.registerQueueFlags(fs)
	fs.StringVar(&cfg.Addr, "addr", cfg.Addr, "HTTP listen address")
	fs.IntVar(&cfg.Workers, "workers", cfg.Workers, "handler workers when draining")
	drain := fs.Bool("drain", false, "consume the queue and print every message")
	if err := parseFlags(fs, args, stderr); err != nil {
		return err
	}
	config, err := cfg.QueueConfig()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	m := lifecycle.NewManager()
	defer func() {
		if err := m.Close(false); err != nil {
			logger.Warnf("close queues: %v", err)
		}
	}()
	q, err := m.Attach(ctx, config)
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		shm.NewCollector(m.Queues),
	)
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	hc := health.NewHandler(m, health.Options{
		Dir:          config.Dir,
		MinFreeBytes: cfg.MinFreeBytes,
		Registry:     reg,
		Namespace:    "shmq",
	})
	mux.HandleFunc("/live", hc.LiveEndpoint)
	mux.HandleFunc("/ready", hc.ReadyEndpoint)

	var d *transport.Dispatcher
	if *drain {
		tr, err := newTransport(cfg, q)
		if err != nil {
			return err
		}
		if d, err = transport.NewDispatcher(tr, cfg.Workers); err != nil {
			return err
		}
		defer func() {
			if err := d.Close(5 * time.Second); err != nil {
				logger.Warnf("dispatcher close: %v", err)
			}
		}()
	}

	srv := &http.Server{Addr: cfg.Addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	errc := make(chan error, 2)
	go func() {
		logger.Infof("serving %s on %s", q.Name(), cfg.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
	}()

	drained := make(chan struct{})
	if d != nil {
		out := &lineWriter{w: stdout}
		go func() {
			defer close(drained)
			if err := d.Serve(ctx, out.writeLine); err != nil {
				errc <- err
			}
		}()
	} else {
		close(drained)
	}

	select {
	case <-ctx.Done():
	case err = <-errc:
	}
	// the queue is unmapped on return, so the dispatcher must be gone first
	cancel()
	<-drained
	shutdownCtx, stop := context.WithTimeout(context.Background(), 5*time.Second)
	defer stop()
	if serr := srv.Shutdown(shutdownCtx); serr != nil {
		logger.Warnf("http shutdown: %v", serr)
	}
	return err
}

// lineWriter serializes lines written by concurrent handlers.
type lineWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (l *lineWriter) writeLine(msg []byte) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, err := l.w.Write(append(msg, '\n')); err != nil {
		logger.Warnf("write: %v", err)
	}
}
