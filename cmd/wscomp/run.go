package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	backoff "github.com/cenkalti/backoff/v4"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"livecomment.dev/wscomp/config"
	"livecomment.dev/wscomp/connection/manager"
	"livecomment.dev/wscomp/connection/message"
	"livecomment.dev/wscomp/connection/transporter"
	"livecomment.dev/wscomp/logger"
)

func run(cmd *cobra.Command, args []string) error {
	v := viper.New()
	if err := bindFlags(cmd, v); err != nil {
		return err
	}

	cfg, err := config.Load(v, cfgFile)
	if err != nil {
		return err
	}

	log, err := setupLogger(cfg.Log)
	if err != nil {
		return err
	}
	log.AddVersion(version)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	stream := newCommentStream(log.GetComponentLogger("CommentStream"), cmd.OutOrStdout(), cmd.ErrOrStderr())

	connManager := manager.New(
		log.GetComponentLogger("ConnectionManager"),
		stream.config(cfg),
		manager.WithBackOff(backOffPolicy(cfg.Reconnect)),
	)

	connManager.Activate()
	go stream.readInput(cmd.InOrStdin())

	var runErr error
	select {
	case <-ctx.Done():
		log.Infof("Shutting down")
	case runErr = <-stream.fatal:
	}

	connManager.Dispose()

	if printStats {
		data, _ := json.MarshalIndent(connManager.Stats(), "", "  ")
		fmt.Fprintln(cmd.ErrOrStderr(), string(data))
	}
	return runErr
}

func setupLogger(cfg config.LogConfig) (*logger.Logger, error) {
	level, err := logger.ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}

	loggerConfig := logger.Config{
		FilePath: cfg.File,
		Level:    level,
	}
	if cfg.File == "" {
		loggerConfig.ConsoleWriters = []io.Writer{os.Stderr}
	}

	return logger.New(&loggerConfig)
}

func backOffPolicy(cfg config.ReconnectConfig) func() backoff.BackOff {
	if cfg.Exponential {
		return func() backoff.BackOff {
			policy := backoff.NewExponentialBackOff()
			policy.InitialInterval = cfg.Min
			policy.MaxInterval = cfg.Max

			// keep trying for as long as we run
			policy.MaxElapsedTime = 0
			return policy
		}
	}

	return func() backoff.BackOff {
		return manager.NewUniformBackOff(cfg.Min, cfg.Max)
	}
}

// commentStream is the owner of the connection manager: it prints what comes in,
// sends what is typed and decides when to reconnect
type commentStream struct {
	logger *logger.Logger
	out    io.Writer
	errOut io.Writer

	mu      sync.Mutex
	control *manager.Control

	fatal chan error
}

func newCommentStream(logger *logger.Logger, out, errOut io.Writer) *commentStream {
	return &commentStream{
		logger: logger,
		out:    out,
		errOut: errOut,
		fatal:  make(chan error, 1),
	}
}

func (s *commentStream) config(cfg *config.Config) manager.Config {
	headers := http.Header{}
	for key, value := range cfg.Headers {
		headers.Set(key, value)
	}

	return manager.Config{
		Address:                      cfg.URL,
		Headers:                      headers,
		OnOpen:                       s.onOpen,
		OnClose:                      s.onClose,
		OnError:                      s.onError,
		OnMessage:                    s.onMessage,
		DeliverSyntheticFirstMessage: cfg.NoComments,
	}
}

func (s *commentStream) currentControl() *manager.Control {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.control
}

func (s *commentStream) onOpen(control *manager.Control) {
	s.mu.Lock()
	s.control = control
	s.mu.Unlock()

	fmt.Fprintln(s.errOut, "* connected")
}

func (s *commentStream) onClose(event transporter.CloseEvent) {
	switch {
	case errors.Is(event.Reason, manager.ErrReconnect):
		// we asked for it and a new connection is already on its way
		return
	case errors.Is(event.Reason, manager.ErrControlClosed), errors.Is(event.Reason, manager.ErrDisposed):
		fmt.Fprintln(s.errOut, "* disconnected")
		return
	}

	fmt.Fprintf(s.errOut, "* connection lost: %s\n", event)

	control := s.currentControl()
	if control == nil {
		// we never got through in the first place
		s.reportFatal(fmt.Errorf("unable to connect to comment stream: %s", event))
		return
	}
	control.ReconnectWithBackoff()
}

func (s *commentStream) onError(err error) {
	s.logger.Error(err)
}

func (s *commentStream) onMessage(msg message.Message) {
	switch msg.Type() {
	case message.CommentType:
		var comment message.Comment
		if err := msg.Decode(&comment); err != nil {
			s.logger.Error(err)
			return
		}
		fmt.Fprintln(s.out, comment.Comment)

	case message.ErrorType:
		var errMsg message.Error
		if err := msg.Decode(&errMsg); err != nil {
			s.logger.Error(err)
			return
		}
		fmt.Fprintf(s.errOut, "! %s: %s\n", errMsg.Error, errMsg.Message)

	default:
		data, _ := json.Marshal(msg)
		fmt.Fprintf(s.out, "%s\n", data)
	}
}

// readInput sends every non-empty line as a comment
func (s *commentStream) readInput(in io.Reader) {
	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		control := s.currentControl()
		if control == nil {
			fmt.Fprintln(s.errOut, "* not connected, comment dropped")
			continue
		}
		control.Send(message.NewComment(line))
	}

	if err := scanner.Err(); err != nil {
		s.logger.Errorf("stopped reading input: %s", err)
	}
}

func (s *commentStream) reportFatal(err error) {
	select {
	case s.fatal <- err:
	default:
	}
}
