package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/henrik-lindqvist/postgres-async-driver/pkg/config"
	"github.com/henrik-lindqvist/postgres-async-driver/pkg/message"
	"github.com/henrik-lindqvist/postgres-async-driver/pkg/observability"
	"github.com/henrik-lindqvist/postgres-async-driver/pkg/stream"
)

func main() {
	cfgPath := flag.String("config", "", "path to YAML config (optional)")
	channel := flag.String("channel", "events", "notification channel to listen on")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fatalf("load config: %v", err)
	}
	logger, err := observability.SetupLogger(cfg.Log)
	if err != nil {
		fatalf("setup logger: %v", err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	s := stream.New(cfg, stream.WithLogger(logger))
	defer s.Close()

	ready := make(chan error, 1)
	err = s.Connect(ctx, &message.Startup{User: cfg.User, Database: cfg.Database},
		handshakeHandler(s, cfg, ready))
	if err != nil {
		fatalf("connect: %v", err)
	}
	if err := <-ready; err != nil {
		fatalf("handshake: %v", err)
	}
	logger.Info("connected", zap.String("address", cfg.Address))

	token := s.Subscribe(*channel, func(payload string) {
		fmt.Printf("%s: %s\n", *channel, payload)
	})
	defer s.Unsubscribe(*channel, token)

	listenDone := make(chan error, 1)
	err = s.Send(&message.Query{SQL: "LISTEN " + quoteIdent(*channel)}, func(ms []message.Message) {
		listenDone <- replyError(ms)
	})
	if err != nil {
		fatalf("send listen: %v", err)
	}
	if err := <-listenDone; err != nil {
		fatalf("listen: %v", err)
	}
	logger.Info("listening", zap.String("channel", *channel))

	<-ctx.Done()
	logger.Info("shutting down")
}

// handshakeHandler completes startup, answering password challenges from
// the configuration. It signals ready exactly once.
func handshakeHandler(s *stream.Stream, cfg *config.Config, ready chan<- error) stream.ReplyHandler {
	var handle stream.ReplyHandler
	handle = func(ms []message.Message) {
		last := ms[len(ms)-1]
		switch m := last.(type) {
		case *message.ReadyForQuery:
			ready <- nil
		case *message.Authentication:
			var pw string
			switch m.Code {
			case message.AuthCleartextPassword:
				pw = cfg.Password
			case message.AuthMD5Password:
				pw = message.MD5Password(cfg.User, cfg.Password, m.Salt)
			default:
				ready <- fmt.Errorf("unsupported authentication request %d", m.Code)
				return
			}
			if err := s.Send(&message.Password{Password: pw}, handle); err != nil {
				ready <- err
			}
		default:
			ready <- replyError(ms)
		}
	}
	return handle
}

// replyError extracts the failure from a completed reply, if any.
func replyError(ms []message.Message) error {
	for _, m := range ms {
		switch e := m.(type) {
		case *message.ChannelError:
			return e
		case *message.BackendError:
			return e
		}
	}
	return nil
}

func quoteIdent(name string) string {
	out := []byte{'"'}
	for i := 0; i < len(name); i++ {
		if name[i] == '"' {
			out = append(out, '"')
		}
		out = append(out, name[i])
	}
	return string(append(out, '"'))
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
