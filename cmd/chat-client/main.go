package main

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/datawire/dlib/dgroup"
	"github.com/datawire/dlib/dlog"

	"github.com/wirebound/rdt/pkg/chat"
	"github.com/wirebound/rdt/pkg/rdt"
)

type flagValues struct {
	server  string
	name    string
	logFile string
	timeout time.Duration
}

func addFlags(flags *pflag.FlagSet, v *flagValues) {
	flags.StringVar(&v.server, "server", "127.0.0.1:12345", "chat server host:port")
	flags.StringVar(&v.name, "name", "", "login name")
	flags.StringVar(&v.logFile, "log-file", "", "write transport diagnostics here instead of stderr")
	flags.DurationVar(&v.timeout, "timeout", 5*time.Second, "connect timeout")
}

func command() *cobra.Command {
	v := &flagValues{}
	c := &cobra.Command{
		Use:   "chat-client",
		Short: "Connect to a chat server",
		Args:  cobra.ExactArgs(0),
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context(), v)
		},
	}
	addFlags(c.Flags(), v)
	return c
}

func run(ctx context.Context, v *flagValues) error {
	logger := logrus.New()
	logger.SetLevel(logrus.WarnLevel)
	if v.logFile != "" {
		f, err := os.OpenFile(v.logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return errors.Wrap(err, "open log file")
		}
		defer f.Close()
		logger.SetOutput(f)
		logger.SetLevel(logrus.DebugLevel)
	}
	ctx = dlog.WithLogger(ctx, dlog.WrapLogrus(logger))

	addr, err := net.ResolveUDPAddr("udp", v.server)
	if err != nil {
		return errors.Wrapf(err, "resolve %s", v.server)
	}
	name := v.name
	if name == "" {
		name = os.Getenv("USER")
	}

	engine, err := rdt.Bind(ctx, 0, rdt.DefaultConfig())
	if err != nil {
		return err
	}
	defer func() { _ = engine.Stop(context.Background()) }()

	client, err := chat.Dial(ctx, engine, addr, name, v.timeout)
	if err != nil {
		return err
	}
	fmt.Printf("connected to %s as %s. /join <room>, /dm <user> <text>, /quit\n", v.server, client.Name())

	g := dgroup.NewGroup(ctx, dgroup.GroupConfig{
		EnableSignalHandling: true,
		ShutdownOnNonError:   true,
	})

	g.Go("session", func(ctx context.Context) error {
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-client.Done():
				fmt.Println("server closed the session")
				return nil
			case env := <-client.Incoming():
				switch env.Type {
				case chat.TypeInfo:
					fmt.Printf("* %s\n", env.Msg)
				case chat.TypeChat:
					if env.To != "" {
						fmt.Printf("[dm] %s: %s\n", env.Sender, env.Text)
					} else {
						fmt.Printf("[%s] %s: %s\n", env.Room, env.Sender, env.Text)
					}
				}
			}
		}
	})

	g.Go("input", func(ctx context.Context) error {
		defer func() { _ = client.Close(context.Background()) }()
		room := chat.DefaultRoom
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			switch {
			case line == "":
			case line == "/quit":
				return nil
			case strings.HasPrefix(line, "/join "):
				room = strings.TrimSpace(strings.TrimPrefix(line, "/join "))
				if err := client.Join(ctx, room); err != nil {
					return err
				}
			case strings.HasPrefix(line, "/dm "):
				parts := strings.SplitN(strings.TrimPrefix(line, "/dm "), " ", 2)
				if len(parts) != 2 {
					fmt.Println("usage: /dm <user> <text>")
					continue
				}
				if err := client.DM(ctx, parts[0], parts[1]); err != nil {
					return err
				}
			default:
				if err := client.Say(ctx, room, line); err != nil {
					return err
				}
			}
		}
		return scanner.Err()
	})

	return g.Wait()
}

func main() {
	if err := command().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
