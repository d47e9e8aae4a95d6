package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	vegeta "github.com/tsenart/vegeta/v12/lib"

	"github.com/billgrant/webhook-tester/internal/basicauth"
	"github.com/billgrant/webhook-tester/internal/config"
	"github.com/billgrant/webhook-tester/internal/envelope"
	"github.com/billgrant/webhook-tester/internal/relay"
	"github.com/billgrant/webhook-tester/internal/sender"
)

// cli holds the state shared by the commands of one invocation.
type cli struct {
	v       *viper.Viper
	cfgFile string
}

func newCLI() *cli {
	return &cli{v: config.New()}
}

func (c *cli) root() *cobra.Command {
	root := &cobra.Command{
		Use:   "webhook-tester",
		Short: "Send, receive and inspect test webhooks",
		Long: `webhook-tester sends test webhooks through a relay topic (ntfy by default)
or straight to a URL, and serves a dashboard that polls the topic so you can
see what arrived, including any Basic-Auth credentials that came with it.

Headers are tunneled inside the JSON body as {"headers":...,"payload":...}
because relays do not forward arbitrary HTTP headers.`,
		Version:      version,
		SilenceUsage: true,
	}

	pf := root.PersistentFlags()
	pf.StringVar(&c.cfgFile, "config", "", "config file (YAML)")
	pf.String("relay-driver", "ntfy", "relay driver: ntfy, nats or none")
	pf.String("relay-url", relay.DefaultURL, "relay base URL (ntfy driver)")
	pf.StringP("topic", "t", "wh_receiver", "relay topic")
	pf.Bool("insecure", false, "skip TLS certificate verification")
	c.bindFlags(root, map[string]string{
		"relay.driver":   "relay-driver",
		"relay.url":      "relay-url",
		"relay.topic":    "topic",
		"relay.insecure": "insecure",
	})

	root.AddCommand(c.serveCmd(), c.sendCmd(), c.blastCmd(), decodeCmd())
	return root
}

// bindFlags binds viper keys to flag names so flags win over env and file.
func (c *cli) bindFlags(cmd *cobra.Command, keys map[string]string) {
	for key, name := range keys {
		flag := cmd.PersistentFlags().Lookup(name)
		if flag == nil {
			flag = cmd.Flags().Lookup(name)
		}
		_ = c.v.BindPFlag(key, flag)
	}
}

func (c *cli) load() (*config.Config, error) {
	return config.Load(c.v, c.cfgFile)
}

// =============================================================================
// serve
// =============================================================================

func (c *cli) serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the dashboard, relay poller and direct receiver",
		Example: `  webhook-tester serve --topic my_topic
  webhook-tester serve --relay-driver none --receiver-path /hooks
  webhook-tester serve --store-driver sqlite --store-path hooks.db --show-history`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := c.load()
			if err != nil {
				return err
			}
			return runServe(cfg)
		},
	}

	f := cmd.Flags()
	f.IntP("port", "p", 8080, "HTTP port")
	f.String("store-driver", "badger", "inbox backend: badger or sqlite")
	f.String("store-path", ":memory:", "inbox directory (badger) or file (sqlite)")
	f.Bool("show-history", false, "show entries received before this start")
	f.String("receiver-path", "/hooks", "path of the direct receiver")
	f.String("timezone", "UTC", "timezone for dashboard times")
	c.bindFlags(cmd, map[string]string{
		"server.port":       "port",
		"store.driver":      "store-driver",
		"store.path":        "store-path",
		"feed.show_history": "show-history",
		"receiver.path":     "receiver-path",
		"display.timezone":  "timezone",
	})

	return cmd
}

// =============================================================================
// send
// =============================================================================

// payloadFlags are the ways a command can be given a payload.
type payloadFlags struct {
	data string
	file string
	fake bool
}

func (p payloadFlags) read(stdin io.Reader) (json.RawMessage, error) {
	switch {
	case p.fake:
		return sender.FakePayload(), nil
	case p.data != "":
		return json.RawMessage(p.data), nil
	case p.file == "-":
		return io.ReadAll(stdin)
	case p.file != "":
		return os.ReadFile(p.file)
	default:
		return sender.SamplePayload(), nil
	}
}

// authFlags are the header options shared by send and blast.
type authFlags struct {
	user     string
	password string
	headers  map[string]string
	noTunnel bool
}

func (a *authFlags) register(cmd *cobra.Command) {
	f := cmd.Flags()
	f.StringVarP(&a.user, "user", "u", "", "username for a synthesized Basic Authorization header")
	f.StringVar(&a.password, "password", "", "password for the Authorization header")
	f.StringToStringVarP(&a.headers, "header", "H", nil, "extra header, name=value (repeatable)")
	f.BoolVar(&a.noTunnel, "no-tunnel", false, "send headers as real HTTP headers (direct sends only)")
}

func (a authFlags) options() sender.Options {
	return sender.Options{
		Headers:  a.headers,
		Username: a.user,
		Password: a.password,
		NoTunnel: a.noTunnel,
	}
}

func (c *cli) sendCmd() *cobra.Command {
	var (
		target  string
		count   int
		payload payloadFlags
		auth    authFlags
	)

	cmd := &cobra.Command{
		Use:   "send",
		Short: "Send a test webhook",
		Long: `Send a JSON payload to the relay topic, or with --url straight to a receiver.
Without --data, --file or --fake a small sample payload is sent.`,
		Example: `  webhook-tester send --user my_username --password my_password
  webhook-tester send --data '{"event":"order.created"}' -H X-Signature=abc
  webhook-tester send --fake --count 5
  webhook-tester send --url http://localhost:8080/hooks --no-tunnel --user bob --password secret`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if count < 1 {
				return errors.New("--count must be at least 1")
			}
			cfg, err := c.load()
			if err != nil {
				return err
			}

			opts := auth.options()
			out := cmd.OutOrStdout()

			var senderOpts []sender.Option
			if cfg.Relay.Insecure {
				senderOpts = append(senderOpts, sender.WithInsecureTLS())
			}

			var dest string
			var s *sender.Sender
			if target != "" {
				dest = target
				s = sender.New(nil, senderOpts...)
			} else {
				if opts.NoTunnel {
					printWarn(cmd.ErrOrStderr(), "relays drop HTTP headers, tunneling them in the body instead")
					opts.NoTunnel = false
				}
				r, err := openRelay(cfg)
				if err != nil {
					return err
				}
				if r == nil {
					return errors.New("relay.driver is none: use --url to send directly")
				}
				defer r.Close()
				dest = cfg.Relay.Topic
				if h, ok := r.(*relay.HTTPRelay); ok {
					dest = h.TopicURL(cfg.Relay.Topic)
				}
				s = sender.New(r, senderOpts...)
			}

			body, err := payload.read(cmd.InOrStdin())
			if err != nil {
				return fmt.Errorf("failed to read payload: %w", err)
			}

			for i := range count {
				if i > 0 && payload.fake {
					body = sender.FakePayload()
				}

				if target != "" {
					resp, err := s.Direct(cmd.Context(), target, body, opts)
					if err != nil {
						printError(cmd.ErrOrStderr(), "%v", err)
						return err
					}
					printSuccess(out, "Delivered to %s (%d)", dest, resp.StatusCode)
					continue
				}

				msg, err := s.ToRelay(cmd.Context(), cfg.Relay.Topic, body, opts)
				if err != nil {
					printError(cmd.ErrOrStderr(), "%v", err)
					return err
				}
				if msg.ID != "" {
					printSuccess(out, "Published to %s (id %s)", dest, msg.ID)
				} else {
					printSuccess(out, "Published to %s", dest)
				}
			}
			if opts.Username != "" {
				printInfo(out, "Authorization: %s", basicauth.Encode(opts.Username, opts.Password))
			}
			return nil
		},
	}

	f := cmd.Flags()
	f.StringVar(&target, "url", "", "send straight to this receiver URL instead of the relay")
	f.IntVarP(&count, "count", "n", 1, "number of webhooks to send")
	f.StringVarP(&payload.data, "data", "d", "", "JSON payload")
	f.StringVarP(&payload.file, "file", "f", "", "read the JSON payload from a file (- for stdin)")
	f.BoolVar(&payload.fake, "fake", false, "send a random fake event")
	cmd.MarkFlagsMutuallyExclusive("data", "file", "fake")
	auth.register(cmd)

	return cmd
}

// =============================================================================
// blast
// =============================================================================

func (c *cli) blastCmd() *cobra.Command {
	var (
		target   string
		rate     int
		duration time.Duration
		auth     authFlags
	)

	cmd := &cobra.Command{
		Use:   "blast",
		Short: "Load test a receiver with fake webhooks",
		Long: `Send fresh fake payloads to a receiver URL at a fixed rate and print a
latency and status report. Defaults to the local direct receiver.`,
		Example: `  webhook-tester blast --rate 50 --duration 10s
  webhook-tester blast --url https://example.test/hooks --insecure --user bob --password secret`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := c.load()
			if err != nil {
				return err
			}
			if target == "" {
				target = fmt.Sprintf("http://localhost:%d%s", cfg.Server.Port, strings.TrimRight(cfg.Receiver.Path, "/"))
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer stop()

			out := cmd.OutOrStdout()
			printInfo(out, "Blasting %s at %d req/s for %s", target, rate, duration)

			metrics, err := sender.Blast(ctx, sender.BlastOptions{
				URL:      target,
				Rate:     rate,
				Duration: duration,
				Insecure: cfg.Relay.Insecure,
				Options:  auth.options(),
			})
			if metrics == nil {
				return err
			}
			if err != nil {
				printWarn(out, "stopped early: %v", err)
			}

			if err := vegeta.NewTextReporter(metrics).Report(out); err != nil {
				return err
			}

			if metrics.Success < 1 {
				printWarn(out, "%.2f%% of %d requests succeeded", metrics.Success*100, metrics.Requests)
				return nil
			}
			printSuccess(out, "%d requests, all succeeded", metrics.Requests)
			return nil
		},
	}

	f := cmd.Flags()
	f.StringVar(&target, "url", "", "receiver URL (default: the local direct receiver)")
	f.IntVarP(&rate, "rate", "r", 10, "requests per second")
	f.DurationVar(&duration, "duration", 5*time.Second, "how long to attack")
	auth.register(cmd)

	return cmd
}

// =============================================================================
// decode
// =============================================================================

func decodeCmd() *cobra.Command {
	var mask bool

	cmd := &cobra.Command{
		Use:   "decode [header-or-body]",
		Short: "Decode Basic-Auth credentials from a header or a wrapped body",
		Long: `Decode an "Authorization: Basic ..." value. The input may also be a webhook
body with tunneled headers, in which case its Authorization header is used.
Reads stdin when no argument is given.`,
		Example: `  webhook-tester decode "Basic bXlfdXNlcm5hbWU6bXlfcGFzc3dvcmQ="
  echo '{"headers":{"Authorization":"Basic Ym9iOnNlY3JldA=="},"payload":{}}' | webhook-tester decode`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var input string
			if len(args) == 1 {
				input = args[0]
			} else {
				raw, err := io.ReadAll(cmd.InOrStdin())
				if err != nil {
					return fmt.Errorf("failed to read stdin: %w", err)
				}
				input = string(raw)
			}
			input = strings.TrimSpace(input)

			creds, source, err := decodeInput(input)
			if err != nil {
				printError(cmd.ErrOrStderr(), "%v", err)
				return err
			}
			if mask {
				creds = creds.Masked()
			}

			out := cmd.OutOrStdout()
			printSuccess(out, "Decoded %s credentials", source)
			printField(out, "User", creds.Username)
			printField(out, "Password", creds.Password)
			return nil
		},
	}

	cmd.Flags().BoolVar(&mask, "mask", false, "mask the password")
	return cmd
}

// decodeInput reads credentials from a tunneled body when the input is a
// wrapped record, otherwise from the input as a header value. A leading
// "Authorization:" is accepted.
func decodeInput(input string) (basicauth.Credentials, string, error) {
	if u := envelope.Unwrap(input); u.Valid {
		if !u.Wrapped {
			return basicauth.Credentials{}, "", errors.New("body has no tunneled headers")
		}
		creds, err := u.Credentials()
		return creds, "tunneled", err
	}

	if name, value, ok := strings.Cut(input, ":"); ok && strings.EqualFold(strings.TrimSpace(name), "Authorization") {
		input = value
	}
	creds, err := basicauth.Parse(input)
	return creds, "header", err
}
