package sender

import (
	"context"
	"crypto/tls"
	"errors"
	"net/http"
	"time"

	vegeta "github.com/tsenart/vegeta/v12/lib"
)

// BlastOptions configure a load run against a receiver.
type BlastOptions struct {
	URL      string
	Rate     int // requests per second
	Duration time.Duration
	Insecure bool
	Options  Options
}

// Blast sends freshly generated fake payloads to opts.URL at a constant rate
// until opts.Duration elapses or ctx is cancelled.
func Blast(ctx context.Context, opts BlastOptions) (*vegeta.Metrics, error) {
	if opts.URL == "" {
		return nil, errors.New("blast: url is required")
	}
	if opts.Rate <= 0 {
		opts.Rate = 10
	}
	if opts.Duration <= 0 {
		opts.Duration = 5 * time.Second
	}

	var attackerOpts []func(*vegeta.Attacker)
	if opts.Insecure {
		attackerOpts = append(attackerOpts, vegeta.TLSConfig(&tls.Config{InsecureSkipVerify: true})) //nolint:gosec // opt-in
	}
	attacker := vegeta.NewAttacker(attackerOpts...)

	rate := vegeta.Rate{Freq: opts.Rate, Per: time.Second}

	stop := context.AfterFunc(ctx, func() { attacker.Stop() })
	defer stop()

	var metrics vegeta.Metrics
	for res := range attacker.Attack(targeter(opts.URL, opts.Options), rate, opts.Duration, "webhook-tester") {
		metrics.Add(res)
	}
	metrics.Close()

	return &metrics, ctx.Err()
}

func targeter(url string, opts Options) vegeta.Targeter {
	return func(tgt *vegeta.Target) error {
		req, err := Build(FakePayload(), opts)
		if err != nil {
			return err
		}

		tgt.Method = http.MethodPost
		tgt.URL = url
		tgt.Body = req.Body
		tgt.Header = req.Header
		return nil
	}
}
