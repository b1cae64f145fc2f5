// Command trustctl issues and inspects attestations through a trust node.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"TrustLinks/client"
	"TrustLinks/internal/attestation"
	"TrustLinks/internal/group"
	"TrustLinks/internal/identity"
	"TrustLinks/internal/issue"
	"TrustLinks/internal/logger"
	"TrustLinks/internal/proof"
)

const usage = `usage: trustctl <command> [flags]

commands:
  keygen      generate a key file
  score       show the reputation of an identity
  given       list attestations given by an identity
  attest      publish a public attestation
  vouch-anon  publish an anonymous attestation (proves locally)
`

// errUsage is returned for a missing or unknown command.
var errUsage = errors.New("invalid usage")

func main() {
	logger.Init()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:]); err != nil {
		if errors.Is(err, errUsage) {
			fmt.Fprint(os.Stderr, usage)
		}

		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// run dispatches to a subcommand.
func run(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return errUsage
	}

	cmds := map[string]func(context.Context, []string) error{
		"keygen":     cmdKeygen,
		"score":      cmdScore,
		"given":      cmdGiven,
		"attest":     cmdAttest,
		"vouch-anon": cmdVouchAnon,
	}

	cmd, ok := cmds[args[0]]
	if !ok {
		return fmt.Errorf("%w: unknown command %q", errUsage, args[0])
	}

	return cmd(ctx, args[1:])
}

// cmdKeygen writes a fresh key file.
func cmdKeygen(_ context.Context, args []string) error {
	fs := flag.NewFlagSet("keygen", flag.ContinueOnError)
	out := fs.String("out", "trustlinks.key", "Key file to write")

	if err := fs.Parse(args); err != nil {
		return err
	}

	if _, err := os.Stat(*out); err == nil {
		return fmt.Errorf("%s already exists", *out)
	}

	w := client.NewWallet()
	if err := w.Save(*out); err != nil {
		return err
	}

	fmt.Printf("npub: %s\nhex:  %s\nkey:  %s\n", w.ID().Npub(), w.ID(), *out)

	return nil
}

// cmdScore prints the layered reputation of a target.
func cmdScore(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("score", flag.ContinueOnError)
	node := fs.String("node", "127.0.0.1:8080", "Trust node address")
	target := fs.String("target", "", "Identity to score (hex, npub or nprofile)")
	viewer := fs.String("viewer", "", "Identity whose trust network is used")
	depth := fs.Int("depth", 0, "Deepest trust level (default: node setting)")

	if err := fs.Parse(args); err != nil {
		return err
	}

	t, err := identity.Parse(*target)
	if err != nil {
		return fmt.Errorf("target: %w", err)
	}

	var v identity.ID
	if *viewer != "" {
		if v, err = identity.Parse(*viewer); err != nil {
			return fmt.Errorf("viewer: %w", err)
		}
	}

	r, err := client.NewClient(*node).Reputation(ctx, t, v, *depth)
	if err != nil {
		return err
	}

	fmt.Printf("target  %s\n", t.Npub())
	fmt.Printf("total   real=%d not-real=%d anonymous=%d\n", r.Totals.Real, r.Totals.NotReal, r.Totals.Anonymous)

	if r.Mine != nil {
		verdict := "hidden"
		if r.Mine.Verdict != nil {
			verdict = r.Mine.Verdict.String()
		}

		fmt.Printf("mine    %s %s (%s)\n", r.Mine.Mode, verdict, r.Mine.CreatedAt.Format(time.DateOnly))
	}

	for _, l := range r.Levels {
		mark := ""
		if l.Degraded {
			mark = " (incomplete)"
		}

		fmt.Printf("level %d members=%d real=%d not-real=%d anonymous=%d%s\n",
			l.Depth, len(l.Members), l.Counts.Real, l.Counts.NotReal, l.Counts.Anonymous, mark)
	}

	return nil
}

// cmdGiven lists the attestations authored by an identity.
func cmdGiven(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("given", flag.ContinueOnError)
	node := fs.String("node", "127.0.0.1:8080", "Trust node address")
	author := fs.String("author", "", "Author identity")

	if err := fs.Parse(args); err != nil {
		return err
	}

	a, err := identity.Parse(*author)
	if err != nil {
		return fmt.Errorf("author: %w", err)
	}

	records, err := client.NewClient(*node).Given(ctx, a)
	if err != nil {
		return err
	}

	for _, r := range records {
		verdict := "hidden"
		if r.Verdict != nil {
			verdict = r.Verdict.String()
		}

		fmt.Printf("%s  %-9s %-8s %s %s\n", r.CreatedAt.Format(time.DateTime), r.Mode, verdict, r.Subject.Npub(), r.Category)
	}

	return nil
}

// metaFlags registers the descriptive attestation flags.
func metaFlags(fs *flag.FlagSet) *attestation.Meta {
	m := &attestation.Meta{}
	fs.StringVar(&m.Category, "category", "", "Category tag")
	fs.StringVar(&m.Context, "context", "", "Where you met")
	fs.StringVar(&m.Comment, "comment", "", "Free-text comment")

	return m
}

// parseVerdict accepts the wire values and their names.
func parseVerdict(s string) (attestation.Verdict, error) {
	switch strings.ToLower(s) {
	case "real":
		return attestation.Real, nil
	case "not-real", "notreal":
		return attestation.NotReal, nil
	}

	return attestation.ParseVerdict(s)
}

// cmdAttest publishes a public attestation.
func cmdAttest(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("attest", flag.ContinueOnError)
	node := fs.String("node", "127.0.0.1:8080", "Trust node address")
	keyPath := fs.String("key", "trustlinks.key", "Key file")
	subject := fs.String("subject", "", "Identity attested about")
	verdict := fs.String("verdict", "real", "real or not-real")
	meta := metaFlags(fs)

	if err := fs.Parse(args); err != nil {
		return err
	}

	s, err := identity.Parse(*subject)
	if err != nil {
		return fmt.Errorf("subject: %w", err)
	}

	v, err := parseVerdict(*verdict)
	if err != nil {
		return err
	}

	w, err := client.LoadWallet(*keyPath)
	if err != nil {
		return err
	}

	iss, err := issue.New(w.SecretKey(), client.NewClient(*node), nil, nil)
	if err != nil {
		return err
	}

	ev, err := iss.Public(ctx, s, v, *meta)
	if err != nil {
		return err
	}

	fmt.Printf("published %s\n", ev.ID)

	return nil
}

// cmdVouchAnon proves membership in the local trust group and publishes an
// anonymous attestation.
func cmdVouchAnon(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("vouch-anon", flag.ContinueOnError)
	node := fs.String("node", "127.0.0.1:8080", "Trust node address")
	keyPath := fs.String("key", "trustlinks.key", "Key file")
	subject := fs.String("subject", "", "Identity attested about")
	keyDir := fs.String("key-dir", "", "Directory holding the node's proving keys")
	cfg := group.DefaultConfig()
	fs.StringVar(&cfg.GroupID, "group-id", cfg.GroupID, "Verification network identifier")
	fs.StringVar(&cfg.Scope, "scope", cfg.Scope, "Nullifier scope")
	fs.IntVar(&cfg.Depth, "tree-depth", cfg.Depth, "Merkle tree depth")
	meta := metaFlags(fs)

	if err := fs.Parse(args); err != nil {
		return err
	}

	s, err := identity.Parse(*subject)
	if err != nil {
		return fmt.Errorf("subject: %w", err)
	}

	w, err := client.LoadWallet(*keyPath)
	if err != nil {
		return err
	}

	pool := proof.NewPool(proof.PoolOptions{KeyDir: *keyDir, Workers: 1})
	defer pool.Close()

	fmt.Println("loading proving backend...")

	if _, err := pool.Load(cfg.Depth); err != nil {
		return err
	}

	c := client.NewClient(*node)

	iss, err := issue.New(w.SecretKey(), c, c, proof.NewProver(pool, cfg))
	if err != nil {
		return err
	}

	job, err := iss.Anonymous(ctx, s, *meta)
	if err != nil {
		return err
	}

	return waitJob(ctx, job)
}

// waitJob prints stage changes until the job finishes.
func waitJob(ctx context.Context, job *issue.Job) error {
	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()

	last := issue.Stage(-1)

	for {
		if st := job.Stage(); st != last {
			fmt.Println(st)
			last = st
		}

		select {
		case <-job.Done():
			ev, err := job.Wait(ctx)
			if err != nil {
				return err
			}

			fmt.Printf("published %s\n", ev.ID)
			return nil

		case <-ctx.Done():
			job.Cancel()
			return ctx.Err()

		case <-ticker.C:
		}
	}
}
