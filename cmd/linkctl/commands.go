package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/mx-space/newsletter/internal/config"
	"github.com/mx-space/newsletter/internal/modules/digest"
	"github.com/mx-space/newsletter/internal/pkg/captoken"
	"github.com/mx-space/newsletter/internal/pkg/jwt"
	"github.com/mx-space/newsletter/internal/pkg/linkurl"
	"github.com/spf13/cobra"
)

const (
	kindManage      = "manage"
	kindUnsubscribe = "unsubscribe"
	kindResubscribe = "resubscribe"
	kindVerify      = "verify"
	kindSurvey      = "survey"
)

type rootOptions struct {
	configPath string
	now        func() time.Time
}

func (o *rootOptions) load() (*config.AppConfig, error) {
	return config.Load(o.configPath)
}

func (o *rootOptions) secrets(cfg *config.AppConfig) *captoken.Secrets {
	c := cfg.Capability
	return captoken.NewSecrets(c.PrimarySecret, c.AlternateSecret, c.SignWithAlternate)
}

func newRootCmd(out io.Writer) *cobra.Command {
	opts := &rootOptions{now: time.Now}
	root := &cobra.Command{
		Use:           "linkctl",
		Short:         "Mint and inspect newsletter capability links",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(out)
	root.PersistentFlags().StringVar(&opts.configPath, "config", config.DefaultConfigPath, "Path to YAML config file")

	root.AddCommand(newLinkCmd(opts))
	root.AddCommand(newInspectCmd(opts))
	root.AddCommand(newOperatorTokenCmd(opts))
	root.AddCommand(newSignWebhookCmd(opts))
	return root
}

func newLinkCmd(opts *rootOptions) *cobra.Command {
	var (
		subject  string
		kind     string
		article  string
		answer   string
		ttl      time.Duration
		reusable bool
	)
	cmd := &cobra.Command{
		Use:   "link",
		Short: "Mint a capability link for a subscriber",
		Example: `  linkctl link --subject 7b1c... --kind unsubscribe
  linkctl link --subject 7b1c... --kind survey --article a1 --answer yes --ttl 48h`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			if ttl <= 0 {
				ttl = cfg.Capability.LinkTTL
			}
			links, err := linkurl.New(cfg.Site.BaseURL, cfg.Site.WebURL)
			if err != nil {
				return err
			}
			issuer := captoken.NewIssuer(opts.secrets(cfg), captoken.WithClock(opts.now))
			token, err := issuer.Mint(strings.TrimSpace(subject), ttl, !reusable)
			if err != nil {
				return err
			}

			var link string
			switch kind {
			case kindManage:
				link = links.Manage(token)
			case kindUnsubscribe:
				link = links.Subscription(token, linkurl.ActionUnsubscribe)
			case kindResubscribe:
				link = links.Subscription(token, linkurl.ActionResubscribe)
			case kindVerify:
				link = links.Verify(token)
			case kindSurvey:
				if article == "" || answer == "" {
					return fmt.Errorf("survey links need --article and --answer")
				}
				link = links.Survey(token, article, answer)
			default:
				return fmt.Errorf("unknown kind %q", kind)
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), link)
			return err
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "", "Subscriber ID the link acts for")
	cmd.Flags().StringVar(&kind, "kind", kindManage, "manage | unsubscribe | resubscribe | verify | survey")
	cmd.Flags().StringVar(&article, "article", "", "Article ID (survey only)")
	cmd.Flags().StringVar(&answer, "answer", "", "yes | no (survey only)")
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "Link lifetime (default capability.link_ttl)")
	cmd.Flags().BoolVar(&reusable, "reusable", false, "Mint without a nonce")
	_ = cmd.MarkFlagRequired("subject")
	return cmd
}

type inspection struct {
	State     captoken.Outcome `json:"state"`
	Kind      string           `json:"kind,omitempty"`
	UserID    string           `json:"user_id,omitempty"`
	ExpiresAt *time.Time       `json:"expires_at,omitempty"`
	SingleUse bool             `json:"single_use"`
}

func newInspectCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "inspect <token>",
		Short: "Check a token's signature and expiry without consuming it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			verifier := captoken.NewVerifier(opts.secrets(cfg), nil, captoken.WithClock(opts.now))
			result := inspection{State: captoken.OutcomeOK}

			p, err := verifier.Check(strings.TrimSpace(args[0]))
			if err != nil {
				result.State = captoken.OutcomeOf(err)
				result.Kind = captoken.KindOf(err).String()
			} else {
				result.UserID = p.UserID
				result.SingleUse = p.Nonce != ""
				if p.Exp != 0 {
					exp := p.ExpiresAt().UTC()
					result.ExpiresAt = &exp
				}
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(result)
		},
	}
}

func newOperatorTokenCmd(opts *rootOptions) *cobra.Command {
	var (
		uid string
		ttl time.Duration
	)
	cmd := &cobra.Command{
		Use:   "operator-token",
		Short: "Sign an operator JWT for the admin endpoints",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			token, err := jwt.NewSigner(cfg.JWTSecret).Sign(uid, ttl)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), token)
			return err
		},
	}
	cmd.Flags().StringVar(&uid, "uid", "operator", "Operator identifier")
	cmd.Flags().DurationVar(&ttl, "ttl", time.Hour, "Token lifetime")
	return cmd
}

func newSignWebhookCmd(opts *rootOptions) *cobra.Command {
	var body string
	cmd := &cobra.Command{
		Use:   "sign-webhook",
		Short: "Print the headers for a signed POST /digest/run",
		Example: `  linkctl sign-webhook --body '{"source":"cron"}'
  linkctl sign-webhook --body @payload.json`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			if cfg.Digest.WebhookSecret == "" {
				return fmt.Errorf("digest.webhook_secret is not configured")
			}
			payload := []byte(body)
			if strings.HasPrefix(body, "@") {
				if payload, err = os.ReadFile(body[1:]); err != nil {
					return fmt.Errorf("read body file: %w", err)
				}
			}
			ts := strconv.FormatInt(opts.now().UnixMilli(), 10)
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%s: %s\n", digest.HeaderTimestamp, ts)
			_, err = fmt.Fprintf(out, "%s: %s\n", digest.HeaderSignature, digest.SignWebhook(cfg.Digest.WebhookSecret, ts, payload))
			return err
		},
	}
	cmd.Flags().StringVar(&body, "body", "", "Request body, or @file")
	return cmd
}
