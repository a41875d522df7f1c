package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/urfave/cli/v2"

	"github.com/synqronlabs/raven-dkim/config"
	"github.com/synqronlabs/raven-dkim/dkim"
	"github.com/synqronlabs/raven-dkim/message"
)

func signCommand() *cli.Command {
	return &cli.Command{
		Name:      "sign",
		Usage:     "Add DKIM-Signature headers to a message",
		ArgsUsage: "[FILE]",
		Description: `Without --key the signing identity configured for the From domain
(or --domain) is used.`,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "domain",
				Aliases: []string{"d"},
				Usage:   "signing domain (d= tag)",
			},
			&cli.StringFlag{
				Name:    "selector",
				Aliases: []string{"s"},
				Usage:   "selector (s= tag)",
			},
			&cli.PathFlag{
				Name:    "key",
				Aliases: []string{"k"},
				Usage:   "private key `FILE` in PEM format",
			},
			&cli.StringFlag{
				Name:  "canonicalization",
				Usage: "header/body canonicalization",
				Value: "relaxed/relaxed",
			},
			&cli.StringSliceFlag{
				Name:  "header",
				Usage: "header field to sign, may be repeated",
			},
			&cli.DurationFlag{
				Name:  "expiration",
				Usage: "signature validity period (x= tag)",
			},
			&cli.BoolFlag{
				Name:  "oversign",
				Usage: "sign one extra empty instance of each header field",
			},
		},
		Action: func(c *cli.Context) error {
			e, err := loadEnv(c)
			if err != nil {
				return err
			}
			m, err := readMessage(c)
			if err != nil {
				return err
			}
			signers, err := e.signers(c, m)
			if err != nil {
				return err
			}

			signed, err := dkim.SignMessageMultiple(m, signers)
			if err != nil {
				return err
			}
			e.logger.Info("message signed", "signatures", len(signers))
			_, err = c.App.Writer.Write(signed.Bytes())
			return err
		},
	}
}

func (e *env) signers(c *cli.Context, m *message.Message) ([]dkim.Signer, error) {
	if c.IsSet("key") {
		sc := config.SigningConfig{
			Domain:           c.String("domain"),
			Selector:         c.String("selector"),
			KeyFile:          c.Path("key"),
			Headers:          c.StringSlice("header"),
			Canonicalization: c.String("canonicalization"),
			Expiration:       c.Duration("expiration"),
			Oversign:         c.Bool("oversign"),
		}
		if err := sc.Postprocess(); err != nil {
			return nil, err
		}
		return []dkim.Signer{*sc.Signer()}, nil
	}

	domain := c.String("domain")
	if domain == "" {
		var err error
		if domain, err = m.FromDomain(); err != nil {
			return nil, err
		}
	}
	sc := e.conf.SignerFor(domain)
	if sc == nil {
		return nil, fmt.Errorf("no signing key configured for %s", domain)
	}
	return []dkim.Signer{*sc.Signer()}, nil
}

func verifyCommand() *cli.Command {
	return &cli.Command{
		Name:      "verify",
		Usage:     "Verify the DKIM signatures of a message",
		ArgsUsage: "[FILE]",
		Description: `Prints one line per signature, the overall result and an
Authentication-Results header field. Exits with status 1 unless the
result is pass.`,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "from-domain",
				Usage: "author domain preferred among passing signatures (default: From header)",
			},
			&cli.StringSliceFlag{
				Name:  "nameserver",
				Usage: "DNS server `ADDR` to query, may be repeated",
			},
			&cli.BoolFlag{
				Name:  "system-resolver",
				Usage: "use the operating system resolver",
			},
			&cli.StringFlag{
				Name:  "hostname",
				Usage: "authserv-id of the Authentication-Results field",
			},
		},
		Action: func(c *cli.Context) error {
			e, err := loadEnv(c)
			if err != nil {
				return err
			}
			m, err := readMessage(c)
			if err != nil {
				return err
			}

			rc := e.conf.Resolver
			if c.IsSet("nameserver") {
				rc.Nameservers = c.StringSlice("nameserver")
				rc.System = false
			}
			if c.Bool("system-resolver") {
				rc.System = true
			}
			resolver, cache, err := rc.NewResolver()
			if err != nil {
				return err
			}

			fromDomain := c.String("from-domain")
			if fromDomain == "" {
				if fromDomain, err = m.FromDomain(); err != nil {
					e.logger.Warn("cannot determine author domain", "error", err)
				}
			}

			out := e.conf.Verify.Verifier(resolver, e.logger).Verify(c.Context, m, fromDomain)
			if err := rc.SaveSnapshot(cache); err != nil {
				e.logger.Warn("saving DNS cache snapshot failed", "error", err)
			}

			w := c.App.Writer
			for i, r := range out.Results {
				fmt.Fprintf(w, "signature %d: %s\n", i+1, describeResult(r))
			}
			fmt.Fprintf(w, "result: %s\n", out.WithDetail())
			fmt.Fprintf(w, "Authentication-Results: %s\n", out.AuthResults(e.hostname(c)))

			if out.Status != dkim.StatusPass {
				return cli.Exit("", 1)
			}
			return nil
		},
	}
}

func (e *env) hostname(c *cli.Context) string {
	if h := c.String("hostname"); h != "" {
		return h
	}
	if e.conf.Verify.Hostname != "" {
		return e.conf.Verify.Hostname
	}
	if h, err := os.Hostname(); err == nil {
		return h
	}
	return "localhost"
}

func describeResult(r dkim.Result) string {
	var sb strings.Builder
	if sig := r.Signature; sig != nil {
		fmt.Fprintf(&sb, "d=%s s=%s a=%s ", sig.Domain, sig.Selector, sig.Algorithm)
	}
	sb.WriteString(string(r.Status))
	if r.Err != nil {
		fmt.Fprintf(&sb, " (%v)", r.Err)
	}
	return sb.String()
}

func keygenCommand() *cli.Command {
	return &cli.Command{
		Name:  "keygen",
		Usage: "Generate a signing key and its DNS record",
		Description: `The private key is written to --out in PKCS #8 PEM format and the
TXT record value to the same path with a .dns suffix. Existing files are
never overwritten.`,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "algorithm",
				Aliases: []string{"a"},
				Usage:   "key algorithm: rsa2048, rsa4096 or ed25519",
				Value:   config.KeyRSA2048,
			},
			&cli.PathFlag{
				Name:     "out",
				Aliases:  []string{"o"},
				Usage:    "private key output `FILE`",
				Required: true,
			},
			&cli.StringFlag{Name: "domain", Aliases: []string{"d"}},
			&cli.StringFlag{Name: "selector", Aliases: []string{"s"}},
		},
		Action: func(c *cli.Context) error {
			e, err := loadEnv(c)
			if err != nil {
				return err
			}
			key, err := config.GenerateKey(c.String("algorithm"))
			if err != nil {
				return err
			}
			record, err := config.WriteKey(c.Path("out"), key)
			if err != nil {
				return err
			}
			e.logger.Info("key generated", "algorithm", c.String("algorithm"), "path", c.Path("out"))
			fmt.Fprintln(c.App.Writer, zoneLine(recordName(c), record))
			return nil
		},
	}
}

func recordCommand() *cli.Command {
	return &cli.Command{
		Name:  "record",
		Usage: "Print the DNS record for an existing private key",
		Flags: []cli.Flag{
			&cli.PathFlag{
				Name:     "key",
				Aliases:  []string{"k"},
				Usage:    "private key `FILE` in PEM format",
				Required: true,
			},
			&cli.StringFlag{Name: "domain", Aliases: []string{"d"}},
			&cli.StringFlag{Name: "selector", Aliases: []string{"s"}},
		},
		Action: func(c *cli.Context) error {
			key, err := config.LoadPrivateKey(c.Path("key"))
			if err != nil {
				return err
			}
			record, err := config.DNSRecord(key)
			if err != nil {
				return err
			}
			fmt.Fprintln(c.App.Writer, zoneLine(recordName(c), record))
			return nil
		},
	}
}

func recordName(c *cli.Context) string {
	selector, domain := c.String("selector"), c.String("domain")
	if selector == "" || domain == "" {
		return ""
	}
	return selector + "._domainkey." + strings.TrimSuffix(domain, ".") + "."
}

// zoneLine formats a TXT record in zone file syntax. Values longer than 255
// octets are split into several character-strings.
func zoneLine(name, value string) string {
	var chunks []string
	for len(value) > 255 {
		chunks = append(chunks, `"`+value[:255]+`"`)
		value = value[255:]
	}
	chunks = append(chunks, `"`+value+`"`)

	txt := strings.Join(chunks, " ")
	if name == "" {
		return txt
	}
	return name + " IN TXT " + txt
}

func readMessage(c *cli.Context) (*message.Message, error) {
	if c.Args().Len() > 1 {
		return nil, errors.New("expected at most one message file")
	}
	var r io.Reader = c.App.Reader
	if path := c.Args().First(); path != "" && path != "-" {
		f, err := os.Open(path)
		if err != nil {
			return nil, err
		}
		defer f.Close()
		r = f
	}
	return message.Parse(r)
}
