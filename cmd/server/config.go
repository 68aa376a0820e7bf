package main

import (
	"errors"
	"flag"
	"fmt"
	"io"

	"github.com/linnemanlabs/go-core/cfg"
	"github.com/linnemanlabs/go-core/httpmw"
	"github.com/linnemanlabs/go-core/httpserver"
	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/opshttp"
	"github.com/linnemanlabs/go-core/otelx"
	"github.com/linnemanlabs/go-core/prof"

	wc "github.com/linnemanlabs/warden/internal/cfg"
)

const envPrefix = "WARDEN_"

// configs groups the option structs of every package main wires together.
type configs struct {
	app   wc.Config
	http  httpserver.Config
	mw    httpmw.Config
	log   log.Config
	ops   opshttp.Config
	prof  prof.Config
	trace otelx.Config

	showVersion bool
}

type flagRegistrar interface {
	RegisterFlags(fs *flag.FlagSet)
}

type validator interface {
	Validate() error
}

func (c *configs) parts() []any {
	return []any{&c.app, &c.http, &c.mw, &c.log, &c.ops, &c.prof, &c.trace}
}

// loadConfigs parses args, then fills unset flags from WARDEN_* env vars.
func loadConfigs(args []string, stderr io.Writer) (*configs, error) {
	c := &configs{}
	fs := flag.NewFlagSet(appName, flag.ContinueOnError)
	fs.SetOutput(stderr)
	for _, p := range c.parts() {
		p.(flagRegistrar).RegisterFlags(fs)
	}
	fs.BoolVar(&c.showVersion, "V", false, "Print version+build information and exit")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if c.showVersion {
		return c, nil
	}

	cfg.FillFromEnv(fs, envPrefix, func(format string, args ...any) {
		_, _ = fmt.Fprintf(stderr, format+"\n", args...)
	})
	return c, nil
}

func (c *configs) validate() error {
	var errs []error
	for _, p := range c.parts() {
		errs = append(errs, p.(validator).Validate())
	}
	if c.app.APIPort == c.ops.Port {
		errs = append(errs, fmt.Errorf("api and ops ports must differ (both %d)", c.app.APIPort))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("configuration validation failed: %w", err)
	}
	return nil
}
