package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/ehr/broker/internal/config"
	"github.com/ehr/broker/internal/domain/client"
	"github.com/ehr/broker/internal/domain/source"
	"github.com/ehr/broker/internal/platform/apiclient"
)

// Demo patient. The source registers the full name; the client proves
// identity with the shorter form, which still matches on family name,
// first given name and birth date.
const (
	demoSourceName = "Jane A Doe"
	demoClientName = "Jane Doe"
	demoBirthDate  = "1985-03-15"
)

func demoCmd() *cobra.Command {
	var verbose bool
	cmd := &cobra.Command{
		Use:   "demo",
		Short: "Run the end-to-end notification scenario on an ephemeral port",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			logger := zerolog.Nop()
			if verbose {
				logger = newLogger(cfg)
			}

			a, stop, err := startEphemeral(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}
			defer stop()

			res, err := runScenario(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			out, _ := json.MarshalIndent(res, "", "  ")
			fmt.Fprintln(cmd.OutOrStdout(), string(out))
			a.logger.Info().Msg("demo complete")
			return nil
		},
	}
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "log requests and flow events")
	return cmd
}

// startEphemeral binds a loopback port, points cfg at it and serves the
// wired app until stop is called.
func startEphemeral(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*app, func(), error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, nil, fmt.Errorf("listen: %w", err)
	}
	port := fmt.Sprint(ln.Addr().(*net.TCPAddr).Port)
	cfg.Port = port
	cfg.BaseURL = "http://127.0.0.1:" + port

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		ln.Close()
		return nil, nil, err
	}
	a.echo.Listener = ln
	go func() {
		if err := a.echo.Start(""); err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("server error")
		}
	}()

	stop := func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = a.echo.Shutdown(shutdownCtx)
		a.Close()
	}
	return a, stop, nil
}

type scenarioResult struct {
	Registration source.Registration  `json:"registration"`
	Session      client.View          `json:"session"`
	Trigger      source.TriggerResult `json:"trigger"`
	Received     client.View          `json:"received"`
}

// runScenario drives the full flow over HTTP: the source registers a patient,
// the client authenticates and subscribes, the source records an encounter
// and the client ends up holding the notification and the fetched encounter.
func runScenario(ctx context.Context, cfg *config.Config) (*scenarioResult, error) {
	sourceAPI := apiclient.New(cfg.ServiceURL(config.ServiceSource))
	clientAPI := apiclient.New(cfg.ServiceURL(config.ServiceClient))
	res := &scenarioResult{}

	if err := sourceAPI.PostJSON(ctx, "/register-patient", source.Demographics{Name: demoSourceName, BirthDate: demoBirthDate}, &res.Registration); err != nil {
		return nil, fmt.Errorf("register patient: %w", err)
	}
	if res.Registration.BrokerID == "" {
		return nil, fmt.Errorf("register patient: broker did not link %s", res.Registration.SourceID)
	}

	quickAuth := map[string]client.Demographics{"patient": {Name: demoClientName, BirthDate: demoBirthDate}}
	if err := clientAPI.PostJSON(ctx, "/quick-auth", quickAuth, &res.Session); err != nil {
		return nil, fmt.Errorf("quick auth: %w", err)
	}

	trigger := map[string]interface{}{
		"patient":          source.Demographics{Name: demoSourceName, BirthDate: demoBirthDate},
		"encounterOptions": source.EncounterOptions{ClassCode: "AMB"},
	}
	if err := sourceAPI.PostJSON(ctx, "/trigger-event", trigger, &res.Trigger); err != nil {
		return nil, fmt.Errorf("trigger event: %w", err)
	}
	if !res.Trigger.OK {
		return res, fmt.Errorf("trigger event: %s", res.Trigger.Error)
	}

	q := url.Values{"name": {demoClientName}, "birthDate": {demoBirthDate}}
	if err := clientAPI.GetJSON(ctx, "/state?"+q.Encode(), &res.Received); err != nil {
		return nil, fmt.Errorf("client state: %w", err)
	}
	return res, nil
}
