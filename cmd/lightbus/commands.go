package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/smartylighting/lightbus/internal/infrastructure/config"
	"github.com/smartylighting/lightbus/internal/infrastructure/logging"
	"github.com/smartylighting/lightbus/internal/infrastructure/mqtt"
	"github.com/smartylighting/lightbus/internal/streetlight"
)

// publishTimeout bounds the whole one-shot publish, connect included.
const publishTimeout = 30 * time.Second

func newRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:           "lightbus",
		Short:         "MQTT runtime for street-light control",
		Version:       fmt.Sprintf("%s (commit %s, built %s)", version, commit, date),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context(), getConfigPath(configPath))
		},
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "",
		"config file (default $"+configEnv+" or "+defaultConfigPath+")")

	root.AddCommand(
		&cobra.Command{
			Use:   "run",
			Short: "Connect to the broker and serve until interrupted",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return run(cmd.Context(), getConfigPath(configPath))
			},
		},
		newValidateCmd(&configPath),
		newPublishCmd(&configPath),
	)
	return root
}

func newValidateCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Check the config file and binding list, then exit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			path := getConfigPath(*configPath)
			cfg, err := config.Load(path)
			if err != nil {
				return err
			}
			bindings := bindingsFor(cfg)
			svc := streetlight.NewService(streetlight.NewRegistry())
			set, err := streetlight.SubscriptionSet(bindings, svc.Handlers())
			if err != nil {
				return fmt.Errorf("bindings: %w", err)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%s: ok\n", path)
			fmt.Fprintf(out, "broker: %s\n", cfg.MQTT.Broker.Address)
			for _, b := range set.All() {
				fmt.Fprintf(out, "  %-8s %-26s qos=%d %s\n", b.Direction, b.Name, b.QoS, b.Filter)
			}
			return nil
		},
	}
}

type publishFlags struct {
	topic    string
	binding  string
	params   map[string]string
	payload  string
	qos      int
	retained bool
	async    bool
}

func newPublishCmd(configPath *string) *cobra.Command {
	var f publishFlags

	cmd := &cobra.Command{
		Use:   "publish",
		Short: "Publish one message and wait for the broker's acknowledgment",
		Example: `  lightbus publish --topic smartylighting/streetlights/1/0/action/7/turn/on --payload '{"id":"7","command":"on"}' --qos 1
  lightbus publish --binding receiveLightMeasurement --param streetlightId=7 --payload '{"id":"7","lumens":120}'`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if (f.topic == "") == (f.binding == "") {
				return fmt.Errorf("exactly one of --topic or --binding is required")
			}
			if f.qos < 0 || f.qos > 2 {
				return mqtt.ErrInvalidQoS
			}

			cfg, err := config.Load(getConfigPath(*configPath))
			if err != nil {
				return err
			}
			log := logging.New(cfg.Logging, version)

			ctx, cancel := context.WithTimeout(cmd.Context(), publishTimeout)
			defer cancel()

			outcome, err := publishOnce(ctx, cfg, log, f)
			if err != nil {
				return err
			}
			if outcome.Acknowledged {
				fmt.Fprintf(cmd.OutOrStdout(), "published to %s (qos %d) acknowledged in %s\n",
					outcome.Topic, outcome.QoS, outcome.Latency.Round(time.Millisecond))
			} else {
				fmt.Fprintf(cmd.OutOrStdout(), "published to %s (qos %d)\n", outcome.Topic, outcome.QoS)
			}
			return nil
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&f.topic, "topic", "", "topic name to publish to")
	flags.StringVar(&f.binding, "binding", "", "outbound binding to publish on")
	flags.StringToStringVar(&f.params, "param", nil, "binding topic parameter, as key=value")
	flags.StringVar(&f.payload, "payload", "", "message payload")
	flags.IntVar(&f.qos, "qos", 1, "quality of service (0, 1 or 2), ignored with --binding")
	flags.BoolVar(&f.retained, "retained", false, "ask the broker to retain the message")
	flags.BoolVar(&f.async, "async", false, "return once the message is handed to the transport")
	return cmd
}

// bindingsFor returns the configured bindings, or the default street-light
// bindings when none are configured.
func bindingsFor(cfg *config.Config) []config.BindingConfig {
	if len(cfg.MQTT.Bindings) > 0 {
		return cfg.MQTT.Bindings
	}
	return streetlight.Topics{}.DefaultBindings()
}

// outboundOnly drops inbound bindings, for commands that never subscribe.
func outboundOnly(bindings []config.BindingConfig) []config.BindingConfig {
	var out []config.BindingConfig
	for _, b := range bindings {
		if strings.EqualFold(b.Direction, config.DirectionOutbound) {
			out = append(out, b)
		}
	}
	return out
}
