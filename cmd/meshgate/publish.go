package main

import (
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"
	"github.com/spf13/cobra"

	"github.com/hanpama/meshgate/internal/natstp"
)

func newPublishCmd(f *rootFlags) *cobra.Command {
	var url, prefix string
	cmd := &cobra.Command{
		Use:   "publish <tag> [json-payload]",
		Short: "Publish an event to gateway subscriptions over NATS",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := f.load()
			if err != nil {
				return err
			}
			if url == "" {
				url = cfg.NATS.URL
			}
			if prefix == "" {
				prefix = cfg.NATS.Prefix
			}
			var payload any
			if len(args) == 2 {
				if err := json.Unmarshal([]byte(args[1]), &payload); err != nil {
					return fmt.Errorf("payload: %w", err)
				}
			}
			nc, err := nats.Connect(url, nats.Name("meshgate-publish"))
			if err != nil {
				return fmt.Errorf("connect %s: %w", url, err)
			}
			defer nc.Close()
			if err := natstp.Publish(nc, args[0], payload, natstp.WithPrefix(prefix)); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "published %s\n", args[0])
			return nil
		},
	}
	cmd.Flags().StringVar(&url, "nats.url", "", "NATS server URL (default: nats.url from config)")
	cmd.Flags().StringVar(&prefix, "nats.prefix", "", "subject prefix (default: nats.prefix from config)")
	return cmd
}
