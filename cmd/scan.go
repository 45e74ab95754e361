package cmd

import (
	"errors"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/avhub/avhub/internal/devices"
	"github.com/avhub/avhub/internal/discovery"
)

var errUnknownDomain = errors.New("unknown domain")

var scanDomain string //nolint:gochecknoglobals // cobra command flag

func newScanCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "scan",
		Short: "Run one discovery pass and print what was found",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			var domains []devices.Domain

			switch scanDomain {
			case "":
				domains = []devices.Domain{devices.DomainLocal, devices.DomainNetwork}
			case string(devices.DomainLocal), string(devices.DomainNetwork):
				domains = []devices.Domain{devices.Domain(scanDomain)}
			default:
				return fmt.Errorf("%w: %q", errUnknownDomain, scanDomain)
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tNAME\tTYPE\tDOMAIN\tSOURCE\tADDRESS")

			var total int

			for _, domain := range domains {
				scanners, err := discovery.NewScanners(cfg, domain)
				if err != nil {
					return err
				}

				found, err := discovery.NewEngine(domain, scanners).Scan(ctx)
				if err != nil {
					zerolog.Ctx(ctx).Warn().Err(err).Str("domain", string(domain)).Msg("scan failed")

					continue
				}

				for i := range found {
					d := &found[i]
					fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n", d.ID, d.Name, d.Type, d.Domain, d.Source, deviceAddress(d))
				}

				total += len(found)
			}

			if err := w.Flush(); err != nil {
				return err
			}

			fmt.Printf("\n%d device(s) found\n", total)

			return nil
		},
	}

	cmd.Flags().StringVar(&scanDomain, "domain", "", "Scan one domain only: local or network")

	return cmd
}

func deviceAddress(d *devices.Device) string {
	if d.Domain == devices.DomainLocal {
		return d.SystemPath
	}

	return fmt.Sprintf("%s:%d", d.IP, d.Port)
}