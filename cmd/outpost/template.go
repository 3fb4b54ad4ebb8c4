package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/cuemby/outpost/pkg/config"
	"github.com/cuemby/outpost/pkg/keys"
	"github.com/cuemby/outpost/pkg/template"
	"github.com/cuemby/outpost/pkg/tunnel"
	"github.com/cuemby/outpost/pkg/types"
	"github.com/spf13/cobra"
)

// placeholderOriginIP stands in for the origin address when none is configured
const placeholderOriginIP = "192.0.2.1"

var templateCmd = &cobra.Command{
	Use:   "template",
	Short: "Inspect relay stack templates",
}

var templateRenderCmd = &cobra.Command{
	Use:   "render",
	Short: "Print the stack template of an aws exposure",
	Long: `Render prints the CloudFormation template outpost would submit for the
given domain. It is rendered with throwaway keys, and every key in the output
is redacted. Nothing is submitted.`,
	Example: `  outpost template render --config /etc/outpost/config.yml --domain app.example.com`,
	RunE:    runTemplateRender,
}

func init() {
	templateCmd.AddCommand(templateRenderCmd)
	templateRenderCmd.Flags().String("domain", "", "Domain of the exposure to render (required)")
	_ = templateRenderCmd.MarkFlagRequired("domain")
}

func runTemplateRender(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(settings.GetString("config"), settings)
	if err != nil {
		return err
	}

	domain, _ := cmd.Flags().GetString("domain")
	exp, err := findExposure(cfg, domain)
	if err != nil {
		return err
	}
	if exp.Provider != types.ProviderAWS {
		return fmt.Errorf("%s uses provider %s, only aws exposures have a stack template", exp.Domain, exp.Provider)
	}

	out, err := renderTemplate(cfg, exp, keys.NewManager())
	if err != nil {
		return err
	}
	_, err = cmd.OutOrStdout().Write(out)
	return err
}

func findExposure(cfg *config.Config, domain string) (*types.Exposure, error) {
	want := strings.TrimSuffix(strings.ToLower(domain), ".")
	for _, exp := range cfg.Desired() {
		if exp.Domain == want {
			return exp, nil
		}
	}
	return nil, fmt.Errorf("no exposure for domain %q", domain)
}

// renderTemplate renders exp with a fresh key pair and returns the redacted body
func renderTemplate(cfg *config.Config, exp *types.Exposure, km *keys.Manager) ([]byte, error) {
	subnet, err := tunnel.FindSubnet()
	if err != nil {
		return nil, err
	}

	originIP := cfg.Origin.PublicIP
	if originIP == "" {
		originIP = placeholderOriginIP
	}

	stackName := types.StackName(exp.Domain)

	pair, err := km.GeneratePair()
	if err != nil {
		return nil, err
	}
	defer pair.Zero()

	tpl, err := template.NewBuilder().Render(exp, pair, template.Params{
		StackName:         stackName,
		Region:            cfg.AWS.Region,
		HostedZoneID:      cfg.AWS.HostedZoneID,
		InstanceType:      cfg.AWS.InstanceType,
		OriginPublicIP:    originIP,
		ListenPort:        cfg.Tunnel.ListenPort,
		RelayTunnelIP:     subnet.Relay,
		OriginTunnelIP:    subnet.Origin,
		Owner:             ownerOf(cfg, originIP),
		ReadinessTimeout:  cfg.Readiness.Timeout.Round(time.Second),
		AgentURL:          cfg.Relay.AgentURL,
		AgentSHA256:       cfg.Relay.AgentSHA256,
		WatchdogInterval:  cfg.Relay.WatchdogInterval,
		WatchdogThreshold: cfg.Relay.WatchdogThreshold,
	})
	if err != nil {
		return nil, err
	}
	defer tpl.Wipe()

	return tpl.Redacted(), nil
}
