package main

import (
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cuemby/outpost/pkg/deployer"
	"github.com/cuemby/outpost/pkg/health"
	"github.com/cuemby/outpost/pkg/watchdog"
	"github.com/spf13/cobra"
)

var relayCmd = &cobra.Command{
	Use:   "relay",
	Short: "Commands that run on a relay instance",
}

var relayWatchdogCmd = &cobra.Command{
	Use:   "watchdog",
	Short: "Delete this relay's stack when the origin stops answering",
	Long: `Watchdog probes the origin over the tunnel and deletes the relay's own
CloudFormation stack after --threshold consecutive failed probes. It is started
by the relay's boot script; the instance role only allows deleting its own stack.`,
	Example: `  outpost relay watchdog --stack-name outpost-app-example-com \
    --region us-east-2 --target 10.99.0.2`,
	RunE: runRelayWatchdog,
}

func init() {
	relayCmd.AddCommand(relayWatchdogCmd)

	defaults := watchdog.DefaultRemoteConfig()
	flags := relayWatchdogCmd.Flags()
	flags.String("stack-name", "", "Stack to delete (required)")
	flags.String("region", "", "AWS region of the stack (required)")
	flags.String("target", "", "Origin probe target: IP, host:port or URL (required)")
	flags.Duration("interval", defaults.Interval, "Time between probes")
	flags.Int("threshold", defaults.Threshold, "Consecutive failures before self-destruct")
	flags.String("state-file", "/var/lib/outpost/self-destructed", "Marker written after deletion")
	flags.Duration("probe-timeout", 3*time.Second, "Timeout of a single probe")
	_ = relayWatchdogCmd.MarkFlagRequired("stack-name")
	_ = relayWatchdogCmd.MarkFlagRequired("region")
	_ = relayWatchdogCmd.MarkFlagRequired("target")
}

func runRelayWatchdog(cmd *cobra.Command, args []string) error {
	flags := cmd.Flags()
	stackName, _ := flags.GetString("stack-name")
	region, _ := flags.GetString("region")
	target, _ := flags.GetString("target")
	interval, _ := flags.GetDuration("interval")
	threshold, _ := flags.GetInt("threshold")
	stateFile, _ := flags.GetString("state-file")
	timeout, _ := flags.GetDuration("probe-timeout")

	if threshold < 1 {
		return errors.New("--threshold must be at least 1")
	}

	checker, err := health.Parse(target, timeout)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	d, err := deployer.NewFromAWS(ctx, deployer.Config{Region: region})
	if err != nil {
		return err
	}

	w := watchdog.NewRemote(watchdog.RemoteConfig{
		StackName: stackName,
		Region:    region,
		Interval:  interval,
		Threshold: threshold,
		StateFile: stateFile,
	}, checker, d)

	err = w.Run(ctx)
	if errors.Is(err, watchdog.ErrSelfDestructed) {
		return nil
	}
	return err
}
