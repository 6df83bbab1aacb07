// Command findings-scheduler fans Security Hub finding imports out to the
// processor, one time window per active provider.
package main

import (
	"github.com/nimburion/findings-scheduler/pkg/cli"
	"github.com/nimburion/findings-scheduler/pkg/config"
)

func main() {
	cli.Execute(cli.NewServiceCommand(cli.ServiceCommandOptions{
		Name:        "findings-scheduler",
		Description: "Schedule Security Hub findings processing per provider",
		EnvPrefix:   config.DefaultEnvPrefix,
	}))
}
