package main

import (
	"os"

	ctrl "sigs.k8s.io/controller-runtime"

	"github.com/sladg/pgvault-operator/cmd/manager/app"
)

func main() {
	ctx := ctrl.SetupSignalHandler()
	if err := app.NewCommand().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}
