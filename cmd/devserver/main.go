// Package main is the entry point of the devserver command.
package main

import (
	_ "go.uber.org/automaxprocs"

	"github.com/kart-io/devserver/internal/devserver"

	// Register engines
	_ "github.com/kart-io/devserver/pkg/devserver/backend/echo"
	_ "github.com/kart-io/devserver/pkg/devserver/backend/gin"
	_ "github.com/kart-io/devserver/pkg/devserver/backend/worker"
)

func main() {
	devserver.NewApp().Run()
}
