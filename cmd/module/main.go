// Package main serves the swerve base as a modular component.
package main

import (
	"context"

	goutils "go.viam.com/utils"

	"go.viam.com/rdk/components/base"
	"go.viam.com/rdk/logging"
	"go.viam.com/rdk/module"

	"swerve"
)

func main() {
	goutils.ContextualMain(mainWithArgs, logging.NewDebugLogger("swerveBaseModule"))
}

func mainWithArgs(ctx context.Context, args []string, logger logging.Logger) (err error) {
	swerveModule, err := module.NewModuleFromArgs(ctx, logger)
	if err != nil {
		return err
	}
	if err := swerveModule.AddModelFromRegistry(ctx, base.API, swerve.Model); err != nil {
		return err
	}

	err = swerveModule.Start(ctx)
	defer swerveModule.Close(ctx)

	if err != nil {
		return err
	}
	<-ctx.Done()
	return nil
}
