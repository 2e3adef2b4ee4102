package main

import (
	"go.viam.com/rdk/components/arm"
	"go.viam.com/rdk/module"
	"go.viam.com/rdk/resource"
	roverarm "rover_arm"
)

func main() {
	module.ModularMain(
		resource.APIModel{API: arm.API, Model: roverarm.RoverArmModel},
	)
}
